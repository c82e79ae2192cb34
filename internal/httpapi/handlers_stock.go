package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"ledgerpos/backend/internal/domain"
	"ledgerpos/backend/internal/sales"
	"ledgerpos/backend/internal/store"
)

// stockKeyFromQuery reads the key from query parameters. store_id defaults to
// the caller's store.
func stockKeyFromQuery(c *gin.Context) (domain.StockKey, error) {
	key := domain.StockKey{
		StoreID:   strings.TrimSpace(c.Query("store_id")),
		ProductID: strings.TrimSpace(c.Query("product_id")),
		VariantID: strings.TrimSpace(c.Query("variant_id")),
		UnitID:    strings.TrimSpace(c.Query("unit_id")),
		LotID:     strings.TrimSpace(c.Query("lot_id")),
	}
	if key.StoreID == "" {
		key.StoreID = principalFrom(c).StoreID
	}
	if key.StoreID == "" {
		return key, errors.New("store_id is required")
	}
	if key.ProductID == "" && key.VariantID == "" {
		return key, errors.New("product_id or variant_id is required")
	}
	return key, nil
}

func (a *API) handleStockLevel(c *gin.Context) {
	key, err := stockKeyFromQuery(c)
	if err != nil {
		writeError(c, http.StatusBadRequest, err)
		return
	}

	agg, err := a.sales.GetStockLevel(c.Request.Context(), principalFrom(c), key)
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"stock": agg})
}

func (a *API) handleAvailability(c *gin.Context) {
	key, err := stockKeyFromQuery(c)
	if err != nil {
		writeError(c, http.StatusBadRequest, err)
		return
	}
	requested, err := decimal.NewFromString(strings.TrimSpace(c.Query("quantity")))
	if err != nil {
		writeError(c, http.StatusBadRequest, fmt.Errorf("quantity: %w", err))
		return
	}

	availability, err := a.sales.CheckAvailability(c.Request.Context(), principalFrom(c), key, requested)
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, availability)
}

func (a *API) handleLedger(c *gin.Context) {
	filter := store.LedgerFilter{
		StoreID:       strings.TrimSpace(c.Query("store_id")),
		ProductID:     strings.TrimSpace(c.Query("product_id")),
		VariantID:     strings.TrimSpace(c.Query("variant_id")),
		ReferenceType: strings.ToUpper(strings.TrimSpace(c.Query("reference_type"))),
	}
	var err error
	if filter.From, err = timeQuery(c, "from"); err != nil {
		writeError(c, http.StatusBadRequest, err)
		return
	}
	if filter.To, err = timeQuery(c, "to"); err != nil {
		writeError(c, http.StatusBadRequest, err)
		return
	}
	offset, _ := strconv.Atoi(c.Query("offset"))
	page := store.Page{Limit: parsePositiveLimit(c.Query("limit"), 50, 500), Offset: offset}

	result, err := a.sales.GetLedgerHistory(c.Request.Context(), principalFrom(c), filter, page)
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func timeQuery(c *gin.Context, param string) (*time.Time, error) {
	raw := strings.TrimSpace(c.Query(param))
	if raw == "" {
		return nil, nil
	}
	at, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, fmt.Errorf("%s must be RFC3339: %w", param, err)
	}
	return &at, nil
}

func (a *API) handleVerifyStock(c *gin.Context) {
	key, err := stockKeyFromQuery(c)
	if err != nil {
		writeError(c, http.StatusBadRequest, err)
		return
	}

	report, err := a.sales.VerifyStock(c.Request.Context(), principalFrom(c), key)
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (a *API) handleRebuildStock(c *gin.Context) {
	var key domain.StockKey
	if err := decodeJSON(c, &key); err != nil {
		writeError(c, http.StatusBadRequest, err)
		return
	}
	if key.StoreID == "" {
		key.StoreID = principalFrom(c).StoreID
	}

	agg, err := a.sales.RebuildStock(c.Request.Context(), principalFrom(c), key)
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"stock": agg})
}

func (a *API) handleReceiveStock(c *gin.Context) {
	a.handleStockOperation(c, a.sales.ReceiveStock)
}

func (a *API) handleAdjustStock(c *gin.Context) {
	a.handleStockOperation(c, a.sales.AdjustStock)
}

func (a *API) handleCountStock(c *gin.Context) {
	a.handleStockOperation(c, a.sales.CountStock)
}

type stockOperation func(ctx context.Context, principal domain.Principal, req sales.StockRequest) (*sales.StockResult, error)

func (a *API) handleStockOperation(c *gin.Context, op stockOperation) {
	var req sales.StockRequest
	if err := decodeJSON(c, &req); err != nil {
		writeError(c, http.StatusBadRequest, err)
		return
	}

	result, err := op(c.Request.Context(), principalFrom(c), req)
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, result)
}

func (a *API) handleTransferStock(c *gin.Context) {
	var req sales.TransferRequest
	if err := decodeJSON(c, &req); err != nil {
		writeError(c, http.StatusBadRequest, err)
		return
	}

	result, err := a.sales.TransferStock(c.Request.Context(), principalFrom(c), req)
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, result)
}
