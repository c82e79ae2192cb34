package httpapi

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"ledgerpos/backend/internal/domain"
	"ledgerpos/backend/internal/sales"
)

func (a *API) handleCreateSale(c *gin.Context) {
	var req sales.SaleRequest
	if err := decodeJSON(c, &req); err != nil {
		writeError(c, http.StatusBadRequest, err)
		return
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = strings.TrimSpace(c.GetHeader("Idempotency-Key"))
	}

	receipt, err := a.sales.CreateSale(c.Request.Context(), principalFrom(c), req)
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"receipt": receipt})
}

func (a *API) handlePreviewSale(c *gin.Context) {
	var cart domain.Cart
	if err := decodeJSON(c, &cart); err != nil {
		writeError(c, http.StatusBadRequest, err)
		return
	}

	preview, err := a.sales.PreviewSale(c.Request.Context(), principalFrom(c), cart)
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"preview": preview})
}

func (a *API) handleGetReceipt(c *gin.Context) {
	receipt, err := a.sales.GetReceipt(c.Request.Context(), principalFrom(c), c.Param("id"))
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"receipt": receipt})
}

type voidBody struct {
	Reason string `json:"reason"`
}

func (a *API) handleVoidSale(c *gin.Context) {
	var body voidBody
	if err := decodeJSON(c, &body); err != nil {
		writeError(c, http.StatusBadRequest, err)
		return
	}

	receipt, err := a.sales.VoidSale(c.Request.Context(), principalFrom(c), sales.VoidRequest{
		ReceiptID: c.Param("id"),
		Reason:    body.Reason,
	})
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"receipt": receipt})
}

func (a *API) handleRefund(c *gin.Context) {
	var req sales.RefundRequest
	if err := decodeJSON(c, &req); err != nil {
		writeError(c, http.StatusBadRequest, err)
		return
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = strings.TrimSpace(c.GetHeader("Idempotency-Key"))
	}

	receipt, err := a.sales.ProcessRefund(c.Request.Context(), principalFrom(c), req)
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"receipt": receipt})
}

func (a *API) handleParkSale(c *gin.Context) {
	var req sales.ParkRequest
	if err := decodeJSON(c, &req); err != nil {
		writeError(c, http.StatusBadRequest, err)
		return
	}

	parked, err := a.sales.ParkSale(c.Request.Context(), principalFrom(c), req)
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"parked": parked})
}

func (a *API) handleListParked(c *gin.Context) {
	limit := parsePositiveLimit(c.Query("limit"), 50, 200)
	parked, err := a.sales.ListParked(c.Request.Context(), principalFrom(c), c.Query("store_id"), c.Query("register_id"), limit)
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"parked": parked})
}

func (a *API) handleRecallSale(c *gin.Context) {
	parked, err := a.sales.RecallSale(c.Request.Context(), principalFrom(c), c.Param("id"))
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"parked": parked})
}

func (a *API) handleOpenShift(c *gin.Context) {
	var req sales.OpenShiftRequest
	if err := decodeJSON(c, &req); err != nil {
		writeError(c, http.StatusBadRequest, err)
		return
	}

	shift, err := a.sales.OpenShift(c.Request.Context(), principalFrom(c), req)
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"shift": shift})
}

func (a *API) handleGetShift(c *gin.Context) {
	report, err := a.sales.GetShift(c.Request.Context(), principalFrom(c), c.Param("id"))
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (a *API) handleCloseShift(c *gin.Context) {
	var req sales.CloseShiftRequest
	if err := decodeJSON(c, &req); err != nil {
		writeError(c, http.StatusBadRequest, err)
		return
	}
	req.ShiftID = c.Param("id")

	report, err := a.sales.CloseShift(c.Request.Context(), principalFrom(c), req)
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (a *API) handleCashMovement(c *gin.Context) {
	var req sales.CashMovementRequest
	if err := decodeJSON(c, &req); err != nil {
		writeError(c, http.StatusBadRequest, err)
		return
	}
	req.ShiftID = c.Param("id")

	movement, err := a.sales.RecordCashMovement(c.Request.Context(), principalFrom(c), req)
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"movement": movement})
}
