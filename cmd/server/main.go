package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"ledgerpos/backend/internal/audit"
	"ledgerpos/backend/internal/auth"
	"ledgerpos/backend/internal/cache"
	"ledgerpos/backend/internal/config"
	"ledgerpos/backend/internal/domain"
	"ledgerpos/backend/internal/httpapi"
	"ledgerpos/backend/internal/logging"
	"ledgerpos/backend/internal/outbox"
	"ledgerpos/backend/internal/pricing"
	"ledgerpos/backend/internal/sales"
	"ledgerpos/backend/internal/store"
	"ledgerpos/backend/internal/store/memory"
	pgstore "ledgerpos/backend/internal/store/postgres"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.Env, cfg.LogLevel, os.Stdout)
	log.Logger = logger

	if err := validateSecurityConfig(cfg); err != nil {
		logger.Fatal().Err(err).Msg("invalid security configuration")
	}
	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("server stopped with error")
	}
}

func run(cfg config.Config, logger zerolog.Logger) error {
	startCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	closers := make([]func() error, 0, 3)
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				logger.Warn().Err(err).Msg("close error")
			}
		}
	}()

	repo, err := openRepository(startCtx, cfg, logger)
	if err != nil {
		return err
	}
	closers = append(closers, repo.Close)

	priceBooks := cache.PriceBookCache(cache.NoopPriceBookCache{})
	if cfg.RedisAddr != "" {
		redisCache := cache.NewRedisPriceBookCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err := redisCache.Ping(startCtx); err != nil {
			logger.Warn().Err(err).Msg("redis unavailable, price books are not cached")
			_ = redisCache.Close()
		} else {
			priceBooks = redisCache
			closers = append(closers, redisCache.Close)
			logger.Info().Str("addr", cfg.RedisAddr).Msg("cache: redis")
		}
	} else {
		logger.Info().Msg("cache: noop")
	}

	var publisher outbox.Publisher
	if brokers := cfg.Brokers(); len(brokers) > 0 {
		publisher = outbox.NewKafkaPublisher(outbox.NewKafkaWriter(brokers, cfg.KafkaTopic))
		logger.Info().Strs("brokers", brokers).Str("topic", cfg.KafkaTopic).Msg("events: kafka")
	} else {
		publisher = outbox.NewLogPublisher(logger)
		logger.Info().Msg("events: log")
	}
	closers = append(closers, publisher.Close)

	events := outbox.New(repo)
	resolver := pricing.NewResolver(repo, priceBooks, cfg.PriceBookCacheTTL(), logger)
	svc := sales.New(repo, resolver, events, auth.PermissionChecker{}, audit.NewLogSink(logger), sales.Options{
		RequireOpenShift:         cfg.RequireOpenShift,
		TxTimeout:                cfg.TxTimeout(),
		CashOutApprovalThreshold: cfg.CashOutThreshold(),
	}, logger)

	tokens := auth.NewTokenManager(cfg.AuthSecret, cfg.AccessTokenTTL())
	managerPIN, err := auth.NewPINVerifier(cfg.ManagerPIN)
	if err != nil {
		return fmt.Errorf("manager pin: %w", err)
	}
	if !cfg.IsProduction() && cfg.SeedDemo {
		logDevToken(tokens, logger)
	}

	api := httpapi.New(svc, tokens, managerPIN, cfg.AllowedOrigin, logger)
	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	relayCtx, stopRelay := context.WithCancel(context.Background())
	defer stopRelay()
	relay := outbox.NewRelay(events, publisher, outbox.RelayConfig{
		Workers:       cfg.OutboxWorkers,
		BatchSize:     cfg.OutboxBatchSize,
		PollInterval:  cfg.OutboxPollInterval(),
		MaxRetries:    cfg.OutboxMaxRetries,
		RetentionDays: cfg.OutboxRetentionDays,
		ClaimTimeout:  cfg.OutboxClaimTimeout(),
	}, logger)
	relay.Start(relayCtx)

	serveErr := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.Address()).Str("env", cfg.Env).Msg("ledger backend listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case s := <-sig:
		logger.Info().Str("signal", s.String()).Msg("shutting down")
	case err := <-serveErr:
		if err != nil {
			stopRelay()
			relay.Wait()
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("shutdown error")
	}

	stopRelay()
	relay.Wait()
	logger.Info().Msg("server stopped")
	return nil
}

// openRepository refuses to fall back to memory when DATABASE_URL is set.
func openRepository(ctx context.Context, cfg config.Config, logger zerolog.Logger) (store.Repository, error) {
	if cfg.DatabaseURL != "" {
		pg, err := pgstore.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("postgres unavailable and DATABASE_URL is set: %w", err)
		}
		if err := pg.Migrate(ctx); err != nil {
			_ = pg.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
		logger.Info().Msg("repository: postgres")
		return pg, nil
	}

	if cfg.SeedDemo {
		logger.Info().Msg("repository: in-memory with demo catalog")
		return memory.NewSeeded(), nil
	}
	logger.Info().Msg("repository: in-memory")
	return memory.New(), nil
}

// logDevToken prints a wildcard token for the demo tenant so a local
// checkout can be driven with curl.
func logDevToken(tokens *auth.TokenManager, logger zerolog.Logger) {
	token, expires, err := tokens.Issue(domain.Principal{
		TenantID:    "demo",
		UserID:      "dev",
		StoreID:     "store-1",
		Permissions: []string{"*"},
	})
	if err != nil {
		logger.Warn().Err(err).Msg("could not issue development token")
		return
	}
	logger.Info().Str("token", token).Time("expires_at", expires).Msg("development token for tenant demo")
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	if len(cfg.ManagerPIN) < 6 {
		return fmt.Errorf("MANAGER_PIN must be set and at least 6 digits")
	}
	if err := validatePINStrength(cfg.ManagerPIN); err != nil {
		return fmt.Errorf("MANAGER_PIN is too weak: %w", err)
	}
	return nil
}

// validatePINStrength rejects PINs that are all the same digit,
// sequential (ascending or descending), or from a known-weak list.
func validatePINStrength(pin string) error {
	known := map[string]bool{
		"123456": true, "654321": true, "000000": true, "111111": true,
		"121212": true, "112233": true, "123123": true, "696969": true,
		"159753": true, "147258": true,
	}
	if known[pin] {
		return fmt.Errorf("common PIN not allowed")
	}

	for i := 0; i < len(pin); i++ {
		if pin[i] < '0' || pin[i] > '9' {
			return fmt.Errorf("PIN must be digits only")
		}
	}

	allSame := true
	for i := 1; i < len(pin); i++ {
		if pin[i] != pin[0] {
			allSame = false
			break
		}
	}
	if allSame {
		return fmt.Errorf("all-same-digit PIN not allowed")
	}

	ascending, descending := true, true
	for i := 1; i < len(pin); i++ {
		diff := int(pin[i]) - int(pin[i-1])
		if diff != 1 {
			ascending = false
		}
		if diff != -1 {
			descending = false
		}
	}
	if ascending || descending {
		return fmt.Errorf("sequential PIN not allowed")
	}
	return nil
}
