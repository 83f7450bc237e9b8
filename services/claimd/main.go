package claimd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"questrewards/observability"
	"questrewards/observability/logging"
	telemetry "questrewards/observability/otel"
	"questrewards/services/claimd/claims"
	"questrewards/services/claimd/compensation"
	"questrewards/services/claimd/gate"
	"questrewards/services/claimd/ledger"
	claimmw "questrewards/services/claimd/middleware"
	"questrewards/services/claimd/minter"
	"questrewards/services/claimd/models"
	"questrewards/services/claimd/quests"
	"questrewards/services/claimd/recon"
	"questrewards/services/claimd/server"
)

// Main initialises and runs the claim daemon.
func Main() error {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/claimd/config.yaml", "path to claimd configuration")
	flag.Parse()

	cfg, err := LoadConfig(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	env := strings.TrimSpace(os.Getenv("QUEST_ENV"))
	logger := logging.Setup("claimd", env,
		logging.WithLevel(cfg.Log.Level),
		logging.WithRotation(logging.Rotation{
			Path:       cfg.Log.File,
			MaxSizeMB:  cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
			MaxAgeDays: cfg.Log.MaxAgeDays,
			Compress:   cfg.Log.Compress,
		}),
	)

	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.FromEnv("claimd", env))
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	catalog, err := quests.Load(cfg.QuestsPath)
	if err != nil {
		return fmt.Errorf("load quests: %w", err)
	}

	db, err := models.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	if sqlDB, err := db.DB(); err == nil {
		defer sqlDB.Close()
	}

	indexer, err := gate.NewIndexerClient(gate.IndexerConfig{
		BaseURL:           cfg.Indexer.BaseURL,
		APIKey:            cfg.Indexer.APIKey,
		Timeout:           cfg.Indexer.Timeout.Duration,
		RequestsPerSecond: cfg.Indexer.RequestsPerSecond,
		Burst:             cfg.Indexer.Burst,
		Location:          catalog.Location(),
	})
	if err != nil {
		return fmt.Errorf("init indexer: %w", err)
	}
	registry := gate.NewRegistry()
	for _, id := range catalog.IDs() {
		family, err := catalog.Family(id)
		if err != nil {
			continue
		}
		if err := registry.Register(family, indexer.Gate(family)); err != nil {
			return fmt.Errorf("register gate %s: %w", family, err)
		}
	}

	client, err := minter.DialEVMClient(cfg.Chain.Endpoint)
	if err != nil {
		return fmt.Errorf("dial chain: %w", err)
	}
	defer client.Close()
	session, err := minter.NewSignerSession(client, cfg.Signer.PrivateKey(), minter.SessionConfig{
		ChainID:     big.NewInt(cfg.Chain.ChainID),
		GasLimit:    cfg.Chain.GasLimit,
		MaxGasPrice: cfg.Chain.MaxGasPrice(),
	})
	if err != nil {
		return fmt.Errorf("init signer: %w", err)
	}
	metrics := observability.Claims()
	rewards, err := minter.New(session, minter.Config{
		Token:          common.HexToAddress(cfg.Chain.Token),
		Decimals:       cfg.Chain.Decimals,
		Confirmations:  cfg.Chain.Confirmations,
		PollInterval:   cfg.Chain.PollInterval.Duration,
		ConfirmTimeout: cfg.Chain.ConfirmTimeout.Duration,
		Metrics:        metrics,
	})
	if err != nil {
		return fmt.Errorf("init minter: %w", err)
	}

	claimLedger := ledger.NewClaimLedger(db, nil)
	compLedger := ledger.NewCompensationLedger(db, nil)

	orchestrator, err := claims.New(gate.NewResolver(registry, catalog), claimLedger, rewards, claims.Config{
		GateTimeout: cfg.Claims.GateTimeout.Duration,
		MintTimeout: cfg.Claims.MintTimeout.Duration,
		MaxAttempts: cfg.Claims.MaxAttempts,
	}, claims.WithLogger(logger), claims.WithMetrics(metrics))
	if err != nil {
		return fmt.Errorf("init claims: %w", err)
	}
	manager, err := compensation.NewManager(compLedger, rewards,
		compensation.WithLogger(logger),
		compensation.WithMetrics(metrics),
		compensation.WithSubmitTimeout(cfg.Claims.MintTimeout.Duration),
	)
	if err != nil {
		return fmt.Errorf("init compensation: %w", err)
	}

	reconciler, err := recon.New(recon.Config{
		Claims:       claimLedger,
		Compensation: compLedger,
		Chain:        rewards,
		PendingAfter: cfg.Recon.PendingAfter.Duration,
		ExpireAfter:  cfg.Recon.ExpireAfter.Duration,
		DropAfter:    cfg.Recon.DropAfter.Duration,
		BatchSize:    cfg.Recon.BatchSize,
		Logger:       logger,
		Metrics:      metrics,
	})
	if err != nil {
		return fmt.Errorf("init reconciler: %w", err)
	}

	var serviceAuth *claimmw.BearerAuth
	if cfg.Auth.ServiceToken != "" {
		if serviceAuth, err = claimmw.NewBearerAuth(cfg.Auth.ServiceToken); err != nil {
			return fmt.Errorf("init service auth: %w", err)
		}
	} else {
		logger.Warn("compensation api disabled: no service token configured")
	}
	var userTokens *claimmw.UserTokens
	if cfg.Auth.JWTSecret != "" {
		userTokens, err = claimmw.NewUserTokens(claimmw.UserTokenConfig{
			Secret:   cfg.Auth.JWTSecret,
			Issuer:   cfg.Auth.Issuer,
			Audience: cfg.Auth.Audience,
			Leeway:   cfg.Auth.Leeway.Duration,
		})
		if err != nil {
			return fmt.Errorf("init user tokens: %w", err)
		}
	}

	api := server.New(server.Config{
		DB:           db,
		Claims:       orchestrator,
		Compensation: manager,
		Quests:       catalog,
		ServiceAuth:  serviceAuth,
		UserTokens:   userTokens,
		RateLimiter:  claimmw.NewRateLimiter(cfg.RateLimits, logger),
		Logger:       logger,
	})
	httpServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		// Claims may wait on chain confirmation.
		WriteTimeout: cfg.Claims.MintTimeout.Duration + 30*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	stopCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go recon.NewScheduler(recon.SchedulerConfig{
		Reconciler: reconciler,
		Interval:   cfg.Recon.Interval.Duration,
		Logger:     logger,
	}).Start(stopCtx)

	errs := make(chan error, 1)
	go func() {
		logger.Info("claimd listening",
			slog.String("listen", cfg.ListenAddress),
			slog.String("signer", session.Address().Hex()),
			slog.String("endpoint", cfg.Chain.Endpoint),
			logging.MaskField("indexer_api_key", cfg.Indexer.APIKey),
			slog.Int("quests", len(catalog.IDs())),
			slog.String("key_source", keySource(cfg.Signer)))
		errs <- httpServer.ListenAndServe()
	}()

	select {
	case <-stopCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			_ = httpServer.Close()
			return err
		}
		return nil
	case err := <-errs:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func keySource(s SignerConfig) string {
	switch {
	case s.Key != "":
		return "inline"
	case s.KeyEnv != "":
		return "env"
	case s.KeyFile != "":
		return "file"
	case s.Keystore != "":
		return "keystore"
	default:
		return "unknown"
	}
}
