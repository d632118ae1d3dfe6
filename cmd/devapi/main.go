// devapi serves a local bug-bounty API with x402-paywalled scans and
// validations, progress streams and a realtime event channel.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/bountyhub/internal/config"
	"github.com/mbd888/bountyhub/internal/devapi"
	"github.com/mbd888/bountyhub/internal/logging"
	"github.com/mbd888/bountyhub/internal/metrics"
	"github.com/mbd888/bountyhub/internal/traces"
	"github.com/mbd888/bountyhub/internal/wallet"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := run(); err != nil {
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		logging.New("info", "text").Error("failed to load config", "error", err)
		return err
	}
	logger := logging.New(cfg.LogLevel, cfg.LogFormat)

	logger.Info("devapi build",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := traces.Init(ctx, "bountyhub-devapi", cfg.OTLPEndpoint, logger)
	if err != nil {
		logger.Error("failed to init tracing", "error", err)
		return err
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	dcfg, err := devapi.ConfigFrom(cfg)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		return err
	}
	dcfg.Version = Version
	dcfg.Logger = logger

	if cfg.CanPay() {
		w, err := wallet.New(wallet.Config{
			RPCURL:     cfg.RPCURL,
			PrivateKey: cfg.PrivateKey,
			ChainID:    cfg.ChainID,
			Token:      cfg.USDCContract,
		})
		if err != nil {
			logger.Error("failed to init wallet", "error", err)
			return err
		}
		defer w.Close()
		dcfg.Verifier = w
		logger.Info("verifying payments on chain", "rpc", cfg.RPCURL, "chain_id", cfg.ChainID)
	} else {
		logger.Warn("no PRIVATE_KEY set, accepting any well-formed payment proof")
	}

	logger.Info("configuration loaded",
		"port", dcfg.Port,
		"chain_id", cfg.ChainID,
		"price", dcfg.Price,
		"pay_to", dcfg.PayTo,
	)

	gin.SetMode(gin.ReleaseMode)
	go metrics.StartRuntimeCollector(ctx, 15*time.Second)

	srv, err := devapi.New(dcfg, devapi.WithLogger(logger))
	if err != nil {
		logger.Error("failed to create server", "error", err)
		return err
	}
	if err := srv.Run(ctx); err != nil {
		logger.Error("server error", "error", err)
		return err
	}
	return nil
}
