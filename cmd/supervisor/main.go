// Command supervisor runs the SkyDuel supervision plane: it boots the
// service registry, supervises the leaf services, and exposes the
// operator control surface over HTTP and WebSocket.
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/skyduel/skyduel/internal/api"
	"github.com/skyduel/skyduel/internal/api/websocket"
	"github.com/skyduel/skyduel/internal/clients"
	"github.com/skyduel/skyduel/internal/database"
	"github.com/skyduel/skyduel/internal/services/chain"
	"github.com/skyduel/skyduel/internal/services/contest"
	"github.com/skyduel/skyduel/internal/services/marketdata"
	"github.com/skyduel/skyduel/internal/services/wallet"
	"github.com/skyduel/skyduel/pkg/alerting"
	"github.com/skyduel/skyduel/pkg/config"
	"github.com/skyduel/skyduel/pkg/dispatcher"
	"github.com/skyduel/skyduel/pkg/observability"
	"github.com/skyduel/skyduel/pkg/realtime"
	"github.com/skyduel/skyduel/pkg/registry"
	"github.com/skyduel/skyduel/pkg/repository"
	"github.com/skyduel/skyduel/pkg/services"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := observability.NewLoggerFromConfig("supervisor", cfg.Logging)

	var metrics observability.MetricsClient = observability.NewNoOpMetricsClient()
	if cfg.Metrics.Enabled {
		metrics = observability.NewPrometheusMetricsClient(cfg.Metrics.Namespace, cfg.Metrics.Subsystem, nil)
	}

	logger.Info("Booting supervision plane", map[string]interface{}{
		"environment": cfg.Environment,
		"profile":     cfg.Supervisor.ActiveProfile,
	})

	db, err := database.Connect(ctx, cfg.Database)
	if err != nil {
		log.Fatalf("Failed to connect to settings store: %v", err)
	}
	defer func() { _ = db.Close() }()

	if cfg.Database.AutoMigrate {
		if err := database.Migrate(ctx, db, cfg.Database, logger); err != nil {
			log.Fatalf("Failed to apply migrations: %v", err)
		}
	}

	settingsRepo := repository.NewSettingsRepository(db, logger, metrics)
	auditRepo := repository.NewAuditRepository(db, logger, metrics)

	disp := dispatcher.New(logger, metrics)

	var alerter alerting.Alerter
	if cfg.Alerting.Enabled && cfg.Alerting.SlackWebhookURL != "" {
		alerter = alerting.NewSlackAlerter(cfg.Alerting.SlackWebhookURL, cfg.Alerting.Channel, logger, metrics)
	} else {
		alerter = alerting.NewLogAlerter(logger)
	}

	broker, err := realtime.NewBroker(ctx, cfg.Broker, logger, metrics)
	if err != nil {
		log.Fatalf("Failed to connect to broker: %v", err)
	}
	bus, err := realtime.NewBus(broker, logger, metrics)
	if err != nil {
		log.Fatalf("Failed to build realtime bus: %v", err)
	}
	hook := realtime.NewDataChangeHook(bus, logger)

	reg := registry.New(registry.Deps{
		Config:     cfg,
		Settings:   settingsRepo,
		Audit:      auditRepo,
		Dispatcher: disp,
		Alerter:    alerter,
		Logger:     logger,
		Metrics:    metrics,
	})

	svcDeps := services.Deps{
		Dispatcher: disp,
		Alerter:    alerter,
		Logger:     logger,
		Metrics:    metrics,
	}
	if err := registerServices(cfg, reg, svcDeps, db, hook, settingsRepo, logger, metrics); err != nil {
		log.Fatalf("Failed to register services: %v", err)
	}

	if err := reg.InitializeAll(ctx); err != nil {
		log.Fatalf("Failed to initialize services: %v", err)
	}

	control := websocket.NewServer(cfg.WebSocket, websocket.Deps{
		Registry:       reg,
		Bus:            bus,
		AllowedOrigins: cfg.AllowedOrigins(),
		Logger:         logger,
		Metrics:        metrics,
	})

	fanout := realtime.NewClientFanout(bus, control, logger)
	if err := fanout.Start(ctx); err != nil {
		log.Fatalf("Failed to start client fanout: %v", err)
	}

	server := api.NewServer(cfg, api.Deps{
		Registry: reg,
		Control:  control,
		Audit:    auditRepo,
		Logger:   logger,
		Metrics:  metrics,
	})

	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Control plane server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("Received shutdown signal", map[string]interface{}{
		"signal": sig.String(),
	})

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout())
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", map[string]interface{}{
			"error": err.Error(),
		})
	}
	if err := control.Close(); err != nil {
		logger.Error("Control surface close error", map[string]interface{}{
			"error": err.Error(),
		})
	}
	fanout.Stop(shutdownCtx)

	if err := reg.Cleanup(shutdownCtx); err != nil {
		logger.Error("Service cleanup error", map[string]interface{}{
			"error": err.Error(),
		})
	}
	if err := bus.Shutdown(shutdownCtx); err != nil {
		logger.Error("Broker shutdown error", map[string]interface{}{
			"error": err.Error(),
		})
	}

	logger.Info("Supervisor stopped", nil)
}

// registerServices builds the leaf services against their upstream
// adapters and registers them in dependency order.
func registerServices(
	cfg *config.Config,
	reg *registry.Registry,
	deps services.Deps,
	db *sqlx.DB,
	hook *realtime.DataChangeHook,
	settings repository.SettingsRepository,
	logger observability.Logger,
	metrics observability.MetricsClient,
) error {
	rpc := clients.NewChainRPCClient(cfg.Upstreams.ChainRPCURL, cfg.Upstreams.RequestTimeout, logger)

	chainSvc, err := chain.New(rpc, deps)
	if err != nil {
		return err
	}
	if err := reg.Register(chainSvc); err != nil {
		return err
	}

	prices := clients.NewHTTPPriceSource(cfg.Upstreams.PriceFeedURL, cfg.Upstreams.RequestTimeout, logger)
	marketSvc, err := marketdata.New(prices, hook, settings, deps)
	if err != nil {
		return err
	}
	if err := reg.Register(marketSvc); err != nil {
		return err
	}

	store := contest.NewPostgresContestStore(db, logger, metrics)
	contestSvc, err := contest.New(store, hook, deps)
	if err != nil {
		return err
	}
	if err := reg.Register(contestSvc); err != nil {
		return err
	}

	balances := clients.NewRPCBalanceSource(rpc, cfg.Upstreams.TrackedWallets)
	walletSvc, err := wallet.New(balances, hook, deps)
	if err != nil {
		return err
	}
	return reg.Register(walletSvc)
}
