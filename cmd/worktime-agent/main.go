package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"Mansoor88-6/worktime-agent/internal/app"
	"Mansoor88-6/worktime-agent/internal/config"
	"Mansoor88-6/worktime-agent/internal/database"
	"Mansoor88-6/worktime-agent/internal/handler"
	"Mansoor88-6/worktime-agent/internal/logger"
	"Mansoor88-6/worktime-agent/internal/metrics"
	"Mansoor88-6/worktime-agent/internal/notify"
	"Mansoor88-6/worktime-agent/internal/queue"
	"Mansoor88-6/worktime-agent/internal/router"
	"Mansoor88-6/worktime-agent/internal/server"
	"Mansoor88-6/worktime-agent/internal/service"
	"Mansoor88-6/worktime-agent/internal/telemetry"
	"Mansoor88-6/worktime-agent/internal/watchdog"

	"github.com/joho/godotenv"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	configPath := flag.String("config", "config/local.yaml", "Path to configuration file")
	flag.Parse()

	// A .env file is optional; real environment variables win
	_ = godotenv.Load()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	base, err := logger.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer base.Sync()

	base.Info("Starting worktime agent",
		zap.String("env", cfg.Env),
		zap.String("config_path", *configPath),
		zap.String("remote_driver", cfg.Remote.Driver),
	)

	db, err := database.Open(database.Options{
		Path:           cfg.StoragePath,
		FallbackPath:   cfg.FallbackStoragePath,
		RecoverCorrupt: true,
	}, base.Logger)
	if err != nil {
		base.Fatal("Failed to initialize database", zap.Error(err))
	}
	if !db.Persistent() {
		base.Warn("Local storage is not persistent, queued events will be lost on exit",
			zap.String("mode", string(db.Mode())),
		)
	}

	log := base.WithDiagnostics(db, zapcore.WarnLevel)
	defer func() {
		if err := log.Close(); err != nil {
			base.Debug("Failed to flush logger", zap.Error(err))
		}
	}()

	ctx := context.Background()

	shutdownTracing, err := telemetry.Init(ctx, cfg.Telemetry.ServiceName, cfg.Telemetry.OTLPEndpoint)
	if err != nil {
		log.Warn("Tracing disabled", zap.Error(err))
		shutdownTracing = func(context.Context) error { return nil }
	}

	m := metrics.New(nil)

	remote, err := app.OpenRemote(ctx, cfg, m, log.Logger)
	if err != nil {
		log.Fatal("Failed to open remote store", zap.Error(err))
	}
	if created, err := remote.EnsureTables(ctx, cfg); err != nil {
		log.Warn("Failed to prepare remote tables, will retry on delivery", zap.Error(err))
	} else if len(created) > 0 {
		log.Info("Created remote tables", zap.Strings("tables", created))
	}

	eventLog := queue.NewEventLog(db, queue.Options{
		MaxCommentLength:  cfg.Events.MaxCommentLength,
		LogoutDedupWindow: cfg.Events.LogoutDedupWindow,
	}, log.Logger)

	hub := notify.NewHub(log.Logger)
	var bridge *notify.NATSBridge
	if cfg.Notify.NATSURL != "" {
		bridge, err = notify.ConnectNATS(cfg.Notify.NATSURL, cfg.Notify.SubjectPrefix, log.Logger)
		if err != nil {
			log.Warn("NATS notifications disabled", zap.Error(err))
		} else {
			bridge.Attach(hub)
		}
	}

	current := service.NewSessionStore(db)
	shiftService := service.NewShiftService(eventLog, current, log.Logger)
	hub.OnForceLogout(shiftService.HandleForceLogout)

	// Nobody can ping without the local API, so the watchdog is only armed with it
	var wd *watchdog.Watchdog
	if cfg.Server.Enabled {
		wd = watchdog.New(cfg.Server.LivenessTimeout)
	}

	syncService := service.NewSyncService(service.SyncDeps{
		Log:      eventLog,
		Router:   remote.Router,
		Sessions: remote.Sessions,
		Probe:    remote.Probe,
		Current:  current,
		AppLogs:  db,
		Hub:      hub,
		Metrics:  m,
		Watchdog: wd,
		Flush:    log.Close,
	}, service.SyncOptions{
		BatchSize:         cfg.Sync.BatchSize,
		MaxRetries:        cfg.Sync.MaxRetries,
		RetryLadder:       cfg.Sync.RetryLadder,
		OnlineInterval:    cfg.Sync.OnlineInterval,
		RecoveryInterval:  cfg.Sync.RecoveryInterval,
		OfflineInterval:   cfg.Sync.OfflineInterval,
		RecoveryThreshold: cfg.Sync.RecoveryThreshold,
		DrainThreshold:    cfg.Sync.DrainThreshold,
		Retention:         cfg.Events.Retention,
		SweepInterval:     cfg.Events.SweepInterval,
	}, log.Logger)

	var agentServer *server.AgentServer
	if cfg.Server.Enabled {
		agentHandler := handler.NewAgentHandler(shiftService, syncService, wd, log.Logger)
		h := otelhttp.NewHandler(router.New(agentHandler, m, log.Logger), "worktime-agent")
		agentServer, err = server.NewAgentServer(cfg.Server.Port, h, log.Logger)
		if err != nil {
			log.Fatal("Failed to start local API", zap.Error(err))
		}
		agentServer.Start()
	} else {
		log.Info("Local API disabled in configuration")
	}

	if err := syncService.Start(); err != nil {
		log.Fatal("Failed to start sync service", zap.Error(err))
	}

	log.Info("Worktime agent started successfully",
		zap.String("storage_mode", string(db.Mode())),
		zap.String("storage_path", db.Path()),
	)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		log.Info("Received shutdown signal", zap.String("signal", sig.String()))
	case <-syncService.Done():
		log.Warn("Sync service stopped on its own, shutting down")
	}

	log.Info("Shutting down worktime agent...")

	if agentServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := agentServer.Shutdown(shutdownCtx); err != nil {
			log.Warn("Local API shutdown error", zap.Error(err))
		}
		cancel()
	}

	done := make(chan struct{})
	go func() {
		syncService.Stop()
		close(done)
	}()
	select {
	case <-done:
		log.Info("Sync service stopped successfully")
	case <-time.After(3 * time.Second):
		log.Warn("Shutdown timeout reached, forcing exit")
	}

	if bridge != nil {
		bridge.Close()
	}
	remote.Close()

	tracingCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	if err := shutdownTracing(tracingCtx); err != nil {
		log.Warn("Failed to flush traces", zap.Error(err))
	}
	cancel()

	log.Info("Worktime agent stopped")
}
