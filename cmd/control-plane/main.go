// Opsplane control plane: batch SSH execution, build dispatch and the
// operator API in one binary.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/marcus-qen/opsplane/internal/controlplane/approval"
	"github.com/marcus-qen/opsplane/internal/controlplane/audit"
	"github.com/marcus-qen/opsplane/internal/controlplane/broker"
	"github.com/marcus-qen/opsplane/internal/controlplane/builds"
	"github.com/marcus-qen/opsplane/internal/controlplane/concurrency"
	"github.com/marcus-qen/opsplane/internal/controlplane/config"
	"github.com/marcus-qen/opsplane/internal/controlplane/events"
	"github.com/marcus-qen/opsplane/internal/controlplane/jobs"
	"github.com/marcus-qen/opsplane/internal/controlplane/metrics"
	"github.com/marcus-qen/opsplane/internal/controlplane/runners"
	"github.com/marcus-qen/opsplane/internal/controlplane/server"
	"github.com/marcus-qen/opsplane/internal/controlplane/sshexec"
	"github.com/marcus-qen/opsplane/internal/controlplane/storage"
	"github.com/marcus-qen/opsplane/internal/telemetry"
)

func main() {
	configPath := flag.String("config", "", "path to config file (YAML or JSON)")
	flag.Parse()

	var (
		cfg config.Config
		err error
	)
	if *configPath != "" {
		cfg, err = config.Load(*configPath)
	} else {
		cfg = config.LoadFromEnv()
	}
	if err != nil {
		zap.NewExample().Fatal("load config", zap.Error(err))
	}

	logger := newLogger(cfg.LogLevel)
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("control plane exited", zap.Error(err))
	}
}

func newLogger(level string) *zap.Logger {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(lvl)
	logger, err := zcfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

func run(cfg config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.DBDSN == "" {
		if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
			return err
		}
	}

	shutdownTracing, err := telemetry.InitTraceProvider(ctx, cfg.OTLPEndpoint, server.Version)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(shutdownCtx)
	}()

	db, err := storage.Open(cfg.DSN())
	if err != nil {
		return err
	}
	logger.Info("database ready", zap.String("driver", db.Driver()))

	jobStore, err := jobs.NewStore(db)
	if err != nil {
		return err
	}
	templateStore, err := jobs.NewTemplateStore(db)
	if err != nil {
		return err
	}
	approvalStore, err := approval.NewStore(db)
	if err != nil {
		return err
	}
	buildStore, err := builds.NewStore(db)
	if err != nil {
		return err
	}
	runnerStore, err := runners.NewStore(db)
	if err != nil {
		return err
	}
	auditLog, err := audit.NewLog(db, logger.Named("audit"))
	if err != nil {
		return err
	}

	bus := events.NewBus(1024)
	collector := metrics.NewCollector(jobStore, approvalStore, runnerStore)
	approvalEngine := approval.NewEngine(approvalStore, bus, auditLog, logger.Named("approval"))

	engine := jobs.NewEngine(jobs.EngineConfig{
		Store:           jobStore,
		Directory:       jobs.NewStaticDirectory(cfg.Hosts),
		Runner:          sshexec.NewExecutor(logger.Named("ssh")),
		Approvals:       approvalEngine,
		Evaluator:       approval.NewEvaluator(cfg.Approval.TargetThreshold),
		Controller:      concurrency.NewController(cfg.Concurrency),
		Bus:             bus,
		Audit:           auditLog,
		Observer:        collector,
		Logger:          logger.Named("jobs"),
		ApprovalTimeout: cfg.ApprovalTimeout(),
	})
	logger.Info("job engine ready", zap.Int("inventory_hosts", len(cfg.Hosts)))

	// The build subsystem only comes up with a broker. Without one, build
	// jobs fail at dispatch and the build routes answer 503.
	var gateway *broker.Gateway
	if cfg.BrokerURL != "" {
		gateway, err = broker.Connect(cfg.BrokerURL, logger.Named("broker"))
		if err != nil {
			return err
		}
		defer func() { _ = gateway.Close() }()

		scheduler := runners.NewScheduler(runnerStore, cfg.HeartbeatInterval())
		engine.SetDispatcher(builds.NewDispatcher(buildStore, scheduler, runnerStore, gateway, logger.Named("dispatch")))

		reconciler := builds.NewReconciler(buildStore, runnerStore, engine, logger.Named("reconcile"))
		go consumeLoop(ctx, logger, "build status", func() error {
			return gateway.ConsumeStatus(ctx, reconciler.HandleStatus)
		})
		go consumeLoop(ctx, logger, "build logs", func() error {
			return gateway.ConsumeLogs(ctx, reconciler.HandleLog)
		})
		logger.Info("build dispatch enabled")
	} else {
		logger.Info("no broker configured, build dispatch disabled")
	}

	// Background loops: cron templates, approval expiry, stale runners.
	go jobs.NewTemplateScheduler(templateStore, engine, logger.Named("cron")).Run(ctx)
	go sweepLoop(ctx, time.Duration(cfg.Approval.SweepSecs)*time.Second, approvalEngine.SweepExpired)
	go sweepLoop(ctx, cfg.HeartbeatInterval(), func() {
		n, err := runnerStore.MarkStaleOffline(cfg.HeartbeatInterval())
		if err != nil {
			logger.Warn("stale runner sweep", zap.Error(err))
			return
		}
		if n > 0 {
			logger.Info("marked stale runners offline", zap.Int64("count", n))
		}
	})

	srv := server.New(server.Deps{
		Config:    cfg,
		Logger:    logger.Named("http"),
		Engine:    engine,
		Templates: templateStore,
		Approvals: approvalEngine,
		Builds:    buildStore,
		Runners:   runnerStore,
		AuditLog:  auditLog,
		Bus:       bus,
		Metrics:   collector,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// sweepLoop runs fn on a fixed interval until the context ends. A zero or
// negative interval disables the loop.
func sweepLoop(ctx context.Context, interval time.Duration, fn func()) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}

// consumeLoop restarts a broker consumer after transient failures.
func consumeLoop(ctx context.Context, logger *zap.Logger, name string, consume func() error) {
	for {
		if err := consume(); err != nil && ctx.Err() == nil {
			logger.Warn("consumer stopped, restarting", zap.String("consumer", name), zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(5 * time.Second):
		}
	}
}
