package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/exchange/saga/internal/api"
	"github.com/exchange/saga/internal/config"
	"github.com/exchange/saga/internal/engine"
	"github.com/exchange/saga/internal/events"
	"github.com/exchange/saga/internal/executor"
	"github.com/exchange/saga/internal/metrics"
	"github.com/exchange/saga/internal/scheduler"
	"github.com/exchange/saga/internal/store"
	"github.com/exchange/saga/internal/ws"
	"github.com/exchange/saga/pkg/audit"
	"github.com/exchange/saga/pkg/health"
	"github.com/exchange/saga/pkg/logger"
	redisx "github.com/exchange/saga/pkg/redis"
	"github.com/exchange/saga/pkg/signature"
	"github.com/exchange/saga/pkg/tracing"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	l := logger.NewWithLevel(cfg.ServiceName, cfg.LogLevel, nil)

	if err := cfg.Validate(); err != nil {
		l.WithError(err).Fatal("invalid config")
	}

	shutdownTracing, err := tracing.Init(tracing.Config{
		ServiceName: cfg.ServiceName,
		Endpoint:    cfg.JaegerEndpoint,
		Enabled:     cfg.TracingEnabled,
		SampleRate:  cfg.TracingSampleRate,
	})
	if err != nil {
		l.WithError(err).Fatal("init tracing")
	}
	defer shutdownTracing(context.Background())

	l.Infof("starting", map[string]interface{}{"version": cfg.Version, "env": cfg.AppEnv})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 连接 Redis
	tlsCfg, err := cfg.RedisTLS.Config()
	if err != nil {
		l.WithError(err).Fatal("redis tls config")
	}
	redisCfg := redisx.DefaultConfig
	redisCfg.Addr = cfg.RedisAddr
	redisCfg.Password = cfg.RedisPassword
	redisCfg.DB = cfg.RedisDB
	redisCfg.TLS = tlsCfg
	rc, err := redisx.NewClient(ctx, &redisCfg)
	if err != nil {
		l.WithError(err).Fatal("failed to connect to redis")
	}
	defer rc.Close()
	l.Info("connected to redis")

	m := metrics.New()
	h := health.New(cfg.Version, cfg.AppEnv)
	h.Register(health.NewRedisChecker(rc.Client))

	// 审计库（可选）
	var auditLog audit.Logger
	if cfg.AuditDSN != "" {
		db, dbLog := openAudit(ctx, cfg.AuditDSN, l)
		defer db.Close()
		defer dbLog.Close()
		auditLog = dbLog
		h.Register(health.NewPostgresChecker(db))
	}

	st := store.New(rc.Client, store.Options{Grace: cfg.TTLGrace, Logger: l})
	exec := executor.New(executor.Config{
		Services:            cfg.Services,
		StepTimeout:         cfg.StepTimeout,
		RetryBackoff:        cfg.RetryBackoff,
		CompensationTimeout: cfg.CompensationTimeout,
		Signer:              signature.NewSigner(cfg.SigningSecret),
		Logger:              l,
	})
	for name, target := range exec.Services() {
		h.RegisterStatic("service:"+name, target)
	}

	pub := events.NewPublisher(rc.Client, events.Options{
		ChannelTemplate: cfg.EventChannel,
		Stream:          cfg.EventStream,
		StreamMaxLen:    cfg.EventStreamMaxLen,
		Audit:           auditLog,
		Logger:          l,
	})

	eng := engine.New(engine.Config{
		Store:       st,
		Steps:       exec,
		Compensator: executor.NewCompensator(exec, l),
		Events:      pub,
		Metrics:     m,
		LeaseTTL:    cfg.LeaseTTL,
		Logger:      l,
	})

	sched := scheduler.New(eng, st, scheduler.Config{
		MaxConcurrent:        cfg.MaxConcurrentSagas,
		ProcessInterval:      cfg.ProcessInterval,
		TimeoutCheckInterval: cfg.TimeoutCheckInterval,
		ShutdownTimeout:      cfg.ShutdownTimeout,
		Metrics:              m,
		Logger:               l,
	})
	h.Register(health.NewLoopChecker(scheduler.LoopProcessor, sched.ProcessorMonitor(), 3*cfg.ProcessInterval))
	h.Register(health.NewLoopChecker(scheduler.LoopMonitor, sched.TimeoutMonitor(), 3*cfg.TimeoutCheckInterval))

	// 实时订阅
	hub := ws.NewHub(0)
	consumer := ws.NewConsumer(rc.Client, hub, pub.Template(), l)
	go func() {
		if err := consumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			l.WithError(err).Error("watch consumer stopped")
		}
	}()

	if err := sched.Start(ctx); err != nil {
		l.WithError(err).Fatal("start scheduler")
	}

	srv := api.New(api.Config{
		Engine:   eng,
		Resolver: exec,
		Defaults: api.Defaults{
			TimeoutSeconds:     cfg.DefaultTimeoutSeconds,
			StepTimeoutSeconds: int(cfg.StepTimeout / time.Second),
			RetryAttempts:      cfg.DefaultRetryAttempts,
		},
		Audit:   auditLog,
		Watcher: ws.NewWatcher(hub, cfg.WSAllowedOrigins, l),
		Health:  h,
		Metrics: m,
		Logger:  l,
	})

	server := &http.Server{
		Addr:              cfg.ListenAddr(),
		Handler:           srv.Handler(),
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	go func() {
		l.Info(fmt.Sprintf("HTTP server listening on %s", cfg.ListenAddr()))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			l.WithError(err).Error("HTTP server error")
			os.Exit(1)
		}
	}()
	h.SetReady(true)

	// 等待退出信号
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	l.Info("shutting down...")
	h.SetReady(false)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = server.Shutdown(shutdownCtx)

	// loops first, then in-flight executions get SHUTDOWN_TIMEOUT
	sched.Stop()
	cancel()
	hub.CloseAll()
	l.Info("shutdown complete")
}

func openAudit(ctx context.Context, dsn string, l *logger.Logger) (*sql.DB, *audit.DBLogger) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		l.WithError(err).Fatal("open audit database")
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
	defer pingCancel()
	if err := db.PingContext(pingCtx); err != nil {
		l.WithError(err).Fatal("failed to ping audit database")
	}
	if err := audit.Migrate(ctx, db); err != nil {
		l.WithError(err).Fatal("migrate audit schema")
	}

	dbLog, err := audit.NewDBLogger(db, audit.WithErrorHandler(func(err error) {
		l.WithError(err).Warn("audit write failed")
	}))
	if err != nil {
		l.WithError(err).Fatal("create audit logger")
	}
	l.Info("connected to audit database")
	return db, dbLog
}
