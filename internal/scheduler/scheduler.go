// Package scheduler runs the two background loops of the orchestrator: the
// processor that dispatches PENDING transactions under the admission cap, and
// the timeout monitor that times out, recovers and resumes transactions.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/semaphore"

	"github.com/exchange/saga/internal/engine"
	"github.com/exchange/saga/internal/metrics"
	"github.com/exchange/saga/internal/saga"
	"github.com/exchange/saga/pkg/health"
	"github.com/exchange/saga/pkg/logger"
)

const (
	LoopProcessor = "processor"
	LoopMonitor   = "timeout_monitor"
)

type Engine interface {
	Execute(ctx context.Context, id string) error
	Reconcile(ctx context.Context, tx *saga.Transaction) error
	IsRunning(id string) bool
}

type Store interface {
	ListActive(ctx context.Context) ([]*saga.Transaction, error)
}

type Config struct {
	MaxConcurrent        int64
	ProcessInterval      time.Duration
	TimeoutCheckInterval time.Duration
	ShutdownTimeout      time.Duration
	Metrics              *metrics.Metrics
	Logger               *logger.Logger
}

type Scheduler struct {
	engine  Engine
	store   Store
	cfg     Config
	sem     *semaphore.Weighted
	metrics *metrics.Metrics
	log     *logger.Logger
	now     func() time.Time

	processor *health.LoopMonitor
	monitor   *health.LoopMonitor

	// executions run under base so shutdown can cut them short
	base       context.Context
	cancelBase context.CancelFunc
	wg         sync.WaitGroup

	mu   sync.Mutex
	cron *cron.Cron
}

func New(eng Engine, st Store, cfg Config) *Scheduler {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 100
	}
	if cfg.ProcessInterval <= 0 {
		cfg.ProcessInterval = 5 * time.Second
	}
	if cfg.TimeoutCheckInterval <= 0 {
		cfg.TimeoutCheckInterval = 30 * time.Second
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.Nop()
	}
	base, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		engine:     eng,
		store:      st,
		cfg:        cfg,
		sem:        semaphore.NewWeighted(cfg.MaxConcurrent),
		metrics:    cfg.Metrics,
		log:        cfg.Logger,
		now:        time.Now,
		processor:  &health.LoopMonitor{},
		monitor:    &health.LoopMonitor{},
		base:       base,
		cancelBase: cancel,
	}
}

func (s *Scheduler) ProcessorMonitor() *health.LoopMonitor { return s.processor }
func (s *Scheduler) TimeoutMonitor() *health.LoopMonitor   { return s.monitor }

// Start runs one recovery pass and schedules both loops.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return errors.New("scheduler: already started")
	}

	if err := s.CheckTimeouts(ctx); err != nil {
		s.log.WithError(err).Warn("startup recovery pass failed")
	}

	zl := s.log.Zerolog()
	c := cron.New(cron.WithChain(cron.Recover(cron.PrintfLogger(&zl)), cron.SkipIfStillRunning(cron.PrintfLogger(&zl))))
	c.Schedule(cron.Every(s.cfg.ProcessInterval), cron.FuncJob(func() {
		_ = s.ProcessPending(s.base)
	}))
	c.Schedule(cron.Every(s.cfg.TimeoutCheckInterval), cron.FuncJob(func() {
		_ = s.CheckTimeouts(s.base)
	}))
	c.Start()
	s.cron = c

	s.log.Infof("scheduler started", map[string]interface{}{
		"maxConcurrent":        s.cfg.MaxConcurrent,
		"processInterval":      s.cfg.ProcessInterval.String(),
		"timeoutCheckInterval": s.cfg.TimeoutCheckInterval.String(),
	})
	return nil
}

// ProcessPending dispatches admissible PENDING transactions, oldest first.
// Transactions over the cap stay PENDING for a later scan.
func (s *Scheduler) ProcessPending(ctx context.Context) error {
	txs, err := s.store.ListActive(ctx)
	s.processor.Tick()
	s.processor.SetError(err)
	if err != nil {
		s.metrics.IncSchedulerError(LoopProcessor)
		s.log.WithError(err).Error("processor scan failed")
		return err
	}
	s.recordActive(txs)

	now := s.now()
	for _, tx := range txs {
		if tx.Status != saga.StatusPending || tx.Expired(now) || s.engine.IsRunning(tx.ID) {
			continue
		}
		if !s.sem.TryAcquire(1) {
			s.metrics.IncAdmissionRejected()
			continue
		}
		s.dispatch(tx.ID)
	}
	return nil
}

func (s *Scheduler) dispatch(id string) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.sem.Release(1)

		err := s.engine.Execute(s.base, id)
		switch {
		case err == nil:
		case errors.Is(err, engine.ErrNotPending), errors.Is(err, engine.ErrClaimed):
			s.log.WithSaga(id).WithError(err).Debug("skipped dispatch")
		case errors.Is(err, context.Canceled):
			s.log.WithSaga(id).Warn("execution cut short by shutdown")
		default:
			s.log.WithSaga(id).WithError(err).Error("execution failed")
		}
	}()
}

// CheckTimeouts reconciles every non-terminal transaction. Work that may run
// compensation takes an admission slot; without one it waits for the next cycle.
func (s *Scheduler) CheckTimeouts(ctx context.Context) error {
	txs, err := s.store.ListActive(ctx)
	s.monitor.Tick()
	if err != nil {
		s.monitor.SetError(err)
		s.metrics.IncSchedulerError(LoopMonitor)
		s.log.WithError(err).Error("timeout monitor scan failed")
		return err
	}

	var lastErr error
	now := s.now()
	for _, tx := range txs {
		if ctx.Err() != nil {
			break
		}
		if tx.Status.Terminal() {
			continue
		}
		needsSlot := !s.engine.IsRunning(tx.ID) && (tx.Status != saga.StatusPending || tx.Expired(now))
		if needsSlot && !s.sem.TryAcquire(1) {
			continue
		}
		err := s.engine.Reconcile(ctx, tx)
		if needsSlot {
			s.sem.Release(1)
		}
		if err != nil {
			lastErr = err
			s.metrics.IncSchedulerError(LoopMonitor)
			s.log.WithSaga(tx.ID).WithError(err).Error("reconcile failed")
		}
	}
	s.monitor.SetError(lastErr)
	return lastErr
}

func (s *Scheduler) recordActive(txs []*saga.Transaction) {
	counts := make(map[string]int)
	for _, tx := range txs {
		counts[string(tx.Status)]++
	}
	statuses := make([]string, 0, len(saga.AllStatuses))
	for _, st := range saga.AllStatuses {
		if !st.Terminal() {
			statuses = append(statuses, string(st))
		}
	}
	s.metrics.SetActive(statuses, counts)
}

// Stop halts both loops, waits up to ShutdownTimeout for executions and then
// cancels whatever is still running.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()

	deadline := time.NewTimer(s.cfg.ShutdownTimeout)
	defer deadline.Stop()

	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-deadline.C:
			s.log.Warn("scheduler loops still running at shutdown deadline")
			s.cancelBase()
		}
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-deadline.C:
		s.log.Warn("shutdown timeout reached, cancelling in-flight executions")
		s.cancelBase()
		<-done
	}
	s.cancelBase()
	s.log.Info("scheduler stopped")
}
