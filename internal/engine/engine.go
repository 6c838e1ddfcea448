// Package engine owns the status transitions of saga transactions: forward
// execution, compensation, timeouts, recovery of orphaned transactions and
// administrative overrides.
package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/exchange/saga/internal/executor"
	"github.com/exchange/saga/internal/metrics"
	"github.com/exchange/saga/internal/saga"
	"github.com/exchange/saga/internal/store"
	"github.com/exchange/saga/pkg/logger"
	redislock "github.com/exchange/saga/pkg/redis"
)

var (
	ErrNotPending = errors.New("engine: transaction is not pending")
	ErrClaimed    = errors.New("engine: transaction is owned by another worker")
)

const (
	ReasonTimeout   = "timeout"
	ReasonRestarted = "orchestrator restarted during execution"
	ReasonOperator  = "compensated by operator"

	writeTimeout    = 5 * time.Second
	overrideRetries = 3
)

type Store interface {
	Create(ctx context.Context, tx *saga.Transaction) error
	Get(ctx context.Context, id string) (*saga.Transaction, error)
	Update(ctx context.Context, tx *saga.Transaction) error
	Lease(id string, ttl time.Duration) *redislock.Lock
}

// StepRunner performs a step's forward call and records the outcome on the step.
type StepRunner interface {
	Execute(ctx context.Context, sagaID string, step *saga.Step) error
}

type Compensator interface {
	Run(ctx context.Context, tx *saga.Transaction, onStep executor.StepCompensated) error
}

type Publisher interface {
	Publish(ctx context.Context, ev saga.Event)
}

type Config struct {
	Store       Store
	Steps       StepRunner
	Compensator Compensator
	// Events and Metrics are optional.
	Events   Publisher
	Metrics  *metrics.Metrics
	LeaseTTL time.Duration
	Logger   *logger.Logger
}

type Engine struct {
	store    Store
	steps    StepRunner
	comp     Compensator
	events   Publisher
	metrics  *metrics.Metrics
	leaseTTL time.Duration
	log      *logger.Logger
	now      func() time.Time

	mu      sync.Mutex
	running map[string]context.CancelCauseFunc
}

func New(cfg Config) *Engine {
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.Nop()
	}
	return &Engine{
		store:    cfg.Store,
		steps:    cfg.Steps,
		comp:     cfg.Compensator,
		events:   cfg.Events,
		metrics:  cfg.Metrics,
		leaseTTL: cfg.LeaseTTL,
		log:      cfg.Logger,
		now:      time.Now,
		running:  make(map[string]context.CancelCauseFunc),
	}
}

// Start persists a new PENDING transaction. Execution is picked up by the scheduler.
func (e *Engine) Start(ctx context.Context, tx *saga.Transaction) error {
	if err := e.store.Create(ctx, tx); err != nil {
		return err
	}
	e.metrics.IncStarted()
	e.publish(ctx, tx, saga.EventStarted, "", "")
	e.log.WithSaga(tx.ID).Infof("saga accepted", map[string]interface{}{"steps": len(tx.Steps)})
	return nil
}

func (e *Engine) Get(ctx context.Context, id string) (*saga.Transaction, error) {
	return e.store.Get(ctx, id)
}

// Running returns the number of transactions executing in this process.
func (e *Engine) Running() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.running)
}

func (e *Engine) IsRunning(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.running[id]
	return ok
}

func (e *Engine) register(id string, cancel context.CancelCauseFunc) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.running[id]; ok {
		return false
	}
	e.running[id] = cancel
	return true
}

func (e *Engine) unregister(id string) {
	e.mu.Lock()
	delete(e.running, id)
	e.mu.Unlock()
}

// preempt cancels a local execution with cause. It reports whether one was running.
func (e *Engine) preempt(id string, cause error) bool {
	e.mu.Lock()
	cancel, ok := e.running[id]
	e.mu.Unlock()
	if ok {
		cancel(cause)
	}
	return ok
}

// Execute drives a PENDING transaction to a terminal status. ctx bounds the
// whole run: when it is cancelled the run stops without compensating and the
// transaction is left for recovery.
func (e *Engine) Execute(ctx context.Context, id string) error {
	lease := e.store.Lease(id, e.leaseTTL)
	ok, err := lease.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire lease %s: %w", id, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrClaimed, id)
	}
	defer e.release(ctx, lease)

	tx, err := e.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if tx.Status != saga.StatusPending {
		return fmt.Errorf("%w: %s is %s", ErrNotPending, id, tx.Status)
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	if !e.register(id, cancel) {
		return fmt.Errorf("%w: %s", ErrClaimed, id)
	}
	defer e.unregister(id)

	if tx.TimeoutSeconds > 0 {
		var cancelDeadline context.CancelFunc
		runCtx, cancelDeadline = context.WithDeadlineCause(runCtx, tx.Deadline(), saga.ErrTimeout)
		defer cancelDeadline()
	}

	stop := lease.KeepAlive(ctx, func(err error) { cancel(err) })
	defer stop()

	e.metrics.IncInFlight()
	defer e.metrics.DecInFlight()

	return e.quiet(tx.ID, e.run(ctx, runCtx, tx))
}

// run executes the steps. base carries shutdown only; runCtx also carries
// timeout, override and lease loss.
func (e *Engine) run(base, runCtx context.Context, tx *saga.Transaction) (err error) {
	log := e.log.WithSaga(tx.ID)

	defer func() {
		if r := recover(); r != nil {
			log.Errorf("panic during execution", map[string]interface{}{"panic": fmt.Sprint(r), "stack": string(debug.Stack())})
			err = e.fail(base, runCtx, tx, fmt.Sprintf("unhandled error: %v", r))
		}
	}()

	if err := tx.Transition(saga.StatusRunning, e.now()); err != nil {
		return err
	}
	if err := e.save(base, tx); err != nil {
		return err
	}
	e.publish(base, tx, saga.EventRunning, "", "")
	log.Info("saga running")

	for i := tx.CurrentStepIndex; i < len(tx.Steps); i++ {
		if runCtx.Err() != nil {
			return e.interrupted(base, runCtx, tx)
		}

		step := &tx.Steps[i]
		now := e.now().UTC()
		tx.CurrentStepIndex = i
		step.Status = saga.StepRunning
		step.StartedAt = &now
		if err := e.save(base, tx); err != nil {
			return err
		}
		e.publish(base, tx, saga.EventStepStarted, step.StepID, "")

		stepErr := e.steps.Execute(runCtx, tx.ID, step)
		elapsed := e.now().Sub(now)

		if runCtx.Err() != nil {
			return e.interrupted(base, runCtx, tx)
		}
		if stepErr != nil {
			e.metrics.ObserveStep("failed", elapsed)
			e.publish(base, tx, saga.EventStepFailed, step.StepID, stepErr.Error())
			log.WithField("stepID", step.StepID).WithError(stepErr).Warn("step failed")
			return e.compensate(base, runCtx, tx, fmt.Sprintf("step %s failed: %v", step.StepID, stepErr), stepErr.Error())
		}

		e.metrics.ObserveStep("completed", elapsed)
		tx.CurrentStepIndex = i + 1
		if err := e.save(base, tx); err != nil {
			return err
		}
		e.publish(base, tx, saga.EventStepCompleted, step.StepID, "")
	}

	if err := tx.Transition(saga.StatusCompleted, e.now()); err != nil {
		return err
	}
	if err := e.save(base, tx); err != nil {
		return err
	}
	e.metrics.IncFinished(string(saga.StatusCompleted))
	e.publish(base, tx, saga.EventCompleted, "", "")
	log.Info("saga completed")
	return nil
}

// fail handles an unhandled error inside the step loop like a step failure.
func (e *Engine) fail(base, runCtx context.Context, tx *saga.Transaction, reason string) error {
	if tx.Status != saga.StatusRunning {
		return errors.New(reason)
	}
	if i := tx.CurrentStepIndex; i < len(tx.Steps) && tx.Steps[i].Status == saga.StepRunning {
		markFailed(&tx.Steps[i], reason, e.now())
	}
	return e.compensate(base, runCtx, tx, reason, reason)
}

// interrupted runs when runCtx ends before the steps do.
func (e *Engine) interrupted(base, runCtx context.Context, tx *saga.Transaction) error {
	cause := context.Cause(runCtx)
	log := e.log.WithSaga(tx.ID)

	switch {
	case errors.Is(cause, saga.ErrTimeout):
		if i := tx.CurrentStepIndex; i < len(tx.Steps) {
			if s := &tx.Steps[i]; s.Status == saga.StepRunning || s.Status == saga.StepFailed {
				markFailed(s, "interrupted: transaction timed out", e.now())
			}
		}
		return e.timeout(base, tx)
	case errors.Is(cause, saga.ErrOverridden):
		log.Info("execution stopped by operator override")
		return nil
	case errors.Is(cause, redislock.ErrLockLost):
		log.Error("lease lost, abandoning execution")
		return cause
	default:
		// shutdown: leave the persisted state for the next owner
		log.WithError(cause).Warn("execution interrupted")
		return cause
	}
}

// compensate moves a RUNNING transaction to COMPENSATING and undoes its completed steps.
func (e *Engine) compensate(base, runCtx context.Context, tx *saga.Transaction, reason, errMsg string) error {
	if err := tx.Transition(saga.StatusCompensating, e.now()); err != nil {
		return err
	}
	tx.CompensationReason = reason
	tx.Error = errMsg
	if err := e.save(base, tx); err != nil {
		return err
	}
	e.publish(base, tx, saga.EventCompensating, "", reason)
	e.log.WithSaga(tx.ID).Warnf("saga compensating", map[string]interface{}{"reason": reason})
	return e.undo(base, runCtx, tx)
}

// timeout moves PENDING or RUNNING to TIMEOUT and compensates.
func (e *Engine) timeout(base context.Context, tx *saga.Transaction) error {
	if err := tx.Transition(saga.StatusTimeout, e.now()); err != nil {
		return err
	}
	tx.CompensationReason = ReasonTimeout
	if tx.Error == "" {
		tx.Error = saga.ErrTimeout.Error()
	}
	if err := e.save(base, tx); err != nil {
		return err
	}
	e.publish(base, tx, saga.EventTimeout, "", ReasonTimeout)
	e.log.WithSaga(tx.ID).Warn("saga timed out")
	return e.undo(base, base, tx)
}

// undo runs the compensator and finishes in COMPENSATED. watch is checked for
// an operator override between steps.
func (e *Engine) undo(base, watch context.Context, tx *saga.Transaction) error {
	err := e.comp.Run(base, tx, func(step *saga.Step, callErr error) error {
		switch {
		case callErr != nil:
			e.metrics.IncCompensation("failed")
		case step.Compensable():
			e.metrics.IncCompensation("succeeded")
		default:
			e.metrics.IncCompensation("noop")
		}
		if err := e.save(base, tx); err != nil {
			return err
		}
		if callErr != nil {
			e.publish(base, tx, saga.EventCompensationFailed, step.StepID, callErr.Error())
		} else {
			e.publish(base, tx, saga.EventStepCompensated, step.StepID, "")
		}
		if errors.Is(context.Cause(watch), saga.ErrOverridden) {
			return saga.ErrOverridden
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, saga.ErrOverridden) {
			return nil
		}
		return err
	}

	if err := tx.Transition(saga.StatusCompensated, e.now()); err != nil {
		return err
	}
	if err := e.save(base, tx); err != nil {
		return err
	}
	e.metrics.IncFinished(string(saga.StatusCompensated))
	e.publish(base, tx, saga.EventCompensated, "", "")
	e.log.WithSaga(tx.ID).Infof("saga compensated", map[string]interface{}{"compensationFailures": tx.CompensationFailures})
	return nil
}

// Reconcile is the timeout monitor's per-transaction check. A transaction
// executing locally past its deadline is preempted; otherwise the lease is
// taken and the transaction is timed out, recovered as an orphan or left alone.
func (e *Engine) Reconcile(ctx context.Context, tx *saga.Transaction) error {
	if tx.Status.Terminal() {
		return nil
	}
	if e.IsRunning(tx.ID) {
		if tx.Expired(e.now()) {
			e.preempt(tx.ID, saga.ErrTimeout)
		}
		return nil
	}
	// PENDING and not expired: the processor owns it
	if tx.Status == saga.StatusPending && !tx.Expired(e.now()) {
		return nil
	}

	lease := e.store.Lease(tx.ID, e.leaseTTL)
	ok, err := lease.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire lease %s: %w", tx.ID, err)
	}
	if !ok {
		return nil
	}
	defer e.release(ctx, lease)

	stop := lease.KeepAlive(ctx, nil)
	defer stop()

	cur, err := e.store.Get(ctx, tx.ID)
	if err != nil {
		return err
	}
	return e.quiet(cur.ID, e.reconcile(ctx, cur))
}

func (e *Engine) reconcile(ctx context.Context, tx *saga.Transaction) error {
	now := e.now()
	switch tx.Status {
	case saga.StatusPending:
		if !tx.Expired(now) {
			return nil
		}
		return e.timeout(ctx, tx)
	case saga.StatusRunning:
		if tx.Expired(now) {
			e.interruptSteps(tx, "interrupted: transaction timed out")
			return e.timeout(ctx, tx)
		}
		e.interruptSteps(tx, "interrupted")
		e.log.WithSaga(tx.ID).Warn("recovering orphaned transaction")
		return e.compensate(ctx, ctx, tx, ReasonRestarted, ReasonRestarted)
	case saga.StatusCompensating, saga.StatusTimeout:
		e.log.WithSaga(tx.ID).Info("resuming compensation")
		return e.undo(ctx, ctx, tx)
	}
	return nil
}

func (e *Engine) interruptSteps(tx *saga.Transaction, msg string) {
	for i := range tx.Steps {
		if tx.Steps[i].Status == saga.StepRunning {
			markFailed(&tx.Steps[i], msg, e.now())
		}
	}
}

// Complete forces COMPLETED. See Override.
func (e *Engine) Complete(ctx context.Context, id, requestID string) (*saga.Transaction, error) {
	return e.Override(ctx, id, saga.StatusCompleted, requestID)
}

// Compensate forces COMPENSATED. See Override.
func (e *Engine) Compensate(ctx context.Context, id, requestID string) (*saga.Transaction, error) {
	return e.Override(ctx, id, saga.StatusCompensated, requestID)
}

// Override sets a terminal status without running steps or compensation and
// stops any local execution of the transaction. Terminal transactions may be
// overridden into another terminal status.
func (e *Engine) Override(ctx context.Context, id string, target saga.Status, requestID string) (*saga.Transaction, error) {
	for attempt := 0; ; attempt++ {
		tx, err := e.store.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		prev := tx.Status
		tx.Force(target, e.now())
		if target == saga.StatusCompensated && tx.CompensationReason == "" {
			tx.CompensationReason = ReasonOperator
		}

		err = e.store.Update(ctx, tx)
		if errors.Is(err, store.ErrVersionConflict) && attempt < overrideRetries {
			continue
		}
		if err != nil {
			return nil, err
		}

		e.preempt(id, saga.ErrOverridden)
		// a saga finishes once; later overrides only change its status
		if !prev.Terminal() {
			e.metrics.IncFinished(string(target))
		}
		ev := saga.NewEvent(tx, saga.EventOverridden, "", "", e.now())
		ev.Previous = prev
		ev.RequestID = requestID
		e.emit(ctx, ev)
		e.log.WithSaga(id).Warnf("saga overridden by operator", map[string]interface{}{
			"from": string(prev), "to": string(target), "requestId": requestID,
		})
		return tx, nil
	}
}

func (e *Engine) save(ctx context.Context, tx *saga.Transaction) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()
	return e.store.Update(ctx, tx)
}

func (e *Engine) release(ctx context.Context, lease *redislock.Lock) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()
	if _, err := lease.Release(ctx); err != nil {
		e.log.WithError(err).Warnf("release lease failed", map[string]interface{}{"key": lease.Key()})
	}
}

func (e *Engine) publish(ctx context.Context, tx *saga.Transaction, typ saga.EventType, stepID, errMsg string) {
	e.emit(ctx, saga.NewEvent(tx, typ, stepID, errMsg, e.now()))
}

func (e *Engine) emit(ctx context.Context, ev saga.Event) {
	if e.events == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()
	e.events.Publish(ctx, ev)
}

// quiet turns a version conflict into a clean stop: somebody else (an
// operator override) wrote the document after us.
func (e *Engine) quiet(id string, err error) error {
	if errors.Is(err, store.ErrVersionConflict) {
		e.log.WithSaga(id).WithError(err).Warn("transaction changed by another writer, stopping")
		return nil
	}
	return err
}

func markFailed(s *saga.Step, msg string, now time.Time) {
	now = now.UTC()
	s.Status = saga.StepFailed
	s.Error = msg
	if s.CompletedAt == nil {
		s.CompletedAt = &now
	}
}
