// Package executor performs the outbound HTTP calls of saga steps and their
// compensating actions.
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/avast/retry-go/v4"
	"github.com/hashicorp/go-cleanhttp"

	"github.com/exchange/saga/internal/saga"
	"github.com/exchange/saga/pkg/logger"
	"github.com/exchange/saga/pkg/signature"
	"github.com/exchange/saga/pkg/tracing"
	"github.com/exchange/saga/pkg/validate"
)

const (
	HeaderSagaID         = "X-Saga-ID"
	HeaderStepID         = "X-Saga-Step-ID"
	HeaderIdempotencyKey = "Idempotency-Key"

	maxResponseBody = 1 << 20
)

var ErrUnknownService = errors.New("executor: unknown service")

// StatusError is a non-2xx response from a downstream service.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("status code: %d", e.StatusCode)
	}
	return fmt.Sprintf("status code: %d: %s", e.StatusCode, e.Body)
}

// Retryable is true for 5xx only; a 4xx is the service's final answer.
func (e *StatusError) Retryable() bool {
	return e.StatusCode >= http.StatusInternalServerError
}

// MalformedResponseError is a 2xx whose body is not JSON. It fails the step
// without retrying.
type MalformedResponseError struct {
	Body string
}

func (e *MalformedResponseError) Error() string {
	return "malformed response: " + e.Body
}

type Config struct {
	// Services maps a service name to its base URL.
	Services            map[string]string
	StepTimeout         time.Duration
	RetryBackoff        time.Duration
	CompensationTimeout time.Duration
	Client              *http.Client

	// Signer signs every outbound call; nil sends unsigned requests.
	Signer *signature.Signer
	Logger *logger.Logger
}

type Executor struct {
	services            map[string]string
	stepTimeout         time.Duration
	backoff             time.Duration
	compensationTimeout time.Duration
	client              *http.Client
	signer              *signature.Signer
	log                 *logger.Logger
	now                 func() time.Time
}

func New(cfg Config) *Executor {
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = 30 * time.Second
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 500 * time.Millisecond
	}
	if cfg.CompensationTimeout <= 0 {
		cfg.CompensationTimeout = 60 * time.Second
	}
	if cfg.Client == nil {
		// timeouts come from the per-call context
		cfg.Client = cleanhttp.DefaultPooledClient()
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.Nop()
	}
	services := make(map[string]string, len(cfg.Services))
	for name, base := range cfg.Services {
		services[name] = strings.TrimRight(base, "/")
	}
	return &Executor{
		services:            services,
		stepTimeout:         cfg.StepTimeout,
		backoff:             cfg.RetryBackoff,
		compensationTimeout: cfg.CompensationTimeout,
		client:              cfg.Client,
		signer:              cfg.Signer,
		log:                 cfg.Logger,
		now:                 time.Now,
	}
}

// Resolve turns a service name or an absolute http(s) URL into a base URL.
func (e *Executor) Resolve(serviceURL string) (string, error) {
	if base, ok := e.services[serviceURL]; ok {
		return base, nil
	}
	if validate.IsHTTPURL(serviceURL) {
		return strings.TrimRight(strings.TrimSpace(serviceURL), "/"), nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownService, serviceURL)
}

// Services returns the configured name -> base URL map.
func (e *Executor) Services() map[string]string {
	out := make(map[string]string, len(e.services))
	for k, v := range e.services {
		out[k] = v
	}
	return out
}

// Execute runs the forward action of step with up to RetryAttempts retries and
// records the outcome on the step. The returned error is nil only for a 2xx.
func (e *Executor) Execute(ctx context.Context, sagaID string, step *saga.Step) error {
	now := e.now().UTC()
	if step.StartedAt == nil {
		step.StartedAt = &now
	}
	step.Status = saga.StepRunning
	step.Attempts = 0

	body, err := e.execute(ctx, sagaID, step)
	done := e.now().UTC()
	step.CompletedAt = &done
	if err != nil {
		step.Status = saga.StepFailed
		step.Error = err.Error()
		step.Result = nil
		return err
	}
	step.Status = saga.StepCompleted
	step.Error = ""
	step.Result = captureResult(body)
	return nil
}

func (e *Executor) execute(ctx context.Context, sagaID string, step *saga.Step) ([]byte, error) {
	base, err := e.Resolve(step.ServiceURL)
	if err != nil {
		return nil, err
	}
	target := base + "/" + strings.TrimLeft(step.Action, "/")
	payload := []byte(step.Payload)
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	timeout := step.Timeout(e.stepTimeout)
	log := e.log.WithStep(sagaID, step.StepID)

	ctx, span := tracing.StartCallSpan(ctx, tracing.SpanStep, sagaID, step.StepID, step.Action, target)
	defer span.End()

	var body []byte
	err = retry.Do(
		func() error {
			step.Attempts++
			attemptCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			b, err := e.post(attemptCtx, target, payload, map[string]string{
				HeaderSagaID:         sagaID,
				HeaderStepID:         step.StepID,
				HeaderIdempotencyKey: sagaID + ":" + step.StepID,
			})
			if err != nil {
				return err
			}
			if trimmed := bytes.TrimSpace(b); len(trimmed) > 0 && !json.Valid(trimmed) {
				return &MalformedResponseError{Body: truncate(string(trimmed), 256)}
			}
			body = b
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(uint(step.RetryAttempts)+1),
		retry.Delay(e.backoff),
		retry.MaxDelay(10*e.backoff),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return ctx.Err() == nil && retryable(err)
		}),
		retry.OnRetry(func(n uint, err error) {
			log.WithError(err).Warnf("step attempt failed, retrying", map[string]interface{}{"attempt": n + 1})
		}),
	)
	if err != nil {
		tracing.SetError(ctx, err)
		return nil, err
	}
	return body, nil
}

type compensationRequest struct {
	CompensationPayload json.RawMessage `json:"compensation_payload"`
	OriginalResult      json.RawMessage `json:"original_result"`
}

// Compensate calls the step's compensating action once, bounded by the
// compensation timeout. Step fields are left to the caller.
func (e *Executor) Compensate(ctx context.Context, sagaID string, step *saga.Step) error {
	base, err := e.Resolve(step.ServiceURL)
	if err != nil {
		return err
	}
	target := base + "/" + strings.TrimLeft(step.CompensationAction, "/")
	payload, err := json.Marshal(compensationRequest{
		CompensationPayload: orNull(step.CompensationPayload),
		OriginalResult:      orNull(step.Result),
	})
	if err != nil {
		return fmt.Errorf("marshal compensation: %w", err)
	}

	ctx, span := tracing.StartCallSpan(ctx, tracing.SpanCompensate, sagaID, step.StepID, step.CompensationAction, target)
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, e.compensationTimeout)
	defer cancel()
	_, err = e.post(ctx, target, payload, map[string]string{
		HeaderSagaID:         sagaID,
		HeaderStepID:         step.StepID,
		HeaderIdempotencyKey: sagaID + ":" + step.StepID + ":compensate",
	})
	if err != nil {
		tracing.SetError(ctx, err)
	}
	return err
}

func (e *Executor) post(ctx context.Context, url string, payload []byte, headers map[string]string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, retry.Unrecoverable(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	tracing.InjectHTTP(ctx, req)
	e.signer.SignRequest(req, payload)

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: truncate(strings.TrimSpace(string(body)), 256)}
	}
	return body, nil
}

func retryable(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Retryable()
	}
	var me *MalformedResponseError
	if errors.As(err, &me) {
		return false
	}
	// transport errors and per-attempt timeouts
	return true
}

// captureResult keeps the JSON body; an empty body (204) has no result.
// Non-JSON bodies never get here.
func captureResult(body []byte) json.RawMessage {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil
	}
	return append(json.RawMessage(nil), body...)
}

func orNull(b json.RawMessage) json.RawMessage {
	if len(b) == 0 {
		return json.RawMessage("null")
	}
	return b
}

// truncate cuts s to at most n bytes on a rune boundary.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
