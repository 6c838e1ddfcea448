package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/exchange/saga/internal/engine"
	"github.com/exchange/saga/internal/events"
	"github.com/exchange/saga/internal/executor"
	"github.com/exchange/saga/internal/metrics"
	"github.com/exchange/saga/internal/saga"
	"github.com/exchange/saga/internal/store"
	"github.com/exchange/saga/pkg/audit"
	commonerrors "github.com/exchange/saga/pkg/errors"
	"github.com/exchange/saga/pkg/health"
)

type fakeAudit struct {
	logs   []*audit.AuditLog
	err    error
	filter *audit.QueryFilter
}

func (f *fakeAudit) Log(_ context.Context, l *audit.AuditLog) error {
	f.logs = append(f.logs, l)
	return nil
}

func (f *fakeAudit) Query(_ context.Context, filter *audit.QueryFilter) ([]*audit.AuditLog, error) {
	f.filter = filter
	if f.err != nil {
		return nil, f.err
	}
	var out []*audit.AuditLog
	for _, l := range f.logs {
		if l.SagaID == filter.SagaID {
			out = append(out, l)
		}
	}
	return out, nil
}

type testServer struct {
	handler http.Handler
	store   *store.Store
	mr      *miniredis.Miniredis
	audit   *fakeAudit
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	st := store.New(client, store.Options{})
	exec := executor.New(executor.Config{Services: map[string]string{"inventory": "http://inventory.internal:8080"}})
	aud := &fakeAudit{}
	m := metrics.New()
	eng := engine.New(engine.Config{
		Store:       st,
		Steps:       exec,
		Compensator: executor.NewCompensator(exec, nil),
		Events:      events.NewPublisher(client, events.Options{Audit: aud}),
		Metrics:     m,
	})

	h := health.New("test", "dev")
	h.Register(health.NewRedisChecker(client))
	h.SetReady(true)

	srv := New(Config{
		Engine:   eng,
		Resolver: exec,
		Defaults: Defaults{TimeoutSeconds: 300, StepTimeoutSeconds: 30, RetryAttempts: 3},
		Audit:    aud,
		Health:   h,
		Metrics:  m,
	})
	return &testServer{handler: srv.Handler(), store: st, mr: mr, audit: aud}
}

func (s *testServer) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("X-Request-ID", "req-1")
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) commonerrors.Error {
	t.Helper()
	var e commonerrors.Error
	if err := json.Unmarshal(rec.Body.Bytes(), &e); err != nil {
		t.Fatalf("decode error body %q: %v", rec.Body.String(), err)
	}
	return e
}

const validStart = `{
	"saga_id": "order-1001",
	"steps": [
		{"step_id": "reserve", "service_url": "inventory", "action": "reserve", "payload": {"sku": "A1"}, "compensation_action": "release"},
		{"step_id": "charge", "service_url": "https://payments.internal", "action": "charge", "timeout": 10, "retry_attempts": 0}
	],
	"metadata": {"customer": "c-7"}
}`

func TestStartAppliesDefaults(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/saga/start", validStart)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	var resp StartResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.SagaID != "order-1001" || resp.Status != "started" || resp.StepsCount != 2 {
		t.Fatalf("unexpected response %+v", resp)
	}

	tx, err := s.store.Get(context.Background(), "order-1001")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if tx.Status != saga.StatusPending || tx.TimeoutSeconds != 300 || tx.Pattern != saga.PatternOrchestration {
		t.Fatalf("unexpected document %+v", tx)
	}
	if tx.Steps[0].TimeoutSeconds != 30 || tx.Steps[0].RetryAttempts != 3 {
		t.Fatalf("step defaults not applied: %+v", tx.Steps[0])
	}
	if tx.Steps[1].TimeoutSeconds != 10 || tx.Steps[1].RetryAttempts != 0 {
		t.Fatalf("explicit step values lost: %+v", tx.Steps[1])
	}
	if tx.Metadata["customer"] != "c-7" {
		t.Fatalf("metadata = %v", tx.Metadata)
	}
}

func TestStartGeneratesID(t *testing.T) {
	s := newTestServer(t)
	body := `{"steps":[{"step_id":"a","service_url":"inventory","action":"a"}]}`

	rec := s.do(t, http.MethodPost, "/saga/start", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	var resp StartResponse
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	if len(resp.SagaID) != 36 {
		t.Fatalf("expected a generated uuid, got %q", resp.SagaID)
	}
}

func TestStartRejectsDuplicate(t *testing.T) {
	s := newTestServer(t)
	if rec := s.do(t, http.MethodPost, "/saga/start", validStart); rec.Code != http.StatusOK {
		t.Fatalf("first start = %d", rec.Code)
	}
	rec := s.do(t, http.MethodPost, "/saga/start", validStart)
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
	if e := decodeError(t, rec); e.Code != commonerrors.CodeSagaExists || e.RequestID != "req-1" {
		t.Fatalf("unexpected error %+v", e)
	}
}

func TestStartValidation(t *testing.T) {
	tests := []struct {
		name string
		body string
		code commonerrors.Code
	}{
		{"malformed", `{"steps":`, commonerrors.CodeInvalidRequest},
		{"empty steps", `{"steps":[]}`, commonerrors.CodeInvalidParam},
		{"choreography", `{"pattern":"choreography","steps":[{"step_id":"a","service_url":"inventory","action":"a"}]}`, commonerrors.CodeUnsupportedPattern},
		{"unknown pattern", `{"pattern":"mesh","steps":[{"step_id":"a","service_url":"inventory","action":"a"}]}`, commonerrors.CodeInvalidParam},
		{"duplicate step", `{"steps":[{"step_id":"a","service_url":"inventory","action":"a"},{"step_id":"a","service_url":"inventory","action":"b"}]}`, commonerrors.CodeDuplicateStep},
		{"timeout range", `{"timeout":7201,"steps":[{"step_id":"a","service_url":"inventory","action":"a"}]}`, commonerrors.CodeInvalidParam},
		{"explicit zero timeout", `{"timeout":0,"steps":[{"step_id":"a","service_url":"inventory","action":"a"}]}`, commonerrors.CodeInvalidParam},
		{"step timeout range", `{"steps":[{"step_id":"a","service_url":"inventory","action":"a","timeout":3601}]}`, commonerrors.CodeInvalidParam},
		{"retry range", `{"steps":[{"step_id":"a","service_url":"inventory","action":"a","retry_attempts":11}]}`, commonerrors.CodeInvalidParam},
		{"bad step id", `{"steps":[{"step_id":"a b","service_url":"inventory","action":"a"}]}`, commonerrors.CodeInvalidParam},
		{"unknown service", `{"steps":[{"step_id":"a","service_url":"billing","action":"a"}]}`, commonerrors.CodeUnknownService},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t)
			rec := s.do(t, http.MethodPost, "/saga/start", tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
			}
			if e := decodeError(t, rec); e.Code != tt.code {
				t.Fatalf("code = %s, want %s (%s)", e.Code, tt.code, e.Message)
			}
			if n := len(s.mr.Keys()); n != 0 {
				t.Fatalf("rejected request must not be persisted, keys=%v", s.mr.Keys())
			}
		})
	}
}

func TestStartBodyTooLarge(t *testing.T) {
	s := newTestServer(t)
	body := `{"metadata":{"blob":"` + strings.Repeat("x", maxBodyBytes) + `"}}`
	rec := s.do(t, http.MethodPost, "/saga/start", body)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestStatus(t *testing.T) {
	s := newTestServer(t)
	s.do(t, http.MethodPost, "/saga/start", validStart)

	rec := s.do(t, http.MethodGet, "/saga/order-1001/status", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var tx saga.Transaction
	if err := json.Unmarshal(rec.Body.Bytes(), &tx); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if tx.ID != "order-1001" || len(tx.Steps) != 2 || tx.Version != 1 {
		t.Fatalf("unexpected document %+v", tx)
	}

	rec = s.do(t, http.MethodGet, "/saga/missing/status", "")
	if rec.Code != http.StatusNotFound || decodeError(t, rec).Code != commonerrors.CodeSagaNotFound {
		t.Fatalf("missing saga: %d %s", rec.Code, rec.Body.String())
	}
}

func TestStatusReadsAreIdempotent(t *testing.T) {
	s := newTestServer(t)
	start := `{
	"saga_id": "order-2002",
	"steps": [{"step_id": "reserve", "service_url": "inventory", "action": "reserve", "payload": {"sku": "B2", "qty": 3}}],
	"metadata": {"customer": "c-9", "channel": "web", "tags": ["vip", "eu"], "cart": {"items": 3, "total": "19.90"}}
}`
	if rec := s.do(t, http.MethodPost, "/saga/start", start); rec.Code != http.StatusOK {
		t.Fatalf("start = %d %s", rec.Code, rec.Body.String())
	}

	first := s.do(t, http.MethodGet, "/saga/order-2002/status", "")
	second := s.do(t, http.MethodGet, "/saga/order-2002/status", "")
	if first.Code != http.StatusOK || second.Code != http.StatusOK {
		t.Fatalf("status = %d / %d", first.Code, second.Code)
	}
	if !bytes.Equal(first.Body.Bytes(), second.Body.Bytes()) {
		t.Fatalf("status reads differ:\n%s\n%s", first.Body.String(), second.Body.String())
	}
	if !bytes.Contains(first.Body.Bytes(), []byte(`"channel":"web"`)) {
		t.Fatalf("metadata missing from document: %s", first.Body.String())
	}
}

func TestStatusStoreUnavailable(t *testing.T) {
	s := newTestServer(t)
	s.mr.SetError("LOADING")

	rec := s.do(t, http.MethodGet, "/saga/x/status", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", rec.Code)
	}
	if e := decodeError(t, rec); e.Code != commonerrors.CodeStoreUnavailable || !e.Retryable {
		t.Fatalf("unexpected error %+v", e)
	}
}

func TestOverrides(t *testing.T) {
	s := newTestServer(t)
	s.do(t, http.MethodPost, "/saga/start", validStart)

	rec := s.do(t, http.MethodPost, "/saga/order-1001/compensate", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("compensate = %d %s", rec.Code, rec.Body.String())
	}
	var tx saga.Transaction
	_ = json.Unmarshal(rec.Body.Bytes(), &tx)
	if tx.Status != saga.StatusCompensated || tx.CompensationReason != engine.ReasonOperator {
		t.Fatalf("unexpected document %+v", tx)
	}

	// operator intent wins over an earlier terminal state
	rec = s.do(t, http.MethodPost, "/saga/order-1001/complete", "")
	_ = json.Unmarshal(rec.Body.Bytes(), &tx)
	if rec.Code != http.StatusOK || tx.Status != saga.StatusCompleted {
		t.Fatalf("complete = %d %+v", rec.Code, tx)
	}

	rec = s.do(t, http.MethodPost, "/saga/nope/complete", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown override = %d", rec.Code)
	}

	var overrides int
	for _, l := range s.audit.logs {
		if l.EventType == string(saga.EventOverridden) {
			overrides++
			if l.Actor != audit.ActorOperator || l.RequestID != "req-1" {
				t.Fatalf("override audit row %+v", l)
			}
		}
	}
	if overrides != 2 {
		t.Fatalf("expected 2 override audit rows, got %d", overrides)
	}
}

func TestAudit(t *testing.T) {
	s := newTestServer(t)
	s.do(t, http.MethodPost, "/saga/start", validStart)

	rec := s.do(t, http.MethodGet, "/saga/order-1001/audit?limit=5", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d %s", rec.Code, rec.Body.String())
	}
	var body struct {
		SagaID  string            `json:"saga_id"`
		Entries []*audit.AuditLog `json:"entries"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Entries) != 1 || body.Entries[0].EventType != string(saga.EventStarted) {
		t.Fatalf("unexpected entries %+v", body.Entries)
	}
	if s.audit.filter.Limit != 5 {
		t.Fatalf("limit = %d", s.audit.filter.Limit)
	}

	if rec := s.do(t, http.MethodGet, "/saga/order-1001/audit?limit=0", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad limit = %d", rec.Code)
	}

	s.audit.err = errors.New("connection reset")
	if rec := s.do(t, http.MethodGet, "/saga/order-1001/audit", ""); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("query failure = %d", rec.Code)
	}
}

func TestAuditNotConfigured(t *testing.T) {
	srv := New(Config{Engine: nil})
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/saga/x/audit", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	s := newTestServer(t)
	s.do(t, http.MethodPost, "/saga/start", validStart)

	rec := s.do(t, http.MethodGet, "/health/", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("health = %d %s", rec.Code, rec.Body.String())
	}
	var h health.Response
	if err := json.Unmarshal(rec.Body.Bytes(), &h); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if h.Status != health.StatusHealthy || h.Services["redis"] != string(health.StatusUp) || h.Version != "test" {
		t.Fatalf("unexpected health %+v", h)
	}

	if rec := s.do(t, http.MethodGet, "/health/live", ""); rec.Code != http.StatusOK {
		t.Fatalf("live = %d", rec.Code)
	}

	rec = s.do(t, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK || !bytes.Contains(rec.Body.Bytes(), []byte("saga_started_total 1")) {
		t.Fatalf("metrics = %d\n%s", rec.Code, rec.Body.String())
	}
}

func TestMethodNotAllowed(t *testing.T) {
	s := newTestServer(t)
	if rec := s.do(t, http.MethodGet, "/saga/start", ""); rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestRequestIDEchoed(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/health/live", nil)
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	if rec.Header().Get("X-Request-ID") == "" {
		t.Fatal("expected a generated request id")
	}
}
