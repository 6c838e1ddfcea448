package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

type fakeChecker struct {
	name   string
	status Status
	delay  time.Duration
}

func (f fakeChecker) Name() string { return f.name }

func (f fakeChecker) Check(ctx context.Context) CheckResult {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
		}
	}
	return CheckResult{Status: f.status}
}

func TestHealthReportsServices(t *testing.T) {
	h := New("1.2.3", "test")
	h.Register(fakeChecker{name: "redis", status: StatusUp})
	h.RegisterStatic("orders", "http://orders:8080")
	h.SetReady(true)

	resp := h.Health(context.Background())
	if resp.Status != StatusHealthy {
		t.Fatalf("status = %s, want healthy", resp.Status)
	}
	if resp.Version != "1.2.3" || resp.Environment != "test" {
		t.Fatalf("unexpected version/env %q/%q", resp.Version, resp.Environment)
	}
	if resp.Services["redis"] != "up" || resp.Services["orders"] != "http://orders:8080" {
		t.Fatalf("unexpected services %v", resp.Services)
	}
	if names := h.Services(); len(names) != 2 || names[0] != "orders" {
		t.Fatalf("unexpected service names %v", names)
	}
}

func TestHealthDegradedWhenDependencyDown(t *testing.T) {
	h := New("v", "dev")
	h.Register(fakeChecker{name: "redis", status: StatusDown})
	h.SetReady(true)

	if resp := h.Health(context.Background()); resp.Status != StatusDegraded {
		t.Fatalf("status = %s, want degraded", resp.Status)
	}
	if resp := h.Ready(context.Background()); resp.Status != StatusDown {
		t.Fatalf("ready status = %s, want down", resp.Status)
	}
}

func TestReadyRequiresFlag(t *testing.T) {
	h := New("v", "dev")
	h.Register(fakeChecker{name: "redis", status: StatusUp})

	if resp := h.Ready(context.Background()); resp.Status != StatusDown {
		t.Fatalf("ready before SetReady = %s, want down", resp.Status)
	}
	h.SetReady(true)
	if resp := h.Ready(context.Background()); resp.Status != StatusHealthy {
		t.Fatalf("ready after SetReady = %s, want healthy", resp.Status)
	}
}

func TestSlowCheckerTimesOut(t *testing.T) {
	h := New("v", "dev")
	h.Register(fakeChecker{name: "slow", status: StatusUp, delay: 5 * time.Second})
	h.SetReady(true)

	start := time.Now()
	resp := h.Health(context.Background())
	if time.Since(start) > 4*time.Second {
		t.Fatal("check did not honour timeout")
	}
	if resp.Dependencies["slow"].Status != StatusDown {
		t.Fatalf("expected slow checker to be down, got %+v", resp.Dependencies["slow"])
	}
}

func TestHandlers(t *testing.T) {
	h := New("v", "dev")
	h.Register(fakeChecker{name: "redis", status: StatusDown})

	rec := httptest.NewRecorder()
	h.HealthHandler()(rec, httptest.NewRequest(http.MethodGet, "/health/", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("health status code = %d", rec.Code)
	}
	var body Response
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != StatusDegraded {
		t.Fatalf("body status = %s", body.Status)
	}

	rec = httptest.NewRecorder()
	h.ReadyHandler()(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("ready status code = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.LiveHandler()(rec, httptest.NewRequest(http.MethodGet, "/health/live", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("live status code = %d", rec.Code)
	}
}

func TestRedisChecker(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	c := NewRedisChecker(client)
	if res := c.Check(context.Background()); res.Status != StatusUp {
		t.Fatalf("expected up, got %+v", res)
	}

	mr.Close()
	if res := c.Check(context.Background()); res.Status != StatusDown {
		t.Fatalf("expected down after close, got %+v", res)
	}
	if res := NewRedisChecker(nil).Check(context.Background()); res.Status != StatusDown {
		t.Fatalf("expected down for nil client, got %+v", res)
	}
}

func TestPostgresChecker(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectPing()
	mock.ExpectPing().WillReturnError(errors.New("connection refused"))

	c := NewPostgresChecker(db)
	if res := c.Check(context.Background()); res.Status != StatusUp {
		t.Fatalf("expected up, got %+v", res)
	}
	if res := c.Check(context.Background()); res.Status != StatusDown || res.Message != "connection refused" {
		t.Fatalf("expected down, got %+v", res)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestLoopChecker(t *testing.T) {
	var m LoopMonitor
	c := NewLoopChecker("processor", &m, time.Minute)

	if res := c.Check(context.Background()); res.Status != StatusDown {
		t.Fatalf("expected down before first tick, got %+v", res)
	}

	m.Tick()
	if res := c.Check(context.Background()); res.Status != StatusUp {
		t.Fatalf("expected up after tick, got %+v", res)
	}

	m.SetError(errors.New("store unavailable"))
	if res := c.Check(context.Background()); res.Status != StatusDegraded || res.Message != "store unavailable" {
		t.Fatalf("expected degraded, got %+v", res)
	}

	m.SetError(nil)
	if res := c.Check(context.Background()); res.Status != StatusUp {
		t.Fatalf("expected error to clear, got %+v", res)
	}

	ok, _, _ := m.Healthy(time.Now().Add(2*time.Minute), time.Minute)
	if ok {
		t.Fatal("expected stale loop to be unhealthy")
	}
}
