package store

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/brianvoe/gofakeit/v6"
	"github.com/go-redis/redismock/v9"
	"github.com/redis/go-redis/v9"

	"github.com/exchange/saga/internal/saga"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return New(client, Options{Grace: time.Minute}), mr
}

func newTx(id string, created time.Time) *saga.Transaction {
	steps := []saga.Step{
		{StepID: "reserve", ServiceURL: "inventory", Action: "reserve", CompensationAction: "release", TimeoutSeconds: 5},
		{StepID: "charge", ServiceURL: "payments", Action: "charge", TimeoutSeconds: 5, RetryAttempts: 2},
	}
	return saga.New(id, saga.PatternOrchestration, steps, 60, map[string]interface{}{"order": gofakeit.UUID()}, created)
}

func TestCreateAndGet(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()
	tx := newTx(gofakeit.UUID(), time.Now())

	if err := s.Create(ctx, tx); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if tx.Version != 1 {
		t.Fatalf("expected version 1, got %d", tx.Version)
	}

	got, err := s.Get(ctx, tx.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.ID != tx.ID || got.Status != saga.StatusPending || len(got.Steps) != 2 || got.Version != 1 {
		t.Fatalf("unexpected transaction %+v", got)
	}
	if got.Metadata["order"] != tx.Metadata["order"] {
		t.Fatalf("metadata lost: %v", got.Metadata)
	}

	ttl := mr.TTL("saga:tx:" + tx.ID)
	if ttl != 61*time.Second {
		t.Fatalf("expected ttl timeout+grace, got %s", ttl)
	}
	if members, _ := mr.ZMembers("saga:active"); len(members) != 1 || members[0] != tx.ID {
		t.Fatalf("active index = %v", members)
	}
}

func TestCreateDuplicate(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	tx := newTx("dup-1", time.Now())

	if err := s.Create(ctx, tx); err != nil {
		t.Fatalf("Create: %v", err)
	}
	again := newTx("dup-1", time.Now())
	if err := s.Create(ctx, again); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
	if again.Version != 0 {
		t.Fatalf("failed create must not touch version, got %d", again.Version)
	}
}

func TestGetNotFound(t *testing.T) {
	s, _ := newTestStore(t)
	if _, err := s.Get(context.Background(), "missing"); !errors.Is(err, saga.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestUpdateVersioning(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	tx := newTx(gofakeit.UUID(), time.Now())
	if err := s.Create(ctx, tx); err != nil {
		t.Fatalf("Create: %v", err)
	}

	stale := tx.Clone()

	if err := tx.Transition(saga.StatusRunning, time.Now()); err != nil {
		t.Fatal(err)
	}
	if err := s.Update(ctx, tx); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if tx.Version != 2 {
		t.Fatalf("expected version 2, got %d", tx.Version)
	}

	stale.Status = saga.StatusTimeout
	if err := s.Update(ctx, stale); !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict, got %v", err)
	}
	if stale.Version != 1 {
		t.Fatalf("conflicting update must not bump version, got %d", stale.Version)
	}

	got, _ := s.Get(ctx, tx.ID)
	if got.Status != saga.StatusRunning || got.Version != 2 || got.StartedAt == nil {
		t.Fatalf("unexpected stored transaction %+v", got)
	}
}

func TestUpdateMissing(t *testing.T) {
	s, _ := newTestStore(t)
	tx := newTx("ghost", time.Now())
	tx.Version = 1
	if err := s.Update(context.Background(), tx); !errors.Is(err, saga.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestTerminalLeavesActiveIndex(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()
	tx := newTx("done-1", time.Now())
	if err := s.Create(ctx, tx); err != nil {
		t.Fatalf("Create: %v", err)
	}
	_ = tx.Transition(saga.StatusRunning, time.Now())
	_ = tx.Transition(saga.StatusCompleted, time.Now())
	if err := s.Update(ctx, tx); err != nil {
		t.Fatalf("Update: %v", err)
	}

	if members, _ := mr.ZMembers("saga:active"); len(members) != 0 {
		t.Fatalf("terminal transaction still indexed: %v", members)
	}
	if _, err := s.Get(ctx, tx.ID); err != nil {
		t.Fatalf("terminal document should stay readable: %v", err)
	}
}

func TestListActiveOrderAndPruning(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()
	base := time.Now().Add(-time.Minute)

	older := newTx("a-older", base)
	newer := newTx("b-newer", base.Add(10*time.Second))
	gone := newTx("c-gone", base.Add(5*time.Second))
	for _, tx := range []*saga.Transaction{newer, gone, older} {
		if err := s.Create(ctx, tx); err != nil {
			t.Fatalf("Create %s: %v", tx.ID, err)
		}
	}
	// document expired but index entry remains
	mr.Del("saga:tx:c-gone")

	active, err := s.ListActive(ctx)
	if err != nil {
		t.Fatalf("ListActive: %v", err)
	}
	if len(active) != 2 || active[0].ID != "a-older" || active[1].ID != "b-newer" {
		ids := make([]string, len(active))
		for i, tx := range active {
			ids[i] = tx.ID
		}
		t.Fatalf("unexpected active list %v", ids)
	}

	n, err := s.ActiveCount(ctx)
	if err != nil || n != 2 {
		t.Fatalf("expected pruned index of 2, got %d (%v)", n, err)
	}
}

func TestDocumentExpiry(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()
	tx := newTx("ttl-1", time.Now())
	if err := s.Create(ctx, tx); err != nil {
		t.Fatalf("Create: %v", err)
	}

	mr.FastForward(62 * time.Second)

	if _, err := s.Get(ctx, tx.ID); !errors.Is(err, saga.ErrNotFound) {
		t.Fatalf("expected expired document, got %v", err)
	}
	active, err := s.ListActive(ctx)
	if err != nil || len(active) != 0 {
		t.Fatalf("expected empty active list, got %d (%v)", len(active), err)
	}
}

func TestLeaseIsExclusive(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	first := s.Lease("tx-1", time.Second)
	second := s.Lease("tx-1", time.Second)
	if first.Key() != "saga:lock:tx-1" {
		t.Fatalf("unexpected lock key %s", first.Key())
	}
	if ok, err := first.Acquire(ctx); err != nil || !ok {
		t.Fatalf("first Acquire = %v, %v", ok, err)
	}
	if ok, _ := second.Acquire(ctx); ok {
		t.Fatal("second lease must not be acquired")
	}
	if ok, _ := first.Release(ctx); !ok {
		t.Fatal("Release should succeed for owner")
	}
	if ok, _ := second.Acquire(ctx); !ok {
		t.Fatal("lease should be free after release")
	}
}

func TestRedisErrorsPropagate(t *testing.T) {
	client, mock := redismock.NewClientMock()
	s := New(client, Options{})
	ctx := context.Background()
	down := errors.New("connection refused")

	mock.ExpectGet("saga:tx:x").SetErr(down)
	if _, err := s.Get(ctx, "x"); !errors.Is(err, down) || errors.Is(err, saga.ErrNotFound) {
		t.Fatalf("expected wrapped connection error, got %v", err)
	}

	mock.ExpectZRange("saga:active", 0, -1).SetErr(down)
	if _, err := s.ListActive(ctx); !errors.Is(err, down) {
		t.Fatalf("expected wrapped connection error, got %v", err)
	}

	mock.ExpectPing().SetErr(down)
	if err := s.Ping(ctx); !errors.Is(err, down) {
		t.Fatalf("expected ping error, got %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestStoredDocumentShape(t *testing.T) {
	s, mr := newTestStore(t)
	tx := newTx("shape-1", time.Now())
	if err := s.Create(context.Background(), tx); err != nil {
		t.Fatalf("Create: %v", err)
	}
	raw, err := mr.Get("saga:tx:shape-1")
	if err != nil {
		t.Fatalf("raw get: %v", err)
	}
	var doc map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		t.Fatalf("stored document is not json: %v", err)
	}
	for _, k := range []string{"id", "status", "steps", "created_at", "timeout_seconds", "version"} {
		if _, ok := doc[k]; !ok {
			t.Fatalf("stored document missing %q: %s", k, raw)
		}
	}
}
