// Package store persists saga transactions in Redis: one JSON document per
// transaction with a TTL, a sorted-set index of non-terminal transactions and
// per-transaction lease locks.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/exchange/saga/internal/saga"
	"github.com/exchange/saga/pkg/logger"
	redislock "github.com/exchange/saga/pkg/redis"
)

var (
	ErrAlreadyExists   = errors.New("store: transaction already exists")
	ErrVersionConflict = errors.New("store: version conflict")
)

const (
	DefaultPrefix = "saga:"
	DefaultGrace  = time.Hour

	mgetBatch = 100
)

type Options struct {
	Prefix string
	// Grace is added to the transaction timeout to form the document TTL.
	Grace  time.Duration
	Logger *logger.Logger
}

type Store struct {
	client redis.UniversalClient
	prefix string
	grace  time.Duration
	log    *logger.Logger
	now    func() time.Time
}

func New(client redis.UniversalClient, opts Options) *Store {
	if opts.Prefix == "" {
		opts.Prefix = DefaultPrefix
	}
	if opts.Grace <= 0 {
		opts.Grace = DefaultGrace
	}
	if opts.Logger == nil {
		opts.Logger = logger.Nop()
	}
	return &Store{
		client: client,
		prefix: opts.Prefix,
		grace:  opts.Grace,
		log:    opts.Logger,
		now:    time.Now,
	}
}

func (s *Store) docKey(id string) string  { return s.prefix + "tx:" + id }
func (s *Store) lockKey(id string) string { return s.prefix + "lock:" + id }
func (s *Store) activeKey() string        { return s.prefix + "active" }

// TTL of a transaction document: its own timeout plus the grace window.
func (s *Store) TTL(tx *saga.Transaction) time.Duration {
	return time.Duration(tx.TimeoutSeconds)*time.Second + s.grace
}

// Lease returns the lock that designates the single owner of a transaction.
func (s *Store) Lease(id string, ttl time.Duration) *redislock.Lock {
	return redislock.NewLock(s.client, s.lockKey(id), ttl)
}

// Create stores a new transaction at version 1 and adds it to the active index.
func (s *Store) Create(ctx context.Context, tx *saga.Transaction) error {
	key := s.docKey(tx.ID)
	doc := *tx
	doc.Version = 1
	doc.UpdatedAt = s.now().UTC()
	data, err := json.Marshal(&doc)
	if err != nil {
		return fmt.Errorf("marshal transaction %s: %w", tx.ID, err)
	}

	err = s.client.Watch(ctx, func(rtx *redis.Tx) error {
		n, err := rtx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return ErrAlreadyExists
		}
		_, err = rtx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, key, data, s.TTL(tx))
			p.ZAdd(ctx, s.activeKey(), redis.Z{Score: float64(tx.CreatedAt.UnixMilli()), Member: tx.ID})
			return nil
		})
		return err
	}, key)
	switch {
	case err == nil:
	case errors.Is(err, redis.TxFailedErr):
		// another writer touched the key between WATCH and EXEC
		return fmt.Errorf("%w: %s", ErrAlreadyExists, tx.ID)
	case errors.Is(err, ErrAlreadyExists):
		return fmt.Errorf("%w: %s", ErrAlreadyExists, tx.ID)
	default:
		return fmt.Errorf("create transaction %s: %w", tx.ID, err)
	}

	tx.Version = doc.Version
	tx.UpdatedAt = doc.UpdatedAt
	return nil
}

// Get loads a transaction; saga.ErrNotFound when unknown or expired.
func (s *Store) Get(ctx context.Context, id string) (*saga.Transaction, error) {
	raw, err := s.client.Get(ctx, s.docKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", saga.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get transaction %s: %w", id, err)
	}
	return decode(id, raw)
}

// Update replaces the stored document if its version still equals tx.Version.
// On success tx.Version is incremented; a terminal status leaves the active index.
func (s *Store) Update(ctx context.Context, tx *saga.Transaction) error {
	key := s.docKey(tx.ID)
	expected := tx.Version
	doc := *tx
	doc.Version = expected + 1
	doc.UpdatedAt = s.now().UTC()
	data, err := json.Marshal(&doc)
	if err != nil {
		return fmt.Errorf("marshal transaction %s: %w", tx.ID, err)
	}

	err = s.client.Watch(ctx, func(rtx *redis.Tx) error {
		raw, err := rtx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return saga.ErrNotFound
		}
		if err != nil {
			return err
		}
		var cur struct {
			Version int64 `json:"version"`
		}
		if err := json.Unmarshal(raw, &cur); err != nil {
			return fmt.Errorf("decode stored version: %w", err)
		}
		if cur.Version != expected {
			return fmt.Errorf("%w: %s expected %d, stored %d", ErrVersionConflict, tx.ID, expected, cur.Version)
		}

		_, err = rtx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, key, data, s.TTL(tx))
			if tx.Status.Terminal() {
				p.ZRem(ctx, s.activeKey(), tx.ID)
			} else {
				p.ZAdd(ctx, s.activeKey(), redis.Z{Score: float64(tx.CreatedAt.UnixMilli()), Member: tx.ID})
			}
			return nil
		})
		return err
	}, key)
	switch {
	case err == nil:
	case errors.Is(err, redis.TxFailedErr):
		return fmt.Errorf("%w: %s changed during update", ErrVersionConflict, tx.ID)
	case errors.Is(err, saga.ErrNotFound):
		return fmt.Errorf("%w: %s", saga.ErrNotFound, tx.ID)
	case errors.Is(err, ErrVersionConflict):
		return err
	default:
		return fmt.Errorf("update transaction %s: %w", tx.ID, err)
	}

	tx.Version = doc.Version
	tx.UpdatedAt = doc.UpdatedAt
	return nil
}

// ListActive returns the non-terminal transactions, oldest first. Index
// entries whose document expired or became terminal are dropped.
func (s *Store) ListActive(ctx context.Context) ([]*saga.Transaction, error) {
	ids, err := s.client.ZRange(ctx, s.activeKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list active: %w", err)
	}

	out := make([]*saga.Transaction, 0, len(ids))
	var stale []interface{}
	for start := 0; start < len(ids); start += mgetBatch {
		end := start + mgetBatch
		if end > len(ids) {
			end = len(ids)
		}
		batch := ids[start:end]
		keys := make([]string, len(batch))
		for i, id := range batch {
			keys[i] = s.docKey(id)
		}

		vals, err := s.client.MGet(ctx, keys...).Result()
		if err != nil {
			return nil, fmt.Errorf("load active: %w", err)
		}
		for i, v := range vals {
			raw, ok := v.(string)
			if !ok {
				stale = append(stale, batch[i])
				continue
			}
			tx, err := decode(batch[i], []byte(raw))
			if err != nil {
				s.log.WithSaga(batch[i]).WithError(err).Warn("skipping undecodable transaction")
				continue
			}
			if tx.Status.Terminal() {
				stale = append(stale, batch[i])
				continue
			}
			out = append(out, tx)
		}
	}

	if len(stale) > 0 {
		if err := s.client.ZRem(ctx, s.activeKey(), stale...).Err(); err != nil {
			s.log.WithError(err).Warnf("prune active index failed", map[string]interface{}{"count": len(stale)})
		}
	}
	return out, nil
}

// ActiveCount is the size of the active index, expired entries included.
func (s *Store) ActiveCount(ctx context.Context) (int64, error) {
	return s.client.ZCard(ctx, s.activeKey()).Result()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func decode(id string, raw []byte) (*saga.Transaction, error) {
	var tx saga.Transaction
	if err := json.Unmarshal(raw, &tx); err != nil {
		return nil, fmt.Errorf("decode transaction %s: %w", id, err)
	}
	return &tx, nil
}
