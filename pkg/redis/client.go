// Package redis Redis 客户端封装
package redis

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Config Redis 配置
type Config struct {
	Addr         string        `json:"addr" yaml:"addr"`
	Password     string        `json:"password" yaml:"password"`
	DB           int           `json:"db" yaml:"db"`
	PoolSize     int           `json:"poolSize" yaml:"poolSize"`
	MinIdleConns int           `json:"minIdleConns" yaml:"minIdleConns"`
	DialTimeout  time.Duration `json:"dialTimeout" yaml:"dialTimeout"`
	ReadTimeout  time.Duration `json:"readTimeout" yaml:"readTimeout"`
	WriteTimeout time.Duration `json:"writeTimeout" yaml:"writeTimeout"`
	TLS          *tls.Config   `json:"-" yaml:"-"`
}

// DefaultConfig 默认配置
var DefaultConfig = Config{
	Addr:         "localhost:6379",
	PoolSize:     100,
	MinIdleConns: 10,
	DialTimeout:  5 * time.Second,
	ReadTimeout:  3 * time.Second,
	WriteTimeout: 3 * time.Second,
}

// Client Redis 客户端封装
type Client struct {
	*redis.Client
}

// NewClient 创建客户端并 Ping 一次，连接失败时返回错误
func NewClient(ctx context.Context, cfg *Config) (*Client, error) {
	if cfg == nil {
		cfg = &DefaultConfig
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		TLSConfig:    cfg.TLS,
	})

	dialTimeout := cfg.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = DefaultConfig.DialTimeout
	}
	pingCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}

	return &Client{Client: client}, nil
}

var (
	releaseScript = redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("del", KEYS[1])
		else
			return 0
		end
	`)
	extendScript = redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("pexpire", KEYS[1], ARGV[2])
		else
			return 0
		end
	`)
)

// ErrLockLost 锁已过期或被他人持有
var ErrLockLost = errors.New("redis: lock lost")

// Lock 分布式锁，value 为随机 owner token，只有持有者能续期和释放
type Lock struct {
	client redis.UniversalClient
	key    string
	value  string
	ttl    time.Duration
}

// NewLock 创建锁
func NewLock(client redis.UniversalClient, key string, ttl time.Duration) *Lock {
	return &Lock{
		client: client,
		key:    key,
		value:  uuid.NewString(),
		ttl:    ttl,
	}
}

func (l *Lock) Key() string   { return l.key }
func (l *Lock) Owner() string { return l.value }

// Acquire 获取锁
func (l *Lock) Acquire(ctx context.Context) (bool, error) {
	return l.client.SetNX(ctx, l.key, l.value, l.ttl).Result()
}

// Release 释放锁（仅释放自己持有的锁）
func (l *Lock) Release(ctx context.Context) (bool, error) {
	n, err := releaseScript.Run(ctx, l.client, []string{l.key}, l.value).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Extend 延长锁时间
func (l *Lock) Extend(ctx context.Context, ttl time.Duration) (bool, error) {
	n, err := extendScript.Run(ctx, l.client, []string{l.key}, l.value, ttl.Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// KeepAlive 每 ttl/3 续期一次，直到 ctx 结束或返回的 stop 被调用。
// 续期发现锁已不属于自己，或距上次成功续期已超过 ttl（锁必然已过期）时，
// 调用 onLost（最多一次）并退出；期间的网络错误只会重试。
func (l *Lock) KeepAlive(ctx context.Context, onLost func(error)) (stop func()) {
	interval := l.ttl / 3
	if interval <= 0 {
		interval = time.Second
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		lastExtended := time.Now()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				ok, err := l.Extend(ctx, l.ttl)
				if err != nil {
					if ctx.Err() != nil {
						return
					}
					if time.Since(lastExtended) < l.ttl {
						continue
					}
					if onLost != nil {
						onLost(fmt.Errorf("%w: extend failing since %s: %v", ErrLockLost, lastExtended.Format(time.RFC3339Nano), err))
					}
					return
				}
				if !ok {
					if onLost != nil {
						onLost(ErrLockLost)
					}
					return
				}
				lastExtended = time.Now()
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}

// NonceStore 基于 Redis 的 nonce 存储（SET NX 带过期），供签名校验防重放
type NonceStore struct {
	client redis.UniversalClient
	prefix string
}

func NewNonceStore(client redis.UniversalClient, prefix string) *NonceStore {
	if prefix == "" {
		prefix = "saga:nonce:"
	}
	return &NonceStore{client: client, prefix: prefix}
}

// Exists 记录 nonce；已存在时返回 true
func (s *NonceStore) Exists(nonce string, expireAt time.Time) (bool, error) {
	ttl := time.Until(expireAt)
	if ttl <= 0 {
		ttl = time.Minute
	}
	ok, err := s.client.SetNX(context.Background(), s.prefix+nonce, "1", ttl).Result()
	if err != nil {
		return false, err
	}
	return !ok, nil
}
