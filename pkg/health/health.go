package health

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

type Status string

const (
	StatusUp       Status = "up"
	StatusDown     Status = "down"
	StatusDegraded Status = "degraded"
	StatusHealthy  Status = "healthy"
)

type Checker interface {
	Name() string
	Check(ctx context.Context) CheckResult
}

type CheckResult struct {
	Status  Status        `json:"status"`
	Latency time.Duration `json:"latency"`
	Message string        `json:"message,omitempty"`
}

// Response 是 /health/ 的响应体；services 汇总每个依赖的状态字符串
type Response struct {
	Status       Status                 `json:"status"`
	Timestamp    time.Time              `json:"timestamp"`
	Version      string                 `json:"version,omitempty"`
	Environment  string                 `json:"environment,omitempty"`
	Services     map[string]string      `json:"services,omitempty"`
	Dependencies map[string]CheckResult `json:"dependencies,omitempty"`
}

type Health struct {
	version     string
	environment string

	mu       sync.RWMutex
	checkers []Checker
	static   map[string]string
	ready    atomic.Bool
	now      func() time.Time
}

const defaultCheckTimeout = 2 * time.Second

func New(version, environment string) *Health {
	return &Health{
		version:     version,
		environment: environment,
		static:      make(map[string]string),
		now:         time.Now,
	}
}

func (h *Health) Register(c Checker) {
	if c == nil {
		return
	}
	h.mu.Lock()
	h.checkers = append(h.checkers, c)
	h.mu.Unlock()
}

// RegisterStatic 登记一个不做探测的依赖（如下游服务地址），只在 services 中展示
func (h *Health) RegisterStatic(name, state string) {
	if name == "" {
		return
	}
	h.mu.Lock()
	h.static[name] = state
	h.mu.Unlock()
}

func (h *Health) SetReady(ready bool) {
	h.ready.Store(ready)
}

func (h *Health) IsReady() bool {
	return h.ready.Load()
}

// Live 存活检查（只检查进程是否响应）
func (h *Health) Live() Response {
	return Response{Status: StatusUp, Timestamp: h.now().UTC()}
}

// Ready 就绪检查（检查所有依赖）
func (h *Health) Ready(ctx context.Context) Response {
	deps := h.runChecks(ctx)
	status := summarize(deps)
	if !h.IsReady() || status != StatusHealthy {
		status = StatusDown
	}
	return Response{Status: status, Timestamp: h.now().UTC(), Dependencies: deps}
}

// Health 完整健康检查
func (h *Health) Health(ctx context.Context) Response {
	deps := h.runChecks(ctx)
	status := summarize(deps)
	if !h.IsReady() {
		status = StatusDegraded
	}

	h.mu.RLock()
	services := make(map[string]string, len(deps)+len(h.static))
	for name, state := range h.static {
		services[name] = state
	}
	h.mu.RUnlock()
	for name, res := range deps {
		services[name] = string(res.Status)
	}

	return Response{
		Status:       status,
		Timestamp:    h.now().UTC(),
		Version:      h.version,
		Environment:  h.environment,
		Services:     services,
		Dependencies: deps,
	}
}

// Services 返回已登记依赖的名称（排序后）
func (h *Health) Services() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	names := make([]string, 0, len(h.checkers)+len(h.static))
	for _, c := range h.checkers {
		names = append(names, c.Name())
	}
	for name := range h.static {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (h *Health) runChecks(ctx context.Context) map[string]CheckResult {
	h.mu.RLock()
	checkers := append([]Checker(nil), h.checkers...)
	h.mu.RUnlock()
	if len(checkers) == 0 {
		return nil
	}

	parent := ctx
	if parent == nil {
		parent = context.Background()
	}

	results := make(map[string]CheckResult, len(checkers))
	var mu sync.Mutex
	var wg sync.WaitGroup
	wg.Add(len(checkers))

	for _, c := range checkers {
		go func(c Checker) {
			defer wg.Done()
			name := c.Name()
			if name == "" {
				name = "unknown"
			}

			start := time.Now()
			depCtx, cancel := context.WithTimeout(parent, defaultCheckTimeout)
			defer cancel()

			resCh := make(chan CheckResult, 1)
			go func() {
				resCh <- c.Check(depCtx)
			}()

			var res CheckResult
			select {
			case res = <-resCh:
			case <-depCtx.Done():
				res = CheckResult{Status: StatusDown, Latency: time.Since(start), Message: "timeout"}
			}

			if res.Latency <= 0 {
				res.Latency = time.Since(start)
			}
			if res.Status == "" {
				res.Status = StatusDown
			}

			mu.Lock()
			results[name] = res
			mu.Unlock()
		}(c)
	}

	wg.Wait()
	return results
}

func summarize(deps map[string]CheckResult) Status {
	for _, r := range deps {
		if r.Status != StatusUp {
			return StatusDegraded // 任一依赖异常则整体 degraded
		}
	}
	return StatusHealthy
}

func statusCode(s Status) int {
	if s == StatusUp || s == StatusHealthy {
		return http.StatusOK
	}
	return http.StatusServiceUnavailable
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Health) LiveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := h.Live()
		writeJSON(w, statusCode(resp.Status), resp)
	}
}

func (h *Health) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := h.Ready(r.Context())
		writeJSON(w, statusCode(resp.Status), resp)
	}
}

// HealthHandler 总是返回 200，降级体现在 status 字段
func (h *Health) HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, h.Health(r.Context()))
	}
}

type postgresChecker struct {
	db *sql.DB
}

func NewPostgresChecker(db *sql.DB) Checker {
	return &postgresChecker{db: db}
}

func (c *postgresChecker) Name() string { return "postgres" }

func (c *postgresChecker) Check(ctx context.Context) CheckResult {
	if c == nil || c.db == nil {
		return CheckResult{Status: StatusDown, Message: "nil db"}
	}
	start := time.Now()
	err := c.db.PingContext(ctx)
	lat := time.Since(start)
	if err != nil {
		return CheckResult{Status: StatusDown, Latency: lat, Message: err.Error()}
	}
	return CheckResult{Status: StatusUp, Latency: lat}
}

type redisChecker struct {
	client redis.UniversalClient
}

func NewRedisChecker(client redis.UniversalClient) Checker {
	return &redisChecker{client: client}
}

func (c *redisChecker) Name() string { return "redis" }

func (c *redisChecker) Check(ctx context.Context) CheckResult {
	if c == nil || c.client == nil {
		return CheckResult{Status: StatusDown, Message: "nil redis client"}
	}
	start := time.Now()
	err := c.client.Ping(ctx).Err()
	lat := time.Since(start)
	if err != nil {
		return CheckResult{Status: StatusDown, Latency: lat, Message: err.Error()}
	}
	return CheckResult{Status: StatusUp, Latency: lat}
}
