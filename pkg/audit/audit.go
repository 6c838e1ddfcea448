// Package audit 事务审计日志：append-only 写入 PostgreSQL，参数先脱敏
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode"
)

const (
	ActorSystem   = "system"
	ActorOperator = "operator"

	ResultSuccess = "SUCCESS"
	ResultFailed  = "FAILED"
)

// ErrNotConfigured 未配置审计库
var ErrNotConfigured = errors.New("audit: not configured")

type AuditLog struct {
	ID        int64  `json:"id"`
	SagaID    string `json:"sagaId"`
	EventType string `json:"eventType"`
	StepID    string `json:"stepId,omitempty"`
	Status    string `json:"status,omitempty"`
	Actor     string `json:"actor"`
	Params    string `json:"params"` // JSON，已脱敏
	Result    string `json:"result"`
	ErrorMsg  string `json:"errorMsg,omitempty"`
	Timestamp int64  `json:"timestamp"` // Unix 毫秒
	RequestID string `json:"requestId,omitempty"`
}

type Logger interface {
	Log(ctx context.Context, log *AuditLog) error
	Query(ctx context.Context, filter *QueryFilter) ([]*AuditLog, error)
}

type QueryFilter struct {
	SagaID    string
	EventType string
	StartTime int64
	EndTime   int64
	Limit     int
	Offset    int
}

// NewLog 创建审计日志，默认由系统产生且成功
func NewLog(sagaID, eventType string) *AuditLog {
	return &AuditLog{
		SagaID:    sagaID,
		EventType: eventType,
		Actor:     ActorSystem,
		Timestamp: time.Now().UnixMilli(),
		Result:    ResultSuccess,
		Params:    "{}",
	}
}

func (l *AuditLog) WithStep(stepID, status string) *AuditLog {
	l.StepID = stepID
	l.Status = status
	return l
}

func (l *AuditLog) WithActor(actor, requestID string) *AuditLog {
	l.Actor = actor
	l.RequestID = requestID
	return l
}

// WithParams 设置参数（自动脱敏敏感字段）
func (l *AuditLog) WithParams(params map[string]interface{}) *AuditLog {
	b, err := json.Marshal(SanitizeParams(params))
	if err != nil {
		l.Params = "{}"
		return l
	}
	l.Params = string(b)
	return l
}

func (l *AuditLog) WithResult(success bool, errMsg string) *AuditLog {
	if success {
		l.Result = ResultSuccess
		l.ErrorMsg = ""
		return l
	}
	l.Result = ResultFailed
	l.ErrorMsg = errMsg
	return l
}

// SanitizeParams 脱敏敏感参数，返回新的 map
func SanitizeParams(params map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(params))
	for k, v := range params {
		out[k] = sanitizeValue(k, v)
	}
	return out
}

func sanitizeValue(key string, value interface{}) interface{} {
	if isSensitiveKey(key) {
		return "***"
	}

	switch typed := value.(type) {
	case map[string]interface{}:
		return SanitizeParams(typed)
	case []interface{}:
		cp := make([]interface{}, 0, len(typed))
		for i, item := range typed {
			// 数组元素使用索引作为 key，避免父级 key 误判
			cp = append(cp, sanitizeValue(fmt.Sprintf("[%d]", i), item))
		}
		return cp
	case string:
		if looksLikeAccountNumber(typed) {
			return maskPreserveEnds(typed, 2, 2)
		}
		return typed
	default:
		return value
	}
}

var sensitiveFragments = []string{
	"password", "passwd", "pwd", "secret", "token", "apikey", "api_key",
	"privatekey", "private_key", "authorization", "credential", "cvv",
}

func isSensitiveKey(key string) bool {
	k := strings.ToLower(strings.TrimSpace(key))
	if k == "" {
		return false
	}
	if k == "key" || strings.HasSuffix(k, "_key") {
		return true
	}
	for _, frag := range sensitiveFragments {
		if strings.Contains(k, frag) {
			return true
		}
	}
	return false
}

// looksLikeAccountNumber 卡号/账号：长度足够且几乎全是数字
func looksLikeAccountNumber(value string) bool {
	if len(value) < 12 {
		return false
	}
	digits := 0
	for _, r := range value {
		if unicode.IsDigit(r) {
			digits++
		}
	}
	return digits >= len(value)-3
}

func maskPreserveEnds(s string, prefixKeep, suffixKeep int) string {
	runes := []rune(s)
	if len(runes) <= prefixKeep+suffixKeep {
		return "***"
	}
	maskedLen := len(runes) - prefixKeep - suffixKeep
	return string(runes[:prefixKeep]) + strings.Repeat("*", maskedLen) + string(runes[len(runes)-suffixKeep:])
}

// DBLogger 使用 PostgreSQL（database/sql）存储审计日志，默认异步写入，不阻塞事务执行。
// 表名固定为 saga_audit_logs，驱动由调用方 import（github.com/lib/pq）。
type DBLogger struct {
	db *sql.DB

	mu          sync.RWMutex
	closed      bool
	insertQueue chan *AuditLog
	wg          sync.WaitGroup

	writeTimeout time.Duration
	onError      func(error)
}

type DBLoggerOption func(*dbLoggerOptions)

type dbLoggerOptions struct {
	queueSize    int
	workers      int
	writeTimeout time.Duration
	onError      func(error)
	skipWorker   bool
}

func WithQueueSize(size int) DBLoggerOption {
	return func(o *dbLoggerOptions) {
		if size > 0 {
			o.queueSize = size
		}
	}
}

func WithWorkers(n int) DBLoggerOption {
	return func(o *dbLoggerOptions) {
		if n > 0 {
			o.workers = n
		}
	}
}

func WithErrorHandler(fn func(error)) DBLoggerOption {
	return func(o *dbLoggerOptions) {
		if fn != nil {
			o.onError = fn
		}
	}
}

// WithSynchronousWrite 让 Log() 直接写数据库
func WithSynchronousWrite() DBLoggerOption {
	return func(o *dbLoggerOptions) {
		o.skipWorker = true
	}
}

func NewDBLogger(db *sql.DB, opts ...DBLoggerOption) (*DBLogger, error) {
	if db == nil {
		return nil, errors.New("audit: db is nil")
	}

	cfg := dbLoggerOptions{
		queueSize:    4096,
		workers:      2,
		writeTimeout: 5 * time.Second,
		onError:      func(error) {},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}

	l := &DBLogger{
		db:           db,
		writeTimeout: cfg.writeTimeout,
		onError:      cfg.onError,
	}
	if cfg.skipWorker {
		return l, nil
	}

	l.insertQueue = make(chan *AuditLog, cfg.queueSize)
	for i := 0; i < cfg.workers; i++ {
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			for item := range l.insertQueue {
				ctx, cancel := context.WithTimeout(context.Background(), l.writeTimeout)
				if err := l.insert(ctx, item); err != nil {
					l.onError(fmt.Errorf("audit: insert %s/%s: %w", item.SagaID, item.EventType, err))
				}
				cancel()
			}
		}()
	}

	return l, nil
}

// Close 停止接收新日志，写完队列中剩余的日志后返回
func (l *DBLogger) Close() {
	if l == nil {
		return
	}
	l.mu.Lock()
	if !l.closed && l.insertQueue != nil {
		close(l.insertQueue)
	}
	l.closed = true
	l.mu.Unlock()
	l.wg.Wait()
}

func (l *DBLogger) Log(ctx context.Context, log *AuditLog) error {
	if l == nil || log == nil {
		return nil
	}

	if strings.TrimSpace(log.Params) == "" {
		log.Params = "{}"
	}
	if log.Timestamp == 0 {
		log.Timestamp = time.Now().UnixMilli()
	}
	if log.Actor == "" {
		log.Actor = ActorSystem
	}

	if l.insertQueue == nil {
		return l.insert(ctx, log)
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return errors.New("audit: logger closed")
	}
	select {
	case l.insertQueue <- log:
	default:
		// 队列满：通知错误处理器，但不阻塞主流程
		l.onError(errors.New("audit: queue full, log dropped"))
	}
	return nil
}

func (l *DBLogger) Query(ctx context.Context, filter *QueryFilter) ([]*AuditLog, error) {
	if l == nil || l.db == nil {
		return nil, ErrNotConfigured
	}

	var (
		where []string
		args  []interface{}
	)
	add := func(cond string, v interface{}) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}

	limit, offset := 100, 0
	if filter != nil {
		if filter.SagaID != "" {
			add("saga_id = $%d", filter.SagaID)
		}
		if filter.EventType != "" {
			add("event_type = $%d", filter.EventType)
		}
		if filter.StartTime != 0 {
			add("timestamp >= $%d", filter.StartTime)
		}
		if filter.EndTime != 0 {
			add("timestamp <= $%d", filter.EndTime)
		}
		if filter.Limit > 0 {
			limit = filter.Limit
		}
		if filter.Offset > 0 {
			offset = filter.Offset
		}
	}

	query := `
SELECT id, saga_id, event_type, step_id, status, actor, params, result, error_msg, timestamp, request_id
FROM saga_audit_logs
`
	if len(where) > 0 {
		query += "WHERE " + strings.Join(where, " AND ") + "\n"
	}
	query += "ORDER BY timestamp DESC, id DESC\n"
	query += fmt.Sprintf("LIMIT %d OFFSET %d", limit, offset)

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []*AuditLog
	for rows.Next() {
		var item AuditLog
		if err := rows.Scan(
			&item.ID,
			&item.SagaID,
			&item.EventType,
			&item.StepID,
			&item.Status,
			&item.Actor,
			&item.Params,
			&item.Result,
			&item.ErrorMsg,
			&item.Timestamp,
			&item.RequestID,
		); err != nil {
			return nil, err
		}
		logs = append(logs, &item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return logs, nil
}

func (l *DBLogger) insert(ctx context.Context, log *AuditLog) error {
	const stmt = `
INSERT INTO saga_audit_logs (
  saga_id, event_type, step_id, status, actor, params, result, error_msg, timestamp, request_id
) VALUES (
  $1,$2,$3,$4,$5,$6,$7,$8,$9,$10
)
`
	_, err := l.db.ExecContext(ctx, stmt,
		log.SagaID,
		log.EventType,
		log.StepID,
		log.Status,
		log.Actor,
		log.Params,
		log.Result,
		log.ErrorMsg,
		log.Timestamp,
		log.RequestID,
	)
	return err
}

// CreateTableSQL saga_audit_logs 表结构（启动时执行，幂等）
const CreateTableSQL = `
CREATE TABLE IF NOT EXISTS saga_audit_logs (
  id BIGSERIAL PRIMARY KEY,
  saga_id VARCHAR(64) NOT NULL,
  event_type VARCHAR(64) NOT NULL,
  step_id VARCHAR(64) NOT NULL DEFAULT '',
  status VARCHAR(32) NOT NULL DEFAULT '',
  actor VARCHAR(32) NOT NULL DEFAULT 'system',
  params JSONB NOT NULL DEFAULT '{}'::jsonb,
  result VARCHAR(16) NOT NULL DEFAULT 'SUCCESS',
  error_msg TEXT NOT NULL DEFAULT '',
  timestamp BIGINT NOT NULL,
  request_id VARCHAR(128) NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_saga_audit_saga_ts ON saga_audit_logs(saga_id, timestamp DESC);
CREATE INDEX IF NOT EXISTS idx_saga_audit_event_ts ON saga_audit_logs(event_type, timestamp DESC);
`

// Migrate 创建审计表
func Migrate(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, CreateTableSQL)
	return err
}
