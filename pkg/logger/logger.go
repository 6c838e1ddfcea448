// Package logger 基于 zerolog 的结构化 JSON 日志
package logger

import (
	"context"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

type ctxKey string

const (
	traceIDKey ctxKey = "traceID"
	spanIDKey  ctxKey = "spanID"
)

func init() {
	zerolog.TimestampFieldName = "timestamp"
}

type Logger struct {
	logger zerolog.Logger
}

// New 创建 info 级别的 logger，w 为 nil 时写 stdout
func New(service string, w io.Writer) *Logger {
	return NewWithLevel(service, "info", w)
}

// NewWithLevel 按 LOG_LEVEL 字符串（debug/info/warn/error）创建 logger，无法识别时回退 info
func NewWithLevel(service, level string, w io.Writer) *Logger {
	if w == nil {
		w = os.Stdout
	}

	l := zerolog.New(w).Level(ParseLevel(level)).With().
		Timestamp().
		Str("service", service).
		Logger()

	return &Logger{logger: l}
}

func ParseLevel(level string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}

// Nop 丢弃所有输出，测试用
func Nop() *Logger {
	return &Logger{logger: zerolog.Nop()}
}

// Zerolog 暴露底层 logger，供需要原生 zerolog 的适配器使用
func (l *Logger) Zerolog() zerolog.Logger {
	return l.logger
}

func (l *Logger) WithContext(ctx context.Context) *Logger {
	traceID := TraceIDFromContext(ctx)
	if traceID == "" {
		return l
	}

	updated := l.logger.With().
		Str("traceID", traceID).
		Str("spanID", SpanIDFromContext(ctx)).
		Logger()

	return &Logger{logger: updated}
}

func (l *Logger) Debug(msg string) {
	l.logger.Debug().Msg(msg)
}

func (l *Logger) Info(msg string) {
	l.logger.Info().Msg(msg)
}

func (l *Logger) Warn(msg string) {
	l.logger.Warn().Msg(msg)
}

func (l *Logger) Error(msg string) {
	l.logger.Error().Msg(msg)
}

// Fatal 记录后以状态码 1 退出进程，仅用于启动阶段
func (l *Logger) Fatal(msg string) {
	l.logger.Fatal().Msg(msg)
}

// Debugf 带字段的 Debug 日志
func (l *Logger) Debugf(msg string, fields map[string]interface{}) {
	l.logger.Debug().Fields(fields).Msg(msg)
}

// Infof 带字段的 Info 日志
func (l *Logger) Infof(msg string, fields map[string]interface{}) {
	l.logger.Info().Fields(fields).Msg(msg)
}

// Warnf 带字段的 Warn 日志
func (l *Logger) Warnf(msg string, fields map[string]interface{}) {
	l.logger.Warn().Fields(fields).Msg(msg)
}

// Errorf 带字段的 Error 日志
func (l *Logger) Errorf(msg string, fields map[string]interface{}) {
	l.logger.Error().Fields(fields).Msg(msg)
}

// WithError 添加错误字段
func (l *Logger) WithError(err error) *Logger {
	return &Logger{logger: l.logger.With().Err(err).Logger()}
}

// WithField 添加单个字段
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return &Logger{logger: l.logger.With().Interface(key, value).Logger()}
}

// WithSaga 绑定事务 ID，后续日志都带 sagaID
func (l *Logger) WithSaga(sagaID string) *Logger {
	return &Logger{logger: l.logger.With().Str("sagaID", sagaID).Logger()}
}

func (l *Logger) WithStep(sagaID, stepID string) *Logger {
	return &Logger{logger: l.logger.With().Str("sagaID", sagaID).Str("stepID", stepID).Logger()}
}

func ContextWithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

func ContextWithSpanID(ctx context.Context, spanID string) context.Context {
	return context.WithValue(ctx, spanIDKey, spanID)
}

func TraceIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	value, _ := ctx.Value(traceIDKey).(string)
	return value
}

func SpanIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	value, _ := ctx.Value(spanIDKey).(string)
	return value
}
