// Package events fans saga lifecycle events out to Redis pub/sub (live
// watchers), a Redis Stream (durable history) and the audit trail.
package events

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/exchange/saga/internal/saga"
	"github.com/exchange/saga/pkg/audit"
	"github.com/exchange/saga/pkg/logger"
	redisx "github.com/exchange/saga/pkg/redis"
)

const (
	DefaultChannelTemplate = "saga:{sagaId}:events"
	DefaultStream          = "saga:events"

	placeholder = "{sagaId}"
)

type Options struct {
	// ChannelTemplate must contain {sagaId}.
	ChannelTemplate string
	// Stream is the Redis Stream name, "" disables the stream.
	Stream       string
	StreamMaxLen int64
	// Audit is optional.
	Audit  audit.Logger
	Logger *logger.Logger
}

// Publisher never fails the caller: delivery errors are logged.
type Publisher struct {
	client   redis.UniversalClient
	streams  *redisx.StreamClient
	channel  string
	stream   string
	auditLog audit.Logger
	log      *logger.Logger
}

func NewPublisher(client redis.UniversalClient, opts Options) *Publisher {
	if opts.ChannelTemplate == "" || !strings.Contains(opts.ChannelTemplate, placeholder) {
		opts.ChannelTemplate = DefaultChannelTemplate
	}
	if opts.Logger == nil {
		opts.Logger = logger.Nop()
	}
	return &Publisher{
		client:   client,
		streams:  redisx.NewStreamClient(client, opts.StreamMaxLen),
		channel:  opts.ChannelTemplate,
		stream:   opts.Stream,
		auditLog: opts.Audit,
		log:      opts.Logger,
	}
}

// Channel returns the pub/sub channel of one transaction.
func (p *Publisher) Channel(sagaID string) string {
	return ChannelFor(p.channel, sagaID)
}

// Template returns the configured channel template.
func (p *Publisher) Template() string {
	return p.channel
}

func (p *Publisher) Publish(ctx context.Context, ev saga.Event) {
	log := p.log.WithSaga(ev.SagaID).WithField("event", string(ev.Type))

	data, err := json.Marshal(ev)
	if err != nil {
		log.WithError(err).Error("encode event failed")
		return
	}

	if err := p.client.Publish(ctx, p.Channel(ev.SagaID), data).Err(); err != nil {
		log.WithError(err).Warn("publish event failed")
	}

	if p.stream != "" {
		if _, err := p.streams.Publish(ctx, p.stream, ev); err != nil {
			log.WithError(err).Warn("append event to stream failed")
		}
	}

	if p.auditLog != nil {
		if err := p.auditLog.Log(ctx, AuditEntry(ev)); err != nil {
			log.WithError(err).Warn("audit event failed")
		}
	}
}

// History reads up to count events from the stream, oldest first.
func (p *Publisher) History(ctx context.Context, count int64) ([]saga.Event, error) {
	if p.stream == "" {
		return nil, nil
	}
	msgs, err := p.streams.Range(ctx, p.stream, "-", "+", count)
	if err != nil {
		return nil, err
	}
	out := make([]saga.Event, 0, len(msgs))
	for _, m := range msgs {
		var ev saga.Event
		if err := json.Unmarshal(m.Data, &ev); err != nil {
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}

// AuditEntry maps a lifecycle event onto an audit row.
func AuditEntry(ev saga.Event) *audit.AuditLog {
	entry := audit.NewLog(ev.SagaID, string(ev.Type)).WithStep(ev.StepID, string(ev.Status))
	entry.Timestamp = ev.Timestamp.UnixMilli()
	if ev.Type == saga.EventOverridden {
		entry.WithActor(audit.ActorOperator, ev.RequestID).
			WithParams(map[string]interface{}{
				"previous_status": string(ev.Previous),
				"status":          string(ev.Status),
			})
	}
	if ev.Error != "" {
		entry.WithResult(false, ev.Error)
	}
	return entry
}

// ChannelFor expands the {sagaId} placeholder of template.
func ChannelFor(template, sagaID string) string {
	return strings.Replace(template, placeholder, sagaID, 1)
}

// Pattern turns the template into a PSUBSCRIBE pattern.
func Pattern(template string) string {
	return strings.Replace(template, placeholder, "*", 1)
}

// ParseChannel extracts the saga id from a concrete channel name.
func ParseChannel(template, channel string) (string, bool) {
	parts := strings.SplitN(template, placeholder, 2)
	if len(parts) != 2 {
		return "", false
	}
	if !strings.HasPrefix(channel, parts[0]) || !strings.HasSuffix(channel, parts[1]) {
		return "", false
	}
	id := strings.TrimSuffix(strings.TrimPrefix(channel, parts[0]), parts[1])
	if id == "" {
		return "", false
	}
	return id, true
}
