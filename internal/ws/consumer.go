package ws

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"

	"github.com/exchange/saga/internal/events"
	"github.com/exchange/saga/internal/saga"
	"github.com/exchange/saga/pkg/logger"
)

// Consumer listens for lifecycle events on Redis pub/sub and broadcasts them to watchers.
type Consumer struct {
	client          redis.UniversalClient
	hub             *Hub
	channelTemplate string
	log             *logger.Logger
}

func NewConsumer(client redis.UniversalClient, hub *Hub, channelTemplate string, log *logger.Logger) *Consumer {
	if channelTemplate == "" {
		channelTemplate = events.DefaultChannelTemplate
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Consumer{
		client:          client,
		hub:             hub,
		channelTemplate: channelTemplate,
		log:             log,
	}
}

// Run starts the pub/sub loop and blocks until ctx ends.
func (c *Consumer) Run(ctx context.Context) error {
	pubsub := c.client.PSubscribe(ctx, events.Pattern(c.channelTemplate))
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			c.handleMessage(msg.Channel, msg.Payload)
		}
	}
}

func (c *Consumer) handleMessage(channel, payload string) {
	var ev saga.Event
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		c.log.WithError(err).Warnf("saga event decode error", map[string]interface{}{"channel": channel})
		return
	}

	sagaID := ev.SagaID
	if sagaID == "" {
		if parsed, ok := events.ParseChannel(c.channelTemplate, channel); ok {
			sagaID = parsed
		}
	}
	if sagaID == "" {
		c.log.Warnf("saga event missing saga id", map[string]interface{}{"channel": channel})
		return
	}
	ev.SagaID = sagaID

	message, err := json.Marshal(WatchMessage{Type: MessageEvent, Event: &ev})
	if err != nil {
		c.log.WithError(err).Error("saga event encode error")
		return
	}
	c.hub.Broadcast(sagaID, message, ev.Final())
}
