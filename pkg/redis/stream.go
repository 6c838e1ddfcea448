package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// StreamClient Redis Streams 生产端，maxLen > 0 时按近似长度裁剪
type StreamClient struct {
	client redis.UniversalClient
	maxLen int64
}

// NewStreamClient 创建客户端
func NewStreamClient(client redis.UniversalClient, maxLen int64) *StreamClient {
	return &StreamClient{client: client, maxLen: maxLen}
}

// Publish 发布消息到 Stream，消息体 JSON 编码后放在 data 字段
func (c *StreamClient) Publish(ctx context.Context, stream string, msg interface{}) (string, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("marshal message: %w", err)
	}

	args := &redis.XAddArgs{
		Stream: stream,
		Values: map[string]interface{}{
			"data": string(data),
		},
	}
	if c.maxLen > 0 {
		args.MaxLen = c.maxLen
		args.Approx = true
	}

	id, err := c.client.XAdd(ctx, args).Result()
	if err != nil {
		return "", fmt.Errorf("xadd: %w", err)
	}

	return id, nil
}

// Message 消息
type Message struct {
	ID     string
	Stream string
	Data   []byte
}

// Range 按写入顺序读取 [start, end] 区间内最多 count 条消息
func (c *StreamClient) Range(ctx context.Context, stream, start, end string, count int64) ([]Message, error) {
	entries, err := c.client.XRangeN(ctx, stream, start, end, count).Result()
	if err != nil {
		return nil, fmt.Errorf("xrange: %w", err)
	}

	out := make([]Message, 0, len(entries))
	for _, e := range entries {
		data, _ := e.Values["data"].(string)
		out = append(out, Message{ID: e.ID, Stream: stream, Data: []byte(data)})
	}
	return out, nil
}
