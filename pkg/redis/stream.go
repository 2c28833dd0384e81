// Package redis Redis Streams 封装
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/exchange/saga-orchestrator/pkg/health"
	"github.com/exchange/saga-orchestrator/pkg/logger"
	"github.com/exchange/saga-orchestrator/pkg/tracing"
)

// StreamClient Redis Streams 客户端
type StreamClient struct {
	client redis.Cmdable
}

// NewStreamClient 创建客户端
func NewStreamClient(client redis.Cmdable) *StreamClient {
	return &StreamClient{client: client}
}

// Publish 发布消息到 Stream，data 字段为 JSON，并注入 trace
func (c *StreamClient) Publish(ctx context.Context, stream string, msg interface{}) (string, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("marshal message: %w", err)
	}

	values := map[string]interface{}{
		"data": string(data),
	}
	tracing.InjectRedisStream(ctx, values)

	id, err := c.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: values,
	}).Result()
	if err != nil {
		return "", fmt.Errorf("xadd: %w", err)
	}

	return id, nil
}

// EnsureGroup 创建消费者组（Stream 不存在时一并创建）
func (c *StreamClient) EnsureGroup(ctx context.Context, stream, group string) error {
	err := c.client.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create group: %w", err)
	}
	return nil
}

// Pending 返回消费者组未确认的消息数
func (c *StreamClient) Pending(ctx context.Context, stream, group string) (int64, error) {
	res, err := c.client.XPending(ctx, stream, group).Result()
	if err != nil {
		return 0, fmt.Errorf("xpending: %w", err)
	}
	return res.Count, nil
}

// Message 消息
type Message struct {
	ID     string
	Stream string
	Data   []byte
	Values map[string]interface{}
}

// Consumer 消费者
type Consumer struct {
	client   *StreamClient
	group    string
	consumer string
	streams  []string
	handler  MessageHandler
	opts     ConsumerOptions
	log      *logger.Logger
}

// MessageHandler 消息处理函数，返回 nil 时消息被 ACK
type MessageHandler func(ctx context.Context, msg *Message) error

// ConsumerOptions 消费者选项
type ConsumerOptions struct {
	BatchSize    int           // 每次读取的消息数
	BlockTime    time.Duration // 阻塞等待时间
	MaxRetries   int           // 最大重试次数
	ClaimMinIdle time.Duration // 认领空闲消息的最小时间
	// PendingCheckInterval 周期性处理 pending 的间隔
	PendingCheckInterval time.Duration

	Logger  *logger.Logger
	Monitor *health.LoopMonitor
	// OnHandlerError 处理失败回调（用于指标）
	OnHandlerError func(stream string, err error)
	// OnDLQ 消息进入死信流回调
	OnDLQ func(stream string)
}

// DefaultConsumerOptions 默认选项
var DefaultConsumerOptions = ConsumerOptions{
	BatchSize:            10,
	BlockTime:            5 * time.Second,
	MaxRetries:           3,
	ClaimMinIdle:         30 * time.Second,
	PendingCheckInterval: 30 * time.Second,
}

// NewConsumer 创建消费者，未设置的选项使用默认值
func NewConsumer(client *StreamClient, group, consumer string, streams []string, handler MessageHandler, opts *ConsumerOptions) *Consumer {
	o := DefaultConsumerOptions
	if opts != nil {
		o = *opts
		if o.BatchSize <= 0 {
			o.BatchSize = DefaultConsumerOptions.BatchSize
		}
		if o.BlockTime <= 0 {
			o.BlockTime = DefaultConsumerOptions.BlockTime
		}
		if o.PendingCheckInterval <= 0 {
			o.PendingCheckInterval = DefaultConsumerOptions.PendingCheckInterval
		}
		if o.ClaimMinIdle < 0 {
			o.ClaimMinIdle = DefaultConsumerOptions.ClaimMinIdle
		}
	}
	log := o.Logger
	if log == nil {
		log = logger.New("redis-stream", io.Discard)
	}
	return &Consumer{
		client:   client,
		group:    group,
		consumer: consumer,
		streams:  streams,
		handler:  handler,
		opts:     o,
		log:      log,
	}
}

// Start 启动消费，阻塞直到 ctx 结束或读取失败
func (c *Consumer) Start(ctx context.Context) error {
	// 确保消费者组存在
	for _, stream := range c.streams {
		if err := c.client.EnsureGroup(ctx, stream, c.group); err != nil {
			return err
		}
	}

	// 先处理 pending 消息
	if err := c.processPending(ctx); err != nil {
		return fmt.Errorf("process pending: %w", err)
	}

	// 消费新消息
	return c.consume(ctx)
}

// processPending 认领空闲的 pending 消息并重新处理，超过重试次数写入死信流
func (c *Consumer) processPending(ctx context.Context) error {
	for _, stream := range c.streams {
		for {
			pending, err := c.client.client.XPendingExt(ctx, &redis.XPendingExtArgs{
				Stream: stream,
				Group:  c.group,
				Start:  "-",
				End:    "+",
				Count:  int64(c.opts.BatchSize),
			}).Result()
			if err != nil {
				return fmt.Errorf("xpending: %w", err)
			}

			if len(pending) == 0 {
				break
			}

			ids := make([]string, 0, len(pending))
			dlqIDs := make(map[string]int64)
			for _, p := range pending {
				if p.Idle >= c.opts.ClaimMinIdle {
					ids = append(ids, p.ID)
					if c.opts.MaxRetries > 0 && p.RetryCount > int64(c.opts.MaxRetries) {
						dlqIDs[p.ID] = p.RetryCount
					}
				}
			}

			if len(ids) == 0 {
				break
			}

			messages, err := c.client.client.XClaim(ctx, &redis.XClaimArgs{
				Stream:   stream,
				Group:    c.group,
				Consumer: c.consumer,
				MinIdle:  c.opts.ClaimMinIdle,
				Messages: ids,
			}).Result()
			if err != nil {
				return fmt.Errorf("xclaim: %w", err)
			}
			if len(messages) == 0 {
				break
			}

			for _, m := range messages {
				if retryCount, toDLQ := dlqIDs[m.ID]; toDLQ {
					if err := c.sendToDLQ(ctx, stream, &m, fmt.Sprintf("max retries exceeded: %d", retryCount)); err != nil {
						c.log.WithError(err).Errorf("send to dlq", map[string]interface{}{"stream": stream, "msgId": m.ID})
						continue
					}
					if err := c.client.client.XAck(ctx, stream, c.group, m.ID).Err(); err != nil {
						c.log.WithError(err).Errorf("ack dlq message", map[string]interface{}{"stream": stream, "msgId": m.ID})
					}
					continue
				}

				if err := c.processMessage(ctx, stream, m); err != nil {
					c.log.WithError(err).Warnf("process pending message", map[string]interface{}{"stream": stream, "msgId": m.ID})
				}
			}
		}
	}
	return nil
}

// consume 消费新消息
func (c *Consumer) consume(ctx context.Context) error {
	args := make([]string, 0, len(c.streams)*2)
	args = append(args, c.streams...)
	for range c.streams {
		args = append(args, ">")
	}

	pendingTicker := time.NewTicker(c.opts.PendingCheckInterval)
	defer pendingTicker.Stop()

	for {
		c.tick()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-pendingTicker.C:
			if err := c.processPending(ctx); err != nil && ctx.Err() == nil {
				c.setError(err)
				c.log.WithError(err).Error("process pending")
			}
		default:
		}

		results, err := c.client.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    c.group,
			Consumer: c.consumer,
			Streams:  args,
			Count:    int64(c.opts.BatchSize),
			Block:    c.opts.BlockTime,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.setError(err)
			return fmt.Errorf("xreadgroup: %w", err)
		}

		for _, result := range results {
			for _, m := range result.Messages {
				if err := c.processMessage(ctx, result.Stream, m); err != nil {
					c.log.WithError(err).Warnf("process message", map[string]interface{}{"stream": result.Stream, "msgId": m.ID})
				}
			}
		}
	}
}

// processMessage 处理单条消息
func (c *Consumer) processMessage(ctx context.Context, stream string, m redis.XMessage) error {
	data, ok := m.Values["data"].(string)
	if !ok {
		// 无效消息，直接 ACK
		return c.client.client.XAck(ctx, stream, c.group, m.ID).Err()
	}

	msg := &Message{
		ID:     m.ID,
		Stream: stream,
		Data:   []byte(data),
		Values: m.Values,
	}

	msgCtx := tracing.ExtractRedisStream(ctx, m.Values)
	if err := c.handler(msgCtx, msg); err != nil {
		if c.opts.OnHandlerError != nil {
			c.opts.OnHandlerError(stream, err)
		}
		// 超过最大重试，写入死信流并 ACK
		if c.opts.MaxRetries > 0 {
			pending, pErr := c.client.client.XPendingExt(ctx, &redis.XPendingExtArgs{
				Stream: stream,
				Group:  c.group,
				Start:  m.ID,
				End:    m.ID,
				Count:  1,
			}).Result()
			if pErr == nil && len(pending) == 1 && pending[0].RetryCount > int64(c.opts.MaxRetries) {
				if dlqErr := c.sendToDLQ(ctx, stream, &m, err.Error()); dlqErr == nil {
					return c.client.client.XAck(ctx, stream, c.group, m.ID).Err()
				}
			}
		}
		return err
	}

	if err := c.client.client.XAck(ctx, stream, c.group, m.ID).Err(); err != nil {
		return err
	}
	if c.opts.Monitor != nil {
		c.opts.Monitor.Processed(1)
	}
	return nil
}

func (c *Consumer) sendToDLQ(ctx context.Context, stream string, m *redis.XMessage, reason string) error {
	values := map[string]interface{}{
		"stream":   stream,
		"msgId":    m.ID,
		"reason":   reason,
		"data":     m.Values["data"],
		"tsMs":     time.Now().UnixMilli(),
		"group":    c.group,
		"consumer": c.consumer,
	}
	_, err := c.client.client.XAdd(ctx, &redis.XAddArgs{
		Stream: DLQStream(stream),
		Values: values,
	}).Result()
	if err != nil {
		return fmt.Errorf("xadd dlq: %w", err)
	}
	c.log.Warnf("message moved to dlq", map[string]interface{}{"stream": stream, "msgId": m.ID, "reason": reason})
	if c.opts.OnDLQ != nil {
		c.opts.OnDLQ(stream)
	}
	return nil
}

func (c *Consumer) tick() {
	if c.opts.Monitor != nil {
		c.opts.Monitor.Tick()
	}
}

func (c *Consumer) setError(err error) {
	if c.opts.Monitor != nil {
		c.opts.Monitor.SetError(err)
	}
}

// DLQStream 死信流名称
func DLQStream(stream string) string {
	return stream + ":dlq"
}
