package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/exchange/saga-orchestrator/pkg/health"
	"github.com/exchange/saga-orchestrator/pkg/logger"
	sagaredis "github.com/exchange/saga-orchestrator/pkg/redis"
	"github.com/exchange/saga-orchestrator/pkg/saga"
)

const (
	restartDelay          = 2 * time.Second
	pendingReportInterval = 15 * time.Second
)

// ResponseHandler 应用参与者回执，通常为 *saga.Manager
type ResponseHandler interface {
	HandleCommandResponse(ctx context.Context, resp saga.CommandResponse) (*saga.Saga, error)
}

// StreamMetrics 消费指标
type StreamMetrics interface {
	SetStreamPending(stream, group string, pending int64)
	IncStreamError(stream, group string)
	IncStreamDLQ(stream, group string)
}

// ResponseConsumerConfig 回执消费配置
type ResponseConsumerConfig struct {
	Stream     string
	Group      string
	Consumer   string
	MaxRetries int
	BlockTime  time.Duration
	Logger     *logger.Logger
	Monitor    *health.LoopMonitor
	Metrics    StreamMetrics
}

// ResponseConsumer 消费回执 stream 并交给 manager。
// 只有在 saga 更新落库后才 ACK；重复回执直接 ACK。
type ResponseConsumer struct {
	cfg      ResponseConsumerConfig
	handler  ResponseHandler
	streams  *sagaredis.StreamClient
	consumer *sagaredis.Consumer
	log      *logger.Logger
}

func NewResponseConsumer(client goredis.Cmdable, handler ResponseHandler, cfg ResponseConsumerConfig) *ResponseConsumer {
	if cfg.Stream == "" {
		cfg.Stream = saga.DefaultResponseTopic
	}
	if cfg.Group == "" {
		cfg.Group = "saga-orchestrator"
	}
	if cfg.Consumer == "" {
		cfg.Consumer = "orchestrator-1"
	}
	log := cfg.Logger
	if log == nil {
		log = logger.New("saga-response-consumer", io.Discard)
	}

	c := &ResponseConsumer{
		cfg:     cfg,
		handler: handler,
		streams: sagaredis.NewStreamClient(client),
		log:     log,
	}
	opts := &sagaredis.ConsumerOptions{
		MaxRetries:   cfg.MaxRetries,
		BlockTime:    cfg.BlockTime,
		ClaimMinIdle: sagaredis.DefaultConsumerOptions.ClaimMinIdle,
		Logger:       log,
		Monitor:      cfg.Monitor,
	}
	if cfg.Metrics != nil {
		opts.OnHandlerError = func(stream string, _ error) { cfg.Metrics.IncStreamError(stream, cfg.Group) }
		opts.OnDLQ = func(stream string) { cfg.Metrics.IncStreamDLQ(stream, cfg.Group) }
	}
	c.consumer = sagaredis.NewConsumer(c.streams, cfg.Group, cfg.Consumer, []string{cfg.Stream}, c.Handle, opts)
	return c
}

// Setup 创建消费者组（stream 不存在时一并创建）
func (c *ResponseConsumer) Setup(ctx context.Context) error {
	return c.streams.EnsureGroup(ctx, c.cfg.Stream, c.cfg.Group)
}

// Handle 处理单条回执，返回 nil 时消息被 ACK
func (c *ResponseConsumer) Handle(ctx context.Context, msg *sagaredis.Message) error {
	var resp saga.CommandResponse
	if err := json.Unmarshal(msg.Data, &resp); err != nil || resp.SagaID == "" {
		// 无法解析的消息重试也没有意义
		c.log.WithContext(ctx).Warnf("invalid command response dropped", map[string]interface{}{
			"stream": msg.Stream,
			"msgId":  msg.ID,
		})
		return nil
	}

	s, err := c.handler.HandleCommandResponse(ctx, resp)
	switch {
	case err == nil:
		c.log.WithContext(ctx).Infof("command response applied", map[string]interface{}{
			"sagaId":  resp.SagaID,
			"command": resp.Name,
			"ok":      resp.OK,
			"status":  string(s.Status()),
		})
		return nil
	case errors.Is(err, saga.ErrDuplicateResponse):
		return nil
	default:
		return fmt.Errorf("handle response for saga %s: %w", resp.SagaID, err)
	}
}

// Run 持续消费，异常退出后延迟重启，直到 ctx 结束
func (c *ResponseConsumer) Run(ctx context.Context) error {
	go c.reportPending(ctx)
	for {
		err := c.consumer.Start(ctx)
		if err == nil {
			err = errors.New("response consumer exited")
		}
		if errors.Is(err, context.Canceled) || ctx.Err() != nil {
			return nil
		}
		if c.cfg.Monitor != nil {
			c.cfg.Monitor.SetError(err)
		}
		c.log.WithError(err).Errorf("response consumer stopped, restarting", map[string]interface{}{
			"stream": c.cfg.Stream,
			"delay":  restartDelay.String(),
		})
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(restartDelay):
		}
	}
}

func (c *ResponseConsumer) reportPending(ctx context.Context) {
	if c.cfg.Metrics == nil {
		return
	}
	ticker := time.NewTicker(pendingReportInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := c.streams.Pending(ctx, c.cfg.Stream, c.cfg.Group); err == nil {
				c.cfg.Metrics.SetStreamPending(c.cfg.Stream, c.cfg.Group, n)
			}
		}
	}
}
