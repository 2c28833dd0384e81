// Package transport 通过 Redis Streams 收发参与者命令
package transport

import (
	"context"

	goredis "github.com/redis/go-redis/v9"

	sagaredis "github.com/exchange/saga-orchestrator/pkg/redis"
	"github.com/exchange/saga-orchestrator/pkg/saga"
)

// CommandPublisher 将命令写入参与者订阅的 stream，topic 即 stream 名
type CommandPublisher struct {
	streams *sagaredis.StreamClient
}

func NewCommandPublisher(client goredis.Cmdable) *CommandPublisher {
	return &CommandPublisher{streams: sagaredis.NewStreamClient(client)}
}

func (p *CommandPublisher) PublishCommand(ctx context.Context, topic string, cmd saga.Command) error {
	_, err := p.streams.Publish(ctx, topic, cmd)
	return err
}

var _ saga.CommandPublisher = (*CommandPublisher)(nil)
