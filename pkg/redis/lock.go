package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/exchange/saga-orchestrator/pkg/saga"
)

// 仅释放自己持有的锁
const releaseScript = `
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`

// SagaLockerOptions 分布式锁选项
type SagaLockerOptions struct {
	Prefix string
	TTL    time.Duration // 锁自动过期时间，需大于单次推进耗时
	Wait   time.Duration // 获取锁的最长等待时间，0 表示等到 ctx 结束
	Retry  time.Duration // 重试间隔
}

// SagaLocker 基于 SET NX PX 的 saga 分布式锁，实现 saga.Locker
type SagaLocker struct {
	client redis.Cmdable
	opts   SagaLockerOptions
}

func NewSagaLocker(client redis.Cmdable, opts SagaLockerOptions) *SagaLocker {
	if opts.Prefix == "" {
		opts.Prefix = "saga:lock:"
	}
	if opts.TTL <= 0 {
		opts.TTL = 30 * time.Second
	}
	if opts.Retry <= 0 {
		opts.Retry = 20 * time.Millisecond
	}
	return &SagaLocker{client: client, opts: opts}
}

// Lock 获取锁，超时返回 saga.ErrSagaLocked
func (l *SagaLocker) Lock(ctx context.Context, sagaID string) (func(), error) {
	key := l.opts.Prefix + sagaID
	token := uuid.NewString()

	waitCtx := ctx
	if l.opts.Wait > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, l.opts.Wait)
		defer cancel()
	}

	for {
		ok, err := l.client.SetNX(ctx, key, token, l.opts.TTL).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire saga lock: %w", err)
		}
		if ok {
			return func() { l.release(key, token) }, nil
		}

		timer := time.NewTimer(l.opts.Retry)
		select {
		case <-waitCtx.Done():
			timer.Stop()
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("%w: %s", saga.ErrSagaLocked, sagaID)
		case <-timer.C:
		}
	}
}

func (l *SagaLocker) release(key, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_ = l.client.Eval(ctx, releaseScript, []string{key}, token).Err()
}
