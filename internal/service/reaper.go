// Package service 后台任务
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/exchange/saga-orchestrator/pkg/logger"
	"github.com/exchange/saga-orchestrator/pkg/saga"
)

// Expirer 将超时未收到回执的 saga 视为失败
type Expirer interface {
	Expire(ctx context.Context, id string, version int64) (*saga.Saga, error)
}

// ReaperConfig 扫描配置
type ReaperConfig struct {
	Schedule   string        // 标准 5 段 cron 表达式
	StuckAfter time.Duration // 超过该时长未推进视为卡住
	BatchSize  int

	Logger    *logger.Logger
	Now       func() time.Time
	OnExpired func(sagaID string)
}

// Reaper 定期扫描卡在 processing/compensating 的 saga 并调用 Expire
type Reaper struct {
	lister   saga.StaleLister
	expirer  Expirer
	cfg      ReaperConfig
	parser   cron.Parser
	schedule cron.Schedule
	log      *logger.Logger
}

func NewReaper(lister saga.StaleLister, expirer Expirer, cfg ReaperConfig) (*Reaper, error) {
	if cfg.StuckAfter <= 0 {
		return nil, fmt.Errorf("stuck deadline must be positive")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.Schedule == "" {
		cfg.Schedule = "*/1 * * * *"
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	schedule, err := parser.Parse(cfg.Schedule)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression: %w", err)
	}
	log := cfg.Logger
	if log == nil {
		log = logger.New("saga-reaper", io.Discard)
	}
	return &Reaper{
		lister:   lister,
		expirer:  expirer,
		cfg:      cfg,
		parser:   parser,
		schedule: schedule,
		log:      log,
	}, nil
}

// RunOnce 扫描一批卡住的 saga，返回成功 expire 的数量
func (r *Reaper) RunOnce(ctx context.Context) (int, error) {
	cutoff := r.cfg.Now().Add(-r.cfg.StuckAfter)
	stale, err := r.lister.ListStale(ctx, []saga.Status{saga.StatusProcessing, saga.StatusCompensating}, cutoff, r.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("list stale sagas: %w", err)
	}

	var (
		expired int
		errs    []error
	)
	for _, rec := range stale {
		if ctx.Err() != nil {
			return expired, ctx.Err()
		}
		// 只 expire 扫描时看到的版本；期间有回执推进过的 saga 不动
		s, err := r.expirer.Expire(ctx, rec.ID, rec.Version)
		if errors.Is(err, saga.ErrSagaLocked) || errors.Is(err, saga.ErrSagaChanged) {
			// 正在被处理或已推进，下一轮再看
			continue
		}
		if err != nil {
			r.log.WithContext(ctx).WithError(err).Errorf("expire saga failed", map[string]interface{}{
				"sagaId": rec.ID,
			})
			errs = append(errs, fmt.Errorf("expire %s: %w", rec.ID, err))
			continue
		}
		expired++
		if r.cfg.OnExpired != nil {
			r.cfg.OnExpired(rec.ID)
		}
		r.log.WithContext(ctx).Warnf("stuck saga expired", map[string]interface{}{
			"sagaId":     rec.ID,
			"sagaType":   rec.Type,
			"fromStatus": string(rec.Status),
			"status":     string(s.Status()),
			"stuckSince": rec.UpdatedAt.Format(time.RFC3339),
		})
	}
	return expired, errors.Join(errs...)
}

// Run 立即扫描一次，之后按 cron 调度，直到 ctx 结束
func (r *Reaper) Run(ctx context.Context) error {
	run := func() {
		if ctx.Err() != nil {
			return
		}
		if n, err := r.RunOnce(ctx); err != nil {
			r.log.WithError(err).Error("saga reaper run failed")
		} else if n > 0 {
			r.log.Infof("saga reaper run finished", map[string]interface{}{"expired": n})
		}
	}
	run()

	c := cron.New(cron.WithParser(r.parser))
	c.Schedule(r.schedule, cron.FuncJob(run))
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}
