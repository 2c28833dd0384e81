package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Dialect 决定 SQL 占位符风格
type Dialect int

const (
	DialectPostgres Dialect = iota
	DialectSQLite
)

func (d Dialect) placeholder(n int) string {
	if d == DialectSQLite {
		return "?"
	}
	return fmt.Sprintf("$%d", n)
}

// DBLogger 使用 database/sql 存储流转记录，默认异步写入以避免影响 saga 推进。
//
// 表名固定为 saga_transitions（append-only）。
type DBLogger struct {
	db      *sql.DB
	dialect Dialect

	insertQueue chan *Entry
	cancel      context.CancelFunc
	wg          sync.WaitGroup

	onError func(error)
}

type DBLoggerOption func(*dbLoggerOptions)

type dbLoggerOptions struct {
	queueSize  int
	workers    int
	onError    func(error)
	dialect    Dialect
	skipWorker bool
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

func WithDialect(d Dialect) DBLoggerOption {
	return func(o *dbLoggerOptions) {
		o.dialect = d
	}
}

// WithSynchronousWrite 让 Log() 直接写数据库。
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
		queueSize: 4096,
		workers:   2,
		onError:   func(error) {},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}

	l := &DBLogger{
		db:      db,
		dialect: cfg.dialect,
		onError: cfg.onError,
	}

	if cfg.skipWorker {
		return l, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel
	l.insertQueue = make(chan *Entry, cfg.queueSize)

	for i := 0; i < cfg.workers; i++ {
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			for {
				select {
				case <-ctx.Done():
					l.drain()
					return
				case item := <-l.insertQueue:
					if item == nil {
						continue
					}
					if err := l.insert(ctx, item); err != nil {
						l.onError(err)
					}
				}
			}
		}()
	}

	return l, nil
}

// drain 关闭时写完队列中剩余的记录
func (l *DBLogger) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		select {
		case item := <-l.insertQueue:
			if item == nil {
				continue
			}
			if err := l.insert(ctx, item); err != nil {
				l.onError(err)
			}
		default:
			return
		}
	}
}

// Close 停止后台写入协程并写完剩余记录。
func (l *DBLogger) Close() {
	if l == nil {
		return
	}
	if l.cancel != nil {
		l.cancel()
	}
	l.wg.Wait()
}

func (l *DBLogger) Log(ctx context.Context, e *Entry) error {
	if l == nil || l.db == nil || e == nil {
		return nil
	}

	if strings.TrimSpace(e.Data) == "" {
		e.Data = "{}"
	}
	if e.Timestamp == 0 {
		e.Timestamp = time.Now().UnixMilli()
	}

	if l.insertQueue == nil {
		return l.insert(ctx, e)
	}

	select {
	case l.insertQueue <- e:
	default:
		// 队列满：通知错误处理器，但不阻塞主流程
		l.onError(errors.New("audit: queue full, entry dropped"))
	}
	return nil
}

func (l *DBLogger) Query(ctx context.Context, filter *QueryFilter) ([]*Entry, error) {
	if l == nil || l.db == nil {
		return nil, errors.New("audit: db logger not initialized")
	}

	var (
		where  []string
		args   []interface{}
		argIdx = 1
	)
	add := func(cond string, v interface{}) {
		where = append(where, fmt.Sprintf(cond, l.dialect.placeholder(argIdx)))
		args = append(args, v)
		argIdx++
	}
	if filter != nil {
		if filter.SagaID != "" {
			add("saga_id = %s", filter.SagaID)
		}
		if filter.SagaType != "" {
			add("saga_type = %s", filter.SagaType)
		}
		if filter.StartTime != 0 {
			add("timestamp >= %s", filter.StartTime)
		}
		if filter.EndTime != 0 {
			add("timestamp <= %s", filter.EndTime)
		}
	}

	query := `
SELECT id, saga_id, saga_type, from_status, to_status, from_step, to_step, trigger_name, data, timestamp, trace_id
FROM saga_transitions
`
	if len(where) > 0 {
		query += "WHERE " + strings.Join(where, " AND ") + "\n"
	}
	query += "ORDER BY timestamp ASC, id ASC\n"

	limit := 100
	offset := 0
	if filter != nil {
		if filter.Limit > 0 {
			limit = filter.Limit
		}
		if filter.Offset > 0 {
			offset = filter.Offset
		}
	}
	query += fmt.Sprintf("LIMIT %d OFFSET %d", limit, offset)

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		var item Entry
		if err := rows.Scan(
			&item.ID,
			&item.SagaID,
			&item.SagaType,
			&item.FromStatus,
			&item.ToStatus,
			&item.FromStep,
			&item.ToStep,
			&item.Trigger,
			&item.Data,
			&item.Timestamp,
			&item.TraceID,
		); err != nil {
			return nil, err
		}
		entries = append(entries, &item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

func (l *DBLogger) insert(ctx context.Context, e *Entry) error {
	ph := make([]string, 10)
	for i := range ph {
		ph[i] = l.dialect.placeholder(i + 1)
	}
	stmt := `
INSERT INTO saga_transitions (
  saga_id, saga_type, from_status, to_status, from_step, to_step, trigger_name, data, timestamp, trace_id
) VALUES (` + strings.Join(ph, ",") + `)
`
	_, err := l.db.ExecContext(ctx, stmt,
		e.SagaID,
		e.SagaType,
		e.FromStatus,
		e.ToStatus,
		e.FromStep,
		e.ToStep,
		e.Trigger,
		e.Data,
		e.Timestamp,
		e.TraceID,
	)
	return err
}

// CreateTableSQL 提供 PostgreSQL 的 saga_transitions 表结构。
const CreateTableSQL = `
CREATE TABLE IF NOT EXISTS saga_transitions (
  id BIGSERIAL PRIMARY KEY,
  saga_id TEXT NOT NULL,
  saga_type TEXT NOT NULL,
  from_status VARCHAR(16) NOT NULL,
  to_status VARCHAR(16) NOT NULL,
  from_step INT NOT NULL,
  to_step INT NOT NULL,
  trigger_name VARCHAR(32) NOT NULL,
  data JSONB NOT NULL DEFAULT '{}'::jsonb,
  timestamp BIGINT NOT NULL,
  trace_id VARCHAR(64) NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_saga_transitions_saga_ts ON saga_transitions(saga_id, timestamp);
`
