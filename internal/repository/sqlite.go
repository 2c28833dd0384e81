package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/exchange/saga-orchestrator/internal/repository/migrations"
	"github.com/exchange/saga-orchestrator/pkg/saga"
)

const sqliteColumns = `id, saga_type, data, current_step, status, version, created_at, updated_at`

// SQLiteStore 单机部署用的 saga 存储
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLite 打开数据库并执行迁移；path 为 ":memory:" 时使用内存库
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	dsn := path + "?_pragma=busy_timeout(5000)"
	if path != ":memory:" {
		dsn += "&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// 内存库每个连接相互独立
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := ApplyMigrations(ctx, db, migrations.FS); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate sqlite: %w", err)
	}
	return &SQLiteStore{db: db, now: time.Now}, nil
}

// DB 返回底层连接，供审计日志复用
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

// Close 关闭数据库
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Save 插入或覆盖
func (s *SQLiteStore) Save(ctx context.Context, rec *saga.Record) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	data, err := encodeData(rec.Data)
	if err != nil {
		return err
	}
	now := toMillis(s.now())
	var version, createdAt, updatedAt int64
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO sagas (id, saga_type, data, current_step, status, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 1, ?, ?)
		ON CONFLICT (id) DO UPDATE
		SET saga_type = excluded.saga_type, data = excluded.data, current_step = excluded.current_step,
		    status = excluded.status, version = sagas.version + 1, updated_at = excluded.updated_at
		RETURNING version, created_at, updated_at
	`, rec.ID, rec.Type, data, rec.CurrentStep, string(rec.Status), now, now).Scan(&version, &createdAt, &updatedAt)
	if err != nil {
		return fmt.Errorf("upsert saga: %w", err)
	}
	rec.Version = version
	rec.CreatedAt = fromMillis(createdAt)
	rec.UpdatedAt = fromMillis(updatedAt)
	return nil
}

// Update 按 version 条件更新
func (s *SQLiteStore) Update(ctx context.Context, rec *saga.Record) error {
	data, err := encodeData(rec.Data)
	if err != nil {
		return err
	}
	var version, createdAt, updatedAt int64
	err = s.db.QueryRowContext(ctx, `
		UPDATE sagas
		SET saga_type = ?, data = ?, current_step = ?, status = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?
		RETURNING version, created_at, updated_at
	`, rec.Type, data, rec.CurrentStep, string(rec.Status), toMillis(s.now()), rec.ID, rec.Version).Scan(&version, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		var one int
		err = s.db.QueryRowContext(ctx, `SELECT 1 FROM sagas WHERE id = ?`, rec.ID).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return saga.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("check saga: %w", err)
		}
		return saga.ErrConflict
	}
	if err != nil {
		return fmt.Errorf("update saga: %w", err)
	}
	rec.Version = version
	rec.CreatedAt = fromMillis(createdAt)
	rec.UpdatedAt = fromMillis(updatedAt)
	return nil
}

// Get 查询
func (s *SQLiteStore) Get(ctx context.Context, id string) (*saga.Record, error) {
	rec, err := scanSQLiteRecord(s.db.QueryRowContext(ctx, `SELECT `+sqliteColumns+` FROM sagas WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, saga.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get saga: %w", err)
	}
	return rec, nil
}

// ListStale 查询长时间未推进的 saga
func (s *SQLiteStore) ListStale(ctx context.Context, statuses []saga.Status, updatedBefore time.Time, limit int) ([]*saga.Record, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	args := make([]any, 0, len(statuses)+2)
	for _, st := range statusStrings(statuses) {
		args = append(args, st)
	}
	args = append(args, toMillis(updatedBefore), limit)
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(statuses)), ", ")

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sqliteColumns+`
		FROM sagas
		WHERE status IN (`+placeholders+`) AND updated_at < ?
		ORDER BY updated_at ASC
		LIMIT ?
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("list stale sagas: %w", err)
	}
	defer rows.Close()

	var out []*saga.Record
	for rows.Next() {
		rec, err := scanSQLiteRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func scanSQLiteRecord(row rowScanner) (*saga.Record, error) {
	var (
		rec                  saga.Record
		raw, status          string
		createdAt, updatedAt int64
	)
	if err := row.Scan(&rec.ID, &rec.Type, &raw, &rec.CurrentStep, &status, &rec.Version, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	data, err := decodeData([]byte(raw))
	if err != nil {
		return nil, err
	}
	rec.Data = data
	rec.Status = saga.Status(status)
	rec.CreatedAt = fromMillis(createdAt)
	rec.UpdatedAt = fromMillis(updatedAt)
	return &rec, nil
}

func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
