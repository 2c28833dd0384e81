package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/exchange/saga-orchestrator/pkg/saga"
)

// PostgresStore 基于 PostgreSQL 的 saga 存储，version 列做乐观锁
type PostgresStore struct {
	db    *sql.DB
	table string
	now   func() time.Time

	upsertSQL string
	updateSQL string
	getSQL    string
	existsSQL string
	staleSQL  string
}

// NewPostgresStore 创建存储；table 为空时使用 sagas
func NewPostgresStore(db *sql.DB, table string) (*PostgresStore, error) {
	t, err := validateTable(table)
	if err != nil {
		return nil, err
	}
	return &PostgresStore{
		db:    db,
		table: t,
		now:   time.Now,
		upsertSQL: fmt.Sprintf(`
		INSERT INTO %[1]s (id, saga_type, data, current_step, status, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, 1, $6, $6)
		ON CONFLICT (id) DO UPDATE
		SET saga_type = EXCLUDED.saga_type, data = EXCLUDED.data, current_step = EXCLUDED.current_step,
		    status = EXCLUDED.status, version = %[1]s.version + 1, updated_at = EXCLUDED.updated_at
		RETURNING version, created_at, updated_at
	`, t),
		updateSQL: fmt.Sprintf(`
		UPDATE %s
		SET saga_type = $1, data = $2, current_step = $3, status = $4, version = version + 1, updated_at = $5
		WHERE id = $6 AND version = $7
		RETURNING version, created_at, updated_at
	`, t),
		getSQL: fmt.Sprintf(`
		SELECT id, saga_type, data, current_step, status, version, created_at, updated_at
		FROM %s
		WHERE id = $1
	`, t),
		existsSQL: fmt.Sprintf(`SELECT 1 FROM %s WHERE id = $1`, t),
		staleSQL: fmt.Sprintf(`
		SELECT id, saga_type, data, current_step, status, version, created_at, updated_at
		FROM %s
		WHERE status = ANY($1) AND updated_at < $2
		ORDER BY updated_at ASC
		LIMIT $3
	`, t),
	}, nil
}

// Schema 返回建表语句
func (s *PostgresStore) Schema() string {
	return fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
  id TEXT PRIMARY KEY,
  saga_type TEXT NOT NULL,
  data JSONB NOT NULL DEFAULT '{}'::jsonb,
  current_step INT NOT NULL DEFAULT 0,
  status VARCHAR(16) NOT NULL,
  version BIGINT NOT NULL DEFAULT 1,
  created_at TIMESTAMPTZ NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_%[2]s_status_updated ON %[1]s(status, updated_at);
`, s.table, indexSuffix(s.table))
}

// EnsureSchema 初始化表结构
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, s.Schema()); err != nil {
		return fmt.Errorf("ensure saga schema: %w", err)
	}
	return nil
}

// Save 插入或覆盖
func (s *PostgresStore) Save(ctx context.Context, rec *saga.Record) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	data, err := encodeData(rec.Data)
	if err != nil {
		return err
	}
	now := s.now().UTC()
	err = s.db.QueryRowContext(ctx, s.upsertSQL,
		rec.ID, rec.Type, data, rec.CurrentStep, string(rec.Status), now,
	).Scan(&rec.Version, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert saga: %w", err)
	}
	return nil
}

// Update 按 version 条件更新
func (s *PostgresStore) Update(ctx context.Context, rec *saga.Record) error {
	data, err := encodeData(rec.Data)
	if err != nil {
		return err
	}
	now := s.now().UTC()
	var version int64
	var createdAt, updatedAt time.Time
	err = s.db.QueryRowContext(ctx, s.updateSQL,
		rec.Type, data, rec.CurrentStep, string(rec.Status), now, rec.ID, rec.Version,
	).Scan(&version, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return s.missOrConflict(ctx, rec.ID)
	}
	if err != nil {
		return fmt.Errorf("update saga: %w", err)
	}
	rec.Version, rec.CreatedAt, rec.UpdatedAt = version, createdAt, updatedAt
	return nil
}

func (s *PostgresStore) missOrConflict(ctx context.Context, id string) error {
	var one int
	err := s.db.QueryRowContext(ctx, s.existsSQL, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return saga.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("check saga: %w", err)
	}
	return saga.ErrConflict
}

// Get 查询
func (s *PostgresStore) Get(ctx context.Context, id string) (*saga.Record, error) {
	rec, err := scanRecord(s.db.QueryRowContext(ctx, s.getSQL, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, saga.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get saga: %w", err)
	}
	return rec, nil
}

// ListStale 查询长时间未推进的 saga
func (s *PostgresStore) ListStale(ctx context.Context, statuses []saga.Status, updatedBefore time.Time, limit int) ([]*saga.Record, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, s.staleSQL, pq.Array(statusStrings(statuses)), updatedBefore.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("list stale sagas: %w", err)
	}
	defer rows.Close()

	var out []*saga.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*saga.Record, error) {
	var (
		rec    saga.Record
		raw    []byte
		status string
	)
	if err := row.Scan(&rec.ID, &rec.Type, &raw, &rec.CurrentStep, &status, &rec.Version, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return nil, err
	}
	data, err := decodeData(raw)
	if err != nil {
		return nil, err
	}
	rec.Data = data
	rec.Status = saga.Status(status)
	return &rec, nil
}

func indexSuffix(table string) string {
	out := []byte(table)
	for i, c := range out {
		if c == '.' {
			out[i] = '_'
		}
	}
	return string(out)
}
