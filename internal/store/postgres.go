package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Hunafi/framesnap/internal/models"
)

// Store wraps pgxpool for Postgres persistence of the batch journal.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// BatchRecord is the persisted view of one submitted batch.
type BatchRecord struct {
	ID         string    `json:"id"`
	Profile    string    `json:"profile"`
	TotalItems int       `json:"total_items"`
	Phase      string    `json:"phase"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// ItemRecord is the persisted terminal state of one batch item.
type ItemRecord struct {
	BatchID    string    `json:"batch_id"`
	ItemID     string    `json:"item_id"`
	Phase      string    `json:"phase"`
	Error      *string   `json:"error,omitempty"`
	RetryCount int       `json:"retry_count"`
	FromCache  bool      `json:"from_cache"`
	Result     []byte    `json:"result,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// AuditEntry is one lifecycle event in a batch's audit trail.
type AuditEntry struct {
	BatchID string    `json:"batch_id"`
	Event   string    `json:"event"`
	Detail  string    `json:"detail"`
	TS      time.Time `json:"ts"`
}

// BatchCreated inserts the batch row when a submission is accepted.
func (s *Store) BatchCreated(ctx context.Context, batchID, profile string, total int) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO batches (id, profile, total_items, phase, created_at, updated_at)
		VALUES ($1, $2, $3, 'idle', NOW(), NOW())
	`, batchID, profile, total)
	if err != nil {
		return fmt.Errorf("insert batch: %w", err)
	}
	return nil
}

// BatchPhaseChanged records a lifecycle transition.
func (s *Store) BatchPhaseChanged(ctx context.Context, batchID, phase string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE batches SET phase = $2, updated_at = NOW() WHERE id = $1
	`, batchID, phase)
	if err != nil {
		return fmt.Errorf("update batch phase: %w", err)
	}
	return nil
}

// ItemSettled upserts the terminal state of one item. Retried items settle
// again under the same key, so the newest row wins.
func (s *Store) ItemSettled(ctx context.Context, batchID string, st models.ItemState) error {
	var errText *string
	if st.Error != "" {
		errText = &st.Error
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO batch_items (batch_id, item_id, phase, error, retry_count, from_cache, result, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		ON CONFLICT (batch_id, item_id) DO UPDATE
		SET phase = EXCLUDED.phase, error = EXCLUDED.error, retry_count = EXCLUDED.retry_count,
		    from_cache = EXCLUDED.from_cache, result = EXCLUDED.result, updated_at = NOW()
	`, batchID, st.ID, st.Phase, errText, st.RetryCount, st.FromCache, st.Result)
	if err != nil {
		return fmt.Errorf("upsert batch item: %w", err)
	}
	return nil
}

// AppendAudit adds an audit row.
func (s *Store) AppendAudit(ctx context.Context, batchID, event, detail string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_logs (batch_id, event, detail, ts)
		VALUES ($1, $2, $3, NOW())
	`, batchID, event, detail)
	if err != nil {
		return fmt.Errorf("insert audit row: %w", err)
	}
	return nil
}

// GetBatch fetches one batch record.
func (s *Store) GetBatch(ctx context.Context, id string) (BatchRecord, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, profile, total_items, phase, created_at, updated_at
		FROM batches WHERE id = $1
	`, id)

	var rec BatchRecord
	if err := row.Scan(&rec.ID, &rec.Profile, &rec.TotalItems, &rec.Phase, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return BatchRecord{}, fmt.Errorf("batch not found: %w", err)
		}
		return BatchRecord{}, fmt.Errorf("scan batch: %w", err)
	}
	return rec, nil
}

// ListBatches returns the most recent batches, newest first.
func (s *Store) ListBatches(ctx context.Context, limit int) ([]BatchRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, profile, total_items, phase, created_at, updated_at
		FROM batches ORDER BY created_at DESC LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list batches: %w", err)
	}
	defer rows.Close()

	var out []BatchRecord
	for rows.Next() {
		var rec BatchRecord
		if err := rows.Scan(&rec.ID, &rec.Profile, &rec.TotalItems, &rec.Phase, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan batch: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ListItems returns the settled items of a batch.
func (s *Store) ListItems(ctx context.Context, batchID string) ([]ItemRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT batch_id, item_id, phase, error, retry_count, from_cache, result, updated_at
		FROM batch_items WHERE batch_id = $1 ORDER BY item_id
	`, batchID)
	if err != nil {
		return nil, fmt.Errorf("list batch items: %w", err)
	}
	defer rows.Close()

	var out []ItemRecord
	for rows.Next() {
		var rec ItemRecord
		var errText pgtype.Text
		if err := rows.Scan(&rec.BatchID, &rec.ItemID, &rec.Phase, &errText, &rec.RetryCount, &rec.FromCache, &rec.Result, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan batch item: %w", err)
		}
		rec.Error = textPtr(errText)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// AuditTrail returns the newest audit entries for a batch.
func (s *Store) AuditTrail(ctx context.Context, batchID string, limit int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT batch_id, event, detail, ts
		FROM audit_logs WHERE batch_id = $1 ORDER BY ts DESC LIMIT $2
	`, batchID, limit)
	if err != nil {
		return nil, fmt.Errorf("list audit rows: %w", err)
	}
	defer rows.Close()

	var out []AuditEntry
	for rows.Next() {
		var rec AuditEntry
		if err := rows.Scan(&rec.BatchID, &rec.Event, &rec.Detail, &rec.TS); err != nil {
			return nil, fmt.Errorf("scan audit row: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}
