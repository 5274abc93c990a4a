package repository

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmehdipour/im-gateway/internal/model"
	"github.com/jmehdipour/im-gateway/internal/outbox"
	"github.com/jmoiron/sqlx"
)

// maxLastError matches the last_error column width.
const maxLastError = 1024

// OutboxRepository is the durable outbox store plus the operator queries.
type OutboxRepository interface {
	outbox.Store
	RequeueDead(ctx context.Context, ids []string, limit int) (int64, error)
	CountByStatus(ctx context.Context) (map[model.OutboxStatus]int64, error)
}

// OutboxRepositoryImpl is a sqlx-backed implementation on MySQL.
type OutboxRepositoryImpl struct {
	db *sqlx.DB
}

func NewOutboxRepository(db *sqlx.DB) *OutboxRepositoryImpl {
	return &OutboxRepositoryImpl{db: db}
}

var _ OutboxRepository = (*OutboxRepositoryImpl)(nil)

// Insert upserts by message_id.
func (r *OutboxRepositoryImpl) Insert(ctx context.Context, rec model.OutboxRecord) error {
	const q = `
		INSERT INTO im_outbox
		    (message_id, exchange, routing_key, payload, status, attempts, last_error, created_at, updated_at)
		VALUES
		    (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
		    exchange    = VALUES(exchange),
		    routing_key = VALUES(routing_key),
		    payload     = VALUES(payload),
		    status      = VALUES(status),
		    attempts    = VALUES(attempts),
		    last_error  = VALUES(last_error),
		    updated_at  = VALUES(updated_at)
	`
	payload := rec.Payload
	if payload == nil {
		payload = []byte{}
	}
	_, err := r.db.ExecContext(ctx, q,
		rec.MessageID, rec.Exchange, rec.RoutingKey, payload,
		normalizeStatus(rec.Status), max(rec.Attempts, 0), truncate(rec.LastError, maxLastError),
		rec.CreatedAt, rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert outbox %s: %w", rec.MessageID, err)
	}
	return nil
}

func (r *OutboxRepositoryImpl) UpdateStatus(ctx context.Context, messageID string, status model.OutboxStatus, attempts int, lastError string) error {
	const q = `
		UPDATE im_outbox
		   SET status = ?, attempts = ?, last_error = ?, updated_at = NOW(3)
		 WHERE message_id = ?
	`
	_, err := r.db.ExecContext(ctx, q,
		normalizeStatus(status), max(attempts, 0), truncate(lastError, maxLastError), messageID,
	)
	if err != nil {
		return fmt.Errorf("update outbox %s: %w", messageID, err)
	}
	return nil
}

// QueryByStatus returns the oldest rows first.
func (r *OutboxRepositoryImpl) QueryByStatus(ctx context.Context, status model.OutboxStatus, limit int) ([]model.OutboxRecord, error) {
	if limit <= 0 || limit > 5000 {
		limit = 500
	}
	const q = `
		SELECT message_id, exchange, routing_key, payload, status, attempts, last_error, created_at, updated_at
		  FROM im_outbox
		 WHERE status = ?
		 ORDER BY updated_at
		 LIMIT ?
	`
	var rows []model.OutboxRecord
	if err := r.db.SelectContext(ctx, &rows, q, normalizeStatus(status), limit); err != nil {
		return nil, fmt.Errorf("query outbox status=%s: %w", status, err)
	}
	return rows, nil
}

// RequeueDead moves DEAD rows back to PENDING with a fresh retry budget. With
// ids empty the oldest limit rows are moved. Running processes pick them up on
// their next recovery rescan.
func (r *OutboxRepositoryImpl) RequeueDead(ctx context.Context, ids []string, limit int) (int64, error) {
	var (
		query string
		args  []any
		err   error
	)
	if len(ids) > 0 {
		query, args, err = sqlx.In(`
			UPDATE im_outbox
			   SET status = 'PENDING', attempts = 0, last_error = '', updated_at = NOW(3)
			 WHERE status = 'DEAD' AND message_id IN (?)
		`, ids)
		if err != nil {
			return 0, err
		}
		query = r.db.Rebind(query)
	} else {
		if limit <= 0 {
			limit = 100
		}
		query = `
			UPDATE im_outbox
			   SET status = 'PENDING', attempts = 0, last_error = '', updated_at = NOW(3)
			 WHERE status = 'DEAD'
			 ORDER BY updated_at
			 LIMIT ?
		`
		args = []any{limit}
	}

	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("requeue dead: %w", err)
	}
	return res.RowsAffected()
}

func (r *OutboxRepositoryImpl) CountByStatus(ctx context.Context) (map[model.OutboxStatus]int64, error) {
	var rows []struct {
		Status string `db:"status"`
		N      int64  `db:"n"`
	}
	if err := r.db.SelectContext(ctx, &rows, `SELECT status, COUNT(*) AS n FROM im_outbox GROUP BY status`); err != nil {
		return nil, fmt.Errorf("count outbox: %w", err)
	}
	out := make(map[model.OutboxStatus]int64, len(rows))
	for _, row := range rows {
		out[model.OutboxStatus(normalizeStatus(model.OutboxStatus(row.Status)))] = row.N
	}
	return out, nil
}

func normalizeStatus(s model.OutboxStatus) string {
	return strings.ToUpper(strings.TrimSpace(string(s)))
}

// truncate cuts s to at most n runes.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
