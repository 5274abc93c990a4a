package repository

import (
	"context"
	"fmt"

	"github.com/jmehdipour/im-gateway/internal/model"
	"github.com/jmehdipour/im-gateway/internal/outbox"
	"github.com/jmoiron/sqlx"
)

// AuditRepository keeps the append-only history of outbox transitions in ClickHouse.
type AuditRepository interface {
	outbox.Auditor
	List(ctx context.Context, messageID string, status model.OutboxStatus, limit, offset int) ([]model.OutboxEvent, error)
}

type chAuditRepository struct {
	ch *sqlx.DB // ClickHouse connection
}

func NewAuditRepository(ch *sqlx.DB) AuditRepository {
	return &chAuditRepository{ch: ch}
}

// Record appends events as one ClickHouse batch.
func (r *chAuditRepository) Record(ctx context.Context, events []model.OutboxEvent) error {
	if len(events) == 0 {
		return nil
	}
	tx, err := r.ch.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin batch: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PreparexContext(ctx, `
		INSERT INTO imgw.outbox_events
		    (message_id, exchange, routing_key, status, attempts, last_error, event_time)
	`)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}
	defer stmt.Close()

	for _, e := range events {
		if _, err := stmt.ExecContext(ctx,
			e.MessageID, e.Exchange, e.RoutingKey, e.Status, e.Attempts, e.LastError, e.EventTime,
		); err != nil {
			return fmt.Errorf("append event %s: %w", e.MessageID, err)
		}
	}
	return tx.Commit()
}

func (r *chAuditRepository) List(ctx context.Context, messageID string, status model.OutboxStatus, limit, offset int) ([]model.OutboxEvent, error) {
	if limit <= 0 || limit > 1000 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	q := `
		SELECT message_id, exchange, routing_key, status, attempts, last_error, event_time
		FROM imgw.outbox_events
		WHERE 1 = 1
	`
	var args []any
	if messageID != "" {
		q += " AND message_id = ?"
		args = append(args, messageID)
	}
	if status != "" {
		q += " AND status = ?"
		args = append(args, status.String())
	}
	q += " ORDER BY event_time DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	var rows []model.OutboxEvent
	if err := r.ch.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, err
	}
	return rows, nil
}
