package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/foodmind/billing-service/internal/domain"
)

const webhookEventColumns = `
    id, event_id, event_type, payment_id, status, raw_payload, attempts, error_message,
    client_origin, duplicate_count, created_at, claimed_at, queued_at, processed_at,
    last_duplicate_at, alerted_at
`

func scanWebhookEvent(row pgx.Row) (*domain.WebhookEvent, error) {
	var evt domain.WebhookEvent
	var status string
	err := row.Scan(
		&evt.ID,
		&evt.EventID,
		&evt.EventType,
		&evt.PaymentID,
		&status,
		&evt.RawPayload,
		&evt.Attempts,
		&evt.ErrorMessage,
		&evt.ClientOrigin,
		&evt.DuplicateCount,
		&evt.CreatedAt,
		&evt.ClaimedAt,
		&evt.QueuedAt,
		&evt.ProcessedAt,
		&evt.LastDuplicateAt,
		&evt.AlertedAt,
	)
	if err != nil {
		return nil, err
	}
	evt.Status = domain.WebhookStatus(status)
	return &evt, nil
}

// RecordWebhookEvent inserts a new event keyed by event_id. When the event_id
// already exists the existing row is locked and the repeat delivery is counted
// on it; created is false in that case. A repeat never changes the row's
// status: duplicates are recorded through duplicate_count and
// last_duplicate_at only.
func (r *Repository) RecordWebhookEvent(ctx context.Context, evt domain.NewWebhookEvent, now time.Time) (*domain.WebhookEvent, bool, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	insert := `
        INSERT INTO webhook_events (event_id, event_type, payment_id, status, raw_payload, client_origin, created_at)
        VALUES ($1, $2, $3, 'RECEIVED', $4, $5, $6)
        ON CONFLICT (event_id) DO NOTHING
        RETURNING ` + webhookEventColumns
	created, err := scanWebhookEvent(tx.QueryRow(ctx, insert,
		evt.EventID,
		evt.EventType,
		evt.PaymentID,
		string(evt.RawPayload),
		evt.ClientOrigin,
		now,
	))
	if err == nil {
		if err := tx.Commit(ctx); err != nil {
			return nil, false, fmt.Errorf("failed to commit webhook event: %w", err)
		}
		return created, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, fmt.Errorf("failed to insert webhook event: %w", err)
	}

	lock := `SELECT ` + webhookEventColumns + ` FROM webhook_events WHERE event_id = $1 FOR UPDATE`
	existing, err := scanWebhookEvent(tx.QueryRow(ctx, lock, evt.EventID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, ErrWebhookEventNotFound
		}
		return nil, false, fmt.Errorf("failed to lock existing webhook event: %w", err)
	}

	_, err = tx.Exec(ctx, `
        UPDATE webhook_events
        SET duplicate_count = duplicate_count + 1, last_duplicate_at = $2
        WHERE id = $1
    `, existing.ID, now)
	if err != nil {
		return nil, false, fmt.Errorf("failed to record duplicate delivery: %w", err)
	}
	existing.DuplicateCount++
	existing.LastDuplicateAt = &now

	if err := tx.Commit(ctx); err != nil {
		return nil, false, fmt.Errorf("failed to commit duplicate delivery: %w", err)
	}
	return existing, false, nil
}

// MarkWebhookQueued stamps the hand-off of an event to the processing queue.
func (r *Repository) MarkWebhookQueued(ctx context.Context, id int64, at time.Time) error {
	_, err := r.db.Exec(ctx, `UPDATE webhook_events SET queued_at = $2 WHERE id = $1`, id, at)
	return err
}

// GetWebhookEvent loads an event by its row id.
func (r *Repository) GetWebhookEvent(ctx context.Context, id int64) (*domain.WebhookEvent, error) {
	evt, err := scanWebhookEvent(r.db.QueryRow(ctx, `SELECT `+webhookEventColumns+` FROM webhook_events WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrWebhookEventNotFound
		}
		return nil, err
	}
	return evt, nil
}

// ClaimWebhookEvent moves an event to PROCESSING and counts the attempt. It
// claims RECEIVED, QUEUED and FAILED events, and PROCESSING events whose claim
// is older than staleBefore. A fresh claim held by another worker yields
// ErrWebhookEventBusy. A SUCCESS event is never reclaimed;
// ErrWebhookEventNotFound is returned for it as well as for a missing row.
func (r *Repository) ClaimWebhookEvent(ctx context.Context, id int64, at, staleBefore time.Time) (*domain.WebhookEvent, error) {
	query := `
        UPDATE webhook_events
        SET status = 'PROCESSING', attempts = attempts + 1, claimed_at = $2
        WHERE id = $1
          AND (status IN ('RECEIVED', 'QUEUED', 'FAILED')
               OR (status = 'PROCESSING' AND COALESCE(claimed_at, created_at) < $3))
        RETURNING ` + webhookEventColumns
	evt, err := scanWebhookEvent(r.db.QueryRow(ctx, query, id, at, staleBefore))
	if err == nil {
		return evt, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}

	var status string
	if err := r.db.QueryRow(ctx, `SELECT status FROM webhook_events WHERE id = $1`, id).Scan(&status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrWebhookEventNotFound
		}
		return nil, err
	}
	if domain.WebhookStatus(status) == domain.WebhookSuccess {
		return nil, ErrWebhookEventNotFound
	}
	return nil, ErrWebhookEventBusy
}

// DeferWebhookEvent returns an unfinished event to QUEUED with a fresh
// queued_at, leaving it for the reclaimer.
func (r *Repository) DeferWebhookEvent(ctx context.Context, id int64, message string, at time.Time) error {
	_, err := r.db.Exec(ctx, `
        UPDATE webhook_events
        SET status = 'QUEUED', queued_at = $3, error_message = $2
        WHERE id = $1 AND status <> 'SUCCESS'
    `, id, message, at)
	return err
}

// MarkWebhookFailed records a failed processing attempt.
func (r *Repository) MarkWebhookFailed(ctx context.Context, id int64, message string, at time.Time) error {
	_, err := r.db.Exec(ctx, `
        UPDATE webhook_events
        SET status = 'FAILED', error_message = $2, processed_at = $3
        WHERE id = $1 AND status <> 'SUCCESS'
    `, id, message, at)
	return err
}

// MarkWebhookSucceeded records a completed event outside a ledger transaction.
func (r *Repository) MarkWebhookSucceeded(ctx context.Context, id int64, at time.Time) error {
	return markWebhookSucceeded(ctx, r.db, id, at)
}

func markWebhookSucceeded(ctx context.Context, q queryer, id int64, at time.Time) error {
	tag, err := q.Exec(ctx, `
        UPDATE webhook_events
        SET status = 'SUCCESS', processed_at = $2, error_message = NULL
        WHERE id = $1
    `, id, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrWebhookEventNotFound
	}
	return nil
}

// ReclaimStuckWebhookEvents resets events that were claimed but never
// finished, or recorded but never handed to the queue, back to QUEUED. A
// stuck PROCESSING event that already used more than maxRetries attempts is
// closed as FAILED instead. Rows locked by a concurrent sweep are skipped.
func (r *Repository) ReclaimStuckWebhookEvents(ctx context.Context, cutoff, now time.Time, maxRetries int) ([]domain.WebhookEvent, error) {
	query := `
        WITH stuck AS (
            SELECT id,
                status AS previous_status,
                CASE WHEN status = 'PROCESSING' THEN COALESCE(claimed_at, created_at)
                     ELSE COALESCE(queued_at, created_at) END AS stuck_since,
                (status = 'PROCESSING' AND attempts > $3) AS exhausted
            FROM webhook_events
            WHERE (status = 'PROCESSING' AND COALESCE(claimed_at, created_at) < $1)
               OR (status IN ('RECEIVED', 'QUEUED') AND COALESCE(queued_at, created_at) < $1)
            ORDER BY created_at
            LIMIT 500
            FOR UPDATE SKIP LOCKED
        )
        UPDATE webhook_events w
        SET status = CASE WHEN stuck.exhausted THEN 'FAILED' ELSE 'QUEUED' END,
            queued_at = CASE WHEN stuck.exhausted THEN w.queued_at ELSE $2 END,
            processed_at = CASE WHEN stuck.exhausted THEN $2 ELSE w.processed_at END,
            error_message = CASE
                WHEN stuck.exhausted THEN 'Worker crashed ' || w.attempts || ' times; giving up'
                ELSE 'Auto-retry: was stuck in ' || stuck.previous_status || ' since ' ||
                    to_char(stuck.stuck_since AT TIME ZONE 'UTC', 'YYYY-MM-DD"T"HH24:MI:SS"Z"')
            END
        FROM stuck
        WHERE w.id = stuck.id
        RETURNING ` + prefixColumns("w", webhookEventColumns)

	rows, err := r.db.Query(ctx, query, cutoff, now, maxRetries)
	if err != nil {
		return nil, fmt.Errorf("failed to reclaim stuck webhook events: %w", err)
	}
	defer rows.Close()

	var events []domain.WebhookEvent
	for rows.Next() {
		evt, err := scanWebhookEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, *evt)
	}
	return events, rows.Err()
}

// ListUnalertedFailedWebhooks returns FAILED events whose attempts reached
// minAttempts and that no operator alert has covered yet.
func (r *Repository) ListUnalertedFailedWebhooks(ctx context.Context, minAttempts, limit int) ([]domain.FailedWebhook, error) {
	rows, err := r.db.Query(ctx, `
        SELECT id, event_id, event_type, attempts, COALESCE(error_message, ''), processed_at
        FROM webhook_events
        WHERE status = 'FAILED' AND attempts >= $1 AND alerted_at IS NULL
        ORDER BY processed_at NULLS LAST, id
        LIMIT $2
    `, minAttempts, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var failures []domain.FailedWebhook
	for rows.Next() {
		var f domain.FailedWebhook
		if err := rows.Scan(&f.ID, &f.EventID, &f.EventType, &f.Attempts, &f.ErrorMessage, &f.ProcessedAt); err != nil {
			return nil, err
		}
		failures = append(failures, f)
	}
	return failures, rows.Err()
}

// MarkWebhooksAlerted stamps alerted_at on the given events.
func (r *Repository) MarkWebhooksAlerted(ctx context.Context, ids []int64, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := r.db.Exec(ctx, `UPDATE webhook_events SET alerted_at = $2 WHERE id = ANY($1)`, ids, at)
	return err
}

// WebhookStats aggregates events created in [from, to].
func (r *Repository) WebhookStats(ctx context.Context, from, to time.Time) (*domain.WebhookStats, error) {
	stats := &domain.WebhookStats{}
	err := r.db.QueryRow(ctx, `
        SELECT
            COUNT(*),
            COUNT(*) FILTER (WHERE status = 'SUCCESS'),
            COUNT(*) FILTER (WHERE status = 'FAILED'),
            COALESCE(SUM(duplicate_count), 0)
        FROM webhook_events
        WHERE created_at >= $1 AND created_at <= $2
    `, from, to).Scan(&stats.Total, &stats.Success, &stats.Failed, &stats.Duplicates)
	if err != nil {
		return nil, fmt.Errorf("failed to count webhook events: %w", err)
	}
	if stats.Failed == 0 {
		return stats, nil
	}

	rows, err := r.db.Query(ctx, `
        SELECT id, event_id, event_type, attempts, COALESCE(error_message, ''), processed_at
        FROM webhook_events
        WHERE status = 'FAILED' AND created_at >= $1 AND created_at <= $2
    `, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to list failed webhook events: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var f domain.FailedWebhook
		if err := rows.Scan(&f.ID, &f.EventID, &f.EventType, &f.Attempts, &f.ErrorMessage, &f.ProcessedAt); err != nil {
			return nil, err
		}
		stats.Failures = append(stats.Failures, f)
	}
	return stats, rows.Err()
}

// MarkWebhookSucceeded marks the event SUCCESS inside the ledger transaction so
// the status commits together with the business changes.
func (t *LedgerTx) MarkWebhookSucceeded(ctx context.Context, id int64, at time.Time) error {
	return markWebhookSucceeded(ctx, t.tx, id, at)
}
