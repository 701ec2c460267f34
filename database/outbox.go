package database

import (
	"context"
	"database/sql"
	"sort"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/reviewpipe/reviewpipe/internal/apierror"
	"github.com/reviewpipe/reviewpipe/model"
)

// CreateWorkflowJobWithOutbox writes the job and its outbox message in one
// transaction. It returns false without writing anything when a job with the
// same idempotency key already exists.
func (d Datasource) CreateWorkflowJobWithOutbox(ctx context.Context, job *model.WorkflowJob, msg *model.OutboxMessage) (bool, error) {
	ctx, span := otel.Tracer("Outbox").Start(ctx, "Saving workflow job with outbox message")
	defer span.End()

	now := time.Now()
	if job.JobID == "" {
		job.JobID = model.NewID(model.PrefixJob)
	}
	if job.Status == "" {
		job.Status = model.JobPending
	}
	job.CreatedAt, job.UpdatedAt = now, now

	if msg.MessageID == "" {
		msg.MessageID = model.NewID(model.PrefixOutbox)
	}
	msg.AggregateID = job.JobID
	msg.Status = model.OutboxPending
	msg.CreatedAt = now

	tx, err := d.Conn.BeginTx(ctx, nil)
	if err != nil {
		return false, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to begin transaction", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	result, err := tx.ExecContext(ctx, `
		INSERT INTO reviewpipe.workflow_jobs (
			job_id, platform, event, action, correlation_id, idempotency_key, payload, status, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (idempotency_key) DO NOTHING
	`, job.JobID, job.Platform, job.Event, job.Action, job.CorrelationID, job.IdempotencyKey(),
		[]byte(job.Payload), job.Status, job.CreatedAt, job.UpdatedAt)
	if err != nil {
		return false, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to insert workflow job", err)
	}

	inserted, err := result.RowsAffected()
	if err != nil {
		return false, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to read affected rows", err)
	}
	if inserted == 0 {
		return false, nil
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO reviewpipe.outbox_messages (
			message_id, aggregate_id, topic, payload, status, created_at
		) VALUES ($1, $2, $3, $4, $5, $6)
	`, msg.MessageID, msg.AggregateID, msg.Topic, []byte(msg.Payload), msg.Status, msg.CreatedAt)
	if err != nil {
		return false, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to insert outbox message", err)
	}

	if err := tx.Commit(); err != nil {
		return false, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to commit workflow job", err)
	}
	return true, nil
}

// FetchPendingOutbox leases up to limit undispatched messages, oldest first.
// Rows leased by another relay are skipped until their lease runs out.
func (d Datasource) FetchPendingOutbox(ctx context.Context, limit int, lease time.Duration) ([]model.OutboxMessage, error) {
	ctx, span := otel.Tracer("Outbox").Start(ctx, "Fetching pending outbox messages")
	defer span.End()

	now := time.Now()
	rows, err := d.Conn.QueryContext(ctx, `
		UPDATE reviewpipe.outbox_messages
		SET locked_until = $2
		WHERE id IN (
			SELECT id FROM reviewpipe.outbox_messages
			WHERE status = 'pending' AND (locked_until IS NULL OR locked_until < $3)
			ORDER BY created_at
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING message_id, aggregate_id, topic, payload, status, attempts, COALESCE(last_error, ''), locked_until, created_at
	`, limit, now.Add(lease), now)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to fetch pending outbox messages", err)
	}
	defer rows.Close()

	messages := []model.OutboxMessage{}
	for rows.Next() {
		msg := model.OutboxMessage{}
		var payload []byte
		var lockedUntil sql.NullTime
		if err := rows.Scan(&msg.MessageID, &msg.AggregateID, &msg.Topic, &payload, &msg.Status,
			&msg.Attempts, &msg.LastError, &lockedUntil, &msg.CreatedAt); err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan outbox message", err)
		}
		msg.Payload = payload
		if lockedUntil.Valid {
			msg.LockedUntil = &lockedUntil.Time
		}
		messages = append(messages, msg)
	}
	if err = rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Error occurred while iterating over outbox messages", err)
	}
	// RETURNING does not keep the subquery's order.
	sort.SliceStable(messages, func(i, j int) bool {
		return messages[i].CreatedAt.Before(messages[j].CreatedAt)
	})
	return messages, nil
}

func (d Datasource) MarkOutboxDispatched(ctx context.Context, messageID string) error {
	ctx, span := otel.Tracer("Outbox").Start(ctx, "Marking outbox message dispatched")
	defer span.End()

	_, err := d.Conn.ExecContext(ctx, `
		UPDATE reviewpipe.outbox_messages
		SET status = 'dispatched', dispatched_at = $2, locked_until = NULL
		WHERE message_id = $1
	`, messageID, time.Now())
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to mark outbox message dispatched", err)
	}
	return nil
}

// ReleaseOutboxMessage returns a leased message to the pending pool after a
// failed publish so the next scan picks it up again.
func (d Datasource) ReleaseOutboxMessage(ctx context.Context, messageID, cause string) error {
	ctx, span := otel.Tracer("Outbox").Start(ctx, "Releasing outbox message")
	defer span.End()

	_, err := d.Conn.ExecContext(ctx, `
		UPDATE reviewpipe.outbox_messages
		SET attempts = attempts + 1, last_error = $2, locked_until = NULL
		WHERE message_id = $1 AND status = 'pending'
	`, messageID, cause)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to release outbox message", err)
	}
	return nil
}

// FailOutboxMessage parks a leased message that can never be published.
func (d Datasource) FailOutboxMessage(ctx context.Context, messageID, cause string) error {
	ctx, span := otel.Tracer("Outbox").Start(ctx, "Failing outbox message")
	defer span.End()

	_, err := d.Conn.ExecContext(ctx, `
		UPDATE reviewpipe.outbox_messages
		SET status = 'failed', attempts = attempts + 1, last_error = $2, locked_until = NULL
		WHERE message_id = $1 AND status = 'pending'
	`, messageID, cause)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to mark outbox message failed", err)
	}
	return nil
}
