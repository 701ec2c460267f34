package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/reviewpipe/reviewpipe/internal/apierror"
	"github.com/reviewpipe/reviewpipe/model"
)

func (d Datasource) GetWorkflowJob(ctx context.Context, jobID string) (*model.WorkflowJob, error) {
	ctx, span := otel.Tracer("WorkflowJob").Start(ctx, "Fetching workflow job from db")
	defer span.End()

	job := model.WorkflowJob{}
	var payload []byte
	err := d.Conn.QueryRowContext(ctx, `
		SELECT job_id, platform, event, COALESCE(action, ''), correlation_id, payload, status, attempts,
			COALESCE(last_error, ''), created_at, updated_at
		FROM reviewpipe.workflow_jobs
		WHERE job_id = $1
	`, jobID).Scan(&job.JobID, &job.Platform, &job.Event, &job.Action, &job.CorrelationID, &payload,
		&job.Status, &job.Attempts, &job.LastError, &job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Workflow job with ID '%s' not found", jobID), err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve workflow job", err)
	}
	job.Payload = payload
	return &job, nil
}

func (d Datasource) UpdateWorkflowJobStatus(ctx context.Context, jobID string, status model.JobStatus, attempts int, lastError string) error {
	ctx, span := otel.Tracer("WorkflowJob").Start(ctx, "Updating workflow job status")
	defer span.End()

	_, err := d.Conn.ExecContext(ctx, `
		UPDATE reviewpipe.workflow_jobs
		SET status = $2, attempts = $3, last_error = $4, updated_at = $5
		WHERE job_id = $1
	`, jobID, status, attempts, lastError, time.Now())
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to update workflow job status", err)
	}
	return nil
}
