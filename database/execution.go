package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	"go.opentelemetry.io/otel"

	"github.com/reviewpipe/reviewpipe/internal/apierror"
	"github.com/reviewpipe/reviewpipe/model"
)

var activeStatuses = []string{string(model.ExecutionPending), string(model.ExecutionInProgress)}

const executionColumns = `execution_id, platform, repository_id, pull_request_number, COALESCE(head_sha, ''),
			COALESCE(correlation_id, ''), status, COALESCE(message, ''), COALESCE(last_stage, ''), meta_data,
			created_at, updated_at, finished_at`

// CreateExecution records a new execution and supersedes any execution still
// active for the same pull request.
func (d Datasource) CreateExecution(ctx context.Context, exec *model.PipelineExecution) error {
	ctx, span := otel.Tracer("Execution").Start(ctx, "Saving pipeline execution to db")
	defer span.End()

	if exec.ExecutionID == "" {
		exec.ExecutionID = model.NewID(model.PrefixExecution)
	}
	if exec.Status == "" {
		exec.Status = model.ExecutionPending
	}
	now := time.Now()
	exec.CreatedAt = now
	exec.UpdatedAt = now

	metaDataJSON, err := json.Marshal(exec.MetaData)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInvalidInput, "Failed to marshal metadata", err)
	}

	tx, err := d.Conn.BeginTx(ctx, nil)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to begin transaction", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	_, err = tx.ExecContext(ctx, `
		UPDATE reviewpipe.pipeline_executions
		SET status = $1, message = $2, updated_at = $3, finished_at = $3
		WHERE repository_id = $4 AND pull_request_number = $5 AND status = ANY($6)
	`, model.ExecutionSkipped, fmt.Sprintf("superseded by %s", exec.ExecutionID), now,
		exec.RepositoryID, exec.PullRequestNumber, pq.Array(activeStatuses))
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to supersede active executions", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO reviewpipe.pipeline_executions (
			execution_id, platform, repository_id, pull_request_number, head_sha,
			correlation_id, status, message, meta_data, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, exec.ExecutionID, exec.Platform, exec.RepositoryID, exec.PullRequestNumber, exec.HeadSHA,
		exec.CorrelationID, exec.Status, exec.Message, metaDataJSON, exec.CreatedAt, exec.UpdatedAt)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code.Name() == "unique_violation" {
			return apierror.NewAPIError(apierror.ErrConflict, "Execution with this ID already exists", err)
		}
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to create execution", err)
	}

	if err := tx.Commit(); err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to commit execution", err)
	}
	return nil
}

func (d Datasource) GetExecution(ctx context.Context, id string) (*model.PipelineExecution, error) {
	ctx, span := otel.Tracer("Execution").Start(ctx, "Fetching pipeline execution from db")
	defer span.End()

	row := d.Conn.QueryRowContext(ctx, `
		SELECT `+executionColumns+`
		FROM reviewpipe.pipeline_executions
		WHERE execution_id = $1
	`, id)

	exec, err := scanExecution(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Execution with ID '%s' not found", id), err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve execution", err)
	}
	return exec, nil
}

// FindActiveExecution returns the newest PENDING or IN_PROGRESS execution for
// the pull request, or nil when there is none.
func (d Datasource) FindActiveExecution(ctx context.Context, repositoryID string, pullRequestNumber int) (*model.PipelineExecution, error) {
	ctx, span := otel.Tracer("Execution").Start(ctx, "Fetching active execution from db")
	defer span.End()

	return d.findLatestExecution(ctx, repositoryID, pullRequestNumber, activeStatuses)
}

func (d Datasource) FindLastSuccessfulExecution(ctx context.Context, repositoryID string, pullRequestNumber int) (*model.PipelineExecution, error) {
	ctx, span := otel.Tracer("Execution").Start(ctx, "Fetching last successful execution from db")
	defer span.End()

	return d.findLatestExecution(ctx, repositoryID, pullRequestNumber, []string{string(model.ExecutionSuccess)})
}

func (d Datasource) findLatestExecution(ctx context.Context, repositoryID string, pullRequestNumber int, statuses []string) (*model.PipelineExecution, error) {
	row := d.Conn.QueryRowContext(ctx, `
		SELECT `+executionColumns+`
		FROM reviewpipe.pipeline_executions
		WHERE repository_id = $1 AND pull_request_number = $2 AND status = ANY($3)
		ORDER BY created_at DESC
		LIMIT 1
	`, repositoryID, pullRequestNumber, pq.Array(statuses))

	exec, err := scanExecution(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve execution", err)
	}
	return exec, nil
}

// UpdateExecution applies patch to the executions selected by filter and
// returns the number of rows changed.
func (d Datasource) UpdateExecution(ctx context.Context, filter model.ExecutionFilter, patch model.ExecutionPatch, message, stageName string) (int64, error) {
	ctx, span := otel.Tracer("Execution").Start(ctx, "Updating pipeline execution")
	defer span.End()

	if filter.ExecutionID == "" && filter.RepositoryID == "" {
		return 0, apierror.NewAPIError(apierror.ErrInvalidInput, "execution filter requires an execution id or repository id", nil)
	}

	args := []interface{}{patch.Status, message, stageName, time.Now(), patch.FinishedAt}
	var conditions []string

	if filter.ExecutionID != "" {
		args = append(args, filter.ExecutionID)
		conditions = append(conditions, fmt.Sprintf("execution_id = $%d", len(args)))
	} else {
		args = append(args, filter.RepositoryID, filter.PullRequestNumber)
		conditions = append(conditions, fmt.Sprintf("repository_id = $%d AND pull_request_number = $%d", len(args)-1, len(args)))
	}

	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, s := range filter.Statuses {
			statuses[i] = string(s)
		}
		args = append(args, pq.Array(statuses))
		conditions = append(conditions, fmt.Sprintf("status = ANY($%d)", len(args)))
	}

	query := `
		UPDATE reviewpipe.pipeline_executions
		SET status = $1, message = $2, last_stage = $3, updated_at = $4, finished_at = COALESCE($5, finished_at)
		WHERE ` + strings.Join(conditions, " AND ")

	result, err := d.Conn.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to update execution", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to read affected rows", err)
	}
	return rows, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanExecution(row rowScanner) (*model.PipelineExecution, error) {
	exec := model.PipelineExecution{}
	var metaDataJSON []byte
	var finishedAt sql.NullTime

	err := row.Scan(&exec.ExecutionID, &exec.Platform, &exec.RepositoryID, &exec.PullRequestNumber, &exec.HeadSHA,
		&exec.CorrelationID, &exec.Status, &exec.Message, &exec.LastStage, &metaDataJSON,
		&exec.CreatedAt, &exec.UpdatedAt, &finishedAt)
	if err != nil {
		return nil, err
	}

	if len(metaDataJSON) > 0 {
		if err := json.Unmarshal(metaDataJSON, &exec.MetaData); err != nil {
			return nil, err
		}
	}
	if finishedAt.Valid {
		exec.FinishedAt = &finishedAt.Time
	}
	return &exec, nil
}
