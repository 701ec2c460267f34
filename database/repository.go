package database

import (
	"context"
	"errors"
	"time"

	"github.com/reviewpipe/reviewpipe/model"
)

var errConnectionNotInitialized = errors.New("database connection was not initialized")

// IDataSource defines the interface for data source operations, grouping related functionalities.
type IDataSource interface {
	execution   // Pipeline execution records
	stageLog    // Stage execution log rows
	outbox      // Workflow jobs and their outbox messages
	workflowJob // Workflow job lifecycle
	claims      // Idempotency claims
}

type execution interface {
	CreateExecution(ctx context.Context, exec *model.PipelineExecution) error
	GetExecution(ctx context.Context, id string) (*model.PipelineExecution, error)
	FindActiveExecution(ctx context.Context, repositoryID string, pullRequestNumber int) (*model.PipelineExecution, error)
	FindLastSuccessfulExecution(ctx context.Context, repositoryID string, pullRequestNumber int) (*model.PipelineExecution, error)
	UpdateExecution(ctx context.Context, filter model.ExecutionFilter, patch model.ExecutionPatch, message, stageName string) (int64, error)
}

type stageLog interface {
	InsertStageLog(ctx context.Context, log *model.StageExecutionLog) (bool, error)
	FindInProgressStageLog(ctx context.Context, executionID, stageName string) (*model.StageExecutionLog, error)
	UpdateStageLog(ctx context.Context, log *model.StageExecutionLog) (bool, error)
	ListStageLogs(ctx context.Context, executionID string) ([]model.StageExecutionLog, error)
}

type outbox interface {
	CreateWorkflowJobWithOutbox(ctx context.Context, job *model.WorkflowJob, msg *model.OutboxMessage) (bool, error)
	FetchPendingOutbox(ctx context.Context, limit int, lease time.Duration) ([]model.OutboxMessage, error)
	MarkOutboxDispatched(ctx context.Context, messageID string) error
	ReleaseOutboxMessage(ctx context.Context, messageID, cause string) error
	FailOutboxMessage(ctx context.Context, messageID, cause string) error
}

type workflowJob interface {
	GetWorkflowJob(ctx context.Context, jobID string) (*model.WorkflowJob, error)
	UpdateWorkflowJobStatus(ctx context.Context, jobID string, status model.JobStatus, attempts int, lastError string) error
}

type claims interface {
	ClaimJob(ctx context.Context, key, jobID, owner string, lease time.Duration) (*model.JobClaim, bool, error)
	ReleaseClaim(ctx context.Context, key, owner string, status model.ClaimStatus, lastError string) error
}
