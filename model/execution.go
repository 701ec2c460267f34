package model

import (
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

type ExecutionStatus string

const (
	ExecutionPending    ExecutionStatus = "PENDING"
	ExecutionInProgress ExecutionStatus = "IN_PROGRESS"
	ExecutionSuccess    ExecutionStatus = "SUCCESS"
	ExecutionError      ExecutionStatus = "ERROR"
	ExecutionSkipped    ExecutionStatus = "SKIPPED"
)

// IsTerminal reports whether no further stage writes are expected for the execution.
func (s ExecutionStatus) IsTerminal() bool {
	return s == ExecutionSuccess || s == ExecutionError || s == ExecutionSkipped
}

// ReviewSubject identifies the pull request a review run is about.
type ReviewSubject struct {
	Platform          string `json:"platform"`
	RepositoryID      string `json:"repository_id"`
	Owner             string `json:"owner"`
	Repository        string `json:"repository"`
	PullRequestNumber int    `json:"pull_request_number"`
	HeadSHA           string `json:"head_sha"`
	BaseSHA           string `json:"base_sha,omitempty"`
	Draft             bool   `json:"draft"`
}

func (s ReviewSubject) Validate() error {
	return validation.ValidateStruct(&s,
		validation.Field(&s.RepositoryID, validation.Required),
		validation.Field(&s.Owner, validation.Required),
		validation.Field(&s.Repository, validation.Required),
		validation.Field(&s.PullRequestNumber, validation.Required, validation.Min(1)),
	)
}

type PipelineExecution struct {
	ExecutionID       string                 `json:"execution_id"`
	Platform          string                 `json:"platform"`
	RepositoryID      string                 `json:"repository_id"`
	PullRequestNumber int                    `json:"pull_request_number"`
	HeadSHA           string                 `json:"head_sha"`
	CorrelationID     string                 `json:"correlation_id,omitempty"`
	Status            ExecutionStatus        `json:"status"`
	Message           string                 `json:"message,omitempty"`
	LastStage         string                 `json:"last_stage,omitempty"`
	MetaData          map[string]interface{} `json:"meta_data,omitempty"`
	CreatedAt         time.Time              `json:"created_at"`
	UpdatedAt         time.Time              `json:"updated_at"`
	FinishedAt        *time.Time             `json:"finished_at,omitempty"`
}

// ExecutionFilter selects the executions an update applies to. An explicit
// ExecutionID wins over the repository and pull request pair.
type ExecutionFilter struct {
	ExecutionID       string
	RepositoryID      string
	PullRequestNumber int
	Statuses          []ExecutionStatus
}

type ExecutionPatch struct {
	Status     ExecutionStatus
	FinishedAt *time.Time
}
