package model

import "time"

type StageStatus string

const (
	StageInProgress StageStatus = "IN_PROGRESS"
	StageSuccess    StageStatus = "SUCCESS"
	StageError      StageStatus = "ERROR"
	StageSkipped    StageStatus = "SKIPPED"
)

type Visibility string

const (
	VisibilityPrimary   Visibility = "primary"
	VisibilitySecondary Visibility = "secondary"
	VisibilityInternal  Visibility = "internal"
)

// StageExecutionLog is one row per stage attempt within an execution.
type StageExecutionLog struct {
	LogID       string                 `json:"log_id"`
	ExecutionID string                 `json:"execution_id"`
	StageName   string                 `json:"stage_name"`
	Status      StageStatus            `json:"status"`
	Message     string                 `json:"message,omitempty"`
	MetaData    map[string]interface{} `json:"meta_data,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
	FinishedAt  *time.Time             `json:"finished_at,omitempty"`
}

// PartialError is the persisted view of a per-item failure inside a stage.
type PartialError struct {
	Stage    string                 `json:"stage"`
	Item     string                 `json:"item"`
	Error    string                 `json:"error"`
	MetaData map[string]interface{} `json:"meta_data,omitempty"`
}
