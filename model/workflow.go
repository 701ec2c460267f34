package model

import (
	"encoding/json"
	"fmt"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

type JobStatus string

const (
	JobPending      JobStatus = "pending"
	JobProcessing   JobStatus = "processing"
	JobCompleted    JobStatus = "completed"
	JobFailed       JobStatus = "failed"
	JobDeadLettered JobStatus = "dead_lettered"
)

// WorkflowJob is the unit of work placed on the durable queue.
type WorkflowJob struct {
	JobID         string          `json:"job_id"`
	Platform      string          `json:"platform_type"`
	Event         string          `json:"event"`
	Action        string          `json:"action,omitempty"`
	CorrelationID string          `json:"correlation_id"`
	Payload       json.RawMessage `json:"payload"`
	Status        JobStatus       `json:"status,omitempty"`
	Attempts      int             `json:"attempts,omitempty"`
	LastError     string          `json:"last_error,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// IdempotencyKey is stable across redeliveries of the same logical event.
func (j WorkflowJob) IdempotencyKey() string {
	return fmt.Sprintf("%s:%s", j.CorrelationID, j.Event)
}

func (j WorkflowJob) Validate() error {
	return validation.ValidateStruct(&j,
		validation.Field(&j.JobID, validation.Required),
		validation.Field(&j.Platform, validation.Required),
		validation.Field(&j.Event, validation.Required),
		validation.Field(&j.CorrelationID, validation.Required),
	)
}

type OutboxStatus string

const (
	OutboxPending    OutboxStatus = "pending"
	OutboxDispatched OutboxStatus = "dispatched"
	// OutboxFailed rows are never fetched again.
	OutboxFailed OutboxStatus = "failed"
)

// OutboxMessage is written in the same transaction as the fact it announces.
type OutboxMessage struct {
	MessageID    string          `json:"message_id"`
	AggregateID  string          `json:"aggregate_id"`
	Topic        string          `json:"topic"`
	Payload      json.RawMessage `json:"payload"`
	Status       OutboxStatus    `json:"status"`
	Attempts     int             `json:"attempts"`
	LastError    string          `json:"last_error,omitempty"`
	LockedUntil  *time.Time      `json:"locked_until,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	DispatchedAt *time.Time      `json:"dispatched_at,omitempty"`
}

type ClaimStatus string

const (
	ClaimClaimed   ClaimStatus = "claimed"
	ClaimAvailable ClaimStatus = "available"
	ClaimDone      ClaimStatus = "done"
	ClaimDead      ClaimStatus = "dead"
)

type JobClaim struct {
	ClaimKey   string      `json:"claim_key"`
	JobID      string      `json:"job_id"`
	Owner      string      `json:"owner"`
	Status     ClaimStatus `json:"status"`
	Attempts   int         `json:"attempts"`
	LeaseUntil time.Time   `json:"lease_until"`
	LastError  string      `json:"last_error,omitempty"`
	UpdatedAt  time.Time   `json:"updated_at"`
}
