/*
Copyright 2024 The Reviewpipe Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package reviewpipe

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"

	"github.com/reviewpipe/reviewpipe/config"
	"github.com/reviewpipe/reviewpipe/database"
	"github.com/reviewpipe/reviewpipe/internal/notification"
	"github.com/reviewpipe/reviewpipe/model"
)

var (
	// ErrDuplicateDelivery is returned for a job whose claim is already settled
	// as done or dead. The delivery must be acknowledged without processing.
	ErrDuplicateDelivery = errors.New("duplicate delivery")
	// ErrClaimInFlight is returned while another worker holds a live claim on
	// the job. The delivery must be retried: if the holder crashed, a later
	// delivery takes the claim over once its lease has run out.
	ErrClaimInFlight = errors.New("job claim is held by another worker")
	// ErrDeadLettered is returned once a job exhausted its attempts and was
	// routed to the dead-letter queue.
	ErrDeadLettered = errors.New("job dead-lettered")
)

// claimRetention is how long settled claims are kept in redis.
const claimRetention = 7 * 24 * time.Hour

// ClaimInFlightError reports a live claim held by another worker and how much
// of its lease is left.
type ClaimInFlightError struct {
	Key       string
	Owner     string
	Remaining time.Duration
}

func (e *ClaimInFlightError) Error() string {
	return fmt.Sprintf("%s: %s held by %s for %s", ErrClaimInFlight, e.Key, e.Owner, e.Remaining.Round(time.Second))
}

func (e *ClaimInFlightError) Is(target error) bool {
	return target == ErrClaimInFlight
}

// ClaimStore takes and releases idempotency claims atomically.
type ClaimStore interface {
	Claim(ctx context.Context, key, jobID, owner string, lease time.Duration) (*model.JobClaim, bool, error)
	Release(ctx context.Context, key, owner string, status model.ClaimStatus, lastError string) error
}

// PostgresClaimStore keeps claims in the job_claims table.
type PostgresClaimStore struct {
	datasource database.IDataSource
}

func NewPostgresClaimStore(ds database.IDataSource) *PostgresClaimStore {
	return &PostgresClaimStore{datasource: ds}
}

func (s *PostgresClaimStore) Claim(ctx context.Context, key, jobID, owner string, lease time.Duration) (*model.JobClaim, bool, error) {
	return s.datasource.ClaimJob(ctx, key, jobID, owner, lease)
}

func (s *PostgresClaimStore) Release(ctx context.Context, key, owner string, status model.ClaimStatus, lastError string) error {
	return s.datasource.ReleaseClaim(ctx, key, owner, status, lastError)
}

type GateOptions struct {
	// Owner identifies this worker on the claims it takes.
	Owner       string
	Lease       time.Duration
	MaxAttempts int
}

// IdempotencyGate runs a job's side effects at most once per idempotency key,
// however often the broker delivers it.
type IdempotencyGate struct {
	claims      ClaimStore
	datasource  database.IDataSource
	publisher   Publisher
	owner       string
	lease       time.Duration
	maxAttempts int
}

func NewIdempotencyGate(claims ClaimStore, ds database.IDataSource, publisher Publisher, opts GateOptions) *IdempotencyGate {
	if opts.Owner == "" {
		host, _ := os.Hostname()
		opts.Owner = fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
	}
	if opts.Lease <= 0 {
		opts.Lease = 15 * time.Minute
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = config.DefaultMaxRetries
	}
	return &IdempotencyGate{
		claims:      claims,
		datasource:  ds,
		publisher:   publisher,
		owner:       opts.Owner,
		lease:       opts.Lease,
		maxAttempts: opts.MaxAttempts,
	}
}

// Process claims job and runs fn. On success the claim is settled as done. On
// failure it is released for the next delivery, or, once the claim has been
// taken MaxAttempts times, the job is dead-lettered.
func (g *IdempotencyGate) Process(ctx context.Context, job *model.WorkflowJob, fn func(ctx context.Context, job *model.WorkflowJob) error) error {
	ctx, span := otel.Tracer("IdempotencyGate").Start(ctx, "Processing workflow job")
	defer span.End()

	key := job.IdempotencyKey()
	logger := logrus.WithFields(logrus.Fields{"job_id": job.JobID, "claim_key": key})

	claim, acquired, err := g.claims.Claim(ctx, key, job.JobID, g.owner, g.lease)
	if err != nil {
		return fmt.Errorf("claim %s: %w", key, err)
	}
	if !acquired {
		if claim != nil && (claim.Status == model.ClaimDone || claim.Status == model.ClaimDead) {
			logger.WithField("claim_status", claim.Status).Info("discarding redelivered job")
			return fmt.Errorf("%w: %s is %s", ErrDuplicateDelivery, key, claim.Status)
		}
		inFlight := &ClaimInFlightError{Key: key}
		if claim != nil {
			inFlight.Owner = claim.Owner
			inFlight.Remaining = time.Until(claim.LeaseUntil)
		}
		if inFlight.Remaining < 0 {
			inFlight.Remaining = 0
		}
		logger.WithFields(logrus.Fields{
			"holder":          inFlight.Owner,
			"lease_remaining": inFlight.Remaining.String(),
		}).Info("job claimed by another worker, retrying later")
		return inFlight
	}

	g.updateJob(ctx, job.JobID, model.JobProcessing, claim.Attempts, "")

	procErr := fn(ctx, job)
	// Settle even when the worker context was cancelled mid-run.
	settleCtx := context.WithoutCancel(ctx)

	if procErr == nil {
		if err := g.claims.Release(settleCtx, key, g.owner, model.ClaimDone, ""); err != nil {
			logger.WithError(err).Error("failed to settle claim as done")
		}
		g.updateJob(settleCtx, job.JobID, model.JobCompleted, claim.Attempts, "")
		return nil
	}

	span.RecordError(procErr)
	if claim.Attempts >= g.maxAttempts {
		return g.deadLetter(settleCtx, job, key, claim.Attempts, procErr)
	}

	logger.WithError(procErr).WithField("attempt", claim.Attempts).Warn("workflow job failed, releasing claim for retry")
	if err := g.claims.Release(settleCtx, key, g.owner, model.ClaimAvailable, procErr.Error()); err != nil {
		logger.WithError(err).Error("failed to release claim")
	}
	g.updateJob(settleCtx, job.JobID, model.JobFailed, claim.Attempts, procErr.Error())
	return procErr
}

func (g *IdempotencyGate) deadLetter(ctx context.Context, job *model.WorkflowJob, key string, attempts int, cause error) error {
	logger := logrus.WithFields(logrus.Fields{"job_id": job.JobID, "attempts": attempts})

	if err := g.publisher.DeadLetter(ctx, job, cause.Error()); err != nil {
		// The claim stays available so the next delivery tries the dead-letter
		// route again.
		logger.WithError(err).Error("failed to dead-letter workflow job")
		_ = g.claims.Release(ctx, key, g.owner, model.ClaimAvailable, cause.Error())
		return fmt.Errorf("dead-letter %s: %w", job.JobID, err)
	}
	if err := g.claims.Release(ctx, key, g.owner, model.ClaimDead, cause.Error()); err != nil {
		logger.WithError(err).Error("failed to settle claim as dead")
	}
	g.updateJob(ctx, job.JobID, model.JobDeadLettered, attempts, cause.Error())
	notification.NotifyError(fmt.Errorf("workflow job %s dead-lettered after %d attempts: %w", job.JobID, attempts, cause))
	return fmt.Errorf("%w after %d attempts: %v", ErrDeadLettered, attempts, cause)
}

func (g *IdempotencyGate) updateJob(ctx context.Context, jobID string, status model.JobStatus, attempts int, lastError string) {
	if g.datasource == nil {
		return
	}
	if err := g.datasource.UpdateWorkflowJobStatus(ctx, jobID, status, attempts, lastError); err != nil {
		logrus.WithError(err).WithField("job_id", jobID).Warn("failed to update workflow job status")
	}
}
