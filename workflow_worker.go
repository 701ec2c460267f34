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
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"

	"github.com/reviewpipe/reviewpipe/config"
	"github.com/reviewpipe/reviewpipe/internal/platform"
	"github.com/reviewpipe/reviewpipe/internal/retry"
	"github.com/reviewpipe/reviewpipe/model"
)

// ProcessWorkflowTask is the asynq handler of the workflow queue. Deliveries of
// settled jobs are acknowledged without work. A job claimed by another worker is
// retried, so it is not lost when that worker dies. Dead-lettered jobs are not
// retried again.
func (r *ReviewPipe) ProcessWorkflowTask(ctx context.Context, t *asynq.Task) error {
	ctx, span := otel.Tracer("reviewpipe.workflow.worker").Start(ctx, "Process workflow job from queue")
	defer span.End()

	var job model.WorkflowJob
	if err := json.Unmarshal(t.Payload(), &job); err != nil {
		logrus.WithError(err).Error("undecodable workflow task")
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}

	err := r.gate.Process(ctx, &job, r.handleWorkflowJob)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrDuplicateDelivery):
		return nil
	case errors.Is(err, ErrDeadLettered):
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	default:
		return err
	}
}

// handleWorkflowJob turns the job's event into a review run when the event
// asks for one.
func (r *ReviewPipe) handleWorkflowJob(ctx context.Context, job *model.WorkflowJob) error {
	logger := logrus.WithFields(logrus.Fields{"job_id": job.JobID, "event": job.Event, "action": job.Action})

	if job.Platform != platform.GitHub {
		logger.WithField("platform", job.Platform).Warn("no handler for platform, job dropped")
		return nil
	}
	trigger, err := platform.ParseGitHubEvent(job.Event, job.Payload)
	if err != nil {
		return err
	}
	if !trigger.Review {
		logger.WithField("reason", trigger.Reason).Info("event does not start a review")
		return nil
	}

	subject := trigger.Subject
	if trigger.NeedsHead {
		client, err := r.platformFor(subject.Platform)
		if err != nil {
			return err
		}
		subject, err = client.GetPullRequest(ctx, subject)
		if err != nil {
			return fmt.Errorf("resolve pull request head: %w", err)
		}
	}

	_, err = r.RunReview(ctx, subject, job.CorrelationID)
	return err
}

// claimLeaseSlack is added to a held claim's remaining lease before retrying.
const claimLeaseSlack = time.Second

// WorkflowRetryDelay spaces asynq retries of workflow jobs exponentially. A job
// whose claim is held elsewhere is retried just after that claim's lease ends.
func WorkflowRetryDelay(conf config.QueueConfig) asynq.RetryDelayFunc {
	base, max := conf.BaseBackoff, conf.MaxBackoff
	if base <= 0 {
		base = 10 * time.Second
	}
	if max <= 0 {
		max = 10 * time.Minute
	}
	return func(n int, err error, _ *asynq.Task) time.Duration {
		var inFlight *ClaimInFlightError
		if errors.As(err, &inFlight) && inFlight.Remaining > 0 {
			return inFlight.Remaining + claimLeaseSlack
		}
		// n counts the retries already made, starting at 0.
		return retry.ExponentialDelay(n+1, base, max)
	}
}
