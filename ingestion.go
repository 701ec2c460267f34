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
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"

	"github.com/reviewpipe/reviewpipe/config"
	"github.com/reviewpipe/reviewpipe/internal/notification"
	"github.com/reviewpipe/reviewpipe/internal/platform"
	"github.com/reviewpipe/reviewpipe/model"
)

const (
	WebhookReceived = "Webhook received"
	WebhookIgnored  = "Webhook ignored (event not supported)"
)

// InboundEvent is a raw webhook as received from a platform.
type InboundEvent struct {
	Platform   string
	Event      string
	DeliveryID string
	Signature  string
	Payload    []byte
}

// IngestResult tells the webhook handler which answer to give. The answer is
// always a 200.
type IngestResult struct {
	Accepted  bool
	Duplicate bool
	JobID     string
}

// Message is the response body for the webhook sender.
func (r IngestResult) Message() string {
	if r.Accepted {
		return WebhookReceived
	}
	return WebhookIgnored
}

// IngestWebhook records a supported event as a workflow job and its outbox
// message in one transaction. No queue I/O happens here: the relay publishes
// the message later. Persistence failures are reported to operators and not to
// the sender.
func (r *ReviewPipe) IngestWebhook(ctx context.Context, ev InboundEvent) IngestResult {
	ctx, span := otel.Tracer("Ingestion").Start(ctx, "Ingesting webhook")
	defer span.End()

	logger := logrus.WithFields(logrus.Fields{
		"platform":    ev.Platform,
		"event":       ev.Event,
		"delivery_id": ev.DeliveryID,
	})

	if !platform.IsSupportedEvent(ev.Platform, ev.Event) {
		logger.Debug("ignoring unsupported webhook event")
		return IngestResult{}
	}
	if !r.signatureValid(ev) {
		logger.Warn("ignoring webhook with invalid signature")
		return IngestResult{}
	}
	if !json.Valid(ev.Payload) {
		logger.Warn("ignoring webhook with malformed payload")
		return IngestResult{}
	}

	correlationID := ev.DeliveryID
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	job := &model.WorkflowJob{
		JobID:         model.NewID(model.PrefixJob),
		Platform:      ev.Platform,
		Event:         ev.Event,
		Action:        platform.EventAction(ev.Payload),
		CorrelationID: correlationID,
		Payload:       json.RawMessage(ev.Payload),
		Status:        model.JobPending,
	}
	if err := job.Validate(); err != nil {
		logger.WithError(err).Warn("ignoring webhook that does not form a valid job")
		return IngestResult{}
	}

	msgPayload, err := json.Marshal(job)
	if err != nil {
		logger.WithError(err).Error("failed to encode outbox payload")
		return IngestResult{Accepted: true}
	}
	msg := &model.OutboxMessage{
		Topic:   r.workflowQueue(),
		Payload: msgPayload,
	}

	created, err := r.datasource.CreateWorkflowJobWithOutbox(ctx, job, msg)
	if err != nil {
		span.RecordError(err)
		logger.WithError(err).Error("failed to persist webhook")
		notification.NotifyError(fmt.Errorf("failed to persist %s %s webhook %s: %w", ev.Platform, ev.Event, correlationID, err))
		return IngestResult{Accepted: true}
	}
	if !created {
		logger.Info("duplicate webhook delivery, job already recorded")
		return IngestResult{Accepted: true, Duplicate: true}
	}

	logger.WithField("job_id", job.JobID).Info("webhook recorded")
	r.nudgeRelay()
	return IngestResult{Accepted: true, JobID: job.JobID}
}

func (r *ReviewPipe) signatureValid(ev InboundEvent) bool {
	if ev.Platform != platform.GitHub || r.conf == nil {
		return true
	}
	secret := r.conf.Platform.GitHub.WebhookSecret
	if secret == "" {
		return true
	}
	return platform.VerifySignature(secret, ev.Payload, ev.Signature)
}

func (r *ReviewPipe) workflowQueue() string {
	if r.conf == nil || r.conf.Queue.WorkflowQueue == "" {
		return config.DefaultWorkflowQueue
	}
	return r.conf.Queue.WorkflowQueue
}
