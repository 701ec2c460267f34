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
	"log"
	"time"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"

	"github.com/reviewpipe/reviewpipe/config"
	redis_db "github.com/reviewpipe/reviewpipe/internal/redis-db"
	"github.com/reviewpipe/reviewpipe/model"
)

// ErrAlreadyEnqueued means a task for the job is already on the queue.
var ErrAlreadyEnqueued = errors.New("workflow job already enqueued")

const deadLetterRetention = 30 * 24 * time.Hour

// Publisher hands workflow jobs to the durable queue.
type Publisher interface {
	Publish(ctx context.Context, job *model.WorkflowJob) error
	DeadLetter(ctx context.Context, job *model.WorkflowJob, cause string) error
}

// DeadLetter is what the dead-letter queue holds for manual inspection.
type DeadLetter struct {
	Job            model.WorkflowJob `json:"job"`
	Cause          string            `json:"cause"`
	DeadLetteredAt time.Time         `json:"dead_lettered_at"`
}

// Queue publishes workflow jobs on asynq.
type Queue struct {
	Client          *asynq.Client
	Inspector       *asynq.Inspector
	workflowQueue   string
	deadLetterQueue string
	maxRetry        int
}

func NewQueue(conf *config.Configuration) *Queue {
	redisOption, err := redis_db.ParseRedisURL(conf.Redis.Dns, conf.Redis.SkipTLSVerify)
	if err != nil {
		log.Fatalf("Error parsing Redis URL: %v", err)
	}

	queueOptions := asynq.RedisClientOpt{Addr: redisOption.Addr, Password: redisOption.Password, DB: redisOption.DB, TLSConfig: redisOption.TLSConfig}
	return &Queue{
		Client:          asynq.NewClient(queueOptions),
		Inspector:       asynq.NewInspector(queueOptions),
		workflowQueue:   conf.Queue.WorkflowQueue,
		deadLetterQueue: conf.Queue.DeadLetterQueue,
		maxRetry:        conf.Queue.MaxRetryAttempts,
	}
}

// newWorkflowTask builds the task for job. The job id is the task id so a
// second publish of the same job is rejected by the broker.
func newWorkflowTask(queue string, maxRetry int, job *model.WorkflowJob) (*asynq.Task, error) {
	payload, err := json.Marshal(job)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(queue, payload,
		asynq.TaskID(job.JobID),
		asynq.Queue(queue),
		asynq.MaxRetry(maxRetry),
	), nil
}

func newDeadLetterTask(queue string, job *model.WorkflowJob, cause string) (*asynq.Task, error) {
	payload, err := json.Marshal(DeadLetter{Job: *job, Cause: cause, DeadLetteredAt: time.Now().UTC()})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(queue, payload,
		asynq.TaskID(job.JobID),
		asynq.Queue(queue),
		asynq.MaxRetry(0),
		asynq.Retention(deadLetterRetention),
	), nil
}

func (q *Queue) Publish(ctx context.Context, job *model.WorkflowJob) error {
	ctx, span := otel.Tracer("Queue").Start(ctx, "Publishing workflow job")
	defer span.End()

	task, err := newWorkflowTask(q.workflowQueue, q.maxRetry, job)
	if err != nil {
		return err
	}
	info, err := q.Client.EnqueueContext(ctx, task)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return ErrAlreadyEnqueued
	}
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("enqueue workflow job %s: %w", job.JobID, err)
	}
	logrus.WithFields(logrus.Fields{"job_id": job.JobID, "queue": info.Queue}).Info("workflow job enqueued")
	return nil
}

// DeadLetter parks job on the dead-letter queue. Nothing consumes that queue;
// its tasks stay visible in the monitoring UI and through DeadLetters.
func (q *Queue) DeadLetter(ctx context.Context, job *model.WorkflowJob, cause string) error {
	task, err := newDeadLetterTask(q.deadLetterQueue, job, cause)
	if err != nil {
		return err
	}
	_, err = q.Client.EnqueueContext(ctx, task)
	if err != nil && !errors.Is(err, asynq.ErrTaskIDConflict) {
		return fmt.Errorf("dead-letter workflow job %s: %w", job.JobID, err)
	}
	logrus.WithFields(logrus.Fields{"job_id": job.JobID, "cause": cause}).Warn("workflow job dead-lettered")
	return nil
}

// DeadLetters lists the jobs waiting on the dead-letter queue.
func (q *Queue) DeadLetters(limit int) ([]DeadLetter, error) {
	tasks, err := q.Inspector.ListPendingTasks(q.deadLetterQueue, asynq.PageSize(limit))
	if err != nil {
		if errors.Is(err, asynq.ErrQueueNotFound) {
			return []DeadLetter{}, nil
		}
		return nil, err
	}
	out := make([]DeadLetter, 0, len(tasks))
	for _, t := range tasks {
		var dl DeadLetter
		if err := json.Unmarshal(t.Payload, &dl); err != nil {
			logrus.WithError(err).WithField("task_id", t.ID).Warn("unreadable dead letter")
			continue
		}
		out = append(out, dl)
	}
	return out, nil
}

func (q *Queue) Close() error {
	if err := q.Inspector.Close(); err != nil {
		return err
	}
	return q.Client.Close()
}
