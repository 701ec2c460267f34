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
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"

	"github.com/reviewpipe/reviewpipe/config"
	"github.com/reviewpipe/reviewpipe/database"
	redlock "github.com/reviewpipe/reviewpipe/internal/lock"
	"github.com/reviewpipe/reviewpipe/model"
)

const relayLockKey = "reviewpipe:outbox-relay"

// OutboxRelay publishes pending outbox messages to the queue. A message is only
// marked dispatched after the broker accepted it; anything else leaves it
// pending for the next pass.
type OutboxRelay struct {
	datasource   database.IDataSource
	publisher    Publisher
	redis        redis.UniversalClient
	nudge        <-chan struct{}
	batchSize    int
	pollInterval time.Duration
	lease        time.Duration
	maxAttempts  int
	instance     string
	stopCh       chan struct{}
	wg           sync.WaitGroup
	running      bool
	mu           sync.Mutex
}

func NewOutboxRelay(r *ReviewPipe) *OutboxRelay {
	cfg := config.OutboxConfig{PollInterval: 5 * time.Second, BatchSize: 100, Lease: 30 * time.Second}
	if r.conf != nil {
		cfg = r.conf.Outbox
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = config.DefaultOutboxMaxAttempts
	}
	host, _ := os.Hostname()
	return &OutboxRelay{
		datasource:   r.datasource,
		publisher:    r.queue,
		redis:        r.redis,
		nudge:        r.nudge,
		batchSize:    cfg.BatchSize,
		pollInterval: cfg.PollInterval,
		lease:        cfg.Lease,
		maxAttempts:  cfg.MaxAttempts,
		instance:     fmt.Sprintf("%s-%s", host, uuid.NewString()[:8]),
		stopCh:       make(chan struct{}),
	}
}

func (p *OutboxRelay) Start(ctx context.Context) {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.stopCh = make(chan struct{})
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.run(ctx)
	}()

	logrus.Info("Outbox relay started")
}

func (p *OutboxRelay) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.stopCh)
	p.mu.Unlock()

	p.wg.Wait()
	logrus.Info("Outbox relay stopped")
}

func (p *OutboxRelay) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *OutboxRelay) run(ctx context.Context) {
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	p.pass(ctx)
	for {
		select {
		case <-ctx.Done():
			logrus.Info("Outbox relay context cancelled")
			return
		case <-p.stopCh:
			logrus.Info("Outbox relay stop signal received")
			return
		case <-ticker.C:
			p.pass(ctx)
		case <-p.nudge:
			p.pass(ctx)
		}
	}
}

func (p *OutboxRelay) pass(ctx context.Context) {
	if _, err := p.RelayOnce(ctx); err != nil {
		logrus.WithError(err).Error("outbox relay pass failed")
	}
}

// RelayOnce runs a single pass and returns how many messages were dispatched.
// When another process holds the relay lock the pass is skipped.
func (p *OutboxRelay) RelayOnce(ctx context.Context) (int, error) {
	ctx, span := otel.Tracer("OutboxRelay").Start(ctx, "Relaying outbox messages")
	defer span.End()

	if p.redis != nil {
		locker := redlock.NewLocker(p.redis, relayLockKey, p.instance)
		if err := locker.Lock(ctx, p.lease); err != nil {
			if errors.Is(err, redlock.ErrLockHeld) {
				logrus.Debug("another relay pass is running, skipping")
				return 0, nil
			}
			logrus.WithError(err).Warn("relay lock unavailable, relying on row leases")
		} else {
			defer func() {
				if err := locker.Unlock(context.WithoutCancel(ctx)); err != nil {
					logrus.WithError(err).Warn("failed to release relay lock")
				}
			}()
		}
	}

	messages, err := p.datasource.FetchPendingOutbox(ctx, p.batchSize, p.lease)
	if err != nil {
		return 0, err
	}

	dispatched := 0
	for _, msg := range messages {
		if p.dispatch(ctx, msg) {
			dispatched++
		}
	}
	if len(messages) > 0 {
		logrus.WithFields(logrus.Fields{
			"fetched":    len(messages),
			"dispatched": dispatched,
		}).Info("outbox relay pass finished")
	}
	return dispatched, nil
}

func (p *OutboxRelay) dispatch(ctx context.Context, msg model.OutboxMessage) bool {
	logger := logrus.WithFields(logrus.Fields{"message_id": msg.MessageID, "job_id": msg.AggregateID})

	var job model.WorkflowJob
	if err := json.Unmarshal(msg.Payload, &job); err != nil {
		if msg.Attempts+1 >= p.maxAttempts {
			logger.WithError(err).WithField("attempts", msg.Attempts+1).Error("undecodable outbox message, marking failed")
			if err := p.datasource.FailOutboxMessage(ctx, msg.MessageID, err.Error()); err != nil {
				logger.WithError(err).Error("failed to mark outbox message failed")
			}
			return false
		}
		logger.WithError(err).Error("undecodable outbox message")
		p.release(ctx, msg.MessageID, err)
		return false
	}

	err := p.publisher.Publish(ctx, &job)
	if err != nil && !errors.Is(err, ErrAlreadyEnqueued) {
		logger.WithError(err).Warn("publish failed, message stays pending")
		p.release(ctx, msg.MessageID, err)
		return false
	}

	if err := p.datasource.MarkOutboxDispatched(ctx, msg.MessageID); err != nil {
		// The job is on the queue; the next pass publishes it again and gets a
		// task id conflict, which also counts as dispatched.
		logger.WithError(err).Error("failed to mark outbox message dispatched")
		return false
	}
	return true
}

func (p *OutboxRelay) release(ctx context.Context, messageID string, cause error) {
	if err := p.datasource.ReleaseOutboxMessage(ctx, messageID, cause.Error()); err != nil {
		logrus.WithError(err).WithField("message_id", messageID).Error("failed to release outbox message")
	}
}

// RelayOutbox runs one relay pass on demand.
func (r *ReviewPipe) RelayOutbox(ctx context.Context) (int, error) {
	return NewOutboxRelay(r).RelayOnce(ctx)
}
