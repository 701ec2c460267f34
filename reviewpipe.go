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
	"embed"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/reviewpipe/reviewpipe/config"
	"github.com/reviewpipe/reviewpipe/database"
	"github.com/reviewpipe/reviewpipe/internal/analyzer"
	"github.com/reviewpipe/reviewpipe/internal/cache"
	redlock "github.com/reviewpipe/reviewpipe/internal/lock"
	"github.com/reviewpipe/reviewpipe/internal/platform"
	redis_db "github.com/reviewpipe/reviewpipe/internal/redis-db"
	"github.com/reviewpipe/reviewpipe/model"
)

//go:embed sql/*.sql
var SQLFiles embed.FS

// FileAnalyzer produces line comments for one changed file.
type FileAnalyzer interface {
	AnalyzeFile(ctx context.Context, subject model.ReviewSubject, file analyzer.File) ([]model.LineComment, error)
}

// ReviewPipe wires the review pipeline to its stores, queue and platforms.
type ReviewPipe struct {
	datasource database.IDataSource
	redis      redis.UniversalClient
	queue      Publisher
	cache      cache.Cache
	platforms  map[string]platform.Client
	analyzer   FileAnalyzer
	gate       *IdempotencyGate
	conf       *config.Configuration
	nudge      chan struct{}
}

// NewReviewPipe builds the service from the loaded configuration. A missing
// platform token or analyzer url is logged and only fails the runs that need
// them.
func NewReviewPipe(db database.IDataSource) (*ReviewPipe, error) {
	cfg, err := config.Fetch()
	if err != nil {
		return nil, err
	}

	redisClient, err := redis_db.FromConfig(cfg.Redis)
	if err != nil {
		return nil, err
	}

	rp := &ReviewPipe{
		datasource: db,
		redis:      redisClient.Client(),
		queue:      NewQueue(cfg),
		cache:      cache.NewCache(redisClient.Client()),
		platforms:  map[string]platform.Client{},
		nudge:      make(chan struct{}, 1),
		conf:       cfg,
	}

	github, err := platform.NewGitHubClient(cfg.Platform.GitHub, cfg.Delivery.RequestTimeout)
	switch {
	case err == nil:
		rp.platforms[platform.GitHub] = github
	case errors.Is(err, platform.ErrMissingCredentials):
		logrus.Warn("GitHub token not configured, reviews for github will fail")
	default:
		return nil, err
	}

	analyzerClient, err := analyzer.NewClient(cfg.Analyzer)
	switch {
	case err == nil:
		rp.analyzer = analyzerClient
	case errors.Is(err, analyzer.ErrNotConfigured):
		logrus.Warn("analyzer url not configured, analyze_files will fail")
	default:
		return nil, err
	}

	var claims ClaimStore
	switch cfg.Claims.Backend {
	case config.ClaimBackendRedis:
		claims = redlock.NewClaimStore(rp.redis, "reviewpipe:claims", claimRetention)
	default:
		claims = NewPostgresClaimStore(db)
	}

	rp.gate = NewIdempotencyGate(claims, db, rp.queue, GateOptions{
		Lease:       cfg.Claims.Lease,
		MaxAttempts: cfg.Queue.MaxRetryAttempts,
	})
	return rp, nil
}

// DataSource exposes the store the service was built with.
func (r *ReviewPipe) DataSource() database.IDataSource {
	return r.datasource
}

// Redis returns the shared redis client.
func (r *ReviewPipe) Redis() redis.UniversalClient {
	return r.redis
}

func (r *ReviewPipe) platformFor(name string) (platform.Client, error) {
	client, ok := r.platforms[name]
	if !ok || client == nil {
		return nil, fmt.Errorf("%w: %s", platform.ErrMissingCredentials, name)
	}
	return client, nil
}

// nudgeRelay wakes the outbox relay without waiting for its next tick. It never
// blocks.
func (r *ReviewPipe) nudgeRelay() {
	if r.nudge == nil {
		return
	}
	select {
	case r.nudge <- struct{}{}:
	default:
	}
}

func (r *ReviewPipe) deliveryConfig() config.DeliveryConfig {
	if r.conf == nil {
		return config.DeliveryConfig{}
	}
	return r.conf.Delivery
}
