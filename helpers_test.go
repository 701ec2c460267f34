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
	"fmt"
	"sync"
	"time"

	"github.com/reviewpipe/reviewpipe/config"
	"github.com/reviewpipe/reviewpipe/database/mocks"
	"github.com/reviewpipe/reviewpipe/internal/analyzer"
	"github.com/reviewpipe/reviewpipe/internal/platform"
	"github.com/reviewpipe/reviewpipe/model"
)

type createCall struct {
	Comment model.LineComment
	Commit  string
}

// fakePlatform answers platform calls from functions and records every call.
type fakePlatform struct {
	mu           sync.Mutex
	createCalls  []createCall
	updateCalls  []string
	create       func(n int, c model.LineComment) (*model.Comment, error)
	update       func(n int, id, body string) (*model.Comment, error)
	files        []platform.ChangedFile
	filesErr     error
	settings     []byte
	contentErr   error
	pullRequest  model.ReviewSubject
	contentCalls int
}

func (f *fakePlatform) CreateReviewComment(_ context.Context, _ model.ReviewSubject, c model.LineComment, commit string) (*model.Comment, error) {
	f.mu.Lock()
	f.createCalls = append(f.createCalls, createCall{Comment: c, Commit: commit})
	n := len(f.createCalls)
	f.mu.Unlock()
	if f.create == nil {
		return &model.Comment{ID: fmt.Sprintf("c-%d", n), Path: c.Path, Line: c.Line}, nil
	}
	return f.create(n, c)
}

func (f *fakePlatform) UpdateReviewComment(_ context.Context, _ model.ReviewSubject, id, body string) (*model.Comment, error) {
	f.mu.Lock()
	f.updateCalls = append(f.updateCalls, id)
	n := len(f.updateCalls)
	f.mu.Unlock()
	if f.update == nil {
		return &model.Comment{ID: id}, nil
	}
	return f.update(n, id, body)
}

func (f *fakePlatform) ListChangedFiles(context.Context, model.ReviewSubject) ([]platform.ChangedFile, error) {
	return f.files, f.filesErr
}

func (f *fakePlatform) GetFileContent(context.Context, model.ReviewSubject, string, string) ([]byte, error) {
	f.mu.Lock()
	f.contentCalls++
	f.mu.Unlock()
	if f.contentErr != nil {
		return nil, f.contentErr
	}
	if f.settings == nil {
		return nil, &platform.APIError{StatusCode: 404, Message: "Not Found"}
	}
	return f.settings, nil
}

func (f *fakePlatform) GetPullRequest(_ context.Context, subject model.ReviewSubject) (model.ReviewSubject, error) {
	subject.HeadSHA = f.pullRequest.HeadSHA
	subject.BaseSHA = f.pullRequest.BaseSHA
	return subject, nil
}

func (f *fakePlatform) creates() []createCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]createCall(nil), f.createCalls...)
}

// fakePublisher stands in for the asynq queue.
type fakePublisher struct {
	mu          sync.Mutex
	published   []string
	deadLetters []string
	publishErr  error
	deadErr     error
}

func (p *fakePublisher) Publish(_ context.Context, job *model.WorkflowJob) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.publishErr != nil {
		return p.publishErr
	}
	p.published = append(p.published, job.JobID)
	return nil
}

func (p *fakePublisher) DeadLetter(_ context.Context, job *model.WorkflowJob, _ string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.deadErr != nil {
		return p.deadErr
	}
	p.deadLetters = append(p.deadLetters, job.JobID)
	return nil
}

type fakeAnalyzer struct {
	comments map[string][]model.LineComment
	errs     map[string]error
}

func (a *fakeAnalyzer) AnalyzeFile(_ context.Context, _ model.ReviewSubject, file analyzer.File) ([]model.LineComment, error) {
	if err := a.errs[file.Path]; err != nil {
		return nil, err
	}
	return a.comments[file.Path], nil
}

func testConfig() *config.Configuration {
	cfg := &config.Configuration{
		Queue:    config.QueueConfig{WorkflowQueue: config.DefaultWorkflowQueue, DeadLetterQueue: config.DefaultDeadLetterQueue, MaxRetryAttempts: 5},
		Pipeline: config.PipelineConfig{AnalysisConcurrency: 2},
		Delivery: config.DeliveryConfig{MaxNetworkRetries: 2, Concurrency: 4},
		Outbox:   config.OutboxConfig{BatchSize: 10, Lease: 30 * time.Second, PollInterval: time.Second},
		Settings: config.SettingsConfig{FileName: ".reviewpipe.yml", CacheTTL: time.Minute},
	}
	config.MockConfig(cfg)
	return cfg
}

func newTestReviewPipe(ds *mocks.MockDataSource, client platform.Client, pub Publisher) *ReviewPipe {
	rp := &ReviewPipe{
		datasource: ds,
		queue:      pub,
		platforms:  map[string]platform.Client{platform.GitHub: client},
		nudge:      make(chan struct{}, 1),
		conf:       testConfig(),
	}
	rp.gate = NewIdempotencyGate(NewPostgresClaimStore(ds), ds, pub, GateOptions{Owner: "worker-1", MaxAttempts: 5})
	return rp
}

func testSubject() model.ReviewSubject {
	return model.ReviewSubject{
		Platform:          platform.GitHub,
		RepositoryID:      "1001",
		Owner:             "octo",
		Repository:        "app",
		PullRequestNumber: 12,
		HeadSHA:           "f00dbabe1234",
	}
}
