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
package mocks

import (
	"context"
	"time"

	"github.com/reviewpipe/reviewpipe/model"
	"github.com/stretchr/testify/mock"
)

// MockDataSource is a mock implementation of the IDataSource interface
type MockDataSource struct {
	mock.Mock
}

// Execution methods

func (m *MockDataSource) CreateExecution(ctx context.Context, exec *model.PipelineExecution) error {
	args := m.Called(ctx, exec)
	return args.Error(0)
}

func (m *MockDataSource) GetExecution(ctx context.Context, id string) (*model.PipelineExecution, error) {
	args := m.Called(ctx, id)
	if exec := args.Get(0); exec != nil {
		return exec.(*model.PipelineExecution), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockDataSource) FindActiveExecution(ctx context.Context, repositoryID string, pullRequestNumber int) (*model.PipelineExecution, error) {
	args := m.Called(ctx, repositoryID, pullRequestNumber)
	if exec := args.Get(0); exec != nil {
		return exec.(*model.PipelineExecution), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockDataSource) FindLastSuccessfulExecution(ctx context.Context, repositoryID string, pullRequestNumber int) (*model.PipelineExecution, error) {
	args := m.Called(ctx, repositoryID, pullRequestNumber)
	if exec := args.Get(0); exec != nil {
		return exec.(*model.PipelineExecution), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockDataSource) UpdateExecution(ctx context.Context, filter model.ExecutionFilter, patch model.ExecutionPatch, message, stageName string) (int64, error) {
	args := m.Called(ctx, filter, patch, message, stageName)
	return args.Get(0).(int64), args.Error(1)
}

// Stage log methods

func (m *MockDataSource) InsertStageLog(ctx context.Context, log *model.StageExecutionLog) (bool, error) {
	args := m.Called(ctx, log)
	return args.Bool(0), args.Error(1)
}

func (m *MockDataSource) FindInProgressStageLog(ctx context.Context, executionID, stageName string) (*model.StageExecutionLog, error) {
	args := m.Called(ctx, executionID, stageName)
	if log := args.Get(0); log != nil {
		return log.(*model.StageExecutionLog), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockDataSource) UpdateStageLog(ctx context.Context, log *model.StageExecutionLog) (bool, error) {
	args := m.Called(ctx, log)
	return args.Bool(0), args.Error(1)
}

func (m *MockDataSource) ListStageLogs(ctx context.Context, executionID string) ([]model.StageExecutionLog, error) {
	args := m.Called(ctx, executionID)
	return args.Get(0).([]model.StageExecutionLog), args.Error(1)
}

// Outbox methods

func (m *MockDataSource) CreateWorkflowJobWithOutbox(ctx context.Context, job *model.WorkflowJob, msg *model.OutboxMessage) (bool, error) {
	args := m.Called(ctx, job, msg)
	return args.Bool(0), args.Error(1)
}

func (m *MockDataSource) FetchPendingOutbox(ctx context.Context, limit int, lease time.Duration) ([]model.OutboxMessage, error) {
	args := m.Called(ctx, limit, lease)
	return args.Get(0).([]model.OutboxMessage), args.Error(1)
}

func (m *MockDataSource) MarkOutboxDispatched(ctx context.Context, messageID string) error {
	args := m.Called(ctx, messageID)
	return args.Error(0)
}

func (m *MockDataSource) ReleaseOutboxMessage(ctx context.Context, messageID, cause string) error {
	args := m.Called(ctx, messageID, cause)
	return args.Error(0)
}

func (m *MockDataSource) FailOutboxMessage(ctx context.Context, messageID, cause string) error {
	args := m.Called(ctx, messageID, cause)
	return args.Error(0)
}

// Workflow job methods

func (m *MockDataSource) GetWorkflowJob(ctx context.Context, jobID string) (*model.WorkflowJob, error) {
	args := m.Called(ctx, jobID)
	if job := args.Get(0); job != nil {
		return job.(*model.WorkflowJob), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockDataSource) UpdateWorkflowJobStatus(ctx context.Context, jobID string, status model.JobStatus, attempts int, lastError string) error {
	args := m.Called(ctx, jobID, status, attempts, lastError)
	return args.Error(0)
}

// Claim methods

func (m *MockDataSource) ClaimJob(ctx context.Context, key, jobID, owner string, lease time.Duration) (*model.JobClaim, bool, error) {
	args := m.Called(ctx, key, jobID, owner, lease)
	if claim := args.Get(0); claim != nil {
		return claim.(*model.JobClaim), args.Bool(1), args.Error(2)
	}
	return nil, args.Bool(1), args.Error(2)
}

func (m *MockDataSource) ReleaseClaim(ctx context.Context, key, owner string, status model.ClaimStatus, lastError string) error {
	args := m.Called(ctx, key, owner, status, lastError)
	return args.Error(0)
}
