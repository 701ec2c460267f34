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

	"github.com/reviewpipe/reviewpipe/internal/apierror"
	"github.com/reviewpipe/reviewpipe/model"
)

// ErrDeadLettersUnavailable is returned when the configured publisher cannot
// list its dead-letter queue.
var ErrDeadLettersUnavailable = errors.New("dead-letter queue cannot be listed")

// ExecutionDetail is an execution with its stage rows in creation order.
type ExecutionDetail struct {
	model.PipelineExecution
	Stages []model.StageExecutionLog `json:"stages"`
}

func (r *ReviewPipe) GetExecution(ctx context.Context, id string) (*model.PipelineExecution, error) {
	return r.datasource.GetExecution(ctx, id)
}

func (r *ReviewPipe) GetExecutionDetail(ctx context.Context, id string) (*ExecutionDetail, error) {
	exec, err := r.datasource.GetExecution(ctx, id)
	if err != nil {
		return nil, err
	}
	stages, err := r.datasource.ListStageLogs(ctx, id)
	if err != nil {
		return nil, err
	}
	return &ExecutionDetail{PipelineExecution: *exec, Stages: stages}, nil
}

// ListExecutionStages returns the stage rows of an execution. Rows of the
// internal tier are left out unless includeInternal is set.
func (r *ReviewPipe) ListExecutionStages(ctx context.Context, id string, includeInternal bool) ([]model.StageExecutionLog, error) {
	if _, err := r.datasource.GetExecution(ctx, id); err != nil {
		return nil, err
	}
	stages, err := r.datasource.ListStageLogs(ctx, id)
	if err != nil || includeInternal {
		return stages, err
	}
	visible := make([]model.StageExecutionLog, 0, len(stages))
	for _, s := range stages {
		if s.MetaData["visibility"] == string(model.VisibilityInternal) {
			continue
		}
		visible = append(visible, s)
	}
	return visible, nil
}

type deadLetterLister interface {
	DeadLetters(limit int) ([]DeadLetter, error)
}

// DeadLetters lists jobs parked for manual inspection.
func (r *ReviewPipe) DeadLetters(limit int) ([]DeadLetter, error) {
	lister, ok := r.queue.(deadLetterLister)
	if !ok {
		return nil, apierror.NewAPIError(apierror.ErrNotImplemented, "the configured queue does not keep dead letters", ErrDeadLettersUnavailable)
	}
	if limit <= 0 {
		limit = 50
	}
	return lister.DeadLetters(limit)
}
