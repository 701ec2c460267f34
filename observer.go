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
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"

	"github.com/reviewpipe/reviewpipe/database"
	"github.com/reviewpipe/reviewpipe/model"
	"github.com/reviewpipe/reviewpipe/pipeline"
)

// ErrNoActiveExecution is returned when a stage callback carries no execution
// id and the pull request has no PENDING or IN_PROGRESS execution.
var ErrNoActiveExecution = errors.New("no active execution")

const maxDiagnosticLength = 500

var openStatuses = []model.ExecutionStatus{model.ExecutionPending, model.ExecutionInProgress}

// StageObserver persists stage transitions. It holds no state of its own: the
// row to close is always looked up in the store, so a run can resume in another
// process.
type StageObserver struct {
	datasource database.IDataSource
}

func NewStageObserver(ds database.IDataSource) *StageObserver {
	return &StageObserver{datasource: ds}
}

func (o *StageObserver) OnStageStart(ctx context.Context, stage string, sc pipeline.StageContext, visibility model.Visibility) error {
	ctx, span := otel.Tracer("Observer").Start(ctx, "Stage start")
	defer span.End()

	executionID, err := o.resolveExecution(ctx, sc.Ref)
	if err != nil {
		return err
	}

	inserted, err := o.datasource.InsertStageLog(ctx, &model.StageExecutionLog{
		ExecutionID: executionID,
		StageName:   stage,
		Status:      model.StageInProgress,
		MetaData:    map[string]interface{}{"visibility": string(visibility)},
	})
	if err != nil {
		return err
	}
	if !inserted {
		logrus.WithFields(logrus.Fields{"execution_id": executionID, "stage": stage}).
			Info("stage already in progress, reusing open log row")
	}

	_, err = o.datasource.UpdateExecution(ctx,
		model.ExecutionFilter{ExecutionID: executionID, Statuses: openStatuses},
		model.ExecutionPatch{Status: model.ExecutionInProgress},
		fmt.Sprintf("running %s", stage), stage)
	return err
}

func (o *StageObserver) OnStageFinish(ctx context.Context, stage string, sc pipeline.StageContext) error {
	ctx, span := otel.Tracer("Observer").Start(ctx, "Stage finish")
	defer span.End()

	executionID, err := o.resolveExecution(ctx, sc.Ref)
	if err != nil {
		return err
	}
	meta := map[string]interface{}{}
	addPartialErrors(meta, sc.Errors)
	return o.closeStage(ctx, executionID, stage, model.StageSuccess, sc.Message, meta)
}

// OnStageError closes the stage as ERROR and escalates the parent execution.
func (o *StageObserver) OnStageError(ctx context.Context, stage string, stageErr error, sc pipeline.StageContext) error {
	ctx, span := otel.Tracer("Observer").Start(ctx, "Stage error")
	defer span.End()

	executionID, err := o.resolveExecution(ctx, sc.Ref)
	if err != nil {
		return err
	}

	message := fmt.Sprintf("%s failed: %s", stage, diagnostic(stageErr))
	meta := map[string]interface{}{"error": diagnostic(stageErr)}
	addPartialErrors(meta, sc.Errors)
	if err := o.closeStage(ctx, executionID, stage, model.StageError, message, meta); err != nil {
		return err
	}

	now := time.Now()
	_, err = o.datasource.UpdateExecution(ctx,
		model.ExecutionFilter{ExecutionID: executionID, Statuses: openStatuses},
		model.ExecutionPatch{Status: model.ExecutionError, FinishedAt: &now},
		message, stage)
	return err
}

func (o *StageObserver) OnStageSkipped(ctx context.Context, stage string, skip pipeline.Skip, sc pipeline.StageContext) error {
	ctx, span := otel.Tracer("Observer").Start(ctx, "Stage skipped")
	defer span.End()

	executionID, err := o.resolveExecution(ctx, sc.Ref)
	if err != nil {
		return err
	}
	meta := map[string]interface{}{"reason": skip.Reason}
	addPartialErrors(meta, sc.Errors)
	return o.closeStage(ctx, executionID, stage, model.StageSkipped, skip.Message, meta)
}

func (o *StageObserver) resolveExecution(ctx context.Context, ref pipeline.Ref) (string, error) {
	if ref.ExecutionID != "" {
		return ref.ExecutionID, nil
	}
	exec, err := o.datasource.FindActiveExecution(ctx, ref.RepositoryID, ref.PullRequestNumber)
	if err != nil {
		return "", err
	}
	if exec == nil {
		return "", fmt.Errorf("%w for repository %s pull request %d", ErrNoActiveExecution, ref.RepositoryID, ref.PullRequestNumber)
	}
	return exec.ExecutionID, nil
}

// closeStage moves the open row of stage to a terminal status. Without an open
// row a terminal row is inserted instead, so no transition is lost.
func (o *StageObserver) closeStage(ctx context.Context, executionID, stage string, status model.StageStatus, message string, meta map[string]interface{}) error {
	logger := logrus.WithFields(logrus.Fields{
		"execution_id": executionID,
		"stage":        stage,
		"status":       status,
	})
	now := time.Now()

	open, err := o.datasource.FindInProgressStageLog(ctx, executionID, stage)
	if err != nil {
		return err
	}

	if open != nil {
		if v, ok := open.MetaData["visibility"]; ok {
			meta["visibility"] = v
		}
		open.Status = status
		open.Message = message
		open.MetaData = meta
		open.FinishedAt = &now

		updated, err := o.datasource.UpdateStageLog(ctx, open)
		if err != nil {
			return err
		}
		if !updated {
			logger.WithField("log_id", open.LogID).Warn("stage log was closed by another writer")
		}
		return nil
	}

	logger.Warn("no open stage log found, recording terminal row")
	_, err = o.datasource.InsertStageLog(ctx, &model.StageExecutionLog{
		ExecutionID: executionID,
		StageName:   stage,
		Status:      status,
		Message:     message,
		MetaData:    meta,
		CreatedAt:   now,
		FinishedAt:  &now,
	})
	return err
}

func addPartialErrors(meta map[string]interface{}, errs []pipeline.PipelineError) {
	if len(errs) == 0 {
		return
	}
	meta["partial_errors"] = pipeline.Summaries(errs)
	meta["partial_error_count"] = len(errs)
}

func diagnostic(err error) string {
	if err == nil {
		return "unknown error"
	}
	msg := err.Error()
	if len(msg) > maxDiagnosticLength {
		msg = msg[:maxDiagnosticLength] + "..."
	}
	return msg
}
