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

	"github.com/reviewpipe/reviewpipe/internal/analyzer"
	"github.com/reviewpipe/reviewpipe/internal/platform"
	"github.com/reviewpipe/reviewpipe/model"
	"github.com/reviewpipe/reviewpipe/pipeline"
)

const ReviewPipelineName = "code_review"

const (
	StageValidateConfig     = "validate_config"
	StageValidateNewCommits = "validate_new_commits"
	StageFetchChangedFiles  = "fetch_changed_files"
	StageAnalyzeFiles       = "analyze_files"
	StagePostComments       = "post_comments"
)

const (
	SkipAutomationDisabled = "automation_disabled"
	SkipDraftPullRequest   = "draft_pull_request"
	SkipNoNewCommits       = "no_new_commits"
	SkipNoReviewableFiles  = "no_reviewable_files"
)

// ReviewState is threaded through the review stages. Each stage returns an
// updated copy.
type ReviewState struct {
	ExecutionID   string
	CorrelationID string
	Subject       model.ReviewSubject
	Settings      RepositorySettings
	Files         []platform.ChangedFile
	Comments      []model.LineComment
	Deliveries    []model.DeliveryResult
}

func (s ReviewState) Ref() pipeline.Ref {
	return pipeline.Ref{
		ExecutionID:       s.ExecutionID,
		RepositoryID:      s.Subject.RepositoryID,
		PullRequestNumber: s.Subject.PullRequestNumber,
		CorrelationID:     s.CorrelationID,
	}
}

func (r *ReviewPipe) reviewStages(client platform.Client) []pipeline.Stage[ReviewState] {
	return []pipeline.Stage[ReviewState]{
		{Name: StageValidateConfig, Visibility: model.VisibilityInternal, Run: r.validateConfig(client)},
		{Name: StageValidateNewCommits, Visibility: model.VisibilityInternal, Run: r.validateNewCommits},
		{Name: StageFetchChangedFiles, Visibility: model.VisibilitySecondary, Run: r.fetchChangedFiles(client)},
		{Name: StageAnalyzeFiles, Visibility: model.VisibilityPrimary, Run: r.analyzeFiles},
		{Name: StagePostComments, Visibility: model.VisibilityPrimary, Run: r.postComments(client)},
	}
}

// RunReview creates an execution for subject, runs the review stages and
// closes the execution. Stage errors are already recorded by the observer; the
// run error is returned so the job can be retried.
func (r *ReviewPipe) RunReview(ctx context.Context, subject model.ReviewSubject, correlationID string) (*pipeline.Result[ReviewState], error) {
	ctx, span := otel.Tracer("Review").Start(ctx, "Running review pipeline")
	defer span.End()

	if err := subject.Validate(); err != nil {
		return nil, fmt.Errorf("invalid review subject: %w", err)
	}
	client, err := r.platformFor(subject.Platform)
	if err != nil {
		return nil, err
	}

	exec := &model.PipelineExecution{
		Platform:          subject.Platform,
		RepositoryID:      subject.RepositoryID,
		PullRequestNumber: subject.PullRequestNumber,
		HeadSHA:           subject.HeadSHA,
		CorrelationID:     correlationID,
		Status:            model.ExecutionPending,
		MetaData:          map[string]interface{}{"pipeline": ReviewPipelineName},
	}
	if err := r.datasource.CreateExecution(ctx, exec); err != nil {
		return nil, err
	}

	logger := logrus.WithFields(logrus.Fields{
		"execution_id": exec.ExecutionID,
		"repository":   fmt.Sprintf("%s/%s", subject.Owner, subject.Repository),
		"pull_request": subject.PullRequestNumber,
	})
	logger.Info("review started")

	executor := pipeline.NewExecutor(ReviewPipelineName, r.reviewStages(client), NewStageObserver(r.datasource), r.pipelineOptions())
	result, runErr := executor.Run(ctx, ReviewState{
		ExecutionID:   exec.ExecutionID,
		CorrelationID: correlationID,
		Subject:       subject,
	})

	r.finalizeExecution(ctx, exec.ExecutionID, result)
	if runErr != nil {
		span.RecordError(runErr)
		logger.WithError(runErr).Error("review failed")
		return result, runErr
	}
	logger.WithField("status", result.Status).Info("review finished")
	return result, nil
}

func (r *ReviewPipe) pipelineOptions() pipeline.Options {
	if r.conf == nil {
		return pipeline.Options{}
	}
	return pipeline.Options{ContinueOnError: r.conf.Pipeline.ContinueOnError}
}

// finalizeExecution closes the parent execution once the run is over. The
// observer only escalates to ERROR; SUCCESS and SKIPPED are written here. The
// status filter keeps an ERROR or a superseding run from being overwritten.
func (r *ReviewPipe) finalizeExecution(ctx context.Context, executionID string, result *pipeline.Result[ReviewState]) {
	if result == nil || result.Status == model.ExecutionError {
		return
	}

	message, lastStage := "review completed", ""
	if n := len(result.Finished); n > 0 {
		lastStage = result.Finished[n-1]
	}
	if result.Status == model.ExecutionSkipped && result.Skip != nil {
		message, lastStage = result.Skip.Message, result.SkippedBy
	}

	now := time.Now()
	_, err := r.datasource.UpdateExecution(context.WithoutCancel(ctx),
		model.ExecutionFilter{ExecutionID: executionID, Statuses: openStatuses},
		model.ExecutionPatch{Status: result.Status, FinishedAt: &now},
		message, lastStage)
	if err != nil {
		logrus.WithError(err).WithField("execution_id", executionID).Error("failed to finalize execution")
	}
}

func (r *ReviewPipe) validateConfig(client platform.Client) pipeline.StageFunc[ReviewState] {
	return func(ctx context.Context, state ReviewState) (ReviewState, pipeline.Outcome, error) {
		settings, err := r.loadSettings(ctx, client, state.Subject)
		if err != nil {
			return state, pipeline.Outcome{}, err
		}
		state.Settings = settings

		if !settings.IsEnabled() {
			return state, pipeline.Skipped(SkipAutomationDisabled, "Automated review is disabled for this repository"), nil
		}
		if state.Subject.Draft && settings.ShouldSkipDrafts() {
			return state, pipeline.Skipped(SkipDraftPullRequest, "Pull request is a draft"), nil
		}
		return state, pipeline.Outcome{Message: "configuration valid"}, nil
	}
}

func (r *ReviewPipe) validateNewCommits(ctx context.Context, state ReviewState) (ReviewState, pipeline.Outcome, error) {
	last, err := r.datasource.FindLastSuccessfulExecution(ctx, state.Subject.RepositoryID, state.Subject.PullRequestNumber)
	if err != nil {
		return state, pipeline.Outcome{}, err
	}
	if last != nil && last.HeadSHA != "" && last.HeadSHA == state.Subject.HeadSHA {
		return state, pipeline.Skipped(SkipNoNewCommits, fmt.Sprintf("Commit %s was already reviewed", shortSHA(state.Subject.HeadSHA))), nil
	}
	return state, pipeline.Outcome{Message: "new commits to review"}, nil
}

func (r *ReviewPipe) fetchChangedFiles(client platform.Client) pipeline.StageFunc[ReviewState] {
	return func(ctx context.Context, state ReviewState) (ReviewState, pipeline.Outcome, error) {
		files, err := client.ListChangedFiles(ctx, state.Subject)
		if err != nil {
			return state, pipeline.Outcome{}, err
		}

		reviewable := make([]platform.ChangedFile, 0, len(files))
		for _, f := range files {
			if f.Status == "removed" || state.Settings.Ignored(f.Filename) {
				continue
			}
			reviewable = append(reviewable, f)
		}
		state.Files = reviewable

		if len(reviewable) == 0 {
			return state, pipeline.Skipped(SkipNoReviewableFiles, "No reviewable files in this pull request"), nil
		}
		return state, pipeline.Outcome{Message: fmt.Sprintf("%d of %d files to review", len(reviewable), len(files))}, nil
	}
}

func (r *ReviewPipe) analyzeFiles(ctx context.Context, state ReviewState) (ReviewState, pipeline.Outcome, error) {
	if r.analyzer == nil {
		return state, pipeline.Outcome{}, analyzer.ErrNotConfigured
	}
	concurrency := 4
	if r.conf != nil && r.conf.Pipeline.AnalysisConcurrency > 0 {
		concurrency = r.conf.Pipeline.AnalysisConcurrency
	}

	batch := pipeline.RunBatch(ctx, StageAnalyzeFiles, state.Files, concurrency,
		func(f platform.ChangedFile) string { return f.Filename },
		func(ctx context.Context, f platform.ChangedFile) ([]model.LineComment, error) {
			return r.analyzer.AnalyzeFile(ctx, state.Subject, analyzer.File{Path: f.Filename, Status: f.Status, Patch: f.Patch})
		})

	if len(state.Files) > 0 && len(batch.Errors) == len(state.Files) {
		return state, pipeline.Outcome{Errors: batch.Errors}, fmt.Errorf("analysis failed for all %d files: %w", len(state.Files), batch.Errors[0])
	}

	comments := []model.LineComment{}
	for _, c := range batch.Results {
		comments = append(comments, c...)
	}
	state.Comments = comments

	return state, pipeline.Outcome{
		Message: fmt.Sprintf("%d of %d files analyzed, %d comments", len(state.Files)-len(batch.Errors), len(state.Files), len(comments)),
		Errors:  batch.Errors,
	}, nil
}

func (r *ReviewPipe) postComments(client platform.Client) pipeline.StageFunc[ReviewState] {
	return func(ctx context.Context, state ReviewState) (ReviewState, pipeline.Outcome, error) {
		if len(state.Comments) == 0 {
			return state, pipeline.Outcome{Message: "no comments to post"}, nil
		}

		delivery := NewCommentDeliveryService(client, r.deliveryConfig())
		results, err := delivery.DeliverComments(ctx, state.Subject, state.Comments, DeliveryOptions{Commit: state.Subject.HeadSHA})
		if err != nil {
			return state, pipeline.Outcome{}, err
		}
		state.Deliveries = results

		var errs []pipeline.PipelineError
		for _, res := range results {
			if res.Status == model.DeliverySent {
				continue
			}
			errs = append(errs, pipeline.PipelineError{
				Stage: StagePostComments,
				Item:  fmt.Sprintf("%s:%d", res.Comment.Path, res.Comment.Line),
				Err:   errors.New(res.Reason),
				MetaData: map[string]interface{}{
					"reason":   res.Reason,
					"attempts": len(res.Attempts),
				},
			})
		}
		return state, pipeline.Outcome{
			Message: fmt.Sprintf("%d of %d comments posted", len(results)-len(errs), len(results)),
			Errors:  errs,
		}, nil
	}
}

func shortSHA(sha string) string {
	if len(sha) > 7 {
		return sha[:7]
	}
	return sha
}
