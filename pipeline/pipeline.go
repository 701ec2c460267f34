package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/reviewpipe/reviewpipe/model"
)

// Ref identifies the execution a run belongs to. ExecutionID may be empty, in
// which case observers resolve the active execution for the pull request.
type Ref struct {
	ExecutionID       string
	RepositoryID      string
	PullRequestNumber int
	CorrelationID     string
}

// State is implemented by run states so the executor can tell observers which
// execution a transition belongs to.
type State interface {
	Ref() Ref
}

// Skip ends a run early without error. Reason is machine readable, Message is
// shown to users.
type Skip struct {
	Reason  string
	Message string
}

// Outcome is what a stage reports besides its new state.
type Outcome struct {
	Message string
	Errors  []PipelineError
	Skip    *Skip
}

// Skipped is a convenience for stages whose precondition is not met.
func Skipped(reason, message string) Outcome {
	return Outcome{Skip: &Skip{Reason: reason, Message: message}}
}

// StageFunc is the body of a stage.
type StageFunc[S State] func(ctx context.Context, state S) (S, Outcome, error)

type Stage[S State] struct {
	Name       string
	Visibility model.Visibility
	Run        StageFunc[S]
}

// StageContext is the view of a run an observer gets at a stage boundary.
type StageContext struct {
	Ref     Ref
	Message string
	Errors  []PipelineError
}

// Observer receives stage lifecycle callbacks.
type Observer interface {
	OnStageStart(ctx context.Context, stage string, sc StageContext, visibility model.Visibility) error
	OnStageFinish(ctx context.Context, stage string, sc StageContext) error
	OnStageError(ctx context.Context, stage string, err error, sc StageContext) error
	OnStageSkipped(ctx context.Context, stage string, skip Skip, sc StageContext) error
}

type Options struct {
	// ContinueOnError runs the remaining stages after a stage error instead of
	// aborting.
	ContinueOnError bool
}

// Executor runs a fixed, ordered list of stages.
type Executor[S State] struct {
	name     string
	stages   []Stage[S]
	observer Observer
	opts     Options
}

func NewExecutor[S State](name string, stages []Stage[S], observer Observer, opts Options) *Executor[S] {
	return &Executor[S]{name: name, stages: stages, observer: observer, opts: opts}
}

func (e *Executor[S]) Name() string { return e.name }

// Stages returns the stage names in execution order.
func (e *Executor[S]) Stages() []string {
	names := make([]string, len(e.stages))
	for i, s := range e.stages {
		names[i] = s.Name
	}
	return names
}

// Result describes how a run ended.
type Result[S State] struct {
	State    S
	Status   model.ExecutionStatus
	Finished []string
	Failed   []string
	Skip     *Skip
	// SkippedBy is the stage that ended the run with a skip.
	SkippedBy string
	Errors    []PipelineError
}

// Run executes the stages in order. A skip ends the run with status SKIPPED and
// a nil error. A stage error ends the run with status ERROR and a *StageError,
// unless ContinueOnError is set, in which case every stage error is joined into
// the returned error once all stages ran.
func (e *Executor[S]) Run(ctx context.Context, state S) (*Result[S], error) {
	result := &Result[S]{State: state, Status: model.ExecutionSuccess}
	var stageErrs []error

	for _, stage := range e.stages {
		logger := logrus.WithFields(logrus.Fields{
			"pipeline":     e.name,
			"stage":        stage.Name,
			"execution_id": state.Ref().ExecutionID,
		})

		e.notify(logger, "start", func() error {
			return e.observer.OnStageStart(ctx, stage.Name, StageContext{Ref: state.Ref()}, stage.Visibility)
		})

		next, outcome, err := runStage(ctx, stage, state)
		if err != nil {
			stageErr := &StageError{Stage: stage.Name, Err: err}
			result.Failed = append(result.Failed, stage.Name)
			result.Status = model.ExecutionError
			logger.WithError(err).Error("stage failed")
			e.notify(logger, "error", func() error {
				return e.observer.OnStageError(ctx, stage.Name, err, StageContext{Ref: state.Ref(), Message: outcome.Message, Errors: outcome.Errors})
			})
			result.Errors = append(result.Errors, outcome.Errors...)
			if !e.opts.ContinueOnError {
				return result, stageErr
			}
			stageErrs = append(stageErrs, stageErr)
			continue
		}

		state = next
		result.State = state
		sc := StageContext{Ref: state.Ref(), Message: outcome.Message, Errors: outcome.Errors}
		result.Errors = append(result.Errors, outcome.Errors...)

		if outcome.Skip != nil {
			logger.WithField("reason", outcome.Skip.Reason).Info("stage skipped, ending run")
			e.notify(logger, "skip", func() error {
				return e.observer.OnStageSkipped(ctx, stage.Name, *outcome.Skip, sc)
			})
			result.Skip = outcome.Skip
			result.SkippedBy = stage.Name
			if len(stageErrs) == 0 {
				result.Status = model.ExecutionSkipped
			}
			break
		}

		e.notify(logger, "finish", func() error {
			return e.observer.OnStageFinish(ctx, stage.Name, sc)
		})
		result.Finished = append(result.Finished, stage.Name)
		if len(outcome.Errors) > 0 {
			logger.WithField("partial_errors", len(outcome.Errors)).Warn("stage finished with partial errors")
		}
	}

	if len(stageErrs) > 0 {
		return result, errors.Join(stageErrs...)
	}
	return result, nil
}

// notify calls an observer hook. Hook failures are logged and never change the
// outcome of the run.
func (e *Executor[S]) notify(logger *logrus.Entry, hook string, call func() error) {
	if e.observer == nil {
		return
	}
	if err := call(); err != nil {
		logger.WithError(err).WithField("hook", hook).Error("stage observer failed")
	}
}

func runStage[S State](ctx context.Context, stage Stage[S], state S) (next S, outcome Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			next = state
			err = &PanicError{Value: r}
		}
	}()
	if stage.Run == nil {
		return state, Outcome{}, fmt.Errorf("stage %s has no body", stage.Name)
	}
	return stage.Run(ctx, state)
}
