package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reviewpipe/reviewpipe/model"
)

type testState struct {
	ref     Ref
	visited []string
}

func (s testState) Ref() Ref { return s.ref }

type call struct {
	hook  string
	stage string
	err   error
	skip  Skip
	sc    StageContext
}

type recordingObserver struct {
	mu    sync.Mutex
	calls []call
	fail  bool
}

func (o *recordingObserver) record(c call) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls = append(o.calls, c)
	if o.fail {
		return errors.New("store unavailable")
	}
	return nil
}

func (o *recordingObserver) OnStageStart(_ context.Context, stage string, sc StageContext, _ model.Visibility) error {
	return o.record(call{hook: "start", stage: stage, sc: sc})
}

func (o *recordingObserver) OnStageFinish(_ context.Context, stage string, sc StageContext) error {
	return o.record(call{hook: "finish", stage: stage, sc: sc})
}

func (o *recordingObserver) OnStageError(_ context.Context, stage string, err error, sc StageContext) error {
	return o.record(call{hook: "error", stage: stage, err: err, sc: sc})
}

func (o *recordingObserver) OnStageSkipped(_ context.Context, stage string, skip Skip, sc StageContext) error {
	return o.record(call{hook: "skip", stage: stage, skip: skip, sc: sc})
}

func (o *recordingObserver) hooks() []string {
	var out []string
	for _, c := range o.calls {
		out = append(out, c.hook+":"+c.stage)
	}
	return out
}

func visit(name string) Stage[testState] {
	return Stage[testState]{
		Name:       name,
		Visibility: model.VisibilityPrimary,
		Run: func(_ context.Context, s testState) (testState, Outcome, error) {
			s.visited = append(s.visited, name)
			return s, Outcome{}, nil
		},
	}
}

func failing(name string, err error) Stage[testState] {
	return Stage[testState]{
		Name: name,
		Run: func(_ context.Context, s testState) (testState, Outcome, error) {
			return s, Outcome{}, err
		},
	}
}

func TestExecutor_RunsStagesInOrder(t *testing.T) {
	obs := &recordingObserver{}
	exec := NewExecutor("review", []Stage[testState]{visit("a"), visit("b"), visit("c")}, obs, Options{})

	result, err := exec.Run(context.Background(), testState{ref: Ref{ExecutionID: "exec_1"}})
	require.NoError(t, err)
	assert.Equal(t, model.ExecutionSuccess, result.Status)
	assert.Equal(t, []string{"a", "b", "c"}, result.State.visited)
	assert.Equal(t, []string{"a", "b", "c"}, result.Finished)
	assert.Equal(t, []string{"start:a", "finish:a", "start:b", "finish:b", "start:c", "finish:c"}, obs.hooks())
	assert.Equal(t, []string{"a", "b", "c"}, exec.Stages())
}

func TestExecutor_AbortsOnStageError(t *testing.T) {
	obs := &recordingObserver{}
	boom := errors.New("analyzer down")
	exec := NewExecutor("review", []Stage[testState]{visit("a"), failing("b", boom), visit("c"), visit("d")}, obs, Options{})

	result, err := exec.Run(context.Background(), testState{})
	require.Error(t, err)

	var stageErr *StageError
	require.True(t, errors.As(err, &stageErr))
	assert.Equal(t, "b", stageErr.Stage)
	assert.ErrorIs(t, err, boom)

	assert.Equal(t, model.ExecutionError, result.Status)
	assert.Equal(t, []string{"a"}, result.State.visited)
	assert.Equal(t, []string{"b"}, result.Failed)
	assert.Equal(t, []string{"start:a", "finish:a", "start:b", "error:b"}, obs.hooks())
}

func TestExecutor_ContinueOnError(t *testing.T) {
	obs := &recordingObserver{}
	exec := NewExecutor("review", []Stage[testState]{failing("a", errors.New("one")), visit("b"), failing("c", errors.New("two"))}, obs,
		Options{ContinueOnError: true})

	result, err := exec.Run(context.Background(), testState{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "one")
	assert.Contains(t, err.Error(), "two")
	assert.Equal(t, model.ExecutionError, result.Status)
	assert.Equal(t, []string{"b"}, result.State.visited)
	assert.Equal(t, []string{"a", "c"}, result.Failed)
}

func TestExecutor_SkipEndsRunWithoutError(t *testing.T) {
	obs := &recordingObserver{}
	skipper := Stage[testState]{
		Name: "validate_config",
		Run: func(_ context.Context, s testState) (testState, Outcome, error) {
			return s, Skipped("draft_pull_request", "Pull request is a draft"), nil
		},
	}
	exec := NewExecutor("review", []Stage[testState]{visit("a"), skipper, visit("c")}, obs, Options{})

	result, err := exec.Run(context.Background(), testState{})
	require.NoError(t, err)
	assert.Equal(t, model.ExecutionSkipped, result.Status)
	assert.Equal(t, "validate_config", result.SkippedBy)
	assert.Equal(t, "draft_pull_request", result.Skip.Reason)
	assert.Equal(t, []string{"a"}, result.State.visited)
	assert.Equal(t, []string{"start:a", "finish:a", "start:validate_config", "skip:validate_config"}, obs.hooks())
	assert.Equal(t, "Pull request is a draft", obs.calls[3].skip.Message)
}

func TestExecutor_PartialErrorsReachObserverOnFinish(t *testing.T) {
	obs := &recordingObserver{}
	batch := Stage[testState]{
		Name: "analyze_files",
		Run: func(_ context.Context, s testState) (testState, Outcome, error) {
			return s, Outcome{
				Message: "39 of 40 files analyzed",
				Errors:  []PipelineError{{Stage: "analyze_files", Item: "main.go", Err: errors.New("timeout")}},
			}, nil
		},
	}
	exec := NewExecutor("review", []Stage[testState]{batch}, obs, Options{})

	result, err := exec.Run(context.Background(), testState{})
	require.NoError(t, err)
	assert.Equal(t, model.ExecutionSuccess, result.Status)
	require.Len(t, result.Errors, 1)

	finish := obs.calls[1]
	assert.Equal(t, "finish", finish.hook)
	assert.Equal(t, "39 of 40 files analyzed", finish.sc.Message)
	require.Len(t, finish.sc.Errors, 1)
	assert.Equal(t, "main.go", finish.sc.Errors[0].Item)
}

func TestExecutor_StateFlowsIntoRef(t *testing.T) {
	obs := &recordingObserver{}
	create := Stage[testState]{
		Name: "create",
		Run: func(_ context.Context, s testState) (testState, Outcome, error) {
			s.ref.ExecutionID = "exec_new"
			return s, Outcome{}, nil
		},
	}
	exec := NewExecutor("review", []Stage[testState]{create, visit("next")}, obs, Options{})

	_, err := exec.Run(context.Background(), testState{ref: Ref{RepositoryID: "repo", PullRequestNumber: 3}})
	require.NoError(t, err)
	assert.Equal(t, "", obs.calls[0].sc.Ref.ExecutionID)
	assert.Equal(t, "exec_new", obs.calls[1].sc.Ref.ExecutionID)
	assert.Equal(t, "exec_new", obs.calls[2].sc.Ref.ExecutionID)
}

func TestExecutor_RecoversPanics(t *testing.T) {
	obs := &recordingObserver{}
	panicky := Stage[testState]{
		Name: "explode",
		Run: func(_ context.Context, s testState) (testState, Outcome, error) {
			panic("nil map")
		},
	}
	exec := NewExecutor("review", []Stage[testState]{panicky, visit("after")}, obs, Options{})

	result, err := exec.Run(context.Background(), testState{})
	require.Error(t, err)
	var panicErr *PanicError
	assert.True(t, errors.As(err, &panicErr))
	assert.Empty(t, result.State.visited)
	assert.Equal(t, []string{"start:explode", "error:explode"}, obs.hooks())
}

func TestExecutor_ObserverFailureDoesNotStopRun(t *testing.T) {
	obs := &recordingObserver{fail: true}
	exec := NewExecutor("review", []Stage[testState]{visit("a"), visit("b")}, obs, Options{})

	result, err := exec.Run(context.Background(), testState{})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, result.State.visited)
}

func TestExecutor_NilObserver(t *testing.T) {
	exec := NewExecutor[testState]("review", []Stage[testState]{visit("a")}, nil, Options{})

	result, err := exec.Run(context.Background(), testState{})
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, result.State.visited)
}
