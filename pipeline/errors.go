package pipeline

import (
	"fmt"

	"github.com/reviewpipe/reviewpipe/model"
)

// PipelineError is a failure of one sub-item of a stage, e.g. one file out of
// forty. It never aborts the stage.
type PipelineError struct {
	Stage    string
	Item     string
	Err      error
	MetaData map[string]interface{}
}

func (e PipelineError) Error() string {
	if e.Item == "" {
		return fmt.Sprintf("%s: %v", e.Stage, e.Err)
	}
	return fmt.Sprintf("%s [%s]: %v", e.Stage, e.Item, e.Err)
}

func (e PipelineError) Unwrap() error { return e.Err }

// Summary is the form persisted into stage metadata.
func (e PipelineError) Summary() model.PartialError {
	msg := ""
	if e.Err != nil {
		msg = e.Err.Error()
	}
	return model.PartialError{Stage: e.Stage, Item: e.Item, Error: msg, MetaData: e.MetaData}
}

func Summaries(errs []PipelineError) []model.PartialError {
	out := make([]model.PartialError, 0, len(errs))
	for _, e := range errs {
		out = append(out, e.Summary())
	}
	return out
}

// StageError wraps the error that made a stage fail.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s failed: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// PanicError is returned in place of a panic raised inside a stage body.
type PanicError struct {
	Value interface{}
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}
