package conduit

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
)

// Sentinel errors for composition and lifecycle misuse.
var (
	// ErrTypeMismatch is wrapped by CompositionError when a stage's declared input
	// type does not match the element type of the pipe it is being attached to.
	ErrTypeMismatch = errors.New("pipe element type mismatch")
	// ErrStagePanic is wrapped by StageError when a user callback panics.
	ErrStagePanic = errors.New("stage callback panicked")

	ErrPipelineRunning     = errors.New("pipeline is running")
	ErrPipelineNotStarted  = errors.New("pipeline not started")
	ErrEmptyPipeline       = errors.New("pipeline has no stages")
	ErrPipelineSealed      = errors.New("pipeline already has a sink")
	ErrSourceExists        = errors.New("pipeline already has a source")
	ErrSourceAfterFilters  = errors.New("source must be the first stage")
	ErrStageRunning        = errors.New("stage is running")
	ErrChainEmpty          = errors.New("composite chain has no filters")
	ErrChainNotEmpty       = errors.New("composite chain already has a first filter")
	ErrChainSealed         = errors.New("composite chain already has a last filter")
	ErrChainIncomplete     = errors.New("composite chain has no last filter")
	ErrUnknownExecutor     = errors.New("executor not registered")
	ErrExecutorExists      = errors.New("executor already registered")
	ErrExecutorKind        = errors.New("executor registered for a different stage type")
	ErrUnsupportedBackend  = errors.New("unsupported observability backend")
	ErrMissingBackendParam = errors.New("observability backend endpoint is required")
)

// StageError represents a failure inside a running stage, usually a user callback
// returning an error or panicking.
type StageError struct {
	// StageName identifies the stage where the error occurred
	StageName string
	// StageIndex is the position of the stage in its pipeline or composite chain
	StageIndex int
	// OriginalError is the underlying error that occurred
	OriginalError error
}

// Error implements the error interface for StageError.
func (e *StageError) Error() string {
	if e.StageName != "" {
		return fmt.Sprintf("stage %q (index %d): %v", e.StageName, e.StageIndex, e.OriginalError)
	}
	return fmt.Sprintf("stage %d: %v", e.StageIndex, e.OriginalError)
}

// Unwrap returns the underlying error for compatibility with errors.Is and errors.As.
func (e *StageError) Unwrap() error {
	return e.OriginalError
}

// NewStageError creates a new StageError with the provided details.
func NewStageError(stageName string, stageIndex int, err error) *StageError {
	return &StageError{
		StageName:     stageName,
		StageIndex:    stageIndex,
		OriginalError: err,
	}
}

// PipelineLifecycleError is returned when Start, Stop or Wait cannot complete.
type PipelineLifecycleError struct {
	Op      string
	Message string
	Err     error
}

// Error implements the error interface for PipelineLifecycleError.
func (e *PipelineLifecycleError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

// Unwrap returns the underlying error.
func (e *PipelineLifecycleError) Unwrap() error {
	return e.Err
}

// NewPipelineLifecycleError creates a new PipelineLifecycleError.
func NewPipelineLifecycleError(op, message string, err error) *PipelineLifecycleError {
	return &PipelineLifecycleError{Op: op, Message: message, Err: err}
}

// PipelineConfigurationError reports an invalid pipeline definition loaded from configuration.
type PipelineConfigurationError struct {
	Message string
	Err     error
}

// Error implements the error interface for PipelineConfigurationError.
func (e *PipelineConfigurationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("pipeline configuration error: %s: %v", e.Message, e.Err)
	}
	return "pipeline configuration error: " + e.Message
}

// Unwrap returns the underlying error.
func (e *PipelineConfigurationError) Unwrap() error {
	return e.Err
}

// NewPipelineConfigurationError creates a new PipelineConfigurationError.
func NewPipelineConfigurationError(message string, err error) *PipelineConfigurationError {
	return &PipelineConfigurationError{Message: message, Err: err}
}

// CompositionError is returned when a stage cannot be attached to a pipeline or
// composite chain. The stage is not added and previously added stages are unaffected.
type CompositionError struct {
	// Op is the builder call that failed, e.g. "AddFilter".
	Op string
	// Stage is the name of the stage being added.
	Stage string
	// Index is the position the stage would have taken.
	Index int
	// Expected and Actual are set for type mismatches.
	Expected reflect.Type
	Actual   reflect.Type
	Err      error
}

// Error implements the error interface for CompositionError.
func (e *CompositionError) Error() string {
	var b strings.Builder
	b.WriteString("composition error")
	if e.Op != "" {
		fmt.Fprintf(&b, " in %s", e.Op)
	}
	if e.Stage != "" {
		fmt.Fprintf(&b, " for stage %q (index %d)", e.Stage, e.Index)
	}
	if e.Expected != nil || e.Actual != nil {
		fmt.Fprintf(&b, ": stage expects %v but pipe carries %v", e.Expected, e.Actual)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

// Unwrap returns the underlying error.
func (e *CompositionError) Unwrap() error {
	return e.Err
}

// newCompositionError builds a CompositionError for op/stage/index. If err already
// is a CompositionError (from assertPipe) its type details are kept.
func newCompositionError(op, stage string, index int, err error) *CompositionError {
	var ce *CompositionError
	if errors.As(err, &ce) {
		return &CompositionError{
			Op:       op,
			Stage:    stage,
			Index:    index,
			Expected: ce.Expected,
			Actual:   ce.Actual,
			Err:      ce.Err,
		}
	}
	return &CompositionError{Op: op, Stage: stage, Index: index, Err: err}
}

// MultiError collects several errors, e.g. from stopping every stage of a pipeline.
type MultiError struct {
	Errors []error
}

// Add appends a non-nil error.
func (m *MultiError) Add(err error) {
	if err != nil {
		m.Errors = append(m.Errors, err)
	}
}

// HasErrors reports whether any error was collected.
func (m *MultiError) HasErrors() bool {
	return m != nil && len(m.Errors) > 0
}

// ErrorOrNil returns m if it holds errors, nil otherwise.
func (m *MultiError) ErrorOrNil() error {
	if m.HasErrors() {
		return m
	}
	return nil
}

// Error implements the error interface for MultiError.
func (m *MultiError) Error() string {
	switch len(m.Errors) {
	case 0:
		return "no errors"
	case 1:
		return m.Errors[0].Error()
	}
	msgs := make([]string, len(m.Errors))
	for i, err := range m.Errors {
		msgs[i] = err.Error()
	}
	return fmt.Sprintf("%d errors occurred: %s", len(m.Errors), strings.Join(msgs, "; "))
}

// Unwrap exposes the collected errors to errors.Is and errors.As.
func (m *MultiError) Unwrap() []error {
	return m.Errors
}
