package conduit

import (
	"context"
	"fmt"
)

// Starter is implemented by anything that can begin running in the background.
type Starter interface {
	// Start launches the work. Calling Start on something already running is a no-op.
	// The context bounds the lifetime of the started work: cancelling it stops it.
	Start(ctx context.Context) error
}

// Stopper is implemented by anything that can be shut down.
type Stopper interface {
	// Stop signals shutdown and blocks until it has completed or ctx is done.
	// Calling Stop on something that is not running is a no-op.
	Stop(ctx context.Context) error
}

// Stage is one schedulable unit of a pipeline. Sources, filters, sinks and
// composite filters all satisfy it, so a pipeline can hold differently typed
// stages behind one interface.
type Stage interface {
	Starter
	Stopper
	// Name identifies the stage in logs, metrics and traces.
	Name() string
	// State reports the current lifecycle state.
	State() StageState
	// Err returns the failure that moved the stage to StateFailed, or nil.
	Err() error
	// Wait blocks until the stage's worker has exited or ctx is done, and returns Err().
	Wait(ctx context.Context) error
}

// DataSource is a stage that only produces values into its output pipe.
type DataSource[T any] interface {
	Stage
	Output() *Pipe[T]
}

// DataFilter is a stage that reads from one pipe and writes transformed values to another.
type DataFilter[I, O any] interface {
	Stage
	Input() *Pipe[I]
	Output() *Pipe[O]
}

// DataSink is a stage that only consumes values from its input pipe.
type DataSink[T any] interface {
	Stage
	Input() *Pipe[T]
}

// StageState is the lifecycle state of a stage.
//
//	Created -> Running -> Stopped -> Running -> ...
//	Running -> Failed -> Running (on restart)
type StageState int32

const (
	// StateCreated means the stage has never been started.
	StateCreated StageState = iota
	// StateRunning means the stage's worker goroutine is alive.
	StateRunning
	// StateStopped means the worker exited normally: it was stopped, or its stream ended.
	StateStopped
	// StateFailed means the worker exited because a callback failed.
	StateFailed
)

// String returns the state name.
func (s StageState) String() string {
	switch s {
	case StateCreated:
		return "Created"
	case StateRunning:
		return "Running"
	case StateStopped:
		return "Stopped"
	case StateFailed:
		return "Failed"
	default:
		return fmt.Sprintf("Unknown(%d)", int32(s))
	}
}

// aggregateState folds the states of several stages into one:
// any Failed wins, then any Running, then all Created, otherwise Stopped.
func aggregateState(stages []Stage) StageState {
	if len(stages) == 0 {
		return StateCreated
	}
	created := 0
	running := false
	for _, st := range stages {
		switch st.State() {
		case StateFailed:
			return StateFailed
		case StateRunning:
			running = true
		case StateCreated:
			created++
		}
	}
	switch {
	case running:
		return StateRunning
	case created == len(stages):
		return StateCreated
	default:
		return StateStopped
	}
}

// firstErr returns the first non-nil Err() among stages.
func firstErr(stages []Stage) error {
	for _, st := range stages {
		if err := st.Err(); err != nil {
			return err
		}
	}
	return nil
}
