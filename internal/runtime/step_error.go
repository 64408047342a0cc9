package runtime

import (
	"errors"
	"fmt"
	"strings"
)

// Phase names the part of a step that failed.
type Phase string

const (
	PhaseResolve     Phase = "resolve"
	PhaseSetup       Phase = "setup"
	PhaseAuthorize   Phase = "authorize"
	PhaseExecute     Phase = "execute"
	PhaseMaterialize Phase = "materialize"
	PhaseCancelled   Phase = "cancelled"
	PhasePanic       Phase = "panic"
)

// StepError is a step failure. It carries the id of the failing request so a
// caller can tell which step of the chain broke.
type StepError struct {
	RequestID string
	ChainID   string
	Operation string
	Phase     Phase
	Err       error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("chainflow: request %q (%s) failed during %s: %v", e.RequestID, e.Operation, e.Phase, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// PanicError carries a panic recovered from a handler.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// Unwrap exposes the panic value when it is itself an error.
func (e *PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

// ChunkError is a failure outside chain execution, such as acquiring or
// releasing the chunk's resource.
type ChunkError struct {
	Index    int
	ChainIDs []string
	Err      error
}

func (e *ChunkError) Error() string {
	return fmt.Sprintf("chainflow: chunk %d [%s]: %v", e.Index, strings.Join(e.ChainIDs, ","), e.Err)
}

func (e *ChunkError) Unwrap() error {
	return e.Err
}

// wrapStep attaches request context to err unless it already is a StepError.
func wrapStep(err error, req Request, chainID string, phase Phase) error {
	if err == nil {
		return nil
	}
	var stepErr *StepError
	if errors.As(err, &stepErr) {
		return err
	}
	return &StepError{
		RequestID: req.ID,
		ChainID:   chainID,
		Operation: req.Operation,
		Phase:     phase,
		Err:       err,
	}
}

// stepPhase returns the phase of a StepError, or "" for other errors.
func stepPhase(err error) Phase {
	var stepErr *StepError
	if errors.As(err, &stepErr) {
		return stepErr.Phase
	}
	return ""
}
