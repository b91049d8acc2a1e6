package orchestrator

import (
	"fmt"

	"github.com/deskrunner/deskrunner/pkg/models"
)

// TurnState is the position of a run in its lifecycle. It is carried on
// turn errors and run spans so a failure names the phase it happened in.
type TurnState string

const (
	// StateIdle covers setup before the first model call: loading the
	// thread, acquiring the per-thread lock, assembling context, dialing
	// the tool session.
	StateIdle TurnState = "idle"

	// StateInvoking means a model completion is in flight.
	StateInvoking TurnState = "invoking"

	// StateToolRequested means the model returned tool calls that have
	// not been dispatched yet.
	StateToolRequested TurnState = "tool_requested"

	// StateToolExecuting means tool calls are running against the
	// caller's session.
	StateToolExecuting TurnState = "tool_executing"

	// StateToolResultReceived means a tool round finished and its results
	// are being folded back into the working set.
	StateToolResultReceived TurnState = "tool_result_received"

	// Terminal states.
	StateCompleted TurnState = "completed"
	StateFailed    TurnState = "failed"
	StateTimedOut  TurnState = "timed_out"
)

// TurnError is the typed failure of one run. State is the phase the run was
// in when it failed, Iteration the number of completed tool rounds, and Kind
// the recorded error classification.
type TurnError struct {
	State     TurnState
	Iteration int
	Kind      models.ErrorKind
	Err       error
}

func (e *TurnError) Error() string {
	return fmt.Sprintf("turn failed in state %s (round %d): %v", e.State, e.Iteration, e.Err)
}

func (e *TurnError) Unwrap() error { return e.Err }
