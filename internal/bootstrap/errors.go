package bootstrap

import (
	"errors"
	"fmt"
)

// ErrWaitTimeout is returned when another process held the claim for longer
// than the configured wait timeout without completing
var ErrWaitTimeout = errors.New("timed out waiting for bootstrap")

// ErrClaimLost is returned when the claim was taken over by another process
// while this process was still running the steps
var ErrClaimLost = errors.New("bootstrap claim lost")

// Phase names the part of the gate that failed
type Phase string

// Gate phases reported in BootstrapError
const (
	PhaseInit     Phase = "init"
	PhaseClaim    Phase = "claim"
	PhaseStep     Phase = "step"
	PhaseComplete Phase = "complete"
	PhaseWait     Phase = "wait"
)

// BootstrapError is returned when the gate could not establish that bootstrap
// completed. It is fatal for the process that receives it.
type BootstrapError struct {
	Phase Phase
	// Step is set when Phase is PhaseStep
	Step  string
	Owner string
	Err   error
}

func (e *BootstrapError) Error() string {
	if e.Step != "" {
		return fmt.Sprintf("bootstrap %s %q failed (owner %s): %v", e.Phase, e.Step, e.Owner, e.Err)
	}
	return fmt.Sprintf("bootstrap %s failed (owner %s): %v", e.Phase, e.Owner, e.Err)
}

func (e *BootstrapError) Unwrap() error {
	return e.Err
}
