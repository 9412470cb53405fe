package executor

import (
	"fmt"

	"github.com/zen-systems/coachgate/pkg/tier"
)

// ExecutionError is returned when no tier produced a result. It names the
// last tier attempted.
type ExecutionError struct {
	LastTier    tier.Tier
	Attempts    int
	Escalations []Escalation
	Err         error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("execution failed at %s after %d attempt(s): %v", e.LastTier, e.Attempts, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}
