package tracker

import (
	"errors"
	"fmt"

	"github.com/openwings/ausculto/internal/models"
)

// GuardCode distinguishes locally resolved guard failures from server
// errors, so callers can disable a control instead of surfacing a failure
// toast after the fact. Guard errors never reach the network and are never
// retried.
type GuardCode string

const (
	// GuardJobActive rejects deletion of a job in a non-terminal state.
	GuardJobActive GuardCode = "job-active"

	// GuardActionNotAllowed rejects an action whose preconditions do not
	// hold for the scope's current state.
	GuardActionNotAllowed GuardCode = "action-not-allowed"
)

// GuardError is a locally resolved rejection of an illegal action.
type GuardError struct {
	Code   GuardCode
	Action models.Action
	Reason string
}

func (e *GuardError) Error() string {
	if e.Action != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Code, e.Action, e.Reason)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Reason)
}

// IsGuardError reports whether the error is a local guard rejection.
func IsGuardError(err error) bool {
	var ge *GuardError
	return errors.As(err, &ge)
}

// GuardCodeOf extracts the guard code, or "" for non-guard errors.
func GuardCodeOf(err error) GuardCode {
	var ge *GuardError
	if errors.As(err, &ge) {
		return ge.Code
	}
	return ""
}
