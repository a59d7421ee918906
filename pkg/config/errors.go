package config

import (
	"errors"
	"fmt"
	"strings"
)

// ErrConfigInvalid is the sentinel every startup configuration failure
// wraps. Main treats any error satisfying errors.Is(err, ErrConfigInvalid)
// as exit code 1 (spec §6, §7) without touching the bus.
var ErrConfigInvalid = errors.New("invalid configuration")

// ConflictError reports two or more mutually-exclusive environment
// variables set at once — e.g. two credential keys, or a skill credential
// (which runs in MCP_STDIO mode) combined with REMOTE_PORT.
type ConflictError struct {
	Variables []string
	Reason    string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflicting environment variables [%s]: %s",
		strings.Join(e.Variables, ", "), e.Reason)
}

func (e *ConflictError) Unwrap() error {
	return ErrConfigInvalid
}

// NewConflictError builds a ConflictError naming exactly which variables
// are in conflict, per spec §4.1: "an error listing which variables conflict".
func NewConflictError(reason string, variables ...string) *ConflictError {
	return &ConflictError{Variables: variables, Reason: reason}
}

// MissingError reports a required companion variable that was not set
// (e.g. SYSTEM_KEY present without RUNTIME_NAME).
type MissingError struct {
	Variable string
	Reason   string
}

func (e *MissingError) Error() string {
	return fmt.Sprintf("missing environment variable %q: %s", e.Variable, e.Reason)
}

func (e *MissingError) Unwrap() error {
	return ErrConfigInvalid
}

func NewMissingError(variable, reason string) *MissingError {
	return &MissingError{Variable: variable, Reason: reason}
}
