package toolsvc

import "errors"

// Errors tool routing wraps failures into (spec §4.6 step 4).
var (
	ErrToolNotFound     = errors.New("tool not found")
	ErrToolCallFailed   = errors.New("tool call failed")
	ErrToolCallTimedOut = errors.New("tool call timed out")
)
