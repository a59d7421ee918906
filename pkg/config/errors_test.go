package config

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConflictErrorError(t *testing.T) {
	tests := []struct {
		name     string
		err      *ConflictError
		contains []string
	}{
		{
			name: "two credential scopes",
			err:  NewConflictError("at most one credential scope may be set", "SYSTEM_KEY", "RUNTIME_KEY"),
			contains: []string{"SYSTEM_KEY", "RUNTIME_KEY", "at most one credential scope"},
		},
		{
			name: "narrow key missing required name",
			err:  NewConflictError("WORKSPACE_KEY requires SKILL_NAME", "WORKSPACE_KEY", "SKILL_NAME"),
			contains: []string{"WORKSPACE_KEY", "SKILL_NAME"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			errStr := tt.err.Error()
			for _, substr := range tt.contains {
				assert.Contains(t, errStr, substr)
			}
		})
	}
}

func TestConflictErrorIsConfigInvalid(t *testing.T) {
	err := NewConflictError("conflict", "A", "B")
	assert.True(t, errors.Is(err, ErrConfigInvalid))
}

func TestMissingErrorError(t *testing.T) {
	err := NewMissingError("RUNTIME_NAME", "required alongside SYSTEM_KEY")
	assert.Contains(t, err.Error(), "RUNTIME_NAME")
	assert.Contains(t, err.Error(), "required alongside SYSTEM_KEY")
	assert.True(t, errors.Is(err, ErrConfigInvalid))
}
