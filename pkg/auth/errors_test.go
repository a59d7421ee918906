package auth

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPermanentAuthenticationError(t *testing.T) {
	err := &PermanentAuthenticationError{Reason: "revoked key"}
	assert.Contains(t, err.Error(), "revoked key")
}

func TestTransientAuthenticationErrorUnwrap(t *testing.T) {
	cause := errors.New("dial timeout")
	err := &TransientAuthenticationError{Reason: "bus unreachable", Cause: cause}
	assert.Contains(t, err.Error(), "bus unreachable")
	assert.Contains(t, err.Error(), "dial timeout")
	assert.True(t, errors.Is(err, cause))
}

func TestTransientAuthenticationErrorWithoutCause(t *testing.T) {
	err := &TransientAuthenticationError{Reason: "control plane restarting"}
	assert.Equal(t, "authentication failed transiently: control plane restarting", err.Error())
}
