package errors

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_IsMatchesCode(t *testing.T) {
	err := New(CodeTopologyCycle, "topology.ChangeParent", fmt.Errorf("rank 3 under 5"))

	assert.True(t, Is(err, ErrTopologyCycle))
	assert.False(t, Is(err, ErrTopologyFormat))
	assert.Equal(t, "topology.ChangeParent: topology cycle: rank 3 under 5", err.Error())

	wrapped := fmt.Errorf("apply update: %w", err)
	code, ok := CodeOf(wrapped)
	assert.True(t, ok)
	assert.Equal(t, CodeTopologyCycle, code)
}

func TestError_UnwrapsToSentinel(t *testing.T) {
	err := New(CodeFormatString, "packet.Unpack", ErrFormatMismatch)
	assert.True(t, Is(err, ErrFormatMismatch))
	assert.True(t, Is(err, ErrFormatString))
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorClass
	}{
		{"format", New(CodePacking, "op", nil), ErrorInvalid},
		{"internal", New(CodeInternal, "op", nil), ErrorFatal},
		{"network", New(CodeNetworkFailure, "op", nil), ErrorTransient},
		{"mismatch", ErrFormatMismatch, ErrorInvalid},
		{"no parent", fmt.Errorf("recover: %w", ErrNoNewParent), ErrorFatal},
		{"classified", WrapFatal(fmt.Errorf("boom"), "peer", "Start", "dial"), ErrorFatal},
		{"unknown", fmt.Errorf("something"), ErrorTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestIsTransient(t *testing.T) {
	assert.False(t, IsTransient(nil))
	assert.False(t, IsTransient(context.Canceled))
	assert.True(t, IsTransient(New(CodeSystem, "dial", fmt.Errorf("refused"))))
	assert.False(t, IsTransient(ErrFormatMismatch))
	assert.True(t, IsFatal(ErrRecoveryDisabled))
}

func TestWrap(t *testing.T) {
	assert.Nil(t, Wrap(nil, "a", "b", "c"))

	err := WrapTransient(ErrClosed, "peer", "Send", "enqueue")
	assert.Equal(t, "peer.Send: enqueue failed: resource is closed", err.Error())
	assert.True(t, Is(err, ErrClosed))
	assert.Equal(t, ErrorTransient, Classify(err))
}
