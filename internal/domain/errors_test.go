package domain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDomainErrorFormat(t *testing.T) {
	err := NewDomainError("Batcher.Flush", ErrNoActiveSession, "agent 'a1'")
	want := "Batcher.Flush: agent 'a1': no active session"
	if err.Error() != want {
		t.Errorf("got %q, want %q", err.Error(), want)
	}
}

func TestDomainErrorFormatNoDetail(t *testing.T) {
	err := NewDomainError("Scheduler.Schedule", ErrShuttingDown, "")
	want := "Scheduler.Schedule: shutting down"
	if err.Error() != want {
		t.Errorf("got %q, want %q", err.Error(), want)
	}
}

func TestDomainErrorUnwrap(t *testing.T) {
	err := NewDomainError("Tmux.Paste", ErrDeliveryFailed, "exit status 1")
	if !errors.Is(err, ErrDeliveryFailed) {
		t.Error("errors.Is should match ErrDeliveryFailed")
	}
}

func TestErrorCodeOf_DirectSentinel(t *testing.T) {
	assert.Equal(t, CodeNoActiveSession, ErrorCodeOf(ErrNoActiveSession))
	assert.Equal(t, CodeCircuitOpen, ErrorCodeOf(ErrCircuitOpen))
	assert.Equal(t, CodeShuttingDown, ErrorCodeOf(ErrShuttingDown))
}

func TestErrorCodeOf_WrappedError(t *testing.T) {
	err := fmt.Errorf("flush a1: %w", ErrDeliveryFailed)
	assert.Equal(t, CodeDeliveryFailed, ErrorCodeOf(err))
}

func TestErrorCodeOf_SubSystem(t *testing.T) {
	err := NewSubSystemError("agent", "Directory.Lookup", ErrNotFound, "a1")
	assert.Equal(t, CodeAgentNotFound, ErrorCodeOf(err))

	err = NewSubSystemError("tmux", "Tmux.SendKeys", ErrTimeout, "")
	assert.Equal(t, CodeTmuxTimeout, err.Code())

	// Unknown subsystem falls back to the category code.
	err = NewSubSystemError("other", "X", ErrNotFound, "")
	assert.Equal(t, CodeNotFound, ErrorCodeOf(err))
}

func TestErrorCodeOf_Unknown(t *testing.T) {
	assert.Equal(t, CodeUnknown, ErrorCodeOf(nil))
	assert.Equal(t, CodeUnknown, ErrorCodeOf(errors.New("random")))
}

func TestWrapOp(t *testing.T) {
	require.NoError(t, WrapOp("op", nil))
	err := WrapOp("tmux", ErrNoActiveSession)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoActiveSession)
	assert.Equal(t, "tmux: no active session", err.Error())
}
