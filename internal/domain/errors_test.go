package domain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDomainErrorFormat(t *testing.T) {
	err := NewDomainError("SessionManager.Create", ErrDuplicateSession, "session 'abc'")
	want := "SessionManager.Create: session 'abc': session already exists"
	if err.Error() != want {
		t.Errorf("got %q, want %q", err.Error(), want)
	}
}

func TestDomainErrorFormatNoDetail(t *testing.T) {
	err := NewDomainError("Correlator.Execute", ErrInvalidRequest, "")
	want := "Correlator.Execute: invalid request"
	if err.Error() != want {
		t.Errorf("got %q, want %q", err.Error(), want)
	}
}

func TestDomainErrorUnwrap(t *testing.T) {
	err := NewDomainError("SessionManager.Execute", ErrConcurrencyLimit, "3/3 active")
	if !errors.Is(err, ErrConcurrencyLimit) {
		t.Error("errors.Is should match ErrConcurrencyLimit")
	}
}

func TestDomainErrorAs(t *testing.T) {
	err := NewDomainError("Adapter.Send", ErrCommunication, "broken pipe")
	var de *DomainError
	if !errors.As(err, &de) {
		t.Fatal("errors.As should match *DomainError")
	}
	if de.Op != "Adapter.Send" {
		t.Errorf("Op = %q, want %q", de.Op, "Adapter.Send")
	}
}

func TestIsStructural(t *testing.T) {
	structural := []error{
		ErrInvalidConfig, ErrDuplicateSession, ErrCapacity, ErrNotFound,
		ErrSessionInactive, ErrConcurrencyLimit, ErrInvalidState, ErrInvalidRequest,
	}
	for _, err := range structural {
		assert.True(t, IsStructural(err), "%v should be structural", err)
		assert.True(t, IsStructural(NewDomainError("Op", err, "")), "wrapped %v should be structural", err)
	}

	operational := []error{ErrTimeout, ErrCommunication, ErrWorkerFailed, fmt.Errorf("random")}
	for _, err := range operational {
		assert.False(t, IsStructural(err), "%v should not be structural", err)
	}
}

// --- ErrorCode tests ---

func TestErrorCodeOf_DirectSentinel(t *testing.T) {
	assert.Equal(t, CodeDuplicateSession, ErrorCodeOf(ErrDuplicateSession))
	assert.Equal(t, CodeConcurrencyLimit, ErrorCodeOf(ErrConcurrencyLimit))
	assert.Equal(t, CodeCommunication, ErrorCodeOf(ErrCommunication))
}

func TestErrorCodeOf_SubSystem(t *testing.T) {
	err := NewSubSystemError("session", "SessionManager.Get", ErrNotFound, "s-1")
	assert.Equal(t, CodeSessionNotFound, ErrorCodeOf(err))

	err = NewSubSystemError("correlate", "Correlator.Execute", ErrTimeout, "run-1")
	assert.Equal(t, CodeResponseTimeout, ErrorCodeOf(err))
}

func TestErrorCodeOf_WrappedError(t *testing.T) {
	wrapped := fmt.Errorf("context: %w", ErrWorkerFailed)
	assert.Equal(t, CodeWorkerFailed, ErrorCodeOf(wrapped))
}

func TestErrorCodeOf_UnknownError(t *testing.T) {
	assert.Equal(t, CodeUnknown, ErrorCodeOf(fmt.Errorf("some random error")))
}

func TestErrorCodeOf_Nil(t *testing.T) {
	assert.Equal(t, CodeUnknown, ErrorCodeOf(nil))
}

func TestNewIDUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := NewID()
		assert.Len(t, id, 26)
		assert.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
}
