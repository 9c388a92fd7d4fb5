package recovery

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"sessiond/internal/domain"
)

func TestClassifyKeywords(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		category domain.ErrorCategory
		severity domain.ErrorSeverity
		strategy domain.RecoveryStrategy
		recover  bool
	}{
		{"timeout", errors.New("request timeout after 30s"), domain.CategoryTimeout, domain.SeverityMedium, domain.StrategyRetry, true},
		{"timed out", errors.New("operation timed out"), domain.CategoryTimeout, domain.SeverityMedium, domain.StrategyRetry, true},
		{"connection", errors.New("connection refused by peer"), domain.CategoryCommunication, domain.SeverityMedium, domain.StrategyRetry, true},
		{"econnrefused", errors.New("dial tcp: econnrefused"), domain.CategoryCommunication, domain.SeverityMedium, domain.StrategyRetry, true},
		{"memory", errors.New("out of memory"), domain.CategoryResource, domain.SeverityMedium, domain.StrategyFallback, true},
		{"quota", errors.New("quota exceeded for user"), domain.CategoryResource, domain.SeverityMedium, domain.StrategyFallback, true},
		{"subprocess", errors.New("subprocess crashed unexpectedly"), domain.CategoryWrapper, domain.SeverityHigh, domain.StrategyRestart, true},
		{"session", errors.New("session state corrupt"), domain.CategorySession, domain.SeverityHigh, domain.StrategyRestart, true},
		{"validation", errors.New("validation error on field x"), domain.CategoryValidation, domain.SeverityLow, domain.StrategyManual, false},
		{"unmatched", errors.New("something inexplicable happened"), domain.CategorySystem, domain.SeverityCritical, domain.StrategyEscalate, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Classify(tt.err)
			assert.Equal(t, tt.category, c.Category)
			assert.Equal(t, tt.severity, c.Severity)
			assert.Equal(t, tt.strategy, c.Strategy)
			assert.Equal(t, tt.recover, c.Recoverable)
		})
	}
}

func TestClassifyKeywordPrecedence(t *testing.T) {
	// "session timeout" must classify as TIMEOUT, not SESSION.
	c := Classify(errors.New("session timeout waiting for worker"))
	assert.Equal(t, domain.CategoryTimeout, c.Category)
}

func TestClassifySentinelsBeforeKeywords(t *testing.T) {
	// A wrapped sentinel wins over whatever the message says.
	err := fmt.Errorf("session gone: %w", domain.ErrWorkerFailed)
	c := Classify(err)
	assert.Equal(t, domain.CategoryWrapper, c.Category)

	err = fmt.Errorf("worker misbehaving: %w", domain.ErrTimeout)
	c = Classify(err)
	assert.Equal(t, domain.CategoryTimeout, c.Category)
}

func TestClassifyCriticalForcesEscalate(t *testing.T) {
	c := Classify(errors.New("totally unknown"))
	assert.Equal(t, domain.SeverityCritical, c.Severity)
	assert.Equal(t, domain.StrategyEscalate, c.Strategy)
	assert.False(t, c.Recoverable)
}

func TestClassifyNil(t *testing.T) {
	c := Classify(nil)
	assert.Equal(t, domain.CategorySystem, c.Category)
	assert.Equal(t, domain.StrategyEscalate, c.Strategy)
}
