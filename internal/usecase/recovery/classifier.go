package recovery

import (
	"errors"
	"strings"

	"sessiond/internal/domain"
)

// Classification is the immutable category/severity assignment for one
// failure, plus the default recovery decision derived from it.
type Classification struct {
	Category    domain.ErrorCategory
	Severity    domain.ErrorSeverity
	Recoverable bool
	Strategy    domain.RecoveryStrategy
}

// defaults maps each category to its baseline classification.
var defaults = map[domain.ErrorCategory]Classification{
	domain.CategoryValidation:    {domain.CategoryValidation, domain.SeverityLow, false, domain.StrategyManual},
	domain.CategoryTimeout:       {domain.CategoryTimeout, domain.SeverityMedium, true, domain.StrategyRetry},
	domain.CategoryCommunication: {domain.CategoryCommunication, domain.SeverityMedium, true, domain.StrategyRetry},
	domain.CategoryResource:      {domain.CategoryResource, domain.SeverityMedium, true, domain.StrategyFallback},
	domain.CategoryCommand:       {domain.CategoryCommand, domain.SeverityMedium, true, domain.StrategyRetry},
	domain.CategoryWrapper:       {domain.CategoryWrapper, domain.SeverityHigh, true, domain.StrategyRestart},
	domain.CategorySession:       {domain.CategorySession, domain.SeverityHigh, true, domain.StrategyRestart},
	domain.CategorySystem:        {domain.CategorySystem, domain.SeverityCritical, false, domain.StrategyEscalate},
}

// sentinelCategories resolves typed sentinels before any message matching.
var sentinelCategories = []struct {
	err      error
	category domain.ErrorCategory
}{
	{domain.ErrTimeout, domain.CategoryTimeout},
	{domain.ErrCommunication, domain.CategoryCommunication},
	{domain.ErrWorkerFailed, domain.CategoryWrapper},
	{domain.ErrSpawnBlocked, domain.CategoryWrapper},
	{domain.ErrQueueStore, domain.CategoryResource},
	{domain.ErrCacheStore, domain.CategoryResource},
}

// keywordRules are checked in order; the first matching substring wins.
// Ordering matters: "session timeout" must classify as TIMEOUT, not SESSION.
var keywordRules = []struct {
	needles  []string
	category domain.ErrorCategory
}{
	{[]string{"timeout", "timed out", "deadline exceeded"}, domain.CategoryTimeout},
	{[]string{"connection", "econnrefused", "econnreset", "broken pipe", "communication"}, domain.CategoryCommunication},
	{[]string{"memory", "quota", "resource", "limit exceeded", "too many"}, domain.CategoryResource},
	{[]string{"wrapper", "subprocess", "worker", "process exited", "spawn"}, domain.CategoryWrapper},
	{[]string{"session"}, domain.CategorySession},
	{[]string{"validation", "invalid", "malformed"}, domain.CategoryValidation},
	{[]string{"command", "execution failed"}, domain.CategoryCommand},
}

// Classify assigns a category, severity, recoverable flag, and default
// strategy to a failure. Unmatched errors classify as SYSTEM/CRITICAL.
// CRITICAL severity always forces ESCALATE and recoverable=false.
func Classify(err error) Classification {
	category := domain.CategorySystem

	if cat, ok := categoryOfSentinel(err); ok {
		category = cat
	} else if err != nil {
		message := strings.ToLower(err.Error())
	scan:
		for _, rule := range keywordRules {
			for _, needle := range rule.needles {
				if strings.Contains(message, needle) {
					category = rule.category
					break scan
				}
			}
		}
	}

	c := defaults[category]
	if c.Severity == domain.SeverityCritical {
		c.Recoverable = false
		c.Strategy = domain.StrategyEscalate
	}
	return c
}

func categoryOfSentinel(err error) (domain.ErrorCategory, bool) {
	for _, sc := range sentinelCategories {
		if errors.Is(err, sc.err) {
			return sc.category, true
		}
	}
	return "", false
}
