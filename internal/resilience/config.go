package resilience

import (
	"time"
)

// TuneRetry builds a RetryConfig from operator-supplied knobs, keeping
// the defaults for anything left at zero.
func TuneRetry(maxAttempts int, initialBackoff, maxBackoff time.Duration) RetryConfig {
	cfg := DefaultRetryConfig()
	if maxAttempts > 0 {
		cfg.MaxAttempts = maxAttempts
	}
	if initialBackoff > 0 {
		cfg.InitialBackoff = initialBackoff
	}
	if maxBackoff > 0 {
		cfg.MaxBackoff = maxBackoff
	}
	return cfg
}

// TuneBreaker builds a CircuitBreakerConfig from operator-supplied knobs,
// keeping the defaults for anything left at zero.
func TuneBreaker(failureThreshold int, cooldown time.Duration) CircuitBreakerConfig {
	cfg := DefaultCircuitBreakerConfig()
	if failureThreshold > 0 {
		cfg.FailureThreshold = failureThreshold
	}
	if cooldown > 0 {
		cfg.Cooldown = cooldown
	}
	return cfg
}
