// Package retry implements the pure retry-eligibility decision from
// the retry policy: whether a completed attempt should be
// requeued, and when.
package retry

import (
	"math"
	"time"

	"github.com/samson-media/barn/pkg/types"
)

// MaxDelay caps the computed backoff so a misconfigured multiplier
// cannot push retry_at arbitrarily far into the future.
const MaxDelay = time.Hour

// Decision is the outcome of evaluating a completed attempt against a
// job's retry configuration.
type Decision struct {
	ShouldRetry bool
	RetryAt     time.Time
}

// Evaluate decides whether a job should be retried after finishing
// with exitCode, given its current retryCount and config, relative to
// now.
func Evaluate(exitCode types.ExitCode, retryCount int, cfg types.JobConfig, now time.Time) Decision {
	if n, ok := exitCode.Int(); ok && n == 0 {
		return Decision{ShouldRetry: false}
	}
	if retryCount >= cfg.MaxRetries {
		return Decision{ShouldRetry: false}
	}
	if len(cfg.RetryOnExitCodes) > 0 {
		n, numeric := exitCode.Int()
		if !numeric || !containsInt(cfg.RetryOnExitCodes, n) {
			return Decision{ShouldRetry: false}
		}
	}
	return Decision{ShouldRetry: true, RetryAt: now.Add(backoffDelay(cfg, retryCount))}
}

func backoffDelay(cfg types.JobConfig, retryCount int) time.Duration {
	base := time.Duration(cfg.RetryDelaySeconds) * time.Second
	multiplier := cfg.RetryBackoffMultiplier
	if multiplier <= 0 {
		multiplier = 1
	}
	delay := float64(base) * math.Pow(multiplier, float64(retryCount))
	if delay > float64(MaxDelay) || math.IsInf(delay, 1) {
		return MaxDelay
	}
	if delay < 0 {
		return 0
	}
	return time.Duration(delay)
}

func containsInt(haystack []int, needle int) bool {
	for _, v := range haystack {
		if v == needle {
			return true
		}
	}
	return false
}
