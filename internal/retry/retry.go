// Package retry wraps github.com/cenkalti/backoff/v5 with the retry-after
// parsing and transient-status classification the provider and MCP pool
// packages both need, so the exponential-backoff policy lives in one place
// instead of being hand-rolled per call site.
package retry

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog/log"
)

// Policy configures a retry loop.
type Policy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	// Label is used only for log lines.
	Label string
}

// DefaultPolicy mirrors the teacher's SSE connection retry: a handful of
// attempts with a short initial backoff, capped well under a minute.
func DefaultPolicy(label string) Policy {
	return Policy{
		MaxAttempts:     4,
		InitialInterval: 2 * time.Second,
		MaxInterval:     30 * time.Second,
		Label:           label,
	}
}

// Permanent wraps an error that should not be retried, matching
// backoff.Permanent's contract.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// Do runs fn under the policy's exponential backoff, retrying while fn
// returns a non-permanent error. retryAfter, when non-zero, overrides the
// computed backoff for the next attempt (used when a server sends an
// explicit Retry-After / "Try again in N seconds" hint).
func Do[T any](ctx context.Context, p Policy, fn func(ctx context.Context, attempt int) (T, time.Duration, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval

	attempt := 0
	op := func() (T, error) {
		result, retryAfter, err := fn(ctx, attempt)
		attempt++
		if err == nil {
			return result, nil
		}
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			return result, err
		}
		if retryAfter > 0 {
			log.Warn().Str("op", p.Label).Int("attempt", attempt).Dur("retry_after", retryAfter).Err(err).Msg("retrying after server-specified delay")
			return result, backoff.RetryAfter(retryAfter)
		}
		log.Warn().Str("op", p.Label).Int("attempt", attempt).Err(err).Msg("retrying")
		return result, err
	}

	return backoff.Retry(ctx, op, backoff.WithBackOff(b), backoff.WithMaxTries(uint(p.MaxAttempts)))
}

// IsTransientStatus reports whether an HTTP status code should trigger a
// retry rather than a hard failure.
func IsTransientStatus(code int) bool {
	return code == 429 || code == 500 || code == 502 || code == 503 || code == 504
}

var (
	retryAfterHeaderRe = regexp.MustCompile(`Retry-After:\s*(\d+)`)
	retryAfterPhraseRe = regexp.MustCompile(`Try again in (\d+) seconds?`)
)

// ParseRetryAfter extracts a server-requested delay from an error message,
// capped at 30s for safety, matching the teacher's MCP tool-call retry.
func ParseRetryAfter(err error) (time.Duration, bool) {
	if err == nil {
		return 0, false
	}
	msg := err.Error()
	if m := retryAfterHeaderRe.FindStringSubmatch(msg); len(m) > 1 {
		if secs, perr := strconv.Atoi(m[1]); perr == nil {
			return cap30(time.Duration(secs) * time.Second), true
		}
	}
	if strings.Contains(msg, "Try again in") {
		if m := retryAfterPhraseRe.FindStringSubmatch(msg); len(m) > 1 {
			if secs, perr := strconv.Atoi(m[1]); perr == nil {
				return cap30(time.Duration(secs) * time.Second), true
			}
		}
	}
	return 0, false
}

func cap30(d time.Duration) time.Duration {
	if d > 30*time.Second {
		return 30 * time.Second
	}
	return d
}

// ErrExhausted is returned (wrapped) when all attempts under a policy fail.
var ErrExhausted = errors.New("retry attempts exhausted")

// Wrap formats a final exhaustion error consistently across call sites.
func Wrap(label string, attempts int, cause error) error {
	return fmt.Errorf("%s: %w after %d attempts: %v", label, ErrExhausted, attempts, cause)
}
