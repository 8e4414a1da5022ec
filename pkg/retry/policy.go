// Package retry decides whether, and after how long, a failed request may be
// attempted again.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"
)

// maxShift keeps 1<<(attempt+1) inside an int on every platform.
const maxShift = 30

// Policy is consulted after a retryable failure. attempt is the number of
// retries made so far (0 the first time) and elapsed is measured from the
// first attempt. Implementations may block for a delay before returning true
// and must return false if ctx is cancelled while waiting.
type Policy interface {
	AllowRetry(ctx context.Context, attempt int, elapsed time.Duration) bool
}

// PolicyFunc adapts a function to Policy.
type PolicyFunc func(ctx context.Context, attempt int, elapsed time.Duration) bool

// AllowRetry calls f.
func (f PolicyFunc) AllowRetry(ctx context.Context, attempt int, elapsed time.Duration) bool {
	return f(ctx, attempt, elapsed)
}

// None never retries.
func None() Policy {
	return PolicyFunc(func(context.Context, int, time.Duration) bool { return false })
}

// Forever always retries after a fixed delay.
type Forever struct {
	delay time.Duration
}

// NewForever creates a policy that retries without limit.
func NewForever(delay time.Duration) *Forever {
	return &Forever{delay: delay}
}

// AllowRetry sleeps for the configured delay.
func (p *Forever) AllowRetry(ctx context.Context, _ int, _ time.Duration) bool {
	return Sleep(ctx, p.delay)
}

// Standard retries with a fixed delay up to a maximum number of attempts.
type Standard struct {
	delay       time.Duration
	maxAttempts int
}

// NewStandard creates a fixed-delay bounded policy.
func NewStandard(delay time.Duration, maxAttempts int) *Standard {
	return &Standard{delay: delay, maxAttempts: maxAttempts}
}

// AllowRetry returns false once attempt reaches the cap.
func (p *Standard) AllowRetry(ctx context.Context, attempt int, _ time.Duration) bool {
	return attempt < p.maxAttempts && Sleep(ctx, p.delay)
}

// ExponentialBackoff sleeps a randomized, exponentially growing delay capped
// at max, for at most maxAttempts retries.
type ExponentialBackoff struct {
	base        time.Duration
	max         time.Duration
	maxAttempts int
	intN        func(n int) int
}

// NewExponentialBackoff creates an exponential backoff policy.
func NewExponentialBackoff(base, max time.Duration, maxAttempts int) *ExponentialBackoff {
	return &ExponentialBackoff{
		base:        base,
		max:         max,
		maxAttempts: maxAttempts,
		intN:        rand.IntN,
	}
}

// WithRandom replaces the random source, returning p. Intended for tests.
func (p *ExponentialBackoff) WithRandom(intN func(n int) int) *ExponentialBackoff {
	p.intN = intN
	return p
}

// Delay computes the sleep before retry number attempt:
// min(max, base * max(1, rand[0, 2^(attempt+1)))).
func (p *ExponentialBackoff) Delay(attempt int) time.Duration {
	shift := attempt + 1
	if shift < 1 {
		shift = 1
	}
	if shift > maxShift {
		shift = maxShift
	}
	multiplier := p.intN(1 << shift)
	if multiplier < 1 {
		multiplier = 1
	}
	delay := p.base * time.Duration(multiplier)
	// overflow shows up as a non-positive product
	if delay > p.max || delay <= 0 {
		delay = p.max
	}
	return delay
}

// AllowRetry sleeps for Delay(attempt) unless the attempt budget is spent.
func (p *ExponentialBackoff) AllowRetry(ctx context.Context, attempt int, _ time.Duration) bool {
	if attempt >= p.maxAttempts {
		return false
	}
	return Sleep(ctx, p.Delay(attempt))
}

// Sleep waits for d or until ctx is done. It reports whether the full delay elapsed.
func Sleep(ctx context.Context, d time.Duration) bool {
	if ctx == nil {
		ctx = context.Background()
	}
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// Policy kinds accepted by FromConfig.
const (
	KindNone        = "none"
	KindForever     = "forever"
	KindStandard    = "standard"
	KindExponential = "exponential"
)

// ErrInvalidConfig classifies unusable retry configuration.
var ErrInvalidConfig = errors.New("retry invalid config")

// Config describes a policy in configuration files.
type Config struct {
	Kind        string        `mapstructure:"kind" yaml:"kind"`
	Delay       time.Duration `mapstructure:"delay" yaml:"delay"`
	BaseDelay   time.Duration `mapstructure:"base_delay" yaml:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay" yaml:"max_delay"`
	MaxAttempts int           `mapstructure:"max_attempts" yaml:"max_attempts"`
}

// DefaultConfig mirrors the client default: exponential(1s, 30s, 3).
func DefaultConfig() Config {
	return Config{
		Kind:        KindExponential,
		Delay:       time.Second,
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
		MaxAttempts: 3,
	}
}

// FromConfig builds the policy described by cfg.
func FromConfig(cfg Config) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Kind)) {
	case KindNone:
		return None(), nil
	case KindForever:
		if cfg.Delay <= 0 {
			return nil, fmt.Errorf("%w: forever requires delay > 0", ErrInvalidConfig)
		}
		return NewForever(cfg.Delay), nil
	case KindStandard:
		if cfg.Delay <= 0 || cfg.MaxAttempts < 0 {
			return nil, fmt.Errorf("%w: standard requires delay > 0 and max_attempts >= 0", ErrInvalidConfig)
		}
		return NewStandard(cfg.Delay, cfg.MaxAttempts), nil
	case KindExponential, "":
		if cfg.BaseDelay <= 0 || cfg.MaxDelay < cfg.BaseDelay || cfg.MaxAttempts < 0 {
			return nil, fmt.Errorf("%w: exponential requires 0 < base_delay <= max_delay and max_attempts >= 0", ErrInvalidConfig)
		}
		return NewExponentialBackoff(cfg.BaseDelay, cfg.MaxDelay, cfg.MaxAttempts), nil
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidConfig, cfg.Kind)
	}
}
