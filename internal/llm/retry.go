package llm

import (
	"context"
	"time"
)

const (
	defaultBaseDelay  = time.Second
	defaultMaxDelay   = 30 * time.Second
	defaultMaxElapsed = 300 * time.Second

	defaultMinSpacing = 100 * time.Millisecond
	maxSpacing        = 60 * time.Second
	spacingDecay      = 0.9
)

// RetryPolicy is the backoff state of one Complete call. It is not shared
// between calls.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxElapsed  time.Duration

	attempts int
	delay    time.Duration
	start    time.Time
}

// NewRetryPolicy allows retries+1 attempts with the default backoff.
func NewRetryPolicy(retries int) *RetryPolicy {
	if retries < 0 {
		retries = 0
	}
	return &RetryPolicy{
		MaxAttempts: retries + 1,
		BaseDelay:   defaultBaseDelay,
		MaxDelay:    defaultMaxDelay,
		MaxElapsed:  defaultMaxElapsed,
	}
}

// Attempts returns how many attempts have been recorded.
func (p *RetryPolicy) Attempts() int {
	return p.attempts
}

// Next records a failed attempt and returns how long to wait before the
// next one. It returns false once the attempts or the time budget are
// spent. A server retry-after hint longer than the backoff wins.
func (p *RetryPolicy) Next(retryAfter time.Duration) (time.Duration, bool) {
	if p.start.IsZero() {
		p.start = time.Now()
	}
	p.attempts++
	if p.attempts >= p.MaxAttempts {
		return 0, false
	}

	if p.delay == 0 {
		p.delay = p.BaseDelay
	}
	wait := p.delay
	p.delay *= 2
	if p.MaxDelay > 0 && p.delay > p.MaxDelay {
		p.delay = p.MaxDelay
	}
	if retryAfter > wait {
		wait = retryAfter
	}

	if p.MaxElapsed > 0 && time.Since(p.start)+wait > p.MaxElapsed {
		return 0, false
	}
	return wait, true
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
