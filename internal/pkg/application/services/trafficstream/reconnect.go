package trafficstream

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

// reconnectPolicy yields min(base * multiplier^(n-1), max) for the n:th
// consecutive failure and gives up once maxAttempts failures have been seen.
type reconnectPolicy struct {
	attempts    int
	maxAttempts int
	backoff     *backoff.ExponentialBackOff
}

func newReconnectPolicy(cfg ReconnectConfig) *reconnectPolicy {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.BaseDelay
	b.Multiplier = cfg.Multiplier
	b.MaxInterval = cfg.MaxDelay
	b.RandomizationFactor = 0
	b.Reset()

	return &reconnectPolicy{
		maxAttempts: cfg.MaxAttempts,
		backoff:     b,
	}
}

// failed records one non-intentional close and returns the delay before the
// next attempt, or ok == false when the attempt budget is exhausted.
func (p *reconnectPolicy) failed() (delay time.Duration, ok bool) {
	p.attempts++
	if p.attempts >= p.maxAttempts {
		return 0, false
	}
	return min(p.backoff.NextBackOff(), p.backoff.MaxInterval), true
}

func (p *reconnectPolicy) reset() {
	p.attempts = 0
	p.backoff.Reset()
}

func (p *reconnectPolicy) Attempts() int {
	return p.attempts
}
