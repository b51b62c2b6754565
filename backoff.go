package realtime

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// delayPolicy yields successive reconnect delays. Reset rewinds the policy
// after a successful connection so the next failure starts from the
// initial delay again.
type delayPolicy interface {
	Next() time.Duration
	Reset()
}

type exponentialDelayPolicy struct {
	bo *backoff.ExponentialBackOff
}

// newExponentialDelayPolicy builds the deterministic doubling policy used
// for reconnects: initial, initial*multiplier, ... capped at max. With the
// defaults (1s, x2, 30s) the sequence is 1s 2s 4s 8s 16s 30s 30s ...
func newExponentialDelayPolicy(initial, max time.Duration, multiplier float64) delayPolicy {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = initial
	bo.MaxInterval = max
	bo.Multiplier = multiplier
	// The delay sequence is part of the contract, no jitter.
	bo.RandomizationFactor = 0
	// Reconnecting never gives up on its own; only Disconnect stops it.
	bo.MaxElapsedTime = 0
	bo.Reset()
	return &exponentialDelayPolicy{bo: bo}
}

func (p *exponentialDelayPolicy) Next() time.Duration {
	return p.bo.NextBackOff()
}

func (p *exponentialDelayPolicy) Reset() {
	p.bo.Reset()
}
