package healthq

import (
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/msageha/vmhealth/internal/model"
)

const (
	ConnectionRetryBase = 30 * time.Second
	OtherRetryBase      = 10 * time.Second
	RetryMultiplier     = 1.5
	MaxRetryDelay       = 300 * time.Second
)

// RetryDecision is the outcome of RetryPolicy.Decide.
type RetryDecision struct {
	Terminal   bool
	Attempts   int
	Delay      time.Duration
	Connection bool
}

// RetryPolicy retires a failed task once it reaches its attempt ceiling and
// otherwise reschedules it with exponential backoff. Connection-class errors
// start from a longer base, since agents commonly come up some time after
// the machine boots.
type RetryPolicy struct {
	ConnectionBase time.Duration
	OtherBase      time.Duration
	Multiplier     float64
	MaxDelay       time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		ConnectionBase: ConnectionRetryBase,
		OtherBase:      OtherRetryBase,
		Multiplier:     RetryMultiplier,
		MaxDelay:       MaxRetryDelay,
	}
}

// Decide counts the failed attempt of t and decides what happens next.
func (p RetryPolicy) Decide(t *model.HealthCheckTask, err error) RetryDecision {
	attempts := t.Attempts + 1
	maxAttempts := t.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = model.DefaultMaxAttempts
	}
	conn := model.IsConnectionError(err)
	if attempts >= maxAttempts {
		return RetryDecision{Terminal: true, Attempts: attempts, Connection: conn}
	}
	base := p.OtherBase
	if conn {
		base = p.ConnectionBase
	}
	return RetryDecision{Attempts: attempts, Delay: p.Delay(base, attempts), Connection: conn}
}

// Delay returns min(base * multiplier^(attempts-1), MaxDelay).
func (p RetryPolicy) Delay(base time.Duration, attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = base
	b.Multiplier = p.Multiplier
	b.RandomizationFactor = 0
	b.MaxInterval = p.MaxDelay
	b.MaxElapsedTime = 0
	b.Reset()

	var d time.Duration
	for i := 0; i < attempts; i++ {
		d = b.NextBackOff()
		if d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	return d
}
