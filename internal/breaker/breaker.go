package breaker

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/courierq/courierq/internal/metrics"
	"github.com/courierq/courierq/internal/transport"
)

// Mode is the breaker's position in its state machine.
type Mode string

const (
	ModeClosed   Mode = "closed"
	ModeOpen     Mode = "open"
	ModeHalfOpen Mode = "half_open"
)

// Config for a single breaker.
type Config struct {
	FailureThreshold int
	SuccessThreshold int
	OpenDuration     time.Duration
}

// DefaultConfig returns the default breaker configuration.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		OpenDuration:     30 * time.Second,
	}
}

// Status is a snapshot of breaker state for admin queries.
type Status struct {
	Transport            string    `json:"transport"`
	Mode                 Mode      `json:"state"`
	ConsecutiveFailures  int       `json:"consecutive_failures"`
	ConsecutiveSuccesses int       `json:"consecutive_successes"`
	OpenedUntil          time.Time `json:"opened_until,omitempty"`
}

// Breaker wraps one transport and short-circuits calls while open.
// Only transient and rate-limited failures count toward opening; permanent
// failures say nothing about transport health.
type Breaker struct {
	cfg       Config
	transport transport.Transport

	mu        sync.Mutex
	mode      Mode
	failures  int
	successes int
	openUntil time.Time
}

// Wrap creates a closed breaker around a transport.
func Wrap(t transport.Transport, cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultConfig().FailureThreshold
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = DefaultConfig().SuccessThreshold
	}
	if cfg.OpenDuration <= 0 {
		cfg.OpenDuration = DefaultConfig().OpenDuration
	}
	b := &Breaker{cfg: cfg, transport: t, mode: ModeClosed}
	metrics.BreakerState.WithLabelValues(t.Name()).Set(0)
	return b
}

// Transport returns the wrapped transport.
func (b *Breaker) Transport() transport.Transport { return b.transport }

// Do runs one send attempt through the breaker. While open it fails fast
// with a synthetic transient error carrying the time left until a probe
// is allowed.
func (b *Breaker) Do(ctx context.Context, p transport.Payload) (transport.Receipt, error) {
	if wait, blocked := b.admit(); blocked {
		metrics.BreakerShortCircuits.WithLabelValues(b.transport.Name()).Inc()
		return transport.Receipt{}, &transport.SendError{
			Kind:       transport.KindTransient,
			Code:       "CIRCUIT_OPEN",
			Message:    "circuit breaker is open",
			Transport:  b.transport.Name(),
			RetryAfter: wait,
		}
	}

	receipt, err := b.transport.Send(ctx, p)
	if err == nil {
		b.onSuccess()
		return receipt, nil
	}

	se := transport.AsSendError(err, b.transport.Name())
	if se.Retryable() {
		b.onCountedFailure()
	}
	return transport.Receipt{}, se
}

// admit decides whether a call may proceed. The first call at or after
// openUntil moves the breaker to half-open and proceeds as the probe.
func (b *Breaker) admit() (time.Duration, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.mode != ModeOpen {
		return 0, false
	}
	now := time.Now()
	if now.Before(b.openUntil) {
		return b.openUntil.Sub(now), true
	}
	b.setMode(ModeHalfOpen)
	b.successes = 0
	return 0, false
}

func (b *Breaker) onSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.mode {
	case ModeHalfOpen:
		b.successes++
		if b.successes >= b.cfg.SuccessThreshold {
			b.setMode(ModeClosed)
			b.failures = 0
			b.successes = 0
			log.Info().Str("transport", b.transport.Name()).Msg("circuit closed after successful probes")
		}
	default:
		b.failures = 0
	}
}

func (b *Breaker) onCountedFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.mode {
	case ModeHalfOpen:
		b.trip()
	case ModeClosed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.trip()
		}
	}
}

// trip opens the breaker. Caller holds b.mu.
func (b *Breaker) trip() {
	b.setMode(ModeOpen)
	b.openUntil = time.Now().Add(b.cfg.OpenDuration)
	b.successes = 0
	log.Warn().
		Str("transport", b.transport.Name()).
		Time("opened_until", b.openUntil).
		Msg("circuit opened")
}

// setMode updates mode and the exported gauge. Caller holds b.mu.
func (b *Breaker) setMode(m Mode) {
	b.mode = m
	var v float64
	switch m {
	case ModeOpen:
		v = 1
	case ModeHalfOpen:
		v = 2
	}
	metrics.BreakerState.WithLabelValues(b.transport.Name()).Set(v)
}

// Status returns a snapshot of the breaker.
func (b *Breaker) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()

	st := Status{
		Transport:            b.transport.Name(),
		Mode:                 b.mode,
		ConsecutiveFailures:  b.failures,
		ConsecutiveSuccesses: b.successes,
	}
	if b.mode == ModeOpen {
		st.OpenedUntil = b.openUntil
	}
	return st
}

// Reset forces the breaker closed and clears all counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.setMode(ModeClosed)
	b.failures = 0
	b.successes = 0
	b.openUntil = time.Time{}
}

// ForceOpen trips the breaker regardless of recent results.
func (b *Breaker) ForceOpen() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.trip()
}
