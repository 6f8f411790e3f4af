package transport

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// MockConfig tunes the stochastic behavior of a simulated transport.
// Rates are probabilities in [0,1] and are evaluated in order: permanent
// global, permanent local, rate limited, transient.
type MockConfig struct {
	PermanentGlobalRate float64
	PermanentLocalRate  float64
	RateLimitedRate     float64
	TransientRate       float64
	RetryAfter          time.Duration // attached to rate-limited failures
	MinLatency          time.Duration
	MaxLatency          time.Duration
}

// Mock simulates a downstream provider. It never touches a network.
type Mock struct {
	name string
	cfg  MockConfig

	mu      sync.Mutex
	rng     *rand.Rand
	healthy bool
	sends   int
}

// NewMock creates a simulated transport with the given failure profile.
func NewMock(name string, cfg MockConfig, seed int64) *Mock {
	return &Mock{
		name:    name,
		cfg:     cfg,
		rng:     rand.New(rand.NewSource(seed)),
		healthy: true,
	}
}

func (m *Mock) Name() string { return m.name }

// Healthy implements HealthChecker.
func (m *Mock) Healthy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.healthy
}

// SetHealthy flips the simulated health state.
func (m *Mock) SetHealthy(h bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.healthy = h
}

// Sends returns how many send attempts this transport has observed.
func (m *Mock) Sends() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sends
}

func (m *Mock) Send(ctx context.Context, p Payload) (Receipt, error) {
	m.mu.Lock()
	m.sends++
	roll := m.rng.Float64()
	latency := m.cfg.MinLatency
	if span := m.cfg.MaxLatency - m.cfg.MinLatency; span > 0 {
		latency += time.Duration(m.rng.Int63n(int64(span)))
	}
	m.mu.Unlock()

	if latency > 0 {
		timer := time.NewTimer(latency)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return Receipt{}, &SendError{
				Kind:      KindTransient,
				Code:      "CANCELED",
				Message:   ctx.Err().Error(),
				Transport: m.name,
			}
		case <-timer.C:
		}
	}

	threshold := m.cfg.PermanentGlobalRate
	if roll < threshold {
		return Receipt{}, &SendError{
			Kind:      KindPermanentGlobal,
			Code:      "AUTHENTICATION_FAILED",
			Message:   "simulated credential rejection",
			Transport: m.name,
		}
	}
	threshold += m.cfg.PermanentLocalRate
	if roll < threshold {
		return Receipt{}, &SendError{
			Kind:      KindPermanentLocal,
			Code:      "INVALID_EMAIL",
			Message:   "simulated recipient rejection",
			Transport: m.name,
		}
	}
	threshold += m.cfg.RateLimitedRate
	if roll < threshold {
		return Receipt{}, &SendError{
			Kind:       KindRateLimited,
			Code:       "RATE_LIMITED",
			Message:    "simulated provider throttle",
			Transport:  m.name,
			RetryAfter: m.cfg.RetryAfter,
		}
	}
	threshold += m.cfg.TransientRate
	if roll < threshold {
		return Receipt{}, &SendError{
			Kind:      KindTransient,
			Code:      "SERVICE_UNAVAILABLE",
			Message:   "simulated provider outage",
			Transport: m.name,
		}
	}

	receipt := Receipt{
		MessageID:  uuid.New().String(),
		Transport:  m.name,
		FinishedAt: time.Now(),
	}
	log.Debug().Str("transport", m.name).Str("message_id", receipt.MessageID).Str("to", p.To).Msg("mock send delivered")
	return receipt, nil
}
