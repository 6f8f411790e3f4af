package transport

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Script replays a fixed sequence of outcomes, then delivers everything.
// A nil entry means success. Intended for tests and local experiments.
type Script struct {
	name string

	mu       sync.Mutex
	outcomes []*SendError
	sends    int
	payloads []Payload
}

// NewScript builds a transport that fails with each outcome in order.
func NewScript(name string, outcomes ...*SendError) *Script {
	for _, o := range outcomes {
		if o != nil && o.Transport == "" {
			o.Transport = name
		}
	}
	return &Script{name: name, outcomes: outcomes}
}

func (s *Script) Name() string { return s.name }

func (s *Script) Send(ctx context.Context, p Payload) (Receipt, error) {
	if err := ctx.Err(); err != nil {
		return Receipt{}, &SendError{Kind: KindTransient, Code: "CANCELED", Message: err.Error(), Transport: s.name}
	}

	s.mu.Lock()
	idx := s.sends
	s.sends++
	s.payloads = append(s.payloads, p)
	var outcome *SendError
	if idx < len(s.outcomes) {
		outcome = s.outcomes[idx]
	}
	s.mu.Unlock()

	if outcome != nil {
		return Receipt{}, outcome
	}
	return Receipt{
		MessageID:  uuid.New().String(),
		Transport:  s.name,
		FinishedAt: time.Now(),
	}, nil
}

// Sends returns the number of attempts observed so far.
func (s *Script) Sends() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sends
}

// LastPayload returns the most recently attempted payload.
func (s *Script) LastPayload() (Payload, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.payloads) == 0 {
		return Payload{}, false
	}
	return s.payloads[len(s.payloads)-1], true
}
