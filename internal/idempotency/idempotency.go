package idempotency

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// State of a lifecycle record.
type State string

const (
	StatePending   State = "pending"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Outcome is the terminal success payload of a delivery.
type Outcome struct {
	Transport  string    `json:"transport"`
	MessageID  string    `json:"message_id"`
	FinishedAt time.Time `json:"finished_at"`
}

// ErrorInfo is the terminal failure payload of a delivery.
type ErrorInfo struct {
	Kind    string `json:"kind"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Record is the per-requestId lifecycle entry.
type Record struct {
	RequestID        string
	State            State
	Attempts         int
	CurrentTransport string
	LastAttemptAt    time.Time
	Result           *Outcome
	ErrorInfo        *ErrorInfo
	CreatedAt        time.Time
	UpdatedAt        time.Time
	ExpiresAt        time.Time
}

// Attempt carries the metadata recorded at the start of a transport attempt.
type Attempt struct {
	Transport string
	Number    int
	At        time.Time
}

// Store maps requestId to a TTL'd lifecycle record. All mutations are
// atomic with respect to each other; BeginOrGet is the single entry point
// that keeps concurrent submissions of one requestId from both proceeding.
type Store struct {
	ttl time.Duration

	mu      sync.Mutex
	records map[string]*Record

	sweepInterval time.Duration
	stopCh        chan struct{}
	stopOnce      sync.Once
	wg            sync.WaitGroup
}

// Option tunes a Store.
type Option func(*Store)

// WithSweepInterval overrides the background sweep cadence.
func WithSweepInterval(d time.Duration) Option {
	return func(s *Store) { s.sweepInterval = d }
}

// NewStore creates a store with the given record TTL (default 24h).
func NewStore(ttl time.Duration, opts ...Option) *Store {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	s := &Store{
		ttl:           ttl,
		records:       make(map[string]*Record),
		sweepInterval: time.Minute,
		stopCh:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// BeginOrGet atomically creates a pending record for requestId, or returns
// the live one. fresh is true only for the caller that created the record.
func (s *Store) BeginOrGet(requestID string) (rec Record, fresh bool) {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.records[requestID]; ok && existing.ExpiresAt.After(now) {
		return *existing, false
	}

	r := &Record{
		RequestID: requestID,
		State:     StatePending,
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: now.Add(s.ttl),
	}
	s.records[requestID] = r
	return *r, true
}

// MarkAttempt records the start of a transport attempt.
func (s *Store) MarkAttempt(requestID string, a Attempt) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[requestID]
	if !ok {
		return
	}
	r.Attempts++
	r.CurrentTransport = a.Transport
	r.LastAttemptAt = a.At
	r.UpdatedAt = time.Now()
}

// Complete transitions the record to completed. The first terminal write
// wins; later calls are ignored.
func (s *Store) Complete(requestID string, result Outcome) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[requestID]
	if !ok || r.State.Terminal() {
		return
	}
	r.State = StateCompleted
	r.Result = &result
	r.UpdatedAt = time.Now()
}

// Fail transitions the record to failed. The first terminal write wins.
func (s *Store) Fail(requestID string, info ErrorInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[requestID]
	if !ok || r.State.Terminal() {
		return
	}
	r.State = StateFailed
	r.ErrorInfo = &info
	r.UpdatedAt = time.Now()
}

// Get returns a snapshot of the record for requestId.
func (s *Store) Get(requestID string) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[requestID]
	if !ok || !r.ExpiresAt.After(time.Now()) {
		return Record{}, false
	}
	return *r, true
}

// Len returns the number of stored records, including expired ones that
// have not been swept yet.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// SweepExpired removes records whose ExpiresAt has passed and returns the
// count. Safe to call directly in tests.
func (s *Store) SweepExpired(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, r := range s.records {
		if r.ExpiresAt.Before(now) {
			delete(s.records, id)
			removed++
		}
	}
	if removed > 0 {
		log.Debug().Int("removed", removed).Msg("swept expired idempotency records")
	}
	return removed
}

// Clear drops every record. Test hook.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = make(map[string]*Record)
}

// Start launches the expiry sweeper.
func (s *Store) Start() {
	s.wg.Add(1)
	go s.sweepLoop()
}

// Stop terminates the sweeper and waits for it.
func (s *Store) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

func (s *Store) sweepLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.SweepExpired(time.Now())
		}
	}
}
