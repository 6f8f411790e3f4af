package engine

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/courierq/courierq/internal/backoff"
	"github.com/courierq/courierq/internal/breaker"
	"github.com/courierq/courierq/internal/idempotency"
	"github.com/courierq/courierq/internal/metrics"
	"github.com/courierq/courierq/internal/queue"
	"github.com/courierq/courierq/internal/transport"
)

// Config holds engine settings
type Config struct {
	MaxAttemptsPerTransport int
	Backoff                 backoff.Config
	Breaker                 breaker.Config

	// Sync disables the queue; Submit delivers on the caller's goroutine.
	Sync  bool
	Queue queue.Config

	// DisableBreaker sends directly to the transports, skipping the
	// per-transport circuit breakers.
	DisableBreaker bool
}

// DefaultConfig returns default engine configuration
func DefaultConfig() Config {
	return Config{
		MaxAttemptsPerTransport: 3,
		Backoff:                 backoff.DefaultConfig(),
		Breaker:                 breaker.DefaultConfig(),
		Queue:                   queue.DefaultConfig(),
	}
}

// SubmitStatus is the immediate outcome of a submission.
type SubmitStatus string

const (
	SubmitQueued SubmitStatus = "queued"
	SubmitSent   SubmitStatus = "sent"
	SubmitFailed SubmitStatus = "failed"
	// SubmitPending means an earlier submission of the same requestId is
	// still in flight; nothing new was scheduled.
	SubmitPending SubmitStatus = "pending"
	// Cached statuses replay a terminal outcome recorded for the requestId.
	SubmitCompletedCached SubmitStatus = "completed-cached"
	SubmitFailedCached    SubmitStatus = "failed-cached"
)

// SubmitResult is returned to the caller after admission.
type SubmitResult struct {
	RequestID string                 `json:"request_id"`
	Status    SubmitStatus           `json:"status"`
	JobID     string                 `json:"job_id,omitempty"`
	Result    *idempotency.Outcome   `json:"result,omitempty"`
	Error     *idempotency.ErrorInfo `json:"error,omitempty"`
}

// StatusView is the externally visible state of one requestId, merged from
// the lifecycle record and, when present, the latest job.
type StatusView struct {
	RequestID   string                 `json:"request_id"`
	Status      string                 `json:"status"`
	Attempts    int                    `json:"attempts"`
	Transport   string                 `json:"transport,omitempty"`
	Result      *idempotency.Outcome   `json:"result,omitempty"`
	Error       *idempotency.ErrorInfo `json:"error,omitempty"`
	SubmittedAt time.Time              `json:"submitted_at"`
	UpdatedAt   time.Time              `json:"updated_at"`
}

// TransportStatus pairs a breaker snapshot with the transport's own health.
type TransportStatus struct {
	breaker.Status
	Healthy bool `json:"healthy"`
}

// route is one transport in the fallback chain, optionally behind a breaker.
type route struct {
	t transport.Transport
	b *breaker.Breaker // nil when breakers are disabled
}

func (r *route) name() string { return r.t.Name() }

func (r *route) send(ctx context.Context, p transport.Payload) (transport.Receipt, error) {
	if r.b != nil {
		return r.b.Do(ctx, p)
	}
	return r.t.Send(ctx, p)
}

func (r *route) status() breaker.Status {
	if r.b != nil {
		return r.b.Status()
	}
	return breaker.Status{Transport: r.t.Name(), Mode: breaker.ModeClosed}
}

// Engine drives deliveries across an ordered list of transports, each behind
// its own circuit breaker unless DisableBreaker is set. Transports are tried
// in the configured order;
// the first is primary, the rest are fallbacks.
type Engine struct {
	cfg    Config
	routes []*route
	idem   *idempotency.Store
	queue  *queue.Queue // nil in sync mode

	baseCtx context.Context
	cancel  context.CancelFunc
}

// New creates an engine over the given transports, in fallback order.
func New(cfg Config, store *idempotency.Store, transports ...transport.Transport) (*Engine, error) {
	if len(transports) == 0 {
		return nil, errors.New("engine: at least one transport is required")
	}
	if cfg.MaxAttemptsPerTransport <= 0 {
		cfg.MaxAttemptsPerTransport = DefaultConfig().MaxAttemptsPerTransport
	}

	baseCtx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		cfg:     cfg,
		idem:    store,
		baseCtx: baseCtx,
		cancel:  cancel,
	}
	for _, t := range transports {
		r := &route{t: t}
		if !cfg.DisableBreaker {
			r.b = breaker.Wrap(t, cfg.Breaker)
		}
		e.routes = append(e.routes, r)
	}
	if !cfg.Sync {
		e.queue = queue.New(cfg.Queue, e.handle)
	}
	return e, nil
}

// Start launches the queue workers and the idempotency sweeper.
func (e *Engine) Start() {
	e.idem.Start()
	if e.queue != nil {
		e.queue.Start()
	}
	log.Info().Int("transports", len(e.routes)).Bool("sync", e.cfg.Sync).Msg("engine started")
}

// Stop cancels in-flight backoff waits, drains the workers up to the context
// deadline, and halts the sweepers.
func (e *Engine) Stop(ctx context.Context) error {
	e.cancel()

	var err error
	if e.queue != nil {
		err = e.queue.Stop(ctx)
	}
	e.idem.Stop()
	log.Info().Msg("engine stopped")
	return err
}

// Submit admits one delivery request. Duplicate requestIds are resolved from
// the idempotency store without touching the transports.
func (e *Engine) Submit(ctx context.Context, req Request) (SubmitResult, error) {
	if err := req.Validate(); err != nil {
		metrics.SubmissionsTotal.WithLabelValues("rejected").Inc()
		return SubmitResult{}, err
	}

	rec, fresh := e.idem.BeginOrGet(req.RequestID)
	if !fresh {
		metrics.IdempotencyHits.WithLabelValues(string(rec.State)).Inc()
		switch rec.State {
		case idempotency.StateCompleted:
			metrics.SubmissionsTotal.WithLabelValues("cached").Inc()
			return SubmitResult{RequestID: req.RequestID, Status: SubmitCompletedCached, Result: rec.Result}, nil
		case idempotency.StateFailed:
			metrics.SubmissionsTotal.WithLabelValues("cached").Inc()
			return SubmitResult{RequestID: req.RequestID, Status: SubmitFailedCached, Error: rec.ErrorInfo}, nil
		default:
			metrics.SubmissionsTotal.WithLabelValues("pending").Inc()
			return SubmitResult{RequestID: req.RequestID, Status: SubmitPending}, nil
		}
	}

	payload := transport.Payload{To: req.To, Subject: req.Subject, Body: req.Body}

	if e.queue != nil {
		job, err := e.queue.Enqueue(req.RequestID, payload, req.Priority, req.Delay)
		if err != nil {
			e.idem.Fail(req.RequestID, idempotency.ErrorInfo{
				Kind:    "transient",
				Code:    "SHUTTING_DOWN",
				Message: "submission rejected during shutdown",
			})
			return SubmitResult{}, err
		}
		metrics.SubmissionsTotal.WithLabelValues("queued").Inc()
		return SubmitResult{RequestID: req.RequestID, Status: SubmitQueued, JobID: job.ID}, nil
	}

	report := e.handle(ctx, queue.Job{RequestID: req.RequestID, Payload: payload})
	if report.Err != nil {
		e.idem.Fail(req.RequestID, idempotency.ErrorInfo{
			Kind:    "transient",
			Code:    "CANCELLED",
			Message: report.Err.Error(),
		})
		return SubmitResult{}, report.Err
	}
	if report.Disposition == queue.DispositionDelivered {
		metrics.SubmissionsTotal.WithLabelValues("sent").Inc()
		return SubmitResult{
			RequestID: req.RequestID,
			Status:    SubmitSent,
			Result:    outcomeFromResult(report.Result),
		}, nil
	}
	metrics.SubmissionsTotal.WithLabelValues("failed").Inc()
	return SubmitResult{
		RequestID: req.RequestID,
		Status:    SubmitFailed,
		Error:     errorInfoFromFailure(report.Failure),
	}, nil
}

// Status reports the current state of a requestId. The latest job wins over
// the lifecycle record, which covers jobs failed by queue-level machinery
// that never reached a terminal engine write.
func (e *Engine) Status(requestID string) (StatusView, bool) {
	rec, ok := e.idem.Get(requestID)
	if !ok {
		return StatusView{}, false
	}

	view := StatusView{
		RequestID:   rec.RequestID,
		Status:      statusFromRecord(rec.State),
		Attempts:    rec.Attempts,
		Transport:   rec.CurrentTransport,
		Result:      rec.Result,
		Error:       rec.ErrorInfo,
		SubmittedAt: rec.CreatedAt,
		UpdatedAt:   rec.UpdatedAt,
	}

	if e.queue != nil {
		if job, ok := e.queue.Snapshot(requestID); ok {
			applyJob(&view, job)
		}
	}
	return view, true
}

func statusFromRecord(s idempotency.State) string {
	switch s {
	case idempotency.StateCompleted:
		return "sent"
	case idempotency.StateFailed:
		return "failed"
	default:
		return "pending"
	}
}

func applyJob(view *StatusView, job queue.Job) {
	switch job.Status {
	case queue.StatusCompleted:
		view.Status = "sent"
		if view.Result == nil && job.Result != nil {
			view.Result = outcomeFromResult(job.Result)
		}
	case queue.StatusFailed:
		view.Status = "failed"
		if view.Error == nil && job.Failure != nil {
			view.Error = errorInfoFromFailure(job.Failure)
		}
	default:
		view.Status = string(job.Status)
	}
}

func outcomeFromResult(r *queue.Result) *idempotency.Outcome {
	if r == nil {
		return nil
	}
	return &idempotency.Outcome{Transport: r.Transport, MessageID: r.MessageID, FinishedAt: r.FinishedAt}
}

func errorInfoFromFailure(f *queue.Failure) *idempotency.ErrorInfo {
	if f == nil {
		return nil
	}
	return &idempotency.ErrorInfo{Kind: f.Kind, Code: f.Code, Message: f.Message}
}

// TransportStatuses returns one entry per transport, in fallback order.
func (e *Engine) TransportStatuses() []TransportStatus {
	out := make([]TransportStatus, 0, len(e.routes))
	for _, r := range e.routes {
		out = append(out, TransportStatus{
			Status:  r.status(),
			Healthy: transport.IsHealthy(r.t),
		})
	}
	return out
}

// ResetBreaker closes the named breaker; an empty name resets all of them.
// Returns false when the name matches no transport.
func (e *Engine) ResetBreaker(name string) bool {
	found := false
	for _, r := range e.routes {
		if name == "" || r.name() == name {
			if r.b != nil {
				r.b.Reset()
			}
			found = true
		}
	}
	return found
}

// ForceOpenBreaker trips the named breaker. Test and incident hook.
func (e *Engine) ForceOpenBreaker(name string) bool {
	for _, r := range e.routes {
		if r.name() == name {
			if r.b != nil {
				r.b.ForceOpen()
			}
			return true
		}
	}
	return false
}

// ClearIdempotency drops every lifecycle record.
func (e *Engine) ClearIdempotency() {
	e.idem.Clear()
}

// QueueStats returns queue occupancy; ok is false in sync mode.
func (e *Engine) QueueStats() (queue.Stats, bool) {
	if e.queue == nil {
		return queue.Stats{}, false
	}
	return e.queue.Stats(), true
}
