package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/courierq/courierq/internal/metrics"
	"github.com/courierq/courierq/internal/transport"
)

// Handler processes one job and reports the outcome. It receives a copy of
// the job and must respect ctx: the queue enforces its watchdog through the
// deadline.
type Handler func(ctx context.Context, job Job) Report

// Config holds queue settings
type Config struct {
	MaxConcurrency     int
	PollInterval       time.Duration
	JobTimeout         time.Duration
	RetryBaseDelay     time.Duration
	MaxRetries         int // queue-level safety net; 0 disables
	StuckSweepInterval time.Duration
	HistoryLimit       int
	HistoryMaxAge      time.Duration
}

// DefaultConfig returns default queue configuration
func DefaultConfig() Config {
	return Config{
		MaxConcurrency:     5,
		PollInterval:       1 * time.Second,
		JobTimeout:         90 * time.Second,
		RetryBaseDelay:     5 * time.Second,
		MaxRetries:         1,
		StuckSweepInterval: 60 * time.Second,
		HistoryLimit:       100,
		HistoryMaxAge:      24 * time.Hour,
	}
}

// Stats is a point-in-time view of queue occupancy.
type Stats struct {
	Queued       int  `json:"queued"`
	Processing   int  `json:"processing"`
	Completed    int  `json:"completed"`
	Failed       int  `json:"failed"`
	Concurrency  int  `json:"concurrency"`
	IsProcessing bool `json:"is_processing"`
}

// Queue is an in-process priority-and-delay job queue with a bounded worker
// pool. A single mutex guards the pending heaps, the processing map, the
// per-request index and the history rings.
type Queue struct {
	cfg     Config
	handler Handler

	mu         sync.Mutex
	pend       *pending
	processing map[string]*Job // jobID -> job
	byRequest  map[string]*Job // requestID -> latest job
	completed  []*Job          // history ring, oldest first
	failed     []*Job          // history ring, oldest first

	wake     chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
	stopped  bool
	wg       sync.WaitGroup
}

// New creates a queue driving the given handler.
func New(cfg Config, handler Handler) *Queue {
	def := DefaultConfig()
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = def.MaxConcurrency
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = def.JobTimeout
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = def.RetryBaseDelay
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.StuckSweepInterval <= 0 {
		cfg.StuckSweepInterval = def.StuckSweepInterval
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = def.HistoryLimit
	}
	if cfg.HistoryMaxAge <= 0 {
		cfg.HistoryMaxAge = def.HistoryMaxAge
	}
	return &Queue{
		cfg:        cfg,
		handler:    handler,
		pend:       newPending(),
		processing: make(map[string]*Job),
		byRequest:  make(map[string]*Job),
		wake:       make(chan struct{}, 1),
		stopCh:     make(chan struct{}),
	}
}

// Start launches the worker pool and the stuck-job sweeper.
func (q *Queue) Start() {
	for i := 0; i < q.cfg.MaxConcurrency; i++ {
		q.wg.Add(1)
		go q.worker()
	}
	q.wg.Add(1)
	go q.stuckSweeper()
	log.Info().Int("workers", q.cfg.MaxConcurrency).Msg("queue started")
}

// Stop halts admission and the workers, waiting up to the context deadline
// for in-flight attempts. Remaining queued and retrying jobs are dropped.
func (q *Queue) Stop(ctx context.Context) error {
	q.mu.Lock()
	q.stopped = true
	q.mu.Unlock()

	q.stopOnce.Do(func() { close(q.stopCh) })

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Enqueue creates a job for the request and schedules it. delay shifts
// eligibility; priority orders eligible jobs.
func (q *Queue) Enqueue(requestID string, payload transport.Payload, priority int, delay time.Duration) (*Job, error) {
	now := time.Now()
	job := &Job{
		ID:               uuid.New().String(),
		RequestID:        requestID,
		Payload:          payload,
		Priority:         priority,
		ExecuteNotBefore: now.Add(delay),
		SubmittedAt:      now,
		Status:           StatusQueued,
	}

	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return nil, errors.New("queue is shut down")
	}
	q.pend.Push(job)
	q.byRequest[requestID] = job
	queued := q.pend.Len()
	q.mu.Unlock()

	metrics.JobsQueued.Set(float64(queued))
	q.signal()

	log.Debug().
		Str("job_id", job.ID).
		Str("request_id", requestID).
		Int("priority", priority).
		Dur("delay", delay).
		Msg("job enqueued")
	return job, nil
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// worker runs one processing loop until shutdown.
func (q *Queue) worker() {
	defer q.wg.Done()

	for {
		job := q.acquire()
		if job == nil {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), q.cfg.JobTimeout)
		report := q.handler(ctx, *job)
		cancel()

		q.settle(job, report)
	}
}

// acquire blocks until a job is eligible or the queue stops. The returned
// job is already marked processing.
func (q *Queue) acquire() *Job {
	for {
		q.mu.Lock()
		if q.stopped {
			q.mu.Unlock()
			return nil
		}

		now := time.Now()
		q.pend.Promote(now)
		if job := q.pend.PopReady(); job != nil {
			job.Status = StatusProcessing
			job.StartedAt = now
			q.processing[job.ID] = job
			queued, processing := q.pend.Len(), len(q.processing)
			q.mu.Unlock()

			metrics.JobsQueued.Set(float64(queued))
			metrics.JobsProcessing.Set(float64(processing))
			return job
		}

		wait := q.cfg.PollInterval
		if ripe, ok := q.pend.NextRipe(); ok {
			if until := time.Until(ripe); until < wait {
				wait = until
			}
		}
		q.mu.Unlock()

		if wait < time.Millisecond {
			wait = time.Millisecond
		}
		timer := time.NewTimer(wait)
		select {
		case <-q.stopCh:
			timer.Stop()
			return nil
		case <-q.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// settle applies the handler's report to a processed job.
func (q *Queue) settle(job *Job, report Report) {
	q.mu.Lock()
	defer q.mu.Unlock()

	// The stuck sweeper may have already failed this job.
	if job.Status != StatusProcessing {
		return
	}
	delete(q.processing, job.ID)
	metrics.JobsProcessing.Set(float64(len(q.processing)))

	job.Attempts = report.Attempts

	switch {
	case report.Err == nil && report.Disposition == DispositionDelivered:
		job.Result = report.Result
		q.finishLocked(job, StatusCompleted)

	case report.Err == nil:
		job.Failure = report.Failure
		q.finishLocked(job, StatusFailed)

	case errors.Is(report.Err, context.DeadlineExceeded):
		// Watchdog fired; never requeued.
		metrics.JobTimeouts.Inc()
		job.Failure = &Failure{
			Kind:    "transient",
			Code:    "PROCESSING_TIMEOUT",
			Message: "job processing exceeded the configured timeout",
		}
		log.Warn().Str("job_id", job.ID).Str("request_id", job.RequestID).Msg("job timed out")
		q.finishLocked(job, StatusFailed)

	case errors.Is(report.Err, context.Canceled):
		// Engine shutdown mid-attempt; leave the job schedulable.
		job.Status = StatusRetrying
		q.pend.Push(job)

	default:
		// Handler bug; the safety net requeues a bounded number of times.
		if q.stopped || job.QueueRetries >= q.cfg.MaxRetries {
			job.Failure = &Failure{
				Kind:    "internal",
				Code:    "HANDLER_ERROR",
				Message: report.Err.Error(),
			}
			q.finishLocked(job, StatusFailed)
			return
		}
		job.QueueRetries++
		metrics.QueueLevelRetries.Inc()
		job.Status = StatusRetrying
		job.ExecuteNotBefore = time.Now().Add(q.cfg.RetryBaseDelay * time.Duration(job.QueueRetries))
		q.pend.Push(job)
		metrics.JobsQueued.Set(float64(q.pend.Len()))
		log.Warn().
			Err(report.Err).
			Str("job_id", job.ID).
			Int("queue_retries", job.QueueRetries).
			Msg("handler error, job requeued")
	}
}

// finishLocked moves a job into the right history ring. Caller holds q.mu.
func (q *Queue) finishLocked(job *Job, status Status) {
	job.Status = status
	job.FinishedAt = time.Now()

	ring := &q.completed
	if status == StatusFailed {
		ring = &q.failed
	}
	*ring = append(*ring, job)
	if len(*ring) > q.cfg.HistoryLimit {
		for _, old := range (*ring)[:len(*ring)-q.cfg.HistoryLimit] {
			q.dropIndexLocked(old)
		}
		*ring = (*ring)[len(*ring)-q.cfg.HistoryLimit:]
	}
}

// dropIndexLocked removes the per-request index entry when it still points
// at the evicted job. Caller holds q.mu.
func (q *Queue) dropIndexLocked(job *Job) {
	if cur, ok := q.byRequest[job.RequestID]; ok && cur == job {
		delete(q.byRequest, job.RequestID)
	}
}

// stuckSweeper promotes abandoned processing jobs to failed and prunes
// history past its age bound.
func (q *Queue) stuckSweeper() {
	defer q.wg.Done()

	ticker := time.NewTicker(q.cfg.StuckSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-q.stopCh:
			return
		case <-ticker.C:
			q.SweepStuck(time.Now())
		}
	}
}

// SweepStuck fails any processing job whose watchdog deadline has passed
// and prunes aged history. Returns the number of jobs failed. Safe to call
// directly in tests.
func (q *Queue) SweepStuck(now time.Time) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	swept := 0
	for id, job := range q.processing {
		if job.StartedAt.Add(q.cfg.JobTimeout).Before(now) {
			delete(q.processing, id)
			metrics.JobTimeouts.Inc()
			job.Failure = &Failure{
				Kind:    "transient",
				Code:    "PROCESSING_TIMEOUT",
				Message: "job abandoned past its processing deadline",
			}
			q.finishLocked(job, StatusFailed)
			swept++
			log.Warn().Str("job_id", job.ID).Msg("stuck job failed by sweeper")
		}
	}
	metrics.JobsProcessing.Set(float64(len(q.processing)))

	q.completed = q.pruneAgedLocked(q.completed, now)
	q.failed = q.pruneAgedLocked(q.failed, now)
	return swept
}

// pruneAgedLocked drops history entries older than the age bound; rings are
// oldest-first. Caller holds q.mu.
func (q *Queue) pruneAgedLocked(ring []*Job, now time.Time) []*Job {
	cut := 0
	for cut < len(ring) && now.Sub(ring[cut].FinishedAt) > q.cfg.HistoryMaxAge {
		q.dropIndexLocked(ring[cut])
		cut++
	}
	return ring[cut:]
}

// Snapshot returns a copy of the latest job for requestID, whether active
// or in history.
func (q *Queue) Snapshot(requestID string) (Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.byRequest[requestID]
	if !ok {
		return Job{}, false
	}
	return *job, true
}

// Stats returns a point-in-time occupancy view.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	return Stats{
		Queued:       q.pend.Len(),
		Processing:   len(q.processing),
		Completed:    len(q.completed),
		Failed:       len(q.failed),
		Concurrency:  q.cfg.MaxConcurrency,
		IsProcessing: !q.stopped,
	}
}
