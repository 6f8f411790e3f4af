package engine

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/courierq/courierq/internal/backoff"
	"github.com/courierq/courierq/internal/idempotency"
	"github.com/courierq/courierq/internal/metrics"
	"github.com/courierq/courierq/internal/queue"
	"github.com/courierq/courierq/internal/transport"
)

// codeCircuitOpen is the synthetic failure emitted by an open breaker. It is
// classified transient, but retrying the same transport is pointless until
// the breaker probes, so it routes straight to the next transport.
const codeCircuitOpen = "CIRCUIT_OPEN"

// handle is the queue handler. It folds engine shutdown into the watchdog
// context so a backoff wait never outlives Stop.
func (e *Engine) handle(ctx context.Context, job queue.Job) queue.Report {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(e.baseCtx, cancel)
	defer stop()

	return e.deliver(ctx, job.RequestID, job.Payload)
}

// deliver walks the transports in order, retrying each with backoff before
// falling through to the next. It writes the terminal lifecycle record when
// it reaches a delivered or failed outcome; when ctx ends first it returns
// the context error and leaves the record as it is.
func (e *Engine) deliver(ctx context.Context, requestID string, p transport.Payload) queue.Report {
	attempts := 0
	var lastErr *transport.SendError

	for _, r := range e.routes {
		name := r.name()
		sched := backoff.NewSchedule(e.cfg.Backoff)

		for n := 1; n <= e.cfg.MaxAttemptsPerTransport; n++ {
			if err := ctx.Err(); err != nil {
				return queue.Report{Attempts: attempts, Err: err}
			}

			attempts++
			e.idem.MarkAttempt(requestID, idempotency.Attempt{
				Transport: name,
				Number:    attempts,
				At:        time.Now(),
			})

			receipt, err := r.send(ctx, p)
			if err == nil {
				metrics.AttemptsTotal.WithLabelValues(name, "success").Inc()
				return e.settleDelivered(requestID, attempts, receipt)
			}

			se := transport.AsSendError(err, name)
			lastErr = se
			metrics.AttemptsTotal.WithLabelValues(name, string(se.Kind)).Inc()
			log.Debug().
				Str("request_id", requestID).
				Str("transport", name).
				Str("kind", string(se.Kind)).
				Str("code", se.Code).
				Int("attempt", attempts).
				Msg("send attempt failed")

			if se.Kind == transport.KindPermanentGlobal {
				return e.settleFailed(requestID, attempts, se)
			}
			if se.Kind == transport.KindPermanentLocal || se.Code == codeCircuitOpen {
				break
			}
			if n == e.cfg.MaxAttemptsPerTransport {
				break
			}

			wait := sched.Next()
			if se.RetryAfter > 0 {
				wait = se.RetryAfter
			}
			if err := sleep(ctx, wait); err != nil {
				return queue.Report{Attempts: attempts, Err: err}
			}
		}
	}

	return e.settleFailed(requestID, attempts, lastErr)
}

func (e *Engine) settleDelivered(requestID string, attempts int, receipt transport.Receipt) queue.Report {
	outcome := idempotency.Outcome{
		Transport:  receipt.Transport,
		MessageID:  receipt.MessageID,
		FinishedAt: receipt.FinishedAt,
	}
	e.idem.Complete(requestID, outcome)
	metrics.DeliveriesTotal.WithLabelValues(receipt.Transport, "sent").Inc()
	log.Info().
		Str("request_id", requestID).
		Str("transport", receipt.Transport).
		Str("message_id", receipt.MessageID).
		Int("attempts", attempts).
		Msg("message delivered")
	return queue.Report{
		Disposition: queue.DispositionDelivered,
		Attempts:    attempts,
		Result: &queue.Result{
			Transport:  receipt.Transport,
			MessageID:  receipt.MessageID,
			FinishedAt: receipt.FinishedAt,
		},
	}
}

func (e *Engine) settleFailed(requestID string, attempts int, se *transport.SendError) queue.Report {
	e.idem.Fail(requestID, idempotency.ErrorInfo{
		Kind:    string(se.Kind),
		Code:    se.Code,
		Message: se.Message,
	})
	metrics.DeliveriesTotal.WithLabelValues(se.Transport, "failed").Inc()
	log.Warn().
		Str("request_id", requestID).
		Str("transport", se.Transport).
		Str("kind", string(se.Kind)).
		Str("code", se.Code).
		Int("attempts", attempts).
		Msg("delivery failed")
	return queue.Report{
		Disposition: queue.DispositionFailed,
		Attempts:    attempts,
		Failure:     &queue.Failure{Kind: string(se.Kind), Code: se.Code, Message: se.Message},
	}
}

// sleep waits d or until ctx is done, whichever comes first.
func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
