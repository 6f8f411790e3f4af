package transport

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Payload is the deliverable part of a message.
type Payload struct {
	To      string
	Subject string
	Body    string
}

// Receipt is returned by a transport on a successful send.
type Receipt struct {
	MessageID  string
	Transport  string
	FinishedAt time.Time
}

// ErrorKind classifies a send failure for the retry/fallback logic.
type ErrorKind string

const (
	// KindTransient failures may be retried on the same transport and
	// are eligible for fallback.
	KindTransient ErrorKind = "transient"
	// KindRateLimited failures behave like transient, but the caller must
	// wait at least RetryAfter before the next attempt on this transport.
	KindRateLimited ErrorKind = "rate_limited"
	// KindPermanentLocal failures end retries on this transport only;
	// another transport may still accept the payload.
	KindPermanentLocal ErrorKind = "permanent_local"
	// KindPermanentGlobal failures abort delivery entirely.
	KindPermanentGlobal ErrorKind = "permanent_global"
)

// SendError is the classified failure returned by a transport.
type SendError struct {
	Kind       ErrorKind
	Code       string
	Message    string
	Transport  string
	RetryAfter time.Duration // honored when > 0
}

func (e *SendError) Error() string {
	return fmt.Sprintf("%s: %s (%s)", e.Transport, e.Message, e.Code)
}

// Retryable reports whether the failure permits another attempt on the
// same transport.
func (e *SendError) Retryable() bool {
	return e.Kind == KindTransient || e.Kind == KindRateLimited
}

// AsSendError extracts a SendError from err, converting unknown errors
// into transient ones so a flaky transport never escapes classification.
func AsSendError(err error, transportName string) *SendError {
	var se *SendError
	if errors.As(err, &se) {
		return se
	}
	return &SendError{
		Kind:      KindTransient,
		Code:      "UNCLASSIFIED",
		Message:   err.Error(),
		Transport: transportName,
	}
}

// Transport is one send capability. Implementations own all side effects;
// the engine only interprets the classified result.
type Transport interface {
	Name() string
	Send(ctx context.Context, p Payload) (Receipt, error)
}

// HealthChecker is optionally implemented by transports that can report
// their own availability. Transports without it are assumed healthy.
type HealthChecker interface {
	Healthy() bool
}

// IsHealthy consults the transport's health check when it has one.
func IsHealthy(t Transport) bool {
	if hc, ok := t.(HealthChecker); ok {
		return hc.Healthy()
	}
	return true
}
