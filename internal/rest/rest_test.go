package rest

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/courierq/courierq/internal/backoff"
	"github.com/courierq/courierq/internal/breaker"
	"github.com/courierq/courierq/internal/engine"
	"github.com/courierq/courierq/internal/idempotency"
	"github.com/courierq/courierq/internal/ratelimit"
	"github.com/courierq/courierq/internal/transport"
)

func newTestServer(t *testing.T, limiter *ratelimit.Limiter, transports ...transport.Transport) *Server {
	t.Helper()
	if len(transports) == 0 {
		transports = []transport.Transport{transport.NewScript("primary")}
	}
	eng, err := engine.New(engine.Config{
		MaxAttemptsPerTransport: 3,
		Backoff: backoff.Config{
			InitialDelay: time.Millisecond,
			MaxDelay:     5 * time.Millisecond,
			Multiplier:   2.0,
		},
		Breaker: breaker.DefaultConfig(),
		Sync:    true,
	}, idempotency.NewStore(time.Hour), transports...)
	require.NoError(t, err)
	return NewServer(eng, limiter)
}

func postMessage(srv *Server, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest("POST", "/v1/messages", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	return w
}

func validBody(requestID string) string {
	return `{"to":"user@example.com","subject":"hi","body":"text","requestId":"` + requestID + `"}`
}

func TestSubmitSyncDelivers(t *testing.T) {
	srv := newTestServer(t, nil)

	w := postMessage(srv, validBody("req-1"), nil)
	assert.Equal(t, http.StatusOK, w.Code)

	var result engine.SubmitResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	assert.Equal(t, engine.SubmitSent, result.Status)
	assert.NotEmpty(t, result.Result.MessageID)
}

func TestSubmitInvalidJSON(t *testing.T) {
	srv := newTestServer(t, nil)

	w := postMessage(srv, "{not json", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSubmitValidationFailure(t *testing.T) {
	srv := newTestServer(t, nil)

	w := postMessage(srv, `{"to":"broken","subject":"","body":"x","requestId":"req-1"}`, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Contains(t, resp.Fields, "to")
	assert.Contains(t, resp.Fields, "subject")
}

func TestSubmitRateLimited(t *testing.T) {
	limiter := ratelimit.New(ratelimit.Config{Capacity: 1, Window: time.Minute})
	srv := newTestServer(t, limiter)

	w := postMessage(srv, validBody("req-1"), map[string]string{"X-Submitter-Key": "alice"})
	assert.Equal(t, http.StatusOK, w.Code)

	w = postMessage(srv, validBody("req-2"), map[string]string{"X-Submitter-Key": "alice"})
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))

	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Greater(t, resp.RetryAfterMs, int64(0))

	// Distinct submitters keep their own budget
	w = postMessage(srv, validBody("req-3"), map[string]string{"X-Submitter-Key": "bob"})
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestStatusRoundTrip(t *testing.T) {
	srv := newTestServer(t, nil)

	postMessage(srv, validBody("req-1"), nil)

	req := httptest.NewRequest("GET", "/v1/messages/req-1", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var view engine.StatusView
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &view))
	assert.Equal(t, "sent", view.Status)
	assert.Equal(t, "req-1", view.RequestID)
}

func TestStatusNotFound(t *testing.T) {
	srv := newTestServer(t, nil)

	req := httptest.NewRequest("GET", "/v1/messages/missing", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestQueueStatsDisabled(t *testing.T) {
	srv := newTestServer(t, nil)

	req := httptest.NewRequest("GET", "/v1/queue/stats", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestBreakerEndpoints(t *testing.T) {
	srv := newTestServer(t, nil, transport.NewScript("primary"), transport.NewScript("fallback"))

	req := httptest.NewRequest("GET", "/v1/breakers/", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Breakers []engine.TransportStatus `json:"breakers"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Breakers, 2)
	assert.Equal(t, breaker.ModeClosed, resp.Breakers[0].Mode)

	req = httptest.NewRequest("POST", "/v1/breakers/primary/open", nil)
	w = httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	req = httptest.NewRequest("POST", "/v1/breakers/primary/reset", nil)
	w = httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	req = httptest.NewRequest("POST", "/v1/breakers/unknown/reset", nil)
	w = httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestClearIdempotencyEndpoint(t *testing.T) {
	srv := newTestServer(t, nil)

	postMessage(srv, validBody("req-1"), nil)

	req := httptest.NewRequest("DELETE", "/v1/idempotency", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	req = httptest.NewRequest("GET", "/v1/messages/req-1", nil)
	w = httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(t, nil)

	req := httptest.NewRequest("GET", "/healthz", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "healthy")
}

func TestRetryAfterSeconds(t *testing.T) {
	assert.Equal(t, 1, retryAfterSeconds(0))
	assert.Equal(t, 1, retryAfterSeconds(200*time.Millisecond))
	assert.Equal(t, 30, retryAfterSeconds(30*time.Second))
	assert.Equal(t, 31, retryAfterSeconds(30*time.Second+time.Millisecond))
}
