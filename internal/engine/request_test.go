package engine

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func validRequest() Request {
	return Request{
		To:        "user@example.com",
		Subject:   "hello",
		Body:      "body",
		RequestID: "req-1",
		Priority:  5,
		Delay:     0,
	}
}

func TestValidateAccepts(t *testing.T) {
	assert.NoError(t, validRequest().Validate())
}

func TestValidateBounds(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Request)
		field  string
	}{
		{"missing to", func(r *Request) { r.To = "" }, "to"},
		{"malformed to", func(r *Request) { r.To = "not-an-email" }, "to"},
		{"no domain dot", func(r *Request) { r.To = "user@host" }, "to"},
		{"empty subject", func(r *Request) { r.Subject = "" }, "subject"},
		{"subject too long", func(r *Request) { r.Subject = strings.Repeat("s", 201) }, "subject"},
		{"empty body", func(r *Request) { r.Body = "" }, "body"},
		{"body too long", func(r *Request) { r.Body = strings.Repeat("b", 10001) }, "body"},
		{"empty request id", func(r *Request) { r.RequestID = "" }, "requestId"},
		{"request id too long", func(r *Request) { r.RequestID = strings.Repeat("r", 101) }, "requestId"},
		{"priority too low", func(r *Request) { r.Priority = -1 }, "priority"},
		{"priority too high", func(r *Request) { r.Priority = 11 }, "priority"},
		{"negative delay", func(r *Request) { r.Delay = -time.Second }, "delayMs"},
		{"delay too long", func(r *Request) { r.Delay = 6 * time.Minute }, "delayMs"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := validRequest()
			tt.mutate(&req)

			err := req.Validate()
			assert.Error(t, err)

			var verr *ValidationError
			assert.ErrorAs(t, err, &verr)
			assert.Contains(t, verr.Fields, tt.field)
		})
	}
}

func TestValidateBoundaryValues(t *testing.T) {
	req := validRequest()
	req.Subject = strings.Repeat("s", 200)
	req.Body = strings.Repeat("b", 10000)
	req.RequestID = strings.Repeat("r", 100)
	req.Priority = 10
	req.Delay = 5 * time.Minute
	assert.NoError(t, req.Validate())

	req = validRequest()
	req.Priority = 0
	assert.NoError(t, req.Validate())
}

func TestValidateCollectsAllFields(t *testing.T) {
	err := Request{}.Validate()

	var verr *ValidationError
	assert.ErrorAs(t, err, &verr)
	assert.ElementsMatch(t, []string{"to", "subject", "body", "requestId"}, verr.Fields)
	assert.Contains(t, verr.Error(), "to")
}
