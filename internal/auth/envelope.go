package auth

import (
	"time"

	"github.com/google/uuid"

	"github.com/agentgate/agentgate/internal/auth/autherr"
)

// Metadata accompanies every façade response.
type Metadata struct {
	Timestamp      time.Time     `json:"timestamp"`
	RequestID      string        `json:"request_id"`
	ProcessingTime time.Duration `json:"processing_time"`
}

// Result is the uniform envelope returned by every public façade
// operation. Exactly one of Data and Error is set.
type Result struct {
	Success  bool           `json:"success"`
	Data     any            `json:"data,omitempty"`
	Error    *autherr.Error `json:"error,omitempty"`
	Metadata Metadata       `json:"metadata"`
}

// ok builds a success envelope.
func ok(data any, start time.Time) *Result {
	return &Result{
		Success: true,
		Data:    data,
		Metadata: Metadata{
			Timestamp:      time.Now(),
			RequestID:      uuid.NewString(),
			ProcessingTime: time.Since(start),
		},
	}
}

// fail builds a failure envelope, normalizing the error so nothing
// internal leaks into the message.
func fail(err error, start time.Time) *Result {
	return &Result{
		Success: false,
		Error:   autherr.Normalize(err),
		Metadata: Metadata{
			Timestamp:      time.Now(),
			RequestID:      uuid.NewString(),
			ProcessingTime: time.Since(start),
		},
	}
}
