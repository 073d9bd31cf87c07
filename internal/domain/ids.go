package domain

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TimestampLayout is the envelope ts format: ISO-8601 UTC with millisecond
// precision.
const TimestampLayout = "2006-01-02T15:04:05.000Z07:00"

// Now returns the current UTC time formatted for message envelopes.
func Now() string {
	return time.Now().UTC().Format(TimestampLayout)
}

// NewTraceID returns a fresh end-to-end correlation id.
func NewTraceID() string {
	return uuid.NewString()
}

// NewRequestID returns a pipeline correlation id: millisecond timestamp
// prefix plus a random hex suffix. Sortable by origination time.
func NewRequestID() string {
	buf := make([]byte, 6)
	_, _ = rand.Read(buf)
	return fmt.Sprintf("%d-%s", time.Now().UnixMilli(), hex.EncodeToString(buf))
}
