// Package queue provides the durable job queue between rosterd and rosterw.
// Delivery is at-least-once with a visibility timeout: a received message
// stays hidden until it is deleted or its visibility expires, after which it
// becomes deliverable again. Workers heartbeat visibility while a job runs.
//
// The production implementation is Redis-backed; MemQueue serves development
// mode and tests.
package queue

import (
	"context"
	"time"

	"github.com/rosterline/platform/internal/domain"
)

// DefaultVisibilityTimeout matches the worst-case solver runtime.
const DefaultVisibilityTimeout = 12 * time.Hour

// Message is one received delivery. Handle identifies the delivery for
// ExtendVisibility and Delete; it is opaque to callers. Each delivery gets
// its own handle — after a visibility lapse the redelivered copy carries a
// new one, and the lapsed handle answers NotFound.
type Message struct {
	Handle   string
	Envelope domain.JobEnvelope
}

// Queue is the contract between dispatcher and worker.
type Queue interface {
	// Enqueue appends an envelope to the queue.
	Enqueue(ctx context.Context, env domain.JobEnvelope) error

	// Receive long-polls for up to maxWait and returns the next message, or
	// nil if none became available. Receiving starts the visibility window.
	Receive(ctx context.Context, maxWait time.Duration) (*Message, error)

	// ExtendVisibility pushes the message's redelivery deadline out by d from
	// now. Fails with NotFound if the delivery is no longer in flight.
	ExtendVisibility(ctx context.Context, handle string, d time.Duration) error

	// Delete acknowledges the message, removing it permanently. Idempotent.
	Delete(ctx context.Context, handle string) error
}
