package transport

import (
	"context"
	"fmt"
	"time"

	"github.com/vigilstack/incident-sentinel/internal/models"
	"github.com/vigilstack/incident-sentinel/internal/utils"
)

// Handler processes one delivered candidate. Returning an error leaves the
// record unacknowledged where the transport supports redelivery.
type Handler func(ctx context.Context, event models.PodFailureEvent) error

// Transport carries normalized candidate records from the watcher to the
// processor with at-least-once delivery. Consumers must tolerate duplicate
// delivery of the same logical event.
type Transport interface {
	// Publish submits one candidate. It must not block indefinitely; the
	// watcher retries a bounded number of times and then drops the record.
	Publish(ctx context.Context, event models.PodFailureEvent) error
	// Consume delivers candidates to fn until ctx is cancelled.
	Consume(ctx context.Context, fn Handler) error
	// Close releases transport resources.
	Close() error
}

const (
	inlineMaxRetries  = 3
	inlineBackoffBase = 500 * time.Millisecond
)

// Inline is the in-process transport: a buffered channel between the watcher
// and the processor. Delivery is at-least-once within a single process
// lifetime; records in flight during a crash are recovered by the watcher's
// resync pass rather than by the transport.
type Inline struct {
	ch          chan models.PodFailureEvent
	maxRetries  int
	backoffBase time.Duration
	sleep       func(ctx context.Context, d time.Duration) error
}

// NewInline creates an inline transport with the given buffer size.
func NewInline(bufferSize int) *Inline {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	return &Inline{
		ch:          make(chan models.PodFailureEvent, bufferSize),
		maxRetries:  inlineMaxRetries,
		backoffBase: inlineBackoffBase,
		sleep:       sleepCtx,
	}
}

// Publish enqueues the event, failing fast when the buffer is full so the
// watch loop never wedges on a stuck downstream.
func (t *Inline) Publish(ctx context.Context, event models.PodFailureEvent) error {
	select {
	case t.ch <- event:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return fmt.Errorf("inline transport buffer full")
	}
}

// Consume drains the channel until ctx is cancelled.
func (t *Inline) Consume(ctx context.Context, fn Handler) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event := <-t.ch:
			t.deliver(ctx, event, fn)
		}
	}
}

// deliver retries the handler in place on transient failures, since the
// channel has no redelivery of its own. Permanent failures stop immediately;
// the processor owns fallback handling for those.
func (t *Inline) deliver(ctx context.Context, event models.PodFailureEvent, fn Handler) {
	backoff := t.backoffBase
	for attempt := 0; ; attempt++ {
		err := fn(ctx, event)
		if err == nil || !utils.IsTransient(err) || attempt >= t.maxRetries {
			return
		}
		if t.sleep(ctx, backoff) != nil {
			return
		}
		backoff *= 2
	}
}

// Close is a no-op for the inline transport.
func (t *Inline) Close() error { return nil }

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
