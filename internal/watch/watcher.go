package watch

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/vigilstack/incident-sentinel/internal/dedup"
	"github.com/vigilstack/incident-sentinel/internal/metrics"
	"github.com/vigilstack/incident-sentinel/internal/models"
	"github.com/vigilstack/incident-sentinel/internal/transport"
	"github.com/vigilstack/incident-sentinel/internal/utils"
)

// Watcher dispositions recorded per observed event.
const (
	dispositionEmitted    = "emitted"
	dispositionSuppressed = "suppressed"
	dispositionFiltered   = "filtered"
	dispositionDropped    = "dropped"
)

// EventSource streams raw pod state observations. Implementations deliver
// observations to out and return when the stream ends: nil on context
// cancellation, utils.ErrResyncRequired when the resume token has expired,
// or a transient error for anything a reconnect can fix.
type EventSource interface {
	Subscribe(ctx context.Context, resumeToken string, out chan<- models.PodStateEvent) error
	// Resync lists the cluster's current failing pods and returns a fresh
	// resume token to watch from.
	Resync(ctx context.Context) ([]models.PodStateEvent, string, error)
}

// Options configures a Watcher.
type Options struct {
	ClusterName    string
	FailureReasons []string
	WorkerCount    int
	PublishRetries int
	BackoffBase    time.Duration
	BackoffCap     time.Duration
	// ResyncInterval triggers a periodic full list in addition to the
	// resyncs forced by expired resume tokens. Zero disables it.
	ResyncInterval time.Duration
}

// Watcher consumes pod state observations, filters them against the
// failure-reason allow-list, suppresses duplicates, and publishes the
// survivors to the transport. It owns stream reconnection and resync.
type Watcher struct {
	logger    *slog.Logger
	source    EventSource
	cache     dedup.Suppressor
	publisher transport.Transport

	clusterName    string
	allowed        map[string]struct{}
	workerCount    int
	publishRetries int
	backoffBase    time.Duration
	backoffCap     time.Duration
	resyncInterval time.Duration

	mu          sync.Mutex
	resumeToken string

	sleep func(ctx context.Context, d time.Duration) error
}

// NewWatcher wires an event source to a transport.
func NewWatcher(logger *slog.Logger, source EventSource, cache dedup.Suppressor, publisher transport.Transport, opts Options) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	allowed := make(map[string]struct{}, len(opts.FailureReasons))
	for _, reason := range opts.FailureReasons {
		allowed[strings.ToLower(reason)] = struct{}{}
	}
	workerCount := opts.WorkerCount
	if workerCount <= 0 {
		workerCount = 6
	}
	backoffBase := opts.BackoffBase
	if backoffBase <= 0 {
		backoffBase = time.Second
	}
	backoffCap := opts.BackoffCap
	if backoffCap < backoffBase {
		backoffCap = 30 * time.Second
	}
	return &Watcher{
		logger:         logger,
		source:         source,
		cache:          cache,
		publisher:      publisher,
		clusterName:    opts.ClusterName,
		allowed:        allowed,
		workerCount:    workerCount,
		publishRetries: opts.PublishRetries,
		backoffBase:    backoffBase,
		backoffCap:     backoffCap,
		resyncInterval: opts.ResyncInterval,
		sleep:          sleepCtx,
	}
}

// Run blocks until ctx is cancelled, reconnecting the stream with exponential
// backoff and resynchronizing when the resume token expires. The initial pass
// is always a resync so failures that predate startup are still caught.
func (w *Watcher) Run(ctx context.Context) error {
	jobs := make(chan models.PodStateEvent, 2*w.workerCount)

	var wg sync.WaitGroup
	for i := 0; i < w.workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for event := range jobs {
				w.process(ctx, event)
			}
		}()
	}

	w.resync(ctx, jobs)

	// Periodic safety-net resync: catches failures the stream missed, e.g.
	// records dropped after publish retries. Dedup keeps it from re-notifying.
	var producers sync.WaitGroup
	if w.resyncInterval > 0 {
		producers.Add(1)
		go func() {
			defer producers.Done()
			ticker := time.NewTicker(w.resyncInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					w.resync(ctx, jobs)
				}
			}
		}()
	}

	backoff := w.backoffBase
	for ctx.Err() == nil {
		stream := make(chan models.PodStateEvent, 64)
		errCh := make(chan error, 1)
		go func() {
			errCh <- w.source.Subscribe(ctx, w.token(), stream)
			close(stream)
		}()

		delivered := 0
		for event := range stream {
			if event.ResumeToken != "" {
				w.setToken(event.ResumeToken)
			}
			select {
			case jobs <- event:
				delivered++
			case <-ctx.Done():
			}
		}

		err := <-errCh
		switch {
		case ctx.Err() != nil:
			// Shutting down.
		case errors.Is(err, utils.ErrResyncRequired):
			w.logger.Warn("resume token expired, resynchronizing")
			w.setToken("")
			w.resync(ctx, jobs)
			backoff = w.backoffBase
		case err != nil:
			metrics.ObserveReconnect()
			w.logger.Warn("watch stream ended, reconnecting",
				"error", err, "backoff", backoff, "delivered", delivered)
			if w.sleep(ctx, backoff) != nil {
				break
			}
			backoff = nextBackoff(backoff, w.backoffCap)
		default:
			// Clean stream end without an error: reconnect immediately.
			metrics.ObserveReconnect()
			backoff = w.backoffBase
		}
	}

	producers.Wait()
	close(jobs)
	wg.Wait()
	return ctx.Err()
}

// resync replays the cluster's current failing state through the normal
// filter and dedup path, so records missed while disconnected notify at most
// once. Retries with backoff until the list succeeds or ctx ends.
func (w *Watcher) resync(ctx context.Context, jobs chan<- models.PodStateEvent) {
	backoff := w.backoffBase
	for ctx.Err() == nil {
		events, token, err := w.source.Resync(ctx)
		if err != nil {
			w.logger.Warn("resync pass failed", "error", err, "backoff", backoff)
			if w.sleep(ctx, backoff) != nil {
				return
			}
			backoff = nextBackoff(backoff, w.backoffCap)
			continue
		}
		metrics.ObserveResync()
		w.setToken(token)
		for _, event := range events {
			select {
			case jobs <- event:
			case <-ctx.Done():
				return
			}
		}
		w.logger.Info("resync pass complete", "failing", len(events))
		return
	}
}

// process applies the allow-list and the suppression window, then publishes.
func (w *Watcher) process(ctx context.Context, event models.PodStateEvent) {
	if _, ok := w.allowed[strings.ToLower(event.Reason)]; !ok {
		metrics.ObserveEvent(dispositionFiltered)
		return
	}

	candidate := w.normalize(event)
	if w.cache.ShouldSuppress(ctx, candidate.DedupKey()) {
		metrics.ObserveEvent(dispositionSuppressed)
		w.logger.Debug("duplicate failure suppressed",
			"pod", candidate.PodName, "namespace", candidate.Namespace, "reason", candidate.Reason)
		return
	}

	w.publish(ctx, candidate)
}

// publish submits the candidate with bounded retries. A record that still
// fails after the last retry is logged in full and dropped; the next resync
// or window expiry gives the failure another chance to notify.
func (w *Watcher) publish(ctx context.Context, candidate models.PodFailureEvent) {
	backoff := w.backoffBase
	var err error
	for attempt := 0; attempt <= w.publishRetries; attempt++ {
		if err = w.publisher.Publish(ctx, candidate); err == nil {
			metrics.ObserveEvent(dispositionEmitted)
			w.logger.Info("failure candidate emitted",
				"pod", candidate.PodName, "namespace", candidate.Namespace,
				"reason", candidate.Reason, "restart_count", candidate.RestartCount)
			return
		}
		if attempt < w.publishRetries {
			if w.sleep(ctx, backoff) != nil {
				break
			}
			backoff = nextBackoff(backoff, w.backoffCap)
		}
	}

	metrics.ObserveEvent(dispositionDropped)
	w.logger.Error("dropping failure candidate after publish retries",
		"error", err,
		"pod", candidate.PodName, "namespace", candidate.Namespace,
		"reason", candidate.Reason, "message", candidate.Message,
		"status_type", candidate.StatusType, "node", candidate.NodeName)
}

// normalize converts a raw observation into the wire candidate record.
func (w *Watcher) normalize(event models.PodStateEvent) models.PodFailureEvent {
	observed := event.ObservedAt
	if observed.IsZero() {
		observed = time.Now()
	}
	return models.PodFailureEvent{
		Source:       models.EventSourceName,
		Type:         models.EventTypePodFailure,
		Timestamp:    observed.UTC(),
		ClusterName:  w.clusterName,
		PodName:      event.PodName,
		Namespace:    event.Namespace,
		Status:       event.Phase,
		Reason:       event.Reason,
		Message:      event.Message,
		StatusType:   event.StatusType,
		RestartCount: event.RestartCount,
		NodeName:     event.NodeName,
		Labels:       event.Labels,
	}
}

func (w *Watcher) token() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.resumeToken
}

func (w *Watcher) setToken(token string) {
	w.mu.Lock()
	w.resumeToken = token
	w.mu.Unlock()
}

func nextBackoff(current, limit time.Duration) time.Duration {
	next := 2 * current
	if next > limit {
		return limit
	}
	return next
}

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
