package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/vigilstack/incident-sentinel/internal/classifier"
	"github.com/vigilstack/incident-sentinel/internal/metrics"
	"github.com/vigilstack/incident-sentinel/internal/models"
	"github.com/vigilstack/incident-sentinel/internal/notify"
	"github.com/vigilstack/incident-sentinel/internal/transport"
	"github.com/vigilstack/incident-sentinel/internal/utils"
)

// IncidentClassifier turns candidate records into classified incidents.
type IncidentClassifier interface {
	Classify(ctx context.Context, event models.PodFailureEvent) (models.Incident, error)
}

// IncidentDispatcher fans a classified incident out to notification channels.
type IncidentDispatcher interface {
	Dispatch(ctx context.Context, incident models.Incident) models.DispatchResult
}

// Processor consumes failure candidates from the transport, classifies each
// one, and dispatches the resulting incident. Classification failure leaves
// the record unacknowledged so transports with redelivery try again later;
// dispatch failure never propagates upstream.
type Processor struct {
	logger     *slog.Logger
	consumer   transport.Transport
	classifier IncidentClassifier
	dispatcher IncidentDispatcher

	workers      int
	graceTimeout time.Duration
	latency      *utils.LatencyTracker
}

// NewProcessor wires the transport to the classifier and dispatcher.
func NewProcessor(logger *slog.Logger, consumer transport.Transport, cls IncidentClassifier, dispatcher IncidentDispatcher, workers int, graceTimeout time.Duration) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	if workers <= 0 {
		workers = 4
	}
	if graceTimeout <= 0 {
		graceTimeout = 10 * time.Second
	}
	return &Processor{
		logger:       logger,
		consumer:     consumer,
		classifier:   cls,
		dispatcher:   dispatcher,
		workers:      workers,
		graceTimeout: graceTimeout,
		latency:      utils.NewLatencyTracker(512),
	}
}

// Run blocks until ctx is cancelled. Each worker runs its own consume loop so
// a record is acknowledged only after its incident has been handled. In-flight
// incidents get graceTimeout past cancellation to finish delivering.
func (p *Processor) Run(ctx context.Context) error {
	// Work context outlives ctx so incidents mid-dispatch can drain.
	workCtx, cancelWork := context.WithCancel(context.Background())
	defer cancelWork()
	go func() {
		select {
		case <-ctx.Done():
		case <-workCtx.Done():
			return
		}
		timer := time.NewTimer(p.graceTimeout)
		defer timer.Stop()
		select {
		case <-timer.C:
			cancelWork()
		case <-workCtx.Done():
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			err := p.consumer.Consume(ctx, func(_ context.Context, event models.PodFailureEvent) error {
				return p.handle(workCtx, event)
			})
			if err != nil && !errors.Is(err, context.Canceled) {
				p.logger.Error("consume loop ended", "worker", id, "error", err)
			}
		}(i)
	}
	wg.Wait()
	return ctx.Err()
}

// handle classifies one candidate and dispatches the incident. The returned
// error is the transport's ack signal: non-nil only when the reasoning
// service was unreachable and a redelivery could succeed.
func (p *Processor) handle(ctx context.Context, event models.PodFailureEvent) error {
	start := time.Now()
	incident, err := p.classifier.Classify(ctx, event)
	elapsed := time.Since(start)
	p.latency.Observe(elapsed)

	if err != nil {
		metrics.ObserveClassification(elapsed, metrics.OutcomeError)
		p.logger.Warn("classification failed, leaving candidate for redelivery",
			"pod", event.PodName, "namespace", event.Namespace,
			"reason", event.Reason, "error", err)
		return err
	}

	outcome := metrics.OutcomeSuccess
	if incident.Degraded {
		outcome = metrics.OutcomeFallback
	}
	metrics.ObserveClassification(elapsed, outcome)
	metrics.ObserveIncident(string(incident.Severity))

	p.logger.Info("incident classified",
		"incident_id", incident.ID,
		"severity", incident.Severity,
		"pod", incident.Source.PodName,
		"namespace", incident.Source.Namespace,
		"latency_ms", elapsed.Milliseconds(),
		"p95_ms", p.latency.Percentile(95).Milliseconds())

	result := p.dispatcher.Dispatch(ctx, incident)
	if !result.Delivered() {
		// Already logged with full payload by the dispatcher. The candidate
		// is still acknowledged: redelivery would mint a new incident ID and
		// retry channels that failed permanently.
		return nil
	}
	return nil
}

// Ensure the concrete classifier and dispatcher satisfy the processor's view.
var (
	_ IncidentClassifier = (*classifier.Classifier)(nil)
	_ IncidentDispatcher = (*notify.Dispatcher)(nil)
)
