package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/vigilstack/incident-sentinel/internal/metrics"
	"github.com/vigilstack/incident-sentinel/internal/models"
	"github.com/vigilstack/incident-sentinel/internal/utils"
)

// Channel is the polymorphic delivery capability implemented per channel
// type. Fan-out is a collection of Channels, not conditional branching.
type Channel interface {
	Name() string
	// Enabled reports whether the channel is configured. Disabled channels
	// are skipped without counting as failures.
	Enabled() bool
	// Applies reports whether this incident should go to the channel at all
	// (e.g. paging only fires for HIGH/CRITICAL).
	Applies(incident models.Incident) bool
	// Deliver performs one delivery attempt. Implementations classify their
	// failures as transient or permanent via the utils error taxonomy.
	Deliver(ctx context.Context, incident models.Incident) error
}

// Dispatcher fans a classified incident out to all configured channels in
// parallel with independent retry and failure isolation.
type Dispatcher struct {
	logger      *slog.Logger
	channels    []Channel
	retries     int
	backoffBase time.Duration
	sleep       func(ctx context.Context, d time.Duration) error
}

// NewDispatcher constructs a dispatcher over the given channels.
func NewDispatcher(logger *slog.Logger, channels []Channel, retries int, backoffBase time.Duration) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if retries < 0 {
		retries = 0
	}
	if backoffBase <= 0 {
		backoffBase = 500 * time.Millisecond
	}
	return &Dispatcher{
		logger:      logger,
		channels:    channels,
		retries:     retries,
		backoffBase: backoffBase,
		sleep:       sleepCtx,
	}
}

// Dispatch delivers the incident to every enabled channel concurrently.
// A slow or failing channel never delays the others; a channel that fails
// permanently is abandoned for this incident only. When every channel fails
// the incident is logged with its full payload for manual follow-up; the
// error never propagates upstream.
func (d *Dispatcher) Dispatch(ctx context.Context, incident models.Incident) models.DispatchResult {
	start := time.Now()
	result := models.DispatchResult{IncidentID: incident.ID}

	attempts := make([]models.NotificationAttempt, len(d.channels))
	var wg sync.WaitGroup
	for i, ch := range d.channels {
		wg.Add(1)
		go func(i int, ch Channel) {
			defer wg.Done()
			attempts[i] = d.deliverWithRetry(ctx, ch, incident)
		}(i, ch)
	}
	wg.Wait()

	result.Attempts = attempts
	metrics.ObserveDispatch(time.Since(start))

	for _, a := range attempts {
		outcome := string(a.Outcome)
		metrics.ObserveNotification(a.Channel, outcome)
		switch a.Outcome {
		case models.OutcomeSuccess:
			d.logger.Info("notification delivered",
				slog.String("channel", a.Channel),
				slog.String("incident_id", incident.ID),
				slog.Int("attempts", a.Attempts))
		case models.OutcomeFailure:
			d.logger.Warn("notification failed",
				slog.String("channel", a.Channel),
				slog.String("incident_id", incident.ID),
				slog.Int("attempts", a.Attempts),
				slog.Any("error", a.Err))
		}
	}

	if !result.Delivered() && len(result.Failed()) > 0 {
		// Full payload so the incident can be actioned by hand.
		d.logger.Error("all notification channels failed",
			slog.String("incident_id", incident.ID),
			slog.String("severity", string(incident.Severity)),
			slog.String("pod", incident.Source.PodName),
			slog.String("namespace", incident.Source.Namespace),
			slog.String("reason", incident.Source.Reason),
			slog.String("summary", incident.Summary),
			slog.Any("remediations", incident.Remediations))
	}

	return result
}

// deliverWithRetry runs one channel's bounded retry loop: up to retries
// re-attempts on transient failure with exponential backoff, immediate
// abandonment on permanent failure.
func (d *Dispatcher) deliverWithRetry(ctx context.Context, ch Channel, incident models.Incident) models.NotificationAttempt {
	attempt := models.NotificationAttempt{
		Channel:    ch.Name(),
		IncidentID: incident.ID,
	}

	if !ch.Enabled() || !ch.Applies(incident) {
		attempt.Outcome = models.OutcomeSkipped
		return attempt
	}

	backoff := d.backoffBase
	var lastErr error
	for i := 0; i <= d.retries; i++ {
		attempt.Attempts = i + 1
		lastErr = ch.Deliver(ctx, incident)
		if lastErr == nil {
			attempt.Outcome = models.OutcomeSuccess
			return attempt
		}
		if !utils.IsTransient(lastErr) {
			break
		}
		if i == d.retries {
			break
		}
		attempt.Outcome = models.OutcomeRetrying
		if err := d.sleep(ctx, backoff); err != nil {
			lastErr = err
			break
		}
		backoff *= 2
	}

	attempt.Outcome = models.OutcomeFailure
	attempt.Err = lastErr
	return attempt
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
