// Package dispatch hands pending reminder events to the delivery transports,
// falling back through a patient's channels in priority order.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/BTreeMap/RemindPipe/internal/config"
	"github.com/BTreeMap/RemindPipe/internal/events"
	"github.com/BTreeMap/RemindPipe/internal/keylock"
	"github.com/BTreeMap/RemindPipe/internal/messaging"
	"github.com/BTreeMap/RemindPipe/internal/metrics"
	"github.com/BTreeMap/RemindPipe/internal/models"
	"github.com/BTreeMap/RemindPipe/internal/store"
)

// DefaultPollInterval is used by Run when no interval is configured.
const DefaultPollInterval = 5 * time.Second

// Result describes what Dispatch did with one event.
type Result struct {
	Event models.ReminderEvent `json:"event"`
	// Attempts is the number of transport calls made by this dispatch.
	Attempts int `json:"attempts"`
	// Skipped is true when the event was not pending and was returned unchanged.
	Skipped bool `json:"skipped,omitempty"`
	// Stalled is true when an earlier dispatch of the event may have sent it
	// without storing the outcome. Such events wait for Release.
	Stalled bool `json:"stalled,omitempty"`
}

// Dispatcher sends pending reminder events.
type Dispatcher struct {
	store        store.Store
	transport    messaging.Transport
	content      ContentGenerator
	locks        *keylock.Registry
	publisher    events.Publisher
	timeout      time.Duration
	workers      int
	pollInterval time.Duration
	now          func() time.Time
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithContent sets the content generator. The default is TemplateContent.
func WithContent(c ContentGenerator) Option {
	return func(d *Dispatcher) { d.content = c }
}

// WithLocks shares a per-patient lock registry with the engine and tracker.
func WithLocks(r *keylock.Registry) Option {
	return func(d *Dispatcher) { d.locks = r }
}

// WithPublisher sets where sent, delivered and failed events go.
func WithPublisher(p events.Publisher) Option {
	return func(d *Dispatcher) { d.publisher = p }
}

// WithPollInterval sets the interval used by Run.
func WithPollInterval(interval time.Duration) Option {
	return func(d *Dispatcher) { d.pollInterval = interval }
}

// WithClock overrides time.Now for attempt and status timestamps.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// New creates a Dispatcher. cfg is expected to have passed Validate.
func New(st store.Store, transport messaging.Transport, cfg config.Engine, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		store:        st,
		transport:    transport,
		content:      TemplateContent{},
		locks:        keylock.New(),
		publisher:    events.NopPublisher{},
		timeout:      cfg.TransportTimeout,
		workers:      cfg.Workers,
		pollInterval: DefaultPollInterval,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.workers <= 0 {
		d.workers = 1
	}
	if d.pollInterval <= 0 {
		d.pollInterval = DefaultPollInterval
	}
	return d
}

// Dispatch sends a pending event through the patient's channels in order until
// one transport accepts it. Each attempt is bounded by the transport timeout.
// When every channel fails the event becomes failed with the joined reasons.
// Events that are not pending are returned unchanged.
//
// The event is claimed in the store before the first transport call. If the
// outcome cannot be stored afterwards the claim stays, and later passes leave
// the event alone instead of sending it again.
func (d *Dispatcher) Dispatch(ctx context.Context, eventID string) (*Result, error) {
	ev, err := d.store.GetEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}
	unlock := d.locks.Lock(ev.PatientID)
	defer unlock()

	// Re-read under the patient lock; a concurrent dispatch may have won.
	ev, err = d.store.GetEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if ev.Stalled() {
		slog.Warn("Dispatcher.Dispatch: event claimed by an unfinished dispatch, needs review", "eventID", ev.ID, "claimedAt", ev.ClaimedAt)
		return &Result{Event: *ev, Skipped: true, Stalled: true}, nil
	}
	if ev.Status != models.EventStatusPending {
		slog.Debug("Dispatcher.Dispatch: event not pending, skipping", "eventID", ev.ID, "status", ev.Status)
		return &Result{Event: *ev, Skipped: true}, nil
	}

	profile, err := d.store.GetProfile(ctx, ev.PatientID)
	if err != nil {
		return nil, fmt.Errorf("failed to load patient %s: %w", ev.PatientID, err)
	}
	content, err := d.content.Content(ctx, profile, ev)
	if err != nil {
		return nil, fmt.Errorf("failed to render reminder %s: %w", ev.ID, err)
	}

	ev, err = d.store.ClaimEvent(ctx, ev.ID, d.now().UTC())
	if errors.Is(err, models.ErrInvalidTransition) {
		slog.Debug("Dispatcher.Dispatch: event claimed elsewhere, skipping", "eventID", eventID)
		current, gerr := d.store.GetEvent(ctx, eventID)
		if gerr != nil {
			return nil, gerr
		}
		return &Result{Event: *current, Skipped: true, Stalled: current.Stalled()}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim event %s: %w", eventID, err)
	}

	attempts := 0
	var reasons []string
	for _, ch := range profile.Channels {
		if err := ctx.Err(); err != nil {
			// Every attempt so far failed, so nothing was sent.
			d.release(ctx, ev)
			return nil, err
		}
		attempts++
		start := time.Now()
		res, sendErr := d.send(ctx, ch, content)
		metrics.RecordDeliveryAttempt(string(ch.Type), sendErr == nil, time.Since(start))

		attempt := models.DeliveryAttempt{Channel: ch.Type, Address: ch.Address, At: d.now().UTC()}
		if sendErr != nil {
			attempt.Error = sendErr.Error()
			ev.Attempts = append(ev.Attempts, attempt)
			reasons = append(reasons, sendErr.Error())
			slog.Warn("Dispatcher.Dispatch: channel failed, trying next", "eventID", ev.ID, "channel", ch.Type, "error", sendErr)
			continue
		}
		ev.Attempts = append(ev.Attempts, attempt)
		markSent(ev, ch.Type, res, attempt.At)
		break
	}
	if ev.Status == models.EventStatusPending {
		markFailed(ev, reasons, d.now().UTC())
	}

	ev.ClaimedAt = nil
	if err := d.store.UpdateEvent(ctx, *ev); err != nil {
		slog.Error("Dispatcher.Dispatch: failed to persist outcome, event stays claimed for review",
			"eventID", ev.ID, "patientID", ev.PatientID, "status", ev.Status, "providerRef", ev.ProviderRef, "error", err)
		return nil, fmt.Errorf("failed to persist event %s: %w", ev.ID, err)
	}
	metrics.RecordTransition(string(models.EventStatusPending), string(ev.Status))
	d.publish(ctx, ev)
	slog.Info("Dispatcher.Dispatch: done", "eventID", ev.ID, "patientID", ev.PatientID, "status", ev.Status, "channel", ev.Channel, "attempts", attempts)
	return &Result{Event: *ev, Attempts: attempts}, nil
}

// release drops the claim on an event that was never accepted by a transport.
func (d *Dispatcher) release(ctx context.Context, ev *models.ReminderEvent) {
	ev.ClaimedAt = nil
	if err := d.store.UpdateEvent(context.WithoutCancel(ctx), *ev); err != nil {
		slog.Error("Dispatcher.release: failed to release claim", "eventID", ev.ID, "error", err)
	}
}

// Stalled lists pending events whose dispatch never stored an outcome.
func (d *Dispatcher) Stalled(ctx context.Context) ([]models.ReminderEvent, error) {
	evs, err := d.store.ListEvents(ctx, store.EventQuery{
		Statuses: []models.EventStatus{models.EventStatusPending},
		Claim:    store.ClaimClaimed,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list stalled events: %w", err)
	}
	return evs, nil
}

// Release clears the claim on a stalled event so the next pass sends it. Call
// it only once the provider confirms the earlier send did not go out.
func (d *Dispatcher) Release(ctx context.Context, eventID string) (*models.ReminderEvent, error) {
	ev, err := d.store.GetEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}
	unlock := d.locks.Lock(ev.PatientID)
	defer unlock()

	ev, err = d.store.GetEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if !ev.Stalled() {
		return nil, fmt.Errorf("%w: event %s is not stalled", models.ErrInvalidTransition, ev.ID)
	}
	ev.ClaimedAt = nil
	if err := d.store.UpdateEvent(ctx, *ev); err != nil {
		return nil, fmt.Errorf("failed to release event %s: %w", ev.ID, err)
	}
	slog.Info("Dispatcher.Release: event requeued", "eventID", ev.ID, "patientID", ev.PatientID)
	return ev, nil
}

// send calls the transport for one channel. The call runs in its own goroutine
// so a transport that ignores ctx still cannot hold the event past the timeout.
func (d *Dispatcher) send(ctx context.Context, ch models.ContactChannel, content string) (messaging.SendResult, error) {
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	type outcome struct {
		res messaging.SendResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := d.transport.Send(ctx, ch.Type, ch.Address, content)
		done <- outcome{res, err}
	}()

	select {
	case o := <-done:
		if o.err != nil && !errors.Is(o.err, models.ErrTransportFailure) {
			o.err = fmt.Errorf("%s: %w: %w", ch.Type, models.ErrTransportFailure, o.err)
		}
		return o.res, o.err
	case <-ctx.Done():
		return messaging.SendResult{}, fmt.Errorf("%s: %w: %w", ch.Type, models.ErrTransportFailure, ctx.Err())
	}
}

func markSent(ev *models.ReminderEvent, channel models.ChannelType, res messaging.SendResult, at time.Time) {
	ev.Channel = channel
	ev.ProviderRef = res.ProviderRef
	ev.Status = models.EventStatusSent
	ev.SentAt = &at
	ev.FailureReason = ""
	if res.Confirmed {
		delivered := at
		ev.Status = models.EventStatusDelivered
		ev.DeliveredAt = &delivered
	}
}

func markFailed(ev *models.ReminderEvent, reasons []string, at time.Time) {
	ev.Status = models.EventStatusFailed
	ev.ResolvedAt = &at
	if len(reasons) == 0 {
		ev.FailureReason = "no contact channels"
		return
	}
	ev.FailureReason = strings.Join(reasons, "; ")
}

func (d *Dispatcher) publish(ctx context.Context, ev *models.ReminderEvent) {
	keys := []string{events.RoutingSent}
	switch ev.Status {
	case models.EventStatusDelivered:
		keys = append(keys, events.RoutingDelivered)
	case models.EventStatusFailed:
		keys = []string{events.RoutingFailed}
	}
	env := events.NewEnvelope(ev, nil)
	for _, key := range keys {
		if err := d.publisher.Publish(ctx, key, env); err != nil {
			slog.Warn("Dispatcher.publish: publish failed", "eventID", ev.ID, "routingKey", key, "error", err)
		}
	}
}

// DispatchPending dispatches every unclaimed pending event. Different patients are
// handled concurrently; each patient's events are serialized by the lock registry.
func (d *Dispatcher) DispatchPending(ctx context.Context) ([]Result, error) {
	pending, err := d.store.ListEvents(ctx, store.EventQuery{
		Statuses: []models.EventStatus{models.EventStatusPending},
		Claim:    store.ClaimUnclaimed,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list pending events: %w", err)
	}
	if len(pending) == 0 {
		return nil, nil
	}
	slog.Debug("Dispatcher.DispatchPending: pending events listed", "count", len(pending))

	results := make([]*Result, len(pending))
	errs := make([]error, len(pending))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.workers)
	for i := range pending {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			res, err := d.Dispatch(gctx, pending[i].ID)
			if err != nil {
				errs[i] = fmt.Errorf("event %s: %w", pending[i].ID, err)
				return nil
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]Result, 0, len(pending))
	for _, r := range results {
		if r != nil && !r.Skipped {
			out = append(out, *r)
		}
	}
	return out, errors.Join(errs...)
}

// Run polls for pending events until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	slog.Info("Dispatcher.Run: starting dispatch loop", "pollInterval", d.pollInterval)

	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("Dispatcher.Run: stopping")
			return
		case <-ticker.C:
			results, err := d.DispatchPending(ctx)
			if err != nil {
				slog.Error("Dispatcher.Run: dispatch pass failed", "error", err)
			}
			if len(results) > 0 {
				slog.Debug("Dispatcher.Run: dispatch pass complete", "dispatched", len(results))
			}
		}
	}
}
