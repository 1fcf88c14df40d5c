// Package tracker records reminder outcomes and maintains each patient's
// compliance rate as an exponentially weighted moving average.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/BTreeMap/RemindPipe/internal/config"
	"github.com/BTreeMap/RemindPipe/internal/events"
	"github.com/BTreeMap/RemindPipe/internal/keylock"
	"github.com/BTreeMap/RemindPipe/internal/messaging"
	"github.com/BTreeMap/RemindPipe/internal/metrics"
	"github.com/BTreeMap/RemindPipe/internal/models"
	"github.com/BTreeMap/RemindPipe/internal/store"
)

// UpdateRate folds one outcome into a compliance rate: alpha*x + (1-alpha)*old,
// where x is 1 for a response and 0 for a no-show. The result is clamped to [0,1].
func UpdateRate(old, alpha float64, responded bool) float64 {
	x := 0.0
	if responded {
		x = 1
	}
	return clamp01(alpha*x + (1-alpha)*clamp01(old))
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Tracker applies outcomes to events and profiles.
type Tracker struct {
	store     store.Store
	locks     *keylock.Registry
	publisher events.Publisher
	alpha     float64
	window    time.Duration
	now       func() time.Time
}

var _ messaging.Inbound = (*Tracker)(nil)

// Option configures a Tracker.
type Option func(*Tracker)

// WithLocks shares a per-patient lock registry with the engine and dispatcher.
func WithLocks(r *keylock.Registry) Option {
	return func(t *Tracker) { t.locks = r }
}

// WithPublisher sets where delivered, responded and no-show events go.
func WithPublisher(p events.Publisher) Option {
	return func(t *Tracker) { t.publisher = p }
}

// WithClock overrides time.Now for outcomes recorded without a time.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// New creates a Tracker. cfg is expected to have passed Validate.
func New(st store.Store, cfg config.Engine, opts ...Option) *Tracker {
	t := &Tracker{
		store:     st,
		locks:     keylock.New(),
		publisher: events.NopPublisher{},
		alpha:     cfg.Alpha,
		window:    cfg.ResponseWindow,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// RecordResponse records the patient's answer to a sent or delivered reminder.
// responded=false is an explicit negative answer and is recorded as a no-show.
func (t *Tracker) RecordResponse(ctx context.Context, eventID string, responded bool, at time.Time) (*models.ReminderEvent, error) {
	if !responded {
		return t.recordOutcome(ctx, eventID, models.EventStatusNoShow, at)
	}
	return t.recordOutcome(ctx, eventID, models.EventStatusResponded, at)
}

// RecordNoShow records that the patient did not respond or attend.
func (t *Tracker) RecordNoShow(ctx context.Context, eventID string, at time.Time) (*models.ReminderEvent, error) {
	return t.recordOutcome(ctx, eventID, models.EventStatusNoShow, at)
}

func (t *Tracker) recordOutcome(ctx context.Context, eventID string, outcome models.EventStatus, at time.Time) (*models.ReminderEvent, error) {
	if at.IsZero() {
		at = t.now()
	}
	at = at.UTC()

	ev, unlock, err := t.lockEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if !ev.Status.AwaitingOutcome() {
		return nil, fmt.Errorf("%w: event %s is %s", models.ErrInvalidTransition, ev.ID, ev.Status)
	}
	from := ev.Status
	ev.Status = outcome
	ev.ResolvedAt = &at
	responded := outcome == models.EventStatusResponded
	profile, err := t.store.ResolveEvent(ctx, *ev, func(p *models.PatientProfile) error {
		p.ComplianceRate = UpdateRate(p.ComplianceRate, t.alpha, responded)
		if responded && at.After(p.LastResponseAt) {
			p.LastResponseAt = at
		}
		return nil
	})
	if err != nil {
		slog.Error("Tracker.recordOutcome: failed to persist outcome", "eventID", ev.ID, "patientID", ev.PatientID, "error", err)
		return nil, fmt.Errorf("failed to persist outcome of event %s: %w", ev.ID, err)
	}
	metrics.RecordTransition(string(from), string(outcome))
	metrics.RecordComplianceRate(profile.ComplianceRate)

	rate := profile.ComplianceRate
	t.publish(ctx, ev, &rate)
	slog.Info("Tracker.recordOutcome: recorded", "eventID", ev.ID, "patientID", ev.PatientID, "outcome", outcome, "complianceRate", rate)
	return ev, nil
}

// RecordDelivered marks a sent event as delivered. Receipts for events that are
// already delivered or resolved are accepted and change nothing.
func (t *Tracker) RecordDelivered(ctx context.Context, eventID string, at time.Time) (*models.ReminderEvent, error) {
	if at.IsZero() {
		at = t.now()
	}
	at = at.UTC()

	ev, unlock, err := t.lockEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	switch ev.Status {
	case models.EventStatusSent:
	case models.EventStatusPending:
		return nil, fmt.Errorf("%w: event %s has not been sent", models.ErrInvalidTransition, ev.ID)
	default:
		slog.Debug("Tracker.RecordDelivered: late receipt ignored", "eventID", ev.ID, "status", ev.Status)
		return ev, nil
	}

	ev.Status = models.EventStatusDelivered
	ev.DeliveredAt = &at
	if err := t.store.UpdateEvent(ctx, *ev); err != nil {
		return nil, fmt.Errorf("failed to persist event %s: %w", ev.ID, err)
	}
	metrics.RecordTransition(string(models.EventStatusSent), string(models.EventStatusDelivered))
	t.publish(ctx, ev, nil)
	slog.Debug("Tracker.RecordDelivered: delivered", "eventID", ev.ID, "patientID", ev.PatientID)
	return ev, nil
}

// RecordDeliveredByRef marks the event sent with the given provider reference as delivered.
func (t *Tracker) RecordDeliveredByRef(ctx context.Context, providerRef string, at time.Time) (*models.ReminderEvent, error) {
	ev, err := t.eventByRef(ctx, providerRef)
	if err != nil {
		return nil, err
	}
	return t.RecordDelivered(ctx, ev.ID, at)
}

// RecordReplyFrom counts an inbound reply from address as a response to the most
// recently sent unresolved reminder of the patient who owns that address.
func (t *Tracker) RecordReplyFrom(ctx context.Context, address string, at time.Time) (*models.ReminderEvent, error) {
	profiles, err := t.store.ListProfiles(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list profiles: %w", err)
	}
	var ids []string
	for i := range profiles {
		for _, ch := range profiles[i].Channels {
			if SameAddress(ch.Address, address) {
				ids = append(ids, profiles[i].ID)
				break
			}
		}
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("%w: no patient with address %s", models.ErrNotFound, address)
	}

	candidates, err := t.store.ListEvents(ctx, store.EventQuery{
		PatientIDs: ids,
		Statuses:   []models.EventStatus{models.EventStatusSent, models.EventStatusDelivered},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list awaiting events: %w", err)
	}
	var latest *models.ReminderEvent
	for i := range candidates {
		c := &candidates[i]
		if latest == nil || sentAt(c).After(sentAt(latest)) {
			latest = c
		}
	}
	if latest == nil {
		return nil, fmt.Errorf("%w: no reminder awaiting a reply from %s", models.ErrNotFound, address)
	}
	return t.RecordResponse(ctx, latest.ID, true, at)
}

// SweepNoShows records a no-show for every sent or delivered event whose
// response window ended at or before asOf. Events resolved concurrently are skipped.
func (t *Tracker) SweepNoShows(ctx context.Context, asOf time.Time) ([]models.ReminderEvent, error) {
	if t.window <= 0 {
		return nil, nil
	}
	expired, err := t.store.ListEvents(ctx, store.EventQuery{
		Statuses:   []models.EventStatus{models.EventStatusSent, models.EventStatusDelivered},
		SentBefore: asOf.Add(-t.window).Add(time.Nanosecond),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list expired events: %w", err)
	}

	var out []models.ReminderEvent
	var errs []error
	for i := range expired {
		ev, err := t.RecordNoShow(ctx, expired[i].ID, asOf)
		if errors.Is(err, models.ErrInvalidTransition) {
			continue
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("event %s: %w", expired[i].ID, err))
			continue
		}
		out = append(out, *ev)
	}
	if len(out) > 0 {
		slog.Info("Tracker.SweepNoShows: swept", "count", len(out), "asOf", asOf)
	}
	return out, errors.Join(errs...)
}

// HandleReceipt applies an asynchronous delivery receipt. Receipts for unknown
// references are ignored; provider-side failures are logged only, since the
// reminder was already accepted and the event keeps waiting for an outcome.
func (t *Tracker) HandleReceipt(ctx context.Context, r models.Receipt) error {
	switch r.Status {
	case models.MessageStatusDelivered, models.MessageStatusRead:
	case models.MessageStatusFailed:
		slog.Warn("Tracker.HandleReceipt: provider reported failure after acceptance", "ref", r.ProviderRef, "to", r.To)
		return nil
	default:
		return nil
	}
	if r.ProviderRef == "" {
		return nil
	}
	at := time.Time{}
	if r.Time > 0 {
		at = time.Unix(r.Time, 0)
	}
	_, err := t.RecordDeliveredByRef(ctx, r.ProviderRef, at)
	if errors.Is(err, models.ErrNotFound) {
		slog.Debug("Tracker.HandleReceipt: no event for reference", "ref", r.ProviderRef)
		return nil
	}
	return err
}

// HandleResponse applies an inbound reply once per provider message ID. A reply
// that fails with a store error stays open, so the provider's retry applies it.
// Replies that match no awaiting reminder are final and are closed as well.
func (t *Tracker) HandleResponse(ctx context.Context, r models.Response) error {
	if r.MessageID != "" {
		open, err := t.store.ClaimInbound(ctx, r.MessageID, r.From)
		if err != nil {
			return fmt.Errorf("failed to record inbound message %s: %w", r.MessageID, err)
		}
		if !open {
			slog.Debug("Tracker.HandleResponse: duplicate message ignored", "messageID", r.MessageID)
			return nil
		}
	}
	at := time.Time{}
	if r.Time > 0 {
		at = time.Unix(r.Time, 0)
	}
	_, err := t.RecordReplyFrom(ctx, r.From, at)
	if err != nil && !errors.Is(err, models.ErrNotFound) && !errors.Is(err, models.ErrInvalidTransition) {
		slog.Warn("Tracker.HandleResponse: reply left open for retry", "messageID", r.MessageID, "error", err)
		return err
	}
	if r.MessageID != "" {
		if cerr := t.store.CompleteInbound(ctx, r.MessageID); cerr != nil {
			slog.Warn("Tracker.HandleResponse: failed to mark processed", "messageID", r.MessageID, "error", cerr)
		}
	}
	return err
}

// lockEvent loads an event and holds its patient's lock. The event is re-read
// under the lock so the caller sees the latest status.
func (t *Tracker) lockEvent(ctx context.Context, eventID string) (*models.ReminderEvent, func(), error) {
	ev, err := t.store.GetEvent(ctx, eventID)
	if err != nil {
		return nil, nil, err
	}
	unlock := t.locks.Lock(ev.PatientID)
	ev, err = t.store.GetEvent(ctx, eventID)
	if err != nil {
		unlock()
		return nil, nil, err
	}
	return ev, unlock, nil
}

func (t *Tracker) eventByRef(ctx context.Context, ref string) (*models.ReminderEvent, error) {
	if ref == "" {
		return nil, fmt.Errorf("%w: empty provider reference", models.ErrNotFound)
	}
	evs, err := t.store.ListEvents(ctx, store.EventQuery{ProviderRef: ref, Limit: 1})
	if err != nil {
		return nil, fmt.Errorf("failed to find event by reference: %w", err)
	}
	if len(evs) == 0 {
		return nil, fmt.Errorf("%w: no event with reference %s", models.ErrNotFound, ref)
	}
	return &evs[0], nil
}

func (t *Tracker) publish(ctx context.Context, ev *models.ReminderEvent, rate *float64) {
	key := events.RoutingKeyFor(ev.Status)
	if err := t.publisher.Publish(ctx, key, events.NewEnvelope(ev, rate)); err != nil {
		slog.Warn("Tracker.publish: publish failed", "eventID", ev.ID, "routingKey", key, "error", err)
	}
}

func sentAt(e *models.ReminderEvent) time.Time {
	if e.SentAt != nil {
		return *e.SentAt
	}
	return e.ScheduledAt
}

// SameAddress compares contact addresses. Phone numbers match on their digits;
// anything containing "@" matches case-insensitively.
func SameAddress(a, b string) bool {
	a, b = strings.TrimSpace(a), strings.TrimSpace(b)
	if strings.Contains(a, "@") || strings.Contains(b, "@") {
		return strings.EqualFold(a, b)
	}
	da, db := digits(a), digits(b)
	return da != "" && da == db
}

func digits(s string) string {
	s = strings.TrimPrefix(s, "whatsapp:")
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
