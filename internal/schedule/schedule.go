// Package schedule implements the scheduling pass that turns due patients into
// pending reminder events.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/BTreeMap/RemindPipe/internal/config"
	"github.com/BTreeMap/RemindPipe/internal/events"
	"github.com/BTreeMap/RemindPipe/internal/keylock"
	"github.com/BTreeMap/RemindPipe/internal/metrics"
	"github.com/BTreeMap/RemindPipe/internal/models"
	"github.com/BTreeMap/RemindPipe/internal/policy"
	"github.com/BTreeMap/RemindPipe/internal/store"
	"github.com/BTreeMap/RemindPipe/internal/util"
)

// Scorer returns a compliance-like score in [0,1] for a profile. When set on the
// engine it replaces the stored compliance rate for interval adjustment.
type Scorer interface {
	Score(ctx context.Context, profile *models.PatientProfile) (float64, error)
}

// ScorerFunc adapts a function to the Scorer interface.
type ScorerFunc func(ctx context.Context, profile *models.PatientProfile) (float64, error)

func (f ScorerFunc) Score(ctx context.Context, profile *models.PatientProfile) (float64, error) {
	return f(ctx, profile)
}

// Skip reasons reported in Result and metrics.
const (
	SkipUnresolved = "unresolved"
	SkipNotDue     = "not_due"
)

// Result is the outcome of one scheduling pass.
type Result struct {
	// Scheduled holds created events ordered by due time, then patient ID.
	Scheduled []models.ReminderEvent `json:"scheduled"`
	// Skipped counts due patients that did not get an event, by reason.
	Skipped map[string]int `json:"skipped,omitempty"`
}

// Engine creates pending reminder events for due patients.
type Engine struct {
	store     store.Store
	policy    *policy.Policy
	locks     *keylock.Registry
	publisher events.Publisher
	scorer    Scorer
	workers   int
	now       func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithScorer sets the optional scoring function.
func WithScorer(s Scorer) Option {
	return func(e *Engine) {
		e.scorer = s
	}
}

// WithPublisher sets where reminder.scheduled events go.
func WithPublisher(p events.Publisher) Option {
	return func(e *Engine) {
		e.publisher = p
	}
}

// WithLocks shares a per-patient lock registry with the dispatcher and tracker.
func WithLocks(r *keylock.Registry) Option {
	return func(e *Engine) {
		e.locks = r
	}
}

// WithClock overrides time.Now for RunNow.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// NewEngine creates an Engine over st. cfg is expected to have passed Validate.
func NewEngine(st store.Store, cfg config.Engine, opts ...Option) *Engine {
	e := &Engine{
		store:     st,
		policy:    policy.New(cfg),
		locks:     keylock.New(),
		publisher: events.NopPublisher{},
		workers:   cfg.Workers,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.workers <= 0 {
		e.workers = 1
	}
	return e
}

// Policy returns the interval policy the engine uses.
func (e *Engine) Policy() *policy.Policy {
	return e.policy
}

// RunNow runs a pass as of the engine clock.
func (e *Engine) RunNow(ctx context.Context) (*Result, error) {
	return e.Run(ctx, e.now().UTC())
}

// Run creates one pending event for every patient due at asOf that has no
// unresolved event. Running it again with the same asOf creates nothing new.
// Per-patient failures do not stop the pass; they are joined into the returned error.
func (e *Engine) Run(ctx context.Context, asOf time.Time) (*Result, error) {
	start := time.Now()
	defer func() { metrics.RecordSchedulePass(time.Since(start)) }()

	rates := e.scoreAll(ctx)
	due, err := e.store.ListDue(ctx, asOf, e.intervalFunc(rates))
	if err != nil {
		return nil, fmt.Errorf("failed to list due profiles: %w", err)
	}
	slog.Debug("Engine.Run: due profiles listed", "count", len(due), "asOf", asOf)

	created := make([]*models.ReminderEvent, len(due))
	skipped := make([]string, len(due))
	errs := make([]error, len(due))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)
	for i := range due {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			created[i], skipped[i], errs[i] = e.scheduleOne(gctx, due[i], asOf, rates)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	res := &Result{Skipped: map[string]int{}}
	for i := range due {
		switch {
		case created[i] != nil:
			res.Scheduled = append(res.Scheduled, *created[i])
		case skipped[i] != "":
			res.Skipped[skipped[i]]++
		}
	}
	slog.Info("Engine.Run: pass complete", "due", len(due), "scheduled", len(res.Scheduled), "skipped", res.Skipped)
	return res, errors.Join(errs...)
}

func (e *Engine) scheduleOne(ctx context.Context, d store.DueProfile, asOf time.Time, rates map[string]float64) (*models.ReminderEvent, string, error) {
	patientID := d.Profile.ID
	unlock := e.locks.Lock(patientID)
	defer unlock()

	unresolved, err := e.store.HasUnresolvedEvent(ctx, patientID)
	if err != nil {
		return nil, "", fmt.Errorf("patient %s: %w", patientID, err)
	}
	if unresolved {
		metrics.RecordScheduleSkipped(SkipUnresolved)
		return nil, SkipUnresolved, nil
	}

	// Another pass may have stamped the profile since ListDue read it.
	current, err := e.store.GetProfile(ctx, patientID)
	if err != nil {
		return nil, "", fmt.Errorf("patient %s: %w", patientID, err)
	}
	interval := e.intervalFunc(rates)(current)
	if !policy.IsDue(current, interval, asOf) {
		metrics.RecordScheduleSkipped(SkipNotDue)
		return nil, SkipNotDue, nil
	}

	ev, _, err := e.store.ScheduleEvent(ctx, models.ReminderEvent{
		ID:          util.GenerateEventID(),
		PatientID:   patientID,
		ScheduledAt: asOf,
		Interval:    interval,
		Status:      models.EventStatusPending,
	}, func(p *models.PatientProfile) error {
		p.LastReminderAt = asOf
		return nil
	})
	if errors.Is(err, store.ErrUnresolvedExists) {
		metrics.RecordScheduleSkipped(SkipUnresolved)
		return nil, SkipUnresolved, nil
	}
	if err != nil {
		slog.Error("Engine.scheduleOne: failed to schedule", "patientID", patientID, "error", err)
		return nil, "", fmt.Errorf("patient %s: failed to create event: %w", patientID, err)
	}

	metrics.RecordScheduled()
	if err := e.publisher.Publish(ctx, events.RoutingScheduled, events.NewEnvelope(ev, nil)); err != nil {
		slog.Warn("Engine.scheduleOne: publish failed", "eventID", ev.ID, "error", err)
	}
	slog.Debug("Engine.scheduleOne: scheduled", "patientID", patientID, "eventID", ev.ID, "interval", interval, "dueAt", d.DueAt)
	return ev, "", nil
}

// scoreAll asks the scorer for every profile up front. A scorer error falls back
// to the stored compliance rate for that patient.
func (e *Engine) scoreAll(ctx context.Context) map[string]float64 {
	if e.scorer == nil {
		return nil
	}
	profiles, err := e.store.ListProfiles(ctx)
	if err != nil {
		slog.Warn("Engine.scoreAll: failed to list profiles, using stored rates", "error", err)
		return nil
	}
	rates := make(map[string]float64, len(profiles))
	for i := range profiles {
		p := &profiles[i]
		score, err := e.scorer.Score(ctx, p)
		if err == nil && math.IsNaN(score) {
			err = errors.New("score is NaN")
		}
		if err != nil {
			slog.Warn("Engine.scoreAll: scorer failed, using stored rate", "patientID", p.ID, "error", err)
			continue
		}
		rates[p.ID] = clamp01(score)
	}
	return rates
}

func (e *Engine) intervalFunc(rates map[string]float64) store.IntervalFunc {
	return func(p *models.PatientProfile) time.Duration {
		rate := p.ComplianceRate
		if r, ok := rates[p.ID]; ok {
			rate = r
		}
		return e.policy.Interval(p, rate)
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
