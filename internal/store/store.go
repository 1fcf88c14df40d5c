// Package store provides storage backends for RemindPipe.
//
// It holds patient profiles and reminder events. An in-memory store is used
// when no DSN is configured; SQLite and PostgreSQL provide durable storage.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/RemindPipe/internal/models"
	"github.com/BTreeMap/RemindPipe/internal/policy"
	"github.com/BTreeMap/RemindPipe/internal/util"
)

// ErrUnresolvedExists is returned by CreateEvent when the patient already has a
// pending, sent or delivered event.
var ErrUnresolvedExists = errors.New("patient already has an unresolved reminder")

// Opts holds configuration options for store backends.
type Opts struct {
	DSN string
}

// Option defines a configuration option for store backends.
type Option func(*Opts)

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// DetectDSNType returns "postgres" for PostgreSQL connection strings and "sqlite3" otherwise.
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return "postgres"
	}
	// keyword/value form: "host=localhost user=app dbname=remind"
	for _, key := range []string{"host=", "user=", "dbname="} {
		if strings.Contains(dsn, key) && !strings.Contains(dsn, "?") {
			return "postgres"
		}
	}
	return "sqlite3"
}

// IntervalFunc returns the current reminder interval for a profile.
type IntervalFunc func(p *models.PatientProfile) time.Duration

// DueProfile is a profile together with the interval and due time that made it due.
type DueProfile struct {
	Profile  models.PatientProfile
	Interval time.Duration
	DueAt    time.Time
}

// EventQuery filters ListEvents. Zero fields do not filter.
type EventQuery struct {
	PatientIDs  []string
	Statuses    []models.EventStatus
	ProviderRef string
	// SentBefore keeps only events whose SentAt is before the given time.
	SentBefore time.Time
	Claim      ClaimFilter
	Limit      int
}

// ClaimFilter selects events by whether a dispatcher has claimed them.
type ClaimFilter int

const (
	ClaimAny ClaimFilter = iota
	ClaimUnclaimed
	ClaimClaimed
)

// Store defines the interface for profile and reminder event persistence.
type Store interface {
	// GetProfile returns models.ErrNotFound when the patient does not exist.
	GetProfile(ctx context.Context, id string) (*models.PatientProfile, error)
	// UpsertProfile validates and stores a profile's configuration. For an existing
	// profile the compliance rate and timestamps are preserved.
	UpsertProfile(ctx context.Context, p models.PatientProfile) (*models.PatientProfile, error)
	// ListProfiles returns all profiles ordered by ID.
	ListProfiles(ctx context.Context) ([]models.PatientProfile, error)
	// ListDue returns profiles with asOf >= due time, ordered by due time then ID.
	ListDue(ctx context.Context, asOf time.Time, interval IntervalFunc) ([]DueProfile, error)
	// UpdateProfile applies fn to the stored profile as one atomic read-modify-write.
	UpdateProfile(ctx context.Context, id string, fn func(*models.PatientProfile) error) (*models.PatientProfile, error)

	// CreateEvent stores a new event. It returns models.ErrNotFound if the patient
	// is unknown and ErrUnresolvedExists if the patient already has an unresolved event.
	CreateEvent(ctx context.Context, e models.ReminderEvent) (*models.ReminderEvent, error)
	GetEvent(ctx context.Context, id string) (*models.ReminderEvent, error)
	UpdateEvent(ctx context.Context, e models.ReminderEvent) error
	// ClaimEvent marks a pending, unclaimed event as held by a dispatcher. It
	// returns models.ErrInvalidTransition if the event is not pending or is
	// already claimed.
	ClaimEvent(ctx context.Context, id string, at time.Time) (*models.ReminderEvent, error)
	// ScheduleEvent stores a new event and applies fn to its patient's profile
	// in one transaction. Errors match CreateEvent; nothing is stored if fn fails.
	ScheduleEvent(ctx context.Context, e models.ReminderEvent, fn func(*models.PatientProfile) error) (*models.ReminderEvent, *models.PatientProfile, error)
	// ResolveEvent writes e and applies fn to its patient's profile in one
	// transaction. Neither write is kept if the other fails.
	ResolveEvent(ctx context.Context, e models.ReminderEvent, fn func(*models.PatientProfile) error) (*models.PatientProfile, error)
	// ListEvents returns matching events ordered by scheduled time, patient ID, event ID.
	ListEvents(ctx context.Context, q EventQuery) ([]models.ReminderEvent, error)
	HasUnresolvedEvent(ctx context.Context, patientID string) (bool, error)

	DedupRepo

	Close() error
}

// sortDue orders due profiles by due time, breaking ties by patient ID.
func sortDue(due []DueProfile) {
	sort.Slice(due, func(i, j int) bool {
		if !due[i].DueAt.Equal(due[j].DueAt) {
			return due[i].DueAt.Before(due[j].DueAt)
		}
		return due[i].Profile.ID < due[j].Profile.ID
	})
}

// collectDue filters profiles (already ordered by ID) down to the due ones.
func collectDue(profiles []models.PatientProfile, asOf time.Time, interval IntervalFunc) []DueProfile {
	var due []DueProfile
	for i := range profiles {
		p := &profiles[i]
		iv := interval(p)
		if policy.IsDue(p, iv, asOf) {
			due = append(due, DueProfile{Profile: *p, Interval: iv, DueAt: policy.DueAt(p, iv)})
		}
	}
	sortDue(due)
	return due
}

func sortEvents(events []models.ReminderEvent) {
	sort.Slice(events, func(i, j int) bool {
		a, b := events[i], events[j]
		if !a.ScheduledAt.Equal(b.ScheduledAt) {
			return a.ScheduledAt.Before(b.ScheduledAt)
		}
		if a.PatientID != b.PatientID {
			return a.PatientID < b.PatientID
		}
		return a.ID < b.ID
	})
}

func (q EventQuery) matches(e *models.ReminderEvent) bool {
	if len(q.PatientIDs) > 0 && !containsString(q.PatientIDs, e.PatientID) {
		return false
	}
	if len(q.Statuses) > 0 {
		found := false
		for _, s := range q.Statuses {
			if s == e.Status {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if q.ProviderRef != "" && e.ProviderRef != q.ProviderRef {
		return false
	}
	if !q.SentBefore.IsZero() && (e.SentAt == nil || !e.SentAt.Before(q.SentBefore)) {
		return false
	}
	switch q.Claim {
	case ClaimUnclaimed:
		return e.ClaimedAt == nil
	case ClaimClaimed:
		return e.ClaimedAt != nil
	}
	return true
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// prepareNewProfile fills server-managed fields of a profile being created.
func prepareNewProfile(p *models.PatientProfile, now time.Time) {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
}

// mergeProfileConfig copies the configuration fields of in onto existing.
func mergeProfileConfig(existing *models.PatientProfile, in models.PatientProfile, now time.Time) {
	existing.Name = in.Name
	existing.Channels = append([]models.ContactChannel(nil), in.Channels...)
	existing.Policy = in.Policy
	existing.Tags = append([]string(nil), in.Tags...)
	existing.UpdatedAt = now
}

// claimConflict describes why an event could not be claimed.
func claimConflict(e *models.ReminderEvent) error {
	if e.ClaimedAt != nil {
		return fmt.Errorf("%w: event %s is already claimed", models.ErrInvalidTransition, e.ID)
	}
	return fmt.Errorf("%w: event %s is %s", models.ErrInvalidTransition, e.ID, e.Status)
}

func prepareNewEvent(e *models.ReminderEvent, now time.Time) {
	if e.ID == "" {
		e.ID = util.GenerateEventID()
	}
	if e.Status == "" {
		e.Status = models.EventStatusPending
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.UpdatedAt = now
}

// InMemoryStore is a simple in-memory store used when no database is configured
// and in tests. Reads copy data under the read lock, so they observe a consistent snapshot.
type InMemoryStore struct {
	mu       sync.RWMutex
	profiles map[string]models.PatientProfile
	events   map[string]models.ReminderEvent
	inbound  map[string]*DedupRecord
}

// Compile-time check that InMemoryStore implements Store.
var _ Store = (*InMemoryStore)(nil)

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		profiles: make(map[string]models.PatientProfile),
		events:   make(map[string]models.ReminderEvent),
		inbound:  make(map[string]*DedupRecord),
	}
}

func (s *InMemoryStore) GetProfile(ctx context.Context, id string) (*models.PatientProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.profiles[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	out := p.Clone()
	return &out, nil
}

func (s *InMemoryStore) UpsertProfile(ctx context.Context, p models.PatientProfile) (*models.PatientProfile, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	now := time.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.profiles[p.ID]
	if ok {
		mergeProfileConfig(&existing, p, now)
		s.profiles[p.ID] = existing
		slog.Debug("InMemoryStore.UpsertProfile: updated", "patientID", p.ID)
		out := existing.Clone()
		return &out, nil
	}
	p = p.Clone()
	prepareNewProfile(&p, now)
	s.profiles[p.ID] = p
	slog.Debug("InMemoryStore.UpsertProfile: created", "patientID", p.ID)
	out := p.Clone()
	return &out, nil
}

func (s *InMemoryStore) ListProfiles(ctx context.Context) ([]models.PatientProfile, error) {
	s.mu.RLock()
	out := make([]models.PatientProfile, 0, len(s.profiles))
	for _, p := range s.profiles {
		out = append(out, p.Clone())
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *InMemoryStore) ListDue(ctx context.Context, asOf time.Time, interval IntervalFunc) ([]DueProfile, error) {
	profiles, err := s.ListProfiles(ctx)
	if err != nil {
		return nil, err
	}
	return collectDue(profiles, asOf, interval), nil
}

func (s *InMemoryStore) UpdateProfile(ctx context.Context, id string, fn func(*models.PatientProfile) error) (*models.PatientProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	p = p.Clone()
	if err := fn(&p); err != nil {
		return nil, err
	}
	p.UpdatedAt = time.Now().UTC()
	s.profiles[id] = p
	out := p.Clone()
	return &out, nil
}

func (s *InMemoryStore) CreateEvent(ctx context.Context, e models.ReminderEvent) (*models.ReminderEvent, error) {
	ev, _, err := s.ScheduleEvent(ctx, e, nil)
	return ev, err
}

func (s *InMemoryStore) ScheduleEvent(ctx context.Context, e models.ReminderEvent, fn func(*models.PatientProfile) error) (*models.ReminderEvent, *models.PatientProfile, error) {
	now := time.Now().UTC()
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[e.PatientID]
	if !ok {
		return nil, nil, models.ErrNotFound
	}
	e = e.Clone()
	prepareNewEvent(&e, now)
	if e.Status.IsUnresolved() && s.hasUnresolvedLocked(e.PatientID) {
		return nil, nil, ErrUnresolvedExists
	}
	p = p.Clone()
	if fn != nil {
		if err := fn(&p); err != nil {
			return nil, nil, err
		}
		p.UpdatedAt = now
		s.profiles[p.ID] = p
	}
	s.events[e.ID] = e
	out := e.Clone()
	profile := p.Clone()
	return &out, &profile, nil
}

func (s *InMemoryStore) ResolveEvent(ctx context.Context, e models.ReminderEvent, fn func(*models.PatientProfile) error) (*models.PatientProfile, error) {
	now := time.Now().UTC()
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.events[e.ID]; !ok {
		return nil, models.ErrNotFound
	}
	p, ok := s.profiles[e.PatientID]
	if !ok {
		return nil, models.ErrNotFound
	}
	p = p.Clone()
	if err := fn(&p); err != nil {
		return nil, err
	}
	p.UpdatedAt = now
	e = e.Clone()
	e.UpdatedAt = now
	s.profiles[p.ID] = p
	s.events[e.ID] = e
	out := p.Clone()
	return &out, nil
}

func (s *InMemoryStore) ClaimEvent(ctx context.Context, id string, at time.Time) (*models.ReminderEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.events[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	if e.Status != models.EventStatusPending || e.ClaimedAt != nil {
		return nil, claimConflict(&e)
	}
	e = e.Clone()
	at = at.UTC()
	e.ClaimedAt = &at
	e.UpdatedAt = time.Now().UTC()
	s.events[id] = e
	out := e.Clone()
	return &out, nil
}

func (s *InMemoryStore) GetEvent(ctx context.Context, id string) (*models.ReminderEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.events[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	out := e.Clone()
	return &out, nil
}

func (s *InMemoryStore) UpdateEvent(ctx context.Context, e models.ReminderEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.events[e.ID]; !ok {
		return models.ErrNotFound
	}
	e = e.Clone()
	e.UpdatedAt = time.Now().UTC()
	s.events[e.ID] = e
	return nil
}

func (s *InMemoryStore) ListEvents(ctx context.Context, q EventQuery) ([]models.ReminderEvent, error) {
	s.mu.RLock()
	var out []models.ReminderEvent
	for _, e := range s.events {
		if q.matches(&e) {
			out = append(out, e.Clone())
		}
	}
	s.mu.RUnlock()
	sortEvents(out)
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (s *InMemoryStore) HasUnresolvedEvent(ctx context.Context, patientID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.hasUnresolvedLocked(patientID), nil
}

func (s *InMemoryStore) hasUnresolvedLocked(patientID string) bool {
	for _, e := range s.events {
		if e.PatientID == patientID && e.Status.IsUnresolved() {
			return true
		}
	}
	return false
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error {
	return nil
}
