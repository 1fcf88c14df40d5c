package schedule

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/RemindPipe/internal/config"
	"github.com/BTreeMap/RemindPipe/internal/events"
	"github.com/BTreeMap/RemindPipe/internal/models"
	"github.com/BTreeMap/RemindPipe/internal/store"
	"github.com/BTreeMap/RemindPipe/internal/testutil"
)

const day = testutil.Day

func newEngine(t *testing.T, st store.Store, opts ...Option) *Engine {
	t.Helper()
	return NewEngine(st, config.Defaults(), opts...)
}

func resolve(t *testing.T, st store.Store, id string, status models.EventStatus) {
	t.Helper()
	ev := testutil.MustGetEvent(t, st, id)
	ev.Status = status
	if err := st.UpdateEvent(context.Background(), ev); err != nil {
		t.Fatalf("UpdateEvent failed: %v", err)
	}
}

func TestRun_OrdersByDueTimeThenPatientID(t *testing.T) {
	st := store.NewInMemoryStore()
	early := testutil.NewProfile("p_zed", day, 1)
	early.CreatedAt = testutil.Epoch.Add(-time.Hour)
	testutil.SeedProfiles(t, st,
		testutil.NewProfile("p_bob", day, 1),
		testutil.NewProfile("p_alice", day, 1),
		early,
	)

	res, err := newEngine(t, st).Run(context.Background(), testutil.Epoch)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	want := []string{"p_zed", "p_alice", "p_bob"}
	if len(res.Scheduled) != len(want) {
		t.Fatalf("scheduled %d events, want %d", len(res.Scheduled), len(want))
	}
	for i, ev := range res.Scheduled {
		if ev.PatientID != want[i] {
			t.Errorf("event %d for %s, want %s", i, ev.PatientID, want[i])
		}
		if ev.Status != models.EventStatusPending {
			t.Errorf("event %s has status %s, want pending", ev.ID, ev.Status)
		}
		if !ev.ScheduledAt.Equal(testutil.Epoch) {
			t.Errorf("event %s scheduled at %v, want %v", ev.ID, ev.ScheduledAt, testutil.Epoch)
		}
	}
}

func TestRun_StampsLastReminder(t *testing.T) {
	st := store.NewInMemoryStore()
	testutil.SeedProfiles(t, st, testutil.NewProfile("p_1", day, 1))

	if _, err := newEngine(t, st).Run(context.Background(), testutil.Epoch); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	p := testutil.MustGetProfile(t, st, "p_1")
	if !p.LastReminderAt.Equal(testutil.Epoch) {
		t.Errorf("LastReminderAt = %v, want %v", p.LastReminderAt, testutil.Epoch)
	}
}

func TestRun_FailedStampCreatesNoEvent(t *testing.T) {
	mem := store.NewInMemoryStore()
	testutil.SeedProfiles(t, mem, testutil.NewProfile("p_1", day, 1))
	st := testutil.NewFlakyStore(mem).FailNext("ScheduleEvent", 1)
	eng := newEngine(t, st)
	ctx := context.Background()

	res, err := eng.Run(ctx, testutil.Epoch)
	if !errors.Is(err, testutil.ErrStoreDown) {
		t.Fatalf("first Run error = %v, want ErrStoreDown", err)
	}
	if len(res.Scheduled) != 0 {
		t.Fatalf("scheduled %d events on a failed write", len(res.Scheduled))
	}
	evs, err := st.ListEvents(ctx, store.EventQuery{PatientIDs: []string{"p_1"}})
	if err != nil || len(evs) != 0 {
		t.Fatalf("events after failed write = %d (%v), want 0", len(evs), err)
	}
	if p := testutil.MustGetProfile(t, st, "p_1"); !p.LastReminderAt.IsZero() {
		t.Fatalf("LastReminderAt = %v after failed write", p.LastReminderAt)
	}

	res, err = eng.Run(ctx, testutil.Epoch)
	if err != nil || len(res.Scheduled) != 1 {
		t.Fatalf("retry = %+v, %v; want one event", res, err)
	}
	if p := testutil.MustGetProfile(t, st, "p_1"); !p.LastReminderAt.Equal(res.Scheduled[0].ScheduledAt) {
		t.Errorf("LastReminderAt = %v, want %v", p.LastReminderAt, res.Scheduled[0].ScheduledAt)
	}
}

func TestRun_IdempotentWhileUnresolved(t *testing.T) {
	st := store.NewInMemoryStore()
	testutil.SeedProfiles(t, st, testutil.NewProfile("p_1", day, 1), testutil.NewProfile("p_2", day, 1))
	eng := newEngine(t, st)
	ctx := context.Background()

	first, err := eng.Run(ctx, testutil.Epoch)
	if err != nil || len(first.Scheduled) != 2 {
		t.Fatalf("first Run = %+v, %v", first, err)
	}

	// Even far in the future nothing new is created while events are unresolved.
	second, err := eng.Run(ctx, testutil.Epoch.Add(10*day))
	if err != nil {
		t.Fatalf("second Run failed: %v", err)
	}
	if len(second.Scheduled) != 0 {
		t.Fatalf("expected no new events, got %d", len(second.Scheduled))
	}
	if second.Skipped[SkipUnresolved] != 2 {
		t.Errorf("expected 2 unresolved skips, got %v", second.Skipped)
	}

	third, err := eng.Run(ctx, testutil.Epoch)
	if err != nil || len(third.Scheduled) != 0 {
		t.Fatalf("repeat Run with same asOf = %+v, %v", third, err)
	}
}

func TestRun_ConcurrentPassesNeverDuplicate(t *testing.T) {
	st := store.NewInMemoryStore()
	ids := []string{"p_a", "p_b", "p_c", "p_d", "p_e"}
	for _, id := range ids {
		testutil.SeedProfiles(t, st, testutil.NewProfile(id, day, 0.8))
	}
	eng := newEngine(t, st)

	var wg sync.WaitGroup
	var mu sync.Mutex
	total := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := eng.Run(context.Background(), testutil.Epoch)
			if err != nil {
				t.Errorf("Run failed: %v", err)
				return
			}
			mu.Lock()
			total += len(res.Scheduled)
			mu.Unlock()
		}()
	}
	wg.Wait()

	if total != len(ids) {
		t.Errorf("concurrent passes created %d events, want %d", total, len(ids))
	}
	for _, id := range ids {
		evs, err := st.ListEvents(context.Background(), store.EventQuery{PatientIDs: []string{id}, Statuses: models.UnresolvedStatuses()})
		if err != nil {
			t.Fatalf("ListEvents failed: %v", err)
		}
		if len(evs) != 1 {
			t.Errorf("patient %s has %d unresolved events, want 1", id, len(evs))
		}
	}
}

func TestRun_AdaptiveIntervalAfterResolution(t *testing.T) {
	st := store.NewInMemoryStore()
	testutil.SeedProfiles(t, st,
		testutil.NewProfile("p_low", 2*day, 0.4),
		testutil.NewProfile("p_fixed", 2*day, 0.4, testutil.WithFixedPolicy(2*day)),
	)
	eng := newEngine(t, st)
	ctx := context.Background()

	first, err := eng.Run(ctx, testutil.Epoch)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	for _, ev := range first.Scheduled {
		resolve(t, st, ev.ID, models.EventStatusNoShow)
	}

	// Low compliance shortens the adaptive interval to 0.6 * 2d = 28.8h.
	short := time.Duration(float64(2*day) * 0.6)
	res, err := eng.Run(ctx, testutil.Epoch.Add(short))
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(res.Scheduled) != 1 || res.Scheduled[0].PatientID != "p_low" {
		t.Fatalf("expected only p_low due after %v, got %+v", short, res.Scheduled)
	}
	if res.Scheduled[0].Interval != short {
		t.Errorf("event interval = %v, want %v", res.Scheduled[0].Interval, short)
	}

	res, err = eng.Run(ctx, testutil.Epoch.Add(2*day))
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(res.Scheduled) != 1 || res.Scheduled[0].PatientID != "p_fixed" {
		t.Fatalf("expected p_fixed due after 2d, got %+v", res.Scheduled)
	}
}

func TestRun_ScorerOverridesRate(t *testing.T) {
	st := store.NewInMemoryStore()
	p := testutil.NewProfile("p_1", 2*day, 1.0)
	testutil.SeedProfiles(t, st, p)
	// Reminded 36h ago: not due at 2.4d, due at 1.2d.
	if _, err := st.UpdateProfile(context.Background(), "p_1", func(p *models.PatientProfile) error {
		p.LastReminderAt = testutil.Epoch.Add(-36 * time.Hour)
		return nil
	}); err != nil {
		t.Fatalf("UpdateProfile failed: %v", err)
	}

	failing := newEngine(t, st, WithScorer(ScorerFunc(func(context.Context, *models.PatientProfile) (float64, error) {
		return 0, errors.New("model offline")
	})))
	res, err := failing.Run(context.Background(), testutil.Epoch)
	if err != nil || len(res.Scheduled) != 0 {
		t.Fatalf("scorer failure should fall back to stored rate, got %+v, %v", res, err)
	}

	pessimist := newEngine(t, st, WithScorer(ScorerFunc(func(context.Context, *models.PatientProfile) (float64, error) {
		return -3, nil
	})))
	res, err = pessimist.Run(context.Background(), testutil.Epoch)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(res.Scheduled) != 1 {
		t.Fatalf("expected low score to make p_1 due, got %+v", res)
	}
	if want := time.Duration(float64(2*day) * 0.6); res.Scheduled[0].Interval != want {
		t.Errorf("interval = %v, want %v", res.Scheduled[0].Interval, want)
	}
}

func TestRun_PublishesScheduledEvents(t *testing.T) {
	st := store.NewInMemoryStore()
	testutil.SeedProfiles(t, st, testutil.NewProfile("p_1", day, 1))
	pub := &events.MockPublisher{}

	if _, err := newEngine(t, st, WithPublisher(pub)).Run(context.Background(), testutil.Epoch); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	keys := pub.Keys()
	if len(keys) != 1 || keys[0] != events.RoutingScheduled {
		t.Errorf("published %v, want one %s", keys, events.RoutingScheduled)
	}
}

func TestRun_PublishFailureDoesNotFailPass(t *testing.T) {
	st := store.NewInMemoryStore()
	testutil.SeedProfiles(t, st, testutil.NewProfile("p_1", day, 1))
	pub := &events.MockPublisher{Err: errors.New("broker down")}

	res, err := newEngine(t, st, WithPublisher(pub)).Run(context.Background(), testutil.Epoch)
	if err != nil || len(res.Scheduled) != 1 {
		t.Fatalf("Run = %+v, %v", res, err)
	}
}

func TestRunNow_UsesClock(t *testing.T) {
	st := store.NewInMemoryStore()
	testutil.SeedProfiles(t, st, testutil.NewProfile("p_1", day, 1))
	clock := testutil.NewClock(testutil.Epoch.Add(-time.Minute))
	eng := newEngine(t, st, WithClock(clock.Now))

	res, err := eng.RunNow(context.Background())
	if err != nil || len(res.Scheduled) != 0 {
		t.Fatalf("profile should not be due before creation: %+v, %v", res, err)
	}
	clock.Advance(time.Minute)
	res, err = eng.RunNow(context.Background())
	if err != nil || len(res.Scheduled) != 1 {
		t.Fatalf("profile should be due at creation: %+v, %v", res, err)
	}
}

func TestRun_CancelledContext(t *testing.T) {
	st := store.NewInMemoryStore()
	testutil.SeedProfiles(t, st, testutil.NewProfile("p_1", day, 1))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := newEngine(t, st).Run(ctx, testutil.Epoch); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
