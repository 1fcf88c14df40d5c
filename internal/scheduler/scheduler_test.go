package scheduler

import (
	"context"
	"errors"
	"reflect"
	"sync/atomic"
	"testing"
	"time"

	"github.com/BTreeMap/RemindPipe/internal/config"
	"github.com/BTreeMap/RemindPipe/internal/models"
	"github.com/BTreeMap/RemindPipe/internal/schedule"
	"github.com/BTreeMap/RemindPipe/internal/store"
	"github.com/BTreeMap/RemindPipe/internal/testutil"
	"github.com/BTreeMap/RemindPipe/internal/tracker"
)

func TestSchedulerAddJob(t *testing.T) {
	s := NewScheduler()
	noop := func(context.Context) error { return nil }

	if err := s.AddJob("pass", "*/5 * * * *", noop); err != nil {
		t.Errorf("Expected no error adding job, got %v", err)
	}
	if err := s.AddJob("sweep", "@every 15m", noop); err != nil {
		t.Errorf("Expected descriptor to parse, got %v", err)
	}
	if err := s.AddJob("pass", "@hourly", noop); err == nil {
		t.Error("Expected duplicate job name to be rejected")
	}
	if err := s.AddJob("bad", "every tuesday", noop); err == nil {
		t.Error("Expected invalid expression to be rejected")
	}
	if got, want := s.Jobs(), []string{"pass", "sweep"}; !reflect.DeepEqual(got, want) {
		t.Errorf("Jobs() = %v, want %v", got, want)
	}

	s.RemoveJob("pass")
	s.RemoveJob("unknown")
	if got := s.Jobs(); len(got) != 1 || got[0] != "sweep" {
		t.Errorf("Jobs() after remove = %v", got)
	}
}

func TestSchedulerTrigger(t *testing.T) {
	s := NewScheduler()
	var calls int32
	boom := errors.New("boom")
	if err := s.AddJob("count", "@hourly", func(context.Context) error {
		if atomic.AddInt32(&calls, 1) == 2 {
			return boom
		}
		return nil
	}); err != nil {
		t.Fatalf("AddJob failed: %v", err)
	}

	if err := s.Trigger("count"); err != nil {
		t.Errorf("first trigger: %v", err)
	}
	if err := s.Trigger("count"); !errors.Is(err, boom) {
		t.Errorf("second trigger: expected job error, got %v", err)
	}
	if err := s.Trigger("missing"); err == nil {
		t.Error("expected error for unknown job")
	}
	if calls != 2 {
		t.Errorf("expected 2 calls, got %d", calls)
	}
}

func TestSchedulerRunsOnSchedule(t *testing.T) {
	s := NewScheduler()
	ran := make(chan struct{}, 1)
	if err := s.AddJob("tick", "@every 1s", func(context.Context) error {
		select {
		case ran <- struct{}{}:
		default:
		}
		return nil
	}); err != nil {
		t.Fatalf("AddJob failed: %v", err)
	}
	s.Start()
	defer s.Stop()

	if s.Next("tick").IsZero() {
		t.Error("expected a next activation after Start")
	}
	select {
	case <-ran:
	case <-time.After(3 * time.Second):
		t.Fatal("job did not run within 3s")
	}
}

func TestSchedulerRecoversFromPanic(t *testing.T) {
	s := NewScheduler()
	ran := make(chan struct{}, 2)
	if err := s.AddJob("panicky", "@every 1s", func(context.Context) error {
		select {
		case ran <- struct{}{}:
		default:
		}
		panic("job exploded")
	}); err != nil {
		t.Fatalf("AddJob failed: %v", err)
	}
	s.Start()
	defer s.Stop()

	for i := 0; i < 2; i++ {
		select {
		case <-ran:
		case <-time.After(3 * time.Second):
			t.Fatalf("run %d did not happen; panic stopped the scheduler", i+1)
		}
	}
}

func TestSchedulerStopCancelsJobs(t *testing.T) {
	s := NewScheduler()
	started := make(chan struct{})
	done := make(chan error, 1)
	if err := s.AddJob("slow", "@every 1s", func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		done <- ctx.Err()
		return ctx.Err()
	}); err != nil {
		t.Fatalf("AddJob failed: %v", err)
	}
	s.Start()

	select {
	case <-started:
	case <-time.After(3 * time.Second):
		t.Fatal("job did not start")
	}
	s.Stop()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	default:
		t.Error("Stop returned before the running job finished")
	}
}

func TestEngineJobs(t *testing.T) {
	st := store.NewInMemoryStore()
	cfg := config.Defaults()
	testutil.SeedProfiles(t, st, testutil.NewProfile("p_1", testutil.Day, 1))
	clock := testutil.NewClock(testutil.Epoch)
	eng := schedule.NewEngine(st, cfg, schedule.WithClock(clock.Now))
	trk := tracker.New(st, cfg, tracker.WithClock(clock.Now))

	s := NewScheduler()
	if err := s.AddJob(JobSchedulePass, "@every 1m", SchedulePassJob(eng)); err != nil {
		t.Fatalf("AddJob failed: %v", err)
	}
	if err := s.AddJob(JobNoShowSweep, "@every 1m", NoShowSweepJob(trk, clock.Now)); err != nil {
		t.Fatalf("AddJob failed: %v", err)
	}

	if err := s.Trigger(JobSchedulePass); err != nil {
		t.Fatalf("schedule pass failed: %v", err)
	}
	evs, err := st.ListEvents(context.Background(), store.EventQuery{PatientIDs: []string{"p_1"}})
	if err != nil || len(evs) != 1 {
		t.Fatalf("expected one scheduled event, got %d (%v)", len(evs), err)
	}

	ev := evs[0]
	sent := testutil.Epoch
	ev.Status = models.EventStatusSent
	ev.SentAt = &sent
	if err := st.UpdateEvent(context.Background(), ev); err != nil {
		t.Fatalf("UpdateEvent failed: %v", err)
	}

	clock.Advance(cfg.ResponseWindow)
	if err := s.Trigger(JobNoShowSweep); err != nil {
		t.Fatalf("sweep failed: %v", err)
	}
	if got := testutil.MustGetEvent(t, st, ev.ID); got.Status != models.EventStatusNoShow {
		t.Errorf("event status after sweep = %s, want no_show", got.Status)
	}
}
