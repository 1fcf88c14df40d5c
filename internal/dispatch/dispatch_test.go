package dispatch

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/RemindPipe/internal/config"
	"github.com/BTreeMap/RemindPipe/internal/events"
	"github.com/BTreeMap/RemindPipe/internal/messaging"
	"github.com/BTreeMap/RemindPipe/internal/models"
	"github.com/BTreeMap/RemindPipe/internal/store"
	"github.com/BTreeMap/RemindPipe/internal/testutil"
)

var emailAndSMS = testutil.WithChannels(
	models.ContactChannel{Type: models.ChannelEmail, Address: "demo1@example.com"},
	models.ContactChannel{Type: models.ChannelSMS, Address: "+15550001111"},
)

func setup(t *testing.T, profiles ...models.PatientProfile) (store.Store, map[string]string) {
	t.Helper()
	st := store.NewInMemoryStore()
	testutil.SeedProfiles(t, st, profiles...)
	ids := make(map[string]string)
	for _, p := range profiles {
		ev := testutil.MustCreateEvent(t, st, models.ReminderEvent{PatientID: p.ID, ScheduledAt: testutil.Epoch, Interval: p.Policy.Base})
		ids[p.ID] = ev.ID
	}
	return st, ids
}

func newDispatcher(st store.Store, tr messaging.Transport, opts ...Option) *Dispatcher {
	cfg := config.Defaults()
	cfg.TransportTimeout = 50 * time.Millisecond
	return New(st, tr, cfg, opts...)
}

func TestDispatch_AllChannelsFail(t *testing.T) {
	st, ids := setup(t, testutil.NewProfile("p_1", testutil.Day, 1, emailAndSMS))
	tr := messaging.NewMockTransport().FailChannel(models.ChannelEmail).FailChannel(models.ChannelSMS)
	pub := &events.MockPublisher{}

	res, err := newDispatcher(st, tr, WithPublisher(pub)).Dispatch(context.Background(), ids["p_1"])
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	ev := testutil.MustGetEvent(t, st, ids["p_1"])
	if ev.Status != models.EventStatusFailed {
		t.Fatalf("status = %s, want failed", ev.Status)
	}
	if len(ev.Attempts) != 2 || res.Attempts != 2 || tr.Calls != 2 {
		t.Fatalf("attempts stored=%d reported=%d calls=%d, want 2", len(ev.Attempts), res.Attempts, tr.Calls)
	}
	if ev.Attempts[0].Channel != models.ChannelEmail || ev.Attempts[1].Channel != models.ChannelSMS {
		t.Errorf("attempt order = %+v", ev.Attempts)
	}
	if !strings.Contains(ev.FailureReason, "email") || !strings.Contains(ev.FailureReason, "sms") {
		t.Errorf("failure reason %q should name both channels", ev.FailureReason)
	}
	if ev.ResolvedAt == nil {
		t.Error("failed event should be resolved")
	}
	if keys := pub.Keys(); len(keys) != 1 || keys[0] != events.RoutingFailed {
		t.Errorf("published %v, want one failed event", keys)
	}

	evs, err := st.ListEvents(context.Background(), store.EventQuery{PatientIDs: []string{"p_1"}})
	if err != nil || len(evs) != 1 {
		t.Fatalf("expected exactly one event, got %d (%v)", len(evs), err)
	}
}

func TestDispatch_FallsBackToNextChannel(t *testing.T) {
	st, ids := setup(t, testutil.NewProfile("p_1", testutil.Day, 1, emailAndSMS))
	tr := messaging.NewMockTransport().FailChannel(models.ChannelEmail)

	if _, err := newDispatcher(st, tr).Dispatch(context.Background(), ids["p_1"]); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	ev := testutil.MustGetEvent(t, st, ids["p_1"])
	if ev.Status != models.EventStatusSent || ev.Channel != models.ChannelSMS {
		t.Fatalf("event = %s via %s, want sent via sms", ev.Status, ev.Channel)
	}
	if ev.ProviderRef == "" || ev.SentAt == nil {
		t.Errorf("sent event missing provider ref or sent time: %+v", ev)
	}
	if len(ev.Attempts) != 2 || ev.Attempts[0].Succeeded() || !ev.Attempts[1].Succeeded() {
		t.Errorf("unexpected attempts %+v", ev.Attempts)
	}
}

func TestDispatch_TimeoutMovesToNextChannel(t *testing.T) {
	st, ids := setup(t, testutil.NewProfile("p_1", testutil.Day, 1, emailAndSMS))
	tr := messaging.NewMockTransport().DelayChannel(models.ChannelEmail, 5*time.Second)

	start := time.Now()
	if _, err := newDispatcher(st, tr).Dispatch(context.Background(), ids["p_1"]); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("dispatch took %v, timeout not applied", elapsed)
	}
	ev := testutil.MustGetEvent(t, st, ids["p_1"])
	if ev.Channel != models.ChannelSMS {
		t.Errorf("channel = %s, want sms after email timeout", ev.Channel)
	}
	if !strings.Contains(ev.Attempts[0].Error, context.DeadlineExceeded.Error()) {
		t.Errorf("first attempt error = %q, want deadline exceeded", ev.Attempts[0].Error)
	}
}

// blockingTransport ignores ctx entirely.
type blockingTransport struct{ release chan struct{} }

func (b blockingTransport) Send(ctx context.Context, channel models.ChannelType, address, content string) (messaging.SendResult, error) {
	<-b.release
	return messaging.SendResult{}, nil
}

func TestDispatch_TimeoutWithContextBlindTransport(t *testing.T) {
	st, ids := setup(t, testutil.NewProfile("p_1", testutil.Day, 1))
	tr := blockingTransport{release: make(chan struct{})}
	defer close(tr.release)

	if _, err := newDispatcher(st, tr).Dispatch(context.Background(), ids["p_1"]); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	ev := testutil.MustGetEvent(t, st, ids["p_1"])
	if ev.Status != models.EventStatusFailed || len(ev.Attempts) != 1 {
		t.Errorf("event = %s with %d attempts, want failed with 1", ev.Status, len(ev.Attempts))
	}
}

func TestDispatch_ConfirmedBecomesDelivered(t *testing.T) {
	st, ids := setup(t, testutil.NewProfile("p_1", testutil.Day, 1))
	tr := messaging.NewMockTransport()
	tr.Confirm = true
	pub := &events.MockPublisher{}

	if _, err := newDispatcher(st, tr, WithPublisher(pub)).Dispatch(context.Background(), ids["p_1"]); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	ev := testutil.MustGetEvent(t, st, ids["p_1"])
	if ev.Status != models.EventStatusDelivered || ev.DeliveredAt == nil {
		t.Errorf("event = %+v, want delivered", ev)
	}
	keys := pub.Keys()
	if len(keys) != 2 || keys[0] != events.RoutingSent || keys[1] != events.RoutingDelivered {
		t.Errorf("published %v, want sent then delivered", keys)
	}
}

func TestDispatch_NonPendingUnchanged(t *testing.T) {
	st, ids := setup(t, testutil.NewProfile("p_1", testutil.Day, 1))
	tr := messaging.NewMockTransport()
	d := newDispatcher(st, tr)

	if _, err := d.Dispatch(context.Background(), ids["p_1"]); err != nil {
		t.Fatalf("first Dispatch failed: %v", err)
	}
	before := testutil.MustGetEvent(t, st, ids["p_1"])
	res, err := d.Dispatch(context.Background(), ids["p_1"])
	if err != nil {
		t.Fatalf("second Dispatch failed: %v", err)
	}
	if !res.Skipped || res.Attempts != 0 || tr.SentCount() != 1 {
		t.Errorf("second dispatch resent: %+v, sends=%d", res, tr.SentCount())
	}
	after := testutil.MustGetEvent(t, st, ids["p_1"])
	if !after.UpdatedAt.Equal(before.UpdatedAt) || after.Status != before.Status {
		t.Errorf("event changed on redispatch: %+v -> %+v", before, after)
	}
}

func TestDispatch_UnstoredOutcomeIsNotResent(t *testing.T) {
	mem, ids := setup(t, testutil.NewProfile("p_1", testutil.Day, 1))
	st := testutil.NewFlakyStore(mem).FailNext("UpdateEvent", 1)
	tr := messaging.NewMockTransport()
	d := newDispatcher(st, tr)
	ctx := context.Background()

	if _, err := d.DispatchPending(ctx); !errors.Is(err, testutil.ErrStoreDown) {
		t.Fatalf("first pass error = %v, want ErrStoreDown", err)
	}
	ev := testutil.MustGetEvent(t, st, ids["p_1"])
	if !ev.Stalled() {
		t.Fatalf("event = %s claimed=%v, want pending and claimed", ev.Status, ev.ClaimedAt)
	}

	res, err := d.DispatchPending(ctx)
	if err != nil || len(res) != 0 {
		t.Fatalf("second pass = %+v, %v; want nothing dispatched", res, err)
	}
	single, err := d.Dispatch(ctx, ids["p_1"])
	if err != nil || !single.Skipped || !single.Stalled {
		t.Fatalf("direct dispatch = %+v, %v; want skipped as stalled", single, err)
	}
	if tr.Calls != 1 {
		t.Fatalf("transport calls = %d, want 1", tr.Calls)
	}

	stalled, err := d.Stalled(ctx)
	if err != nil || len(stalled) != 1 || stalled[0].ID != ids["p_1"] {
		t.Fatalf("Stalled = %+v, %v", stalled, err)
	}
	if _, err := d.Release(ctx, ids["p_1"]); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if _, err := d.Release(ctx, ids["p_1"]); !errors.Is(err, models.ErrInvalidTransition) {
		t.Errorf("second Release error = %v, want ErrInvalidTransition", err)
	}
	if _, err := d.DispatchPending(ctx); err != nil {
		t.Fatalf("pass after release failed: %v", err)
	}
	if got := testutil.MustGetEvent(t, st, ids["p_1"]); got.Status != models.EventStatusSent || got.ClaimedAt != nil {
		t.Errorf("event after release = %s claimed=%v, want sent and unclaimed", got.Status, got.ClaimedAt)
	}
	if tr.Calls != 2 {
		t.Errorf("transport calls = %d, want 2", tr.Calls)
	}
}

func TestDispatch_ClaimFailureSendsNothing(t *testing.T) {
	mem, ids := setup(t, testutil.NewProfile("p_1", testutil.Day, 1))
	st := testutil.NewFlakyStore(mem).FailNext("ClaimEvent", 1)
	tr := messaging.NewMockTransport()

	if _, err := newDispatcher(st, tr).Dispatch(context.Background(), ids["p_1"]); !errors.Is(err, testutil.ErrStoreDown) {
		t.Fatalf("error = %v, want ErrStoreDown", err)
	}
	if tr.Calls != 0 {
		t.Errorf("transport calls = %d, want 0", tr.Calls)
	}
	if ev := testutil.MustGetEvent(t, st, ids["p_1"]); ev.Status != models.EventStatusPending || ev.ClaimedAt != nil {
		t.Errorf("event = %s claimed=%v, want pending and unclaimed", ev.Status, ev.ClaimedAt)
	}
}

func TestDispatch_CancelledBeforeSendReleasesClaim(t *testing.T) {
	st, ids := setup(t, testutil.NewProfile("p_1", testutil.Day, 1))
	tr := messaging.NewMockTransport()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := newDispatcher(st, tr).Dispatch(ctx, ids["p_1"]); !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
	if tr.Calls != 0 {
		t.Errorf("transport calls = %d, want 0", tr.Calls)
	}
	if ev := testutil.MustGetEvent(t, st, ids["p_1"]); ev.ClaimedAt != nil {
		t.Errorf("claim kept after cancellation: %v", ev.ClaimedAt)
	}
}

func TestDispatch_UnknownEvent(t *testing.T) {
	st := store.NewInMemoryStore()
	_, err := newDispatcher(st, messaging.NewMockTransport()).Dispatch(context.Background(), "evt_missing")
	if !errors.Is(err, models.ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
}

func TestDispatchPending_ConcurrentPatients(t *testing.T) {
	var profiles []models.PatientProfile
	for _, id := range []string{"p_a", "p_b", "p_c", "p_d"} {
		profiles = append(profiles, testutil.NewProfile(id, testutil.Day, 1))
	}
	st, _ := setup(t, profiles...)
	tr := messaging.NewMockTransport()
	d := newDispatcher(st, tr)

	var wg sync.WaitGroup
	var mu sync.Mutex
	dispatched := 0
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := d.DispatchPending(context.Background())
			if err != nil {
				t.Errorf("DispatchPending failed: %v", err)
				return
			}
			mu.Lock()
			dispatched += len(res)
			mu.Unlock()
		}()
	}
	wg.Wait()

	if dispatched != 4 || tr.SentCount() != 4 {
		t.Errorf("dispatched=%d sends=%d, want 4 each", dispatched, tr.SentCount())
	}
	pending, err := st.ListEvents(context.Background(), store.EventQuery{Statuses: []models.EventStatus{models.EventStatusPending}})
	if err != nil || len(pending) != 0 {
		t.Errorf("pending left = %d (%v)", len(pending), err)
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	st, ids := setup(t, testutil.NewProfile("p_1", testutil.Day, 1))
	d := newDispatcher(st, messaging.NewMockTransport(), WithPollInterval(10*time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if ev := testutil.MustGetEvent(t, st, ids["p_1"]); ev.Status == models.EventStatusSent {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done
	if ev := testutil.MustGetEvent(t, st, ids["p_1"]); ev.Status != models.EventStatusSent {
		t.Errorf("Run did not dispatch: status %s", ev.Status)
	}
}

type failingPersonalizer struct{}

func (failingPersonalizer) Personalize(ctx context.Context, name, draft string) (string, error) {
	return "", errors.New("quota exceeded")
}

type upperPersonalizer struct{}

func (upperPersonalizer) Personalize(ctx context.Context, name, draft string) (string, error) {
	return strings.ToUpper(draft), nil
}

func TestPersonalizedContent(t *testing.T) {
	p := testutil.NewProfile("p_1", testutil.Day, 1)
	p.Name = "Alice"
	ev := &models.ReminderEvent{ID: "evt_1", PatientID: "p_1"}
	base := TemplateContent{Sender: "Northside Clinic"}

	draft, err := base.Content(context.Background(), &p, ev)
	if err != nil || !strings.Contains(draft, "Alice") || !strings.Contains(draft, "Northside Clinic") {
		t.Fatalf("template content = %q, %v", draft, err)
	}

	out, err := PersonalizedContent{Base: base, Personalizer: failingPersonalizer{}}.Content(context.Background(), &p, ev)
	if err != nil || out != draft {
		t.Errorf("fallback content = %q, %v; want draft", out, err)
	}
	out, err = PersonalizedContent{Base: base, Personalizer: upperPersonalizer{}}.Content(context.Background(), &p, ev)
	if err != nil || out != strings.ToUpper(draft) {
		t.Errorf("personalized content = %q, %v", out, err)
	}
}
