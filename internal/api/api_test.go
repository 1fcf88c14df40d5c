package api

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/BTreeMap/RemindPipe/internal/config"
	"github.com/BTreeMap/RemindPipe/internal/dispatch"
	"github.com/BTreeMap/RemindPipe/internal/keylock"
	"github.com/BTreeMap/RemindPipe/internal/messaging"
	"github.com/BTreeMap/RemindPipe/internal/models"
	"github.com/BTreeMap/RemindPipe/internal/reporting"
	"github.com/BTreeMap/RemindPipe/internal/schedule"
	"github.com/BTreeMap/RemindPipe/internal/store"
	"github.com/BTreeMap/RemindPipe/internal/testutil"
	"github.com/BTreeMap/RemindPipe/internal/tracker"
)

const patientPhone = "+15551234567"

type testEnv struct {
	store *store.InMemoryStore
	// flaky wraps store and is what the server components use.
	flaky     *testutil.FlakyStore
	transport *messaging.MockTransport
	handler   http.Handler
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()
	mem := store.NewInMemoryStore()
	st := testutil.NewFlakyStore(mem)
	cfg := config.Defaults()
	locks := keylock.New()
	clock := testutil.NewClock(testutil.Epoch)
	transport := messaging.NewMockTransport()

	eng := schedule.NewEngine(st, cfg, schedule.WithLocks(locks), schedule.WithClock(clock.Now))
	disp := dispatch.New(st, transport, cfg, dispatch.WithLocks(locks), dispatch.WithClock(clock.Now))
	trk := tracker.New(st, cfg, tracker.WithLocks(locks), tracker.WithClock(clock.Now))
	rep := reporting.New(st, cfg)

	opts = append([]Option{WithClock(clock.Now)}, opts...)
	srv := NewServer(st, eng, disp, trk, rep, cfg, opts...)
	return &testEnv{store: mem, flaky: st, transport: transport, handler: srv.Router()}
}

func (e *testEnv) do(t *testing.T, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rr := httptest.NewRecorder()
	e.handler.ServeHTTP(rr, req)
	return rr
}

// scheduleAndSend seeds an SMS patient, schedules at Epoch and dispatches the event.
func (e *testEnv) scheduleAndSend(t *testing.T, id string) models.ReminderEvent {
	t.Helper()
	testutil.SeedProfiles(t, e.store, testutil.NewProfile(id, testutil.Day, 0.8,
		testutil.WithChannels(models.ContactChannel{Type: models.ChannelSMS, Address: patientPhone})))

	rr := e.do(t, testutil.CreateHTTPRequest(t, http.MethodPost, "/schedule/run", map[string]time.Time{"at": testutil.Epoch}))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "schedule run")

	evs, err := e.store.ListEvents(t.Context(), store.EventQuery{PatientIDs: []string{id}})
	if err != nil || len(evs) != 1 {
		t.Fatalf("expected one event for %s, got %d (%v)", id, len(evs), err)
	}
	rr = e.do(t, testutil.CreateHTTPRequest(t, http.MethodPost, "/events/"+evs[0].ID+"/dispatch", nil))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "dispatch event")
	return testutil.MustGetEvent(t, e.store, evs[0].ID)
}

func TestHealthHandler(t *testing.T) {
	env := newTestEnv(t)
	rr := env.do(t, testutil.CreateHTTPRequest(t, http.MethodGet, "/health", nil))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "health")
	testutil.AssertJSONResponse(t, rr, "ok")
}

func TestUpsertAndGetPatient(t *testing.T) {
	env := newTestEnv(t)
	body := map[string]interface{}{
		"name":            "Alice",
		"channels":        []map[string]string{{"type": "sms", "address": "+15550000001"}},
		"policy":          map[string]string{"kind": "adaptive", "interval": "Every 2 days"},
		"compliance_rate": 0.85,
		"tags":            []string{"cardiology"},
	}
	rr := env.do(t, testutil.CreateHTTPRequest(t, http.MethodPut, "/patients/p_alice", body))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "upsert patient")
	testutil.AssertJSONResponse(t, rr, "ok")

	p := testutil.MustGetProfile(t, env.store, "p_alice")
	if p.Policy.Base != 2*testutil.Day || p.ComplianceRate != 0.85 {
		t.Errorf("stored profile = %+v", p)
	}

	rr = env.do(t, testutil.CreateHTTPRequest(t, http.MethodGet, "/patients/p_alice", nil))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "get patient")
	resp := testutil.AssertJSONResponse(t, rr, "ok")
	result := resp["result"].(map[string]interface{})
	if result["name"] != "Alice" {
		t.Errorf("expected name Alice, got %v", result["name"])
	}
}

func TestCreatePatient_GeneratesID(t *testing.T) {
	env := newTestEnv(t)
	body := map[string]interface{}{
		"channels": []map[string]string{{"type": "app", "address": "15550000002"}},
		"policy":   map[string]string{"interval": "Weekly"},
	}
	rr := env.do(t, testutil.CreateHTTPRequest(t, http.MethodPost, "/patients", body))
	testutil.AssertHTTPStatus(t, http.StatusCreated, rr.Code, "create patient")
	resp := testutil.AssertJSONResponse(t, rr, "ok")

	id, _ := resp["result"].(map[string]interface{})["id"].(string)
	if !strings.HasPrefix(id, "p_") {
		t.Fatalf("generated ID = %q, want p_ prefix", id)
	}
	if p := testutil.MustGetProfile(t, env.store, id); p.Policy.Base != 7*testutil.Day {
		t.Errorf("stored profile = %+v", p)
	}
}

func TestUpsertPatient_DefaultsBaseline(t *testing.T) {
	env := newTestEnv(t)
	body := map[string]interface{}{
		"channels": []map[string]string{{"type": "email", "address": "bob@example.com"}},
		"policy":   map[string]string{"interval": "Daily"},
	}
	rr := env.do(t, testutil.CreateHTTPRequest(t, http.MethodPut, "/patients/p_bob", body))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "upsert patient")

	p := testutil.MustGetProfile(t, env.store, "p_bob")
	if p.ComplianceRate != config.Defaults().InitialCompliance {
		t.Errorf("baseline = %v, want %v", p.ComplianceRate, config.Defaults().InitialCompliance)
	}
	if p.Policy.Kind != models.PolicyAdaptive {
		t.Errorf("policy kind = %s, want adaptive", p.Policy.Kind)
	}
}

func TestUpsertPatient_Rejected(t *testing.T) {
	tests := []struct {
		name string
		body interface{}
	}{
		{"unknown interval", map[string]interface{}{
			"channels": []map[string]string{{"type": "sms", "address": "+15550000001"}},
			"policy":   map[string]string{"interval": "fortnightly-ish"},
		}},
		{"no channels", map[string]interface{}{
			"channels": []map[string]string{},
			"policy":   map[string]string{"interval": "Daily"},
		}},
		{"unknown channel", map[string]interface{}{
			"channels": []map[string]string{{"type": "pigeon", "address": "roof"}},
			"policy":   map[string]string{"interval": "Daily"},
		}},
		{"baseline out of range", map[string]interface{}{
			"channels":        []map[string]string{{"type": "sms", "address": "+15550000001"}},
			"policy":          map[string]string{"interval": "Daily"},
			"compliance_rate": 1.5,
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			rr := env.do(t, testutil.CreateHTTPRequest(t, http.MethodPut, "/patients/p_1", tt.body))
			testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, tt.name)
			testutil.AssertJSONResponse(t, rr, "error")
		})
	}
}

func TestUpsertPatient_InvalidJSON(t *testing.T) {
	env := newTestEnv(t)
	req, _ := http.NewRequest(http.MethodPut, "/patients/p_1", strings.NewReader("{not json"))
	rr := env.do(t, req)
	testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, "invalid JSON")
}

func TestGetPatient_NotFound(t *testing.T) {
	env := newTestEnv(t)
	rr := env.do(t, testutil.CreateHTTPRequest(t, http.MethodGet, "/patients/nobody", nil))
	testutil.AssertHTTPStatus(t, http.StatusNotFound, rr.Code, "missing patient")
	testutil.AssertJSONResponse(t, rr, "error")

	rr = env.do(t, testutil.CreateHTTPRequest(t, http.MethodGet, "/patients/nobody/events", nil))
	testutil.AssertHTTPStatus(t, http.StatusNotFound, rr.Code, "missing patient events")
}

func TestMethodNotAllowed(t *testing.T) {
	env := newTestEnv(t)
	rr := env.do(t, testutil.CreateHTTPRequest(t, http.MethodDelete, "/patients/p_1", nil))
	testutil.AssertHTTPStatus(t, http.StatusMethodNotAllowed, rr.Code, "DELETE patient")
}

func TestEventLifecycle(t *testing.T) {
	env := newTestEnv(t)
	ev := env.scheduleAndSend(t, "p_1")
	if ev.Status != models.EventStatusSent || ev.Channel != models.ChannelSMS {
		t.Fatalf("dispatched event = %+v", ev)
	}
	if env.transport.SentCount() != 1 {
		t.Errorf("expected 1 send, got %d", env.transport.SentCount())
	}

	rr := env.do(t, testutil.CreateHTTPRequest(t, http.MethodGet, "/patients/p_1/events?status=sent", nil))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "list events")
	resp := testutil.AssertJSONResponse(t, rr, "ok")
	if list := resp["result"].([]interface{}); len(list) != 1 {
		t.Errorf("expected 1 sent event, got %d", len(list))
	}

	rr = env.do(t, testutil.CreateHTTPRequest(t, http.MethodPost, "/events/"+ev.ID+"/response", map[string]bool{"responded": true}))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "record response")
	testutil.AssertJSONResponse(t, rr, "recorded")

	if got := testutil.MustGetEvent(t, env.store, ev.ID); got.Status != models.EventStatusResponded {
		t.Errorf("event status = %s, want responded", got.Status)
	}
	if p := testutil.MustGetProfile(t, env.store, "p_1"); p.ComplianceRate <= 0.8 {
		t.Errorf("compliance rate should rise after a response, got %v", p.ComplianceRate)
	}

	rr = env.do(t, testutil.CreateHTTPRequest(t, http.MethodPost, "/events/"+ev.ID+"/no-show", nil))
	testutil.AssertHTTPStatus(t, http.StatusConflict, rr.Code, "outcome on resolved event")
}

func TestScheduleRun_Idempotent(t *testing.T) {
	env := newTestEnv(t)
	testutil.SeedProfiles(t, env.store, testutil.NewProfile("p_1", testutil.Day, 1))
	body := map[string]time.Time{"at": testutil.Epoch}

	for i, want := range []float64{1, 0} {
		rr := env.do(t, testutil.CreateHTTPRequest(t, http.MethodPost, "/schedule/run", body))
		testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "schedule run")
		resp := testutil.AssertJSONResponse(t, rr, "scheduled")
		result := resp["result"].(map[string]interface{})
		scheduled, _ := result["scheduled"].([]interface{})
		if float64(len(scheduled)) != want {
			t.Errorf("run %d scheduled %d events, want %v", i, len(scheduled), want)
		}
	}
}

func TestDispatchRun(t *testing.T) {
	env := newTestEnv(t)
	testutil.SeedProfiles(t, env.store,
		testutil.NewProfile("p_1", testutil.Day, 1),
		testutil.NewProfile("p_2", testutil.Day, 1),
	)
	rr := env.do(t, testutil.CreateHTTPRequest(t, http.MethodPost, "/schedule/run", nil))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "schedule run")

	rr = env.do(t, testutil.CreateHTTPRequest(t, http.MethodPost, "/dispatch/run", nil))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "dispatch run")
	resp := testutil.AssertJSONResponse(t, rr, "ok")
	if results := resp["result"].([]interface{}); len(results) != 2 {
		t.Errorf("expected 2 dispatch results, got %d", len(results))
	}
	if env.transport.SentCount() != 2 {
		t.Errorf("expected 2 sends, got %d", env.transport.SentCount())
	}
}

func TestStalledDispatchReview(t *testing.T) {
	env := newTestEnv(t)
	testutil.SeedProfiles(t, env.store, testutil.NewProfile("p_1", testutil.Day, 1))
	rr := env.do(t, testutil.CreateHTTPRequest(t, http.MethodPost, "/schedule/run", nil))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "schedule run")

	env.flaky.FailNext("UpdateEvent", 1)
	rr = env.do(t, testutil.CreateHTTPRequest(t, http.MethodPost, "/dispatch/run", nil))
	testutil.AssertHTTPStatus(t, http.StatusInternalServerError, rr.Code, "dispatch run with failed write")
	rr = env.do(t, testutil.CreateHTTPRequest(t, http.MethodPost, "/dispatch/run", nil))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "second dispatch run")
	if env.transport.SentCount() != 1 {
		t.Fatalf("sends = %d, want 1", env.transport.SentCount())
	}

	rr = env.do(t, testutil.CreateHTTPRequest(t, http.MethodGet, "/dispatch/stalled", nil))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "stalled list")
	stalled := testutil.AssertJSONResponse(t, rr, "ok")["result"].([]interface{})
	if len(stalled) != 1 {
		t.Fatalf("stalled = %v, want one event", stalled)
	}
	id := stalled[0].(map[string]interface{})["id"].(string)

	rr = env.do(t, testutil.CreateHTTPRequest(t, http.MethodPost, "/events/"+id+"/release", nil))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "release")
	rr = env.do(t, testutil.CreateHTTPRequest(t, http.MethodPost, "/events/"+id+"/release", nil))
	testutil.AssertHTTPStatus(t, http.StatusConflict, rr.Code, "release of a released event")

	rr = env.do(t, testutil.CreateHTTPRequest(t, http.MethodPost, "/dispatch/run", nil))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "dispatch after release")
	if got := testutil.MustGetEvent(t, env.store, id); got.Status != models.EventStatusSent {
		t.Errorf("status after release = %s, want sent", got.Status)
	}
}

func TestOutcomeErrors(t *testing.T) {
	env := newTestEnv(t)
	testutil.SeedProfiles(t, env.store, testutil.NewProfile("p_1", testutil.Day, 1))
	pending := testutil.MustCreateEvent(t, env.store, models.ReminderEvent{
		ID: "evt_pending", PatientID: "p_1", ScheduledAt: testutil.Epoch, Interval: testutil.Day, Status: models.EventStatusPending,
	})

	tests := []struct {
		name   string
		path   string
		body   interface{}
		status int
	}{
		{"response missing field", "/events/" + pending.ID + "/response", map[string]string{}, http.StatusBadRequest},
		{"response on pending", "/events/" + pending.ID + "/response", map[string]bool{"responded": true}, http.StatusConflict},
		{"no-show on pending", "/events/" + pending.ID + "/no-show", nil, http.StatusConflict},
		{"delivered on pending", "/events/" + pending.ID + "/delivered", nil, http.StatusConflict},
		{"unknown event", "/events/evt_missing/response", map[string]bool{"responded": false}, http.StatusNotFound},
		{"unknown dispatch", "/events/evt_missing/dispatch", nil, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := env.do(t, testutil.CreateHTTPRequest(t, http.MethodPost, tt.path, tt.body))
			testutil.AssertHTTPStatus(t, tt.status, rr.Code, tt.name)
			testutil.AssertJSONResponse(t, rr, "error")
		})
	}
	if got := testutil.MustGetEvent(t, env.store, pending.ID); got.Status != models.EventStatusPending {
		t.Errorf("rejected outcomes changed the event to %s", got.Status)
	}
}

func TestCohortSummary(t *testing.T) {
	env := newTestEnv(t)
	ev := env.scheduleAndSend(t, "p_1")
	rr := env.do(t, testutil.CreateHTTPRequest(t, http.MethodPost, "/events/"+ev.ID+"/response", map[string]bool{"responded": false}))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "record no response")

	rr = env.do(t, testutil.CreateHTTPRequest(t, http.MethodPost, "/cohorts/summary", map[string][]string{"patient_ids": {"p_1"}}))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "cohort summary")
	resp := testutil.AssertJSONResponse(t, rr, "ok")
	m := resp["result"].(map[string]interface{})
	if m["no_show"].(float64) != 1 || m["compliance_rate"].(float64) != 0 {
		t.Errorf("summary = %v", m)
	}

	bad := map[string]time.Time{"from": testutil.Epoch, "to": testutil.Epoch.Add(-time.Hour)}
	rr = env.do(t, testutil.CreateHTTPRequest(t, http.MethodPost, "/cohorts/summary", bad))
	testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, "inverted window")
}

func formRequest(t *testing.T, path string, form url.Values) *http.Request {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	if err != nil {
		t.Fatalf("failed to create request: %v", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req
}

// twilioSignature computes X-Twilio-Signature for a form POST.
func twilioSignature(token, fullURL string, form url.Values) string {
	keys := make([]string, 0, len(form))
	for k := range form {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var buf bytes.Buffer
	buf.WriteString(fullURL)
	for _, k := range keys {
		buf.WriteString(k)
		buf.WriteString(form.Get(k))
	}
	mac := hmac.New(sha1.New, []byte(token))
	mac.Write(buf.Bytes())
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func TestTwilioStatusWebhook(t *testing.T) {
	env := newTestEnv(t)
	ev := env.scheduleAndSend(t, "p_1")

	form := url.Values{"MessageSid": {ev.ProviderRef}, "MessageStatus": {"delivered"}, "To": {patientPhone}}
	rr := env.do(t, formRequest(t, "/webhooks/twilio/status", form))
	testutil.AssertHTTPStatus(t, http.StatusNoContent, rr.Code, "status callback")

	got := testutil.MustGetEvent(t, env.store, ev.ID)
	if got.Status != models.EventStatusDelivered || got.DeliveredAt == nil {
		t.Errorf("event after delivered receipt = %+v", got)
	}

	// Unknown references and intermediate statuses are acknowledged.
	for _, f := range []url.Values{
		{"MessageSid": {"SM_unknown"}, "MessageStatus": {"delivered"}},
		{"MessageSid": {ev.ProviderRef}, "MessageStatus": {"queued"}},
		{"CallSid": {"CA_unknown"}, "CallStatus": {"completed"}},
	} {
		rr = env.do(t, formRequest(t, "/webhooks/twilio/status", f))
		testutil.AssertHTTPStatus(t, http.StatusNoContent, rr.Code, "ignored callback")
	}

	rr = env.do(t, formRequest(t, "/webhooks/twilio/status", url.Values{"MessageStatus": {"sent"}}))
	testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, "callback without sid")
}

func TestTwilioInboundWebhook_Deduplicates(t *testing.T) {
	env := newTestEnv(t)
	ev := env.scheduleAndSend(t, "p_1")

	form := url.Values{"MessageSid": {"SM100"}, "From": {patientPhone}, "Body": {"yes, see you then"}}
	rr := env.do(t, formRequest(t, "/webhooks/twilio/inbound", form))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "inbound reply")
	if ct := rr.Header().Get("Content-Type"); ct != "text/xml" {
		t.Errorf("Content-Type = %q, want text/xml", ct)
	}

	got := testutil.MustGetEvent(t, env.store, ev.ID)
	if got.Status != models.EventStatusResponded {
		t.Fatalf("event status = %s, want responded", got.Status)
	}
	rate := testutil.MustGetProfile(t, env.store, "p_1").ComplianceRate

	rr = env.do(t, formRequest(t, "/webhooks/twilio/inbound", form))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "redelivered reply")
	if again := testutil.MustGetProfile(t, env.store, "p_1").ComplianceRate; again != rate {
		t.Errorf("duplicate reply changed the rate from %v to %v", rate, again)
	}

	stranger := url.Values{"MessageSid": {"SM101"}, "From": {"+15559999999"}, "Body": {"who is this"}}
	rr = env.do(t, formRequest(t, "/webhooks/twilio/inbound", stranger))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "reply from unknown number")
}

func TestTwilioInboundWebhook_RetryAfterFailureIsApplied(t *testing.T) {
	env := newTestEnv(t)
	ev := env.scheduleAndSend(t, "p_1")
	form := url.Values{"MessageSid": {"SM200"}, "From": {patientPhone}, "Body": {"yes"}}

	env.flaky.FailNext("ListProfiles", 1)
	rr := env.do(t, formRequest(t, "/webhooks/twilio/inbound", form))
	testutil.AssertHTTPStatus(t, http.StatusInternalServerError, rr.Code, "reply during store outage")
	if got := testutil.MustGetEvent(t, env.store, ev.ID); got.Status != models.EventStatusSent {
		t.Fatalf("status after failed reply = %s, want sent", got.Status)
	}

	rr = env.do(t, formRequest(t, "/webhooks/twilio/inbound", form))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "provider retry")
	if got := testutil.MustGetEvent(t, env.store, ev.ID); got.Status != models.EventStatusResponded {
		t.Errorf("status after retry = %s, want responded", got.Status)
	}
}

func TestTwilioWebhook_Signature(t *testing.T) {
	const token = "test-auth-token"
	const base = "https://remind.example.org"
	env := newTestEnv(t, WithTwilioWebhookAuth(token, base+"/"))
	form := url.Values{"MessageSid": {"SM_unknown"}, "MessageStatus": {"delivered"}}

	rr := env.do(t, formRequest(t, "/webhooks/twilio/status", form))
	testutil.AssertHTTPStatus(t, http.StatusForbidden, rr.Code, "unsigned callback")

	req := formRequest(t, "/webhooks/twilio/status", form)
	req.Header.Set("X-Twilio-Signature", twilioSignature("wrong-token", base+"/webhooks/twilio/status", form))
	rr = env.do(t, req)
	testutil.AssertHTTPStatus(t, http.StatusForbidden, rr.Code, "wrongly signed callback")

	req = formRequest(t, "/webhooks/twilio/status", form)
	req.Header.Set("X-Twilio-Signature", twilioSignature(token, base+"/webhooks/twilio/status", form))
	rr = env.do(t, req)
	testutil.AssertHTTPStatus(t, http.StatusNoContent, rr.Code, "signed callback")
}

func TestRateLimit(t *testing.T) {
	env := newTestEnv(t, WithRateLimit(RateLimitConfig{RequestsPerMinute: 1, Burst: 2}))

	codes := make([]int, 3)
	for i := range codes {
		req := testutil.CreateHTTPRequest(t, http.MethodGet, "/health", nil)
		req.RemoteAddr = "203.0.113.7:4000"
		codes[i] = env.do(t, req).Code
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusOK || codes[2] != http.StatusTooManyRequests {
		t.Errorf("status codes = %v, want [200 200 429]", codes)
	}

	req := testutil.CreateHTTPRequest(t, http.MethodGet, "/health", nil)
	req.RemoteAddr = "198.51.100.1:4000"
	testutil.AssertHTTPStatus(t, http.StatusOK, env.do(t, req).Code, "other client")
}

func TestStatusForError(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{models.ErrNotFound, http.StatusNotFound},
		{models.ErrInvalidPolicy, http.StatusBadRequest},
		{models.ErrInvalidTransition, http.StatusConflict},
		{store.ErrUnresolvedExists, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusForError(tt.err); got != tt.want {
			t.Errorf("statusForError(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
