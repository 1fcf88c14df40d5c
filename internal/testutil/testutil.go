// Package testutil provides common test fixtures and helpers for RemindPipe tests.
package testutil

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/RemindPipe/internal/models"
	"github.com/BTreeMap/RemindPipe/internal/store"
)

// Day is 24 hours.
const Day = 24 * time.Hour

// Epoch is the fixed reference time used by fixtures.
var Epoch = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

// ProfileOption adjusts a fixture profile.
type ProfileOption func(*models.PatientProfile)

// WithChannels replaces the fixture's contact channels.
func WithChannels(chs ...models.ContactChannel) ProfileOption {
	return func(p *models.PatientProfile) { p.Channels = chs }
}

// WithFixedPolicy switches the fixture to a fixed interval.
func WithFixedPolicy(base time.Duration) ProfileOption {
	return func(p *models.PatientProfile) {
		p.Policy = models.IntervalPolicy{Kind: models.PolicyFixed, Base: base}
	}
}

// WithTags sets cohort tags.
func WithTags(tags ...string) ProfileOption {
	return func(p *models.PatientProfile) { p.Tags = tags }
}

// NewProfile returns a valid adaptive profile created at Epoch with one email channel.
func NewProfile(id string, base time.Duration, rate float64, opts ...ProfileOption) models.PatientProfile {
	p := models.PatientProfile{
		ID:             id,
		Name:           id,
		Channels:       []models.ContactChannel{{Type: models.ChannelEmail, Address: id + "@example.com"}},
		Policy:         models.IntervalPolicy{Kind: models.PolicyAdaptive, Base: base},
		ComplianceRate: rate,
		CreatedAt:      Epoch,
	}
	for _, opt := range opts {
		opt(&p)
	}
	return p
}

// SeedProfiles upserts profiles and fails the test on error.
func SeedProfiles(t *testing.T, st store.Store, profiles ...models.PatientProfile) {
	t.Helper()
	for _, p := range profiles {
		if _, err := st.UpsertProfile(context.Background(), p); err != nil {
			t.Fatalf("failed to seed profile %s: %v", p.ID, err)
		}
	}
}

// MustCreateEvent stores an event and fails the test on error.
func MustCreateEvent(t *testing.T, st store.Store, e models.ReminderEvent) models.ReminderEvent {
	t.Helper()
	created, err := st.CreateEvent(context.Background(), e)
	if err != nil {
		t.Fatalf("failed to create event for %s: %v", e.PatientID, err)
	}
	return *created
}

// MustGetEvent loads an event and fails the test on error.
func MustGetEvent(t *testing.T, st store.Store, id string) models.ReminderEvent {
	t.Helper()
	e, err := st.GetEvent(context.Background(), id)
	if err != nil {
		t.Fatalf("failed to get event %s: %v", id, err)
	}
	return *e
}

// MustGetProfile loads a profile and fails the test on error.
func MustGetProfile(t *testing.T, st store.Store, id string) models.PatientProfile {
	t.Helper()
	p, err := st.GetProfile(context.Background(), id)
	if err != nil {
		t.Fatalf("failed to get profile %s: %v", id, err)
	}
	return *p
}

// Clock is a settable clock for components that take a now func.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock returns a Clock set to t.
func NewClock(t time.Time) *Clock {
	return &Clock{now: t}
}

// Now returns the current fake time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// AssertHTTPStatus checks the HTTP status code and fails the test if it doesn't match.
func AssertHTTPStatus(t *testing.T, expected, actual int, context string) {
	t.Helper()
	if actual != expected {
		t.Errorf("%s: expected status %d, got %d", context, expected, actual)
	}
}

// AssertJSONResponse decodes JSON response and validates the status field.
func AssertJSONResponse(t *testing.T, rr *httptest.ResponseRecorder, expectedStatus string) map[string]interface{} {
	t.Helper()
	var response map[string]interface{}
	if err := json.NewDecoder(rr.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode JSON response: %v", err)
	}

	if status, ok := response["status"].(string); ok {
		if status != expectedStatus {
			t.Errorf("expected status '%s', got '%s'", expectedStatus, status)
		}
	} else {
		t.Error("response missing or invalid 'status' field")
	}

	return response
}

// CreateHTTPRequest creates an HTTP request with optional JSON body for testing.
func CreateHTTPRequest(t *testing.T, method, url string, body interface{}) *http.Request {
	t.Helper()
	var reqBody *bytes.Buffer
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to marshal request body: %v", err)
		}
		reqBody = bytes.NewBuffer(jsonData)
	} else {
		reqBody = bytes.NewBuffer(nil)
	}

	req, err := http.NewRequest(method, url, reqBody)
	if err != nil {
		t.Fatalf("failed to create HTTP request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req
}
