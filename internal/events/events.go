// Package events publishes reminder lifecycle events to a message broker.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/BTreeMap/RemindPipe/internal/models"
)

// Routing keys for reminder lifecycle events.
const (
	RoutingScheduled = "reminder.scheduled"
	RoutingSent      = "reminder.sent"
	RoutingDelivered = "reminder.delivered"
	RoutingFailed    = "reminder.failed"
	RoutingResponded = "reminder.responded"
	RoutingNoShow    = "reminder.no_show"
)

// ServiceName is stamped on every published envelope.
const ServiceName = "remindpipe"

// Envelope is the JSON body of every published event.
type Envelope struct {
	EventType   string       `json:"event_type"`
	EventID     string       `json:"event_id"`
	Timestamp   time.Time    `json:"timestamp"`
	ServiceName string       `json:"service_name"`
	Data        ReminderData `json:"data"`
}

// ReminderData describes the reminder the event is about.
type ReminderData struct {
	ReminderID     string             `json:"reminder_id"`
	PatientID      string             `json:"patient_id"`
	Status         models.EventStatus `json:"status"`
	Channel        models.ChannelType `json:"channel,omitempty"`
	ScheduledAt    time.Time          `json:"scheduled_at"`
	FailureReason  string             `json:"failure_reason,omitempty"`
	ComplianceRate *float64           `json:"compliance_rate,omitempty"`
}

// Publisher defines the contract for event publishing.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, env Envelope) error
	Close() error
}

// RoutingKeyFor maps an event status to its routing key.
func RoutingKeyFor(status models.EventStatus) string {
	switch status {
	case models.EventStatusPending:
		return RoutingScheduled
	case models.EventStatusSent:
		return RoutingSent
	case models.EventStatusDelivered:
		return RoutingDelivered
	case models.EventStatusFailed:
		return RoutingFailed
	case models.EventStatusResponded:
		return RoutingResponded
	case models.EventStatusNoShow:
		return RoutingNoShow
	default:
		return "reminder." + string(status)
	}
}

// NewEnvelope builds an envelope for the event's current status. rate may be nil.
func NewEnvelope(e *models.ReminderEvent, rate *float64) Envelope {
	return Envelope{
		EventType:   RoutingKeyFor(e.Status),
		EventID:     uuid.NewString(),
		Timestamp:   time.Now().UTC(),
		ServiceName: ServiceName,
		Data: ReminderData{
			ReminderID:     e.ID,
			PatientID:      e.PatientID,
			Status:         e.Status,
			Channel:        e.Channel,
			ScheduledAt:    e.ScheduledAt,
			FailureReason:  e.FailureReason,
			ComplianceRate: rate,
		},
	}
}

// NopPublisher drops every event. Used when no broker is configured.
type NopPublisher struct{}

var _ Publisher = NopPublisher{}

func (NopPublisher) Publish(context.Context, string, Envelope) error { return nil }
func (NopPublisher) Close() error                                    { return nil }

// MockPublisher records published events for tests.
type MockPublisher struct {
	mu        sync.Mutex
	Published []Published
	Err       error
}

// Published is one recorded call to MockPublisher.Publish.
type Published struct {
	RoutingKey string
	Envelope   Envelope
}

var _ Publisher = (*MockPublisher)(nil)

func (m *MockPublisher) Publish(ctx context.Context, routingKey string, env Envelope) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.Published = append(m.Published, Published{RoutingKey: routingKey, Envelope: env})
	return nil
}

func (m *MockPublisher) Close() error { return nil }

// Keys returns the routing keys published so far, in order.
func (m *MockPublisher) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, len(m.Published))
	for i, p := range m.Published {
		keys[i] = p.RoutingKey
	}
	return keys
}
