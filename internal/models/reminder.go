package models

import (
	"time"
)

// EventStatus is the lifecycle state of a reminder event.
type EventStatus string

const (
	// EventStatusPending means the event is scheduled but not yet handed to a transport.
	EventStatusPending EventStatus = "pending"
	// EventStatusSent means a transport accepted the reminder.
	EventStatusSent EventStatus = "sent"
	// EventStatusDelivered means the transport confirmed delivery.
	EventStatusDelivered EventStatus = "delivered"
	// EventStatusResponded means the patient responded (terminal).
	EventStatusResponded EventStatus = "responded"
	// EventStatusFailed means every channel failed (terminal).
	EventStatusFailed EventStatus = "failed"
	// EventStatusNoShow means the patient did not respond or attend (terminal).
	EventStatusNoShow EventStatus = "no_show"
)

// IsValidEventStatus checks if the given status is known.
func IsValidEventStatus(s EventStatus) bool {
	switch s {
	case EventStatusPending, EventStatusSent, EventStatusDelivered,
		EventStatusResponded, EventStatusFailed, EventStatusNoShow:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether no further transitions are allowed from s.
func (s EventStatus) IsTerminal() bool {
	return s == EventStatusResponded || s == EventStatusFailed || s == EventStatusNoShow
}

// IsUnresolved reports whether the event still occupies the patient's reminder slot.
func (s EventStatus) IsUnresolved() bool {
	return s == EventStatusPending || s == EventStatusSent || s == EventStatusDelivered
}

// AwaitingOutcome reports whether a response or no-show may be recorded for s.
func (s EventStatus) AwaitingOutcome() bool {
	return s == EventStatusSent || s == EventStatusDelivered
}

// UnresolvedStatuses lists the statuses that block scheduling another reminder.
func UnresolvedStatuses() []EventStatus {
	return []EventStatus{EventStatusPending, EventStatusSent, EventStatusDelivered}
}

// Stalled reports whether the event is pending but still claimed by a dispatch
// whose outcome was never stored.
func (e *ReminderEvent) Stalled() bool {
	return e.Status == EventStatusPending && e.ClaimedAt != nil
}

// DeliveryAttempt records one transport invocation for a reminder event.
type DeliveryAttempt struct {
	Channel ChannelType `json:"channel"`
	Address string      `json:"address"`
	At      time.Time   `json:"at"`
	Error   string      `json:"error,omitempty"`
}

// Succeeded reports whether the transport accepted the attempt.
func (a DeliveryAttempt) Succeeded() bool {
	return a.Error == ""
}

// ReminderEvent is a single reminder for a single patient.
type ReminderEvent struct {
	ID            string            `json:"id"`
	PatientID     string            `json:"patient_id"`
	ScheduledAt   time.Time         `json:"scheduled_at"`
	Interval      time.Duration     `json:"interval"`
	Channel       ChannelType       `json:"channel,omitempty"`
	Status        EventStatus       `json:"status"`
	Attempts      []DeliveryAttempt `json:"attempts,omitempty"`
	FailureReason string            `json:"failure_reason,omitempty"`
	ProviderRef   string            `json:"provider_ref,omitempty"`
	SentAt        *time.Time        `json:"sent_at,omitempty"`
	DeliveredAt   *time.Time        `json:"delivered_at,omitempty"`
	ResolvedAt    *time.Time        `json:"resolved_at,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
	// ClaimedAt is set while a dispatcher holds the pending event. A pending
	// event that stays claimed had an unknown send outcome and is not retried.
	ClaimedAt *time.Time `json:"claimed_at,omitempty"`
}

// Clone returns a deep copy of the event.
func (e ReminderEvent) Clone() ReminderEvent {
	out := e
	out.Attempts = append([]DeliveryAttempt(nil), e.Attempts...)
	out.SentAt = copyTime(e.SentAt)
	out.DeliveredAt = copyTime(e.DeliveredAt)
	out.ResolvedAt = copyTime(e.ResolvedAt)
	out.ClaimedAt = copyTime(e.ClaimedAt)
	return out
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// EventOutcomeRequest is the payload for recording a patient response.
type EventOutcomeRequest struct {
	Responded *bool     `json:"responded"`
	At        time.Time `json:"at,omitempty"`
}
