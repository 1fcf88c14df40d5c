package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/RemindPipe/internal/models"
)

const profileColumns = `id, name, channels, policy_kind, base_interval_ns, compliance_rate,
	last_reminder_at, last_response_at, tags, created_at, updated_at`

const eventColumns = `id, patient_id, scheduled_at, interval_ns, channel, status, attempts,
	failure_reason, provider_ref, sent_at, delivered_at, resolved_at, created_at, updated_at, claimed_at`

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// nilIfZero maps a zero time to NULL.
func nilIfZero(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}

func nilIfNilTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func fromNullTime(nt sql.NullTime) time.Time {
	if !nt.Valid {
		return time.Time{}
	}
	return nt.Time.UTC()
}

func ptrFromNullTime(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}

func marshalJSONColumn(v interface{}) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to encode json column: %w", err)
	}
	return string(b), nil
}

// profileArgs returns the insert arguments for a profile in profileColumns order.
func profileArgs(p *models.PatientProfile) ([]interface{}, error) {
	channels, err := marshalJSONColumn(p.Channels)
	if err != nil {
		return nil, err
	}
	tags := p.Tags
	if tags == nil {
		tags = []string{}
	}
	tagsJSON, err := marshalJSONColumn(tags)
	if err != nil {
		return nil, err
	}
	return []interface{}{
		p.ID, p.Name, channels, string(p.Policy.Kind), int64(p.Policy.Base), p.ComplianceRate,
		nilIfZero(p.LastReminderAt), nilIfZero(p.LastResponseAt), tagsJSON, p.CreatedAt.UTC(), p.UpdatedAt.UTC(),
	}, nil
}

func scanProfile(row rowScanner) (*models.PatientProfile, error) {
	var p models.PatientProfile
	var channels, tags []byte
	var kind string
	var base int64
	var lastReminder, lastResponse sql.NullTime
	err := row.Scan(
		&p.ID, &p.Name, &channels, &kind, &base, &p.ComplianceRate,
		&lastReminder, &lastResponse, &tags, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(channels, &p.Channels); err != nil {
		return nil, fmt.Errorf("failed to decode channels for %s: %w", p.ID, err)
	}
	if len(tags) > 0 {
		if err := json.Unmarshal(tags, &p.Tags); err != nil {
			return nil, fmt.Errorf("failed to decode tags for %s: %w", p.ID, err)
		}
	}
	if len(p.Tags) == 0 {
		p.Tags = nil
	}
	p.Policy = models.IntervalPolicy{Kind: models.PolicyKind(kind), Base: time.Duration(base)}
	p.LastReminderAt = fromNullTime(lastReminder)
	p.LastResponseAt = fromNullTime(lastResponse)
	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()
	return &p, nil
}

// eventArgs returns the insert arguments for an event in eventColumns order.
func eventArgs(e *models.ReminderEvent) ([]interface{}, error) {
	attempts := e.Attempts
	if attempts == nil {
		attempts = []models.DeliveryAttempt{}
	}
	attemptsJSON, err := marshalJSONColumn(attempts)
	if err != nil {
		return nil, err
	}
	return []interface{}{
		e.ID, e.PatientID, e.ScheduledAt.UTC(), int64(e.Interval), nilIfEmpty(string(e.Channel)), string(e.Status), attemptsJSON,
		nilIfEmpty(e.FailureReason), nilIfEmpty(e.ProviderRef), nilIfNilTime(e.SentAt), nilIfNilTime(e.DeliveredAt),
		nilIfNilTime(e.ResolvedAt), e.CreatedAt.UTC(), e.UpdatedAt.UTC(), nilIfNilTime(e.ClaimedAt),
	}, nil
}

func scanEvent(row rowScanner) (*models.ReminderEvent, error) {
	var e models.ReminderEvent
	var interval int64
	var status string
	var attempts []byte
	var channel, failureReason, providerRef sql.NullString
	var sentAt, deliveredAt, resolvedAt, claimedAt sql.NullTime
	err := row.Scan(
		&e.ID, &e.PatientID, &e.ScheduledAt, &interval, &channel, &status, &attempts,
		&failureReason, &providerRef, &sentAt, &deliveredAt, &resolvedAt, &e.CreatedAt, &e.UpdatedAt, &claimedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(attempts) > 0 {
		if err := json.Unmarshal(attempts, &e.Attempts); err != nil {
			return nil, fmt.Errorf("failed to decode attempts for %s: %w", e.ID, err)
		}
	}
	if len(e.Attempts) == 0 {
		e.Attempts = nil
	}
	e.Interval = time.Duration(interval)
	e.Status = models.EventStatus(status)
	e.Channel = models.ChannelType(channel.String)
	e.FailureReason = failureReason.String
	e.ProviderRef = providerRef.String
	e.SentAt = ptrFromNullTime(sentAt)
	e.DeliveredAt = ptrFromNullTime(deliveredAt)
	e.ResolvedAt = ptrFromNullTime(resolvedAt)
	e.ClaimedAt = ptrFromNullTime(claimedAt)
	e.ScheduledAt = e.ScheduledAt.UTC()
	e.CreatedAt = e.CreatedAt.UTC()
	e.UpdatedAt = e.UpdatedAt.UTC()
	return &e, nil
}

// rebindDollar rewrites ? placeholders into PostgreSQL's $n form.
func rebindDollar(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// placeholders returns "?, ?, ?" with n entries.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
