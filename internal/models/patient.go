package models

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// ChannelType identifies a delivery channel.
type ChannelType string

const (
	ChannelEmail ChannelType = "email"
	ChannelSMS   ChannelType = "sms"
	ChannelApp   ChannelType = "app"
	ChannelVoice ChannelType = "voice"
)

// IsValidChannelType checks if the given channel type is supported.
func IsValidChannelType(ct ChannelType) bool {
	switch ct {
	case ChannelEmail, ChannelSMS, ChannelApp, ChannelVoice:
		return true
	default:
		return false
	}
}

// ContactChannel is one way of reaching a patient. Order in a profile is priority.
type ContactChannel struct {
	Type    ChannelType `json:"type"`
	Address string      `json:"address"`
}

// PolicyKind selects how the reminder interval is derived.
type PolicyKind string

const (
	// PolicyFixed always uses the base interval.
	PolicyFixed PolicyKind = "fixed"
	// PolicyAdaptive scales the base interval by the patient's compliance rate.
	PolicyAdaptive PolicyKind = "adaptive"
)

// Validation constants for profile input
const (
	// MaxChannels is the maximum number of contact channels a profile may list.
	MaxChannels = 8
	// MaxAddressLength bounds the length of a channel address.
	MaxAddressLength = 320
	// MaxTags is the maximum number of cohort tags per profile.
	MaxTags = 32
)

// IntervalPolicy describes how often a patient is reminded.
type IntervalPolicy struct {
	Kind PolicyKind    `json:"kind"`
	Base time.Duration `json:"base"`
}

var everyNDaysRegex = regexp.MustCompile(`^every\s+(\d+)\s+days?$`)

// ParseInterval accepts Go duration strings ("36h") and the human forms used in
// clinic exports: "Daily", "Weekly", "Every 3 days".
func ParseInterval(s string) (time.Duration, error) {
	norm := strings.ToLower(strings.TrimSpace(s))
	switch norm {
	case "":
		return 0, fmt.Errorf("%w: empty interval", ErrInvalidPolicy)
	case "daily", "every day":
		return 24 * time.Hour, nil
	case "weekly", "every week":
		return 7 * 24 * time.Hour, nil
	}
	if m := everyNDaysRegex.FindStringSubmatch(norm); m != nil {
		n, err := strconv.Atoi(m[1])
		if err != nil || n <= 0 {
			return 0, fmt.Errorf("%w: bad day count in %q", ErrInvalidPolicy, s)
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	d, err := time.ParseDuration(norm)
	if err != nil {
		return 0, fmt.Errorf("%w: unrecognized interval %q", ErrInvalidPolicy, s)
	}
	return d, nil
}

// Validate checks the policy. Zero or negative intervals are rejected, never defaulted.
func (p IntervalPolicy) Validate() error {
	switch p.Kind {
	case PolicyFixed, PolicyAdaptive:
	default:
		return fmt.Errorf("%w: unknown policy kind %q", ErrInvalidPolicy, p.Kind)
	}
	if p.Base <= 0 {
		return fmt.Errorf("%w: base interval must be positive", ErrInvalidPolicy)
	}
	return nil
}

// PatientProfile holds a patient's reminder configuration and compliance state.
type PatientProfile struct {
	ID             string           `json:"id"`
	Name           string           `json:"name,omitempty"`
	Channels       []ContactChannel `json:"channels"`
	Policy         IntervalPolicy   `json:"policy"`
	ComplianceRate float64          `json:"compliance_rate"`
	LastReminderAt time.Time        `json:"last_reminder_at,omitempty"`
	LastResponseAt time.Time        `json:"last_response_at,omitempty"`
	Tags           []string         `json:"tags,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
}

// Validate performs validation of the configuration part of a profile.
func (p *PatientProfile) Validate() error {
	if strings.TrimSpace(p.ID) == "" {
		return fmt.Errorf("%w: patient id is required", ErrInvalidPolicy)
	}
	if err := p.Policy.Validate(); err != nil {
		return err
	}
	if len(p.Channels) == 0 {
		return fmt.Errorf("%w: at least one contact channel is required", ErrInvalidPolicy)
	}
	if len(p.Channels) > MaxChannels {
		return fmt.Errorf("%w: too many contact channels (max %d)", ErrInvalidPolicy, MaxChannels)
	}
	for i, ch := range p.Channels {
		if !IsValidChannelType(ch.Type) {
			return fmt.Errorf("%w: channel %d has unknown type %q", ErrInvalidPolicy, i, ch.Type)
		}
		if strings.TrimSpace(ch.Address) == "" {
			return fmt.Errorf("%w: channel %d has empty address", ErrInvalidPolicy, i)
		}
		if len(ch.Address) > MaxAddressLength {
			return fmt.Errorf("%w: channel %d address too long", ErrInvalidPolicy, i)
		}
	}
	if len(p.Tags) > MaxTags {
		return fmt.Errorf("%w: too many tags (max %d)", ErrInvalidPolicy, MaxTags)
	}
	if p.ComplianceRate < 0 || p.ComplianceRate > 1 {
		return fmt.Errorf("%w: compliance baseline must be within [0,1]", ErrInvalidPolicy)
	}
	return nil
}

// HasTags reports whether the profile carries every tag in tags.
func (p *PatientProfile) HasTags(tags []string) bool {
	for _, want := range tags {
		found := false
		for _, have := range p.Tags {
			if have == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// HasAddress reports whether any of the profile's channels uses address.
func (p *PatientProfile) HasAddress(address string) bool {
	for _, ch := range p.Channels {
		if ch.Address == address {
			return true
		}
	}
	return false
}

// Clone returns a deep copy so callers never share slices with a store.
func (p PatientProfile) Clone() PatientProfile {
	out := p
	out.Channels = append([]ContactChannel(nil), p.Channels...)
	out.Tags = append([]string(nil), p.Tags...)
	return out
}

// PatientProfileRequest is the payload accepted by the profile upsert endpoint.
type PatientProfileRequest struct {
	Name     string           `json:"name,omitempty"`
	Channels []ContactChannel `json:"channels"`
	Policy   struct {
		Kind     PolicyKind `json:"kind"`
		Interval string     `json:"interval"`
	} `json:"policy"`
	ComplianceRate *float64 `json:"compliance_rate,omitempty"`
	Tags           []string `json:"tags,omitempty"`
}

// ToProfile converts the request into a profile for id. defaultRate seeds the
// compliance baseline when the request carries none.
func (r *PatientProfileRequest) ToProfile(id string, defaultRate float64) (PatientProfile, error) {
	base, err := ParseInterval(r.Policy.Interval)
	if err != nil {
		return PatientProfile{}, err
	}
	kind := r.Policy.Kind
	if kind == "" {
		kind = PolicyAdaptive
	}
	p := PatientProfile{
		ID:             id,
		Name:           r.Name,
		Channels:       r.Channels,
		Policy:         IntervalPolicy{Kind: kind, Base: base},
		Tags:           r.Tags,
		ComplianceRate: defaultRate,
	}
	if r.ComplianceRate != nil {
		p.ComplianceRate = *r.ComplianceRate
	}
	return p, nil
}
