// Package policy derives reminder intervals from a patient's interval policy
// and compliance rate, and decides when a patient is due.
package policy

import (
	"time"

	"github.com/BTreeMap/RemindPipe/internal/config"
	"github.com/BTreeMap/RemindPipe/internal/models"
)

// Policy computes intervals using an engine configuration.
type Policy struct {
	cfg config.Engine
}

// New creates a Policy. cfg is expected to have passed Validate.
func New(cfg config.Engine) *Policy {
	return &Policy{cfg: cfg}
}

// Factor is the interval adjustment for a compliance rate. It never decreases
// as the rate rises, so lower compliance gives shorter intervals.
func (p *Policy) Factor(rate float64) float64 {
	for _, s := range p.cfg.Steps {
		if rate < s.Below {
			return s.Factor
		}
	}
	return p.cfg.TopFactor
}

// IntervalForRate returns the interval for an adaptive policy at the given rate.
func (p *Policy) IntervalForRate(base time.Duration, rate float64) time.Duration {
	next := time.Duration(float64(base) * p.Factor(rate))
	if next < p.cfg.MinInterval {
		next = p.cfg.MinInterval
	}
	if next > p.cfg.MaxInterval {
		next = p.cfg.MaxInterval
	}
	return next
}

// Interval returns the profile's current reminder interval. rate overrides the
// stored compliance rate when a scorer is in use; pass the profile's own rate otherwise.
func (p *Policy) Interval(profile *models.PatientProfile, rate float64) time.Duration {
	if profile.Policy.Kind == models.PolicyFixed {
		return profile.Policy.Base
	}
	return p.IntervalForRate(profile.Policy.Base, rate)
}

// DueAt is the earliest time the profile may be reminded again. A profile that
// was never reminded is due from its creation.
func DueAt(profile *models.PatientProfile, interval time.Duration) time.Time {
	if profile.LastReminderAt.IsZero() {
		return profile.CreatedAt
	}
	return profile.LastReminderAt.Add(interval)
}

// IsDue reports whether asOf >= DueAt.
func IsDue(profile *models.PatientProfile, interval time.Duration, asOf time.Time) bool {
	return !asOf.Before(DueAt(profile, interval))
}
