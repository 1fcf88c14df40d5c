package models

import "time"

// CohortFilter selects the patients and the time window a summary covers.
// An empty filter selects every patient.
type CohortFilter struct {
	PatientIDs []string  `json:"patient_ids,omitempty"`
	Tags       []string  `json:"tags,omitempty"` // profile must carry all tags
	From       time.Time `json:"from,omitempty"`
	To         time.Time `json:"to,omitempty"`
}

// Matches reports whether the profile belongs to the cohort.
func (f CohortFilter) Matches(p *PatientProfile) bool {
	if len(f.PatientIDs) > 0 {
		found := false
		for _, id := range f.PatientIDs {
			if id == p.ID {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return p.HasTags(f.Tags)
}

// InWindow reports whether t falls inside the filter's [From, To) window.
func (f CohortFilter) InWindow(t time.Time) bool {
	if !f.From.IsZero() && t.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && !t.Before(f.To) {
		return false
	}
	return true
}

// CohortMetrics is a derived summary of reminder history for a cohort.
type CohortMetrics struct {
	Patients         int                 `json:"patients"`
	Events           int                 `json:"events"`
	ByStatus         map[EventStatus]int `json:"by_status"`
	SentByChannel    map[ChannelType]int `json:"sent_by_channel"`
	Responded        int                 `json:"responded"`
	NoShow           int                 `json:"no_show"`
	Failed           int                 `json:"failed"`
	Resolved         int                 `json:"resolved"` // Responded + NoShow
	ComplianceRate   float64             `json:"compliance_rate"`
	FailureRate      float64             `json:"failure_rate"`
	MeanPatientRate  float64             `json:"mean_patient_compliance_rate"`
	EstimatedSavings *float64            `json:"estimated_savings,omitempty"`
	GeneratedAt      time.Time           `json:"generated_at"`
}
