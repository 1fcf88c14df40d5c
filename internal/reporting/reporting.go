// Package reporting summarizes reminder history into cohort metrics.
//
// Summaries are read-only. They take no patient locks and read the store with
// plain list calls, so a summary taken during writes reflects each list call's
// snapshot rather than a single point in time.
package reporting

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/RemindPipe/internal/config"
	"github.com/BTreeMap/RemindPipe/internal/models"
	"github.com/BTreeMap/RemindPipe/internal/store"
)

// Aggregator computes CohortMetrics from the store.
type Aggregator struct {
	store              store.Store
	costPerReminder    float64
	savingsPerResponse float64
	roi                bool
	now                func() time.Time
}

// New creates an Aggregator. ROI estimates are included when cfg configures them.
func New(st store.Store, cfg config.Engine) *Aggregator {
	return &Aggregator{
		store:              st,
		costPerReminder:    cfg.CostPerReminder,
		savingsPerResponse: cfg.SavingsPerResponse,
		roi:                cfg.ROIEnabled(),
		now:                time.Now,
	}
}

// Summarize scans the reminder history of the patients matching filter. Events
// count when their scheduled time falls in the filter window.
func (a *Aggregator) Summarize(ctx context.Context, filter models.CohortFilter) (*models.CohortMetrics, error) {
	profiles, err := a.store.ListProfiles(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list profiles: %w", err)
	}

	m := &models.CohortMetrics{
		ByStatus:      make(map[models.EventStatus]int),
		SentByChannel: make(map[models.ChannelType]int),
		GeneratedAt:   a.now().UTC(),
	}
	var ids []string
	rateSum := 0.0
	for i := range profiles {
		if !filter.Matches(&profiles[i]) {
			continue
		}
		ids = append(ids, profiles[i].ID)
		rateSum += profiles[i].ComplianceRate
	}
	m.Patients = len(ids)
	if m.Patients == 0 {
		a.applyROI(m, 0)
		return m, nil
	}
	m.MeanPatientRate = rateSum / float64(m.Patients)

	history, err := a.store.ListEvents(ctx, store.EventQuery{PatientIDs: ids})
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}

	sent, dispatched := 0, 0
	for i := range history {
		ev := &history[i]
		if !filter.InWindow(ev.ScheduledAt) {
			continue
		}
		m.Events++
		m.ByStatus[ev.Status]++
		if ev.Status != models.EventStatusPending {
			dispatched++
		}
		if ev.SentAt != nil {
			sent++
			m.SentByChannel[ev.Channel]++
		}
		switch ev.Status {
		case models.EventStatusResponded:
			m.Responded++
		case models.EventStatusNoShow:
			m.NoShow++
		case models.EventStatusFailed:
			m.Failed++
		}
	}
	m.Resolved = m.Responded + m.NoShow
	if m.Resolved > 0 {
		m.ComplianceRate = float64(m.Responded) / float64(m.Resolved)
	}
	if dispatched > 0 {
		m.FailureRate = float64(m.Failed) / float64(dispatched)
	}
	a.applyROI(m, sent)

	slog.Debug("Aggregator.Summarize: done", "patients", m.Patients, "events", m.Events, "responded", m.Responded, "resolved", m.Resolved)
	return m, nil
}

func (a *Aggregator) applyROI(m *models.CohortMetrics, sent int) {
	if !a.roi {
		return
	}
	savings := float64(m.Responded)*a.savingsPerResponse - float64(sent)*a.costPerReminder
	m.EstimatedSavings = &savings
}
