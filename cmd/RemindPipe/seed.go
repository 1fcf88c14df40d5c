package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/RemindPipe/internal/config"
	"github.com/BTreeMap/RemindPipe/internal/models"
	"github.com/BTreeMap/RemindPipe/internal/store"
)

// demoPatient is one row of the demo roster.
type demoPatient struct {
	id       string
	name     string
	interval string
	email    string
	rate     float64
}

var demoPatients = []demoPatient{
	{"demo_alice", "Alice", "Every 2 days", "demo1@example.com", 0.85},
	{"demo_bob", "Bob", "Every 3 days", "demo2@example.com", 0.92},
	{"demo_charlie", "Charlie", "Daily", "demo3@example.com", 0.78},
	{"demo_david", "David", "Every 5 days", "demo4@example.com", 0.88},
}

// seedDemo upserts the demo roster. Existing demo profiles keep their learned
// compliance rates, so reseeding is safe.
func seedDemo(ctx context.Context, st store.Store, cfg config.Engine) error {
	for _, d := range demoPatients {
		req := models.PatientProfileRequest{
			Name:           d.name,
			Channels:       []models.ContactChannel{{Type: models.ChannelEmail, Address: d.email}},
			ComplianceRate: &d.rate,
			Tags:           []string{"demo"},
		}
		req.Policy.Kind = models.PolicyAdaptive
		req.Policy.Interval = d.interval

		p, err := req.ToProfile(d.id, cfg.InitialCompliance)
		if err != nil {
			return fmt.Errorf("demo patient %s: %w", d.name, err)
		}
		if _, err := st.UpsertProfile(ctx, p); err != nil {
			return fmt.Errorf("failed to seed demo patient %s: %w", d.name, err)
		}
	}
	slog.Info("seedDemo: demo patients loaded", "count", len(demoPatients))
	return nil
}
