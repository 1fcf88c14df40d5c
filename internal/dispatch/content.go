package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/BTreeMap/RemindPipe/internal/models"
)

// ContentGenerator renders the reminder text for an event.
type ContentGenerator interface {
	Content(ctx context.Context, profile *models.PatientProfile, ev *models.ReminderEvent) (string, error)
}

// TemplateContent renders a fixed reminder text.
type TemplateContent struct {
	// Sender is named in the message, e.g. the clinic name.
	Sender string
}

func (t TemplateContent) Content(ctx context.Context, profile *models.PatientProfile, ev *models.ReminderEvent) (string, error) {
	name := strings.TrimSpace(profile.Name)
	if name == "" {
		name = "there"
	}
	sender := t.Sender
	if sender == "" {
		sender = "your care team"
	}
	return fmt.Sprintf("Hi %s, this is a reminder from %s about your upcoming care. Please reply to confirm.", name, sender), nil
}

// Personalizer rewrites a drafted reminder. genai.Client implements it.
type Personalizer interface {
	Personalize(ctx context.Context, patientName, draft string) (string, error)
}

// PersonalizedContent passes the Base draft through a Personalizer and falls
// back to the draft when personalization fails.
type PersonalizedContent struct {
	Base         ContentGenerator
	Personalizer Personalizer
}

func (p PersonalizedContent) Content(ctx context.Context, profile *models.PatientProfile, ev *models.ReminderEvent) (string, error) {
	draft, err := p.Base.Content(ctx, profile, ev)
	if err != nil {
		return "", err
	}
	out, err := p.Personalizer.Personalize(ctx, profile.Name, draft)
	if err != nil {
		slog.Warn("PersonalizedContent.Content: personalization failed, using draft", "patientID", profile.ID, "eventID", ev.ID, "error", err)
		return draft, nil
	}
	return out, nil
}
