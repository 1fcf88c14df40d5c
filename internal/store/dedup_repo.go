package store

import (
	"context"
	"time"

	"github.com/BTreeMap/RemindPipe/internal/models"
)

// DedupRecord tracks one inbound provider message.
type DedupRecord struct {
	MessageID  string    `json:"message_id"`
	From       string    `json:"from"`
	ReceivedAt time.Time `json:"received_at"`
	// Deliveries counts how many times the provider handed the message over.
	Deliveries  int        `json:"deliveries"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`
}

// DedupRepo records inbound replies so provider retries apply them at most once.
// A message counts as handled only after CompleteInbound; until then every
// redelivery may try again.
type DedupRepo interface {
	// ClaimInbound records a delivery of messageID. It returns false when the
	// message was already completed and must not be applied again.
	ClaimInbound(ctx context.Context, messageID, from string) (bool, error)

	// CompleteInbound marks the message as applied.
	CompleteInbound(ctx context.Context, messageID string) error

	// GetInbound returns models.ErrNotFound for an unknown message ID.
	GetInbound(ctx context.Context, messageID string) (*DedupRecord, error)
}

// Compile-time check that InMemoryStore implements DedupRepo.
var _ DedupRepo = (*InMemoryStore)(nil)

func (s *InMemoryStore) ClaimInbound(ctx context.Context, messageID, from string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, seen := s.inbound[messageID]
	if !seen {
		s.inbound[messageID] = &DedupRecord{MessageID: messageID, From: from, ReceivedAt: time.Now().UTC(), Deliveries: 1}
		return true, nil
	}
	if rec.ProcessedAt != nil {
		return false, nil
	}
	rec.Deliveries++
	return true, nil
}

func (s *InMemoryStore) CompleteInbound(ctx context.Context, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.inbound[messageID]
	if !ok {
		return models.ErrNotFound
	}
	if rec.ProcessedAt == nil {
		now := time.Now().UTC()
		rec.ProcessedAt = &now
	}
	return nil
}

func (s *InMemoryStore) GetInbound(ctx context.Context, messageID string) (*DedupRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.inbound[messageID]
	if !ok {
		return nil, models.ErrNotFound
	}
	out := *rec
	out.ProcessedAt = copyTime(rec.ProcessedAt)
	return &out, nil
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
