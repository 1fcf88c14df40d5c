package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/BTreeMap/RemindPipe/internal/models"
)

// Both SQLite (3.24+) and PostgreSQL accept this upsert. A completed row fails
// the WHERE clause, so no row changes and the delivery is reported as a repeat.
const claimInboundSQL = `INSERT INTO inbound_dedup (message_id, sender, received_at, deliveries)
	VALUES (?, ?, ?, 1)
	ON CONFLICT (message_id) DO UPDATE SET deliveries = inbound_dedup.deliveries + 1
	WHERE inbound_dedup.processed_at IS NULL`

func (s *sqlStore) ClaimInbound(ctx context.Context, messageID, from string) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.bind(claimInboundSQL), messageID, from, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("failed to claim inbound message %s: %w", messageID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check claim of inbound message %s: %w", messageID, err)
	}
	return n > 0, nil
}

func (s *sqlStore) CompleteInbound(ctx context.Context, messageID string) error {
	res, err := s.db.ExecContext(ctx, s.bind(`UPDATE inbound_dedup SET processed_at = COALESCE(processed_at, ?) WHERE message_id = ?`),
		time.Now().UTC(), messageID)
	if err != nil {
		return fmt.Errorf("failed to complete inbound message %s: %w", messageID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check completion of inbound message %s: %w", messageID, err)
	}
	if n == 0 {
		return models.ErrNotFound
	}
	return nil
}

func (s *sqlStore) GetInbound(ctx context.Context, messageID string) (*DedupRecord, error) {
	var rec DedupRecord
	var processed sql.NullTime
	err := s.db.QueryRowContext(ctx, s.bind(`SELECT message_id, sender, received_at, deliveries, processed_at FROM inbound_dedup WHERE message_id = ?`), messageID).
		Scan(&rec.MessageID, &rec.From, &rec.ReceivedAt, &rec.Deliveries, &processed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read inbound message %s: %w", messageID, err)
	}
	rec.ReceivedAt = rec.ReceivedAt.UTC()
	rec.ProcessedAt = ptrFromNullTime(processed)
	return &rec, nil
}
