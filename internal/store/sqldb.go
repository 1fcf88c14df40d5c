package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/BTreeMap/RemindPipe/internal/models"
)

// sqlStore implements Store on top of database/sql. SQLiteStore and PostgresStore
// embed it and supply the dialect specifics.
type sqlStore struct {
	db   *sql.DB
	name string
	// bind converts a query written with ? placeholders into the driver's form.
	bind func(string) string
	// forUpdate is appended to row reads inside read-modify-write transactions.
	forUpdate string
	// isUniqueViolation reports whether err is a unique constraint failure.
	isUniqueViolation func(error) bool
}

func (s *sqlStore) GetProfile(ctx context.Context, id string) (*models.PatientProfile, error) {
	row := s.db.QueryRowContext(ctx, s.bind(`SELECT `+profileColumns+` FROM patient_profiles WHERE id = ?`), id)
	p, err := scanProfile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		slog.Error(s.name+".GetProfile failed", "error", err, "patientID", id)
		return nil, fmt.Errorf("failed to get profile %s: %w", id, err)
	}
	return p, nil
}

func (s *sqlStore) UpsertProfile(ctx context.Context, p models.PatientProfile) (*models.PatientProfile, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	now := time.Now().UTC()

	var out *models.PatientProfile
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, s.bind(`SELECT `+profileColumns+` FROM patient_profiles WHERE id = ?`+s.forUpdate), p.ID)
		existing, err := scanProfile(row)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			created := p.Clone()
			prepareNewProfile(&created, now)
			args, err := profileArgs(&created)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, s.bind(`INSERT INTO patient_profiles (`+profileColumns+`) VALUES (`+placeholders(len(args))+`)`), args...); err != nil {
				return fmt.Errorf("failed to insert profile: %w", err)
			}
			out = &created
			return nil
		case err != nil:
			return fmt.Errorf("failed to read profile: %w", err)
		}

		mergeProfileConfig(existing, p, now)
		if err := s.writeProfile(ctx, tx, existing); err != nil {
			return err
		}
		out = existing
		return nil
	})
	if err != nil {
		slog.Error(s.name+".UpsertProfile failed", "error", err, "patientID", p.ID)
		return nil, err
	}
	slog.Debug(s.name+".UpsertProfile succeeded", "patientID", p.ID)
	return out, nil
}

func (s *sqlStore) writeProfile(ctx context.Context, tx *sql.Tx, p *models.PatientProfile) error {
	args, err := profileArgs(p)
	if err != nil {
		return err
	}
	// args[0] is the id; move it to the WHERE clause.
	_, err = tx.ExecContext(ctx, s.bind(`UPDATE patient_profiles SET
		name = ?, channels = ?, policy_kind = ?, base_interval_ns = ?, compliance_rate = ?,
		last_reminder_at = ?, last_response_at = ?, tags = ?, created_at = ?, updated_at = ?
		WHERE id = ?`), append(args[1:], args[0])...)
	if err != nil {
		return fmt.Errorf("failed to update profile: %w", err)
	}
	return nil
}

func (s *sqlStore) ListProfiles(ctx context.Context) ([]models.PatientProfile, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+profileColumns+` FROM patient_profiles ORDER BY id`)
	if err != nil {
		slog.Error(s.name+".ListProfiles query failed", "error", err)
		return nil, fmt.Errorf("failed to query profiles: %w", err)
	}
	defer rows.Close()

	var out []models.PatientProfile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan profile row: %w", err)
		}
		out = append(out, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate profile rows: %w", err)
	}
	// Collation can differ between backends; keep byte order.
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *sqlStore) ListDue(ctx context.Context, asOf time.Time, interval IntervalFunc) ([]DueProfile, error) {
	profiles, err := s.ListProfiles(ctx)
	if err != nil {
		return nil, err
	}
	return collectDue(profiles, asOf, interval), nil
}

func (s *sqlStore) UpdateProfile(ctx context.Context, id string, fn func(*models.PatientProfile) error) (*models.PatientProfile, error) {
	var out *models.PatientProfile
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		p, err := s.updateProfileTx(ctx, tx, id, fn)
		out = p
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// updateProfileTx locks the profile row, applies fn and writes the result.
func (s *sqlStore) updateProfileTx(ctx context.Context, tx *sql.Tx, id string, fn func(*models.PatientProfile) error) (*models.PatientProfile, error) {
	row := tx.QueryRowContext(ctx, s.bind(`SELECT `+profileColumns+` FROM patient_profiles WHERE id = ?`+s.forUpdate), id)
	p, err := scanProfile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read profile: %w", err)
	}
	if err := fn(p); err != nil {
		return nil, err
	}
	p.UpdatedAt = time.Now().UTC()
	if err := s.writeProfile(ctx, tx, p); err != nil {
		return nil, err
	}
	return p, nil
}

func (s *sqlStore) CreateEvent(ctx context.Context, e models.ReminderEvent) (*models.ReminderEvent, error) {
	ev, _, err := s.ScheduleEvent(ctx, e, nil)
	return ev, err
}

func (s *sqlStore) ScheduleEvent(ctx context.Context, e models.ReminderEvent, fn func(*models.PatientProfile) error) (*models.ReminderEvent, *models.PatientProfile, error) {
	e = e.Clone()
	prepareNewEvent(&e, time.Now().UTC())

	var profile *models.PatientProfile
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		// Locking the patient row first orders this against profile updates.
		row := tx.QueryRowContext(ctx, s.bind(`SELECT `+profileColumns+` FROM patient_profiles WHERE id = ?`+s.forUpdate), e.PatientID)
		p, err := scanProfile(row)
		if errors.Is(err, sql.ErrNoRows) {
			return models.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to check patient: %w", err)
		}
		args, err := eventArgs(&e)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, s.bind(`INSERT INTO reminder_events (`+eventColumns+`) VALUES (`+placeholders(len(args))+`)`), args...)
		if err != nil && s.isUniqueViolation(err) {
			return ErrUnresolvedExists
		}
		if err != nil {
			return fmt.Errorf("failed to insert event: %w", err)
		}
		if fn == nil {
			profile = p
			return nil
		}
		profile, err = s.updateProfileTx(ctx, tx, e.PatientID, fn)
		return err
	})
	if err != nil {
		if !errors.Is(err, ErrUnresolvedExists) && !errors.Is(err, models.ErrNotFound) {
			slog.Error(s.name+".ScheduleEvent failed", "error", err, "patientID", e.PatientID)
		}
		return nil, nil, err
	}
	slog.Debug(s.name+".ScheduleEvent succeeded", "eventID", e.ID, "patientID", e.PatientID)
	return &e, profile, nil
}

func (s *sqlStore) ResolveEvent(ctx context.Context, e models.ReminderEvent, fn func(*models.PatientProfile) error) (*models.PatientProfile, error) {
	var profile *models.PatientProfile
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		profile, err = s.updateProfileTx(ctx, tx, e.PatientID, fn)
		if err != nil {
			return err
		}
		return s.writeEvent(ctx, tx, e)
	})
	if err != nil {
		slog.Error(s.name+".ResolveEvent failed", "error", err, "eventID", e.ID, "patientID", e.PatientID)
		return nil, err
	}
	return profile, nil
}

func (s *sqlStore) GetEvent(ctx context.Context, id string) (*models.ReminderEvent, error) {
	row := s.db.QueryRowContext(ctx, s.bind(`SELECT `+eventColumns+` FROM reminder_events WHERE id = ?`), id)
	e, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		slog.Error(s.name+".GetEvent failed", "error", err, "eventID", id)
		return nil, fmt.Errorf("failed to get event %s: %w", id, err)
	}
	return e, nil
}

func (s *sqlStore) UpdateEvent(ctx context.Context, e models.ReminderEvent) error {
	if err := s.writeEvent(ctx, s.db, e); err != nil {
		if !errors.Is(err, models.ErrNotFound) {
			slog.Error(s.name+".UpdateEvent failed", "error", err, "eventID", e.ID)
		}
		return err
	}
	return nil
}

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func (s *sqlStore) writeEvent(ctx context.Context, db execer, e models.ReminderEvent) error {
	e.UpdatedAt = time.Now().UTC()
	args, err := eventArgs(&e)
	if err != nil {
		return err
	}
	// id and patient_id are immutable; args[2:] starts at scheduled_at.
	res, err := db.ExecContext(ctx, s.bind(`UPDATE reminder_events SET
		scheduled_at = ?, interval_ns = ?, channel = ?, status = ?, attempts = ?,
		failure_reason = ?, provider_ref = ?, sent_at = ?, delivered_at = ?, resolved_at = ?,
		created_at = ?, updated_at = ?, claimed_at = ?
		WHERE id = ?`), append(args[2:], e.ID)...)
	if err != nil {
		return fmt.Errorf("failed to update event %s: %w", e.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check update of event %s: %w", e.ID, err)
	}
	if n == 0 {
		return models.ErrNotFound
	}
	return nil
}

func (s *sqlStore) ClaimEvent(ctx context.Context, id string, at time.Time) (*models.ReminderEvent, error) {
	res, err := s.db.ExecContext(ctx, s.bind(`UPDATE reminder_events SET claimed_at = ?, updated_at = ?
		WHERE id = ? AND status = 'pending' AND claimed_at IS NULL`), at.UTC(), time.Now().UTC(), id)
	if err != nil {
		slog.Error(s.name+".ClaimEvent failed", "error", err, "eventID", id)
		return nil, fmt.Errorf("failed to claim event %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to check claim of event %s: %w", id, err)
	}
	e, err := s.GetEvent(ctx, id)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, claimConflict(e)
	}
	return e, nil
}

func (s *sqlStore) ListEvents(ctx context.Context, q EventQuery) ([]models.ReminderEvent, error) {
	var where []string
	var args []interface{}
	if len(q.PatientIDs) > 0 {
		where = append(where, "patient_id IN ("+placeholders(len(q.PatientIDs))+")")
		for _, id := range q.PatientIDs {
			args = append(args, id)
		}
	}
	if len(q.Statuses) > 0 {
		where = append(where, "status IN ("+placeholders(len(q.Statuses))+")")
		for _, st := range q.Statuses {
			args = append(args, string(st))
		}
	}
	if q.ProviderRef != "" {
		where = append(where, "provider_ref = ?")
		args = append(args, q.ProviderRef)
	}
	query := `SELECT ` + eventColumns + ` FROM reminder_events`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}

	rows, err := s.db.QueryContext(ctx, s.bind(query), args...)
	if err != nil {
		slog.Error(s.name+".ListEvents query failed", "error", err)
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var out []models.ReminderEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event row: %w", err)
		}
		// SentBefore is checked here so time comparison does not depend on
		// how the driver encodes timestamps.
		if q.matches(e) {
			out = append(out, *e)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate event rows: %w", err)
	}
	sortEvents(out)
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (s *sqlStore) HasUnresolvedEvent(ctx context.Context, patientID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, s.bind(`SELECT COUNT(*) FROM reminder_events WHERE patient_id = ? AND status IN ('pending', 'sent', 'delivered')`), patientID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to count unresolved events: %w", err)
	}
	return n > 0, nil
}

// Close closes the database connection.
func (s *sqlStore) Close() error {
	slog.Debug(s.name + ".Close: closing database connection")
	return s.db.Close()
}

func (s *sqlStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			slog.Warn(s.name+".withTx: rollback failed", "error", rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
