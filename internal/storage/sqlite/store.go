// Package sqlite persists processing outcomes and poll checkpoints.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"

	"servicecert/internal/domain"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const (
	driver       = "sqlite3"
	maxOpenConns = 10
)

// ErrAlreadySucceeded is returned when a second success row is inserted
// for the same ticket.
var ErrAlreadySucceeded = errors.New("ticket already has a success record")

type Store struct {
	db *sql.DB
}

// Open opens the database at path and applies pending migrations.
func Open(path string) (*Store, error) {
	db, err := sql.Open(driver, path+"?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=1")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(maxOpenConns)

	goose.SetBaseFS(migrationsFS)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect(driver); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set goose dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// HasSuccess reports whether a success row exists for ticketID.
func (s *Store) HasSuccess(ctx context.Context, ticketID string) (bool, error) {
	var exists int
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM processed_tickets WHERE ticket_id = ? AND status = ?)`,
		ticketID, string(domain.StatusSuccess),
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("checking success for ticket %s: %w", ticketID, err)
	}
	return exists == 1, nil
}

// InsertRecord appends one outcome row and returns its id. Rows are never
// updated.
func (s *Store) InsertRecord(ctx context.Context, rec domain.ProcessedTicketRecord) (int64, error) {
	processedAt := rec.ProcessedAt
	if processedAt.IsZero() {
		processedAt = time.Now()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO processed_tickets
			(ticket_id, ticket_number, customer_id, status, certificate_url, error_message, processed_at, raw_payload)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.TicketID, rec.TicketNumber, rec.CustomerID, string(rec.Status),
		rec.CertificateURL, rec.ErrorMessage, processedAt.UTC(), rec.RawPayload,
	)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
			return 0, ErrAlreadySucceeded
		}
		return 0, fmt.Errorf("inserting %s record for ticket %s: %w", rec.Status, rec.TicketID, err)
	}
	return res.LastInsertId()
}

// ListRecords returns every row for ticketID, oldest first.
func (s *Store) ListRecords(ctx context.Context, ticketID string) ([]domain.ProcessedTicketRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, ticket_id, ticket_number, customer_id, status, certificate_url, error_message, processed_at, raw_payload
		 FROM processed_tickets WHERE ticket_id = ? ORDER BY id`, ticketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []domain.ProcessedTicketRecord
	for rows.Next() {
		var rec domain.ProcessedTicketRecord
		var status string
		if err := rows.Scan(&rec.ID, &rec.TicketID, &rec.TicketNumber, &rec.CustomerID, &status,
			&rec.CertificateURL, &rec.ErrorMessage, &rec.ProcessedAt, &rec.RawPayload); err != nil {
			return nil, err
		}
		rec.Status = domain.RecordStatus(status)
		records = append(records, rec)
	}
	return records, rows.Err()
}

// CountByStatus returns row counts per status since the given time.
func (s *Store) CountByStatus(ctx context.Context, since time.Time) (map[domain.RecordStatus]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM processed_tickets WHERE processed_at >= ? GROUP BY status`, since.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := map[domain.RecordStatus]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[domain.RecordStatus(status)] = n
	}
	return counts, rows.Err()
}

// Checkpoint returns the stored poll time for name. ok is false when no
// poll has completed yet.
func (s *Store) Checkpoint(ctx context.Context, name string) (t time.Time, ok bool, err error) {
	err = s.db.QueryRowContext(ctx, `SELECT polled_at FROM poll_checkpoints WHERE name = ?`, name).Scan(&t)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("reading checkpoint %s: %w", name, err)
	}
	return t, true, nil
}

func (s *Store) SetCheckpoint(ctx context.Context, name string, polledAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO poll_checkpoints (name, polled_at, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET polled_at = excluded.polled_at, updated_at = excluded.updated_at`,
		name, polledAt.UTC(), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("writing checkpoint %s: %w", name, err)
	}
	return nil
}
