package storage

import (
	"database/sql"
	"embed"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps a SQLite database with methods for survey responses,
// conversation sessions, and the outbound message queue.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database in dataDir and runs pending
// migrations. Pass ":memory:" as dataDir for an in-memory database (used by
// tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "encuesta.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	// Set busy timeout so concurrent access waits briefly instead of failing immediately.
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate reads embedded SQL migration files and applies any that haven't been run yet.
func (s *Store) migrate() error {
	// Ensure schema_version table exists (bootstrap).
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	// Sort by filename to guarantee ascending order.
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		// Check if already applied.
		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}

		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// AppliedMigrations returns the list of applied migration versions in ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// --- Sessions ---

func (s *Store) GetSession(phone string) (Session, error) {
	var sess Session
	var updatedAt string
	err := s.db.QueryRow(`SELECT phone_number, stage, updated_at FROM sessions WHERE phone_number = ?`, phone).
		Scan(&sess.PhoneNumber, &sess.Stage, &updatedAt)
	if err == sql.ErrNoRows {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, err
	}
	t, err := time.Parse(time.RFC3339, updatedAt)
	if err != nil {
		return Session{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	sess.UpdatedAt = t
	return sess, nil
}

func (s *Store) PutSession(sess Session) error {
	updatedAt := sess.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(`
		INSERT INTO sessions (phone_number, stage, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(phone_number) DO UPDATE SET stage = excluded.stage, updated_at = excluded.updated_at`,
		sess.PhoneNumber, sess.Stage, updatedAt.UTC().Format(time.RFC3339),
	)
	return err
}

func (s *Store) DeleteSession(phone string) error {
	res, err := s.db.Exec(`DELETE FROM sessions WHERE phone_number = ?`, phone)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Responses ---

func (s *Store) InsertResponse(r Response) error {
	createdAt := r.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := s.db.Exec(`
		INSERT INTO responses (id, phone_number, client_id, customer_name, company, order_id, products, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.PhoneNumber, r.ClientID, r.CustomerName, r.Company, r.OrderID, r.Products,
		createdAt.UTC().Format(time.RFC3339),
	)
	return err
}

func (s *Store) GetResponse(id string) (Response, error) {
	row := s.db.QueryRow(`
		SELECT id, phone_number, client_id, customer_name, company, order_id, products,
		       first_response, first_rating, second_response, created_at
		FROM responses WHERE id = ?`, id)
	r, err := scanResponse(row)
	if err == sql.ErrNoRows {
		return Response{}, ErrNotFound
	}
	return r, err
}

func (s *Store) ListResponses(limit, offset int) ([]Response, error) {
	rows, err := s.db.Query(`
		SELECT id, phone_number, client_id, customer_name, company, order_id, products,
		       first_response, first_rating, second_response, created_at
		FROM responses ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Response
	for rows.Next() {
		r, err := scanResponse(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanResponse(row rowScanner) (Response, error) {
	var r Response
	var firstResponse, secondResponse sql.NullString
	var firstRating sql.NullInt64
	var createdAt string
	err := row.Scan(&r.ID, &r.PhoneNumber, &r.ClientID, &r.CustomerName, &r.Company,
		&r.OrderID, &r.Products, &firstResponse, &firstRating, &secondResponse, &createdAt)
	if err != nil {
		return Response{}, err
	}
	r.FirstResponse = firstResponse.String
	r.SecondResponse = secondResponse.String
	if firstRating.Valid {
		v := int(firstRating.Int64)
		r.FirstRating = &v
	}
	t, err := time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return Response{}, fmt.Errorf("parsing created_at: %w", err)
	}
	r.CreatedAt = t
	return r, nil
}

// UpdateFirstResponse stores the first reply and extracted rating on the most
// recent response row for the phone number. Updating the newest row keeps the
// write idempotent when the same reply is persisted twice.
func (s *Store) UpdateFirstResponse(phone, text string, rating *int) error {
	var ratingVal sql.NullInt64
	if rating != nil {
		ratingVal = sql.NullInt64{Int64: int64(*rating), Valid: true}
	}
	res, err := s.db.Exec(`
		UPDATE responses SET first_response = ?, first_rating = ?
		WHERE id = (SELECT id FROM responses WHERE phone_number = ? ORDER BY created_at DESC, id DESC LIMIT 1)`,
		text, ratingVal, phone,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateSecondResponse stores the second reply on the most recent response
// row for the phone number.
func (s *Store) UpdateSecondResponse(phone, text string) error {
	res, err := s.db.Exec(`
		UPDATE responses SET second_response = ?
		WHERE id = (SELECT id FROM responses WHERE phone_number = ? ORDER BY created_at DESC, id DESC LIMIT 1)`,
		text, phone,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// CountResponsesToday returns how many surveys were started for the phone
// number on the current UTC day. Used for the anti-spam rule.
func (s *Store) CountResponsesToday(phone string) (int, error) {
	var count int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM responses WHERE phone_number = ? AND date(created_at) = date('now')`,
		phone,
	).Scan(&count)
	return count, err
}

// SummarizeRatings aggregates rating statistics across all responses.
func (s *Store) SummarizeRatings() (RatingSummary, error) {
	var sum RatingSummary
	var avg sql.NullFloat64
	err := s.db.QueryRow(`SELECT COUNT(*), COUNT(first_rating), AVG(first_rating) FROM responses`).
		Scan(&sum.Total, &sum.Rated, &avg)
	if err != nil {
		return RatingSummary{}, err
	}
	sum.AverageRating = avg.Float64
	return sum, nil
}

// --- Outbox ---

func (s *Store) EnqueueMessage(msg OutboxMessage) error {
	now := time.Now().UTC().Format(time.RFC3339)
	runAfter := now
	if !msg.RunAfter.IsZero() {
		runAfter = msg.RunAfter.UTC().Format(time.RFC3339)
	}
	maxAttempts := msg.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = 3
	}
	_, err := s.db.Exec(`
		INSERT INTO outbox (id, phone_number, body, status, attempts, max_attempts, run_after, created_at, updated_at)
		VALUES (?, ?, ?, 'pending', 0, ?, ?, ?, ?)`,
		msg.ID, msg.PhoneNumber, msg.Body, maxAttempts, runAfter, now, now,
	)
	return err
}

// ClaimNextMessage picks the oldest due pending message and marks it as sent
// in-flight by flipping its status inside a transaction. Returns nil when
// nothing is due.
func (s *Store) ClaimNextMessage() (*OutboxMessage, error) {
	now := time.Now().UTC().Format(time.RFC3339)

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("beginning claim transaction: %w", err)
	}

	var m OutboxMessage
	var runAfter, createdAt, updatedAt string
	var lastError sql.NullString
	err = tx.QueryRow(`
		SELECT id, phone_number, body, status, attempts, max_attempts, run_after, created_at, updated_at, last_error
		FROM outbox
		WHERE status = 'pending' AND run_after <= ?
		ORDER BY run_after ASC, created_at ASC
		LIMIT 1`, now,
	).Scan(&m.ID, &m.PhoneNumber, &m.Body, &m.Status, &m.Attempts, &m.MaxAttempts,
		&runAfter, &createdAt, &updatedAt, &lastError)
	if err == sql.ErrNoRows {
		tx.Rollback()
		return nil, nil
	}
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("selecting next message: %w", err)
	}

	res, err := tx.Exec(`UPDATE outbox SET status = 'sending', updated_at = ? WHERE id = ? AND status = 'pending'`, now, m.ID)
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("updating message status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("checking updated message rows: %w", err)
	}
	if n != 1 {
		tx.Rollback()
		return nil, nil
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing claim: %w", err)
	}

	m.Status = "sending"
	m.LastError = lastError.String
	if m.RunAfter, err = time.Parse(time.RFC3339, runAfter); err != nil {
		return nil, fmt.Errorf("parsing run_after for message %s: %w", m.ID, err)
	}
	if m.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at for message %s: %w", m.ID, err)
	}
	if m.UpdatedAt, err = time.Parse(time.RFC3339, now); err != nil {
		return nil, fmt.Errorf("parsing updated_at for message %s: %w", m.ID, err)
	}
	return &m, nil
}

func (s *Store) CompleteMessage(id string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := s.db.Exec(`UPDATE outbox SET status = 'sent', updated_at = ? WHERE id = ?`, now, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// FailMessage records a send failure. The message is retried with exponential
// backoff until max_attempts, then marked failed permanently.
func (s *Store) FailMessage(id string, errMsg string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning fail transaction: %w", err)
	}
	defer tx.Rollback()

	var attempts, maxAttempts int
	err = tx.QueryRow(`SELECT attempts, max_attempts FROM outbox WHERE id = ?`, id).Scan(&attempts, &maxAttempts)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	attempts++

	if attempts >= maxAttempts {
		_, err = tx.Exec(`UPDATE outbox SET status = 'failed', attempts = ?, last_error = ?, updated_at = ? WHERE id = ?`,
			attempts, errMsg, now.Format(time.RFC3339), id)
	} else {
		backoff := time.Duration(math.Pow(2, float64(attempts))) * time.Second
		runAfter := now.Add(backoff)
		_, err = tx.Exec(`UPDATE outbox SET status = 'pending', attempts = ?, last_error = ?, run_after = ?, updated_at = ? WHERE id = ?`,
			attempts, errMsg, runAfter.Format(time.RFC3339), now.Format(time.RFC3339), id)
	}

	if err != nil {
		return err
	}

	return tx.Commit()
}
