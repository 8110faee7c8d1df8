package storage

import (
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps a SQLite database with methods for grocery items, workflow
// runs, and step results.
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
		dsn = filepath.Join(dataDir, "pantryd.db")
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

// migrate reads embedded SQL migration files and applies any that haven't
// been run yet.
func (s *Store) migrate() error {
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

// mapErr translates driver-level contention into ErrConflict so callers can
// apply the retry-once policy.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY") {
		return fmt.Errorf("%w: %v", ErrConflict, err)
	}
	return err
}

// --- Grocery items ---

// UpsertItem inserts or updates a grocery item keyed by ItemID. Quantity is
// an absolute replacement per submission; pass add=true for the explicit
// increment semantic. Re-submitting the same candidate after a retry leaves
// the record unchanged.
func (s *Store) UpsertItem(item GroceryItem, add bool) error {
	now := time.Now().UTC().Format(time.RFC3339)

	var expiration sql.NullString
	if item.ExpirationDate != nil {
		expiration = sql.NullString{String: item.ExpirationDate.Format(DateLayout), Valid: true}
	}

	quantityClause := "quantity = excluded.quantity"
	if add {
		quantityClause = "quantity = grocery_items.quantity + excluded.quantity"
	}

	_, err := s.db.Exec(`
		INSERT INTO grocery_items (item_id, name, quantity, purchase_date, expiration_date, status, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 1, ?, ?)
		ON CONFLICT(item_id) DO UPDATE SET
			`+quantityClause+`,
			expiration_date = excluded.expiration_date,
			status = excluded.status,
			version = grocery_items.version + 1,
			updated_at = excluded.updated_at`,
		item.ItemID, item.Name, item.Quantity, item.PurchaseDate.Format(DateLayout),
		expiration, item.Status, now, now,
	)
	return mapErr(err)
}

func (s *Store) GetItem(id string) (GroceryItem, error) {
	row := s.db.QueryRow(`
		SELECT item_id, name, quantity, purchase_date, expiration_date, status, version, created_at, updated_at
		FROM grocery_items WHERE item_id = ?`, id)
	item, err := scanItem(row)
	if err == sql.ErrNoRows {
		return GroceryItem{}, ErrNotFound
	}
	return item, err
}

// ListItems returns all grocery items ordered by purchase date, newest first.
func (s *Store) ListItems() ([]GroceryItem, error) {
	return s.queryItems(`
		SELECT item_id, name, quantity, purchase_date, expiration_date, status, version, created_at, updated_at
		FROM grocery_items ORDER BY purchase_date DESC, name ASC`)
}

// ListItemsExpiringWithin returns items whose expiration date falls between
// now and now+days. Items with no expiration date are excluded.
func (s *Store) ListItemsExpiringWithin(days int, now time.Time) ([]GroceryItem, error) {
	from := now.Format(DateLayout)
	to := now.AddDate(0, 0, days).Format(DateLayout)
	return s.queryItems(`
		SELECT item_id, name, quantity, purchase_date, expiration_date, status, version, created_at, updated_at
		FROM grocery_items
		WHERE expiration_date IS NOT NULL AND expiration_date >= ? AND expiration_date <= ?
		ORDER BY expiration_date ASC, name ASC`, from, to)
}

// DeleteItem removes a consumed item from the inventory.
func (s *Store) DeleteItem(id string) error {
	res, err := s.db.Exec(`DELETE FROM grocery_items WHERE item_id = ?`, id)
	if err != nil {
		return mapErr(err)
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

func (s *Store) queryItems(query string, args ...any) ([]GroceryItem, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []GroceryItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, item)
	}
	return results, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (GroceryItem, error) {
	var item GroceryItem
	var purchase, createdAt, updatedAt string
	var expiration sql.NullString

	if err := row.Scan(&item.ItemID, &item.Name, &item.Quantity, &purchase, &expiration,
		&item.Status, &item.Version, &createdAt, &updatedAt); err != nil {
		return GroceryItem{}, err
	}

	var err error
	if item.PurchaseDate, err = time.Parse(DateLayout, purchase); err != nil {
		return GroceryItem{}, fmt.Errorf("parsing purchase_date: %w", err)
	}
	if expiration.Valid {
		t, err := time.Parse(DateLayout, expiration.String)
		if err != nil {
			return GroceryItem{}, fmt.Errorf("parsing expiration_date: %w", err)
		}
		item.ExpirationDate = &t
	}
	if item.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return GroceryItem{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if item.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return GroceryItem{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	return item, nil
}

// --- Workflow runs ---

func (s *Store) CreateRun(run WorkflowRun) error {
	_, err := s.db.Exec(`
		INSERT INTO workflow_runs (run_id, status, created_at, deadline)
		VALUES (?, ?, ?, ?)`,
		run.RunID, run.Status,
		run.CreatedAt.UTC().Format(time.RFC3339), run.Deadline.UTC().Format(time.RFC3339),
	)
	return mapErr(err)
}

// UpdateRunStatus advances a run's status. finishedAt is recorded for
// terminal transitions; pass the zero time otherwise.
func (s *Store) UpdateRunStatus(runID, status string, finishedAt time.Time) error {
	var finished sql.NullString
	if !finishedAt.IsZero() {
		finished = sql.NullString{String: finishedAt.UTC().Format(time.RFC3339), Valid: true}
	}
	res, err := s.db.Exec(`UPDATE workflow_runs SET status = ?, finished_at = ? WHERE run_id = ?`,
		status, finished, runID)
	if err != nil {
		return mapErr(err)
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

// GetRun returns a run with its step results in execution order.
func (s *Store) GetRun(runID string) (WorkflowRun, error) {
	var run WorkflowRun
	var createdAt, deadline string
	var finished sql.NullString

	err := s.db.QueryRow(`
		SELECT run_id, status, created_at, deadline, finished_at
		FROM workflow_runs WHERE run_id = ?`, runID,
	).Scan(&run.RunID, &run.Status, &createdAt, &deadline, &finished)
	if err == sql.ErrNoRows {
		return WorkflowRun{}, ErrNotFound
	}
	if err != nil {
		return WorkflowRun{}, err
	}

	if run.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return WorkflowRun{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if run.Deadline, err = time.Parse(time.RFC3339, deadline); err != nil {
		return WorkflowRun{}, fmt.Errorf("parsing deadline: %w", err)
	}
	if finished.Valid {
		t, err := time.Parse(time.RFC3339, finished.String)
		if err != nil {
			return WorkflowRun{}, fmt.Errorf("parsing finished_at: %w", err)
		}
		run.FinishedAt = &t
	}

	run.Steps, err = s.StepResults(runID)
	if err != nil {
		return WorkflowRun{}, err
	}
	return run, nil
}

// RecordStepResult stores a step's outcome. A retried step replaces its
// previous row, so lookups by (run_id, step) stay idempotent.
func (s *Store) RecordStepResult(sr StepResult) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO step_results (run_id, step, seq, attempts, status, output, error_kind, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sr.RunID, sr.Step, sr.Seq, sr.Attempts, sr.Status, sr.Output, sr.ErrorKind,
		sr.RecordedAt.UTC().Format(time.RFC3339),
	)
	return mapErr(err)
}

// StepResults returns the step results for a run in execution order.
func (s *Store) StepResults(runID string) ([]StepResult, error) {
	rows, err := s.db.Query(`
		SELECT run_id, step, seq, attempts, status, output, error_kind, recorded_at
		FROM step_results WHERE run_id = ? ORDER BY seq ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []StepResult
	for rows.Next() {
		var sr StepResult
		var recordedAt string
		if err := rows.Scan(&sr.RunID, &sr.Step, &sr.Seq, &sr.Attempts, &sr.Status,
			&sr.Output, &sr.ErrorKind, &recordedAt); err != nil {
			return nil, err
		}
		if sr.RecordedAt, err = time.Parse(time.RFC3339, recordedAt); err != nil {
			return nil, fmt.Errorf("parsing recorded_at: %w", err)
		}
		results = append(results, sr)
	}
	return results, rows.Err()
}

// UnfinishedRuns returns the IDs of runs that have not reached a terminal
// status, oldest first. Used to resume work after a restart.
func (s *Store) UnfinishedRuns() ([]string, error) {
	rows, err := s.db.Query(`
		SELECT run_id FROM workflow_runs
		WHERE status NOT IN (?, ?, ?) ORDER BY created_at ASC`,
		RunCompleted, RunDegraded, RunFailed)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// PurgeRunsBefore deletes runs created before the cutoff, along with their
// step results. Returns the number of runs removed.
func (s *Store) PurgeRunsBefore(cutoff time.Time) (int, error) {
	cut := cutoff.UTC().Format(time.RFC3339)

	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("beginning purge transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`
		DELETE FROM step_results WHERE run_id IN
		(SELECT run_id FROM workflow_runs WHERE created_at < ?)`, cut); err != nil {
		return 0, fmt.Errorf("purging step results: %w", err)
	}

	res, err := tx.Exec(`DELETE FROM workflow_runs WHERE created_at < ?`, cut)
	if err != nil {
		return 0, fmt.Errorf("purging runs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing purge: %w", err)
	}
	return int(n), nil
}
