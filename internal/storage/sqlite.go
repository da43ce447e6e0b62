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

// Store wraps a SQLite database holding the engine and document catalog.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database in dataDir and runs pending migrations.
// Pass ":memory:" as dataDir for an in-memory database (used by tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "enginehub.db")
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

// --- Engines ---

const engineColumns = "id, owner, name, description, status, is_default, backend_ref, pending_handle, created_at"

func (s *Store) InsertEngine(e Engine) error {
	isDefault := 0
	if e.IsDefault {
		isDefault = 1
	}
	_, err := s.db.Exec(`
		INSERT INTO engines (id, owner, name, description, status, is_default, backend_ref, pending_handle, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Owner, e.Name, e.Description, e.Status, isDefault,
		e.BackendRef, e.PendingHandle, e.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	return err
}

func (s *Store) GetEngine(id string) (Engine, error) {
	row := s.db.QueryRow(`SELECT `+engineColumns+` FROM engines WHERE id = ?`, id)
	return scanEngine(row)
}

// ListEngines returns the owner's non-deleted engines ordered by creation time ascending.
func (s *Store) ListEngines(owner string) ([]Engine, error) {
	rows, err := s.db.Query(`
		SELECT `+engineColumns+` FROM engines
		WHERE owner = ? AND status != ?
		ORDER BY created_at ASC, id ASC`, owner, EngineDeleted)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEngines(rows)
}

// ListEnginesByStatus returns all engines in the given status, any owner.
func (s *Store) ListEnginesByStatus(status string) ([]Engine, error) {
	rows, err := s.db.Query(`
		SELECT `+engineColumns+` FROM engines
		WHERE status = ?
		ORDER BY created_at ASC, id ASC`, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEngines(rows)
}

// CountEngines returns the number of non-deleted engines the owner has.
func (s *Store) CountEngines(owner string) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM engines WHERE owner = ? AND status != ?`,
		owner, EngineDeleted).Scan(&n)
	return n, err
}

// GetDefaultEngine returns the owner's designated default engine.
func (s *Store) GetDefaultEngine(owner string) (Engine, error) {
	row := s.db.QueryRow(`
		SELECT `+engineColumns+` FROM engines
		WHERE owner = ? AND is_default = 1 AND status != ?`, owner, EngineDeleted)
	return scanEngine(row)
}

// SetEnginePendingHandle records the outstanding backend submit operation.
func (s *Store) SetEnginePendingHandle(id, handle string) error {
	res, err := s.db.Exec(`UPDATE engines SET pending_handle = ? WHERE id = ?`, handle, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// UpdateEngineStatus transitions an engine's status with compare-and-set
// semantics: the update applies only if the current status is one of from.
// Returns false when the record exists but was not in an expected status.
func (s *Store) UpdateEngineStatus(id string, from []string, to string) (bool, error) {
	return s.casStatus("engines", id, from, to)
}

// ActivateEngine marks a provisioning engine active, recording the
// backend-assigned ref and clearing the pending handle.
func (s *Store) ActivateEngine(id, backendRef string) (bool, error) {
	res, err := s.db.Exec(`
		UPDATE engines SET status = ?, backend_ref = ?, pending_handle = ''
		WHERE id = ? AND status = ?`,
		EngineActive, backendRef, id, EngineProvisioning)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// CountLiveDocuments returns the number of documents in the engine that are
// visible to callers (pending or indexed).
func (s *Store) CountLiveDocuments(engineID string) (int, error) {
	var n int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM documents
		WHERE engine_id = ? AND status IN (?, ?)`,
		engineID, DocPending, DocIndexed).Scan(&n)
	return n, err
}

// --- Documents ---

const documentColumns = "id, backend_id, engine_id, name, status, pending_handle, submitted_at, converged_at"

func (s *Store) InsertDocument(d Document) error {
	_, err := s.db.Exec(`
		INSERT INTO documents (id, backend_id, engine_id, name, status, pending_handle, submitted_at, converged_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, NULL)`,
		d.ID, d.BackendID, d.EngineID, d.Name, d.Status, d.PendingHandle,
		d.SubmittedAt.UTC().Format(time.RFC3339Nano),
	)
	return err
}

func (s *Store) GetDocument(id string) (Document, error) {
	row := s.db.QueryRow(`SELECT `+documentColumns+` FROM documents WHERE id = ?`, id)
	return scanDocument(row)
}

// GetDocumentByBackendID looks a document up by its backend-assigned id
// within a single engine.
func (s *Store) GetDocumentByBackendID(engineID, backendID string) (Document, error) {
	row := s.db.QueryRow(`
		SELECT `+documentColumns+` FROM documents
		WHERE engine_id = ? AND backend_id = ?`, engineID, backendID)
	return scanDocument(row)
}

// ListDocumentsByEngine returns the engine's documents in the given statuses,
// oldest first. An empty status list returns every document.
func (s *Store) ListDocumentsByEngine(engineID string, statuses ...string) ([]Document, error) {
	query := `SELECT ` + documentColumns + ` FROM documents WHERE engine_id = ?`
	args := []interface{}{engineID}
	if len(statuses) > 0 {
		query += ` AND status IN (?` + strings.Repeat(",?", len(statuses)-1) + `)`
		for _, st := range statuses {
			args = append(args, st)
		}
	}
	query += ` ORDER BY submitted_at ASC, id ASC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectDocuments(rows)
}

// ListLiveDocuments returns all pending/indexed documents across every
// non-deleted engine the owner has, oldest first.
func (s *Store) ListLiveDocuments(owner string) ([]Document, error) {
	rows, err := s.db.Query(`
		SELECT d.id, d.backend_id, d.engine_id, d.name, d.status, d.pending_handle, d.submitted_at, d.converged_at
		FROM documents d
		JOIN engines e ON d.engine_id = e.id
		WHERE e.owner = ? AND e.status != ? AND d.status IN (?, ?)
		ORDER BY d.submitted_at ASC, d.id ASC`,
		owner, EngineDeleted, DocPending, DocIndexed)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectDocuments(rows)
}

// ListUnconvergedEngineIDs returns the ids of engines that have documents
// still awaiting backend convergence.
func (s *Store) ListUnconvergedEngineIDs() ([]string, error) {
	rows, err := s.db.Query(`
		SELECT DISTINCT engine_id FROM documents
		WHERE status IN (?, ?)
		ORDER BY engine_id`, DocPending, DocDeletePending)
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

// SetDocumentPendingHandle records a new outstanding backend operation for
// the document.
func (s *Store) SetDocumentPendingHandle(id, handle string) error {
	res, err := s.db.Exec(`UPDATE documents SET pending_handle = ? WHERE id = ?`, handle, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// UpdateDocumentStatus transitions a document's status with compare-and-set
// semantics, as UpdateEngineStatus does for engines.
func (s *Store) UpdateDocumentStatus(id string, from []string, to string) (bool, error) {
	return s.casStatus("documents", id, from, to)
}

// MarkDocumentIndexed records backend acceptance: pending -> indexed with the
// backend-assigned id and convergence time. Returns false if the document was
// no longer pending (a concurrent delete or a stale poll).
func (s *Store) MarkDocumentIndexed(id, backendID string) (bool, error) {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.db.Exec(`
		UPDATE documents SET status = ?, backend_id = ?, pending_handle = '', converged_at = ?
		WHERE id = ? AND status = ?`,
		DocIndexed, backendID, now, id, DocPending)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// RecordDocumentBackendID stores the backend-assigned id discovered from a
// late-converging submit operation and clears that operation's handle. Used
// for documents flagged delete_pending before the backend accepted them; the
// reconciler needs the real id to issue the deletion.
func (s *Store) RecordDocumentBackendID(id, backendID string) error {
	res, err := s.db.Exec(`UPDATE documents SET backend_id = ?, pending_handle = '' WHERE id = ?`,
		backendID, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// MarkDocumentDeleted records backend removal: delete_pending -> deleted.
func (s *Store) MarkDocumentDeleted(id string) (bool, error) {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.db.Exec(`
		UPDATE documents SET status = ?, pending_handle = '', converged_at = ?
		WHERE id = ? AND status = ?`,
		DocDeleted, now, id, DocDeletePending)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// MarkDocumentDeletePending flags the document for deletion and records the
// backend deletion handle. Succeeds only from pending or indexed.
func (s *Store) MarkDocumentDeletePending(id, handle string) (bool, error) {
	res, err := s.db.Exec(`
		UPDATE documents SET status = ?, pending_handle = ?
		WHERE id = ? AND status IN (?, ?)`,
		DocDeletePending, handle, id, DocPending, DocIndexed)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// casStatus is the shared per-record compare-and-set used for all status
// transitions. Returns false when zero rows matched; the caller decides
// whether that means not-found or an illegal transition.
func (s *Store) casStatus(table, id string, from []string, to string) (bool, error) {
	if len(from) == 0 {
		return false, fmt.Errorf("no expected statuses for transition to %s", to)
	}
	query := `UPDATE ` + table + ` SET status = ? WHERE id = ? AND status IN (?` +
		strings.Repeat(",?", len(from)-1) + `)`
	args := []interface{}{to, id}
	for _, st := range from {
		args = append(args, st)
	}
	res, err := s.db.Exec(query, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// --- scanning helpers ---

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEngine(row rowScanner) (Engine, error) {
	var e Engine
	var isDefault int
	var createdAt string
	err := row.Scan(&e.ID, &e.Owner, &e.Name, &e.Description, &e.Status,
		&isDefault, &e.BackendRef, &e.PendingHandle, &createdAt)
	if err == sql.ErrNoRows {
		return Engine{}, ErrNotFound
	}
	if err != nil {
		return Engine{}, err
	}
	e.IsDefault = isDefault == 1
	if e.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return Engine{}, fmt.Errorf("parsing created_at: %w", err)
	}
	return e, nil
}

func collectEngines(rows *sql.Rows) ([]Engine, error) {
	var engines []Engine
	for rows.Next() {
		e, err := scanEngine(rows)
		if err != nil {
			return nil, err
		}
		engines = append(engines, e)
	}
	return engines, rows.Err()
}

func scanDocument(row rowScanner) (Document, error) {
	var d Document
	var submittedAt string
	var convergedAt sql.NullString
	err := row.Scan(&d.ID, &d.BackendID, &d.EngineID, &d.Name, &d.Status,
		&d.PendingHandle, &submittedAt, &convergedAt)
	if err == sql.ErrNoRows {
		return Document{}, ErrNotFound
	}
	if err != nil {
		return Document{}, err
	}
	if d.SubmittedAt, err = time.Parse(time.RFC3339Nano, submittedAt); err != nil {
		return Document{}, fmt.Errorf("parsing submitted_at: %w", err)
	}
	if convergedAt.Valid && convergedAt.String != "" {
		if d.ConvergedAt, err = time.Parse(time.RFC3339Nano, convergedAt.String); err != nil {
			return Document{}, fmt.Errorf("parsing converged_at: %w", err)
		}
	}
	return d, nil
}

func collectDocuments(rows *sql.Rows) ([]Document, error) {
	var docs []Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, d)
	}
	return docs, rows.Err()
}
