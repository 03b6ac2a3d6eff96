package fieldscript

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/hyperengineering/fieldscript/internal/store/migrations"
	"github.com/oklog/ulid/v2"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

const schemaVersion = "1"

// timeLayout is fixed-width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Metadata keys.
const (
	metaSchemaVersion = "schema_version"
	metaLastSync      = "last_sync"
)

// RecordStore is the local persistence the sync core depends on.
// Implementations serialize their own writes.
type RecordStore interface {
	Insert(r *Record) (string, error)
	Update(r *Record) error
	GetByID(localID string) (*Record, error)
	GetByOwner(ctx context.Context, ownerID string) <-chan []Record
	GetAllPending() ([]Record, error)
	GetAllConflicted() ([]Record, error)
	GetAllFailed() ([]Record, error)
	GetAllSyncing() ([]Record, error)
	GetByRemoteID(remoteID string) (*Record, error)
	SoftDelete(localID string, ts time.Time, status SyncStatus) error
	UpdateSyncStatus(localID string, status SyncStatus) error
	UpdateRemoteID(localID, remoteID string, status SyncStatus) error

	AssignOwner(ownerID string) (int, error)
	MarkSynced(localID, remoteID string, version int64, at time.Time) (bool, error)
	CountPending() (int, error)
	LastSync() (time.Time, error)
	SetLastSync(t time.Time) error
}

// ListFilter narrows Store.List.
type ListFilter struct {
	// OwnerID restricts results to one owner. Nil lists every owner;
	// a pointer to "" lists anonymous records.
	OwnerID        *string
	Status         SyncStatus
	IncludeDeleted bool
	Limit          int
}

// Store is the SQLite-backed RecordStore.
type Store struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
	path   string

	// rev is bumped after every committed write so watchers re-query.
	rev *Observable[uint64]
}

var _ RecordStore = (*Store)(nil)

// NewStore opens or creates a local record store.
func NewStore(path string) (*Store, error) {
	// Ensure directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Enable WAL mode for better concurrent access
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	store := &Store{db: db, path: path, rev: NewObservable[uint64](0)}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}

	return store, nil
}

func (s *Store) migrate() error {
	goose.SetBaseFS(migrations.FS)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("store: set goose dialect: %w", err)
	}
	if err := goose.Up(s.db, "."); err != nil {
		return fmt.Errorf("store: run migrations: %w", err)
	}

	// Set schema version if not set
	_, err := s.db.Exec(`
		INSERT OR IGNORE INTO metadata (key, value) VALUES (?, ?)
	`, metaSchemaVersion, schemaVersion)
	return err
}

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

const recordColumns = `local_id, remote_id, owner_id, template, name, content, fields,
		created_at, updated_at, version, sync_status, last_sync_at, is_deleted`

// validatePayload enforces the content limits on a payload.
func validatePayload(p Payload) error {
	if !p.Template.IsValid() {
		return ErrInvalidTemplate
	}
	if utf8.RuneCountInString(p.Name) > MaxNameLength {
		return ErrNameTooLong
	}
	if utf8.RuneCountInString(p.Content) > MaxContentLength {
		return ErrContentTooLong
	}
	if p.Fields.Len() > MaxFieldCount {
		return ErrTooManyFields
	}
	return nil
}

// Insert stores a new record and returns its local ID. Missing IDs,
// timestamps, version and status are filled in on r.
func (s *Store) Insert(r *Record) (string, error) {
	if err := validatePayload(r.Payload); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return "", ErrStoreClosed
	}

	now := time.Now().UTC()
	if r.LocalID == "" {
		r.LocalID = ulid.Make().String()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = r.CreatedAt
	}
	if r.Version < 1 {
		r.Version = 1
	}
	if r.SyncStatus == "" {
		r.SyncStatus = StatusPending
	}
	if r.Payload.Fields == nil {
		r.Payload.Fields = NewFields()
	}

	_, err := s.db.Exec(`
		INSERT INTO records (`+recordColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		r.LocalID,
		nullString(r.RemoteID),
		r.OwnerID,
		string(r.Payload.Template),
		r.Payload.Name,
		r.Payload.Content,
		r.Payload.Fields.Text(),
		formatTime(r.CreatedAt),
		formatTime(r.UpdatedAt),
		r.Version,
		string(r.SyncStatus),
		nullTime(r.LastSyncAt),
		boolInt(r.IsDeleted),
	)
	if err != nil {
		return "", fmt.Errorf("store: insert record: %w", err)
	}

	s.touch()
	return r.LocalID, nil
}

// Update overwrites every column of an existing record. The version may not
// decrease.
func (s *Store) Update(r *Record) error {
	if err := validatePayload(r.Payload); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	res, err := s.db.Exec(`
		UPDATE records
		SET remote_id = ?, owner_id = ?, template = ?, name = ?, content = ?, fields = ?,
		    updated_at = ?, version = ?, sync_status = ?, last_sync_at = ?, is_deleted = ?
		WHERE local_id = ? AND version <= ?
	`,
		nullString(r.RemoteID),
		r.OwnerID,
		string(r.Payload.Template),
		r.Payload.Name,
		r.Payload.Content,
		r.Payload.Fields.Text(),
		formatTime(r.UpdatedAt),
		r.Version,
		string(r.SyncStatus),
		nullTime(r.LastSyncAt),
		boolInt(r.IsDeleted),
		r.LocalID,
		r.Version,
	)
	if err != nil {
		return fmt.Errorf("store: update record: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.getRecord(r.LocalID); err != nil {
			return err
		}
		return ErrStaleVersion
	}

	s.touch()
	return nil
}

// GetByID retrieves a record by local ID, including soft-deleted ones.
func (s *Store) GetByID(localID string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	return s.getRecord(localID)
}

func (s *Store) getRecord(localID string) (*Record, error) {
	row := s.db.QueryRow(`SELECT `+recordColumns+` FROM records WHERE local_id = ?`, localID)
	return scanRecordFrom(row)
}

// GetByRemoteID retrieves the record linked to a remote document.
func (s *Store) GetByRemoteID(remoteID string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	row := s.db.QueryRow(`SELECT `+recordColumns+` FROM records WHERE remote_id = ?`, remoteID)
	return scanRecordFrom(row)
}

// GetByOwner streams the owner's live records, newest first. A fresh list
// is sent immediately and after every write to the store. The channel is
// closed when ctx is done or the store is closed.
func (s *Store) GetByOwner(ctx context.Context, ownerID string) <-chan []Record {
	out := make(chan []Record, 1)
	revs := s.rev.Subscribe(ctx)

	go func() {
		defer close(out)
		for range revs {
			list, err := s.List(ListFilter{OwnerID: &ownerID})
			if err != nil {
				return
			}
			select {
			case out <- list:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out
}

// GetAllPending returns every record waiting for upload, deleted ones
// included.
func (s *Store) GetAllPending() ([]Record, error) {
	return s.List(ListFilter{Status: StatusPending, IncludeDeleted: true})
}

// GetAllConflicted returns every record awaiting conflict resolution.
func (s *Store) GetAllConflicted() ([]Record, error) {
	return s.List(ListFilter{Status: StatusConflict, IncludeDeleted: true})
}

// GetAllFailed returns every record whose last upload failed.
func (s *Store) GetAllFailed() ([]Record, error) {
	return s.List(ListFilter{Status: StatusError, IncludeDeleted: true})
}

// GetAllSyncing returns records marked SYNCING. Outside a running upload
// these were interrupted and need another attempt.
func (s *Store) GetAllSyncing() ([]Record, error) {
	return s.List(ListFilter{Status: StatusSyncing, IncludeDeleted: true})
}

// List returns records matching the filter, most recently updated first.
func (s *Store) List(f ListFilter) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	query := `SELECT ` + recordColumns + ` FROM records WHERE 1=1`
	args := []any{}

	if f.OwnerID != nil {
		query += " AND owner_id = ?"
		args = append(args, *f.OwnerID)
	}
	if f.Status != "" {
		query += " AND sync_status = ?"
		args = append(args, string(f.Status))
	}
	if !f.IncludeDeleted {
		query += " AND is_deleted = 0"
	}
	query += " ORDER BY updated_at DESC, local_id"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list records: %w", err)
	}
	defer rows.Close()

	results := []Record{}
	for rows.Next() {
		r, err := scanRecordFrom(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, *r)
	}

	return results, rows.Err()
}

// SoftDelete flags a record as deleted, bumps its version and sets status.
// Deleting an already deleted record is a no-op.
func (s *Store) SoftDelete(localID string, ts time.Time, status SyncStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	res, err := s.db.Exec(`
		UPDATE records
		SET is_deleted = 1, version = version + 1, updated_at = ?, sync_status = ?
		WHERE local_id = ? AND is_deleted = 0
	`, formatTime(ts), string(status), localID)
	if err != nil {
		return fmt.Errorf("store: soft delete: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		_, err := s.getRecord(localID)
		return err
	}

	s.touch()
	return nil
}

// UpdateSyncStatus sets the sync status of a record.
func (s *Store) UpdateSyncStatus(localID string, status SyncStatus) error {
	return s.exec(localID, `UPDATE records SET sync_status = ? WHERE local_id = ?`, string(status), localID)
}

// UpdateRemoteID links a record to its remote document and sets status.
// An existing link is never replaced.
func (s *Store) UpdateRemoteID(localID, remoteID string, status SyncStatus) error {
	return s.exec(localID, `
		UPDATE records SET remote_id = COALESCE(remote_id, ?), sync_status = ?
		WHERE local_id = ?
	`, remoteID, string(status), localID)
}

func (s *Store) exec(localID, query string, args ...any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	res, err := s.db.Exec(query, args...)
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}

	s.touch()
	return nil
}

// AssignOwner gives every anonymous record to ownerID and returns how many
// records were adopted.
func (s *Store) AssignOwner(ownerID string) (int, error) {
	if ownerID == "" {
		return 0, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrStoreClosed
	}

	res, err := s.db.Exec(`UPDATE records SET owner_id = ? WHERE owner_id = ''`, ownerID)
	if err != nil {
		return 0, fmt.Errorf("store: assign owner: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.touch()
	}
	return int(n), nil
}

// MarkSynced records a successful upload of the given version. The remote
// link is always stored, but the record only becomes SYNCED if it was not
// edited meanwhile. It reports whether the status changed.
func (s *Store) MarkSynced(localID, remoteID string, version int64, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false, ErrStoreClosed
	}

	tx, err := s.db.Begin()
	if err != nil {
		return false, fmt.Errorf("store: begin transaction: %w", err)
	}
	defer tx.Rollback() // no-op if committed

	if remoteID != "" {
		if _, err := tx.Exec(`
			UPDATE records SET remote_id = COALESCE(remote_id, ?) WHERE local_id = ?
		`, remoteID, localID); err != nil {
			return false, fmt.Errorf("store: link remote: %w", err)
		}
	}

	res, err := tx.Exec(`
		UPDATE records SET sync_status = ?, last_sync_at = ?
		WHERE local_id = ? AND version = ?
	`, string(StatusSynced), formatTime(at), localID, version)
	if err != nil {
		return false, fmt.Errorf("store: mark synced: %w", err)
	}
	n, _ := res.RowsAffected()

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("store: commit: %w", err)
	}

	s.touch()
	return n > 0, nil
}

// CountPending returns the number of records waiting for upload.
func (s *Store) CountPending() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return 0, ErrStoreClosed
	}

	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM records WHERE sync_status = ?`, string(StatusPending)).Scan(&n)
	return n, err
}

// LastSync returns the time of the last successful full sync, or the zero
// time if none has completed.
func (s *Store) LastSync() (time.Time, error) {
	v, err := s.GetMetadata(metaLastSync)
	if err != nil || v == "" {
		return time.Time{}, err
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("store: parse last sync: %w", err)
	}
	return t, nil
}

// SetLastSync records the time of a successful full sync.
func (s *Store) SetLastSync(t time.Time) error {
	return s.SetMetadata(metaLastSync, formatTime(t))
}

// GetMetadata returns a metadata value, or "" if unset.
func (s *Store) GetMetadata(key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return "", ErrStoreClosed
	}

	var v string
	err := s.db.QueryRow(`SELECT value FROM metadata WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return v, err
}

// SetMetadata stores a metadata value.
func (s *Store) SetMetadata(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	_, err := s.db.Exec(`
		INSERT INTO metadata (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	return err
}

// Stats returns store statistics.
func (s *Store) Stats() (*StoreStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	var stats StoreStats
	err := s.db.QueryRow(`
		SELECT
			COUNT(*) FILTER (WHERE is_deleted = 0),
			COUNT(*) FILTER (WHERE sync_status = 'PENDING'),
			COUNT(*) FILTER (WHERE sync_status = 'CONFLICT'),
			COUNT(*) FILTER (WHERE sync_status = 'ERROR'),
			COUNT(*) FILTER (WHERE is_deleted = 1)
		FROM records
	`).Scan(&stats.RecordCount, &stats.PendingCount, &stats.ConflictCount, &stats.ErrorCount, &stats.DeletedCount)
	if err != nil {
		return nil, fmt.Errorf("store: stats: %w", err)
	}

	var lastSyncStr sql.NullString
	_ = s.db.QueryRow(`SELECT value FROM metadata WHERE key = ?`, metaLastSync).Scan(&lastSyncStr)
	if lastSyncStr.Valid {
		stats.LastSync, _ = time.Parse(time.RFC3339Nano, lastSyncStr.String)
	}

	var version sql.NullString
	_ = s.db.QueryRow(`SELECT value FROM metadata WHERE key = ?`, metaSchemaVersion).Scan(&version)
	stats.SchemaVersion = version.String

	return &stats, nil
}

// Ping checks that the database answers.
func (s *Store) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return ErrStoreClosed
	}
	return s.db.PingContext(ctx)
}

// Close closes the store and every owner stream.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	s.closed = true
	s.rev.Close()
	return s.db.Close()
}

// touch must be called with the write lock held.
func (s *Store) touch() {
	s.rev.Set(s.rev.Value() + 1)
}

// scanner abstracts the Scan method shared by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// scanRecordFrom scans a single record row from any scanner (Row or Rows).
// Returns ErrNotFound only for sql.ErrNoRows from *sql.Row.
func scanRecordFrom(sc scanner) (*Record, error) {
	var (
		r          Record
		remoteID   sql.NullString
		template   string
		fields     string
		createdAt  string
		updatedAt  string
		status     string
		lastSyncAt sql.NullString
		deleted    int
	)

	err := sc.Scan(
		&r.LocalID,
		&remoteID,
		&r.OwnerID,
		&template,
		&r.Payload.Name,
		&r.Payload.Content,
		&fields,
		&createdAt,
		&updatedAt,
		&r.Version,
		&status,
		&lastSyncAt,
		&deleted,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	r.RemoteID = remoteID.String
	r.Payload.Template = Template(template)
	r.SyncStatus = SyncStatus(status)
	r.IsDeleted = deleted != 0

	r.Payload.Fields, err = ParseFields(fields)
	if err != nil {
		return nil, fmt.Errorf("store: record %s: %w", r.LocalID, err)
	}

	r.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	r.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	if lastSyncAt.Valid {
		t, _ := time.Parse(time.RFC3339Nano, lastSyncAt.String)
		r.LastSyncAt = &t
	}

	return &r, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func nullTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}

func nullString(s string) *string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return &s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
