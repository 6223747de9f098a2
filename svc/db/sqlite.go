package db

import (
	"context"
	"database/sql"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"clipvault/pkg/domain"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"
)

var ErrCircuitOpen = errors.New("database circuit breaker open")

const (
	circuitClosed   = 0
	circuitOpen     = 1
	circuitHalfOpen = 2
	maxFailures     = 5
	cooldownSeconds = 30
)

const (
	defaultMaxOpenConns  = 1
	defaultMaxIdleConns  = 1
	defaultQueryTimeout  = 5 * time.Second
	defaultCleanupRate   = 50
	cleanupBatchSize     = 200
	cleanupMaxIterations = 10000
)

// SQLite owns the clips table and the FTS index that shadows it. Every
// mutation that touches both runs inside one transaction, so a searcher
// can never observe a row without its index entry or vice versa.
type SQLite struct {
	db             *sql.DB
	path           string
	failures       int32
	circuitState   int32
	circuitOpened  int64
	queryTimeout   time.Duration
	cleanupLimiter *rate.Limiter
}

func (s *SQLite) DB() *sql.DB {
	return s.db
}

func NewSQLite(path string) (*SQLite, error) {
	return NewSQLiteWithConfig(path, defaultMaxOpenConns, defaultMaxIdleConns, defaultQueryTimeout, defaultCleanupRate)
}

func NewSQLiteWithConfig(path string, maxOpenConns, maxIdleConns int, queryTimeout time.Duration, cleanupRatePerSec float64) (*SQLite, error) {
	if err := restrictFileMode(path); err != nil {
		return nil, errors.Wrap(err, "restrict db file mode")
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open db")
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)
	db.SetConnMaxLifetime(1 * time.Hour)
	db.SetConnMaxIdleTime(10 * time.Minute)
	if err := db.Ping(); err != nil {
		return nil, errors.Wrap(err, "failed to ping db")
	}
	s := &SQLite{
		db:             db,
		path:           path,
		queryTimeout:   queryTimeout,
		cleanupLimiter: rate.NewLimiter(rate.Limit(cleanupRatePerSec), 1),
	}
	if err := s.migrate(); err != nil {
		return nil, errors.Wrap(err, "migration failed")
	}
	return s, nil
}

// restrictFileMode creates the backing file owner-only before any data is
// written, closing the window where another local user could open it.
func restrictFileMode(path string) error {
	if path == ":memory:" || strings.Contains(path, "mode=memory") {
		return nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Chmod(path, 0o600)
}

func (s *SQLite) checkCircuit() error {
	state := atomic.LoadInt32(&s.circuitState)
	switch state {
	case circuitClosed:
		return nil
	case circuitOpen:
		opened := atomic.LoadInt64(&s.circuitOpened)
		if time.Now().Unix()-opened >= cooldownSeconds {
			if atomic.CompareAndSwapInt32(&s.circuitState, circuitOpen, circuitHalfOpen) {
				return nil
			}
		}
		return ErrCircuitOpen
	case circuitHalfOpen:
		return nil
	default:
		return nil
	}
}

func (s *SQLite) recordError(err error) {
	if err == nil {
		atomic.StoreInt32(&s.failures, 0)
		atomic.StoreInt32(&s.circuitState, circuitClosed)
		return
	}
	if errors.Is(err, sql.ErrNoRows) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) {
		return
	}
	failures := atomic.AddInt32(&s.failures, 1)
	if atomic.LoadInt32(&s.circuitState) == circuitHalfOpen {
		atomic.StoreInt32(&s.circuitState, circuitOpen)
		atomic.StoreInt64(&s.circuitOpened, time.Now().Unix())
		atomic.StoreInt32(&s.failures, 0)
		return
	}
	if failures >= maxFailures && atomic.LoadInt32(&s.circuitState) == circuitClosed {
		atomic.StoreInt32(&s.circuitState, circuitOpen)
		atomic.StoreInt64(&s.circuitOpened, time.Now().Unix())
	}
}

func (s *SQLite) migrate() error {
	_, err := s.db.Exec("PRAGMA journal_mode=WAL")
	if err != nil {
		return errors.Wrap(err, "enable WAL mode")
	}
	_, err = s.db.Exec("PRAGMA busy_timeout = 5000")
	if err != nil {
		return errors.Wrap(err, "set busy timeout")
	}
	_, err = s.db.Exec("PRAGMA synchronous=FULL")
	if err != nil {
		return errors.Wrap(err, "set synchronous mode")
	}
	query := `
	CREATE TABLE IF NOT EXISTS clips (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		created_at DATETIME NOT NULL,
		kind TEXT NOT NULL,
		cipher_payload BLOB NOT NULL,
		binary_payload BLOB,
		pinned INTEGER NOT NULL DEFAULT 0,
		source_app TEXT,
		extracted_text TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_clips_order ON clips(pinned DESC, created_at DESC);
	CREATE VIRTUAL TABLE IF NOT EXISTS clips_fts USING fts5(content, tokenize='unicode61');
	`
	if _, err = s.db.Exec(query); err != nil {
		return err
	}
	// Databases created before these columns existed are upgraded in place.
	// Column presence is the only version marker.
	for _, col := range []struct{ name, ddl string }{
		{"source_app", "ALTER TABLE clips ADD COLUMN source_app TEXT"},
		{"extracted_text", "ALTER TABLE clips ADD COLUMN extracted_text TEXT"},
	} {
		present, err := s.hasColumn("clips", col.name)
		if err != nil {
			return err
		}
		if !present {
			if _, err := s.db.Exec(col.ddl); err != nil {
				return errors.Wrapf(err, "add column %s", col.name)
			}
		}
	}
	return nil
}

func (s *SQLite) hasColumn(table, column string) (bool, error) {
	rows, err := s.db.Query("PRAGMA table_info(" + table + ")")
	if err != nil {
		return false, errors.Wrap(err, "table_info")
	}
	defer rows.Close()
	for rows.Next() {
		var (
			cid       int
			name      string
			ctype     string
			notnull   int
			dfltValue sql.NullString
			pk        int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dfltValue, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}

// Insert writes the record row and its index entry in one transaction and
// returns the assigned id. searchText is the already-decrypted text the
// index should see; it never hits the clips table.
func (s *SQLite) Insert(ctx context.Context, clip *domain.Clip, searchText string) (int64, error) {
	if err := s.checkCircuit(); err != nil {
		return 0, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	tx, err := s.db.BeginTx(queryCtx, nil)
	if err != nil {
		s.recordError(err)
		return 0, errors.Wrap(domain.ErrStorageFailed, err.Error())
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(queryCtx, `
	INSERT INTO clips (created_at, kind, cipher_payload, binary_payload, pinned, source_app, extracted_text)
	VALUES (?, ?, ?, ?, 0, ?, ?)
	`, clip.CreatedAt, string(clip.Kind), clip.CipherPayload,
		nullBytes(clip.Binary), nullString(clip.SourceApp), nullString(clip.ExtractedText))
	if err != nil {
		s.recordError(err)
		return 0, errors.Wrap(domain.ErrStorageFailed, err.Error())
	}
	id, err := res.LastInsertId()
	if err != nil {
		s.recordError(err)
		return 0, errors.Wrap(domain.ErrStorageFailed, err.Error())
	}
	if _, err := tx.ExecContext(queryCtx,
		`INSERT INTO clips_fts(rowid, content) VALUES (?, ?)`, id, searchText); err != nil {
		s.recordError(err)
		return 0, errors.Wrap(domain.ErrStorageFailed, err.Error())
	}
	if err := tx.Commit(); err != nil {
		s.recordError(err)
		return 0, errors.Wrap(domain.ErrStorageFailed, err.Error())
	}
	s.recordError(nil)
	return id, nil
}

// FetchRecent returns clips ordered pinned-first then newest-first. The
// binary payload is never joined in; use FetchBinary for it.
func (s *SQLite) FetchRecent(ctx context.Context, limit int) ([]*domain.Clip, error) {
	if limit <= 0 {
		return nil, nil
	}
	if err := s.checkCircuit(); err != nil {
		return nil, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	rows, err := s.db.QueryContext(queryCtx, `
	SELECT id, created_at, kind, cipher_payload, pinned, source_app, extracted_text
	FROM clips
	ORDER BY pinned DESC, created_at DESC, id DESC
	LIMIT ?
	`, limit)
	s.recordError(err)
	if err != nil {
		return nil, errors.Wrap(domain.ErrStorageFailed, err.Error())
	}
	defer rows.Close()
	return scanClips(rows)
}

// FetchByIDs loads clips for the given ids. Absent ids are silently
// skipped; the result carries no particular order.
func (s *SQLite) FetchByIDs(ctx context.Context, ids []int64) ([]*domain.Clip, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	if err := s.checkCircuit(); err != nil {
		return nil, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := s.db.QueryContext(queryCtx, `
	SELECT id, created_at, kind, cipher_payload, pinned, source_app, extracted_text
	FROM clips WHERE id IN (`+placeholders+`)`, args...)
	s.recordError(err)
	if err != nil {
		return nil, errors.Wrap(domain.ErrStorageFailed, err.Error())
	}
	defer rows.Close()
	return scanClips(rows)
}

// FetchAll streams every clip row without binary payloads. Used only by
// the index rebuild path.
func (s *SQLite) FetchAll(ctx context.Context) ([]*domain.Clip, error) {
	if err := s.checkCircuit(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
	SELECT id, created_at, kind, cipher_payload, pinned, source_app, extracted_text
	FROM clips`)
	s.recordError(err)
	if err != nil {
		return nil, errors.Wrap(domain.ErrStorageFailed, err.Error())
	}
	defer rows.Close()
	return scanClips(rows)
}

func scanClips(rows *sql.Rows) ([]*domain.Clip, error) {
	var clips []*domain.Clip
	for rows.Next() {
		var (
			c             domain.Clip
			kind          string
			sourceApp     sql.NullString
			extractedText sql.NullString
		)
		if err := rows.Scan(&c.ID, &c.CreatedAt, &kind, &c.CipherPayload, &c.Pinned, &sourceApp, &extractedText); err != nil {
			return nil, errors.Wrap(domain.ErrStorageFailed, err.Error())
		}
		c.Kind = domain.Kind(kind)
		c.SourceApp = sourceApp.String
		c.ExtractedText = extractedText.String
		clips = append(clips, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(domain.ErrStorageFailed, err.Error())
	}
	return clips, nil
}

func (s *SQLite) FetchBinary(ctx context.Context, id int64) ([]byte, error) {
	if err := s.checkCircuit(); err != nil {
		return nil, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	var binary []byte
	err := s.db.QueryRowContext(queryCtx,
		`SELECT binary_payload FROM clips WHERE id = ?`, id).Scan(&binary)
	if err == sql.ErrNoRows {
		return nil, domain.ErrClipNotFound
	}
	s.recordError(err)
	if err != nil {
		return nil, errors.Wrap(domain.ErrStorageFailed, err.Error())
	}
	return binary, nil
}

// TogglePin flips the pinned flag and returns the new state.
func (s *SQLite) TogglePin(ctx context.Context, id int64) (bool, error) {
	if err := s.checkCircuit(); err != nil {
		return false, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	tx, err := s.db.BeginTx(queryCtx, nil)
	if err != nil {
		s.recordError(err)
		return false, errors.Wrap(domain.ErrStorageFailed, err.Error())
	}
	defer tx.Rollback()

	var pinned bool
	err = tx.QueryRowContext(queryCtx, `SELECT pinned FROM clips WHERE id = ?`, id).Scan(&pinned)
	if err == sql.ErrNoRows {
		return false, domain.ErrClipNotFound
	}
	if err != nil {
		s.recordError(err)
		return false, errors.Wrap(domain.ErrStorageFailed, err.Error())
	}
	if _, err := tx.ExecContext(queryCtx, `UPDATE clips SET pinned = ? WHERE id = ?`, !pinned, id); err != nil {
		s.recordError(err)
		return false, errors.Wrap(domain.ErrStorageFailed, err.Error())
	}
	if err := tx.Commit(); err != nil {
		s.recordError(err)
		return false, errors.Wrap(domain.ErrStorageFailed, err.Error())
	}
	s.recordError(nil)
	return !pinned, nil
}

// AttachExtractedText sets extracted_text once and swaps the index entry
// for the combined searchable text. A second attach is rejected.
func (s *SQLite) AttachExtractedText(ctx context.Context, id int64, text, searchText string) error {
	if err := s.checkCircuit(); err != nil {
		return err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	tx, err := s.db.BeginTx(queryCtx, nil)
	if err != nil {
		s.recordError(err)
		return errors.Wrap(domain.ErrStorageFailed, err.Error())
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(queryCtx, `
	UPDATE clips SET extracted_text = ?
	WHERE id = ? AND (extracted_text IS NULL OR extracted_text = '')
	`, text, id)
	if err != nil {
		s.recordError(err)
		return errors.Wrap(domain.ErrStorageFailed, err.Error())
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		var exists int
		err := tx.QueryRowContext(queryCtx, `SELECT 1 FROM clips WHERE id = ?`, id).Scan(&exists)
		if err == sql.ErrNoRows {
			return domain.ErrClipNotFound
		}
		if err != nil {
			s.recordError(err)
			return errors.Wrap(domain.ErrStorageFailed, err.Error())
		}
		return domain.ErrAlreadyAttached
	}
	if _, err := tx.ExecContext(queryCtx, `DELETE FROM clips_fts WHERE rowid = ?`, id); err != nil {
		s.recordError(err)
		return errors.Wrap(domain.ErrStorageFailed, err.Error())
	}
	if _, err := tx.ExecContext(queryCtx,
		`INSERT INTO clips_fts(rowid, content) VALUES (?, ?)`, id, searchText); err != nil {
		s.recordError(err)
		return errors.Wrap(domain.ErrStorageFailed, err.Error())
	}
	if err := tx.Commit(); err != nil {
		s.recordError(err)
		return errors.Wrap(domain.ErrStorageFailed, err.Error())
	}
	s.recordError(nil)
	return nil
}

// Delete removes the row and its index entry. Returns false when the id
// was already gone, which is not an error.
func (s *SQLite) Delete(ctx context.Context, id int64) (bool, error) {
	if err := s.checkCircuit(); err != nil {
		return false, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	tx, err := s.db.BeginTx(queryCtx, nil)
	if err != nil {
		s.recordError(err)
		return false, errors.Wrap(domain.ErrStorageFailed, err.Error())
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(queryCtx, `DELETE FROM clips WHERE id = ?`, id)
	if err != nil {
		s.recordError(err)
		return false, errors.Wrap(domain.ErrStorageFailed, err.Error())
	}
	if _, err := tx.ExecContext(queryCtx, `DELETE FROM clips_fts WHERE rowid = ?`, id); err != nil {
		s.recordError(err)
		return false, errors.Wrap(domain.ErrStorageFailed, err.Error())
	}
	if err := tx.Commit(); err != nil {
		s.recordError(err)
		return false, errors.Wrap(domain.ErrStorageFailed, err.Error())
	}
	s.recordError(nil)
	affected, _ := res.RowsAffected()
	return affected > 0, nil
}

// DeleteOlderThan removes clips created before cutoff in bounded batches,
// pacing batches through the cleanup limiter so a large purge cannot
// monopolize the store.
func (s *SQLite) DeleteOlderThan(ctx context.Context, cutoff time.Time, keepPinned bool) (int64, error) {
	return s.bulkDelete(ctx, `created_at < ?`, []interface{}{cutoff}, keepPinned)
}

// DeleteNewerThan removes clips created at or after cutoff. Backs the
// clear-last-24-hours operation.
func (s *SQLite) DeleteNewerThan(ctx context.Context, cutoff time.Time, keepPinned bool) (int64, error) {
	return s.bulkDelete(ctx, `created_at >= ?`, []interface{}{cutoff}, keepPinned)
}

// DeleteAll removes every clip, optionally sparing pinned ones.
func (s *SQLite) DeleteAll(ctx context.Context, keepPinned bool) (int64, error) {
	return s.bulkDelete(ctx, `1=1`, nil, keepPinned)
}

func (s *SQLite) bulkDelete(ctx context.Context, cond string, condArgs []interface{}, keepPinned bool) (int64, error) {
	if err := s.checkCircuit(); err != nil {
		return 0, err
	}
	where := cond
	if keepPinned {
		where += ` AND pinned = 0`
	}
	var totalDeleted int64
	for i := 0; i < cleanupMaxIterations; i++ {
		select {
		case <-ctx.Done():
			return totalDeleted, ctx.Err()
		default:
		}
		deleted, err := s.deleteBatch(ctx, where, condArgs)
		if err != nil {
			return totalDeleted, err
		}
		totalDeleted += deleted
		if deleted == 0 {
			break
		}
		if err := s.cleanupLimiter.Wait(ctx); err != nil {
			return totalDeleted, err
		}
	}
	return totalDeleted, nil
}

func (s *SQLite) deleteBatch(ctx context.Context, where string, condArgs []interface{}) (int64, error) {
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	tx, err := s.db.BeginTx(queryCtx, nil)
	if err != nil {
		s.recordError(err)
		return 0, errors.Wrap(domain.ErrStorageFailed, err.Error())
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(queryCtx,
		`SELECT id FROM clips WHERE `+where+` LIMIT `+strconv.Itoa(cleanupBatchSize), condArgs...)
	if err != nil {
		s.recordError(err)
		return 0, errors.Wrap(domain.ErrStorageFailed, err.Error())
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			s.recordError(err)
			return 0, errors.Wrap(domain.ErrStorageFailed, err.Error())
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		s.recordError(err)
		return 0, errors.Wrap(domain.ErrStorageFailed, err.Error())
	}
	rows.Close()
	if len(ids) == 0 {
		return 0, nil
	}

	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	if _, err := tx.ExecContext(queryCtx, `DELETE FROM clips WHERE id IN (`+placeholders+`)`, args...); err != nil {
		s.recordError(err)
		return 0, errors.Wrap(domain.ErrStorageFailed, err.Error())
	}
	if _, err := tx.ExecContext(queryCtx, `DELETE FROM clips_fts WHERE rowid IN (`+placeholders+`)`, args...); err != nil {
		s.recordError(err)
		return 0, errors.Wrap(domain.ErrStorageFailed, err.Error())
	}
	if err := tx.Commit(); err != nil {
		s.recordError(err)
		return 0, errors.Wrap(domain.ErrStorageFailed, err.Error())
	}
	s.recordError(nil)
	return int64(len(ids)), nil
}

func (s *SQLite) Count(ctx context.Context) (int64, error) {
	if err := s.checkCircuit(); err != nil {
		return 0, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	var count int64
	err := s.db.QueryRowContext(queryCtx, `SELECT COUNT(*) FROM clips`).Scan(&count)
	s.recordError(err)
	if err != nil {
		return 0, errors.Wrap(domain.ErrStorageFailed, err.Error())
	}
	return count, nil
}

// SizeOnDisk reports the byte size of the database file plus its WAL.
func (s *SQLite) SizeOnDisk() (int64, error) {
	if s.path == ":memory:" || strings.Contains(s.path, "mode=memory") {
		return 0, nil
	}
	var total int64
	for _, p := range []string{s.path, s.path + "-wal"} {
		info, err := os.Stat(p)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return 0, errors.Wrap(domain.ErrStorageFailed, err.Error())
		}
		total += info.Size()
	}
	return total, nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nullBytes(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return b
}
