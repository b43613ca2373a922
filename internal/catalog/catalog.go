// Package catalog implements the durable metadata store over cache entries:
// an embedded, write-ahead-logged SQLite database with schema migrations,
// the per-version uniqueness constraint, and the CRUD surface the rest of
// the cache depends on.
package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"
)

// CurrentSchemaVersion is the schema version this package writes and reads.
const CurrentSchemaVersion = 2

// ErrDuplicateEntry is returned by [Catalog.AddEntry] when a row already
// exists for (text_normalized, voice_id, version_num).
var ErrDuplicateEntry = errors.New("catalog: duplicate entry")

// ErrNotFound is returned when an operation targets a row id that doesn't exist.
var ErrNotFound = errors.New("catalog: entry not found")

// CacheEntry mirrors one row of the cache_entries table.
type CacheEntry struct {
	ID             int64
	TextOriginal   string
	TextNormalized string
	VoiceID        string
	Model          string
	AudioPath      string
	AudioFormat    string
	FileSize       int64
	HitCount       int64
	IsFiller       bool
	VersionNum     int
	CreatedAt      time.Time
	LastHitAt      time.Time
}

// EvictionCandidate is the minimal shape the evictor needs.
type EvictionCandidate struct {
	ID        int64
	AudioPath string
}

// Stats aggregates catalog-wide counters for observability.
type Stats struct {
	TotalEntries   int64
	TotalSizeBytes int64
	TotalHits      int64
	TotalMisses    int64
	FillerCount    int64
}

// Catalog wraps a SQLite connection pool opened in WAL mode. AddEntry,
// RecordHit and the delete operations are synchronously durable before
// they return, matching the at-most-once accounting the request pipeline
// relies on.
type Catalog struct {
	db *sql.DB

	// missCount is process-lifetime only; the original system never
	// persisted record_miss to a table, so this mirrors that behavior
	// rather than inventing a schema column nothing else reads.
	missCount atomic.Int64
}

// Open creates (or migrates) the SQLite database at dbPath and returns a
// ready-to-use Catalog. The connection pool is capped at one open
// connection: SQLite's WAL mode tolerates concurrent readers but the
// catalog is single-writer-friendly by construction, exactly like the
// database/sql pool the original system serialized writes through.
func Open(dbPath string) (*Catalog, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("catalog: open %s: %w", dbPath, err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		db.Close()
		return nil, fmt.Errorf("catalog: enable WAL: %w", err)
	}

	c := &Catalog{db: db}
	if err := c.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return c, nil
}

// Close releases the underlying connection pool.
func (c *Catalog) Close() error {
	return c.db.Close()
}

func (c *Catalog) migrate() error {
	if _, err := c.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`); err != nil {
		return fmt.Errorf("catalog: create schema_version: %w", err)
	}

	var current int
	row := c.db.QueryRow(`SELECT version FROM schema_version`)
	if err := row.Scan(&current); err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("catalog: read schema_version: %w", err)
		}
		current = 0
	}

	if current >= CurrentSchemaVersion {
		return nil
	}

	var tableExists string
	err := c.db.QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name='cache_entries'`).Scan(&tableExists)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if err := c.createTablesV2(); err != nil {
			return err
		}
	case err != nil:
		return fmt.Errorf("catalog: check cache_entries existence: %w", err)
	default:
		if err := c.migrateToV2(); err != nil {
			return err
		}
	}

	if current == 0 {
		_, err = c.db.Exec(`INSERT INTO schema_version (version) VALUES (?)`, CurrentSchemaVersion)
	} else {
		_, err = c.db.Exec(`UPDATE schema_version SET version = ?`, CurrentSchemaVersion)
	}
	if err != nil {
		return fmt.Errorf("catalog: write schema_version: %w", err)
	}

	slog.Info("catalog schema migrated", "from_version", current, "to_version", CurrentSchemaVersion)
	return nil
}

func (c *Catalog) createTablesV2() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS cache_entries (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			text_original TEXT NOT NULL,
			text_normalized TEXT NOT NULL,
			voice_id TEXT NOT NULL,
			model TEXT NOT NULL DEFAULT '',
			audio_path TEXT NOT NULL,
			audio_format TEXT DEFAULT 'mp3',
			file_size INTEGER DEFAULT 0,
			hit_count INTEGER DEFAULT 0,
			is_filler BOOLEAN DEFAULT 0,
			version_num INTEGER DEFAULT 1,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			last_hit_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_voice_model ON cache_entries(voice_id, model)`,
		`CREATE INDEX IF NOT EXISTS idx_last_hit ON cache_entries(last_hit_at)`,
		`CREATE INDEX IF NOT EXISTS idx_normalized ON cache_entries(text_normalized)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_normalized_voice_version ON cache_entries(text_normalized, voice_id, version_num)`,
	}
	for _, s := range stmts {
		if _, err := c.db.Exec(s); err != nil {
			return fmt.Errorf("catalog: create schema: %w", err)
		}
	}
	return nil
}

func (c *Catalog) migrateToV2() error {
	rows, err := c.db.Query(`PRAGMA table_info(cache_entries)`)
	if err != nil {
		return fmt.Errorf("catalog: read cache_entries columns: %w", err)
	}
	hasVersionNum := false
	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			rows.Close()
			return fmt.Errorf("catalog: scan column info: %w", err)
		}
		if name == "version_num" {
			hasVersionNum = true
		}
	}
	rows.Close()

	if !hasVersionNum {
		if _, err := c.db.Exec(`ALTER TABLE cache_entries ADD COLUMN version_num INTEGER DEFAULT 1`); err != nil {
			return fmt.Errorf("catalog: add version_num: %w", err)
		}
	}

	// Deduplicate rows sharing (text_normalized, voice_id): keep the highest
	// hit_count, ties broken by the smallest id.
	_, err = c.db.Exec(`
		DELETE FROM cache_entries WHERE id NOT IN (
			SELECT id FROM (
				SELECT id, ROW_NUMBER() OVER (
					PARTITION BY text_normalized, voice_id
					ORDER BY hit_count DESC, id ASC
				) AS rn
				FROM cache_entries
			) WHERE rn = 1
		)`)
	if err != nil {
		return fmt.Errorf("catalog: deduplicate v1 rows: %w", err)
	}

	stmts := []string{
		`CREATE INDEX IF NOT EXISTS idx_voice_model ON cache_entries(voice_id, model)`,
		`CREATE INDEX IF NOT EXISTS idx_last_hit ON cache_entries(last_hit_at)`,
		`CREATE INDEX IF NOT EXISTS idx_normalized ON cache_entries(text_normalized)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_normalized_voice_version ON cache_entries(text_normalized, voice_id, version_num)`,
	}
	for _, s := range stmts {
		if _, err := c.db.Exec(s); err != nil {
			return fmt.Errorf("catalog: create post-migration indexes: %w", err)
		}
	}
	return nil
}

// AddEntry inserts one row and returns its database-assigned id. entry.ID,
// CreatedAt and LastHitAt are ignored; created_at and last_hit_at take their
// column defaults.
func (c *Catalog) AddEntry(ctx context.Context, entry CacheEntry) (int64, error) {
	res, err := c.db.ExecContext(ctx,
		`INSERT INTO cache_entries
			(text_original, text_normalized, voice_id, model, audio_path,
			 audio_format, file_size, is_filler, version_num)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.TextOriginal, entry.TextNormalized, entry.VoiceID, entry.Model,
		entry.AudioPath, entry.AudioFormat, entry.FileSize, entry.IsFiller, entry.VersionNum,
	)
	if err != nil {
		if isUniqueConstraintErr(err) {
			return 0, ErrDuplicateEntry
		}
		return 0, fmt.Errorf("catalog: add entry: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("catalog: read inserted id: %w", err)
	}
	return id, nil
}

func isUniqueConstraintErr(err error) bool {
	// modernc.org/sqlite surfaces SQLite's own message text; it has no typed
	// constraint-violation error, so this matches the message SQLite emits
	// for a UNIQUE index violation.
	msg := err.Error()
	return containsFold(msg, "unique") && containsFold(msg, "constraint")
}

func containsFold(s, substr string) bool {
	return len(s) >= len(substr) && indexFold(s, substr) >= 0
}

func indexFold(s, substr string) int {
	n, m := len(s), len(substr)
	for i := 0; i+m <= n; i++ {
		if equalFold(s[i:i+m], substr) {
			return i
		}
	}
	return -1
}

func equalFold(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}

// RecordHit increments hit_count and refreshes last_hit_at for the row(s)
// matching (textNormalized, voiceID). When version is nil, every matching
// row is updated, mirroring the original's omitted-version behavior.
func (c *Catalog) RecordHit(ctx context.Context, textNormalized, voiceID string, version *int) error {
	var err error
	if version != nil {
		_, err = c.db.ExecContext(ctx,
			`UPDATE cache_entries SET hit_count = hit_count + 1, last_hit_at = CURRENT_TIMESTAMP
			 WHERE text_normalized = ? AND voice_id = ? AND version_num = ?`,
			textNormalized, voiceID, *version)
	} else {
		_, err = c.db.ExecContext(ctx,
			`UPDATE cache_entries SET hit_count = hit_count + 1, last_hit_at = CURRENT_TIMESTAMP
			 WHERE text_normalized = ? AND voice_id = ?`,
			textNormalized, voiceID)
	}
	if err != nil {
		return fmt.Errorf("catalog: record hit: %w", err)
	}
	return nil
}

// RecordMiss increments the process-lifetime miss counter surfaced by
// [Catalog.GetStats].
func (c *Catalog) RecordMiss() {
	c.missCount.Add(1)
}

// GetVersionCount returns how many versions already exist for
// (textNormalized, voiceID).
func (c *Catalog) GetVersionCount(ctx context.Context, textNormalized, voiceID string) (int, error) {
	var count int
	err := c.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM cache_entries WHERE text_normalized = ? AND voice_id = ?`,
		textNormalized, voiceID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("catalog: get version count: %w", err)
	}
	return count, nil
}

// GetAllEntries returns the fields needed to populate the HotIndex at
// startup.
func (c *Catalog) GetAllEntries(ctx context.Context) ([]CacheEntry, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT text_normalized, voice_id, audio_path, is_filler, version_num FROM cache_entries`)
	if err != nil {
		return nil, fmt.Errorf("catalog: get all entries: %w", err)
	}
	defer rows.Close()

	var entries []CacheEntry
	for rows.Next() {
		var e CacheEntry
		if err := rows.Scan(&e.TextNormalized, &e.VoiceID, &e.AudioPath, &e.IsFiller, &e.VersionNum); err != nil {
			return nil, fmt.Errorf("catalog: scan entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// GetAllEntriesWithIDs returns every row's id, audio_path and cache key
// (text_normalized, voice_id), used by the startup integrity pass to
// reconcile the catalog against the filesystem and to remove the matching
// HotIndex entry for any row it deletes.
func (c *Catalog) GetAllEntriesWithIDs(ctx context.Context) ([]CacheEntry, error) {
	rows, err := c.db.QueryContext(ctx, `SELECT id, audio_path, text_normalized, voice_id FROM cache_entries`)
	if err != nil {
		return nil, fmt.Errorf("catalog: get all entries with ids: %w", err)
	}
	defer rows.Close()

	var entries []CacheEntry
	for rows.Next() {
		var e CacheEntry
		if err := rows.Scan(&e.ID, &e.AudioPath, &e.TextNormalized, &e.VoiceID); err != nil {
			return nil, fmt.Errorf("catalog: scan entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// DeleteEntry removes one row and returns its artifact path for the caller
// to unlink. ErrNotFound is returned when no such row exists.
func (c *Catalog) DeleteEntry(ctx context.Context, id int64) (string, error) {
	var path string
	err := c.db.QueryRowContext(ctx, `SELECT audio_path FROM cache_entries WHERE id = ?`, id).Scan(&path)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("catalog: read entry for delete: %w", err)
	}
	if _, err := c.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE id = ?`, id); err != nil {
		return "", fmt.Errorf("catalog: delete entry: %w", err)
	}
	return path, nil
}

// DeleteEntriesByIDs removes a batch of rows in one statement.
func (c *Catalog) DeleteEntriesByIDs(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := make([]any, len(ids))
	query := `DELETE FROM cache_entries WHERE id IN (`
	for i, id := range ids {
		if i > 0 {
			query += `,`
		}
		query += `?`
		placeholders[i] = id
	}
	query += `)`
	if _, err := c.db.ExecContext(ctx, query, placeholders...); err != nil {
		return fmt.Errorf("catalog: delete entries by id: %w", err)
	}
	return nil
}

// DeleteAll removes every row and returns every artifact path that was
// referenced, so the caller can unlink the files.
func (c *Catalog) DeleteAll(ctx context.Context) ([]string, error) {
	rows, err := c.db.QueryContext(ctx, `SELECT audio_path FROM cache_entries`)
	if err != nil {
		return nil, fmt.Errorf("catalog: read paths for delete all: %w", err)
	}
	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			rows.Close()
			return nil, fmt.Errorf("catalog: scan path: %w", err)
		}
		paths = append(paths, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if _, err := c.db.ExecContext(ctx, `DELETE FROM cache_entries`); err != nil {
		return nil, fmt.Errorf("catalog: delete all: %w", err)
	}
	return paths, nil
}

// GetEvictionCandidates implements the two-stage selection policy: rows that
// are non-filler, never hit and older than minAgeDays, extended (if the
// remaining count would still exceed maxEntries) with the coldest
// non-filler rows by last_hit_at.
func (c *Catalog) GetEvictionCandidates(ctx context.Context, maxEntries, minAgeDays int) ([]EvictionCandidate, error) {
	primary, err := c.queryCandidates(ctx,
		`SELECT id, audio_path FROM cache_entries
		 WHERE is_filler = 0 AND hit_count = 0
		 AND created_at <= datetime('now', ?)
		 ORDER BY created_at ASC`,
		fmt.Sprintf("-%d days", minAgeDays))
	if err != nil {
		return nil, fmt.Errorf("catalog: eviction primary candidates: %w", err)
	}

	var currentCount int
	if err := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM cache_entries`).Scan(&currentCount); err != nil {
		return nil, fmt.Errorf("catalog: count entries: %w", err)
	}

	remaining := currentCount - len(primary)
	if remaining > maxEntries {
		extraNeeded := remaining - maxEntries
		extra, err := c.queryCandidates(ctx,
			`SELECT id, audio_path FROM cache_entries
			 WHERE is_filler = 0 ORDER BY last_hit_at ASC LIMIT ?`,
			extraNeeded)
		if err != nil {
			return nil, fmt.Errorf("catalog: eviction overflow candidates: %w", err)
		}
		primary = append(primary, extra...)
	}
	return primary, nil
}

func (c *Catalog) queryCandidates(ctx context.Context, query string, arg any) ([]EvictionCandidate, error) {
	rows, err := c.db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var candidates []EvictionCandidate
	for rows.Next() {
		var cand EvictionCandidate
		if err := rows.Scan(&cand.ID, &cand.AudioPath); err != nil {
			return nil, err
		}
		candidates = append(candidates, cand)
	}
	return candidates, rows.Err()
}

// GetStats aggregates catalog-wide counters for the /v1/cache/stats endpoint.
func (c *Catalog) GetStats(ctx context.Context) (Stats, error) {
	var s Stats
	row := c.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(file_size), 0),
		       COALESCE(SUM(hit_count), 0),
		       COALESCE(SUM(CASE WHEN is_filler = 1 THEN 1 ELSE 0 END), 0)
		FROM cache_entries`)
	if err := row.Scan(&s.TotalEntries, &s.TotalSizeBytes, &s.TotalHits, &s.FillerCount); err != nil {
		return Stats{}, fmt.Errorf("catalog: get stats: %w", err)
	}
	s.TotalMisses = c.missCount.Load()
	return s, nil
}

// VoiceStats aggregates per-voice counters for the cache stats endpoint.
type VoiceStats struct {
	VoiceID string
	Entries int64
	Hits    int64
}

// GetPerVoiceStats breaks down entry and hit counts by voice_id.
func (c *Catalog) GetPerVoiceStats(ctx context.Context) ([]VoiceStats, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT voice_id, COUNT(*), COALESCE(SUM(hit_count), 0)
		FROM cache_entries
		GROUP BY voice_id
		ORDER BY voice_id`)
	if err != nil {
		return nil, fmt.Errorf("catalog: get per-voice stats: %w", err)
	}
	defer rows.Close()

	var out []VoiceStats
	for rows.Next() {
		var v VoiceStats
		if err := rows.Scan(&v.VoiceID, &v.Entries, &v.Hits); err != nil {
			return nil, fmt.Errorf("catalog: scan per-voice stats: %w", err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("catalog: iterate per-voice stats: %w", err)
	}
	return out, nil
}

// OldestEntryAt returns the creation time of the oldest cache entry, used to
// compute the cache's overall age. The zero time is returned when the
// catalog is empty.
func (c *Catalog) OldestEntryAt(ctx context.Context) (time.Time, error) {
	var v any
	row := c.db.QueryRowContext(ctx, `SELECT MIN(created_at) FROM cache_entries`)
	if err := row.Scan(&v); err != nil {
		return time.Time{}, fmt.Errorf("catalog: get oldest entry: %w", err)
	}
	switch t := v.(type) {
	case time.Time:
		return t, nil
	case string:
		// MIN() drops the TIMESTAMP column type, so the driver returns text.
		return time.Parse("2006-01-02 15:04:05", t)
	}
	return time.Time{}, nil
}
