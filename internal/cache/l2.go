package cache

import (
	"context"
	"database/sql"
	"time"

	"halcyon/internal/logging"

	_ "modernc.org/sqlite"
)

// l2 is the persistent, on-disk tier. It is append-or-overwrite with the TTL
// epoch stored alongside the value; isolated on its own *sql.DB handle so a
// slow disk never blocks an L1 reader (spec §4.1). A periodic sweeper
// reclaims lazily-skipped expired rows.
type l2 struct {
	db     *sql.DB
	logger logging.Logger
}

// OpenL2 opens (creating if absent) the on-disk cache database at path.
func OpenL2(path string) (*l2, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite serializes writers anyway; keep it simple and explicit
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS cache_entries (
			key TEXT PRIMARY KEY,
			namespace TEXT NOT NULL,
			value BLOB NOT NULL,
			inserted_at INTEGER NOT NULL,
			expires_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_cache_entries_namespace ON cache_entries(namespace);
		CREATE INDEX IF NOT EXISTS idx_cache_entries_expires_at ON cache_entries(expires_at);
	`); err != nil {
		db.Close()
		return nil, err
	}
	return &l2{db: db, logger: logging.NewComponentLogger("cache.l2")}, nil
}

func (l *l2) Close() error { return l.db.Close() }

func (l *l2) get(ctx context.Context, k Key, now time.Time) (entry, bool, error) {
	row := l.db.QueryRowContext(ctx,
		`SELECT value, namespace, expires_at FROM cache_entries WHERE key = ?`, k.String())
	var value []byte
	var namespace string
	var expiresAtUnixMilli int64
	if err := row.Scan(&value, &namespace, &expiresAtUnixMilli); err != nil {
		if err == sql.ErrNoRows {
			return entry{}, false, nil
		}
		return entry{}, false, err
	}
	expiresAt := time.UnixMilli(expiresAtUnixMilli)
	if !expiresAt.After(now) {
		// Expired; reclaim lazily rather than blocking the caller on a delete.
		go l.deleteAsync(k)
		return entry{}, false, nil
	}
	return entry{Value: value, Namespace: namespace, ExpiresAt: expiresAt}, true, nil
}

func (l *l2) deleteAsync(k Key) {
	_, _ = l.db.Exec(`DELETE FROM cache_entries WHERE key = ?`, k.String())
}

func (l *l2) set(ctx context.Context, k Key, namespace string, e entry) error {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO cache_entries (key, namespace, value, inserted_at, expires_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			namespace = excluded.namespace,
			value = excluded.value,
			inserted_at = excluded.inserted_at,
			expires_at = excluded.expires_at
	`, k.String(), namespace, e.Value, time.Now().UnixMilli(), e.ExpiresAt.UnixMilli())
	return err
}

func (l *l2) remove(ctx context.Context, k Key) error {
	_, err := l.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE key = ?`, k.String())
	return err
}

func (l *l2) removeNamespace(ctx context.Context, namespace string) error {
	_, err := l.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE namespace = ?`, namespace)
	return err
}

// sweep deletes all rows whose expires_at is at or before now. Run
// periodically by the arming task of spec §5 ("warms the L2 cache's expiry
// sweeper").
func (l *l2) sweep(ctx context.Context, now time.Time) (int64, error) {
	res, err := l.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE expires_at <= ?`, now.UnixMilli())
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		l.logger.Debug("swept %d expired L2 entries", n)
	}
	return n, nil
}
