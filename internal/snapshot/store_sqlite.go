package snapshot

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/openmined/twinsync/internal/backend"
	"github.com/openmined/twinsync/internal/db"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS snapshot_meta (
    id INTEGER PRIMARY KEY CHECK (id = 1),
    saved_at TEXT NOT NULL -- RFC3339
);

CREATE TABLE IF NOT EXISTS snapshot_entry (
    key TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    path TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS snapshot_presence (
    key TEXT NOT NULL REFERENCES snapshot_entry(key) ON DELETE CASCADE,
    backend TEXT NOT NULL,
    existent INTEGER NOT NULL,
    time TEXT, -- TimeFormat, NULL when unknown
    PRIMARY KEY (key, backend)
);
`

type dbEntry struct {
	Key  string `db:"key"`
	Name string `db:"name"`
	Path string `db:"path"`
}

type dbPresence struct {
	Key      string         `db:"key"`
	Backend  string         `db:"backend"`
	Existent bool           `db:"existent"`
	Time     sql.NullString `db:"time"`
}

// SQLiteStore keeps the snapshot in a sqlite database. Each Save replaces the
// previous snapshot in a single transaction.
type SQLiteStore struct {
	db *sqlx.DB
}

var _ Store = (*SQLiteStore)(nil)

// OpenSQLiteStore opens (or creates) state.db inside dir.
func OpenSQLiteStore(dir string) (*SQLiteStore, error) {
	return openSQLiteStore(db.WithPath(filepath.Join(dir, StateFileSQLite)), db.WithMaxOpenConns(1))
}

func openSQLiteStore(opts ...db.SqliteOption) (*SQLiteStore, error) {
	conn, err := db.NewSqliteDB(opts...)
	if err != nil {
		return nil, fmt.Errorf("open snapshot db: %w", err)
	}

	if _, err := conn.Exec(sqliteSchema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("initialize snapshot schema: %w", err)
	}

	return &SQLiteStore{db: conn}, nil
}

func (s *SQLiteStore) Load(ctx context.Context) (Snapshot, bool, error) {
	var savedAt string
	err := s.db.GetContext(ctx, &savedAt, "SELECT saved_at FROM snapshot_meta WHERE id = 1")
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("query snapshot meta: %w", err)
	}

	var entries []dbEntry
	if err := s.db.SelectContext(ctx, &entries, "SELECT key, name, path FROM snapshot_entry"); err != nil {
		return nil, false, fmt.Errorf("query snapshot entries: %w", err)
	}

	var presences []dbPresence
	if err := s.db.SelectContext(ctx, &presences, "SELECT key, backend, existent, time FROM snapshot_presence"); err != nil {
		return nil, false, fmt.Errorf("query snapshot presence: %w", err)
	}

	snap := make(Snapshot, len(entries))
	for _, e := range entries {
		snap[e.Key] = NewEntry(e.Name, e.Path)
	}
	for _, p := range presences {
		entry, ok := snap[p.Key]
		if !ok {
			return nil, false, fmt.Errorf("%w: presence for unknown key %q", ErrCorruptState, p.Key)
		}
		presence := Presence{Exists: p.Existent}
		if p.Time.Valid && p.Time.String != "" {
			t, err := ParseTime(p.Time.String)
			if err != nil {
				return nil, false, fmt.Errorf("%w: key %q: %w", ErrCorruptState, p.Key, err)
			}
			presence.ModifiedAt = &t
		}
		entry.Backends[backend.ID(p.Backend)] = presence
	}

	slog.Debug("snapshot db load", "entries", len(snap), "savedAt", savedAt)
	return snap, true, nil
}

func (s *SQLiteStore) Save(ctx context.Context, snap Snapshot) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin snapshot tx: %w", err)
	}
	defer tx.Rollback()

	for _, table := range []string{"snapshot_presence", "snapshot_entry"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("clear %s: %w", table, err)
		}
	}

	for _, key := range snap.Keys() {
		entry := snap[key]
		_, err := tx.NamedExecContext(ctx,
			`INSERT INTO snapshot_entry (key, name, path) VALUES (:key, :name, :path)`,
			dbEntry{Key: key, Name: entry.Name, Path: entry.Path},
		)
		if err != nil {
			return fmt.Errorf("insert entry %q: %w", key, err)
		}

		for id, p := range entry.Backends {
			row := dbPresence{Key: key, Backend: string(id), Existent: p.Exists}
			if p.ModifiedAt != nil {
				row.Time = sql.NullString{String: FormatTime(p.ModifiedAt), Valid: true}
			}
			_, err := tx.NamedExecContext(ctx,
				`INSERT INTO snapshot_presence (key, backend, existent, time) VALUES (:key, :backend, :existent, :time)`,
				row,
			)
			if err != nil {
				return fmt.Errorf("insert presence %q/%s: %w", key, id, err)
			}
		}
	}

	_, err = tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO snapshot_meta (id, saved_at) VALUES (1, ?)`,
		time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("update snapshot meta: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit snapshot: %w", err)
	}
	slog.Debug("snapshot db save", "entries", len(snap))
	return nil
}

func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		slog.Error("snapshot db close", "error", err)
		return err
	}
	return nil
}
