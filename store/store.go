// Package store persists program images in SQLite. Images are kept by
// program name and content hash; storing the same bytes twice is a no-op,
// and the newest image of a name is the one loaded.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/chazu/objcore/vm"
	"github.com/chazu/objcore/vm/image"
	"github.com/google/uuid"
	"github.com/tliron/commonlog"
	_ "modernc.org/sqlite"
)

var log = commonlog.GetLogger("objcore.store")

// ErrImageNotFound indicates the requested image doesn't exist.
var ErrImageNotFound = errors.New("image not found")

const schema = `CREATE TABLE IF NOT EXISTS images (
	id      TEXT PRIMARY KEY,
	name    TEXT NOT NULL,
	hash    BLOB NOT NULL,
	data    BLOB NOT NULL,
	created INTEGER NOT NULL,
	UNIQUE (name, hash)
);
CREATE INDEX IF NOT EXISTS images_name ON images (name, created)`

// Entry describes one stored image.
type Entry struct {
	ID      uuid.UUID
	Name    string
	Hash    [32]byte
	Size    int
	Created time.Time
}

// Store handles SQLite storage for program images.
type Store struct {
	db   *sql.DB
	path string
	mu   sync.Mutex
}

// Open opens or creates the image database at path. ":memory:" gives a
// private in-memory store.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("creating store directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// An in-memory database exists per connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating table: %w", err)
	}
	return &Store{db: db, path: path}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Put stores encoded image bytes. Storing bytes already present under the
// same name returns the existing entry.
func (s *Store) Put(ctx context.Context, data []byte) (Entry, error) {
	img, err := image.Unmarshal(data)
	if err != nil {
		return Entry{}, err
	}
	e := Entry{
		ID:      uuid.New(),
		Name:    img.Name,
		Hash:    image.Hash(data),
		Size:    len(data),
		Created: time.Now().UTC(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO images (id, name, hash, data, created) VALUES (?, ?, ?, ?, ?)",
		e.ID.String(), e.Name, e.Hash[:], data, e.Created.UnixNano(),
	)
	if err != nil {
		return Entry{}, fmt.Errorf("saving image %s: %w", e.Name, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.lookup(ctx, "WHERE name = ? AND hash = ?", e.Name, e.Hash[:])
	}
	log.Debugf("stored image %s %x (%d bytes)", e.Name, e.Hash[:8], e.Size)
	return e, nil
}

// Save encodes a finished program and stores its image.
func (s *Store) Save(ctx context.Context, p *vm.Program) (Entry, error) {
	data, err := image.Encode(p)
	if err != nil {
		return Entry{}, err
	}
	return s.Put(ctx, data)
}

// Get returns the newest image stored under name.
func (s *Store) Get(ctx context.Context, name string) ([]byte, error) {
	return s.data(ctx, "WHERE name = ? ORDER BY created DESC, rowid DESC LIMIT 1", name)
}

// GetByHash returns the image with the given content hash.
func (s *Store) GetByHash(ctx context.Context, hash [32]byte) ([]byte, error) {
	return s.data(ctx, "WHERE hash = ? LIMIT 1", hash[:])
}

func (s *Store) data(ctx context.Context, where string, args ...any) ([]byte, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, "SELECT data FROM images "+where, args...).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrImageNotFound
		}
		return nil, fmt.Errorf("querying image: %w", err)
	}
	return data, nil
}

func (s *Store) lookup(ctx context.Context, where string, args ...any) (Entry, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id, name, hash, length(data), created FROM images "+where, args...)
	if err != nil {
		return Entry{}, fmt.Errorf("querying image: %w", err)
	}
	entries, err := scanEntries(rows)
	if err != nil {
		return Entry{}, err
	}
	if len(entries) == 0 {
		return Entry{}, ErrImageNotFound
	}
	return entries[0], nil
}

// List returns every stored image, oldest first.
func (s *Store) List(ctx context.Context) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, name, hash, length(data), created FROM images ORDER BY created, rowid")
	if err != nil {
		return nil, fmt.Errorf("listing images: %w", err)
	}
	return scanEntries(rows)
}

func scanEntries(rows *sql.Rows) ([]Entry, error) {
	defer rows.Close()
	var entries []Entry
	for rows.Next() {
		var (
			e       Entry
			id      string
			hash    []byte
			created int64
		)
		if err := rows.Scan(&id, &e.Name, &hash, &e.Size, &created); err != nil {
			return nil, fmt.Errorf("scanning image row: %w", err)
		}
		parsed, err := uuid.Parse(id)
		if err != nil {
			return nil, fmt.Errorf("image row %q: %w", id, err)
		}
		e.ID = parsed
		copy(e.Hash[:], hash)
		e.Created = time.Unix(0, created).UTC()
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Delete removes every image stored under name.
func (s *Store) Delete(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, "DELETE FROM images WHERE name = ?", name)
	if err != nil {
		return fmt.Errorf("deleting image %s: %w", name, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrImageNotFound
	}
	return nil
}

// LoadInto builds the named programs into r, loading every program they
// require from the store first. Programs already in r are not reloaded.
func (s *Store) LoadInto(ctx context.Context, r *image.Registry, names ...string) error {
	visiting := make(map[string]bool)
	var load func(name string) error
	load = func(name string) error {
		if _, err := r.Program(name); err == nil {
			return nil
		}
		if visiting[name] {
			return fmt.Errorf("image %s requires itself", name)
		}
		visiting[name] = true
		defer delete(visiting, name)

		data, err := s.Get(ctx, name)
		if err != nil {
			return fmt.Errorf("image %s: %w", name, err)
		}
		img, err := image.Unmarshal(data)
		if err != nil {
			return err
		}
		for _, dep := range img.Requires() {
			if err := load(dep); err != nil {
				return err
			}
		}
		p, err := img.Build(r)
		if err != nil {
			return err
		}
		r.Adopt(p)
		return nil
	}
	for _, name := range names {
		if err := load(name); err != nil {
			return err
		}
	}
	return nil
}
