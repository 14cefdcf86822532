// Package docstore keeps uploaded documents keyed by (user, filename).
package docstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lexiqai/doctalk/internal/resilience"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// ErrNotFound is returned when no document matches.
var ErrNotFound = errors.New("document not found")

// Document describes one stored file.
type Document struct {
	UserID      string
	Filename    string
	StoragePath string
	Size        int64
	CreatedAt   time.Time
}

// Store is the document storage the ingestion coordinator writes to and
// reconciles against.
type Store interface {
	// Put stores data and returns its storage locator.
	Put(ctx context.Context, userID, filename string, data []byte) (string, error)
	Get(ctx context.Context, userID, filename string) ([]byte, error)
	List(ctx context.Context, userID string) ([]Document, error)
	Delete(ctx context.Context, userID, filename string) error
}

// StoragePath is the locator the processing service resolves: "<user>/<file>".
func StoragePath(userID, filename string) string {
	return userID + "/" + filename
}

const schema = `
CREATE TABLE IF NOT EXISTS documents (
	user_id    TEXT    NOT NULL,
	filename   TEXT    NOT NULL,
	content    BLOB    NOT NULL,
	size       INTEGER NOT NULL,
	created_at INTEGER NOT NULL,
	PRIMARY KEY (user_id, filename)
)`

// SQLiteStore implements Store on a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// Open opens (creating if needed) a SQLite store at path with WAL
// journaling and a 5-second busy timeout.
func Open(ctx context.Context, path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite %s: %w", path, err)
	}

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode on %s: %w", path, err)
	}

	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy_timeout on %s: %w", path, err)
	}

	store, err := NewSQLiteStore(ctx, db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// NewSQLiteStore wraps an open database and ensures the schema exists.
func NewSQLiteStore(ctx context.Context, db *sql.DB) (*SQLiteStore, error) {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("create documents table: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Put implements Store. An existing document with the same name is replaced.
func (s *SQLiteStore) Put(ctx context.Context, userID, filename string, data []byte) (string, error) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO documents (user_id, filename, content, size, created_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (user_id, filename) DO UPDATE SET
		   content = excluded.content,
		   size = excluded.size,
		   created_at = excluded.created_at`,
		userID, filename, data, len(data), time.Now().UTC().UnixMilli(),
	)
	if err != nil {
		return "", classify(fmt.Errorf("document put: %w", err))
	}
	return StoragePath(userID, filename), nil
}

// Get implements Store.
func (s *SQLiteStore) Get(ctx context.Context, userID, filename string) ([]byte, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT content FROM documents WHERE user_id = ? AND filename = ?`,
		userID, filename,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, classify(fmt.Errorf("document get: %w", err))
	}
	return data, nil
}

// List implements Store, ordered by filename.
func (s *SQLiteStore) List(ctx context.Context, userID string) ([]Document, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT filename, size, created_at FROM documents
		 WHERE user_id = ? ORDER BY filename`,
		userID,
	)
	if err != nil {
		return nil, classify(fmt.Errorf("document list: %w", err))
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		var (
			doc       Document
			createdMs int64
		)
		if err := rows.Scan(&doc.Filename, &doc.Size, &createdMs); err != nil {
			return nil, fmt.Errorf("document list scan: %w", err)
		}
		doc.UserID = userID
		doc.StoragePath = StoragePath(userID, doc.Filename)
		doc.CreatedAt = time.UnixMilli(createdMs).UTC()
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(fmt.Errorf("document list: %w", err))
	}
	return docs, nil
}

// Delete implements Store.
func (s *SQLiteStore) Delete(ctx context.Context, userID, filename string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM documents WHERE user_id = ? AND filename = ?`,
		userID, filename,
	)
	if err != nil {
		return classify(fmt.Errorf("document delete: %w", err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("document delete rows: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Ping checks the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// classify marks lock contention as retryable.
func classify(err error) error {
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return resilience.NewRetryableError(err)
		}
	}
	return err
}
