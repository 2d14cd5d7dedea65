// Package store persists agent nodes so that jobs left behind by a previous
// run can be found again.
package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Node is the persisted state of an agent node.
type Node struct {
	Name      string
	Provider  string
	Template  string
	Label     string
	Status    string
	Launched  bool
	Retention string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Store is a SQLite-backed node store.
type Store struct{ db *sql.DB }

//go:embed migrations/*.sql
var migrationFS embed.FS

// Open opens or creates the database at path, ":memory:" included.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database '%s': %w", path, err)
	}
	// A single connection keeps in-memory databases alive and serializes writes
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema, err := migrationFS.ReadFile("migrations/0001_init.sql")
	if err != nil {
		return err
	}
	if _, err := s.db.Exec(string(schema)); err != nil {
		return fmt.Errorf("failed to apply migration: %w", err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	if s.db == nil {
		return errors.New("db not initialized")
	}
	return s.db.PingContext(ctx)
}

// Save inserts or updates a node. CreatedAt is kept from the first save.
func (s *Store) Save(ctx context.Context, node Node) error {
	now := time.Now()
	if node.CreatedAt.IsZero() {
		node.CreatedAt = now
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO nodes (name, provider, template, label, status, launched, retention, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET
			provider = excluded.provider,
			template = excluded.template,
			label = excluded.label,
			status = excluded.status,
			launched = excluded.launched,
			retention = excluded.retention,
			updated_at = excluded.updated_at`,
		node.Name, node.Provider, node.Template, node.Label, node.Status, node.Launched, node.Retention,
		node.CreatedAt.UnixMilli(), now.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to save node '%s': %w", node.Name, err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, name string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM nodes WHERE name = ?`, name); err != nil {
		return fmt.Errorf("failed to delete node '%s': %w", name, err)
	}
	return nil
}

// List returns all nodes, oldest first.
func (s *Store) List(ctx context.Context) ([]Node, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, provider, template, label, status, launched, retention, created_at, updated_at
		FROM nodes ORDER BY created_at, name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list nodes: %w", err)
	}
	defer rows.Close()

	var nodes []Node
	for rows.Next() {
		var node Node
		var createdAt, updatedAt int64
		if err := rows.Scan(&node.Name, &node.Provider, &node.Template, &node.Label, &node.Status,
			&node.Launched, &node.Retention, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to read node: %w", err)
		}
		node.CreatedAt = time.UnixMilli(createdAt)
		node.UpdatedAt = time.UnixMilli(updatedAt)
		nodes = append(nodes, node)
	}
	return nodes, rows.Err()
}

func (s *Store) Close() error {
	return s.db.Close()
}
