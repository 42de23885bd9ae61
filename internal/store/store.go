// Package store persists cross-restart state that the in-memory sequencer
// cannot: the command-id idempotency index (the sequencer's ack cache is a
// bounded in-memory LRU, so a restart would otherwise forget which tool
// commands had already been applied). Grounded on the teacher's
// Open/migrate transactional-migration discipline, unchanged in shape, with
// its task/agent schema replaced by a single command index table.
package store

import (
	"database/sql"
	"embed"
	"fmt"
	"sort"
	"strings"

	"github.com/fxamacker/cbor/v2"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

type Store struct {
	db *sql.DB
}

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) DB() *sql.DB {
	return s.db
}

// RecordCommand persists the outcome of a Tool-originated command so it
// survives a restart, independent of the in-memory sequencer ack cache.
func (s *Store) RecordCommand(commandID string, seq uint64, result interface{}) error {
	data, err := cbor.Marshal(result)
	if err != nil {
		return fmt.Errorf("store: marshal result: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO command_index (command_id, commit_seq, result) VALUES (?, ?, ?)
		 ON CONFLICT(command_id) DO UPDATE SET commit_seq=excluded.commit_seq, result=excluded.result`,
		commandID, seq, data,
	)
	return err
}

// LookupCommand returns the persisted result for a command id, if present.
func (s *Store) LookupCommand(commandID string) (seq uint64, result []byte, ok bool, err error) {
	row := s.db.QueryRow(`SELECT commit_seq, result FROM command_index WHERE command_id = ?`, commandID)
	err = row.Scan(&seq, &result)
	if err == sql.ErrNoRows {
		return 0, nil, false, nil
	}
	if err != nil {
		return 0, nil, false, err
	}
	return seq, result, true, nil
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version TEXT PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	for _, f := range files {
		var applied int
		err := s.db.QueryRow("SELECT COUNT(*) FROM schema_migrations WHERE version = ?", f).Scan(&applied)
		if err != nil {
			return fmt.Errorf("check migration %s: %w", f, err)
		}
		if applied > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + f)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", f, err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("begin tx for %s: %w", f, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("exec migration %s: %w", f, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", f); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %s: %w", f, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %s: %w", f, err)
		}
	}
	return nil
}
