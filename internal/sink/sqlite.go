package sink

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

// SQLiteConfig holds the database file location.
type SQLiteConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled" json:"enabled"`
	Path    string `yaml:"path" toml:"path" json:"path"`
}

const createSamplesSQL = `
CREATE TABLE IF NOT EXISTS samples (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    timestamp TEXT NOT NULL,
    measurement TEXT NOT NULL,
    field TEXT NOT NULL,
    value REAL NOT NULL
);`

const createSamplesIndexSQL = `CREATE INDEX IF NOT EXISTS samples_field_ts ON samples(field, timestamp)`

const insertSampleSQL = `INSERT INTO samples(timestamp, measurement, field, value) VALUES(?, ?, ?, ?)`

// SQLite appends samples to a local database file.
type SQLite struct {
	mu   sync.Mutex
	db   *sql.DB
	stmt *sql.Stmt
	path string
	now  func() time.Time
	log  logrus.FieldLogger
}

// NewSQLite opens (or creates) the database and its samples table.
func NewSQLite(cfg SQLiteConfig, log logrus.FieldLogger) (*SQLite, error) {
	if cfg.Path == "" {
		cfg.Path = "obd2.db"
	}
	if dir := filepath.Dir(cfg.Path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("sqlite: mkdir %s: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", cfg.Path, err)
	}
	db.SetMaxOpenConns(1)

	for _, q := range []string{createSamplesSQL, createSamplesIndexSQL} {
		if _, err := db.Exec(q); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlite: create table in %s: %w", cfg.Path, err)
		}
	}
	stmt, err := db.Prepare(insertSampleSQL)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: prepare insert: %w", err)
	}

	s := &SQLite{
		db:   db,
		stmt: stmt,
		path: cfg.Path,
		now:  time.Now,
		log:  log.WithField("component", "sqlite"),
	}
	s.log.Infof("opened %s", cfg.Path)
	return s, nil
}

func (s *SQLite) Name() string { return "sqlite" }

func (s *SQLite) Publish(ctx context.Context, measurement, field string, value float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stmt == nil {
		return &PublishError{Sink: s.Name(), Err: fmt.Errorf("closed")}
	}
	ts := s.now().UTC().Format("2006-01-02 15:04:05.000")
	if _, err := s.stmt.ExecContext(ctx, ts, measurement, field, value); err != nil {
		return &PublishError{Sink: s.Name(), Err: err}
	}
	return nil
}

func (s *SQLite) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stmt == nil {
		return nil
	}
	s.stmt.Close()
	s.stmt = nil
	s.log.Infof("closed %s", s.path)
	return s.db.Close()
}
