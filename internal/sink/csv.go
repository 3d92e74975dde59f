package sink

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// CSVConfig holds CSV logger configuration.
type CSVConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled" json:"enabled"`
	Path    string `yaml:"path" toml:"path" json:"path"`
	MaxRows int    `yaml:"max_rows" toml:"max_rows" json:"maxRows"`
}

const defaultMaxRows = 100_000 // Rotate after 100k rows

var csvHeader = []string{"timestamp", "measurement", "field", "value"}

// CSV records timestamped samples to CSV files with automatic rotation.
type CSV struct {
	mu      sync.Mutex
	dir     string
	maxRows int
	now     func() time.Time
	log     logrus.FieldLogger

	file   *os.File
	writer *csv.Writer
	rows   int
	seq    int
}

// NewCSV creates a CSV sink. Files are opened lazily on the first sample.
func NewCSV(cfg CSVConfig, log logrus.FieldLogger) *CSV {
	if cfg.Path == "" {
		cfg.Path = "/var/log/obd2-logger"
	}
	if cfg.MaxRows <= 0 {
		cfg.MaxRows = defaultMaxRows
	}
	return &CSV{
		dir:     cfg.Path,
		maxRows: cfg.MaxRows,
		now:     time.Now,
		log:     log.WithField("component", "csv"),
	}
}

func (c *CSV) Name() string { return "csv" }

// Publish appends one row, rotating the file when it is full.
func (c *CSV) Publish(ctx context.Context, measurement, field string, value float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()

	// Open/rotate file if needed
	if c.writer == nil || c.rows >= c.maxRows {
		if err := c.rotateFile(now); err != nil {
			return &PublishError{Sink: c.Name(), Err: fmt.Errorf("rotate: %w", err)}
		}
	}

	row := []string{
		now.Format(time.RFC3339Nano),
		measurement,
		field,
		strconv.FormatFloat(value, 'f', -1, 64),
	}
	if err := c.writer.Write(row); err != nil {
		return &PublishError{Sink: c.Name(), Err: err}
	}
	c.writer.Flush()
	if err := c.writer.Error(); err != nil {
		return &PublishError{Sink: c.Name(), Err: err}
	}
	c.rows++
	return nil
}

// Close flushes and closes the current file.
func (c *CSV) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeFile()
}

func (c *CSV) rotateFile(now time.Time) error {
	if err := c.closeFile(); err != nil {
		c.log.Warnf("close previous file: %v", err)
	}

	if err := os.MkdirAll(c.dir, 0755); err != nil {
		return fmt.Errorf("mkdir %s: %w", c.dir, err)
	}

	c.seq++
	filename := fmt.Sprintf("obd2_%s_%03d.csv", now.Format("2006-01-02_150405"), c.seq)
	path := filepath.Join(c.dir, filename)

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}

	c.file = f
	c.writer = csv.NewWriter(f)
	c.rows = 0

	// Write header
	if err := c.writer.Write(csvHeader); err != nil {
		return err
	}
	c.writer.Flush()

	c.log.Infof("opened %s", path)
	return nil
}

func (c *CSV) closeFile() error {
	if c.writer != nil {
		c.writer.Flush()
		c.writer = nil
	}
	if c.file != nil {
		err := c.file.Close()
		c.file = nil
		return err
	}
	return nil
}
