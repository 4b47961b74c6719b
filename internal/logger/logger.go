package logger

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/shaunagostinho/obd-uplink/internal/obd"
)

// Logger records timestamped coolant readings to CSV files with automatic rotation.
type Logger struct {
	mu       sync.Mutex
	dir      string
	interval time.Duration
	enabled  bool
	maxRows  int

	file   *os.File
	writer *csv.Writer
	lastTs time.Time
	rows   int
}

// Config holds logger configuration.
type Config struct {
	Enabled    bool   `yaml:"enabled" json:"enabled"`
	Path       string `yaml:"path" json:"path"`
	IntervalMs int    `yaml:"interval_ms" json:"intervalMs"`
	MaxRows    int    `yaml:"max_rows" json:"maxRows"`
}

const (
	DefaultPath    = "/var/log/obduplink"
	defaultMaxRows = 100_000 // ~28 hrs at 1 Hz
)

var csvHeader = []string{"timestamp", "coolant_c", "decoder", "raw"}

// New creates a new Logger. Intervals below one second are allowed;
// zero records every reading.
func New(cfg Config) *Logger {
	if cfg.Path == "" {
		cfg.Path = DefaultPath
	}
	if cfg.MaxRows <= 0 {
		cfg.MaxRows = defaultMaxRows
	}
	interval := time.Duration(cfg.IntervalMs) * time.Millisecond
	if interval < 0 {
		interval = 0
	}
	return &Logger{
		dir:      cfg.Path,
		interval: interval,
		enabled:  cfg.Enabled,
		maxRows:  cfg.MaxRows,
	}
}

// SetEnabled allows toggling logging at runtime.
func (l *Logger) SetEnabled(on bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.enabled = on
	if !on && l.file != nil {
		l.closeFile()
	}
}

// IsEnabled returns whether logging is active.
func (l *Logger) IsEnabled() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.enabled
}

// Observe implements obd.Observer.
func (l *Logger) Observe(r obd.Reading) { l.Record(r) }

// Record writes a reading if the minimum interval has elapsed.
func (l *Logger) Record(r obd.Reading) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.enabled {
		return
	}

	ts := r.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	if !l.lastTs.IsZero() && ts.Sub(l.lastTs) < l.interval {
		return
	}
	l.lastTs = ts

	// Open/rotate file if needed
	if l.writer == nil || l.rows >= l.maxRows {
		if err := l.rotateFile(ts); err != nil {
			log.Errorf("[logger] rotate failed: %v", err)
			return
		}
	}

	row := []string{
		ts.Format(time.RFC3339Nano),
		strconv.Itoa(r.Coolant),
		r.Decoder,
		r.Raw,
	}
	if err := l.writer.Write(row); err != nil {
		log.Errorf("[logger] write failed: %v", err)
		return
	}
	l.writer.Flush()
	l.rows++
}

// Close flushes and closes the current log file.
func (l *Logger) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closeFile()
}

func (l *Logger) rotateFile(now time.Time) error {
	l.closeFile()

	if err := os.MkdirAll(l.dir, 0755); err != nil {
		return errors.Wrapf(err, "mkdir %s", l.dir)
	}

	filename := fmt.Sprintf("coolant_%s.csv", now.Format("2006-01-02_150405.000"))
	path := filepath.Join(l.dir, filename)

	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "create %s", path)
	}

	l.file = f
	l.writer = csv.NewWriter(f)
	l.rows = 0

	if err := l.writer.Write(csvHeader); err != nil {
		return err
	}
	l.writer.Flush()

	log.Printf("[logger] opened %s", path)
	return nil
}

func (l *Logger) closeFile() {
	if l.writer != nil {
		l.writer.Flush()
		l.writer = nil
	}
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}
}
