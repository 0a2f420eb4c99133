package logger

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/shaunagostinho/obdlog/internal/acquire"
	"github.com/shaunagostinho/obdlog/internal/obd"
)

// Mode selects how samples are laid out on disk.
type Mode string

const (
	// ModeAppend appends every run to one dataset file.
	ModeAppend Mode = "append"
	// ModeRotate starts a timestamped file per run and after MaxRows rows.
	ModeRotate Mode = "rotate"
)

// Config holds logger configuration.
type Config struct {
	Enabled  bool   `yaml:"enabled" json:"enabled"`
	Path     string `yaml:"path" json:"path"` // directory
	Mode     Mode   `yaml:"mode" json:"mode"`
	FileName string `yaml:"file_name" json:"fileName"` // dataset file for append mode
	MaxRows  int    `yaml:"max_rows" json:"maxRows"`   // rotate mode only
}

// Vehicle is the metadata stamped on every row.
type Vehicle struct {
	No   string `yaml:"no" json:"no"`
	Type string `yaml:"type" json:"type"`
	Year string `yaml:"year" json:"year"`
}

const (
	defaultFileName = "obd_dataset.csv"
	defaultMaxRows  = 100_000
	timestampLayout = "2006-01-02T15:04:05.000000-07:00"
)

// bom lets spreadsheet tools detect UTF-8 (the unit columns carry °).
var bom = []byte{0xEF, 0xBB, 0xBF}

// Logger is an acquire.Sink writing samples to CSV.
//
// A file's header never changes. A sample whose parameters differ from
// the current header starts a new file, and append mode never appends to
// a dataset whose header differs; it opens a timestamped sibling instead.
type Logger struct {
	mu      sync.Mutex
	cfg     Config
	params  []obd.PID
	header  []string
	vehicle Vehicle

	file   *os.File
	writer *csv.Writer
	rows   int
	now    func() time.Time
}

// New creates a Logger for samples carrying params in order.
func New(cfg Config, params []obd.PID, vehicle Vehicle) *Logger {
	if cfg.Path == "" {
		cfg.Path = "."
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeAppend
	}
	if cfg.FileName == "" {
		cfg.FileName = defaultFileName
	}
	if cfg.MaxRows <= 0 {
		cfg.MaxRows = defaultMaxRows
	}
	params = slices.Clone(params)
	return &Logger{cfg: cfg, params: params, header: buildHeader(params), vehicle: vehicle, now: time.Now}
}

func buildHeader(params []obd.PID) []string {
	header := []string{"Timestamp", "Vehicle No", "Vehicle Type", "Year"}
	for _, p := range params {
		header = append(header, obd.Label(p))
	}
	return header
}

// SetEnabled allows toggling logging at runtime.
func (l *Logger) SetEnabled(on bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cfg.Enabled = on
	if !on {
		l.closeFile()
	}
}

// IsEnabled returns whether logging is active.
func (l *Logger) IsEnabled() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cfg.Enabled
}

// SetVehicle changes the metadata for subsequent rows.
func (l *Logger) SetVehicle(v Vehicle) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.vehicle = v
}

// CurrentFile returns the path being written, or "".
func (l *Logger) CurrentFile() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return ""
	}
	return l.file.Name()
}

// Accept writes one row per sample.
func (l *Logger) Accept(s acquire.Sample) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.cfg.Enabled {
		return nil
	}

	pids := make([]obd.PID, len(s.Readings))
	for i, v := range s.Readings {
		pids[i] = v.PID
	}
	if !slices.Equal(pids, l.params) {
		log.Info().Str("component", "logger").Int("columns", len(pids)).Msg("parameter set changed, starting a new file")
		l.params, l.header = pids, buildHeader(pids)
		if err := l.closeFile(); err != nil {
			return fmt.Errorf("logger: close: %w", err)
		}
	}

	if l.writer == nil || (l.cfg.Mode == ModeRotate && l.rows >= l.cfg.MaxRows) {
		if err := l.openFile(); err != nil {
			return fmt.Errorf("logger: %w", err)
		}
	}

	row := make([]string, 0, len(l.header))
	row = append(row, s.Timestamp.Format(timestampLayout), l.vehicle.No, l.vehicle.Type, l.vehicle.Year)
	row = append(row, s.Texts()...)
	if err := l.writer.Write(row); err != nil {
		return fmt.Errorf("logger: write: %w", err)
	}
	l.writer.Flush()
	if err := l.writer.Error(); err != nil {
		return fmt.Errorf("logger: flush: %w", err)
	}
	l.rows++
	return nil
}

// EndRun closes the current file so a rotating logger starts a new one
// for the next run.
func (l *Logger) EndRun() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closeFile()
}

// Close flushes and closes the current log file.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closeFile()
}

func (l *Logger) openFile() error {
	l.closeFile()

	if err := os.MkdirAll(l.cfg.Path, 0755); err != nil {
		return fmt.Errorf("mkdir %s: %w", l.cfg.Path, err)
	}

	stamp := l.now().Format("20060102_150405")
	name := l.cfg.FileName
	if l.cfg.Mode == ModeRotate {
		name = fmt.Sprintf("obd_log_%s.csv", stamp)
	}
	path := filepath.Join(l.cfg.Path, name)

	ok, err := l.headerMatches(path)
	if err != nil {
		return err
	}
	if !ok {
		if path, err = l.freshPath(name, stamp); err != nil {
			return err
		}
		log.Warn().Str("component", "logger").Str("dataset", name).Str("file", path).
			Msg("existing file has a different header, writing to a new file")
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat %s: %w", path, err)
	}

	l.file = f
	l.writer = csv.NewWriter(f)
	l.rows = 0

	// header only for a new file
	if info.Size() == 0 {
		if _, err := f.Write(bom); err != nil {
			return err
		}
		if err := l.writer.Write(l.header); err != nil {
			return err
		}
		l.writer.Flush()
	}

	log.Info().Str("component", "logger").Str("file", path).Bool("new", info.Size() == 0).Msg("logging to file")
	return nil
}

// freshPath finds a file next to name that is missing or already carries
// the current header: obd_dataset_<ts>.csv, then obd_dataset_<ts>_2.csv.
func (l *Logger) freshPath(name, stamp string) (string, error) {
	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)
	if l.cfg.Mode == ModeAppend {
		base += "_" + stamp
	}
	for n := 1; n <= 100; n++ {
		alt := base
		if n > 1 {
			alt = fmt.Sprintf("%s_%d", base, n)
		}
		path := filepath.Join(l.cfg.Path, alt+ext)
		ok, err := l.headerMatches(path)
		if err != nil {
			return "", err
		}
		if ok {
			return path, nil
		}
	}
	return "", fmt.Errorf("no free file name next to %s", name)
}

// headerMatches reports whether path is missing, empty, or starts with
// the current header.
func (l *Logger) headerMatches(path string) (bool, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	br := bufio.NewReader(f)
	if lead, err := br.Peek(len(bom)); err == nil && bytes.Equal(lead, bom) {
		br.Discard(len(bom))
	}
	got, err := csv.NewReader(br).Read()
	if errors.Is(err, io.EOF) {
		return true, nil
	}
	if err != nil {
		return false, nil
	}
	return slices.Equal(got, l.header), nil
}

func (l *Logger) closeFile() error {
	if l.writer != nil {
		l.writer.Flush()
		l.writer = nil
	}
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}
