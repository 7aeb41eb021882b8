package schedule

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	// SlotsPerDay is the fixed number of (time, value) slots every day holds.
	SlotsPerDay = 4

	// DefaultTimezone is used when the matrix carries no usable timezone.
	DefaultTimezone = "Australia/Brisbane"
)

// Days are the week's day keys in firing order.
var Days = []string{"mon", "tue", "wed", "thu", "fri", "sat", "sun"}

var dayIndex = map[string]int{
	"mon": 0, "tue": 1, "wed": 2, "thu": 3, "fri": 4, "sat": 5, "sun": 6,
}

// Slot is one scheduled change: a HH:MM time of day and a cap value in GB.
// A slot with an empty time or value is inert.
type Slot struct {
	Time  string `json:"time"`
	Value string `json:"value"`
}

// Valid reports whether the slot is populated and well-formed.
func (s Slot) Valid() bool {
	_, _, ok := ParseSlotTime(s.Time)
	return ok && strings.TrimSpace(s.Value) != ""
}

// ParseSlotTime parses a HH:MM slot time.
func ParseSlotTime(t string) (hour, minute int, ok bool) {
	t = strings.TrimSpace(t)
	parts := strings.SplitN(t, ":", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, 0, false
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, 0, false
	}
	return h, m, true
}

// LineSchedule is one line's weekly plan: a default row the UI copies across
// the week, and the per-day slots the scheduler actually fires.
type LineSchedule struct {
	Enabled bool              `json:"enabled"`
	Default []Slot            `json:"default"`
	Week    map[string][]Slot `json:"week"`
}

// Matrix is the persisted schedule configuration.
type Matrix struct {
	Timezone string                  `json:"timezone"`
	Lines    map[string]LineSchedule `json:"lines"`
}

// Location resolves the matrix timezone, falling back to the default.
func (m *Matrix) Location() *time.Location {
	loc, err := time.LoadLocation(m.Timezone)
	if err != nil {
		loc, err = time.LoadLocation(DefaultTimezone)
		if err != nil {
			return time.UTC
		}
	}
	return loc
}

func emptyRow() []Slot {
	return make([]Slot, SlotsPerDay)
}

func emptyWeek() map[string][]Slot {
	week := make(map[string][]Slot, len(Days))
	for _, d := range Days {
		week[d] = emptyRow()
	}
	return week
}

// DefaultMatrix builds a safe empty matrix covering the given lines.
func DefaultMatrix(lines []string) *Matrix {
	m := &Matrix{
		Timezone: DefaultTimezone,
		Lines:    make(map[string]LineSchedule, len(lines)),
	}
	for _, l := range lines {
		m.Lines[l] = LineSchedule{Enabled: true, Default: emptyRow(), Week: emptyWeek()}
	}
	return m
}

func padSlots(slots []Slot) []Slot {
	if slots == nil {
		return emptyRow()
	}
	for len(slots) < SlotsPerDay {
		slots = append(slots, Slot{})
	}
	return slots[:SlotsPerDay]
}

// Normalize repairs a loaded matrix in place: every known line present,
// every day exactly SlotsPerDay slots, unknown lines dropped, timezone
// defaulted.
func (m *Matrix) Normalize(lines []string) {
	if strings.TrimSpace(m.Timezone) == "" {
		m.Timezone = DefaultTimezone
	}

	out := make(map[string]LineSchedule, len(lines))
	for _, l := range lines {
		ls, ok := m.Lines[l]
		if !ok {
			ls = LineSchedule{Enabled: true}
		}
		ls.Default = padSlots(ls.Default)
		if ls.Week == nil {
			ls.Week = emptyWeek()
		}
		for _, d := range Days {
			ls.Week[d] = padSlots(ls.Week[d])
		}
		for d := range ls.Week {
			if _, known := dayIndex[d]; !known {
				delete(ls.Week, d)
			}
		}
		out[l] = ls
	}
	m.Lines = out
}

// CopyDefaults copies a line's default row down to every day of its week.
func (m *Matrix) CopyDefaults(line string) error {
	ls, ok := m.Lines[line]
	if !ok {
		return fmt.Errorf("unknown line: %s", line)
	}
	ls.Default = padSlots(ls.Default)
	for _, d := range Days {
		row := make([]Slot, SlotsPerDay)
		copy(row, ls.Default)
		ls.Week[d] = row
	}
	m.Lines[line] = ls
	return nil
}

// FileStore loads and saves the schedule matrix as a JSON document,
// auto-creating and auto-repairing it so load never fails on a missing or
// malformed file.
type FileStore struct {
	path   string
	lines  []string
	logger zerolog.Logger
	mu     sync.Mutex
}

// NewFileStore creates a matrix file store for the known lines.
func NewFileStore(path string, lines []string, logger zerolog.Logger) *FileStore {
	return &FileStore{
		path:   path,
		lines:  lines,
		logger: logger.With().Str("component", "schedule-store").Logger(),
	}
}

// Path returns the matrix file path.
func (s *FileStore) Path() string {
	return s.path
}

// Load reads the matrix, repairing its shape and re-saving the repaired
// form. A missing or unreadable file yields the default matrix.
func (s *FileStore) Load() (*Matrix, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked()
}

func (s *FileStore) loadLocked() (*Matrix, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn().Err(err).Str("path", s.path).Msg("Failed to read schedule matrix, recreating defaults")
		}
		m := DefaultMatrix(s.lines)
		m.Normalize(s.lines)
		if err := s.saveLocked(m); err != nil {
			return nil, err
		}
		return m, nil
	}

	var m Matrix
	if err := json.Unmarshal(data, &m); err != nil {
		s.logger.Warn().Err(err).Str("path", s.path).Msg("Schedule matrix is malformed, recreating defaults")
		repaired := DefaultMatrix(s.lines)
		repaired.Normalize(s.lines)
		if err := s.saveLocked(repaired); err != nil {
			return nil, err
		}
		return repaired, nil
	}

	m.Normalize(s.lines)
	if err := s.saveLocked(&m); err != nil {
		// Repaired shape is still usable in memory
		s.logger.Warn().Err(err).Msg("Failed to re-save repaired schedule matrix")
	}
	return &m, nil
}

// Save persists the matrix atomically after normalizing it.
func (s *FileStore) Save(m *Matrix) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m.Normalize(s.lines)
	return s.saveLocked(m)
}

func (s *FileStore) saveLocked(m *Matrix) error {
	if dir := filepath.Dir(s.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create schedule directory: %w", err)
		}
	}

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode schedule matrix: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write schedule matrix: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("failed to replace schedule matrix: %w", err)
	}
	return nil
}
