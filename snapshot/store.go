// Package snapshot persists one file per trading day holding that day's
// enriched aggregates. It is the only durable state the scanner keeps.
package snapshot

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/viktsys/optionscan/calendar"
	"github.com/viktsys/optionscan/models"
)

// ErrNotFound is returned by Load when no snapshot exists for a date.
var ErrNotFound = errors.New("snapshot not found")

// Snapshot is the persisted record of one successful run.
type Snapshot struct {
	Date       calendar.TradingDate       `json:"date"`
	RunID      string                     `json:"run_id"`
	DataSource models.DataPath            `json:"data_source"`
	Aggregates []models.EnrichedAggregate `json:"aggregates"`
	Anomalies  []models.AnomalyRecord     `json:"anomalies,omitempty"`
}

// Store reads and writes snapshots under <data_dir>/snapshots.
type Store struct {
	dir string
}

func NewStore(dataDir string) *Store {
	return &Store{dir: filepath.Join(dataDir, "snapshots")}
}

func (s *Store) Dir() string { return s.dir }

func (s *Store) Path(date calendar.TradingDate) string {
	return filepath.Join(s.dir, date.String()+".json")
}

func (s *Store) ParquetPath(date calendar.TradingDate) string {
	return filepath.Join(s.dir, date.String()+".parquet")
}

// Save writes snap atomically, replacing any earlier snapshot for the same date.
func (s *Store) Save(snap *Snapshot) error {
	if snap == nil || snap.Date.IsZero() {
		return errors.New("snapshot has no date")
	}
	return WriteFileAtomic(s.Path(snap.Date), func(w io.Writer) error {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(snap); err != nil {
			return fmt.Errorf("failed to encode snapshot %s: %w", snap.Date, err)
		}
		return nil
	})
}

func (s *Store) Load(date calendar.TradingDate) (*Snapshot, error) {
	data, err := os.ReadFile(s.Path(date))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w for %s", ErrNotFound, date)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot %s: %w", date, err)
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot %s: %w", date, err)
	}
	return &snap, nil
}

func (s *Store) Exists(date calendar.TradingDate) bool {
	_, err := os.Stat(s.Path(date))
	return err == nil
}

// Dates lists the days that have a snapshot, oldest first.
func (s *Store) Dates() ([]calendar.TradingDate, error) {
	entries, err := os.ReadDir(s.dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}

	var dates []calendar.TradingDate
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ".json") {
			continue
		}
		var d calendar.TradingDate
		if err := d.UnmarshalText([]byte(strings.TrimSuffix(name, ".json"))); err != nil {
			continue
		}
		dates = append(dates, d)
	}
	sort.Slice(dates, func(i, j int) bool { return dates[i].Before(dates[j]) })
	return dates, nil
}
