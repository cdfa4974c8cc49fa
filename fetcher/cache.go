package fetcher

import (
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/viktsys/optionscan/calendar"
	"github.com/viktsys/optionscan/snapshot"
)

// Cache keeps raw bulk files under <data_dir>/cache/bulk, one per date.
type Cache struct {
	dir string
}

func NewCache(dataDir string) *Cache {
	return &Cache{dir: filepath.Join(dataDir, "cache", "bulk")}
}

func (c *Cache) Path(date calendar.TradingDate) string {
	return filepath.Join(c.dir, date.String()+".csv.gz")
}

// Lookup returns the cached file for date and its size, if one exists.
func (c *Cache) Lookup(date calendar.TradingDate) (string, int64, bool) {
	path := c.Path(date)
	info, err := os.Stat(path)
	if err != nil || info.IsDir() || info.Size() == 0 {
		return "", 0, false
	}
	return path, info.Size(), true
}

// Store writes the file for date atomically. A failing write leaves any
// earlier file untouched and no partial file behind.
func (c *Cache) Store(date calendar.TradingDate, write func(w io.Writer) error) (string, error) {
	path := c.Path(date)
	if err := snapshot.WriteFileAtomic(path, write); err != nil {
		return "", err
	}
	return path, nil
}

// FreshnessPolicy decides whether a cached bulk file may be reused. A file
// for the live date is stale while the market is open; every other cached
// file is fresh.
type FreshnessPolicy struct {
	Calendar *calendar.Calendar
	Now      func() time.Time
}

func (f FreshnessPolicy) Fresh(date calendar.TradingDate) bool {
	now := time.Now
	if f.Now != nil {
		now = f.Now
	}
	cal := f.Calendar
	if cal == nil {
		cal = calendar.Default()
	}
	t := now()
	if !cal.Today(t).Equal(date.Time()) {
		return true
	}
	return !cal.IsMarketOpen(t)
}
