package fetcher

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/viktsys/optionscan/calendar"
	"github.com/viktsys/optionscan/models"
	"github.com/viktsys/optionscan/snapshot"
)

// ChainCache keeps the raw option chains fetched for a date so a re-run of
// that date does not repeat per-ticker calls.
type ChainCache struct {
	dir string
}

func NewChainCache(dataDir string) *ChainCache {
	return &ChainCache{dir: filepath.Join(dataDir, "cache", "chains")}
}

func (c *ChainCache) Path(date calendar.TradingDate) string {
	return filepath.Join(c.dir, date.String()+".json")
}

// Load returns the cached chains for date, or an empty map.
func (c *ChainCache) Load(date calendar.TradingDate) (map[string][]models.RawContractRecord, error) {
	chains := make(map[string][]models.RawContractRecord)
	data, err := os.ReadFile(c.Path(date))
	if errors.Is(err, os.ErrNotExist) {
		return chains, nil
	}
	if err != nil {
		return chains, fmt.Errorf("failed to read chain cache: %w", err)
	}
	if err := json.Unmarshal(data, &chains); err != nil {
		return make(map[string][]models.RawContractRecord), fmt.Errorf("failed to decode chain cache: %w", err)
	}
	if chains == nil {
		chains = make(map[string][]models.RawContractRecord)
	}
	return chains, nil
}

func (c *ChainCache) Store(date calendar.TradingDate, chains map[string][]models.RawContractRecord) error {
	return snapshot.WriteFileAtomic(c.Path(date), func(w io.Writer) error {
		return json.NewEncoder(w).Encode(chains)
	})
}
