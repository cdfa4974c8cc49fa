package calendar

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// holidayFile is the on-disk shape of a custom holiday table.
type holidayFile struct {
	Holidays []string `yaml:"holidays"`
}

// LoadHolidayFile reads a YAML list of YYYY-MM-DD full-closure days.
func LoadHolidayFile(path string) ([]time.Time, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read holiday file: %w", err)
	}

	var f holidayFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("cannot parse holiday file: %w", err)
	}

	days := make([]time.Time, 0, len(f.Holidays))
	for _, s := range f.Holidays {
		d, err := ParseDay(s)
		if err != nil {
			return nil, fmt.Errorf("holiday file %s: %w", path, err)
		}
		days = append(days, d)
	}
	return days, nil
}

// nyseHolidays lists NYSE full-day closures. Early closes trade normally.
func nyseHolidays() []time.Time {
	raw := []string{
		// 2023
		"2023-01-02", "2023-01-16", "2023-02-20", "2023-04-07", "2023-05-29",
		"2023-06-19", "2023-07-04", "2023-09-04", "2023-11-23", "2023-12-25",
		// 2024
		"2024-01-01", "2024-01-15", "2024-02-19", "2024-03-29", "2024-05-27",
		"2024-06-19", "2024-07-04", "2024-09-02", "2024-11-28", "2024-12-25",
		// 2025 (Jan 9: national day of mourning)
		"2025-01-01", "2025-01-09", "2025-01-20", "2025-02-17", "2025-04-18",
		"2025-05-26", "2025-06-19", "2025-07-04", "2025-09-01", "2025-11-27",
		"2025-12-25",
		// 2026
		"2026-01-01", "2026-01-19", "2026-02-16", "2026-04-03", "2026-05-25",
		"2026-06-19", "2026-07-03", "2026-09-07", "2026-11-26", "2026-12-25",
		// 2027
		"2027-01-01", "2027-01-18", "2027-02-15", "2027-03-26", "2027-05-31",
		"2027-06-18", "2027-07-05", "2027-09-06", "2027-11-25", "2027-12-24",
	}
	days := make([]time.Time, 0, len(raw))
	for _, s := range raw {
		d, err := time.Parse(dateLayout, s)
		if err != nil {
			panic(fmt.Sprintf("calendar: bad built-in holiday %q", s))
		}
		days = append(days, d)
	}
	return days
}
