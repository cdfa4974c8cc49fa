// Package calendar decides which calendar days are exchange trading days.
//
// The holiday table is loaded once when a Calendar is built and never changes
// afterwards, so a Calendar is safe for concurrent readers.
package calendar

import (
	"errors"
	"fmt"
	"sync"
	"time"
	_ "time/tzdata"
)

const (
	dateLayout = "2006-01-02"

	// DefaultMaxLookback bounds previous/next searches so a malformed holiday
	// table cannot send us into an unbounded loop.
	DefaultMaxLookback = 10

	exchangeZone = "America/New_York"
)

// ErrNoTradingDayFound is returned when no trading day exists inside the look-back window.
var ErrNoTradingDayFound = errors.New("no trading day found")

// TradingDate is a calendar day confirmed to be a trading day.
type TradingDate struct {
	t time.Time
}

// Time returns the day at midnight UTC.
func (d TradingDate) Time() time.Time { return d.t }

func (d TradingDate) String() string {
	if d.t.IsZero() {
		return ""
	}
	return d.t.Format(dateLayout)
}

func (d TradingDate) IsZero() bool { return d.t.IsZero() }

func (d TradingDate) Before(o TradingDate) bool { return d.t.Before(o.t) }

func (d TradingDate) Equal(o TradingDate) bool { return d.t.Equal(o.t) }

// DaysUntil returns the number of calendar days from d to t (negative when t is earlier).
func (d TradingDate) DaysUntil(t time.Time) int {
	return int(Day(t).Sub(d.t).Hours() / 24)
}

func (d TradingDate) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText restores a date written by MarshalText. Persisted dates were
// confirmed when they were written, so no calendar lookup happens here.
func (d *TradingDate) UnmarshalText(b []byte) error {
	if len(b) == 0 {
		d.t = time.Time{}
		return nil
	}
	t, err := time.Parse(dateLayout, string(b))
	if err != nil {
		return fmt.Errorf("invalid trading date %q: %w", string(b), err)
	}
	d.t = t
	return nil
}

// Day truncates t to its calendar day, expressed at midnight UTC.
func Day(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// ParseDay parses a YYYY-MM-DD string into a calendar day.
func ParseDay(s string) (time.Time, error) {
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date format %q (want YYYY-MM-DD): %w", s, err)
	}
	return t, nil
}

// Calendar answers trading-day questions against a static holiday table.
type Calendar struct {
	holidays    map[time.Time]struct{}
	loc         *time.Location
	maxLookback int
}

// New builds a calendar from the given full-closure holidays.
func New(holidays []time.Time) *Calendar {
	loc, err := time.LoadLocation(exchangeZone)
	if err != nil {
		loc = time.FixedZone("EST", -5*60*60)
	}
	c := &Calendar{
		holidays:    make(map[time.Time]struct{}, len(holidays)),
		loc:         loc,
		maxLookback: DefaultMaxLookback,
	}
	for _, h := range holidays {
		c.holidays[Day(h)] = struct{}{}
	}
	return c
}

// NewNYSE builds a calendar from the built-in NYSE holiday table.
func NewNYSE() *Calendar {
	return New(nyseHolidays())
}

var (
	defaultOnce sync.Once
	defaultCal  *Calendar
)

// Default returns the process-wide NYSE calendar.
func Default() *Calendar {
	defaultOnce.Do(func() {
		defaultCal = NewNYSE()
	})
	return defaultCal
}

// Location returns the exchange time zone.
func (c *Calendar) Location() *time.Location { return c.loc }

// IsTradingDay reports whether t's calendar day is a weekday and not a holiday.
func (c *Calendar) IsTradingDay(t time.Time) bool {
	d := Day(t)
	switch d.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	_, holiday := c.holidays[d]
	return !holiday
}

// IsHoliday reports whether t falls on a listed exchange holiday.
func (c *Calendar) IsHoliday(t time.Time) bool {
	_, ok := c.holidays[Day(t)]
	return ok
}

// Confirm wraps t as a TradingDate if it is a trading day.
func (c *Calendar) Confirm(t time.Time) (TradingDate, error) {
	d := Day(t)
	if !c.IsTradingDay(d) {
		return TradingDate{}, fmt.Errorf("%s is not a trading day", d.Format(dateLayout))
	}
	return TradingDate{t: d}, nil
}

// PreviousTradingDay returns the closest trading day strictly before from.
func (c *Calendar) PreviousTradingDay(from time.Time) (TradingDate, error) {
	d := Day(from)
	for i := 1; i <= c.maxLookback; i++ {
		candidate := d.AddDate(0, 0, -i)
		if c.IsTradingDay(candidate) {
			return TradingDate{t: candidate}, nil
		}
	}
	return TradingDate{}, fmt.Errorf("%w within %d days before %s", ErrNoTradingDayFound, c.maxLookback, d.Format(dateLayout))
}

// NextTradingDay returns the closest trading day strictly after after.
func (c *Calendar) NextTradingDay(after time.Time) (TradingDate, error) {
	d := Day(after)
	for i := 1; i <= c.maxLookback; i++ {
		candidate := d.AddDate(0, 0, i)
		if c.IsTradingDay(candidate) {
			return TradingDate{t: candidate}, nil
		}
	}
	return TradingDate{}, fmt.Errorf("%w within %d days after %s", ErrNoTradingDayFound, c.maxLookback, d.Format(dateLayout))
}

// LastTradingDay returns onOrBefore itself when it is a trading day, otherwise
// the previous trading day.
func (c *Calendar) LastTradingDay(onOrBefore time.Time) (TradingDate, error) {
	if c.IsTradingDay(onOrBefore) {
		return TradingDate{t: Day(onOrBefore)}, nil
	}
	return c.PreviousTradingDay(onOrBefore)
}

// TradingDaysBetween lists trading days in [start, end], oldest first.
func (c *Calendar) TradingDaysBetween(start, end time.Time) []TradingDate {
	s, e := Day(start), Day(end)
	var days []TradingDate
	for d := s; !d.After(e); d = d.AddDate(0, 0, 1) {
		if c.IsTradingDay(d) {
			days = append(days, TradingDate{t: d})
		}
	}
	return days
}

// TradingDaysBefore lists up to n trading days strictly before end, oldest first.
func (c *Calendar) TradingDaysBefore(end TradingDate, n int) ([]TradingDate, error) {
	days := make([]TradingDate, 0, n)
	cursor := end.t
	for len(days) < n {
		prev, err := c.PreviousTradingDay(cursor)
		if err != nil {
			return nil, err
		}
		days = append(days, prev)
		cursor = prev.t
	}
	for i, j := 0, len(days)-1; i < j; i, j = i+1, j-1 {
		days[i], days[j] = days[j], days[i]
	}
	return days, nil
}

// Today returns the current calendar day in exchange time.
func (c *Calendar) Today(now time.Time) time.Time {
	return Day(now.In(c.loc))
}

// IsMarketOpen reports whether now falls inside the regular session
// (09:30-16:00 exchange time) of a trading day.
func (c *Calendar) IsMarketOpen(now time.Time) bool {
	local := now.In(c.loc)
	if !c.IsTradingDay(Day(local)) {
		return false
	}
	openAt := time.Date(local.Year(), local.Month(), local.Day(), 9, 30, 0, 0, c.loc)
	closeAt := time.Date(local.Year(), local.Month(), local.Day(), 16, 0, 0, 0, c.loc)
	return !local.Before(openAt) && local.Before(closeAt)
}

// ResolveTarget picks the day a run should process. An explicit YYYY-MM-DD
// must be a trading day; otherwise the last completed trading day before
// today (exchange time) is used, since a day's files are published after it closes.
func (c *Calendar) ResolveTarget(now time.Time, explicit string) (TradingDate, error) {
	if explicit != "" {
		d, err := ParseDay(explicit)
		if err != nil {
			return TradingDate{}, err
		}
		return c.Confirm(d)
	}
	return c.PreviousTradingDay(c.Today(now))
}
