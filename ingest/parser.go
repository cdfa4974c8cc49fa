package ingest

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/viktsys/optionscan/calendar"
	"github.com/viktsys/optionscan/models"
)

const (
	DefaultNearTermDays = 30
	DefaultLeapDays     = 365
	DefaultATMBand      = 0.02
)

// ErrMalformedRecord marks a row that cannot be coerced into a contract.
var ErrMalformedRecord = errors.New("malformed record")

// MalformedRecordError describes which field of a row failed.
type MalformedRecordError struct {
	Ticker string
	Field  string
	Value  string
	Reason string
}

func (e *MalformedRecordError) Error() string {
	return fmt.Sprintf("malformed record %q: field %s=%q: %s", e.Ticker, e.Field, e.Value, e.Reason)
}

func (e *MalformedRecordError) Unwrap() error { return ErrMalformedRecord }

// OCC option symbol as used by Polygon: O:<root><YYMMDD><C|P><strike*1000, 8 digits>
var occTicker = regexp.MustCompile(`^O:([A-Z][A-Z0-9.]*?)(\d{6})([CP])(\d{8})$`)

var strikeScale = decimal.New(1, 3)

// ParserConfig holds the classification thresholds.
type ParserConfig struct {
	NearTermDays int     `yaml:"near_term_days"`
	LeapDays     int     `yaml:"leap_days"`
	ATMBand      float64 `yaml:"atm_band"`
}

func DefaultParserConfig() ParserConfig {
	return ParserConfig{
		NearTermDays: DefaultNearTermDays,
		LeapDays:     DefaultLeapDays,
		ATMBand:      DefaultATMBand,
	}
}

// Parser turns raw rows into classified contracts for one trading day.
// Days to expiry are measured from that day, never from the wall clock.
type Parser struct {
	asOf calendar.TradingDate
	cfg  ParserConfig
}

func NewParser(asOf calendar.TradingDate, cfg ParserConfig) *Parser {
	if cfg.NearTermDays <= 0 {
		cfg.NearTermDays = DefaultNearTermDays
	}
	if cfg.LeapDays <= 0 {
		cfg.LeapDays = DefaultLeapDays
	}
	if cfg.ATMBand < 0 {
		cfg.ATMBand = DefaultATMBand
	}
	return &Parser{asOf: asOf, cfg: cfg}
}

// DecodeTicker splits an OCC option symbol into underlying, type, expiry and strike.
func DecodeTicker(ticker string) (underlying string, typ models.OptionType, expiry time.Time, strike decimal.Decimal, err error) {
	m := occTicker.FindStringSubmatch(ticker)
	if m == nil {
		return "", "", time.Time{}, decimal.Decimal{}, &MalformedRecordError{
			Ticker: ticker, Field: "ticker", Value: ticker, Reason: "not an OCC option symbol",
		}
	}

	expiry, err = time.Parse("060102", m[2])
	if err != nil {
		return "", "", time.Time{}, decimal.Decimal{}, &MalformedRecordError{
			Ticker: ticker, Field: "expiry", Value: m[2], Reason: "invalid date",
		}
	}

	typ = models.Call
	if m[3] == "P" {
		typ = models.Put
	}

	n, _ := strconv.ParseInt(m[4], 10, 64)
	strike = decimal.NewFromInt(n).Div(strikeScale)
	return m[1], typ, expiry, strike, nil
}

// Parse validates and classifies one raw record. Fields missing from the row
// (bulk rows only carry the ticker) are decoded from the option symbol.
func (p *Parser) Parse(raw models.RawContractRecord) (models.ContractSnapshot, error) {
	var snap models.ContractSnapshot
	ticker := strings.TrimSpace(raw.Ticker)
	malformed := func(field, value, reason string) error {
		return &MalformedRecordError{Ticker: ticker, Field: field, Value: value, Reason: reason}
	}

	var (
		fromTicker  bool
		tUnderlying string
		tType       models.OptionType
		tExpiry     time.Time
		tStrike     decimal.Decimal
	)
	if ticker != "" {
		u, typ, exp, strike, err := DecodeTicker(ticker)
		if err == nil {
			fromTicker = true
			tUnderlying, tType, tExpiry, tStrike = u, typ, exp, strike
		} else if raw.Underlying == "" {
			return snap, err
		}
	}

	snap.Ticker = ticker
	snap.Underlying = strings.ToUpper(strings.TrimSpace(raw.Underlying))
	if snap.Underlying == "" {
		if !fromTicker {
			return snap, malformed("underlying", raw.Underlying, "missing")
		}
		snap.Underlying = tUnderlying
	}

	switch strings.ToLower(strings.TrimSpace(raw.Type)) {
	case "call", "c":
		snap.Type = models.Call
	case "put", "p":
		snap.Type = models.Put
	case "":
		if !fromTicker {
			return snap, malformed("type", raw.Type, "missing")
		}
		snap.Type = tType
	default:
		return snap, malformed("type", raw.Type, "want call or put")
	}

	if s := strings.TrimSpace(raw.Strike); s != "" {
		strike, err := decimal.NewFromString(s)
		if err != nil {
			return snap, malformed("strike", raw.Strike, "not a number")
		}
		snap.Strike = strike
	} else if fromTicker {
		snap.Strike = tStrike
	} else {
		return snap, malformed("strike", raw.Strike, "missing")
	}
	if !snap.Strike.IsPositive() {
		return snap, malformed("strike", snap.Strike.String(), "must be positive")
	}

	if s := strings.TrimSpace(raw.Expiry); s != "" {
		exp, err := time.Parse("2006-01-02", s)
		if err != nil {
			return snap, malformed("expiry", raw.Expiry, "want YYYY-MM-DD")
		}
		snap.Expiry = exp
	} else if fromTicker {
		snap.Expiry = tExpiry
	} else {
		return snap, malformed("expiry", raw.Expiry, "missing")
	}

	volume, err := parseCount(raw.Volume)
	if err != nil {
		return snap, malformed("volume", raw.Volume, err.Error())
	}
	snap.Volume = volume

	if s := strings.TrimSpace(raw.OpenInterest); s != "" {
		oi, err := parseCount(s)
		if err != nil {
			return snap, malformed("open_interest", raw.OpenInterest, err.Error())
		}
		snap.OpenInterest = models.Int(oi)
	}

	if s := strings.TrimSpace(raw.UnderlyingPrice); s != "" {
		price, err := strconv.ParseFloat(s, 64)
		if err != nil || price <= 0 || math.IsInf(price, 0) {
			return snap, malformed("underlying_price", raw.UnderlyingPrice, "must be a positive number")
		}
		snap.UnderlyingPrice = models.Float(price)
	}

	p.classify(&snap)
	return snap, nil
}

func (p *Parser) classify(snap *models.ContractSnapshot) {
	snap.DaysToExpiry = p.asOf.DaysUntil(snap.Expiry)
	switch {
	case snap.DaysToExpiry >= p.cfg.LeapDays:
		snap.Term = models.TermLeap
	case snap.DaysToExpiry <= p.cfg.NearTermDays:
		snap.Term = models.TermNear
	default:
		snap.Term = models.TermMid
	}

	snap.Moneyness = models.MoneynessUnknown
	if !snap.UnderlyingPrice.Valid {
		return
	}
	spot := snap.UnderlyingPrice.Float
	strike := snap.Strike.InexactFloat64()
	if math.Abs(strike-spot)/spot <= p.cfg.ATMBand {
		snap.Moneyness = models.MoneynessATM
		return
	}
	itm := strike < spot
	if snap.Type == models.Put {
		itm = strike > spot
	}
	if itm {
		snap.Moneyness = models.MoneynessITM
	} else {
		snap.Moneyness = models.MoneynessOTM
	}
}

// parseCount accepts integer counts; bulk files sometimes carry them as "123.0".
func parseCount(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		if n < 0 {
			return 0, errors.New("must not be negative")
		}
		return n, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, errors.New("not a number")
	}
	if f < 0 {
		return 0, errors.New("must not be negative")
	}
	if f >= math.MaxInt64 {
		return 0, errors.New("out of range")
	}
	return int64(f), nil
}
