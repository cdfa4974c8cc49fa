package models

import (
	"bytes"
	"encoding/json"
	"math"
)

var jsonNull = []byte("null")

// NullFloat is a float that may be undefined. Undefined is distinct from zero
// and serialises as JSON null.
type NullFloat struct {
	Float float64
	Valid bool
}

// Float returns a defined NullFloat.
func Float(v float64) NullFloat {
	return NullFloat{Float: v, Valid: true}
}

// Divide returns num/den, undefined when den is zero.
func Divide(num, den float64) NullFloat {
	if den == 0 || math.IsNaN(num) || math.IsNaN(den) {
		return NullFloat{}
	}
	return Float(num / den)
}

// SideRatio returns num/den for two sides of a book. A one-sided book
// (either leg zero) has no ratio rather than a ratio of zero or infinity.
func SideRatio(num, den int64) NullFloat {
	if num <= 0 || den <= 0 {
		return NullFloat{}
	}
	return Float(float64(num) / float64(den))
}

func (n NullFloat) MarshalJSON() ([]byte, error) {
	if !n.Valid {
		return jsonNull, nil
	}
	return json.Marshal(n.Float)
}

func (n *NullFloat) UnmarshalJSON(b []byte) error {
	if bytes.Equal(bytes.TrimSpace(b), jsonNull) {
		*n = NullFloat{}
		return nil
	}
	if err := json.Unmarshal(b, &n.Float); err != nil {
		return err
	}
	n.Valid = true
	return nil
}

// NullInt is an integer that may be undefined.
type NullInt struct {
	Int   int64
	Valid bool
}

// Int returns a defined NullInt.
func Int(v int64) NullInt {
	return NullInt{Int: v, Valid: true}
}

func (n NullInt) MarshalJSON() ([]byte, error) {
	if !n.Valid {
		return jsonNull, nil
	}
	return json.Marshal(n.Int)
}

func (n *NullInt) UnmarshalJSON(b []byte) error {
	if bytes.Equal(bytes.TrimSpace(b), jsonNull) {
		*n = NullInt{}
		return nil
	}
	if err := json.Unmarshal(b, &n.Int); err != nil {
		return err
	}
	n.Valid = true
	return nil
}
