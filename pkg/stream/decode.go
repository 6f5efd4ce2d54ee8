package stream

import (
	"errors"
	"math"
	"strconv"
	"strings"
	"time"
)

// Drop reasons reported to the drop counter.
const (
	dropMalformed    = "malformed"
	dropUnrecognized = "unrecognized"
	dropStale        = "stale"
	dropInvalid      = "invalid"
)

var errNotFinite = errors.New("value is not finite")

// flexFloat decodes a JSON number or a numeric string. Exchanges send both.
type flexFloat struct {
	Value float64
	Set   bool
}

func (f *flexFloat) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return err
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return errNotFinite
	}
	f.Value, f.Set = v, true
	return nil
}

func (f flexFloat) ptr() *float64 {
	if !f.Set {
		return nil
	}
	v := f.Value
	return &v
}

type flexInt struct {
	Value int64
	Set   bool
}

func (f *flexInt) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		return nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		fv, ferr := strconv.ParseFloat(s, 64)
		if ferr != nil {
			return err
		}
		v = int64(fv)
	}
	f.Value, f.Set = v, true
	return nil
}

// millis converts an exchange millisecond timestamp, using fallback when the
// field was absent.
func (f flexInt) millis(fallback time.Time) time.Time {
	if !f.Set {
		return fallback
	}
	return time.UnixMilli(f.Value)
}

// millisOrZero is for fields like next funding time where absent means
// unknown.
func (f flexInt) millisOrZero() time.Time {
	if !f.Set || f.Value <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(f.Value)
}
