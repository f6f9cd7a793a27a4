package models

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"slices"
	"strings"
	"time"
)

// DateLayout is the ISO layout used for dates in storage, hashes and logs.
const DateLayout = "2006-01-02"

// Date is a calendar date without time of day or location.
type Date struct {
	Year  int
	Month time.Month
	Day   int
}

// NewDate returns the normalized date for the given components.
func NewDate(year int, month time.Month, day int) Date {
	return DateOf(time.Date(year, month, day, 0, 0, 0, 0, time.UTC))
}

// DateOf returns the date part of t in t's location.
func DateOf(t time.Time) Date {
	y, m, d := t.Date()
	return Date{Year: y, Month: m, Day: d}
}

// ParseDate parses an ISO date such as 2026-01-08.
func ParseDate(s string) (Date, error) {
	t, err := time.Parse(DateLayout, strings.TrimSpace(s))
	if err != nil {
		return Date{}, fmt.Errorf("invalid date %q: %w", s, err)
	}
	return DateOf(t), nil
}

func (d Date) String() string {
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, d.Month, d.Day)
}

// In returns the given wall clock time on d in loc.
func (d Date) In(loc *time.Location, hour, minute int) time.Time {
	return time.Date(d.Year, d.Month, d.Day, hour, minute, 0, 0, loc)
}

// AddDays returns d shifted by n days.
func (d Date) AddDays(n int) Date {
	return DateOf(time.Date(d.Year, d.Month, d.Day+n, 0, 0, 0, 0, time.UTC))
}

// Compare returns -1, 0 or +1 depending on whether d is before, equal to or after o.
func (d Date) Compare(o Date) int {
	switch {
	case d.Year != o.Year:
		return cmpInt(d.Year, o.Year)
	case d.Month != o.Month:
		return cmpInt(int(d.Month), int(o.Month))
	default:
		return cmpInt(d.Day, o.Day)
	}
}

func (d Date) Before(o Date) bool { return d.Compare(o) < 0 }

func cmpInt(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// DateSet is an ordered set of dates. The zero value is an empty set.
// Build it with NewDateSet so the ordering and uniqueness hold.
type DateSet []Date

// NewDateSet sorts and de-duplicates dates.
func NewDateSet(dates ...Date) DateSet {
	out := slices.Clone(dates)
	slices.SortFunc(out, Date.Compare)
	return DateSet(slices.CompactFunc(out, func(a, b Date) bool { return a == b }))
}

// ParseDateSet parses ISO dates into a set.
func ParseDateSet(values []string) (DateSet, error) {
	dates := make([]Date, 0, len(values))
	for _, v := range values {
		d, err := ParseDate(v)
		if err != nil {
			return nil, err
		}
		dates = append(dates, d)
	}
	return NewDateSet(dates...), nil
}

// Hash is the content hash of the set. It is used to detect changes only,
// never as an identifier. The empty set hashes to "".
func (s DateSet) Hash() string {
	if len(s) == 0 {
		return ""
	}
	sum := sha256.Sum256([]byte(strings.Join(s.Strings(), ",")))
	return hex.EncodeToString(sum[:])[:16]
}

// Strings returns the ISO representation of every date in order.
func (s DateSet) Strings() []string {
	out := make([]string, len(s))
	for i, d := range s {
		out[i] = d.String()
	}
	return out
}

// Contains reports whether d is in the set.
func (s DateSet) Contains(d Date) bool {
	_, ok := slices.BinarySearchFunc(s, d, Date.Compare)
	return ok
}

// Equal reports whether both sets hold the same dates.
func (s DateSet) Equal(o DateSet) bool {
	return slices.Equal(s, o)
}

// First returns the earliest date, or false for an empty set.
func (s DateSet) First() (Date, bool) {
	if len(s) == 0 {
		return Date{}, false
	}
	return s[0], true
}

// Last returns the latest date, or false for an empty set.
func (s DateSet) Last() (Date, bool) {
	if len(s) == 0 {
		return Date{}, false
	}
	return s[len(s)-1], true
}
