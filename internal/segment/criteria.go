// Package segment compiles contact filter criteria into predicates that can
// be rendered as SQL for the contact repository or evaluated in memory.
package segment

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

var ErrInvalidSegment = errors.New("invalid segment")

// DateRange limits contacts to those created within a trailing window
type DateRange string

const (
	DateRangeAll     DateRange = "all"
	DateRange7Days   DateRange = "7d"
	DateRange30Days  DateRange = "30d"
	DateRange90Days  DateRange = "90d"
	DateRange365Days DateRange = "365d"
)

var dateRangeWindows = map[DateRange]time.Duration{
	DateRange7Days:   7 * 24 * time.Hour,
	DateRange30Days:  30 * 24 * time.Hour,
	DateRange90Days:  90 * 24 * time.Hour,
	DateRange365Days: 365 * 24 * time.Hour,
}

// Window returns the trailing window, or zero when the range is unbounded
func (d DateRange) Window() time.Duration {
	return dateRangeWindows[d]
}

// Valid reports whether d is a known range. Empty means all.
func (d DateRange) Valid() bool {
	if d == "" || d == DateRangeAll {
		return true
	}
	_, ok := dateRangeWindows[d]
	return ok
}

// Criteria is the filter state of the contact list view. Empty filters
// place no constraint on their attribute.
type Criteria struct {
	SearchValue   string    `json:"searchValue,omitempty"`
	Tags          []string  `json:"tags,omitempty"`
	Countries     []string  `json:"countries,omitempty"`
	Organizations []string  `json:"organizations,omitempty"`
	Provinces     []string  `json:"provinces,omitempty"`
	Cities        []string  `json:"cities,omitempty"`
	Zips          []string  `json:"zips,omitempty"`
	Phones        []string  `json:"phones,omitempty"`
	DateRange     DateRange `json:"dateRange,omitempty"`
}

// Validate checks the enumerated fields
func (c Criteria) Validate() error {
	if !c.DateRange.Valid() {
		return fmt.Errorf("%w: unknown date range %q", ErrInvalidSegment, c.DateRange)
	}
	return nil
}

// IsEmpty reports whether the criteria constrain nothing
func (c Criteria) IsEmpty() bool {
	return strings.TrimSpace(c.SearchValue) == "" &&
		len(c.Tags) == 0 &&
		len(c.Countries) == 0 &&
		len(c.Organizations) == 0 &&
		len(c.Provinces) == 0 &&
		len(c.Cities) == 0 &&
		len(c.Zips) == 0 &&
		len(c.Phones) == 0 &&
		c.DateRange.Window() == 0
}

// ParseQuery reads criteria from URL query values. Multi-value filters
// accept both repeated keys and comma-separated values.
func ParseQuery(q url.Values) Criteria {
	list := func(key string) []string {
		var out []string
		for _, v := range q[key] {
			for _, part := range strings.Split(v, ",") {
				if part = strings.TrimSpace(part); part != "" {
					out = append(out, part)
				}
			}
		}
		return out
	}

	return Criteria{
		SearchValue:   q.Get("searchValue"),
		Tags:          list("tags"),
		Countries:     list("countries"),
		Organizations: list("organizations"),
		Provinces:     list("provinces"),
		Cities:        list("cities"),
		Zips:          list("zips"),
		Phones:        list("phones"),
		DateRange:     DateRange(q.Get("dateRange")),
	}
}
