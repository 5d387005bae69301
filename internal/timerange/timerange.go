// Package timerange implements the time-range query used to search runs by
// start time.
//
// Bounds are human-friendly strings interpreted in the range's location, or
// float epoch seconds which are zone independent.
package timerange

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/roach88/databroker/internal/query"
)

// Layouts accepted for string bounds, most specific first.
var Layouts = []string{
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02 15",
	"2006-01-02",
	"2006-01",
	"2006",
}

// TimeRange selects documents whose time lies in [Since, Until).
// Empty bounds are open.
//
// Ranges are built with New or Replace, which parse the bounds; the zero
// value is an open range without a location.
type TimeRange struct {
	sinceText string
	untilText string
	location  *time.Location

	since *time.Time
	until *time.Time
}

// Since returns the lower bound as given.
func (r TimeRange) Since() string { return r.sinceText }

// Until returns the upper bound as given.
func (r TimeRange) Until() string { return r.untilText }

// Location returns the zone string bounds are read in, nil for the zero
// range.
func (r TimeRange) Location() *time.Location { return r.location }

// Option configures a TimeRange.
type Option func(*settings) error

type settings struct {
	since    *string
	until    *string
	location *time.Location
}

// WithSince sets the lower bound.
func WithSince(s string) Option {
	return func(st *settings) error {
		st.since = &s
		return nil
	}
}

// WithUntil sets the upper bound.
func WithUntil(s string) Option {
	return func(st *settings) error {
		st.until = &s
		return nil
	}
}

// WithTimezone sets the location by IANA name.
func WithTimezone(name string) Option {
	return func(st *settings) error {
		loc, err := time.LoadLocation(name)
		if err != nil {
			return fmt.Errorf("unknown timezone %q: %w", name, err)
		}
		st.location = loc
		return nil
	}
}

// WithLocation sets the location directly.
func WithLocation(loc *time.Location) Option {
	return func(st *settings) error {
		if loc == nil {
			return fmt.Errorf("nil location")
		}
		st.location = loc
		return nil
	}
}

// New builds a TimeRange. The location defaults to time.Local.
func New(since, until string, opts ...Option) (TimeRange, error) {
	st := settings{since: &since, until: &until, location: time.Local}
	for _, opt := range opts {
		if err := opt(&st); err != nil {
			return TimeRange{}, err
		}
	}
	return build(st)
}

// Replace returns a copy of r with opts applied. A new location propagates
// to the copy and every string bound is re-interpreted in it.
func (r TimeRange) Replace(opts ...Option) (TimeRange, error) {
	since, until := r.sinceText, r.untilText
	loc := r.location
	if loc == nil {
		loc = time.Local
	}
	st := settings{since: &since, until: &until, location: loc}
	for _, opt := range opts {
		if err := opt(&st); err != nil {
			return TimeRange{}, err
		}
	}
	return build(st)
}

func build(st settings) (TimeRange, error) {
	r := TimeRange{
		sinceText: strings.TrimSpace(*st.since),
		untilText: strings.TrimSpace(*st.until),
		location:  st.location,
	}
	var err error
	if r.since, err = parseBound(r.sinceText, r.location); err != nil {
		return TimeRange{}, fmt.Errorf("since: %w", err)
	}
	if r.until, err = parseBound(r.untilText, r.location); err != nil {
		return TimeRange{}, fmt.Errorf("until: %w", err)
	}
	if r.since != nil && r.until != nil && !r.since.Before(*r.until) {
		return TimeRange{}, fmt.Errorf("since %q is not before until %q", r.sinceText, r.untilText)
	}
	return r, nil
}

// parseBound returns nil for an empty bound.
func parseBound(s string, loc *time.Location) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	for _, layout := range Layouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return &t, nil
		}
	}
	// Anything that is not a calendar layout may be epoch seconds; "2015"
	// is a year, not 2015 seconds.
	if ts, err := strconv.ParseFloat(s, 64); err == nil {
		t := epoch(ts, loc)
		return &t, nil
	}
	return nil, fmt.Errorf("cannot parse time %q: expected one of %s or epoch seconds",
		s, strings.Join(Layouts, ", "))
}

func epoch(ts float64, loc *time.Location) time.Time {
	sec := int64(ts)
	nsec := int64((ts - float64(sec)) * float64(time.Second))
	return time.Unix(sec, nsec).In(loc)
}

func seconds(t time.Time) float64 {
	return float64(t.Unix()) + float64(t.Nanosecond())/float64(time.Second)
}

// Timezone returns the name of the range's location.
func (r TimeRange) Timezone() string {
	if r.location == nil {
		return time.Local.String()
	}
	return r.location.String()
}

// Bounds returns the parsed bounds. ok reports whether each bound is set.
func (r TimeRange) Bounds() (since time.Time, sinceOK bool, until time.Time, untilOK bool) {
	if r.since != nil {
		since, sinceOK = *r.since, true
	}
	if r.until != nil {
		until, untilOK = *r.until, true
	}
	return since, sinceOK, until, untilOK
}

// IsZero reports whether both bounds are open.
func (r TimeRange) IsZero() bool {
	return r.since == nil && r.until == nil
}

// Predicate returns the range as a filter on the time field.
func (r TimeRange) Predicate() query.Predicate {
	if r.IsZero() {
		return query.All{}
	}
	rng := query.Range{Field: "time"}
	if r.since != nil {
		rng.Gte = query.Float(seconds(*r.since))
	}
	if r.until != nil {
		rng.Lt = query.Float(seconds(*r.until))
	}
	return rng
}

// String formats the range for logs and CLI output.
func (r TimeRange) String() string {
	since, until := r.sinceText, r.untilText
	if since == "" {
		since = "-inf"
	}
	if until == "" {
		until = "+inf"
	}
	return fmt.Sprintf("[%s, %s) %s", since, until, r.Timezone())
}
