package document

import (
	"math"
	"time"
)

// Timestamp converts t to float epoch seconds, the representation used in
// the time fields of documents.
func Timestamp(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

// FromTimestamp converts float epoch seconds to a time.Time in loc
// (UTC when loc is nil).
func FromTimestamp(ts float64, loc *time.Location) time.Time {
	sec, frac := math.Modf(ts)
	t := time.Unix(int64(sec), int64(math.Round(frac*float64(time.Second))))
	if loc == nil {
		loc = time.UTC
	}
	return t.In(loc)
}

// Time returns the time field of doc as a time.Time in loc.
func (d Document) Time(loc *time.Location) (time.Time, bool) {
	ts, ok := d.Number("time")
	if !ok {
		return time.Time{}, false
	}
	return FromTimestamp(ts, loc), true
}
