// Package bucket plans the grouping intervals for grouped aggregation and
// resolves the zone offsets used to interpret local-time boundaries.
package bucket

import (
	"fmt"
	"time"

	"example.com/healthstore/internal/domain"
)

// Span is one contiguous grouping interval. For instant filters both bounds
// are absolute instants; for local filters they are wall-clock values whose
// effective offset is resolved per record.
type Span struct {
	Start time.Time
	End   time.Time
}

// Plan slices [start, end) into an ordered, gap-free sequence of spans. The
// first span begins exactly at start and the final span's end is clipped to
// end, so a range that does not divide evenly by the unit produces a shorter
// final span. Period units advance by calendar arithmetic on the local
// representation of the running boundary, which makes month spans variable
// length.
func Plan(start, end time.Time, unit domain.GroupUnit) ([]Span, error) {
	if err := unit.Validate(); err != nil {
		return nil, err
	}
	if end.Before(start) {
		return nil, fmt.Errorf("%w: range end precedes start", domain.ErrInvalidArgument)
	}

	spans := make([]Span, 0, 8)
	cur := start
	for cur.Before(end) {
		var next time.Time
		if unit.ByPeriod() {
			p := unit.Period
			next = cur.AddDate(p.Years, p.Months, p.Days)
		} else {
			next = cur.Add(unit.Duration)
		}
		if next.After(end) {
			next = end
		}
		spans = append(spans, Span{Start: cur, End: next})
		cur = next
	}
	return spans, nil
}

// LocalToInstant pins a wall-clock value to the supplied UTC offset,
// expressed in seconds east of UTC. The value's own location is ignored;
// only its calendar fields carry meaning.
func LocalToInstant(local time.Time, offsetSeconds int) time.Time {
	zone := time.FixedZone("", offsetSeconds)
	return time.Date(local.Year(), local.Month(), local.Day(),
		local.Hour(), local.Minute(), local.Second(), local.Nanosecond(), zone)
}

// SystemOffset returns the current system default zone offset in seconds,
// used as the fallback attribution for buckets no record contributed to.
func SystemOffset(at time.Time) int {
	_, offset := at.In(time.Local).Zone()
	return offset
}
