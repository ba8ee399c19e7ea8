package domain

import (
	"fmt"
	"time"
)

// RecordType identifies the concrete kind of a stored health record.
type RecordType string

const (
	RecordTypeSteps           RecordType = "steps"
	RecordTypeDistance        RecordType = "distance"
	RecordTypeActiveCalories  RecordType = "active_calories"
	RecordTypeHeartRate       RecordType = "heart_rate"
	RecordTypeSleepSession    RecordType = "sleep_session"
	RecordTypeExerciseSession RecordType = "exercise_session"

	// RecordTypeSession is an umbrella type covering every session-shaped
	// concrete type. It is accepted in read filters but rejected in change
	// token requests, where coalescing must operate on concrete types.
	RecordTypeSession RecordType = "session"
)

var concreteRecordTypes = []RecordType{
	RecordTypeSteps,
	RecordTypeDistance,
	RecordTypeActiveCalories,
	RecordTypeHeartRate,
	RecordTypeSleepSession,
	RecordTypeExerciseSession,
}

var umbrellaRecordTypes = map[RecordType][]RecordType{
	RecordTypeSession: {RecordTypeSleepSession, RecordTypeExerciseSession},
}

// Valid reports whether t names a known record type, umbrella types included.
func (t RecordType) Valid() bool {
	if _, ok := umbrellaRecordTypes[t]; ok {
		return true
	}
	for _, c := range concreteRecordTypes {
		if c == t {
			return true
		}
	}
	return false
}

// Umbrella reports whether t covers multiple concrete record types.
func (t RecordType) Umbrella() bool {
	_, ok := umbrellaRecordTypes[t]
	return ok
}

// Concrete expands t to the concrete types it covers. Concrete types expand
// to themselves.
func (t RecordType) Concrete() []RecordType {
	if subs, ok := umbrellaRecordTypes[t]; ok {
		return subs
	}
	return []RecordType{t}
}

// ConcreteRecordTypes returns every concrete record type in a fixed order.
func ConcreteRecordTypes() []RecordType {
	out := make([]RecordType, len(concreteRecordTypes))
	copy(out, concreteRecordTypes)
	return out
}

// Record is the canonical timestamped health record. A record is immutable
// once read; updates produce a new logical version bound to the same ID.
type Record struct {
	ID                  string
	ClientRecordID      string
	ClientRecordVersion int64
	DataOrigin          string
	Type                RecordType
	StartTime           time.Time
	EndTime             time.Time // equals StartTime for instant records
	StartZoneOffset     int       // seconds east of UTC at StartTime
	EndZoneOffset       int       // seconds east of UTC at EndTime
	LastModified        time.Time
	Value               float64
}

// Instant reports whether the record carries a single instant rather than an
// interval.
func (r Record) Instant() bool {
	return r.EndTime.Equal(r.StartTime)
}

// Duration returns the record's interval length; zero for instant records.
func (r Record) Duration() time.Duration {
	return r.EndTime.Sub(r.StartTime)
}

// TimeRangeFilter restricts a scan to [Start, End). When LocalTime is set the
// boundaries are wall-clock values whose effective zone offset is resolved
// per record at evaluation time.
type TimeRangeFilter struct {
	Start     time.Time
	End       time.Time
	LocalTime bool
}

// InstantRangeFilter builds an absolute-time filter.
func InstantRangeFilter(start, end time.Time) (TimeRangeFilter, error) {
	if end.Before(start) {
		return TimeRangeFilter{}, fmt.Errorf("%w: filter end precedes start", ErrInvalidArgument)
	}
	return TimeRangeFilter{Start: start, End: end}, nil
}

// LocalRangeFilter builds a wall-clock filter. Start and end carry calendar
// fields only; their location is ignored.
func LocalRangeFilter(start, end time.Time) (TimeRangeFilter, error) {
	if end.Before(start) {
		return TimeRangeFilter{}, fmt.Errorf("%w: filter end precedes start", ErrInvalidArgument)
	}
	return TimeRangeFilter{Start: start, End: end, LocalTime: true}, nil
}

// Period expresses a calendar-based bucket width. Unlike a Duration it has no
// fixed length; adding one month to January 31st and to February 1st advances
// by different spans.
type Period struct {
	Years  int
	Months int
	Days   int
}

// IsZero reports whether the period advances time at all.
func (p Period) IsZero() bool {
	return p.Years == 0 && p.Months == 0 && p.Days == 0
}

// GroupUnit selects the bucket width for grouped aggregation. Exactly one of
// Duration or Period is set.
type GroupUnit struct {
	Duration time.Duration
	Period   Period
}

// GroupByDuration groups by a fixed wall-clock-independent span.
func GroupByDuration(d time.Duration) GroupUnit {
	return GroupUnit{Duration: d}
}

// GroupByPeriod groups by calendar arithmetic on the local representation.
func GroupByPeriod(p Period) GroupUnit {
	return GroupUnit{Period: p}
}

// ByPeriod reports whether the unit advances by calendar arithmetic.
func (u GroupUnit) ByPeriod() bool {
	return !u.Period.IsZero()
}

// Validate rejects units that would not advance a bucket boundary.
func (u GroupUnit) Validate() error {
	if u.ByPeriod() {
		if u.Duration != 0 {
			return fmt.Errorf("%w: group unit sets both duration and period", ErrInvalidArgument)
		}
		if u.Period.Years < 0 || u.Period.Months < 0 || u.Period.Days < 0 {
			return fmt.Errorf("%w: group period must not be negative", ErrInvalidArgument)
		}
		return nil
	}
	if u.Duration <= 0 {
		return fmt.Errorf("%w: group duration must be positive", ErrInvalidArgument)
	}
	return nil
}
