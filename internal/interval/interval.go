// Package interval provides the overlap and rescaling arithmetic used to
// split record values across aggregation buckets.
package interval

import "time"

// Overlap returns the length of the intersection between the half-open
// record interval [recordStart, recordEnd) and the half-open bucket interval
// [bucketStart, bucketEnd). Zero-duration records never overlap; they are
// assigned to the bucket containing their start instant via Contains.
func Overlap(recordStart, recordEnd, bucketStart, bucketEnd time.Time) time.Duration {
	start := recordStart
	if bucketStart.After(start) {
		start = bucketStart
	}
	end := recordEnd
	if bucketEnd.Before(end) {
		end = bucketEnd
	}
	if !end.After(start) {
		return 0
	}
	return end.Sub(start)
}

// Rescale distributes value linearly across the record's span, returning the
// share attributable to overlap. The full value is returned when the overlap
// covers the whole record, so a record wholly inside one bucket never loses
// precision to division.
func Rescale(value float64, overlap, recordDuration time.Duration) float64 {
	if overlap <= 0 || recordDuration <= 0 {
		return 0
	}
	if overlap >= recordDuration {
		return value
	}
	return value * float64(overlap) / float64(recordDuration)
}

// Contains reports whether instant t falls within the half-open interval
// [start, end). An instant sitting exactly on a boundary belongs to the
// interval it starts, never the adjacent one.
func Contains(start, end, t time.Time) bool {
	return !t.Before(start) && t.Before(end)
}
