package bucket

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"example.com/healthstore/internal/domain"
)

func TestPlanDurationEvenSplit(t *testing.T) {
	start := time.Date(2025, time.March, 10, 0, 0, 0, 0, time.UTC)
	end := start.Add(3 * time.Hour)

	spans, err := Plan(start, end, domain.GroupByDuration(time.Hour))
	require.NoError(t, err)
	require.Len(t, spans, 3)
	require.Equal(t, start, spans[0].Start)
	require.Equal(t, end, spans[2].End)
}

func TestPlanDurationClipsFinalSpan(t *testing.T) {
	start := time.Date(2025, time.March, 10, 0, 0, 0, 0, time.UTC)
	end := start.Add(36 * time.Hour)

	spans, err := Plan(start, end, domain.GroupByDuration(24*time.Hour))
	require.NoError(t, err)
	require.Len(t, spans, 2)
	require.Equal(t, 24*time.Hour, spans[0].End.Sub(spans[0].Start))
	require.Equal(t, 12*time.Hour, spans[1].End.Sub(spans[1].Start))
	require.Equal(t, end, spans[1].End)
}

func TestPlanFirstSpanStartsAtFilterStart(t *testing.T) {
	// A start that is not aligned to any natural hour boundary still anchors
	// the first span.
	start := time.Date(2025, time.March, 10, 7, 42, 13, 0, time.UTC)
	end := start.Add(150 * time.Minute)

	spans, err := Plan(start, end, domain.GroupByDuration(time.Hour))
	require.NoError(t, err)
	require.Equal(t, start, spans[0].Start)
	require.Equal(t, start.Add(time.Hour), spans[0].End)
	require.Equal(t, 30*time.Minute, spans[2].End.Sub(spans[2].Start))
}

func TestPlanPeriodMonthsVaryInLength(t *testing.T) {
	start := time.Date(2025, time.January, 15, 0, 0, 0, 0, time.UTC)
	end := time.Date(2025, time.April, 15, 0, 0, 0, 0, time.UTC)

	spans, err := Plan(start, end, domain.GroupByPeriod(domain.Period{Months: 1}))
	require.NoError(t, err)
	require.Len(t, spans, 3)
	// Jan 15 - Feb 15 is 31 days, Feb 15 - Mar 15 is 28 days in 2025.
	require.Equal(t, 31*24*time.Hour, spans[0].End.Sub(spans[0].Start))
	require.Equal(t, 28*24*time.Hour, spans[1].End.Sub(spans[1].Start))
	require.Equal(t, 31*24*time.Hour, spans[2].End.Sub(spans[2].Start))
}

func TestPlanSpansAreContiguousAndCoverRange(t *testing.T) {
	start := time.Date(2025, time.February, 3, 9, 30, 0, 0, time.UTC)
	end := time.Date(2025, time.February, 20, 16, 45, 0, 0, time.UTC)

	for _, unit := range []domain.GroupUnit{
		domain.GroupByDuration(7 * time.Hour),
		domain.GroupByDuration(24 * time.Hour),
		domain.GroupByPeriod(domain.Period{Days: 3}),
	} {
		spans, err := Plan(start, end, unit)
		require.NoError(t, err)
		require.NotEmpty(t, spans)
		require.Equal(t, start, spans[0].Start)
		require.Equal(t, end, spans[len(spans)-1].End)
		for i := 1; i < len(spans); i++ {
			require.Equal(t, spans[i-1].End, spans[i].Start)
		}
	}
}

func TestPlanEmptyRange(t *testing.T) {
	at := time.Date(2025, time.March, 10, 0, 0, 0, 0, time.UTC)
	spans, err := Plan(at, at, domain.GroupByDuration(time.Hour))
	require.NoError(t, err)
	require.Empty(t, spans)
}

func TestPlanRejectsNonPositiveDuration(t *testing.T) {
	at := time.Date(2025, time.March, 10, 0, 0, 0, 0, time.UTC)
	_, err := Plan(at, at.Add(time.Hour), domain.GroupByDuration(0))
	require.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestLocalToInstant(t *testing.T) {
	local := time.Date(2025, time.March, 10, 9, 0, 0, 0, time.UTC)

	utc := LocalToInstant(local, 0)
	tokyo := LocalToInstant(local, 9*3600)

	// 09:00 wall clock in UTC+9 occurs nine hours before 09:00 UTC.
	require.Equal(t, 9*time.Hour, utc.Sub(tokyo))
}
