package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"example.com/healthstore/internal/domain"
)

var base = time.Date(2025, time.March, 10, 0, 0, 0, 0, time.UTC)

func insertSteps(t *testing.T, m *Memory, origin string, start time.Time, value float64) domain.Record {
	t.Helper()
	rec, err := m.Insert(context.Background(), domain.Record{
		DataOrigin: origin,
		Type:       domain.RecordTypeSteps,
		StartTime:  start,
		EndTime:    start.Add(time.Hour),
		Value:      value,
	})
	require.NoError(t, err)
	return rec
}

func TestSequenceIsStrictlyIncreasing(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	a := insertSteps(t, m, "com.example.a", base, 1)
	insertSteps(t, m, "com.example.a", base.Add(time.Hour), 2)
	require.NoError(t, m.Delete(ctx, a.ID))

	entries, err := m.ScanChangeLog(ctx, domain.ChangeLogQuery{})
	require.NoError(t, err)
	require.Len(t, entries, 3)
	for i := 1; i < len(entries); i++ {
		require.Greater(t, entries[i].SequenceID, entries[i-1].SequenceID)
	}

	latest, err := m.LatestSequence(ctx)
	require.NoError(t, err)
	require.Equal(t, entries[2].SequenceID, latest)
}

func TestUpdateMissingRecordFails(t *testing.T) {
	m := NewMemory()
	_, err := m.Update(context.Background(), domain.Record{ID: "nope"})
	require.ErrorIs(t, err, domain.ErrRecordNotFound)
}

func TestDeleteEntryCarriesNoSnapshot(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	rec := insertSteps(t, m, "com.example.a", base, 1)
	require.NoError(t, m.Delete(ctx, rec.ID))

	entries, err := m.ScanChangeLog(ctx, domain.ChangeLogQuery{})
	require.NoError(t, err)
	require.Equal(t, domain.ChangeDelete, entries[1].Operation)
	require.Nil(t, entries[1].Record)
	require.Equal(t, rec.ID, entries[1].RecordID)
}

func TestScanIntervalOrderAndBounds(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	insertSteps(t, m, "com.example.a", base.Add(2*time.Hour), 3)
	insertSteps(t, m, "com.example.a", base, 1)
	insertSteps(t, m, "com.example.a", base.Add(time.Hour), 2)

	records, err := m.ScanInterval(ctx, domain.IntervalQuery{
		Types: []domain.RecordType{domain.RecordTypeSteps},
		Start: base,
		End:   base.Add(2 * time.Hour),
	})
	require.NoError(t, err)
	// The third record starts exactly at the scan end and is excluded.
	require.Len(t, records, 2)
	require.True(t, records[0].StartTime.Before(records[1].StartTime))
}

func TestScanIntervalIncludesPartialOverlap(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	insertSteps(t, m, "com.example.a", base, 1) // ends base+1h

	records, err := m.ScanInterval(ctx, domain.IntervalQuery{
		Start: base.Add(30 * time.Minute),
		End:   base.Add(2 * time.Hour),
	})
	require.NoError(t, err)
	require.Len(t, records, 1)
}

func TestListPaginatesWithCursor(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	for i := 0; i < 5; i++ {
		insertSteps(t, m, "com.example.a", base.Add(time.Duration(i)*time.Hour), float64(i))
	}

	page1, cursor, err := m.List(ctx, domain.ListQuery{Ascending: true, Limit: 2})
	require.NoError(t, err)
	require.Len(t, page1, 2)
	require.NotNil(t, cursor)

	page2, cursor, err := m.List(ctx, domain.ListQuery{Ascending: true, Limit: 2, Cursor: cursor})
	require.NoError(t, err)
	require.Len(t, page2, 2)
	require.True(t, page2[0].StartTime.After(page1[1].StartTime))

	page3, cursor, err := m.List(ctx, domain.ListQuery{Ascending: true, Limit: 2, Cursor: cursor})
	require.NoError(t, err)
	require.Len(t, page3, 1)
	require.Nil(t, cursor)
}

func TestListDescending(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	insertSteps(t, m, "com.example.a", base, 1)
	insertSteps(t, m, "com.example.a", base.Add(time.Hour), 2)

	records, _, err := m.List(ctx, domain.ListQuery{Ascending: false, Limit: 10})
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.True(t, records[0].StartTime.After(records[1].StartTime))
}

func TestScanChangeLogFilters(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	insertSteps(t, m, "com.example.a", base, 1)
	insertSteps(t, m, "com.example.b", base, 2)

	entries, err := m.ScanChangeLog(ctx, domain.ChangeLogQuery{Origins: []string{"com.example.b"}})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "com.example.b", entries[0].DataOrigin)

	entries, err = m.ScanChangeLog(ctx, domain.ChangeLogQuery{AfterSequence: entries[0].SequenceID})
	require.NoError(t, err)
	require.Empty(t, entries)
}
