// Package store provides an in-process implementation of the record store
// used by tests and local development.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"example.com/healthstore/internal/domain"
)

// Memory is a deterministic in-memory domain.RecordStore. Sequence ids are
// assigned by a single counter under the store mutex, so a sequence id is
// never observable before the mutation that produced it.
type Memory struct {
	mu      sync.Mutex
	records map[string]domain.Record
	log     []domain.ChangeLogEntry
	seq     int64
}

// NewMemory constructs an empty Memory store.
func NewMemory() *Memory {
	return &Memory{records: make(map[string]domain.Record)}
}

// Insert stores a new record and appends its insert entry.
func (m *Memory) Insert(ctx context.Context, rec domain.Record) (domain.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.LastModified.IsZero() {
		rec.LastModified = time.Now().UTC()
	}
	m.records[rec.ID] = rec
	m.append(domain.ChangeInsert, rec)
	return rec, nil
}

// Update replaces an existing record and appends its update entry.
func (m *Memory) Update(ctx context.Context, rec domain.Record) (domain.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.records[rec.ID]; !ok {
		return domain.Record{}, domain.ErrRecordNotFound
	}
	if rec.LastModified.IsZero() {
		rec.LastModified = time.Now().UTC()
	}
	m.records[rec.ID] = rec
	m.append(domain.ChangeUpdate, rec)
	return rec, nil
}

// Delete removes a record and appends its tombstone entry.
func (m *Memory) Delete(ctx context.Context, recordID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[recordID]
	if !ok {
		return domain.ErrRecordNotFound
	}
	delete(m.records, recordID)

	m.seq++
	m.log = append(m.log, domain.ChangeLogEntry{
		SequenceID:  m.seq,
		Operation:   domain.ChangeDelete,
		RecordID:    rec.ID,
		RecordType:  rec.Type,
		DataOrigin:  rec.DataOrigin,
		CommittedAt: time.Now().UTC(),
	})
	return nil
}

func (m *Memory) append(op domain.ChangeOperation, rec domain.Record) {
	m.seq++
	snapshot := rec
	m.log = append(m.log, domain.ChangeLogEntry{
		SequenceID:  m.seq,
		Operation:   op,
		RecordID:    rec.ID,
		RecordType:  rec.Type,
		DataOrigin:  rec.DataOrigin,
		Record:      &snapshot,
		CommittedAt: time.Now().UTC(),
	})
}

// Get retrieves a record by id, nil when absent.
func (m *Memory) Get(ctx context.Context, recordID string) (*domain.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[recordID]
	if !ok {
		return nil, nil
	}
	out := rec
	return &out, nil
}

// ScanInterval returns records intersecting [q.Start, q.End) ordered by
// (start time, id) ascending.
func (m *Memory) ScanInterval(ctx context.Context, q domain.IntervalQuery) ([]domain.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]domain.Record, 0)
	for _, rec := range m.records {
		if !matchType(q.Types, rec.Type) || !matchOrigin(q.Origins, rec.DataOrigin) {
			continue
		}
		if !intersects(rec, q.Start, q.End) {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartTime.Equal(out[j].StartTime) {
			return out[i].StartTime.Before(out[j].StartTime)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// List returns a page ordered by start time with keyset pagination.
func (m *Memory) List(ctx context.Context, q domain.ListQuery) ([]domain.Record, *domain.Cursor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	all := make([]domain.Record, 0)
	for _, rec := range m.records {
		if !matchType(q.Types, rec.Type) || !matchOrigin(q.Origins, rec.DataOrigin) {
			continue
		}
		if !q.Start.IsZero() || !q.End.IsZero() {
			if !intersects(rec, q.Start, q.End) {
				continue
			}
		}
		all = append(all, rec)
	}
	sort.Slice(all, func(i, j int) bool {
		a, b := all[i], all[j]
		if !q.Ascending {
			a, b = b, a
		}
		if !a.StartTime.Equal(b.StartTime) {
			return a.StartTime.Before(b.StartTime)
		}
		return a.ID < b.ID
	})

	out := make([]domain.Record, 0, q.Limit)
	for _, rec := range all {
		if q.Cursor != nil && !afterCursor(rec, q.Cursor, q.Ascending) {
			continue
		}
		out = append(out, rec)
		if len(out) == q.Limit {
			break
		}
	}

	var next *domain.Cursor
	if len(out) == q.Limit {
		last := out[len(out)-1]
		next = &domain.Cursor{StartTime: last.StartTime, ID: last.ID, Ascending: q.Ascending}
	}
	return out, next, nil
}

// ScanChangeLog returns entries with sequence id greater than AfterSequence
// in ascending sequence order, up to Limit when positive.
func (m *Memory) ScanChangeLog(ctx context.Context, q domain.ChangeLogQuery) ([]domain.ChangeLogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]domain.ChangeLogEntry, 0)
	for _, entry := range m.log {
		if entry.SequenceID <= q.AfterSequence {
			continue
		}
		if !matchType(q.Types, entry.RecordType) || !matchOrigin(q.Origins, entry.DataOrigin) {
			continue
		}
		out = append(out, entry)
		if q.Limit > 0 && len(out) == q.Limit {
			break
		}
	}
	return out, nil
}

// LatestSequence returns the id assigned to the most recent mutation.
func (m *Memory) LatestSequence(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.seq, nil
}

func matchType(types []domain.RecordType, t domain.RecordType) bool {
	if len(types) == 0 {
		return true
	}
	for _, candidate := range types {
		if candidate == t {
			return true
		}
	}
	return false
}

func matchOrigin(origins []string, origin string) bool {
	if len(origins) == 0 {
		return true
	}
	for _, candidate := range origins {
		if candidate == origin {
			return true
		}
	}
	return false
}

// intersects applies the half-open interval test; instant records intersect
// when their instant falls inside [start, end).
func intersects(rec domain.Record, start, end time.Time) bool {
	if rec.Instant() {
		return !rec.StartTime.Before(start) && (end.IsZero() || rec.StartTime.Before(end))
	}
	if !end.IsZero() && !rec.StartTime.Before(end) {
		return false
	}
	return rec.EndTime.After(start)
}

func afterCursor(rec domain.Record, c *domain.Cursor, ascending bool) bool {
	if rec.StartTime.Equal(c.StartTime) {
		if ascending {
			return rec.ID > c.ID
		}
		return rec.ID < c.ID
	}
	if ascending {
		return rec.StartTime.After(c.StartTime)
	}
	return rec.StartTime.Before(c.StartTime)
}
