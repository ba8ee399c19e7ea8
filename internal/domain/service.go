// Package domain defines the record model and business logic shared by the
// aggregation and change-log engines.
package domain

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrRecordNotFound is returned when a record cannot be located.
	ErrRecordNotFound = errors.New("record not found")
	// ErrInvalidArgument marks caller errors that are never retried.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrInvalidToken marks malformed or unparseable cursor and token strings.
	// A bad token fails loudly rather than silently restarting the scan.
	ErrInvalidToken = errors.New("invalid token")
)

// IntervalQuery selects records whose interval intersects [Start, End),
// optionally narrowed by type and origin. Results are ordered by
// (start time, id) ascending; the engines rely on that scan order.
type IntervalQuery struct {
	Types   []RecordType
	Origins []string
	Start   time.Time
	End     time.Time
}

// Cursor resumes a record listing after the last row of the previous page.
type Cursor struct {
	StartTime time.Time
	ID        string
	Ascending bool
}

// ListQuery selects a page of records ordered by start time.
type ListQuery struct {
	Types     []RecordType
	Origins   []string
	Start     time.Time
	End       time.Time
	Ascending bool
	Cursor    *Cursor
	Limit     int
}

// ChangeLogQuery selects change-log entries past a sequence watermark.
type ChangeLogQuery struct {
	AfterSequence int64
	Types         []RecordType
	Origins       []string
	Limit         int
}

// RecordStore captures persistence operations for records and their change
// history. Mutations append exactly one change-log entry each, in commit
// order, under the same transaction as the record write.
type RecordStore interface {
	Insert(ctx context.Context, rec Record) (Record, error)
	Update(ctx context.Context, rec Record) (Record, error)
	Delete(ctx context.Context, recordID string) error
	Get(ctx context.Context, recordID string) (*Record, error)
	ScanInterval(ctx context.Context, q IntervalQuery) ([]Record, error)
	List(ctx context.Context, q ListQuery) ([]Record, *Cursor, error)
	ScanChangeLog(ctx context.Context, q ChangeLogQuery) ([]ChangeLogEntry, error)
	// LatestSequence returns the highest committed change-log sequence id,
	// zero when the log is empty.
	LatestSequence(ctx context.Context) (int64, error)
}

// Service orchestrates the record write path and listing. Aggregation and
// change-log reads are served by their engines over the same store handle.
type Service struct {
	store RecordStore
}

// NewService constructs a Service.
func NewService(store RecordStore) *Service {
	return &Service{store: store}
}

// WriteRecordInput captures the payload from the API layer.
type WriteRecordInput struct {
	ClientRecordID      string
	ClientRecordVersion int64
	DataOrigin          string
	Type                RecordType
	StartTime           time.Time
	EndTime             time.Time
	StartZoneOffset     int
	EndZoneOffset       int
	Value               float64
}

func (in WriteRecordInput) validate() error {
	if !in.Type.Valid() || in.Type.Umbrella() {
		return fmt.Errorf("%w: unknown record type %q", ErrInvalidArgument, in.Type)
	}
	if strings.TrimSpace(in.DataOrigin) == "" {
		return fmt.Errorf("%w: data origin is required", ErrInvalidArgument)
	}
	if in.StartTime.IsZero() {
		return fmt.Errorf("%w: start time is required", ErrInvalidArgument)
	}
	if !in.EndTime.IsZero() && in.EndTime.Before(in.StartTime) {
		return fmt.Errorf("%w: end time precedes start time", ErrInvalidArgument)
	}
	return nil
}

// CreateRecord inserts a new record and appends its change-log entry.
func (s *Service) CreateRecord(ctx context.Context, in WriteRecordInput) (Record, error) {
	if err := in.validate(); err != nil {
		return Record{}, err
	}
	end := in.EndTime
	if end.IsZero() {
		end = in.StartTime
	}
	rec := Record{
		ID:                  uuid.NewString(),
		ClientRecordID:      in.ClientRecordID,
		ClientRecordVersion: in.ClientRecordVersion,
		DataOrigin:          in.DataOrigin,
		Type:                in.Type,
		StartTime:           in.StartTime.UTC(),
		EndTime:             end.UTC(),
		StartZoneOffset:     in.StartZoneOffset,
		EndZoneOffset:       in.EndZoneOffset,
		LastModified:        time.Now().UTC(),
		Value:               in.Value,
	}
	return s.store.Insert(ctx, rec)
}

// UpdateRecord replaces the payload of an existing record, producing a new
// logical version bound to the same id.
func (s *Service) UpdateRecord(ctx context.Context, recordID string, in WriteRecordInput) (Record, error) {
	if err := in.validate(); err != nil {
		return Record{}, err
	}
	existing, err := s.store.Get(ctx, recordID)
	if err != nil {
		return Record{}, err
	}
	if existing == nil {
		return Record{}, ErrRecordNotFound
	}
	if existing.Type != in.Type {
		return Record{}, fmt.Errorf("%w: record type cannot change on update", ErrInvalidArgument)
	}
	end := in.EndTime
	if end.IsZero() {
		end = in.StartTime
	}
	rec := *existing
	rec.ClientRecordID = in.ClientRecordID
	rec.ClientRecordVersion = in.ClientRecordVersion
	rec.StartTime = in.StartTime.UTC()
	rec.EndTime = end.UTC()
	rec.StartZoneOffset = in.StartZoneOffset
	rec.EndZoneOffset = in.EndZoneOffset
	rec.Value = in.Value
	rec.LastModified = time.Now().UTC()
	return s.store.Update(ctx, rec)
}

// DeleteRecord removes a record and appends its tombstone entry.
func (s *Service) DeleteRecord(ctx context.Context, recordID string) error {
	return s.store.Delete(ctx, recordID)
}

// GetRecord fetches by id.
func (s *Service) GetRecord(ctx context.Context, recordID string) (*Record, error) {
	rec, err := s.store.Get(ctx, recordID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, ErrRecordNotFound
	}
	return rec, nil
}

// ListRecordsInput carries listing parameters. OrderSet marks an explicit
// sort order in the request, which is mutually exclusive with resuming from
// a cursor; the cursor already fixes the order of the remaining result set.
type ListRecordsInput struct {
	Types     []RecordType
	Origins   []string
	Start     time.Time
	End       time.Time
	Ascending bool
	OrderSet  bool
	Cursor    *Cursor
	Limit     int
}

// ListRecords returns a page of records plus the cursor for the next page.
func (s *Service) ListRecords(ctx context.Context, in ListRecordsInput) ([]Record, *Cursor, error) {
	if in.Cursor != nil && in.OrderSet {
		return nil, nil, fmt.Errorf("%w: page token and sort order are mutually exclusive", ErrInvalidArgument)
	}
	ascending := in.Ascending
	if in.Cursor != nil {
		ascending = in.Cursor.Ascending
	}
	types := make([]RecordType, 0, len(in.Types))
	for _, t := range in.Types {
		if !t.Valid() {
			return nil, nil, fmt.Errorf("%w: unknown record type %q", ErrInvalidArgument, t)
		}
		types = append(types, t.Concrete()...)
	}
	limit := in.Limit
	if limit <= 0 {
		limit = 100
	}
	return s.store.List(ctx, ListQuery{
		Types:     types,
		Origins:   in.Origins,
		Start:     in.Start,
		End:       in.End,
		Ascending: ascending,
		Cursor:    in.Cursor,
		Limit:     limit,
	})
}
