package domain

import "time"

// ChangeOperation tags a change-log entry with the mutation that produced it.
type ChangeOperation string

const (
	ChangeInsert ChangeOperation = "insert"
	ChangeUpdate ChangeOperation = "update"
	ChangeDelete ChangeOperation = "delete"
)

// ChangeLogEntry records one record mutation. SequenceID is assigned at
// commit time under the same transaction as the mutation it accompanies and
// is strictly increasing across all record types and origins.
type ChangeLogEntry struct {
	SequenceID  int64
	Operation   ChangeOperation
	RecordID    string
	RecordType  RecordType
	DataOrigin  string
	Record      *Record // snapshot for insert/update, nil for delete
	CommittedAt time.Time
}

// DeletedRecord identifies a record reported as removed by a changes page.
type DeletedRecord struct {
	RecordID   string
	RecordType RecordType
}
