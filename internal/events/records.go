// Package events defines the change-event payloads published to downstream
// consumers.
package events

import "time"

// RecordUpserted is emitted when a record is inserted or updated.
type RecordUpserted struct {
	RecordID        string    `json:"record_id"`
	RecordType      string    `json:"record_type"`
	DataOrigin      string    `json:"data_origin"`
	SequenceID      int64     `json:"sequence_id"`
	StartTime       time.Time `json:"start_time"`
	EndTime         time.Time `json:"end_time"`
	StartZoneOffset int       `json:"start_zone_offset"`
	EndZoneOffset   int       `json:"end_zone_offset"`
	LastModified    time.Time `json:"last_modified"`
	Value           float64   `json:"value"`
}

// RecordDeleted is emitted when a record is removed. It carries identity
// only, never the deleted payload.
type RecordDeleted struct {
	RecordID   string    `json:"record_id"`
	RecordType string    `json:"record_type"`
	DataOrigin string    `json:"data_origin"`
	SequenceID int64     `json:"sequence_id"`
	OccurredAt time.Time `json:"occurred_at"`
}
