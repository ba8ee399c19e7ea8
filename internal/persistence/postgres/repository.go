package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"example.com/healthstore/internal/domain"
	"example.com/healthstore/internal/events"
	"example.com/healthstore/internal/observability"
)

const recordColumns = `record_id, client_record_id, client_record_version, data_origin, record_type,
        start_time, end_time, start_zone_offset, end_zone_offset, last_modified, value`

// Repository provides Postgres-backed persistence for records, their change
// log, and outbox events. The change-log sequence is a BIGSERIAL assigned
// inside the same transaction as the record mutation, so a sequence id never
// becomes visible before its mutation is durable.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Insert persists the record, its insert log entry, and the outbox event in
// a single transaction.
func (r *Repository) Insert(ctx context.Context, rec domain.Record) (domain.Record, error) {
	err := r.mutate(ctx, func(tx pgx.Tx) error {
		const stmt = `INSERT INTO records (` + recordColumns + `)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`
		_, err := tx.Exec(ctx, stmt,
			rec.ID,
			nullIfEmpty(rec.ClientRecordID),
			rec.ClientRecordVersion,
			rec.DataOrigin,
			rec.Type,
			rec.StartTime,
			rec.EndTime,
			rec.StartZoneOffset,
			rec.EndZoneOffset,
			rec.LastModified,
			rec.Value,
		)
		if err != nil {
			return err
		}
		seq, err := r.appendLog(ctx, tx, domain.ChangeInsert, rec)
		if err != nil {
			return err
		}
		return r.insertOutbox(ctx, tx, "record.upserted", rec, seq)
	})
	if err != nil {
		return domain.Record{}, err
	}
	observability.RecordPersisted(rec.LastModified)
	return rec, nil
}

// Update replaces the record payload and appends its update log entry.
func (r *Repository) Update(ctx context.Context, rec domain.Record) (domain.Record, error) {
	err := r.mutate(ctx, func(tx pgx.Tx) error {
		const stmt = `UPDATE records SET client_record_id=$2, client_record_version=$3,
        start_time=$4, end_time=$5, start_zone_offset=$6, end_zone_offset=$7,
        last_modified=$8, value=$9 WHERE record_id=$1`
		tag, err := tx.Exec(ctx, stmt,
			rec.ID,
			nullIfEmpty(rec.ClientRecordID),
			rec.ClientRecordVersion,
			rec.StartTime,
			rec.EndTime,
			rec.StartZoneOffset,
			rec.EndZoneOffset,
			rec.LastModified,
			rec.Value,
		)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return domain.ErrRecordNotFound
		}
		seq, err := r.appendLog(ctx, tx, domain.ChangeUpdate, rec)
		if err != nil {
			return err
		}
		return r.insertOutbox(ctx, tx, "record.upserted", rec, seq)
	})
	if err != nil {
		return domain.Record{}, err
	}
	return rec, nil
}

// Delete removes the record and appends its tombstone entry.
func (r *Repository) Delete(ctx context.Context, recordID string) error {
	return r.mutate(ctx, func(tx pgx.Tx) error {
		rec, err := scanOne(tx.QueryRow(ctx,
			`SELECT `+recordColumns+` FROM records WHERE record_id=$1`, recordID))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return domain.ErrRecordNotFound
			}
			return err
		}
		if _, err := tx.Exec(ctx, `DELETE FROM records WHERE record_id=$1`, recordID); err != nil {
			return err
		}

		var seq int64
		err = tx.QueryRow(ctx,
			`INSERT INTO change_log (operation, record_id, record_type, data_origin, snapshot)
         VALUES ($1,$2,$3,$4,NULL) RETURNING seq_id`,
			domain.ChangeDelete, rec.ID, rec.Type, rec.DataOrigin,
		).Scan(&seq)
		if err != nil {
			return err
		}
		return r.insertOutbox(ctx, tx, "record.deleted", rec, seq)
	})
}

func (r *Repository) mutate(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (r *Repository) appendLog(ctx context.Context, tx pgx.Tx, op domain.ChangeOperation, rec domain.Record) (int64, error) {
	snapshot, err := json.Marshal(toSnapshot(rec))
	if err != nil {
		return 0, err
	}
	var seq int64
	err = tx.QueryRow(ctx,
		`INSERT INTO change_log (operation, record_id, record_type, data_origin, snapshot)
     VALUES ($1,$2,$3,$4,$5) RETURNING seq_id`,
		op, rec.ID, rec.Type, rec.DataOrigin, snapshot,
	).Scan(&seq)
	return seq, err
}

func (r *Repository) insertOutbox(ctx context.Context, tx pgx.Tx, eventType string, rec domain.Record, seq int64) error {
	meta, ok := eventCatalog[eventType]
	if !ok {
		return fmt.Errorf("unknown event type: %s", eventType)
	}
	body, err := json.Marshal(meta.PayloadFn(rec, seq))
	if err != nil {
		return err
	}
	dedupeKey := fmt.Sprintf("%s:%d", rec.ID, seq)

	const stmt = `INSERT INTO outbox (aggregate_type, aggregate_id, event_type, topic, schema_subject, partition_key, payload, dedupe_key)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`
	_, err = tx.Exec(ctx, stmt,
		"record",
		rec.ID,
		eventType,
		meta.Topic,
		meta.SchemaSubject,
		rec.DataOrigin,
		body,
		dedupeKey,
	)
	return err
}

// Get retrieves a record by id, nil when absent.
func (r *Repository) Get(ctx context.Context, recordID string) (*domain.Record, error) {
	rec, err := scanOne(r.pool.QueryRow(ctx,
		`SELECT `+recordColumns+` FROM records WHERE record_id=$1`, recordID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &rec, nil
}

// ScanInterval returns records intersecting [q.Start, q.End) ordered by
// (start_time, record_id), the scan order the engines depend on.
func (r *Repository) ScanInterval(ctx context.Context, q domain.IntervalQuery) ([]domain.Record, error) {
	query := `SELECT ` + recordColumns + ` FROM records
        WHERE start_time < $1
          AND (end_time > $2 OR (end_time = start_time AND start_time >= $2))`
	args := []interface{}{q.End, q.Start}

	if len(q.Types) > 0 {
		args = append(args, typeStrings(q.Types))
		query += fmt.Sprintf(` AND record_type = ANY($%d)`, len(args))
	}
	if len(q.Origins) > 0 {
		args = append(args, q.Origins)
		query += fmt.Sprintf(` AND data_origin = ANY($%d)`, len(args))
	}
	query += ` ORDER BY start_time, record_id`

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collect(rows)
}

// List returns a page of records with keyset pagination.
func (r *Repository) List(ctx context.Context, q domain.ListQuery) ([]domain.Record, *domain.Cursor, error) {
	query := `SELECT ` + recordColumns + ` FROM records WHERE TRUE`
	args := []interface{}{}

	if !q.End.IsZero() {
		args = append(args, q.End)
		query += fmt.Sprintf(` AND start_time < $%d`, len(args))
	}
	if !q.Start.IsZero() {
		args = append(args, q.Start)
		query += fmt.Sprintf(` AND (end_time > $%d OR (end_time = start_time AND start_time >= $%d))`, len(args), len(args))
	}
	if len(q.Types) > 0 {
		args = append(args, typeStrings(q.Types))
		query += fmt.Sprintf(` AND record_type = ANY($%d)`, len(args))
	}
	if len(q.Origins) > 0 {
		args = append(args, q.Origins)
		query += fmt.Sprintf(` AND data_origin = ANY($%d)`, len(args))
	}
	if q.Cursor != nil {
		args = append(args, q.Cursor.StartTime, q.Cursor.ID)
		if q.Ascending {
			query += fmt.Sprintf(` AND (start_time, record_id) > ($%d, $%d)`, len(args)-1, len(args))
		} else {
			query += fmt.Sprintf(` AND (start_time, record_id) < ($%d, $%d)`, len(args)-1, len(args))
		}
	}
	if q.Ascending {
		query += ` ORDER BY start_time ASC, record_id ASC`
	} else {
		query += ` ORDER BY start_time DESC, record_id DESC`
	}
	args = append(args, q.Limit)
	query += fmt.Sprintf(` LIMIT $%d`, len(args))

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	results, err := collect(rows)
	if err != nil {
		return nil, nil, err
	}

	var next *domain.Cursor
	if len(results) == q.Limit {
		last := results[len(results)-1]
		next = &domain.Cursor{StartTime: last.StartTime, ID: last.ID, Ascending: q.Ascending}
	}
	return results, next, nil
}

// ScanChangeLog returns entries past the watermark in sequence order.
func (r *Repository) ScanChangeLog(ctx context.Context, q domain.ChangeLogQuery) ([]domain.ChangeLogEntry, error) {
	query := `SELECT seq_id, operation, record_id, record_type, data_origin, snapshot, committed_at
        FROM change_log WHERE seq_id > $1`
	args := []interface{}{q.AfterSequence}

	if len(q.Types) > 0 {
		args = append(args, typeStrings(q.Types))
		query += fmt.Sprintf(` AND record_type = ANY($%d)`, len(args))
	}
	if len(q.Origins) > 0 {
		args = append(args, q.Origins)
		query += fmt.Sprintf(` AND data_origin = ANY($%d)`, len(args))
	}
	query += ` ORDER BY seq_id`
	if q.Limit > 0 {
		args = append(args, q.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make([]domain.ChangeLogEntry, 0)
	for rows.Next() {
		var (
			entry    domain.ChangeLogEntry
			snapshot []byte
		)
		if err := rows.Scan(&entry.SequenceID, &entry.Operation, &entry.RecordID,
			&entry.RecordType, &entry.DataOrigin, &snapshot, &entry.CommittedAt); err != nil {
			return nil, err
		}
		if len(snapshot) > 0 {
			var snap recordSnapshot
			if err := json.Unmarshal(snapshot, &snap); err != nil {
				return nil, err
			}
			rec := snap.record()
			entry.Record = &rec
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

// LatestSequence returns the highest committed sequence id, zero when empty.
func (r *Repository) LatestSequence(ctx context.Context) (int64, error) {
	var seq int64
	err := r.pool.QueryRow(ctx, `SELECT COALESCE(MAX(seq_id), 0) FROM change_log`).Scan(&seq)
	return seq, err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanOne(row rowScanner) (domain.Record, error) {
	var (
		rec      domain.Record
		clientID *string
	)
	err := row.Scan(&rec.ID, &clientID, &rec.ClientRecordVersion, &rec.DataOrigin, &rec.Type,
		&rec.StartTime, &rec.EndTime, &rec.StartZoneOffset, &rec.EndZoneOffset,
		&rec.LastModified, &rec.Value)
	if err != nil {
		return domain.Record{}, err
	}
	if clientID != nil {
		rec.ClientRecordID = *clientID
	}
	return rec, nil
}

func collect(rows pgx.Rows) ([]domain.Record, error) {
	results := make([]domain.Record, 0)
	for rows.Next() {
		rec, err := scanOne(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

func typeStrings(types []domain.RecordType) []string {
	out := make([]string, 0, len(types))
	for _, t := range types {
		out = append(out, string(t))
	}
	return out
}

func nullIfEmpty(value string) interface{} {
	if value == "" {
		return nil
	}
	return value
}

// recordSnapshot is the JSON shape stored in change_log.snapshot.
type recordSnapshot struct {
	RecordID            string    `json:"record_id"`
	ClientRecordID      string    `json:"client_record_id,omitempty"`
	ClientRecordVersion int64     `json:"client_record_version"`
	DataOrigin          string    `json:"data_origin"`
	RecordType          string    `json:"record_type"`
	StartTime           time.Time `json:"start_time"`
	EndTime             time.Time `json:"end_time"`
	StartZoneOffset     int       `json:"start_zone_offset"`
	EndZoneOffset       int       `json:"end_zone_offset"`
	LastModified        time.Time `json:"last_modified"`
	Value               float64   `json:"value"`
}

func toSnapshot(rec domain.Record) recordSnapshot {
	return recordSnapshot{
		RecordID:            rec.ID,
		ClientRecordID:      rec.ClientRecordID,
		ClientRecordVersion: rec.ClientRecordVersion,
		DataOrigin:          rec.DataOrigin,
		RecordType:          string(rec.Type),
		StartTime:           rec.StartTime,
		EndTime:             rec.EndTime,
		StartZoneOffset:     rec.StartZoneOffset,
		EndZoneOffset:       rec.EndZoneOffset,
		LastModified:        rec.LastModified,
		Value:               rec.Value,
	}
}

func (s recordSnapshot) record() domain.Record {
	return domain.Record{
		ID:                  s.RecordID,
		ClientRecordID:      s.ClientRecordID,
		ClientRecordVersion: s.ClientRecordVersion,
		DataOrigin:          s.DataOrigin,
		Type:                domain.RecordType(s.RecordType),
		StartTime:           s.StartTime,
		EndTime:             s.EndTime,
		StartZoneOffset:     s.StartZoneOffset,
		EndZoneOffset:       s.EndZoneOffset,
		LastModified:        s.LastModified,
		Value:               s.Value,
	}
}

// EventMetadata describes how to route an outbox event.
type EventMetadata struct {
	Topic         string
	SchemaSubject string
	PayloadFn     func(domain.Record, int64) interface{}
}

var eventCatalog = map[string]EventMetadata{
	"record.upserted": {
		Topic:         "health_record_changes",
		SchemaSubject: "health_record_changes-value",
		PayloadFn: func(rec domain.Record, seq int64) interface{} {
			return events.RecordUpserted{
				RecordID:        rec.ID,
				RecordType:      string(rec.Type),
				DataOrigin:      rec.DataOrigin,
				SequenceID:      seq,
				StartTime:       rec.StartTime,
				EndTime:         rec.EndTime,
				StartZoneOffset: rec.StartZoneOffset,
				EndZoneOffset:   rec.EndZoneOffset,
				LastModified:    rec.LastModified,
				Value:           rec.Value,
			}
		},
	},
	"record.deleted": {
		Topic:         "health_record_deletions",
		SchemaSubject: "health_record_deletions-value",
		PayloadFn: func(rec domain.Record, seq int64) interface{} {
			return events.RecordDeleted{
				RecordID:   rec.ID,
				RecordType: string(rec.Type),
				DataOrigin: rec.DataOrigin,
				SequenceID: seq,
				OccurredAt: time.Now().UTC(),
			}
		},
	},
}
