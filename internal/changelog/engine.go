// Package changelog answers incremental-sync queries: it folds the record
// mutation history past a token's watermark into the minimal set of upserts
// and deletes a client needs to converge.
package changelog

import (
	"context"
	"fmt"
	"sort"
	"time"

	"example.com/healthstore/internal/domain"
)

// Page size bounds for changes queries. Requests outside the bounds fail
// immediately; zero selects the default.
const (
	DefaultPageSize = 1000
	MinPageSize     = 1
	MaxPageSize     = 5000
)

// Access carries the caller predicates supplied by the authorization
// collaborator. The engine applies them; it performs no permission checks of
// its own.
type Access struct {
	// Origins restricts visible data origins; nil means all are visible.
	Origins []string
	// HistoricalBoundary hides upserts whose record was last modified before
	// it; zero means unrestricted. Deletions are never hidden: a tombstone is
	// an event, not content, and a client must learn about deletions of
	// anything it may have cached.
	HistoricalBoundary time.Time
}

// Page is the result of one changes query.
type Page struct {
	Upserts   []domain.Record
	Deletes   []domain.DeletedRecord
	HasMore   bool
	NextToken string
}

// Engine serves change-log queries over an externally synchronized store.
type Engine struct {
	store domain.RecordStore
}

// NewEngine constructs an Engine.
func NewEngine(store domain.RecordStore) *Engine {
	return &Engine{store: store}
}

// IssueToken creates a changes token positioned at the current head of the
// change log, so it reports nothing committed before its creation.
func (e *Engine) IssueToken(ctx context.Context, types []domain.RecordType, origins []string) (string, error) {
	watermark, err := e.store.LatestSequence(ctx)
	if err != nil {
		return "", err
	}
	token, err := NewToken(watermark, types, origins)
	if err != nil {
		return "", err
	}
	return token.Encode()
}

// Changes returns one page of coalesced changes past the token's watermark.
// The next token's watermark equals the last scanned entry's sequence id;
// an exhausted token is returned unchanged, so repeated calls at the tail
// are no-ops with a stable token value.
func (e *Engine) Changes(ctx context.Context, tokenStr string, pageSize int, access Access) (Page, error) {
	token, err := DecodeToken(tokenStr)
	if err != nil {
		return Page{}, err
	}
	if pageSize == 0 {
		pageSize = DefaultPageSize
	}
	if pageSize < MinPageSize || pageSize > MaxPageSize {
		return Page{}, fmt.Errorf("%w: page size %d outside [%d, %d]",
			domain.ErrInvalidArgument, pageSize, MinPageSize, MaxPageSize)
	}

	origins, impossible := intersectOrigins(token.Origins, access.Origins)
	if impossible {
		return Page{Upserts: []domain.Record{}, Deletes: []domain.DeletedRecord{}, NextToken: tokenStr}, nil
	}

	entries, err := e.store.ScanChangeLog(ctx, domain.ChangeLogQuery{
		AfterSequence: token.Watermark,
		Types:         token.RecordTypes,
		Origins:       origins,
		Limit:         pageSize + 1,
	})
	if err != nil {
		return Page{}, err
	}

	hasMore := len(entries) > pageSize
	if hasMore {
		entries = entries[:pageSize]
	}

	nextWatermark := token.Watermark
	if len(entries) > 0 {
		nextWatermark = entries[len(entries)-1].SequenceID
	}
	nextToken, err := Token{
		Watermark:   nextWatermark,
		RecordTypes: token.RecordTypes,
		Origins:     token.Origins,
	}.Encode()
	if err != nil {
		return Page{}, err
	}

	upserts, deletes := coalesce(entries, access.HistoricalBoundary)
	return Page{Upserts: upserts, Deletes: deletes, HasMore: hasMore, NextToken: nextToken}, nil
}

// recordHistory tracks one record's transitions within the scanned window.
type recordHistory struct {
	firstOp domain.ChangeOperation
	last    domain.ChangeLogEntry
	count   int
}

// coalesce folds the scanned entries into the net transition per record:
// the latest upsert snapshot for records that still exist, one delete for
// records removed after the watermark, and nothing at all for a record
// inserted and immediately deleted with no transition in between.
func coalesce(entries []domain.ChangeLogEntry, historicalBoundary time.Time) ([]domain.Record, []domain.DeletedRecord) {
	histories := make(map[string]*recordHistory)
	order := make([]string, 0, len(entries))
	for _, entry := range entries {
		h, ok := histories[entry.RecordID]
		if !ok {
			h = &recordHistory{firstOp: entry.Operation}
			histories[entry.RecordID] = h
			order = append(order, entry.RecordID)
		}
		h.last = entry
		h.count++
	}

	type result struct {
		seq    int64
		upsert *domain.Record
		del    *domain.DeletedRecord
	}
	results := make([]result, 0, len(order))
	for _, id := range order {
		h := histories[id]
		if h.last.Operation == domain.ChangeDelete {
			if h.firstOp == domain.ChangeInsert && h.count == 2 {
				// Inserted then deleted with no transition in between: the net
				// effect versus the watermark is no visible change.
				continue
			}
			results = append(results, result{
				seq:    h.last.SequenceID,
				del: &domain.DeletedRecord{RecordID: h.last.RecordID, RecordType: h.last.RecordType},
			})
			continue
		}
		snapshot := h.last.Record
		if snapshot == nil {
			continue
		}
		if !historicalBoundary.IsZero() && snapshot.LastModified.Before(historicalBoundary) {
			continue
		}
		results = append(results, result{seq: h.last.SequenceID, upsert: snapshot})
	}
	sort.Slice(results, func(i, j int) bool { return results[i].seq < results[j].seq })

	upserts := make([]domain.Record, 0, len(results))
	deletes := make([]domain.DeletedRecord, 0)
	for _, r := range results {
		if r.upsert != nil {
			upserts = append(upserts, *r.upsert)
		} else {
			deletes = append(deletes, *r.del)
		}
	}
	return upserts, deletes
}

// intersectOrigins narrows the token's origin filters by the caller's
// visible origins. The second return is true when both sets are non-empty
// but share nothing, meaning no entry can ever match.
func intersectOrigins(requested, visible []string) ([]string, bool) {
	if len(visible) == 0 {
		return requested, false
	}
	if len(requested) == 0 {
		return visible, false
	}
	allowed := make(map[string]struct{}, len(visible))
	for _, o := range visible {
		allowed[o] = struct{}{}
	}
	out := make([]string, 0, len(requested))
	for _, o := range requested {
		if _, ok := allowed[o]; ok {
			out = append(out, o)
		}
	}
	if len(out) == 0 {
		return nil, true
	}
	return out, false
}
