// Package aggregate computes single and grouped statistical aggregates over
// time-window scans of the record store.
package aggregate

import (
	"context"
	"fmt"
	"time"

	"example.com/healthstore/internal/bucket"
	"example.com/healthstore/internal/domain"
	"example.com/healthstore/internal/interval"
)

// Local filters are widened to an instant scan window by the largest legal
// UTC offset before per-record boundaries are applied.
const maxZoneOffsetSeconds = 18 * 3600

// Engine answers aggregation requests over an externally synchronized store.
// It is stateless and re-entrant; every call receives the store handle held
// by the engine at construction.
type Engine struct {
	store domain.RecordStore
}

// NewEngine constructs an Engine.
func NewEngine(store domain.RecordStore) *Engine {
	return &Engine{store: store}
}

// Request describes one aggregation query.
type Request struct {
	Filter  domain.TimeRangeFilter
	Metrics []domain.MetricID
	Origins []string
}

// Bucket is one grouped aggregation result. A nil metric value means no
// record contributed, which is distinct from a contributed total of zero.
type Bucket struct {
	StartTime  time.Time
	EndTime    time.Time
	ZoneOffset int
	Values     map[domain.MetricID]*float64
	Origins    []string
}

// Aggregate computes totals over the whole filter range, equivalent to
// grouping into a single bucket spanning the range.
func (e *Engine) Aggregate(ctx context.Context, req Request) (Bucket, error) {
	specs, err := resolveMetrics(req.Metrics)
	if err != nil {
		return Bucket{}, err
	}
	spans := []bucket.Span{{Start: req.Filter.Start, End: req.Filter.End}}
	buckets, err := e.run(ctx, req, specs, spans)
	if err != nil {
		return Bucket{}, err
	}
	return buckets[0], nil
}

// AggregateGrouped slices the filter range by unit and computes per-bucket
// totals. Buckets are returned in time order and cover the range exactly.
func (e *Engine) AggregateGrouped(ctx context.Context, req Request, unit domain.GroupUnit) ([]Bucket, error) {
	specs, err := resolveMetrics(req.Metrics)
	if err != nil {
		return nil, err
	}

	planStart, planEnd := req.Filter.Start, req.Filter.End
	if unit.ByPeriod() && !req.Filter.LocalTime {
		// Calendar arithmetic runs on the local representation of the
		// boundary; the instants underneath are preserved.
		planStart = planStart.In(time.Local)
	}
	spans, err := bucket.Plan(planStart, planEnd, unit)
	if err != nil {
		return nil, err
	}
	if len(spans) == 0 {
		return []Bucket{}, nil
	}
	return e.run(ctx, req, specs, spans)
}

func resolveMetrics(ids []domain.MetricID) ([]domain.MetricSpec, error) {
	if len(ids) == 0 {
		return nil, fmt.Errorf("%w: at least one metric is required", domain.ErrInvalidArgument)
	}
	specs := make([]domain.MetricSpec, 0, len(ids))
	for _, id := range ids {
		spec, ok := domain.LookupMetric(id)
		if !ok {
			return nil, fmt.Errorf("%w: unknown metric %q", domain.ErrInvalidArgument, id)
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

// accumulator folds contributions for one metric within one bucket.
type accumulator struct {
	sum   float64
	count int
	min   float64
	max   float64
	seen  bool
}

func (a *accumulator) add(v float64) {
	if !a.seen {
		a.min, a.max = v, v
	} else {
		if v < a.min {
			a.min = v
		}
		if v > a.max {
			a.max = v
		}
	}
	a.sum += v
	a.count++
	a.seen = true
}

func (a *accumulator) total(kind domain.AggregationKind) float64 {
	switch kind {
	case domain.KindSampledAvg:
		return a.sum / float64(a.count)
	case domain.KindSampledMin:
		return a.min
	case domain.KindSampledMax:
		return a.max
	default:
		return a.sum
	}
}

// state tracks one bucket while the scan streams through.
type state struct {
	span      bucket.Span
	values    map[domain.MetricID]*accumulator
	origins   []string
	originSet map[string]struct{}
	offset    int
	offsetSet bool
}

func (e *Engine) run(ctx context.Context, req Request, specs []domain.MetricSpec, spans []bucket.Span) ([]Bucket, error) {
	records, err := e.scan(ctx, req, specs)
	if err != nil {
		return nil, err
	}

	states := make([]*state, len(spans))
	for i, span := range spans {
		states[i] = &state{
			span:      span,
			values:    make(map[domain.MetricID]*accumulator),
			originSet: make(map[string]struct{}),
		}
	}

	// Scan order is (start time, id) ascending; the last record whose
	// interval overlaps a bucket wins the offset attribution.
	for _, rec := range records {
		for _, st := range states {
			bs, be := boundaries(st.span, req.Filter, rec)
			if !e.apply(st, specs, rec, bs, be) {
				continue
			}
			st.offset = rec.StartZoneOffset
			st.offsetSet = true
			if _, ok := st.originSet[rec.DataOrigin]; !ok {
				st.originSet[rec.DataOrigin] = struct{}{}
				st.origins = append(st.origins, rec.DataOrigin)
			}
		}
	}

	fallback := bucket.SystemOffset(time.Now())
	out := make([]Bucket, len(states))
	for i, st := range states {
		out[i] = render(st, req, specs, fallback)
	}
	return out, nil
}

// scan fetches candidate records for every record type the requested metrics
// draw from. Local filters widen the instant window by the largest legal
// offset and rely on per-record boundaries to discard non-matches.
func (e *Engine) scan(ctx context.Context, req Request, specs []domain.MetricSpec) ([]domain.Record, error) {
	types := make([]domain.RecordType, 0, len(specs))
	seen := make(map[domain.RecordType]struct{}, len(specs))
	for _, spec := range specs {
		if _, ok := seen[spec.RecordType]; ok {
			continue
		}
		seen[spec.RecordType] = struct{}{}
		types = append(types, spec.RecordType)
	}

	start, end := req.Filter.Start, req.Filter.End
	if req.Filter.LocalTime {
		start = bucket.LocalToInstant(req.Filter.Start, maxZoneOffsetSeconds)
		end = bucket.LocalToInstant(req.Filter.End, -maxZoneOffsetSeconds)
	}

	return e.store.ScanInterval(ctx, domain.IntervalQuery{
		Types:   types,
		Origins: req.Origins,
		Start:   start,
		End:     end,
	})
}

// boundaries resolves a span to the instant interval it covers for rec.
// Local wall-clock boundaries are pinned to the record's own start offset,
// so "local time" is always relative to the zone the record was written in.
func boundaries(span bucket.Span, filter domain.TimeRangeFilter, rec domain.Record) (time.Time, time.Time) {
	if !filter.LocalTime {
		return span.Start, span.End
	}
	return bucket.LocalToInstant(span.Start, rec.StartZoneOffset),
		bucket.LocalToInstant(span.End, rec.StartZoneOffset)
}

// apply folds rec into the bucket state and reports whether the record's
// interval overlapped the bucket at all.
func (e *Engine) apply(st *state, specs []domain.MetricSpec, rec domain.Record, bs, be time.Time) bool {
	var overlapped bool
	if rec.Instant() {
		overlapped = interval.Contains(bs, be, rec.StartTime)
	} else {
		overlapped = interval.Overlap(rec.StartTime, rec.EndTime, bs, be) > 0
	}
	if !overlapped {
		return false
	}

	for _, spec := range specs {
		if spec.RecordType != rec.Type {
			continue
		}
		acc := st.values[spec.ID]
		if acc == nil {
			acc = &accumulator{}
			st.values[spec.ID] = acc
		}
		switch spec.Kind {
		case domain.KindCumulative:
			if rec.Instant() {
				acc.add(rec.Value)
			} else {
				ov := interval.Overlap(rec.StartTime, rec.EndTime, bs, be)
				acc.add(interval.Rescale(rec.Value, ov, rec.Duration()))
			}
		case domain.KindDuration:
			ov := interval.Overlap(rec.StartTime, rec.EndTime, bs, be)
			acc.add(ov.Seconds())
		default: // sampled kinds
			if interval.Contains(bs, be, rec.StartTime) {
				acc.add(rec.Value)
			}
		}
	}
	return true
}

func render(st *state, req Request, specs []domain.MetricSpec, fallbackOffset int) Bucket {
	offset := fallbackOffset
	if st.offsetSet {
		offset = st.offset
	}

	start, end := st.span.Start, st.span.End
	if req.Filter.LocalTime {
		start = bucket.LocalToInstant(start, offset)
		end = bucket.LocalToInstant(end, offset)
	}

	values := make(map[domain.MetricID]*float64, len(specs))
	for _, spec := range specs {
		acc := st.values[spec.ID]
		if acc == nil || !acc.seen {
			values[spec.ID] = nil
			continue
		}
		v := acc.total(spec.Kind)
		values[spec.ID] = &v
	}

	origins := st.origins
	if origins == nil {
		origins = []string{}
	}
	return Bucket{
		StartTime:  start,
		EndTime:    end,
		ZoneOffset: offset,
		Values:     values,
		Origins:    origins,
	}
}
