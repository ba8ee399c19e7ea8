// Package api exposes HTTP handlers for the health record store.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"example.com/healthstore/internal/aggregate"
	"example.com/healthstore/internal/auth"
	"example.com/healthstore/internal/changelog"
	"example.com/healthstore/internal/domain"
	"example.com/healthstore/internal/persistence"
)

// localTimeLayout is the zone-less wall-clock format accepted by local-time
// range filters.
const localTimeLayout = "2006-01-02T15:04:05"

// Handler coordinates HTTP requests with the domain service and the two
// read engines.
type Handler struct {
	service          *domain.Service
	aggregator       *aggregate.Engine
	changes          *changelog.Engine
	historicalWindow time.Duration
}

// NewHandler builds a Handler.
func NewHandler(service *domain.Service, aggregator *aggregate.Engine, changes *changelog.Engine, historicalWindow time.Duration) *Handler {
	return &Handler{
		service:          service,
		aggregator:       aggregator,
		changes:          changes,
		historicalWindow: historicalWindow,
	}
}

// RegisterRoutes wires endpoints to the mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/v1/records", h.records)
	mux.HandleFunc("/v1/records/", h.recordByID)
	mux.HandleFunc("/v1/aggregate", h.aggregateTotal)
	mux.HandleFunc("/v1/aggregate/grouped", h.aggregateGrouped)
	mux.HandleFunc("/v1/changes/token", h.changesToken)
	mux.HandleFunc("/v1/changes", h.changesPage)
	mux.HandleFunc("/healthz", healthz)
}

// healthz reports a simple OK status for container health checks.
func healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (h *Handler) records(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.createRecord(w, r)
	case http.MethodGet:
		h.listRecords(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
	}
}

func (h *Handler) recordByID(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/v1/records/")
	if id == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "missing record id")
		return
	}

	switch r.Method {
	case http.MethodGet:
		h.getRecord(w, r, id)
	case http.MethodPut:
		h.updateRecord(w, r, id)
	case http.MethodDelete:
		h.deleteRecord(w, r, id)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
	}
}

func (h *Handler) createRecord(w http.ResponseWriter, r *http.Request) {
	claims, ok := requireScope(w, r, auth.ScopeRecordsWrite)
	if !ok {
		return
	}

	var req WriteRecordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "unable to parse body")
		return
	}

	rec, err := h.service.CreateRecord(r.Context(), req.toInput(claims.DataOrigin))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toRecordView(rec))
}

func (h *Handler) updateRecord(w http.ResponseWriter, r *http.Request, id string) {
	claims, ok := requireScope(w, r, auth.ScopeRecordsWrite)
	if !ok {
		return
	}

	var req WriteRecordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "unable to parse body")
		return
	}

	rec, err := h.service.UpdateRecord(r.Context(), id, req.toInput(claims.DataOrigin))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toRecordView(rec))
}

func (h *Handler) deleteRecord(w http.ResponseWriter, r *http.Request, id string) {
	if _, ok := requireScope(w, r, auth.ScopeRecordsWrite); !ok {
		return
	}
	if err := h.service.DeleteRecord(r.Context(), id); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) getRecord(w http.ResponseWriter, r *http.Request, id string) {
	claims, ok := requireRead(w, r)
	if !ok {
		return
	}

	rec, err := h.service.GetRecord(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if !claims.HasScope(auth.ScopeRecordsReadAllOrigins) && rec.DataOrigin != claims.DataOrigin {
		writeError(w, http.StatusNotFound, "not_found", "record not found")
		return
	}
	writeJSON(w, http.StatusOK, toRecordView(*rec))
}

func (h *Handler) listRecords(w http.ResponseWriter, r *http.Request) {
	claims, ok := requireRead(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()

	types, err := parseRecordTypes(q["type"])
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
		return
	}

	start, err := parseOptionalTime(q.Get("start_time"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", "invalid start_time")
		return
	}
	end, err := parseOptionalTime(q.Get("end_time"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", "invalid end_time")
		return
	}

	limit := 0
	if raw := q.Get("page_size"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	cursor, err := persistence.DecodeCursor(q.Get("page_token"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", "invalid page token")
		return
	}

	ascending := true
	orderSet := false
	if raw := q.Get("ascending"); raw != "" {
		parsed, parseErr := strconv.ParseBool(raw)
		if parseErr != nil {
			writeError(w, http.StatusBadRequest, "validation_failed", "invalid ascending flag")
			return
		}
		ascending = parsed
		orderSet = true
	}

	records, next, err := h.service.ListRecords(r.Context(), domain.ListRecordsInput{
		Types:     types,
		Origins:   visibleOrigins(claims, q["origin"]),
		Start:     start,
		End:       end,
		Ascending: ascending,
		OrderSet:  orderSet,
		Cursor:    cursor,
		Limit:     limit,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}

	items := make([]RecordView, 0, len(records))
	for _, rec := range records {
		items = append(items, toRecordView(rec))
	}
	nextToken, err := persistence.EncodeCursor(next)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ListRecordsResponse{
		Items:         items,
		NextPageToken: nextToken,
	})
}

func (h *Handler) aggregateTotal(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}
	claims, ok := requireRead(w, r)
	if !ok {
		return
	}

	var req AggregateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "unable to parse body")
		return
	}

	engineReq, err := req.toEngineRequest(claims)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	result, err := h.aggregator.Aggregate(r.Context(), engineReq)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toBucketView(result))
}

func (h *Handler) aggregateGrouped(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}
	claims, ok := requireRead(w, r)
	if !ok {
		return
	}

	var req AggregateGroupedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "unable to parse body")
		return
	}

	engineReq, err := req.AggregateRequest.toEngineRequest(claims)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	unit, err := req.toGroupUnit()
	if err != nil {
		writeDomainError(w, err)
		return
	}

	buckets, err := h.aggregator.AggregateGrouped(r.Context(), engineReq, unit)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	views := make([]BucketView, 0, len(buckets))
	for _, b := range buckets {
		views = append(views, toBucketView(b))
	}
	writeJSON(w, http.StatusOK, AggregateGroupedResponse{Buckets: views})
}

func (h *Handler) changesToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}
	claims, ok := requireRead(w, r)
	if !ok {
		return
	}

	var req ChangesTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "unable to parse body")
		return
	}

	types := make([]domain.RecordType, 0, len(req.RecordTypes))
	for _, t := range req.RecordTypes {
		types = append(types, domain.RecordType(t))
	}

	token, err := h.changes.IssueToken(r.Context(), types, visibleOrigins(claims, req.DataOrigins))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ChangesTokenResponse{Token: token})
}

func (h *Handler) changesPage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}
	claims, ok := requireRead(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	token := q.Get("token")

	pageSize := 0
	if raw := q.Get("page_size"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "validation_failed", "invalid page_size")
			return
		}
		pageSize = parsed
	}

	page, err := h.changes.Changes(r.Context(), token, pageSize, h.accessFor(claims))
	if err != nil {
		writeDomainError(w, err)
		return
	}

	upserts := make([]RecordView, 0, len(page.Upserts))
	for _, rec := range page.Upserts {
		upserts = append(upserts, toRecordView(rec))
	}
	deletes := make([]DeletedRecordView, 0, len(page.Deletes))
	for _, del := range page.Deletes {
		deletes = append(deletes, DeletedRecordView{RecordID: del.RecordID, RecordType: string(del.RecordType)})
	}
	writeJSON(w, http.StatusOK, ChangesResponse{
		Upserts:   upserts,
		Deletes:   deletes,
		HasMore:   page.HasMore,
		NextToken: page.NextToken,
	})
}

// accessFor translates the caller's grants into engine predicates. Callers
// without the read_all_origins scope see only their own writes; callers
// without read_historical see upserts modified in the window preceding their
// grant, anchored at GrantedAt.
func (h *Handler) accessFor(claims *auth.Claims) changelog.Access {
	access := changelog.Access{}
	if !claims.HasScope(auth.ScopeRecordsReadAllOrigins) {
		access.Origins = []string{claims.DataOrigin}
	}
	if !claims.HasScope(auth.ScopeRecordsReadHistorical) && !claims.GrantedAt.IsZero() {
		access.HistoricalBoundary = claims.GrantedAt.Add(-h.historicalWindow)
	}
	return access
}

func requireScope(w http.ResponseWriter, r *http.Request, scope string) (*auth.Claims, bool) {
	claims, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
		return nil, false
	}
	if !claims.HasScope(scope) {
		writeError(w, http.StatusForbidden, "forbidden", "scope "+scope+" required")
		return nil, false
	}
	return claims, true
}

func requireRead(w http.ResponseWriter, r *http.Request) (*auth.Claims, bool) {
	claims, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
		return nil, false
	}
	if !claims.HasScope(auth.ScopeRecordsRead) && !claims.HasScope(auth.ScopeRecordsWrite) {
		writeError(w, http.StatusForbidden, "forbidden", "scope records:read required")
		return nil, false
	}
	return claims, true
}

// visibleOrigins narrows the requested origins by the caller's grants. A
// caller without read_all_origins is pinned to its own data origin.
func visibleOrigins(claims *auth.Claims, requested []string) []string {
	if claims.HasScope(auth.ScopeRecordsReadAllOrigins) {
		return requested
	}
	return []string{claims.DataOrigin}
}

func parseRecordTypes(raw []string) ([]domain.RecordType, error) {
	types := make([]domain.RecordType, 0, len(raw))
	for _, item := range raw {
		for _, part := range strings.Split(item, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			t := domain.RecordType(part)
			if !t.Valid() {
				return nil, errors.New("unknown record type " + part)
			}
			types = append(types, t)
		}
	}
	return types, nil
}

func parseOptionalTime(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, raw)
}

// WriteRecordRequest is the payload for POST /v1/records and PUT /v1/records/{id}.
type WriteRecordRequest struct {
	ClientRecordID      string    `json:"client_record_id,omitempty"`
	ClientRecordVersion int64     `json:"client_record_version,omitempty"`
	RecordType          string    `json:"record_type"`
	StartTime           time.Time `json:"start_time"`
	EndTime             time.Time `json:"end_time,omitempty"`
	StartZoneOffset     int       `json:"start_zone_offset"`
	EndZoneOffset       int       `json:"end_zone_offset"`
	Value               float64   `json:"value"`
}

func (r WriteRecordRequest) toInput(dataOrigin string) domain.WriteRecordInput {
	return domain.WriteRecordInput{
		ClientRecordID:      r.ClientRecordID,
		ClientRecordVersion: r.ClientRecordVersion,
		DataOrigin:          dataOrigin,
		Type:                domain.RecordType(r.RecordType),
		StartTime:           r.StartTime,
		EndTime:             r.EndTime,
		StartZoneOffset:     r.StartZoneOffset,
		EndZoneOffset:       r.EndZoneOffset,
		Value:               r.Value,
	}
}

// RecordView exposes full details about a record.
type RecordView struct {
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

// ListRecordsResponse packages list results.
type ListRecordsResponse struct {
	Items         []RecordView `json:"items"`
	NextPageToken string       `json:"next_page_token,omitempty"`
}

// AggregateRequest is the payload for POST /v1/aggregate.
type AggregateRequest struct {
	StartTime      *time.Time `json:"start_time,omitempty"`
	EndTime        *time.Time `json:"end_time,omitempty"`
	LocalStartTime string     `json:"local_start_time,omitempty"`
	LocalEndTime   string     `json:"local_end_time,omitempty"`
	Metrics        []string   `json:"metrics"`
	DataOrigins    []string   `json:"data_origins,omitempty"`
}

func (r AggregateRequest) toEngineRequest(claims *auth.Claims) (aggregate.Request, error) {
	filter, err := r.toFilter()
	if err != nil {
		return aggregate.Request{}, err
	}
	metrics := make([]domain.MetricID, 0, len(r.Metrics))
	for _, m := range r.Metrics {
		metrics = append(metrics, domain.MetricID(m))
	}
	return aggregate.Request{
		Filter:  filter,
		Metrics: metrics,
		Origins: visibleOrigins(claims, r.DataOrigins),
	}, nil
}

func (r AggregateRequest) toFilter() (domain.TimeRangeFilter, error) {
	local := r.LocalStartTime != "" || r.LocalEndTime != ""
	instant := r.StartTime != nil || r.EndTime != nil
	if local == instant {
		return domain.TimeRangeFilter{}, fmt.Errorf("%w: exactly one of instant and local time range is required", domain.ErrInvalidArgument)
	}
	if local {
		start, err := time.Parse(localTimeLayout, r.LocalStartTime)
		if err != nil {
			return domain.TimeRangeFilter{}, fmt.Errorf("%w: invalid local_start_time", domain.ErrInvalidArgument)
		}
		end, err := time.Parse(localTimeLayout, r.LocalEndTime)
		if err != nil {
			return domain.TimeRangeFilter{}, fmt.Errorf("%w: invalid local_end_time", domain.ErrInvalidArgument)
		}
		return domain.LocalRangeFilter(start, end)
	}
	if r.StartTime == nil || r.EndTime == nil {
		return domain.TimeRangeFilter{}, fmt.Errorf("%w: both start_time and end_time are required", domain.ErrInvalidArgument)
	}
	return domain.InstantRangeFilter(*r.StartTime, *r.EndTime)
}

// GroupPeriodRequest mirrors domain.Period on the wire.
type GroupPeriodRequest struct {
	Years  int `json:"years,omitempty"`
	Months int `json:"months,omitempty"`
	Days   int `json:"days,omitempty"`
}

// AggregateGroupedRequest is the payload for POST /v1/aggregate/grouped.
type AggregateGroupedRequest struct {
	AggregateRequest
	GroupDurationSeconds int64               `json:"group_duration_seconds,omitempty"`
	GroupPeriod          *GroupPeriodRequest `json:"group_period,omitempty"`
}

func (r AggregateGroupedRequest) toGroupUnit() (domain.GroupUnit, error) {
	var unit domain.GroupUnit
	if r.GroupPeriod != nil {
		unit = domain.GroupByPeriod(domain.Period{
			Years:  r.GroupPeriod.Years,
			Months: r.GroupPeriod.Months,
			Days:   r.GroupPeriod.Days,
		})
		unit.Duration = time.Duration(r.GroupDurationSeconds) * time.Second
	} else {
		unit = domain.GroupByDuration(time.Duration(r.GroupDurationSeconds) * time.Second)
	}
	if err := unit.Validate(); err != nil {
		return domain.GroupUnit{}, err
	}
	return unit, nil
}

// BucketView is one aggregation result on the wire.
type BucketView struct {
	StartTime   time.Time           `json:"start_time"`
	EndTime     time.Time           `json:"end_time"`
	ZoneOffset  int                 `json:"zone_offset"`
	Values      map[string]*float64 `json:"values"`
	DataOrigins []string            `json:"data_origins"`
}

// AggregateGroupedResponse packages grouped aggregation results.
type AggregateGroupedResponse struct {
	Buckets []BucketView `json:"buckets"`
}

// ChangesTokenRequest is the payload for POST /v1/changes/token.
type ChangesTokenRequest struct {
	RecordTypes []string `json:"record_types"`
	DataOrigins []string `json:"data_origins,omitempty"`
}

// ChangesTokenResponse carries the issued token.
type ChangesTokenResponse struct {
	Token string `json:"token"`
}

// DeletedRecordView identifies a deleted record on the wire.
type DeletedRecordView struct {
	RecordID   string `json:"record_id"`
	RecordType string `json:"record_type"`
}

// ChangesResponse is one page of changes.
type ChangesResponse struct {
	Upserts   []RecordView        `json:"upserts"`
	Deletes   []DeletedRecordView `json:"deletes"`
	HasMore   bool                `json:"has_more"`
	NextToken string              `json:"next_token"`
}

func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrRecordNotFound):
		writeError(w, http.StatusNotFound, "not_found", "record not found")
	case errors.Is(err, domain.ErrInvalidToken):
		writeError(w, http.StatusBadRequest, "invalid_token", err.Error())
	case errors.Is(err, domain.ErrInvalidArgument):
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
	}
}

func writeError(w http.ResponseWriter, status int, code, detail string) {
	payload := map[string]string{
		"type":   code,
		"detail": detail,
	}
	writeJSON(w, status, payload)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func toRecordView(rec domain.Record) RecordView {
	return RecordView{
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

func toBucketView(b aggregate.Bucket) BucketView {
	values := make(map[string]*float64, len(b.Values))
	for id, v := range b.Values {
		values[string(id)] = v
	}
	return BucketView{
		StartTime:   b.StartTime,
		EndTime:     b.EndTime,
		ZoneOffset:  b.ZoneOffset,
		Values:      values,
		DataOrigins: b.Origins,
	}
}
