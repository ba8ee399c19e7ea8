package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"example.com/healthstore/internal/aggregate"
	"example.com/healthstore/internal/auth"
	"example.com/healthstore/internal/changelog"
	"example.com/healthstore/internal/domain"
	"example.com/healthstore/internal/store"
)

func newTestHandler() (*Handler, *store.Memory) {
	mem := store.NewMemory()
	service := domain.NewService(mem)
	return NewHandler(service, aggregate.NewEngine(mem), changelog.NewEngine(mem), 30*24*time.Hour), mem
}

func testClaims(origin string, scopes ...string) *auth.Claims {
	set := make(map[string]struct{}, len(scopes))
	for _, s := range scopes {
		set[s] = struct{}{}
	}
	return &auth.Claims{
		Subject:    "tester",
		DataOrigin: origin,
		Scopes:     set,
		ExpiresAt:  time.Now().Add(time.Hour),
	}
}

func withClaims(req *http.Request, claims *auth.Claims) *http.Request {
	return req.WithContext(auth.WithClaims(req.Context(), claims))
}

func TestCreateAndGetRecord(t *testing.T) {
	handler, _ := newTestHandler()
	claims := testClaims("fit-tracker", auth.ScopeRecordsWrite)

	body := `{"record_type":"steps","start_time":"2025-06-01T08:00:00Z","end_time":"2025-06-01T09:00:00Z","value":600}`
	req := withClaims(httptest.NewRequest(http.MethodPost, "/v1/records", strings.NewReader(body)), claims)
	rr := httptest.NewRecorder()
	handler.records(rr, req)

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201 got %d: %s", rr.Code, rr.Body.String())
	}

	var created RecordView
	if err := json.Unmarshal(rr.Body.Bytes(), &created); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if created.RecordID == "" {
		t.Fatal("expected record id to be assigned")
	}
	if created.DataOrigin != "fit-tracker" {
		t.Fatalf("expected data origin from claims, got %s", created.DataOrigin)
	}

	getReq := withClaims(httptest.NewRequest(http.MethodGet, "/v1/records/"+created.RecordID, nil), claims)
	getRR := httptest.NewRecorder()
	handler.recordByID(getRR, getReq)

	if getRR.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", getRR.Code, getRR.Body.String())
	}
	var fetched RecordView
	if err := json.Unmarshal(getRR.Body.Bytes(), &fetched); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if fetched.RecordID != created.RecordID {
		t.Fatalf("expected %s got %s", created.RecordID, fetched.RecordID)
	}
}

func TestCreateRecordRequiresWriteScope(t *testing.T) {
	handler, _ := newTestHandler()

	body := `{"record_type":"steps","start_time":"2025-06-01T08:00:00Z","value":100}`
	req := withClaims(httptest.NewRequest(http.MethodPost, "/v1/records", strings.NewReader(body)),
		testClaims("fit-tracker", auth.ScopeRecordsRead))
	rr := httptest.NewRecorder()
	handler.records(rr, req)

	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403 got %d", rr.Code)
	}
}

func TestGetRecordHiddenAcrossOrigins(t *testing.T) {
	handler, _ := newTestHandler()
	writer := testClaims("fit-tracker", auth.ScopeRecordsWrite)

	body := `{"record_type":"steps","start_time":"2025-06-01T08:00:00Z","value":100}`
	req := withClaims(httptest.NewRequest(http.MethodPost, "/v1/records", strings.NewReader(body)), writer)
	rr := httptest.NewRecorder()
	handler.records(rr, req)
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201 got %d", rr.Code)
	}
	var created RecordView
	if err := json.Unmarshal(rr.Body.Bytes(), &created); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	other := testClaims("other-app", auth.ScopeRecordsRead)
	getReq := withClaims(httptest.NewRequest(http.MethodGet, "/v1/records/"+created.RecordID, nil), other)
	getRR := httptest.NewRecorder()
	handler.recordByID(getRR, getReq)

	if getRR.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for foreign origin got %d", getRR.Code)
	}
}

func TestListRecordsRejectsTokenWithExplicitOrder(t *testing.T) {
	handler, _ := newTestHandler()
	claims := testClaims("fit-tracker", auth.ScopeRecordsWrite)

	for i := 0; i < 3; i++ {
		body := `{"record_type":"steps","start_time":"2025-06-01T0` + string(rune('1'+i)) + `:00:00Z","value":100}`
		req := withClaims(httptest.NewRequest(http.MethodPost, "/v1/records", strings.NewReader(body)), claims)
		rr := httptest.NewRecorder()
		handler.records(rr, req)
		if rr.Code != http.StatusCreated {
			t.Fatalf("seed create failed: %d", rr.Code)
		}
	}

	listReq := withClaims(httptest.NewRequest(http.MethodGet, "/v1/records?page_size=2", nil), claims)
	listRR := httptest.NewRecorder()
	handler.records(listRR, listReq)
	if listRR.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", listRR.Code, listRR.Body.String())
	}
	var page ListRecordsResponse
	if err := json.Unmarshal(listRR.Body.Bytes(), &page); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if page.NextPageToken == "" {
		t.Fatal("expected a next page token")
	}

	badReq := withClaims(httptest.NewRequest(http.MethodGet,
		"/v1/records?page_token="+page.NextPageToken+"&ascending=false", nil), claims)
	badRR := httptest.NewRecorder()
	handler.records(badRR, badReq)
	if badRR.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for token with explicit order got %d", badRR.Code)
	}
}

func TestListRecordsPaginatesWithToken(t *testing.T) {
	handler, _ := newTestHandler()
	claims := testClaims("fit-tracker", auth.ScopeRecordsWrite)

	for i := 0; i < 5; i++ {
		body := `{"record_type":"steps","start_time":"2025-06-01T0` + string(rune('1'+i)) + `:00:00Z","value":100}`
		req := withClaims(httptest.NewRequest(http.MethodPost, "/v1/records", strings.NewReader(body)), claims)
		rr := httptest.NewRecorder()
		handler.records(rr, req)
		if rr.Code != http.StatusCreated {
			t.Fatalf("seed create failed: %d", rr.Code)
		}
	}

	var seen []time.Time
	token := ""
	for page := 0; page < 3; page++ {
		url := "/v1/records?page_size=2"
		if token != "" {
			url += "&page_token=" + token
		}
		req := withClaims(httptest.NewRequest(http.MethodGet, url, nil), claims)
		rr := httptest.NewRecorder()
		handler.records(rr, req)
		if rr.Code != http.StatusOK {
			t.Fatalf("page %d: expected 200 got %d: %s", page, rr.Code, rr.Body.String())
		}
		var resp ListRecordsResponse
		if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
			t.Fatalf("page %d: failed to decode response: %v", page, err)
		}
		for _, item := range resp.Items {
			seen = append(seen, item.StartTime)
		}
		token = resp.NextPageToken
		if token == "" {
			break
		}
	}

	if len(seen) != 5 {
		t.Fatalf("expected 5 records across pages, got %d", len(seen))
	}
	for i := 1; i < len(seen); i++ {
		if seen[i].Before(seen[i-1]) {
			t.Fatalf("records out of order at %d: %v before %v", i, seen[i], seen[i-1])
		}
	}
}

func TestAggregateTotals(t *testing.T) {
	handler, _ := newTestHandler()
	claims := testClaims("fit-tracker", auth.ScopeRecordsWrite)

	body := `{"record_type":"steps","start_time":"2025-06-01T08:00:00Z","end_time":"2025-06-01T09:00:00Z","value":600}`
	req := withClaims(httptest.NewRequest(http.MethodPost, "/v1/records", strings.NewReader(body)), claims)
	rr := httptest.NewRecorder()
	handler.records(rr, req)
	if rr.Code != http.StatusCreated {
		t.Fatalf("seed create failed: %d", rr.Code)
	}

	aggBody := `{"start_time":"2025-06-01T08:00:00Z","end_time":"2025-06-01T08:30:00Z","metrics":["steps.count_total"]}`
	aggReq := withClaims(httptest.NewRequest(http.MethodPost, "/v1/aggregate", strings.NewReader(aggBody)), claims)
	aggRR := httptest.NewRecorder()
	handler.aggregateTotal(aggRR, aggReq)

	if aggRR.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", aggRR.Code, aggRR.Body.String())
	}
	var view BucketView
	if err := json.Unmarshal(aggRR.Body.Bytes(), &view); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	got := view.Values["steps.count_total"]
	if got == nil || *got != 300 {
		t.Fatalf("expected rescaled total 300 got %v", got)
	}
}

func TestAggregateRejectsMixedTimeRange(t *testing.T) {
	handler, _ := newTestHandler()
	claims := testClaims("fit-tracker", auth.ScopeRecordsRead)

	body := `{"start_time":"2025-06-01T08:00:00Z","end_time":"2025-06-01T09:00:00Z","local_start_time":"2025-06-01T08:00:00","local_end_time":"2025-06-01T09:00:00","metrics":["steps.count_total"]}`
	req := withClaims(httptest.NewRequest(http.MethodPost, "/v1/aggregate", strings.NewReader(body)), claims)
	rr := httptest.NewRecorder()
	handler.aggregateTotal(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 got %d", rr.Code)
	}
}

func TestAggregateGroupedByDuration(t *testing.T) {
	handler, _ := newTestHandler()
	claims := testClaims("fit-tracker", auth.ScopeRecordsWrite)

	body := `{"record_type":"steps","start_time":"2025-06-01T08:00:00Z","end_time":"2025-06-01T10:00:00Z","value":1200}`
	req := withClaims(httptest.NewRequest(http.MethodPost, "/v1/records", strings.NewReader(body)), claims)
	rr := httptest.NewRecorder()
	handler.records(rr, req)
	if rr.Code != http.StatusCreated {
		t.Fatalf("seed create failed: %d", rr.Code)
	}

	aggBody := `{"start_time":"2025-06-01T08:00:00Z","end_time":"2025-06-01T10:00:00Z","metrics":["steps.count_total"],"group_duration_seconds":3600}`
	aggReq := withClaims(httptest.NewRequest(http.MethodPost, "/v1/aggregate/grouped", strings.NewReader(aggBody)), claims)
	aggRR := httptest.NewRecorder()
	handler.aggregateGrouped(aggRR, aggReq)

	if aggRR.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", aggRR.Code, aggRR.Body.String())
	}
	var resp AggregateGroupedResponse
	if err := json.Unmarshal(aggRR.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(resp.Buckets) != 2 {
		t.Fatalf("expected 2 buckets got %d", len(resp.Buckets))
	}
	for i, b := range resp.Buckets {
		got := b.Values["steps.count_total"]
		if got == nil || *got != 600 {
			t.Fatalf("bucket %d: expected 600 got %v", i, got)
		}
	}
}

func TestChangesFlow(t *testing.T) {
	handler, _ := newTestHandler()
	claims := testClaims("fit-tracker", auth.ScopeRecordsWrite, auth.ScopeRecordsRead)

	tokenReq := withClaims(httptest.NewRequest(http.MethodPost, "/v1/changes/token",
		strings.NewReader(`{"record_types":["steps"]}`)), claims)
	tokenRR := httptest.NewRecorder()
	handler.changesToken(tokenRR, tokenReq)
	if tokenRR.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", tokenRR.Code, tokenRR.Body.String())
	}
	var issued ChangesTokenResponse
	if err := json.Unmarshal(tokenRR.Body.Bytes(), &issued); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	body := `{"record_type":"steps","start_time":"2025-06-01T08:00:00Z","value":100}`
	createReq := withClaims(httptest.NewRequest(http.MethodPost, "/v1/records", strings.NewReader(body)), claims)
	createRR := httptest.NewRecorder()
	handler.records(createRR, createReq)
	if createRR.Code != http.StatusCreated {
		t.Fatalf("seed create failed: %d", createRR.Code)
	}

	changesReq := withClaims(httptest.NewRequest(http.MethodGet, "/v1/changes?token="+issued.Token, nil), claims)
	changesRR := httptest.NewRecorder()
	handler.changesPage(changesRR, changesReq)
	if changesRR.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", changesRR.Code, changesRR.Body.String())
	}
	var page ChangesResponse
	if err := json.Unmarshal(changesRR.Body.Bytes(), &page); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(page.Upserts) != 1 || len(page.Deletes) != 0 {
		t.Fatalf("expected single upsert got %d upserts %d deletes", len(page.Upserts), len(page.Deletes))
	}
	if page.NextToken == "" || page.NextToken == issued.Token {
		t.Fatal("expected the watermark to advance")
	}

	// draining an exhausted token returns a stable token value
	againReq := withClaims(httptest.NewRequest(http.MethodGet, "/v1/changes?token="+page.NextToken, nil), claims)
	againRR := httptest.NewRecorder()
	handler.changesPage(againRR, againReq)
	if againRR.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", againRR.Code)
	}
	var drained ChangesResponse
	if err := json.Unmarshal(againRR.Body.Bytes(), &drained); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(drained.Upserts) != 0 || drained.HasMore {
		t.Fatal("expected an empty page at the tail")
	}
	if drained.NextToken != page.NextToken {
		t.Fatalf("expected stable token, got %s then %s", page.NextToken, drained.NextToken)
	}
}

func TestChangesRejectsMalformedToken(t *testing.T) {
	handler, _ := newTestHandler()
	claims := testClaims("fit-tracker", auth.ScopeRecordsRead)

	req := withClaims(httptest.NewRequest(http.MethodGet, "/v1/changes?token=%21%21not-a-token", nil), claims)
	rr := httptest.NewRecorder()
	handler.changesPage(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 got %d: %s", rr.Code, rr.Body.String())
	}
	var payload map[string]string
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if payload["type"] != "invalid_token" {
		t.Fatalf("expected invalid_token error type got %s", payload["type"])
	}
}

func TestChangesRejectsEmptyToken(t *testing.T) {
	handler, _ := newTestHandler()
	claims := testClaims("fit-tracker", auth.ScopeRecordsRead)

	req := withClaims(httptest.NewRequest(http.MethodGet, "/v1/changes", nil), claims)
	rr := httptest.NewRecorder()
	handler.changesPage(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 got %d: %s", rr.Code, rr.Body.String())
	}
	var payload map[string]string
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if payload["type"] != "invalid_token" {
		t.Fatalf("expected invalid_token error type got %s", payload["type"])
	}
}

func TestChangesTokenRejectsUmbrellaType(t *testing.T) {
	handler, _ := newTestHandler()
	claims := testClaims("fit-tracker", auth.ScopeRecordsRead)

	req := withClaims(httptest.NewRequest(http.MethodPost, "/v1/changes/token",
		strings.NewReader(`{"record_types":["session"]}`)), claims)
	rr := httptest.NewRecorder()
	handler.changesToken(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 got %d: %s", rr.Code, rr.Body.String())
	}
	if !strings.Contains(rr.Body.String(), "must not contain any of") {
		t.Fatalf("unexpected error body: %s", rr.Body.String())
	}
}
