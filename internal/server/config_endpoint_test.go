package server

import (
	"encoding/json"
	"net/http"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/canarai/canaryd/internal/escalation"
)

func sessionColumns() []string {
	return []string{"id", "site_id", "fingerprint_hash", "surface", "vectors_seen", "visit_count", "first_seen_at", "last_seen_at"}
}

func zeroDayColumns() []string {
	return []string{"id", "site_id", "test_id", "surface", "description", "is_active", "sample_target", "sample_count", "expires_at", "activated_at", "deprioritized_at"}
}

func expectSweep(mock sqlmock.Sqlmock) {
	mock.ExpectExec(regexp.QuoteMeta(`
UPDATE zero_day_pushes
SET is_active = false, deprioritized_at = NOW()
WHERE is_active = true
  AND ((expires_at IS NOT NULL AND expires_at < NOW()) OR sample_count >= sample_target)`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
}

func expectSessionUpsert(mock sqlmock.Sqlmock, visitCount int) {
	mock.ExpectQuery("INSERT INTO agent_sessions").
		WillReturnRows(sqlmock.NewRows(sessionColumns()).
			AddRow("sess-1", "site-1", "fp", "web", []byte(`[]`), visitCount, time.Now(), time.Now()))
}

func TestConfigEscalationDisabledServesFullCatalog(t *testing.T) {
	st, mock := newMockStore(t)
	expectSiteByKey(mock, "ca_live_abc", true, `{}`)
	expectSweep(mock)
	expectSessionUpsert(mock, 3)
	mock.ExpectExec("UPDATE agent_sessions SET vectors_seen").
		WillReturnResult(sqlmock.NewResult(0, 1))

	e := newEcho()
	(&ConfigHandler{Store: st, Composer: escalation.NewComposer(st), PublicURL: "https://api.canarai.dev"}).
		Register(e.Group("/v1/config"))

	rec := doRequest(e, http.MethodGet, "/v1/config/ca_live_abc", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var resp configResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Tests) != 3 {
		t.Fatalf("tests = %d, want full catalog", len(resp.Tests))
	}
	if resp.Tests[0].TestID != "CAN-0003" {
		t.Fatalf("first test = %s, want lowest priority number first", resp.Tests[0].TestID)
	}
	if resp.EscalationLevel != 0 || resp.AgentSessionID != nil {
		t.Fatalf("escalation fields should be zeroed when disabled: %d %v", resp.EscalationLevel, resp.AgentSessionID)
	}
	if resp.IngestURL != "https://api.canarai.dev/v1/ingest" {
		t.Fatalf("ingest_url = %q", resp.IngestURL)
	}
	if resp.DetectionThreshold != 0.5 {
		t.Fatalf("detection_threshold = %v, want default", resp.DetectionThreshold)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestConfigEscalationSlicesToVisitCount(t *testing.T) {
	st, mock := newMockStore(t)
	expectSiteByKey(mock, "ca_live_abc", true, `{"escalation_enabled":true}`)
	expectSweep(mock)
	expectSessionUpsert(mock, 1)
	mock.ExpectQuery("FROM zero_day_pushes").
		WillReturnRows(sqlmock.NewRows(zeroDayColumns()))
	mock.ExpectExec("UPDATE agent_sessions SET vectors_seen").
		WillReturnResult(sqlmock.NewResult(0, 1))

	e := newEcho()
	(&ConfigHandler{Store: st, Composer: escalation.NewComposer(st)}).Register(e.Group("/v1/config"))

	rec := doRequest(e, http.MethodGet, "/v1/config/ca_live_abc", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var resp configResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Tests) != 1 {
		t.Fatalf("tests = %d, first visit should see one test", len(resp.Tests))
	}
	if resp.Tests[0].TestID != "CAN-0003" {
		t.Fatalf("first test = %s", resp.Tests[0].TestID)
	}
	if resp.EscalationLevel != 1 {
		t.Fatalf("escalation_level = %d", resp.EscalationLevel)
	}
	if resp.AgentSessionID == nil || *resp.AgentSessionID != "sess-1" {
		t.Fatalf("agent_session_id = %v", resp.AgentSessionID)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestConfigZeroDayServedFirst(t *testing.T) {
	st, mock := newMockStore(t)
	expectSiteByKey(mock, "ca_live_abc", true, `{"escalation_enabled":true}`)
	expectSweep(mock)
	expectSessionUpsert(mock, 2)
	mock.ExpectQuery("FROM zero_day_pushes").
		WillReturnRows(sqlmock.NewRows(zeroDayColumns()).
			AddRow("push-1", nil, "CAN-0042", "web", "new vector", true, 1000, 10, nil, time.Now(), nil))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE zero_day_pushes SET sample_count = sample_count + 1 WHERE id=$1`)).
		WithArgs("push-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE agent_sessions SET vectors_seen").
		WillReturnResult(sqlmock.NewResult(0, 1))

	e := newEcho()
	(&ConfigHandler{Store: st, Composer: escalation.NewComposer(st)}).Register(e.Group("/v1/config"))

	rec := doRequest(e, http.MethodGet, "/v1/config/ca_live_abc", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var resp configResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Tests) != 2 {
		t.Fatalf("tests = %d", len(resp.Tests))
	}
	if !resp.Tests[0].IsZeroDay || resp.Tests[0].TestID != "CAN-0042" {
		t.Fatalf("zero-day should come first: %+v", resp.Tests[0])
	}
	if resp.Tests[0].Priority != 0 {
		t.Fatalf("zero-day priority = %d", resp.Tests[0].Priority)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}
