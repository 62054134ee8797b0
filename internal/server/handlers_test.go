package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/labstack/echo/v4"

	"github.com/canarai/canaryd/internal/feed"
	"github.com/canarai/canaryd/internal/ratelimit"
	"github.com/canarai/canaryd/internal/store"
)

func newMockStore(t *testing.T) (*store.Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return &store.Store{DB: db}, mock
}

func doRequest(e *echo.Echo, method, target, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func siteColumns() []string {
	return []string{"id", "site_key", "domain", "config", "is_active", "created_at", "updated_at"}
}

func TestCreateSite(t *testing.T) {
	st, mock := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta(`
INSERT INTO sites (id, site_key, domain, config, is_active, created_at, updated_at)
VALUES ($1,$2,$3,$4,true,NOW(),NOW())
RETURNING created_at, updated_at`)).
		WillReturnRows(sqlmock.NewRows([]string{"created_at", "updated_at"}).AddRow(time.Now(), time.Now()))

	e := newEcho()
	(&SitesHandler{Store: st}).Register(e.Group("/v1/sites"))

	rec := doRequest(e, http.MethodPost, "/v1/sites", `{"domain":"example.com","environment":"test"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var resp siteResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(resp.SiteKey, "ca_test_") {
		t.Fatalf("site_key = %q, want ca_test_ prefix", resp.SiteKey)
	}
	if !resp.IsActive {
		t.Fatal("new site should be active")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestCreateSiteRequiresDomain(t *testing.T) {
	st, _ := newMockStore(t)
	e := newEcho()
	(&SitesHandler{Store: st}).Register(e.Group("/v1/sites"))

	rec := doRequest(e, http.MethodPost, "/v1/sites", `{}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestGetSiteNotFound(t *testing.T) {
	st, mock := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta(`
SELECT id, site_key, domain, config, is_active, created_at, updated_at
FROM sites WHERE id=$1`)).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(siteColumns()))

	e := newEcho()
	(&SitesHandler{Store: st}).Register(e.Group("/v1/sites"))

	rec := doRequest(e, http.MethodGet, "/v1/sites/missing", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestCreateZeroDay(t *testing.T) {
	st, mock := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta(`
INSERT INTO zero_day_pushes (id, site_id, test_id, surface, description, is_active, sample_target, sample_count, expires_at, activated_at)
VALUES ($1,$2,$3,$4,$5,true,$6,0,$7,NOW())
RETURNING activated_at`)).
		WillReturnRows(sqlmock.NewRows([]string{"activated_at"}).AddRow(time.Now()))

	e := newEcho()
	(&AdminHandler{Store: st}).Register(e.Group("/v1/admin"))

	rec := doRequest(e, http.MethodPost, "/v1/admin/zero-day", `{"test_id":"CAN-0002","description":"header probe","expires_hours":48}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var resp zeroDayResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Surface != "web" {
		t.Fatalf("surface = %q, want default web", resp.Surface)
	}
	if resp.SampleTarget != 1000 {
		t.Fatalf("sample_target = %d, want default 1000", resp.SampleTarget)
	}
	if resp.ExpiresAt == nil {
		t.Fatal("expires_at should be set from expires_hours")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestDeactivateZeroDayNotFound(t *testing.T) {
	st, mock := newMockStore(t)
	mock.ExpectExec(regexp.QuoteMeta(`
UPDATE zero_day_pushes SET is_active = false, deprioritized_at = NOW()
WHERE id=$1 AND is_active = true`)).
		WithArgs("gone").
		WillReturnResult(sqlmock.NewResult(0, 0))

	e := newEcho()
	(&AdminHandler{Store: st}).Register(e.Group("/v1/admin"))

	rec := doRequest(e, http.MethodDelete, "/v1/admin/zero-day/gone", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestCreateWebhookScopedToSite(t *testing.T) {
	st, mock := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta(`
SELECT id, site_key, domain, config, is_active, created_at, updated_at
FROM sites WHERE id=$1`)).
		WithArgs("site-1").
		WillReturnRows(sqlmock.NewRows(siteColumns()).
			AddRow("site-1", "ca_live_abc", "example.com", []byte(`{}`), true, time.Now(), time.Now()))
	mock.ExpectQuery(regexp.QuoteMeta(`
INSERT INTO webhooks (id, site_id, url, events, secret, enabled, created_at)
VALUES ($1,$2,$3,$4,$5,true,NOW())
RETURNING created_at`)).
		WillReturnRows(sqlmock.NewRows([]string{"created_at"}).AddRow(time.Now()))

	e := newEcho()
	(&WebhooksHandler{Store: st}).Register(e.Group("/v1/sites"))

	rec := doRequest(e, http.MethodPost, "/v1/sites/site-1/webhooks", `{"url":"https://hooks.example.com/x"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var resp webhookResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Secret == "" {
		t.Fatal("secret should be returned on creation")
	}
	if len(resp.Events) != 2 {
		t.Fatalf("events = %v, want default pair", resp.Events)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestDeleteWebhookWrongSite(t *testing.T) {
	st, mock := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta(`
SELECT id, site_id, url, events, secret, enabled, created_at FROM webhooks WHERE id=$1`)).
		WithArgs("wh-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "site_id", "url", "events", "secret", "enabled", "created_at"}).
			AddRow("wh-1", "other-site", "https://hooks.example.com/x", []byte(`[]`), "s", true, time.Now()))

	e := newEcho()
	(&WebhooksHandler{Store: st}).Register(e.Group("/v1/sites"))

	rec := doRequest(e, http.MethodDelete, "/v1/sites/site-1/webhooks/wh-1", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestProviderRegisterConflict(t *testing.T) {
	st, mock := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta(`
SELECT id, family, name, contact_email, webhook_url, webhook_secret, webhook_events, is_verified, is_active, created_at, updated_at
FROM agent_providers WHERE family=$1`)).
		WithArgs("openai").
		WillReturnRows(sqlmock.NewRows([]string{"id", "family", "name", "contact_email", "webhook_url", "webhook_secret", "webhook_events", "is_verified", "is_active", "created_at", "updated_at"}).
			AddRow("p1", "openai", "OpenAI", "ops@openai.com", nil, nil, []byte(`[]`), false, true, time.Now(), time.Now()))

	e := newEcho()
	(&ProvidersHandler{Store: st, Limiter: ratelimit.New(5, time.Hour)}).Register(e.Group("/v1/providers"))

	rec := doRequest(e, http.MethodPost, "/v1/providers", `{"family":"openai","name":"OpenAI","contact_email":"ops@openai.com"}`)
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
}

func TestProviderRegisterRateLimited(t *testing.T) {
	st, _ := newMockStore(t)
	limiter := ratelimit.New(1, time.Hour)
	limiter.Allow("192.0.2.1")

	e := newEcho()
	(&ProvidersHandler{Store: st, Limiter: limiter}).Register(e.Group("/v1/providers"))

	rec := doRequest(e, http.MethodPost, "/v1/providers", `{"family":"x","name":"X","contact_email":"x@x.com"}`)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestFeedRateLimited(t *testing.T) {
	st, mock := newMockStore(t)
	mock.ExpectQuery("FROM feed_snapshots").
		WillReturnRows(sqlmock.NewRows([]string{"id", "snapshot_type", "period", "data", "computed_at"}).
			AddRow("s1", "agents", "last_30_days", []byte(`{"agents":[]}`), time.Now()))

	limiter := ratelimit.New(1, time.Minute)
	svc := feed.New(st, 15*time.Minute, 50, 3)

	e := newEcho()
	(&FeedHandler{Feed: svc, Limiter: limiter}).Register(e.Group("/v1/feed"))

	if rec := doRequest(e, http.MethodGet, "/v1/feed/agents", ""); rec.Code != http.StatusOK {
		t.Fatalf("first call status = %d, body %s", rec.Code, rec.Body.String())
	}
	if rec := doRequest(e, http.MethodGet, "/v1/feed/agents", ""); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second call status = %d", rec.Code)
	}
}
