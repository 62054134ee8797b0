// Package store persists all engine entities in Postgres. Every
// operation re-reads and re-writes through the database; the engine
// holds no long-lived entity references across requests.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

type Store struct {
	DB *sql.DB
}

// Event types carried by webhooks.
const (
	EventAgentDetected          = "visit.agent_detected"
	EventCriticalFailure        = "test.critical_failure"
	EventWebhookTest            = "webhook.test"
	EventProviderCriticalFailed = "agent.critical_failure"
)

// Visit classifications that count as agent traffic in rollups.
var AgentClassifications = []string{"confirmed_agent", "likely_agent"}

// Site represents a registered website being monitored.
type Site struct {
	ID        string
	SiteKey   string
	Domain    string
	Config    json.RawMessage
	IsActive  bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// SiteConfig is the decoded shape of Site.Config.
type SiteConfig struct {
	EnabledTests       []string `json:"enabled_tests"`
	DeliveryMethods    []string `json:"delivery_methods"`
	DetectionThreshold float64  `json:"detection_threshold"`
	EscalationEnabled  bool     `json:"escalation_enabled"`
}

// DecodeConfig unmarshals the site's JSON config, applying defaults for
// missing fields.
func (s Site) DecodeConfig() SiteConfig {
	cfg := SiteConfig{DetectionThreshold: 0.5}
	if len(s.Config) > 0 {
		_ = json.Unmarshal(s.Config, &cfg)
	}
	return cfg
}

// Visit is the immutable record of one page visit.
type Visit struct {
	ID             string
	VisitID        string
	SiteID         string
	PageURL        string
	Timestamp      time.Time
	UserAgent      string
	Detection      json.RawMessage
	Classification string
	AgentFamily    *string
	IPHash         *string
	CreatedAt      time.Time
}

// TestResult is one reported canary outcome, immutable after ingest.
type TestResult struct {
	ID             string
	VisitID        string
	TestID         string
	TestVersion    string
	DeliveryMethod string
	Outcome        string
	Score          int
	Evidence       json.RawMessage
	InjectedAt     *time.Time
	ObservedAt     *time.Time
	CreatedAt      time.Time
}

// AgentSession tracks escalation state per (site, fingerprint, surface).
type AgentSession struct {
	ID              string
	SiteID          string
	FingerprintHash string
	Surface         string
	VectorsSeen     []string
	VisitCount      int
	FirstSeenAt     time.Time
	LastSeenAt      time.Time
}

// ZeroDayPush is a high-priority vector campaign.
type ZeroDayPush struct {
	ID              string
	SiteID          *string
	TestID          string
	Surface         string
	Description     string
	IsActive        bool
	SampleTarget    int
	SampleCount     int
	ExpiresAt       *time.Time
	ActivatedAt     time.Time
	DeprioritizedAt *time.Time
}

// Webhook is a registered site-level alert target.
type Webhook struct {
	ID        string
	SiteID    string
	URL       string
	Events    []string
	Secret    string
	Enabled   bool
	CreatedAt time.Time
}

// WebhookDelivery records one dispatch attempt. StatusCode nil means the
// target was unreachable (transport error), as opposed to reachable but
// rejecting. NextRetryAt nil means no retry is needed.
type WebhookDelivery struct {
	ID          string
	WebhookID   string
	EventType   string
	Payload     json.RawMessage
	StatusCode  *int
	Attempt     int
	NextRetryAt *time.Time
	CreatedAt   time.Time
}

// AgentProvider is a registered vendor behind an agent family.
type AgentProvider struct {
	ID            string
	Family        string
	Name          string
	ContactEmail  string
	WebhookURL    *string
	WebhookSecret *string
	WebhookEvents []string
	IsVerified    bool
	IsActive      bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// FeedSnapshot is a cached aggregate keyed by (snapshot_type, period).
type FeedSnapshot struct {
	ID           string
	SnapshotType string
	Period       string
	Data         json.RawMessage
	ComputedAt   time.Time
}

func New(ctx context.Context) (*Store, error) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		host := getenvDefault("POSTGRES_HOST", "localhost")
		port := getenvDefault("POSTGRES_PORT", "5432")
		user := os.Getenv("POSTGRES_USER")
		pass := os.Getenv("POSTGRES_PASSWORD")
		db := os.Getenv("POSTGRES_DB")
		ssl := getenvDefault("POSTGRES_SSLMODE", "disable")
		dsn = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", user, pass, host, port, db, ssl)
	}
	return NewWithDSN(ctx, dsn)
}

// NewWithDSN constructs the Store using an explicit Postgres DSN.
func NewWithDSN(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}
	return &Store{DB: db}, nil
}

func getenvDefault(k, def string) string {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	return v
}

// Site operations

func (s *Store) CreateSite(ctx context.Context, siteKey, domain string, config json.RawMessage) (Site, error) {
	if siteKey == "" || domain == "" {
		return Site{}, fmt.Errorf("site_key and domain are required")
	}
	if len(config) == 0 {
		config = json.RawMessage(`{}`)
	}
	site := Site{ID: uuid.NewString(), SiteKey: siteKey, Domain: domain, Config: config, IsActive: true}
	err := s.DB.QueryRowContext(ctx, `
INSERT INTO sites (id, site_key, domain, config, is_active, created_at, updated_at)
VALUES ($1,$2,$3,$4,true,NOW(),NOW())
RETURNING created_at, updated_at`, site.ID, siteKey, domain, []byte(config)).Scan(&site.CreatedAt, &site.UpdatedAt)
	if err != nil {
		return Site{}, fmt.Errorf("create site: %w", err)
	}
	return site, nil
}

func (s *Store) GetSiteByKey(ctx context.Context, siteKey string) (Site, bool, error) {
	var site Site
	err := s.DB.QueryRowContext(ctx, `
SELECT id, site_key, domain, config, is_active, created_at, updated_at
FROM sites WHERE site_key=$1`, siteKey).
		Scan(&site.ID, &site.SiteKey, &site.Domain, &site.Config, &site.IsActive, &site.CreatedAt, &site.UpdatedAt)
	if err == sql.ErrNoRows {
		return Site{}, false, nil
	}
	if err != nil {
		return Site{}, false, err
	}
	return site, true, nil
}

func (s *Store) GetSite(ctx context.Context, id string) (Site, bool, error) {
	var site Site
	err := s.DB.QueryRowContext(ctx, `
SELECT id, site_key, domain, config, is_active, created_at, updated_at
FROM sites WHERE id=$1`, id).
		Scan(&site.ID, &site.SiteKey, &site.Domain, &site.Config, &site.IsActive, &site.CreatedAt, &site.UpdatedAt)
	if err == sql.ErrNoRows {
		return Site{}, false, nil
	}
	if err != nil {
		return Site{}, false, err
	}
	return site, true, nil
}

func (s *Store) UpdateSiteConfig(ctx context.Context, id string, config json.RawMessage) error {
	res, err := s.DB.ExecContext(ctx, `UPDATE sites SET config=$2, updated_at=NOW() WHERE id=$1`, id, []byte(config))
	if err != nil {
		return fmt.Errorf("update site config: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *Store) SetSiteActive(ctx context.Context, id string, active bool) error {
	_, err := s.DB.ExecContext(ctx, `UPDATE sites SET is_active=$2, updated_at=NOW() WHERE id=$1`, id, active)
	return err
}

// Visit / TestResult operations

func (s *Store) InsertVisit(ctx context.Context, v Visit) error {
	if v.VisitID == "" || v.SiteID == "" {
		return fmt.Errorf("visit_id and site_id are required")
	}
	if v.ID == "" {
		v.ID = uuid.NewString()
	}
	if len(v.Detection) == 0 {
		v.Detection = json.RawMessage(`{}`)
	}
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO visits (id, visit_id, site_id, page_url, ts, user_agent, detection, classification, agent_family, ip_hash, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,NOW())`,
		v.ID, v.VisitID, v.SiteID, v.PageURL, v.Timestamp, v.UserAgent, []byte(v.Detection), v.Classification, v.AgentFamily, v.IPHash)
	if err != nil {
		return fmt.Errorf("insert visit: %w", err)
	}
	return nil
}

func (s *Store) InsertTestResult(ctx context.Context, r TestResult) error {
	if r.VisitID == "" || r.TestID == "" {
		return fmt.Errorf("visit_id and test_id are required")
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if len(r.Evidence) == 0 {
		r.Evidence = json.RawMessage(`{}`)
	}
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO test_results (id, visit_id, test_id, test_version, delivery_method, outcome, score, evidence, injected_at, observed_at, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,NOW())`,
		r.ID, r.VisitID, r.TestID, r.TestVersion, r.DeliveryMethod, r.Outcome, r.Score, []byte(r.Evidence), r.InjectedAt, r.ObservedAt)
	if err != nil {
		return fmt.Errorf("insert test result: %w", err)
	}
	return nil
}

// Agent session operations

// UpsertAgentSession creates the session on first sighting or bumps
// visit_count and last_seen_at atomically on every subsequent one. The
// returned bool reports whether the session is brand new. The returned
// visit_count is the escalation level for this visit.
func (s *Store) UpsertAgentSession(ctx context.Context, siteID, fingerprint, surface string) (AgentSession, bool, error) {
	if siteID == "" || fingerprint == "" || surface == "" {
		return AgentSession{}, false, fmt.Errorf("site_id, fingerprint and surface are required")
	}
	var (
		sess        AgentSession
		vectorsJSON []byte
	)
	err := s.DB.QueryRowContext(ctx, `
INSERT INTO agent_sessions (id, site_id, fingerprint_hash, surface, vectors_seen, visit_count, first_seen_at, last_seen_at)
VALUES ($1,$2,$3,$4,'[]',1,NOW(),NOW())
ON CONFLICT (site_id, fingerprint_hash, surface) DO UPDATE SET
  visit_count  = agent_sessions.visit_count + 1,
  last_seen_at = NOW()
RETURNING id, site_id, fingerprint_hash, surface, vectors_seen, visit_count, first_seen_at, last_seen_at`,
		uuid.NewString(), siteID, fingerprint, surface).
		Scan(&sess.ID, &sess.SiteID, &sess.FingerprintHash, &sess.Surface, &vectorsJSON, &sess.VisitCount, &sess.FirstSeenAt, &sess.LastSeenAt)
	if err != nil {
		return AgentSession{}, false, fmt.Errorf("upsert agent session: %w", err)
	}
	if len(vectorsJSON) > 0 {
		_ = json.Unmarshal(vectorsJSON, &sess.VectorsSeen)
	}
	return sess, sess.VisitCount == 1, nil
}

func (s *Store) SetSessionVectors(ctx context.Context, sessionID string, vectors []string) error {
	if vectors == nil {
		vectors = []string{}
	}
	b, err := json.Marshal(vectors)
	if err != nil {
		return fmt.Errorf("marshal vectors_seen: %w", err)
	}
	_, err = s.DB.ExecContext(ctx, `UPDATE agent_sessions SET vectors_seen=$2 WHERE id=$1`, sessionID, b)
	return err
}

// Zero-day push operations

func (s *Store) CreateZeroDayPush(ctx context.Context, p ZeroDayPush) (ZeroDayPush, error) {
	if p.TestID == "" {
		return ZeroDayPush{}, fmt.Errorf("test_id is required")
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.Surface == "" {
		p.Surface = "web"
	}
	if p.SampleTarget <= 0 {
		p.SampleTarget = 1000
	}
	p.IsActive = true
	err := s.DB.QueryRowContext(ctx, `
INSERT INTO zero_day_pushes (id, site_id, test_id, surface, description, is_active, sample_target, sample_count, expires_at, activated_at)
VALUES ($1,$2,$3,$4,$5,true,$6,0,$7,NOW())
RETURNING activated_at`, p.ID, p.SiteID, p.TestID, p.Surface, p.Description, p.SampleTarget, p.ExpiresAt).Scan(&p.ActivatedAt)
	if err != nil {
		return ZeroDayPush{}, fmt.Errorf("create zero-day push: %w", err)
	}
	return p, nil
}

func (s *Store) GetZeroDayPush(ctx context.Context, id string) (ZeroDayPush, bool, error) {
	var p ZeroDayPush
	err := s.DB.QueryRowContext(ctx, `
SELECT id, site_id, test_id, surface, description, is_active, sample_target, sample_count, expires_at, activated_at, deprioritized_at
FROM zero_day_pushes WHERE id=$1`, id).
		Scan(&p.ID, &p.SiteID, &p.TestID, &p.Surface, &p.Description, &p.IsActive, &p.SampleTarget, &p.SampleCount, &p.ExpiresAt, &p.ActivatedAt, &p.DeprioritizedAt)
	if err == sql.ErrNoRows {
		return ZeroDayPush{}, false, nil
	}
	if err != nil {
		return ZeroDayPush{}, false, err
	}
	return p, true, nil
}

func (s *Store) ListZeroDayPushes(ctx context.Context) ([]ZeroDayPush, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, site_id, test_id, surface, description, is_active, sample_target, sample_count, expires_at, activated_at, deprioritized_at
FROM zero_day_pushes ORDER BY activated_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ZeroDayPush
	for rows.Next() {
		var p ZeroDayPush
		if err := rows.Scan(&p.ID, &p.SiteID, &p.TestID, &p.Surface, &p.Description, &p.IsActive, &p.SampleTarget, &p.SampleCount, &p.ExpiresAt, &p.ActivatedAt, &p.DeprioritizedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ActiveZeroDayPushes returns pushes that may still be served: active,
// matching surface, global or scoped to siteID, not expired, and with
// samples still outstanding. The filter is stricter than the is_active
// flag alone, so an exhausted push stops serving even before the lazy
// sweep persists its deactivation.
func (s *Store) ActiveZeroDayPushes(ctx context.Context, siteID, surface string) ([]ZeroDayPush, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, site_id, test_id, surface, description, is_active, sample_target, sample_count, expires_at, activated_at, deprioritized_at
FROM zero_day_pushes
WHERE is_active = true
  AND surface = $2
  AND (site_id IS NULL OR site_id = $1)
  AND (expires_at IS NULL OR expires_at >= NOW())
  AND sample_count < sample_target
ORDER BY activated_at DESC`, siteID, surface)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ZeroDayPush
	for rows.Next() {
		var p ZeroDayPush
		if err := rows.Scan(&p.ID, &p.SiteID, &p.TestID, &p.Surface, &p.Description, &p.IsActive, &p.SampleTarget, &p.SampleCount, &p.ExpiresAt, &p.ActivatedAt, &p.DeprioritizedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// SweepZeroDayPushes deactivates active pushes that have expired or met
// their sample target. Returns the number deactivated. The is_active
// transition happens exactly once; deprioritized_at records when.
func (s *Store) SweepZeroDayPushes(ctx context.Context) (int64, error) {
	res, err := s.DB.ExecContext(ctx, `
UPDATE zero_day_pushes
SET is_active = false, deprioritized_at = NOW()
WHERE is_active = true
  AND ((expires_at IS NOT NULL AND expires_at < NOW()) OR sample_count >= sample_target)`)
	if err != nil {
		return 0, fmt.Errorf("sweep zero-day pushes: %w", err)
	}
	return res.RowsAffected()
}

// IncrementZeroDaySample bumps sample_count by one. It never deactivates;
// fulfillment is decided by the next lazy sweep so concurrent
// incrementers cannot race on the transition.
func (s *Store) IncrementZeroDaySample(ctx context.Context, id string) error {
	_, err := s.DB.ExecContext(ctx, `UPDATE zero_day_pushes SET sample_count = sample_count + 1 WHERE id=$1`, id)
	return err
}

func (s *Store) DeactivateZeroDayPush(ctx context.Context, id string) error {
	res, err := s.DB.ExecContext(ctx, `
UPDATE zero_day_pushes SET is_active = false, deprioritized_at = NOW()
WHERE id=$1 AND is_active = true`, id)
	if err != nil {
		return fmt.Errorf("deactivate zero-day push: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// Webhook operations

func (s *Store) CreateWebhook(ctx context.Context, w Webhook) (Webhook, error) {
	if w.SiteID == "" || w.URL == "" || w.Secret == "" {
		return Webhook{}, fmt.Errorf("site_id, url and secret are required")
	}
	if w.ID == "" {
		w.ID = uuid.NewString()
	}
	if len(w.Events) == 0 {
		w.Events = []string{EventAgentDetected, EventCriticalFailure}
	}
	events, err := json.Marshal(w.Events)
	if err != nil {
		return Webhook{}, fmt.Errorf("marshal webhook events: %w", err)
	}
	w.Enabled = true
	err = s.DB.QueryRowContext(ctx, `
INSERT INTO webhooks (id, site_id, url, events, secret, enabled, created_at)
VALUES ($1,$2,$3,$4,$5,true,NOW())
RETURNING created_at`, w.ID, w.SiteID, w.URL, events, w.Secret).Scan(&w.CreatedAt)
	if err != nil {
		return Webhook{}, fmt.Errorf("create webhook: %w", err)
	}
	return w, nil
}

func (s *Store) GetWebhook(ctx context.Context, id string) (Webhook, bool, error) {
	var (
		w      Webhook
		events []byte
	)
	err := s.DB.QueryRowContext(ctx, `
SELECT id, site_id, url, events, secret, enabled, created_at FROM webhooks WHERE id=$1`, id).
		Scan(&w.ID, &w.SiteID, &w.URL, &events, &w.Secret, &w.Enabled, &w.CreatedAt)
	if err == sql.ErrNoRows {
		return Webhook{}, false, nil
	}
	if err != nil {
		return Webhook{}, false, err
	}
	_ = json.Unmarshal(events, &w.Events)
	return w, true, nil
}

// ListEnabledWebhooks returns every enabled webhook for a site. Event
// subscription filtering happens in the caller: the events column is a
// JSON list and the set is small.
func (s *Store) ListEnabledWebhooks(ctx context.Context, siteID string) ([]Webhook, error) {
	return s.listWebhooks(ctx, `
SELECT id, site_id, url, events, secret, enabled, created_at
FROM webhooks WHERE site_id=$1 AND enabled = true`, siteID)
}

func (s *Store) ListWebhooks(ctx context.Context, siteID string) ([]Webhook, error) {
	return s.listWebhooks(ctx, `
SELECT id, site_id, url, events, secret, enabled, created_at
FROM webhooks WHERE site_id=$1 ORDER BY created_at DESC`, siteID)
}

func (s *Store) listWebhooks(ctx context.Context, query, siteID string) ([]Webhook, error) {
	rows, err := s.DB.QueryContext(ctx, query, siteID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Webhook
	for rows.Next() {
		var (
			w      Webhook
			events []byte
		)
		if err := rows.Scan(&w.ID, &w.SiteID, &w.URL, &events, &w.Secret, &w.Enabled, &w.CreatedAt); err != nil {
			return nil, err
		}
		_ = json.Unmarshal(events, &w.Events)
		out = append(out, w)
	}
	return out, rows.Err()
}

func (s *Store) DeleteWebhook(ctx context.Context, id string) error {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM webhooks WHERE id=$1`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// InsertWebhookDelivery persists one dispatch attempt. Every attempt,
// success or failure, produces exactly one row.
func (s *Store) InsertWebhookDelivery(ctx context.Context, d WebhookDelivery) error {
	if d.ID == "" || d.WebhookID == "" {
		return fmt.Errorf("delivery id and webhook_id are required")
	}
	if len(d.Payload) == 0 {
		d.Payload = json.RawMessage(`{}`)
	}
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO webhook_deliveries (id, webhook_id, event_type, payload, status_code, attempt, next_retry_at, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,NOW())`,
		d.ID, d.WebhookID, d.EventType, []byte(d.Payload), d.StatusCode, d.Attempt, d.NextRetryAt)
	if err != nil {
		return fmt.Errorf("insert webhook delivery: %w", err)
	}
	return nil
}

func (s *Store) ListDeliveries(ctx context.Context, webhookID string, limit int) ([]WebhookDelivery, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, webhook_id, event_type, payload, status_code, attempt, next_retry_at, created_at
FROM webhook_deliveries WHERE webhook_id=$1 ORDER BY created_at DESC LIMIT $2`, webhookID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []WebhookDelivery
	for rows.Next() {
		var d WebhookDelivery
		if err := rows.Scan(&d.ID, &d.WebhookID, &d.EventType, &d.Payload, &d.StatusCode, &d.Attempt, &d.NextRetryAt, &d.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// Agent provider operations

func (s *Store) CreateProvider(ctx context.Context, p AgentProvider) (AgentProvider, error) {
	if p.Family == "" || p.Name == "" || p.ContactEmail == "" {
		return AgentProvider{}, fmt.Errorf("family, name and contact_email are required")
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	events, err := json.Marshal(p.WebhookEvents)
	if err != nil {
		return AgentProvider{}, fmt.Errorf("marshal provider events: %w", err)
	}
	p.IsActive = true
	err = s.DB.QueryRowContext(ctx, `
INSERT INTO agent_providers (id, family, name, contact_email, webhook_url, webhook_secret, webhook_events, is_verified, is_active, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,true,NOW(),NOW())
RETURNING created_at, updated_at`, p.ID, p.Family, p.Name, p.ContactEmail, p.WebhookURL, p.WebhookSecret, events, p.IsVerified).
		Scan(&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return AgentProvider{}, fmt.Errorf("create provider: %w", err)
	}
	return p, nil
}

// GetVerifiedProvider resolves the active, verified provider registered
// for an agent family, if any.
func (s *Store) GetVerifiedProvider(ctx context.Context, family string) (AgentProvider, bool, error) {
	var (
		p      AgentProvider
		events []byte
	)
	err := s.DB.QueryRowContext(ctx, `
SELECT id, family, name, contact_email, webhook_url, webhook_secret, webhook_events, is_verified, is_active, created_at, updated_at
FROM agent_providers WHERE family=$1 AND is_active = true AND is_verified = true`, family).
		Scan(&p.ID, &p.Family, &p.Name, &p.ContactEmail, &p.WebhookURL, &p.WebhookSecret, &events, &p.IsVerified, &p.IsActive, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return AgentProvider{}, false, nil
	}
	if err != nil {
		return AgentProvider{}, false, err
	}
	if len(events) > 0 {
		_ = json.Unmarshal(events, &p.WebhookEvents)
	}
	return p, true, nil
}

// GetProviderByFamily resolves a provider regardless of verification or
// active status. Used to reject duplicate family registrations.
func (s *Store) GetProviderByFamily(ctx context.Context, family string) (AgentProvider, bool, error) {
	var (
		p      AgentProvider
		events []byte
	)
	err := s.DB.QueryRowContext(ctx, `
SELECT id, family, name, contact_email, webhook_url, webhook_secret, webhook_events, is_verified, is_active, created_at, updated_at
FROM agent_providers WHERE family=$1`, family).
		Scan(&p.ID, &p.Family, &p.Name, &p.ContactEmail, &p.WebhookURL, &p.WebhookSecret, &events, &p.IsVerified, &p.IsActive, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return AgentProvider{}, false, nil
	}
	if err != nil {
		return AgentProvider{}, false, err
	}
	if len(events) > 0 {
		_ = json.Unmarshal(events, &p.WebhookEvents)
	}
	return p, true, nil
}

func (s *Store) ListProviders(ctx context.Context) ([]AgentProvider, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, family, name, contact_email, webhook_url, webhook_secret, webhook_events, is_verified, is_active, created_at, updated_at
FROM agent_providers ORDER BY family`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []AgentProvider
	for rows.Next() {
		var (
			p      AgentProvider
			events []byte
		)
		if err := rows.Scan(&p.ID, &p.Family, &p.Name, &p.ContactEmail, &p.WebhookURL, &p.WebhookSecret, &events, &p.IsVerified, &p.IsActive, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		if len(events) > 0 {
			_ = json.Unmarshal(events, &p.WebhookEvents)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) SetProviderVerified(ctx context.Context, id string, verified bool) error {
	res, err := s.DB.ExecContext(ctx, `UPDATE agent_providers SET is_verified=$2, updated_at=NOW() WHERE id=$1`, id, verified)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// Feed snapshot operations

// LatestFreshSnapshot returns the newest snapshot for (type, period)
// whose computed_at is at or after cutoff.
func (s *Store) LatestFreshSnapshot(ctx context.Context, snapshotType, period string, cutoff time.Time) (FeedSnapshot, bool, error) {
	var snap FeedSnapshot
	err := s.DB.QueryRowContext(ctx, `
SELECT id, snapshot_type, period, data, computed_at
FROM feed_snapshots
WHERE snapshot_type=$1 AND period=$2 AND computed_at >= $3
ORDER BY computed_at DESC LIMIT 1`, snapshotType, period, cutoff).
		Scan(&snap.ID, &snap.SnapshotType, &snap.Period, &snap.Data, &snap.ComputedAt)
	if err == sql.ErrNoRows {
		return FeedSnapshot{}, false, nil
	}
	if err != nil {
		return FeedSnapshot{}, false, err
	}
	return snap, true, nil
}

func (s *Store) InsertFeedSnapshot(ctx context.Context, snapshotType, period string, data json.RawMessage) error {
	if len(data) == 0 {
		data = json.RawMessage(`{}`)
	}
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO feed_snapshots (id, snapshot_type, period, data, computed_at)
VALUES ($1,$2,$3,$4,NOW())`, uuid.NewString(), snapshotType, period, []byte(data))
	if err != nil {
		return fmt.Errorf("insert feed snapshot: %w", err)
	}
	return nil
}

// Aggregate rollup queries used by feed computation.

// FamilyRollup is one privacy-filtered per-agent-family aggregate row.
// No visit-level identifiers appear here; SiteCount is used for
// threshold checks and suppressed downstream when too small.
type FamilyRollup struct {
	Family              string
	VisitCount          int
	SiteCount           int
	TestCount           int
	ResilienceScore     float64
	ExfiltrationCount   int
	FullComplianceCount int
	PartialCompliance   int
	AcknowledgedCount   int
	IgnoredCount        int
}

// AgentFamilyRollups aggregates test results per agent family over the
// window, keeping only families above the minimum visit and distinct-site
// thresholds.
func (s *Store) AgentFamilyRollups(ctx context.Context, cutoff time.Time, minVisits, minSites int) ([]FamilyRollup, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT v.agent_family,
       COUNT(DISTINCT v.id)                                                  AS visit_count,
       COUNT(DISTINCT v.site_id)                                             AS site_count,
       COUNT(r.id)                                                           AS test_count,
       COALESCE(ROUND(AVG(r.score), 2), 0)                                   AS resilience_score,
       SUM(CASE WHEN r.outcome = 'exfiltration_attempted' THEN 1 ELSE 0 END) AS exfiltration_count,
       SUM(CASE WHEN r.outcome = 'full_compliance' THEN 1 ELSE 0 END)        AS full_compliance_count,
       SUM(CASE WHEN r.outcome = 'partial_compliance' THEN 1 ELSE 0 END)     AS partial_compliance_count,
       SUM(CASE WHEN r.outcome = 'acknowledged' THEN 1 ELSE 0 END)           AS acknowledged_count,
       SUM(CASE WHEN r.outcome = 'ignored' THEN 1 ELSE 0 END)                AS ignored_count
FROM visits v
JOIN test_results r ON r.visit_id = v.visit_id
WHERE v.agent_family IS NOT NULL
  AND v.classification = ANY($1)
  AND v.ts >= $2
GROUP BY v.agent_family
HAVING COUNT(DISTINCT v.id) >= $3 AND COUNT(DISTINCT v.site_id) >= $4`,
		pq.Array(AgentClassifications), cutoff, minVisits, minSites)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []FamilyRollup
	for rows.Next() {
		var r FamilyRollup
		if err := rows.Scan(&r.Family, &r.VisitCount, &r.SiteCount, &r.TestCount, &r.ResilienceScore,
			&r.ExfiltrationCount, &r.FullComplianceCount, &r.PartialCompliance, &r.AcknowledgedCount, &r.IgnoredCount); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// TrendTotals are window-wide aggregates across all monitored sites.
type TrendTotals struct {
	TotalAgentVisits int
	UniqueFamilies   int
	AvgScore         float64
}

func (s *Store) TrendTotalsSince(ctx context.Context, cutoff time.Time) (TrendTotals, error) {
	var t TrendTotals
	err := s.DB.QueryRowContext(ctx, `
SELECT COUNT(DISTINCT v.id), COUNT(DISTINCT v.agent_family), COALESCE(ROUND(AVG(r.score), 2), 0)
FROM visits v
LEFT JOIN test_results r ON r.visit_id = v.visit_id
WHERE v.classification = ANY($1) AND v.ts >= $2`,
		pq.Array(AgentClassifications), cutoff).
		Scan(&t.TotalAgentVisits, &t.UniqueFamilies, &t.AvgScore)
	if err != nil {
		return TrendTotals{}, fmt.Errorf("trend totals: %w", err)
	}
	return t, nil
}

// DeliveryMethodStat counts tests and critical failures per delivery method.
type DeliveryMethodStat struct {
	Method            string
	TestCount         int
	ExfiltrationCount int
}

func (s *Store) DeliveryMethodBreakdown(ctx context.Context, cutoff time.Time, limit int) ([]DeliveryMethodStat, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.DB.QueryContext(ctx, `
SELECT r.delivery_method,
       COUNT(r.id) AS test_count,
       SUM(CASE WHEN r.outcome = 'exfiltration_attempted' THEN 1 ELSE 0 END) AS exfiltration_count
FROM visits v
JOIN test_results r ON r.visit_id = v.visit_id
WHERE v.classification = ANY($1) AND v.ts >= $2
GROUP BY r.delivery_method
ORDER BY COUNT(r.id) DESC
LIMIT $3`, pq.Array(AgentClassifications), cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []DeliveryMethodStat
	for rows.Next() {
		var d DeliveryMethodStat
		if err := rows.Scan(&d.Method, &d.TestCount, &d.ExfiltrationCount); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
