package escalation

import (
	"context"
	"fmt"
	"log"

	"github.com/canarai/canaryd/internal/store"
)

// ServedTest is one test instruction in a composed config.
type ServedTest struct {
	TestID          string   `json:"test_id"`
	Version         string   `json:"version"`
	Priority        int      `json:"priority"`
	DeliveryMethods []string `json:"delivery_methods"`
	ZeroDay         bool     `json:"zero_day,omitempty"`

	pushID string
}

// ComposedConfig is the per-visit test plan handed back to the site SDK.
type ComposedConfig struct {
	SessionID  string       `json:"session_id"`
	VisitCount int          `json:"visit_count"`
	NewSession bool         `json:"new_session"`
	Tests      []ServedTest `json:"tests"`
}

// Composer builds per-visit test configs. Visit count doubles as the
// escalation level: an agent seen N times is served at most N tests,
// zero-day pushes first.
type Composer struct {
	store  *store.Store
	logger *log.Logger
}

func NewComposer(st *store.Store) *Composer {
	return &Composer{store: st, logger: log.New(log.Writer(), "[ESCALATION] ", log.LstdFlags)}
}

// Compose tracks the session, sweeps stale zero-day pushes, and returns
// the test plan for this visit.
func (c *Composer) Compose(ctx context.Context, site store.Site, fingerprint, surface string) (ComposedConfig, error) {
	// Lazy sweep: expired or fulfilled pushes are deactivated on the
	// read path rather than by a background job.
	if n, err := c.store.SweepZeroDayPushes(ctx); err != nil {
		c.logger.Printf("zero-day sweep failed: %v", err)
	} else if n > 0 {
		c.logger.Printf("deactivated %d zero-day pushes", n)
	}

	sess, isNew, err := c.store.UpsertAgentSession(ctx, site.ID, fingerprint, surface)
	if err != nil {
		return ComposedConfig{}, fmt.Errorf("track session: %w", err)
	}

	cfg := site.DecodeConfig()
	var pushes []store.ZeroDayPush
	if cfg.EscalationEnabled {
		pushes, err = c.store.ActiveZeroDayPushes(ctx, site.ID, surface)
		if err != nil {
			return ComposedConfig{}, fmt.Errorf("load zero-day pushes: %w", err)
		}
	}

	tests := composeTestList(cfg, pushes, sess.VisitCount)

	for _, t := range tests {
		if !t.ZeroDay {
			continue
		}
		// Samples count served configs, not observed outcomes.
		// Deactivation is left to the next sweep.
		if err := c.store.IncrementZeroDaySample(ctx, t.pushID); err != nil {
			c.logger.Printf("increment zero-day sample %s: %v", t.pushID, err)
		}
	}

	if merged, changed := mergeVectors(sess.VectorsSeen, tests); changed {
		if err := c.store.SetSessionVectors(ctx, sess.ID, merged); err != nil {
			c.logger.Printf("update session vectors %s: %v", sess.ID, err)
		}
	}

	return ComposedConfig{
		SessionID:  sess.ID,
		VisitCount: sess.VisitCount,
		NewSession: isNew,
		Tests:      tests,
	}, nil
}

// composeTestList assembles the served tests. With escalation disabled
// every enabled test is served in priority order and pushes are ignored.
// With escalation enabled, active zero-day pushes come first at priority
// zero, then the enabled catalog, truncated to visitCount entries.
func composeTestList(cfg store.SiteConfig, pushes []store.ZeroDayPush, visitCount int) []ServedTest {
	base := enabledTests(cfg.EnabledTests)

	if !cfg.EscalationEnabled {
		out := make([]ServedTest, 0, len(base))
		for _, t := range base {
			out = append(out, servedFromCatalog(t, cfg.DeliveryMethods))
		}
		return out
	}

	out := make([]ServedTest, 0, len(pushes)+len(base))
	pushed := make(map[string]bool, len(pushes))
	for _, p := range pushes {
		methods := []string{"html_comment"}
		version := "1.0"
		if t, ok := TestByID(p.TestID); ok {
			methods = t.DeliveryMethods
			version = t.Version
		}
		out = append(out, ServedTest{
			TestID:          p.TestID,
			Version:         version,
			Priority:        0,
			DeliveryMethods: filterMethods(methods, cfg.DeliveryMethods),
			ZeroDay:         true,
			pushID:          p.ID,
		})
		pushed[p.TestID] = true
	}
	for _, t := range base {
		if pushed[t.ID] {
			continue
		}
		out = append(out, servedFromCatalog(t, cfg.DeliveryMethods))
	}

	if visitCount > 0 && visitCount < len(out) {
		out = out[:visitCount]
	}
	return out
}

func servedFromCatalog(t CanaryTest, siteMethods []string) ServedTest {
	return ServedTest{
		TestID:          t.ID,
		Version:         t.Version,
		Priority:        t.Priority,
		DeliveryMethods: filterMethods(t.DeliveryMethods, siteMethods),
	}
}

// filterMethods intersects the test's delivery methods with the site's
// enabled set. If the site enabled none of them, the test's full default
// list is used so the test stays deliverable.
func filterMethods(testMethods, siteMethods []string) []string {
	if len(siteMethods) == 0 {
		return append([]string(nil), testMethods...)
	}
	allowed := make(map[string]bool, len(siteMethods))
	for _, m := range siteMethods {
		allowed[m] = true
	}
	var out []string
	for _, m := range testMethods {
		if allowed[m] {
			out = append(out, m)
		}
	}
	if len(out) == 0 {
		return append([]string(nil), testMethods...)
	}
	return out
}

// mergeVectors unions served test IDs into the session's vectors_seen,
// preserving existing order.
func mergeVectors(seen []string, tests []ServedTest) ([]string, bool) {
	have := make(map[string]bool, len(seen))
	for _, v := range seen {
		have[v] = true
	}
	merged := append([]string(nil), seen...)
	changed := false
	for _, t := range tests {
		if !have[t.TestID] {
			merged = append(merged, t.TestID)
			have[t.TestID] = true
			changed = true
		}
	}
	return merged, changed
}
