// Package feed computes and caches the public intelligence feeds. All
// feed output is aggregate-only: no visit identifiers, IP hashes, or
// page URLs ever leave this package.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"github.com/canarai/canaryd/internal/store"
)

// Snapshot types cached in feed_snapshots.
const (
	SnapshotAgents = "agents"
	SnapshotTrends = "trends"
)

// Feed windows. Unknown periods fall back to the 30-day default.
const (
	PeriodLast7Days  = "last_7_days"
	PeriodLast30Days = "last_30_days"
	PeriodLast90Days = "last_90_days"
	DefaultPeriod    = PeriodLast30Days
)

var periodDays = map[string]int{
	PeriodLast7Days:  7,
	PeriodLast30Days: 30,
	PeriodLast90Days: 90,
}

// NormalizePeriod maps a requested period onto a supported window.
func NormalizePeriod(period string) string {
	if _, ok := periodDays[period]; ok {
		return period
	}
	return DefaultPeriod
}

// Minimum distinct sites before a family's site count is disclosed.
const siteDisclosureFloor = 5

// Service serves cached feed snapshots, recomputing them when stale.
// Computation is single-flighted per (snapshot, period) key with a
// process-local lock; concurrent replicas may still compute in
// parallel, which is harmless since snapshots are append-only.
type Service struct {
	store     *store.Store
	staleness time.Duration
	minVisits int
	minSites  int
	logger    *log.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func New(st *store.Store, staleness time.Duration, minVisits, minSites int) *Service {
	if staleness <= 0 {
		staleness = 15 * time.Minute
	}
	if minVisits <= 0 {
		minVisits = 50
	}
	if minSites <= 0 {
		minSites = 3
	}
	return &Service{
		store:     st,
		staleness: staleness,
		minVisits: minVisits,
		minSites:  minSites,
		logger:    log.New(log.Writer(), "[FEED] ", log.LstdFlags),
		locks:     make(map[string]*sync.Mutex),
	}
}

// AgentsFeed returns the per-agent-family resilience feed.
func (s *Service) AgentsFeed(ctx context.Context, period string) (json.RawMessage, error) {
	period = NormalizePeriod(period)
	return s.getOrCompute(ctx, SnapshotAgents, period, func(ctx context.Context, cutoff time.Time) (json.RawMessage, error) {
		return s.computeAgents(ctx, period, cutoff)
	})
}

// TrendsFeed returns window-wide totals and the delivery-method breakdown.
func (s *Service) TrendsFeed(ctx context.Context, period string) (json.RawMessage, error) {
	period = NormalizePeriod(period)
	return s.getOrCompute(ctx, SnapshotTrends, period, func(ctx context.Context, cutoff time.Time) (json.RawMessage, error) {
		return s.computeTrends(ctx, period, cutoff)
	})
}

// getOrCompute is the cache read path: a fresh snapshot short-circuits
// without locking; otherwise one goroutine per key computes while the
// rest wait and re-check.
func (s *Service) getOrCompute(ctx context.Context, snapshotType, period string, compute func(context.Context, time.Time) (json.RawMessage, error)) (json.RawMessage, error) {
	freshCutoff := time.Now().Add(-s.staleness)
	if snap, ok, err := s.store.LatestFreshSnapshot(ctx, snapshotType, period, freshCutoff); err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	} else if ok {
		return snap.Data, nil
	}

	lock := s.lockFor(snapshotType + ":" + period)
	lock.Lock()
	defer lock.Unlock()

	// Another goroutine may have computed while we waited.
	if snap, ok, err := s.store.LatestFreshSnapshot(ctx, snapshotType, period, freshCutoff); err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	} else if ok {
		return snap.Data, nil
	}

	windowCutoff := time.Now().AddDate(0, 0, -periodDays[period])
	data, err := compute(ctx, windowCutoff)
	if err != nil {
		return nil, err
	}
	if err := s.store.InsertFeedSnapshot(ctx, snapshotType, period, data); err != nil {
		// Serve the computed data anyway; the next reader recomputes.
		s.logger.Printf("persist %s snapshot: %v", snapshotType, err)
	}
	return data, nil
}

// lockFor returns the mutex for a cache key, creating it on first use.
// Locks are never removed; the key space is tiny and bounded.
func (s *Service) lockFor(key string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.locks[key]; ok {
		return l
	}
	l := &sync.Mutex{}
	s.locks[key] = l
	return l
}

type agentEntry struct {
	AgentFamily         string         `json:"agent_family"`
	VisitCount          int            `json:"visit_count"`
	TestCount           int            `json:"test_count"`
	ResilienceScore     float64        `json:"resilience_score"`
	CriticalFailureRate float64        `json:"critical_failure_rate"`
	Outcomes            map[string]int `json:"outcomes"`
	ContributingSites   *int           `json:"contributing_sites"`
}

type agentsSnapshot struct {
	Period      string       `json:"period"`
	GeneratedAt time.Time    `json:"generated_at"`
	Agents      []agentEntry `json:"agents"`
}

func (s *Service) computeAgents(ctx context.Context, period string, cutoff time.Time) (json.RawMessage, error) {
	rollups, err := s.store.AgentFamilyRollups(ctx, cutoff, s.minVisits, s.minSites)
	if err != nil {
		return nil, fmt.Errorf("agent rollups: %w", err)
	}

	snap := agentsSnapshot{
		Period:      period,
		GeneratedAt: time.Now().UTC(),
		Agents:      make([]agentEntry, 0, len(rollups)),
	}
	for _, r := range rollups {
		entry := agentEntry{
			AgentFamily:         r.Family,
			VisitCount:          r.VisitCount,
			TestCount:           r.TestCount,
			ResilienceScore:     r.ResilienceScore,
			CriticalFailureRate: failureRate(r.ExfiltrationCount, r.TestCount),
			Outcomes: map[string]int{
				"exfiltration_attempted": r.ExfiltrationCount,
				"full_compliance":        r.FullComplianceCount,
				"partial_compliance":     r.PartialCompliance,
				"acknowledged":           r.AcknowledgedCount,
				"ignored":                r.IgnoredCount,
			},
		}
		// Small site pools stay undisclosed so individual sites cannot
		// be inferred from the feed.
		if r.SiteCount >= siteDisclosureFloor {
			sites := r.SiteCount
			entry.ContributingSites = &sites
		}
		snap.Agents = append(snap.Agents, entry)
	}
	return json.Marshal(snap)
}

type deliveryMethodEntry struct {
	Method              string  `json:"method"`
	TestCount           int     `json:"test_count"`
	ExfiltrationCount   int     `json:"exfiltration_count"`
	CriticalFailureRate float64 `json:"critical_failure_rate"`
}

type trendsSnapshot struct {
	Period           string                `json:"period"`
	GeneratedAt      time.Time             `json:"generated_at"`
	TotalAgentVisits int                   `json:"total_agent_visits"`
	UniqueFamilies   int                   `json:"unique_families"`
	AvgScore         float64               `json:"avg_resilience_score"`
	DeliveryMethods  []deliveryMethodEntry `json:"delivery_methods"`
}

func (s *Service) computeTrends(ctx context.Context, period string, cutoff time.Time) (json.RawMessage, error) {
	totals, err := s.store.TrendTotalsSince(ctx, cutoff)
	if err != nil {
		return nil, fmt.Errorf("trend totals: %w", err)
	}
	breakdown, err := s.store.DeliveryMethodBreakdown(ctx, cutoff, 10)
	if err != nil {
		return nil, fmt.Errorf("delivery method breakdown: %w", err)
	}

	snap := trendsSnapshot{
		Period:           period,
		GeneratedAt:      time.Now().UTC(),
		TotalAgentVisits: totals.TotalAgentVisits,
		UniqueFamilies:   totals.UniqueFamilies,
		AvgScore:         totals.AvgScore,
		DeliveryMethods:  make([]deliveryMethodEntry, 0, len(breakdown)),
	}
	for _, d := range breakdown {
		snap.DeliveryMethods = append(snap.DeliveryMethods, deliveryMethodEntry{
			Method:              d.Method,
			TestCount:           d.TestCount,
			ExfiltrationCount:   d.ExfiltrationCount,
			CriticalFailureRate: failureRate(d.ExfiltrationCount, d.TestCount),
		})
	}
	return json.Marshal(snap)
}

func failureRate(failures, total int) float64 {
	if total == 0 {
		return 0
	}
	return math.Round(float64(failures)/float64(total)*100*100) / 100
}
