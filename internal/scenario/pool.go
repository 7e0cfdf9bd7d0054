// Package scenario materializes per-tenant scenario pools and selects the
// scenario that best matches an utterance.
package scenario

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/BTreeMap/CallPipe/internal/models"
)

// Definitions is the raw scenario configuration for one tenant.
type Definitions struct {
	// Templates is the shared library, in declaration order.
	Templates []models.Scenario
	// Overrides adjust or toggle templates for the tenant.
	Overrides []models.ScenarioOverride
	// Custom scenarios exist only for the tenant. A custom scenario with a
	// template's ID replaces that template in place.
	Custom []models.Scenario
}

// Source supplies scenario definitions. Implementations must be safe for concurrent use.
type Source interface {
	ScenarioDefinitions(ctx context.Context, tenantID string) (Definitions, error)
}

// BuildObserver is notified after every uncached build.
type BuildObserver func(tenantID string, elapsed time.Duration, size int, err error)

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithBuildObserver registers a callback invoked after each build.
func WithBuildObserver(fn BuildObserver) PoolOption {
	return func(p *Pool) { p.observe = fn }
}

type poolEntry struct {
	gen       uint64
	scenarios []models.Scenario
}

// Pool caches the enabled scenario set per tenant until it is explicitly
// invalidated. There is no time-based expiry.
type Pool struct {
	src     Source
	observe BuildObserver

	mu      sync.Mutex
	global  uint64
	gens    map[string]uint64
	entries map[string]poolEntry

	group singleflight.Group
}

// NewPool creates a pool over src.
func NewPool(src Source, opts ...PoolOption) *Pool {
	p := &Pool{
		src:     src,
		gens:    make(map[string]uint64),
		entries: make(map[string]poolEntry),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// generation must be called with mu held. Both counters only grow, so the sum
// changes on every invalidation that affects the tenant.
func (p *Pool) generation(tenantID string) uint64 {
	return p.global + p.gens[tenantID]
}

// Build returns the enabled scenarios for tenantID. The returned slice is a
// copy the caller may modify.
func (p *Pool) Build(ctx context.Context, tenantID string) ([]models.Scenario, error) {
	p.mu.Lock()
	gen := p.generation(tenantID)
	if e, ok := p.entries[tenantID]; ok && e.gen == gen {
		p.mu.Unlock()
		return cloneAll(e.scenarios), nil
	}
	p.mu.Unlock()

	key := tenantID + "\x00" + strconv.FormatUint(gen, 10)
	// The build is shared by every waiting caller, so one caller giving up
	// must not fail it for the rest.
	buildCtx := context.WithoutCancel(ctx)
	v, err, shared := p.group.Do(key, func() (any, error) {
		start := time.Now()
		defs, err := p.src.ScenarioDefinitions(buildCtx, tenantID)
		if err != nil {
			if p.observe != nil {
				p.observe(tenantID, time.Since(start), 0, err)
			}
			return nil, fmt.Errorf("failed to load scenario definitions for tenant %s: %w", tenantID, err)
		}
		merged := Merge(defs)
		if p.observe != nil {
			p.observe(tenantID, time.Since(start), len(merged), nil)
		}
		return merged, nil
	})
	if err != nil {
		slog.Error("ScenarioPool.Build: build failed", "tenantID", tenantID, "error", err)
		return nil, err
	}
	scenarios := v.([]models.Scenario)

	p.mu.Lock()
	if p.generation(tenantID) == gen {
		p.entries[tenantID] = poolEntry{gen: gen, scenarios: scenarios}
	} else {
		slog.Debug("ScenarioPool.Build: invalidated during build, not caching", "tenantID", tenantID)
	}
	p.mu.Unlock()

	slog.Debug("ScenarioPool.Build: built", "tenantID", tenantID, "size", len(scenarios), "shared", shared)
	return cloneAll(scenarios), nil
}

// Invalidate drops the cached pool of one tenant.
func (p *Pool) Invalidate(tenantID string) {
	p.mu.Lock()
	p.gens[tenantID]++
	delete(p.entries, tenantID)
	p.mu.Unlock()
	slog.Info("ScenarioPool.Invalidate: tenant pool invalidated", "tenantID", tenantID)
}

// InvalidateAll drops every cached pool.
func (p *Pool) InvalidateAll() {
	p.mu.Lock()
	p.global++
	clear(p.entries)
	p.mu.Unlock()
	slog.Info("ScenarioPool.InvalidateAll: all tenant pools invalidated")
}

// Cached reports whether a current pool is cached for tenantID.
func (p *Pool) Cached(tenantID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[tenantID]
	return ok && e.gen == p.generation(tenantID)
}

// Merge applies overrides and custom scenarios to the templates and keeps
// only enabled scenarios, preserving declaration order.
func Merge(defs Definitions) []models.Scenario {
	overrides := make(map[string]models.ScenarioOverride, len(defs.Overrides))
	for _, o := range defs.Overrides {
		overrides[o.ID] = o
	}
	custom := make(map[string]models.Scenario, len(defs.Custom))
	for _, c := range defs.Custom {
		custom[c.ID] = c
	}

	out := make([]models.Scenario, 0, len(defs.Templates)+len(defs.Custom))
	seen := make(map[string]bool, len(defs.Templates))
	for _, t := range defs.Templates {
		s := t.Clone()
		if c, ok := custom[t.ID]; ok {
			s = c.Clone()
		}
		if o, ok := overrides[t.ID]; ok {
			s = applyOverride(s, o)
		}
		seen[t.ID] = true
		if s.Enabled {
			out = append(out, s)
		}
	}
	for _, c := range defs.Custom {
		if seen[c.ID] {
			continue
		}
		s := c.Clone()
		if o, ok := overrides[c.ID]; ok {
			s = applyOverride(s, o)
		}
		if s.Enabled {
			out = append(out, s)
		}
	}
	return out
}

func applyOverride(s models.Scenario, o models.ScenarioOverride) models.Scenario {
	if o.Enabled != nil {
		s.Enabled = *o.Enabled
	}
	if o.Priority != nil {
		s.Priority = *o.Priority
	}
	if o.ConfidenceThreshold != nil {
		s.ConfidenceThreshold = *o.ConfidenceThreshold
	}
	if len(o.TriggerKeywords) > 0 {
		s.TriggerKeywords = append([]string(nil), o.TriggerKeywords...)
	}
	if len(o.NegativeKeywords) > 0 {
		s.NegativeKeywords = append([]string(nil), o.NegativeKeywords...)
	}
	if len(o.Replies) > 0 {
		s.Replies = append([]string(nil), o.Replies...)
	}
	return s
}

func cloneAll(in []models.Scenario) []models.Scenario {
	out := make([]models.Scenario, len(in))
	for i, s := range in {
		out[i] = s.Clone()
	}
	return out
}
