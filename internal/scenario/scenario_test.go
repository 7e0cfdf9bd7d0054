package scenario

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BTreeMap/CallPipe/internal/models"
)

type fakeSource struct {
	mu     sync.Mutex
	defs   map[string]Definitions
	calls  atomic.Int32
	onLoad func(tenantID string)
	err    error
}

func (f *fakeSource) ScenarioDefinitions(_ context.Context, tenantID string) (Definitions, error) {
	f.calls.Add(1)
	if f.onLoad != nil {
		f.onLoad(tenantID)
	}
	if f.err != nil {
		return Definitions{}, f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.defs[tenantID], nil
}

func (f *fakeSource) set(tenantID string, d Definitions) {
	f.mu.Lock()
	f.defs[tenantID] = d
	f.mu.Unlock()
}

func ptr[T any](v T) *T { return &v }

func library() []models.Scenario {
	return []models.Scenario{
		{ID: "ac", TriggerKeywords: []string{"ac", "air conditioner"}, ConfidenceThreshold: 0.6, Replies: []string{"AC reply"}, Enabled: true},
		{ID: "heat", TriggerKeywords: []string{"furnace"}, ConfidenceThreshold: 0.6, Replies: []string{"Heat reply"}, Enabled: true},
		{ID: "plumbing", TriggerKeywords: []string{"leak"}, ConfidenceThreshold: 0.6, Enabled: false},
	}
}

func ids(ss []models.Scenario) []string {
	out := make([]string, 0, len(ss))
	for _, s := range ss {
		out = append(out, s.ID)
	}
	return out
}

func TestMergeEnabledIsTheOnlyGate(t *testing.T) {
	got := Merge(Definitions{
		Templates: library(),
		Overrides: []models.ScenarioOverride{
			{ID: "heat", Enabled: ptr(false)},
			{ID: "plumbing", Enabled: ptr(true), Priority: ptr(7)},
		},
		Custom: []models.Scenario{
			{ID: "ac", TriggerKeywords: []string{"cooling"}, Enabled: true},
			{ID: "duct", TriggerKeywords: []string{"duct"}, Enabled: true},
			{ID: "off", TriggerKeywords: []string{"off"}, Enabled: false},
		},
	})
	assert.Equal(t, []string{"ac", "plumbing", "duct"}, ids(got))
	assert.Equal(t, []string{"cooling"}, got[0].TriggerKeywords, "custom scenario replaces the template")
	assert.Equal(t, 7, got[1].Priority)
}

func TestPoolCachesUntilInvalidated(t *testing.T) {
	src := &fakeSource{defs: map[string]Definitions{"t1": {Templates: library()}}}
	p := NewPool(src)
	ctx := context.Background()

	first, err := p.Build(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, []string{"ac", "heat"}, ids(first))

	first[0].ID = "mutated"
	second, err := p.Build(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "ac", second[0].ID, "callers receive copies")
	assert.EqualValues(t, 1, src.calls.Load())

	src.set("t1", Definitions{Templates: library(), Overrides: []models.ScenarioOverride{{ID: "ac", Enabled: ptr(false)}}})
	stale, err := p.Build(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, []string{"ac", "heat"}, ids(stale), "no TTL: config changes need invalidation")

	p.Invalidate("t1")
	assert.False(t, p.Cached("t1"))
	fresh, err := p.Build(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, []string{"heat"}, ids(fresh))
	assert.EqualValues(t, 2, src.calls.Load())
}

func TestPoolTenantIsolationAndInvalidateAll(t *testing.T) {
	src := &fakeSource{defs: map[string]Definitions{
		"t1": {Templates: library()},
		"t2": {Custom: []models.Scenario{{ID: "only-t2", TriggerKeywords: []string{"x"}, Enabled: true}}},
	}}
	p := NewPool(src)
	ctx := context.Background()

	a, err := p.Build(ctx, "t1")
	require.NoError(t, err)
	b, err := p.Build(ctx, "t2")
	require.NoError(t, err)
	assert.Equal(t, []string{"ac", "heat"}, ids(a))
	assert.Equal(t, []string{"only-t2"}, ids(b))

	p.Invalidate("t1")
	assert.False(t, p.Cached("t1"))
	assert.True(t, p.Cached("t2"))

	p.InvalidateAll()
	assert.False(t, p.Cached("t2"))
}

func TestPoolBuildRacingInvalidationIsNotCached(t *testing.T) {
	src := &fakeSource{defs: map[string]Definitions{"t1": {Templates: library()}}}
	p := NewPool(src)
	var once sync.Once
	src.onLoad = func(tenantID string) { once.Do(func() { p.Invalidate(tenantID) }) }

	got, err := p.Build(context.Background(), "t1")
	require.NoError(t, err)
	assert.Len(t, got, 2)
	assert.False(t, p.Cached("t1"))

	_, err = p.Build(context.Background(), "t1")
	require.NoError(t, err)
	assert.True(t, p.Cached("t1"))
	assert.EqualValues(t, 2, src.calls.Load())
}

func TestPoolCollapsesConcurrentBuilds(t *testing.T) {
	release := make(chan struct{})
	src := &fakeSource{defs: map[string]Definitions{"t1": {Templates: library()}}}
	src.onLoad = func(string) { <-release }
	var observed atomic.Int32
	p := NewPool(src, WithBuildObserver(func(string, time.Duration, int, error) { observed.Add(1) }))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := p.Build(context.Background(), "t1")
			assert.NoError(t, err)
			assert.Len(t, got, 2)
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.LessOrEqual(t, src.calls.Load(), int32(8))
	assert.Equal(t, src.calls.Load(), observed.Load())
	assert.True(t, p.Cached("t1"))
}

type ctxSource struct{}

func (ctxSource) ScenarioDefinitions(ctx context.Context, _ string) (Definitions, error) {
	if err := ctx.Err(); err != nil {
		return Definitions{}, err
	}
	return Definitions{Templates: library()}, nil
}

func TestPoolBuildIgnoresCallerCancellation(t *testing.T) {
	p := NewPool(ctxSource{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	pool, err := p.Build(ctx, "t1")
	require.NoError(t, err)
	assert.NotEmpty(t, pool)
	assert.True(t, p.Cached("t1"))
}

func TestPoolBuildError(t *testing.T) {
	src := &fakeSource{err: errors.New("boom")}
	p := NewPool(src)
	_, err := p.Build(context.Background(), "t1")
	require.Error(t, err)
	assert.False(t, p.Cached("t1"))
}

func TestSelectExactMatch(t *testing.T) {
	res := Select("Hi, my name is Mark, I'm having AC problems", library()[:2], DefaultOptions())
	require.True(t, res.Matched)
	assert.Equal(t, "ac", res.Scenario.ID)
	assert.InDelta(t, 1.0, res.Confidence, 1e-9)
}

func TestSelectFuzzyMatch(t *testing.T) {
	res := Select("my air conditoner stopped", library()[:2], DefaultOptions())
	require.True(t, res.Matched)
	assert.Equal(t, "ac", res.Scenario.ID)
	assert.InDelta(t, 0.85*(14.0/15.0), res.Confidence, 1e-6)
}

func TestSelectNegativeKeyword(t *testing.T) {
	pool := []models.Scenario{
		{ID: "ac", TriggerKeywords: []string{"ac"}, NegativeKeywords: []string{"car"}, ConfidenceThreshold: 0.5, Enabled: true},
	}
	res := Select("the ac in my car is broken", pool, DefaultOptions())
	assert.False(t, res.Matched)
	assert.Empty(t, res.Alternates)
}

func TestSelectPriorityBeatsConfidence(t *testing.T) {
	pool := []models.Scenario{
		{ID: "generic", TriggerKeywords: []string{"ac"}, ConfidenceThreshold: 0.5, Priority: 1, Enabled: true},
		{ID: "cooling", TriggerKeywords: []string{"cooling"}, ConfidenceThreshold: 0.5, Priority: 10, Enabled: true},
	}
	res := Select("the ac is not coolin", pool, DefaultOptions())
	require.True(t, res.Matched)
	assert.Equal(t, "cooling", res.Scenario.ID)
	assert.Less(t, res.Confidence, 1.0)
	require.Len(t, res.Alternates, 1)
	assert.Equal(t, "generic", res.Alternates[0].ScenarioID)
	assert.True(t, res.Alternates[0].Cleared)
}

func TestSelectThresholdAndAlternates(t *testing.T) {
	pool := []models.Scenario{
		{ID: "strict", TriggerKeywords: []string{"air conditioner"}, ConfidenceThreshold: 0.95, Priority: 50, Enabled: true},
		{ID: "loose", TriggerKeywords: []string{"conditoner"}, ConfidenceThreshold: 0.5, Enabled: true},
	}
	res := Select("my air conditoner", pool, DefaultOptions())
	require.True(t, res.Matched)
	assert.Equal(t, "loose", res.Scenario.ID)
	require.Len(t, res.Alternates, 1)
	assert.Equal(t, "strict", res.Alternates[0].ScenarioID)
	assert.False(t, res.Alternates[0].Cleared)
}

func TestSelectAmbiguousResolvedByOrder(t *testing.T) {
	pool := []models.Scenario{
		{ID: "first", TriggerKeywords: []string{"noise"}, ConfidenceThreshold: 0.5, Priority: 5, Enabled: true},
		{ID: "second", TriggerKeywords: []string{"noise"}, ConfidenceThreshold: 0.5, Priority: 5, Enabled: true},
	}
	res := Select("strange noise", pool, DefaultOptions())
	require.True(t, res.Matched)
	assert.Equal(t, "first", res.Scenario.ID)
	assert.True(t, res.Ambiguous)
}

func TestSelectNoMatch(t *testing.T) {
	res := Select("what's the weather", library(), DefaultOptions())
	assert.False(t, res.Matched)
	res = Select("", library(), DefaultOptions())
	assert.False(t, res.Matched)
}

func TestReplyRotates(t *testing.T) {
	s := models.Scenario{Replies: []string{"a", "b"}}
	assert.Equal(t, "a", Reply(s, 0))
	assert.Equal(t, "b", Reply(s, 1))
	assert.Equal(t, "a", Reply(s, 2))
	assert.Equal(t, "", Reply(models.Scenario{}, 3))
}
