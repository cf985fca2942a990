package server

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anatolykoptev/go-imagecheck"
)

func TestMemoryCacheBytes(t *testing.T) {
	t.Parallel()
	c := NewMemoryCache(time.Minute)
	ctx := context.Background()
	key := c.Key("analysis", "abc")
	assert.Equal(t, "analysis:abc", key)

	var raw []byte
	assert.False(t, c.Get(ctx, key, &raw))

	c.Set(ctx, key, []byte(`{"error":"x"}`))
	require.True(t, c.Get(ctx, key, &raw))
	assert.Equal(t, `{"error":"x"}`, string(raw))
	assert.Equal(t, 1, c.Len())
}

func TestMemoryCacheJSONValues(t *testing.T) {
	t.Parallel()
	c := NewMemoryCache(time.Minute)
	ctx := context.Background()

	c.Set(ctx, "k", map[string]int{"n": 3})
	var out map[string]int
	require.True(t, c.Get(ctx, "k", &out))
	assert.Equal(t, 3, out["n"])
}

func TestMemoryCacheExpires(t *testing.T) {
	t.Parallel()
	c := NewMemoryCache(20 * time.Millisecond)
	ctx := context.Background()
	c.Set(ctx, "k", []byte("v"))
	time.Sleep(40 * time.Millisecond)
	var raw []byte
	assert.False(t, c.Get(ctx, "k", &raw))
}

func TestMemoryCacheServesAnalyzer(t *testing.T) {
	t.Parallel()
	c := NewMemoryCache(time.Minute)
	var cached []bool
	a := imagecheck.New(imagecheck.Config{
		Cache:      c,
		OnAnalysis: func(ev imagecheck.AnalysisEvent) { cached = append(cached, ev.Cached) },
	})
	data := pngBytes(t)

	first := a.Analyze(context.Background(), data)
	second := a.Analyze(context.Background(), data)
	require.True(t, first.OK())
	require.True(t, second.OK())
	assert.Equal(t, first.Report.FinalLabel, second.Report.FinalLabel)
	assert.InDelta(t, first.Report.Confidence, second.Report.Confidence, 1e-12)
	assert.Equal(t, []bool{false, true}, cached)
}
