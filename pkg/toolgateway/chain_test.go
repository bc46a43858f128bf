package toolgateway

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChainFallsBackInOrder(t *testing.T) {
	var calls []string
	chain := Chain[string]{
		Source: "test",
		Tiers: []Tier[string]{
			{Name: "one", Fetch: func(ctx context.Context) (string, error) {
				calls = append(calls, "one")
				return "", ErrProviderUnavailable
			}},
			{Name: "two", Fetch: func(ctx context.Context) (string, error) {
				calls = append(calls, "two")
				return "ok", nil
			}},
			{Name: "three", Fetch: func(ctx context.Context) (string, error) {
				calls = append(calls, "three")
				return "late", nil
			}},
		},
	}

	out := chain.Run(context.Background())
	require.False(t, out.Unavailable)
	assert.Equal(t, "ok", out.Value)
	assert.Equal(t, 2, out.Tier)
	assert.Equal(t, "two", out.Provider)
	assert.Equal(t, []string{"one", "two"}, calls)
	assert.False(t, out.FetchedAt.IsZero())
}

func TestChainTierTimeout(t *testing.T) {
	chain := Chain[int]{
		Source: "test",
		Tiers: []Tier[int]{
			{Name: "slow", Timeout: 20 * time.Millisecond, Fetch: func(ctx context.Context) (int, error) {
				<-ctx.Done()
				return 0, ctx.Err()
			}},
			{Name: "fast", Timeout: time.Second, Fetch: func(ctx context.Context) (int, error) {
				return 7, nil
			}},
		},
	}

	out := chain.Run(context.Background())
	assert.Equal(t, 2, out.Tier)
	assert.Equal(t, 7, out.Value)
}

func TestChainAllFailIsUnavailable(t *testing.T) {
	boom := errors.New("boom")
	chain := Chain[string]{
		Source: "test",
		Tiers: []Tier[string]{
			{Name: "a", Fetch: func(ctx context.Context) (string, error) { return "", boom }},
			{Name: "b", Fetch: func(ctx context.Context) (string, error) { panic("bad tier") }},
		},
	}

	out := chain.Run(context.Background())
	assert.True(t, out.Unavailable)
	assert.Equal(t, 0, out.Tier)
	assert.ErrorIs(t, out.Err, boom)
	assert.ErrorIs(t, out.Err, ErrProviderUnavailable)
}

func TestChainCancelledParentStops(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	chain := Chain[string]{
		Source: "test",
		Tiers: []Tier[string]{{Name: "a", Fetch: func(ctx context.Context) (string, error) {
			called = true
			return "x", nil
		}}},
	}

	out := chain.Run(ctx)
	assert.True(t, out.Unavailable)
	assert.False(t, called)
	assert.ErrorIs(t, out.Err, context.Canceled)
}

func TestChainNoTiers(t *testing.T) {
	out := Chain[string]{Source: "test"}.Run(context.Background())
	assert.True(t, out.Unavailable)
	assert.ErrorIs(t, out.Err, ErrProviderUnavailable)
}

func TestDedupeItems(t *testing.T) {
	items := []SearchItem{
		{Title: "a", URL: "https://www.example.org/a/"},
		{Title: "a dup", URL: "http://example.org/a"},
		{Title: "no url"},
		{Title: "b", URL: "https://example.org/b#top"},
		{Title: "c", URL: "https://example.org/c"},
	}

	got := DedupeItems(items, 2)
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].Title)
	assert.Equal(t, "b", got[1].Title)

	assert.Len(t, DedupeItems(items, 0), 3)
}

func TestParseLatLon(t *testing.T) {
	tests := []struct {
		in       string
		lat, lon float64
		ok       bool
	}{
		{"18.52, 73.85", 18.52, 73.85, true},
		{"my farm is at 18.52 73.85 near Pune", 18.52, 73.85, true},
		{"-33.9,18.4", -33.9, 18.4, true},
		{"95.0, 73.0", 0, 0, false},
		{"18.0, 190.0", 0, 0, false},
		{"Pune", 0, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			lat, lon, ok := ParseLatLon(tt.in)
			assert.Equal(t, tt.ok, ok)
			assert.InDelta(t, tt.lat, lat, 1e-9)
			assert.InDelta(t, tt.lon, lon, 1e-9)
		})
	}
}

func TestFindLatLonSpan(t *testing.T) {
	text := "farm at 18.52, 73.85 near Pune"
	lat, lon, span, ok := FindLatLon(text)
	require.True(t, ok)
	assert.InDelta(t, 18.52, lat, 1e-9)
	assert.InDelta(t, 73.85, lon, 1e-9)
	assert.Equal(t, "18.52, 73.85", text[span[0]:span[1]])
}
