package workers

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zipsa-ai/zipsa/engine"
)

func TestSearchFiltersByRegion(t *testing.T) {
	w := NewSearchWorker(nil)

	out, err := w.Execute(context.Background(), workerInput(map[string]interface{}{
		engine.EntityLocation: "마포",
	}, nil))
	require.NoError(t, err)

	listings := out.Payload["listings"].([]Listing)
	require.Len(t, listings, 2)
	for _, l := range listings {
		assert.Equal(t, "마포", l.Region)
	}
	assert.InDelta(t, 0.9, out.Confidence, 0.001)
	assert.Equal(t, []string{sourceListings}, out.Sources)
}

func TestSearchCombinedFilters(t *testing.T) {
	w := NewSearchWorker(nil)

	out, err := w.Execute(context.Background(), workerInput(map[string]interface{}{
		engine.EntityLocation:        "마포",
		engine.EntityPropertyType:    "아파트",
		engine.EntityTransactionType: "매매",
	}, nil))
	require.NoError(t, err)

	listings := out.Payload["listings"].([]Listing)
	require.Len(t, listings, 1)
	assert.Equal(t, "마포 래미안 푸르지오", listings[0].Name)
	assert.Contains(t, out.Payload["summary"], "1건")
}

func TestSearchMaxPriceFilter(t *testing.T) {
	w := NewSearchWorker(nil)

	out, err := w.Execute(context.Background(), workerInput(map[string]interface{}{
		engine.EntityPriceRange: "500000000",
	}, nil))
	require.NoError(t, err)

	for _, l := range out.Payload["listings"].([]Listing) {
		assert.LessOrEqual(t, l.PriceWon, int64(500_000_000))
	}
}

func TestSearchNoMatches(t *testing.T) {
	w := NewSearchWorker(nil)

	out, err := w.Execute(context.Background(), workerInput(map[string]interface{}{
		engine.EntityLocation:   "강남",
		engine.EntityPriceRange: "10000000",
	}, nil))
	require.NoError(t, err)

	assert.Equal(t, 0, out.Payload["count"])
	assert.InDelta(t, 0.3, out.Confidence, 0.001)
	assert.Contains(t, out.Payload["summary"], "찾지 못했습니다")
}

func TestSearchHonorsCancellation(t *testing.T) {
	w := NewSearchWorker(nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := w.Execute(ctx, workerInput(nil, nil))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFormatWon(t *testing.T) {
	tests := []struct {
		won  int64
		want string
	}{
		{2_400_000_000, "24억원"},
		{350_000_000, "3억 5000만원"},
		{50_000_000, "5000만원"},
	}
	for _, tt := range tests {
		if got := formatWon(tt.won); got != tt.want {
			t.Errorf("formatWon(%d) = %s, want %s", tt.won, got, tt.want)
		}
	}
}
