package workers

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zipsa-ai/zipsa/engine"
)

func TestPriceKnownRegion(t *testing.T) {
	w := NewPriceWorker(nil)

	out, err := w.Execute(context.Background(), workerInput(map[string]interface{}{
		engine.EntityLocation:     "강남",
		engine.EntityPropertyType: "아파트",
	}, nil))
	require.NoError(t, err)

	assert.Equal(t, "강남", out.Payload["region"])
	assert.EqualValues(t, 2_600_000_000, out.Payload["average_won"])
	assert.InDelta(t, 0.85, out.Confidence, 0.001)
	// 3.1% yearly movement reads as an uptrend
	assert.Contains(t, out.Payload["summary"], "상승세")
	assert.Equal(t, []string{sourcePriceIndex}, out.Sources)
}

func TestPriceUnknownRegionFallsBackNationwide(t *testing.T) {
	w := NewPriceWorker(nil)

	out, err := w.Execute(context.Background(), workerInput(map[string]interface{}{
		engine.EntityLocation: "청주시",
	}, nil))
	require.NoError(t, err)

	assert.Equal(t, "전국", out.Payload["region"])
	assert.InDelta(t, 0.5, out.Confidence, 0.001)
}

func TestPriceMissingPropertyTypeDefaultsToApartment(t *testing.T) {
	w := NewPriceWorker(nil)

	out, err := w.Execute(context.Background(), workerInput(map[string]interface{}{
		engine.EntityLocation: "마포",
	}, nil))
	require.NoError(t, err)

	assert.Equal(t, "아파트", out.Payload["property_type"])
	assert.EqualValues(t, 1_500_000_000, out.Payload["average_won"])
}

func TestPriceUnlistedPropertyTypeLowersConfidence(t *testing.T) {
	w := NewPriceWorker(nil)

	// 판교 carries no 빌라 figure, so the apartment average stands in
	out, err := w.Execute(context.Background(), workerInput(map[string]interface{}{
		engine.EntityLocation:     "판교",
		engine.EntityPropertyType: "빌라",
	}, nil))
	require.NoError(t, err)

	assert.EqualValues(t, 1_800_000_000, out.Payload["average_won"])
	assert.InDelta(t, 0.75, out.Confidence, 0.001)
}

func TestPriceDowntrendLabel(t *testing.T) {
	w := NewPriceWorker(nil)

	out, err := w.Execute(context.Background(), workerInput(map[string]interface{}{
		engine.EntityLocation: "해운대",
	}, nil))
	require.NoError(t, err)

	assert.Contains(t, out.Payload["summary"], "하락세")
}
