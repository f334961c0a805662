package workers

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zipsa-ai/zipsa/core"
	"github.com/zipsa-ai/zipsa/engine"
)

func TestCalculationPurchase(t *testing.T) {
	w := NewCalculationWorker(nil)

	out, err := w.Execute(context.Background(), workerInput(map[string]interface{}{
		engine.EntityPriceRange:      "500000000",
		engine.EntityTransactionType: "매매",
	}, nil))
	require.NoError(t, err)

	// 5억 sits in the 1% acquisition band and the 0.4% fee band
	assert.EqualValues(t, 5_000_000, out.Payload["acquisition_tax"])
	assert.EqualValues(t, 2_000_000, out.Payload["brokerage_fee"])
	assert.Contains(t, out.Payload["summary"], "취득세")
	assert.InDelta(t, 0.95, out.Confidence, 0.001)
}

func TestCalculationJeonseOmitsAcquisitionTax(t *testing.T) {
	w := NewCalculationWorker(nil)

	out, err := w.Execute(context.Background(), workerInput(map[string]interface{}{
		engine.EntityPriceRange:      "300000000",
		engine.EntityTransactionType: "전세",
	}, nil))
	require.NoError(t, err)

	assert.NotContains(t, out.Payload, "acquisition_tax")
	assert.EqualValues(t, 900_000, out.Payload["brokerage_fee"])
}

func TestCalculationMonthlyRentSharesJeonseSchedule(t *testing.T) {
	w := NewCalculationWorker(nil)

	out, err := w.Execute(context.Background(), workerInput(map[string]interface{}{
		engine.EntityPriceRange:      "300000000",
		engine.EntityTransactionType: "월세",
	}, nil))
	require.NoError(t, err)

	assert.EqualValues(t, 900_000, out.Payload["brokerage_fee"])
}

func TestCalculationFallsBackToCollectedPrice(t *testing.T) {
	w := NewCalculationWorker(nil)

	out, err := w.Execute(context.Background(), workerInput(nil, map[string]*engine.WorkerResult{
		engine.WorkerPrice: priceResult("마포", 1_500_000_000),
	}))
	require.NoError(t, err)

	assert.EqualValues(t, 1_500_000_000, out.Payload["price_won"])
	// 매매 is the default transaction type
	assert.Contains(t, out.Payload, "acquisition_tax")
}

func TestCalculationNoPrice(t *testing.T) {
	w := NewCalculationWorker(nil)

	_, err := w.Execute(context.Background(), workerInput(nil, nil))
	assert.ErrorIs(t, err, core.ErrWorkerFailed)
}

func TestAcquisitionTaxBands(t *testing.T) {
	tests := []struct {
		price int64
		want  int64
	}{
		{500_000_000, 5_000_000},   // 1%
		{800_000_000, 16_000_000},  // 2%
		{1_500_000_000, 45_000_000}, // 3%
	}
	for _, tt := range tests {
		if got := acquisitionTax(tt.price); got != tt.want {
			t.Errorf("acquisitionTax(%d) = %d, want %d", tt.price, got, tt.want)
		}
	}
}

func TestBrokerageFeeCap(t *testing.T) {
	// 0.6% of 5천만원 is 300,000 but the band caps at 250,000
	if got := brokerageFee(50_000_000, "매매"); got != 250_000 {
		t.Errorf("brokerageFee(5천만원) = %d, want 250000", got)
	}
	// Below the cap the rate applies directly
	if got := brokerageFee(40_000_000, "매매"); got != 240_000 {
		t.Errorf("brokerageFee(4천만원) = %d, want 240000", got)
	}
}
