package workers

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zipsa-ai/zipsa/core"
	"github.com/zipsa-ai/zipsa/engine"
)

func TestFinanceUsesCollectedPriceBasis(t *testing.T) {
	w := NewFinanceWorker(nil)

	out, err := w.Execute(context.Background(), workerInput(nil, map[string]*engine.WorkerResult{
		engine.WorkerPrice: priceResult("강남", 1_000_000_000),
	}))
	require.NoError(t, err)

	assert.Equal(t, "market_average", out.Payload["basis_kind"])
	assert.EqualValues(t, 1_000_000_000, out.Payload["price_basis"])
	// 강남 is a regulated area: the tighter ceiling applies
	assert.InDelta(t, 0.5, out.Payload["ltv"].(float64), 0.001)
	assert.EqualValues(t, 500_000_000, out.Payload["max_loan_won"])
	assert.Equal(t, true, out.Payload["regulated_area"])
}

func TestFinanceFallsBackToQueryEntity(t *testing.T) {
	w := NewFinanceWorker(nil)

	out, err := w.Execute(context.Background(), workerInput(map[string]interface{}{
		engine.EntityLocation:   "마포",
		engine.EntityPriceRange: "800000000",
	}, nil))
	require.NoError(t, err)

	assert.Equal(t, "query_entity", out.Payload["basis_kind"])
	assert.InDelta(t, 0.7, out.Payload["ltv"].(float64), 0.001)
	assert.EqualValues(t, 560_000_000, out.Payload["max_loan_won"])
}

func TestFinanceNoPriceBasis(t *testing.T) {
	w := NewFinanceWorker(nil)

	_, err := w.Execute(context.Background(), workerInput(nil, nil))
	assert.ErrorIs(t, err, core.ErrWorkerFailed)
}

func TestFinanceCollectedRegionOverridesEntity(t *testing.T) {
	w := NewFinanceWorker(nil)

	// The price payload names a regulated region even though the query didn't
	out, err := w.Execute(context.Background(), workerInput(map[string]interface{}{
		engine.EntityLocation: "분당",
	}, map[string]*engine.WorkerResult{
		engine.WorkerPrice: priceResult("서초", 2_000_000_000),
	}))
	require.NoError(t, err)

	assert.InDelta(t, 0.5, out.Payload["ltv"].(float64), 0.001)
}

func TestAnnuityPayment(t *testing.T) {
	monthly := annuityPayment(500_000_000, 0.035, 30)
	if monthly <= 0 {
		t.Fatal("expected a positive payment")
	}
	// Rounded to 10,000 won
	if monthly%10_000 != 0 {
		t.Errorf("payment %d not rounded to 10,000 won", monthly)
	}
	// Sanity bounds for a 5억 loan at 3.5%/30y
	if monthly < 2_000_000 || monthly > 2_500_000 {
		t.Errorf("payment %d outside plausible range", monthly)
	}

	if annuityPayment(0, 0.035, 30) != 0 {
		t.Error("zero principal should pay zero")
	}
}
