package workers

import (
	"context"
	"fmt"
	"math"

	"github.com/zipsa-ai/zipsa/core"
	"github.com/zipsa-ai/zipsa/engine"
)

// Lending assumptions for the deterministic financing model.
const (
	defaultLTV        = 0.7  // loan-to-value ceiling for non-regulated areas
	regulatedLTV      = 0.5  // Seoul speculation-zone ceiling
	defaultAnnualRate = 0.035
	defaultTermYears  = 30
)

// Regions under the tighter LTV regime.
var regulatedRegions = map[string]bool{
	"강남": true, "서초": true, "송파": true, "용산": true,
}

const sourceLending = "zipsa:lending-terms:2025-08"

// FinanceWorker computes loan capacity and repayment from a price basis.
// The basis comes from the price worker's payload when scheduled as a DAG
// consumer, or from the extracted price entity otherwise.
type FinanceWorker struct {
	logger core.Logger
}

// NewFinanceWorker creates a finance worker.
func NewFinanceWorker(logger core.Logger) *FinanceWorker {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &FinanceWorker{logger: logger}
}

func (w *FinanceWorker) Name() string { return engine.WorkerFinance }

func (w *FinanceWorker) Execute(ctx context.Context, input *engine.WorkerInput) (*engine.WorkerOutput, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	price, region, basis := w.priceBasis(input)
	if price <= 0 {
		return nil, fmt.Errorf("no price basis available for financing: %w", core.ErrWorkerFailed)
	}

	ltv := defaultLTV
	if regulatedRegions[region] {
		ltv = regulatedLTV
	}

	loan := int64(float64(price) * ltv)
	monthly := annuityPayment(loan, defaultAnnualRate, defaultTermYears)

	summary := fmt.Sprintf(
		"%s 기준 LTV %.0f%% 적용 시 최대 대출 가능액은 %s입니다. 금리 %.1f%%, %d년 원리금균등 상환 기준 월 상환액은 약 %s입니다.",
		formatWon(price), ltv*100, formatWon(loan), defaultAnnualRate*100, defaultTermYears, formatWon(monthly))

	return &engine.WorkerOutput{
		Payload: map[string]interface{}{
			"summary":        summary,
			"price_basis":    price,
			"basis_kind":     basis,
			"ltv":            ltv,
			"max_loan_won":   loan,
			"annual_rate":    defaultAnnualRate,
			"term_years":     defaultTermYears,
			"monthly_won":    monthly,
			"regulated_area": regulatedRegions[region],
		},
		Confidence: 0.8,
		Sources:    []string{sourceLending},
	}, nil
}

// priceBasis prefers the price worker's payload over the extracted entity.
func (w *FinanceWorker) priceBasis(input *engine.WorkerInput) (int64, string, string) {
	region := paramString(input.Parameters, engine.EntityLocation)

	if priceResult, ok := input.CollectedData[engine.WorkerPrice]; ok && priceResult.Payload != nil {
		if avg, ok := toInt64(priceResult.Payload["average_won"]); ok && avg > 0 {
			if r, ok := priceResult.Payload["region"].(string); ok && r != "" {
				region = r
			}
			return avg, region, "market_average"
		}
	}
	if entity := paramPrice(input.Parameters); entity > 0 {
		return entity, region, "query_entity"
	}
	return 0, region, ""
}

// annuityPayment computes the fixed monthly payment for a fully amortizing
// loan, rounded to the nearest 10,000 won.
func annuityPayment(principal int64, annualRate float64, years int) int64 {
	if principal <= 0 {
		return 0
	}
	monthlyRate := annualRate / 12
	n := float64(years * 12)
	factor := math.Pow(1+monthlyRate, n)
	payment := float64(principal) * monthlyRate * factor / (factor - 1)
	return int64(math.Round(payment/10_000)) * 10_000
}

func toInt64(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		// JSON round-trips land here
		return int64(n), true
	default:
		return 0, false
	}
}
