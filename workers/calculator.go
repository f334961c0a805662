package workers

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/zipsa-ai/zipsa/core"
	"github.com/zipsa-ai/zipsa/engine"
)

// Acquisition tax rates by price band for a first home (간이 기준).
type taxBand struct {
	UpToWon int64
	Rate    float64
}

var acquisitionTaxBands = []taxBand{
	{UpToWon: 600_000_000, Rate: 0.01},
	{UpToWon: 900_000_000, Rate: 0.02},
	{UpToWon: math.MaxInt64, Rate: 0.03},
}

// Brokerage fee caps by transaction type and price band (rate, cap in won;
// cap 0 means no cap).
type feeBand struct {
	UpToWon int64
	Rate    float64
	CapWon  int64
}

var brokerageFeeBands = map[string][]feeBand{
	"매매": {
		{UpToWon: 50_000_000, Rate: 0.006, CapWon: 250_000},
		{UpToWon: 200_000_000, Rate: 0.005, CapWon: 800_000},
		{UpToWon: 900_000_000, Rate: 0.004, CapWon: 0},
		{UpToWon: 1_200_000_000, Rate: 0.005, CapWon: 0},
		{UpToWon: math.MaxInt64, Rate: 0.007, CapWon: 0},
	},
	"전세": {
		{UpToWon: 50_000_000, Rate: 0.005, CapWon: 200_000},
		{UpToWon: 100_000_000, Rate: 0.004, CapWon: 300_000},
		{UpToWon: 1_200_000_000, Rate: 0.003, CapWon: 0},
		{UpToWon: math.MaxInt64, Rate: 0.006, CapWon: 0},
	},
}

const sourceTaxRules = "지방세법 취득세율 / 공인중개사법 중개보수 요율"

// CalculationWorker computes acquisition tax and brokerage fees from the
// price entity.
type CalculationWorker struct {
	logger core.Logger
}

// NewCalculationWorker creates a calculation worker.
func NewCalculationWorker(logger core.Logger) *CalculationWorker {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &CalculationWorker{logger: logger}
}

func (w *CalculationWorker) Name() string { return engine.WorkerCalculation }

func (w *CalculationWorker) Execute(ctx context.Context, input *engine.WorkerInput) (*engine.WorkerOutput, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	price := paramPrice(input.Parameters)
	if price <= 0 {
		// Fall back to an upstream price payload when present
		if pr, ok := input.CollectedData[engine.WorkerPrice]; ok && pr.Payload != nil {
			if v, ok := toInt64(pr.Payload["average_won"]); ok {
				price = v
			}
		}
	}
	if price <= 0 {
		return nil, fmt.Errorf("no price amount to calculate from: %w", core.ErrWorkerFailed)
	}

	transactionType := paramString(input.Parameters, engine.EntityTransactionType)
	if transactionType == "" {
		transactionType = "매매"
	}

	tax := acquisitionTax(price)
	fee := brokerageFee(price, transactionType)

	var sb strings.Builder
	fmt.Fprintf(&sb, "%s %s 기준 계산 결과입니다.", formatWon(price), transactionType)
	if transactionType == "매매" {
		fmt.Fprintf(&sb, "\n- 취득세(1주택 기준): 약 %s", formatWon(tax))
	}
	fmt.Fprintf(&sb, "\n- 중개보수 상한: 약 %s", formatWon(fee))

	payload := map[string]interface{}{
		"summary":          sb.String(),
		"price_won":        price,
		"transaction_type": transactionType,
		"brokerage_fee":    fee,
	}
	if transactionType == "매매" {
		payload["acquisition_tax"] = tax
	}

	return &engine.WorkerOutput{
		Payload:    payload,
		Confidence: 0.95,
		Sources:    []string{sourceTaxRules},
	}, nil
}

func acquisitionTax(price int64) int64 {
	for _, band := range acquisitionTaxBands {
		if price <= band.UpToWon {
			return int64(float64(price) * band.Rate)
		}
	}
	return 0
}

func brokerageFee(price int64, transactionType string) int64 {
	bands, ok := brokerageFeeBands[transactionType]
	if !ok {
		// 월세 and other lease types share the 전세 schedule
		bands = brokerageFeeBands["전세"]
	}
	for _, band := range bands {
		if price <= band.UpToWon {
			fee := int64(float64(price) * band.Rate)
			if band.CapWon > 0 && fee > band.CapWon {
				fee = band.CapWon
			}
			return fee
		}
	}
	return 0
}
