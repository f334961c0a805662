package workers

import (
	"context"
	"fmt"

	"github.com/zipsa-ai/zipsa/core"
	"github.com/zipsa-ai/zipsa/engine"
)

// RegionStats carries average transaction prices per property type for one
// region, in won, plus a 12-month trend.
type RegionStats struct {
	Region       string           `json:"region"`
	AverageWon   map[string]int64 `json:"average_won"`
	TrendPercent float64          `json:"trend_percent"`
}

var defaultRegionStats = map[string]RegionStats{
	"강남":  {Region: "강남", AverageWon: map[string]int64{"아파트": 2_600_000_000, "오피스텔": 480_000_000, "빌라": 750_000_000}, TrendPercent: 3.1},
	"서초":  {Region: "서초", AverageWon: map[string]int64{"아파트": 2_800_000_000, "오피스텔": 510_000_000, "빌라": 820_000_000}, TrendPercent: 2.7},
	"송파":  {Region: "송파", AverageWon: map[string]int64{"아파트": 1_900_000_000, "오피스텔": 390_000_000, "빌라": 640_000_000}, TrendPercent: 1.9},
	"마포":  {Region: "마포", AverageWon: map[string]int64{"아파트": 1_500_000_000, "오피스텔": 350_000_000, "빌라": 520_000_000}, TrendPercent: 1.4},
	"성동":  {Region: "성동", AverageWon: map[string]int64{"아파트": 1_650_000_000, "오피스텔": 340_000_000, "빌라": 540_000_000}, TrendPercent: 2.2},
	"판교":  {Region: "판교", AverageWon: map[string]int64{"아파트": 1_800_000_000, "오피스텔": 410_000_000}, TrendPercent: 1.1},
	"분당":  {Region: "분당", AverageWon: map[string]int64{"아파트": 1_400_000_000, "오피스텔": 330_000_000, "빌라": 470_000_000}, TrendPercent: 0.8},
	"해운대": {Region: "해운대", AverageWon: map[string]int64{"아파트": 900_000_000, "오피스텔": 250_000_000}, TrendPercent: -0.5},
}

const sourcePriceIndex = "zipsa:price-index:2025-Q2"

// The nationwide fallback when the query names no known region.
var nationwideStats = RegionStats{
	Region:       "전국",
	AverageWon:   map[string]int64{"아파트": 650_000_000, "오피스텔": 220_000_000, "빌라": 310_000_000},
	TrendPercent: 0.6,
}

// PriceWorker reports price statistics per region and property type. Its
// payload feeds the finance and law workers in DAG plans.
type PriceWorker struct {
	stats  map[string]RegionStats
	logger core.Logger
}

// NewPriceWorker creates a price worker over the embedded index.
func NewPriceWorker(logger core.Logger) *PriceWorker {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &PriceWorker{stats: defaultRegionStats, logger: logger}
}

func (w *PriceWorker) Name() string { return engine.WorkerPrice }

func (w *PriceWorker) Execute(ctx context.Context, input *engine.WorkerInput) (*engine.WorkerOutput, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	region := paramString(input.Parameters, engine.EntityLocation)
	propertyType := paramString(input.Parameters, engine.EntityPropertyType)
	if propertyType == "" {
		propertyType = "아파트"
	}

	stats, known := w.stats[region]
	confidence := 0.85
	if !known {
		stats = nationwideStats
		confidence = 0.5
	}

	average, hasType := stats.AverageWon[propertyType]
	if !hasType {
		average = stats.AverageWon["아파트"]
		confidence -= 0.1
	}

	trend := "보합세"
	switch {
	case stats.TrendPercent >= 1.5:
		trend = "상승세"
	case stats.TrendPercent <= -0.5:
		trend = "하락세"
	}

	summary := fmt.Sprintf("%s %s 평균 시세는 %s이며, 최근 1년간 %.1f%% 변동으로 %s입니다.",
		stats.Region, propertyType, formatWon(average), stats.TrendPercent, trend)

	return &engine.WorkerOutput{
		Payload: map[string]interface{}{
			"summary":       summary,
			"region":        stats.Region,
			"property_type": propertyType,
			"average_won":   average,
			"trend_percent": stats.TrendPercent,
		},
		Confidence: confidence,
		Sources:    []string{sourcePriceIndex},
	}, nil
}
