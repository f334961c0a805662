// Package workers contains the domain specialists invoked by the engine
// scheduler: listing search, price statistics, financing, lease law,
// neighborhood profiles and fee calculation. Every worker is stateless,
// honors context cancellation and cites its data sources.
package workers

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/zipsa-ai/zipsa/core"
	"github.com/zipsa-ai/zipsa/engine"
)

// Listing is one property in the embedded dataset.
type Listing struct {
	Name            string `json:"name"`
	Region          string `json:"region"`
	PropertyType    string `json:"property_type"`
	TransactionType string `json:"transaction_type"`
	PriceWon        int64  `json:"price_won"`
	AreaPyeong      float64 `json:"area_pyeong"`
}

// The embedded catalog stands in for a listings backend. Prices are in won.
var defaultListings = []Listing{
	{Name: "래미안 퍼스티지", Region: "서초", PropertyType: "아파트", TransactionType: "매매", PriceWon: 3_200_000_000, AreaPyeong: 34},
	{Name: "은마아파트", Region: "강남", PropertyType: "아파트", TransactionType: "매매", PriceWon: 2_400_000_000, AreaPyeong: 31},
	{Name: "강남 센트럴 오피스텔", Region: "강남", PropertyType: "오피스텔", TransactionType: "월세", PriceWon: 150_000_000, AreaPyeong: 12},
	{Name: "마포 래미안 푸르지오", Region: "마포", PropertyType: "아파트", TransactionType: "매매", PriceWon: 1_700_000_000, AreaPyeong: 25},
	{Name: "마포 한강 뷰 오피스텔", Region: "마포", PropertyType: "오피스텔", TransactionType: "전세", PriceWon: 420_000_000, AreaPyeong: 14},
	{Name: "성동 트리마제", Region: "성동", PropertyType: "아파트", TransactionType: "매매", PriceWon: 2_900_000_000, AreaPyeong: 35},
	{Name: "송파 헬리오시티", Region: "송파", PropertyType: "아파트", TransactionType: "전세", PriceWon: 1_100_000_000, AreaPyeong: 33},
	{Name: "판교 푸르지오 그랑블", Region: "판교", PropertyType: "아파트", TransactionType: "매매", PriceWon: 2_000_000_000, AreaPyeong: 33},
	{Name: "분당 정자동 빌라", Region: "분당", PropertyType: "빌라", TransactionType: "전세", PriceWon: 380_000_000, AreaPyeong: 18},
	{Name: "해운대 엘시티", Region: "해운대", PropertyType: "아파트", TransactionType: "매매", PriceWon: 1_900_000_000, AreaPyeong: 38},
}

const sourceListings = "zipsa:listings:2025-08"

// SearchWorker looks up listings matching the extracted entities.
type SearchWorker struct {
	listings []Listing
	logger   core.Logger
}

// NewSearchWorker creates a search worker over the embedded catalog.
func NewSearchWorker(logger core.Logger) *SearchWorker {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &SearchWorker{listings: defaultListings, logger: logger}
}

func (w *SearchWorker) Name() string { return engine.WorkerSearch }

// Execute filters the catalog by location, property type, transaction type
// and maximum price.
func (w *SearchWorker) Execute(ctx context.Context, input *engine.WorkerInput) (*engine.WorkerOutput, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	location := paramString(input.Parameters, engine.EntityLocation)
	propertyType := paramString(input.Parameters, engine.EntityPropertyType)
	transactionType := paramString(input.Parameters, engine.EntityTransactionType)
	maxPrice := paramPrice(input.Parameters)

	var matches []Listing
	for _, l := range w.listings {
		if location != "" && !strings.Contains(l.Region, location) && !strings.Contains(location, l.Region) {
			continue
		}
		if propertyType != "" && l.PropertyType != propertyType {
			continue
		}
		if transactionType != "" && l.TransactionType != transactionType {
			continue
		}
		if maxPrice > 0 && l.PriceWon > maxPrice {
			continue
		}
		matches = append(matches, l)
	}

	payload := map[string]interface{}{
		"count":    len(matches),
		"listings": matches,
	}

	confidence := 0.9
	if len(matches) == 0 {
		confidence = 0.3
		payload["summary"] = "조건에 맞는 매물을 찾지 못했습니다. 조건을 넓혀서 다시 검색해 보세요."
	} else {
		var sb strings.Builder
		fmt.Fprintf(&sb, "조건에 맞는 매물 %d건을 찾았습니다.", len(matches))
		for i, l := range matches {
			if i >= 3 {
				break
			}
			fmt.Fprintf(&sb, "\n- %s (%s, %s, %.0f평, %s)", l.Name, l.Region, l.TransactionType, l.AreaPyeong, formatWon(l.PriceWon))
		}
		payload["summary"] = sb.String()
	}

	return &engine.WorkerOutput{
		Payload:    payload,
		Confidence: confidence,
		Sources:    []string{sourceListings},
	}, nil
}

func paramString(params map[string]interface{}, key string) string {
	if v, ok := params[key].(string); ok {
		return v
	}
	return ""
}

// paramPrice reads the normalized price entity (digits in won).
func paramPrice(params map[string]interface{}) int64 {
	raw := paramString(params, engine.EntityPriceRange)
	if raw == "" {
		return 0
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0
	}
	return v
}

// formatWon renders a won amount in 억/만원 units.
func formatWon(won int64) string {
	eok := won / 100_000_000
	man := (won % 100_000_000) / 10_000
	switch {
	case eok > 0 && man > 0:
		return fmt.Sprintf("%d억 %d만원", eok, man)
	case eok > 0:
		return fmt.Sprintf("%d억원", eok)
	default:
		return fmt.Sprintf("%d만원", man)
	}
}
