package workers

import (
	"context"
	"fmt"
	"strings"

	"github.com/zipsa-ai/zipsa/core"
	"github.com/zipsa-ai/zipsa/engine"
)

// NeighborhoodProfile describes transit, schools and amenities for a region.
type NeighborhoodProfile struct {
	Region    string   `json:"region"`
	Subway    []string `json:"subway"`
	Schools   string   `json:"schools"`
	Amenities []string `json:"amenities"`
}

var defaultProfiles = map[string]NeighborhoodProfile{
	"강남": {Region: "강남", Subway: []string{"2호선", "분당선", "신분당선"}, Schools: "학군 수요 매우 높음 (대치동 학원가)", Amenities: []string{"코엑스", "백화점", "대형병원"}},
	"서초": {Region: "서초", Subway: []string{"2호선", "3호선", "신분당선"}, Schools: "학군 수요 높음 (반포 학원가)", Amenities: []string{"예술의전당", "고속터미널"}},
	"송파": {Region: "송파", Subway: []string{"2호선", "8호선", "9호선"}, Schools: "학군 수요 높음", Amenities: []string{"롯데월드", "올림픽공원"}},
	"마포": {Region: "마포", Subway: []string{"2호선", "5호선", "6호선", "공항철도"}, Schools: "학군 수요 중간", Amenities: []string{"홍대 상권", "한강공원"}},
	"성동": {Region: "성동", Subway: []string{"2호선", "수인분당선"}, Schools: "학군 수요 중간", Amenities: []string{"서울숲", "성수 상권"}},
	"판교": {Region: "판교", Subway: []string{"신분당선", "경강선"}, Schools: "학군 수요 높음", Amenities: []string{"판교테크노밸리", "현대백화점"}},
	"분당": {Region: "분당", Subway: []string{"분당선", "신분당선"}, Schools: "학군 수요 높음", Amenities: []string{"정자 카페거리", "탄천"}},
	"해운대": {Region: "해운대", Subway: []string{"2호선(부산)"}, Schools: "학군 수요 중간", Amenities: []string{"해운대해수욕장", "센텀시티"}},
}

const sourceNeighborhood = "zipsa:neighborhood:2025-08"

// LocationWorker profiles a neighborhood's transit and amenities.
type LocationWorker struct {
	profiles map[string]NeighborhoodProfile
	logger   core.Logger
}

// NewLocationWorker creates a location worker over the embedded profiles.
func NewLocationWorker(logger core.Logger) *LocationWorker {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &LocationWorker{profiles: defaultProfiles, logger: logger}
}

func (w *LocationWorker) Name() string { return engine.WorkerLocation }

func (w *LocationWorker) Execute(ctx context.Context, input *engine.WorkerInput) (*engine.WorkerOutput, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	region := paramString(input.Parameters, engine.EntityLocation)
	if region == "" {
		return nil, fmt.Errorf("no location entity in query: %w", core.ErrWorkerFailed)
	}

	profile, known := w.profiles[region]
	if !known {
		return &engine.WorkerOutput{
			Payload: map[string]interface{}{
				"summary": fmt.Sprintf("%s 지역의 상세 프로필은 아직 준비되지 않았습니다.", region),
				"region":  region,
			},
			Confidence: 0.3,
			Sources:    []string{sourceNeighborhood},
		}, nil
	}

	summary := fmt.Sprintf("%s 지역은 %s 이용이 가능하며, %s. 주요 인프라: %s.",
		profile.Region,
		strings.Join(profile.Subway, "·"),
		profile.Schools,
		strings.Join(profile.Amenities, ", "))

	return &engine.WorkerOutput{
		Payload: map[string]interface{}{
			"summary":   summary,
			"region":    profile.Region,
			"subway":    profile.Subway,
			"schools":   profile.Schools,
			"amenities": profile.Amenities,
		},
		Confidence: 0.8,
		Sources:    []string{sourceNeighborhood},
	}, nil
}
