package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zipsa-ai/zipsa/core"
)

func fallbackAnalyzer() *Analyzer {
	cfg := core.DefaultConfig()
	return NewAnalyzer(nil, cfg.Intent, cfg.LLM, nil)
}

func TestAnalyzeEmptyQuery(t *testing.T) {
	intent := fallbackAnalyzer().Analyze(context.Background(), "   ", testCarrier(""))
	assert.Equal(t, IntentUnclear, intent.Kind)
	assert.Zero(t, intent.Confidence)
}

func TestAnalyzeKeywordFallback(t *testing.T) {
	tests := []struct {
		query string
		kind  IntentKind
	}{
		{"강남구 아파트 매물 찾아줘", IntentSearch},
		{"5억 아파트 취득세 계산해줘", IntentCalculation},
		{"신혼부부 살기 좋은 동네 추천해줘", IntentRecommendation},
		{"전세 계약할 때 보증금 어떻게 지켜요", IntentConsultation},
	}

	analyzer := fallbackAnalyzer()
	for _, tt := range tests {
		intent := analyzer.Analyze(context.Background(), tt.query, testCarrier(tt.query))
		assert.Equalf(t, tt.kind, intent.Kind, "query %q", tt.query)
		assert.Greaterf(t, intent.Confidence, 0.0, "query %q", tt.query)
		assert.LessOrEqualf(t, intent.Confidence, 1.0, "query %q", tt.query)
		assert.NotEmptyf(t, intent.Keywords, "query %q", tt.query)
	}
}

func TestAnalyzeIrrelevant(t *testing.T) {
	intent := fallbackAnalyzer().Analyze(context.Background(), "오늘 점심 뭐 먹지", testCarrier(""))
	assert.Equal(t, IntentIrrelevant, intent.Kind)
	assert.Zero(t, intent.Confidence)
}

func TestAnalyzeEntitiesWithoutKeywords(t *testing.T) {
	// A price and region with no intent vocabulary still reads as a domain query
	intent := fallbackAnalyzer().Analyze(context.Background(), "강남 5억 이하", testCarrier(""))
	assert.Equal(t, IntentSearch, intent.Kind)
	assert.InDelta(t, 0.3, intent.Confidence, 0.001)
	assert.Equal(t, "강남", intent.Entities[EntityLocation])
	assert.Equal(t, "500000000", intent.Entities[EntityPriceRange])
}

func TestAnalyzeMissingCredential(t *testing.T) {
	cfg := core.DefaultConfig()
	cfg.LLM.Provider = "openai"
	analyzer := NewAnalyzer(nil, cfg.Intent, cfg.LLM, nil)

	carrier := testCarrier("강남 아파트")
	intent := analyzer.Analyze(context.Background(), "강남 아파트", carrier)
	assert.Equal(t, IntentError, intent.Kind)

	carrier.CredentialNames = []string{cfg.LLM.APIKeyName}
	intent = analyzer.Analyze(context.Background(), "강남 아파트 매물", carrier)
	assert.NotEqual(t, IntentError, intent.Kind)
}

func TestAnalyzeLLMPath(t *testing.T) {
	client := &mockLLMClient{fn: func(ctx context.Context, req *core.LLMRequest) (*core.LLMResponse, error) {
		return &core.LLMResponse{Content: "```json\n" +
			`{"kind": "search", "confidence": 0.92, "entities": {"location": "마포"}, "reasoning": "listing request"}` +
			"\n```"}, nil
	}}
	cfg := core.DefaultConfig()
	llm := NewLLMCaller(client, cfg.LLM, nil)
	analyzer := NewAnalyzer(llm, cfg.Intent, cfg.LLM, nil)

	intent := analyzer.Analyze(context.Background(), "마포 10평 원룸 구해줘", testCarrier(""))
	require.Equal(t, IntentSearch, intent.Kind)
	assert.InDelta(t, 0.92, intent.Confidence, 0.001)
	assert.Equal(t, "마포", intent.Entities[EntityLocation])
	// Regex extraction supplements what the model omitted
	assert.Equal(t, "10평", intent.Entities[EntitySizeRange])
	assert.EqualValues(t, 1, client.callCount())
}

func TestAnalyzeLLMLowConfidenceFallsBack(t *testing.T) {
	client := &mockLLMClient{fn: func(ctx context.Context, req *core.LLMRequest) (*core.LLMResponse, error) {
		return &core.LLMResponse{Content: `{"kind": "irrelevant", "confidence": 0.1}`}, nil
	}}
	cfg := core.DefaultConfig()
	llm := NewLLMCaller(client, cfg.LLM, nil)
	analyzer := NewAnalyzer(llm, cfg.Intent, cfg.LLM, nil)

	intent := analyzer.Analyze(context.Background(), "강남구 아파트 매물 찾아줘", testCarrier(""))
	assert.Equal(t, IntentSearch, intent.Kind)
	assert.Equal(t, "keyword fallback", intent.Reasoning)
}

func TestAnalyzeLLMErrorFallsBack(t *testing.T) {
	client := &mockLLMClient{fn: func(ctx context.Context, req *core.LLMRequest) (*core.LLMResponse, error) {
		return nil, errors.New("model overloaded")
	}}
	cfg := core.DefaultConfig()
	llm := NewLLMCaller(client, cfg.LLM, nil)
	analyzer := NewAnalyzer(llm, cfg.Intent, cfg.LLM, nil)

	intent := analyzer.Analyze(context.Background(), "전세 계약 보증금 상담", testCarrier(""))
	assert.Equal(t, IntentConsultation, intent.Kind)
}

func TestExtractPrice(t *testing.T) {
	tests := []struct {
		query string
		want  string
	}{
		{"10억 이하 아파트", "1000000000"},
		{"3억 5000만원 전세", "350000000"},
		{"5,000만원 보증금", "50000000"},
		{"2.5억 빌라", "250000000"},
	}
	for _, tt := range tests {
		got, ok := extractPrice(tt.query)
		if !ok {
			t.Errorf("extractPrice(%q) found nothing", tt.query)
			continue
		}
		if got != tt.want {
			t.Errorf("extractPrice(%q) = %s, want %s", tt.query, got, tt.want)
		}
	}

	if _, ok := extractPrice("가격 미정"); ok {
		t.Error("extractPrice matched a query with no amount")
	}
}

func TestExtractSize(t *testing.T) {
	if got, ok := extractSize("25평 아파트"); !ok || got != "25평" {
		t.Errorf("extractSize(25평) = %q, %v", got, ok)
	}
	// ㎡ normalizes to pyeong: 84 / 3.3058 = 25.4
	if got, ok := extractSize("84㎡ 아파트"); !ok || got != "25.4평" {
		t.Errorf("extractSize(84㎡) = %q, %v", got, ok)
	}
}

func TestExtractEntities(t *testing.T) {
	entities := extractEntities("강남구 아파트 전세 5억 이하 25평")
	assert.Equal(t, "강남", entities[EntityLocation])
	assert.Equal(t, "아파트", entities[EntityPropertyType])
	assert.Equal(t, "전세", entities[EntityTransactionType])
	assert.Equal(t, "500000000", entities[EntityPriceRange])
	assert.Equal(t, "25평", entities[EntitySizeRange])

	assert.Nil(t, extractEntities("날씨 어때"))
}

func TestExtractLocationDistrictPattern(t *testing.T) {
	// Unknown regions fall through to the generic district regex
	entities := extractEntities("청주시 아파트")
	assert.Equal(t, "청주시", entities[EntityLocation])
}
