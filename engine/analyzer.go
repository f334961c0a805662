package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/zipsa-ai/zipsa/core"
)

// intentSchema constrains the analyzer's LLM response.
var intentSchema = json.RawMessage(`{
	"type": "object",
	"required": ["kind", "confidence"],
	"properties": {
		"kind": {
			"type": "string",
			"enum": ["search", "calculation", "recommendation", "consultation", "unclear", "irrelevant"]
		},
		"confidence": {"type": "number", "minimum": 0, "maximum": 1},
		"entities": {"type": "object", "additionalProperties": {"type": "string"}},
		"keywords": {"type": "array", "items": {"type": "string"}},
		"reasoning": {"type": "string"}
	}
}`)

const intentSystemPrompt = `You classify Korean real-estate questions.
Return JSON with: kind (search|calculation|recommendation|consultation|unclear|irrelevant),
confidence (0..1), entities (location, price_range, size_range, transaction_type,
property_type when present), keywords, reasoning. Questions outside real estate
are "irrelevant".`

// Keyword vocabularies for the deterministic fallback, one per intent kind.
// Korean tokens first, English aliases after. Matching is substring-based on
// the lowercased query; confidence = min(1, matches/len(vocabulary)).
var intentVocabularies = map[IntentKind][]string{
	IntentSearch: {
		"매물", "아파트", "오피스텔", "빌라", "원룸", "투룸", "주택",
		"찾아", "검색", "구해", "알아봐", "있나요", "나온",
		"lookup", "search", "listing", "find", "apartment",
	},
	IntentCalculation: {
		"계산", "취득세", "중개수수료", "복비", "대출", "이자",
		"ltv", "dsr", "월 상환", "전월세 전환",
		"calculate", "tax", "fee", "interest", "loan",
	},
	IntentRecommendation: {
		"추천", "어디가 좋", "괜찮은", "살기 좋은", "신혼부부",
		"어울리", "적당한",
		"recommend", "suggest", "best area",
	},
	IntentConsultation: {
		"전세사기", "계약", "법", "보증금", "확정일자", "등기",
		"상담", "어떻게 해야", "임대차", "갱신",
		"contract", "law", "deposit", "advice", "consult",
	},
}

// Entity extraction rules. Prices normalize 억/만원 suffixes to won; areas
// normalize ㎡ to pyeong (1평 = 3.3058㎡).
var (
	reEok     = regexp.MustCompile(`(\d+(?:\.\d+)?)\s*억`)
	reManWon  = regexp.MustCompile(`(\d{1,3}(?:,\d{3})*|\d+)\s*만\s*원?`)
	rePyeong  = regexp.MustCompile(`(\d+(?:\.\d+)?)\s*평`)
	reSquareM = regexp.MustCompile(`(\d+(?:\.\d+)?)\s*(?:㎡|m2|제곱미터)`)
	reDistrict = regexp.MustCompile(`([가-힣]{1,6}(?:구|동|시|읍|면))(?:\s|에|의|,|$)`)
)

var transactionTypes = []string{"매매", "전세", "월세", "단기임대"}

var propertyTypes = []string{"아파트", "오피스텔", "빌라", "원룸", "투룸", "주택", "상가"}

// Well-known region names matched before the generic district pattern.
var knownRegions = []string{
	"강남", "서초", "송파", "마포", "성동", "용산", "종로", "영등포",
	"판교", "분당", "일산", "광교", "동탄", "해운대", "수성",
}

// Analyzer classifies a query into an IntentRecord. The LLM path runs first
// when a caller is available; any failure falls back to the keyword and
// regex rules, which are fully deterministic.
type Analyzer struct {
	llm    *LLMCaller
	cfg    core.IntentConfig
	llmCfg core.LLMConfig
	logger core.Logger
}

// NewAnalyzer creates an analyzer
func NewAnalyzer(llm *LLMCaller, cfg core.IntentConfig, llmCfg core.LLMConfig, logger core.Logger) *Analyzer {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &Analyzer{llm: llm, cfg: cfg, llmCfg: llmCfg, logger: logger}
}

// Analyze produces the IntentRecord for a query. It never returns an error
// for classification trouble; degraded outcomes surface as kind=unclear or
// kind=error records so the planner can route them.
func (a *Analyzer) Analyze(ctx context.Context, query string, carrier *core.ContextCarrier) *IntentRecord {
	trimmed := strings.TrimSpace(query)
	if trimmed == "" {
		return &IntentRecord{Kind: IntentUnclear, Confidence: 0}
	}

	// A configured LLM provider whose credential the carrier does not hold
	// means the LLM path was requested but cannot run
	if a.llmCfg.Provider != "" && a.llmCfg.APIKeyName != "" && carrier != nil && !carrier.HasCredential(a.llmCfg.APIKeyName) {
		return &IntentRecord{
			Kind:      IntentError,
			Reasoning: fmt.Sprintf("credential %q not available", a.llmCfg.APIKeyName),
		}
	}

	if a.llm != nil && a.llm.Available() {
		if record, err := a.analyzeLLM(ctx, trimmed); err == nil {
			if record.Confidence >= a.cfg.MinConfidenceThreshold {
				a.mergeEntities(record, trimmed)
				return record
			}
			a.logger.Debug("LLM intent below confidence threshold, using fallback", map[string]interface{}{
				"operation":  "intent_analyze",
				"confidence": record.Confidence,
			})
		} else {
			a.logger.Warn("LLM intent classification failed, using fallback", map[string]interface{}{
				"operation": "intent_analyze",
				"error":     err.Error(),
			})
		}
	}

	return a.analyzeKeywords(trimmed)
}

func (a *Analyzer) analyzeLLM(ctx context.Context, query string) (*IntentRecord, error) {
	var record IntentRecord
	err := a.llm.CallJSON(ctx, &core.LLMRequest{
		SystemPrompt:   intentSystemPrompt,
		UserPrompt:     query,
		ResponseSchema: intentSchema,
		Model:          a.llmCfg.Models["intent"],
		Temperature:    a.llmCfg.Temperature,
		MaxTokens:      a.llmCfg.MaxTokens,
	}, &record)
	if err != nil {
		return nil, err
	}
	return &record, nil
}

// analyzeKeywords is the deterministic fallback classifier.
func (a *Analyzer) analyzeKeywords(query string) *IntentRecord {
	lowered := strings.ToLower(query)

	best := IntentUnclear
	bestConfidence := 0.0
	var bestKeywords []string

	// Stable iteration so ties resolve the same way every run
	for _, kind := range []IntentKind{IntentSearch, IntentCalculation, IntentRecommendation, IntentConsultation} {
		vocabulary := intentVocabularies[kind]
		var matched []string
		for _, token := range vocabulary {
			if strings.Contains(lowered, token) {
				matched = append(matched, token)
			}
		}
		confidence := float64(len(matched)) / float64(len(vocabulary))
		if confidence > 1 {
			confidence = 1
		}
		if confidence > bestConfidence {
			best = kind
			bestConfidence = confidence
			bestKeywords = matched
		}
	}

	if bestConfidence == 0 {
		entities := extractEntities(query)
		if len(entities) > 0 {
			// Domain entities without intent keywords still mean a domain query
			return &IntentRecord{
				Kind:       IntentSearch,
				Entities:   entities,
				Confidence: 0.3,
				Reasoning:  "entities matched without intent keywords",
			}
		}
		return &IntentRecord{
			Kind:       IntentIrrelevant,
			Confidence: 0,
			Reasoning:  "no domain keywords matched",
		}
	}

	record := &IntentRecord{
		Kind:       best,
		Confidence: bestConfidence,
		Keywords:   bestKeywords,
		Reasoning:  "keyword fallback",
	}
	a.mergeEntities(record, query)
	return record
}

// mergeEntities fills in regex-extracted entities the LLM (or keyword path)
// did not provide. Existing values win.
func (a *Analyzer) mergeEntities(record *IntentRecord, query string) {
	extracted := extractEntities(query)
	if len(extracted) == 0 {
		return
	}
	if record.Entities == nil {
		record.Entities = make(map[string]string, len(extracted))
	}
	for key, value := range extracted {
		if _, exists := record.Entities[key]; !exists {
			record.Entities[key] = value
		}
	}
}

// extractEntities runs the regex rules over the query.
func extractEntities(query string) map[string]string {
	entities := make(map[string]string)

	if price, ok := extractPrice(query); ok {
		entities[EntityPriceRange] = price
	}
	if size, ok := extractSize(query); ok {
		entities[EntitySizeRange] = size
	}
	for _, t := range transactionTypes {
		if strings.Contains(query, t) {
			entities[EntityTransactionType] = t
			break
		}
	}
	for _, t := range propertyTypes {
		if strings.Contains(query, t) {
			entities[EntityPropertyType] = t
			break
		}
	}
	if location, ok := extractLocation(query); ok {
		entities[EntityLocation] = location
	}

	if len(entities) == 0 {
		return nil
	}
	return entities
}

// extractPrice normalizes 억/만원 amounts to won, rendered as digits.
func extractPrice(query string) (string, bool) {
	var total float64
	found := false

	if m := reEok.FindStringSubmatch(query); m != nil {
		if v, err := strconv.ParseFloat(m[1], 64); err == nil {
			total += v * 100_000_000
			found = true
		}
	}
	if m := reManWon.FindStringSubmatch(query); m != nil {
		raw := strings.ReplaceAll(m[1], ",", "")
		if v, err := strconv.ParseFloat(raw, 64); err == nil {
			total += v * 10_000
			found = true
		}
	}
	if !found {
		return "", false
	}
	return strconv.FormatInt(int64(total), 10), true
}

// extractSize normalizes area to pyeong.
func extractSize(query string) (string, bool) {
	if m := rePyeong.FindStringSubmatch(query); m != nil {
		return m[1] + "평", true
	}
	if m := reSquareM.FindStringSubmatch(query); m != nil {
		if v, err := strconv.ParseFloat(m[1], 64); err == nil {
			pyeong := v / 3.3058
			return strconv.FormatFloat(pyeong, 'f', 1, 64) + "평", true
		}
	}
	return "", false
}

func extractLocation(query string) (string, bool) {
	for _, region := range knownRegions {
		if strings.Contains(query, region) {
			return region, true
		}
	}
	if m := reDistrict.FindStringSubmatch(query); m != nil {
		return m[1], true
	}
	return "", false
}
