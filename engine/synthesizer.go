package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/zipsa-ai/zipsa/core"
)

// Synthesis is the user-facing payload produced at the end of a run.
type Synthesis struct {
	Type    ResponseType `json:"type"`
	Answer  string       `json:"answer"`
	Sources []string     `json:"sources,omitempty"`
}

// Guidance templates keyed by language tag. The engine config's language
// selects the set; unknown tags fall back to Korean.
var guidanceTemplates = map[string]struct {
	Irrelevant string
	Unclear    string
	EmptyPlan  string
	Examples   []string
}{
	"ko": {
		Irrelevant: "부동산 관련 질문을 도와드리는 집사입니다. 아래와 같은 질문을 해보세요:",
		Unclear:    "질문을 조금 더 구체적으로 해주시면 정확한 답변을 드릴 수 있어요. 예를 들어:",
		EmptyPlan:  "이 질문에 맞는 정보를 찾지 못했어요. 아래와 같이 질문해 보세요:",
		Examples: []string{
			"강남구 10억 이하 아파트 매물 찾아줘",
			"마포구 전세 시세 알려줘",
			"5억 아파트 살 때 취득세 계산해줘",
			"전세 계약할 때 주의할 점 알려줘",
		},
	},
	"en": {
		Irrelevant: "I'm a real-estate assistant. Try questions like:",
		Unclear:    "Could you make the question more specific? For example:",
		EmptyPlan:  "I couldn't find information for that question. Try asking:",
		Examples: []string{
			"Find apartments under 1B won in Gangnam",
			"What's the jeonse market price in Mapo?",
			"Calculate the acquisition tax for a 500M won apartment",
		},
	},
}

const synthesisSystemPrompt = `You are 집사 (zipsa), a Korean real-estate
assistant. Compose a concise, helpful answer from the collected worker data.
Answer in the user's language. Cite only facts present in the data.`

// Synthesizer turns successful worker results into the final answer. The
// LLM path is an optimization; the deterministic template fallback always
// produces a usable answer.
type Synthesizer struct {
	llm      *LLMCaller
	llmCfg   core.LLMConfig
	language string
	logger   core.Logger
}

// NewSynthesizer creates a synthesizer
func NewSynthesizer(llm *LLMCaller, llmCfg core.LLMConfig, language string, logger core.Logger) *Synthesizer {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &Synthesizer{llm: llm, llmCfg: llmCfg, language: language, logger: logger}
}

func (s *Synthesizer) templates() struct {
	Irrelevant string
	Unclear    string
	EmptyPlan  string
	Examples   []string
} {
	if t, ok := guidanceTemplates[s.language]; ok {
		return t
	}
	return guidanceTemplates["ko"]
}

// Synthesize produces the final payload. events may be nil; when set, the
// answer is re-emitted as word-chunked token events.
func (s *Synthesizer) Synthesize(ctx context.Context, intent *IntentRecord, results map[string]*WorkerResult, events *EventEmitter) *Synthesis {
	t := s.templates()

	switch intent.Kind {
	case IntentIrrelevant:
		return s.guidance(t.Irrelevant, t.Examples, events)
	case IntentUnclear:
		return s.guidance(t.Unclear, t.Examples, events)
	}

	successes := make(map[string]*WorkerResult)
	for name, r := range results {
		if r.Status == StatusSuccess {
			successes[name] = r
		}
	}
	if len(successes) == 0 {
		return s.guidance(t.EmptyPlan, t.Examples, events)
	}

	sources := collectSources(successes)

	if s.llm != nil && s.llm.Available() {
		if answer, err := s.synthesizeLLM(ctx, intent, successes); err == nil && answer != "" {
			emitTokens(events, answer)
			return &Synthesis{Type: ResponseAnswer, Answer: answer, Sources: sources}
		} else if err != nil {
			s.logger.Warn("LLM synthesis failed, using template fallback", map[string]interface{}{
				"operation": "synthesize",
				"error":     err.Error(),
			})
		}
	}

	answer := s.templateAnswer(successes)
	emitTokens(events, answer)
	return &Synthesis{Type: ResponseAnswer, Answer: answer, Sources: sources}
}

func (s *Synthesizer) guidance(message string, examples []string, events *EventEmitter) *Synthesis {
	var sb strings.Builder
	sb.WriteString(message)
	for _, example := range examples {
		sb.WriteString("\n- ")
		sb.WriteString(example)
	}
	answer := sb.String()
	emitTokens(events, answer)
	return &Synthesis{Type: ResponseGuidance, Answer: answer}
}

func (s *Synthesizer) synthesizeLLM(ctx context.Context, intent *IntentRecord, successes map[string]*WorkerResult) (string, error) {
	payloads := make(map[string]interface{}, len(successes))
	for name, r := range successes {
		payloads[name] = r.Payload
	}
	data, err := json.Marshal(payloads)
	if err != nil {
		return "", err
	}

	prompt := fmt.Sprintf("Intent: %s\nEntities: %v\nCollected data:\n%s", intent.Kind, intent.Entities, data)
	return s.llm.CallText(ctx, &core.LLMRequest{
		SystemPrompt:   synthesisSystemPrompt,
		UserPrompt:     prompt,
		Model:          s.llmCfg.Models["synthesizer"],
		Temperature:    s.llmCfg.Temperature,
		MaxTokens:      s.llmCfg.MaxTokens,
		ResponseFormat: "text",
	})
}

// templateAnswer concatenates per-worker summaries in priority-stable name
// order. Workers put a human-readable "summary" field in their payloads;
// payloads without one are rendered compactly.
func (s *Synthesizer) templateAnswer(successes map[string]*WorkerResult) string {
	names := make([]string, 0, len(successes))
	for name := range successes {
		names = append(names, name)
	}
	sort.Strings(names)

	var sb strings.Builder
	for _, name := range names {
		r := successes[name]
		summary := payloadSummary(r.Payload)
		if summary == "" {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString(summary)
	}
	if sb.Len() == 0 {
		return s.templates().EmptyPlan
	}
	return sb.String()
}

func payloadSummary(payload map[string]interface{}) string {
	if payload == nil {
		return ""
	}
	if summary, ok := payload["summary"].(string); ok && summary != "" {
		return summary
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return ""
	}
	return string(data)
}

func collectSources(successes map[string]*WorkerResult) []string {
	seen := make(map[string]bool)
	var sources []string
	for _, name := range sortedNames(successes) {
		for _, src := range successes[name].Sources {
			if !seen[src] {
				seen[src] = true
				sources = append(sources, src)
			}
		}
	}
	return sources
}

// emitTokens streams the answer as word-chunked token events.
func emitTokens(events *EventEmitter, answer string) {
	if events == nil {
		return
	}
	for _, word := range strings.Fields(answer) {
		events.Emit(EventToken, "", word+" ", nil)
	}
}
