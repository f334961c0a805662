package engine

import (
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/zipsa-ai/zipsa/core"
)

// Domain worker names referenced by the plan rule table. The registry may
// hold any subset; rules only select among available workers.
const (
	WorkerSearch      = "search"
	WorkerPrice       = "price"
	WorkerFinance     = "finance"
	WorkerLaw         = "law"
	WorkerLocation    = "location"
	WorkerCalculation = "calculation"
)

// planRule selects one candidate worker. A rule fires when the intent kind
// is listed AND (the rule is unconditional, one of its entities is present,
// or one of its keyword tokens occurs in the query).
type planRule struct {
	Worker   string
	Priority int
	Kinds    []IntentKind
	Entities []string
	Keywords []string
	Always   bool
}

// The rule table is ordered by priority; ties between fired rules keep
// table order. Dependencies between selected workers are declared
// separately in stepDependencies.
var planRules = []planRule{
	{Worker: WorkerSearch, Priority: 1, Kinds: []IntentKind{IntentSearch, IntentRecommendation}, Always: true},
	{Worker: WorkerPrice, Priority: 2,
		Kinds:    []IntentKind{IntentSearch, IntentRecommendation, IntentCalculation, IntentConsultation},
		Entities: []string{EntityPriceRange, EntityPropertyType, EntityTransactionType},
		Keywords: []string{"시세", "가격", "얼마", "price"}},
	{Worker: WorkerFinance, Priority: 3,
		Kinds:    []IntentKind{IntentSearch, IntentCalculation, IntentConsultation, IntentRecommendation},
		Keywords: []string{"대출", "이자", "금리", "ltv", "dsr", "loan", "finance", "자금"}},
	{Worker: WorkerLaw, Priority: 4,
		Kinds:    []IntentKind{IntentConsultation, IntentSearch, IntentCalculation},
		Keywords: []string{"법", "계약", "전세사기", "보증금", "임대차", "확정일자", "등기", "legal", "law"}},
	{Worker: WorkerLocation, Priority: 5,
		Kinds:    []IntentKind{IntentSearch, IntentRecommendation, IntentConsultation},
		Entities: []string{EntityLocation},
		Keywords: []string{"교통", "학군", "인프라", "주변", "역세권", "transit"}},
	{Worker: WorkerCalculation, Priority: 2, Kinds: []IntentKind{IntentCalculation}, Always: true},
}

// stepDependencies declares which workers consume which payloads. Edges are
// applied only between workers that made it into the plan.
var stepDependencies = map[string][]string{
	WorkerFinance: {WorkerPrice},
	WorkerLaw:     {WorkerPrice, WorkerFinance},
}

// Planner turns an IntentRecord into an ExecutionPlan using the rule table.
// Planning is fully deterministic; no LLM involvement.
type Planner struct {
	registry *Registry
	cfg      core.EngineConfig
	retryCfg core.RetryConfig
	logger   core.Logger
}

// NewPlanner creates a planner over the given registry
func NewPlanner(registry *Registry, cfg core.EngineConfig, retryCfg core.RetryConfig, logger core.Logger) *Planner {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &Planner{registry: registry, cfg: cfg, retryCfg: retryCfg, logger: logger}
}

// Plan produces the execution plan for an intent. Guidance-only intents
// (irrelevant, unclear, error) yield an empty plan: the engine routes those
// straight to the synthesizer.
func (p *Planner) Plan(intent *IntentRecord, query string) *ExecutionPlan {
	plan := &ExecutionPlan{
		PlanID:    uuid.New().String(),
		CreatedAt: time.Now(),
	}

	switch intent.Kind {
	case IntentIrrelevant, IntentUnclear, IntentError:
		plan.Strategy = StrategySequential
		return plan
	}

	candidates := p.selectWorkers(intent, query)
	if len(candidates) == 0 {
		plan.Strategy = StrategySequential
		return plan
	}

	// Cap at max workers, preserving priority order
	maxWorkers := p.cfg.MaxWorkersPerPlan
	if maxWorkers > 0 && len(candidates) > maxWorkers {
		candidates = candidates[:maxWorkers]
	}

	selected := make(map[string]bool, len(candidates))
	for _, c := range candidates {
		selected[c.Worker] = true
	}

	for i, c := range candidates {
		step := PlanStep{
			StepID:     c.Worker,
			WorkerName: c.Worker,
			Parameters: parametersFor(intent),
			Priority:   c.Priority,
			Order:      i,
		}
		for _, dep := range stepDependencies[c.Worker] {
			if selected[dep] {
				step.DependsOn = append(step.DependsOn, dep)
			}
		}
		step.Timeout, step.Retry = p.stepPolicy(c.Worker)
		plan.Steps = append(plan.Steps, step)
	}

	plan.Strategy = p.decideStrategy(plan, intent, query)
	p.applyTimeoutScaling(plan)

	// DAG plans must topologically sort; on failure degrade to Sequential
	// with dependencies stripped
	if plan.Strategy == StrategyDAG {
		if _, err := TopologicalWaves(plan.Steps); err != nil {
			p.logger.Error("Plan dependency cycle, degrading to sequential", map[string]interface{}{
				"operation": "plan_validate",
				"plan_id":   plan.PlanID,
				"error":     err.Error(),
			})
			for i := range plan.Steps {
				plan.Steps[i].DependsOn = nil
			}
			plan.Strategy = StrategySequential
		}
	}

	p.logger.Info("Execution plan created", map[string]interface{}{
		"operation": "plan_create",
		"plan_id":   plan.PlanID,
		"strategy":  string(plan.Strategy),
		"steps":     len(plan.Steps),
	})
	return plan
}

type candidate struct {
	Worker   string
	Priority int
}

func (p *Planner) selectWorkers(intent *IntentRecord, query string) []candidate {
	available := make(map[string]bool)
	for _, name := range p.registry.AvailableNames() {
		available[name] = true
	}

	lowered := strings.ToLower(query)
	var out []candidate
	chosen := make(map[string]bool)

	for _, rule := range planRules {
		if chosen[rule.Worker] || !available[rule.Worker] {
			continue
		}
		if !kindListed(rule.Kinds, intent.Kind) {
			continue
		}
		if !rule.Always && !entityPresent(rule.Entities, intent.Entities) && !keywordPresent(rule.Keywords, lowered) {
			continue
		}
		out = append(out, candidate{Worker: rule.Worker, Priority: rule.Priority})
		chosen[rule.Worker] = true
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority < out[j].Priority })
	return out
}

func kindListed(kinds []IntentKind, kind IntentKind) bool {
	for _, k := range kinds {
		if k == kind {
			return true
		}
	}
	return false
}

func entityPresent(names []string, entities map[string]string) bool {
	for _, name := range names {
		if _, ok := entities[name]; ok {
			return true
		}
	}
	return false
}

func keywordPresent(keywords []string, loweredQuery string) bool {
	for _, kw := range keywords {
		if strings.Contains(loweredQuery, kw) {
			return true
		}
	}
	return false
}

func parametersFor(intent *IntentRecord) map[string]interface{} {
	params := make(map[string]interface{}, len(intent.Entities)+1)
	for key, value := range intent.Entities {
		params[key] = value
	}
	params["intent_kind"] = string(intent.Kind)
	return params
}

// decideStrategy per the planning rules: single step runs Sequential; steps
// with dependency edges need DAG; independent multi-step plans run Parallel
// for complex queries and Sequential for simple ones.
func (p *Planner) decideStrategy(plan *ExecutionPlan, intent *IntentRecord, query string) Strategy {
	if len(plan.Steps) <= 1 {
		return StrategySequential
	}
	for _, step := range plan.Steps {
		if len(step.DependsOn) > 0 {
			return StrategyDAG
		}
	}
	if isComplex(intent, query) {
		return StrategyParallel
	}
	return StrategySequential
}

// isComplex approximates query complexity: multiple extracted entities or a
// long query text signal a multi-facet question worth parallel fan-out.
func isComplex(intent *IntentRecord, query string) bool {
	return len(intent.Entities) >= 2 || len([]rune(query)) > 20
}

func (p *Planner) stepPolicy(workerName string) (time.Duration, RetryPolicy) {
	timeout := p.cfg.PerStepDefaultTimeout

	retry := RetryPolicy{
		MaxRetries:   p.cfg.MaxRetries,
		Backoff:      resilienceBackoff(p.retryCfg.BackoffKind),
		InitialDelay: p.retryCfg.InitialDelay,
		MaxDelay:     p.retryCfg.MaxDelay,
	}

	if _, config, err := p.registry.Get(workerName); err == nil {
		if config.Timeout > 0 {
			timeout = config.Timeout
		}
		if config.Retry != nil {
			retry = *config.Retry
		}
	}
	return timeout, retry
}

// applyTimeoutScaling implements the contention adjustments: Parallel steps
// get x1.2 headroom; Sequential plans whose summed timeouts exceed the
// budget are compressed proportionally.
func (p *Planner) applyTimeoutScaling(plan *ExecutionPlan) {
	switch plan.Strategy {
	case StrategyParallel:
		for i := range plan.Steps {
			plan.Steps[i].Timeout = time.Duration(float64(plan.Steps[i].Timeout) * 1.2)
		}
	case StrategySequential:
		budget := p.cfg.SequentialBudget
		if budget <= 0 {
			return
		}
		var sum time.Duration
		for _, step := range plan.Steps {
			sum += step.Timeout
		}
		if sum > budget {
			ratio := float64(budget) / float64(sum)
			for i := range plan.Steps {
				plan.Steps[i].Timeout = time.Duration(float64(plan.Steps[i].Timeout) * ratio)
			}
		}
	}
}
