package engine

import (
	"fmt"
	"sort"

	"github.com/zipsa-ai/zipsa/core"
)

// Evaluation is the evaluator's verdict over one scheduling pass.
type Evaluation struct {
	QualityScore   float64  `json:"quality_score"`
	NeedsRetry     bool     `json:"needs_retry"`
	RetryWorkerSet []string `json:"retry_worker_set,omitempty"`
	Notes          []string `json:"notes,omitempty"`
}

// Evaluator scores aggregated worker results and decides between retry and
// completion. Fully rule-based and deterministic.
type Evaluator struct {
	cfg        core.EvaluatorConfig
	maxRetries int
	logger     core.Logger
}

// NewEvaluator creates an evaluator
func NewEvaluator(cfg core.EvaluatorConfig, maxRetries int, logger core.Logger) *Evaluator {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &Evaluator{cfg: cfg, maxRetries: maxRetries, logger: logger}
}

// Evaluate computes the quality score and retry decision.
//
//	quality_score  = priority-weighted mean of successful confidences
//	needs_retry    = (failures exist OR quality below threshold with a
//	                 low-confidence worker) AND retry_count < max_retries
//	retry set      = failed workers plus workers below the low-confidence
//	                 threshold, excluding unavailable workers
//
// retryCount must be freshly read from checkpointed state by the caller so
// resumption cannot produce runaway loops.
func (e *Evaluator) Evaluate(plan *ExecutionPlan, results map[string]*WorkerResult, retryCount int) *Evaluation {
	eval := &Evaluation{}

	var weightedSum, weightTotal float64
	var lowConfidence []string
	var failed []string

	for _, name := range sortedNames(results) {
		result := results[name]
		switch result.Status {
		case StatusSuccess:
			weight := 1.0
			if step := plan.StepFor(name); step != nil && step.Priority > 0 {
				weight = float64(step.Priority)
			}
			weightedSum += result.Confidence * weight
			weightTotal += weight
			if result.Confidence < e.cfg.LowConfidenceThreshold {
				lowConfidence = append(lowConfidence, name)
				eval.Notes = append(eval.Notes,
					fmt.Sprintf("%s confidence %.2f below threshold %.2f", name, result.Confidence, e.cfg.LowConfidenceThreshold))
			}
		case StatusFailed, StatusTimeout:
			// Unavailable workers never retry; re-running cannot help
			if result.SkipReason == SkipWorkerNotAvailable {
				eval.Notes = append(eval.Notes, fmt.Sprintf("%s not available", name))
				continue
			}
			failed = append(failed, name)
			eval.Notes = append(eval.Notes, fmt.Sprintf("%s %s: %s", name, result.Status, result.Error))
		}
	}

	if weightTotal > 0 {
		eval.QualityScore = weightedSum / weightTotal
	}

	retryBudgetLeft := retryCount < e.maxRetries
	if len(failed) > 0 && retryBudgetLeft {
		eval.NeedsRetry = true
	}
	if eval.QualityScore < e.cfg.MinQualityThreshold && len(lowConfidence) > 0 && retryBudgetLeft {
		eval.NeedsRetry = true
	}

	if eval.NeedsRetry {
		// The retry pass re-runs every weak result, not just the trigger:
		// failed workers plus all low-confidence successes
		retrySet := make(map[string]bool)
		for _, name := range failed {
			retrySet[name] = true
		}
		for _, name := range lowConfidence {
			retrySet[name] = true
		}
		for name := range retrySet {
			eval.RetryWorkerSet = append(eval.RetryWorkerSet, name)
		}
		sort.Strings(eval.RetryWorkerSet)
	}

	e.logger.Debug("Evaluation complete", map[string]interface{}{
		"operation":     "evaluate",
		"quality_score": eval.QualityScore,
		"needs_retry":   eval.NeedsRetry,
		"retry_set":     eval.RetryWorkerSet,
		"retry_count":   retryCount,
	})
	return eval
}

func sortedNames(results map[string]*WorkerResult) []string {
	names := make([]string, 0, len(results))
	for name := range results {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
