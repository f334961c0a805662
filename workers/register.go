package workers

import (
	"time"

	"github.com/zipsa-ai/zipsa/core"
	"github.com/zipsa-ai/zipsa/engine"
)

// RegisterAll registers the built-in workers with their default priorities
// and timeouts. Priorities mirror the planner's rule ordering so sequential
// plans run search-class workers before advisory ones.
func RegisterAll(registry *engine.Registry, logger core.Logger) error {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}

	entries := []struct {
		worker engine.Worker
		config engine.WorkerConfig
	}{
		{NewSearchWorker(logger), engine.WorkerConfig{Priority: 1, Timeout: 10 * time.Second, Description: "매물 검색"}},
		{NewPriceWorker(logger), engine.WorkerConfig{Priority: 2, Timeout: 8 * time.Second, Description: "시세 조회"}},
		{NewCalculationWorker(logger), engine.WorkerConfig{Priority: 2, Timeout: 5 * time.Second, Description: "세금·수수료 계산"}},
		{NewFinanceWorker(logger), engine.WorkerConfig{Priority: 3, Timeout: 8 * time.Second, Description: "대출·금융 분석"}},
		{NewLawWorker(logger), engine.WorkerConfig{Priority: 4, Timeout: 8 * time.Second, Description: "임대차 법률 안내"}},
		{NewLocationWorker(logger), engine.WorkerConfig{Priority: 5, Timeout: 8 * time.Second, Description: "입지 분석"}},
	}

	for _, e := range entries {
		if err := registry.Register(e.worker, e.config); err != nil {
			return err
		}
	}
	return nil
}
