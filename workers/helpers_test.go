package workers

import (
	"github.com/zipsa-ai/zipsa/core"
	"github.com/zipsa-ai/zipsa/engine"
)

func workerInput(params map[string]interface{}, collected map[string]*engine.WorkerResult) *engine.WorkerInput {
	return &engine.WorkerInput{
		Query:         "테스트 질의",
		OriginalQuery: "테스트 질의",
		Parameters:    params,
		CollectedData: collected,
		Context:       core.NewContextCarrier("user-1", "session-1", "", "테스트 질의"),
	}
}

func priceResult(region string, averageWon int64) *engine.WorkerResult {
	return &engine.WorkerResult{
		WorkerName: engine.WorkerPrice,
		Status:     engine.StatusSuccess,
		Payload: map[string]interface{}{
			"region":      region,
			"average_won": averageWon,
		},
	}
}
