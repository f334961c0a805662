package workers

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zipsa-ai/zipsa/engine"
)

func TestRegisterAll(t *testing.T) {
	registry := engine.NewRegistry(nil)
	require.NoError(t, RegisterAll(registry, nil))

	// Priority ascending, name breaking the price/calculation tie
	assert.Equal(t, []string{
		engine.WorkerSearch,
		engine.WorkerCalculation,
		engine.WorkerPrice,
		engine.WorkerFinance,
		engine.WorkerLaw,
		engine.WorkerLocation,
	}, registry.AvailableNames())

	infos := registry.ListWorkers()
	require.Len(t, infos, 6)
	for _, info := range infos {
		assert.NotEmptyf(t, info.Description, "worker %s", info.Name)
		assert.Positivef(t, info.Timeout, "worker %s", info.Name)
	}
}
