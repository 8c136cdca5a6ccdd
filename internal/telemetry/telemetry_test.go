package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/capmesh/capmesh/config"
)

func TestInitDisabledIsNoop(t *testing.T) {
	p, err := Init(config.TelemetryConfig{Enabled: false}, Identity{NodeID: "agent-1"}, zap.NewNop())
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestNodeResourceCarriesIdentity(t *testing.T) {
	res, err := nodeResource(context.Background(),
		config.TelemetryConfig{ServiceName: "capmesh"},
		Identity{NodeID: "agent-1", ComponentType: "SPECIALIZED_AGENT"},
	)
	require.NoError(t, err)

	attrs := map[string]string{}
	for _, kv := range res.Attributes() {
		attrs[string(kv.Key)] = kv.Value.Emit()
	}
	assert.Equal(t, "capmesh", attrs["service.name"])
	assert.Equal(t, "agent-1", attrs["service.instance.id"])
	assert.Equal(t, "SPECIALIZED_AGENT", attrs["capmesh.component_type"])
}
