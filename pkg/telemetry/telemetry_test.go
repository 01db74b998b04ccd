package telemetry

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	internaltelemetry "github.com/sushant-115/gojotxn/internal/telemetry"
)

func TestNew_DisabledIsNoop(t *testing.T) {
	tel, shutdown, err := New(Config{})
	require.NoError(t, err)
	assert.Nil(t, tel.MeterProvider)
	assert.Nil(t, tel.Registry)

	metrics, err := internaltelemetry.NewTxnMetrics(tel.Meter)
	require.NoError(t, err)
	metrics.BeginCounter.Add(context.Background(), 1)
	assert.NoError(t, shutdown(context.Background()))
}

func TestNew_ExportsToPrivateRegistry(t *testing.T) {
	tel, shutdown, err := New(Config{Enabled: true, ServiceName: "gojotxn-test"})
	require.NoError(t, err)
	defer shutdown(context.Background())

	metrics, err := internaltelemetry.NewTxnMetrics(tel.Meter)
	require.NoError(t, err)
	metrics.BeginCounter.Add(context.Background(), 3)

	families, err := tel.Registry.Gather()
	require.NoError(t, err)
	found := false
	for _, mf := range families {
		if strings.HasPrefix(mf.GetName(), "gojotxn_txn_begin") {
			found = true
			require.NotEmpty(t, mf.GetMetric())
			assert.Equal(t, 3.0, mf.GetMetric()[0].GetCounter().GetValue())
		}
	}
	assert.True(t, found, "begin counter exported")

	// A second instance must not collide with the first.
	_, shutdown2, err := New(Config{Enabled: true})
	require.NoError(t, err)
	assert.NoError(t, shutdown2(context.Background()))
}
