package natsclient

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewClientDefaults(t *testing.T) {
	c, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)

	assert.Equal(t, "nats://localhost:4222", c.URL())
	assert.Equal(t, StatusDisconnected, c.Status())
	assert.False(t, c.IsHealthy())
	assert.Equal(t, int32(0), c.Failures())
	assert.Equal(t, time.Second, c.Backoff())
}

func TestClientOptions(t *testing.T) {
	c, err := NewClient("nats://localhost:4222",
		WithName("smartpdc"),
		WithCircuitBreakerThreshold(3),
		WithMaxBackoff(10*time.Second),
		WithTimeout(time.Second),
	)
	require.NoError(t, err)

	assert.Equal(t, "smartpdc", c.clientName)
	assert.Equal(t, int32(3), c.circuitThreshold)
	assert.Equal(t, 10*time.Second, c.maxBackoff)
}

func TestCircuitOpensAfterThreshold(t *testing.T) {
	c, err := NewClient("nats://localhost:4222",
		WithCircuitBreakerThreshold(3))
	require.NoError(t, err)

	c.recordFailure()
	c.recordFailure()
	assert.NotEqual(t, StatusCircuitOpen, c.Status())

	c.recordFailure()
	assert.Equal(t, StatusCircuitOpen, c.Status())
	assert.Equal(t, int32(3), c.Failures())
	// Backoff doubled when the circuit opened
	assert.Equal(t, 2*time.Second, c.Backoff())
}

func TestResetCircuitClearsState(t *testing.T) {
	c, err := NewClient("nats://localhost:4222",
		WithCircuitBreakerThreshold(1))
	require.NoError(t, err)

	c.recordFailure()
	require.Equal(t, StatusCircuitOpen, c.Status())

	c.resetCircuit()
	assert.Equal(t, StatusDisconnected, c.Status())
	assert.Equal(t, int32(0), c.Failures())
	assert.Equal(t, time.Second, c.Backoff())
}

func TestConnectionStatusString(t *testing.T) {
	assert.Equal(t, "disconnected", StatusDisconnected.String())
	assert.Equal(t, "connecting", StatusConnecting.String())
	assert.Equal(t, "connected", StatusConnected.String())
	assert.Equal(t, "reconnecting", StatusReconnecting.String())
	assert.Equal(t, "circuit_open", StatusCircuitOpen.String())
	assert.Equal(t, "unknown", ConnectionStatus(99).String())
}

func TestKVErrorDetection(t *testing.T) {
	assert.True(t, isKVNotFound(stderrors.New("nats: key not found")))
	assert.True(t, isKVNotFound(stderrors.New("err_code=10037")))
	assert.False(t, isKVNotFound(nil))
	assert.False(t, isKVNotFound(stderrors.New("connection refused")))

	assert.True(t, isKVConflict(stderrors.New("wrong last sequence: 12")))
	assert.True(t, isKVConflict(stderrors.New("err_code=10071")))
	assert.False(t, isKVConflict(nil))
	assert.False(t, isKVConflict(stderrors.New("timeout")))
}

func TestPublishRequiresConnection(t *testing.T) {
	c, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)

	assert.ErrorIs(t, c.Publish(context.Background(), "pdc.measurements.1", []byte("x")), ErrNotConnected)
	_, err = c.RTT()
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestWaitForConnectionTimesOut(t *testing.T) {
	c, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.Error(t, c.WaitForConnection(ctx))
}

func TestHealthChangeCallback(t *testing.T) {
	c, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)

	events := make(chan bool, 4)
	c.OnHealthChange(func(healthy bool) { events <- healthy })

	c.handleDisconnect(nil, stderrors.New("link down"))
	assert.False(t, <-events)
	assert.Equal(t, StatusReconnecting, c.Status())

	c.handleReconnect(nil)
	assert.True(t, <-events)
	assert.Equal(t, StatusConnected, c.Status())
	assert.Equal(t, int32(1), c.reconnects.Load())
}
