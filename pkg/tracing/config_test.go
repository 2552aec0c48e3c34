package tracing

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetup_DisabledReturnsNil(t *testing.T) {
	tp, err := Setup(DefaultConfig())
	require.NoError(t, err)
	assert.Nil(t, tp)

	tp, err = Setup(nil)
	require.NoError(t, err)
	assert.Nil(t, tp)

	assert.NoError(t, Shutdown(context.Background(), nil))
}

func TestSampler(t *testing.T) {
	assert.Contains(t, Sampler(1).Description(), "AlwaysOnSampler")
	assert.Contains(t, Sampler(0).Description(), "AlwaysOffSampler")
	assert.Contains(t, Sampler(0.25).Description(), "TraceIDRatioBased{0.25}")
}

func TestSetup_Enabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = true
	cfg.ServiceName = "mixcache-test"
	cfg.ExtraAttributes = map[string]string{"region": "test"}

	tp, err := Setup(cfg)
	require.NoError(t, err)
	require.NotNil(t, tp)
	assert.NoError(t, Shutdown(context.Background(), tp))
}

func TestSetup_ExportsToAgent(t *testing.T) {
	agent, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer agent.Close()

	cfg := DefaultConfig()
	cfg.Enabled = true
	cfg.SamplingRate = 1
	cfg.AgentEndpoint = agent.LocalAddr().String()

	tp, err := Setup(cfg)
	require.NoError(t, err)
	defer func() { _ = Shutdown(context.Background(), tp) }()

	_, span := tp.Tracer("test").Start(context.Background(), "redis.get")
	span.End()
	require.NoError(t, tp.ForceFlush(context.Background()))

	buf := make([]byte, 65000)
	require.NoError(t, agent.SetReadDeadline(time.Now().Add(5*time.Second)))
	n, _, err := agent.ReadFrom(buf)
	require.NoError(t, err)
	assert.Positive(t, n)
}

func TestAgentOptions(t *testing.T) {
	opts, err := agentOptions("jaeger:6831")
	require.NoError(t, err)
	assert.Len(t, opts, 2)

	opts, err = agentOptions("jaeger")
	require.NoError(t, err)
	assert.Len(t, opts, 1)

	opts, err = agentOptions("")
	require.NoError(t, err)
	assert.Empty(t, opts)

	_, err = agentOptions("jaeger:6831:1")
	assert.Error(t, err)
}
