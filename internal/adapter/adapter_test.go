package adapter

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestConnection(t *testing.T, reg *PollerRegistry, cfg ConnectionConfig) *Connection {
	t.Helper()
	if cfg.Adapter == nil {
		cfg.Adapter = NewEfaAdapter(EfaConfig{LocalIP: "127.0.0.1", Log: zerolog.Nop()})
	}
	cfg.Log = zerolog.Nop()
	conn, err := NewConnection(cfg, reg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Destroy() })
	return conn
}

func TestPollerSharingRequiresHomogeneousConnections(t *testing.T) {
	reg := NewPollerRegistry(zerolog.Nop())
	newTestConnection(t, reg, ConnectionConfig{
		Direction:    DirectionSend,
		DataType:     DataTypeData,
		PollThreadID: 5,
	})

	// A receiver may not share the transmitter's poll goroutine.
	efa := NewEfaAdapter(EfaConfig{LocalIP: "127.0.0.1", Log: zerolog.Nop()})
	_, err := NewConnection(ConnectionConfig{
		Adapter:      efa,
		Direction:    DirectionReceive,
		DataType:     DataTypeData,
		PollThreadID: 5,
		Log:          zerolog.Nop(),
	}, reg)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	// Neither may a control connection.
	sock := NewSocketAdapter(SocketConfig{LocalIP: "127.0.0.1", Log: zerolog.Nop()})
	_, err = NewConnection(ConnectionConfig{
		Adapter:      sock,
		Direction:    DirectionSend,
		DataType:     DataTypeControl,
		PollThreadID: 5,
		Log:          zerolog.Nop(),
	}, reg)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	// A matching connection attaches fine.
	newTestConnection(t, reg, ConnectionConfig{
		Direction:    DirectionSend,
		DataType:     DataTypeData,
		PollThreadID: 5,
	})
}

func TestTxDrainBoundedByTransmitQueueLevel(t *testing.T) {
	const window = 2
	reg := NewPollerRegistry(zerolog.Nop())
	efa := NewEfaAdapter(EfaConfig{LocalIP: "127.0.0.1", Window: window, Log: zerolog.Nop()})
	conn := newTestConnection(t, reg, ConnectionConfig{
		Adapter:      efa,
		Direction:    DirectionSend,
		DataType:     DataTypeData,
		PollThreadID: 6,
	})

	var completions atomic.Int32
	ep, err := conn.OpenEndpoint(EndpointConfig{
		MessageFunc: func(msg PacketMessage) {
			if msg.Type == MessagePacketSent {
				completions.Add(1)
			}
		},
		RemoteAddr: "127.0.0.1",
		Port:       45999,
	})
	require.NoError(t, err)
	require.NoError(t, ep.Start())

	for i := 0; i < window+1; i++ {
		require.NoError(t, ep.EnqueueSend(&Packet{SGL: MakeSGL(make([]byte, 16))}))
	}

	// The window absorbs exactly `window` sends; the next drain attempt must
	// observe a full queue and leave the packet queued.
	for i := 0; i < window; i++ {
		assert.True(t, TxPollProcess(ep), "send %d not drained", i)
	}
	assert.Equal(t, QueueLevelFull, ep.TransmitQueueLevel())
	assert.False(t, TxPollProcess(ep), "drained past a full transmit queue")
	assert.Zero(t, completions.Load(), "completion observed before Poll")

	// Poll drains the completion queue, making room for the final packet.
	assert.True(t, ep.Poll())
	assert.Equal(t, int32(window), completions.Load())
	assert.True(t, TxPollProcess(ep))

	require.Eventually(t, func() bool {
		ep.Poll()
		return completions.Load() == window+1
	}, time.Second, 5*time.Millisecond)
}

func TestEfaSendBeforeStartFailsCompletion(t *testing.T) {
	reg := NewPollerRegistry(zerolog.Nop())
	efa := NewEfaAdapter(EfaConfig{LocalIP: "127.0.0.1", Log: zerolog.Nop()})
	conn := newTestConnection(t, reg, ConnectionConfig{
		Adapter:      efa,
		Direction:    DirectionSend,
		DataType:     DataTypeData,
		PollThreadID: 7,
	})

	var status atomic.Int32
	status.Store(-1)
	ep, err := conn.OpenEndpoint(EndpointConfig{
		MessageFunc: func(msg PacketMessage) {
			if msg.Type == MessagePacketSent {
				status.Store(int32(msg.Packet.Status))
			}
		},
		RemoteAddr: "127.0.0.1",
		Port:       45998,
	})
	require.NoError(t, err)

	err = ep.Send(&Packet{SGL: MakeSGL(make([]byte, 8))}, true)
	assert.ErrorIs(t, err, ErrNotStarted)
	assert.Equal(t, int32(PacketError), status.Load(),
		"failed send must still complete so its work request is reclaimed")
}

func TestEnqueueSendBackpressure(t *testing.T) {
	reg := NewPollerRegistry(zerolog.Nop())
	conn := newTestConnection(t, reg, ConnectionConfig{
		Direction:    DirectionSend,
		DataType:     DataTypeData,
		PollThreadID: 8,
	})
	ep, err := conn.OpenEndpoint(EndpointConfig{RemoteAddr: "127.0.0.1", Port: 45997})
	require.NoError(t, err)

	for i := 0; i < MaxTxPacketBatchesPerConnection; i++ {
		require.NoError(t, ep.EnqueueSend(&Packet{SGL: MakeSGL(make([]byte, 8))}))
	}
	assert.ErrorIs(t, ep.EnqueueSend(&Packet{SGL: MakeSGL(make([]byte, 8))}), ErrQueueFull)

	ep.FlushResources()
	assert.NoError(t, ep.EnqueueSend(&Packet{SGL: MakeSGL(make([]byte, 8))}))
}

func TestEnqueueSendWrongDirection(t *testing.T) {
	reg := NewPollerRegistry(zerolog.Nop())
	conn := newTestConnection(t, reg, ConnectionConfig{
		Direction:    DirectionReceive,
		DataType:     DataTypeData,
		PollThreadID: 9,
	})
	ep, err := conn.OpenEndpoint(EndpointConfig{Port: 45996})
	require.NoError(t, err)

	assert.ErrorIs(t, ep.EnqueueSend(&Packet{}), ErrWrongDirection)
}

func TestSGL(t *testing.T) {
	s := MakeSGL([]byte("abc"), []byte("de"))
	assert.Equal(t, 5, s.TotalSize)
	assert.Equal(t, []byte("abcde"), s.Bytes())

	s.Append([]byte("f"))
	assert.Equal(t, 6, s.TotalSize)
	assert.Equal(t, []byte("abcdef"), s.Bytes())

	s.Reset()
	assert.Zero(t, s.TotalSize)
	assert.Empty(t, s.Bytes())
}

func TestRxEndpointsShareFabricPort(t *testing.T) {
	reg := NewPollerRegistry(zerolog.Nop())
	conn := newTestConnection(t, reg, ConnectionConfig{
		Direction:    DirectionReceive,
		DataType:     DataTypeData,
		PollThreadID: 10,
	})

	// One fabric port serves every transmitter: the endpoint created on
	// demand for a second remote binds the same port as the first.
	ep1, err := conn.OpenEndpoint(EndpointConfig{Port: 45995})
	require.NoError(t, err)
	ep2, err := conn.OpenEndpoint(EndpointConfig{Port: 45995})
	require.NoError(t, err, "second receive endpoint on the shared fabric port")

	p1, err := ep1.Port()
	require.NoError(t, err)
	p2, err := ep2.Port()
	require.NoError(t, err)
	assert.Equal(t, p1, p2)

	require.NoError(t, ep1.Close())
	require.NoError(t, ep2.Close())
}
