package endpoint

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yuuki/efastream/internal/adapter"
	"github.com/yuuki/efastream/internal/protocol"
)

func newTestManager(t *testing.T, cfg Config) *Manager {
	t.Helper()
	cfg.Log = zerolog.Nop()
	if cfg.ConnectionName == "" {
		cfg.ConnectionName = t.Name()
	}
	m := NewManager(cfg)
	t.Cleanup(m.Shutdown)
	return m
}

// newAdapterEndpoint opens a real transport endpoint on loopback so status
// bookkeeping and shutdown signals behave as in production.
func newAdapterEndpoint(t *testing.T, reg *adapter.PollerRegistry, pollID int) *adapter.Endpoint {
	t.Helper()
	efa := adapter.NewEfaAdapter(adapter.EfaConfig{LocalIP: "127.0.0.1", Log: zerolog.Nop()})
	conn, err := adapter.NewConnection(adapter.ConnectionConfig{
		Adapter:      efa,
		Direction:    adapter.DirectionSend,
		DataType:     adapter.DataTypeData,
		PollThreadID: pollID,
		Log:          zerolog.Nop(),
	}, reg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Destroy() })

	ae, err := conn.OpenEndpoint(adapter.EndpointConfig{RemoteAddr: "127.0.0.1", Port: 9})
	require.NoError(t, err)
	return ae
}

func TestCommandsDeferredUntilThreadsPark(t *testing.T) {
	m := newTestManager(t, Config{Direction: adapter.DirectionSend})
	ep, err := m.TxCreateEndpoint("stream", "10.0.0.1", 9000)
	require.NoError(t, err)

	flushed := make(chan struct{})
	var flushOnce sync.Once
	ep.SetHooks(nil, nil, func() { flushOnce.Do(func() { close(flushed) }) })

	m.ThreadRegister()
	m.QueueEndpointReset(ep)
	assert.True(t, m.NotificationSignal().IsSet())

	// The only registered goroutine has not parked, so the command must
	// stay queued.
	select {
	case <-flushed:
		t.Fatal("reset processed while a registered goroutine was still running")
	case <-time.After(50 * time.Millisecond):
	}

	m.ThreadWait()
	select {
	case <-flushed:
	default:
		t.Fatal("reset not processed after rendezvous completed")
	}
}

func TestResetExcludesRunningThreads(t *testing.T) {
	const threads = 4
	m := newTestManager(t, Config{Direction: adapter.DirectionSend})
	ep, err := m.TxCreateEndpoint("stream", "10.0.0.1", 9000)
	require.NoError(t, err)

	// The flush hook mutates two counters non-atomically. A registered
	// goroutine observing them mid-update means a reset ran while that
	// goroutine was still touching endpoint resources.
	var lo, hi atomic.Int64
	ep.SetHooks(nil, nil, func() {
		lo.Add(1)
		time.Sleep(2 * time.Millisecond)
		hi.Add(1)
	})

	stop := make(chan struct{})
	var torn atomic.Bool
	var wg sync.WaitGroup
	for i := 0; i < threads; i++ {
		m.ThreadRegister()
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				case <-m.NotificationSignal().C():
					m.ThreadWait()
				default:
					if lo.Load() != hi.Load() {
						torn.Store(true)
					}
					time.Sleep(100 * time.Microsecond)
				}
			}
		}()
	}

	const resets = 20
	for i := 0; i < resets; i++ {
		m.QueueEndpointReset(ep)
		require.Eventually(t, func() bool { return hi.Load() == int64(i+1) },
			2*time.Second, time.Millisecond)
	}

	// The notification signal stays set until a rendezvous round finds the
	// queues empty; wait for that round before releasing the goroutines.
	require.Eventually(t, func() bool { return !m.NotificationSignal().IsSet() },
		2*time.Second, time.Millisecond)
	close(stop)
	wg.Wait()

	assert.False(t, torn.Load(), "flush observed while registered goroutines were running")
	assert.Equal(t, int64(resets), lo.Load())
}

func TestResetRunsFlushBeforeResetDone(t *testing.T) {
	m := newTestManager(t, Config{Direction: adapter.DirectionSend})
	ep, err := m.TxCreateEndpoint("stream", "10.0.0.1", 9000)
	require.NoError(t, err)

	var mu sync.Mutex
	var order []string
	record := func(step string) func() {
		return func() {
			mu.Lock()
			order = append(order, step)
			mu.Unlock()
		}
	}
	ep.SetHooks(record("resetDone"), record("start"), record("flush"))

	m.ThreadRegister()
	m.QueueEndpointReset(ep)
	m.ThreadWait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"flush", "resetDone"}, order)
}

func TestStartCommandInvokesStartHook(t *testing.T) {
	m := newTestManager(t, Config{Direction: adapter.DirectionSend})
	ep, err := m.TxCreateEndpoint("stream", "10.0.0.1", 9000)
	require.NoError(t, err)

	started := make(chan struct{})
	ep.SetHooks(nil, func() { close(started) }, nil)

	m.ThreadRegister()
	m.QueueEndpointStart(ep)
	m.ThreadWait()

	select {
	case <-started:
	default:
		t.Fatal("start hook not invoked")
	}
}

func TestTxEndpointReusedForSameRemote(t *testing.T) {
	m := newTestManager(t, Config{Direction: adapter.DirectionSend})

	ep1, err := m.TxCreateEndpoint("stream-a", "10.0.0.1", 9000)
	require.NoError(t, err)
	ep2, err := m.TxCreateEndpoint("stream-b", "10.0.0.1", 9000)
	require.NoError(t, err)
	assert.Same(t, ep1, ep2, "streams to the same remote share one endpoint")
	assert.Equal(t, 1, m.Count())

	ep3, err := m.TxCreateEndpoint("stream-c", "10.0.0.1", 9001)
	require.NoError(t, err)
	assert.NotSame(t, ep1, ep3)
	assert.Equal(t, 2, m.Count())
}

func TestEndpointLimit(t *testing.T) {
	m := newTestManager(t, Config{Direction: adapter.DirectionReceive})
	for i := 0; i < adapter.MaxEndpointsPerConnection; i++ {
		_, err := m.RxCreateEndpoint("stream", fmt.Sprintf("10.0.0.%d", i+1), 9000)
		require.NoError(t, err)
	}
	_, err := m.RxCreateEndpoint("stream", "10.0.1.1", 9000)
	assert.Error(t, err)
}

func TestEndpointWalk(t *testing.T) {
	m := newTestManager(t, Config{Direction: adapter.DirectionReceive})
	ep1, err := m.RxCreateEndpoint("s", "10.0.0.1", 9000)
	require.NoError(t, err)
	ep2, err := m.RxCreateEndpoint("s", "10.0.0.2", 9000)
	require.NoError(t, err)

	assert.Same(t, ep1, m.NextEndpoint(nil))
	assert.Same(t, ep1, m.FirstEndpoint())
	assert.Same(t, ep2, m.NextEndpoint(ep1))
	assert.Nil(t, m.NextEndpoint(ep2))

	other := newEndpoint(m, "s", "10.0.0.3", 9000)
	assert.Nil(t, m.NextEndpoint(other), "removed endpoint ends the walk")
}

func TestStateChangeDeduplicated(t *testing.T) {
	var mu sync.Mutex
	var events []StateChangeEvent
	m := newTestManager(t, Config{
		Direction: adapter.DirectionSend,
		StateChange: func(ev StateChangeEvent) {
			mu.Lock()
			events = append(events, ev)
			mu.Unlock()
		},
	})
	reg := adapter.NewPollerRegistry(zerolog.Nop())

	ep, err := m.TxCreateEndpoint("stream", "10.0.0.1", 9000)
	require.NoError(t, err)
	ep.SetAdapterEndpoint(newAdapterEndpoint(t, reg, 100))
	ep.SetProtocol(protocol.New(protocol.CurrentVersion()))

	m.ConnectionStateChange(ep, adapter.StatusConnected, "")
	m.ConnectionStateChange(ep, adapter.StatusConnected, "")
	m.ConnectionStateChange(ep, adapter.StatusDisconnected, "keep alive timeout")
	m.ConnectionStateChange(ep, adapter.StatusDisconnected, "keep alive timeout")

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, events, 2)
	assert.Equal(t, adapter.StatusConnected, events[0].Status)
	require.NotNil(t, events[0].Negotiated)
	assert.Equal(t, protocol.CurrentVersion(), *events[0].Negotiated)
	assert.Equal(t, "10.0.0.1", events[0].RemoteIP)
	assert.Equal(t, 9000, events[0].RemotePort)
	assert.Equal(t, adapter.StatusDisconnected, events[1].Status)
	assert.Equal(t, "keep alive timeout", events[1].Cause)
}

func TestNotificationClearsAfterCommandBatch(t *testing.T) {
	m := newTestManager(t, Config{Direction: adapter.DirectionSend})
	ep, err := m.TxCreateEndpoint("stream", "10.0.0.1", 9000)
	require.NoError(t, err)

	flushes := make(chan struct{}, 4)
	ep.SetHooks(nil, nil, func() { flushes <- struct{}{} })

	m.ThreadRegister()
	m.ThreadRegister()

	batch := func() {
		var wg sync.WaitGroup
		for i := 0; i < 2; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				m.ThreadWait()
			}()
		}
		done := make(chan struct{})
		go func() { wg.Wait(); close(done) }()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("rendezvous stalled")
		}
	}

	m.QueueEndpointReset(ep)
	batch()
	<-flushes

	assert.False(t, m.NotificationSignal().IsSet(),
		"notification signal still set after command batch completed")

	// The next command starts a fresh cycle, not a phantom continuation of
	// the previous one.
	m.QueueEndpointReset(ep)
	require.True(t, m.NotificationSignal().IsSet())
	batch()
	select {
	case <-flushes:
	default:
		t.Fatal("second reset not processed")
	}
	assert.False(t, m.NotificationSignal().IsSet())
}

func TestConnectedDowngradedUntilAllEndpointsConnect(t *testing.T) {
	var mu sync.Mutex
	var events []StateChangeEvent
	m := newTestManager(t, Config{
		Direction: adapter.DirectionReceive,
		StateChange: func(ev StateChangeEvent) {
			mu.Lock()
			events = append(events, ev)
			mu.Unlock()
		},
	})
	reg := adapter.NewPollerRegistry(zerolog.Nop())

	ep1, err := m.RxCreateEndpoint("s", "10.0.0.1", 9000)
	require.NoError(t, err)
	ep1.SetAdapterEndpoint(newAdapterEndpoint(t, reg, 101))
	ep2, err := m.RxCreateEndpoint("s", "10.0.0.2", 9000)
	require.NoError(t, err)
	ep2.SetAdapterEndpoint(newAdapterEndpoint(t, reg, 101))

	// The first endpoint's connect is reported, but downgraded: the
	// connection is not up until every endpoint is.
	m.ConnectionStateChange(ep1, adapter.StatusConnected, "")
	mu.Lock()
	require.Len(t, events, 1)
	assert.Equal(t, adapter.StatusDisconnected, events[0].Status,
		"connection-level status downgraded while a sibling is unconnected")
	assert.NotEmpty(t, events[0].Cause)
	events = events[:0]
	mu.Unlock()
	assert.Equal(t, adapter.StatusConnected, ep1.Status(), "endpoint-level status still records connected")

	m.ConnectionStateChange(ep2, adapter.StatusConnected, "")
	mu.Lock()
	require.Len(t, events, 1)
	assert.Equal(t, adapter.StatusConnected, events[0].Status)
	events = events[:0]
	mu.Unlock()

	// A receive-side disconnect is suppressed while sibling endpoints
	// still carry traffic; the status itself is recorded.
	m.ConnectionStateChange(ep1, adapter.StatusDisconnected, "ping timeout")
	mu.Lock()
	assert.Empty(t, events)
	mu.Unlock()
	assert.Equal(t, adapter.StatusDisconnected, ep1.Status())
}

func TestEndpointDestroyViaPollGoroutine(t *testing.T) {
	var mu sync.Mutex
	closed := map[*Endpoint]int{}
	m := newTestManager(t, Config{
		Direction: adapter.DirectionReceive,
		CloseEndpoint: func(ep *Endpoint) {
			mu.Lock()
			closed[ep]++
			mu.Unlock()
		},
	})

	ep, err := m.RxCreateEndpoint("s", "10.0.0.1", 9000)
	require.NoError(t, err)

	// Simulated data poll goroutine: walks the endpoint list and reclaims
	// queued destroys between cycles.
	m.ThreadRegister()
	pollDone := make(chan struct{})
	go func() {
		defer close(pollDone)
		var cur *Endpoint
		for {
			if m.ShutdownSignal().IsSet() {
				m.PollThreadExit()
				return
			}
			cur, _ = m.Poll(cur)
			if cur == nil {
				time.Sleep(time.Millisecond)
			}
		}
	}()

	done := make(chan struct{})
	go func() {
		m.EndpointDestroy(ep)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("EndpointDestroy did not complete")
	}
	assert.Equal(t, 0, m.Count())
	mu.Lock()
	assert.Equal(t, 1, closed[ep])
	mu.Unlock()

	// A second destroy of the same endpoint is a no-op.
	m.EndpointDestroy(ep)
	mu.Lock()
	assert.Equal(t, 1, closed[ep])
	mu.Unlock()

	m.Shutdown()
	select {
	case <-pollDone:
	case <-time.After(2 * time.Second):
		t.Fatal("poll goroutine did not observe shutdown")
	}
}

func TestShutdownClosesEveryEndpointOnce(t *testing.T) {
	var mu sync.Mutex
	closed := map[*Endpoint]int{}
	flushed := map[*Endpoint]int{}
	m := NewManager(Config{
		Direction: adapter.DirectionReceive,
		Log:       zerolog.Nop(),
		CloseEndpoint: func(ep *Endpoint) {
			mu.Lock()
			closed[ep]++
			mu.Unlock()
		},
	})

	eps := make([]*Endpoint, 3)
	for i := range eps {
		ep, err := m.RxCreateEndpoint("s", fmt.Sprintf("10.0.0.%d", i+1), 9000)
		require.NoError(t, err)
		ep.SetHooks(nil, nil, func() {
			mu.Lock()
			flushed[ep]++
			mu.Unlock()
		})
		eps[i] = ep
	}

	m.Shutdown()
	m.Shutdown() // idempotent

	assert.Equal(t, 0, m.Count())
	assert.True(t, m.ShutdownSignal().IsSet())
	mu.Lock()
	for _, ep := range eps {
		assert.Equal(t, 1, closed[ep], "endpoint closed exactly once")
		assert.Equal(t, 1, flushed[ep], "endpoint flushed exactly once")
	}
	mu.Unlock()

	_, err := m.RxCreateEndpoint("s", "10.0.1.1", 9000)
	assert.Error(t, err, "create after shutdown")
}
