// Package endpoint implements the connection's endpoint list and the
// endpoint manager, the synchronization core that serializes reset, start
// and shutdown against every goroutine using endpoint resources.
package endpoint

import (
	"sync"
	"sync/atomic"

	"github.com/eapache/queue/v2"
	"github.com/google/uuid"

	"github.com/yuuki/efastream/internal/adapter"
	"github.com/yuuki/efastream/internal/protocol"
)

// Command is an endpoint state-change request processed by the manager
// goroutine.
type Command int

const (
	CommandIdle Command = iota
	CommandReset
	CommandStart
	CommandShutdown
)

func (c Command) String() string {
	switch c {
	case CommandIdle:
		return "Idle"
	case CommandReset:
		return "Reset"
	case CommandStart:
		return "Start"
	case CommandShutdown:
		return "Shutdown"
	}
	return "Unknown"
}

// maxQueuedCommands bounds each endpoint's private command queue. Overflow
// drops the command with a log line; the next notification cycle retries.
const maxQueuedCommands = 8

// Endpoint is one directional flow to a specific remote peer, registered in
// its manager's endpoint list.
type Endpoint struct {
	ID  uuid.UUID
	mgr *Manager

	mu         sync.Mutex
	remoteIP   string
	remotePort int
	streamName string
	remoteGID  protocol.GID
	proto      *protocol.Protocol

	// commandQueue is the endpoint's private queue of manager commands,
	// guarded by the manager's state lock.
	commandQueue  *queue.Queue[Command]
	gotNewCommand bool
	gotShutdown   bool

	queuedToDestroy bool

	rxPacketCount atomic.Uint64

	adapterEndpoint *adapter.Endpoint

	// Lifecycle hooks installed by the probe machinery. resetDone runs
	// after the manager has flushed and reset adapter resources; start runs
	// when the manager processes a Start command.
	resetDone func()
	start     func()
	// flush releases per-direction payload resources during reset.
	flush func()
}

func newEndpoint(mgr *Manager, streamName, remoteIP string, remotePort int) *Endpoint {
	return &Endpoint{
		ID:           uuid.New(),
		mgr:          mgr,
		streamName:   streamName,
		remoteIP:     remoteIP,
		remotePort:   remotePort,
		commandQueue: queue.New[Command](),
	}
}

// Manager returns the owning endpoint manager.
func (ep *Endpoint) Manager() *Manager { return ep.mgr }

// AdapterEndpoint returns the transport endpoint, nil before SetAdapterEndpoint.
func (ep *Endpoint) AdapterEndpoint() *adapter.Endpoint {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	return ep.adapterEndpoint
}

// SetAdapterEndpoint attaches the transport endpoint.
func (ep *Endpoint) SetAdapterEndpoint(ae *adapter.Endpoint) {
	ep.mu.Lock()
	ep.adapterEndpoint = ae
	ep.mu.Unlock()
}

// SetHooks installs the probe lifecycle hooks.
func (ep *Endpoint) SetHooks(resetDone, start, flush func()) {
	ep.mu.Lock()
	ep.resetDone = resetDone
	ep.start = start
	ep.flush = flush
	ep.mu.Unlock()
}

// RemoteIP returns the remote peer address, empty while unclaimed.
func (ep *Endpoint) RemoteIP() string {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	return ep.remoteIP
}

// RemotePort returns the remote peer port, zero while unclaimed.
func (ep *Endpoint) RemotePort() int {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	return ep.remotePort
}

// StreamName returns the endpoint's stream name.
func (ep *Endpoint) StreamName() string {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	return ep.streamName
}

// RemoteGID returns the remote fabric device identifier.
func (ep *Endpoint) RemoteGID() protocol.GID {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	return ep.remoteGID
}

// SetRemote claims the endpoint for a remote peer. Used by the Rx dispatch
// when an unclaimed endpoint receives its first control packet.
func (ep *Endpoint) SetRemote(ip string, port int, streamName string, gid protocol.GID) {
	ep.mu.Lock()
	ep.remoteIP = ip
	ep.remotePort = port
	if streamName != "" {
		ep.streamName = streamName
	}
	ep.remoteGID = gid
	ep.mu.Unlock()
}

// SetRemoteGID updates the remote fabric device identifier. A zero GID
// clears it (connection reset).
func (ep *Endpoint) SetRemoteGID(gid protocol.GID) {
	ep.mu.Lock()
	ep.remoteGID = gid
	ep.mu.Unlock()
}

// AddRxPackets counts fabric packets received for this endpoint. The receive
// probe uses the counter as a liveness signal when pings go missing.
func (ep *Endpoint) AddRxPackets(n uint64) {
	ep.rxPacketCount.Add(n)
}

// RxPacketCount returns the total fabric packets received.
func (ep *Endpoint) RxPacketCount() uint64 {
	return ep.rxPacketCount.Load()
}

// Protocol returns the negotiated protocol, nil before negotiation or after
// a reset.
func (ep *Endpoint) Protocol() *protocol.Protocol {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	return ep.proto
}

// SetProtocol replaces the endpoint's negotiated protocol. A nil value
// clears it (connection reset).
func (ep *Endpoint) SetProtocol(p *protocol.Protocol) {
	ep.mu.Lock()
	ep.proto = p
	ep.mu.Unlock()
}

// Status returns the endpoint's connection status.
func (ep *Endpoint) Status() adapter.ConnectionStatus {
	ae := ep.AdapterEndpoint()
	if ae == nil {
		return adapter.StatusDisconnected
	}
	return ae.Status()
}

// flushResources clears payload state and resets the adapter endpoint. The
// adapter reset is last: for the fabric backend it triggers the probe's
// reset-done notification, which must observe flushed state.
func (ep *Endpoint) flushResources() {
	ep.mu.Lock()
	flush := ep.flush
	resetDone := ep.resetDone
	ae := ep.adapterEndpoint
	ep.mu.Unlock()

	if flush != nil {
		flush()
	}
	if ae != nil {
		ae.FlushResources()
		_ = ae.Reset()
	}
	if resetDone != nil {
		resetDone()
	}
}

func (ep *Endpoint) startEndpoint() {
	ep.mu.Lock()
	start := ep.start
	ae := ep.adapterEndpoint
	ep.mu.Unlock()

	if ae != nil {
		_ = ae.Start()
	}
	if start != nil {
		start()
	}
}
