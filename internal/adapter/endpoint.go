package adapter

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/yuuki/efastream/internal/event"
)

// ConnectionStatus is the externally visible up/down state of an endpoint.
type ConnectionStatus int

const (
	StatusDisconnected ConnectionStatus = iota
	StatusConnected
)

func (s ConnectionStatus) String() string {
	if s == StatusConnected {
		return "connected"
	}
	return "disconnected"
}

// EndpointStats is per-endpoint scheduler statistics, updated by the poll
// goroutine and read by external stats reporting.
type EndpointStats struct {
	mu sync.Mutex
	// pollThreadLoad is the rolling busy ratio in hundredths of a percent
	// over the last averaging period, or -1 on accounting error.
	pollThreadLoad int
}

// PollThreadLoad returns the rolling poll utilization in hundredths of a
// percent.
func (s *EndpointStats) PollThreadLoad() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pollThreadLoad
}

func (s *EndpointStats) setPollThreadLoad(v int) {
	s.mu.Lock()
	s.pollThreadLoad = v
	s.mu.Unlock()
}

// EndpointConfig configures one adapter endpoint.
type EndpointConfig struct {
	// MessageFunc receives packet completions and inbound packets.
	MessageFunc MessageFunc
	// RemoteAddr is the destination for transmitters; empty for receivers.
	RemoteAddr string
	Port       int
}

// Endpoint is one directional transport flow belonging to an adapter
// connection.
type Endpoint struct {
	ID   uuid.UUID
	conn *Connection

	// mu guards msgFunc swaps; the probe machinery redirects endpoint
	// traffic to itself during warm-up.
	mu      sync.Mutex
	msgFunc MessageFunc

	txQueue   chan []*Packet
	txWaiting []*Packet

	rxFreeQueue chan SGL

	startSignal    *event.Event
	shutdownSignal *event.Event

	statusMu sync.Mutex
	status   ConnectionStatus

	backend any
}

// OpenEndpoint allocates an endpoint on conn and opens backend transport
// state for it.
func (c *Connection) OpenEndpoint(cfg EndpointConfig) (*Endpoint, error) {
	ep := &Endpoint{
		ID:             uuid.New(),
		conn:           c,
		msgFunc:        cfg.MessageFunc,
		startSignal:    event.New(),
		shutdownSignal: event.New(),
	}
	// Control endpoints are bidirectional: both sides send commands and
	// acks over them. Data endpoints queue in their direction only.
	if c.direction == DirectionSend || c.dataType == DataTypeControl {
		ep.txQueue = make(chan []*Packet, MaxTxPacketBatchesPerConnection)
	}
	if c.direction == DirectionReceive || c.dataType == DataTypeControl {
		ep.rxFreeQueue = make(chan SGL, MaxTxPacketBatchesPerConnection)
	}

	if err := c.adapter.Open(ep, cfg.RemoteAddr, cfg.Port); err != nil {
		return nil, fmt.Errorf("open %s endpoint: %w", c.adapter.Name(), err)
	}
	if c.dataType == DataTypeControl {
		c.controlEndpoint = ep
	}
	return ep, nil
}

// Connection returns the owning adapter connection.
func (ep *Endpoint) Connection() *Connection { return ep.conn }

// SetBackend attaches backend-private endpoint state.
func (ep *Endpoint) SetBackend(v any) { ep.backend = v }

// Backend returns state attached with SetBackend.
func (ep *Endpoint) Backend() any { return ep.backend }

// ShutdownSignal is set when the endpoint is closing.
func (ep *Endpoint) ShutdownSignal() *event.Event { return ep.shutdownSignal }

// SetMessageFunc atomically swaps the packet notification consumer and
// returns the previous one.
func (ep *Endpoint) SetMessageFunc(f MessageFunc) MessageFunc {
	ep.mu.Lock()
	prev := ep.msgFunc
	ep.msgFunc = f
	ep.mu.Unlock()
	return prev
}

// Deliver invokes the current message consumer. Called by backends.
func (ep *Endpoint) Deliver(msg PacketMessage) {
	ep.mu.Lock()
	f := ep.msgFunc
	ep.mu.Unlock()
	if f != nil {
		f(msg)
	}
}

// Status returns the endpoint's connection status.
func (ep *Endpoint) Status() ConnectionStatus {
	ep.statusMu.Lock()
	defer ep.statusMu.Unlock()
	return ep.status
}

// SetStatus updates the endpoint's connection status and reports whether it
// changed, for callback deduplication.
func (ep *Endpoint) SetStatus(s ConnectionStatus) bool {
	ep.statusMu.Lock()
	defer ep.statusMu.Unlock()
	if ep.status == s {
		return false
	}
	ep.status = s
	return true
}

// EnqueueSend queues one packet for transmission by the poll goroutine.
func (ep *Endpoint) EnqueueSend(pkt *Packet) error {
	return ep.EnqueueSendBatch([]*Packet{pkt})
}

// EnqueueSendBatch queues a list of packets for transmission. The queue is
// bounded; a full queue is an explicit, retryable error.
func (ep *Endpoint) EnqueueSendBatch(pkts []*Packet) error {
	if ep.txQueue == nil {
		return ErrWrongDirection
	}
	select {
	case ep.txQueue <- pkts:
		ep.conn.NotifyWork()
		return nil
	default:
		ep.conn.log.Info().Msg("Tx packet queue full")
		return ErrQueueFull
	}
}

// nextPacket pops the head of the waiting list, refilling it from the queue
// when empty. Returns the packet and whether it was the last one currently
// available. Poll-goroutine only.
func (ep *Endpoint) nextPacket() (*Packet, bool) {
	if len(ep.txWaiting) == 0 {
		select {
		case batch := <-ep.txQueue:
			ep.txWaiting = batch
		default:
			return nil, false
		}
	}
	if len(ep.txWaiting) == 0 {
		return nil, false
	}
	pkt := ep.txWaiting[0]
	ep.txWaiting = ep.txWaiting[1:]
	return pkt, len(ep.txWaiting) == 0
}

// FlushResources empties queued and waiting Tx packets during a reset.
func (ep *Endpoint) FlushResources() {
	for {
		select {
		case <-ep.txQueue:
		default:
			ep.txWaiting = nil
			return
		}
	}
}

// Start fires the start signals and arms the backend for data flow.
func (ep *Endpoint) Start() error {
	ep.conn.startSignal.Set()
	ep.startSignal.Set()
	return ep.conn.adapter.Start(ep)
}

// Reset drops backend in-flight state.
func (ep *Endpoint) Reset() error {
	return ep.conn.adapter.Reset(ep)
}

// Poll runs backend event processing for this endpoint.
func (ep *Endpoint) Poll() bool {
	return ep.conn.adapter.Poll(ep)
}

// Send hands a packet directly to the backend. Poll-goroutine only; other
// callers use EnqueueSend.
func (ep *Endpoint) Send(pkt *Packet, flush bool) error {
	return ep.conn.adapter.Send(ep, pkt, flush)
}

// TransmitQueueLevel reports the backend's transmit queue occupancy.
func (ep *Endpoint) TransmitQueueLevel() TransmitQueueLevel {
	return ep.conn.adapter.GetTransmitQueueLevel(ep)
}

// FreeRxBuffers queues receive buffers to be returned to the backend by the
// poll goroutine's housekeeping pass.
func (ep *Endpoint) FreeRxBuffers(sgl SGL) error {
	if ep.rxFreeQueue == nil {
		return ErrWrongDirection
	}
	select {
	case ep.rxFreeQueue <- sgl:
		ep.conn.NotifyWork()
		return nil
	default:
		return ErrQueueFull
	}
}

// Port returns the endpoint's bound local port.
func (ep *Endpoint) Port() (int, error) {
	return ep.conn.adapter.GetPort(ep)
}

// Close shuts down and releases the endpoint's backend state.
func (ep *Endpoint) Close() error {
	ep.shutdownSignal.Set()
	return ep.conn.adapter.Close(ep)
}
