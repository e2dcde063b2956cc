// Package adapter defines the transport abstraction beneath a connection: a
// backend interface implemented per fabric type, adapter connections that
// group endpoints under one poll goroutine, and the cooperative poll
// scheduler that multiplexes Tx/Rx work for many connections over a bounded
// set of goroutines.
package adapter

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/yuuki/efastream/internal/event"
)

// Direction of an adapter connection and all of its endpoints.
type Direction int

const (
	DirectionSend Direction = iota
	DirectionReceive
)

func (d Direction) String() string {
	if d == DirectionSend {
		return "send"
	}
	return "receive"
}

// DataType separates bulk data connections from the probe control interface.
// Control connections do not participate in the endpoint manager rendezvous.
type DataType int

const (
	DataTypeData DataType = iota
	DataTypeControl
)

// TransmitQueueLevel reports how much room a backend's transmit queue has.
type TransmitQueueLevel int

const (
	QueueLevelEmpty TransmitQueueLevel = iota
	QueueLevelIntermediate
	QueueLevelFull
	QueueLevelNA
)

// Sizing limits. Tx packet batches bound the per-endpoint send queue so
// backpressure surfaces as ErrQueueFull instead of allocation.
const (
	MaxTxPacketBatchesPerConnection = 48
	MaxEndpointsPerConnection       = 8
)

var (
	// ErrQueueFull reports a full Tx packet queue. Recoverable; the caller
	// retries on the next notification cycle.
	ErrQueueFull = errors.New("adapter: tx packet queue full")
	// ErrWrongDirection reports an operation invalid for the connection's
	// direction.
	ErrWrongDirection = errors.New("adapter: wrong direction for operation")
	// ErrInvalidConfig reports a fatal setup-time configuration violation.
	ErrInvalidConfig = errors.New("adapter: invalid configuration")
)

// Adapter is the backend contract implemented per fabric type (emulated EFA,
// plain sockets). All methods are invoked by the owning connection's poll
// goroutine or the application thread as documented per method.
type Adapter interface {
	Name() string

	// CreateConnection/DestroyConnection manage backend state shared by the
	// connection's endpoints.
	CreateConnection(conn *Connection, port int) error
	DestroyConnection(conn *Connection) error

	// Open binds backend transport state to the endpoint. remoteAddr is
	// empty for receivers, which bind the local port instead.
	Open(ep *Endpoint, remoteAddr string, port int) error
	Close(ep *Endpoint) error

	// Poll performs backend event processing (completion draining, inbound
	// datagram reads). Returns true when productive work was done. Called
	// only from the poll goroutine.
	Poll(ep *Endpoint) bool

	// Send hands one packet to the fabric. flush hints that no further
	// packets follow immediately. Failures while disconnected are expected
	// and surface through the packet's completion status.
	Send(ep *Endpoint, pkt *Packet, flush bool) error

	// Reset returns the endpoint to its pre-start state, dropping in-flight
	// work. Start arms the endpoint for data flow after probe warm-up.
	Reset(ep *Endpoint) error
	Start(ep *Endpoint) error

	GetTransmitQueueLevel(ep *Endpoint) TransmitQueueLevel
	RxBuffersFree(ep *Endpoint, sgl SGL) error
	GetPort(ep *Endpoint) (int, error)
	Shutdown() error
}

// ConnectionConfig is the explicit configuration record for an adapter
// connection.
type ConnectionConfig struct {
	Adapter   Adapter
	Direction Direction
	DataType  DataType
	Port      int
	// PollThreadID selects a shared poll goroutine. Connections sharing an
	// ID must agree on direction, data type and poll mode.
	PollThreadID int
	Log          zerolog.Logger
}

// Connection groups adapter endpoints under one poll scheduler slot.
type Connection struct {
	adapter   Adapter
	direction Direction
	dataType  DataType
	port      int
	log       zerolog.Logger

	startSignal    *event.Event
	shutdownSignal *event.Event

	poller *Poller

	// pollFunc runs one scheduling cycle for this connection and reports
	// whether it was productive. Data connections have this installed by
	// the endpoint manager; control connections use the built-in control
	// cycle.
	pollFunc func() bool

	// controlEndpoint is the single endpoint of a control connection.
	controlEndpoint *Endpoint

	stats EndpointStats

	// backend state attached by the Adapter implementation.
	backend any

	destroyOnce sync.Once
}

// NewConnection creates an adapter connection, registers it with the poll
// scheduler slot named by cfg.PollThreadID and starts backend resources.
// The poll cycle stays parked until Start fires the start signal.
func NewConnection(cfg ConnectionConfig, reg *PollerRegistry) (*Connection, error) {
	conn := &Connection{
		adapter:        cfg.Adapter,
		direction:      cfg.Direction,
		dataType:       cfg.DataType,
		port:           cfg.Port,
		log:            cfg.Log.With().Str("component", "adapter").Str("backend", cfg.Adapter.Name()).Logger(),
		startSignal:    event.New(),
		shutdownSignal: event.New(),
	}

	if err := cfg.Adapter.CreateConnection(conn, cfg.Port); err != nil {
		return nil, fmt.Errorf("create %s connection: %w", cfg.Adapter.Name(), err)
	}

	poller, err := reg.attach(cfg.PollThreadID, conn)
	if err != nil {
		_ = cfg.Adapter.DestroyConnection(conn)
		return nil, err
	}
	conn.poller = poller
	return conn, nil
}

// Adapter returns the backend implementation.
func (c *Connection) Adapter() Adapter { return c.adapter }

// Direction returns the connection's direction.
func (c *Connection) Direction() Direction { return c.direction }

// DataType returns whether this is a data or control connection.
func (c *Connection) DataType() DataType { return c.dataType }

// Port returns the configured local port.
func (c *Connection) Port() int { return c.port }

// Log returns the connection-scoped logger.
func (c *Connection) Log() zerolog.Logger { return c.log }

// Stats returns the connection's poll scheduler statistics.
func (c *Connection) Stats() *EndpointStats { return &c.stats }

// ShutdownSignal is set once teardown begins; poll cycles observe it and
// exit.
func (c *Connection) ShutdownSignal() *event.Event { return c.shutdownSignal }

// StartSignal parks the poll cycle until endpoint threads may run.
func (c *Connection) StartSignal() *event.Event { return c.startSignal }

// SetBackend attaches backend-private connection state.
func (c *Connection) SetBackend(v any) { c.backend = v }

// Backend returns state attached with SetBackend.
func (c *Connection) Backend() any { return c.backend }

// SetPollFunc installs the per-cycle scheduling body for a data connection.
// Must be called before Start.
func (c *Connection) SetPollFunc(f func() bool) { c.pollFunc = f }

// NotifyWork wakes the poll scheduler when work is queued from outside the
// poll goroutine.
func (c *Connection) NotifyWork() {
	if c.poller != nil {
		c.poller.wake.Set()
	}
}

// Stop sets the shutdown signal and detaches the connection from its poll
// scheduler slot, blocking until the current cycle no longer references it.
func (c *Connection) Stop() {
	c.shutdownSignal.Set()
	c.startSignal.Set() // unpark, so the cycle can observe shutdown
	if c.poller != nil {
		c.poller.detach(c)
	}
}

// Destroy stops the connection and releases backend resources. Idempotent.
func (c *Connection) Destroy() error {
	var err error
	c.destroyOnce.Do(func() {
		c.Stop()
		err = c.adapter.DestroyConnection(c)
	})
	return err
}
