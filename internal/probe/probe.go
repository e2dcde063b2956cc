// Package probe implements the connection warm-up and liveness machinery:
// versioned control handshake over the socket control interface, fabric
// warm-up with a burst of probe packets, and ping-based monitoring once the
// connection is up. One probe goroutine runs per endpoint, driving a state
// machine whose shape depends on the endpoint direction.
package probe

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/ratelimit"

	"github.com/yuuki/efastream/internal/adapter"
	"github.com/yuuki/efastream/internal/endpoint"
	"github.com/yuuki/efastream/internal/event"
	"github.com/yuuki/efastream/internal/protocol"
)

// Timing constants for the handshake and monitoring state machines.
const (
	// defaultTimeout is the probe loop's fallback wait when a state sets no
	// explicit timeout.
	defaultTimeout = 1000 * time.Millisecond
	// managerCompletionTimeout bounds waits on endpoint manager command
	// completion (reset, start).
	managerCompletionTimeout = 1000 * time.Millisecond
	// sendResetPeriod is how often reset commands are re-sent while trying
	// to establish a connection.
	sendResetPeriod = 2000 * time.Millisecond
	// sendPingPeriod is how often a connected transmitter pings the
	// receiver. Peers negotiated below probe version 5 use the legacy
	// period.
	sendPingPeriod       = 5000 * time.Millisecond
	legacySendPingPeriod = 3000 * time.Millisecond
	// txCommandAckTimeout and txCommandMaxRetries bound how long the
	// transmitter waits for an ack before re-sending a command, and how many
	// re-sends are attempted before resetting the connection.
	txCommandAckTimeout = 500 * time.Millisecond
	txCommandMaxRetries = 40
	// rxResetMaxRetries is how many unanswered reset commands the receiver
	// sends before declaring the endpoint stale and destroying it.
	rxResetMaxRetries = 3
	// fabricProbeMonitorTimeout bounds the fabric warm-up phase.
	fabricProbeMonitorTimeout = 3000 * time.Millisecond
	// rxPingMonitorTimeout is how long the receiver waits for a ping before
	// considering the connection dead. Covers three missed pings plus
	// slack.
	rxPingMonitorTimeout = 5000*time.Millisecond + 3*sendPingPeriod
	// probeAckWaitTimeout and probeAckMaxRetries bound the transmitter's
	// wait for the warm-up burst's send completions.
	probeAckWaitTimeout = 100 * time.Millisecond
	probeAckMaxRetries  = 5
	// txConnectionDelay is the transmitter's settle delay before reporting
	// connected, once all warm-up completions arrived.
	txConnectionDelay = 1000 * time.Millisecond
)

// Fabric warm-up burst parameters. The burst exercises the fabric path
// end-to-end before the application may use it.
const (
	ProbePacketCount    = 1000
	ProbePacketDataSize = 1024
	probePacketPattern  = 0x41
	// probePacketRate paces the warm-up burst in packets per second.
	probePacketRate = 10000
)

// maxControlCommands bounds the probe goroutine's inbound command FIFO.
const maxControlCommands = 20

// State enumerates the probe state machine states. Tx and Rx share the
// enumeration but traverse different subsets.
type State int

const (
	StateIdle State = iota
	StateSendReset
	StateSendProtocolVersion
	StateResetting
	StateResetDone
	StateWaitForStart
	StateFabricStart
	StateFabricProbe
	StateFabricTxProbeAcks
	StateConnected
	StateConnectedPing
	StateFabricReset
	StateDestroy
)

var stateNames = map[State]string{
	StateIdle:                "Idle",
	StateSendReset:           "SendReset",
	StateSendProtocolVersion: "SendProtocolVersion",
	StateResetting:           "Resetting",
	StateResetDone:           "ResetDone",
	StateWaitForStart:        "WaitForStart",
	StateFabricStart:         "FabricStart",
	StateFabricProbe:         "FabricProbe",
	StateFabricTxProbeAcks:   "FabricTxProbeAcks",
	StateConnected:           "Connected",
	StateConnectedPing:       "ConnectedPing",
	StateFabricReset:         "FabricReset",
	StateDestroy:             "Destroy",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return "Unknown"
}

// Observer receives probe lifecycle notifications for metrics reporting.
// Methods are invoked from the probe goroutine and must not block.
type Observer interface {
	ProbeStateTransition(direction, from, to string)
	ProbeCommandRetry(direction string)
}

type commandType int

const (
	commandStateChange commandType = iota
	commandPacket
)

// controlCommand is one item of the probe goroutine's FIFO: either a decoded
// control packet from the wire or a state change queued locally.
type controlCommand struct {
	typ   commandType
	state State
	hdr   protocol.ProbeHeader
	addr  *net.UDPAddr
}

// Config assembles a probe endpoint.
type Config struct {
	Endpoint        *endpoint.Endpoint
	AdapterEndpoint *adapter.Endpoint
	Control         *adapter.ControlInterface
	Direction       adapter.Direction

	// AppMessageFunc is the application's fabric packet consumer, restored
	// once warm-up completes.
	AppMessageFunc adapter.MessageFunc

	LocalIP  string
	LocalGID protocol.GID

	Observer Observer
	Log      zerolog.Logger
}

// Probe drives the warm-up and monitoring state machine for one endpoint.
type Probe struct {
	ep   *endpoint.Endpoint
	ae   *adapter.Endpoint
	ctrl *adapter.ControlInterface
	dir  adapter.Direction
	log  zerolog.Logger

	localIP  string
	localGID protocol.GID

	appMsgFunc adapter.MessageFunc
	observer   Observer

	commands chan controlCommand
	shutdown *event.Event

	packetNum atomic.Uint32

	// ackMu guards the pending-ack record used to correlate ack packets
	// with the command they acknowledge.
	ackMu        sync.Mutex
	ackPending   bool
	ackCommand   protocol.Command
	ackPacketNum uint16

	// stateMu guards the current state; transitions happen only on the
	// probe goroutine but lifecycle hooks read it from other goroutines.
	stateMu sync.Mutex
	state   State

	// Pending ack to send to the remote once a reset or start completes.
	// Probe-goroutine only.
	sendAckValid        bool
	sendAckCommand      protocol.Command
	sendAckPacketNum    uint16
	sendAckProbeVersion uint8

	// Tx bookkeeping. Probe-goroutine plus fabric completion callbacks,
	// which run on the poll goroutine; counters crossing that boundary are
	// atomic.
	retryCount      int
	packetsEnqueued atomic.Int32
	packetsAcked    atomic.Int32
	ackWaitCount    int

	// Rx bookkeeping.
	resetRetryCount     int
	packetsReceived     atomic.Int32
	packetCountSnapshot uint64
	lastControlDestPort uint16

	// Fallback protocols used to encode control headers before version
	// negotiation completes.
	protoSDK *protocol.Protocol
	protoV1  *protocol.Protocol

	limiter ratelimit.Limiter

	wg sync.WaitGroup
}

// New creates a probe endpoint and starts its goroutine. The transmitter
// starts idle; the receiver immediately begins soliciting the remote with
// reset commands.
func New(cfg Config) *Probe {
	p := &Probe{
		ep:         cfg.Endpoint,
		ae:         cfg.AdapterEndpoint,
		ctrl:       cfg.Control,
		dir:        cfg.Direction,
		log:        cfg.Log.With().Str("component", "probe").Str("direction", cfg.Direction.String()).Logger(),
		localIP:    cfg.LocalIP,
		localGID:   cfg.LocalGID,
		appMsgFunc: cfg.AppMessageFunc,
		observer:   cfg.Observer,
		commands:   make(chan controlCommand, maxControlCommands),
		shutdown:   cfg.AdapterEndpoint.ShutdownSignal(),
		protoSDK:   protocol.New(protocol.CurrentVersion()),
		protoV1:    protocol.NewLegacy(),
		limiter:    ratelimit.New(probePacketRate),
	}
	if p.dir == adapter.DirectionSend {
		p.state = StateIdle
	} else {
		p.state = StateSendReset
	}

	p.wg.Add(1)
	go p.run()
	return p
}

// Endpoint returns the endpoint this probe manages.
func (p *Probe) Endpoint() *endpoint.Endpoint { return p.ep }

// State returns the current probe state.
func (p *Probe) State() State {
	p.stateMu.Lock()
	defer p.stateMu.Unlock()
	return p.state
}

func (p *Probe) setState(s State) {
	p.stateMu.Lock()
	prev := p.state
	p.state = s
	p.stateMu.Unlock()
	if prev != s && p.observer != nil {
		p.observer.ProbeStateTransition(p.dir.String(), prev.String(), s.String())
	}
}

// Destroy stops the probe goroutine. The adapter endpoint's shutdown signal
// must be set first.
func (p *Probe) Destroy() {
	p.shutdown.Set()
	p.wg.Wait()
}

// queueStateChange posts a state change to the probe goroutine, aborting on
// shutdown.
func (p *Probe) queueStateChange(s State) {
	select {
	case p.commands <- controlCommand{typ: commandStateChange, state: s}:
	case <-p.shutdown.C():
	}
}

// deliverPacket hands a decoded control packet to the probe goroutine.
// Called by the connection's control dispatcher. Reports false when the FIFO
// is full, in which case the packet is dropped (the remote re-sends).
func (p *Probe) deliverPacket(hdr protocol.ProbeHeader, addr *net.UDPAddr) bool {
	select {
	case p.commands <- controlCommand{typ: commandPacket, hdr: hdr, addr: addr}:
		return true
	default:
		p.log.Warn().Stringer("command", hdr.Command).Msg("probe command queue full, dropping control packet")
		return false
	}
}

// Error notifies the probe of a transport failure. If the endpoint is
// currently connected, the application is told it is disconnected and a
// fabric reset is queued; otherwise the in-progress handshake is left to its
// own timeouts.
func (p *Probe) Error() {
	if p.ae.Status() != adapter.StatusConnected {
		return
	}
	p.ep.Manager().ConnectionStateChange(p.ep, adapter.StatusDisconnected, "transport error")
	p.queueStateChange(StateFabricReset)
}

// ResetDone notifies the probe that the endpoint manager has finished
// resetting the endpoint. The receiver starts its fabric flows right away so
// it is ready before the transmitter's warm-up burst; the transmitter waits
// until the remote's fabric identity is known.
func (p *Probe) ResetDone() {
	if p.dir == adapter.DirectionReceive {
		p.fabricConnectionStart()
	}
	p.queueStateChange(StateResetDone)
}

// Start notifies the probe that the endpoint manager has started the
// endpoint. Ignored unless the probe is waiting for it; a stale start after
// a reset must not restart the warm-up.
func (p *Probe) Start() {
	if p.State() == StateWaitForStart {
		p.queueStateChange(StateFabricStart)
	}
}

// run is the probe goroutine: a timed FIFO pop loop. Each iteration either
// processes an inbound command (which may change state and re-arm the wait)
// or, on timeout, performs the current state's periodic action.
func (p *Probe) run() {
	defer p.wg.Done()

	start := time.Now()
	var waitTimeout time.Duration // zero: process current state immediately

	for !p.shutdown.IsSet() {
		cmd, ok := p.popCommand(waitTimeout)
		if ok {
			if cmd.typ == commandStateChange {
				p.log.Debug().Str("remote", p.ep.RemoteIP()).Stringer("state", cmd.state).Msg("processing state change")
				if cmd.state == StateConnected {
					if proto := p.ep.Protocol(); proto != nil {
						p.log.Info().Stringer("version", proto.Version()).Msg("connection established")
					}
				}
				p.setState(cmd.state)
				waitTimeout = 0
			} else {
				if p.processPacket(cmd.hdr, cmd.addr, &waitTimeout) {
					start = time.Now()
				}
			}
		} else if p.shutdown.IsSet() {
			break
		}

		if elapsed := time.Since(start); elapsed < waitTimeout {
			// The wait was cut short by a command that did not change
			// state; keep waiting out the remainder.
			waitTimeout -= elapsed
		} else {
			for {
				waitTimeout = p.processState()
				if waitTimeout != 0 {
					break
				}
			}
		}
		start = time.Now()
	}
}

// popCommand waits up to timeout for a command, aborting on shutdown.
func (p *Probe) popCommand(timeout time.Duration) (controlCommand, bool) {
	if timeout <= 0 {
		select {
		case cmd := <-p.commands:
			return cmd, true
		default:
			return controlCommand{}, false
		}
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case cmd := <-p.commands:
		return cmd, true
	case <-p.shutdown.C():
	case <-t.C:
	}
	return controlCommand{}, false
}

func (p *Probe) processPacket(hdr protocol.ProbeHeader, addr *net.UDPAddr, waitTimeout *time.Duration) bool {
	if p.dir == adapter.DirectionSend {
		return p.txProcessPacket(hdr, waitTimeout)
	}
	return p.rxProcessPacket(hdr, addr, waitTimeout)
}

func (p *Probe) processState() time.Duration {
	if p.dir == adapter.DirectionSend {
		return p.txProcessState()
	}
	return p.rxProcessState()
}
