package adapter

import (
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// The EFA backend models an SRD-style unreliable-datagram fabric over UDP:
// sends complete asynchronously through a bounded in-flight window (the
// transmit queue), completions may be observed out of order relative to wire
// order, and the endpoint transfers no data until probe warm-up has started
// it. A libfabric-backed implementation would satisfy the same Adapter
// contract.

// efaDefaultWindow is the emulated SRD transmit window depth.
const efaDefaultWindow = 64

// ErrNotStarted reports a send on an endpoint whose fabric flows have not
// been started by the probe.
var ErrNotStarted = errors.New("adapter: efa endpoint not started")

// EfaConfig configures the emulated EFA backend.
type EfaConfig struct {
	// LocalIP is the fabric interface address.
	LocalIP string
	// Window is the in-flight send window; full windows report
	// QueueLevelFull. Zero selects the default.
	Window int
	Log    zerolog.Logger
}

// EfaAdapter is the emulated EFA data fabric backend.
type EfaAdapter struct {
	cfg EfaConfig
	log zerolog.Logger
}

// NewEfaAdapter creates the emulated EFA backend.
func NewEfaAdapter(cfg EfaConfig) *EfaAdapter {
	if cfg.Window <= 0 {
		cfg.Window = efaDefaultWindow
	}
	return &EfaAdapter{
		cfg: cfg,
		log: cfg.Log.With().Str("component", "efa-adapter").Logger(),
	}
}

type efaEndpoint struct {
	mu      sync.Mutex
	udp     *net.UDPConn
	remote  *net.UDPAddr
	started bool

	// completions holds packets written to the wire whose completion has
	// not yet been drained by Poll. Its depth is the transmit queue level.
	completions chan *Packet
}

func (a *EfaAdapter) Name() string { return "efa" }

func (a *EfaAdapter) CreateConnection(conn *Connection, port int) error { return nil }

func (a *EfaAdapter) DestroyConnection(conn *Connection) error { return nil }

func (a *EfaAdapter) Open(ep *Endpoint, remoteAddr string, port int) error {
	state := &efaEndpoint{
		completions: make(chan *Packet, a.cfg.Window),
	}

	if remoteAddr != "" {
		raddr, err := net.ResolveUDPAddr("udp4", fmt.Sprintf("%s:%d", remoteAddr, port))
		if err != nil {
			return fmt.Errorf("resolve fabric remote %s:%d: %w", remoteAddr, port, err)
		}
		state.remote = raddr
	}

	bindPort := port
	if state.remote != nil {
		bindPort = 0
	}
	// Receivers share the fabric port: every Rx endpoint the dispatcher
	// creates for a new transmitter binds the same port, so the socket needs
	// the reuse options.
	udp, err := bindUDP(a.cfg.LocalIP, bindPort)
	if err != nil {
		return fmt.Errorf("bind fabric: %w", err)
	}
	state.udp = udp

	ep.SetBackend(state)
	return nil
}

func (a *EfaAdapter) Close(ep *Endpoint) error {
	state := ep.Backend().(*efaEndpoint)
	return state.udp.Close()
}

// Poll drains pending send completions and reads inbound fabric datagrams.
func (a *EfaAdapter) Poll(ep *Endpoint) bool {
	state := ep.Backend().(*efaEndpoint)
	productive := false

	for {
		select {
		case pkt := <-state.completions:
			ep.Deliver(PacketMessage{Type: MessagePacketSent, Packet: pkt})
			productive = true
			continue
		default:
		}
		break
	}

	buf := make([]byte, socketMTU)
	_ = state.udp.SetReadDeadline(time.Now())
	n, addr, err := state.udp.ReadFromUDP(buf)
	if err != nil {
		if !os.IsTimeout(err) && !errors.Is(err, net.ErrClosed) {
			a.log.Debug().Err(err).Msg("fabric read failed")
		}
		return productive
	}
	pkt := &Packet{SGL: MakeSGL(buf[:n]), Addr: addr}
	ep.Deliver(PacketMessage{Type: MessagePacketReceived, Packet: pkt})
	return true
}

func (a *EfaAdapter) Send(ep *Endpoint, pkt *Packet, flush bool) error {
	state := ep.Backend().(*efaEndpoint)

	state.mu.Lock()
	started := state.started
	remote := state.remote
	state.mu.Unlock()
	if !started {
		pkt.Status = PacketError
		ep.Deliver(PacketMessage{Type: MessagePacketSent, Packet: pkt})
		return ErrNotStarted
	}
	if remote == nil {
		return fmt.Errorf("efa send: remote address not set")
	}

	_, err := state.udp.WriteToUDP(pkt.SGL.Bytes(), remote)
	if err != nil {
		pkt.Status = PacketError
	} else {
		pkt.Status = PacketOK
	}

	// Completion is asynchronous: it is observed on a later Poll, modelling
	// the fabric's completion queue.
	select {
	case state.completions <- pkt:
	default:
		// Window full; the scheduler should have checked the queue level.
		pkt.Status = PacketError
		ep.Deliver(PacketMessage{Type: MessagePacketSent, Packet: pkt})
		return ErrQueueFull
	}
	return err
}

// Reset drops the endpoint back to its pre-start state. In-flight sends
// complete with an error status so their work requests can be reclaimed.
func (a *EfaAdapter) Reset(ep *Endpoint) error {
	state := ep.Backend().(*efaEndpoint)
	state.mu.Lock()
	state.started = false
	state.mu.Unlock()

	for {
		select {
		case pkt := <-state.completions:
			pkt.Status = PacketError
			ep.Deliver(PacketMessage{Type: MessagePacketSent, Packet: pkt})
		default:
			return nil
		}
	}
}

func (a *EfaAdapter) Start(ep *Endpoint) error {
	state := ep.Backend().(*efaEndpoint)
	state.mu.Lock()
	state.started = true
	state.mu.Unlock()
	return nil
}

func (a *EfaAdapter) GetTransmitQueueLevel(ep *Endpoint) TransmitQueueLevel {
	state := ep.Backend().(*efaEndpoint)
	switch n := len(state.completions); {
	case n == 0:
		return QueueLevelEmpty
	case n >= cap(state.completions):
		return QueueLevelFull
	default:
		return QueueLevelIntermediate
	}
}

func (a *EfaAdapter) RxBuffersFree(ep *Endpoint, sgl SGL) error { return nil }

func (a *EfaAdapter) GetPort(ep *Endpoint) (int, error) {
	state := ep.Backend().(*efaEndpoint)
	addr, ok := state.udp.LocalAddr().(*net.UDPAddr)
	if !ok {
		return 0, fmt.Errorf("efa endpoint has no local UDP address")
	}
	return addr.Port, nil
}

// SetRemote points the fabric endpoint at the remote learned during probe.
func (a *EfaAdapter) SetRemote(ep *Endpoint, addr string, port int) error {
	raddr, err := net.ResolveUDPAddr("udp4", fmt.Sprintf("%s:%d", addr, port))
	if err != nil {
		return fmt.Errorf("resolve fabric remote %s:%d: %w", addr, port, err)
	}
	state := ep.Backend().(*efaEndpoint)
	state.mu.Lock()
	state.remote = raddr
	state.mu.Unlock()
	return nil
}

func (a *EfaAdapter) Shutdown() error { return nil }
