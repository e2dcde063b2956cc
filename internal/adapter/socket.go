package adapter

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"golang.org/x/net/ipv4"
	"golang.org/x/sys/unix"
)

// socketMTU bounds one datagram read. Control packets are always smaller;
// data packets are limited by the configured maximum payload size.
const socketMTU = 9000

// socketBindMaxRetries bounds the rebind retry loop used to ride out
// transient EADDRINUSE from a just-closed endpoint on the same port.
const socketBindMaxRetries = 5

// SocketConfig configures the plain UDP socket backend.
type SocketConfig struct {
	// LocalIP is the interface address endpoints bind to.
	LocalIP string
	// TOS is the DSCP/TOS byte stamped on outgoing control traffic. Zero
	// leaves the system default.
	TOS int
	Log zerolog.Logger
}

// SocketAdapter is the plain UDP backend. It carries the probe control
// interface and can also act as a data fabric for socket-only deployments.
type SocketAdapter struct {
	cfg SocketConfig
	log zerolog.Logger
}

// NewSocketAdapter creates the UDP socket backend.
func NewSocketAdapter(cfg SocketConfig) *SocketAdapter {
	return &SocketAdapter{
		cfg: cfg,
		log: cfg.Log.With().Str("component", "socket-adapter").Logger(),
	}
}

type socketEndpoint struct {
	udp    *net.UDPConn
	packet *ipv4.PacketConn
	remote *net.UDPAddr
}

func (a *SocketAdapter) Name() string { return "socket" }

func (a *SocketAdapter) CreateConnection(conn *Connection, port int) error { return nil }

func (a *SocketAdapter) DestroyConnection(conn *Connection) error { return nil }

func (a *SocketAdapter) Open(ep *Endpoint, remoteAddr string, port int) error {
	state := &socketEndpoint{}

	if remoteAddr != "" {
		raddr, err := net.ResolveUDPAddr("udp4", fmt.Sprintf("%s:%d", remoteAddr, port))
		if err != nil {
			return fmt.Errorf("resolve remote %s:%d: %w", remoteAddr, port, err)
		}
		state.remote = raddr
	}

	bindPort := port
	if state.remote != nil {
		bindPort = 0 // transmitter binds an ephemeral local port
	}

	udp, err := a.bind(bindPort)
	if err != nil {
		return err
	}
	state.udp = udp
	state.packet = ipv4.NewPacketConn(udp)
	if a.cfg.TOS != 0 {
		if err := state.packet.SetTOS(a.cfg.TOS); err != nil {
			a.log.Warn().Err(err).Int("tos", a.cfg.TOS).Msg("failed to set TOS on control socket")
		}
	}

	ep.SetBackend(state)
	return nil
}

func (a *SocketAdapter) bind(port int) (*net.UDPConn, error) {
	return bindUDP(a.cfg.LocalIP, port)
}

// bindUDP opens a local UDP socket with SO_REUSEADDR and SO_REUSEPORT set,
// retrying transient address-in-use errors with exponential backoff. Ports
// are reused quickly across endpoint reset cycles, and receive endpoints
// serving different transmitters all bind the same fabric port.
func bindUDP(localIP string, port int) (*net.UDPConn, error) {
	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var serr error
			if err := c.Control(func(fd uintptr) {
				serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
				if serr == nil {
					serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
				}
			}); err != nil {
				return err
			}
			return serr
		},
	}

	addr := fmt.Sprintf("%s:%d", localIP, port)
	var conn net.PacketConn
	op := func() error {
		var err error
		conn, err = lc.ListenPacket(context.Background(), "udp4", addr)
		if err != nil && !errors.Is(err, unix.EADDRINUSE) {
			return backoff.Permanent(err)
		}
		return err
	}
	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(10*time.Millisecond)), socketBindMaxRetries)
	if err := backoff.Retry(op, policy); err != nil {
		return nil, fmt.Errorf("bind %s: %w", addr, err)
	}
	return conn.(*net.UDPConn), nil
}

func (a *SocketAdapter) Close(ep *Endpoint) error {
	state := ep.Backend().(*socketEndpoint)
	return state.udp.Close()
}

func (a *SocketAdapter) Poll(ep *Endpoint) bool {
	state := ep.Backend().(*socketEndpoint)

	buf := make([]byte, socketMTU)
	_ = state.udp.SetReadDeadline(time.Now())
	n, addr, err := state.udp.ReadFromUDP(buf)
	if err != nil {
		if !os.IsTimeout(err) && !errors.Is(err, net.ErrClosed) {
			a.log.Debug().Err(err).Msg("socket read failed")
		}
		return false
	}

	pkt := &Packet{SGL: MakeSGL(buf[:n]), Addr: addr}
	ep.Deliver(PacketMessage{Type: MessagePacketReceived, Packet: pkt})
	return true
}

func (a *SocketAdapter) Send(ep *Endpoint, pkt *Packet, flush bool) error {
	state := ep.Backend().(*socketEndpoint)

	dest := pkt.Addr
	if dest == nil {
		dest = state.remote
	}
	if dest == nil {
		return fmt.Errorf("socket send: no destination address")
	}

	_, err := state.udp.WriteToUDP(pkt.SGL.Bytes(), dest)
	if err != nil {
		pkt.Status = PacketError
	} else {
		pkt.Status = PacketOK
	}
	ep.Deliver(PacketMessage{Type: MessagePacketSent, Packet: pkt})
	return err
}

func (a *SocketAdapter) Reset(ep *Endpoint) error { return nil }

func (a *SocketAdapter) Start(ep *Endpoint) error { return nil }

func (a *SocketAdapter) GetTransmitQueueLevel(ep *Endpoint) TransmitQueueLevel {
	return QueueLevelNA
}

func (a *SocketAdapter) RxBuffersFree(ep *Endpoint, sgl SGL) error {
	// Receive buffers are plain slices handed to the consumer; nothing to
	// return to the kernel.
	return nil
}

func (a *SocketAdapter) GetPort(ep *Endpoint) (int, error) {
	state := ep.Backend().(*socketEndpoint)
	addr, ok := state.udp.LocalAddr().(*net.UDPAddr)
	if !ok {
		return 0, fmt.Errorf("socket endpoint has no local UDP address")
	}
	return addr.Port, nil
}

func (a *SocketAdapter) Shutdown() error { return nil }
