package probe

import (
	"net"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog"

	"github.com/yuuki/efastream/internal/adapter"
	"github.com/yuuki/efastream/internal/endpoint"
	"github.com/yuuki/efastream/internal/protocol"
)

// Dispatcher routes inbound control packets from the connection's shared
// control interface to the probe endpoint they belong to, creating receive
// endpoints on demand when an unknown transmitter announces itself. Its
// HandleControlPacket method is the control interface's message consumer and
// runs on the control poll goroutine.
type Dispatcher struct {
	mgr *endpoint.Manager
	dir adapter.Direction
	log zerolog.Logger

	probes *xsync.MapOf[uuid.UUID, *Probe]
}

// NewDispatcher creates a dispatcher over the connection's endpoint list.
func NewDispatcher(mgr *endpoint.Manager, dir adapter.Direction, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		mgr:    mgr,
		dir:    dir,
		log:    log.With().Str("component", "probe-dispatch").Logger(),
		probes: xsync.NewMapOf[uuid.UUID, *Probe](),
	}
}

// Register binds a probe to its endpoint for control packet routing.
func (d *Dispatcher) Register(ep *endpoint.Endpoint, p *Probe) {
	d.probes.Store(ep.ID, p)
}

// Unregister removes an endpoint's probe binding.
func (d *Dispatcher) Unregister(ep *endpoint.Endpoint) {
	d.probes.Delete(ep.ID)
}

// Lookup returns the probe bound to ep, nil when none.
func (d *Dispatcher) Lookup(ep *endpoint.Endpoint) *Probe {
	p, _ := d.probes.Load(ep.ID)
	return p
}

// HandleControlPacket consumes control interface notifications. Send
// completions need no action; received packets are decoded and routed.
func (d *Dispatcher) HandleControlPacket(msg adapter.PacketMessage) {
	if msg.Type != adapter.MessagePacketReceived {
		return
	}

	hdr, err := protocol.DecodeProbeHeader(msg.Packet.SGL.Bytes())
	if err != nil {
		// Treated as wire noise: corrupt packets are dropped and the remote
		// re-sends.
		d.log.Debug().Err(err).Msg("dropping invalid control packet")
		return
	}

	addr := msg.Packet.Addr
	if addr == nil {
		d.log.Debug().Msg("control packet without source address")
		return
	}
	if hdr.SendersVersion.Probe < 4 {
		// Unidirectional probe versions have no bidirectional socket
		// control channel; the reply port comes from the header instead of
		// the packet source.
		addr = &net.UDPAddr{IP: addr.IP, Port: int(hdr.SendersControlDestPort)}
	}

	p := d.findProbe(hdr, addr)
	if p == nil {
		if d.dir == adapter.DirectionReceive {
			p = d.createRxEndpoint(hdr, addr)
		} else {
			d.log.Error().Str("remote", addr.String()).Msg("no endpoint for control packet remote")
		}
	}
	if p == nil {
		return
	}
	p.deliverPacket(hdr, addr)
}

// findProbe matches the packet to an existing endpoint: an unclaimed
// endpoint takes any packet, otherwise the remote IP and port must match.
// On the transmit side, a match refreshes the stored remote identity.
func (d *Dispatcher) findProbe(hdr protocol.ProbeHeader, addr *net.UDPAddr) *Probe {
	for ep := d.mgr.FirstEndpoint(); ep != nil; ep = d.mgr.NextEndpoint(ep) {
		if ep.RemotePort() != 0 && (ep.RemoteIP() != addr.IP.String() || ep.RemotePort() != addr.Port) {
			continue
		}
		if d.dir == adapter.DirectionSend {
			ep.SetRemote(addr.IP.String(), addr.Port, hdr.SendersStreamName, hdr.SendersGID)
		}
		return d.Lookup(ep)
	}

	d.log.Debug().Str("remote", addr.String()).Int("endpoints", d.mgr.Count()).
		Msg("no existing endpoint for control packet remote")
	return nil
}

// createRxEndpoint provisions a receive endpoint for a newly announced
// transmitter.
func (d *Dispatcher) createRxEndpoint(hdr protocol.ProbeHeader, addr *net.UDPAddr) *Probe {
	d.log.Info().Str("remote", addr.String()).Str("stream", hdr.SendersStreamName).
		Msg("creating receive endpoint for new remote")

	ep, err := d.mgr.RxCreateEndpoint(hdr.SendersStreamName, addr.IP.String(), addr.Port)
	if err != nil {
		d.log.Error().Err(err).Str("remote", addr.String()).Msg("creating receive endpoint failed")
		return nil
	}
	ep.SetRemote(addr.IP.String(), addr.Port, hdr.SendersStreamName, hdr.SendersGID)
	return d.Lookup(ep)
}
