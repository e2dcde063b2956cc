package probe

import (
	"fmt"
	"net"

	"github.com/yuuki/efastream/internal/adapter"
	"github.com/yuuki/efastream/internal/protocol"
)

// remoteAddr resolves the remote control destination, nil while the endpoint
// is unclaimed.
func (p *Probe) remoteAddr() *net.UDPAddr {
	ip := p.ep.RemoteIP()
	port := p.ep.RemotePort()
	if ip == "" || port == 0 {
		return nil
	}
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return nil
	}
	return &net.UDPAddr{IP: parsed, Port: port}
}

// encodeHeader fills in the sender identity fields and encodes h. Before
// version negotiation the codec falls back to the local build's version for
// commands the remote is known to understand (acks to probe version >= 3
// peers, and the protocol version command itself, which only such peers
// receive), and to the legacy V1 format otherwise.
func (p *Probe) encodeHeader(h *protocol.ProbeHeader) ([]byte, error) {
	port, err := p.ctrl.Port()
	if err != nil {
		return nil, fmt.Errorf("control interface port: %w", err)
	}
	h.SendersIP = p.localIP
	h.SendersControlDestPort = uint16(port)
	h.SendersGID = p.localGID
	h.SendersStreamName = p.ep.StreamName()
	h.ControlPacketNum = uint16(p.packetNum.Add(1))

	proto := p.ep.Protocol()
	if proto == nil {
		if (h.Command == protocol.CommandAck && p.sendAckProbeVersion >= 3) ||
			h.Command == protocol.CommandProtocolVersion {
			proto = p.protoSDK
		} else {
			proto = p.protoV1
		}
	}

	buf := make([]byte, protocol.MaxProbeHeaderSize)
	n, err := proto.EncodeProbeHeader(buf, h)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

// sendCommand sends a probe command over the control interface. When
// requiresAck is set, the pending-ack record is armed before the packet is
// queued so a fast ack can never race it.
func (p *Probe) sendCommand(cmd protocol.Command, requiresAck bool) error {
	addr := p.remoteAddr()
	if addr == nil {
		return fmt.Errorf("send %s: remote endpoint not known yet", cmd)
	}

	hdr := protocol.ProbeHeader{Command: cmd, RequiresAck: requiresAck}
	buf, err := p.encodeHeader(&hdr)
	if err != nil {
		return fmt.Errorf("encode %s: %w", cmd, err)
	}

	if requiresAck {
		p.ackMu.Lock()
		p.ackPending = true
		p.ackCommand = cmd
		p.ackPacketNum = hdr.ControlPacketNum
		p.ackMu.Unlock()
	}

	if cmd != protocol.CommandPing {
		p.log.Debug().Str("remote", addr.String()).Stringer("command", cmd).
			Uint16("packet_num", hdr.ControlPacketNum).Bool("ack", requiresAck).
			Msg("sending probe command")
		if cmd == protocol.CommandReset {
			p.log.Info().Msg("sending connection request")
		}
	}

	pkt := &adapter.Packet{SGL: adapter.MakeSGL(buf), Addr: addr}
	if err := p.ctrl.Endpoint().EnqueueSend(pkt); err != nil {
		return fmt.Errorf("send %s: %w", cmd, err)
	}
	return nil
}

// sendAck acknowledges a received command, echoing its packet number.
func (p *Probe) sendAck(ackCmd protocol.Command, ackPacketNum uint16) error {
	addr := p.remoteAddr()
	if addr == nil {
		return fmt.Errorf("send ack for %s: remote endpoint not known yet", ackCmd)
	}

	hdr := protocol.ProbeHeader{
		Command:             protocol.CommandAck,
		AckCommand:          ackCmd,
		AckControlPacketNum: ackPacketNum,
	}
	buf, err := p.encodeHeader(&hdr)
	if err != nil {
		return fmt.Errorf("encode ack: %w", err)
	}

	if ackCmd != protocol.CommandPing {
		p.log.Debug().Str("remote", addr.String()).Stringer("acked_command", ackCmd).
			Uint16("acked_packet_num", ackPacketNum).Msg("sending ack")
	}

	pkt := &adapter.Packet{SGL: adapter.MakeSGL(buf), Addr: addr}
	if err := p.ctrl.Endpoint().EnqueueSend(pkt); err != nil {
		return fmt.Errorf("send ack for %s: %w", ackCmd, err)
	}
	return nil
}

// fabricConnectionStart redirects fabric endpoint traffic to the probe's own
// handlers, resets the warm-up counters and starts the fabric flows.
func (p *Probe) fabricConnectionStart() bool {
	if p.dir == adapter.DirectionSend {
		p.ae.SetMessageFunc(p.txFabricMessage)
		p.retryCount = 0
		p.packetsAcked.Store(0)
		p.ackWaitCount = 0
	} else {
		p.ae.SetMessageFunc(p.rxFabricMessage)
		p.resetRetryCount = 0
		p.packetsReceived.Store(0)
	}

	if err := p.ae.Start(); err != nil {
		p.log.Error().Err(err).Msg("starting fabric endpoint failed")
		return false
	}
	return true
}

// queueConnectionReset reports the endpoint disconnected and asks the
// endpoint manager to reset it. The remote's fabric identity is discarded;
// the next handshake renegotiates it.
func (p *Probe) queueConnectionReset(cause string) {
	p.ep.Manager().ConnectionStateChange(p.ep, adapter.StatusDisconnected, cause)
	p.ep.SetRemoteGID(protocol.GID{})
	p.ep.Manager().QueueEndpointReset(p.ep)
}

// enableApplication hands the fabric endpoint back to the application's
// packet consumer and reports the connected state to the probe goroutine.
func (p *Probe) enableApplication() {
	p.ae.SetMessageFunc(p.appMsgFunc)
	p.queueStateChange(StateConnected)
}

// enqueueProbePacket sends the next warm-up packet over the fabric. One
// packet is in flight at a time; its completion triggers the next. The
// limiter paces the burst.
func (p *Probe) enqueueProbePacket() {
	proto := p.ep.Protocol()
	if proto == nil {
		p.log.Error().Msg("no negotiated protocol for fabric warm-up")
		return
	}

	seq := uint16(p.packetsEnqueued.Load())
	buf := make([]byte, ProbePacketDataSize)
	for i := range buf {
		buf[i] = probePacketPattern
	}
	hdr := protocol.PacketHeader{
		PayloadType: protocol.PayloadTypeProbe,
		SequenceNum: seq,
		PayloadNum:  0,
		PacketID:    uint32(seq),
	}
	if seq == 0 {
		hdr.Num0 = &protocol.Num0Info{TotalPayloadSize: ProbePacketCount * ProbePacketDataSize}
	}
	if _, err := proto.EncodePacketHeader(buf, &hdr); err != nil {
		p.log.Error().Err(err).Msg("encoding fabric warm-up packet failed")
		return
	}

	p.limiter.Take()
	pkt := &adapter.Packet{SGL: adapter.MakeSGL(buf)}
	pkt.SetUserData(seq)
	if err := p.ae.EnqueueSend(pkt); err != nil {
		// Warm-up monitoring will time out and restart the handshake.
		p.log.Debug().Err(err).Uint16("seq", seq).Msg("enqueue fabric warm-up packet failed")
		return
	}
	p.packetsEnqueued.Add(1)
}
