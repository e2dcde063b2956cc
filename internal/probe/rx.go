package probe

import (
	"net"
	"time"

	"github.com/yuuki/efastream/internal/adapter"
	"github.com/yuuki/efastream/internal/protocol"
)

// rxFabricMessage handles warm-up packets arriving over the fabric. Runs on
// the poll goroutine. Once the full burst has been seen, the endpoint is
// handed to the application.
func (p *Probe) rxFabricMessage(msg adapter.PacketMessage) {
	if msg.Type != adapter.MessagePacketReceived {
		return
	}
	if msg.Packet.Status != adapter.PacketOK {
		p.log.Error().Msg("fabric warm-up packet error")
		return
	}

	if err := p.ae.FreeRxBuffers(msg.Packet.SGL); err != nil {
		p.log.Debug().Err(err).Msg("freeing warm-up packet buffers failed")
	}
	if p.packetsReceived.Add(1) >= ProbePacketCount {
		p.enableApplication()
	}
}

// rxProcessPacket handles a control packet on the receive side. Reports
// whether the probe state changed, which re-arms the state timeout.
func (p *Probe) rxProcessPacket(hdr protocol.ProbeHeader, addr *net.UDPAddr, waitTimeout *time.Duration) bool {
	// Track the remote's control destination port; it changes when the
	// remote restarts.
	if p.lastControlDestPort != hdr.SendersControlDestPort {
		p.ep.SetRemote(addr.IP.String(), addr.Port, hdr.SendersStreamName, hdr.SendersGID)
		p.lastControlDestPort = hdr.SendersControlDestPort
	}

	switch hdr.Command {
	case protocol.CommandReset:
		p.log.Debug().Str("remote", p.ep.RemoteIP()).Msg("got reset command from transmitter, restarting fabric connection")
		p.log.Info().Msg("received connection request")
		p.setState(StateFabricReset)
		*waitTimeout = 0

		// Renegotiate on every reset handshake. Remember the remote's probe
		// version so the reset ack can be encoded in a format it accepts.
		p.ep.SetProtocol(nil)
		p.sendAckProbeVersion = hdr.SendersVersion.Probe
		if hdr.SendersVersion.Probe < 3 {
			// Remote predates the explicit version command; its triple is
			// final.
			p.ep.SetProtocol(protocol.New(hdr.SendersVersion))
		}

		// The ack is sent only after the endpoint manager finishes the
		// reset.
		p.sendAckCommand = hdr.Command
		p.sendAckPacketNum = hdr.ControlPacketNum
		p.sendAckValid = true
		return true

	case protocol.CommandProtocolVersion:
		p.ep.SetProtocol(protocol.New(hdr.SendersVersion))

		// Queue the endpoint start now; the ack goes out after it
		// completes, guaranteeing readiness before the remote's warm-up
		// burst.
		p.ep.Manager().QueueEndpointStart(p.ep)
		p.setState(StateWaitForStart)
		*waitTimeout = managerCompletionTimeout
		p.sendAckCommand = hdr.Command
		p.sendAckPacketNum = hdr.ControlPacketNum
		p.sendAckValid = true
		return true

	case protocol.CommandPing:
		p.setState(StateConnectedPing)
		*waitTimeout = rxPingMonitorTimeout
		if err := p.sendAck(hdr.Command, hdr.ControlPacketNum); err != nil {
			p.log.Debug().Err(err).Msg("sending ping ack failed")
		}
		return true

	default:
		// Ack and connected commands are transmitter-bound.
		p.log.Debug().Stringer("command", hdr.Command).Msg("ignoring unexpected probe command")
		return false
	}
}

// destroyRxEndpoint removes an endpoint whose remote has gone away. Blocks
// until the poll goroutine drops it or shutdown intervenes.
func (p *Probe) destroyRxEndpoint() {
	p.log.Debug().Str("remote", p.ep.RemoteIP()).Msg("destroying stale endpoint")
	p.setState(StateDestroy)
	p.ep.Manager().EndpointDestroy(p.ep)
}

// rxProcessState performs the periodic action for the current receive state
// and returns the next wait timeout. A zero return means the new state must
// be processed immediately.
func (p *Probe) rxProcessState() time.Duration {
	state := p.State()

	if state != StateConnectedPing {
		p.log.Debug().Str("remote", p.ep.RemoteIP()).Stringer("state", state).Msg("probe state")
	}

	switch state {
	case StateFabricStart, StateWaitForStart:
		p.fabricConnectionStart()
		if p.sendAckValid {
			if err := p.sendAck(p.sendAckCommand, p.sendAckPacketNum); err != nil {
				p.log.Debug().Err(err).Msg("sending ack failed")
			}
			p.sendAckValid = false
		}
		p.setState(StateFabricProbe)
		return sendResetPeriod

	case StateResetting:
		// Timed out waiting for the endpoint manager. Keep soliciting.
		if err := p.sendCommand(protocol.CommandReset, true); err != nil {
			p.log.Debug().Err(err).Msg("sending reset failed")
		}
		return sendResetPeriod

	case StateFabricReset:
		// Reset requested by the remote, a transport error, or a warm-up or
		// ping timeout.
		p.queueConnectionReset("")
		p.setState(StateResetting)
		return managerCompletionTimeout

	case StateIdle, StateSendReset:
		p.ep.Manager().ConnectionStateChange(p.ep, adapter.StatusDisconnected, "")
		p.resetRetryCount++
		if p.resetRetryCount >= rxResetMaxRetries {
			p.destroyRxEndpoint()
			return 0
		}
		p.log.Debug().Str("remote", p.ep.RemoteIP()).Int("attempt", p.resetRetryCount).Msg("sending reset")
		// Reset commands can only be sent once a remote has identified
		// itself. No ack is expected.
		if p.remoteAddr() != nil {
			if err := p.sendCommand(protocol.CommandReset, false); err != nil {
				p.log.Debug().Err(err).Msg("sending reset failed")
			}
		}
		p.setState(StateSendReset)
		return sendResetPeriod

	case StateResetDone:
		if p.ep.Protocol() != nil {
			// Legacy peers negotiated during the reset itself; start the
			// endpoint before acking.
			p.ep.Manager().QueueEndpointStart(p.ep)
			p.setState(StateWaitForStart)
			return managerCompletionTimeout
		}
		if p.sendAckValid {
			if err := p.sendAck(p.sendAckCommand, p.sendAckPacketNum); err != nil {
				p.log.Debug().Err(err).Msg("sending ack failed")
			}
			p.sendAckValid = false
			// The fabric flows were started when the reset completed, so
			// warm-up reception can begin immediately.
			p.setState(StateFabricProbe)
			return fabricProbeMonitorTimeout
		}
		// Locally triggered reset; go back to soliciting the remote.
		p.setState(StateSendReset)
		return 0

	case StateFabricProbe:
		p.log.Debug().Msg("fabric warm-up timeout, sending reset to transmitter")
		p.setState(StateSendReset)
		return 0

	case StateConnected:
		p.ep.Manager().ConnectionStateChange(p.ep, adapter.StatusConnected, "")
		// Tell the transmitter it may go connected. Without this the
		// transmitter could start payloads whose packets overtake the tail
		// of the warm-up burst. No ack is expected.
		if err := p.sendCommand(protocol.CommandConnected, false); err != nil {
			p.log.Debug().Err(err).Msg("sending connected failed")
		}
		p.resetRetryCount = 0
		p.packetCountSnapshot = p.ep.RxPacketCount()
		p.setState(StateConnectedPing)
		return rxPingMonitorTimeout

	case StateConnectedPing:
		// Missed a ping. Forgive it if fabric packets arrived in the
		// window; ping control packets can be dropped independently of the
		// data path.
		if p.packetCountSnapshot != p.ep.RxPacketCount() {
			p.resetRetryCount = 0
			p.packetCountSnapshot = p.ep.RxPacketCount()
			return rxPingMonitorTimeout
		}
		p.destroyRxEndpoint()
		return 0

	case StateDestroy:
		return defaultTimeout
	}
	return defaultTimeout
}
