package probe

import (
	"time"

	"github.com/yuuki/efastream/internal/adapter"
	"github.com/yuuki/efastream/internal/protocol"
)

// txFabricMessage handles send completions for warm-up packets. Runs on the
// poll goroutine. Each completion triggers the next packet of the burst, so
// only one is in flight at a time.
func (p *Probe) txFabricMessage(msg adapter.PacketMessage) {
	if msg.Type != adapter.MessagePacketSent {
		return
	}
	if msg.Packet.Status != adapter.PacketOK {
		p.Error()
	}

	acked := p.packetsAcked.Add(1)
	if acked < ProbePacketCount {
		// Failures are not checked here; warm-up monitoring times out and
		// restarts the handshake.
		p.enqueueProbePacket()
	}
}

// txProcessPacket handles a control packet on the transmit side. Reports
// whether the probe state changed, which re-arms the state timeout.
func (p *Probe) txProcessPacket(hdr protocol.ProbeHeader, waitTimeout *time.Duration) bool {
	switch hdr.Command {
	case protocol.CommandReset:
		p.log.Debug().Str("remote", p.ep.RemoteIP()).Msg("got reset command from receiver, restarting fabric connection")
		p.queueConnectionReset("reset requested by remote")
		p.ep.SetRemoteGID(hdr.SendersGID)
		if p.ep.Protocol() == nil {
			p.ep.SetProtocol(protocol.New(hdr.SendersVersion))
		}
		p.setState(StateResetting)
		*waitTimeout = managerCompletionTimeout
		return true

	case protocol.CommandAck:
		return p.txProcessAck(hdr, waitTimeout)

	case protocol.CommandConnected:
		if p.State() != StateFabricProbe {
			p.log.Debug().Msg("unexpected connected command, sending reset")
			p.setState(StateSendReset)
			*waitTimeout = 0
			return true
		}
		// Receiver saw the whole warm-up burst. Make sure all local send
		// completions arrived before going connected.
		p.setState(StateFabricTxProbeAcks)
		*waitTimeout = 0
		return true

	default:
		// Ping and anything else is receiver-bound; a misdirected packet is
		// dropped.
		p.log.Debug().Stringer("command", hdr.Command).Msg("ignoring unexpected probe command")
		return false
	}
}

// txProcessAck correlates an ack with the pending command and advances the
// handshake accordingly.
func (p *Probe) txProcessAck(hdr protocol.ProbeHeader, waitTimeout *time.Duration) bool {
	p.ackMu.Lock()
	defer p.ackMu.Unlock()

	if !p.ackPending {
		p.log.Debug().Msg("ignoring unexpected ack")
		return false
	}
	if hdr.AckCommand != p.ackCommand || hdr.AckControlPacketNum != p.ackPacketNum {
		p.log.Debug().
			Stringer("got_command", hdr.AckCommand).Uint16("got_packet_num", hdr.AckControlPacketNum).
			Stringer("want_command", p.ackCommand).Uint16("want_packet_num", p.ackPacketNum).
			Msg("ignoring stale ack")
		return false
	}
	p.ackPending = false

	if hdr.AckCommand != protocol.CommandPing {
		p.log.Debug().Str("remote", p.ep.RemoteIP()).Msg("ack accepted")
		p.log.Info().Msg("received connection response")
	}

	switch hdr.AckCommand {
	case protocol.CommandReset:
		p.ep.SetRemoteGID(hdr.SendersGID)
		p.log.Info().Str("remote", p.ep.RemoteIP()).Msg("learned remote fabric device identity")

		// Renegotiate from scratch on every reset handshake.
		p.ep.SetProtocol(nil)
		if hdr.SendersVersion.Probe < 3 {
			// Remote predates the explicit version command. Its triple is
			// all we will ever learn, so negotiate from it and start.
			p.ep.SetProtocol(protocol.New(hdr.SendersVersion))
			p.ep.Manager().QueueEndpointStart(p.ep)
			p.setState(StateWaitForStart)
			*waitTimeout = managerCompletionTimeout
		} else {
			p.setState(StateSendProtocolVersion)
			p.retryCount = 0
			*waitTimeout = 0
		}
		return true

	case protocol.CommandProtocolVersion:
		p.ep.SetProtocol(protocol.New(hdr.SendersVersion))
		p.ep.Manager().QueueEndpointStart(p.ep)
		p.setState(StateWaitForStart)
		*waitTimeout = managerCompletionTimeout
		return true

	case protocol.CommandPing:
		p.setState(StateConnected)
		*waitTimeout = p.pingPeriod()
		return true

	default:
		p.log.Debug().Stringer("command", hdr.AckCommand).Msg("ignoring ack for unexpected command")
		return false
	}
}

// pingPeriod returns the negotiated ping cadence.
func (p *Probe) pingPeriod() time.Duration {
	if proto := p.ep.Protocol(); proto != nil && proto.Version().Probe >= 5 {
		return sendPingPeriod
	}
	return legacySendPingPeriod
}

// sendCommandRetry re-sends a command that expects an ack, escalating to a
// fabric reset once the retry budget is exhausted. Returns the next wait.
func (p *Probe) sendCommandRetry(cmd protocol.Command) time.Duration {
	p.retryCount++
	if p.retryCount > 1 {
		if p.observer != nil {
			p.observer.ProbeCommandRetry(p.dir.String())
		}
		if p.retryCount > txCommandMaxRetries {
			p.log.Debug().Stringer("command", cmd).Int("retries", txCommandMaxRetries).
				Msg("ack timeout, retries exhausted, resetting connection")
			p.setState(StateFabricReset)
			return 0
		}
		p.log.Debug().Stringer("command", cmd).Int("retry", p.retryCount).Msg("ack timeout, resending command")
	}
	if err := p.sendCommand(cmd, true); err != nil {
		p.log.Debug().Err(err).Msg("sending probe command failed")
	}
	return txCommandAckTimeout
}

// txProcessState performs the periodic action for the current transmit
// state and returns the next wait timeout. A zero return means the new state
// must be processed immediately.
func (p *Probe) txProcessState() time.Duration {
	state := p.State()

	if state != StateConnected && state != StateConnectedPing {
		p.log.Debug().Str("remote", p.ep.RemoteIP()).Stringer("state", state).Msg("probe state")
		if state == StateSendReset || state == StateWaitForStart {
			p.log.Info().Msg("no reply to connection request received")
		}
	}

	switch state {
	case StateResetting, StateWaitForStart:
		// Timed out waiting for the endpoint manager or the remote. Keep
		// soliciting with reset commands.
		if err := p.sendCommand(protocol.CommandReset, true); err != nil {
			p.log.Debug().Err(err).Msg("sending reset failed")
		}
		return sendResetPeriod

	case StateFabricReset:
		p.queueConnectionReset("")
		if err := p.sendCommand(protocol.CommandReset, true); err != nil {
			p.log.Debug().Err(err).Msg("sending reset failed")
		}
		p.setState(StateResetting)
		return managerCompletionTimeout

	case StateResetDone:
		// If the reset was triggered by the remote, answer it now that the
		// endpoint manager is done.
		if p.sendAckValid {
			if err := p.sendAck(p.sendAckCommand, p.sendAckPacketNum); err != nil {
				p.log.Debug().Err(err).Msg("sending ack failed")
			}
			p.sendAckValid = false
		}
		p.setState(StateWaitForStart)
		return managerCompletionTimeout

	case StateIdle, StateSendReset:
		p.ep.Manager().ConnectionStateChange(p.ep, adapter.StatusDisconnected, "")
		if err := p.sendCommand(protocol.CommandReset, true); err != nil {
			p.log.Debug().Err(err).Msg("sending reset failed")
		}
		p.setState(StateSendReset)
		return sendResetPeriod

	case StateSendProtocolVersion:
		return p.sendCommandRetry(protocol.CommandProtocolVersion)

	case StateFabricStart:
		p.log.Debug().Str("remote", p.ep.RemoteIP()).Msg("starting fabric warm-up")
		if !p.fabricConnectionStart() {
			p.log.Error().Msg("starting fabric connection failed during warm-up, resetting connection")
			p.setState(StateFabricReset)
			return sendResetPeriod
		}
		p.packetsEnqueued.Store(0)
		p.enqueueProbePacket()
		p.setState(StateFabricProbe)
		return fabricProbeMonitorTimeout

	case StateFabricProbe:
		// Control handshake succeeded but the warm-up burst never
		// completed: the fabric path is not passing traffic.
		p.log.Error().Msg("control handshake succeeded but too few fabric warm-up packets were delivered; check that the fabric path permits traffic between the hosts")
		p.setState(StateFabricReset)
		return 0

	case StateFabricTxProbeAcks:
		if p.packetsAcked.Load() >= ProbePacketCount {
			p.enableApplication()
			p.setState(StateConnected)
			if proto := p.ep.Protocol(); proto != nil && proto.Version().Probe >= 5 {
				return txConnectionDelay
			}
			return legacySendPingPeriod
		}
		p.ackWaitCount++
		if p.ackWaitCount < probeAckMaxRetries {
			return probeAckWaitTimeout
		}
		p.log.Error().Msg("missing send completions for fabric warm-up packets, resetting connection")
		p.setState(StateFabricReset)
		return 0

	case StateConnectedPing:
		return p.sendCommandRetry(protocol.CommandPing)

	case StateConnected:
		p.ep.Manager().ConnectionStateChange(p.ep, adapter.StatusConnected, "")
		p.setState(StateConnectedPing)
		p.retryCount = 0
		return 0

	case StateDestroy:
		return defaultTimeout
	}
	return defaultTimeout
}
