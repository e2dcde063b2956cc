package adapter

import "net"

// SGL is an ordered scatter-gather list describing non-contiguous data.
type SGL struct {
	Fragments [][]byte
	TotalSize int
}

// MakeSGL builds an SGL over the given fragments.
func MakeSGL(fragments ...[]byte) SGL {
	s := SGL{Fragments: fragments}
	for _, f := range fragments {
		s.TotalSize += len(f)
	}
	return s
}

// Append adds a fragment to the list and updates the total size.
func (s *SGL) Append(fragment []byte) {
	s.Fragments = append(s.Fragments, fragment)
	s.TotalSize += len(fragment)
}

// Reset empties the list, keeping fragment slice capacity.
func (s *SGL) Reset() {
	s.Fragments = s.Fragments[:0]
	s.TotalSize = 0
}

// Bytes flattens the list into a single contiguous buffer.
func (s *SGL) Bytes() []byte {
	out := make([]byte, 0, s.TotalSize)
	for _, f := range s.Fragments {
		out = append(out, f...)
	}
	return out
}

// PacketStatus reports the outcome of a packet's transmit or receive.
type PacketStatus int

const (
	PacketOK PacketStatus = iota
	PacketError
)

// Packet pairs a scatter-gather list with send/receive bookkeeping. Packets
// are pool-allocated by callers and returned to their pool when the adapter
// reports completion.
type Packet struct {
	SGL    SGL
	Status PacketStatus

	// Addr is the datagram source address on receive. Unused for transmit.
	Addr *net.UDPAddr

	// userData is opaque completion context for the packet's owner (work
	// request back-pointer).
	userData any
}

// SetUserData attaches opaque owner context carried through completion.
func (p *Packet) SetUserData(v any) { p.userData = v }

// UserData returns the context set with SetUserData.
func (p *Packet) UserData() any { return p.userData }

// MessageType discriminates adapter-to-owner packet notifications.
type MessageType int

const (
	// MessagePacketSent reports transmit completion (Status says whether the
	// fabric acknowledged it).
	MessagePacketSent MessageType = iota
	// MessagePacketReceived delivers an inbound packet.
	MessagePacketReceived
)

// PacketMessage is the notification delivered by an endpoint to its owner.
type PacketMessage struct {
	Type   MessageType
	Packet *Packet
}

// MessageFunc consumes packet notifications from an endpoint. The probe
// machinery swaps an endpoint's MessageFunc while it owns the fabric during
// connection warm-up.
type MessageFunc func(msg PacketMessage)
