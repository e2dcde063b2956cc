// Package protocol implements the versioned wire formats used for payload
// packet headers and probe control headers. Two formats exist: V1 (legacy,
// 8-bit payload numbers, no packet ID) and V2 (current). The format is
// selected once per endpoint by version negotiation and bound to a Protocol
// handle; probe header decode is version independent since the sender's
// version triple always occupies the first three bytes.
package protocol

import (
	"errors"
	"fmt"
)

// Local build capability. Negotiation never exceeds these.
const (
	VersionNum   = 2
	MajorVersion = 2
	ProbeVersion = 5
)

// Raw header region sizes, fixed per protocol version.
const (
	RawPacketHeaderSizeV1 = 34
	RawPacketHeaderSizeV2 = 47
	RawProbeHeaderSizeV1  = 257
	RawProbeHeaderSizeV2  = 253
)

// MaxProbeHeaderSize is large enough to hold an encoded probe header of any
// protocol version.
const MaxProbeHeaderSize = RawProbeHeaderSizeV1

// MaxPacketHeaderSize is large enough to hold an encoded packet header of any
// protocol version, excluding extra data.
const MaxPacketHeaderSize = RawPacketHeaderSizeV2

var (
	// ErrInvalidSize reports a wire buffer too small or of unexpected length.
	// Treated by callers as packet loss, never escalated.
	ErrInvalidSize = errors.New("protocol: invalid encoded size")
	// ErrChecksum reports a probe header checksum mismatch.
	ErrChecksum = errors.New("protocol: checksum mismatch")
	// ErrInvalidCommand reports an unknown probe command value.
	ErrInvalidCommand = errors.New("protocol: invalid probe command")
	// ErrUnsupportedRemote reports a remote version that cannot interoperate
	// with any supported protocol (SDK 2.0.0).
	ErrUnsupportedRemote = errors.New("protocol: remote version 2.0.0 not supported, remote must upgrade")
)

// Version is the three-part protocol version triple carried in the first
// three bytes of every probe header.
type Version struct {
	Num   uint8 // Protocol version number.
	Major uint8 // Major version within Num.
	Probe uint8 // Probe format version.
}

// CurrentVersion returns the local build's protocol capability.
func CurrentVersion() Version {
	return Version{Num: VersionNum, Major: MajorVersion, Probe: ProbeVersion}
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Num, v.Major, v.Probe)
}

// Command identifies a probe control packet type. Values start at 1 so a
// zeroed buffer never decodes as a valid command. Encoded as a 32-bit
// little-endian field on the wire.
type Command uint8

const (
	CommandReset Command = iota + 1
	CommandPing
	CommandConnected
	CommandAck
	CommandProtocolVersion
)

func (c Command) valid() bool {
	return c >= CommandReset && c <= CommandProtocolVersion
}

func (c Command) String() string {
	switch c {
	case CommandReset:
		return "Reset"
	case CommandPing:
		return "Ping"
	case CommandConnected:
		return "Connected"
	case CommandAck:
		return "Ack"
	case CommandProtocolVersion:
		return "ProtocolVersion"
	}
	return fmt.Sprintf("Command(%d)", uint8(c))
}

// codec is implemented once per wire-format version.
type codec interface {
	num0HeaderSize() int
	encodePacketHeader(dst []byte, h *PacketHeader) (int, error)
	decodePacketHeader(src []byte) (PacketHeader, error)
	rxReorderInfo(src []byte) (RxReorderInfo, error)
	encodeProbeHeader(dst []byte, h *ProbeHeader) (int, error)
	decodeProbeHeader(src []byte) (ProbeHeader, error)
}

// Protocol binds a negotiated version to its codec. Immutable once created;
// destroyed and re-created on every connection reset.
type Protocol struct {
	negotiated    Version
	payloadNumMax int
	codec         codec
}

// New negotiates a protocol against the remote's advertised version. Each
// version field converges on the weaker peer, never the stronger one.
func New(remote Version) *Protocol {
	p := &Protocol{}
	p.set(remote)
	return p
}

// NewLegacy returns a V1 protocol for peers that predate explicit version
// negotiation. The probe field still carries the local probe version so newer
// remotes can detect extended probe command support.
func NewLegacy() *Protocol {
	return New(Version{Num: 1, Major: 0, Probe: ProbeVersion})
}

func (p *Protocol) set(remote Version) {
	if remote.Num <= 1 {
		// SDK 1.x: the remote's triple is used as-is.
		p.negotiated = remote
		p.payloadNumMax = 255
		p.codec = codecV1{}
		return
	}

	p.negotiated = CurrentVersion()
	if remote.Num < VersionNum {
		p.negotiated = remote
	} else if remote.Num == VersionNum {
		if remote.Major < MajorVersion {
			p.negotiated.Major = remote.Major
			p.negotiated.Probe = remote.Probe
		} else if remote.Major == MajorVersion && remote.Probe < ProbeVersion {
			p.negotiated.Probe = remote.Probe
		}
	}
	p.payloadNumMax = 65535
	p.codec = codecV2{}
}

// Version returns the negotiated version triple.
func (p *Protocol) Version() Version { return p.negotiated }

// PayloadNumMax returns the maximum payload number value before wrap,
// determined by the width of the wire field.
func (p *Protocol) PayloadNumMax() int { return p.payloadNumMax }

// Num0HeaderSize returns the encoded size of a payload's first packet header
// carrying extraLen bytes of extra data.
func (p *Protocol) Num0HeaderSize(extraLen int) int {
	return p.codec.num0HeaderSize() + extraLen
}

// EncodePacketHeader writes the payload packet header for h into dst and
// returns the number of bytes written, including any extra data bytes.
func (p *Protocol) EncodePacketHeader(dst []byte, h *PacketHeader) (int, error) {
	return p.codec.encodePacketHeader(dst, h)
}

// DecodePacketHeader parses a payload packet header from src.
func (p *Protocol) DecodePacketHeader(src []byte) (PacketHeader, error) {
	return p.codec.decodePacketHeader(src)
}

// RxReorderInfo extracts only the payload/sequence numbers from an encoded
// packet header, without a full decode.
func (p *Protocol) RxReorderInfo(src []byte) (RxReorderInfo, error) {
	return p.codec.rxReorderInfo(src)
}

// EncodeProbeHeader writes the probe control header for h into dst, stamping
// the negotiated version and patching in the checksum. Returns the encoded
// size.
func (p *Protocol) EncodeProbeHeader(dst []byte, h *ProbeHeader) (int, error) {
	h.SendersVersion = p.negotiated
	return p.codec.encodeProbeHeader(dst, h)
}

// DecodeProbeHeader parses a probe control header of any supported version.
// The sender's version triple in the first three bytes selects the codec, so
// no negotiated protocol is required. Rejects short buffers, checksum
// mismatches and unknown commands.
func DecodeProbeHeader(src []byte) (ProbeHeader, error) {
	if len(src) < 3 {
		return ProbeHeader{}, fmt.Errorf("%w: %d bytes, want at least 3", ErrInvalidSize, len(src))
	}
	remote := Version{Num: src[0], Major: src[1], Probe: src[2]}
	if remote.Num == 2 && remote.Major == 0 && remote.Probe == 0 {
		return ProbeHeader{}, ErrUnsupportedRemote
	}
	return New(remote).codec.decodeProbeHeader(src)
}

// checksum computes the 16-bit one's-complement sum over buf (LE 16-bit
// words, odd trailing byte zero padded), folding end-around carries.
func checksum(buf []byte) uint16 {
	var sum uint32
	i := 0
	for ; i+1 < len(buf); i += 2 {
		sum += uint32(buf[i]) | uint32(buf[i+1])<<8
	}
	if i < len(buf) {
		sum += uint32(buf[i])
	}
	sum = (sum >> 16) + (sum & 0xffff)
	sum += sum >> 16
	return ^uint16(sum)
}
