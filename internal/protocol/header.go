package protocol

// PayloadType discriminates the packet header variants.
type PayloadType uint8

const (
	// PayloadTypeData marks an application data packet. Packet #0 of a
	// payload carries the extended first-packet header.
	PayloadTypeData PayloadType = iota
	// PayloadTypeDataOffset marks a data packet whose header carries an
	// explicit byte offset into the payload.
	PayloadTypeDataOffset
	// PayloadTypeProbe marks a fabric warm-up probe packet.
	PayloadTypeProbe
)

// Sizes of the fixed-width string/array regions in probe headers. Identical
// in both wire versions.
const (
	maxIPStringLength   = 64
	maxGIDLength        = 32
	maxStreamNameLength = 128 + 10
)

// streamIdentifierUnused fills the obsolete V1 stream identifier field.
// Typed so the wire encode converts through a value, not a constant.
var streamIdentifierUnused int32 = -1

// GID is an opaque fabric device identifier (device GID plus queue-pair
// number for RDMA fabrics).
type GID [maxGIDLength]byte

// PtpTimestamp is a PTP origination timestamp.
type PtpTimestamp struct {
	Seconds     uint32
	Nanoseconds uint32
}

// Num0Info is the extended header data carried only by packet #0 of a
// payload.
type Num0Info struct {
	TotalPayloadSize uint32
	MaxLatencyMicros uint64
	Origination      PtpTimestamp
	UserData         uint64
	ExtraData        []byte
	// TxStartMicros is the payload transmit start time in microseconds since
	// epoch. V2 only; zero when decoded from a V1 header.
	TxStartMicros uint64
}

// PacketHeader is the protocol-independent decoded form of a payload packet
// header.
type PacketHeader struct {
	PayloadType PayloadType
	SequenceNum uint16
	PayloadNum  uint16
	// PacketID increments across all payloads of a connection, wrapping at
	// zero. V2 only; zero when decoded from a V1 header.
	PacketID uint32

	// DataOffset is valid when PayloadType is PayloadTypeDataOffset.
	DataOffset uint32
	// Num0 is non-nil when SequenceNum is zero.
	Num0 *Num0Info

	// EncodedSize is the number of header bytes consumed by decode or
	// produced by encode, including extra data.
	EncodedSize int
}

// RxReorderInfo carries just the fields the receive reorder logic needs.
type RxReorderInfo struct {
	PayloadNum  uint16
	SequenceNum uint16
}

// ProbeHeader is the protocol-independent decoded form of a probe control
// header.
type ProbeHeader struct {
	SendersVersion Version
	Command        Command

	SendersIP         string
	SendersGID        GID
	SendersStreamName string

	// SendersControlDestPort is the control interface destination port the
	// receiver should use to reach the sender.
	SendersControlDestPort uint16
	// ControlPacketNum increments for each control packet sent on a
	// connection, starting at zero.
	ControlPacketNum uint16

	// RequiresAck is valid when Command is not CommandAck.
	RequiresAck bool
	// AckCommand and AckControlPacketNum are valid when Command is
	// CommandAck and identify the command being acknowledged.
	AckCommand          Command
	AckControlPacketNum uint16
}
