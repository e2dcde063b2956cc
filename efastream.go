// Package efastream is a low-latency media transport SDK. A Connection moves
// whole payloads in one direction between two hosts: a versioned control
// handshake over UDP establishes the link, a fabric warm-up burst exercises
// the data path end to end, and only then does application data flow.
// Payload completion and connection state changes are reported through
// callbacks.
package efastream

import (
	"errors"

	"github.com/yuuki/efastream/internal/adapter"
)

// Direction of a connection. A connection either transmits or receives;
// bidirectional flows use one connection per direction.
type Direction int

const (
	DirectionSend Direction = iota
	DirectionReceive
)

func (d Direction) String() string {
	if d == DirectionSend {
		return "send"
	}
	return "receive"
}

func (d Direction) adapterDirection() adapter.Direction {
	if d == DirectionSend {
		return adapter.DirectionSend
	}
	return adapter.DirectionReceive
}

// Status is the externally visible up/down state of a connection.
type Status int

const (
	StatusDisconnected Status = iota
	StatusConnected
)

func (s Status) String() string {
	if s == StatusConnected {
		return "connected"
	}
	return "disconnected"
}

// Defaults applied by NewConnection for zero-valued Config fields.
const (
	// DefaultDestPort is the control handshake port. The emulated data
	// fabric binds the next port up.
	DefaultDestPort = 47593
	// DefaultMaxPayloads bounds payloads in flight on a transmitter.
	DefaultMaxPayloads = 8
	// DefaultMaxPayloadSize bounds one payload's total bytes.
	DefaultMaxPayloadSize = 2 * 1024 * 1024
	// DefaultMaxPacketSize bounds one wire packet, header included.
	DefaultMaxPacketSize = 8192
)

var (
	// ErrNotConnected reports a send attempted before the probe handshake
	// has brought the connection up, or after it went down.
	ErrNotConnected = errors.New("efastream: connection not established")
	// ErrInFlightLimit reports that MaxPayloads payloads are already queued.
	// Recoverable: retry after a payload completion callback.
	ErrInFlightLimit = errors.New("efastream: too many payloads in flight")
	// ErrPayloadTooLarge reports a payload above the configured maximum.
	ErrPayloadTooLarge = errors.New("efastream: payload exceeds configured maximum size")
	// ErrShuttingDown reports an operation on a connection being torn down.
	ErrShuttingDown = errors.New("efastream: connection is shutting down")
	// ErrBackpressure reports a full transmit queue. Recoverable: retry
	// after in-flight packets drain.
	ErrBackpressure = errors.New("efastream: transmit queue full")
)

// StateChange describes a connection status transition.
type StateChange struct {
	Status Status
	// Cause is a human-readable reason, non-empty on disconnects.
	Cause string
	// NegotiatedVersion is the protocol version in effect, empty when the
	// transition happened before negotiation.
	NegotiatedVersion string

	RemoteIP   string
	RemotePort int
	StreamName string
}

// StateChangeFunc receives connection status transitions. Invoked from
// internal goroutines; it must not block.
type StateChangeFunc func(sc StateChange)

// PayloadOptions carries per-payload metadata for Send.
type PayloadOptions struct {
	// UserData is returned verbatim in the completion callback and carried
	// to the receiver.
	UserData uint64
	// MaxLatencyMicros is the payload's latency budget, advisory.
	MaxLatencyMicros uint64
	// OriginationSeconds/Nanoseconds is the PTP origination timestamp.
	OriginationSeconds     uint32
	OriginationNanoseconds uint32
	// ExtraData is an application blob carried in the payload's first
	// packet, at most 1024 bytes.
	ExtraData []byte
}

// PayloadCompleteFunc receives transmit payload completions, at most once per
// Send. delivered is false when the payload was dropped by a reset or a
// transport failure. Invoked from the connection's callback goroutine.
type PayloadCompleteFunc func(userData uint64, delivered bool)

// ReceivedPayload is one reassembled payload handed to the receive callback.
// The fragments are only valid for the duration of the callback.
type ReceivedPayload struct {
	Fragments [][]byte
	TotalSize int

	UserData         uint64
	MaxLatencyMicros uint64
	// TxStartMicros is the transmitter's send start time in microseconds
	// since epoch, zero for legacy peers.
	TxStartMicros          uint64
	OriginationSeconds     uint32
	OriginationNanoseconds uint32
	ExtraData              []byte
}

// PayloadReceivedFunc receives reassembled payloads in arrival order. Invoked
// from the connection's callback goroutine; the payload's buffers are
// reclaimed when it returns.
type PayloadReceivedFunc func(pl *ReceivedPayload)
