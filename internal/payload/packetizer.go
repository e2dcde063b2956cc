// Package payload fragments application payloads into wire packets. The
// packetizer is a resumable state machine: a memory-pool failure mid-payload
// returns an error without corrupting progress, and the retried call picks
// up exactly where the failed one left off.
package payload

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/yuuki/efastream/internal/adapter"
	"github.com/yuuki/efastream/internal/mempool"
	"github.com/yuuki/efastream/internal/protocol"
)

// ErrPoolEmpty reports header-buffer pool exhaustion. Recoverable: retry the
// same call once in-flight packets complete and return their buffers.
var ErrPoolEmpty = errors.New("payload: header buffer pool empty")

// HeaderBuffer holds one encoded packet header plus extra data. Buffers are
// pooled and returned by the transmit completion path.
type HeaderBuffer struct {
	Data [protocol.MaxPacketHeaderSize + maxExtraDataSize]byte
}

const maxExtraDataSize = 1024

type state int

const (
	stateInactive state = iota
	stateAddingHeader
	stateAddingEntries
)

// PayloadInfo carries the per-payload metadata encoded into packet #0.
type PayloadInfo struct {
	UserData         uint64
	MaxLatencyMicros uint64
	Origination      protocol.PtpTimestamp
	ExtraData        []byte
	TxStartMicros    uint64
}

// Config sizes a packetizer for an adapter's transmit limits.
type Config struct {
	Protocol *protocol.Protocol
	// MaxPacketSize bounds one wire packet, header included.
	MaxPacketSize int
	// MaxSGLEntries bounds a packet's fragment count, header included.
	MaxSGLEntries int
	// GroupSize, when non-zero, keeps packet boundaries from splitting a
	// semantic unit of that many bytes.
	GroupSize int
	// HeaderPool supplies encoded-header buffers. Completions return them
	// with Put.
	HeaderPool *mempool.Pool[HeaderBuffer]
	Log        zerolog.Logger
}

// Packetizer fragments payloads for one endpoint. Not safe for concurrent
// use; one payload is packetized at a time.
type Packetizer struct {
	cfg Config
	log zerolog.Logger

	groupWarned bool

	st state

	// Current payload progress. Valid outside stateInactive.
	src        adapter.SGL
	info       PayloadInfo
	payloadNum uint16
	fragIndex  int
	fragOffset int
	bytesSent  int
	packetSeq  uint16

	// packetID increments across every packet of every payload.
	packetID uint32
}

// NewPacketizer validates limits and creates a packetizer.
func NewPacketizer(cfg Config) (*Packetizer, error) {
	if cfg.Protocol == nil {
		return nil, fmt.Errorf("packetizer: nil protocol")
	}
	if cfg.MaxPacketSize <= protocol.MaxPacketHeaderSize {
		return nil, fmt.Errorf("packetizer: max packet size %d cannot fit a header", cfg.MaxPacketSize)
	}
	if cfg.MaxSGLEntries < 2 {
		return nil, fmt.Errorf("packetizer: need at least 2 fragments per packet, got %d", cfg.MaxSGLEntries)
	}
	if cfg.HeaderPool == nil {
		return nil, fmt.Errorf("packetizer: nil header pool")
	}
	return &Packetizer{
		cfg: cfg,
		log: cfg.Log.With().Str("component", "packetizer").Logger(),
	}, nil
}

// StartPayload begins fragmenting a payload. The previous payload must have
// been fully emitted.
func (pk *Packetizer) StartPayload(src adapter.SGL, info PayloadInfo, payloadNum uint16) error {
	if pk.st != stateInactive {
		return fmt.Errorf("packetizer: payload %d still in progress", pk.payloadNum)
	}
	if src.TotalSize == 0 {
		return fmt.Errorf("packetizer: empty payload")
	}
	if len(info.ExtraData) > maxExtraDataSize {
		return fmt.Errorf("packetizer: extra data %d exceeds %d bytes", len(info.ExtraData), maxExtraDataSize)
	}
	// The first packet must fit its extended header and at least one data
	// byte; catching this here keeps an impossible payload from surfacing
	// later as pool exhaustion.
	if hdrSize := pk.cfg.Protocol.Num0HeaderSize(len(info.ExtraData)); hdrSize >= pk.cfg.MaxPacketSize {
		return fmt.Errorf("packetizer: first packet header %d bytes (extra data %d) leaves no room in max packet size %d",
			hdrSize, len(info.ExtraData), pk.cfg.MaxPacketSize)
	}
	pk.src = src
	pk.info = info
	pk.payloadNum = payloadNum
	pk.fragIndex = 0
	pk.fragOffset = 0
	pk.bytesSent = 0
	pk.packetSeq = 0
	pk.st = stateAddingHeader
	return nil
}

// Active reports whether a payload is partially emitted.
func (pk *Packetizer) Active() bool { return pk.st != stateInactive }

// Reset abandons any in-progress payload. Used when the endpoint resets.
func (pk *Packetizer) Reset() {
	pk.st = stateInactive
}

// NextPacket emits the next wire packet of the current payload. The packet's
// first fragment is the encoded header (taken from the header pool, stored
// as the packet's user data for the completion path to return); the
// remaining fragments alias the payload source. Reports whether this was the
// payload's last packet. A pool failure returns ErrPoolEmpty with all
// progress intact.
func (pk *Packetizer) NextPacket() (*adapter.Packet, bool, error) {
	if pk.st == stateInactive {
		return nil, false, fmt.Errorf("packetizer: no payload in progress")
	}

	// The single failure point comes first so a failed call leaves no
	// partial progress behind.
	hdrBuf, err := pk.cfg.HeaderPool.Get()
	if err != nil {
		return nil, false, ErrPoolEmpty
	}
	pk.st = stateAddingHeader

	hdr := protocol.PacketHeader{
		SequenceNum: pk.packetSeq,
		PayloadNum:  pk.payloadNum,
		PacketID:    pk.packetID,
	}
	if pk.packetSeq == 0 {
		hdr.PayloadType = protocol.PayloadTypeData
		hdr.Num0 = &protocol.Num0Info{
			TotalPayloadSize: uint32(pk.src.TotalSize),
			MaxLatencyMicros: pk.info.MaxLatencyMicros,
			Origination:      pk.info.Origination,
			UserData:         pk.info.UserData,
			ExtraData:        pk.info.ExtraData,
			TxStartMicros:    pk.info.TxStartMicros,
		}
	} else {
		hdr.PayloadType = protocol.PayloadTypeDataOffset
		hdr.DataOffset = uint32(pk.bytesSent)
	}

	headerSize, err := pk.cfg.Protocol.EncodePacketHeader(hdrBuf.Data[:], &hdr)
	if err != nil {
		pk.cfg.HeaderPool.Put(hdrBuf)
		return nil, false, fmt.Errorf("encode packet header: %w", err)
	}

	budget := pk.packetBudget(headerSize)

	pkt := &adapter.Packet{SGL: adapter.MakeSGL(hdrBuf.Data[:headerSize])}
	pkt.SetUserData(hdrBuf)

	pk.st = stateAddingEntries
	remaining := budget
	entries := 1
	for remaining > 0 && pk.fragIndex < len(pk.src.Fragments) && entries < pk.cfg.MaxSGLEntries {
		frag := pk.src.Fragments[pk.fragIndex]
		avail := len(frag) - pk.fragOffset
		take := avail
		if take > remaining {
			take = remaining
		}
		pkt.SGL.Append(frag[pk.fragOffset : pk.fragOffset+take])
		entries++
		remaining -= take
		pk.bytesSent += take
		pk.fragOffset += take
		if pk.fragOffset == len(frag) {
			pk.fragIndex++
			pk.fragOffset = 0
		}
	}

	pk.packetSeq++
	pk.packetID++

	last := pk.bytesSent >= pk.src.TotalSize
	if last {
		pk.st = stateInactive
	} else {
		pk.st = stateAddingHeader
	}
	return pkt, last, nil
}

// packetBudget returns the data bytes allowed in this packet, aligned down
// to the group size so a boundary never splits a group. A group larger than
// the whole budget disables alignment for the payload.
func (pk *Packetizer) packetBudget(headerSize int) int {
	budget := pk.cfg.MaxPacketSize - headerSize
	if pk.cfg.GroupSize > 1 {
		if pk.cfg.GroupSize <= budget {
			budget -= budget % pk.cfg.GroupSize
		} else if !pk.groupWarned {
			pk.log.Warn().Int("group_size", pk.cfg.GroupSize).Int("budget", budget).
				Msg("group size exceeds packet budget, packing unaligned")
			pk.groupWarned = true
		}
	}
	if remaining := pk.src.TotalSize - pk.bytesSent; budget > remaining {
		budget = remaining
	}
	return budget
}
