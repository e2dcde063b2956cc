package protocol

import (
	"encoding/binary"
	"fmt"
)

// V2 wire layout differences from V1: payloadNum widens to u16, packet
// headers gain a u32 packetID, packet #0 gains a u64 transmit start time,
// and the probe header drops the obsolete stream identifier.
const (
	v2PacketCommonSize  = 9
	v2PacketNum0Size    = 47
	v2PacketOffsetSize  = 13
	v2PacketTxStartOff  = 39
	v2PacketExtraSzOff  = 37
	v2ProbePortOffset   = 241
	v2ProbePacketNumOff = 243
	v2ProbeChecksumOff  = 245
	v2ProbeCommonSize   = 247
	v2ProbeCommandSize  = v2ProbeCommonSize + 1
	v2ProbeAckSize      = v2ProbeCommonSize + 6
)

type codecV2 struct{}

func (codecV2) num0HeaderSize() int { return v2PacketNum0Size }

func (codecV2) encodePacketHeader(dst []byte, h *PacketHeader) (int, error) {
	size := v2PacketCommonSize
	switch {
	case h.SequenceNum == 0:
		if h.Num0 == nil {
			return 0, fmt.Errorf("%w: packet 0 header without num0 info", ErrInvalidSize)
		}
		size = v2PacketNum0Size + len(h.Num0.ExtraData)
	case h.PayloadType == PayloadTypeDataOffset:
		size = v2PacketOffsetSize
	}
	if len(dst) < size {
		return 0, fmt.Errorf("%w: header buffer %d bytes, need %d", ErrInvalidSize, len(dst), size)
	}

	dst[0] = byte(h.PayloadType)
	binary.LittleEndian.PutUint16(dst[1:], h.SequenceNum)
	binary.LittleEndian.PutUint16(dst[3:], h.PayloadNum)
	binary.LittleEndian.PutUint32(dst[5:], h.PacketID)

	if h.SequenceNum == 0 {
		n0 := h.Num0
		binary.LittleEndian.PutUint32(dst[9:], n0.TotalPayloadSize)
		binary.LittleEndian.PutUint64(dst[13:], n0.MaxLatencyMicros)
		binary.LittleEndian.PutUint32(dst[21:], n0.Origination.Seconds)
		binary.LittleEndian.PutUint32(dst[25:], n0.Origination.Nanoseconds)
		binary.LittleEndian.PutUint64(dst[29:], n0.UserData)
		binary.LittleEndian.PutUint16(dst[v2PacketExtraSzOff:], uint16(len(n0.ExtraData)))
		binary.LittleEndian.PutUint64(dst[v2PacketTxStartOff:], n0.TxStartMicros)
		copy(dst[v2PacketNum0Size:], n0.ExtraData)
	} else if h.PayloadType == PayloadTypeDataOffset {
		binary.LittleEndian.PutUint32(dst[9:], h.DataOffset)
	}

	h.EncodedSize = size
	return size, nil
}

func (codecV2) decodePacketHeader(src []byte) (PacketHeader, error) {
	if len(src) < v2PacketCommonSize {
		return PacketHeader{}, fmt.Errorf("%w: packet header %d bytes", ErrInvalidSize, len(src))
	}
	h := PacketHeader{
		PayloadType: PayloadType(src[0]),
		SequenceNum: binary.LittleEndian.Uint16(src[1:]),
		PayloadNum:  binary.LittleEndian.Uint16(src[3:]),
		PacketID:    binary.LittleEndian.Uint32(src[5:]),
		EncodedSize: v2PacketCommonSize,
	}

	switch {
	case h.SequenceNum == 0:
		if len(src) < v2PacketNum0Size {
			return PacketHeader{}, fmt.Errorf("%w: num0 header %d bytes", ErrInvalidSize, len(src))
		}
		extraSize := int(binary.LittleEndian.Uint16(src[v2PacketExtraSzOff:]))
		if len(src) < v2PacketNum0Size+extraSize {
			return PacketHeader{}, fmt.Errorf("%w: extra data %d bytes beyond buffer", ErrInvalidSize, extraSize)
		}
		n0 := &Num0Info{
			TotalPayloadSize: binary.LittleEndian.Uint32(src[9:]),
			MaxLatencyMicros: binary.LittleEndian.Uint64(src[13:]),
			Origination: PtpTimestamp{
				Seconds:     binary.LittleEndian.Uint32(src[21:]),
				Nanoseconds: binary.LittleEndian.Uint32(src[25:]),
			},
			UserData:      binary.LittleEndian.Uint64(src[29:]),
			TxStartMicros: binary.LittleEndian.Uint64(src[v2PacketTxStartOff:]),
		}
		if extraSize > 0 {
			n0.ExtraData = src[v2PacketNum0Size : v2PacketNum0Size+extraSize]
		}
		h.Num0 = n0
		h.EncodedSize = v2PacketNum0Size + extraSize
	case h.PayloadType == PayloadTypeDataOffset:
		if len(src) < v2PacketOffsetSize {
			return PacketHeader{}, fmt.Errorf("%w: offset header %d bytes", ErrInvalidSize, len(src))
		}
		h.DataOffset = binary.LittleEndian.Uint32(src[9:])
		h.EncodedSize = v2PacketOffsetSize
	}

	return h, nil
}

func (codecV2) rxReorderInfo(src []byte) (RxReorderInfo, error) {
	if len(src) < v2PacketCommonSize {
		return RxReorderInfo{}, fmt.Errorf("%w: packet header %d bytes", ErrInvalidSize, len(src))
	}
	return RxReorderInfo{
		PayloadNum:  binary.LittleEndian.Uint16(src[3:]),
		SequenceNum: binary.LittleEndian.Uint16(src[1:]),
	}, nil
}

func (codecV2) encodeProbeHeader(dst []byte, h *ProbeHeader) (int, error) {
	size := v2ProbeCommandSize
	if h.Command == CommandAck {
		size = v2ProbeAckSize
	}
	if len(dst) < size {
		return 0, fmt.Errorf("%w: probe buffer %d bytes, need %d", ErrInvalidSize, len(dst), size)
	}
	buf := dst[:size]
	clearBytes(buf)

	encodeProbeCommon(buf, h)
	binary.LittleEndian.PutUint16(buf[v2ProbePortOffset:], h.SendersControlDestPort)
	binary.LittleEndian.PutUint16(buf[v2ProbePacketNumOff:], h.ControlPacketNum)

	if h.Command == CommandAck {
		binary.LittleEndian.PutUint32(buf[v2ProbeCommonSize:], uint32(h.AckCommand))
		binary.LittleEndian.PutUint16(buf[v2ProbeCommonSize+4:], h.AckControlPacketNum)
	} else if h.RequiresAck {
		buf[v2ProbeCommonSize] = 1
	}

	binary.LittleEndian.PutUint16(buf[v2ProbeChecksumOff:], 0)
	binary.LittleEndian.PutUint16(buf[v2ProbeChecksumOff:], checksum(buf))
	return size, nil
}

func (codecV2) decodeProbeHeader(src []byte) (ProbeHeader, error) {
	if len(src) < v2ProbeCommonSize {
		return ProbeHeader{}, fmt.Errorf("%w: probe header %d bytes, want at least %d",
			ErrInvalidSize, len(src), v2ProbeCommonSize)
	}

	h := decodeProbeCommon(src)
	h.SendersControlDestPort = binary.LittleEndian.Uint16(src[v2ProbePortOffset:])
	h.ControlPacketNum = binary.LittleEndian.Uint16(src[v2ProbePacketNumOff:])

	size := v2ProbeCommandSize
	if h.Command == CommandAck {
		size = v2ProbeAckSize
	}
	if err := verifyProbe(src, size, v2ProbeChecksumOff, h.Command); err != nil {
		return ProbeHeader{}, err
	}

	if h.Command == CommandAck {
		h.AckCommand = Command(binary.LittleEndian.Uint32(src[v2ProbeCommonSize:]))
		h.AckControlPacketNum = binary.LittleEndian.Uint16(src[v2ProbeCommonSize+4:])
	} else {
		h.RequiresAck = src[v2ProbeCommonSize] != 0
	}
	return h, nil
}
