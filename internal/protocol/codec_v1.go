package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// V1 wire layout (packed, little endian).
//
// Packet common header: type u8, sequence u16, payloadNum u8 (4 bytes).
// Packet #0 header adds: totalSize u32, maxLatency u64, ptp u32+u32,
// userData u64, extraSize u16 (34 bytes), extra data following.
// Data-offset header adds: dataOffset u32 (8 bytes).
//
// Probe common header: version 3xu8, command u32, ip [64], gid [32],
// streamName [138], streamID i32, controlDestPort u16, controlPacketNum u16,
// checksum u16 (251 bytes). Command packets add requiresAck u8 (252), ack
// packets add ackCommand u32 + ackPacketNum u16 (257).
const (
	v1PacketCommonSize = 4
	v1PacketNum0Size   = 34
	v1PacketOffsetSize = 8

	v1ProbeStreamIDOffset = 241
	v1ProbePortOffset     = 245
	v1ProbePacketNumOff   = 247
	v1ProbeChecksumOffset = 249
	v1ProbeCommonSize     = 251
	v1ProbeCommandSize    = v1ProbeCommonSize + 1
	v1ProbeAckSize        = v1ProbeCommonSize + 6
)

type codecV1 struct{}

func (codecV1) num0HeaderSize() int { return v1PacketNum0Size }

func (codecV1) encodePacketHeader(dst []byte, h *PacketHeader) (int, error) {
	size := v1PacketCommonSize
	switch {
	case h.SequenceNum == 0:
		if h.Num0 == nil {
			return 0, fmt.Errorf("%w: packet 0 header without num0 info", ErrInvalidSize)
		}
		size = v1PacketNum0Size + len(h.Num0.ExtraData)
	case h.PayloadType == PayloadTypeDataOffset:
		size = v1PacketOffsetSize
	}
	if len(dst) < size {
		return 0, fmt.Errorf("%w: header buffer %d bytes, need %d", ErrInvalidSize, len(dst), size)
	}

	dst[0] = byte(h.PayloadType)
	binary.LittleEndian.PutUint16(dst[1:], h.SequenceNum)
	dst[3] = byte(h.PayloadNum)

	if h.SequenceNum == 0 {
		n0 := h.Num0
		binary.LittleEndian.PutUint32(dst[4:], n0.TotalPayloadSize)
		binary.LittleEndian.PutUint64(dst[8:], n0.MaxLatencyMicros)
		binary.LittleEndian.PutUint32(dst[16:], n0.Origination.Seconds)
		binary.LittleEndian.PutUint32(dst[20:], n0.Origination.Nanoseconds)
		binary.LittleEndian.PutUint64(dst[24:], n0.UserData)
		binary.LittleEndian.PutUint16(dst[32:], uint16(len(n0.ExtraData)))
		copy(dst[v1PacketNum0Size:], n0.ExtraData)
	} else if h.PayloadType == PayloadTypeDataOffset {
		binary.LittleEndian.PutUint32(dst[4:], h.DataOffset)
	}

	h.EncodedSize = size
	return size, nil
}

func (codecV1) decodePacketHeader(src []byte) (PacketHeader, error) {
	if len(src) < v1PacketCommonSize {
		return PacketHeader{}, fmt.Errorf("%w: packet header %d bytes", ErrInvalidSize, len(src))
	}
	h := PacketHeader{
		PayloadType: PayloadType(src[0]),
		SequenceNum: binary.LittleEndian.Uint16(src[1:]),
		PayloadNum:  uint16(src[3]),
		EncodedSize: v1PacketCommonSize,
	}

	switch {
	case h.SequenceNum == 0:
		if len(src) < v1PacketNum0Size {
			return PacketHeader{}, fmt.Errorf("%w: num0 header %d bytes", ErrInvalidSize, len(src))
		}
		extraSize := int(binary.LittleEndian.Uint16(src[32:]))
		if len(src) < v1PacketNum0Size+extraSize {
			return PacketHeader{}, fmt.Errorf("%w: extra data %d bytes beyond buffer", ErrInvalidSize, extraSize)
		}
		n0 := &Num0Info{
			TotalPayloadSize: binary.LittleEndian.Uint32(src[4:]),
			MaxLatencyMicros: binary.LittleEndian.Uint64(src[8:]),
			Origination: PtpTimestamp{
				Seconds:     binary.LittleEndian.Uint32(src[16:]),
				Nanoseconds: binary.LittleEndian.Uint32(src[20:]),
			},
			UserData: binary.LittleEndian.Uint64(src[24:]),
		}
		if extraSize > 0 {
			n0.ExtraData = src[v1PacketNum0Size : v1PacketNum0Size+extraSize]
		}
		h.Num0 = n0
		h.EncodedSize = v1PacketNum0Size + extraSize
	case h.PayloadType == PayloadTypeDataOffset:
		if len(src) < v1PacketOffsetSize {
			return PacketHeader{}, fmt.Errorf("%w: offset header %d bytes", ErrInvalidSize, len(src))
		}
		h.DataOffset = binary.LittleEndian.Uint32(src[4:])
		h.EncodedSize = v1PacketOffsetSize
	}

	return h, nil
}

func (codecV1) rxReorderInfo(src []byte) (RxReorderInfo, error) {
	if len(src) < v1PacketCommonSize {
		return RxReorderInfo{}, fmt.Errorf("%w: packet header %d bytes", ErrInvalidSize, len(src))
	}
	return RxReorderInfo{
		PayloadNum:  uint16(src[3]),
		SequenceNum: binary.LittleEndian.Uint16(src[1:]),
	}, nil
}

func (codecV1) encodeProbeHeader(dst []byte, h *ProbeHeader) (int, error) {
	size := v1ProbeCommandSize
	if h.Command == CommandAck {
		size = v1ProbeAckSize
	}
	if len(dst) < size {
		return 0, fmt.Errorf("%w: probe buffer %d bytes, need %d", ErrInvalidSize, len(dst), size)
	}
	buf := dst[:size]
	clearBytes(buf)

	encodeProbeCommon(buf, h)
	binary.LittleEndian.PutUint32(buf[v1ProbeStreamIDOffset:], uint32(streamIdentifierUnused))
	binary.LittleEndian.PutUint16(buf[v1ProbePortOffset:], h.SendersControlDestPort)
	binary.LittleEndian.PutUint16(buf[v1ProbePacketNumOff:], h.ControlPacketNum)

	if h.Command == CommandAck {
		binary.LittleEndian.PutUint32(buf[v1ProbeCommonSize:], uint32(h.AckCommand))
		binary.LittleEndian.PutUint16(buf[v1ProbeCommonSize+4:], h.AckControlPacketNum)
	} else if h.RequiresAck {
		buf[v1ProbeCommonSize] = 1
	}

	binary.LittleEndian.PutUint16(buf[v1ProbeChecksumOffset:], 0)
	binary.LittleEndian.PutUint16(buf[v1ProbeChecksumOffset:], checksum(buf))
	return size, nil
}

func (codecV1) decodeProbeHeader(src []byte) (ProbeHeader, error) {
	if len(src) < v1ProbeCommonSize {
		return ProbeHeader{}, fmt.Errorf("%w: probe header %d bytes, want at least %d",
			ErrInvalidSize, len(src), v1ProbeCommonSize)
	}

	h := decodeProbeCommon(src)
	h.SendersControlDestPort = binary.LittleEndian.Uint16(src[v1ProbePortOffset:])
	h.ControlPacketNum = binary.LittleEndian.Uint16(src[v1ProbePacketNumOff:])

	size := v1ProbeCommandSize
	if h.Command == CommandAck {
		size = v1ProbeAckSize
	}
	if err := verifyProbe(src, size, v1ProbeChecksumOffset, h.Command); err != nil {
		return ProbeHeader{}, err
	}

	if h.Command == CommandAck {
		h.AckCommand = Command(binary.LittleEndian.Uint32(src[v1ProbeCommonSize:]))
		h.AckControlPacketNum = binary.LittleEndian.Uint16(src[v1ProbeCommonSize+4:])
	} else {
		h.RequiresAck = src[v1ProbeCommonSize] != 0
	}
	return h, nil
}

// encodeProbeCommon writes the fields shared by both versions up to the
// stream name. Offsets past the stream name differ per version.
func encodeProbeCommon(buf []byte, h *ProbeHeader) {
	buf[0] = h.SendersVersion.Num
	buf[1] = h.SendersVersion.Major
	buf[2] = h.SendersVersion.Probe
	binary.LittleEndian.PutUint32(buf[3:], uint32(h.Command))
	copy(buf[7:7+maxIPStringLength-1], h.SendersIP)
	copy(buf[7+maxIPStringLength:], h.SendersGID[:])
	copy(buf[7+maxIPStringLength+maxGIDLength:7+maxIPStringLength+maxGIDLength+maxStreamNameLength-1],
		h.SendersStreamName)
}

func decodeProbeCommon(src []byte) ProbeHeader {
	h := ProbeHeader{
		SendersVersion: Version{Num: src[0], Major: src[1], Probe: src[2]},
		Command:        Command(binary.LittleEndian.Uint32(src[3:])),
		SendersIP:      cString(src[7 : 7+maxIPStringLength]),
	}
	copy(h.SendersGID[:], src[7+maxIPStringLength:])
	h.SendersStreamName = cString(
		src[7+maxIPStringLength+maxGIDLength : 7+maxIPStringLength+maxGIDLength+maxStreamNameLength])
	return h
}

// verifyProbe checks the command value, the exact encoded length and the
// checksum. Any failure is treated by callers like a lost datagram.
func verifyProbe(src []byte, size, checksumOffset int, cmd Command) error {
	if !cmd.valid() {
		return fmt.Errorf("%w: value %d", ErrInvalidCommand, cmd)
	}
	if len(src) != size {
		return fmt.Errorf("%w: probe header %d bytes, want %d", ErrInvalidSize, len(src), size)
	}
	expected := binary.LittleEndian.Uint16(src[checksumOffset:])
	scratch := make([]byte, size)
	copy(scratch, src)
	binary.LittleEndian.PutUint16(scratch[checksumOffset:], 0)
	if got := checksum(scratch); got != expected {
		return fmt.Errorf("%w: got 0x%04x, want 0x%04x", ErrChecksum, got, expected)
	}
	return nil
}

func cString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

func clearBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
