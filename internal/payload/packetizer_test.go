package payload

import (
	"bytes"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yuuki/efastream/internal/adapter"
	"github.com/yuuki/efastream/internal/mempool"
	"github.com/yuuki/efastream/internal/protocol"
)

func newTestPacketizer(t *testing.T, maxPacket, groupSize, poolSize int) *Packetizer {
	t.Helper()
	pool := mempool.New(poolSize, func() *HeaderBuffer { return &HeaderBuffer{} })
	pk, err := NewPacketizer(Config{
		Protocol:      protocol.New(protocol.CurrentVersion()),
		MaxPacketSize: maxPacket,
		MaxSGLEntries: 8,
		GroupSize:     groupSize,
		HeaderPool:    pool,
		Log:           zerolog.Nop(),
	})
	require.NoError(t, err)
	return pk
}

func patternPayload(size int) adapter.SGL {
	buf := make([]byte, size)
	for i := range buf {
		buf[i] = byte(i % 251)
	}
	// Split into uneven fragments to exercise the fragment walk.
	return adapter.MakeSGL(buf[:size/3], buf[size/3:size/3+7], buf[size/3+7:])
}

// emitAll drains the current payload, returning each packet's data bytes
// (fragments past the header) concatenated per packet.
func emitAll(t *testing.T, pk *Packetizer) ([][]byte, []*adapter.Packet) {
	t.Helper()
	var datas [][]byte
	var pkts []*adapter.Packet
	for {
		pkt, last, err := pk.NextPacket()
		require.NoError(t, err)
		var data []byte
		for _, frag := range pkt.SGL.Fragments[1:] {
			data = append(data, frag...)
		}
		datas = append(datas, data)
		pkts = append(pkts, pkt)
		if last {
			return datas, pkts
		}
	}
}

func TestPacketizerReassemblesExactly(t *testing.T) {
	pk := newTestPacketizer(t, 512, 0, 64)
	src := patternPayload(3000)

	require.NoError(t, pk.StartPayload(src, PayloadInfo{UserData: 7}, 3))
	datas, pkts := emitAll(t, pk)

	var joined []byte
	for _, d := range datas {
		joined = append(joined, d...)
	}
	assert.Equal(t, src.Bytes(), joined)
	assert.False(t, pk.Active())

	// Packet #0 carries the extended header, the rest carry offsets.
	proto := protocol.New(protocol.CurrentVersion())
	hdr0, err := proto.DecodePacketHeader(pkts[0].SGL.Fragments[0])
	require.NoError(t, err)
	require.NotNil(t, hdr0.Num0)
	assert.Equal(t, protocol.PayloadTypeData, hdr0.PayloadType)
	assert.Equal(t, uint32(3000), hdr0.Num0.TotalPayloadSize)
	assert.Equal(t, uint64(7), hdr0.Num0.UserData)

	offset := len(datas[0])
	for i, pkt := range pkts[1:] {
		hdr, err := proto.DecodePacketHeader(pkt.SGL.Fragments[0])
		require.NoError(t, err)
		assert.Equal(t, protocol.PayloadTypeDataOffset, hdr.PayloadType)
		assert.Equal(t, uint32(offset), hdr.DataOffset)
		assert.Equal(t, uint16(i+1), hdr.SequenceNum)
		offset += len(datas[i+1])
	}
}

func TestPacketizerResumesAfterPoolExhaustion(t *testing.T) {
	// Reference run with an ample pool.
	ref := newTestPacketizer(t, 512, 0, 64)
	src := patternPayload(4000)
	require.NoError(t, ref.StartPayload(src, PayloadInfo{}, 0))
	want, _ := emitAll(t, ref)

	// Constrained run: a single-buffer pool that is drained before some
	// calls, forcing ErrPoolEmpty, then refilled to resume.
	pool := mempool.New(1, func() *HeaderBuffer { return &HeaderBuffer{} })
	pk, err := NewPacketizer(Config{
		Protocol:      protocol.New(protocol.CurrentVersion()),
		MaxPacketSize: 512,
		MaxSGLEntries: 8,
		HeaderPool:    pool,
		Log:           zerolog.Nop(),
	})
	require.NoError(t, err)
	require.NoError(t, pk.StartPayload(src, PayloadInfo{}, 0))

	var got [][]byte
	starve := true
	for {
		if starve {
			held, herr := pool.Get()
			require.NoError(t, herr)
			_, _, err := pk.NextPacket()
			assert.ErrorIs(t, err, ErrPoolEmpty)
			pool.Put(held)
		}
		starve = !starve

		pkt, last, err := pk.NextPacket()
		require.NoError(t, err)
		var data []byte
		for _, frag := range pkt.SGL.Fragments[1:] {
			data = append(data, frag...)
		}
		got = append(got, data)
		// Simulate send completion returning the header buffer.
		pool.Put(pkt.UserData().(*HeaderBuffer))
		if last {
			break
		}
	}

	require.Equal(t, len(want), len(got))
	for i := range want {
		assert.True(t, bytes.Equal(want[i], got[i]), "packet %d differs after resume", i)
	}
}

func TestPacketizerGroupAlignment(t *testing.T) {
	const group = 12
	pk := newTestPacketizer(t, 256, group, 64)
	src := adapter.MakeSGL(make([]byte, 1200))

	require.NoError(t, pk.StartPayload(src, PayloadInfo{}, 0))
	datas, _ := emitAll(t, pk)
	for i, d := range datas[:len(datas)-1] {
		assert.Zerof(t, len(d)%group, "packet %d data size %d not group aligned", i, len(d))
	}
}

func TestPacketizerOversizedGroupFallsBack(t *testing.T) {
	// A group larger than any packet budget cannot be honored; packing
	// proceeds unaligned instead of stalling.
	pk := newTestPacketizer(t, 128, 4096, 64)
	src := adapter.MakeSGL(make([]byte, 600))

	require.NoError(t, pk.StartPayload(src, PayloadInfo{}, 0))
	datas, _ := emitAll(t, pk)
	total := 0
	for _, d := range datas {
		total += len(d)
	}
	assert.Equal(t, 600, total)
}

func TestPacketizerRejectsMisuse(t *testing.T) {
	pk := newTestPacketizer(t, 512, 0, 64)

	_, _, err := pk.NextPacket()
	assert.Error(t, err, "no payload in progress")

	require.NoError(t, pk.StartPayload(adapter.MakeSGL(make([]byte, 10)), PayloadInfo{}, 0))
	assert.Error(t, pk.StartPayload(adapter.MakeSGL(make([]byte, 10)), PayloadInfo{}, 1),
		"second payload before the first finished")

	assert.Error(t, func() error {
		pk2 := newTestPacketizer(t, 512, 0, 64)
		return pk2.StartPayload(adapter.SGL{}, PayloadInfo{}, 0)
	}(), "empty payload")
}

func TestPacketizerPacketIDMonotonicAcrossPayloads(t *testing.T) {
	pk := newTestPacketizer(t, 512, 0, 64)
	proto := protocol.New(protocol.CurrentVersion())

	var lastID uint32
	first := true
	for num := uint16(0); num < 3; num++ {
		require.NoError(t, pk.StartPayload(patternPayload(1500), PayloadInfo{}, num))
		_, pkts := emitAll(t, pk)
		for _, pkt := range pkts {
			hdr, err := proto.DecodePacketHeader(pkt.SGL.Fragments[0])
			require.NoError(t, err)
			if !first {
				assert.Equal(t, lastID+1, hdr.PacketID)
			}
			lastID = hdr.PacketID
			first = false
		}
	}
}

func TestPacketizerRejectsOversizedFirstHeader(t *testing.T) {
	pk := newTestPacketizer(t, 128, 0, 8)

	// The extended first-packet header plus this much extra data cannot fit
	// in one packet; the payload must be rejected before any packet is cut.
	err := pk.StartPayload(patternPayload(512), PayloadInfo{ExtraData: make([]byte, 128)}, 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max packet size")
	assert.False(t, pk.Active())
	assert.Equal(t, 8, pk.cfg.HeaderPool.Free(), "rejected payload must not consume header buffers")

	// Without the extra data the same payload packetizes normally.
	require.NoError(t, pk.StartPayload(patternPayload(512), PayloadInfo{}, 0))
	emitAll(t, pk)
	assert.False(t, pk.Active())
}
