package rtpaudio

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBlockSlabLayout(t *testing.T) {
	const blockSize = 16
	b := newFECBlock(defaultDataShards, defaultParityShards, blockSize)

	dataPacketSize := rtpHeaderSize + blockSize
	require.Len(t, b.buf, defaultDataShards*dataPacketSize+defaultParityShards*blockSize)

	// Every shard buffer is a view into the slab, capped at its own region.
	for i, dp := range b.dataPackets {
		assert.Len(t, dp, dataPacketSize)
		assert.Equal(t, dataPacketSize, cap(dp))
		dp[0] = byte(0xA0 + i)
		assert.Equal(t, byte(0xA0+i), b.buf[i*dataPacketSize])
	}
	for i, fp := range b.fecPackets {
		assert.Len(t, fp, blockSize)
		assert.Equal(t, blockSize, cap(fp))
		fp[0] = byte(0xB0 + i)
		assert.Equal(t, byte(0xB0+i), b.buf[defaultDataShards*dataPacketSize+i*blockSize])
	}
}

func TestBlockReset(t *testing.T) {
	b := newFECBlock(defaultDataShards, defaultParityShards, 16)
	hdr := fecHeader{payloadType: 97, baseSequenceNumber: 100, baseTimestamp: 500, ssrc: testSSRC}

	b.marks[0] = 0
	b.dataShardsReceived = 2
	b.fecShardsReceived = 1
	b.nextDataPacketIndex = 3
	b.fullyReassembled = true
	b.allowDiscontinuity = true

	b.reset(hdr, 4242)

	assert.Equal(t, hdr, b.fecHeader)
	for i, m := range b.marks {
		assert.Equal(t, uint8(1), m, "mark %d", i)
	}
	assert.Zero(t, b.dataShardsReceived)
	assert.Zero(t, b.fecShardsReceived)
	assert.Zero(t, b.nextDataPacketIndex)
	assert.False(t, b.fullyReassembled)
	assert.False(t, b.allowDiscontinuity)
	assert.Equal(t, uint32(4242), b.queueTimeMs)
}

func TestBlockPoolReuse(t *testing.T) {
	p := blockPool{limit: 2, dataShards: defaultDataShards, parityShards: defaultParityShards}

	b1 := p.get(16)
	require.NotNil(t, b1)
	p.put(b1)
	require.Equal(t, 1, p.count)

	// Matching size: the cached container comes back.
	b2 := p.get(16)
	assert.Same(t, b1, b2)
	assert.Equal(t, 0, p.count)
}

func TestBlockPoolDiscardsMismatchedSize(t *testing.T) {
	p := blockPool{limit: 2, dataShards: defaultDataShards, parityShards: defaultParityShards}

	b1 := p.get(16)
	p.put(b1)

	// A different shard size drops the cached entry and allocates fresh.
	b2 := p.get(8)
	assert.NotSame(t, b1, b2)
	assert.Equal(t, 8, b2.blockSize)
	assert.Equal(t, 0, p.count)

	// The discarded entry is gone for good.
	b3 := p.get(16)
	assert.NotSame(t, b1, b3)
}

func TestBlockPoolLimit(t *testing.T) {
	p := blockPool{limit: 2, dataShards: defaultDataShards, parityShards: defaultParityShards}

	blocks := []*fecBlock{p.get(16), p.get(16), p.get(16)}
	for _, b := range blocks {
		p.put(b)
	}
	assert.Equal(t, 2, p.count)

	p.drain()
	assert.Equal(t, 0, p.count)
	assert.Nil(t, p.head)
}

func TestQueueReusesRetiredBlocks(t *testing.T) {
	q, _ := newTestQueue(t)
	syncTo(t, q, 200)

	require.Equal(t, PacketDropped, q.AddPacket(audioPacket(201, 1005, testPayload(201))))
	first := q.blocks.head
	require.NotNil(t, first)

	for _, seq := range []uint16{200, 202, 203} {
		q.AddPacket(audioPacket(seq, 1000+uint32(seq-200)*5, testPayload(seq)))
	}
	for {
		if _, _, ok := q.ReadQueuedPacket(0); !ok {
			break
		}
	}
	require.Nil(t, q.blocks.head)

	// The next block of the same shard size reuses the retired container.
	require.Equal(t, PacketDropped, q.AddPacket(audioPacket(205, 1025, testPayload(205))))
	assert.Same(t, first, q.blocks.head)
}
