package rtpaudio

import "sync/atomic"

// fecBlock holds the reassembly state of one FEC block: DataShards full RTP
// data packets plus ParityShards raw parity shards. A single slab backs every
// shard buffer, and the data shard regions include room for the RTP header so
// a recovered shard is emittable without another copy.
type fecBlock struct {
	prev, next *fecBlock

	fecHeader fecHeader
	blockSize int

	buf         []byte
	dataPackets [][]byte // rtpHeaderSize+blockSize bytes each, views into buf
	fecPackets  [][]byte // blockSize bytes each, views into buf

	// marks[i] == 1 means shard i is missing; data shards first, then parity.
	marks              []uint8
	dataShardsReceived int
	fecShardsReceived  int

	// nextDataPacketIndex advances from 0 to DataShards as the caller
	// consumes the block's packets.
	nextDataPacketIndex int

	fullyReassembled   bool
	allowDiscontinuity bool
	queueTimeMs        uint32
}

func newFECBlock(dataShards, parityShards, blockSize int) *fecBlock {
	dataPacketSize := rtpHeaderSize + blockSize
	b := &fecBlock{
		blockSize:   blockSize,
		buf:         make([]byte, dataShards*dataPacketSize+parityShards*blockSize),
		dataPackets: make([][]byte, dataShards),
		fecPackets:  make([][]byte, parityShards),
		marks:       make([]uint8, dataShards+parityShards),
	}

	off := 0
	for i := range b.dataPackets {
		b.dataPackets[i] = b.buf[off : off+dataPacketSize : off+dataPacketSize]
		off += dataPacketSize
	}
	for i := range b.fecPackets {
		b.fecPackets[i] = b.buf[off : off+blockSize : off+blockSize]
		off += blockSize
	}
	return b
}

// reset prepares a fresh or pooled block for a new base sequence number. The
// shard buffers are not cleared; every byte read out of them is written first
// by a packet copy or by reconstruction.
func (b *fecBlock) reset(hdr fecHeader, nowMs uint32) {
	b.prev, b.next = nil, nil
	b.fecHeader = hdr
	for i := range b.marks {
		b.marks[i] = 1
	}
	b.dataShardsReceived = 0
	b.fecShardsReceived = 0
	b.nextDataPacketIndex = 0
	b.fullyReassembled = false
	b.allowDiscontinuity = false
	b.queueTimeMs = nowMs
}

// blockPool is a LIFO cache of retired block containers. Because the slab
// size depends on the shard size, a cached entry is only reusable when the
// sizes match; a mismatched head entry is discarded so the cache refills with
// the size the server is now using.
type blockPool struct {
	head  *fecBlock
	count int

	limit        int
	dataShards   int
	parityShards int
}

func (p *blockPool) get(blockSize int) *fecBlock {
	if b := p.head; b != nil {
		p.head = b.next
		p.count--
		if b.blockSize == blockSize {
			atomic.AddUint64(&DefaultSnmp.BlocksReused, 1)
			return b
		}
		// The server changed its shard size mid-session. Drop this entry and
		// let the cache drain lazily.
	}
	atomic.AddUint64(&DefaultSnmp.BlocksAllocated, 1)
	return newFECBlock(p.dataShards, p.parityShards, blockSize)
}

func (p *blockPool) put(b *fecBlock) {
	if p.count >= p.limit {
		return
	}
	b.prev = nil
	b.next = p.head
	p.head = b
	p.count++
}

func (p *blockPool) drain() {
	p.head = nil
	p.count = 0
}
