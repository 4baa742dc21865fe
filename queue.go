package rtpaudio

import (
	"bytes"
	"math/rand"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// Queue reorders a Reed-Solomon protected RTP audio stream. Packets of any
// kind go in through AddPacket in arrival order; reconstructed RTP audio
// packets come out of ReadQueuedPacket in strict 16-bit sequence order, with
// zero-length placeholders standing in for irrecoverably lost shards.
//
// All methods must be called from a single goroutine. A caller that needs
// cross-thread access must marshal calls around the queue as a whole.
type Queue struct {
	config Config
	log    *logrus.Entry

	blocks blockList
	pool   blockPool
	rs     *rsCodec

	// scratch array handed to the RS codec, reused across completions
	shardCache [][]byte

	// nextRtpSequenceNumber is the next sequence number the caller will
	// consume; oldestRtpBaseSequenceNumber is the base of the earliest block
	// that can still be useful. Packets from blocks before it are dropped.
	nextRtpSequenceNumber       uint16
	oldestRtpBaseSequenceNumber uint16

	// synchronizing is set until the first block boundary has been
	// established and the first block retired, so a partial first block does
	// not produce spurious loss warnings.
	synchronizing bool

	// Recent out-of-sequence traffic switches the liveness policy from fast
	// recovery (give up on the head as soon as a later block is heard from)
	// to lenient (wait out the block's time budget).
	receivedOosData       bool
	lastOosSequenceNumber uint16

	// incompatibleServer latches when shard sizes vary within a block. From
	// then on audio data is passed straight through and parity is dropped.
	incompatibleServer bool
}

// NewQueue builds an empty queue in the synchronizing state.
func NewQueue(config Config) (*Queue, error) {
	config.normalize()

	rs, err := newRSCodec(config.DataShards, config.ParityShards, config.ParityMatrix)
	if err != nil {
		return nil, err
	}

	return &Queue{
		config: config,
		log:    config.Logger.WithField("subsystem", "rtpaudio"),
		pool: blockPool{
			limit:        config.CachedBlockLimit,
			dataShards:   config.DataShards,
			parityShards: config.ParityShards,
		},
		rs:            rs,
		shardCache:    make([][]byte, config.DataShards+config.ParityShards),
		synchronizing: true,
	}, nil
}

// Close releases every live and cached block and the codec. The queue must
// not be used afterwards.
func (q *Queue) Close() {
	for q.blocks.head != nil {
		q.blocks.popHead()
	}
	q.pool.drain()
	q.rs = nil
}

// AddPacket ingests one received RTP packet, audio data or FEC parity. The
// packet bytes are copied out before returning; the caller keeps ownership of
// its buffer. The result tells the caller whether to consume the packet
// directly (PacketHandleNow) or drain the queue (PacketReady).
func (q *Queue) AddPacket(packet []byte) AddResult {
	atomic.AddUint64(&DefaultSnmp.PacketsIn, 1)
	atomic.AddUint64(&DefaultSnmp.BytesIn, uint64(len(packet)))

	if q.incompatibleServer {
		// Feed audio straight through to the decoder. Out-of-order and
		// duplicated packets are no longer handled in this mode.
		if len(packet) >= rtpHeaderSize && rtpPacket(packet).payloadType() == q.config.PayloadTypeAudio {
			return PacketHandleNow
		}
		return PacketDropped
	}

	block, cls := q.blockForPacket(packet)
	if block == nil {
		return PacketDropped
	}

	if !cls.fec {
		// Guaranteed < DataShards by the base derivation in blockForPacket.
		pos := int(cls.seq - block.fecHeader.baseSequenceNumber)

		if block.marks[pos] == 0 {
			atomic.AddUint64(&DefaultSnmp.DuplicateShards, 1)
			return PacketDropped
		}
		copy(block.dataPackets[pos], packet)
		block.marks[pos] = 0
		block.dataShardsReceived++
		atomic.AddUint64(&DefaultSnmp.DataShardsIn, 1)

		// The common case: an in-order receive of the next data shard. Hand
		// it straight back to the caller without queueing.
		if cls.seq == q.nextRtpSequenceNumber {
			q.nextRtpSequenceNumber++
			block.nextDataPacketIndex++

			if q.nextRtpSequenceNumber == block.fecHeader.baseSequenceNumber+uint16(q.config.DataShards) {
				// The caller has now consumed the whole block.
				q.retireHead()
			} else {
				q.assertValid()
			}
			return PacketHandleNow
		}
	} else {
		idx := q.config.DataShards + cls.shardIndex

		if block.marks[idx] == 0 {
			atomic.AddUint64(&DefaultSnmp.DuplicateShards, 1)
			return PacketDropped
		}
		copy(block.fecPackets[cls.shardIndex], packet[rtpHeaderSize+fecHeaderSize:])
		block.marks[idx] = 0
		block.fecShardsReceived++
		atomic.AddUint64(&DefaultSnmp.ParityShardsIn, 1)
	}

	if q.completeBlock(block) {
		block.fullyReassembled = true
		atomic.AddUint64(&DefaultSnmp.BlocksCompleted, 1)
	}

	if q.hasPacketReady() {
		return PacketReady
	}

	// The head may be hopeless. Only enforce the liveness bound when the
	// packet we just took belongs to some other block, so a head-block parity
	// arrival can never time its own block out.
	if block != q.blocks.head && q.enforceQueueConstraints() {
		head := q.blocks.head

		// Emit whatever the head has, with placeholders over the gaps.
		head.allowDiscontinuity = true

		// If the next packet in sequence fell in a block we missed entirely,
		// jump ahead to the first block we actually heard from. We have
		// already waited out the old block; better to keep audio moving than
		// to starve the device waiting again.
		if isBefore16(q.nextRtpSequenceNumber, head.fecHeader.baseSequenceNumber) {
			q.nextRtpSequenceNumber = head.fecHeader.baseSequenceNumber
		}

		q.assertValid()
		return PacketReady
	}

	return PacketDropped
}

// packetClass is the result of classifying one received packet.
type packetClass struct {
	hdr        fecHeader
	blockSize  int
	fec        bool
	seq        uint16 // data packets only
	shardIndex int    // parity packets only
}

// blockForPacket classifies the packet, runs synchronization and staleness
// policy, and returns the live block it belongs to, creating one if needed.
// A nil block means the packet was rejected or consumed by policy.
func (q *Queue) blockForPacket(packet []byte) (*fecBlock, packetClass) {
	var cls packetClass

	q.assertValid()

	if len(packet) < rtpHeaderSize {
		q.log.Warnf("RTP audio packet too small: %d", len(packet))
		atomic.AddUint64(&DefaultSnmp.ProtocolErrors, 1)
		return nil, cls
	}

	p := rtpPacket(packet)
	switch p.payloadType() {
	case q.config.PayloadTypeAudio:
		seq := p.sequenceNumber()

		// Remember whether out-of-sequence data has arrived lately; it picks
		// the liveness regime for giving up on blocks.
		if !q.synchronizing && isBefore16(seq, q.oldestRtpBaseSequenceNumber) {
			q.lastOosSequenceNumber = seq
			if !q.receivedOosData {
				q.log.Infof("leaving fast audio recovery mode after OOS audio data (%d < %d)",
					seq, q.oldestRtpBaseSequenceNumber)
				q.receivedOosData = true
			}
		} else if q.receivedOosData && isBefore16(q.oldestRtpBaseSequenceNumber, q.lastOosSequenceNumber) {
			// The wrapped comparison flips once we have gone ~32k packets
			// without an OOS event.
			q.log.Info("entering fast audio recovery mode after sequenced audio data")
			q.receivedOosData = false
		}

		// Data packets carry no FEC header; derive the block header from the
		// RTP fields. All arithmetic is modulo 2^16 / 2^32.
		d := uint16(q.config.DataShards)
		base := seq / d * d
		cls.hdr = fecHeader{
			payloadType:        p.payloadType(),
			baseSequenceNumber: base,
			baseTimestamp:      p.timestamp() - uint32(seq-base)*q.config.AudioPacketDuration,
			ssrc:               p.ssrc(),
		}
		cls.seq = seq
		cls.blockSize = len(packet) - rtpHeaderSize

	case q.config.PayloadTypeFEC:
		if len(packet) < rtpHeaderSize+fecHeaderSize {
			q.log.Warnf("RTP audio FEC packet too small: %d", len(packet))
			atomic.AddUint64(&DefaultSnmp.ProtocolErrors, 1)
			return nil, cls
		}

		hdr, shardIndex := parseFECHeader(packet)
		if shardIndex >= q.config.ParityShards {
			// An out-of-range shard index would corrupt recovery later.
			q.log.Warnf("too many audio FEC shards: %d", shardIndex)
			atomic.AddUint64(&DefaultSnmp.ProtocolErrors, 1)
			return nil, cls
		}
		cls.hdr = hdr
		cls.fec = true
		cls.shardIndex = shardIndex
		cls.blockSize = len(packet) - rtpHeaderSize - fecHeaderSize

	default:
		q.log.Warnf("invalid RTP audio payload type: %d", p.payloadType())
		atomic.AddUint64(&DefaultSnmp.ProtocolErrors, 1)
		return nil, cls
	}

	// At session start, align to the next block boundary so a partial first
	// block does not look like unrecoverable loss.
	if q.synchronizing && q.oldestRtpBaseSequenceNumber == 0 {
		q.nextRtpSequenceNumber = cls.hdr.baseSequenceNumber + uint16(q.config.DataShards)
		q.oldestRtpBaseSequenceNumber = q.nextRtpSequenceNumber
		return nil, cls
	}

	// Packets from blocks that have already been completed or abandoned.
	if isBefore16(cls.hdr.baseSequenceNumber, q.oldestRtpBaseSequenceNumber) {
		atomic.AddUint64(&DefaultSnmp.StaleShards, 1)
		return nil, cls
	}

	match, insertBefore := q.blocks.find(cls.hdr.baseSequenceNumber)
	if match != nil {
		// Every packet of a block must agree on the block header.
		if match.fecHeader.baseTimestamp != cls.hdr.baseTimestamp ||
			match.fecHeader.payloadType != cls.hdr.payloadType ||
			match.fecHeader.ssrc != cls.hdr.ssrc {
			q.log.Warnf("FEC block header mismatch for base %d", cls.hdr.baseSequenceNumber)
		}

		if match.blockSize != cls.blockSize {
			// Some old servers vary shard sizes and start blocks off the
			// shard-count boundary. Rather than carry special cases for
			// them, disable the queue and pass audio straight through.
			q.log.Warnf("audio block size mismatch (got %d, expected %d)", cls.blockSize, match.blockSize)
			q.log.Warn("audio FEC disabled due to an incompatibility with the host's old software")
			q.incompatibleServer = true
			return nil, cls
		}

		if match.fullyReassembled {
			// Copying into a completed block would overwrite recovered data.
			return nil, cls
		}
		return match, cls
	}

	block := q.pool.get(cls.blockSize)
	block.reset(cls.hdr, q.config.Clock())
	q.blocks.insert(block, insertBefore)
	q.assertValid()

	return block, cls
}

// completeBlock attempts Reed-Solomon recovery once enough shards are in.
// On success every data shard is present and carries a valid RTP header.
func (q *Queue) completeBlock(b *fecBlock) bool {
	d, p := q.config.DataShards, q.config.ParityShards

	need := d
	if q.config.FECValidation {
		// Validation sacrifices one received shard, so demand a spare.
		need = d + 1
	}
	if b.dataShardsReceived+b.fecShardsReceived < need {
		return false
	}

	if !q.config.FECValidation && b.dataShardsReceived == d {
		// All data shards arrived; nothing to recover.
		return true
	}

	var dropIndex int
	var dropped []byte
	if q.config.FECValidation {
		// Fake a drop of one received data shard so recovery has work to do,
		// keeping the original bytes to compare against.
		for {
			dropIndex = rand.Intn(d)
			if b.marks[dropIndex] == 0 {
				break
			}
		}
		dropped = append([]byte(nil), b.dataPackets[dropIndex]...)
		b.marks[dropIndex] = 1
		clear(b.dataPackets[dropIndex])
	}

	shards := q.shardCache
	for i := 0; i < d; i++ {
		region := b.dataPackets[i][rtpHeaderSize:]
		if b.marks[i] != 0 {
			// Zero length with full capacity: reconstruction writes straight
			// into the block's own shard buffer.
			shards[i] = region[:0]
		} else {
			shards[i] = region
		}
	}
	for i := 0; i < p; i++ {
		if b.marks[d+i] != 0 {
			shards[d+i] = nil
		} else {
			shards[d+i] = b.fecPackets[i]
		}
	}

	if err := q.rs.reconstruct(shards); err != nil {
		// We checked above that enough shards were present, so a failure
		// here dooms only this block.
		q.log.WithError(err).Error("audio FEC reconstruction failed")
		atomic.AddUint64(&DefaultSnmp.FECErrors, 1)
		return false
	}

	// Recovered shards need their RTP headers rebuilt from the block header.
	recovered := 0
	for i := 0; i < d; i++ {
		if b.marks[i] == 0 {
			continue
		}
		writeRTPHeader(b.dataPackets[i], rtpVersionFlags, b.fecHeader.payloadType,
			b.fecHeader.baseSequenceNumber+uint16(i),
			b.fecHeader.baseTimestamp+uint32(i)*q.config.AudioPacketDuration,
			b.fecHeader.ssrc)
		b.marks[i] = 0
		recovered++
	}

	if recovered > 0 {
		atomic.AddUint64(&DefaultSnmp.ShardsRecovered, uint64(recovered))
		if b.dataShardsReceived != d {
			q.log.Infof("recovered %d audio data shards from block %d",
				d-b.dataShardsReceived, b.fecHeader.baseSequenceNumber)
		}
	}

	if q.config.FECValidation {
		rebuilt := b.dataPackets[dropIndex]
		if !bytes.Equal(rebuilt[:rtpHeaderSize], dropped[:rtpHeaderSize]) {
			q.log.Errorf("FEC validation: recovered RTP header mismatch in block %d",
				b.fecHeader.baseSequenceNumber)
		}
		if !bytes.Equal(rebuilt[rtpHeaderSize:], dropped[rtpHeaderSize:]) {
			q.log.Errorf("FEC validation: recovered payload mismatch in block %d",
				b.fecHeader.baseSequenceNumber)
		}
	}

	return true
}

// hasPacketReady reports whether the head block can hand the caller the
// packet bearing nextRtpSequenceNumber.
func (q *Queue) hasPacketReady() bool {
	head := q.blocks.head
	return head != nil &&
		head.marks[head.nextDataPacketIndex] == 0 &&
		head.fecHeader.baseSequenceNumber+uint16(head.nextDataPacketIndex) == q.nextRtpSequenceNumber
}

// enforceQueueConstraints decides whether the head block is irrecoverable.
// In fast recovery mode any traffic for a later block condemns it at once;
// in lenient mode it gets its full audio duration plus a grace period.
func (q *Queue) enforceQueueConstraints() bool {
	head := q.blocks.head
	if head == nil {
		return false
	}

	if !q.receivedOosData ||
		q.config.Clock()-head.queueTimeMs > uint32(q.config.DataShards)*q.config.AudioPacketDuration+q.config.OOSWaitTime {
		q.log.Warnf("unable to recover audio data block %d to %d (%d+%d=%d received < %d needed)",
			head.fecHeader.baseSequenceNumber,
			head.fecHeader.baseSequenceNumber+uint16(q.config.DataShards)-1,
			head.dataShardsReceived,
			head.fecShardsReceived,
			head.dataShardsReceived+head.fecShardsReceived,
			q.config.DataShards)
		atomic.AddUint64(&DefaultSnmp.BlocksAbandoned, 1)
		return true
	}

	return false
}

// retireHead removes the head block once the caller has consumed it (or
// given up on it), advances the staleness horizon and recycles the block.
func (q *Queue) retireHead() {
	b := q.blocks.popHead()

	q.oldestRtpBaseSequenceNumber = b.fecHeader.baseSequenceNumber + uint16(q.config.DataShards)

	// Completing a block, successfully or not, synchronizes us with the
	// source.
	q.synchronizing = false

	q.assertValid()
	q.pool.put(b)
}

// ReadQueuedPacket returns the next in-sequence packet, prefixed by
// customHeaderLen bytes the caller may use for its own framing. n is the RTP
// packet length, excluding the prefix; n == 0 marks a lost-packet placeholder
// the decoder should conceal. ok is false when nothing is drainable. The
// returned buffer is owned by the caller.
func (q *Queue) ReadQueuedPacket(customHeaderLen int) ([]byte, int, bool) {
	q.assertValid()

	// A head in discontinuity mode fills the gaps left by unrecoverable
	// shards with placeholder entries.
	if head := q.blocks.head; head != nil && head.allowDiscontinuity {
		if head.marks[head.nextDataPacketIndex] != 0 {
			lost := make([]byte, customHeaderLen)
			head.nextDataPacketIndex++
			q.nextRtpSequenceNumber++
			atomic.AddUint64(&DefaultSnmp.Placeholders, 1)

			if head.nextDataPacketIndex == q.config.DataShards {
				q.retireHead()
			} else {
				q.assertValid()
			}
			return lost, 0, true
		}
		// The current slot was received or recovered; fall through to the
		// regular path.
	}

	if q.hasPacketReady() {
		head := q.blocks.head
		n := rtpHeaderSize + head.blockSize

		out := make([]byte, customHeaderLen+n)
		copy(out[customHeaderLen:], head.dataPackets[head.nextDataPacketIndex])
		head.nextDataPacketIndex++
		q.nextRtpSequenceNumber++
		atomic.AddUint64(&DefaultSnmp.PacketsEmitted, 1)

		if head.nextDataPacketIndex == q.config.DataShards {
			q.retireHead()
		} else {
			q.assertValid()
		}
		return out, n, true
	}

	return nil, 0, false
}
