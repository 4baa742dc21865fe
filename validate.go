package rtpaudio

import "github.com/pkg/errors"

// queueValidation turns on the full-state walk after every mutation. It is
// off in normal builds so the hot path stays O(1); the tests enable it.
var queueValidation = false

func (q *Queue) assertValid() {
	if !queueValidation {
		return
	}
	if err := q.validateState(); err != nil {
		panic(err)
	}
}

// validateState walks the whole queue and checks every structural invariant.
func (q *Queue) validateState() error {
	// The next sequence number must not lag the oldest base unless we are
	// still synchronizing with the source.
	if isBefore16(q.nextRtpSequenceNumber, q.oldestRtpBaseSequenceNumber) && !q.synchronizing {
		return errors.Errorf("next sequence number %d behind oldest base %d",
			q.nextRtpSequenceNumber, q.oldestRtpBaseSequenceNumber)
	}

	last := q.blocks.head
	if last == nil {
		if q.blocks.tail != nil {
			return errors.New("nil head with non-nil tail")
		}
		return nil
	}

	if last.prev != nil {
		return errors.New("head has a previous entry")
	}

	// The next sequence number must not run past the end of the head block,
	// otherwise the head should already have been retired. It may still lie
	// before the head's base when the blocks in between were never heard from.
	if !isBefore16(q.nextRtpSequenceNumber, last.fecHeader.baseSequenceNumber+uint16(q.config.DataShards)) {
		return errors.Errorf("next sequence number %d beyond head block base %d",
			q.nextRtpSequenceNumber, last.fecHeader.baseSequenceNumber)
	}

	// The head must not precede the staleness horizon, or packets belonging
	// to it would be dropped on arrival.
	if isBefore16(last.fecHeader.baseSequenceNumber, q.oldestRtpBaseSequenceNumber) {
		return errors.Errorf("head block base %d behind oldest base %d",
			last.fecHeader.baseSequenceNumber, q.oldestRtpBaseSequenceNumber)
	}

	if err := q.validateBlock(last); err != nil {
		return err
	}

	for block := last.next; block != nil; block = block.next {
		if !isBefore16(last.fecHeader.baseSequenceNumber, block.fecHeader.baseSequenceNumber) {
			return errors.Errorf("blocks out of order: %d before %d",
				last.fecHeader.baseSequenceNumber, block.fecHeader.baseSequenceNumber)
		}
		if !isBefore32(last.fecHeader.baseTimestamp, block.fecHeader.baseTimestamp) {
			return errors.Errorf("block timestamps out of order: %d before %d",
				last.fecHeader.baseTimestamp, block.fecHeader.baseTimestamp)
		}

		// Every live block shares the stream parameters.
		if block.blockSize != last.blockSize {
			return errors.Errorf("block size varies: %d vs %d", block.blockSize, last.blockSize)
		}
		if block.fecHeader.payloadType != last.fecHeader.payloadType {
			return errors.New("payload type varies across blocks")
		}
		if block.fecHeader.ssrc != last.fecHeader.ssrc {
			return errors.New("ssrc varies across blocks")
		}

		if block.prev != last {
			return errors.New("broken prev linkage")
		}
		if block.next == nil && q.blocks.tail != block {
			return errors.New("tail does not terminate the list")
		}

		if err := q.validateBlock(block); err != nil {
			return err
		}

		last = block
	}

	if q.blocks.tail != last {
		return errors.New("tail not reachable from head")
	}
	return nil
}

func (q *Queue) validateBlock(b *fecBlock) error {
	d := q.config.DataShards

	if b.nextDataPacketIndex >= d {
		// A fully consumed block must have been retired.
		return errors.Errorf("block %d fully consumed but still live", b.fecHeader.baseSequenceNumber)
	}

	// Shard counters must agree with the marks. Reconstruction clears data
	// marks without touching the receive counters, so only unreassembled
	// blocks are checked.
	if !b.fullyReassembled {
		dataPresent, fecPresent := 0, 0
		for i, m := range b.marks {
			if m != 0 {
				continue
			}
			if i < d {
				dataPresent++
			} else {
				fecPresent++
			}
		}
		if dataPresent != b.dataShardsReceived {
			return errors.Errorf("block %d data mark/counter mismatch: %d vs %d",
				b.fecHeader.baseSequenceNumber, dataPresent, b.dataShardsReceived)
		}
		if fecPresent != b.fecShardsReceived {
			return errors.Errorf("block %d parity mark/counter mismatch: %d vs %d",
				b.fecHeader.baseSequenceNumber, fecPresent, b.fecShardsReceived)
		}
	}
	return nil
}
