package rtpaudio

import (
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// TestEmittedSequenceMonotonic feeds randomly thinned, shuffled and
// duplicated FEC blocks and checks the emitted stream: sequence numbers
// never repeat or go backwards, real packets always carry the transmitted
// payload, and duplicates never change observable state.
func TestEmittedSequenceMonotonic(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		clk := &fakeClock{now: 1000}
		cfg := DefaultConfig()
		cfg.Clock = func() uint32 { return clk.now }
		cfg.Logger = testLogger()

		q, err := NewQueue(cfg)
		require.NoError(rt, err)
		defer q.Close()

		const start = 200
		require.Equal(rt, PacketDropped, q.AddPacket(audioPacket(start-defaultDataShards, 1, testPayload(0))))

		blocks := rapid.IntRange(2, 6).Draw(rt, "blocks")
		expected := uint16(start)

		consumeReal := func(pkt []byte) {
			seq := rtpPacket(pkt).sequenceNumber()
			if isBefore16(seq, expected) {
				rt.Fatalf("sequence went backwards: got %d, already past %d", seq, expected)
			}
			require.Equal(rt, testPayload(seq), pkt[rtpHeaderSize:], "payload of %d", seq)
			expected = seq + 1
		}
		drain := func() {
			for {
				pkt, n, ok := q.ReadQueuedPacket(0)
				if !ok {
					return
				}
				if n == 0 {
					// Placeholders stand in for exactly one lost position.
					expected++
					continue
				}
				consumeReal(pkt)
			}
		}
		feed := func(pkt []byte) {
			switch q.AddPacket(pkt) {
			case PacketHandleNow:
				consumeReal(pkt)
			case PacketReady:
				drain()
			}
		}

		for k := 0; k < blocks; k++ {
			base := uint16(start + defaultDataShards*k)
			baseTs := uint32(1000 + 20*k)

			payloads := make([][]byte, defaultDataShards)
			for i := range payloads {
				payloads[i] = testPayload(base + uint16(i))
			}
			parity := makeParity(rt, payloads)

			var pkts [][]byte
			for i := 0; i < defaultDataShards; i++ {
				if rapid.Bool().Draw(rt, "data") {
					pkts = append(pkts, audioPacket(base+uint16(i), baseTs+uint32(i)*5, payloads[i]))
				}
			}
			for i := 0; i < defaultParityShards; i++ {
				if rapid.Bool().Draw(rt, "parity") {
					pkts = append(pkts, fecPacket(i, base, baseTs, parity[i]))
				}
			}
			for i := len(pkts) - 1; i > 0; i-- {
				j := rapid.IntRange(0, i).Draw(rt, "swap")
				pkts[i], pkts[j] = pkts[j], pkts[i]
			}

			for _, pkt := range pkts {
				feed(pkt)
				if rapid.Bool().Draw(rt, "dup") {
					// Feeding any accepted packet again is always a no-op.
					require.Equal(rt, PacketDropped, q.AddPacket(pkt))
				}
			}
		}

		// Flush the tail: single packets from later blocks condemn any
		// incomplete head one add at a time. Advancing the clock past the
		// block time budget keeps this working in lenient mode too.
		for k := 0; k < blocks+2; k++ {
			clk.advance(uint32(defaultDataShards)*defaultAudioPacketDuration + defaultOOSWaitTime + 10)
			base := uint16(start + defaultDataShards*(blocks+k))
			baseTs := uint32(1000 + 20*(blocks+k))
			feed(audioPacket(base, baseTs, testPayload(base)))
		}

		require.False(rt, isBefore16(expected, uint16(start+defaultDataShards*blocks)),
			"tail not flushed: only advanced to %d", expected)
	})
}
