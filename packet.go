package rtpaudio

import "encoding/binary"

const (
	// rtpHeaderSize is the fixed 12-byte RTP header carried by every packet.
	rtpHeaderSize = 12

	// fecHeaderSize is the audio FEC header following the RTP header in
	// parity packets: payload type, shard index, base sequence number, base
	// timestamp and SSRC of the protected block.
	fecHeaderSize = 12

	// version 2, no padding, no extension, no CSRC
	rtpVersionFlags = 0x80
)

// rtpPacket gives named access to the wire-format RTP header. Multi-byte
// fields are network byte order; only the fields below are ever interpreted,
// the rest of the header is preserved verbatim on copies.
type rtpPacket []byte

func (p rtpPacket) payloadType() uint8 {
	return p[1]
}

func (p rtpPacket) sequenceNumber() uint16 {
	return binary.BigEndian.Uint16(p[2:])
}

func (p rtpPacket) timestamp() uint32 {
	return binary.BigEndian.Uint32(p[4:])
}

func (p rtpPacket) ssrc() uint32 {
	return binary.BigEndian.Uint32(p[8:])
}

// writeRTPHeader rebuilds the 12-byte header of a recovered data shard.
func writeRTPHeader(buf []byte, flags, payloadType uint8, seq uint16, ts, ssrc uint32) {
	buf[0] = flags
	buf[1] = payloadType
	binary.BigEndian.PutUint16(buf[2:], seq)
	binary.BigEndian.PutUint32(buf[4:], ts)
	binary.BigEndian.PutUint32(buf[8:], ssrc)
}

// fecHeader is the decoded, host-order block header. For parity packets it is
// read off the wire; for data packets it is synthesized from the RTP header.
type fecHeader struct {
	payloadType        uint8
	baseSequenceNumber uint16
	baseTimestamp      uint32
	ssrc               uint32
}

// parseFECHeader decodes the audio FEC header of a parity packet. The caller
// has already verified the packet is long enough.
func parseFECHeader(packet []byte) (hdr fecHeader, shardIndex int) {
	h := packet[rtpHeaderSize:]
	hdr.payloadType = h[0]
	shardIndex = int(h[1])
	hdr.baseSequenceNumber = binary.BigEndian.Uint16(h[2:])
	hdr.baseTimestamp = binary.BigEndian.Uint32(h[4:])
	hdr.ssrc = binary.BigEndian.Uint32(h[8:])
	return hdr, shardIndex
}

// isBefore16 reports whether a precedes b in 16-bit serial number order.
// Naive unsigned comparison breaks at the wrap point.
func isBefore16(a, b uint16) bool {
	return int16(a-b) < 0
}

// isBefore32 is the 32-bit analogue, used for RTP timestamps.
func isBefore32(a, b uint32) bool {
	return int32(a-b) < 0
}
