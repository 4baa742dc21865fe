// Package rtpaudio reassembles a Reed-Solomon protected RTP audio stream on
// the receiving side. It ingests audio data and FEC parity packets in any
// order, recovers lost data shards from parity where possible, and hands the
// decoder a strictly in-sequence stream of RTP packets with typed "lost"
// placeholders where recovery failed, so packet loss concealment can run.
package rtpaudio

import (
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	// maximum packet size
	mtuLimit = 1500

	// default payload types carried by the audio session
	defaultPayloadTypeAudio = 97
	defaultPayloadTypeFEC   = 127

	// defaults for the FEC geometry and liveness policy
	defaultDataShards          = 4
	defaultParityShards        = 2
	defaultAudioPacketDuration = 5  // ms of audio per data shard
	defaultOOSWaitTime         = 30 // extra grace beyond the block duration, ms
	defaultCachedBlockLimit    = 10
)

// The parity submatrix our RS implementation derives does not match the one
// the transmitter encodes with. Since the shard counts are fixed, we install
// the transmitter's known matrix (P rows by D columns) instead.
var interopParityMatrix = []byte{
	0x77, 0x40, 0x38, 0x0e,
	0xc7, 0xa7, 0x0d, 0x6c,
}

var (
	errTimeout          = errors.New("timeout")
	errSessionClosed    = errors.New("session closed")
	errInvalidShardGeom = errors.New("invalid shard geometry")
)

// AddResult tells the caller of AddPacket what to do with the packet it just
// handed in.
type AddResult int

const (
	// PacketDropped: the packet was consumed (or rejected) by the queue and
	// there is nothing for the caller to do.
	PacketDropped AddResult = iota

	// PacketHandleNow: the packet arrived in sequence and the caller should
	// feed its own copy straight to the decoder. This is the hot path and
	// performs no allocation.
	PacketHandleNow

	// PacketReady: one or more packets became drainable via ReadQueuedPacket.
	PacketReady
)

// Config carries the per-session constants of the reassembly queue. The zero
// value of any field is replaced by its default.
type Config struct {
	// DataShards and ParityShards fix the FEC block geometry for the whole
	// session. The block base sequence number is always a multiple of
	// DataShards.
	DataShards   int
	ParityShards int

	// AudioPacketDuration is the milliseconds of audio carried by one data
	// shard. It is used both to synthesize timestamps for recovered packets
	// and to bound how long an incomplete block is kept alive.
	AudioPacketDuration uint32

	// OOSWaitTime is the extra grace period, in milliseconds, granted to an
	// incomplete block beyond its audio duration while in lenient recovery.
	OOSWaitTime uint32

	// CachedBlockLimit caps the number of retired block containers kept for
	// reuse.
	CachedBlockLimit int

	// Payload types discriminating audio data from FEC parity packets.
	PayloadTypeAudio uint8
	PayloadTypeFEC   uint8

	// ParityMatrix overrides the generated RS parity submatrix with the
	// row-major ParityShards x DataShards matrix the transmitter encodes
	// with. Left nil, the known interop matrix is installed for the default
	// 4+2 geometry and the generated matrix is kept otherwise.
	ParityMatrix []byte

	// FECValidation enables a debug mode which requires one extra shard per
	// block, synthetically drops a received shard and verifies that recovery
	// reproduces it bit for bit.
	FECValidation bool

	// Clock returns a monotonic millisecond timestamp. Wrap-safe via 32-bit
	// subtraction. Defaults to the wall clock.
	Clock func() uint32

	// Logger receives diagnostics. Defaults to logrus.StandardLogger().
	Logger *logrus.Logger
}

// DefaultConfig returns the session constants used by current transmitters.
func DefaultConfig() Config {
	return Config{
		DataShards:          defaultDataShards,
		ParityShards:        defaultParityShards,
		AudioPacketDuration: defaultAudioPacketDuration,
		OOSWaitTime:         defaultOOSWaitTime,
		CachedBlockLimit:    defaultCachedBlockLimit,
		PayloadTypeAudio:    defaultPayloadTypeAudio,
		PayloadTypeFEC:      defaultPayloadTypeFEC,
	}
}

func (c *Config) normalize() {
	def := DefaultConfig()
	if c.DataShards == 0 {
		c.DataShards = def.DataShards
	}
	if c.ParityShards == 0 {
		c.ParityShards = def.ParityShards
	}
	if c.AudioPacketDuration == 0 {
		c.AudioPacketDuration = def.AudioPacketDuration
	}
	if c.OOSWaitTime == 0 {
		c.OOSWaitTime = def.OOSWaitTime
	}
	if c.CachedBlockLimit == 0 {
		c.CachedBlockLimit = def.CachedBlockLimit
	}
	if c.PayloadTypeAudio == 0 {
		c.PayloadTypeAudio = def.PayloadTypeAudio
	}
	if c.PayloadTypeFEC == 0 {
		c.PayloadTypeFEC = def.PayloadTypeFEC
	}
	if c.ParityMatrix == nil &&
		c.DataShards == defaultDataShards && c.ParityShards == defaultParityShards {
		c.ParityMatrix = interopParityMatrix
	}
	if c.Clock == nil {
		c.Clock = func() uint32 {
			return uint32(time.Now().UnixMilli())
		}
	}
	if c.Logger == nil {
		c.Logger = logrus.StandardLogger()
	}
}

var (
	// a system-wide packet buffer shared by the receive loops to mitigate
	// high-frequency allocation of MTU-sized buffers
	xmitBuf sync.Pool
)

func init() {
	xmitBuf.New = func() any {
		return make([]byte, mtuLimit)
	}
}
