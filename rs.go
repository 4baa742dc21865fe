package rtpaudio

import (
	"github.com/klauspost/reedsolomon"
	"github.com/pkg/errors"
)

// rsCodec wraps the Reed-Solomon encoder for one fixed shard geometry. The
// shard counts never change for the lifetime of a queue, so a single codec
// serves all traffic.
type rsCodec struct {
	enc          reedsolomon.Encoder
	dataShards   int
	parityShards int
}

// newRSCodec builds the codec, installing the transmitter's parity submatrix
// when one is supplied. parity is row-major, parityShards rows by dataShards
// columns.
func newRSCodec(dataShards, parityShards int, parity []byte) (*rsCodec, error) {
	if dataShards <= 0 || parityShards <= 0 {
		return nil, errors.WithStack(errInvalidShardGeom)
	}

	var opts []reedsolomon.Option
	if parity != nil {
		if len(parity) != dataShards*parityShards {
			return nil, errors.Errorf("parity matrix is %d bytes, want %d", len(parity), dataShards*parityShards)
		}
		matrix := make([][]byte, parityShards)
		for i := range matrix {
			matrix[i] = parity[i*dataShards : (i+1)*dataShards]
		}
		opts = append(opts, reedsolomon.WithCustomMatrix(matrix))
	}

	enc, err := reedsolomon.New(dataShards, parityShards, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "reedsolomon")
	}

	return &rsCodec{
		enc:          enc,
		dataShards:   dataShards,
		parityShards: parityShards,
	}, nil
}

// reconstruct rebuilds every missing data shard in place. Missing data shards
// are passed as zero-length slices whose capacity is the block size, so the
// recovered bytes land directly in the block's own buffers. Missing parity
// shards are nil and are not rebuilt. At most parityShards entries may be
// missing in total.
func (c *rsCodec) reconstruct(shards [][]byte) error {
	return errors.Wrap(c.enc.ReconstructData(shards), "reedsolomon reconstruct")
}
