package rtpaudio

import (
	"fmt"
	"sync/atomic"
)

// Snmp collects the counters of the audio reassembly path. All fields are
// uint64 and must be accessed with atomic operations.
type Snmp struct {
	// Raw ingest
	PacketsIn uint64 // packets handed to AddPacket
	BytesIn   uint64 // bytes handed to AddPacket

	// Shard accounting
	DataShardsIn    uint64 // accepted audio data shards
	ParityShardsIn  uint64 // accepted FEC parity shards
	DuplicateShards uint64 // shards rejected as duplicates
	StaleShards     uint64 // shards from already-completed blocks
	ProtocolErrors  uint64 // undersized packets, bad payload types, bad shard indexes

	// Recovery
	ShardsRecovered uint64 // data shards rebuilt from parity
	FECErrors       uint64 // reconstruction failures
	BlocksCompleted uint64 // blocks fully reassembled
	BlocksAbandoned uint64 // blocks given up on by the liveness policy

	// Emission
	PacketsEmitted uint64 // packets drained through the queue reader
	Placeholders   uint64 // lost-packet placeholders emitted

	// Block pool
	BlocksAllocated uint64 // fresh block containers allocated
	BlocksReused    uint64 // block containers served from the cache

	// Session
	CryptoErrors uint64 // payload decryption failures
}

// NewSnmp returns a zeroed counter set.
func NewSnmp() *Snmp {
	return new(Snmp)
}

// Header returns the column names, in ToSlice order.
func (s *Snmp) Header() []string {
	return []string{
		"PacketsIn",
		"BytesIn",
		"DataShardsIn",
		"ParityShardsIn",
		"DuplicateShards",
		"StaleShards",
		"ProtocolErrors",
		"ShardsRecovered",
		"FECErrors",
		"BlocksCompleted",
		"BlocksAbandoned",
		"PacketsEmitted",
		"Placeholders",
		"BlocksAllocated",
		"BlocksReused",
		"CryptoErrors",
	}
}

// ToSlice renders a consistent snapshot of every counter for display.
func (s *Snmp) ToSlice() []string {
	snmp := s.Copy()
	return []string{
		fmt.Sprint(snmp.PacketsIn),
		fmt.Sprint(snmp.BytesIn),
		fmt.Sprint(snmp.DataShardsIn),
		fmt.Sprint(snmp.ParityShardsIn),
		fmt.Sprint(snmp.DuplicateShards),
		fmt.Sprint(snmp.StaleShards),
		fmt.Sprint(snmp.ProtocolErrors),
		fmt.Sprint(snmp.ShardsRecovered),
		fmt.Sprint(snmp.FECErrors),
		fmt.Sprint(snmp.BlocksCompleted),
		fmt.Sprint(snmp.BlocksAbandoned),
		fmt.Sprint(snmp.PacketsEmitted),
		fmt.Sprint(snmp.Placeholders),
		fmt.Sprint(snmp.BlocksAllocated),
		fmt.Sprint(snmp.BlocksReused),
		fmt.Sprint(snmp.CryptoErrors),
	}
}

// Copy takes an atomic snapshot of all counters.
func (s *Snmp) Copy() *Snmp {
	d := NewSnmp()
	d.PacketsIn = atomic.LoadUint64(&s.PacketsIn)
	d.BytesIn = atomic.LoadUint64(&s.BytesIn)
	d.DataShardsIn = atomic.LoadUint64(&s.DataShardsIn)
	d.ParityShardsIn = atomic.LoadUint64(&s.ParityShardsIn)
	d.DuplicateShards = atomic.LoadUint64(&s.DuplicateShards)
	d.StaleShards = atomic.LoadUint64(&s.StaleShards)
	d.ProtocolErrors = atomic.LoadUint64(&s.ProtocolErrors)
	d.ShardsRecovered = atomic.LoadUint64(&s.ShardsRecovered)
	d.FECErrors = atomic.LoadUint64(&s.FECErrors)
	d.BlocksCompleted = atomic.LoadUint64(&s.BlocksCompleted)
	d.BlocksAbandoned = atomic.LoadUint64(&s.BlocksAbandoned)
	d.PacketsEmitted = atomic.LoadUint64(&s.PacketsEmitted)
	d.Placeholders = atomic.LoadUint64(&s.Placeholders)
	d.BlocksAllocated = atomic.LoadUint64(&s.BlocksAllocated)
	d.BlocksReused = atomic.LoadUint64(&s.BlocksReused)
	d.CryptoErrors = atomic.LoadUint64(&s.CryptoErrors)
	return d
}

// Reset zeroes all counters.
func (s *Snmp) Reset() {
	atomic.StoreUint64(&s.PacketsIn, 0)
	atomic.StoreUint64(&s.BytesIn, 0)
	atomic.StoreUint64(&s.DataShardsIn, 0)
	atomic.StoreUint64(&s.ParityShardsIn, 0)
	atomic.StoreUint64(&s.DuplicateShards, 0)
	atomic.StoreUint64(&s.StaleShards, 0)
	atomic.StoreUint64(&s.ProtocolErrors, 0)
	atomic.StoreUint64(&s.ShardsRecovered, 0)
	atomic.StoreUint64(&s.FECErrors, 0)
	atomic.StoreUint64(&s.BlocksCompleted, 0)
	atomic.StoreUint64(&s.BlocksAbandoned, 0)
	atomic.StoreUint64(&s.PacketsEmitted, 0)
	atomic.StoreUint64(&s.Placeholders, 0)
	atomic.StoreUint64(&s.BlocksAllocated, 0)
	atomic.StoreUint64(&s.BlocksReused, 0)
	atomic.StoreUint64(&s.CryptoErrors, 0)
}

// DefaultSnmp collects statistics for every queue in the process.
var DefaultSnmp *Snmp

func init() {
	DefaultSnmp = NewSnmp()
}
