package rtpaudio

import "github.com/prometheus/client_golang/prometheus"

type snmpMetric struct {
	desc  *prometheus.Desc
	value func(*Snmp) uint64
}

// SnmpCollector exposes the Snmp counters as Prometheus metrics. Register it
// with a prometheus.Registerer; Collect snapshots the counters atomically.
type SnmpCollector struct {
	snmp    *Snmp
	metrics []snmpMetric
}

// NewSnmpCollector builds a collector over the given counter set (pass
// DefaultSnmp for the process-wide one). The metric names are prefixed with
// namespace when it is non-empty.
func NewSnmpCollector(namespace string, snmp *Snmp, constLabels prometheus.Labels) *SnmpCollector {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "rtpaudio", name), help, nil, constLabels)
	}

	return &SnmpCollector{
		snmp: snmp,
		metrics: []snmpMetric{
			{desc("packets_in_total", "Packets handed to the queue."), func(s *Snmp) uint64 { return s.PacketsIn }},
			{desc("bytes_in_total", "Bytes handed to the queue."), func(s *Snmp) uint64 { return s.BytesIn }},
			{desc("data_shards_total", "Accepted audio data shards."), func(s *Snmp) uint64 { return s.DataShardsIn }},
			{desc("parity_shards_total", "Accepted FEC parity shards."), func(s *Snmp) uint64 { return s.ParityShardsIn }},
			{desc("duplicate_shards_total", "Shards rejected as duplicates."), func(s *Snmp) uint64 { return s.DuplicateShards }},
			{desc("stale_shards_total", "Shards from already-completed blocks."), func(s *Snmp) uint64 { return s.StaleShards }},
			{desc("protocol_errors_total", "Malformed or unclassifiable packets."), func(s *Snmp) uint64 { return s.ProtocolErrors }},
			{desc("shards_recovered_total", "Data shards rebuilt from parity."), func(s *Snmp) uint64 { return s.ShardsRecovered }},
			{desc("fec_errors_total", "Reed-Solomon reconstruction failures."), func(s *Snmp) uint64 { return s.FECErrors }},
			{desc("blocks_completed_total", "Blocks fully reassembled."), func(s *Snmp) uint64 { return s.BlocksCompleted }},
			{desc("blocks_abandoned_total", "Blocks given up on by the liveness policy."), func(s *Snmp) uint64 { return s.BlocksAbandoned }},
			{desc("packets_emitted_total", "Packets drained through the queue reader."), func(s *Snmp) uint64 { return s.PacketsEmitted }},
			{desc("placeholders_total", "Lost-packet placeholders emitted."), func(s *Snmp) uint64 { return s.Placeholders }},
			{desc("blocks_allocated_total", "Fresh block containers allocated."), func(s *Snmp) uint64 { return s.BlocksAllocated }},
			{desc("blocks_reused_total", "Block containers served from the cache."), func(s *Snmp) uint64 { return s.BlocksReused }},
			{desc("crypto_errors_total", "Payload decryption failures."), func(s *Snmp) uint64 { return s.CryptoErrors }},
		},
	}
}

func (c *SnmpCollector) Describe(descs chan<- *prometheus.Desc) {
	for _, m := range c.metrics {
		descs <- m.desc
	}
}

func (c *SnmpCollector) Collect(metrics chan<- prometheus.Metric) {
	snapshot := c.snmp.Copy()
	for _, m := range c.metrics {
		metrics <- prometheus.MustNewConstMetric(m.desc, prometheus.CounterValue, float64(m.value(snapshot)))
	}
}
