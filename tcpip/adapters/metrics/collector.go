// Package metrics exposes a VI's receive and transmit counters as a
// Prometheus collector, following the same Describe/Collect-over-a-
// dynamic-registry shape used for per-connection TCP info elsewhere in
// this codebase, generalised here to per-queue EFCT counters.
package metrics

import (
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/xid"

	"github.com/adimgong/onload/tcpip/link/efct/ops"
)

type viEntry struct {
	vi      *ops.VI
	labels  []string
	rxqs    []int
	txq     int
	hasTxq  bool
}

// Collector is a prometheus.Collector over every VI registered with it.
// Each VI is identified by an instance id (minted with xid.New, the
// same globally-unique, sortable id generator used for exporter-facing
// identifiers elsewhere in this codebase) rather than a caller-supplied
// name, so two VIs opened back to back never collide.
type Collector struct {
	mu      sync.Mutex
	vis     map[xid.ID]viEntry
	onError func(error)

	rxqSeqDesc   *prometheus.Desc
	rxqPosDesc   *prometheus.Desc
	txqAddedDesc *prometheus.Desc
	txqRemovedDesc *prometheus.Desc
	txqCTInFlightDesc *prometheus.Desc
	txqPendingDesc *prometheus.Desc
}

// New builds a Collector. onError is called (never with nil) whenever
// Collect has to give up on a VI; a typical caller wires this to
// logrus, matching how other ambient error paths in this codebase
// report asynchronous failures.
func New(constLabels prometheus.Labels, onError func(error)) *Collector {
	labelNames := []string{"instance"}
	return &Collector{
		vis:     make(map[xid.ID]viEntry),
		onError: onError,
		rxqSeqDesc: prometheus.NewDesc(
			"efct_rxq_superbuf_sequence", "Current superbuf sequence number observed by an rxq cursor.",
			append(labelNames, "rxq"), constLabels),
		rxqPosDesc: prometheus.NewDesc(
			"efct_rxq_packet_in_superbuf", "Current packet-in-superbuf offset of an rxq cursor.",
			append(labelNames, "rxq"), constLabels),
		txqAddedDesc: prometheus.NewDesc(
			"efct_txq_sends_total", "Total sends posted to a txq.",
			append(labelNames, "txq"), constLabels),
		txqRemovedDesc: prometheus.NewDesc(
			"efct_txq_completions_total", "Total completions retired from a txq.",
			append(labelNames, "txq"), constLabels),
		txqCTInFlightDesc: prometheus.NewDesc(
			"efct_txq_ctpio_words_in_flight", "CTPIO words written but not yet retired by a completion.",
			append(labelNames, "txq"), constLabels),
		txqPendingDesc: prometheus.NewDesc(
			"efct_txq_pending_descriptors", "Descriptors awaiting a completion event on a txq.",
			append(labelNames, "txq"), constLabels),
	}
}

// Add registers vi for collection, scoped to the given rxq and (if
// hasTxq) txq indices, and returns the instance id it was assigned.
func (c *Collector) Add(vi *ops.VI, rxqs []int, txq int, hasTxq bool) xid.ID {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := xid.New()
	c.vis[id] = viEntry{vi: vi, labels: []string{id.String()}, rxqs: rxqs, txq: txq, hasTxq: hasTxq}
	return id
}

// Remove stops collecting metrics for id.
func (c *Collector) Remove(id xid.ID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.vis, id)
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(descs chan<- *prometheus.Desc) {
	descs <- c.rxqSeqDesc
	descs <- c.rxqPosDesc
	descs <- c.txqAddedDesc
	descs <- c.txqRemovedDesc
	descs <- c.txqCTInFlightDesc
	descs <- c.txqPendingDesc
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, entry := range c.vis {
		for _, qidx := range entry.rxqs {
			stats := entry.vi.RX.Stats(qidx)
			rxqLabel := append(append([]string{}, entry.labels...), strconv.Itoa(qidx))
			ch <- prometheus.MustNewConstMetric(c.rxqSeqDesc, prometheus.CounterValue, float64(stats.SuperbufSeq), rxqLabel...)
			ch <- prometheus.MustNewConstMetric(c.rxqPosDesc, prometheus.GaugeValue, float64(stats.PktInSuperbuf), rxqLabel...)
		}
		if entry.hasTxq {
			stats := entry.vi.TX.Stats(entry.txq)
			txqLabel := append(append([]string{}, entry.labels...), strconv.Itoa(entry.txq))
			ch <- prometheus.MustNewConstMetric(c.txqAddedDesc, prometheus.CounterValue, float64(stats.Added), txqLabel...)
			ch <- prometheus.MustNewConstMetric(c.txqRemovedDesc, prometheus.CounterValue, float64(stats.Removed), txqLabel...)
			ch <- prometheus.MustNewConstMetric(c.txqCTInFlightDesc, prometheus.GaugeValue, float64(stats.CTAdded-stats.CTRemoved), txqLabel...)
			ch <- prometheus.MustNewConstMetric(c.txqPendingDesc, prometheus.GaugeValue, float64(stats.Pending), txqLabel...)
		}
	}
}
