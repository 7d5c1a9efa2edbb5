// Package promstats exports database counters to Prometheus.
package promstats

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/andreyvit/kvdao"
)

// Collector reads DB.Stats and per-entity partition stats on every scrape.
type Collector struct {
	db *kvdao.DB

	reads         *prometheus.Desc
	writes        *prometheus.Desc
	writtenOps    *prometheus.Desc
	scans         *prometheus.Desc
	staleEntries  *prometheus.Desc
	openIterators *prometheus.Desc
	openTxns      *prometheus.Desc

	rows      *prometheus.Desc
	indexRows *prometheus.Desc
	dataSize  *prometheus.Desc
	indexSize *prometheus.Desc
	errors    *prometheus.Desc
}

var _ prometheus.Collector = (*Collector)(nil)

func NewCollector(db *kvdao.DB, namespace string) *Collector {
	desc := func(name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "kvdao", name), help, labels, nil)
	}
	return &Collector{
		db: db,

		reads:         desc("reads_total", "Point reads issued to the engine."),
		writes:        desc("writes_total", "Batches written to the engine."),
		writtenOps:    desc("written_ops_total", "Put and delete operations written to the engine."),
		scans:         desc("scans_total", "Scans started."),
		staleEntries:  desc("stale_index_entries_total", "Index entries skipped because their record no longer exists."),
		openIterators: desc("open_iterators", "Iterators currently open."),
		openTxns:      desc("open_transactions", "Transactions currently open."),

		rows:      desc("entity_rows", "Records stored per entity.", "entity"),
		indexRows: desc("entity_index_rows", "Index entries stored per entity.", "entity"),
		dataSize:  desc("entity_data_bytes", "Size of primary data per entity.", "entity"),
		indexSize: desc("entity_index_bytes", "Size of index data per entity.", "entity"),
		errors:    desc("entity_stats_failed", "Set to 1 when the stats of an entity could not be read.", "entity"),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.reads, c.writes, c.writtenOps, c.scans, c.staleEntries, c.openIterators, c.openTxns,
		c.rows, c.indexRows, c.dataSize, c.indexSize, c.errors,
	} {
		ch <- d
	}
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	st := c.db.Stats()
	counter := func(d *prometheus.Desc, v uint64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v))
	}
	counter(c.reads, st.Reads)
	counter(c.writes, st.Writes)
	counter(c.writtenOps, st.WrittenOps)
	counter(c.scans, st.Scans)
	counter(c.staleEntries, st.StaleIndexEntries)
	ch <- prometheus.MustNewConstMetric(c.openIterators, prometheus.GaugeValue, float64(st.OpenIterators))
	ch <- prometheus.MustNewConstMetric(c.openTxns, prometheus.GaugeValue, float64(st.OpenTxns))

	for _, ei := range c.db.Schema().Entities() {
		es, err := c.db.EntityStats(ei)
		if err != nil {
			ch <- prometheus.MustNewConstMetric(c.errors, prometheus.GaugeValue, 1, ei.Name)
			continue
		}
		ch <- prometheus.MustNewConstMetric(c.rows, prometheus.GaugeValue, float64(es.Rows), ei.Name)
		ch <- prometheus.MustNewConstMetric(c.indexRows, prometheus.GaugeValue, float64(es.IndexRows), ei.Name)
		ch <- prometheus.MustNewConstMetric(c.dataSize, prometheus.GaugeValue, float64(es.DataSize), ei.Name)
		ch <- prometheus.MustNewConstMetric(c.indexSize, prometheus.GaugeValue, float64(es.IndexSize), ei.Name)
	}
}
