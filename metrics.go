package txcache

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/gofhir/txcache/cache"
	"github.com/gofhir/txcache/terminology"
)

// StatsSource provides cache statistics. *Service and
// *terminology.CachingService both satisfy it.
type StatsSource interface {
	Stats() terminology.CachingStats
}

// Collector exports cache bucket and background refresh statistics as
// Prometheus metrics. Values are read on every scrape.
type Collector struct {
	source StatsSource

	entries     *prometheus.Desc
	capacity    *prometheus.Desc
	ttl         *prometheus.Desc
	hits        *prometheus.Desc
	misses      *prometheus.Desc
	evictions   *prometheus.Desc
	expirations *prometheus.Desc
	sets        *prometheus.Desc

	holding *prometheus.Desc

	refreshQueued    *prometheus.Desc
	refreshSubmitted *prometheus.Desc
	refreshCompleted *prometheus.Desc
	refreshDropped   *prometheus.Desc
	refreshPanicked  *prometheus.Desc
}

// NewCollector creates a Collector with the given metric namespace.
func NewCollector(namespace string, source StatsSource) *Collector {
	bucket := []string{"bucket"}
	desc := func(name, help string, labels []string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "cache", name), help, labels, nil)
	}
	return &Collector{
		source: source,

		entries:     desc("entries", "Current number of entries per cache bucket", bucket),
		capacity:    desc("capacity", "Maximum number of entries per cache bucket", bucket),
		ttl:         desc("ttl_seconds", "Entry time-to-live per cache bucket", bucket),
		hits:        desc("hits_total", "Cache hits per bucket", bucket),
		misses:      desc("misses_total", "Cache misses per bucket", bucket),
		evictions:   desc("evictions_total", "Entries evicted to make room per bucket", bucket),
		expirations: desc("expirations_total", "Entries dropped after their TTL per bucket", bucket),
		sets:        desc("sets_total", "Entries stored per bucket", bucket),

		holding: desc("holding_entries", "Stale-serve entries kept for background refresh", nil),

		refreshQueued:    desc("refresh_queued", "Background refreshes waiting to run", nil),
		refreshSubmitted: desc("refresh_submitted_total", "Background refreshes accepted", nil),
		refreshCompleted: desc("refresh_completed_total", "Background refreshes finished", nil),
		refreshDropped:   desc("refresh_dropped_total", "Background refreshes discarded because the queue was full", nil),
		refreshPanicked:  desc("refresh_panicked_total", "Background refreshes that panicked", nil),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.entries, c.capacity, c.ttl, c.hits, c.misses, c.evictions, c.expirations, c.sets,
		c.holding,
		c.refreshQueued, c.refreshSubmitted, c.refreshCompleted, c.refreshDropped, c.refreshPanicked,
	} {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	stats := c.source.Stats()

	for _, b := range []struct {
		name  string
		stats cache.Stats
	}{
		{"validate_code", stats.ValidateCode},
		{"lookup_code", stats.LookupCode},
		{"expand_value_set", stats.ExpandValueSet},
		{"translate_code", stats.TranslateCode},
		{"misc", stats.Misc},
	} {
		ch <- prometheus.MustNewConstMetric(c.entries, prometheus.GaugeValue, float64(b.stats.Size), b.name)
		ch <- prometheus.MustNewConstMetric(c.capacity, prometheus.GaugeValue, float64(b.stats.Capacity), b.name)
		ch <- prometheus.MustNewConstMetric(c.ttl, prometheus.GaugeValue, b.stats.TTL.Seconds(), b.name)
		ch <- prometheus.MustNewConstMetric(c.hits, prometheus.CounterValue, float64(b.stats.Hits), b.name)
		ch <- prometheus.MustNewConstMetric(c.misses, prometheus.CounterValue, float64(b.stats.Misses), b.name)
		ch <- prometheus.MustNewConstMetric(c.evictions, prometheus.CounterValue, float64(b.stats.Evicts), b.name)
		ch <- prometheus.MustNewConstMetric(c.expirations, prometheus.CounterValue, float64(b.stats.Expires), b.name)
		ch <- prometheus.MustNewConstMetric(c.sets, prometheus.CounterValue, float64(b.stats.Sets), b.name)
	}

	ch <- prometheus.MustNewConstMetric(c.holding, prometheus.GaugeValue, float64(stats.Holding))

	r := stats.Refresh
	ch <- prometheus.MustNewConstMetric(c.refreshQueued, prometheus.GaugeValue, float64(r.Queued))
	ch <- prometheus.MustNewConstMetric(c.refreshSubmitted, prometheus.CounterValue, float64(r.Submitted))
	ch <- prometheus.MustNewConstMetric(c.refreshCompleted, prometheus.CounterValue, float64(r.Completed))
	ch <- prometheus.MustNewConstMetric(c.refreshDropped, prometheus.CounterValue, float64(r.Dropped))
	ch <- prometheus.MustNewConstMetric(c.refreshPanicked, prometheus.CounterValue, float64(r.Panicked))
}

var _ prometheus.Collector = (*Collector)(nil)
