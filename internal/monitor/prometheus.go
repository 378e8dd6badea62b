package monitor

import "github.com/prometheus/client_golang/prometheus"

// Collector adapts the Coordinator's snapshot state to Prometheus's pull
// model, so the same counters that back the programmatic GetState snapshot
// are scrapeable without a second bookkeeping path.
type Collector struct {
	c *Coordinator

	cpuDesc    *prometheus.Desc
	memDesc    *prometheus.Desc
	diskDesc   *prometheus.Desc
	errorsDesc *prometheus.Desc
	poolDesc   *prometheus.Desc
}

// NewCollector wraps c for registration with a prometheus.Registerer.
func NewCollector(c *Coordinator) *Collector {
	return &Collector{
		c:          c,
		cpuDesc:    prometheus.NewDesc("transcriber_cpu_usage_percent", "Host CPU utilization percent.", nil, nil),
		memDesc:    prometheus.NewDesc("transcriber_memory_usage_percent", "Host memory utilization percent.", nil, nil),
		diskDesc:   prometheus.NewDesc("transcriber_disk_usage_percent", "Host disk utilization percent.", nil, nil),
		errorsDesc: prometheus.NewDesc("transcriber_errors_total", "Cumulative handled errors.", nil, nil),
		poolDesc:   prometheus.NewDesc("transcriber_pool_in_use", "Buffers currently checked out, by tier.", []string{"tier"}, nil),
	}
}

func (col *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- col.cpuDesc
	ch <- col.memDesc
	ch <- col.diskDesc
	ch <- col.errorsDesc
	ch <- col.poolDesc
}

func (col *Collector) Collect(ch chan<- prometheus.Metric) {
	snap := col.c.GetState()
	ch <- prometheus.MustNewConstMetric(col.cpuDesc, prometheus.GaugeValue, snap.CPUUsage)
	ch <- prometheus.MustNewConstMetric(col.memDesc, prometheus.GaugeValue, snap.MemoryUsage)
	ch <- prometheus.MustNewConstMetric(col.diskDesc, prometheus.GaugeValue, snap.DiskUsage)
	ch <- prometheus.MustNewConstMetric(col.errorsDesc, prometheus.CounterValue, float64(col.c.TotalErrors()))

	for _, ts := range col.c.Pool().Snapshot() {
		ch <- prometheus.MustNewConstMetric(col.poolDesc, prometheus.GaugeValue, float64(ts.InUse), ts.Tier.String())
	}
}
