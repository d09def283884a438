package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/runsh/internal/profile"
)

// UsageSource returns the current resource snapshot of every live service.
type UsageSource func() map[string]profile.Usage

// UsageCollector exports per-service cpu and memory gauges. Values are read
// from the source on every scrape, so nothing is sampled between scrapes.
type UsageCollector struct {
	source UsageSource
	cpu    *prometheus.Desc
	mem    *prometheus.Desc
	live   *prometheus.Desc
}

func NewUsageCollector(source UsageSource) *UsageCollector {
	return &UsageCollector{
		source: source,
		cpu: prometheus.NewDesc(
			prometheus.BuildFQName(Namespace, Subsystem, "cpu_percent"),
			"CPU usage of the service process in percent since the previous sample.",
			[]string{"name"}, nil,
		),
		mem: prometheus.NewDesc(
			prometheus.BuildFQName(Namespace, Subsystem, "memory_mb"),
			"Resident memory of the service process in MiB.",
			[]string{"name"}, nil,
		),
		live: prometheus.NewDesc(
			prometheus.BuildFQName(Namespace, Subsystem, "live_processes"),
			"Number of services with a live process that could be inspected.",
			nil, nil,
		),
	}
}

func (c *UsageCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.cpu
	ch <- c.mem
	ch <- c.live
}

func (c *UsageCollector) Collect(ch chan<- prometheus.Metric) {
	var usage map[string]profile.Usage
	if c.source != nil {
		usage = c.source()
	}
	for name, u := range usage {
		ch <- prometheus.MustNewConstMetric(c.cpu, prometheus.GaugeValue, u.CPUPercent, name)
		ch <- prometheus.MustNewConstMetric(c.mem, prometheus.GaugeValue, u.MemoryMB, name)
	}
	ch <- prometheus.MustNewConstMetric(c.live, prometheus.GaugeValue, float64(len(usage)))
}

// RegisterUsage registers a UsageCollector backed by source.
func RegisterUsage(r prometheus.Registerer, source UsageSource) (*UsageCollector, error) {
	c := NewUsageCollector(source)
	if err := registerAll(r, c); err != nil {
		return nil, err
	}
	return c, nil
}
