// Package metrics exposes the newest license usage sample to Prometheus.
package metrics

import (
	"context"
	"time"

	"github.com/coder/quartz"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"cdr.dev/slog/v3"

	"github.com/thannaske/licenseusage/pkg/sampler"
	"github.com/thannaske/licenseusage/pkg/store"
	"github.com/thannaske/licenseusage/pkg/usage"
)

var (
	hostsDesc          = prometheus.NewDesc("licenseusage_hosts", "Hosts in the newest usage sample.", []string{"state"}, nil)
	servicesDesc       = prometheus.NewDesc("licenseusage_services", "Services in the newest usage sample.", []string{"state"}, nil)
	syntheticTestsDesc = prometheus.NewDesc("licenseusage_synthetic_tests", "Synthetic monitoring tests in the newest usage sample.", []string{"state"}, nil)
	syntheticKPIsDesc  = prometheus.NewDesc("licenseusage_synthetic_kpis", "Synthetic monitoring KPIs in the newest usage sample.", []string{"state"}, nil)

	historySamplesDesc = prometheus.NewDesc("licenseusage_history_samples", "The number of samples in the local history.", nil, nil)
	sampleAgeDesc      = prometheus.NewDesc("licenseusage_sample_age_seconds", "Seconds since the newest usage sample was taken.", nil, nil)
	freshnessDesc      = prometheus.NewDesc("licenseusage_freshness", "0 if the history is fresh, 1 if stale, 2 if very stale.", nil, nil)
	limitDesc          = prometheus.NewDesc("licenseusage_subscription_limit_services", "The service limit of the subscription, if it is finite.", nil, nil)
)

// Collector reads the history on every scrape.
type Collector struct {
	Store      *store.Store
	InstanceID uuid.UUID
	// Limit is the subscription limit, nil without a subscription.
	Limit *usage.Limit
	Clock quartz.Clock
	Log   slog.Logger
}

var _ prometheus.Collector = new(Collector)

func (*Collector) Describe(descCh chan<- *prometheus.Desc) {
	descCh <- hostsDesc
	descCh <- servicesDesc
	descCh <- syntheticTestsDesc
	descCh <- syntheticKPIsDesc
	descCh <- historySamplesDesc
	descCh <- sampleAgeDesc
	descCh <- freshnessDesc
	descCh <- limitDesc
}

func (c *Collector) Collect(metricsCh chan<- prometheus.Metric) {
	c.collectLimit(metricsCh)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	h, err := c.Store.ReadHistory(ctx, c.InstanceID)
	if err != nil {
		c.Log.Warn(ctx, "read usage history for metrics", slog.Error(err))
		return
	}
	metricsCh <- prometheus.MustNewConstMetric(historySamplesDesc, prometheus.GaugeValue, float64(h.Len()))

	latest, ok := h.Latest()
	if !ok {
		return
	}
	c.collectSample(metricsCh, latest)

	clock := c.Clock
	if clock == nil {
		clock = quartz.NewReal()
	}
	age := clock.Since(latest.Time())
	metricsCh <- prometheus.MustNewConstMetric(sampleAgeDesc, prometheus.GaugeValue, age.Seconds())
	metricsCh <- prometheus.MustNewConstMetric(freshnessDesc, prometheus.GaugeValue, float64(sampler.Classify(age)))
}

func (c *Collector) collectLimit(metricsCh chan<- prometheus.Metric) {
	if c.Limit == nil || !c.Limit.Finite() {
		return
	}
	metricsCh <- prometheus.MustNewConstMetric(limitDesc, prometheus.GaugeValue, float64(c.Limit.Value))
}

func (*Collector) collectSample(metricsCh chan<- prometheus.Metric, s usage.Sample) {
	gauge := func(desc *prometheus.Desc, v int64, state string) {
		metricsCh <- prometheus.MustNewConstMetric(desc, prometheus.GaugeValue, float64(v), state)
	}

	gauge(hostsDesc, s.NumHosts, "active")
	gauge(hostsDesc, s.NumHostsExcluded, "excluded")
	gauge(hostsDesc, s.NumHostsShadow, "shadow")
	gauge(hostsDesc, s.NumHostsCloud, "cloud")

	gauge(servicesDesc, s.NumServices, "active")
	gauge(servicesDesc, s.NumServicesExcluded, "excluded")
	gauge(servicesDesc, s.NumServicesShadow, "shadow")
	gauge(servicesDesc, s.NumServicesCloud, "cloud")

	gauge(syntheticTestsDesc, s.NumSyntheticTests, "active")
	gauge(syntheticTestsDesc, s.NumSyntheticTestsExcluded, "excluded")
	gauge(syntheticKPIsDesc, s.NumSyntheticKPIs, "active")
	gauge(syntheticKPIsDesc, s.NumSyntheticKPIsExcluded, "excluded")
}
