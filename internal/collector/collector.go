package collector

import (
	"context"
	"github.com/clambin/profilematic/internal/manager"
	"github.com/prometheus/client_golang/prometheus"
	"log/slog"
	"sync"
)

var (
	conditionActive = prometheus.NewDesc(
		prometheus.BuildFQName("profilematic", "condition", "active"),
		"1 if the condition is active",
		[]string{"condition"},
		nil,
	)
	conditionActivations = prometheus.NewDesc(
		prometheus.BuildFQName("profilematic", "condition", "activations_total"),
		"Number of times the condition became active",
		[]string{"condition"},
		nil,
	)
	conditionDeactivations = prometheus.NewDesc(
		prometheus.BuildFQName("profilematic", "condition", "deactivations_total"),
		"Number of times the condition stopped being active",
		[]string{"condition"},
		nil,
	)
	conditionFailed = prometheus.NewDesc(
		prometheus.BuildFQName("profilematic", "condition", "failed"),
		"1 if the last actions of the condition failed to apply",
		[]string{"condition"},
		nil,
	)
	conditionMatched = prometheus.NewDesc(
		prometheus.BuildFQName("profilematic", "condition", "matched"),
		"First-match chain's matched condition. Always 1. Label matched specifies the condition",
		[]string{"condition", "matched"},
		nil,
	)
	managerTicks = prometheus.NewDesc(
		prometheus.BuildFQName("profilematic", "manager", "ticks_total"),
		"Number of times the conditions were evaluated",
		nil,
		nil,
	)
	presenceActive = prometheus.NewDesc(
		prometheus.BuildFQName("profilematic", "presence", "monitor_active"),
		"1 if presence monitoring is active",
		nil,
		nil,
	)
)

type Publisher[T any] interface {
	Subscribe() chan T
	Unsubscribe(chan T)
}

var _ prometheus.Collector = &Collector{}

// Collector exports the latest manager report as Prometheus metrics.
type Collector struct {
	Publisher  Publisher[manager.Report]
	Logger     *slog.Logger
	lock       sync.RWMutex
	lastReport *manager.Report
}

func (c *Collector) Run(ctx context.Context) error {
	c.Logger.Debug("started")
	defer c.Logger.Debug("stopped")

	ch := c.Publisher.Subscribe()
	defer c.Publisher.Unsubscribe(ch)

	for {
		select {
		case <-ctx.Done():
			return nil
		case report := <-ch:
			c.process(report)
		}
	}
}

func (c *Collector) process(report manager.Report) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.lastReport = &report
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- conditionActive
	ch <- conditionActivations
	ch <- conditionDeactivations
	ch <- conditionFailed
	ch <- conditionMatched
	ch <- managerTicks
	ch <- presenceActive
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.lock.RLock()
	defer c.lock.RUnlock()

	if c.lastReport == nil {
		return
	}
	ch <- prometheus.MustNewConstMetric(managerTicks, prometheus.CounterValue, float64(c.lastReport.Ticks))
	ch <- prometheus.MustNewConstMetric(presenceActive, prometheus.GaugeValue, boolValue(c.lastReport.PresenceActive))
	for _, condition := range c.lastReport.Conditions {
		ch <- prometheus.MustNewConstMetric(conditionActive, prometheus.GaugeValue, boolValue(condition.Active), condition.Name)
		ch <- prometheus.MustNewConstMetric(conditionActivations, prometheus.CounterValue, float64(condition.Activations), condition.Name)
		ch <- prometheus.MustNewConstMetric(conditionDeactivations, prometheus.CounterValue, float64(condition.Deactivations), condition.Name)
		ch <- prometheus.MustNewConstMetric(conditionFailed, prometheus.GaugeValue, boolValue(condition.LastFailure != ""), condition.Name)
		if condition.Matched != "" {
			ch <- prometheus.MustNewConstMetric(conditionMatched, prometheus.GaugeValue, 1, condition.Name, condition.Matched)
		}
	}
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
