package worker

import (
	"context"
	"time"

	"github.com/mohammad-safakhou/kinetiq/internal/queue/streams"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
)

// LagCollector exports the consumer group backlog on every scrape.
type LagCollector struct {
	client redis.Cmdable
	stream string
	group  string

	pending    *prometheus.Desc
	lag        *prometheus.Desc
	oldestIdle *prometheus.Desc
	up         *prometheus.Desc
}

func NewLagCollector(client redis.Cmdable, stream, group string) *LagCollector {
	labels := prometheus.Labels{"stream": stream, "group": group}
	return &LagCollector{
		client:     client,
		stream:     stream,
		group:      group,
		pending:    prometheus.NewDesc("kinetiq_queue_pending", "Entries delivered but not yet acknowledged.", nil, labels),
		lag:        prometheus.NewDesc("kinetiq_queue_lag", "Entries not yet delivered to the group.", nil, labels),
		oldestIdle: prometheus.NewDesc("kinetiq_queue_oldest_pending_seconds", "Idle time of the oldest pending entry.", nil, labels),
		up:         prometheus.NewDesc("kinetiq_queue_up", "Whether the last backlog query succeeded.", nil, labels),
	}
}

func (c *LagCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.pending
	ch <- c.lag
	ch <- c.oldestIdle
	ch <- c.up
}

func (c *LagCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	m, err := streams.GroupLag(ctx, c.client, c.stream, c.group)
	if err != nil {
		ch <- prometheus.MustNewConstMetric(c.up, prometheus.GaugeValue, 0)
		return
	}
	ch <- prometheus.MustNewConstMetric(c.up, prometheus.GaugeValue, 1)
	ch <- prometheus.MustNewConstMetric(c.pending, prometheus.GaugeValue, float64(m.Pending))
	ch <- prometheus.MustNewConstMetric(c.lag, prometheus.GaugeValue, float64(m.Lag))
	ch <- prometheus.MustNewConstMetric(c.oldestIdle, prometheus.GaugeValue, m.OldestIdle.Seconds())
}
