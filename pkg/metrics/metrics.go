// Package metrics holds the loader counters and pushes them to a
// Prometheus pushgateway when a command finishes.
package metrics

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/go-faster/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/push"
)

var (
	loaderRows = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "oria",
		Subsystem: "loader",
		Name:      "rows_total",
		Help:      "Total number of input records broken down by loader and outcome.",
	}, []string{"loader", "outcome"})

	externalCalls = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "oria",
		Subsystem: "external",
		Name:      "call_duration_seconds",
		Help:      "Latency of calls to external services broken down by service and result.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
	}, []string{"service", "result"})
)

// Tally counts what a loader did with its input. It is safe for concurrent use.
type Tally struct {
	loader  string
	read    atomic.Int64
	written atomic.Int64
	skipped atomic.Int64
	failed  atomic.Int64
}

func NewTally(loader string) *Tally {
	return &Tally{loader: loader}
}

func (t *Tally) Read() {
	t.read.Add(1)
	loaderRows.WithLabelValues(t.loader, "read").Inc()
}

func (t *Tally) Written() {
	t.written.Add(1)
	loaderRows.WithLabelValues(t.loader, "written").Inc()
}

func (t *Tally) Skipped() {
	t.skipped.Add(1)
	loaderRows.WithLabelValues(t.loader, "skipped").Inc()
}

func (t *Tally) Failed() {
	t.failed.Add(1)
	loaderRows.WithLabelValues(t.loader, "failed").Inc()
}

type Counts struct {
	Read, Written, Skipped, Failed int64
}

func (t *Tally) Counts() Counts {
	return Counts{
		Read:    t.read.Load(),
		Written: t.written.Load(),
		Skipped: t.skipped.Load(),
		Failed:  t.failed.Load(),
	}
}

func (t *Tally) String() string {
	c := t.Counts()
	return fmt.Sprintf("%s: read=%d written=%d skipped=%d failed=%d", t.loader, c.Read, c.Written, c.Skipped, c.Failed)
}

// ObserveExternal records the latency of one external call started at start.
func ObserveExternal(service string, start time.Time, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	externalCalls.WithLabelValues(service, result).Observe(time.Since(start).Seconds())
}

// Push sends every registered metric to the pushgateway at url, grouped by
// job and run id. An empty url is a no-op.
func Push(ctx context.Context, url, job, runID string) error {
	return PushFrom(ctx, prometheus.DefaultGatherer, url, job, runID)
}

func PushFrom(ctx context.Context, g prometheus.Gatherer, url, job, runID string) error {
	if url == "" {
		return nil
	}
	p := push.New(url, job).Gatherer(g)
	if runID != "" {
		p = p.Grouping("run_id", runID)
	}
	if err := p.PushContext(ctx); err != nil {
		return errors.Wrap(err, "push metrics")
	}
	return nil
}
