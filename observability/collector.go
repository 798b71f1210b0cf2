// Package observability records system-wide lifecycle metrics from the
// event bus. The Collector subscribes to job, rule, and schedule topics
// and feeds OpenTelemetry counters, so any component that publishes an
// event is counted without instrumenting its call sites.
//
// For per-execution latency and tracing, see the middleware package:
// middleware.Tracing() and middleware.Metrics().
package observability

import (
	"context"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/mediaflow/fetchq/bus"
)

// meterName is the instrumentation scope name for fetchq metrics.
const meterName = "github.com/mediaflow/fetchq"

// Collector subscribes to the bus and counts lifecycle events.
type Collector struct {
	bus    *bus.Bus
	logger *slog.Logger

	events   metric.Int64Counter
	counters map[string]metric.Int64Counter

	sub    *bus.Subscription
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// instrumented maps bus topics to counter instrument names.
var instrumented = map[string]string{
	bus.TopicJobSubmitted:  "fetchq.job.submitted",
	bus.TopicJobAdmitted:   "fetchq.job.admitted",
	bus.TopicJobCompleted:  "fetchq.job.completed",
	bus.TopicJobFailed:     "fetchq.job.failed",
	bus.TopicJobCancelled:  "fetchq.job.cancelled",
	bus.TopicJobRetrying:   "fetchq.job.retrying",
	bus.TopicJobPaused:     "fetchq.job.paused",
	bus.TopicJobResumed:    "fetchq.job.resumed",
	bus.TopicRuleApplied:   "fetchq.rule.applied",
	bus.TopicScheduleFired: "fetchq.schedule.fired",
}

// New creates a Collector using the global OTel MeterProvider. With no
// MeterProvider configured, the instruments are noops and the collector
// only drains its subscription.
func New(b *bus.Bus, logger *slog.Logger) *Collector {
	return NewWithMeter(b, logger, otel.Meter(meterName))
}

// NewWithMeter creates a Collector with the provided meter. This
// variant allows injecting a specific MeterProvider for testing.
func NewWithMeter(b *bus.Bus, logger *slog.Logger, meter metric.Meter) *Collector {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Collector{
		bus:      b,
		logger:   logger,
		counters: make(map[string]metric.Int64Counter, len(instrumented)),
		stopCh:   make(chan struct{}),
	}

	events, err := meter.Int64Counter(
		"fetchq.events",
		metric.WithDescription("Total events observed on the bus"),
		metric.WithUnit("{event}"),
	)
	_ = err // noop fallback guaranteed by OTel API contract
	c.events = events

	for topic, name := range instrumented {
		counter, cErr := meter.Int64Counter(name,
			metric.WithUnit("{event}"),
		)
		_ = cErr // noop fallback guaranteed by OTel API contract
		c.counters[topic] = counter
	}
	return c
}

// Start subscribes to the bus and begins counting.
func (c *Collector) Start(_ context.Context) error {
	c.sub = c.bus.Subscribe("*")
	c.wg.Add(1)
	go c.loop()
	c.logger.Info("observability collector started")
	return nil
}

// Stop tears down the subscription and waits for the drain loop.
func (c *Collector) Stop(_ context.Context) error {
	close(c.stopCh)
	c.bus.Unsubscribe(c.sub)
	c.wg.Wait()
	c.logger.Info("observability collector stopped")
	return nil
}

func (c *Collector) loop() {
	defer c.wg.Done()

	ctx := context.Background()
	for {
		select {
		case evt, ok := <-c.sub.C():
			if !ok {
				return
			}
			c.events.Add(ctx, 1)
			if counter, ok := c.counters[evt.Topic]; ok {
				counter.Add(ctx, 1)
			}
		case <-c.stopCh:
			return
		}
	}
}
