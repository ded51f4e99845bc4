// Package consumer drains the agent's two event queues. Events are logged,
// counted, kept in a bounded recent ring for the HTTP API, and optionally
// forwarded to an external ingest endpoint.
package consumer

import (
	"context"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/kz521103/Microradar/internal/export"
	"github.com/kz521103/Microradar/pkg/telemetry"
)

var eventsConsumed = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "microradar_events_consumed_total",
		Help: "Total events drained from the agent queues",
	},
	[]string{"queue", "type"},
)

func init() {
	prometheus.MustRegister(eventsConsumed)
}

// Config for the consumer.
type Config struct {
	// Retention bounds the recent-event ring served by the HTTP API.
	Retention int
}

// Consumer drains both event queues until its context is done.
type Consumer struct {
	cfg    Config
	log    *logrus.Logger
	client *export.Client // optional

	containerQ <-chan telemetry.Event
	networkQ   <-chan telemetry.Event

	mu     sync.RWMutex
	recent []*export.Event
}

// New creates a consumer over the two queues. client may be nil.
func New(cfg Config, containerQ, networkQ <-chan telemetry.Event, client *export.Client, log *logrus.Logger) *Consumer {
	if cfg.Retention <= 0 {
		cfg.Retention = 10000
	}
	return &Consumer{
		cfg:        cfg,
		log:        log,
		client:     client,
		containerQ: containerQ,
		networkQ:   networkQ,
	}
}

// Start drains both queues concurrently until the context is done.
func (c *Consumer) Start(ctx context.Context) {
	go c.drain(ctx, "container", c.containerQ)
	go c.drain(ctx, "network", c.networkQ)
}

func (c *Consumer) drain(ctx context.Context, queue string, ch <-chan telemetry.Event) {
	c.log.WithField("queue", queue).Info("Starting event consumer")
	for {
		select {
		case <-ctx.Done():
			c.log.WithField("queue", queue).Info("Event consumer stopping")
			return
		case ev := <-ch:
			c.handle(ctx, queue, ev)
		}
	}
}

func (c *Consumer) handle(ctx context.Context, queue string, ev telemetry.Event) {
	eventsConsumed.WithLabelValues(queue, ev.Type.String()).Inc()

	fields := logrus.Fields{
		"type":      ev.Type.String(),
		"cgroup_id": ev.CgroupID,
		"pid":       ev.PID,
	}
	switch ev.Type {
	case telemetry.EventContainerStart, telemetry.EventContainerStop:
		if ev.Container != nil {
			fields["container_id"] = ev.Container.ContainerID
			fields["comm"] = ev.Container.Comm
			fields["status"] = ev.Container.Status.String()
		}
		c.log.WithFields(fields).Info("Container lifecycle event")
	case telemetry.EventNetworkPacket:
		if ev.Flow != nil {
			fields["retransmits"] = ev.Flow.TCPRetransmits
			fields["packets"] = ev.Flow.Packets
		}
		c.log.WithFields(fields).Debug("Network event")
	default:
		fields["value"] = ev.Value
		c.log.WithFields(fields).Debug("Sample event")
	}

	wire := export.FromTelemetry(ev)

	c.mu.Lock()
	c.recent = append(c.recent, wire)
	if len(c.recent) > c.cfg.Retention {
		c.recent = c.recent[len(c.recent)-c.cfg.Retention:]
	}
	c.mu.Unlock()

	if c.client != nil {
		go func() {
			if err := c.client.SendEvent(ctx, wire); err != nil {
				c.log.WithError(err).Debug("Failed to export event")
			}
		}()
	}
}

// Recent returns the most recent events, up to limit, oldest first.
func (c *Consumer) Recent(limit int) []*export.Event {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n := len(c.recent)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]*export.Event, limit)
	copy(out, c.recent[n-limit:])
	return out
}
