// Package export sends consumed telemetry events to an external ingest
// endpoint. Delivery is at-most-once: a failed send is logged and dropped,
// matching the lossy semantics of the in-process event queues.
package export

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kz521103/Microradar/internal/version"
	"github.com/kz521103/Microradar/pkg/telemetry"
)

// Event is the JSON wire view of a telemetry event.
type Event struct {
	Type      string     `json:"type"`
	Timestamp uint64     `json:"timestamp"`
	CgroupID  uint64     `json:"cgroup_id"`
	PID       uint32     `json:"pid,omitempty"`
	Container *Container `json:"container,omitempty"`
	Flow      *Flow      `json:"flow,omitempty"`
	Value     uint64     `json:"value,omitempty"`
}

// Container is the JSON view of a container record snapshot.
type Container struct {
	CgroupID    uint64 `json:"cgroup_id"`
	PID         uint32 `json:"pid"`
	PPID        uint32 `json:"ppid"`
	ContainerID string `json:"container_id"`
	Comm        string `json:"comm"`
	StartTime   uint64 `json:"start_time"`
	CPUUsage    uint32 `json:"cpu_usage"`
	MemoryUsage uint64 `json:"memory_usage"`
	Status      string `json:"status"`
}

// Flow is the JSON view of a flow statistics snapshot.
type Flow struct {
	Packets        uint64 `json:"packets"`
	Bytes          uint64 `json:"bytes"`
	LatencySum     uint64 `json:"latency_sum"`
	LatencyCount   uint32 `json:"latency_count"`
	LastSeen       uint64 `json:"last_seen"`
	TCPRetransmits uint32 `json:"tcp_retransmits"`
	Inbound        bool   `json:"inbound"`
	Outbound       bool   `json:"outbound"`
	Retransmit     bool   `json:"retransmit"`
}

// FromTelemetry converts an internal event to its wire view.
func FromTelemetry(ev telemetry.Event) *Event {
	out := &Event{
		Type:      ev.Type.String(),
		Timestamp: ev.Timestamp,
		CgroupID:  ev.CgroupID,
		PID:       ev.PID,
		Value:     ev.Value,
	}
	if ev.Container != nil {
		out.Container = &Container{
			CgroupID:    ev.Container.CgroupID,
			PID:         ev.Container.PID,
			PPID:        ev.Container.PPID,
			ContainerID: ev.Container.ContainerID,
			Comm:        ev.Container.Comm,
			StartTime:   ev.Container.StartTime,
			CPUUsage:    ev.Container.CPUUsage,
			MemoryUsage: ev.Container.MemoryUsage,
			Status:      ev.Container.Status.String(),
		}
	}
	if ev.Flow != nil {
		out.Flow = &Flow{
			Packets:        ev.Flow.Packets,
			Bytes:          ev.Flow.Bytes,
			LatencySum:     ev.Flow.LatencySum,
			LatencyCount:   ev.Flow.LatencyCount,
			LastSeen:       ev.Flow.LastSeen,
			TCPRetransmits: ev.Flow.TCPRetransmits,
			Inbound:        ev.Flow.Flags&telemetry.FlowInbound != 0,
			Outbound:       ev.Flow.Flags&telemetry.FlowOutbound != 0,
			Retransmit:     ev.Flow.Flags&telemetry.FlowRetransmit != 0,
		}
	}
	return out
}

// Config for the ingest client.
type Config struct {
	Endpoint string
	APIKey   string
	Timeout  time.Duration
}

// Client posts events to the ingest API.
type Client struct {
	endpoint   string
	apiKey     string
	httpClient *http.Client
	log        *logrus.Logger
}

// NewClient creates an ingest client.
func NewClient(cfg Config, log *logrus.Logger) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Client{
		endpoint: cfg.Endpoint,
		apiKey:   cfg.APIKey,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		log: log,
	}
}

// SendEvent posts one event.
func (c *Client) SendEvent(ctx context.Context, event *Event) error {
	if c.endpoint == "" || c.apiKey == "" {
		return fmt.Errorf("export client not configured")
	}
	return c.sendJSON(ctx, fmt.Sprintf("%s/api/v1/events", c.endpoint), event)
}

// SendBatch posts multiple events in one request.
func (c *Client) SendBatch(ctx context.Context, events []*Event) error {
	if c.endpoint == "" || c.apiKey == "" {
		return fmt.Errorf("export client not configured")
	}
	payload := map[string]interface{}{
		"events": events,
	}
	return c.sendJSON(ctx, fmt.Sprintf("%s/api/v1/events/batch", c.endpoint), payload)
}

func (c *Client) sendJSON(ctx context.Context, url string, payload interface{}) error {
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.apiKey))
	req.Header.Set("User-Agent", "microradar/"+version.Version)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	c.log.WithFields(logrus.Fields{
		"url":    url,
		"status": resp.StatusCode,
	}).Debug("Event exported")

	return nil
}

// HealthCheck checks whether the ingest API is reachable.
func (c *Client) HealthCheck(ctx context.Context) error {
	if c.endpoint == "" || c.apiKey == "" {
		return fmt.Errorf("export client not configured")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/health", c.endpoint), nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.apiKey))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to check health: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check failed with status: %d", resp.StatusCode)
	}
	return nil
}
