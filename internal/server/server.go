// Package server provides the HTTP surface of the MicroRadar agent.
package server

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/kz521103/Microradar/internal/config"
	"github.com/kz521103/Microradar/internal/consumer"
	"github.com/kz521103/Microradar/internal/version"
	"github.com/kz521103/Microradar/pkg/agent"
	"github.com/kz521103/Microradar/pkg/telemetry"
)

// Server is the HTTP server for the agent API.
type Server struct {
	cfg        config.AgentConfig
	agent      *agent.Agent
	consumer   *consumer.Consumer
	log        *logrus.Logger
	httpServer *http.Server
}

// New creates the HTTP server over the given agent and consumer.
func New(cfg config.AgentConfig, a *agent.Agent, c *consumer.Consumer, log *logrus.Logger) *Server {
	mux := http.NewServeMux()
	s := &Server{cfg: cfg, agent: a, consumer: c, log: log}
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/api/v1/containers", s.handleContainers)
	mux.HandleFunc("/api/v1/flows", s.handleFlows)
	mux.HandleFunc("/api/v1/events", s.handleEvents)
	mux.HandleFunc("/api/v1/stats", s.handleStats)
	mux.Handle("/metrics", promhttp.Handler())

	s.httpServer = &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// ListenAndServe starts the HTTP server. It blocks until the server is closed.
func (s *Server) ListenAndServe() error {
	s.log.WithField("addr", s.cfg.HTTPAddr).Info("Agent API listening")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"status":  "healthy",
		"version": version.Version,
	})
}

type containerJSON struct {
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

func (s *Server) handleContainers(w http.ResponseWriter, r *http.Request) {
	records := s.agent.Containers()
	out := make([]containerJSON, 0, len(records))
	for _, rec := range records {
		out = append(out, containerJSON{
			CgroupID:    rec.CgroupID,
			PID:         rec.PID,
			PPID:        rec.PPID,
			ContainerID: rec.ContainerID,
			Comm:        rec.Comm,
			StartTime:   rec.StartTime,
			CPUUsage:    rec.CPUUsage,
			MemoryUsage: rec.MemoryUsage,
			Status:      rec.Status.String(),
		})
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(out)
}

type flowJSON struct {
	SrcIP          string `json:"src_ip"`
	DstIP          string `json:"dst_ip"`
	SrcPort        uint16 `json:"src_port"`
	DstPort        uint16 `json:"dst_port"`
	Protocol       uint8  `json:"protocol"`
	CgroupID       uint64 `json:"cgroup_id"`
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

func formatIP(ip uint32) string {
	return net.IPv4(byte(ip>>24), byte(ip>>16), byte(ip>>8), byte(ip)).String()
}

func (s *Server) handleFlows(w http.ResponseWriter, r *http.Request) {
	entries := s.agent.Flows()
	out := make([]flowJSON, 0, len(entries))
	for _, e := range entries {
		out = append(out, flowJSON{
			SrcIP:          formatIP(e.Key.SrcIP),
			DstIP:          formatIP(e.Key.DstIP),
			SrcPort:        e.Key.SrcPort,
			DstPort:        e.Key.DstPort,
			Protocol:       e.Key.Protocol,
			CgroupID:       e.Key.CgroupID,
			Packets:        e.Stats.Packets,
			Bytes:          e.Stats.Bytes,
			LatencySum:     e.Stats.LatencySum,
			LatencyCount:   e.Stats.LatencyCount,
			LastSeen:       e.Stats.LastSeen,
			TCPRetransmits: e.Stats.TCPRetransmits,
			Inbound:        e.Stats.Flags&telemetry.FlowInbound != 0,
			Outbound:       e.Stats.Flags&telemetry.FlowOutbound != 0,
			Retransmit:     e.Stats.Flags&telemetry.FlowRetransmit != 0,
		})
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(out)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	events := s.consumer.Recent(100)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(events)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	containerSent, containerDropped := s.agent.ContainerEvents().Stats()
	networkSent, networkDropped := s.agent.NetworkEvents().Stats()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"container": s.agent.ContainerStats().Snapshot(),
		"network":   s.agent.NetworkStats().Snapshot(),
		"queues": map[string]interface{}{
			"container": map[string]uint64{
				"capacity": uint64(s.agent.ContainerEvents().Capacity()),
				"sent":     containerSent,
				"dropped":  containerDropped,
			},
			"network": map[string]uint64{
				"capacity": uint64(s.agent.NetworkEvents().Capacity()),
				"sent":     networkSent,
				"dropped":  networkDropped,
			},
		},
	})
}
