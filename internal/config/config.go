// Package config provides configuration loading from environment and
// defaults for the MicroRadar agent.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/kz521103/Microradar/pkg/telemetry"
)

// GetEnv returns the value of key from the environment, or defaultValue if unset or empty.
func GetEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return strings.TrimSpace(v)
	}
	return defaultValue
}

// GetEnvInt returns the integer for key, or defaultValue if unset/invalid.
func GetEnvInt(key string, defaultValue int) int {
	s := os.Getenv(key)
	if s == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return defaultValue
	}
	return n
}

// GetEnvBool returns the boolean for key, or defaultValue if unset/invalid.
func GetEnvBool(key string, defaultValue bool) bool {
	s := os.Getenv(key)
	if s == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(strings.TrimSpace(s))
	if err != nil {
		return defaultValue
	}
	return b
}

// GetEnvDuration returns the duration for key, or defaultValue if unset/invalid.
func GetEnvDuration(key string, defaultValue time.Duration) time.Duration {
	s := os.Getenv(key)
	if s == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return defaultValue
	}
	return d
}

// AgentConfig holds the full agent configuration.
type AgentConfig struct {
	HTTPAddr        string
	ShutdownTimeout time.Duration

	// Core capacities.
	MaxContainers       int
	MaxPIDEntries       int
	MaxNetworkFlows     int
	ContainerQueueBytes int
	NetworkQueueBytes   int

	// Occurrence producers.
	ProcRoot         string
	CgroupRoot       string
	ProcScanInterval time.Duration
	SockScanInterval time.Duration
	SampleUsage      bool
	CaptureEnabled   bool
	CaptureInterface string
	CaptureBufferMB  int

	// Consumer.
	EventRetention int

	// Optional ingest export.
	ExportEnabled  bool
	ExportEndpoint string
	ExportAPIKey   string
	ExportTimeout  time.Duration
}

// DefaultAgentConfig returns agent config from environment with defaults.
func DefaultAgentConfig() AgentConfig {
	endpoint := GetEnv("EXPORT_ENDPOINT", "")
	key := GetEnv("EXPORT_API_KEY", "")
	return AgentConfig{
		HTTPAddr:        GetEnv("HTTP_ADDR", ":8080"),
		ShutdownTimeout: GetEnvDuration("SHUTDOWN_TIMEOUT", 30*time.Second),

		MaxContainers:       GetEnvInt("MAX_CONTAINERS", telemetry.MaxContainers),
		MaxPIDEntries:       GetEnvInt("MAX_PID_ENTRIES", telemetry.MaxPIDEntries),
		MaxNetworkFlows:     GetEnvInt("MAX_NETWORK_FLOWS", telemetry.MaxNetworkFlows),
		ContainerQueueBytes: GetEnvInt("CONTAINER_QUEUE_BYTES", 256<<10),
		NetworkQueueBytes:   GetEnvInt("NETWORK_QUEUE_BYTES", 512<<10),

		ProcRoot:         GetEnv("PROC_ROOT", "/proc"),
		CgroupRoot:       GetEnv("CGROUP_ROOT", "/sys/fs/cgroup"),
		ProcScanInterval: GetEnvDuration("PROC_SCAN_INTERVAL", time.Second),
		SockScanInterval: GetEnvDuration("SOCK_SCAN_INTERVAL", time.Second),
		SampleUsage:      GetEnvBool("SAMPLE_USAGE", true),
		CaptureEnabled:   GetEnvBool("CAPTURE_ENABLED", false),
		CaptureInterface: GetEnv("CAPTURE_INTERFACE", ""),
		CaptureBufferMB:  GetEnvInt("CAPTURE_BUFFER_MB", 8),

		EventRetention: GetEnvInt("EVENT_RETENTION", 10000),

		ExportEnabled:  endpoint != "" && key != "",
		ExportEndpoint: endpoint,
		ExportAPIKey:   key,
		ExportTimeout:  GetEnvDuration("EXPORT_TIMEOUT", 30*time.Second),
	}
}
