// Package stats holds the agent's global counters: two independent fixed
// arrays of atomic 64-bit counters, one for the container domain and one for
// the network domain, indexed by closed enumerations. All updates are
// non-blocking fetch-and-add; readers observe eventually-consistent totals.
// Both sets double as prometheus collectors.
package stats

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// ContainerStat indexes the container-domain counter array.
type ContainerStat int

const (
	ContainersCreated ContainerStat = iota
	ContainersStopped
	EventsSent
	EventsDropped

	numContainerStats
)

var containerStatNames = [numContainerStats]string{
	ContainersCreated: "containers_created",
	ContainersStopped: "containers_stopped",
	EventsSent:        "events_sent",
	EventsDropped:     "events_dropped",
}

// NetworkStat indexes the network-domain counter array.
type NetworkStat int

const (
	PacketsIn NetworkStat = iota
	PacketsOut
	BytesIn
	BytesOut
	TCPRetransmits
	UDPPackets
	LatencySamples

	numNetworkStats
)

var networkStatNames = [numNetworkStats]string{
	PacketsIn:      "packets_in",
	PacketsOut:     "packets_out",
	BytesIn:        "bytes_in",
	BytesOut:       "bytes_out",
	TCPRetransmits: "tcp_retransmits",
	UDPPackets:     "udp_packets",
	LatencySamples: "latency_samples",
}

// ContainerCounters is the container-domain counter array.
type ContainerCounters struct {
	counters [numContainerStats]atomic.Uint64
	descs    [numContainerStats]*prometheus.Desc
}

// NewContainerCounters returns a zeroed container counter set.
func NewContainerCounters() *ContainerCounters {
	c := &ContainerCounters{}
	for i := range c.descs {
		c.descs[i] = prometheus.NewDesc(
			"microradar_container_"+containerStatNames[i]+"_total",
			"Container-domain counter "+containerStatNames[i],
			nil, nil,
		)
	}
	return c
}

// Add increments the counter at index s by delta.
func (c *ContainerCounters) Add(s ContainerStat, delta uint64) {
	c.counters[s].Add(delta)
}

// Get returns the current value of the counter at index s.
func (c *ContainerCounters) Get(s ContainerStat) uint64 {
	return c.counters[s].Load()
}

// Snapshot returns the counters keyed by name.
func (c *ContainerCounters) Snapshot() map[string]uint64 {
	out := make(map[string]uint64, numContainerStats)
	for i := ContainerStat(0); i < numContainerStats; i++ {
		out[containerStatNames[i]] = c.counters[i].Load()
	}
	return out
}

// Describe implements prometheus.Collector.
func (c *ContainerCounters) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range c.descs {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (c *ContainerCounters) Collect(ch chan<- prometheus.Metric) {
	for i := range c.counters {
		ch <- prometheus.MustNewConstMetric(c.descs[i], prometheus.CounterValue, float64(c.counters[i].Load()))
	}
}

// NetworkCounters is the network-domain counter array.
type NetworkCounters struct {
	counters [numNetworkStats]atomic.Uint64
	descs    [numNetworkStats]*prometheus.Desc
}

// NewNetworkCounters returns a zeroed network counter set.
func NewNetworkCounters() *NetworkCounters {
	c := &NetworkCounters{}
	for i := range c.descs {
		c.descs[i] = prometheus.NewDesc(
			"microradar_network_"+networkStatNames[i]+"_total",
			"Network-domain counter "+networkStatNames[i],
			nil, nil,
		)
	}
	return c
}

// Add increments the counter at index s by delta.
func (c *NetworkCounters) Add(s NetworkStat, delta uint64) {
	c.counters[s].Add(delta)
}

// Get returns the current value of the counter at index s.
func (c *NetworkCounters) Get(s NetworkStat) uint64 {
	return c.counters[s].Load()
}

// Snapshot returns the counters keyed by name.
func (c *NetworkCounters) Snapshot() map[string]uint64 {
	out := make(map[string]uint64, numNetworkStats)
	for i := NetworkStat(0); i < numNetworkStats; i++ {
		out[networkStatNames[i]] = c.counters[i].Load()
	}
	return out
}

// Describe implements prometheus.Collector.
func (c *NetworkCounters) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range c.descs {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (c *NetworkCounters) Collect(ch chan<- prometheus.Metric) {
	for i := range c.counters {
		ch <- prometheus.MustNewConstMetric(c.descs[i], prometheus.CounterValue, float64(c.counters[i].Load()))
	}
}
