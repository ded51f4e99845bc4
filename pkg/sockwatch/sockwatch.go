// Package sockwatch sources retransmit-observed occurrences from the proc
// net tables. Each scan parses /proc/net/tcp and diffs the per-socket
// retransmit column against the previous scan; an increase becomes one
// occurrence per retransmitted segment, attributed to the owning cgroup via
// the socket inode and the pid cache.
package sockwatch

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kz521103/Microradar/pkg/telemetry"
)

// CgroupLookup resolves a pid to its owning cgroup. Typically the agent's
// pid cache.
type CgroupLookup func(pid uint32) (uint64, bool)

// Config for the socket watcher.
type Config struct {
	ProcRoot     string        // default /proc
	ScanInterval time.Duration // default 1s
}

type sockState struct {
	tuple       telemetry.SocketTuple
	retransmits uint64
}

// Watcher polls the kernel TCP table for retransmissions.
type Watcher struct {
	cfg    Config
	sink   telemetry.Sink
	lookup CgroupLookup
	log    *logrus.Logger

	// Single-goroutine state, owned by the scan loop. Keyed by socket inode.
	prev     map[uint64]sockState
	inodePID map[uint64]uint32

	// Local-port to cgroup index, rebuilt each scan, read by packet capture.
	portMu     sync.RWMutex
	portCgroup map[uint16]uint64
}

// New creates a socket watcher feeding sink.
func New(cfg Config, sink telemetry.Sink, lookup CgroupLookup, log *logrus.Logger) *Watcher {
	if cfg.ProcRoot == "" {
		cfg.ProcRoot = "/proc"
	}
	if cfg.ScanInterval <= 0 {
		cfg.ScanInterval = time.Second
	}
	return &Watcher{
		cfg:        cfg,
		sink:       sink,
		lookup:     lookup,
		log:        log,
		prev:       make(map[uint64]sockState),
		inodePID:   make(map[uint64]uint32),
		portCgroup: make(map[uint16]uint64),
	}
}

// Start runs the scan loop until the context is done.
func (w *Watcher) Start(ctx context.Context) {
	w.log.WithField("interval", w.cfg.ScanInterval).Info("Starting socket watcher")

	ticker := time.NewTicker(w.cfg.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.log.Info("Socket watcher stopping")
			return
		case <-ticker.C:
			w.Scan()
		}
	}
}

type tcpEntry struct {
	tuple       telemetry.SocketTuple
	retransmits uint64
	inode       uint64
}

// Scan performs one pass over the TCP table. Exported so callers can drive
// scans directly.
func (w *Watcher) Scan() {
	entries, err := w.parseTCPTable(w.cfg.ProcRoot + "/net/tcp")
	if err != nil {
		w.log.WithError(err).Debug("Failed to read tcp table")
		return
	}

	current := make(map[uint64]bool, len(entries))
	ports := make(map[uint16]uint64, len(entries))
	for _, e := range entries {
		if e.inode == 0 {
			continue
		}
		current[e.inode] = true

		old, known := w.prev[e.inode]
		w.prev[e.inode] = sockState{tuple: e.tuple, retransmits: e.retransmits}

		var cgroupID uint64
		if pid, ok := w.resolvePID(e.inode); ok {
			if cg, ok := w.lookup(pid); ok {
				cgroupID = cg
				ports[e.tuple.SrcPort] = cg
			}
		}
		if !known || e.retransmits <= old.retransmits || cgroupID == 0 {
			continue
		}
		for n := e.retransmits - old.retransmits; n > 0; n-- {
			w.sink.HandleRetransmitObserved(e.tuple, cgroupID)
		}
	}

	for inode := range w.prev {
		if !current[inode] {
			delete(w.prev, inode)
			delete(w.inodePID, inode)
		}
	}

	w.portMu.Lock()
	w.portCgroup = ports
	w.portMu.Unlock()
}

// LookupLocalPort returns the cgroup owning the socket bound to the given
// local port, as of the most recent scan.
func (w *Watcher) LookupLocalPort(port uint16) (uint64, bool) {
	w.portMu.RLock()
	cg, ok := w.portCgroup[port]
	w.portMu.RUnlock()
	return cg, ok
}

// parseTCPTable reads a /proc/net/tcp style file.
func (w *Watcher) parseTCPTable(path string) ([]tcpEntry, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var entries []tcpEntry
	scanner := bufio.NewScanner(file)
	first := true
	for scanner.Scan() {
		if first {
			first = false
			continue
		}
		entry, err := parseTCPLine(scanner.Text())
		if err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	return entries, scanner.Err()
}

// parseTCPLine parses one socket line:
// "sl local rem st tx:rx tr:when retrnsmt uid timeout inode ...".
func parseTCPLine(line string) (tcpEntry, error) {
	fields := strings.Fields(line)
	if len(fields) < 10 {
		return tcpEntry{}, fmt.Errorf("short tcp table line")
	}

	srcIP, srcPort, err := parseHexAddr(fields[1])
	if err != nil {
		return tcpEntry{}, err
	}
	dstIP, dstPort, err := parseHexAddr(fields[2])
	if err != nil {
		return tcpEntry{}, err
	}
	retransmits, err := strconv.ParseUint(fields[6], 16, 64)
	if err != nil {
		return tcpEntry{}, err
	}
	inode, err := strconv.ParseUint(fields[9], 10, 64)
	if err != nil {
		return tcpEntry{}, err
	}

	return tcpEntry{
		tuple: telemetry.SocketTuple{
			SrcIP:   srcIP,
			DstIP:   dstIP,
			SrcPort: srcPort,
			DstPort: dstPort,
		},
		retransmits: retransmits,
		inode:       inode,
	}, nil
}

// parseHexAddr decodes the kernel's "0100007F:0050" address form. The IPv4
// word is little-endian on the wire of this file.
func parseHexAddr(s string) (uint32, uint16, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 2 || len(parts[0]) != 8 {
		return 0, 0, fmt.Errorf("unsupported address %q", s)
	}
	raw, err := hex.DecodeString(parts[0])
	if err != nil {
		return 0, 0, err
	}
	ip := binary.LittleEndian.Uint32(raw)

	port, err := strconv.ParseUint(parts[1], 16, 16)
	if err != nil {
		return 0, 0, err
	}
	return ip, uint16(port), nil
}

// resolvePID maps a socket inode to the pid holding it, walking /proc fd
// tables on a cache miss. Unresolvable inodes are cached as 0 so host
// sockets don't trigger a walk on every scan.
func (w *Watcher) resolvePID(inode uint64) (uint32, bool) {
	if pid, ok := w.inodePID[inode]; ok {
		return pid, pid != 0
	}

	target := fmt.Sprintf("socket:[%d]", inode)
	procs, err := os.ReadDir(w.cfg.ProcRoot)
	if err != nil {
		return 0, false
	}
	for _, entry := range procs {
		pid64, err := strconv.ParseUint(entry.Name(), 10, 32)
		if err != nil {
			continue
		}
		fdDir := fmt.Sprintf("%s/%s/fd", w.cfg.ProcRoot, entry.Name())
		fds, err := os.ReadDir(fdDir)
		if err != nil {
			continue
		}
		for _, fd := range fds {
			link, err := os.Readlink(fdDir + "/" + fd.Name())
			if err != nil {
				continue
			}
			if link == target {
				pid := uint32(pid64)
				w.inodePID[inode] = pid
				return pid, true
			}
		}
	}
	w.inodePID[inode] = 0
	return 0, false
}
