// Package procwatch sources process lifecycle occurrences from the proc
// filesystem. A periodic scan diffs the pid set against the previous scan:
// new pids become process-created occurrences, vanished pids become
// process-exited, and a changed comm on a live pid becomes process-exec.
package procwatch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/kz521103/Microradar/pkg/telemetry"
)

// Config for the proc scanner.
type Config struct {
	ProcRoot     string        // default /proc
	CgroupRoot   string        // default /sys/fs/cgroup
	ScanInterval time.Duration // default 1s
	SampleUsage  bool          // also sample per-cgroup cpu/memory usage
}

// UsageSink receives per-cgroup resource usage samples.
type UsageSink interface {
	HandleUsageSample(cgroupID uint64, cpuPerMille uint32, memBytes uint64, now uint64)
}

type procInfo struct {
	pid        uint32
	ppid       uint32
	comm       string
	cgroupID   uint64
	cgroupPath string
}

type cpuSample struct {
	usageUsec uint64
	wall      time.Time
}

// Watcher scans the proc filesystem and feeds the occurrence sink.
type Watcher struct {
	cfg   Config
	sink  telemetry.Sink
	usage UsageSink
	log   *logrus.Logger

	// Single-goroutine state, owned by the scan loop.
	known   map[uint32]*procInfo
	cpuPrev map[uint64]cpuSample
}

// New creates a proc watcher feeding sink. usage may be nil.
func New(cfg Config, sink telemetry.Sink, usage UsageSink, log *logrus.Logger) *Watcher {
	if cfg.ProcRoot == "" {
		cfg.ProcRoot = "/proc"
	}
	if cfg.CgroupRoot == "" {
		cfg.CgroupRoot = "/sys/fs/cgroup"
	}
	if cfg.ScanInterval <= 0 {
		cfg.ScanInterval = time.Second
	}
	return &Watcher{
		cfg:     cfg,
		sink:    sink,
		usage:   usage,
		log:     log,
		known:   make(map[uint32]*procInfo),
		cpuPrev: make(map[uint64]cpuSample),
	}
}

// Start runs the scan loop until the context is done.
func (w *Watcher) Start(ctx context.Context) {
	w.log.WithField("interval", w.cfg.ScanInterval).Info("Starting proc watcher")

	w.Scan()

	ticker := time.NewTicker(w.cfg.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.log.Info("Proc watcher stopping")
			return
		case <-ticker.C:
			w.Scan()
		}
	}
}

// Scan performs one scan pass. Exported so callers can drive scans directly.
func (w *Watcher) Scan() {
	entries, err := os.ReadDir(w.cfg.ProcRoot)
	if err != nil {
		w.log.WithError(err).Error("Failed to read proc root")
		return
	}

	now := uint64(time.Now().UnixNano())
	current := make(map[uint32]bool, len(entries))

	for _, entry := range entries {
		pid64, err := strconv.ParseUint(entry.Name(), 10, 32)
		if err != nil {
			continue
		}
		pid := uint32(pid64)
		current[pid] = true

		if info, ok := w.known[pid]; ok {
			// Comm change on a live pid means the process execed.
			if comm, err := w.readComm(pid); err == nil && comm != info.comm {
				info.comm = comm
				w.sink.HandleProcessExec(pid, info.cgroupID, comm)
			}
			continue
		}

		info, err := w.inspect(pid)
		if err != nil {
			// Process likely exited mid-scan.
			continue
		}
		w.known[pid] = info
		w.sink.HandleProcessCreated(pid, info.ppid, info.cgroupID, info.comm, now)
	}

	for pid, info := range w.known {
		if !current[pid] {
			delete(w.known, pid)
			w.sink.HandleProcessExited(pid, info.cgroupID, now)
		}
	}

	if w.usage != nil && w.cfg.SampleUsage {
		w.sampleUsage(now)
	}
}

// inspect reads a process's comm, ppid and owning cgroup from procfs.
func (w *Watcher) inspect(pid uint32) (*procInfo, error) {
	statBytes, err := os.ReadFile(fmt.Sprintf("%s/%d/stat", w.cfg.ProcRoot, pid))
	if err != nil {
		return nil, err
	}
	comm, ppid, err := parseStat(string(statBytes))
	if err != nil {
		return nil, err
	}

	cgroupPath, err := w.readCgroupPath(pid)
	if err != nil {
		return nil, err
	}
	cgroupID, err := cgroupInode(filepath.Join(w.cfg.CgroupRoot, cgroupPath))
	if err != nil {
		return nil, err
	}

	return &procInfo{
		pid:        pid,
		ppid:       ppid,
		comm:       telemetry.TruncateComm(comm),
		cgroupID:   cgroupID,
		cgroupPath: cgroupPath,
	}, nil
}

func (w *Watcher) readComm(pid uint32) (string, error) {
	data, err := os.ReadFile(fmt.Sprintf("%s/%d/comm", w.cfg.ProcRoot, pid))
	if err != nil {
		return "", err
	}
	return telemetry.TruncateComm(strings.TrimSpace(string(data))), nil
}

// readCgroupPath returns the v2 unified hierarchy path of the process.
func (w *Watcher) readCgroupPath(pid uint32) (string, error) {
	data, err := os.ReadFile(fmt.Sprintf("%s/%d/cgroup", w.cfg.ProcRoot, pid))
	if err != nil {
		return "", err
	}
	for _, line := range strings.Split(string(data), "\n") {
		// v2 line: "0::/path"
		if strings.HasPrefix(line, "0::") {
			return strings.TrimPrefix(line, "0::"), nil
		}
	}
	return "", fmt.Errorf("no unified cgroup entry for pid %d", pid)
}

// parseStat extracts comm and ppid from /proc/<pid>/stat. The comm field is
// parenthesized and may itself contain spaces.
func parseStat(stat string) (comm string, ppid uint32, err error) {
	start := strings.Index(stat, "(")
	end := strings.LastIndex(stat, ")")
	if start == -1 || end == -1 || end < start {
		return "", 0, fmt.Errorf("malformed stat line")
	}
	comm = stat[start+1 : end]

	fields := strings.Fields(stat[end+1:])
	// fields[0] is the state, fields[1] the ppid.
	if len(fields) < 2 {
		return "", 0, fmt.Errorf("malformed stat line")
	}
	ppid64, err := strconv.ParseUint(fields[1], 10, 32)
	if err != nil {
		return "", 0, err
	}
	return comm, uint32(ppid64), nil
}

// cgroupInode returns the inode of a cgroup directory, which the kernel uses
// as the cgroup id on the v2 hierarchy.
func cgroupInode(path string) (uint64, error) {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return 0, err
	}
	return st.Ino, nil
}

// sampleUsage reads cpu.stat and memory.current for every cgroup with a live
// process and forwards a usage sample. CPU is reported in per-mille of one
// core over the interval since the previous sample.
func (w *Watcher) sampleUsage(now uint64) {
	seen := make(map[uint64]string)
	for _, info := range w.known {
		if telemetry.IsContainerCgroup(info.cgroupID) {
			seen[info.cgroupID] = info.cgroupPath
		}
	}

	wall := time.Now()
	for cgroupID, path := range seen {
		dir := filepath.Join(w.cfg.CgroupRoot, path)
		usageUsec, err := readCPUUsage(filepath.Join(dir, "cpu.stat"))
		if err != nil {
			continue
		}
		memBytes, err := readUint(filepath.Join(dir, "memory.current"))
		if err != nil {
			continue
		}

		prev, ok := w.cpuPrev[cgroupID]
		w.cpuPrev[cgroupID] = cpuSample{usageUsec: usageUsec, wall: wall}
		if !ok {
			continue
		}
		elapsed := wall.Sub(prev.wall).Microseconds()
		if elapsed <= 0 || usageUsec < prev.usageUsec {
			continue
		}
		perMille := (usageUsec - prev.usageUsec) * 1000 / uint64(elapsed)

		w.usage.HandleUsageSample(cgroupID, uint32(perMille), memBytes, now)
	}

	for cgroupID := range w.cpuPrev {
		if _, ok := seen[cgroupID]; !ok {
			delete(w.cpuPrev, cgroupID)
		}
	}
}

// readCPUUsage extracts usage_usec from a v2 cpu.stat file.
func readCPUUsage(path string) (uint64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	for _, line := range strings.Split(string(data), "\n") {
		if strings.HasPrefix(line, "usage_usec ") {
			return strconv.ParseUint(strings.TrimSpace(strings.TrimPrefix(line, "usage_usec ")), 10, 64)
		}
	}
	return 0, fmt.Errorf("no usage_usec in %s", path)
}

func readUint(path string) (uint64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
}
