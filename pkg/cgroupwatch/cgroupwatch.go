// Package cgroupwatch sources state-attached occurrences from the cgroup
// filesystem. An fsnotify watch on the v2 hierarchy reports new cgroup
// directories and writes to cgroup.procs; both translate into attach
// occurrences for the pids currently in the cgroup.
package cgroupwatch

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/kz521103/Microradar/pkg/telemetry"
)

// Config for the cgroup watcher.
type Config struct {
	CgroupRoot string // default /sys/fs/cgroup
}

// Watcher translates cgroupfs changes into attach occurrences.
type Watcher struct {
	cfg     Config
	sink    telemetry.Sink
	log     *logrus.Logger
	watcher *fsnotify.Watcher
}

// New creates a watcher over the cgroup hierarchy rooted at cfg.CgroupRoot.
func New(cfg Config, sink telemetry.Sink, log *logrus.Logger) (*Watcher, error) {
	if cfg.CgroupRoot == "" {
		cfg.CgroupRoot = "/sys/fs/cgroup"
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{cfg: cfg, sink: sink, log: log, watcher: fw}
	w.addWatchRecursive(cfg.CgroupRoot)
	return w, nil
}

// addWatchRecursive watches a directory and all its subdirectories.
func (w *Watcher) addWatchRecursive(root string) {
	filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if info.IsDir() {
			if err := w.watcher.Add(path); err != nil {
				w.log.WithError(err).WithField("path", path).Debug("Failed to add cgroup watch")
			}
		}
		return nil
	})
}

// Start consumes fsnotify events until the context is done.
func (w *Watcher) Start(ctx context.Context) {
	w.log.WithField("root", w.cfg.CgroupRoot).Info("Starting cgroup watcher")

	for {
		select {
		case <-ctx.Done():
			w.log.Info("Cgroup watcher stopping")
			w.watcher.Close()
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.WithError(err).Error("Cgroup watcher error")
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	switch {
	case event.Op&fsnotify.Create == fsnotify.Create:
		info, err := os.Stat(event.Name)
		if err != nil || !info.IsDir() {
			return
		}
		if err := w.watcher.Add(event.Name); err != nil {
			w.log.WithError(err).WithField("path", event.Name).Debug("Failed to watch new cgroup")
		}
		w.announce(event.Name)

	case event.Op&fsnotify.Write == fsnotify.Write:
		if filepath.Base(event.Name) == "cgroup.procs" {
			w.announce(filepath.Dir(event.Name))
		}
	}
}

// announce attaches every pid currently in the cgroup directory.
func (w *Watcher) announce(dir string) {
	var st unix.Stat_t
	if err := unix.Stat(dir, &st); err != nil {
		return
	}
	cgroupID := st.Ino
	if !telemetry.IsContainerCgroup(cgroupID) {
		return
	}

	for _, pid := range readProcs(filepath.Join(dir, "cgroup.procs")) {
		w.sink.HandleStateAttached(pid, cgroupID)
	}
}

// readProcs parses the pid list of a cgroup.procs file. A missing or empty
// file yields nothing: a cgroup can exist before any task joins it.
func readProcs(path string) []uint32 {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var pids []uint32
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		pid, err := strconv.ParseUint(line, 10, 32)
		if err != nil {
			continue
		}
		pids = append(pids, uint32(pid))
	}
	return pids
}
