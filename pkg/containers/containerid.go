package containers

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/kz521103/Microradar/pkg/telemetry"
)

// Container runtimes encode the container id in the cgroup path. Docker,
// containerd and cri-o all use a 64-hex id, wrapped in varying scope or
// directory naming.
var containerIDPattern = regexp.MustCompile(`[0-9a-f]{64}`)

// ProcIDResolver builds an IDResolver that reads /proc/<pid>/cgroup under
// procRoot. Lookups that fail for any reason yield "" so the caller falls
// back to the cgroup-derived id.
func ProcIDResolver(procRoot string) IDResolver {
	return func(pid uint32) string {
		data, err := os.ReadFile(fmt.Sprintf("%s/%d/cgroup", procRoot, pid))
		if err != nil {
			return ""
		}
		return ContainerIDFromCgroup(string(data))
	}
}

// ContainerIDFromCgroup extracts the runtime container id from the contents
// of a /proc/<pid>/cgroup file. Recognizes docker, containerd, cri-o and
// kubepods path forms; returns "" when no id is present.
func ContainerIDFromCgroup(content string) string {
	for _, line := range strings.Split(content, "\n") {
		// Both v1 ("N:subsys:/path") and v2 ("0::/path") lines carry the
		// path in the third field.
		parts := strings.SplitN(line, ":", 3)
		if len(parts) != 3 {
			continue
		}
		path := parts[2]
		if !strings.Contains(path, "docker") &&
			!strings.Contains(path, "containerd") &&
			!strings.Contains(path, "crio") &&
			!strings.Contains(path, "pod") {
			continue
		}
		if id := containerIDPattern.FindString(path); id != "" {
			return telemetry.TruncateContainerID(id)
		}
	}
	return ""
}
