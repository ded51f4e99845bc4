package containers

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const testID = "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"

func TestContainerIDFromCgroup(t *testing.T) {
	cases := []struct {
		name    string
		content string
		want    string
	}{
		{
			"docker-v1",
			"12:pids:/docker/" + testID + "\n",
			testID,
		},
		{
			"containerd-systemd",
			"0::/system.slice/containerd.service/kubepods-besteffort-pod1234.slice:cri-containerd:" + testID + "\n",
			testID,
		},
		{
			"crio-scope",
			"0::/kubepods.slice/kubepods-burstable.slice/crio-" + testID + ".scope\n",
			testID,
		},
		{
			"host-process",
			"0::/system.slice/sshd.service\n",
			"",
		},
		{
			"short-hex-ignored",
			"0::/docker/abc123\n",
			"",
		},
		{
			"empty",
			"",
			"",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ContainerIDFromCgroup(tc.content); got != tc.want {
				t.Errorf("got %q, want %q", got, tc.want)
			}
		})
	}
}

func TestProcIDResolver(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "100"), 0o755); err != nil {
		t.Fatal(err)
	}
	content := "0::/docker/" + testID + "\n"
	if err := os.WriteFile(filepath.Join(root, "100", "cgroup"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	resolve := ProcIDResolver(root)
	if got := resolve(100); got != testID {
		t.Errorf("got %q, want %q", got, testID)
	}
	if got := resolve(999); got != "" {
		t.Errorf("missing pid should resolve to empty, got %q", got)
	}
}

func TestContainerIDStaysBounded(t *testing.T) {
	id := ContainerIDFromCgroup("0::/docker/" + testID + "\n")
	if len(id) == 0 || len(id) > 64 || strings.ContainsRune(id, '/') {
		t.Errorf("id %q out of bounds", id)
	}
}
