package vmm

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/boxkit/boxkit/internal/security"
)

// BootConfig is the machine description handed to the shim. The shim
// owns everything the host process cannot do directly: mounting the
// overlay, applying rlimits and the seccomp profile inside the VM, and
// serving the portal socket.
type BootConfig struct {
	BoxID      string   `json:"box_id"`
	CPUs       int      `json:"cpus"`
	MemoryMiB  int      `json:"memory_mib"`
	RootfsDir  string   `json:"rootfs_dir"`
	GuestDir   string   `json:"guest_dir"`
	PortalSock string   `json:"portal_sock"`
	Env        []string `json:"env,omitempty"`
	Entrypoint []string `json:"entrypoint,omitempty"`
	Cmd        []string `json:"cmd,omitempty"`
	WorkingDir string   `json:"working_dir,omitempty"`

	Seccomp bool                    `json:"seccomp"`
	Limits  security.ResourceLimits `json:"limits"`
}

func writeBootConfig(st *bootState) (string, error) {
	workingDir := st.spec.WorkingDir
	if workingDir == "" {
		workingDir = st.rootfs.WorkingDir
	}

	cfg := BootConfig{
		BoxID:      st.spec.BoxID,
		CPUs:       st.spec.CPUs,
		MemoryMiB:  st.spec.MemoryMiB,
		RootfsDir:  st.rootfs.Dir,
		GuestDir:   st.guestDir,
		PortalSock: filepath.Join(st.spec.BoxDir, PortalSocketName),
		Env:        append(append([]string{}, st.rootfs.Env...), st.spec.Env...),
		Entrypoint: st.rootfs.Entrypoint,
		Cmd:        st.rootfs.Cmd,
		WorkingDir: workingDir,
		Seccomp:    st.spec.Security.SeccompEnabled,
		Limits:     st.spec.Security.Limits,
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return "", err
	}

	path := filepath.Join(st.spec.BoxDir, "boot.json")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", err
	}
	return path, nil
}
