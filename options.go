package boxkit

import (
	"time"

	"github.com/boxkit/boxkit/internal/security"
)

// SecurityPreset selects the sandbox profile applied to a box's VM.
type SecurityPreset string

const (
	// SecurityDevelopment disables sandboxing. Local debugging only.
	SecurityDevelopment SecurityPreset = "development"
	// SecurityStandard enables the jailer and seccomp with the caller's
	// uid/gid. The default.
	SecurityStandard SecurityPreset = "standard"
	// SecurityMaximum drops to nobody, unshares pid/net namespaces and
	// applies strict resource limits.
	SecurityMaximum SecurityPreset = "maximum"
)

func (p SecurityPreset) options() security.Options {
	switch p {
	case SecurityDevelopment:
		return security.Development()
	case SecurityMaximum:
		return security.Maximum()
	default:
		return security.Standard()
	}
}

// boxConfig collects Create options before they become a record.
type boxConfig struct {
	image      string
	name       string
	cpus       int
	memoryMiB  int
	env        []string
	workingDir string
	labels     map[string]string
	security   SecurityPreset
}

// CreateOption configures a box at creation time.
type CreateOption func(*boxConfig)

// WithImage sets the OCI image reference the box boots from. Required.
func WithImage(ref string) CreateOption {
	return func(c *boxConfig) { c.image = ref }
}

// WithName assigns a unique human-readable name usable anywhere an id
// is accepted.
func WithName(name string) CreateOption {
	return func(c *boxConfig) { c.name = name }
}

// WithCPUs sets the vCPU allocation.
func WithCPUs(n int) CreateOption {
	return func(c *boxConfig) { c.cpus = n }
}

// WithMemoryMB sets the memory allocation in MiB.
func WithMemoryMB(n int) CreateOption {
	return func(c *boxConfig) { c.memoryMiB = n }
}

// WithEnv appends a KEY=VALUE pair to the guest environment.
func WithEnv(kv string) CreateOption {
	return func(c *boxConfig) { c.env = append(c.env, kv) }
}

// WithWorkingDir overrides the image's default working directory.
func WithWorkingDir(dir string) CreateOption {
	return func(c *boxConfig) { c.workingDir = dir }
}

// WithLabel attaches an informational label.
func WithLabel(key, value string) CreateOption {
	return func(c *boxConfig) {
		if c.labels == nil {
			c.labels = make(map[string]string)
		}
		c.labels[key] = value
	}
}

// WithSecurity selects the sandbox preset. Default: SecurityStandard.
func WithSecurity(preset SecurityPreset) CreateOption {
	return func(c *boxConfig) { c.security = preset }
}

// CommandSpec describes one command to run inside a box.
type CommandSpec struct {
	Command    string
	Args       []string
	Env        []string // KEY=VALUE pairs
	WorkingDir string
	TTY        bool
	// Timeout bounds the execution; on expiry the guest process is
	// killed and Wait returns a timeout-classified result. Zero means
	// no timeout.
	Timeout time.Duration
}
