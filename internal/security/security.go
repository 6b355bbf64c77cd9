// Package security translates declarative box security options into the
// concrete spawn directives applied to the VM shim process. The runtime
// never spawns a VM directly from user options — everything goes through
// a Gate so the isolation policy is decided in one place.
package security

import (
	"os"
	"strings"
	"syscall"

	"github.com/boxkit/boxkit/errdefs"
)

// Options declares the isolation requested for a box.
type Options struct {
	// JailerEnabled applies process isolation (namespaces, chroot,
	// privilege drop) to the shim.
	JailerEnabled bool

	// SeccompEnabled attaches a syscall filter profile to the shim.
	// Rule generation is delegated to the profile referenced by the
	// derived directives.
	SeccompEnabled bool

	// UID/GID to drop to after setup. Zero values keep the invoking
	// credentials.
	UID uint32
	GID uint32

	// NewPidNS runs the shim as PID 1 in a fresh PID namespace.
	NewPidNS bool

	// NewNetNS gives the shim an isolated network namespace.
	NewNetNS bool

	// ChrootDir confines the shim's filesystem view. Empty = no chroot.
	ChrootDir string

	// SanitizeEnv clears the environment except for EnvAllowlist.
	SanitizeEnv bool

	// EnvAllowlist names variables preserved when sanitizing.
	EnvAllowlist []string

	// Limits constrain the shim process.
	Limits ResourceLimits
}

// ResourceLimits are rlimits applied to the shim after spawn.
// Zero values mean unlimited.
type ResourceLimits struct {
	MaxOpenFiles uint64
	MaxProcesses uint64
	MaxFileSize  uint64
}

// DefaultEnvAllowlist is the environment preserved under SanitizeEnv
// when no explicit allowlist is given.
var DefaultEnvAllowlist = []string{"PATH", "HOME", "USER", "LANG", "TERM"}

// Development returns options with minimal isolation, for debugging
// cases where isolation interferes.
func Development() Options {
	return Options{}
}

// Standard returns the recommended options for most workloads.
func Standard() Options {
	return Options{
		JailerEnabled:  true,
		SeccompEnabled: true,
		SanitizeEnv:    true,
	}
}

// Maximum returns options for untrusted multi-tenant workloads: every
// isolation feature enabled and credentials dropped to nobody.
func Maximum() Options {
	return Options{
		JailerEnabled:  true,
		SeccompEnabled: true,
		UID:            65534,
		GID:            65534,
		NewPidNS:       true,
		SanitizeEnv:    true,
		EnvAllowlist:   []string{"PATH"},
		Limits: ResourceLimits{
			MaxOpenFiles: 1024,
			MaxProcesses: 100,
			MaxFileSize:  1 << 30,
		},
	}
}

// Directives are the concrete spawn inputs derived from Options. They are
// consumed once per start by the VM supervisor's spawn stage.
type Directives struct {
	CloneFlags     uintptr             // namespace flags for the shim process
	Credential     *syscall.Credential // nil = inherit
	Chroot         string              // empty = no chroot
	Env            []string            // sanitized environment, KEY=VALUE form
	Limits         ResourceLimits      // applied guest-side by the shim
	SeccompProfile string              // profile reference; empty = none
}

// Gate derives spawn directives from declarative options.
type Gate interface {
	Derive(opts Options) (Directives, error)
}

// DefaultGate is the standard Gate implementation.
type DefaultGate struct {
	// SeccompProfile is the profile reference handed to the shim when
	// seccomp is requested.
	SeccompProfile string
}

// Derive implements Gate.
func (g *DefaultGate) Derive(opts Options) (Directives, error) {
	if opts.ChrootDir != "" && !opts.JailerEnabled {
		return Directives{}, errdefs.New(errdefs.KindConfig, "security.derive", "chroot requires the jailer")
	}

	d := Directives{
		Env:    deriveEnv(opts),
		Limits: opts.Limits,
	}

	if opts.JailerEnabled {
		if opts.NewPidNS {
			d.CloneFlags |= syscall.CLONE_NEWPID
		}
		if opts.NewNetNS {
			d.CloneFlags |= syscall.CLONE_NEWNET
		}
		d.Chroot = opts.ChrootDir
		if opts.UID != 0 || opts.GID != 0 {
			d.Credential = &syscall.Credential{Uid: opts.UID, Gid: opts.GID}
		}
	}

	if opts.SeccompEnabled {
		profile := g.SeccompProfile
		if profile == "" {
			profile = "default"
		}
		d.SeccompProfile = profile
	}

	return d, nil
}

func deriveEnv(opts Options) []string {
	if !opts.SanitizeEnv {
		return os.Environ()
	}
	allow := opts.EnvAllowlist
	if len(allow) == 0 {
		allow = DefaultEnvAllowlist
	}
	allowed := make(map[string]bool, len(allow))
	for _, k := range allow {
		allowed[k] = true
	}
	var env []string
	for _, kv := range os.Environ() {
		key, _, ok := strings.Cut(kv, "=")
		if ok && allowed[key] {
			env = append(env, kv)
		}
	}
	return env
}
