// Package vmm boots and supervises the micro-VM process backing a box.
//
// Provisioning runs as an ordered pipeline of named stages; each stage
// that allocates something registers an undo, and a failure unwinds the
// undo stack in reverse so a failed boot leaves nothing behind. A booted
// Instance owns the shim process and reports its exit to the owner, who
// decides whether the exit was supervised or a crash.
package vmm

import (
	"context"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/boxkit/boxkit/errdefs"
	"github.com/boxkit/boxkit/internal/config"
	"github.com/boxkit/boxkit/internal/images"
	"github.com/boxkit/boxkit/internal/metrics"
	"github.com/boxkit/boxkit/internal/observability"
	"github.com/boxkit/boxkit/internal/portal"
	"github.com/boxkit/boxkit/internal/security"
)

// Stage names, in pipeline order.
const (
	StageFilesystem  = "filesystem"
	StageImage       = "image"
	StageGuestRootfs = "guest_rootfs"
	StageBootConfig  = "boot_config"
	StageSpawn       = "spawn"
	StageGuest       = "guest"
)

// PortalSocketName is the unix socket the shim serves the guest channel
// on, relative to the box directory.
const PortalSocketName = "portal.sock"

// BootSpec describes one box to provision.
type BootSpec struct {
	BoxID        string
	BoxDir       string
	Image        string
	CPUs         int
	MemoryMiB    int
	Env          []string
	WorkingDir   string
	Security     security.Options
	Counters     portal.Counters       // byte accounting hook, may be nil
	OnExit       func(supervised bool) // called once when the VM process exits
	OnDisconnect func(error)           // portal channel break outside shutdown
}

// Supervisor provisions and tears down VM instances.
type Supervisor struct {
	cfg        config.VMConfig
	resolver   images.Resolver
	gate       security.Gate
	registries []string
	tracer     trace.Tracer
	logger     *slog.Logger
}

// Options configures a Supervisor.
type Options struct {
	VM         config.VMConfig
	Resolver   images.Resolver
	Gate       security.Gate
	Registries []string
	Tracer     trace.Tracer
	Logger     *slog.Logger
}

// NewSupervisor creates a Supervisor. Resolver is required; a nil Gate
// means no sandboxing directives are applied to the shim.
func NewSupervisor(opts Options) (*Supervisor, error) {
	if opts.Resolver == nil {
		return nil, errdefs.New(errdefs.KindConfig, "vmm.new", "image resolver is required")
	}
	if opts.VM.ShimPath == "" {
		return nil, errdefs.New(errdefs.KindConfig, "vmm.new", "shim path is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = trace.NewNoopTracerProvider().Tracer("")
	}
	return &Supervisor{
		cfg:        opts.VM,
		resolver:   opts.Resolver,
		gate:       opts.Gate,
		registries: opts.Registries,
		tracer:     tracer,
		logger:     logger,
	}, nil
}

// bootState carries intermediate artifacts between stages.
type bootState struct {
	spec     BootSpec
	rootfs   *images.Rootfs
	guestDir string
	bootPath string
	cmd      *exec.Cmd
	client   *portal.Client
}

type stage struct {
	name string
	kind errdefs.Kind
	run  func(ctx context.Context, st *bootState) (undo func(), err error)
}

// Boot provisions a VM for spec and returns the running Instance. On
// any stage failure everything provisioned so far is unwound and the
// stage-classified error is returned.
func (s *Supervisor) Boot(ctx context.Context, spec BootSpec) (*Instance, error) {
	st := &bootState{spec: spec}

	stages := []stage{
		{StageFilesystem, errdefs.KindStorage, s.stageFilesystem},
		{StageImage, errdefs.KindImage, s.stageImage},
		{StageGuestRootfs, errdefs.KindStorage, s.stageGuestRootfs},
		{StageBootConfig, errdefs.KindConfig, s.stageBootConfig},
		{StageSpawn, errdefs.KindEngine, s.stageSpawn},
		{StageGuest, errdefs.KindPortal, s.stageGuest},
	}

	timings, err := s.runPipeline(ctx, st, stages)
	if err != nil {
		return nil, err
	}

	inst := &Instance{
		boxID:   spec.BoxID,
		pid:     st.cmd.Process.Pid,
		portal:  st.client,
		timings: timings,
		cmd:     st.cmd,
		waitCh:  make(chan error, 1),
		logger:  s.logger,
		onExit:  spec.OnExit,
	}
	go inst.watch()
	return inst, nil
}

// runPipeline executes stages in order, timing each and keeping an undo
// stack that is unwound in reverse on failure.
func (s *Supervisor) runPipeline(ctx context.Context, st *bootState, stages []stage) ([]metrics.StageTiming, error) {
	timings := make([]metrics.StageTiming, 0, len(stages))
	var undos []func()

	unwind := func() {
		for i := len(undos) - 1; i >= 0; i-- {
			undos[i]()
		}
	}

	for _, sg := range stages {
		if err := ctx.Err(); err != nil {
			unwind()
			return nil, errdefs.Wrap(sg.kind, "vmm.boot."+sg.name, err)
		}

		sctx, span := observability.StartBoxSpan(ctx, s.tracer, "boot."+sg.name, st.spec.BoxID)
		start := time.Now()
		undo, err := sg.run(sctx, st)
		elapsed := time.Since(start)
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			span.End()
			s.logger.Error("boot stage failed",
				"box_id", st.spec.BoxID, "stage", sg.name, "error", err)
			unwind()
			return nil, errdefs.Wrap(sg.kind, "vmm.boot."+sg.name, err)
		}
		span.End()
		if undo != nil {
			undos = append(undos, undo)
		}
		timings = append(timings, metrics.StageTiming{Stage: sg.name, Duration: elapsed})
		s.logger.Debug("boot stage complete",
			"box_id", st.spec.BoxID, "stage", sg.name, "duration", elapsed)
	}
	return timings, nil
}

func (s *Supervisor) stageFilesystem(_ context.Context, st *bootState) (func(), error) {
	dir := st.spec.BoxDir
	existed := false
	if _, err := os.Stat(dir); err == nil {
		existed = true
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	if existed {
		// Re-boot of an existing box: keep the directory on unwind.
		return nil, nil
	}
	return func() { os.RemoveAll(dir) }, nil
}

func (s *Supervisor) stageImage(ctx context.Context, st *bootState) (func(), error) {
	rootfs, err := s.resolver.Resolve(ctx, st.spec.Image, s.registries)
	if err != nil {
		return nil, err
	}
	st.rootfs = rootfs
	// Cached image stays for future boots.
	return nil, nil
}

func (s *Supervisor) stageGuestRootfs(_ context.Context, st *bootState) (func(), error) {
	guestDir := filepath.Join(st.spec.BoxDir, "guest")
	for _, sub := range []string{"upper", "work", "merged"} {
		if err := os.MkdirAll(filepath.Join(guestDir, sub), 0o700); err != nil {
			os.RemoveAll(guestDir)
			return nil, err
		}
	}
	st.guestDir = guestDir
	return func() { os.RemoveAll(guestDir) }, nil
}

func (s *Supervisor) stageBootConfig(_ context.Context, st *bootState) (func(), error) {
	path, err := writeBootConfig(st)
	if err != nil {
		return nil, err
	}
	st.bootPath = path
	return func() { os.Remove(path) }, nil
}

func (s *Supervisor) stageSpawn(_ context.Context, st *bootState) (func(), error) {
	cmd := exec.Command(s.cfg.ShimPath, "--config", st.bootPath)
	cmd.Dir = st.spec.BoxDir
	cmd.Env = st.spec.Env

	if s.gate != nil {
		directives, err := s.gate.Derive(st.spec.Security)
		if err != nil {
			return nil, err
		}
		attr := &syscall.SysProcAttr{
			Cloneflags: directives.CloneFlags,
			Credential: directives.Credential,
			Chroot:     directives.Chroot,
		}
		cmd.SysProcAttr = attr
		if directives.Env != nil {
			cmd.Env = directives.Env
		}
	}

	if err := cmd.Start(); err != nil {
		return nil, err
	}
	st.cmd = cmd
	return func() {
		cmd.Process.Kill()
		cmd.Wait()
	}, nil
}

func (s *Supervisor) stageGuest(ctx context.Context, st *bootState) (func(), error) {
	addr := "unix://" + filepath.Join(st.spec.BoxDir, PortalSocketName)
	timeout := s.cfg.HandshakeTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	// The shim needs a moment to bring up the socket; retry the dial
	// within the handshake window.
	deadline := time.Now().Add(timeout)
	var (
		client *portal.Client
		err    error
	)
	for {
		client, err = portal.Dial(ctx, addr, portal.Options{
			Logger:       s.logger,
			Counters:     st.spec.Counters,
			OnDisconnect: st.spec.OnDisconnect,
		})
		if err == nil || time.Now().After(deadline) {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
	if err != nil {
		return nil, err
	}

	remaining := time.Until(deadline)
	if remaining < time.Second {
		remaining = time.Second
	}
	if err := client.Handshake(ctx, remaining); err != nil {
		client.Close()
		return nil, err
	}
	st.client = client
	return func() { client.Close() }, nil
}

// Instance is a booted VM under supervision.
type Instance struct {
	boxID   string
	pid     int
	portal  *portal.Client
	timings []metrics.StageTiming

	cmd        *exec.Cmd
	waitCh     chan error
	supervised atomic.Bool
	logger     *slog.Logger
	onExit     func(supervised bool)
}

// Pid returns the shim process id.
func (i *Instance) Pid() int { return i.pid }

// Portal returns the guest channel client.
func (i *Instance) Portal() *portal.Client { return i.portal }

// Timings returns the provisioning stage durations captured at boot.
func (i *Instance) Timings() []metrics.StageTiming { return i.timings }

// watch reaps the shim process and reports its exit.
func (i *Instance) watch() {
	err := i.cmd.Wait()
	supervised := i.supervised.Load()
	if !supervised {
		i.logger.Warn("vm process exited unexpectedly",
			"box_id", i.boxID, "pid", i.pid, "error", err)
	}
	i.waitCh <- err
	close(i.waitCh)
	if i.onExit != nil {
		i.onExit(supervised)
	}
}

// Terminate stops the VM process: SIGTERM, then SIGKILL after grace.
// Marks the exit supervised so the watcher does not report a crash.
// Callers shut the portal down first so the guest can flush streams.
func (i *Instance) Terminate(grace time.Duration) error {
	i.supervised.Store(true)

	if err := i.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		// Already gone.
		select {
		case <-i.waitCh:
		default:
		}
		return nil
	}

	select {
	case <-i.waitCh:
		return nil
	case <-time.After(grace):
	}

	i.logger.Warn("vm did not exit within grace period, killing",
		"box_id", i.boxID, "pid", i.pid, "grace", grace)
	if err := i.cmd.Process.Kill(); err != nil {
		return errdefs.Wrap(errdefs.KindEngine, "vmm.terminate", err)
	}
	<-i.waitCh
	return nil
}
