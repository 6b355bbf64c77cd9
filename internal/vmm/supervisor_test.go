package vmm

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/boxkit/boxkit/errdefs"
	"github.com/boxkit/boxkit/internal/config"
	"github.com/boxkit/boxkit/internal/images"
	"github.com/boxkit/boxkit/internal/security"
)

type stubResolver struct {
	rootfs *images.Rootfs
	err    error
}

func (r *stubResolver) Resolve(_ context.Context, _ string, _ []string) (*images.Rootfs, error) {
	return r.rootfs, r.err
}

func newTestSupervisor(t *testing.T, resolver images.Resolver) *Supervisor {
	t.Helper()
	if resolver == nil {
		resolver = &stubResolver{rootfs: &images.Rootfs{Dir: t.TempDir(), Ref: "test"}}
	}
	s, err := NewSupervisor(Options{
		VM:       config.VMConfig{ShimPath: "/usr/local/bin/boxkit-shim"},
		Resolver: resolver,
	})
	if err != nil {
		t.Fatalf("NewSupervisor: %v", err)
	}
	return s
}

func TestNewSupervisorValidation(t *testing.T) {
	_, err := NewSupervisor(Options{VM: config.VMConfig{ShimPath: "/bin/true"}})
	if !errdefs.Is(err, errdefs.KindConfig) {
		t.Errorf("missing resolver: got %v, want config error", err)
	}

	_, err = NewSupervisor(Options{Resolver: &stubResolver{}})
	if !errdefs.Is(err, errdefs.KindConfig) {
		t.Errorf("missing shim path: got %v, want config error", err)
	}
}

func TestPipelineRunsStagesInOrder(t *testing.T) {
	s := newTestSupervisor(t, nil)

	var order []string
	mk := func(name string) stage {
		return stage{name, errdefs.KindInternal, func(_ context.Context, _ *bootState) (func(), error) {
			order = append(order, name)
			return nil, nil
		}}
	}

	timings, err := s.runPipeline(context.Background(), &bootState{}, []stage{mk("a"), mk("b"), mk("c")})
	if err != nil {
		t.Fatalf("runPipeline: %v", err)
	}
	if len(order) != 3 || order[0] != "a" || order[1] != "b" || order[2] != "c" {
		t.Errorf("stage order = %v", order)
	}
	if len(timings) != 3 {
		t.Fatalf("len(timings) = %d, want 3", len(timings))
	}
	for i, name := range []string{"a", "b", "c"} {
		if timings[i].Stage != name {
			t.Errorf("timings[%d].Stage = %q, want %q", i, timings[i].Stage, name)
		}
	}
}

func TestPipelineUnwindsInReverseOnFailure(t *testing.T) {
	s := newTestSupervisor(t, nil)

	var undone []string
	ok := func(name string) stage {
		return stage{name, errdefs.KindInternal, func(_ context.Context, _ *bootState) (func(), error) {
			return func() { undone = append(undone, name) }, nil
		}}
	}
	boom := stage{"boom", errdefs.KindEngine, func(_ context.Context, _ *bootState) (func(), error) {
		return nil, errors.New("stage exploded")
	}}

	_, err := s.runPipeline(context.Background(), &bootState{}, []stage{ok("a"), ok("b"), boom})
	if !errdefs.Is(err, errdefs.KindEngine) {
		t.Fatalf("error = %v, want engine kind", err)
	}
	if len(undone) != 2 || undone[0] != "b" || undone[1] != "a" {
		t.Errorf("undo order = %v, want [b a]", undone)
	}
}

func TestPipelineClassifiesByStageKind(t *testing.T) {
	s := newTestSupervisor(t, nil)

	fail := stage{"image", errdefs.KindImage, func(_ context.Context, _ *bootState) (func(), error) {
		return nil, errors.New("not found anywhere")
	}}

	_, err := s.runPipeline(context.Background(), &bootState{}, []stage{fail})
	if !errdefs.IsImage(err) {
		t.Fatalf("error = %v, want image kind", err)
	}
}

func TestPipelinePreservesInnerClassification(t *testing.T) {
	s := newTestSupervisor(t, nil)

	fail := stage{"image", errdefs.KindImage, func(_ context.Context, _ *bootState) (func(), error) {
		return nil, errdefs.New(errdefs.KindNotFound, "resolve", "no such image")
	}}

	_, err := s.runPipeline(context.Background(), &bootState{}, []stage{fail})
	if !errdefs.IsNotFound(err) {
		t.Fatalf("error = %v, want not-found preserved", err)
	}
}

func TestPipelineStopsOnCancelledContext(t *testing.T) {
	s := newTestSupervisor(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	var undone bool
	first := stage{"a", errdefs.KindInternal, func(_ context.Context, _ *bootState) (func(), error) {
		cancel()
		return func() { undone = true }, nil
	}}
	second := stage{"b", errdefs.KindInternal, func(_ context.Context, _ *bootState) (func(), error) {
		t.Fatal("second stage ran after cancel")
		return nil, nil
	}}

	_, err := s.runPipeline(ctx, &bootState{}, []stage{first, second})
	if err == nil {
		t.Fatal("expected error after cancel")
	}
	if !undone {
		t.Error("completed stage was not unwound after cancel")
	}
}

func TestStageImageFailureKind(t *testing.T) {
	s := newTestSupervisor(t, &stubResolver{err: errdefs.New(errdefs.KindImage, "resolve", "all registries exhausted")})

	spec := BootSpec{BoxID: "b1", BoxDir: filepath.Join(t.TempDir(), "b1"), Image: "nope"}
	_, err := s.Boot(context.Background(), spec)
	if !errdefs.IsImage(err) {
		t.Fatalf("Boot error = %v, want image kind", err)
	}
	if _, statErr := os.Stat(spec.BoxDir); !os.IsNotExist(statErr) {
		t.Error("box dir survived failed boot")
	}
}

func TestWriteBootConfig(t *testing.T) {
	boxDir := t.TempDir()
	st := &bootState{
		spec: BootSpec{
			BoxID:     "b1",
			BoxDir:    boxDir,
			CPUs:      2,
			MemoryMiB: 1024,
			Env:       []string{"FOO=bar"},
			Security:  security.Standard(),
		},
		rootfs: &images.Rootfs{
			Dir:        "/var/cache/rootfs/alpine",
			Ref:        "alpine:3.20",
			Env:        []string{"PATH=/usr/bin"},
			Entrypoint: []string{"/bin/sh"},
			WorkingDir: "/root",
		},
		guestDir: filepath.Join(boxDir, "guest"),
	}

	path, err := writeBootConfig(st)
	if err != nil {
		t.Fatalf("writeBootConfig: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading boot config: %v", err)
	}
	var cfg BootConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if cfg.BoxID != "b1" || cfg.CPUs != 2 || cfg.MemoryMiB != 1024 {
		t.Errorf("machine config = %+v", cfg)
	}
	if cfg.RootfsDir != "/var/cache/rootfs/alpine" {
		t.Errorf("RootfsDir = %q", cfg.RootfsDir)
	}
	if cfg.WorkingDir != "/root" {
		t.Errorf("WorkingDir = %q, want image default", cfg.WorkingDir)
	}
	if len(cfg.Env) != 2 || cfg.Env[0] != "PATH=/usr/bin" || cfg.Env[1] != "FOO=bar" {
		t.Errorf("Env = %v, want image env then box env", cfg.Env)
	}
	if !cfg.Seccomp {
		t.Error("Seccomp not carried from security options")
	}
	if cfg.PortalSock != filepath.Join(boxDir, PortalSocketName) {
		t.Errorf("PortalSock = %q", cfg.PortalSock)
	}
}
