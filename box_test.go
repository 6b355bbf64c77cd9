package boxkit

import (
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/boxkit/boxkit/errdefs"
	"github.com/boxkit/boxkit/internal/config"
	"github.com/boxkit/boxkit/internal/metrics"
	"github.com/boxkit/boxkit/internal/portal"
	"github.com/boxkit/boxkit/internal/portal/portaltest"
	"github.com/boxkit/boxkit/internal/store"
	"github.com/boxkit/boxkit/internal/vmm"
)

// fakeSupervisor boots "VMs" backed by an in-process fake guest served
// over a test HTTP server, so lifecycle and execution paths exercise the
// real portal protocol without a hypervisor.
type fakeSupervisor struct {
	guest  *portaltest.Guest
	server *httptest.Server

	bootErr error

	mu    sync.Mutex
	boots int
}

func (f *fakeSupervisor) Boot(ctx context.Context, spec vmm.BootSpec) (vmInstance, error) {
	if f.bootErr != nil {
		return nil, f.bootErr
	}

	client, err := portal.Dial(ctx, "ws"+strings.TrimPrefix(f.server.URL, "http"), portal.Options{
		Counters:     spec.Counters,
		OnDisconnect: spec.OnDisconnect,
	})
	if err != nil {
		return nil, err
	}
	if err := client.Handshake(ctx, 2*time.Second); err != nil {
		client.Close()
		return nil, err
	}

	f.mu.Lock()
	f.boots++
	pid := 40000 + f.boots
	f.mu.Unlock()

	return &fakeInstance{
		pid:    pid,
		client: client,
		timings: []metrics.StageTiming{
			{Stage: vmm.StageFilesystem, Duration: time.Millisecond},
			{Stage: vmm.StageGuest, Duration: 2 * time.Millisecond},
		},
		onExit: spec.OnExit,
	}, nil
}

func (f *fakeSupervisor) bootCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.boots
}

type fakeInstance struct {
	pid     int
	client  *portal.Client
	timings []metrics.StageTiming
	onExit  func(bool)

	once sync.Once
}

func (i *fakeInstance) Pid() int                       { return i.pid }
func (i *fakeInstance) Portal() *portal.Client         { return i.client }
func (i *fakeInstance) Timings() []metrics.StageTiming { return i.timings }

func (i *fakeInstance) Terminate(_ time.Duration) error {
	i.once.Do(func() {
		i.client.Close()
		if i.onExit != nil {
			i.onExit(true)
		}
	})
	return nil
}

func slogDiscard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRuntime(t *testing.T) (*Runtime, *fakeSupervisor) {
	t.Helper()

	home := t.TempDir()
	t.Setenv(config.EnvHome, home)

	cfg := config.Default()
	cfg.VM.StopGracePeriod = 500 * time.Millisecond
	if err := cfg.EnsureHome(); err != nil {
		t.Fatalf("EnsureHome: %v", err)
	}

	st, err := store.Open(store.Config{Path: cfg.Store.Path, JournalMode: "wal"}, nil)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	guest := portaltest.NewGuest()
	server := httptest.NewServer(guest.Handler())
	t.Cleanup(server.Close)

	fake := &fakeSupervisor{guest: guest, server: server}
	rt := &Runtime{
		cfg:        cfg,
		store:      st,
		logger:     slogDiscard(),
		collector:  metrics.NewCollector(nil),
		boot:       fake,
		instanceID: uuid.New().String(),
		boxes:      make(map[string]*Box),
	}
	return rt, fake
}

func createBox(t *testing.T, rt *Runtime, opts ...CreateOption) *Box {
	t.Helper()
	if len(opts) == 0 {
		opts = []CreateOption{WithImage("alpine:latest")}
	}
	box, err := rt.Create(context.Background(), opts...)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return box
}

func mustRun(t *testing.T, box *Box, spec CommandSpec) *Execution {
	t.Helper()
	e, err := box.Run(context.Background(), spec)
	if err != nil {
		t.Fatalf("Run(%s): %v", spec.Command, err)
	}
	return e
}

func waitForStatus(t *testing.T, box *Box, want Status) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if box.Status() == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("status = %s, want %s", box.Status(), want)
}

func TestCreateRequiresImage(t *testing.T) {
	rt, _ := newTestRuntime(t)
	_, err := rt.Create(context.Background())
	if !errdefs.Is(err, errdefs.KindInvalidArgument) {
		t.Fatalf("Create without image: %v", err)
	}
}

func TestCreateListRoundTrip(t *testing.T) {
	rt, _ := newTestRuntime(t)
	ctx := context.Background()

	box := createBox(t, rt, WithImage("alpine:latest"), WithName("dev"))

	infos, err := rt.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(infos) != 1 {
		t.Fatalf("len(List) = %d, want 1", len(infos))
	}
	if infos[0].ID != box.ID() || infos[0].Status != StatusConfigured || infos[0].Pid != 0 {
		t.Errorf("info after create = %+v", infos[0])
	}

	if err := box.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	infos, err = rt.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if infos[0].Status != StatusRunning || infos[0].Pid == 0 {
		t.Errorf("info after start = %+v", infos[0])
	}
}

func TestGetByName(t *testing.T) {
	rt, _ := newTestRuntime(t)
	ctx := context.Background()

	box := createBox(t, rt, WithImage("alpine:latest"), WithName("dev"))

	got, err := rt.Get(ctx, "dev")
	if err != nil {
		t.Fatalf("Get by name: %v", err)
	}
	if got.ID() != box.ID() {
		t.Errorf("Get returned id %s, want %s", got.ID(), box.ID())
	}
	if got != box {
		t.Error("Get returned a new handle instead of the live one")
	}

	if _, err := rt.Get(ctx, "nope"); !errdefs.IsNotFound(err) {
		t.Errorf("Get(nope): %v", err)
	}

	ok, err := rt.Exists(ctx, "dev")
	if err != nil || !ok {
		t.Errorf("Exists(dev) = (%v, %v)", ok, err)
	}
	ok, err = rt.Exists(ctx, "nope")
	if err != nil || ok {
		t.Errorf("Exists(nope) = (%v, %v)", ok, err)
	}
}

func TestDuplicateNameRejected(t *testing.T) {
	rt, _ := newTestRuntime(t)
	createBox(t, rt, WithImage("alpine:latest"), WithName("dev"))
	_, err := rt.Create(context.Background(), WithImage("alpine:latest"), WithName("dev"))
	if !errdefs.IsAlreadyExists(err) {
		t.Fatalf("duplicate name: %v", err)
	}
}

func TestStartIdempotentWhenRunning(t *testing.T) {
	rt, fake := newTestRuntime(t)
	ctx := context.Background()
	box := createBox(t, rt)

	if err := box.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	pid := box.Info().Pid

	if err := box.Start(ctx); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	if got := box.Info().Pid; got != pid {
		t.Errorf("pid changed on idempotent start: %d -> %d", pid, got)
	}
	if fake.bootCount() != 1 {
		t.Errorf("boot count = %d, want 1", fake.bootCount())
	}
}

func TestEchoRoundTrip(t *testing.T) {
	rt, _ := newTestRuntime(t)
	ctx := context.Background()
	box := createBox(t, rt)
	if err := box.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	e := mustRun(t, box, CommandSpec{Command: "echo", Args: []string{"hi"}})
	stdout, ok := e.Stdout()
	if !ok {
		t.Fatal("Stdout not available on first take")
	}
	out, err := io.ReadAll(stdout)
	if err != nil {
		t.Fatalf("draining stdout: %v", err)
	}
	if string(out) != "hi\n" {
		t.Errorf("stdout = %q, want %q", out, "hi\n")
	}

	result, err := e.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if result.Code != 0 || result.Reason != ReasonExited {
		t.Errorf("result = %+v, want exit 0", result)
	}
}

func TestRunStartsConfiguredBox(t *testing.T) {
	rt, fake := newTestRuntime(t)
	ctx := context.Background()
	box := createBox(t, rt)

	e := mustRun(t, box, CommandSpec{Command: "true"})
	if box.Status() != StatusRunning {
		t.Errorf("status after implicit start = %s", box.Status())
	}
	if fake.bootCount() != 1 {
		t.Errorf("boot count = %d, want 1", fake.bootCount())
	}
	if result, err := e.Wait(ctx); err != nil || result.Code != 0 {
		t.Errorf("Wait = (%+v, %v)", result, err)
	}
}

func TestRunPropagatesStartFailure(t *testing.T) {
	rt, fake := newTestRuntime(t)
	box := createBox(t, rt)

	fake.bootErr = errdefs.New(errdefs.KindPortal, "vmm.boot.guest", "handshake timed out")
	_, err := box.Run(context.Background(), CommandSpec{Command: "true"})
	if !errdefs.IsPortal(err) {
		t.Fatalf("Run after boot failure: %v, want portal-classified start error untouched", err)
	}
	if box.Status() != StatusStopped {
		t.Errorf("status after failed start = %s, want stopped", box.Status())
	}

	// The failure is not sticky: a later start works again.
	fake.bootErr = nil
	if err := box.Start(context.Background()); err != nil {
		t.Fatalf("Start after recovery: %v", err)
	}
}

func TestStartFailureLeavesStopped(t *testing.T) {
	rt, fake := newTestRuntime(t)
	box := createBox(t, rt)

	fake.bootErr = errdefs.New(errdefs.KindPortal, "vmm.boot.guest", "handshake timed out")
	err := box.Start(context.Background())
	if !errdefs.IsPortal(err) {
		t.Fatalf("Start: %v, want portal-classified", err)
	}
	if box.Status() != StatusStopped {
		t.Errorf("status = %s, want stopped (never running)", box.Status())
	}
	if box.Info().Pid != 0 {
		t.Errorf("pid = %d, want none", box.Info().Pid)
	}
}

func TestTakeOnceStreams(t *testing.T) {
	rt, _ := newTestRuntime(t)
	box := createBox(t, rt)
	e := mustRun(t, box, CommandSpec{Command: "true"})

	if _, ok := e.Stdout(); !ok {
		t.Error("first Stdout take failed")
	}
	if _, ok := e.Stdout(); ok {
		t.Error("second Stdout take succeeded")
	}
	if _, ok := e.Stderr(); !ok {
		t.Error("first Stderr take failed")
	}
	if _, ok := e.Stderr(); ok {
		t.Error("second Stderr take succeeded")
	}
	if _, ok := e.Stdin(); !ok {
		t.Error("first Stdin take failed")
	}
	if _, ok := e.Stdin(); ok {
		t.Error("second Stdin take succeeded")
	}
}

func TestWaitIdempotent(t *testing.T) {
	rt, _ := newTestRuntime(t)
	ctx := context.Background()
	box := createBox(t, rt)
	e := mustRun(t, box, CommandSpec{Command: "exit", Args: []string{"3"}})

	first, err := e.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	second, err := e.Wait(ctx)
	if err != nil {
		t.Fatalf("second Wait: %v", err)
	}
	if first != second || first.Code != 3 {
		t.Errorf("Wait results differ: %+v vs %+v", first, second)
	}
}

func TestStdinRoundTrip(t *testing.T) {
	rt, _ := newTestRuntime(t)
	ctx := context.Background()
	box := createBox(t, rt)
	e := mustRun(t, box, CommandSpec{Command: "cat"})

	stdin, _ := e.Stdin()
	stdout, _ := e.Stdout()

	if _, err := stdin.Write([]byte("ping")); err != nil {
		t.Fatalf("writing stdin: %v", err)
	}
	if err := stdin.Close(); err != nil {
		t.Fatalf("closing stdin: %v", err)
	}

	out, err := io.ReadAll(stdout)
	if err != nil {
		t.Fatalf("draining stdout: %v", err)
	}
	if string(out) != "ping" {
		t.Errorf("stdout = %q, want %q", out, "ping")
	}
	if result, _ := e.Wait(ctx); result.Code != 0 {
		t.Errorf("exit = %+v", result)
	}
}

func TestTimeoutKillsExecution(t *testing.T) {
	rt, _ := newTestRuntime(t)
	ctx := context.Background()
	box := createBox(t, rt)

	start := time.Now()
	e := mustRun(t, box, CommandSpec{Command: "sleep", Args: []string{"10"}, Timeout: 300 * time.Millisecond})
	result, err := e.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("Wait took %s, want ~timeout", elapsed)
	}
	if result.Reason != ReasonTimeout || result.Code == 0 {
		t.Errorf("result = %+v, want timeout-classified non-zero", result)
	}
}

func TestConcurrentRunsIndependent(t *testing.T) {
	rt, _ := newTestRuntime(t)
	ctx := context.Background()
	box := createBox(t, rt)
	if err := box.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	before := box.Metrics().Commands

	var wg sync.WaitGroup
	for _, msg := range []string{"one", "two"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e := mustRun(t, box, CommandSpec{Command: "echo", Args: []string{msg}})
			stdout, _ := e.Stdout()
			out, _ := io.ReadAll(stdout)
			if string(out) != msg+"\n" {
				t.Errorf("stdout = %q, want %q", out, msg+"\n")
			}
			if result, err := e.Wait(ctx); err != nil || result.Code != 0 {
				t.Errorf("Wait(%s) = (%+v, %v)", msg, result, err)
			}
		}()
	}
	wg.Wait()

	if got := box.Metrics().Commands - before; got != 2 {
		t.Errorf("commands delta = %d, want 2", got)
	}
	if got := rt.Metrics().CommandsTotal; got != 2 {
		t.Errorf("runtime CommandsTotal = %d, want 2", got)
	}
}

func TestStopForceKillsStubbornExecution(t *testing.T) {
	rt, _ := newTestRuntime(t)
	ctx := context.Background()
	box := createBox(t, rt)

	// stall ignores the graceful signal; stop must finish via kill
	// within the grace period.
	e := mustRun(t, box, CommandSpec{Command: "stall", Args: []string{"30"}})

	start := time.Now()
	if err := box.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("Stop took %s", elapsed)
	}
	if box.Status() != StatusStopped {
		t.Errorf("status = %s, want stopped", box.Status())
	}

	result, err := e.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if result.Code == 0 {
		t.Errorf("stubborn execution reported success: %+v", result)
	}
}

func TestStopNoOpWhenNotRunning(t *testing.T) {
	rt, _ := newTestRuntime(t)
	ctx := context.Background()
	box := createBox(t, rt)

	if err := box.Stop(ctx); err != nil {
		t.Fatalf("Stop on configured box: %v", err)
	}
	if box.Status() != StatusConfigured {
		t.Errorf("status = %s, want configured", box.Status())
	}

	if err := box.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := box.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := box.Stop(ctx); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
}

func TestStartAfterStop(t *testing.T) {
	rt, fake := newTestRuntime(t)
	ctx := context.Background()
	box := createBox(t, rt)

	if err := box.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := box.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := box.Start(ctx); err != nil {
		t.Fatalf("restart: %v", err)
	}
	if box.Status() != StatusRunning {
		t.Errorf("status = %s, want running", box.Status())
	}
	if fake.bootCount() != 2 {
		t.Errorf("boot count = %d, want 2", fake.bootCount())
	}
}

func TestCrashForcesUnknown(t *testing.T) {
	rt, fake := newTestRuntime(t)
	ctx := context.Background()
	box := createBox(t, rt)

	e := mustRun(t, box, CommandSpec{Command: "sleep", Args: []string{"30"}})
	pid := box.Info().Pid

	fake.guest.DropConnections()

	result, err := e.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if result.Reason != ReasonPortalFailure {
		t.Errorf("result = %+v, want portal failure", result)
	}

	waitForStatus(t, box, StatusUnknown)
	if got := box.Info().Pid; got != pid {
		t.Errorf("stale pid = %d, want %d kept for post-mortem", got, pid)
	}

	// Unknown requires explicit recovery, never a silent restart.
	if err := box.Start(ctx); !errdefs.IsInvalidState(err) {
		t.Errorf("Start from unknown: %v, want invalid state", err)
	}
	if _, err := box.Run(ctx, CommandSpec{Command: "true"}); !errdefs.IsInvalidState(err) {
		t.Errorf("Run from unknown: %v, want invalid state", err)
	}

	if err := rt.Remove(ctx, box.ID(), false); err != nil {
		t.Fatalf("Remove from unknown: %v", err)
	}
}

func TestRemoveRunningRequiresForce(t *testing.T) {
	rt, _ := newTestRuntime(t)
	ctx := context.Background()
	box := createBox(t, rt, WithImage("alpine:latest"), WithName("busy"))
	if err := box.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := rt.Remove(ctx, "busy", false); !errdefs.IsInvalidState(err) {
		t.Fatalf("Remove without force: %v", err)
	}

	if err := rt.Remove(ctx, "busy", true); err != nil {
		t.Fatalf("Remove with force: %v", err)
	}
	ok, err := rt.Exists(ctx, "busy")
	if err != nil || ok {
		t.Errorf("Exists after remove = (%v, %v)", ok, err)
	}
}

func TestMetricsStageTimingsRecorded(t *testing.T) {
	rt, _ := newTestRuntime(t)
	ctx := context.Background()
	box := createBox(t, rt)
	if err := box.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	m := box.Metrics()
	if len(m.Stages) == 0 {
		t.Fatal("no stage timings after start")
	}
	if m.Stages[0].Stage != vmm.StageFilesystem {
		t.Errorf("Stages[0] = %+v", m.Stages[0])
	}
}

func TestRuntimeCreateCounters(t *testing.T) {
	rt, _ := newTestRuntime(t)
	ctx := context.Background()

	createBox(t, rt)
	rt.Create(ctx) // missing image

	m := rt.Metrics()
	if m.BoxesCreated != 1 || m.BoxesFailed != 1 {
		t.Errorf("metrics = %+v, want 1 created / 1 failed", m)
	}
}

func TestEnvReachesGuest(t *testing.T) {
	rt, _ := newTestRuntime(t)
	ctx := context.Background()
	box := createBox(t, rt)

	e := mustRun(t, box, CommandSpec{Command: "env", Env: []string{"FOO=bar"}})
	stdout, _ := e.Stdout()
	out, _ := io.ReadAll(stdout)
	if !strings.Contains(string(out), "FOO=bar") {
		t.Errorf("guest env = %q", out)
	}
	e.Wait(ctx)
}

func TestResizeTTYSoftNoOpWithoutTTY(t *testing.T) {
	rt, _ := newTestRuntime(t)
	ctx := context.Background()
	box := createBox(t, rt)

	e := mustRun(t, box, CommandSpec{Command: "true"})
	if err := e.ResizeTTY(ctx, 40, 120); err != nil {
		t.Errorf("ResizeTTY without tty: %v, want soft no-op", err)
	}
	e.Wait(ctx)
}

func TestSignalInterruptsSleep(t *testing.T) {
	rt, _ := newTestRuntime(t)
	ctx := context.Background()
	box := createBox(t, rt)

	e := mustRun(t, box, CommandSpec{Command: "sleep", Args: []string{"30"}})
	if err := e.Kill(ctx); err != nil {
		t.Fatalf("Kill: %v", err)
	}
	result, err := e.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if result.Reason != ReasonSignaled || result.Code != -9 {
		t.Errorf("result = %+v, want signaled -9", result)
	}
}

func TestForeignOwnedRunningBoxRejectsRunAndStop(t *testing.T) {
	rt, fake := newTestRuntime(t)
	ctx := context.Background()

	box := createBox(t, rt)
	if err := box.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// A second runtime over the same home and store, the way another
	// process would see this box. The box-dir lock stays with the first.
	st2, err := store.Open(store.Config{Path: rt.cfg.Store.Path, JournalMode: "wal"}, nil)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st2.Close() })
	rt2 := &Runtime{
		cfg:        rt.cfg,
		store:      st2,
		logger:     slogDiscard(),
		collector:  metrics.NewCollector(nil),
		boot:       fake,
		instanceID: uuid.New().String(),
		boxes:      make(map[string]*Box),
	}

	adopted, err := rt2.Get(ctx, box.ID())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got := adopted.Status(); got != StatusRunning {
		t.Fatalf("adopted status = %s, want %s", got, StatusRunning)
	}

	if _, err := adopted.Run(ctx, CommandSpec{Command: "true"}); !errdefs.IsInvalidState(err) {
		t.Errorf("Run on foreign-owned box: err = %v, want InvalidState", err)
	}
	if err := adopted.Stop(ctx); !errdefs.IsInvalidState(err) {
		t.Errorf("Stop on foreign-owned box: err = %v, want InvalidState", err)
	}
	if err := rt2.Remove(ctx, box.ID(), true); !errdefs.IsInvalidState(err) {
		t.Errorf("forced Remove on foreign-owned box: err = %v, want InvalidState", err)
	}

	// The owning runtime is untouched.
	e := mustRun(t, box, CommandSpec{Command: "true"})
	if result, err := e.Wait(ctx); err != nil || result.Code != 0 {
		t.Errorf("owner Run after foreign probes: result = %+v, err = %v", result, err)
	}
}

func TestStopUnblocksStreamReaders(t *testing.T) {
	rt, _ := newTestRuntime(t)
	ctx := context.Background()
	box := createBox(t, rt)

	e := mustRun(t, box, CommandSpec{Command: "stall", Args: []string{"60"}})
	stdout, _ := e.Stdout()

	read := make(chan error, 1)
	go func() {
		_, err := io.ReadAll(stdout)
		read <- err
	}()

	if err := box.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	select {
	case err := <-read:
		if err != nil {
			t.Errorf("stdout read after stop: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("stdout reader still blocked after stop")
	}

	// Whether the guest's own kill exit or the host finalization lands
	// first, the execution reports the force kill.
	result, err := e.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if result.Code != -9 {
		t.Errorf("result = %+v, want code -9", result)
	}
}
