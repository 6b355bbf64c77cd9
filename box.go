package boxkit

import (
	"context"
	"sync"
	"time"

	"github.com/boxkit/boxkit/errdefs"
	"github.com/boxkit/boxkit/internal/lockfile"
	"github.com/boxkit/boxkit/internal/metrics"
	"github.com/boxkit/boxkit/internal/portal"
	"github.com/boxkit/boxkit/internal/store"
	"github.com/boxkit/boxkit/internal/vmm"
)

const sigTERM = 15

// BoxInfo is a read-only snapshot of a box record.
type BoxInfo struct {
	ID          string
	Name        string
	Status      Status
	Pid         int // 0 when no VM process is associated
	Image       string
	CPUs        int
	MemoryMiB   int
	Labels      map[string]string
	CreatedAt   time.Time
	LastUpdated time.Time
}

// Box is a shared handle to one VM-backed container. Handles are cheap
// and internally synchronized; lifecycle transitions for a given box are
// serialized by its mutex and, across processes, by a lock file in the
// box directory.
type Box struct {
	rt         *Runtime
	id         string
	security   SecurityPreset
	env        []string
	workingDir string

	mu    sync.Mutex // serializes lifecycle transitions
	rec   *store.Record
	inst  vmInstance
	flock *lockfile.Lock

	execMu sync.Mutex
	execs  map[string]*Execution

	bm *metrics.BoxMetrics
}

// ID returns the box id.
func (b *Box) ID() string { return b.id }

// Name returns the box name, or empty for an unnamed box.
func (b *Box) Name() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rec.Name
}

// Status returns the current lifecycle state.
func (b *Box) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Status(b.rec.Status)
}

// Info returns a snapshot of the box record.
func (b *Box) Info() BoxInfo {
	b.mu.Lock()
	defer b.mu.Unlock()
	return infoFromRecord(b.rec)
}

func infoFromRecord(rec *store.Record) BoxInfo {
	info := BoxInfo{
		ID:          rec.ID,
		Name:        rec.Name,
		Status:      Status(rec.Status),
		Image:       rec.Image,
		CPUs:        rec.CPUs,
		MemoryMiB:   rec.MemoryMiB,
		CreatedAt:   rec.CreatedAt,
		LastUpdated: rec.LastUpdated,
	}
	if rec.Pid != nil {
		info.Pid = *rec.Pid
	}
	if len(rec.Labels) > 0 {
		info.Labels = make(map[string]string, len(rec.Labels))
		for k, v := range rec.Labels {
			info.Labels[k] = v
		}
	}
	return info
}

// Start boots the VM and blocks until the guest handshake completes.
// A no-op when the box is already Running; InvalidState from Stopping
// or Unknown. On any provisioning failure partial resources are rolled
// back and the box is left Stopped with the stage-classified error
// surfaced.
func (b *Box) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.startLocked(ctx)
}

func (b *Box) startLocked(ctx context.Context) error {
	status := Status(b.rec.Status)
	if status == StatusRunning {
		return nil
	}
	if !status.CanStart() {
		return errdefs.Newf(errdefs.KindInvalidState, "box.start",
			"cannot start box in status %s", status)
	}

	boxDir := b.rt.cfg.BoxDir(b.id)
	flock, err := lockfile.Acquire(boxDir, b.rt.instanceID)
	if err != nil {
		return err
	}

	spec := vmm.BootSpec{
		BoxID:        b.id,
		BoxDir:       boxDir,
		Image:        b.rec.Image,
		CPUs:         b.rec.CPUs,
		MemoryMiB:    b.rec.MemoryMiB,
		Env:          b.env,
		WorkingDir:   b.workingDir,
		Security:     b.security.options(),
		Counters:     b.bm,
		OnExit:       b.onVMExit,
		OnDisconnect: func(error) { b.handleCrash() },
	}
	inst, err := b.rt.boot.Boot(ctx, spec)
	if err != nil {
		flock.Release()
		// Failed provisioning is rolled back by the pipeline; the box
		// lands in Stopped so a retry is possible without Remove.
		b.rec.Status = store.StatusStopped
		b.rec.Pid = nil
		b.rec.LockID = ""
		if uerr := b.rt.store.Update(ctx, b.rec); uerr != nil {
			b.rt.logger.Error("recording failed start", "box_id", b.id, "error", uerr)
		}
		return err
	}

	pid := inst.Pid()
	b.rec.Status = store.StatusRunning
	b.rec.Pid = &pid
	b.rec.LockID = flock.ID()
	if err := b.rt.store.Update(ctx, b.rec); err != nil {
		inst.Terminate(b.rt.cfg.VM.StopGracePeriod)
		flock.Release()
		return err
	}

	b.inst = inst
	b.flock = flock
	b.bm.SetStageTimings(inst.Timings())
	b.rt.collector.BoxStarted()
	b.rt.logger.Info("box started", "box_id", b.id, "pid", pid)
	return nil
}

// Stop drains in-flight executions with the configured grace period,
// force-kills the remainder, and tears the VM down. A no-op when the
// box is Stopped or Configured; InvalidState from Stopping or Unknown.
func (b *Box) Stop(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stopLocked(ctx)
}

func (b *Box) stopLocked(ctx context.Context) error {
	status := Status(b.rec.Status)
	if status == StatusStopped || status == StatusConfigured {
		return nil
	}
	if !status.CanStop() {
		return errdefs.Newf(errdefs.KindInvalidState, "box.stop",
			"cannot stop box in status %s", status)
	}
	if b.inst == nil {
		return errdefs.New(errdefs.KindInvalidState, "box.stop",
			"box is running under another runtime instance")
	}

	b.rec.Status = store.StatusStopping
	if err := b.rt.store.Update(ctx, b.rec); err != nil {
		b.rec.Status = store.StatusRunning
		return err
	}

	grace := b.rt.cfg.VM.StopGracePeriod
	client := b.inst.Portal()
	b.drainExecutions(ctx, client, grace)

	if err := client.Shutdown(time.Now().Add(grace)); err != nil {
		b.rt.logger.Warn("portal shutdown", "box_id", b.id, "error", err)
	}
	// The channel is down; anything still in flight completes host-side.
	b.finalizeExecutions(ExitResult{Code: -sigKILL, Reason: ReasonStopped, Message: "box stopped"})

	if err := b.inst.Terminate(grace); err != nil {
		b.rt.logger.Warn("vm terminate", "box_id", b.id, "error", err)
	}

	b.inst = nil
	b.rec.Status = store.StatusStopped
	b.rec.Pid = nil
	b.rec.LockID = ""
	if b.flock != nil {
		b.flock.Release()
		b.flock = nil
	}
	b.rt.collector.BoxStopped()
	if err := b.rt.store.Update(ctx, b.rec); err != nil {
		return err
	}
	b.rt.logger.Info("box stopped", "box_id", b.id)
	return nil
}

// drainExecutions asks in-flight executions to terminate gracefully and
// waits out the grace period, then force-kills survivors.
func (b *Box) drainExecutions(ctx context.Context, client *portal.Client, grace time.Duration) {
	open := b.openExecutions()
	if len(open) == 0 {
		return
	}

	for _, e := range open {
		if err := client.SendSignal(ctx, e.id, sigTERM); err != nil {
			return // channel already down
		}
	}

	deadline := time.After(grace)
	for _, e := range open {
		select {
		case <-e.done:
		case <-deadline:
			// Grace expired: kill everything still open and stop
			// waiting. Survivors are finalized after shutdown.
			for _, rest := range b.openExecutions() {
				client.SendSignal(ctx, rest.id, sigKILL)
			}
			return
		}
	}
}

func (b *Box) openExecutions() []*Execution {
	b.execMu.Lock()
	defer b.execMu.Unlock()
	open := make([]*Execution, 0, len(b.execs))
	for _, e := range b.execs {
		open = append(open, e)
	}
	return open
}

func (b *Box) finalizeExecutions(result ExitResult) {
	for _, e := range b.openExecutions() {
		e.complete(result)
	}
}

// Run submits a command and returns its Execution handle without
// waiting for completion. If the box is not Running it is started
// first; a start failure is propagated as-is. Disallowed while the box
// is Stopping or Unknown.
func (b *Box) Run(ctx context.Context, spec CommandSpec) (*Execution, error) {
	if spec.Command == "" {
		return nil, errdefs.New(errdefs.KindInvalidArgument, "box.run", "command is required")
	}

	b.mu.Lock()
	status := Status(b.rec.Status)
	if !status.CanRun() {
		b.mu.Unlock()
		return nil, errdefs.Newf(errdefs.KindInvalidState, "box.run",
			"cannot run in box with status %s", status)
	}
	if status != StatusRunning {
		if err := b.startLocked(ctx); err != nil {
			b.mu.Unlock()
			return nil, err
		}
	}
	if b.inst == nil {
		// Running per the store but the VM lives in another runtime
		// instance; this process has no channel to it.
		b.mu.Unlock()
		return nil, errdefs.New(errdefs.KindInvalidState, "box.run",
			"box is running under another runtime instance")
	}
	client := b.inst.Portal()
	b.mu.Unlock()

	// The transition lock is dropped here: concurrent runs on a Running
	// box proceed fully independently.
	payload := portal.ExecPayload{
		Program:    spec.Command,
		Args:       spec.Args,
		Env:        spec.Env,
		WorkingDir: spec.WorkingDir,
		TTY:        spec.TTY,
	}
	id, streams, err := client.SubmitExec(ctx, payload)
	if err != nil {
		b.bm.RunError()
		return nil, err
	}
	b.bm.CommandRun()

	e := newExecution(id, b, spec.TTY, streams, spec.Timeout)
	b.execMu.Lock()
	b.execs[id] = e
	b.execMu.Unlock()
	return e, nil
}

// Metrics returns a snapshot of the box's counters, including sampled
// resource usage of the VM process when the box is Running.
func (b *Box) Metrics() BoxMetrics {
	var usage metrics.ResourceUsage
	b.mu.Lock()
	if Status(b.rec.Status) == StatusRunning && b.rec.Pid != nil {
		if sampled, err := metrics.SampleProcess(*b.rec.Pid); err == nil {
			usage = sampled
		}
	}
	b.mu.Unlock()

	snap := b.bm.Snapshot(usage)
	out := BoxMetrics{
		BytesSent:     snap.BytesSent,
		BytesReceived: snap.BytesReceived,
		Commands:      snap.Commands,
		RunErrors:     snap.RunErrors,
		RSSBytes:      snap.Usage.RSSBytes,
		CPUSeconds:    snap.Usage.CPUSeconds,
	}
	for _, st := range snap.Stages {
		out.Stages = append(out.Stages, StageTiming{Stage: st.Stage, Duration: st.Duration})
	}
	return out
}

// onVMExit runs from the supervisor's watcher when the VM process
// exits. A supervised exit was initiated by Stop and is already handled
// on that path.
func (b *Box) onVMExit(supervised bool) {
	if supervised {
		return
	}
	b.handleCrash()
}

// handleCrash forces the box to Unknown after an unexpected VM exit or
// portal channel break. The stale pid is kept on the record for
// debugging; Unknown is never reinterpreted as Stopped because
// guest-side state cannot be trusted after an unexpected exit. The
// process-exit watcher and the portal disconnect callback can both
// observe the same crash; the status guard makes the second call a
// no-op.
func (b *Box) handleCrash() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if Status(b.rec.Status) != StatusRunning {
		return
	}

	b.rt.logger.Warn("box crashed", "box_id", b.id)
	b.finalizeExecutions(ExitResult{Code: -1, Reason: ReasonPortalFailure, Message: "vm exited unexpectedly"})

	if b.inst != nil {
		b.inst.Portal().Close()
		b.inst = nil
	}
	if b.flock != nil {
		b.flock.Release()
		b.flock = nil
	}

	b.rec.Status = store.StatusUnknown
	b.rec.LockID = ""
	// rec.Pid deliberately kept: the stale pid aids post-mortem.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := b.rt.store.Update(ctx, b.rec); err != nil {
		b.rt.logger.Error("recording crash", "box_id", b.id, "error", err)
	}
	b.rt.collector.BoxStopped()
}

func (b *Box) portalClient() (*portal.Client, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.inst == nil {
		return nil, errdefs.New(errdefs.KindPortal, "box.portal", "box has no live guest channel")
	}
	return b.inst.Portal(), nil
}

func (b *Box) sendStdin(ctx context.Context, executionID string, data []byte) error {
	client, err := b.portalClient()
	if err != nil {
		return err
	}
	return client.SendStdin(ctx, executionID, data)
}

func (b *Box) closeStdin(ctx context.Context, executionID string) error {
	client, err := b.portalClient()
	if err != nil {
		return err
	}
	return client.CloseStdin(ctx, executionID)
}

func (b *Box) signalExec(ctx context.Context, executionID string, signal int32) error {
	client, err := b.portalClient()
	if err != nil {
		return err
	}
	return client.SendSignal(ctx, executionID, signal)
}

func (b *Box) resizeExec(ctx context.Context, executionID string, rows, cols uint16) error {
	client, err := b.portalClient()
	if err != nil {
		return err
	}
	return client.ResizeTTY(ctx, executionID, rows, cols)
}

func (b *Box) forgetExec(id string) {
	b.execMu.Lock()
	delete(b.execs, id)
	b.execMu.Unlock()
}
