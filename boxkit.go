// Package boxkit is a runtime for executing untrusted code inside
// lightweight VM-backed containers ("boxes"). A Runtime owns the record
// store and home directory; a Box is one isolated VM running a single
// OCI container; an Execution is one command in flight inside a box.
//
// Typical use:
//
//	rt, err := boxkit.New(ctx, boxkit.Options{})
//	box, err := rt.Create(ctx, boxkit.WithImage("alpine:latest"))
//	exec, err := box.Run(ctx, boxkit.CommandSpec{Command: "echo", Args: []string{"hi"}})
//	result, err := exec.Wait(ctx)
package boxkit

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/boxkit/boxkit/errdefs"
	"github.com/boxkit/boxkit/internal/config"
	"github.com/boxkit/boxkit/internal/images"
	"github.com/boxkit/boxkit/internal/lockfile"
	"github.com/boxkit/boxkit/internal/metrics"
	"github.com/boxkit/boxkit/internal/observability"
	"github.com/boxkit/boxkit/internal/portal"
	"github.com/boxkit/boxkit/internal/security"
	"github.com/boxkit/boxkit/internal/store"
	"github.com/boxkit/boxkit/internal/vmm"
)

// StageTiming is the recorded duration of one provisioning stage,
// captured once per successful Start.
type StageTiming struct {
	Stage    string
	Duration time.Duration
}

// BoxMetrics is a snapshot of one box's counters.
type BoxMetrics struct {
	BytesSent     int64
	BytesReceived int64
	Commands      int64
	RunErrors     int64
	Stages        []StageTiming
	RSSBytes      uint64
	CPUSeconds    float64
}

// RuntimeMetrics is a snapshot of process-wide counters.
type RuntimeMetrics struct {
	BoxesCreated   int64
	BoxesFailed    int64
	BoxesRunning   int64
	CommandsTotal  int64
	RunErrorsTotal int64
}

// vmInstance is the supervised VM behind a Running box.
type vmInstance interface {
	Pid() int
	Portal() *portal.Client
	Timings() []metrics.StageTiming
	Terminate(grace time.Duration) error
}

// supervisor boots VM instances. Satisfied by the vmm supervisor in
// production and by fakes in tests.
type supervisor interface {
	Boot(ctx context.Context, spec vmm.BootSpec) (vmInstance, error)
}

type vmmBooter struct {
	sup *vmm.Supervisor
}

func (b vmmBooter) Boot(ctx context.Context, spec vmm.BootSpec) (vmInstance, error) {
	inst, err := b.sup.Boot(ctx, spec)
	if err != nil {
		return nil, err
	}
	return inst, nil
}

// Options configures a Runtime.
type Options struct {
	// ConfigPath points at a YAML config file. Empty falls back to
	// $BOXKIT_CONFIG and then to built-in defaults.
	ConfigPath string
	// Logger receives structured runtime logs. Nil discards them.
	Logger *slog.Logger
	// Registry receives the runtime's Prometheus metrics. Nil skips
	// registration; counters are still maintained for snapshots.
	Registry *prometheus.Registry
}

// Runtime is the entry point. It is safe for concurrent use; handles
// returned from it are shared, internally synchronized references.
type Runtime struct {
	cfg        *config.Config
	store      *store.Store
	logger     *slog.Logger
	collector  *metrics.Collector
	tracing    *observability.Tracing
	boot       supervisor
	instanceID string

	mu     sync.Mutex
	boxes  map[string]*Box // live handles keyed by id
	closed bool
}

// New constructs a Runtime: loads configuration, prepares the home
// directory and opens the record store.
func New(ctx context.Context, opts Options) (*Runtime, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.EnsureHome(); err != nil {
		return nil, err
	}

	st, err := store.Open(store.Config{
		Path:        cfg.Store.Path,
		JournalMode: cfg.Store.JournalMode,
	}, logger)
	if err != nil {
		return nil, err
	}

	var tracingCfg *config.TracingConfig
	if cfg.Observability != nil {
		tracingCfg = cfg.Observability.Tracing
	}
	tracing, err := observability.Setup(tracingCfg)
	if err != nil {
		st.Close()
		return nil, errdefs.Wrap(errdefs.KindConfig, "runtime.new", err)
	}

	resolver, err := images.NewDockerResolver(cfg.Images.CacheDir, logger)
	if err != nil {
		st.Close()
		return nil, err
	}

	sup, err := vmm.NewSupervisor(vmm.Options{
		VM:         cfg.VM,
		Resolver:   resolver,
		Gate:       &security.DefaultGate{},
		Registries: cfg.Images.Registries,
		Tracer:     tracing.Tracer(),
		Logger:     logger,
	})
	if err != nil {
		st.Close()
		return nil, err
	}

	return &Runtime{
		cfg:        cfg,
		store:      st,
		logger:     logger,
		collector:  metrics.NewCollector(opts.Registry),
		tracing:    tracing,
		boot:       vmmBooter{sup: sup},
		instanceID: uuid.New().String(),
		boxes:      make(map[string]*Box),
	}, nil
}

var (
	defaultMu sync.Mutex
	defaultRT *Runtime
)

// Default returns a lazily constructed process-wide Runtime with
// default options. Construction happens at most once; concurrent first
// calls do not race home-directory setup.
func Default(ctx context.Context) (*Runtime, error) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultRT != nil {
		return defaultRT, nil
	}
	rt, err := New(ctx, Options{})
	if err != nil {
		return nil, err
	}
	defaultRT = rt
	return rt, nil
}

// Create registers a new box in status Configured. No VM is booted
// until Start or the first Run.
func (r *Runtime) Create(ctx context.Context, opts ...CreateOption) (*Box, error) {
	cfg := boxConfig{security: SecurityStandard}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.image == "" {
		r.collector.BoxFailed()
		return nil, errdefs.New(errdefs.KindInvalidArgument, "runtime.create", "image is required")
	}
	if cfg.cpus <= 0 {
		cfg.cpus = r.cfg.VM.DefaultCPUs
	}
	if cfg.memoryMiB <= 0 {
		cfg.memoryMiB = r.cfg.VM.DefaultMemoryMiB
	}

	id := newBoxID()
	now := time.Now().UTC()
	rec := &store.Record{
		ID:          id,
		Name:        cfg.name,
		Status:      store.StatusConfigured,
		Image:       cfg.image,
		CPUs:        cfg.cpus,
		MemoryMiB:   cfg.memoryMiB,
		Labels:      cfg.labels,
		CreatedAt:   now,
		LastUpdated: now,
	}
	if err := r.store.Create(ctx, rec); err != nil {
		r.collector.BoxFailed()
		return nil, err
	}
	r.collector.BoxCreated()
	r.logger.Info("box created", "box_id", id, "name", cfg.name, "image", cfg.image)

	// Guest environment and working dir are applied at boot; they live
	// on the handle rather than the record.
	box := &Box{
		rt:         r,
		id:         id,
		security:   cfg.security,
		env:        cfg.env,
		workingDir: cfg.workingDir,
		rec:        rec,
		execs:      make(map[string]*Execution),
		bm:         r.collector.ForBox(id),
	}

	r.mu.Lock()
	r.boxes[id] = box
	r.mu.Unlock()
	return box, nil
}

// newBoxID returns a time-sortable unique identifier.
func newBoxID() string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return id.String()
}

// Get returns the handle for an existing box, addressed by id or name.
func (r *Runtime) Get(ctx context.Context, idOrName string) (*Box, error) {
	rec, err := r.store.GetByIDOrName(ctx, idOrName)
	if err != nil {
		return nil, err
	}
	return r.adopt(ctx, rec), nil
}

// adopt returns the live handle for rec, creating one if this runtime
// has none. A record claiming Running without a live VM in this process
// is reconciled: if the box directory lock is free its owner is gone
// and the box is forced to Unknown, keeping the stale pid.
func (r *Runtime) adopt(ctx context.Context, rec *store.Record) *Box {
	r.mu.Lock()
	if box, ok := r.boxes[rec.ID]; ok {
		r.mu.Unlock()
		box.mu.Lock()
		box.rec = rec
		box.mu.Unlock()
		return box
	}
	box := &Box{
		rt:       r,
		id:       rec.ID,
		security: SecurityStandard,
		rec:      rec,
		execs:    make(map[string]*Execution),
		bm:       r.collector.ForBox(rec.ID),
	}
	r.boxes[rec.ID] = box
	r.mu.Unlock()

	if rec.Status == store.StatusRunning || rec.Status == store.StatusStopping {
		r.reconcile(ctx, box)
	}
	return box
}

// reconcile handles a record that claims a live VM this process does
// not hold. If another runtime instance holds the box lock the box is
// genuinely running elsewhere and is left alone; otherwise its owner
// died and the box is forced to Unknown.
func (r *Runtime) reconcile(ctx context.Context, box *Box) {
	probe, err := lockfile.Acquire(r.cfg.BoxDir(box.id), r.instanceID)
	if err != nil {
		return // held elsewhere, or unreadable; leave the record as-is
	}
	probe.Release()

	box.mu.Lock()
	defer box.mu.Unlock()
	r.logger.Warn("box has no live owner, marking unknown", "box_id", box.id)
	box.rec.Status = store.StatusUnknown
	box.rec.LockID = ""
	if err := r.store.Update(ctx, box.rec); err != nil {
		r.logger.Error("recording reconcile", "box_id", box.id, "error", err)
	}
}

// List returns info for every box, ordered by creation time.
func (r *Runtime) List(ctx context.Context) ([]BoxInfo, error) {
	recs, err := r.store.List(ctx)
	if err != nil {
		return nil, err
	}
	infos := make([]BoxInfo, 0, len(recs))
	for i := range recs {
		infos = append(infos, infoFromRecord(&recs[i]))
	}
	return infos, nil
}

// Exists reports whether a box with the given id or name exists.
func (r *Runtime) Exists(ctx context.Context, idOrName string) (bool, error) {
	_, err := r.store.GetByIDOrName(ctx, idOrName)
	if errdefs.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Remove deletes a box and its on-disk state. Allowed from Configured,
// Stopped or Unknown; with force it additionally stops a Running box
// first.
func (r *Runtime) Remove(ctx context.Context, idOrName string, force bool) error {
	box, err := r.Get(ctx, idOrName)
	if err != nil {
		return err
	}

	box.mu.Lock()
	defer box.mu.Unlock()
	status := Status(box.rec.Status)
	if status == StatusRunning {
		if !force {
			return errdefs.New(errdefs.KindInvalidState, "runtime.remove",
				"box is running; use force to stop and remove")
		}
		if err := box.stopLocked(ctx); err != nil {
			return err
		}
	} else if !status.CanRemove() {
		return errdefs.Newf(errdefs.KindInvalidState, "runtime.remove",
			"cannot remove box in status %s", status)
	}

	if err := r.store.Delete(ctx, box.id); err != nil {
		return err
	}
	if err := os.RemoveAll(r.cfg.BoxDir(box.id)); err != nil {
		r.logger.Warn("removing box directory", "box_id", box.id, "error", err)
	}

	r.collector.DropBox(box.id)
	r.mu.Lock()
	delete(r.boxes, box.id)
	r.mu.Unlock()
	r.logger.Info("box removed", "box_id", box.id)
	return nil
}

// Metrics returns a snapshot of process-wide counters.
func (r *Runtime) Metrics() RuntimeMetrics {
	snap := r.collector.Snapshot()
	return RuntimeMetrics{
		BoxesCreated:   snap.BoxesCreated,
		BoxesFailed:    snap.BoxesFailed,
		BoxesRunning:   snap.BoxesRunning,
		CommandsTotal:  snap.CommandsTotal,
		RunErrorsTotal: snap.RunErrorsTotal,
	}
}

// Close releases the runtime's resources. Running boxes are left
// running: their records persist and a future runtime instance can
// reconcile them. Handles from this runtime are unusable afterwards.
func (r *Runtime) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	var firstErr error
	if err := r.tracing.Shutdown(ctx); err != nil {
		firstErr = err
	}
	if err := r.store.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
