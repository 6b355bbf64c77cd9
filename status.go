package boxkit

// Status is a box lifecycle state.
type Status string

const (
	// StatusUnknown means the VM exited unexpectedly while running.
	// Guest-side state cannot be trusted; recovery requires an explicit
	// Remove or a fresh Start.
	StatusUnknown Status = "unknown"
	// StatusConfigured means the record exists but no VM was booted yet.
	StatusConfigured Status = "configured"
	// StatusRunning means the VM is up with a live guest channel.
	StatusRunning Status = "running"
	// StatusStopping means a stop is in progress.
	StatusStopping Status = "stopping"
	// StatusStopped means the VM was shut down cleanly.
	StatusStopped Status = "stopped"
)

// CanStart reports whether Start may boot a VM from this state.
// Running is handled separately as an idempotent no-op.
func (s Status) CanStart() bool {
	return s == StatusConfigured || s == StatusStopped
}

// CanRun reports whether Run is allowed, starting the box first if it
// is not already running.
func (s Status) CanRun() bool {
	return s == StatusConfigured || s == StatusRunning || s == StatusStopped
}

// CanStop reports whether Stop may tear the VM down.
func (s Status) CanStop() bool {
	return s == StatusRunning
}

// CanRemove reports whether Remove may delete the box without force.
func (s Status) CanRemove() bool {
	return s == StatusConfigured || s == StatusStopped || s == StatusUnknown
}
