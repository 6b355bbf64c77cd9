package boxkit

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/boxkit/boxkit/errdefs"
	"github.com/boxkit/boxkit/internal/portal"
)

// ExitReason classifies how an execution finished.
type ExitReason string

const (
	// ReasonExited means the guest process terminated on its own.
	ReasonExited ExitReason = "exited"
	// ReasonSignaled means the guest process was killed by a signal.
	ReasonSignaled ExitReason = "signaled"
	// ReasonTimeout means the execution's timeout expired and the guest
	// process was killed.
	ReasonTimeout ExitReason = "timeout"
	// ReasonPortalFailure means the guest channel broke before an exit
	// was reported.
	ReasonPortalFailure ExitReason = "portal-failure"
	// ReasonStopped means the enclosing box was stopped while the
	// execution was in flight.
	ReasonStopped ExitReason = "stopped"
	// ReasonError means the guest failed to run the command at all.
	ReasonError ExitReason = "error"
)

// ExitResult is the terminal outcome of one execution. Code 0 means
// success; a negative code is the negated number of the terminating
// signal.
type ExitResult struct {
	Code   int32
	Reason ExitReason
	// Message carries guest-side error detail for ReasonError and
	// ReasonPortalFailure.
	Message string
}

// Success reports whether the command exited zero.
func (r ExitResult) Success() bool { return r.Code == 0 }

const sigKILL = 9

// Execution is a handle to one in-flight or completed command. The
// handle is owned by a single consuming goroutine; the take-once stream
// contract is not meaningful under concurrent stream retrieval.
//
// Dropping the handle never kills the guest process. Termination happens
// only through Kill, the enclosing box's Stop, or timeout expiry.
type Execution struct {
	id  string
	box *Box
	tty bool

	streams *portal.Streams

	stdinTaken  atomic.Bool
	stdoutTaken atomic.Bool
	stderrTaken atomic.Bool

	once   sync.Once
	done   chan struct{}
	result ExitResult
}

func newExecution(id string, box *Box, tty bool, streams *portal.Streams, timeout time.Duration) *Execution {
	e := &Execution{
		id:      id,
		box:     box,
		tty:     tty,
		streams: streams,
		done:    make(chan struct{}),
	}
	go e.watchExit()
	if timeout > 0 {
		go e.watchTimeout(timeout)
	}
	return e
}

// ID returns the execution id assigned at submission.
func (e *Execution) ID() string { return e.id }

// watchExit completes the handle when the frame router delivers the
// terminal status. The exit queue closes without a value when the
// channel was shut down before the guest reported completion; the box
// owner finalizes tracked executions with the same result, and the
// first completion wins.
func (e *Execution) watchExit() {
	status, ok := <-e.streams.Exit
	if !ok {
		e.complete(ExitResult{Code: -sigKILL, Reason: ReasonStopped, Message: "box stopped"})
		return
	}
	e.complete(resultFromStatus(status))
}

func (e *Execution) watchTimeout(timeout time.Duration) {
	select {
	case <-e.done:
	case <-time.After(timeout):
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		e.box.signalExec(ctx, e.id, sigKILL)
		e.complete(ExitResult{Code: -sigKILL, Reason: ReasonTimeout, Message: "execution timed out"})
	}
}

func resultFromStatus(status portal.ExitStatus) ExitResult {
	switch {
	case status.PortalFailure:
		return ExitResult{Code: -1, Reason: ReasonPortalFailure, Message: status.Err}
	case status.Err != "":
		return ExitResult{Code: status.Code, Reason: ReasonError, Message: status.Err}
	case status.Signal != 0:
		return ExitResult{Code: -status.Signal, Reason: ReasonSignaled}
	default:
		return ExitResult{Code: status.Code, Reason: ReasonExited}
	}
}

// complete finalizes the handle exactly once; the first caller wins.
func (e *Execution) complete(result ExitResult) {
	e.once.Do(func() {
		e.result = result
		close(e.done)
		e.box.forgetExec(e.id)
	})
}

// Stdin returns the input stream exactly once. The second and later
// calls return (nil, false); taken-already is expected usage, not an
// error. Closing the writer signals end of input to the guest.
func (e *Execution) Stdin() (io.WriteCloser, bool) {
	if !e.stdinTaken.CompareAndSwap(false, true) {
		return nil, false
	}
	return &stdinWriter{e: e}, true
}

// Stdout returns the output stream exactly once; it reads io.EOF once
// the execution completes. Subsequent calls return (nil, false).
func (e *Execution) Stdout() (io.Reader, bool) {
	if !e.stdoutTaken.CompareAndSwap(false, true) {
		return nil, false
	}
	return &streamReader{ch: e.streams.Stdout}, true
}

// Stderr returns the error stream exactly once. Subsequent calls return
// (nil, false).
func (e *Execution) Stderr() (io.Reader, bool) {
	if !e.stderrTaken.CompareAndSwap(false, true) {
		return nil, false
	}
	return &streamReader{ch: e.streams.Stderr}, true
}

// Wait suspends until the execution reaches a terminal state and
// returns its result. Calls after completion return the cached result
// idempotently. The context bounds only this wait, not the execution.
func (e *Execution) Wait(ctx context.Context) (ExitResult, error) {
	select {
	case <-e.done:
		return e.result, nil
	case <-ctx.Done():
		return ExitResult{}, errdefs.Wrap(errdefs.KindRun, "execution.wait", ctx.Err())
	}
}

// Kill sends SIGKILL to the guest process. Best effort: it returns once
// the signal frame is accepted by the channel, not once the process is
// confirmed dead.
func (e *Execution) Kill(ctx context.Context) error {
	return e.Signal(ctx, sigKILL)
}

// Signal forwards an arbitrary signal number to the guest process.
func (e *Execution) Signal(ctx context.Context, signal int32) error {
	select {
	case <-e.done:
		return nil
	default:
	}
	return e.box.signalExec(ctx, e.id, signal)
}

// ResizeTTY updates the guest PTY dimensions. A soft no-op when the
// execution was submitted without a tty.
func (e *Execution) ResizeTTY(ctx context.Context, rows, cols uint16) error {
	if !e.tty {
		return nil
	}
	return e.box.resizeExec(ctx, e.id, rows, cols)
}

// stdinWriter forwards writes over the guest channel. Writes block on
// channel backpressure.
type stdinWriter struct {
	e      *Execution
	closed atomic.Bool
}

func (w *stdinWriter) Write(p []byte) (int, error) {
	if w.closed.Load() {
		return 0, errdefs.New(errdefs.KindInvalidArgument, "execution.stdin", "stdin is closed")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := w.e.box.sendStdin(ctx, w.e.id, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (w *stdinWriter) Close() error {
	if !w.closed.CompareAndSwap(false, true) {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return w.e.box.closeStdin(ctx, w.e.id)
}

// streamReader adapts a frame queue to io.Reader, buffering the unread
// remainder of the last frame.
type streamReader struct {
	ch  <-chan []byte
	buf []byte
}

func (r *streamReader) Read(p []byte) (int, error) {
	for len(r.buf) == 0 {
		chunk, ok := <-r.ch
		if !ok {
			return 0, io.EOF
		}
		r.buf = chunk
	}
	n := copy(p, r.buf)
	r.buf = r.buf[n:]
	return n, nil
}
