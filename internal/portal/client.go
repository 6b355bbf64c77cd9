package portal

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/boxkit/boxkit/errdefs"
)

// streamBuffer is the hand-off depth between the frame router and each
// per-execution pump. The pump absorbs any backlog beyond it, so one
// slow or abandoned consumer never stalls the router or its siblings.
const streamBuffer = 64

// ExitStatus is the terminal result of one execution as delivered by the
// router. PortalFailure marks a synthetic exit injected when the channel
// broke before the guest reported completion.
type ExitStatus struct {
	Code          int32
	Signal        int32
	Err           string
	PortalFailure bool
}

// Streams are the per-execution queues fed by the frame router. Stdout
// and Stderr close when the execution completes or the channel goes
// down; Exit delivers at most one status and then closes. An Exit that
// closes without a value means the channel was shut down before the
// guest reported completion.
type Streams struct {
	Stdout chan []byte
	Stderr chan []byte
	Exit   chan ExitStatus
}

// execEntry pairs the consumer-facing queues with the router-facing
// inlets feeding them. Each inlet is drained by a pump goroutine that
// buffers in memory, so the single-threaded router never blocks on one
// execution's unread output.
type execEntry struct {
	streams *Streams
	stdout  chan []byte
	stderr  chan []byte
}

func newExecEntry() *execEntry {
	e := &execEntry{
		streams: &Streams{
			Stdout: make(chan []byte, streamBuffer),
			Stderr: make(chan []byte, streamBuffer),
			Exit:   make(chan ExitStatus, 1),
		},
		stdout: make(chan []byte, streamBuffer),
		stderr: make(chan []byte, streamBuffer),
	}
	go pump(e.stdout, e.streams.Stdout)
	go pump(e.stderr, e.streams.Stderr)
	return e
}

// close shuts the inlets; the pumps flush their backlog and then close
// the consumer queues, so a reader always reaches end of stream.
func (e *execEntry) close() {
	close(e.stdout)
	close(e.stderr)
}

// backlogMax bounds the per-stream spill. Beyond it the oldest chunks
// are dropped: an output nobody reads must not grow without bound or
// stall the rest of the box.
const backlogMax = 1024

// pump moves chunks from the router inlet to the consumer queue in
// arrival order, spilling to an in-memory backlog when the consumer is
// slow or the handle was dropped without draining. out closes once in
// is closed and the backlog is flushed; a handle abandoned mid-output
// parks the pump on its remaining sends.
func pump(in <-chan []byte, out chan<- []byte) {
	var backlog [][]byte
	for in != nil || len(backlog) > 0 {
		var (
			sendCh chan<- []byte
			head   []byte
		)
		if len(backlog) > 0 {
			sendCh = out
			head = backlog[0]
		}
		select {
		case chunk, ok := <-in:
			if !ok {
				in = nil
				continue
			}
			backlog = append(backlog, chunk)
			if len(backlog) > backlogMax {
				backlog = backlog[1:]
			}
		case sendCh <- head:
			backlog = backlog[1:]
		}
	}
	close(out)
}

// Counters receives stream byte accounting. Implementations must be
// safe for concurrent use.
type Counters interface {
	AddBytesSent(n int)
	AddBytesReceived(n int)
}

// Options configures a Client.
type Options struct {
	Logger *slog.Logger
	// Counters is optional byte accounting (nil = disabled).
	Counters Counters
	// OnDisconnect is invoked once if the channel breaks outside an
	// intentional shutdown. The portal never reconnects: guest state is
	// unrecoverable after a channel break.
	OnDisconnect func(error)
}

// Client is the host endpoint of one box's portal channel.
type Client struct {
	conn     *websocket.Conn
	logger   *slog.Logger
	counters Counters
	onDrop   func(error)

	writeMu sync.Mutex // serializes frame writes

	mu     sync.Mutex
	execs  map[string]*execEntry // routed executions, keyed by execution id
	closed bool                  // intentional shutdown in progress
}

// Dial connects to the guest portal endpoint. addr is either a
// "unix://<path>" control socket or an http(s)/ws(s) URL (used by tests
// and remote shims).
func Dial(ctx context.Context, addr string, opts Options) (*Client, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	url := addr
	dialOpts := &websocket.DialOptions{}
	if path, ok := strings.CutPrefix(addr, "unix://"); ok {
		url = "http://boxkit/portal"
		dialOpts.HTTPClient = &http.Client{
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					var d net.Dialer
					return d.DialContext(ctx, "unix", path)
				},
			},
		}
	}

	conn, _, err := websocket.Dial(ctx, url, dialOpts)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindPortal, "portal.dial", err)
	}
	// Stream payloads can be large; the per-execution pumps absorb
	// whatever the consumer has not read yet.
	conn.SetReadLimit(1 << 22)

	return &Client{
		conn:     conn,
		logger:   logger,
		counters: opts.Counters,
		onDrop:   opts.OnDisconnect,
		execs:    make(map[string]*execEntry),
	}, nil
}

// Handshake probes guest readiness: it sends hello and waits for ready,
// then starts the frame router. Must be called exactly once before any
// other operation.
func (c *Client) Handshake(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := c.writeFrame(ctx, &Frame{Type: FrameHello}); err != nil {
		return errdefs.Wrap(errdefs.KindPortal, "portal.handshake", err)
	}

	_, data, err := c.conn.Read(ctx)
	if err != nil {
		return errdefs.Wrap(errdefs.KindPortal, "portal.handshake", fmt.Errorf("waiting for ready: %w", err))
	}
	frame, err := DecodeFrame(data)
	if err != nil {
		return errdefs.Wrap(errdefs.KindPortal, "portal.handshake", err)
	}
	if frame.Type != FrameReady {
		return errdefs.Newf(errdefs.KindPortal, "portal.handshake", "expected ready, got %q", frame.Type)
	}

	go c.readLoop()
	return nil
}

// SubmitExec registers a new execution and sends the exec frame. The
// streams are registered before the frame is written so no output frame
// can arrive for an unknown id.
func (c *Client) SubmitExec(ctx context.Context, payload ExecPayload) (string, *Streams, error) {
	id := uuid.New().String()
	entry := newExecEntry()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		entry.close()
		close(entry.streams.Exit)
		return "", nil, errdefs.New(errdefs.KindPortal, "portal.exec", "channel is shut down")
	}
	c.execs[id] = entry
	c.mu.Unlock()

	if err := c.writeFrame(ctx, &Frame{Type: FrameExec, ExecutionID: id, Exec: &payload}); err != nil {
		// A failed write usually means the channel broke; only tear the
		// entry down if the disconnect handler has not claimed it.
		c.mu.Lock()
		_, mine := c.execs[id]
		delete(c.execs, id)
		c.mu.Unlock()
		if mine {
			entry.close()
			close(entry.streams.Exit)
		}
		return "", nil, errdefs.Wrap(errdefs.KindPortal, "portal.exec", err)
	}
	return id, entry.streams, nil
}

// SendStdin forwards input bytes. Blocks on channel backpressure.
func (c *Client) SendStdin(ctx context.Context, executionID string, data []byte) error {
	if err := c.writeFrame(ctx, &Frame{Type: FrameStdin, ExecutionID: executionID, Data: data}); err != nil {
		return errdefs.Wrap(errdefs.KindPortal, "portal.stdin", err)
	}
	if c.counters != nil {
		c.counters.AddBytesSent(len(data))
	}
	return nil
}

// CloseStdin signals end of input for the execution.
func (c *Client) CloseStdin(ctx context.Context, executionID string) error {
	return errdefs.Wrap(errdefs.KindPortal, "portal.stdin",
		c.writeFrame(ctx, &Frame{Type: FrameStdinClose, ExecutionID: executionID}))
}

// SendSignal delivers a signal number to the execution. Best effort: it
// returns once the frame is accepted by the channel, not once the guest
// process is confirmed dead.
func (c *Client) SendSignal(ctx context.Context, executionID string, signal int32) error {
	return errdefs.Wrap(errdefs.KindPortal, "portal.signal",
		c.writeFrame(ctx, &Frame{Type: FrameSignal, ExecutionID: executionID, Signal: signal}))
}

// ResizeTTY updates the guest PTY dimensions.
func (c *Client) ResizeTTY(ctx context.Context, executionID string, rows, cols uint16) error {
	return errdefs.Wrap(errdefs.KindPortal, "portal.resize",
		c.writeFrame(ctx, &Frame{Type: FrameResize, ExecutionID: executionID, Rows: rows, Cols: cols}))
}

// Shutdown announces orderly teardown to the guest and closes the
// channel. The deadline bounds the shutdown write.
func (c *Client) Shutdown(deadline time.Time) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	ctx, cancel := context.WithDeadline(context.Background(), deadline)
	defer cancel()
	writeErr := c.writeFrame(ctx, &Frame{Type: FrameShutdown})

	closeErr := c.conn.Close(websocket.StatusNormalClosure, "shutdown")
	if writeErr != nil {
		return errdefs.Wrap(errdefs.KindPortal, "portal.shutdown", writeErr)
	}
	if closeErr != nil && !strings.Contains(closeErr.Error(), "already") {
		return errdefs.Wrap(errdefs.KindPortal, "portal.shutdown", closeErr)
	}
	return nil
}

// Close abruptly tears the channel down without notifying the guest.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return c.conn.Close(websocket.StatusGoingAway, "closed")
}

func (c *Client) writeFrame(ctx context.Context, f *Frame) error {
	data, err := f.Encode()
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.Write(ctx, websocket.MessageText, data)
}

// readLoop routes inbound frames until the channel closes. Byte order is
// preserved per (execution, channel) because a single goroutine feeds
// each queue in arrival order; stdout and stderr remain independently
// ordered streams.
func (c *Client) readLoop() {
	for {
		_, data, err := c.conn.Read(context.Background())
		if err != nil {
			c.handleDisconnect(err)
			return
		}
		frame, err := DecodeFrame(data)
		if err != nil {
			c.logger.Warn("dropping undecodable portal frame", slog.String("error", err.Error()))
			continue
		}
		c.route(frame)
	}
}

func (c *Client) route(f *Frame) {
	c.mu.Lock()
	entry, ok := c.execs[f.ExecutionID]
	c.mu.Unlock()
	if !ok {
		// Frames for unknown or completed executions are dropped by
		// design: late output after wait/kill is not an error.
		c.logger.Debug("dropping frame for unknown execution",
			slog.String("execution_id", f.ExecutionID),
			slog.String("type", string(f.Type)),
		)
		return
	}

	switch f.Type {
	case FrameStdout:
		entry.stdout <- f.Data
		if c.counters != nil {
			c.counters.AddBytesReceived(len(f.Data))
		}
	case FrameStderr:
		entry.stderr <- f.Data
		if c.counters != nil {
			c.counters.AddBytesReceived(len(f.Data))
		}
	case FrameExit:
		c.finish(f.ExecutionID, entry, ExitStatus{Code: f.ExitCode, Signal: f.Signal})
	case FrameError:
		c.finish(f.ExecutionID, entry, ExitStatus{Code: -1, Err: f.Error})
	default:
		c.logger.Debug("dropping unexpected inbound frame", slog.String("type", string(f.Type)))
	}
}

func (c *Client) finish(id string, entry *execEntry, status ExitStatus) {
	c.mu.Lock()
	delete(c.execs, id)
	c.mu.Unlock()
	entry.close()
	entry.streams.Exit <- status
	close(entry.streams.Exit)
}

// handleDisconnect closes the queues of every still-routed execution so
// stream readers reach end of stream. On an unexpected break each open
// execution additionally receives a synthetic portal-failure exit; on an
// intentional shutdown the owner delivers the terminal results itself
// and Exit closes without a value.
func (c *Client) handleDisconnect(err error) {
	c.mu.Lock()
	intentional := c.closed
	c.closed = true
	open := c.execs
	c.execs = make(map[string]*execEntry)
	c.mu.Unlock()

	if intentional {
		for _, entry := range open {
			entry.close()
			close(entry.streams.Exit)
		}
		return
	}

	c.logger.Warn("portal channel broke", slog.String("error", err.Error()))
	for id, entry := range open {
		c.logger.Debug("terminating execution after portal failure", slog.String("execution_id", id))
		entry.close()
		entry.streams.Exit <- ExitStatus{Code: -1, Err: "portal channel failure", PortalFailure: true}
		close(entry.streams.Exit)
	}
	if c.onDrop != nil {
		c.onDrop(err)
	}
}

// OpenExecutions returns the ids of executions still routed.
func (c *Client) OpenExecutions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.execs))
	for id := range c.execs {
		ids = append(ids, id)
	}
	return ids
}
