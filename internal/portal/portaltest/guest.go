// Package portaltest provides an in-process fake guest speaking the
// portal protocol. Tests point a portal.Client at its HTTP handler and
// get deterministic guest behavior without booting a VM.
//
// Supported programs:
//
//	echo ARGS...   write ARGS joined by spaces plus newline, exit 0
//	true / false   exit 0 / exit 1
//	exit N         exit with code N
//	sleep SECS     sleep, interruptible by any signal
//	stall SECS     sleep, ignores SIGTERM; only SIGKILL ends it
//	cat            copy stdin to stdout until stdin is closed
//	yes N          write N lines of "y" as separate frames, exit 0
//	env            print the submitted environment, one VAR per line
//	ttysize        wait for one resize frame, print "ROWSxCOLS", exit 0
//
// Any other program exits 127 with a note on stderr.
package portaltest

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/boxkit/boxkit/internal/portal"
)

// Guest is the fake guest endpoint. Zero value is not usable; call NewGuest.
type Guest struct {
	// ReadyDelay postpones the ready reply to exercise handshake timeouts.
	ReadyDelay time.Duration
	// SilentHandshake suppresses the ready reply entirely.
	SilentHandshake bool

	mu    sync.Mutex
	conns []*guestConn
}

// NewGuest creates a fake guest.
func NewGuest() *Guest {
	return &Guest{}
}

// Handler returns the HTTP handler to mount on a test server.
func (g *Guest) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		gc := &guestConn{
			guest: g,
			ws:    ws,
			execs: make(map[string]*guestExec),
		}
		g.mu.Lock()
		g.conns = append(g.conns, gc)
		g.mu.Unlock()
		gc.serve()
	})
}

// DropConnections abruptly severs every active channel, simulating a
// guest crash mid-session.
func (g *Guest) DropConnections() {
	g.mu.Lock()
	conns := g.conns
	g.conns = nil
	g.mu.Unlock()
	for _, gc := range conns {
		_ = gc.ws.CloseNow()
	}
}

type guestConn struct {
	guest *Guest
	ws    *websocket.Conn

	writeMu sync.Mutex

	mu    sync.Mutex
	execs map[string]*guestExec
}

type guestExec struct {
	payload portal.ExecPayload
	stdin   chan []byte // nil data = stdin closed
	signals chan int32
	resizes chan [2]uint16
}

func (gc *guestConn) serve() {
	ctx := context.Background()
	for {
		_, data, err := gc.ws.Read(ctx)
		if err != nil {
			return
		}
		frame, err := portal.DecodeFrame(data)
		if err != nil {
			continue
		}
		gc.handle(ctx, frame)
	}
}

func (gc *guestConn) handle(ctx context.Context, f *portal.Frame) {
	switch f.Type {
	case portal.FrameHello:
		if gc.guest.SilentHandshake {
			return
		}
		if d := gc.guest.ReadyDelay; d > 0 {
			time.Sleep(d)
		}
		gc.write(&portal.Frame{Type: portal.FrameReady})

	case portal.FrameExec:
		ge := &guestExec{
			payload: *f.Exec,
			stdin:   make(chan []byte, 64),
			signals: make(chan int32, 8),
			resizes: make(chan [2]uint16, 8),
		}
		gc.mu.Lock()
		gc.execs[f.ExecutionID] = ge
		gc.mu.Unlock()
		go gc.run(f.ExecutionID, ge)

	case portal.FrameStdin:
		if ge := gc.exec(f.ExecutionID); ge != nil {
			ge.stdin <- f.Data
		}
	case portal.FrameStdinClose:
		if ge := gc.exec(f.ExecutionID); ge != nil {
			ge.stdin <- nil
		}
	case portal.FrameSignal:
		if ge := gc.exec(f.ExecutionID); ge != nil {
			ge.signals <- f.Signal
		}
	case portal.FrameResize:
		if ge := gc.exec(f.ExecutionID); ge != nil {
			ge.resizes <- [2]uint16{f.Rows, f.Cols}
		}
	case portal.FrameShutdown:
		_ = gc.ws.Close(websocket.StatusNormalClosure, "shutdown")
	}
}

func (gc *guestConn) exec(id string) *guestExec {
	gc.mu.Lock()
	defer gc.mu.Unlock()
	return gc.execs[id]
}

func (gc *guestConn) write(f *portal.Frame) {
	data, err := f.Encode()
	if err != nil {
		return
	}
	gc.writeMu.Lock()
	defer gc.writeMu.Unlock()
	_ = gc.ws.Write(context.Background(), websocket.MessageText, data)
}

func (gc *guestConn) stdout(id string, s string) {
	gc.write(&portal.Frame{Type: portal.FrameStdout, ExecutionID: id, Data: []byte(s)})
}

func (gc *guestConn) stderr(id string, s string) {
	gc.write(&portal.Frame{Type: portal.FrameStderr, ExecutionID: id, Data: []byte(s)})
}

func (gc *guestConn) finish(id string, code int32, signal int32) {
	gc.mu.Lock()
	delete(gc.execs, id)
	gc.mu.Unlock()
	gc.write(&portal.Frame{Type: portal.FrameExit, ExecutionID: id, ExitCode: code, Signal: signal})
}

func (gc *guestConn) run(id string, ge *guestExec) {
	args := ge.payload.Args
	switch ge.payload.Program {
	case "echo":
		gc.stdout(id, strings.Join(args, " ")+"\n")
		gc.finish(id, 0, 0)

	case "true":
		gc.finish(id, 0, 0)

	case "false":
		gc.finish(id, 1, 0)

	case "exit":
		code := 0
		if len(args) > 0 {
			code, _ = strconv.Atoi(args[0])
		}
		gc.finish(id, int32(code), 0)

	case "sleep":
		gc.sleepLoop(id, ge, false)

	case "stall":
		gc.sleepLoop(id, ge, true)

	case "cat":
		for data := range ge.stdin {
			if data == nil {
				gc.finish(id, 0, 0)
				return
			}
			gc.write(&portal.Frame{Type: portal.FrameStdout, ExecutionID: id, Data: data})
		}

	case "yes":
		n := 1
		if len(args) > 0 {
			n, _ = strconv.Atoi(args[0])
		}
		for i := 0; i < n; i++ {
			gc.stdout(id, "y\n")
		}
		gc.finish(id, 0, 0)

	case "env":
		var sb strings.Builder
		for _, kv := range ge.payload.Env {
			sb.WriteString(kv)
			sb.WriteByte('\n')
		}
		gc.stdout(id, sb.String())
		gc.finish(id, 0, 0)

	case "ttysize":
		size := <-ge.resizes
		gc.stdout(id, fmt.Sprintf("%dx%d\n", size[0], size[1]))
		gc.finish(id, 0, 0)

	default:
		gc.stderr(id, fmt.Sprintf("%s: not found\n", ge.payload.Program))
		gc.finish(id, 127, 0)
	}
}

// sleepLoop waits out the requested duration. When ignoreTerm is set the
// process survives SIGTERM (15) and only SIGKILL (9) ends it.
func (gc *guestConn) sleepLoop(id string, ge *guestExec, ignoreTerm bool) {
	secs := 1.0
	if len(ge.payload.Args) > 0 {
		if v, err := strconv.ParseFloat(ge.payload.Args[0], 64); err == nil {
			secs = v
		}
	}
	timer := time.NewTimer(time.Duration(secs * float64(time.Second)))
	defer timer.Stop()
	for {
		select {
		case <-timer.C:
			gc.finish(id, 0, 0)
			return
		case sig := <-ge.signals:
			if ignoreTerm && sig == 15 {
				continue
			}
			gc.finish(id, 0, sig)
			return
		}
	}
}
