// Package portal implements the host side of the host-guest channel.
// Commands are submitted and streamed output is received as JSON frames
// over a single WebSocket connection per box; a router demultiplexes
// inbound frames into per-execution queues keyed by execution id.
package portal

import "encoding/json"

// FrameType identifies the kind of frame on the channel.
type FrameType string

const (
	// Host → guest
	FrameHello      FrameType = "hello"
	FrameExec       FrameType = "exec"
	FrameStdin      FrameType = "stdin"
	FrameStdinClose FrameType = "stdin_close"
	FrameSignal     FrameType = "signal"
	FrameResize     FrameType = "resize"
	FrameShutdown   FrameType = "shutdown"

	// Guest → host
	FrameReady  FrameType = "ready"
	FrameStdout FrameType = "stdout"
	FrameStderr FrameType = "stderr"
	FrameExit   FrameType = "exit"
	FrameError  FrameType = "error"
)

// Frame is the wire envelope. Every message in either direction is one
// JSON-encoded Frame; payload fields are populated according to Type.
type Frame struct {
	Type        FrameType `json:"type"`
	ExecutionID string    `json:"execution_id,omitempty"`

	// Data carries stdin/stdout/stderr bytes (base64 in JSON).
	Data []byte `json:"data,omitempty"`

	// Exec is set on FrameExec.
	Exec *ExecPayload `json:"exec,omitempty"`

	// ExitCode and Signal are set on FrameExit. A non-zero Signal means
	// the process was terminated by that signal.
	ExitCode int32 `json:"exit_code,omitempty"`
	Signal   int32 `json:"signal,omitempty"`

	// Rows and Cols are set on FrameResize.
	Rows uint16 `json:"rows,omitempty"`
	Cols uint16 `json:"cols,omitempty"`

	// Error carries a guest-side failure description on FrameError.
	Error string `json:"error,omitempty"`
}

// ExecPayload describes a command submission.
type ExecPayload struct {
	Program    string   `json:"program"`
	Args       []string `json:"args,omitempty"`
	Env        []string `json:"env,omitempty"` // KEY=VALUE form
	WorkingDir string   `json:"working_dir,omitempty"`
	TTY        bool     `json:"tty,omitempty"`
	Rows       uint16   `json:"rows,omitempty"`
	Cols       uint16   `json:"cols,omitempty"`
}

// Encode marshals the frame for the wire.
func (f *Frame) Encode() ([]byte, error) {
	return json.Marshal(f)
}

// DecodeFrame parses a wire message.
func DecodeFrame(data []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	return &f, nil
}
