package plugin

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/releasekit/releasekit/pkg/protocol"
)

// HandshakeTimeout bounds the wait for an external provider's HELLO frame.
const HandshakeTimeout = 10 * time.Second

// ProcessHandle runs an external provider as a child process and speaks
// the wire protocol on its stdio. One call is in flight at a time; the
// engine invokes plugins sequentially.
type ProcessHandle struct {
	name    string
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	enc     *protocol.Encoder
	dec     *protocol.Decoder
	methods []protocol.Step
	cfg     json.RawMessage
	host    protocol.Host

	mu     sync.Mutex
	broken bool
	closed bool
}

// StartProcess spawns the provider command, performs the handshake, and
// returns a live handle. The child inherits the engine's stderr so its
// diagnostics remain visible; the protocol owns stdin and stdout.
func StartProcess(ctx context.Context, name, command string, args []string, cfg json.RawMessage, host protocol.Host) (*ProcessHandle, error) {
	cmd := exec.Command(command, args...)
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdin for plugin %q: %w", name, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdout for plugin %q: %w", name, err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start plugin %q: %w", name, err)
	}

	h := &ProcessHandle{
		name:  name,
		cmd:   cmd,
		stdin: stdin,
		enc:   protocol.NewEncoder(stdin),
		dec:   protocol.NewDecoder(stdout),
		cfg:   cfg,
		host:  host,
	}

	hello, err := h.awaitHello(ctx)
	if err != nil {
		h.kill()
		return nil, err
	}
	h.methods = hello.Methods

	return h, nil
}

func (h *ProcessHandle) awaitHello(ctx context.Context) (*protocol.HelloFrame, error) {
	helloCtx, cancel := context.WithTimeout(ctx, HandshakeTimeout)
	defer cancel()

	helloCh := make(chan *protocol.HelloFrame, 1)
	errCh := make(chan error, 1)

	go func() {
		hello, err := h.dec.DecodeHello()
		if err != nil {
			errCh <- err
			return
		}
		helloCh <- hello
	}()

	select {
	case <-helloCtx.Done():
		return nil, protocol.NewFailure(protocol.FailureProtocol,
			"plugin %q did not complete the handshake in time", h.name)
	case err := <-errCh:
		return nil, protocol.NewFailure(protocol.FailureProtocol,
			"handshake with plugin %q failed", h.name).WithCause(err)
	case hello := <-helloCh:
		return hello, nil
	}
}

// Name returns the plugin's registered name.
func (h *ProcessHandle) Name() string { return h.name }

// Methods returns the capability set fetched at handshake.
func (h *ProcessHandle) Methods() []protocol.Step { return h.methods }

// Implements reports whether the plugin advertises the step.
func (h *ProcessHandle) Implements(step protocol.Step) bool {
	for _, m := range h.methods {
		if m == step {
			return true
		}
	}
	return false
}

// Call sends one step request and pumps the stream until the matching
// response arrives. Out-of-band LOG and SNAPSHOT frames received while
// waiting are serviced inline.
func (h *ProcessHandle) Call(ctx context.Context, req *protocol.StepRequest) (*protocol.StepResult, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed || h.broken {
		return nil, protocol.NewFailure(protocol.FailureProtocol,
			"plugin %q is no longer usable", h.name)
	}

	req.Config = h.cfg
	id := uuid.NewString()
	if err := h.enc.EncodeRequest(id, req); err != nil {
		h.broken = true
		return nil, protocol.NewFailure(protocol.FailureProtocol,
			"failed to send %s request to plugin %q", req.Step, h.name).WithCause(err)
	}

	type outcome struct {
		res *protocol.ResponseFrame
		err error
	}
	done := make(chan outcome, 1)

	go func() {
		for {
			frame, err := h.dec.Decode()
			if err != nil {
				done <- outcome{err: err}
				return
			}

			switch frame.Type {
			case protocol.FrameTypeLog:
				entry, err := protocol.DecodeLog(frame)
				if err != nil {
					done <- outcome{err: err}
					return
				}
				h.host.Log(entry.Level, entry.Message)

			case protocol.FrameTypeSnapshot:
				snap, err := protocol.DecodeSnapshot(frame)
				if err != nil {
					done <- outcome{err: err}
					return
				}
				snapErr := h.host.Snapshot(snap.Path)
				if err := h.enc.EncodeAck(frame.ID, snapErr); err != nil {
					done <- outcome{err: err}
					return
				}

			case protocol.FrameTypeResponse:
				if frame.ID != id {
					done <- outcome{err: fmt.Errorf("response id mismatch: sent %s, got %s", id, frame.ID)}
					return
				}
				res, err := protocol.DecodeResponse(frame)
				done <- outcome{res: res, err: err}
				return

			default:
				done <- outcome{err: fmt.Errorf("unexpected frame: %s", frame.Type)}
				return
			}
		}
	}()

	select {
	case <-ctx.Done():
		// The stream is now out of sync with the request cycle. Mark the
		// handle broken so teardown kills the process.
		h.broken = true
		return nil, protocol.NewFailure(protocol.FailureProtocol,
			"plugin %q timed out in method %s", h.name, req.Step)
	case out := <-done:
		if out.err != nil {
			h.broken = true
			return nil, protocol.NewFailure(protocol.FailureProtocol,
				"stream error while calling %s on plugin %q", req.Step, h.name).WithCause(out.err)
		}
		if out.res.Failure != nil {
			return nil, out.res.Failure
		}
		return out.res.Result, nil
	}
}

// Shutdown asks the provider to exit and reaps the process. A provider
// that ignores the request or a broken stream gets killed.
func (h *ProcessHandle) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil
	}
	h.closed = true

	if h.broken {
		h.kill()
		return nil
	}

	if err := h.enc.EncodeShutdown(); err != nil {
		h.kill()
		return fmt.Errorf("failed to send shutdown to plugin %q: %w", h.name, err)
	}
	_ = h.stdin.Close()

	waited := make(chan error, 1)
	go func() {
		waited <- h.cmd.Wait()
	}()

	select {
	case <-ctx.Done():
		h.kill()
		return fmt.Errorf("plugin %q did not exit in time", h.name)
	case err := <-waited:
		if err != nil {
			return fmt.Errorf("plugin %q exited with error: %w", h.name, err)
		}
		return nil
	}
}

func (h *ProcessHandle) kill() {
	if h.cmd.Process != nil {
		_ = h.cmd.Process.Kill()
		_ = h.cmd.Wait()
	}
}

// String describes the handle for diagnostics.
func (h *ProcessHandle) String() string {
	return fmt.Sprintf("exec:%s", h.name)
}
