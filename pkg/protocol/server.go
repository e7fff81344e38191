package protocol

import (
	"fmt"
	"io"

	"github.com/google/uuid"
)

// wireHost implements Host for an out-of-process plugin. Snapshot requests
// and log lines are sent to the engine as out-of-band frames on the same
// stream as responses; snapshots block until the engine acknowledges them.
type wireHost struct {
	enc *Encoder
	dec *Decoder
}

// Snapshot sends a SNAPSHOT frame and waits for the engine's ACK.
func (h *wireHost) Snapshot(path string) error {
	id := uuid.NewString()
	if err := h.enc.EncodeSnapshot(id, path); err != nil {
		return fmt.Errorf("failed to send snapshot request: %w", err)
	}

	frame, err := h.dec.Decode()
	if err != nil {
		return fmt.Errorf("failed to read snapshot ack: %w", err)
	}

	ack, err := DecodeAck(frame)
	if err != nil {
		return err
	}
	if frame.ID != id {
		return fmt.Errorf("snapshot ack id mismatch: sent %s, got %s", id, frame.ID)
	}
	if ack.Error != "" {
		return fmt.Errorf("engine refused snapshot of %s: %s", path, ack.Error)
	}

	return nil
}

// Log forwards a log line to the engine. Send errors are swallowed; a
// plugin must not fail a step because a log line was lost.
func (h *wireHost) Log(level, message string) {
	_ = h.enc.EncodeLog(level, message)
}

// Serve runs the plugin side of the protocol: it announces the plugin with
// a HELLO frame, then dispatches incoming step requests to plugin.Run until
// the engine sends SHUTDOWN or closes the stream. It is the main loop of an
// out-of-process provider; call it from the provider's main with os.Stdin
// and os.Stdout.
func Serve(plugin Plugin, r io.Reader, w io.Writer) error {
	enc := NewEncoder(w)
	dec := NewDecoder(r)
	host := &wireHost{enc: enc, dec: dec}

	hello := &HelloFrame{
		Name:     plugin.Name(),
		Protocol: Version,
		Methods:  plugin.Methods(),
	}
	if err := enc.EncodeHello(hello); err != nil {
		return fmt.Errorf("failed to send hello: %w", err)
	}

	for {
		frame, err := dec.Decode()
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("failed to read frame: %w", err)
		}

		switch frame.Type {
		case FrameTypeShutdown:
			return enc.EncodeBye()

		case FrameTypeRequest:
			req, err := DecodeRequest(frame)
			if err != nil {
				failure := NewFailure(FailureProtocol, "malformed request").WithCause(err)
				if encErr := enc.EncodeFailure(frame.ID, failure); encErr != nil {
					return fmt.Errorf("failed to send failure response: %w", encErr)
				}
				continue
			}

			result, runErr := runStep(plugin, req, host)
			if runErr != nil {
				failure, ok := runErr.(*Failure)
				if !ok {
					failure = NewFailure(FailureLogic, "%s", runErr.Error())
				}
				if err := enc.EncodeFailure(frame.ID, failure); err != nil {
					return fmt.Errorf("failed to send failure response: %w", err)
				}
				continue
			}
			if result == nil {
				result = &StepResult{}
			}
			if err := enc.EncodeResult(frame.ID, result); err != nil {
				return fmt.Errorf("failed to send response: %w", err)
			}

		default:
			return fmt.Errorf("unexpected frame from engine: %s", frame.Type)
		}
	}
}

// runStep invokes plugin.Run, converting a panic into a Logic failure so a
// broken plugin reports a structured error instead of tearing down the
// stream mid-frame.
func runStep(plugin Plugin, req *StepRequest, host Host) (result *StepResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = NewFailure(FailureLogic, "plugin panicked during %s: %v", req.Step, r)
		}
	}()
	return plugin.Run(req, host)
}
