package protocol

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"time"
)

// FrameType identifies the kind of a protocol frame.
type FrameType string

const (
	// FrameTypeHello is sent by a plugin on startup to advertise its name,
	// protocol version, and capability set.
	FrameTypeHello FrameType = "HELLO"

	// FrameTypeRequest carries a step method call from engine to plugin.
	FrameTypeRequest FrameType = "REQ"

	// FrameTypeResponse carries a step result or failure back to the engine.
	FrameTypeResponse FrameType = "RES"

	// FrameTypeLog carries a forwarded log line from plugin to engine.
	FrameTypeLog FrameType = "LOG"

	// FrameTypeSnapshot asks the engine to snapshot a path before the
	// plugin modifies it.
	FrameTypeSnapshot FrameType = "SNAPSHOT"

	// FrameTypeAck acknowledges a snapshot request.
	FrameTypeAck FrameType = "ACK"

	// FrameTypeShutdown asks the plugin to exit.
	FrameTypeShutdown FrameType = "SHUTDOWN"

	// FrameTypeBye is the plugin's final frame before exiting.
	FrameTypeBye FrameType = "BYE"
)

// Validate checks that the frame type is known.
func (t FrameType) Validate() error {
	switch t {
	case FrameTypeHello, FrameTypeRequest, FrameTypeResponse,
		FrameTypeLog, FrameTypeSnapshot, FrameTypeAck,
		FrameTypeShutdown, FrameTypeBye:
		return nil
	default:
		return fmt.Errorf("unknown frame type: %q", string(t))
	}
}

// Frame is the envelope for every protocol message. ID correlates a
// response with its request; frames without a correlated peer leave it
// empty.
type Frame struct {
	Type      FrameType       `json:"type"`
	ID        string          `json:"id,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// HelloFrame is the payload of a HELLO frame.
type HelloFrame struct {
	Name     string `json:"name"`
	Protocol int    `json:"protocol"`
	Methods  []Step `json:"methods"`
}

// Validate checks the hello payload for completeness and protocol
// compatibility.
func (h *HelloFrame) Validate() error {
	if h.Name == "" {
		return fmt.Errorf("hello is missing plugin name")
	}
	if h.Protocol < MinVersion || h.Protocol > MaxVersion {
		return fmt.Errorf("plugin %q speaks protocol %d, engine supports %d through %d",
			h.Name, h.Protocol, MinVersion, MaxVersion)
	}
	for _, m := range h.Methods {
		if err := m.Validate(); err != nil {
			return fmt.Errorf("plugin %q advertises invalid method: %w", h.Name, err)
		}
	}
	return nil
}

// ResponseFrame is the payload of a RES frame. Exactly one of Result and
// Failure is set.
type ResponseFrame struct {
	Result  *StepResult `json:"result,omitempty"`
	Failure *Failure    `json:"failure,omitempty"`
}

// Validate checks that the response carries exactly one outcome.
func (r *ResponseFrame) Validate() error {
	if (r.Result == nil) == (r.Failure == nil) {
		return fmt.Errorf("response must carry exactly one of result and failure")
	}
	return nil
}

// LogFrame is the payload of a LOG frame.
type LogFrame struct {
	Level   string `json:"level"`
	Message string `json:"message"`
}

// SnapshotFrame is the payload of a SNAPSHOT frame.
type SnapshotFrame struct {
	Path string `json:"path"`
}

// AckFrame is the payload of an ACK frame. Error is set when the
// acknowledged operation failed on the engine side.
type AckFrame struct {
	Error string `json:"error,omitempty"`
}

// Encoder writes protocol frames to an io.Writer.
type Encoder struct {
	w *bufio.Writer
}

// NewEncoder creates a new protocol encoder.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{
		w: bufio.NewWriter(w),
	}
}

// Encode writes a frame to the output stream.
func (e *Encoder) Encode(frameType FrameType, id string, data interface{}) error {
	if err := frameType.Validate(); err != nil {
		return fmt.Errorf("invalid frame type: %w", err)
	}

	var dataBytes []byte
	var err error
	if data != nil {
		dataBytes, err = json.Marshal(data)
		if err != nil {
			return fmt.Errorf("failed to marshal frame data: %w", err)
		}
	}

	frame := Frame{
		Type:      frameType,
		ID:        id,
		Timestamp: time.Now().UTC(),
		Data:      dataBytes,
	}

	frameBytes, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("failed to marshal frame: %w", err)
	}

	if _, err := e.w.Write(frameBytes); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}

	if err := e.w.WriteByte('\n'); err != nil {
		return fmt.Errorf("failed to write newline: %w", err)
	}

	if err := e.w.Flush(); err != nil {
		return fmt.Errorf("failed to flush: %w", err)
	}

	return nil
}

// EncodeHello sends a HELLO frame.
func (e *Encoder) EncodeHello(hello *HelloFrame) error {
	if err := hello.Validate(); err != nil {
		return fmt.Errorf("invalid hello: %w", err)
	}
	return e.Encode(FrameTypeHello, "", hello)
}

// EncodeRequest sends a REQ frame.
func (e *Encoder) EncodeRequest(id string, req *StepRequest) error {
	return e.Encode(FrameTypeRequest, id, req)
}

// EncodeResult sends a RES frame carrying a success payload.
func (e *Encoder) EncodeResult(id string, result *StepResult) error {
	return e.Encode(FrameTypeResponse, id, &ResponseFrame{Result: result})
}

// EncodeFailure sends a RES frame carrying a failure payload.
func (e *Encoder) EncodeFailure(id string, failure *Failure) error {
	return e.Encode(FrameTypeResponse, id, &ResponseFrame{Failure: failure})
}

// EncodeLog sends a LOG frame.
func (e *Encoder) EncodeLog(level, message string) error {
	return e.Encode(FrameTypeLog, "", &LogFrame{Level: level, Message: message})
}

// EncodeSnapshot sends a SNAPSHOT frame.
func (e *Encoder) EncodeSnapshot(id, path string) error {
	return e.Encode(FrameTypeSnapshot, id, &SnapshotFrame{Path: path})
}

// EncodeAck sends an ACK frame.
func (e *Encoder) EncodeAck(id string, ackErr error) error {
	ack := &AckFrame{}
	if ackErr != nil {
		ack.Error = ackErr.Error()
	}
	return e.Encode(FrameTypeAck, id, ack)
}

// EncodeShutdown sends a SHUTDOWN frame.
func (e *Encoder) EncodeShutdown() error {
	return e.Encode(FrameTypeShutdown, "", nil)
}

// EncodeBye sends a BYE frame.
func (e *Encoder) EncodeBye() error {
	return e.Encode(FrameTypeBye, "", nil)
}

// Decoder reads protocol frames from an io.Reader.
type Decoder struct {
	r *bufio.Scanner
}

// NewDecoder creates a new protocol decoder.
func NewDecoder(r io.Reader) *Decoder {
	scanner := bufio.NewScanner(r)
	// Set a large buffer for potentially large release notes payloads
	const maxCapacity = 10 * 1024 * 1024 // 10 MB
	buf := make([]byte, maxCapacity)
	scanner.Buffer(buf, maxCapacity)
	return &Decoder{
		r: scanner,
	}
}

// Decode reads the next frame from the input stream.
func (d *Decoder) Decode() (*Frame, error) {
	if !d.r.Scan() {
		if err := d.r.Err(); err != nil {
			return nil, fmt.Errorf("scan error: %w", err)
		}
		return nil, io.EOF
	}

	line := d.r.Bytes()
	if len(line) == 0 {
		return nil, fmt.Errorf("empty line")
	}

	var frame Frame
	if err := json.Unmarshal(line, &frame); err != nil {
		return nil, fmt.Errorf("failed to unmarshal frame: %w", err)
	}

	if err := frame.Type.Validate(); err != nil {
		return nil, fmt.Errorf("invalid frame: %w", err)
	}

	return &frame, nil
}

// DecodeHello reads a frame and requires it to be a valid HELLO.
func (d *Decoder) DecodeHello() (*HelloFrame, error) {
	frame, err := d.Decode()
	if err != nil {
		return nil, err
	}

	if frame.Type != FrameTypeHello {
		return nil, fmt.Errorf("expected HELLO frame, got %s", frame.Type)
	}

	var hello HelloFrame
	if err := json.Unmarshal(frame.Data, &hello); err != nil {
		return nil, fmt.Errorf("failed to unmarshal hello: %w", err)
	}

	if err := hello.Validate(); err != nil {
		return nil, fmt.Errorf("invalid hello: %w", err)
	}

	return &hello, nil
}

// DecodeRequest unmarshals the payload of a REQ frame.
func DecodeRequest(frame *Frame) (*StepRequest, error) {
	if frame.Type != FrameTypeRequest {
		return nil, fmt.Errorf("expected REQ frame, got %s", frame.Type)
	}

	var req StepRequest
	if err := json.Unmarshal(frame.Data, &req); err != nil {
		return nil, fmt.Errorf("failed to unmarshal request: %w", err)
	}

	if err := req.Step.Validate(); err != nil {
		return nil, fmt.Errorf("invalid request: %w", err)
	}

	return &req, nil
}

// DecodeResponse unmarshals the payload of a RES frame.
func DecodeResponse(frame *Frame) (*ResponseFrame, error) {
	if frame.Type != FrameTypeResponse {
		return nil, fmt.Errorf("expected RES frame, got %s", frame.Type)
	}

	var res ResponseFrame
	if err := json.Unmarshal(frame.Data, &res); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}

	if err := res.Validate(); err != nil {
		return nil, fmt.Errorf("invalid response: %w", err)
	}

	return &res, nil
}

// DecodeLog unmarshals the payload of a LOG frame.
func DecodeLog(frame *Frame) (*LogFrame, error) {
	if frame.Type != FrameTypeLog {
		return nil, fmt.Errorf("expected LOG frame, got %s", frame.Type)
	}

	var entry LogFrame
	if err := json.Unmarshal(frame.Data, &entry); err != nil {
		return nil, fmt.Errorf("failed to unmarshal log entry: %w", err)
	}

	return &entry, nil
}

// DecodeSnapshot unmarshals the payload of a SNAPSHOT frame.
func DecodeSnapshot(frame *Frame) (*SnapshotFrame, error) {
	if frame.Type != FrameTypeSnapshot {
		return nil, fmt.Errorf("expected SNAPSHOT frame, got %s", frame.Type)
	}

	var snap SnapshotFrame
	if err := json.Unmarshal(frame.Data, &snap); err != nil {
		return nil, fmt.Errorf("failed to unmarshal snapshot request: %w", err)
	}

	if snap.Path == "" {
		return nil, fmt.Errorf("snapshot request is missing path")
	}

	return &snap, nil
}

// DecodeAck unmarshals the payload of an ACK frame.
func DecodeAck(frame *Frame) (*AckFrame, error) {
	if frame.Type != FrameTypeAck {
		return nil, fmt.Errorf("expected ACK frame, got %s", frame.Type)
	}

	var ack AckFrame
	if err := json.Unmarshal(frame.Data, &ack); err != nil {
		return nil, fmt.Errorf("failed to unmarshal ack: %w", err)
	}

	return &ack, nil
}
