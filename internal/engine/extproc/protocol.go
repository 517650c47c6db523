// Package extproc launches engine processes as local subprocesses and speaks
// a length-prefixed JSON protocol with them over stdin/stdout. It implements
// engine.Launcher; the same wire format is implemented on the engine side by
// cmd/crucible-engine.
package extproc

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// MaxFrameSize is the maximum allowed frame payload (16 MiB).
const MaxFrameSize = 16 << 20

// Host→engine request operations.
const (
	OpCall     = "call"
	OpPing     = "ping"
	OpShutdown = "shutdown"
)

// Engine→host frame types.
const (
	FrameHello  = "hello"
	FramePong   = "pong"
	FrameOutput = "output"
	FrameResult = "result"
	FrameError  = "error"
)

// Request is the JSON payload sent from host to engine.
type Request struct {
	Op   string          `json:"op"`
	Name string          `json:"name,omitempty"`
	Args json.RawMessage `json:"args,omitempty"`
}

// Frame is the envelope for all engine→host messages. An engine announces
// itself with one "hello" frame on startup. During a call it may send any
// number of "output" frames, then exactly one "result" or "error" frame.
type Frame struct {
	Type     string          `json:"type"`
	Engine   string          `json:"engine,omitempty"`
	Protocol int             `json:"protocol,omitempty"`
	Line     string          `json:"line,omitempty"`
	Result   json.RawMessage `json:"result,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// ProtocolVersion is the wire protocol version carried in the hello frame.
const ProtocolVersion = 1

// WriteFrame writes a length-prefixed JSON message to w.
// The frame format is: 4-byte big-endian length prefix followed by the JSON payload.
func WriteFrame(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}

	length := uint32(len(data))
	if err := binary.Write(w, binary.BigEndian, length); err != nil {
		return fmt.Errorf("write length prefix: %w", err)
	}

	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write payload: %w", err)
	}

	return nil
}

// ReadFrame reads a length-prefixed JSON message from r and decodes it into v.
func ReadFrame(r io.Reader, v any) error {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return fmt.Errorf("read length prefix: %w", err)
	}

	if length > MaxFrameSize {
		return fmt.Errorf("frame size %d exceeds maximum %d", length, MaxFrameSize)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return fmt.Errorf("read payload: %w", err)
	}

	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal frame: %w", err)
	}

	return nil
}
