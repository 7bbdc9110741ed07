// Package runner isolates each task in its own process. The parent talks to
// the child over JSON lines on the child's stdin and stdout: the child
// announces READY, receives one RUN, streams LINE messages while the task's
// commands write output, and finishes with DONE or ERROR.
package runner

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/drcloud/drcloud/pkg/task"
)

// MessageType names a runner protocol message.
type MessageType string

const (
	// MessageTypeReady is sent by the child once it can accept a task.
	MessageTypeReady MessageType = "READY"
	// MessageTypeRun carries the task from parent to child.
	MessageTypeRun MessageType = "RUN"
	// MessageTypeLine carries one line of command output.
	MessageTypeLine MessageType = "LINE"
	// MessageTypeDone reports that every command succeeded.
	MessageTypeDone MessageType = "DONE"
	// MessageTypeError reports that the task failed.
	MessageTypeError MessageType = "ERROR"
)

// Validate checks if the message type is known.
func (mt MessageType) Validate() error {
	switch mt {
	case MessageTypeReady, MessageTypeRun, MessageTypeLine, MessageTypeDone, MessageTypeError:
		return nil
	default:
		return fmt.Errorf("invalid message type: %s", mt)
	}
}

// Stream identifies which output a line came from.
type Stream string

const (
	StreamOut Stream = "o"
	StreamErr Stream = "e"
)

// Message is the frame every runner message is sent in.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// ReadyMessage is sent when the child is ready.
type ReadyMessage struct {
	PID int `json:"pid"`
}

// RunMessage contains the task to run.
type RunMessage struct {
	ID   string    `json:"id"`
	Task task.Task `json:"task"`
}

// LineMessage is one output line.
type LineMessage struct {
	Stream Stream    `json:"stream"`
	Line   task.Line `json:"line"`
}

// DoneMessage reports success.
type DoneMessage struct {
	ID       string  `json:"id"`
	Duration float64 `json:"duration"` // seconds
}

// ErrorMessage reports failure.
type ErrorMessage struct {
	ID      string `json:"id,omitempty"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Encoder writes protocol messages. It is safe for concurrent use.
type Encoder struct {
	mu sync.Mutex
	w  *bufio.Writer
}

// NewEncoder creates a new protocol encoder.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: bufio.NewWriter(w)}
}

// Encode writes one message and flushes it.
func (e *Encoder) Encode(msgType MessageType, data any) error {
	if err := msgType.Validate(); err != nil {
		return err
	}

	var raw []byte
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("failed to marshal data: %w", err)
		}
		raw = b
	}
	msg, err := json.Marshal(Message{Type: msgType, Timestamp: time.Now().UTC(), Data: raw})
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := e.w.Write(msg); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	if err := e.w.WriteByte('\n'); err != nil {
		return fmt.Errorf("failed to write newline: %w", err)
	}
	if err := e.w.Flush(); err != nil {
		return fmt.Errorf("failed to flush: %w", err)
	}
	return nil
}

// Decoder reads protocol messages.
type Decoder struct {
	r *bufio.Scanner
}

// NewDecoder creates a new protocol decoder.
func NewDecoder(r io.Reader) *Decoder {
	scanner := bufio.NewScanner(r)
	// Tasks can embed hex programs.
	const maxCapacity = 10 * 1024 * 1024
	scanner.Buffer(make([]byte, 64*1024), maxCapacity)
	return &Decoder{r: scanner}
}

// Decode reads the next message. It returns io.EOF at end of input.
func (d *Decoder) Decode() (*Message, error) {
	if !d.r.Scan() {
		if err := d.r.Err(); err != nil {
			return nil, fmt.Errorf("scan error: %w", err)
		}
		return nil, io.EOF
	}

	var msg Message
	if err := json.Unmarshal(d.r.Bytes(), &msg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal message: %w", err)
	}
	if err := msg.Type.Validate(); err != nil {
		return nil, fmt.Errorf("invalid message: %w", err)
	}
	return &msg, nil
}

// ParseData decodes a message's data into target.
func ParseData(msg *Message, target any) error {
	if err := json.Unmarshal(msg.Data, target); err != nil {
		return fmt.Errorf("failed to parse %s data: %w", msg.Type, err)
	}
	return nil
}
