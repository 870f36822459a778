// Package audit records the security-relevant events the session
// supervisor and data plane produce: handshake outcomes, teardowns, and
// decrypt-failure storms. It keeps the teacher's rotating-file audit
// logger shape, narrowed to a small event set. A rekey event type and
// Rekey method exist, but nothing in this module emits them, since rekey
// is not implemented.
package audit

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// EventType represents the kind of security event being recorded.
type EventType string

const (
	EventHandshakeComplete EventType = "handshake_complete"
	EventHandshakeFailed   EventType = "handshake_failed"
	EventRekey             EventType = "rekey"
	EventPossibleAttack    EventType = "possible_attack"
	EventTeardown          EventType = "teardown"
)

// EventLevel represents the severity of an event.
type EventLevel string

const (
	LevelInfo    EventLevel = "info"
	LevelWarning EventLevel = "warning"
	LevelError   EventLevel = "error"
)

// Event is a single audit record.
type Event struct {
	Timestamp time.Time              `json:"timestamp"`
	EventType EventType              `json:"event_type"`
	Level     EventLevel             `json:"level"`
	Peer      string                 `json:"peer,omitempty"`
	Remote    string                 `json:"remote,omitempty"`
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// Logger writes audit events as newline-delimited JSON, rotating the
// backing file by size and keeping a ring buffer of recent events for
// the management snapshot endpoint.
type Logger struct {
	mu          sync.Mutex
	output      io.Writer
	buffer      []*Event
	bufferSize  int
	encoder     *json.Encoder
	file        *os.File
	rotateSize  int64
	currentSize int64
}

// Config configures a Logger.
type Config struct {
	// OutputPath is a file path, "stdout", or "" (defaults to stdout).
	OutputPath string
	// BufferSize bounds how many recent events Recent() can return.
	BufferSize int
	// RotateSize, if positive, rotates the log file once it reaches or
	// exceeds this many bytes.
	RotateSize int64
}

// New builds a Logger per cfg.
func New(cfg Config) (*Logger, error) {
	var output io.Writer
	var file *os.File

	if cfg.OutputPath == "" || cfg.OutputPath == "stdout" {
		output = os.Stdout
	} else {
		f, err := os.OpenFile(cfg.OutputPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("audit: open log file: %w", err)
		}
		file = f
		output = f
	}

	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 100
	}

	return &Logger{
		output:     output,
		buffer:     make([]*Event, 0, cfg.BufferSize),
		bufferSize: cfg.BufferSize,
		encoder:    json.NewEncoder(output),
		file:       file,
		rotateSize: cfg.RotateSize,
	}, nil
}

// Log records one event, stamping its timestamp and rotating the file
// if it has grown past the configured size.
func (l *Logger) Log(evt *Event) error {
	evt.Timestamp = time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.encoder.Encode(evt); err != nil {
		return fmt.Errorf("audit: encode event: %w", err)
	}

	l.buffer = append(l.buffer, evt)
	if len(l.buffer) > l.bufferSize {
		l.buffer = l.buffer[1:]
	}

	if l.file != nil {
		data, _ := json.Marshal(evt)
		l.currentSize += int64(len(data)) + 1
		if l.rotateSize > 0 && l.currentSize >= l.rotateSize {
			l.rotate()
		}
	}

	return nil
}

// HandshakeComplete logs a successfully completed handshake.
func (l *Logger) HandshakeComplete(peer, remote string) error {
	return l.Log(&Event{
		EventType: EventHandshakeComplete,
		Level:     LevelInfo,
		Peer:      peer,
		Remote:    remote,
		Message:   "handshake complete",
	})
}

// HandshakeFailed logs a failed or timed-out handshake attempt.
func (l *Logger) HandshakeFailed(remote string, attempt int, cause error) error {
	var causeStr string
	if cause != nil {
		causeStr = cause.Error()
	}
	return l.Log(&Event{
		EventType: EventHandshakeFailed,
		Level:     LevelWarning,
		Remote:    remote,
		Message:   "handshake attempt failed",
		Details:   map[string]interface{}{"attempt": attempt, "cause": causeStr},
	})
}

// Rekey logs a completed key rotation for a transport session.
func (l *Logger) Rekey(peer string) error {
	return l.Log(&Event{
		EventType: EventRekey,
		Level:     LevelInfo,
		Peer:      peer,
		Message:   "transport session rekeyed",
	})
}

// PossibleAttack logs an ingress decrypt-failure rate crossing the
// configured threshold (§4.6.4's PossibleAttack policy).
func (l *Logger) PossibleAttack(remote string, failures int) error {
	return l.Log(&Event{
		EventType: EventPossibleAttack,
		Level:     LevelError,
		Remote:    remote,
		Message:   "decrypt failure rate exceeded threshold",
		Details:   map[string]interface{}{"recent_failures": failures},
	})
}

// Teardown logs a session teardown, fatal or requested.
func (l *Logger) Teardown(peer, reason string) error {
	return l.Log(&Event{
		EventType: EventTeardown,
		Level:     LevelInfo,
		Peer:      peer,
		Message:   "session torn down",
		Details:   map[string]interface{}{"reason": reason},
	})
}

// Recent returns up to the last n logged events, oldest first.
func (l *Logger) Recent(n int) []*Event {
	l.mu.Lock()
	defer l.mu.Unlock()

	if n <= 0 || n > len(l.buffer) {
		n = len(l.buffer)
	}
	start := len(l.buffer) - n
	events := make([]*Event, n)
	copy(events, l.buffer[start:])
	return events
}

// rotate closes the current log file, renames it with a timestamp
// suffix, and opens a fresh file at the original path.
func (l *Logger) rotate() error {
	if l.file == nil {
		return nil
	}

	if err := l.file.Close(); err != nil {
		return err
	}

	oldPath := l.file.Name()
	newPath := fmt.Sprintf("%s.%s", oldPath, time.Now().Format("20060102-150405"))
	if err := os.Rename(oldPath, newPath); err != nil {
		return err
	}

	file, err := os.OpenFile(oldPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}

	l.file = file
	l.output = file
	l.encoder = json.NewEncoder(file)
	l.currentSize = 0

	return nil
}

// Close releases the underlying file, if any.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

// Flush ensures all buffered data is written to disk.
func (l *Logger) Flush() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		return l.file.Sync()
	}
	return nil
}
