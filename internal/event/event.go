// Package event defines the structured progress stream the engine emits.
// Front ends subscribe to a channel of Events and render them however they
// like; the engine holds no log state of its own.
package event

import "time"

// Type identifies the kind of event.
type Type int

const (
	RunStarted    Type = iota + 1
	FileStarted        // transfer of one candidate began
	FileCompleted      // record applied
	FileSkipped        // record skipped (duplicate content or skip policy)
	FileFailed         // record failed, batch continues
	VerifyFailed       // digest mismatch after transfer
	RunTruncated       // run cancelled mid-batch
	RunCompleted
)

var typeNames = [...]string{
	RunStarted:    "RunStarted",
	FileStarted:   "FileStarted",
	FileCompleted: "FileCompleted",
	FileSkipped:   "FileSkipped",
	FileFailed:    "FileFailed",
	VerifyFailed:  "VerifyFailed",
	RunTruncated:  "RunTruncated",
	RunCompleted:  "RunCompleted",
}

func (t Type) String() string {
	if t > 0 && int(t) < len(typeNames) {
		return typeNames[t]
	}
	return "Unknown"
}

// Event represents a single progress event from the engine.
type Event struct {
	Type      Type
	Timestamp time.Time
	Action    string // copy, move, undo, redo
	Path      string // source path (or record path for undo/redo)
	Dst       string // resolved destination path, when known
	Size      int64
	Seq       uint64 // journal sequence number, when assigned
	PID       string // process identifier of the run
	Error     error
}

// Emit sends e on ch without blocking; nil or full channels drop the event.
// Rendering must never stall a transfer.
func Emit(ch chan<- Event, e Event) {
	if ch == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	select {
	case ch <- e:
	default:
	}
}
