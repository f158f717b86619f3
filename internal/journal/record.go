// Package journal provides the append-only per-run transaction log that makes
// transfers auditable and reversible.
package journal

import (
	"time"

	"github.com/google/uuid"

	"github.com/CrystallineCore/Blazefox/internal/digest"
)

// Action is the operation a record describes.
type Action string

const (
	ActionCopy Action = "copy"
	ActionMove Action = "move"
	ActionUndo Action = "undo"
	ActionRedo Action = "redo"

	// ActionTruncated marks a run that was cancelled mid-batch. Records
	// before the marker remain individually replayable.
	ActionTruncated Action = "truncated"
)

// Status is the outcome of a record.
type Status string

const (
	StatusApplied Status = "applied"
	StatusSkipped Status = "skipped"
	StatusFailed  Status = "failed"
)

// Record is one immutable journal entry. Undo/redo append new records with
// Ref pointing at the original sequence number; history is never rewritten.
type Record struct {
	Seq    uint64           `json:"seq"`
	PID    string           `json:"pid"`
	Action Action           `json:"action"`
	Src    string           `json:"src,omitempty"`
	Dst    string           `json:"dst,omitempty"`
	Algo   digest.Algorithm `json:"algo,omitempty"`
	Digest string           `json:"digest,omitempty"` // hex content digest of the source at transfer time
	Status Status           `json:"status"`
	Ref    uint64           `json:"ref,omitempty"` // original seq, for undo/redo records
	Reason string           `json:"reason,omitempty"`
	Time   time.Time        `json:"time"`
}

// SetDigest stores d's algorithm tag and sum on the record.
func (r *Record) SetDigest(d digest.Digest) {
	r.Algo = d.Algo
	r.Digest = d.Sum
}

// ContentDigest returns the recorded digest, zero if none was recorded.
func (r Record) ContentDigest() digest.Digest {
	if r.Digest == "" {
		return digest.Digest{}
	}
	return digest.Digest{Algo: r.Algo, Sum: r.Digest}
}

// IsReversal reports whether the record is an undo or redo entry.
func (r Record) IsReversal() bool {
	return r.Action == ActionUndo || r.Action == ActionRedo
}

// NewPID returns a globally unique process identifier for one run.
func NewPID() string {
	return uuid.NewString()
}
