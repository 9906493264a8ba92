package raft_replication

import (
	"io"
	"time"

	"github.com/google/uuid"
)

// Transport delivers a message to a peer. Send must not block, replies come back
// through the owner's inbound queue.
type Transport interface {
	Send(to PeerID, msg Message)
}

// Scheduler delivers msg to the owner's inbound queue after d.
type Scheduler interface {
	Schedule(d time.Duration, msg Message) (cancel func())
}

// Slicer splits an AppendEntries that is too large for one message and sends it
// piece by piece. Failures that happen later are reported with SliceFailed.
type Slicer interface {
	Slice(to PeerID, msg *AppendEntries) error
}

type TermStore interface {
	CurrentTerm() int64
	VotedFor() PeerID
	UpdateAndPersist(term int64, votedFor PeerID) error
}

// Applier applies committed entries to the state machine. identifier is uuid.Nil
// when no client request was tracked for the entry.
type Applier interface {
	ApplyState(identifier uuid.UUID, entry LogEntry)
}

// SnapshotCapturer captures the state machine for installation on a follower.
// The result is delivered asynchronously as SnapshotCaptured.
type SnapshotCapturer interface {
	CaptureToInstall(lastAppliedIndex, lastAppliedTerm, replicatedToAllIndex int64, follower PeerID) bool
	IsCapturing() bool
}

// Spool accumulates bytes, possibly on disk, and exposes them once sealed.
type Spool interface {
	io.Writer
	Seal() (ByteSource, error)
	Close() error
}

type SpoolFactory interface {
	NewSpool() (Spool, error)
}
