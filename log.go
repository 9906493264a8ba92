package raft_replication

// NoIndex marks an absent index or term.
const NoIndex int64 = -1

type LogEntry struct {
	Index   int64  // log index starting from 0
	Term    int64  // term when entry was received by leader
	Command []byte // command for state machine

	// PersistencePending is true until the entry is durably stored on the local node.
	// the leader does not count itself towards a majority for such an entry
	PersistencePending bool `json:"-"`
}

// Size is the payload size used when batching entries into one message.
func (e LogEntry) Size() int {
	return len(e.Command)
}

// ReplicatedLog is the in-memory view of the journal. Entries below SnapshotIndex
// were compacted into a snapshot and are no longer present.
type ReplicatedLog interface {
	// Get returns the entry stored at index, if it is still in the log.
	Get(index int64) (LogEntry, bool)

	// From returns up to maxEntries entries starting at index whose total size
	// stays within maxBytes. The first entry is always returned when present,
	// even if it alone exceeds maxBytes.
	From(index int64, maxEntries int, maxBytes int) []LogEntry

	IsPresent(index int64) bool
	IsInSnapshot(index int64) bool

	LastIndex() int64
	LastTerm() int64
	Size() int

	SnapshotIndex() int64
	SnapshotTerm() int64

	CommitIndex() int64
	SetCommitIndex(index int64)
	LastApplied() int64
	SetLastApplied(index int64)

	// Append adds an entry right after LastIndex, false if the index does not line up.
	Append(entry LogEntry) bool

	// TrimThrough drops every entry up to and including index and moves the
	// snapshot index/term to that entry. False if index is not present.
	TrimThrough(index int64) bool
}
