package raft_replication

import "github.com/google/uuid"

const (
	// MinSupportedRaftVersion is the oldest protocol version a leader talks to
	MinSupportedRaftVersion int16 = 4
	CurrentRaftVersion      int16 = 5

	CurrentPayloadVersion int16 = 1
)

// Message is everything a replication engine or a follower reacts to.
// The set is closed, handlers switch over it exhaustively.
type Message interface {
	isMessage()
}

type AppendEntries struct {
	Term                 int64      // leader's term
	LeaderID             PeerID     // leader's ID
	PrevLogIndex         int64      // index of log entry immediately preceding new ones
	PrevLogTerm          int64      // term of prevLogIndex entry
	Entries              []LogEntry // log entries to store (empty for heartbeat; may send more than one for efficiency)
	LeaderCommit         int64      // leader's commitIndex, -1 when it must not be applied by the follower
	ReplicatedToAllIndex int64      // highest index every follower has, followers may trim up to it
	PayloadVersion       int16
	LeaderRaftVersion    int16
	LeaderAddress        string // only set when the follower asked for it
}

type AppendEntriesReply struct {
	FollowerID           PeerID
	Term                 int64 // currentTerm, for leader to update itself
	Success              bool  // true if follower contained entry matching prevLogIndex and prevLogTerm
	LastLogIndex         int64
	LastLogTerm          int64
	RaftVersion          int16
	PayloadVersion       int16
	NeedsLeaderAddress   bool
	ForceInstallSnapshot bool // follower can't reconcile its log and needs a snapshot
}

type InstallSnapshot struct {
	Term              int64
	LeaderID          PeerID
	LastIncludedIndex int64
	LastIncludedTerm  int64
	Data              []byte // chunk bytes
	ChunkIndex        int    // starting from 1
	TotalChunks       int
	LastChunkHash     *int64     // hash of the previous chunk, nil if the leader doesn't track it
	ServerConfig      []PeerInfo // voting configuration, only on the last chunk
	RaftVersion       int16
}

type InstallSnapshotReply struct {
	FollowerID PeerID
	Term       int64
	ChunkIndex int // -1 when the follower did not accept the chunk sequence
	Success    bool
}

// Replicate tells the leader that an entry was appended to its log at LogIndex.
type Replicate struct {
	LogIndex      int64
	Identifier    uuid.UUID // uuid.Nil when no client waits for the result
	SendImmediate bool
}

type HeartbeatTick struct{}

// TermObserved reports a term higher than the leader's own.
type TermObserved struct {
	Term int64
}

// EntryPersisted reports that the local log stored the entry at Index durably.
type EntryPersisted struct {
	Index int64
}

// SnapshotCaptured delivers the result of SnapshotCapturer.CaptureToInstall.
type SnapshotCaptured struct {
	Snapshot Snapshot
}

// SliceFailed reports that slicing an oversized AppendEntries to a follower failed.
type SliceFailed struct {
	FollowerID PeerID
	Index      int64
	Reason     string
}

type PeerAdded struct {
	Peer PeerInfo
}

type PeerRemoved struct {
	ID PeerID
}

func (AppendEntries) isMessage() {}
func (AppendEntriesReply) isMessage() {}
func (InstallSnapshot) isMessage() {}
func (InstallSnapshotReply) isMessage() {}
func (Replicate) isMessage() {}
func (HeartbeatTick) isMessage() {}
func (TermObserved) isMessage() {}
func (EntryPersisted) isMessage() {}
func (SnapshotCaptured) isMessage() {}
func (SliceFailed) isMessage() {}
func (PeerAdded) isMessage() {}
func (PeerRemoved) isMessage() {}
