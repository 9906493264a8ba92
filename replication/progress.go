package replication

import (
	"time"

	raft "github.com/Konstantsiy/raft-replication"
)

// FollowerProgress is what the leader knows about one follower.
// It is owned by the Leader and only mutated from its message loop.
type FollowerProgress struct {
	peer raft.PeerInfo

	// nextIndex is the index of the next log entry to send,
	// -1 means the follower shares nothing with the leader and needs a snapshot
	nextIndex int64

	// matchIndex is the highest log entry known to be replicated on the follower
	matchIndex int64

	lastActivity time.Time

	// lastReplicatedIndex/At remember the last AppendEntries with entries,
	// used to avoid resending the same batch before a heartbeat interval passes
	lastReplicatedIndex int64
	lastReplicatedAt    time.Time

	sentCommitIndex int64
	slicedIndex     int64

	raftVersion        int16
	payloadVersion     int16
	needsLeaderAddress bool

	install *SnapshotInstallSession

	electionTimeout   time.Duration
	heartbeatInterval time.Duration
	now               func() time.Time
}

func newFollowerProgress(peer raft.PeerInfo, commitIndex int64, cfg Config, now func() time.Time) *FollowerProgress {
	return &FollowerProgress{
		peer:                peer,
		nextIndex:           commitIndex,
		matchIndex:          raft.NoIndex,
		lastActivity:        now(),
		lastReplicatedIndex: raft.NoIndex,
		sentCommitIndex:     raft.NoIndex,
		slicedIndex:         raft.NoIndex,
		raftVersion:         raft.CurrentRaftVersion,
		electionTimeout:     cfg.ElectionTimeout,
		heartbeatInterval:   cfg.HeartbeatInterval,
		now:                 now,
	}
}

func (p *FollowerProgress) ID() raft.PeerID { return p.peer.ID }
func (p *FollowerProgress) Peer() raft.PeerInfo { return p.peer }
func (p *FollowerProgress) NextIndex() int64 { return p.nextIndex }
func (p *FollowerProgress) MatchIndex() int64 { return p.matchIndex }
func (p *FollowerProgress) RaftVersion() int16 { return p.raftVersion }
func (p *FollowerProgress) PayloadVersion() int16 { return p.payloadVersion }
func (p *FollowerProgress) NeedsLeaderAddress() bool { return p.needsLeaderAddress }
func (p *FollowerProgress) SentCommitIndex() int64 { return p.sentCommitIndex }
func (p *FollowerProgress) SlicedIndex() int64 { return p.slicedIndex }
func (p *FollowerProgress) IsSlicing() bool { return p.slicedIndex != raft.NoIndex }
func (p *FollowerProgress) SetRaftVersion(v int16) { p.raftVersion = v }
func (p *FollowerProgress) SetPayloadVersion(v int16) { p.payloadVersion = v }
func (p *FollowerProgress) SetNeedsLeaderAddress(b bool) { p.needsLeaderAddress = b }
func (p *FollowerProgress) SetSentCommitIndex(i int64) { p.sentCommitIndex = i }
func (p *FollowerProgress) SetSlicedIndex(i int64) { p.slicedIndex = i }

func (p *FollowerProgress) setVotingState(v raft.VotingState) {
	p.peer.VotingState = v
}

// SetMatchIndex returns true if the value changed. A match on the entry being
// sliced means the follower got the whole entry, so slicing is finished.
func (p *FollowerProgress) SetMatchIndex(matchIndex int64) bool {
	if p.IsSlicing() && p.slicedIndex == matchIndex {
		p.slicedIndex = raft.NoIndex
	}

	if p.matchIndex == matchIndex {
		return false
	}

	p.matchIndex = matchIndex
	return true
}

func (p *FollowerProgress) SetNextIndex(nextIndex int64) bool {
	if p.nextIndex == nextIndex {
		return false
	}

	p.nextIndex = nextIndex
	return true
}

// DecrNextIndex moves nextIndex back after a rejected AppendEntries. It jumps
// straight to the follower's last index when that is lower, otherwise steps back
// by one. It never raises nextIndex, so a stale reply can't undo a newer backoff.
func (p *FollowerProgress) DecrNextIndex(followerLastIndex int64) bool {
	if p.nextIndex < 0 {
		return false
	}

	if followerLastIndex >= 0 && p.nextIndex > followerLastIndex {
		p.nextIndex = followerLastIndex
	} else {
		p.nextIndex--
	}

	return true
}

func (p *FollowerProgress) MarkActive() {
	p.lastActivity = p.now()
}

func (p *FollowerProgress) SinceLastActivity() time.Duration {
	return p.now().Sub(p.lastActivity)
}

// IsActive reports whether the follower answered within the election timeout.
// A follower busy receiving slices is active regardless.
func (p *FollowerProgress) IsActive() bool {
	if p.peer.VotingState == raft.VotingNotInitialized {
		return false
	}

	if p.IsSlicing() {
		return true
	}

	return p.SinceLastActivity() < p.electionTimeout
}

func (p *FollowerProgress) HasStaleCommitIndex(commitIndex int64) bool {
	return p.sentCommitIndex != commitIndex
}

// OkToReplicate returns false when the same nextIndex was already sent less than
// a heartbeat interval ago and the follower's commit index is up to date.
func (p *FollowerProgress) OkToReplicate(commitIndex int64) bool {
	if p.peer.VotingState == raft.VotingNotInitialized {
		return false
	}

	if p.nextIndex == p.lastReplicatedIndex &&
		p.now().Sub(p.lastReplicatedAt) < p.heartbeatInterval &&
		!p.HasStaleCommitIndex(commitIndex) {
		return false
	}

	p.lastReplicatedIndex = p.nextIndex
	p.lastReplicatedAt = p.now()

	return true
}

func (p *FollowerProgress) InstallSession() *SnapshotInstallSession {
	return p.install
}

func (p *FollowerProgress) setInstallSession(s *SnapshotInstallSession) {
	p.install = s
}

// clearInstallSession closes the session, the caller releases the payload
func (p *FollowerProgress) clearInstallSession() {
	if p.install != nil {
		p.install.Close()
		p.install = nil
	}
}

// FollowerStatus is a read-only copy of FollowerProgress.
type FollowerStatus struct {
	ID                raft.PeerID `json:"id"`
	VotingState       string      `json:"votingState"`
	NextIndex         int64       `json:"nextIndex"`
	MatchIndex        int64       `json:"matchIndex"`
	Active            bool        `json:"active"`
	SinceLastActivity string      `json:"sinceLastActivity"`
	InstallingChunk   int         `json:"installingChunk,omitempty"`
	TotalChunks       int         `json:"totalChunks,omitempty"`
	Slicing           bool        `json:"slicing"`
}

func (p *FollowerProgress) status() FollowerStatus {
	var st = FollowerStatus{
		ID:                p.peer.ID,
		VotingState:       p.peer.VotingState.String(),
		NextIndex:         p.nextIndex,
		MatchIndex:        p.matchIndex,
		Active:            p.IsActive(),
		SinceLastActivity: p.SinceLastActivity().String(),
		Slicing:           p.IsSlicing(),
	}

	if p.install != nil {
		st.InstallingChunk = p.install.ChunkIndex()
		st.TotalChunks = p.install.TotalChunks()
	}

	return st
}
