package replication

import (
	"fmt"
	"sort"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	raft "github.com/Konstantsiy/raft-replication"
	"github.com/Konstantsiy/raft-replication/logging"
)

// Collaborators are the services a Leader depends on. Slicer and Capturer are optional.
type Collaborators struct {
	Log       raft.ReplicatedLog
	Transport raft.Transport
	Scheduler raft.Scheduler
	Terms     raft.TermStore
	Applier   raft.Applier
	Slicer    raft.Slicer
	Capturer  raft.SnapshotCapturer
	Logger    logging.Logger
	Now       func() time.Time
}

// Leader replicates the log to followers for one term and advances the commit index.
//
// A Leader is not safe for concurrent use: its owner feeds every input (replies,
// client requests, timer ticks) through Handle from a single goroutine.
type Leader struct {
	cfg  Config
	term int64

	log       raft.ReplicatedLog
	transport raft.Transport
	scheduler raft.Scheduler
	terms     raft.TermStore
	applier   raft.Applier
	slicer    raft.Slicer
	capturer  raft.SnapshotCapturer
	logger    logging.Logger
	now       func() time.Time

	followers map[raft.PeerID]*FollowerProgress

	// minReplicationCount is the number of copies, leader included, an entry needs to commit
	minReplicationCount int

	trackers ClientRequestTracker
	snapshot *snapshotHolder

	// replicatedToAllIndex is the highest index present on every follower
	replicatedToAllIndex int64

	cancelHeartbeat    func()
	lastIsolationCheck time.Time
	isolated           bool
	closed             bool
}

// NewLeader takes over replication for term: it registers a FollowerProgress per
// peer, sends a first round of AppendEntries and schedules heartbeats.
func NewLeader(cfg Config, term int64, peers []raft.PeerInfo, c Collaborators) (*Leader, error) {
	switch {
	case c.Log == nil:
		return nil, errors.New("replication: log is required")
	case c.Transport == nil:
		return nil, errors.New("replication: transport is required")
	case c.Scheduler == nil:
		return nil, errors.New("replication: scheduler is required")
	case c.Terms == nil:
		return nil, errors.New("replication: term store is required")
	case c.Applier == nil:
		return nil, errors.New("replication: applier is required")
	}

	if c.Logger == nil {
		c.Logger = logging.NewNop()
	}
	if c.Now == nil {
		c.Now = time.Now
	}

	cfg = cfg.withDefaults()

	var l = &Leader{
		cfg:                  cfg,
		term:                 term,
		log:                  c.Log,
		transport:            c.Transport,
		scheduler:            c.Scheduler,
		terms:                c.Terms,
		applier:              c.Applier,
		slicer:               c.Slicer,
		capturer:             c.Capturer,
		logger:               c.Logger.WithFields("leader", cfg.ID, "term", term),
		now:                  c.Now,
		followers:            make(map[raft.PeerID]*FollowerProgress, len(peers)),
		replicatedToAllIndex: raft.NoIndex,
	}
	l.lastIsolationCheck = l.now()

	for _, peer := range peers {
		if peer.ID == cfg.ID {
			continue
		}
		l.followers[peer.ID] = newFollowerProgress(peer, l.log.CommitIndex(), cfg, l.now)
	}
	l.updateMinReplicationCount()

	l.logger.Info("became leader", "followers", len(l.followers), "lastIndex", l.log.LastIndex(),
		"commitIndex", l.log.CommitIndex())

	// initial empty AppendEntries to each follower to announce leadership
	l.sendAppendEntries(0, false)
	l.scheduleHeartbeat()

	return l, nil
}

func (l *Leader) Term() int64 {
	return l.term
}

// Handle processes one message. It returns the role its owner should continue
// with, and an error only for faults the owner can't survive, such as failing
// to persist a newly observed term.
func (l *Leader) Handle(msg raft.Message) (raft.Role, error) {
	if l.closed {
		l.logger.Debug("message for a closed leader dropped", "message", fmt.Sprintf("%T", msg))
		return raft.RoleFollower, nil
	}

	switch m := msg.(type) {
	case raft.AppendEntriesReply:
		if m.Term > l.term {
			return l.onTermObserved(m.Term)
		}
		l.handleAppendEntriesReply(m)

	case raft.InstallSnapshotReply:
		if m.Term > l.term {
			return l.onTermObserved(m.Term)
		}
		l.handleInstallSnapshotReply(m)

	case raft.Replicate:
		l.replicate(m)

	case raft.HeartbeatTick:
		l.handleHeartbeat()

	case raft.TermObserved:
		return l.onTermObserved(m.Term)

	case raft.EntryPersisted:
		l.possiblyAdvanceCommitIndex()

	case raft.SnapshotCaptured:
		l.onSnapshotCaptured(m.Snapshot)

	case raft.SliceFailed:
		l.onSliceFailed(m)

	case raft.PeerAdded:
		l.addFollower(m.Peer)

	case raft.PeerRemoved:
		l.removeFollower(m.ID)

	case raft.AppendEntries:
		if m.Term > l.term {
			return l.onTermObserved(m.Term)
		}
		l.logger.Warn("AppendEntries from another leader ignored", "from", m.LeaderID, "fromTerm", m.Term)

	case raft.InstallSnapshot:
		if m.Term > l.term {
			return l.onTermObserved(m.Term)
		}
		l.logger.Warn("InstallSnapshot from another leader ignored", "from", m.LeaderID, "fromTerm", m.Term)

	default:
		l.logger.Warn("unexpected message", "message", fmt.Sprintf("%T", msg))
	}

	return l.role(), nil
}

func (l *Leader) role() raft.Role {
	if l.isolated {
		return raft.RoleIsolatedLeader
	}
	return raft.RoleLeader
}

func (l *Leader) handleAppendEntriesReply(reply raft.AppendEntriesReply) {
	var p, ok = l.followers[reply.FollowerID]
	if !ok {
		l.logger.Error("AppendEntriesReply from unknown follower", "follower", reply.FollowerID)
		return
	}

	if reply.RaftVersion < raft.MinSupportedRaftVersion {
		l.logger.Warn("AppendEntriesReply with unsupported raft version ignored",
			"follower", reply.FollowerID, "raftVersion", reply.RaftVersion)
		return
	}

	p.MarkActive()
	p.SetPayloadVersion(reply.PayloadVersion)
	p.SetRaftVersion(reply.RaftVersion)
	p.SetNeedsLeaderAddress(reply.NeedsLeaderAddress)

	var followerLastIndex = reply.LastLogIndex
	var updated bool

	switch {
	case followerLastIndex > l.log.LastIndex():
		// The follower's log is ahead of ours. A node can't win an election with a
		// shorter log, but a non-voting follower that restarted without persistence
		// can get here. There is nothing in common, start over with a snapshot.
		l.logger.Info("follower log is ahead of the leader's, forcing snapshot install",
			"follower", p.ID(), "followerLastIndex", followerLastIndex, "lastIndex", l.log.LastIndex())

		p.SetMatchIndex(raft.NoIndex)
		p.SetNextIndex(raft.NoIndex)
		l.initiateCaptureSnapshot(p)
		updated = true

	case reply.Success:
		var leaderTerm = l.logEntryTerm(followerLastIndex)
		if followerLastIndex >= 0 && leaderTerm >= 0 && leaderTerm != reply.LastLogTerm {
			// The follower holds our index with a different term but did not report a
			// failure. Resend from one entry earlier, it will replace the conflicting
			// entries or we end up installing a snapshot.
			l.logger.Info("follower has a conflicting last entry",
				"follower", p.ID(), "index", followerLastIndex, "followerTerm", reply.LastLogTerm, "leaderTerm", leaderTerm)

			p.SetNextIndex(followerLastIndex - 1)
			updated = true
		} else {
			updated = l.updateFollowerProgress(p, followerLastIndex)
		}

	case reply.ForceInstallSnapshot:
		l.logger.Info("follower requested snapshot install", "follower", p.ID())

		p.SetMatchIndex(raft.NoIndex)
		p.SetNextIndex(raft.NoIndex)
		l.initiateCaptureSnapshot(p)

	default:
		var leaderTerm = l.logEntryOrSnapshotTerm(followerLastIndex)
		if followerLastIndex < 0 || (leaderTerm >= 0 && leaderTerm == reply.LastLogTerm) {
			// empty follower log or the follower is simply behind, continue from its last entry
			updated = l.updateFollowerProgress(p, followerLastIndex)
		} else if p.DecrNextIndex(followerLastIndex) {
			// conflicting logs, search back for the point where they match
			updated = true
		}

		l.logger.Debug("AppendEntries rejected", "follower", p.ID(), "followerLastIndex", followerLastIndex,
			"followerLastTerm", reply.LastLogTerm, "nextIndex", p.NextIndex())
	}

	if l.isolated && !l.isLeaderIsolated() {
		l.isolated = false
		l.logger.Info("quorum reachable again, leaving isolated state")
	}

	l.possiblyAdvanceCommitIndex()

	// send the next batch now rather than on the next heartbeat
	l.sendUpdatesToFollower(p, false, !updated)
}

func (l *Leader) updateFollowerProgress(p *FollowerProgress, followerLastIndex int64) bool {
	var updated = p.SetMatchIndex(followerLastIndex)
	return p.SetNextIndex(followerLastIndex+1) || updated
}

// possiblyAdvanceCommitIndex commits every index N for which a majority of voting
// members, the leader included, have matchIndex >= N and entry N is from the
// current term. Entries of earlier terms are only committed indirectly.
func (l *Leader) possiblyAdvanceCommitIndex() {
	for index := l.log.CommitIndex() + 1; ; index++ {
		var entry, ok = l.log.Get(index)
		if !ok {
			break
		}

		// our own copy counts only once it's durable, and nothing after it can commit before
		if entry.PersistencePending {
			break
		}

		var replicated = 1
		for _, p := range l.followers {
			if p.Peer().IsVoting() && p.MatchIndex() >= index {
				replicated++
			}
		}

		if replicated < l.minReplicationCount {
			break
		}

		if entry.Term == l.term {
			l.log.SetCommitIndex(index)
		} else {
			l.logger.Debug("not committing entry of an earlier term", "index", index, "entryTerm", entry.Term)
		}
	}

	if l.log.CommitIndex() > l.log.LastApplied() {
		l.applyLogToStateMachine(l.log.CommitIndex())
	}

	if l.capturer == nil || !l.capturer.IsCapturing() {
		l.purgeInMemoryLog()
	}
}

func (l *Leader) applyLogToStateMachine(index int64) {
	for i := l.log.LastApplied() + 1; i <= index; i++ {
		var entry, ok = l.log.Get(i)
		if !ok {
			l.logger.Error("committed entry missing from log", "index", i, "snapshotIndex", l.log.SnapshotIndex())
			break
		}

		var identifier, _ = l.trackers.Remove(i)
		l.applier.ApplyState(identifier, entry)
		l.log.SetLastApplied(i)
	}
}

// purgeInMemoryLog trims entries every follower already has. Without followers
// it trims up to the last applied entry.
func (l *Leader) purgeInMemoryLog() {
	var minReplicated = l.log.LastApplied()
	if len(l.followers) > 0 {
		minReplicated = int64(1<<63 - 1)
		for _, p := range l.followers {
			if p.MatchIndex() < minReplicated {
				minReplicated = p.MatchIndex()
			}
		}
	}

	if trimmed := TrimLog(l.log, minReplicated); trimmed > l.replicatedToAllIndex {
		l.replicatedToAllIndex = trimmed
	}
}

func (l *Leader) replicate(m raft.Replicate) {
	l.logger.Debug("replicate", "index", m.LogIndex, "sendImmediate", m.SendImmediate)

	if m.Identifier != uuid.Nil {
		l.trackers.Add(m.LogIndex, m.Identifier)
	}

	if !l.anyVotingPeers() || l.cfg.ApplyBeforeConsensus {
		if m.LogIndex > l.log.CommitIndex() {
			l.log.SetCommitIndex(m.LogIndex)
		}
		l.applyLogToStateMachine(l.log.CommitIndex())

		if l.capturer == nil || !l.capturer.IsCapturing() {
			l.purgeInMemoryLog()
		}
	}

	if m.SendImmediate && len(l.followers) > 0 {
		l.sendAppendEntries(0, false)
	}
}

func (l *Leader) handleHeartbeat() {
	if l.now().Sub(l.lastIsolationCheck) >= l.cfg.IsolatedCheckInterval {
		l.lastIsolationCheck = l.now()

		if isolated := l.isLeaderIsolated(); isolated != l.isolated {
			l.isolated = isolated
			if isolated {
				l.logger.Warn("too few active voting followers, leader is isolated", "required", l.minIsolatedPeerCount())
			} else {
				l.logger.Info("quorum reachable again, leaving isolated state")
			}
		}
	}

	if len(l.followers) > 0 {
		l.sendAppendEntries(l.cfg.HeartbeatInterval, true)
	}

	l.scheduleHeartbeat()
}

func (l *Leader) scheduleHeartbeat() {
	if l.cancelHeartbeat != nil {
		l.cancelHeartbeat()
	}
	l.cancelHeartbeat = l.scheduler.Schedule(l.cfg.HeartbeatInterval, raft.HeartbeatTick{})
}

func (l *Leader) onTermObserved(term int64) (raft.Role, error) {
	if term <= l.term {
		return l.role(), nil
	}

	l.logger.Info("higher term observed, stepping down", "newTerm", term)
	l.Close()

	if err := l.terms.UpdateAndPersist(term, 0); err != nil {
		return raft.RoleFollower, errors.Mark(errors.Wrapf(err, "persist term %d", term), raft.ErrTermPersistence)
	}

	return raft.RoleFollower, nil
}

func (l *Leader) onSliceFailed(m raft.SliceFailed) {
	var p, ok = l.followers[m.FollowerID]
	if !ok {
		return
	}

	l.logger.Error("slicing AppendEntries failed", "follower", m.FollowerID, "index", m.Index, "reason", m.Reason)
	if p.SlicedIndex() == m.Index {
		p.SetSlicedIndex(raft.NoIndex)
	}
}

func (l *Leader) addFollower(peer raft.PeerInfo) {
	if peer.ID == l.cfg.ID {
		return
	}

	if p, ok := l.followers[peer.ID]; ok {
		p.setVotingState(peer.VotingState)
		p.peer.Address = peer.Address
	} else {
		l.followers[peer.ID] = newFollowerProgress(peer, l.log.CommitIndex(), l.cfg, l.now)
		l.logger.Info("follower added", "follower", peer.ID, "votingState", peer.VotingState)
	}

	l.updateMinReplicationCount()
	l.sendUpdatesToFollower(l.followers[peer.ID], true, false)
}

func (l *Leader) removeFollower(id raft.PeerID) {
	var p, ok = l.followers[id]
	if !ok {
		return
	}

	l.clearInstallSession(p)
	delete(l.followers, id)
	l.updateMinReplicationCount()
	l.logger.Info("follower removed", "follower", id)

	// a smaller quorum may commit what's pending
	l.possiblyAdvanceCommitIndex()
}

func (l *Leader) updateMinReplicationCount() {
	var voting = 0
	for _, p := range l.followers {
		if p.Peer().IsVoting() {
			voting++
		}
	}

	l.minReplicationCount = majority(voting)
}

// majority of the voting followers plus the leader, 0 without voting followers
func majority(votingFollowers int) int {
	if votingFollowers == 0 {
		return 0
	}
	return (votingFollowers+1)/2 + 1
}

func (l *Leader) anyVotingPeers() bool {
	for _, p := range l.followers {
		if p.Peer().IsVoting() {
			return true
		}
	}
	return false
}

// minIsolatedPeerCount is the number of active voting followers needed to reach a majority
func (l *Leader) minIsolatedPeerCount() int {
	if l.minReplicationCount == 0 {
		return 0
	}
	return l.minReplicationCount - 1
}

func (l *Leader) isLeaderIsolated() bool {
	var minPresent = l.minIsolatedPeerCount()
	if minPresent == 0 {
		return false
	}

	for _, p := range l.followers {
		if p.Peer().IsVoting() && p.IsActive() {
			minPresent--
			if minPresent == 0 {
				return false
			}
		}
	}

	return true
}

// sortedFollowers keeps message order deterministic
func (l *Leader) sortedFollowers() []*FollowerProgress {
	var res = make([]*FollowerProgress, 0, len(l.followers))
	for _, p := range l.followers {
		res = append(res, p)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ID() < res[j].ID() })
	return res
}

// Close stops heartbeats and drops snapshot transfers. The Leader ignores every message afterwards.
func (l *Leader) Close() {
	if l.closed {
		return
	}
	l.closed = true

	if l.cancelHeartbeat != nil {
		l.cancelHeartbeat()
		l.cancelHeartbeat = nil
	}

	for _, p := range l.followers {
		l.clearInstallSession(p)
	}
	l.releaseSnapshot()
}

// LeaderStatus is a read-only copy of the leader's replication state.
type LeaderStatus struct {
	ID                   raft.PeerID      `json:"id"`
	Term                 int64            `json:"term"`
	Role                 string           `json:"role"`
	LastIndex            int64            `json:"lastIndex"`
	CommitIndex          int64            `json:"commitIndex"`
	LastApplied          int64            `json:"lastApplied"`
	SnapshotIndex        int64            `json:"snapshotIndex"`
	ReplicatedToAllIndex int64            `json:"replicatedToAllIndex"`
	PendingRequests      int              `json:"pendingRequests"`
	HoldsSnapshot        bool             `json:"holdsSnapshot"`
	Followers            []FollowerStatus `json:"followers"`
}

func (l *Leader) Status() LeaderStatus {
	var st = LeaderStatus{
		ID:                   l.cfg.ID,
		Term:                 l.term,
		Role:                 l.role().String(),
		LastIndex:            l.log.LastIndex(),
		CommitIndex:          l.log.CommitIndex(),
		LastApplied:          l.log.LastApplied(),
		SnapshotIndex:        l.log.SnapshotIndex(),
		ReplicatedToAllIndex: l.replicatedToAllIndex,
		PendingRequests:      l.trackers.Len(),
		HoldsSnapshot:        l.snapshot != nil,
	}

	for _, p := range l.sortedFollowers() {
		st.Followers = append(st.Followers, p.status())
	}

	return st
}

// Follower returns a copy of the progress of one follower.
func (l *Leader) Follower(id raft.PeerID) (FollowerStatus, bool) {
	var p, ok = l.followers[id]
	if !ok {
		return FollowerStatus{}, false
	}
	return p.status(), true
}
