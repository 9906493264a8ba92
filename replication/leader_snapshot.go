package replication

import (
	"io"

	raft "github.com/Konstantsiy/raft-replication"
)

// snapshotHolder is the captured snapshot shared by every install session.
// refs counts the sessions reading from it.
type snapshotHolder struct {
	snapshot raft.Snapshot
	refs     int
}

// canInstallSnapshot: a follower sharing nothing with us always gets one, others only
// when nextIndex was compacted away
func (l *Leader) canInstallSnapshot(nextIndex int64) bool {
	return nextIndex == raft.NoIndex ||
		(!l.log.IsPresent(nextIndex) && l.log.IsInSnapshot(nextIndex))
}

// initiateCaptureSnapshot starts a snapshot transfer to p, capturing a snapshot first
// unless one is already held for another follower.
func (l *Leader) initiateCaptureSnapshot(p *FollowerProgress) bool {
	if l.snapshot != nil {
		l.sendSnapshotChunk(p)
		return true
	}

	if l.capturer == nil {
		l.logger.Warn("follower needs a snapshot but no capturer is configured", "follower", p.ID())
		return false
	}

	var lastApplied = l.log.LastApplied()
	if !l.capturer.CaptureToInstall(lastApplied, l.logEntryOrSnapshotTerm(lastApplied), l.replicatedToAllIndex, p.ID()) {
		return false
	}

	l.logger.Info("snapshot capture initiated", "follower", p.ID(), "lastApplied", lastApplied)

	// the session waits for the captured bytes, meanwhile only heartbeats go out
	if p.InstallSession() == nil {
		p.setInstallSession(NewSnapshotInstallSession(l.cfg.SnapshotChunkSize, l.now))
	}

	return true
}

func (l *Leader) onSnapshotCaptured(snapshot raft.Snapshot) {
	if l.snapshot != nil {
		l.logger.Warn("captured snapshot dropped, another one is being installed",
			"lastIncludedIndex", snapshot.LastIncludedIndex)
		closeSource(snapshot.Data)
		return
	}

	l.logger.Info("snapshot captured", "lastIncludedIndex", snapshot.LastIncludedIndex,
		"lastIncludedTerm", snapshot.LastIncludedTerm, "size", snapshot.Data.Size())

	l.snapshot = &snapshotHolder{snapshot: snapshot}

	for _, p := range l.sortedFollowers() {
		if p.InstallSession() != nil ||
			p.Peer().VotingState == raft.VotingNotInitialized ||
			l.canInstallSnapshot(p.NextIndex()) {
			l.sendSnapshotChunk(p)
		}
	}

	if l.snapshot != nil && l.snapshot.refs == 0 {
		l.releaseSnapshot()
	}
}

func (l *Leader) sendSnapshotChunk(p *FollowerProgress) {
	if l.snapshot == nil {
		return
	}

	var session = p.InstallSession()
	if session == nil {
		session = NewSnapshotInstallSession(l.cfg.SnapshotChunkSize, l.now)
		p.setInstallSession(session)
	}

	if !session.HasSnapshot() {
		if err := session.SetSnapshot(l.snapshot.snapshot.Data); err != nil {
			l.logger.Warn("cannot start snapshot transfer", "follower", p.ID(), "err", err)
			return
		}
		l.snapshot.refs++
	}

	if !session.CanSendNextChunk() {
		return
	}

	chunk, err := session.NextChunk()
	if err != nil {
		l.logger.Warn("unable to read snapshot chunk, resetting transfer", "follower", p.ID(),
			"chunk", session.ChunkIndex(), "err", err)
		if err = session.Reset(); err != nil {
			l.logger.Error("cannot reset snapshot transfer", "follower", p.ID(), "err", err)
		}
		return
	}

	var chunkIndex = session.IncrementChunkIndex()

	var serverConfig []raft.PeerInfo
	if session.IsLastChunk(chunkIndex) {
		serverConfig = l.serverConfig()
	}

	var lastChunkHash = session.LastChunkHash()
	session.StartChunkTimer()

	l.transport.Send(p.ID(), raft.InstallSnapshot{
		Term:              l.term,
		LeaderID:          l.cfg.ID,
		LastIncludedIndex: l.snapshot.snapshot.LastIncludedIndex,
		LastIncludedTerm:  l.snapshot.snapshot.LastIncludedTerm,
		Data:              chunk,
		ChunkIndex:        chunkIndex,
		TotalChunks:       session.TotalChunks(),
		LastChunkHash:     &lastChunkHash,
		ServerConfig:      serverConfig,
		RaftVersion:       p.RaftVersion(),
	})

	l.logger.Debug("snapshot chunk sent", "follower", p.ID(), "chunk", chunkIndex,
		"totalChunks", session.TotalChunks(), "size", len(chunk))
}

func (l *Leader) handleInstallSnapshotReply(reply raft.InstallSnapshotReply) {
	var p, ok = l.followers[reply.FollowerID]
	if !ok {
		l.logger.Error("InstallSnapshotReply from unknown follower", "follower", reply.FollowerID)
		return
	}

	var session = p.InstallSession()
	if session == nil {
		l.logger.Error("InstallSnapshotReply without a snapshot transfer", "follower", reply.FollowerID)
		return
	}

	if !session.HasSnapshot() {
		l.logger.Warn("InstallSnapshotReply before the snapshot was captured", "follower", reply.FollowerID)
		return
	}

	session.ResetChunkTimer()
	p.MarkActive()

	if session.ChunkIndex() != reply.ChunkIndex {
		l.logger.Error("InstallSnapshotReply chunk index does not match", "follower", p.ID(),
			"chunk", reply.ChunkIndex, "expected", session.ChunkIndex())

		if reply.ChunkIndex == InvalidChunkIndex {
			// the follower didn't accept the sequence, start over from the first chunk
			if err := session.Reset(); err != nil {
				l.logger.Error("cannot reset snapshot transfer", "follower", p.ID(), "err", err)
			}
		}
		return
	}

	if !reply.Success {
		l.logger.Warn("snapshot chunk failed, will retry", "follower", p.ID(), "chunk", reply.ChunkIndex)
		session.MarkSendStatus(false)
		l.sendSnapshotChunk(p)
		return
	}

	if !session.IsLastChunk(reply.ChunkIndex) {
		session.MarkSendStatus(true)
		l.sendSnapshotChunk(p)
		return
	}

	var matchIndex = l.snapshot.snapshot.LastIncludedIndex
	p.SetMatchIndex(matchIndex)
	p.SetNextIndex(matchIndex + 1)
	l.clearInstallSession(p)

	l.logger.Info("snapshot installed on follower", "follower", p.ID(), "chunks", reply.ChunkIndex,
		"matchIndex", matchIndex, "nextIndex", matchIndex+1)

	if p.Peer().VotingState == raft.VotingNotInitialized {
		l.logger.Info("follower initialized by snapshot", "follower", p.ID())
	}

	// the follower caught up, maybe the log can be trimmed now
	if l.capturer == nil || !l.capturer.IsCapturing() {
		l.purgeInMemoryLog()
	}
}

// clearInstallSession ends p's transfer and drops its reference to the snapshot
func (l *Leader) clearInstallSession(p *FollowerProgress) {
	var session = p.InstallSession()
	if session == nil {
		return
	}

	var bound = session.HasSnapshot()
	p.clearInstallSession()

	if bound && l.snapshot != nil {
		l.snapshot.refs--
		if l.snapshot.refs <= 0 {
			l.releaseSnapshot()
		}
	}
}

func (l *Leader) releaseSnapshot() {
	if l.snapshot == nil {
		return
	}

	l.logger.Debug("releasing snapshot", "lastIncludedIndex", l.snapshot.snapshot.LastIncludedIndex)
	closeSource(l.snapshot.snapshot.Data)
	l.snapshot = nil
}

func (l *Leader) serverConfig() []raft.PeerInfo {
	var res = []raft.PeerInfo{{ID: l.cfg.ID, Address: l.cfg.LeaderAddress, VotingState: raft.Voting}}
	for _, p := range l.sortedFollowers() {
		res = append(res, p.Peer())
	}
	return res
}

// closeSource releases sources that hold resources, e.g. spooled files
func closeSource(source raft.ByteSource) {
	if c, ok := source.(io.Closer); ok {
		_ = c.Close()
	}
}
