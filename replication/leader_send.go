package replication

import (
	"time"

	raft "github.com/Konstantsiy/raft-replication"
)

// sendAppendEntries sends to every follower that is inactive or hasn't been heard
// from for at least sinceLastActivity. Zero sends to all.
func (l *Leader) sendAppendEntries(sinceLastActivity time.Duration, isHeartbeat bool) {
	for _, p := range l.sortedFollowers() {
		if !p.IsActive() || p.SinceLastActivity() >= sinceLastActivity {
			l.sendUpdatesToFollower(p, true, isHeartbeat)
		}
	}
}

// sendUpdatesToFollower decides between the next snapshot chunk, a batch of
// entries, starting a snapshot install and a plain heartbeat.
func (l *Leader) sendUpdatesToFollower(p *FollowerProgress, sendHeartbeat bool, isHeartbeat bool) {
	var (
		isActive         = p.IsActive()
		commitIndex      = l.log.CommitIndex()
		sendAppend       = false
		entries          []raft.LogEntry
		followerNext     = p.NextIndex()
		snapshotInFlight = p.InstallSession()
	)

	switch {
	case snapshotInFlight != nil:
		if snapshotInFlight.HasSnapshot() && !snapshotInFlight.CanSendNextChunk() &&
			snapshotInFlight.IsChunkTimedOut(l.cfg.SnapshotChunkTimeout) {
			l.logger.Warn("snapshot chunk not acknowledged in time, resending",
				"follower", p.ID(), "chunk", snapshotInFlight.ChunkIndex())
			snapshotInFlight.MarkSendStatus(false)
		}

		if isActive && snapshotInFlight.CanSendNextChunk() {
			l.sendSnapshotChunk(p)
		} else if sendHeartbeat || p.HasStaleCommitIndex(commitIndex) {
			// heartbeat even while the chunk reply is outstanding
			sendAppend = true
		}

	case p.IsSlicing():
		sendAppend = sendHeartbeat

	default:
		var leaderLastIndex = l.log.LastIndex()

		if !isHeartbeat {
			l.logger.Debug("checking follower", "follower", p.ID(), "active", isActive,
				"nextIndex", followerNext, "lastIndex", leaderLastIndex, "snapshotIndex", l.log.SnapshotIndex())
		}

		switch {
		case isActive && l.log.IsPresent(followerNext):
			if p.OkToReplicate(commitIndex) {
				entries = l.getEntriesToSend(p)
				sendAppend = true
			}

		case isActive && followerNext >= 0 && leaderLastIndex > followerNext &&
			(l.capturer == nil || !l.capturer.IsCapturing()):
			// nextIndex is gone from the log, the follower needs a snapshot.
			// Heartbeat anyway so it doesn't start an election meanwhile.
			sendAppend = true
			if l.canInstallSnapshot(followerNext) {
				l.initiateCaptureSnapshot(p)
			}

		case sendHeartbeat || p.HasStaleCommitIndex(commitIndex):
			// keep inactive followers informed too, they may come back
			sendAppend = true
		}
	}

	if sendAppend {
		l.sendAppendEntriesToFollower(p, entries)
	}
}

func (l *Leader) sendAppendEntriesToFollower(p *FollowerProgress, entries []raft.LogEntry) {
	// The real commit index is withheld from followers that are inactive, installing
	// a snapshot or receiving slices: they might hold conflicting entries of an
	// earlier term at the same indices and must not apply them.
	var commitIndex = l.log.CommitIndex()
	if p.InstallSession() != nil || p.IsSlicing() || !p.IsActive() {
		commitIndex = raft.NoIndex
	}

	var msg = l.newAppendEntries(p, entries, commitIndex)

	if len(entries) > 0 {
		l.logger.Debug("sending entries", "follower", p.ID(), "from", entries[0].Index,
			"count", len(entries), "leaderCommit", commitIndex)
	}

	// a withheld commit index counts as sent, otherwise every reply of such a
	// follower would look stale and trigger another AppendEntries
	p.SetSentCommitIndex(l.log.CommitIndex())
	l.transport.Send(p.ID(), *msg)
}

func (l *Leader) newAppendEntries(p *FollowerProgress, entries []raft.LogEntry, commitIndex int64) *raft.AppendEntries {
	var prev = p.NextIndex() - 1

	var msg = &raft.AppendEntries{
		Term:                 l.term,
		LeaderID:             l.cfg.ID,
		PrevLogIndex:         l.logEntryIndex(prev),
		PrevLogTerm:          l.logEntryTerm(prev),
		Entries:              entries,
		LeaderCommit:         commitIndex,
		ReplicatedToAllIndex: l.replicatedToAllIndex,
		PayloadVersion:       l.cfg.PayloadVersion,
		LeaderRaftVersion:    raft.CurrentRaftVersion,
	}

	if p.NeedsLeaderAddress() {
		msg.LeaderAddress = l.cfg.LeaderAddress
	}

	return msg
}

// getEntriesToSend returns as many entries as fit into one message. A single entry
// over the limit goes to the slicer, and nothing is returned so that heartbeats
// continue while the slices are on their way.
func (l *Leader) getEntriesToSend(p *FollowerProgress) []raft.LogEntry {
	var entries = l.log.From(p.NextIndex(), l.log.Size(), l.cfg.MaxMessageSize)

	if len(entries) != 1 || entries[0].Size() <= l.cfg.MaxMessageSize || l.slicer == nil {
		return entries
	}

	l.logger.Debug("log entry exceeds max message size, slicing", "follower", p.ID(),
		"index", entries[0].Index, "size", entries[0].Size(), "max", l.cfg.MaxMessageSize)

	var msg = l.newAppendEntries(p, entries, l.log.CommitIndex())

	p.SetSlicedIndex(p.NextIndex())
	if err := l.slicer.Slice(p.ID(), msg); err != nil {
		l.logger.Error("cannot slice AppendEntries", "follower", p.ID(), "index", entries[0].Index, "err", err)
		p.SetSlicedIndex(raft.NoIndex)
	}

	return nil
}

// logEntryIndex returns index if it is in the log or is the snapshot index, -1 otherwise
func (l *Leader) logEntryIndex(index int64) int64 {
	if index == l.log.SnapshotIndex() {
		return index
	}
	if _, ok := l.log.Get(index); ok {
		return index
	}
	return raft.NoIndex
}

func (l *Leader) logEntryTerm(index int64) int64 {
	return entryTerm(l.log, index)
}

func (l *Leader) logEntryOrSnapshotTerm(index int64) int64 {
	return entryOrSnapshotTerm(l.log, index)
}

// entryTerm is the term of the entry at index, the snapshot term for the snapshot
// index itself and -1 when unknown
func entryTerm(log raft.ReplicatedLog, index int64) int64 {
	if index == log.SnapshotIndex() {
		return log.SnapshotTerm()
	}
	if entry, ok := log.Get(index); ok {
		return entry.Term
	}
	return raft.NoIndex
}

// entryOrSnapshotTerm is like entryTerm, every compacted index gets the snapshot term
func entryOrSnapshotTerm(log raft.ReplicatedLog, index int64) int64 {
	if log.IsInSnapshot(index) {
		return log.SnapshotTerm()
	}
	return entryTerm(log, index)
}
