package server

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	raft "github.com/Konstantsiy/raft-replication"
	"github.com/Konstantsiy/raft-replication/replication"
	state_machine "github.com/Konstantsiy/raft-replication/state-machine"
)

// HandleAppendEntries passes a request of the leader to the main loop and returns the reply
func (s *Server) HandleAppendEntries(ctx context.Context, req raft.AppendEntries) (raft.AppendEntriesReply, error) {
	res, err := s.rpc(ctx, req)
	if err != nil {
		return raft.AppendEntriesReply{}, err
	}
	return res.(raft.AppendEntriesReply), nil
}

func (s *Server) HandleInstallSnapshot(ctx context.Context, req raft.InstallSnapshot) (raft.InstallSnapshotReply, error) {
	res, err := s.rpc(ctx, req)
	if err != nil {
		return raft.InstallSnapshotReply{}, err
	}
	return res.(raft.InstallSnapshotReply), nil
}

// HandleSlice collects one slice of an oversized AppendEntries. The reply is nil
// until the last slice arrived.
func (s *Server) HandleSlice(ctx context.Context, slice Slice) (*raft.AppendEntriesReply, error) {
	req, err := s.assembler.Add(slice)
	if err != nil {
		return nil, err
	}

	if req == nil {
		return nil, nil
	}

	reply, err := s.HandleAppendEntries(ctx, *req)
	if err != nil {
		return nil, err
	}
	return &reply, nil
}

// HandleCommand replicates a set or delete and waits until it is applied.
// Reads are served from the local state machine.
func (s *Server) HandleCommand(ctx context.Context, cmd state_machine.Command) (string, error) {
	if cmd.Kind == state_machine.CmdGet {
		value, ok := s.sm.Get(cmd.Key)
		if !ok {
			return "", errors.Wrapf(state_machine.ErrKeyNotFound, "%s", cmd.Key)
		}
		return value, nil
	}

	data, err := state_machine.EncodeCommand(cmd)
	if err != nil {
		return "", errors.Wrap(err, "invalid command")
	}

	var done = make(chan error, 1)
	var rejected error

	err = s.call(ctx, func() {
		switch {
		case s.leader == nil:
			rejected = errors.Wrapf(raft.ErrNotLeader, "leader is %d", s.leaderID)
			return
		case s.role == raft.RoleIsolatedLeader:
			rejected = errors.Wrap(raft.ErrNotLeader, "leader is isolated from the cluster")
			return
		}

		var entry = raft.LogEntry{
			Index:   s.log.LastIndex() + 1,
			Term:    s.leader.Term(),
			Command: data,
		}
		if !s.log.Append(entry) {
			rejected = errors.Newf("cannot append entry %d", entry.Index)
			return
		}

		var id = uuid.New()
		s.pending[id] = done

		s.logger.Debug("command appended", "index", entry.Index, "kind", cmd.Kind, "key", cmd.Key)

		s.handleLeader(raft.Replicate{LogIndex: entry.Index, Identifier: id, SendImmediate: true})
	})
	if err != nil {
		return "", err
	}
	if rejected != nil {
		return "", rejected
	}

	select {
	case err = <-done:
		return "", err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (s *Server) rejectAppendEntries() raft.AppendEntriesReply {
	return raft.AppendEntriesReply{
		FollowerID:     s.ID,
		Term:           s.currentTerm(),
		LastLogIndex:   s.log.LastIndex(),
		LastLogTerm:    s.log.LastTerm(),
		RaftVersion:    raft.CurrentRaftVersion,
		PayloadVersion: raft.CurrentPayloadVersion,
	}
}

// updateTerm moves to a newer term of the leader. False when the term was
// stale or could not be persisted.
func (s *Server) updateTerm(term int64, leaderID raft.PeerID) bool {
	var current = s.terms.CurrentTerm()

	if term < current {
		s.logger.Debug("request from a stale leader", "leader", leaderID, "term", term, "currentTerm", current)
		return false
	}

	if term > current {
		if err := s.terms.UpdateAndPersist(term, 0); err != nil {
			s.fail(errors.Mark(errors.Wrapf(err, "persist term %d", term), raft.ErrTermPersistence))
			return false
		}
		s.logger.Info("term updated", "term", term, "leader", leaderID)
	}

	if s.leaderID != leaderID {
		s.logger.Info("following new leader", "leader", leaderID, "term", term)
		s.leaderID = leaderID
	}

	return true
}

func (s *Server) handleAppendEntries(req raft.AppendEntries) raft.AppendEntriesReply {
	if !s.updateTerm(req.Term, req.LeaderID) {
		return s.rejectAppendEntries()
	}

	if req.LeaderAddress != "" {
		s.client.SetPeer(req.LeaderID, req.LeaderAddress)
	}

	var reply = s.rejectAppendEntries()
	reply.NeedsLeaderAddress = !s.client.HasPeer(req.LeaderID)

	// the log is about to be replaced, entries sent meanwhile are of no use
	if s.receive != nil {
		s.logger.Debug("snapshot install in progress, AppendEntries ignored", "leader", req.LeaderID)
		reply.Success = true
		return reply
	}

	if s.isOutOfSync(req) {
		return reply
	}

	if len(req.Entries) > 0 {
		s.logger.Debug("entries received", "leader", req.LeaderID, "from", req.Entries[0].Index,
			"count", len(req.Entries), "prevLogIndex", req.PrevLogIndex)
	}

	if ok, force := s.processNewEntries(req.Entries); !ok {
		reply.LastLogIndex = s.log.LastIndex()
		reply.LastLogTerm = s.log.LastTerm()
		reply.ForceInstallSnapshot = force
		return reply
	}

	// entries past the ones this request matched may be stale leftovers of an
	// older term, the commit index must not reach them
	var lastNew = req.PrevLogIndex
	if n := len(req.Entries); n > 0 {
		lastNew = req.Entries[n-1].Index
	}
	if commit := min(req.LeaderCommit, lastNew); commit > s.log.CommitIndex() {
		s.log.SetCommitIndex(commit)
	}
	s.applyCommitted()

	if req.ReplicatedToAllIndex != raft.NoIndex {
		replication.TrimLog(s.log, req.ReplicatedToAllIndex)
	}

	s.syncTracker.Update(req.LeaderID, req.LeaderCommit, s.log.CommitIndex())

	reply.Success = true
	reply.LastLogIndex = s.log.LastIndex()
	reply.LastLogTerm = s.log.LastTerm()
	return reply
}

// Check if the log contains the entry at prevLogIndex with a matching term.
// e.g. if the leader has entries [0,1,2] and we have [0,1], when the leader sends
// entry 3 after 2 we must reject: entry 2 is missing. The leader steps nextIndex
// back to our last index and resends from there. Entries compacted into the
// snapshot were committed, so they always match.
func (s *Server) isOutOfSync(req raft.AppendEntries) bool {
	var (
		lastIndex     = s.log.LastIndex()
		snapshotIndex = s.log.SnapshotIndex()
	)

	switch {
	case lastIndex == raft.NoIndex && req.PrevLogIndex != raft.NoIndex:
		s.logger.Info("log is empty, leader expects a previous entry",
			"prevLogIndex", req.PrevLogIndex, "prevLogTerm", req.PrevLogTerm)
		return true

	case req.PrevLogIndex == raft.NoIndex && req.ReplicatedToAllIndex != raft.NoIndex:
		// the leader already trimmed the log, the first entry it holds must be here
		var next = req.ReplicatedToAllIndex + 1
		if !s.log.IsPresent(next) && !s.log.IsInSnapshot(next) {
			s.logger.Info("leader trimmed entries we don't have",
				"replicatedToAllIndex", req.ReplicatedToAllIndex, "lastIndex", lastIndex)
			return true
		}

	case lastIndex == raft.NoIndex:
		return false

	case req.PrevLogIndex > lastIndex:
		s.logger.Info("missing entries before the ones sent",
			"prevLogIndex", req.PrevLogIndex, "lastIndex", lastIndex)
		return true

	case req.PrevLogIndex != raft.NoIndex && req.PrevLogIndex >= snapshotIndex:
		var term = s.termAt(req.PrevLogIndex)
		if term != req.PrevLogTerm {
			s.logger.Info("previous entry term mismatch",
				"prevLogIndex", req.PrevLogIndex, "prevLogTerm", req.PrevLogTerm, "ownTerm", term)
			return true
		}
	}

	return false
}

func (s *Server) termAt(index int64) int64 {
	if index == s.log.SnapshotIndex() {
		return s.log.SnapshotTerm()
	}
	if entry, ok := s.log.Get(index); ok {
		return entry.Term
	}
	return raft.NoIndex
}

// processNewEntries appends entries not already in the log. A conflicting entry
// drops it and everything after it, unless it was already applied: then only a
// snapshot can fix the log and force is true.
func (s *Server) processNewEntries(entries []raft.LogEntry) (ok bool, force bool) {
	for _, entry := range entries {
		if entry.Index <= s.log.SnapshotIndex() {
			continue
		}

		if existing, found := s.log.Get(entry.Index); found {
			if existing.Term == entry.Term {
				continue
			}

			if entry.Index <= s.log.LastApplied() {
				s.logger.Error("conflicting entry was already applied, need a snapshot",
					"index", entry.Index, "term", entry.Term, "ownTerm", existing.Term)
				return false, true
			}

			s.logger.Info("removing conflicting entries", "from", entry.Index,
				"term", entry.Term, "ownTerm", existing.Term)

			if !s.log.RemoveFrom(entry.Index) {
				return false, true
			}
			if s.log.CommitIndex() >= entry.Index {
				s.log.SetCommitIndex(entry.Index - 1)
			}
		}

		entry.PersistencePending = false
		if !s.log.Append(entry) {
			s.logger.Warn("entry does not follow the log", "index", entry.Index, "lastIndex", s.log.LastIndex())
			return false, false
		}
	}

	return true, false
}

func (s *Server) applyCommitted() {
	for index := s.log.LastApplied() + 1; index <= s.log.CommitIndex(); index++ {
		if entry, ok := s.log.Get(index); ok {
			_ = s.applyEntry(entry)
		}
		s.log.SetLastApplied(index)
	}
}

func (s *Server) handleInstallSnapshot(req raft.InstallSnapshot) raft.InstallSnapshotReply {
	var reply = raft.InstallSnapshotReply{
		FollowerID: s.ID,
		ChunkIndex: req.ChunkIndex,
	}

	if !s.updateTerm(req.Term, req.LeaderID) {
		reply.Term = s.terms.CurrentTerm()
		return reply
	}
	reply.Term = req.Term

	if s.receive != nil && (s.receive.LeaderID() != req.LeaderID || req.ChunkIndex == replication.FirstChunkIndex) {
		s.logger.Info("snapshot transfer restarted", "leader", req.LeaderID,
			"previousLeader", s.receive.LeaderID(), "receivedChunks", s.receive.LastChunkIndex())
		s.closeReceive()
	}

	if s.receive == nil {
		spool, err := s.spools.NewSpool()
		if err != nil {
			s.logger.Error("cannot create snapshot spool", "err", err)
			return reply
		}

		s.receive = replication.NewSnapshotReceiveSession(req.LeaderID, req.TotalChunks, spool)
		s.logger.Info("snapshot transfer started", "leader", req.LeaderID, "totalChunks", req.TotalChunks,
			"lastIncludedIndex", req.LastIncludedIndex)
	}

	sealed, err := s.receive.AddChunk(req.ChunkIndex, req.Data, req.LastChunkHash)
	if err != nil {
		s.logger.Warn("snapshot chunk rejected", "chunk", req.ChunkIndex, "totalChunks", req.TotalChunks, "err", err)
		s.closeReceive()
		reply.ChunkIndex = replication.InvalidChunkIndex
		return reply
	}

	if !sealed {
		reply.Success = true
		return reply
	}

	if err = s.installSnapshot(req); err != nil {
		s.logger.Error("cannot install snapshot", "lastIncludedIndex", req.LastIncludedIndex, "err", err)
		s.closeReceive()
		reply.ChunkIndex = replication.InvalidChunkIndex
		return reply
	}

	s.closeReceive()
	reply.Success = true
	return reply
}

func (s *Server) installSnapshot(req raft.InstallSnapshot) error {
	source, err := s.receive.AssembledSnapshot()
	if err != nil {
		return err
	}

	r, err := source.Open()
	if err != nil {
		return errors.Wrap(err, "cannot open snapshot")
	}
	defer r.Close()

	if err = s.sm.Restore(r); err != nil {
		return errors.Wrap(err, "cannot restore state machine")
	}

	s.log.ResetToSnapshot(req.LastIncludedIndex, req.LastIncludedTerm)

	for _, peer := range req.ServerConfig {
		if peer.ID != s.ID && peer.Address != "" {
			s.client.SetPeer(peer.ID, peer.Address)
		}
	}

	s.logger.Info("snapshot installed", "lastIncludedIndex", req.LastIncludedIndex,
		"lastIncludedTerm", req.LastIncludedTerm, "size", s.receive.Count(), "keys", s.sm.Len())

	return nil
}

func (s *Server) closeReceive() {
	if s.receive == nil {
		return
	}
	if err := s.receive.Close(); err != nil {
		s.logger.Warn("cannot discard snapshot spool", "err", err)
	}
	s.receive = nil
}
