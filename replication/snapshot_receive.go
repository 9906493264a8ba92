package replication

import (
	"github.com/cockroachdb/errors"

	raft "github.com/Konstantsiy/raft-replication"
)

// SnapshotReceiveSession accumulates the chunks of one snapshot transfer on a follower.
type SnapshotReceiveSession struct {
	leaderID    raft.PeerID
	totalChunks int

	lastChunkIndex int
	lastChunkHash  int64
	sealed         bool
	count          int64

	spool    raft.Spool
	snapshot raft.ByteSource
}

func NewSnapshotReceiveSession(leaderID raft.PeerID, totalChunks int, spool raft.Spool) *SnapshotReceiveSession {
	return &SnapshotReceiveSession{
		leaderID:       leaderID,
		totalChunks:    totalChunks,
		lastChunkIndex: FirstChunkIndex - 1,
		lastChunkHash:  raft.NoChunkHash,
		spool:          spool,
	}
}

// AddChunk appends the chunk and returns true once the last chunk was accepted.
// Errors caused by the chunk sequence are marked with raft.ErrInvalidChunk.
func (s *SnapshotReceiveSession) AddChunk(index int, data []byte, lastChunkHash *int64) (bool, error) {
	if s.sealed {
		return false, errors.Mark(
			errors.Newf("chunk %d received but the snapshot is already sealed", index),
			raft.ErrInvalidChunk,
		)
	}

	if index != s.lastChunkIndex+1 {
		return false, errors.Mark(
			errors.Newf("expected chunk %d, got %d", s.lastChunkIndex+1, index),
			raft.ErrInvalidChunk,
		)
	}

	if lastChunkHash != nil && *lastChunkHash != s.lastChunkHash {
		return false, errors.Mark(
			errors.Newf("previous chunk hash mismatch: recorded %d, leader sent %d", s.lastChunkHash, *lastChunkHash),
			raft.ErrInvalidChunk,
		)
	}

	if _, err := s.spool.Write(data); err != nil {
		return false, errors.Wrapf(err, "cannot store chunk %d", index)
	}

	s.count += int64(len(data))
	s.sealed = index == s.totalChunks
	s.lastChunkIndex = index
	s.lastChunkHash = raft.HashChunk(data)

	return s.sealed, nil
}

// AssembledSnapshot returns the accumulated bytes, it can be called more than once.
func (s *SnapshotReceiveSession) AssembledSnapshot() (raft.ByteSource, error) {
	if !s.sealed {
		return nil, errors.Wrapf(raft.ErrSnapshotNotSealed, "last chunk %d of %d", s.lastChunkIndex, s.totalChunks)
	}

	if s.snapshot == nil {
		source, err := s.spool.Seal()
		if err != nil {
			return nil, errors.Wrap(err, "cannot seal snapshot spool")
		}
		s.snapshot = source
	}

	return s.snapshot, nil
}

func (s *SnapshotReceiveSession) LeaderID() raft.PeerID { return s.leaderID }
func (s *SnapshotReceiveSession) TotalChunks() int { return s.totalChunks }
func (s *SnapshotReceiveSession) LastChunkIndex() int { return s.lastChunkIndex }
func (s *SnapshotReceiveSession) Count() int64 { return s.count }
func (s *SnapshotReceiveSession) IsSealed() bool { return s.sealed }

// Close discards the accumulated bytes.
func (s *SnapshotReceiveSession) Close() error {
	return s.spool.Close()
}
