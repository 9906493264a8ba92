package server

import (
	"context"

	raft "github.com/Konstantsiy/raft-replication"
	"github.com/Konstantsiy/raft-replication/replication"
)

// Health is a cheap summary of the node, safe to read from any goroutine
type Health struct {
	ID       raft.PeerID `json:"id"`
	Term     int64       `json:"term"`
	IsLeader bool        `json:"isLeader"`
	Role     string      `json:"role"`
	LeaderID raft.PeerID `json:"leaderId"`

	// InSync is true once a follower caught up with its leader's commit index,
	// the leader is always in sync
	InSync bool `json:"inSync"`
}

// Status is the full picture of the node, collected on the main loop
type Status struct {
	Health

	LastIndex     int64 `json:"lastIndex"`
	CommitIndex   int64 `json:"commitIndex"`
	LastApplied   int64 `json:"lastApplied"`
	SnapshotIndex int64 `json:"snapshotIndex"`
	Keys          int   `json:"keys"`

	// ReceivingSnapshot is the number of chunks received so far, 0 when no transfer is in progress
	ReceivingSnapshot int `json:"receivingSnapshot,omitempty"`

	Replication *replication.LeaderStatus `json:"replication,omitempty"`
}

func (s *Server) Health() Health {
	s.mx.RLock()
	defer s.mx.RUnlock()
	return s.health
}

func (s *Server) Status(ctx context.Context) (Status, error) {
	var st Status

	err := s.call(ctx, func() {
		st = Status{
			Health:        s.currentHealth(),
			LastIndex:     s.log.LastIndex(),
			CommitIndex:   s.log.CommitIndex(),
			LastApplied:   s.log.LastApplied(),
			SnapshotIndex: s.log.SnapshotIndex(),
			Keys:          s.sm.Len(),
		}

		if s.receive != nil {
			st.ReceivingSnapshot = s.receive.LastChunkIndex()
		}

		if s.leader != nil {
			var ls = s.leader.Status()
			st.Replication = &ls
		}
	})

	return st, err
}

// updateHealth publishes the loop state for Health, called after every event
func (s *Server) updateHealth() {
	var h = s.currentHealth()

	s.mx.Lock()
	s.health = h
	s.mx.Unlock()
}

func (s *Server) currentHealth() Health {
	return Health{
		ID:       s.ID,
		Term:     s.currentTerm(),
		IsLeader: s.leader != nil,
		Role:     s.role.String(),
		LeaderID: s.leaderID,
		InSync:   s.leader != nil || s.inSync,
	}
}
