package raft_replication

import "github.com/cockroachdb/errors"

var (
	// ErrInvalidChunk is returned for out of order chunks, chunks with a wrong
	// previous hash and chunks for an already complete snapshot
	ErrInvalidChunk = errors.New("raft: invalid snapshot chunk")

	// ErrTermPersistence marks a failure to store a newly observed term, the owner must stop
	ErrTermPersistence = errors.New("raft: term persistence failed")

	ErrNotLeader         = errors.New("raft: not the leader")
	ErrSnapshotNotSealed = errors.New("raft: snapshot is not complete")
)
