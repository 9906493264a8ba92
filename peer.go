package raft_replication

import "fmt"

type PeerID uint32

type VotingState int

const (
	// Voting - counts towards quorum
	Voting VotingState = iota

	// NonVoting - receives the log but is ignored for commit and isolation checks
	NonVoting

	// VotingNotInitialized - joined the cluster but has not received a snapshot yet,
	// nothing is replicated to it and it is never considered active
	VotingNotInitialized
)

func (v VotingState) String() string {
	switch v {
	case Voting:
		return "voting"
	case NonVoting:
		return "non-voting"
	case VotingNotInitialized:
		return "voting-not-initialized"
	default:
		return fmt.Sprintf("VotingState(%d)", int(v))
	}
}

type PeerInfo struct {
	ID          PeerID
	Address     string
	VotingState VotingState
}

// IsVoting is true for members that count towards quorum, including the ones
// still waiting for their first snapshot
func (p PeerInfo) IsVoting() bool {
	return p.VotingState != NonVoting
}

// Role is what the owner of a replication engine should behave as after a message was handled.
type Role int

const (
	RoleFollower Role = iota
	RoleLeader

	// RoleIsolatedLeader - leader that can't reach enough active voting followers,
	// it keeps replicating but shouldn't accept work that needs consensus
	RoleIsolatedLeader
)

func (r Role) String() string {
	switch r {
	case RoleFollower:
		return "follower"
	case RoleLeader:
		return "leader"
	case RoleIsolatedLeader:
		return "isolated-leader"
	default:
		return fmt.Sprintf("Role(%d)", int(r))
	}
}
