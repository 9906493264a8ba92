package replication

import (
	"time"

	raft "github.com/Konstantsiy/raft-replication"
)

const (
	DefaultHeartbeatInterval = 100 * time.Millisecond
	DefaultElectionTimeout   = 10 * DefaultHeartbeatInterval
	DefaultSnapshotChunkSize = 2 * 1024 * 1024
	DefaultMaxMessageSize    = 480 * 1024

	// the leader checks for isolation every isolatedCheckFactor heartbeats
	isolatedCheckFactor = 10
	// a chunk is resent if not acknowledged within chunkTimeoutFactor election timeouts
	chunkTimeoutFactor = 2
)

type Config struct {
	ID            raft.PeerID
	LeaderAddress string // sent to followers that lost track of the leader

	HeartbeatInterval     time.Duration
	ElectionTimeout       time.Duration
	IsolatedCheckInterval time.Duration

	SnapshotChunkSize    int
	SnapshotChunkTimeout time.Duration

	// MaxMessageSize bounds the entries of one AppendEntries, a single larger entry is sliced
	MaxMessageSize int

	// ApplyBeforeConsensus commits an entry as soon as it is replicated locally
	ApplyBeforeConsensus bool

	PayloadVersion int16
}

// withDefaults fills every zero value
func (c Config) withDefaults() Config {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.ElectionTimeout <= 0 {
		c.ElectionTimeout = 10 * c.HeartbeatInterval
	}
	if c.IsolatedCheckInterval <= 0 {
		c.IsolatedCheckInterval = isolatedCheckFactor * c.HeartbeatInterval
	}
	if c.SnapshotChunkSize <= 0 {
		c.SnapshotChunkSize = DefaultSnapshotChunkSize
	}
	if c.SnapshotChunkTimeout <= 0 {
		c.SnapshotChunkTimeout = chunkTimeoutFactor * c.ElectionTimeout
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = DefaultMaxMessageSize
	}
	if c.PayloadVersion == 0 {
		c.PayloadVersion = raft.CurrentPayloadVersion
	}
	return c
}
