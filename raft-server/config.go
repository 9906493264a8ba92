package server

import (
	"os"
	"time"

	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v3"

	raft "github.com/Konstantsiy/raft-replication"
	"github.com/Konstantsiy/raft-replication/logging"
	"github.com/Konstantsiy/raft-replication/replication"
)

const (
	DefaultSyncThreshold = 10
)

type Config struct {
	Node        NodeConfig        `yaml:"node"`
	Cluster     ClusterConfig     `yaml:"cluster"`
	Replication ReplicationConfig `yaml:"replication"`
	Logging     logging.Config    `yaml:"logging"`
}

type NodeConfig struct {
	ID      uint32 `yaml:"id"`
	Address string `yaml:"address"`
	DataDir string `yaml:"data_dir"`
}

type ClusterConfig struct {
	// Leader is the statically configured leader, there are no elections
	Leader uint32       `yaml:"leader"`
	Peers  []PeerConfig `yaml:"peers"`
}

type PeerConfig struct {
	ID      uint32 `yaml:"id"`
	Address string `yaml:"address"`
	Voting  *bool  `yaml:"voting"` // voting unless set to false
}

type ReplicationConfig struct {
	HeartbeatInterval     time.Duration `yaml:"heartbeat_interval"`
	ElectionTimeout       time.Duration `yaml:"election_timeout"`
	IsolatedCheckInterval time.Duration `yaml:"isolated_check_interval"`
	SnapshotChunkSize     int           `yaml:"snapshot_chunk_size"`
	SnapshotChunkTimeout  time.Duration `yaml:"snapshot_chunk_timeout"`
	MaxMessageSize        int           `yaml:"max_message_size"`
	SyncThreshold         int64         `yaml:"sync_threshold"`
	ApplyBeforeConsensus  bool          `yaml:"apply_before_consensus"`
	SpoolMemoryThreshold  int           `yaml:"spool_memory_threshold"`
	RequestTimeout        time.Duration `yaml:"request_timeout"`
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read config file")
	}

	var config Config
	if err = yaml.Unmarshal(data, &config); err != nil {
		return nil, errors.Wrap(err, "failed to parse config file")
	}

	config.ApplyDefaults()

	if err = config.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}

	return &config, nil
}

// ApplyDefaults fills every zero value of the replication and logging sections
func (c *Config) ApplyDefaults() {
	var r = &c.Replication

	if r.HeartbeatInterval <= 0 {
		r.HeartbeatInterval = replication.DefaultHeartbeatInterval
	}
	if r.ElectionTimeout <= 0 {
		r.ElectionTimeout = 10 * r.HeartbeatInterval
	}
	if r.IsolatedCheckInterval <= 0 {
		r.IsolatedCheckInterval = 10 * r.HeartbeatInterval
	}
	if r.SnapshotChunkSize <= 0 {
		r.SnapshotChunkSize = replication.DefaultSnapshotChunkSize
	}
	if r.SnapshotChunkTimeout <= 0 {
		r.SnapshotChunkTimeout = 2 * r.ElectionTimeout
	}
	if r.MaxMessageSize <= 0 {
		r.MaxMessageSize = replication.DefaultMaxMessageSize
	}
	if r.SyncThreshold <= 0 {
		r.SyncThreshold = DefaultSyncThreshold
	}
	if r.RequestTimeout <= 0 {
		r.RequestTimeout = 5 * time.Second
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

func (c *Config) Validate() error {
	if c.Node.ID == 0 {
		return errors.New("node.id must be greater than 0")
	}

	if c.Node.Address == "" {
		return errors.New("node.address is required")
	}

	if c.Node.DataDir == "" {
		return errors.New("node.data_dir is required")
	}

	if len(c.Cluster.Peers) == 0 {
		return errors.New("cluster.peers must contain at least one peer")
	}

	found := false
	for _, peer := range c.Cluster.Peers {
		if peer.ID == c.Node.ID {
			found = true
			if peer.Address != c.Node.Address {
				return errors.Newf("node address mismatch: node.address=%s but peer address=%s",
					c.Node.Address, peer.Address)
			}
			break
		}
	}

	if !found {
		return errors.Newf("node.id=%d not found in cluster.peers", c.Node.ID)
	}

	uniqueIDs := make(map[uint32]bool)
	leaderFound := false
	for _, peer := range c.Cluster.Peers {
		if peer.ID == 0 {
			return errors.New("cluster.peers: id must be greater than 0")
		}
		if peer.Address == "" {
			return errors.Newf("cluster.peers: address of peer %d is required", peer.ID)
		}
		if uniqueIDs[peer.ID] {
			return errors.Newf("duplicate peer ID: %d", peer.ID)
		}
		uniqueIDs[peer.ID] = true

		if peer.ID == c.Cluster.Leader {
			leaderFound = true
			if peer.Voting != nil && !*peer.Voting {
				return errors.Newf("cluster.leader=%d must be a voting peer", peer.ID)
			}
		}
	}

	if !leaderFound {
		return errors.Newf("cluster.leader=%d not found in cluster.peers", c.Cluster.Leader)
	}

	if c.Replication.ElectionTimeout <= c.Replication.HeartbeatInterval {
		return errors.Newf("replication.election_timeout %s must be greater than heartbeat_interval %s",
			c.Replication.ElectionTimeout, c.Replication.HeartbeatInterval)
	}

	return nil
}

func (c *Config) IsLeader() bool {
	return c.Node.ID == c.Cluster.Leader
}

func (c *Config) GetPeers() []raft.PeerInfo {
	var res = make([]raft.PeerInfo, 0, len(c.Cluster.Peers))
	for _, peer := range c.Cluster.Peers {
		var state = raft.Voting
		if peer.Voting != nil && !*peer.Voting {
			state = raft.NonVoting
		}
		res = append(res, raft.PeerInfo{ID: raft.PeerID(peer.ID), Address: peer.Address, VotingState: state})
	}
	return res
}

func (c *Config) GetPeerAddresses() map[raft.PeerID]string {
	var res = make(map[raft.PeerID]string, len(c.Cluster.Peers))
	for _, peer := range c.Cluster.Peers {
		res[raft.PeerID(peer.ID)] = peer.Address
	}
	return res
}

func (c *Config) ReplicationConfig() replication.Config {
	return replication.Config{
		ID:                    raft.PeerID(c.Node.ID),
		LeaderAddress:         c.Node.Address,
		HeartbeatInterval:     c.Replication.HeartbeatInterval,
		ElectionTimeout:       c.Replication.ElectionTimeout,
		IsolatedCheckInterval: c.Replication.IsolatedCheckInterval,
		SnapshotChunkSize:     c.Replication.SnapshotChunkSize,
		SnapshotChunkTimeout:  c.Replication.SnapshotChunkTimeout,
		MaxMessageSize:        c.Replication.MaxMessageSize,
		ApplyBeforeConsensus:  c.Replication.ApplyBeforeConsensus,
	}
}
