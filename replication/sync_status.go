package replication

import (
	raft "github.com/Konstantsiy/raft-replication"
	"github.com/Konstantsiy/raft-replication/logging"
)

type syncStatus int

const (
	syncUnknown syncStatus = iota
	syncOut
	syncIn
)

// SyncStatusTracker classifies a follower as in sync or out of sync with its leader.
// A new leader relationship starts out of sync and records the leader's commit
// index as the floor. The follower is back in sync once its own commit index
// reaches the floor, and only falls out again on a leader change or when it lags
// behind by more than the threshold.
type SyncStatusTracker struct {
	id        raft.PeerID
	threshold int64
	notify    func(inSync bool)
	logger    logging.Logger

	hasLeader          bool
	leaderID           raft.PeerID
	minimumCommitIndex int64

	status syncStatus
}

func NewSyncStatusTracker(id raft.PeerID, threshold int64, notify func(inSync bool), logger logging.Logger) *SyncStatusTracker {
	if logger == nil {
		logger = logging.NewNop()
	}

	return &SyncStatusTracker{
		id:        id,
		threshold: threshold,
		notify:    notify,
		logger:    logger,
	}
}

func (t *SyncStatusTracker) Update(leaderID raft.PeerID, leaderCommit, ownCommit int64) {
	if !t.hasLeader || t.leaderID != leaderID {
		t.logger.Debug("sync leader changed, need to catch up",
			"node", t.id, "leader", leaderID, "minimumCommitIndex", leaderCommit)

		t.hasLeader = true
		t.leaderID = leaderID
		t.minimumCommitIndex = leaderCommit
		t.change(syncOut)
		return
	}

	var lag = leaderCommit - ownCommit
	if lag > t.threshold {
		t.logger.Debug("follower lagging behind leader",
			"node", t.id, "leader", leaderID, "lag", lag, "threshold", t.threshold)
		t.change(syncOut)
		return
	}

	if ownCommit >= t.minimumCommitIndex {
		t.change(syncIn)
	}
}

func (t *SyncStatusTracker) InSync() bool {
	return t.status == syncIn
}

func (t *SyncStatusTracker) change(status syncStatus) {
	if status == t.status {
		return
	}

	t.status = status
	t.logger.Info("follower sync status changed", "node", t.id, "inSync", status == syncIn)

	if t.notify != nil {
		t.notify(status == syncIn)
	}
}
