package replication

import raft "github.com/Konstantsiy/raft-replication"

// TrimLog drops log entries up to desired, but always keeps the last applied entry
// and everything after it. It returns the index the log is known to be replicated
// to, -1 when nothing qualifies.
func TrimLog(log raft.ReplicatedLog, desired int64) int64 {
	var lastApplied = log.LastApplied()

	var keepFrom = raft.NoIndex
	if lastApplied > raft.NoIndex {
		keepFrom = lastApplied - 1
	}

	var index = desired
	if keepFrom < index {
		index = keepFrom
	}

	if index <= raft.NoIndex {
		return raft.NoIndex
	}

	if log.IsPresent(index) {
		log.TrimThrough(index)
	}

	// either trimmed now or compacted earlier
	return index
}
