package storage

import raft "github.com/Konstantsiy/raft-replication"

// MemoryLog keeps log entries in memory. Entries up to snapshotIndex were
// compacted and only their last index/term is remembered.
type MemoryLog struct {
	entries []raft.LogEntry

	snapshotIndex int64
	snapshotTerm  int64

	commitIndex int64
	lastApplied int64
}

func NewMemoryLog() *MemoryLog {
	return &MemoryLog{
		snapshotIndex: raft.NoIndex,
		snapshotTerm:  raft.NoIndex,
		commitIndex:   raft.NoIndex,
		lastApplied:   raft.NoIndex,
	}
}

// offset of index in entries, -1 if it isn't there
func (l *MemoryLog) offset(index int64) int {
	var i = index - l.snapshotIndex - 1
	if i < 0 || i >= int64(len(l.entries)) {
		return -1
	}
	return int(i)
}

func (l *MemoryLog) Get(index int64) (raft.LogEntry, bool) {
	var i = l.offset(index)
	if i < 0 {
		return raft.LogEntry{}, false
	}
	return l.entries[i], true
}

func (l *MemoryLog) From(index int64, maxEntries int, maxBytes int) []raft.LogEntry {
	var start = l.offset(index)
	if start < 0 {
		return nil
	}

	var (
		res  []raft.LogEntry
		size int
	)

	for i := start; i < len(l.entries) && len(res) < maxEntries; i++ {
		var entrySize = l.entries[i].Size()
		// the first entry goes in even if it's too big on its own
		if len(res) > 0 && size+entrySize > maxBytes {
			break
		}

		res = append(res, l.entries[i])
		size += entrySize
	}

	return res
}

func (l *MemoryLog) IsPresent(index int64) bool {
	return l.offset(index) >= 0
}

func (l *MemoryLog) IsInSnapshot(index int64) bool {
	return index >= 0 && index <= l.snapshotIndex
}

func (l *MemoryLog) LastIndex() int64 {
	if len(l.entries) == 0 {
		return l.snapshotIndex
	}
	return l.entries[len(l.entries)-1].Index
}

func (l *MemoryLog) LastTerm() int64 {
	if len(l.entries) == 0 {
		return l.snapshotTerm
	}
	return l.entries[len(l.entries)-1].Term
}

func (l *MemoryLog) Size() int {
	return len(l.entries)
}

func (l *MemoryLog) SnapshotIndex() int64 { return l.snapshotIndex }
func (l *MemoryLog) SnapshotTerm() int64 { return l.snapshotTerm }
func (l *MemoryLog) CommitIndex() int64 { return l.commitIndex }
func (l *MemoryLog) SetCommitIndex(index int64) { l.commitIndex = index }
func (l *MemoryLog) LastApplied() int64 { return l.lastApplied }
func (l *MemoryLog) SetLastApplied(index int64) { l.lastApplied = index }

func (l *MemoryLog) Append(entry raft.LogEntry) bool {
	if entry.Index != l.LastIndex()+1 {
		return false
	}

	l.entries = append(l.entries, entry)
	return true
}

// MarkPersisted clears PersistencePending of the entry at index.
func (l *MemoryLog) MarkPersisted(index int64) bool {
	var i = l.offset(index)
	if i < 0 {
		return false
	}

	l.entries[i].PersistencePending = false
	return true
}

func (l *MemoryLog) TrimThrough(index int64) bool {
	var i = l.offset(index)
	if i < 0 {
		return false
	}

	var last = l.entries[i]

	// copy so the dropped entries can be collected
	var rest = make([]raft.LogEntry, len(l.entries)-i-1)
	copy(rest, l.entries[i+1:])

	l.entries = rest
	l.snapshotIndex = last.Index
	l.snapshotTerm = last.Term

	return true
}

// RemoveFrom drops the entry at index and everything after it. Compacted entries
// can't be removed.
func (l *MemoryLog) RemoveFrom(index int64) bool {
	var i = l.offset(index)
	if i < 0 {
		return false
	}

	l.entries = l.entries[:i]
	return true
}

// ResetToSnapshot replaces the whole log with a snapshot ending at index/term.
func (l *MemoryLog) ResetToSnapshot(index, term int64) {
	l.entries = nil
	l.snapshotIndex = index
	l.snapshotTerm = term
	l.commitIndex = index
	l.lastApplied = index
}

// Entries returns a copy of the entries still in memory.
func (l *MemoryLog) Entries() []raft.LogEntry {
	var res = make([]raft.LogEntry, len(l.entries))
	copy(res, l.entries)
	return res
}
