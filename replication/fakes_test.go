package replication

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	raft "github.com/Konstantsiy/raft-replication"
	"github.com/Konstantsiy/raft-replication/storage"
)

type sentMessage struct {
	to  raft.PeerID
	msg raft.Message
}

type fakeTransport struct {
	sent []sentMessage
}

func (f *fakeTransport) Send(to raft.PeerID, msg raft.Message) {
	f.sent = append(f.sent, sentMessage{to: to, msg: msg})
}

func (f *fakeTransport) reset() {
	f.sent = nil
}

func (f *fakeTransport) appendEntries(to raft.PeerID) []raft.AppendEntries {
	var res []raft.AppendEntries
	for _, s := range f.sent {
		if ae, ok := s.msg.(raft.AppendEntries); ok && s.to == to {
			res = append(res, ae)
		}
	}
	return res
}

func (f *fakeTransport) installSnapshots(to raft.PeerID) []raft.InstallSnapshot {
	var res []raft.InstallSnapshot
	for _, s := range f.sent {
		if is, ok := s.msg.(raft.InstallSnapshot); ok && s.to == to {
			res = append(res, is)
		}
	}
	return res
}

type fakeScheduler struct {
	scheduled []raft.Message
	cancelled int
}

func (f *fakeScheduler) Schedule(_ time.Duration, msg raft.Message) func() {
	f.scheduled = append(f.scheduled, msg)
	return func() { f.cancelled++ }
}

type fakeTermStore struct {
	term     int64
	votedFor raft.PeerID
	err      error
}

func (f *fakeTermStore) CurrentTerm() int64 { return f.term }
func (f *fakeTermStore) VotedFor() raft.PeerID { return f.votedFor }

func (f *fakeTermStore) UpdateAndPersist(term int64, votedFor raft.PeerID) error {
	if f.err != nil {
		return f.err
	}
	f.term, f.votedFor = term, votedFor
	return nil
}

type fakeApplier struct {
	applied     []raft.LogEntry
	identifiers []uuid.UUID
}

func (f *fakeApplier) ApplyState(identifier uuid.UUID, entry raft.LogEntry) {
	f.applied = append(f.applied, entry)
	f.identifiers = append(f.identifiers, identifier)
}

type fakeCapturer struct {
	capturing bool
	requests  []raft.PeerID
}

func (f *fakeCapturer) CaptureToInstall(_, _, _ int64, follower raft.PeerID) bool {
	if f.capturing {
		return false
	}
	f.capturing = true
	f.requests = append(f.requests, follower)
	return true
}

func (f *fakeCapturer) IsCapturing() bool { return f.capturing }

type fakeSlicer struct {
	sliced []*raft.AppendEntries
	err    error
}

func (f *fakeSlicer) Slice(_ raft.PeerID, msg *raft.AppendEntries) error {
	if f.err != nil {
		return f.err
	}
	f.sliced = append(f.sliced, msg)
	return nil
}

type fakeClock struct {
	t time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) now() time.Time { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

var testConfig = Config{
	ID:                1,
	LeaderAddress:     "leader:8000",
	HeartbeatInterval: 100 * time.Millisecond,
	ElectionTimeout:   time.Second,
	SnapshotChunkSize: 4,
	MaxMessageSize:    100,
}

type testLeader struct {
	*Leader
	log       *storage.MemoryLog
	transport *fakeTransport
	scheduler *fakeScheduler
	terms     *fakeTermStore
	applier   *fakeApplier
	capturer  *fakeCapturer
	slicer    *fakeSlicer
	clock     *fakeClock
}

type leaderSetup struct {
	term        int64
	logTerms    []int64 // term of each entry, index = position
	commitIndex int64
	peers       []raft.PeerInfo
	cfg         *Config
}

func voting(ids ...raft.PeerID) []raft.PeerInfo {
	var res []raft.PeerInfo
	for _, id := range ids {
		res = append(res, raft.PeerInfo{ID: id, VotingState: raft.Voting})
	}
	return res
}

func newTestLeader(t *testing.T, setup leaderSetup) *testLeader {
	var tl = &testLeader{
		log:       storage.NewMemoryLog(),
		transport: &fakeTransport{},
		scheduler: &fakeScheduler{},
		terms:     &fakeTermStore{term: setup.term},
		applier:   &fakeApplier{},
		capturer:  &fakeCapturer{},
		slicer:    &fakeSlicer{},
		clock:     newFakeClock(),
	}

	for i, term := range setup.logTerms {
		require.True(t, tl.log.Append(raft.LogEntry{Index: int64(i), Term: term, Command: []byte{byte(i)}}))
	}
	tl.log.SetCommitIndex(setup.commitIndex)
	tl.log.SetLastApplied(setup.commitIndex)

	var cfg = testConfig
	if setup.cfg != nil {
		cfg = *setup.cfg
	}

	leader, err := NewLeader(cfg, setup.term, setup.peers, Collaborators{
		Log:       tl.log,
		Transport: tl.transport,
		Scheduler: tl.scheduler,
		Terms:     tl.terms,
		Applier:   tl.applier,
		Slicer:    tl.slicer,
		Capturer:  tl.capturer,
		Now:       tl.clock.now,
	})
	require.NoError(t, err)

	tl.Leader = leader
	return tl
}

func (tl *testLeader) handle(t *testing.T, msg raft.Message) raft.Role {
	role, err := tl.Handle(msg)
	require.NoError(t, err)
	return role
}

func (tl *testLeader) progress(t *testing.T, id raft.PeerID) *FollowerProgress {
	var p, ok = tl.followers[id]
	require.True(t, ok)
	return p
}

func successReply(from raft.PeerID, term, lastIndex, lastTerm int64) raft.AppendEntriesReply {
	return raft.AppendEntriesReply{
		FollowerID:   from,
		Term:         term,
		Success:      true,
		LastLogIndex: lastIndex,
		LastLogTerm:  lastTerm,
		RaftVersion:  raft.CurrentRaftVersion,
	}
}

func failureReply(from raft.PeerID, term, lastIndex, lastTerm int64) raft.AppendEntriesReply {
	var reply = successReply(from, term, lastIndex, lastTerm)
	reply.Success = false
	return reply
}
