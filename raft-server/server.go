package server

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	raft "github.com/Konstantsiy/raft-replication"
	"github.com/Konstantsiy/raft-replication/logging"
	"github.com/Konstantsiy/raft-replication/replication"
	state_machine "github.com/Konstantsiy/raft-replication/state-machine"
	"github.com/Konstantsiy/raft-replication/storage"
)

const inboxSize = 1024

var ErrShutdown = errors.New("server is shut down")

// event is one input of the main loop: a raft message, optionally waiting for a
// reply, or a function that must run on the loop
type event struct {
	msg   raft.Message
	reply chan<- raft.Message
	fn    func()
}

// Server is a replication node. Everything that touches the log, the state
// machine or the replication engine runs on a single goroutine fed by inbox.
type Server struct {
	ID  raft.PeerID
	cfg *Config

	logger logging.Logger

	log    *storage.MemoryLog
	terms  *storage.TermStore
	sm     *state_machine.KV
	spools storage.SpoolFactory

	client    *RaftClient
	slicer    *Slicer
	assembler *Assembler

	inbox        chan event
	shutdownCh   chan struct{} // signal to stop all goroutines
	doneCh       chan struct{}
	shutdownOnce sync.Once
	started      atomic.Bool

	// owned by the main loop
	role        raft.Role
	leader      *replication.Leader
	leaderID    raft.PeerID
	receive     *replication.SnapshotReceiveSession
	syncTracker *replication.SyncStatusTracker
	inSync      bool
	pending     map[uuid.UUID]chan<- error
	capturing   bool

	// health is a copy of the loop state for readers on other goroutines
	mx     sync.RWMutex
	health Health
	err    error
}

func NewServer(cfg *Config, logger logging.Logger) (*Server, error) {
	if logger == nil {
		logger = logging.NewNop()
	}

	var id = raft.PeerID(cfg.Node.ID)

	terms, err := storage.OpenTermStore(id, cfg.Node.DataDir)
	if err != nil {
		return nil, errors.Wrap(err, "cannot open term store")
	}

	var s = &Server{
		ID:     id,
		cfg:    cfg,
		logger: logger.WithFields("node", id),
		log:    storage.NewMemoryLog(),
		terms:  terms,
		sm:     state_machine.New(),
		spools: storage.SpoolFactory{
			Dir:       filepath.Join(cfg.Node.DataDir, "spool"),
			Threshold: cfg.Replication.SpoolMemoryThreshold,
		},
		inbox:      make(chan event, inboxSize),
		shutdownCh: make(chan struct{}),
		doneCh:     make(chan struct{}),
		role:       raft.RoleFollower,
		pending:    make(map[uuid.UUID]chan<- error),
	}

	s.client = NewRaftClient(cfg.GetPeerAddresses(), cfg.Replication.RequestTimeout, s.Deliver, s.logger)
	s.slicer = NewSlicer(s.client, cfg.Replication.MaxMessageSize, cfg.Replication.RequestTimeout, s.Deliver, s.logger)
	s.assembler = NewAssembler(2 * cfg.Replication.ElectionTimeout)
	s.syncTracker = replication.NewSyncStatusTracker(id, cfg.Replication.SyncThreshold, s.onSyncStatus, s.logger)

	s.updateHealth()

	return s, nil
}

// Start runs the main loop. The configured leader takes over right away,
// every other node waits for AppendEntries.
func (s *Server) Start() {
	if !s.started.CompareAndSwap(false, true) {
		return
	}

	s.logger.Info("started", "leader", s.cfg.Cluster.Leader, "term", s.terms.CurrentTerm())

	go s.run()

	if s.cfg.IsLeader() {
		s.submit(s.becomeLeader)
	}
}

func (s *Server) Shutdown() {
	s.shutdownOnce.Do(func() {
		close(s.shutdownCh)

		if !s.started.Load() {
			_ = s.terms.Close()
			close(s.doneCh)
		}
	})

	<-s.doneCh
}

// Err is the fatal error that stopped the node, if any
func (s *Server) Err() error {
	s.mx.RLock()
	defer s.mx.RUnlock()
	return s.err
}

func (s *Server) run() {
	defer close(s.doneCh)

	// main cycle, it waits for events and handles them one by one
	for {
		select {
		case <-s.shutdownCh:
			s.logger.Info("shutdown signal received")
			s.stop()
			return

		case ev := <-s.inbox:
			s.handleEvent(ev)
			s.updateHealth()
		}
	}
}

func (s *Server) stop() {
	if s.leader != nil {
		s.leader.Close()
		s.leader = nil
	}

	if s.receive != nil {
		_ = s.receive.Close()
		s.receive = nil
	}

	s.failPending(ErrShutdown)

	if err := s.terms.Close(); err != nil {
		s.logger.Warn("cannot close term store", "err", err)
	}
}

func (s *Server) handleEvent(ev event) {
	if ev.fn != nil {
		ev.fn()
		return
	}

	switch m := ev.msg.(type) {
	case raft.AppendEntries:
		if s.leader != nil {
			// a higher term demotes us, then the request is handled as a follower
			s.handleLeader(m)
		}
		if s.leader != nil {
			ev.reply <- s.rejectAppendEntries()
			return
		}
		ev.reply <- s.handleAppendEntries(m)

	case raft.InstallSnapshot:
		if s.leader != nil {
			s.handleLeader(m)
		}
		if s.leader != nil {
			ev.reply <- raft.InstallSnapshotReply{FollowerID: s.ID, Term: s.currentTerm(), ChunkIndex: m.ChunkIndex}
			return
		}
		ev.reply <- s.handleInstallSnapshot(m)

	case raft.SnapshotCaptured:
		s.capturing = false
		if s.leader == nil {
			closeSource(m.Snapshot.Data)
			return
		}
		s.handleLeader(m)

	default:
		if s.leader == nil {
			s.logger.Debug("message dropped, not the leader", "message", fmt.Sprintf("%T", m))
			return
		}
		s.handleLeader(m)
	}
}

func (s *Server) handleLeader(msg raft.Message) {
	role, err := s.leader.Handle(msg)
	if err != nil {
		s.fail(err)
		return
	}
	s.setRole(role)
}

func (s *Server) setRole(role raft.Role) {
	if role == s.role {
		return
	}

	s.logger.Info("role changed", "from", s.role, "to", role)

	if role == raft.RoleFollower && s.leader != nil {
		s.leader.Close()
		s.leader = nil
		s.leaderID = 0
		s.failPending(raft.ErrNotLeader)
	}

	s.role = role
}

// fail stops the node after an error it can't continue from
func (s *Server) fail(err error) {
	s.logger.Error("fatal error, stopping node", "err", err)

	s.mx.Lock()
	s.err = err
	s.mx.Unlock()

	s.setRole(raft.RoleFollower)
	go s.Shutdown()
}

func (s *Server) becomeLeader() {
	var term = s.terms.CurrentTerm() + 1
	if err := s.terms.UpdateAndPersist(term, s.ID); err != nil {
		s.fail(errors.Mark(errors.Wrapf(err, "persist term %d", term), raft.ErrTermPersistence))
		return
	}

	leader, err := replication.NewLeader(s.cfg.ReplicationConfig(), term, s.cfg.GetPeers(), replication.Collaborators{
		Log:       s.log,
		Transport: s.client,
		Scheduler: s,
		Terms:     s.terms,
		Applier:   s,
		Slicer:    s.slicer,
		Capturer:  s,
		Logger:    s.logger,
	})
	if err != nil {
		s.fail(err)
		return
	}

	s.leader = leader
	s.leaderID = s.ID
	s.role = raft.RoleLeader
}

func (s *Server) currentTerm() int64 {
	if s.leader != nil {
		return s.leader.Term()
	}
	return s.terms.CurrentTerm()
}

// Deliver queues a message for the main loop. Used for replies, timers and slices.
func (s *Server) Deliver(msg raft.Message) {
	select {
	case s.inbox <- event{msg: msg}:
	case <-s.shutdownCh:
	}
}

func (s *Server) submit(fn func()) bool {
	select {
	case s.inbox <- event{fn: fn}:
		return true
	case <-s.shutdownCh:
		return false
	}
}

// call runs fn on the main loop and waits for it to finish
func (s *Server) call(ctx context.Context, fn func()) error {
	var done = make(chan struct{})

	select {
	case s.inbox <- event{fn: func() { fn(); close(done) }}:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.shutdownCh:
		return ErrShutdown
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.doneCh:
		return ErrShutdown
	}
}

// rpc hands a request to the main loop and waits for its reply
func (s *Server) rpc(ctx context.Context, msg raft.Message) (raft.Message, error) {
	var reply = make(chan raft.Message, 1)

	select {
	case s.inbox <- event{msg: msg, reply: reply}:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.shutdownCh:
		return nil, ErrShutdown
	}

	select {
	case res := <-reply:
		return res, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.doneCh:
		return nil, ErrShutdown
	}
}

// Schedule implements raft.Scheduler with a timer per message
func (s *Server) Schedule(d time.Duration, msg raft.Message) func() {
	var t = time.AfterFunc(d, func() { s.Deliver(msg) })
	return func() { t.Stop() }
}

// ApplyState applies a committed entry on the leader and answers the client waiting for it
func (s *Server) ApplyState(identifier uuid.UUID, entry raft.LogEntry) {
	var err = s.applyEntry(entry)

	if identifier == uuid.Nil {
		return
	}

	if ch, ok := s.pending[identifier]; ok {
		ch <- err
		delete(s.pending, identifier)
	}
}

func (s *Server) applyEntry(entry raft.LogEntry) error {
	if len(entry.Command) == 0 {
		return nil
	}

	if _, err := s.sm.Apply(entry.Command); err != nil {
		s.logger.Warn("cannot apply log entry", "index", entry.Index, "err", err)
		return errors.Wrapf(err, "apply entry %d", entry.Index)
	}
	return nil
}

func (s *Server) failPending(err error) {
	for id, ch := range s.pending {
		ch <- err
		delete(s.pending, id)
	}
}

// CaptureToInstall writes the state machine into a spool right away, the state
// machine only changes on the main loop so it matches lastAppliedIndex. The
// result is delivered as SnapshotCaptured like an asynchronous capture would be.
func (s *Server) CaptureToInstall(lastAppliedIndex, lastAppliedTerm, replicatedToAllIndex int64, follower raft.PeerID) bool {
	if s.capturing {
		return false
	}

	spool, err := s.spools.NewSpool()
	if err != nil {
		s.logger.Error("cannot create snapshot spool", "err", err)
		return false
	}

	if err = s.sm.Snapshot(spool); err != nil {
		_ = spool.Close()
		s.logger.Error("cannot capture snapshot", "err", err)
		return false
	}

	source, err := spool.Seal()
	if err != nil {
		_ = spool.Close()
		s.logger.Error("cannot seal snapshot", "err", err)
		return false
	}

	s.logger.Info("snapshot captured for install", "follower", follower, "lastAppliedIndex", lastAppliedIndex,
		"replicatedToAllIndex", replicatedToAllIndex, "size", source.Size())

	s.capturing = true

	var snapshot = raft.Snapshot{
		LastIncludedIndex: lastAppliedIndex,
		LastIncludedTerm:  lastAppliedTerm,
		ServerConfig:      s.cfg.GetPeers(),
		Data:              source,
	}
	go s.Deliver(raft.SnapshotCaptured{Snapshot: snapshot})

	return true
}

func (s *Server) IsCapturing() bool {
	return s.capturing
}

func (s *Server) onSyncStatus(inSync bool) {
	s.inSync = inSync
}

func closeSource(source raft.ByteSource) {
	if c, ok := source.(interface{ Close() error }); ok {
		_ = c.Close()
	}
}

// AddPeer makes a new member known to the node. On the leader replication to it starts right away.
func (s *Server) AddPeer(ctx context.Context, peer raft.PeerInfo) error {
	if peer.ID == 0 || peer.Address == "" {
		return errors.New("peer id and address are required")
	}

	s.client.SetPeer(peer.ID, peer.Address)

	return s.call(ctx, func() {
		if s.leader != nil {
			s.handleLeader(raft.PeerAdded{Peer: peer})
		}
	})
}

func (s *Server) RemovePeer(ctx context.Context, id raft.PeerID) error {
	if id == s.ID {
		return errors.New("node can't remove itself")
	}

	return s.call(ctx, func() {
		if s.leader != nil {
			s.handleLeader(raft.PeerRemoved{ID: id})
		}
	})
}
