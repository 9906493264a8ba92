package server

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	raft "github.com/Konstantsiy/raft-replication"
	"github.com/Konstantsiy/raft-replication/logging"
)

const DefaultSliceExpiry = 30 * time.Second

// Slice is one piece of an AppendEntries that was too large to send at once.
type Slice struct {
	ID       uuid.UUID   `json:"id"`
	LeaderID raft.PeerID `json:"leaderId"`
	Index    int         `json:"index"` // starting from 0
	Total    int         `json:"total"`
	Data     []byte      `json:"data"`
}

// Slicer splits an encoded AppendEntries into slices of at most maxSize bytes and
// posts them one by one. The follower answers the last slice with its reply.
type Slicer struct {
	client  *RaftClient
	maxSize int
	timeout time.Duration
	deliver func(raft.Message)
	logger  logging.Logger
}

func NewSlicer(client *RaftClient, maxSize int, timeout time.Duration, deliver func(raft.Message), logger logging.Logger) *Slicer {
	return &Slicer{client: client, maxSize: maxSize, timeout: timeout, deliver: deliver, logger: logger}
}

func (s *Slicer) Slice(to raft.PeerID, msg *raft.AppendEntries) error {
	if len(msg.Entries) == 0 {
		return errors.New("nothing to slice")
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, "encode AppendEntries")
	}

	var (
		id    = uuid.New()
		parts = splitData(data, s.maxSize)
		index = msg.Entries[0].Index
	)

	s.logger.Debug("slicing AppendEntries", "to", to, "id", id, "index", index, "size", len(data), "slices", len(parts))

	go s.send(to, msg.LeaderID, id, index, parts)

	return nil
}

func (s *Slicer) send(to, leaderID raft.PeerID, id uuid.UUID, index int64, parts [][]byte) {
	var reply raft.AppendEntriesReply

	for i, part := range parts {
		var resp interface{}
		if i == len(parts)-1 {
			resp = &reply
		}

		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		err := s.client.post(ctx, to, pathSlice, Slice{ID: id, LeaderID: leaderID, Index: i, Total: len(parts), Data: part}, resp)
		cancel()

		if err != nil {
			s.deliver(raft.SliceFailed{FollowerID: to, Index: index, Reason: err.Error()})
			return
		}
	}

	s.deliver(reply)
}

func splitData(data []byte, size int) [][]byte {
	if size <= 0 {
		return [][]byte{data}
	}

	var parts [][]byte
	for len(data) > size {
		parts = append(parts, data[:size])
		data = data[size:]
	}
	return append(parts, data)
}

// Assembler puts slices back together on the follower. Slices of one message
// arrive in order, assemblies that stop receiving slices expire.
type Assembler struct {
	mx         sync.Mutex
	expiry     time.Duration
	now        func() time.Time
	assemblies map[uuid.UUID]*assembly
}

type assembly struct {
	total   int
	buf     bytes.Buffer
	next    int
	updated time.Time
}

func NewAssembler(expiry time.Duration) *Assembler {
	if expiry <= 0 {
		expiry = DefaultSliceExpiry
	}

	return &Assembler{
		expiry:     expiry,
		now:        time.Now,
		assemblies: make(map[uuid.UUID]*assembly),
	}
}

// Add returns the AppendEntries once its last slice arrived, nil before that.
func (a *Assembler) Add(slice Slice) (*raft.AppendEntries, error) {
	a.mx.Lock()
	defer a.mx.Unlock()

	a.expire()

	if slice.Total <= 0 || slice.Index < 0 || slice.Index >= slice.Total {
		return nil, errors.Newf("invalid slice %d of %d", slice.Index, slice.Total)
	}

	var asm, ok = a.assemblies[slice.ID]
	if !ok {
		if slice.Index != 0 {
			return nil, errors.Newf("slice %d of unknown message %s", slice.Index, slice.ID)
		}
		asm = &assembly{total: slice.Total}
		a.assemblies[slice.ID] = asm
	}

	if slice.Index != asm.next || slice.Total != asm.total {
		delete(a.assemblies, slice.ID)
		return nil, errors.Newf("unexpected slice %d of %d for message %s, expected %d of %d",
			slice.Index, slice.Total, slice.ID, asm.next, asm.total)
	}

	asm.buf.Write(slice.Data)
	asm.next++
	asm.updated = a.now()

	if asm.next < asm.total {
		return nil, nil
	}

	delete(a.assemblies, slice.ID)

	var msg raft.AppendEntries
	if err := json.Unmarshal(asm.buf.Bytes(), &msg); err != nil {
		return nil, errors.Wrapf(err, "decode sliced message %s", slice.ID)
	}

	return &msg, nil
}

// Pending is the number of incomplete messages
func (a *Assembler) Pending() int {
	a.mx.Lock()
	defer a.mx.Unlock()
	return len(a.assemblies)
}

func (a *Assembler) expire() {
	var now = a.now()
	for id, asm := range a.assemblies {
		if now.Sub(asm.updated) > a.expiry {
			delete(a.assemblies, id)
		}
	}
}
