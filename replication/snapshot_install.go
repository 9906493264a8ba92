package replication

import (
	"io"
	"time"

	"github.com/cockroachdb/errors"

	raft "github.com/Konstantsiy/raft-replication"
)

const (
	initialOffset int64 = -1

	// FirstChunkIndex is the index of the first chunk of every transfer
	FirstChunkIndex = 1

	// InvalidChunkIndex is what a follower replies with when it can't accept the chunk sequence,
	// the leader restarts the transfer from the first chunk
	InvalidChunkIndex = -1
)

// SnapshotInstallSession streams one snapshot to one follower chunk by chunk.
// Only one chunk is in flight at a time. A failed chunk is resent with the same
// index and bytes, a reset starts over from the first chunk.
type SnapshotInstallSession struct {
	chunkSize int64

	source raft.ByteSource
	stream io.ReadCloser
	size   int64

	// offset of the chunk in flight, replyReceivedForOffset of the last acknowledged one
	offset                 int64
	replyReceivedForOffset int64

	// replyStatus is false after a failed send, the next chunk is the same one again
	replyStatus bool

	chunkIndex  int
	totalChunks int

	lastChunkHash int64
	nextChunkHash int64

	currentChunk []byte

	chunkSentAt time.Time
	now         func() time.Time
}

func NewSnapshotInstallSession(chunkSize int, now func() time.Time) *SnapshotInstallSession {
	if now == nil {
		now = time.Now
	}

	return &SnapshotInstallSession{
		chunkSize:              int64(chunkSize),
		offset:                 initialOffset,
		replyReceivedForOffset: initialOffset,
		replyStatus:            true,
		chunkIndex:             FirstChunkIndex - 1,
		lastChunkHash:          raft.NoChunkHash,
		nextChunkHash:          raft.NoChunkHash,
		now:                    now,
	}
}

// SetSnapshot binds the session to the snapshot bytes. It is a no-op once set.
func (s *SnapshotInstallSession) SetSnapshot(source raft.ByteSource) error {
	if s.source != nil {
		return nil
	}

	stream, err := source.Open()
	if err != nil {
		return errors.Wrap(err, "cannot open snapshot bytes")
	}

	s.source = source
	s.stream = stream
	s.size = source.Size()

	s.totalChunks = int(s.size / s.chunkSize)
	if s.size%s.chunkSize > 0 || s.totalChunks == 0 {
		// an empty snapshot is still sent as one empty chunk
		s.totalChunks++
	}

	return nil
}

func (s *SnapshotInstallSession) HasSnapshot() bool {
	return s.source != nil
}

// CanSendNextChunk is false only while a chunk is in flight and not acknowledged.
func (s *SnapshotInstallSession) CanSendNextChunk() bool {
	return s.source != nil &&
		(s.nextChunkHash == raft.NoChunkHash || s.replyReceivedForOffset == s.offset)
}

// NextChunk moves the offset to the next chunk and returns its bytes. After a
// failed send it returns the cached bytes of the failed chunk.
func (s *SnapshotInstallSession) NextChunk() ([]byte, error) {
	if s.stream == nil {
		return nil, errors.New("snapshot stream is not open")
	}

	var start = s.incrementOffset()
	if s.replyStatus || s.currentChunk == nil {
		var size = s.chunkSize
		if s.chunkSize >= s.size {
			size = s.size
		} else if start+s.chunkSize > s.size {
			size = s.size - start
		}

		var chunk = make([]byte, size)
		if n, err := io.ReadFull(s.stream, chunk); err != nil {
			return nil, errors.Wrapf(err, "read %d of %d snapshot bytes at offset %d", n, size, start)
		}

		s.currentChunk = chunk
		s.nextChunkHash = raft.HashChunk(chunk)
	}

	return s.currentChunk, nil
}

func (s *SnapshotInstallSession) incrementOffset() int64 {
	// after the initial value or a reset the first chunk starts at 0
	if s.offset == initialOffset {
		s.offset = 0
	} else {
		s.offset += s.chunkSize
	}
	return s.offset
}

// MarkSendStatus records the follower's answer for the chunk in flight.
func (s *SnapshotInstallSession) MarkSendStatus(success bool) {
	s.replyStatus = success
	if success {
		s.replyReceivedForOffset = s.offset
		s.lastChunkHash = s.nextChunkHash
		return
	}

	// roll back so the same chunk goes out again
	s.offset = s.replyReceivedForOffset
}

// IncrementChunkIndex returns the index to send the current chunk with.
// It only moves forward after a successful send.
func (s *SnapshotInstallSession) IncrementChunkIndex() int {
	if s.replyStatus {
		s.chunkIndex++
	}
	return s.chunkIndex
}

func (s *SnapshotInstallSession) IsLastChunk(index int) bool {
	return index == s.totalChunks
}

// Reset restarts the transfer from the first chunk.
func (s *SnapshotInstallSession) Reset() error {
	s.closeStream()

	s.chunkSentAt = time.Time{}
	s.offset = initialOffset
	s.replyStatus = true
	s.replyReceivedForOffset = initialOffset
	s.chunkIndex = FirstChunkIndex - 1
	s.currentChunk = nil
	s.lastChunkHash = raft.NoChunkHash
	s.nextChunkHash = raft.NoChunkHash

	if s.source == nil {
		return nil
	}

	stream, err := s.source.Open()
	if err != nil {
		return errors.Wrap(err, "cannot reopen snapshot bytes")
	}
	s.stream = stream

	return nil
}

func (s *SnapshotInstallSession) StartChunkTimer() {
	s.chunkSentAt = s.now()
}

func (s *SnapshotInstallSession) ResetChunkTimer() {
	s.chunkSentAt = time.Time{}
}

func (s *SnapshotInstallSession) IsChunkTimedOut(timeout time.Duration) bool {
	return !s.chunkSentAt.IsZero() && s.now().Sub(s.chunkSentAt) > timeout
}

func (s *SnapshotInstallSession) ChunkIndex() int { return s.chunkIndex }
func (s *SnapshotInstallSession) TotalChunks() int { return s.totalChunks }
func (s *SnapshotInstallSession) LastChunkHash() int64 { return s.lastChunkHash }

func (s *SnapshotInstallSession) Close() {
	s.closeStream()
}

func (s *SnapshotInstallSession) closeStream() {
	if s.stream != nil {
		_ = s.stream.Close()
		s.stream = nil
	}
}
