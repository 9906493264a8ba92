package raft_replication

import (
	"bytes"
	"hash/crc32"
	"io"
)

// NoChunkHash is the previous-chunk hash before the first chunk was accepted.
const NoChunkHash int64 = -1

// HashChunk is the chunk checksum both sides of a snapshot transfer agree on.
func HashChunk(chunk []byte) int64 {
	return int64(crc32.ChecksumIEEE(chunk))
}

type Snapshot struct {
	LastIncludedIndex int64
	LastIncludedTerm  int64
	ServerConfig      []PeerInfo
	Data              ByteSource
}

// ByteSource is a reusable, re-openable view over snapshot bytes.
type ByteSource interface {
	Size() int64
	Open() (io.ReadCloser, error)
}

// BytesSource is a ByteSource backed by a byte slice.
type BytesSource []byte

func (b BytesSource) Size() int64 {
	return int64(len(b))
}

func (b BytesSource) Open() (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(b)), nil
}
