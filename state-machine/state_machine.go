package state_machine

import (
	"bufio"
	"encoding/binary"
	"io"
	"sort"
	"sync"

	"github.com/cockroachdb/errors"
)

var ErrKeyNotFound = errors.New("key not found")

// KV is a simple in-memory key-value state machine.
// Apply is called from the replication loop, Get and Snapshot from anywhere.
type KV struct {
	mx sync.RWMutex
	db map[string]string

	applied int64
}

func New() *KV {
	return &KV{db: make(map[string]string)}
}

func (sm *KV) Apply(msg []byte) ([]byte, error) {
	var cmd, err = DecodeCommand(msg)
	if err != nil {
		return nil, err
	}

	switch cmd.Kind {
	case CmdSet:
		sm.mx.Lock()
		sm.db[cmd.Key] = cmd.Value
		sm.applied++
		sm.mx.Unlock()

	case CmdDelete:
		sm.mx.Lock()
		delete(sm.db, cmd.Key)
		sm.applied++
		sm.mx.Unlock()

	case CmdGet:
		var value, ok = sm.Get(cmd.Key)
		if !ok {
			return nil, errors.Wrapf(ErrKeyNotFound, "%s", cmd.Key)
		}
		return []byte(value), nil
	}

	return nil, nil
}

func (sm *KV) Get(key string) (string, bool) {
	sm.mx.RLock()
	defer sm.mx.RUnlock()

	var value, ok = sm.db[key]
	return value, ok
}

func (sm *KV) Len() int {
	sm.mx.RLock()
	defer sm.mx.RUnlock()
	return len(sm.db)
}

// Applied is the number of mutating commands applied since start or the last restore
func (sm *KV) Applied() int64 {
	sm.mx.RLock()
	defer sm.mx.RUnlock()
	return sm.applied
}

// Snapshot writes every key in sorted order
/*
	[0..4]   - number of keys, uint32
	then per key:
	[0..4]   - keyLen, uint32
	[..]     - key
	[..+4]   - valueLen, uint32
	[..]     - value
*/
func (sm *KV) Snapshot(w io.Writer) error {
	sm.mx.RLock()
	defer sm.mx.RUnlock()

	var keys = make([]string, 0, len(sm.db))
	for k := range sm.db {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var bw = bufio.NewWriter(w)
	var lenBuf [4]byte

	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(keys)))
	if _, err := bw.Write(lenBuf[:]); err != nil {
		return errors.Wrap(err, "write key count")
	}

	for _, k := range keys {
		for _, s := range []string{k, sm.db[k]} {
			binary.BigEndian.PutUint32(lenBuf[:], uint32(len(s)))
			if _, err := bw.Write(lenBuf[:]); err != nil {
				return errors.Wrapf(err, "write key %q", k)
			}
			if _, err := bw.WriteString(s); err != nil {
				return errors.Wrapf(err, "write key %q", k)
			}
		}
	}

	return errors.Wrap(bw.Flush(), "flush snapshot")
}

// Restore replaces the whole state with a snapshot written by Snapshot
func (sm *KV) Restore(r io.Reader) error {
	var br = bufio.NewReader(r)

	var count, err = readUint32(br)
	if err != nil {
		return errors.Wrap(err, "read key count")
	}

	var db = make(map[string]string, count)
	for i := uint32(0); i < count; i++ {
		key, err := readString(br, maxKeyLen)
		if err != nil {
			return errors.Wrapf(err, "read key %d of %d", i+1, count)
		}

		value, err := readString(br, maxValueLen)
		if err != nil {
			return errors.Wrapf(err, "read value of %q", key)
		}

		db[key] = value
	}

	sm.mx.Lock()
	sm.db = db
	sm.applied = 0
	sm.mx.Unlock()

	return nil
}

func readUint32(r io.Reader) (uint32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(buf[:]), nil
}

func readString(r io.Reader, limit int) (string, error) {
	var n, err = readUint32(r)
	if err != nil {
		return "", err
	}
	if int(n) > limit {
		return "", errors.Newf("length %d exceeds limit %d", n, limit)
	}

	var buf = make([]byte, n)
	if _, err = io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}
