package state_machine

import (
	"encoding/binary"

	"github.com/cockroachdb/errors"
)

type CmdKind uint8

const (
	CmdSet CmdKind = iota
	CmdGet
	CmdDelete
)

func (k CmdKind) String() string {
	switch k {
	case CmdSet:
		return "set"
	case CmdGet:
		return "get"
	case CmdDelete:
		return "delete"
	default:
		return "unknown"
	}
}

const (
	maxKeyLen   = 1024
	maxValueLen = 1024 * 1024
)

type Command struct {
	Kind  CmdKind `json:"kind"`
	Key   string  `json:"key"`
	Value string  `json:"value,omitempty"`
}

// DecodeCommand decodes a command from a byte slice
/*
	command itself is encoded in bytes as follows:
	[0]                                - cmdKind
	[1..5]                             - keyLen, uint32
	[5..5+keyLen]                      - key
	[5+keyLen..5+keyLen+4]             - valueLen, uint32, SET only
	[5+keyLen+4 - 5+keyLen+4+valueLen] - value, SET only
*/
func DecodeCommand(msg []byte) (Command, error) {
	var cmd Command

	// minimum length is 5 bytes (1 byte for cmdKind and 4 bytes for keyLen)
	if len(msg) < 5 {
		return cmd, errors.Newf("command too short: %d bytes", len(msg))
	}

	cmd.Kind = CmdKind(msg[0])
	if cmd.Kind > CmdDelete {
		return cmd, errors.Newf("unsupported command kind: %d", cmd.Kind)
	}

	var keyLen = int(binary.BigEndian.Uint32(msg[1:5]))
	if keyLen <= 0 || keyLen > maxKeyLen {
		return cmd, errors.Newf("invalid key length: %d", keyLen)
	}
	if len(msg) < 5+keyLen {
		return cmd, errors.Newf("incomplete message for key: need %d, got %d", 5+keyLen, len(msg))
	}

	cmd.Key = string(msg[5 : 5+keyLen])

	if cmd.Kind == CmdSet {
		var valueOffset = 5 + keyLen
		if len(msg) < valueOffset+4 {
			return cmd, errors.New("message too short for value length")
		}

		var valueLen = int(binary.BigEndian.Uint32(msg[valueOffset : valueOffset+4]))
		if valueLen < 0 || valueLen > maxValueLen {
			return cmd, errors.Newf("invalid value length: %d", valueLen)
		}
		if len(msg) < valueOffset+4+valueLen {
			return cmd, errors.Newf("incomplete message for value: need %d, got %d", valueOffset+4+valueLen, len(msg))
		}

		cmd.Value = string(msg[valueOffset+4 : valueOffset+4+valueLen])
	}

	return cmd, nil
}

// EncodeCommand is the inverse of DecodeCommand
func EncodeCommand(cmd Command) ([]byte, error) {
	switch cmd.Kind {
	case CmdSet, CmdGet, CmdDelete:
	default:
		return nil, errors.Newf("unsupported command kind: %d", cmd.Kind)
	}

	var keyLen = uint32(len(cmd.Key))
	if keyLen == 0 {
		return nil, errors.New("key cannot be empty")
	}
	if keyLen > maxKeyLen {
		return nil, errors.Newf("key too large: %d bytes", keyLen)
	}

	var valueLen uint32
	if cmd.Kind == CmdSet {
		valueLen = uint32(len(cmd.Value))
		if valueLen == 0 {
			return nil, errors.New("value cannot be empty for SET")
		}
		if valueLen > maxValueLen {
			return nil, errors.Newf("value too large: %d bytes", valueLen)
		}
	}

	var totalMsgLen = 1 + 4 + keyLen
	if cmd.Kind == CmdSet {
		totalMsgLen += 4 + valueLen
	}

	buf := make([]byte, totalMsgLen)
	buf[0] = byte(cmd.Kind)

	binary.BigEndian.PutUint32(buf[1:5], keyLen)
	copy(buf[5:5+keyLen], cmd.Key)

	if cmd.Kind == CmdSet {
		var valOffset = 5 + keyLen
		binary.BigEndian.PutUint32(buf[valOffset:valOffset+4], valueLen)
		copy(buf[valOffset+4:valOffset+4+valueLen], cmd.Value)
	}

	return buf, nil
}
