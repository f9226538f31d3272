// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package dispatch

// Operation codes carried in tokens. Request opcodes are the ones the host
// puts into descriptors, command opcodes are the host commands of a tag.
const (
	OpRead  uint8 = 0
	OpWrite uint8 = 1
	OpFlush uint8 = 2

	OpFetch          uint8 = 0x20
	OpCommitAndFetch uint8 = 0x21
)

// Token correlates a ring completion with the tag and the operation which
// produced it. It travels through the ring as the 64 bit user data.
type Token struct {
	Tag     uint16
	Op      uint8
	Attempt uint8
}

// Encode packs the token as tag | op<<16 | attempt<<24.
func (t Token) Encode() uint64 {
	return uint64(t.Tag) | uint64(t.Op)<<16 | uint64(t.Attempt)<<24
}

// DecodeToken is the inverse of Encode. Bits above 32 are ignored.
func DecodeToken(v uint64) Token {
	return Token{
		Tag:     uint16(v),
		Op:      uint8(v >> 16),
		Attempt: uint8(v >> 24),
	}
}

func isCommand(op uint8) bool {
	return op == OpFetch || op == OpCommitAndFetch
}

func opName(op uint8) string {
	switch op {
	case OpRead:
		return "read"
	case OpWrite:
		return "write"
	case OpFlush:
		return "flush"
	case OpFetch:
		return "fetch"
	case OpCommitAndFetch:
		return "commit_and_fetch"
	}

	return "unknown"
}
