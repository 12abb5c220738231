package il

import (
	"encoding/binary"

	"github.com/juju/errors"

	"upgrade-guard/internal/metadata"
)

// Instruction is one decoded CIL instruction.
type Instruction struct {
	Offset  int
	OpCode  OpCode
	Operand []byte // raw little-endian operand; switch targets included
}

// Token returns the metadata token operand; zero for other operand kinds.
func (in Instruction) Token() metadata.Token {
	if !in.OpCode.OperandKind().IsToken() || len(in.Operand) < 4 {
		return 0
	}

	return metadata.Token(binary.LittleEndian.Uint32(in.Operand))
}

// IsCall returns true for call, callvirt and calli.
func (in Instruction) IsCall() bool {
	switch in.OpCode {
	case OpCall, OpCallvirt, OpCalli:
		return true
	default:
		return false
	}
}

// switchTargets returns the branch offsets of a switch, relative to the
// next instruction.
func (in Instruction) switchTargets() []int32 {
	if in.OpCode.OperandKind() != InlineSwitch || len(in.Operand) < 4 {
		return nil
	}

	targets := make([]int32, 0, (len(in.Operand)-4)/4)
	for off := 4; off+4 <= len(in.Operand); off += 4 {
		targets = append(targets, int32(binary.LittleEndian.Uint32(in.Operand[off:])))
	}

	return targets
}

func (in Instruction) String() string {
	return in.OpCode.String()
}

// Decode splits a method body into instructions. Unknown opcodes, truncated
// operands and switch targets outside the body are reported as
// metadata.ErrMalformedBody.
func Decode(code []byte) ([]Instruction, error) {
	var out []Instruction

	for pos := 0; pos < len(code); {
		start := pos

		op := OpCode(code[pos])
		pos++

		if byte(op) == prefix {
			if pos >= len(code) {
				return nil, errors.Annotatef(metadata.ErrMalformedBody, "prefix byte at end of body (offset %d)", start)
			}

			op = OpCode(prefix)<<8 | OpCode(code[pos])
			pos++
		}

		info, ok := op.info()
		if !ok {
			return nil, errors.Annotatef(metadata.ErrMalformedBody, "unknown %s at offset %d", op, start)
		}

		size := info.operand.Size()
		if info.operand == InlineSwitch && pos+4 <= len(code) {
			size += 4 * int(binary.LittleEndian.Uint32(code[pos:]))
		}

		if size < 0 || pos+size > len(code) {
			return nil, errors.Annotatef(metadata.ErrMalformedBody, "truncated %s operand at offset %d", info.name, start)
		}

		in := Instruction{Offset: start, OpCode: op, Operand: code[pos : pos+size]}
		pos += size

		for _, target := range in.switchTargets() {
			if abs := int64(pos) + int64(target); abs < 0 || abs >= int64(len(code)) {
				return nil, errors.Annotatef(metadata.ErrMalformedBody, "switch target %d out of range at offset %d", target, start)
			}
		}

		out = append(out, in)
	}

	return out, nil
}
