package metadatatest

import (
	"encoding/binary"

	"upgrade-guard/internal/metadata"
)

// CIL opcodes used by fixtures.
const (
	OpNop      = 0x00
	OpLdarg0   = 0x02
	OpLdnull   = 0x14
	OpLdcI4S   = 0x1f
	OpCall     = 0x28
	OpCalli    = 0x29
	OpRet      = 0x2a
	OpPop      = 0x26
	OpBrS      = 0x2b
	OpCallvirt = 0x6f
	OpLdstr    = 0x72
	OpSwitch   = 0x45
	OpPrefix   = 0xfe
)

// Body assembles a CIL method body.
type Body struct {
	code     []byte
	fat      bool
	maxStack uint16
}

// NewBody starts an empty method body.
func NewBody() *Body {
	return &Body{maxStack: 8}
}

// Fat forces a fat method header even for short bodies.
func (b *Body) Fat() *Body {
	b.fat = true

	return b
}

// Raw appends raw bytes.
func (b *Body) Raw(code ...byte) *Body {
	b.code = append(b.code, code...)

	return b
}

func (b *Body) withToken(op byte, token metadata.Token) *Body {
	b.code = append(b.code, op)
	b.code = binary.LittleEndian.AppendUint32(b.code, uint32(token))

	return b
}

// Call appends call <token>.
func (b *Body) Call(token metadata.Token) *Body { return b.withToken(OpCall, token) }

// Callvirt appends callvirt <token>.
func (b *Body) Callvirt(token metadata.Token) *Body { return b.withToken(OpCallvirt, token) }

// Calli appends calli <stand-alone signature token>.
func (b *Body) Calli(token metadata.Token) *Body { return b.withToken(OpCalli, token) }

// Ldstr appends ldstr <user string token>.
func (b *Body) Ldstr(token uint32) *Body {
	return b.withToken(OpLdstr, metadata.Token(0x70000000|token))
}

// Nop appends nop.
func (b *Body) Nop() *Body { return b.Raw(OpNop) }

// Ldarg0 appends ldarg.0.
func (b *Body) Ldarg0() *Body { return b.Raw(OpLdarg0) }

// Ldnull appends ldnull.
func (b *Body) Ldnull() *Body { return b.Raw(OpLdnull) }

// Pop appends pop.
func (b *Body) Pop() *Body { return b.Raw(OpPop) }

// Ret appends ret.
func (b *Body) Ret() *Body { return b.Raw(OpRet) }

// Code returns the CIL bytes assembled so far.
func (b *Body) Code() []byte {
	return append([]byte(nil), b.code...)
}

// encode returns the body with its header.
func (b *Body) encode() []byte {
	if !b.fat && len(b.code) < 64 {
		return append([]byte{byte(len(b.code))<<2 | 0x2}, b.code...)
	}

	header := make([]byte, 12)
	binary.LittleEndian.PutUint16(header, 3<<12|0x3)
	binary.LittleEndian.PutUint16(header[2:], b.maxStack)
	binary.LittleEndian.PutUint32(header[4:], uint32(len(b.code)))

	return append(header, b.code...)
}
