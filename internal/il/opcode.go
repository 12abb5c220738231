package il

import (
	"fmt"
)

//go:generate go tool stringer -type=OperandKind -output=operandkind_string.go

// OperandKind describes the inline operand that follows an opcode.
type OperandKind int

const (
	InlineNone OperandKind = iota
	ShortInlineVar
	InlineVar
	ShortInlineI
	InlineI
	InlineI8
	ShortInlineR
	InlineR
	ShortInlineBrTarget
	InlineBrTarget
	InlineSwitch // uint32 count followed by count int32 targets
	InlineMethod
	InlineField
	InlineType
	InlineString
	InlineSig
	InlineTok
)

// Size returns the operand size in bytes. InlineSwitch reports the size of
// its count only; the targets follow.
func (k OperandKind) Size() int {
	switch k {
	case InlineNone:
		return 0
	case ShortInlineVar, ShortInlineI, ShortInlineBrTarget:
		return 1
	case InlineVar:
		return 2
	case InlineI8, InlineR:
		return 8
	default:
		return 4
	}
}

// IsToken returns true for operands holding a metadata token.
func (k OperandKind) IsToken() bool {
	switch k {
	case InlineMethod, InlineField, InlineType, InlineString, InlineSig, InlineTok:
		return true
	default:
		return false
	}
}

// OpCode is a CIL opcode. Two-byte opcodes keep the 0xFE prefix in the high byte.
type OpCode uint16

const (
	OpCall     OpCode = 0x28
	OpCalli    OpCode = 0x29
	OpCallvirt OpCode = 0x6f
	OpNewobj   OpCode = 0x73

	prefix byte = 0xfe
)

type opInfo struct {
	name    string
	operand OperandKind
}

func (op OpCode) info() (opInfo, bool) {
	var info opInfo

	switch {
	case op <= 0xff:
		info = oneByte[op]
	case op>>8 == OpCode(prefix):
		info = twoByte[op&0xff]
	}

	return info, info.name != ""
}

// Name returns the assembler mnemonic, e.g. "callvirt".
func (op OpCode) Name() string {
	info, _ := op.info()

	return info.name
}

// OperandKind returns the kind of operand that follows the opcode.
func (op OpCode) OperandKind() OperandKind {
	info, _ := op.info()

	return info.operand
}

func (op OpCode) String() string {
	if info, ok := op.info(); ok {
		return info.name
	}

	return fmt.Sprintf("opcode(0x%x)", uint16(op))
}

// oneByte lists the single-byte opcodes (ECMA-335 III).
var oneByte = [256]opInfo{
	0x00: {"nop", InlineNone},
	0x01: {"break", InlineNone},
	0x02: {"ldarg.0", InlineNone},
	0x03: {"ldarg.1", InlineNone},
	0x04: {"ldarg.2", InlineNone},
	0x05: {"ldarg.3", InlineNone},
	0x06: {"ldloc.0", InlineNone},
	0x07: {"ldloc.1", InlineNone},
	0x08: {"ldloc.2", InlineNone},
	0x09: {"ldloc.3", InlineNone},
	0x0a: {"stloc.0", InlineNone},
	0x0b: {"stloc.1", InlineNone},
	0x0c: {"stloc.2", InlineNone},
	0x0d: {"stloc.3", InlineNone},
	0x0e: {"ldarg.s", ShortInlineVar},
	0x0f: {"ldarga.s", ShortInlineVar},
	0x10: {"starg.s", ShortInlineVar},
	0x11: {"ldloc.s", ShortInlineVar},
	0x12: {"ldloca.s", ShortInlineVar},
	0x13: {"stloc.s", ShortInlineVar},
	0x14: {"ldnull", InlineNone},
	0x15: {"ldc.i4.m1", InlineNone},
	0x16: {"ldc.i4.0", InlineNone},
	0x17: {"ldc.i4.1", InlineNone},
	0x18: {"ldc.i4.2", InlineNone},
	0x19: {"ldc.i4.3", InlineNone},
	0x1a: {"ldc.i4.4", InlineNone},
	0x1b: {"ldc.i4.5", InlineNone},
	0x1c: {"ldc.i4.6", InlineNone},
	0x1d: {"ldc.i4.7", InlineNone},
	0x1e: {"ldc.i4.8", InlineNone},
	0x1f: {"ldc.i4.s", ShortInlineI},
	0x20: {"ldc.i4", InlineI},
	0x21: {"ldc.i8", InlineI8},
	0x22: {"ldc.r4", ShortInlineR},
	0x23: {"ldc.r8", InlineR},
	0x25: {"dup", InlineNone},
	0x26: {"pop", InlineNone},
	0x27: {"jmp", InlineMethod},
	0x28: {"call", InlineMethod},
	0x29: {"calli", InlineSig},
	0x2a: {"ret", InlineNone},
	0x2b: {"br.s", ShortInlineBrTarget},
	0x2c: {"brfalse.s", ShortInlineBrTarget},
	0x2d: {"brtrue.s", ShortInlineBrTarget},
	0x2e: {"beq.s", ShortInlineBrTarget},
	0x2f: {"bge.s", ShortInlineBrTarget},
	0x30: {"bgt.s", ShortInlineBrTarget},
	0x31: {"ble.s", ShortInlineBrTarget},
	0x32: {"blt.s", ShortInlineBrTarget},
	0x33: {"bne.un.s", ShortInlineBrTarget},
	0x34: {"bge.un.s", ShortInlineBrTarget},
	0x35: {"bgt.un.s", ShortInlineBrTarget},
	0x36: {"ble.un.s", ShortInlineBrTarget},
	0x37: {"blt.un.s", ShortInlineBrTarget},
	0x38: {"br", InlineBrTarget},
	0x39: {"brfalse", InlineBrTarget},
	0x3a: {"brtrue", InlineBrTarget},
	0x3b: {"beq", InlineBrTarget},
	0x3c: {"bge", InlineBrTarget},
	0x3d: {"bgt", InlineBrTarget},
	0x3e: {"ble", InlineBrTarget},
	0x3f: {"blt", InlineBrTarget},
	0x40: {"bne.un", InlineBrTarget},
	0x41: {"bge.un", InlineBrTarget},
	0x42: {"bgt.un", InlineBrTarget},
	0x43: {"ble.un", InlineBrTarget},
	0x44: {"blt.un", InlineBrTarget},
	0x45: {"switch", InlineSwitch},
	0x46: {"ldind.i1", InlineNone},
	0x47: {"ldind.u1", InlineNone},
	0x48: {"ldind.i2", InlineNone},
	0x49: {"ldind.u2", InlineNone},
	0x4a: {"ldind.i4", InlineNone},
	0x4b: {"ldind.u4", InlineNone},
	0x4c: {"ldind.i8", InlineNone},
	0x4d: {"ldind.i", InlineNone},
	0x4e: {"ldind.r4", InlineNone},
	0x4f: {"ldind.r8", InlineNone},
	0x50: {"ldind.ref", InlineNone},
	0x51: {"stind.ref", InlineNone},
	0x52: {"stind.i1", InlineNone},
	0x53: {"stind.i2", InlineNone},
	0x54: {"stind.i4", InlineNone},
	0x55: {"stind.i8", InlineNone},
	0x56: {"stind.r4", InlineNone},
	0x57: {"stind.r8", InlineNone},
	0x58: {"add", InlineNone},
	0x59: {"sub", InlineNone},
	0x5a: {"mul", InlineNone},
	0x5b: {"div", InlineNone},
	0x5c: {"div.un", InlineNone},
	0x5d: {"rem", InlineNone},
	0x5e: {"rem.un", InlineNone},
	0x5f: {"and", InlineNone},
	0x60: {"or", InlineNone},
	0x61: {"xor", InlineNone},
	0x62: {"shl", InlineNone},
	0x63: {"shr", InlineNone},
	0x64: {"shr.un", InlineNone},
	0x65: {"neg", InlineNone},
	0x66: {"not", InlineNone},
	0x67: {"conv.i1", InlineNone},
	0x68: {"conv.i2", InlineNone},
	0x69: {"conv.i4", InlineNone},
	0x6a: {"conv.i8", InlineNone},
	0x6b: {"conv.r4", InlineNone},
	0x6c: {"conv.r8", InlineNone},
	0x6d: {"conv.u4", InlineNone},
	0x6e: {"conv.u8", InlineNone},
	0x6f: {"callvirt", InlineMethod},
	0x70: {"cpobj", InlineType},
	0x71: {"ldobj", InlineType},
	0x72: {"ldstr", InlineString},
	0x73: {"newobj", InlineMethod},
	0x74: {"castclass", InlineType},
	0x75: {"isinst", InlineType},
	0x76: {"conv.r.un", InlineNone},
	0x79: {"unbox", InlineType},
	0x7a: {"throw", InlineNone},
	0x7b: {"ldfld", InlineField},
	0x7c: {"ldflda", InlineField},
	0x7d: {"stfld", InlineField},
	0x7e: {"ldsfld", InlineField},
	0x7f: {"ldsflda", InlineField},
	0x80: {"stsfld", InlineField},
	0x81: {"stobj", InlineType},
	0x82: {"conv.ovf.i1.un", InlineNone},
	0x83: {"conv.ovf.i2.un", InlineNone},
	0x84: {"conv.ovf.i4.un", InlineNone},
	0x85: {"conv.ovf.i8.un", InlineNone},
	0x86: {"conv.ovf.u1.un", InlineNone},
	0x87: {"conv.ovf.u2.un", InlineNone},
	0x88: {"conv.ovf.u4.un", InlineNone},
	0x89: {"conv.ovf.u8.un", InlineNone},
	0x8a: {"conv.ovf.i.un", InlineNone},
	0x8b: {"conv.ovf.u.un", InlineNone},
	0x8c: {"box", InlineType},
	0x8d: {"newarr", InlineType},
	0x8e: {"ldlen", InlineNone},
	0x8f: {"ldelema", InlineType},
	0x90: {"ldelem.i1", InlineNone},
	0x91: {"ldelem.u1", InlineNone},
	0x92: {"ldelem.i2", InlineNone},
	0x93: {"ldelem.u2", InlineNone},
	0x94: {"ldelem.i4", InlineNone},
	0x95: {"ldelem.u4", InlineNone},
	0x96: {"ldelem.i8", InlineNone},
	0x97: {"ldelem.i", InlineNone},
	0x98: {"ldelem.r4", InlineNone},
	0x99: {"ldelem.r8", InlineNone},
	0x9a: {"ldelem.ref", InlineNone},
	0x9b: {"stelem.i", InlineNone},
	0x9c: {"stelem.i1", InlineNone},
	0x9d: {"stelem.i2", InlineNone},
	0x9e: {"stelem.i4", InlineNone},
	0x9f: {"stelem.i8", InlineNone},
	0xa0: {"stelem.r4", InlineNone},
	0xa1: {"stelem.r8", InlineNone},
	0xa2: {"stelem.ref", InlineNone},
	0xa3: {"ldelem", InlineType},
	0xa4: {"stelem", InlineType},
	0xa5: {"unbox.any", InlineType},
	0xb3: {"conv.ovf.i1", InlineNone},
	0xb4: {"conv.ovf.u1", InlineNone},
	0xb5: {"conv.ovf.i2", InlineNone},
	0xb6: {"conv.ovf.u2", InlineNone},
	0xb7: {"conv.ovf.i4", InlineNone},
	0xb8: {"conv.ovf.u4", InlineNone},
	0xb9: {"conv.ovf.i8", InlineNone},
	0xba: {"conv.ovf.u8", InlineNone},
	0xc2: {"refanyval", InlineType},
	0xc3: {"ckfinite", InlineNone},
	0xc6: {"mkrefany", InlineType},
	0xd0: {"ldtoken", InlineTok},
	0xd1: {"conv.u2", InlineNone},
	0xd2: {"conv.u1", InlineNone},
	0xd3: {"conv.i", InlineNone},
	0xd4: {"conv.ovf.i", InlineNone},
	0xd5: {"conv.ovf.u", InlineNone},
	0xd6: {"add.ovf", InlineNone},
	0xd7: {"add.ovf.un", InlineNone},
	0xd8: {"mul.ovf", InlineNone},
	0xd9: {"mul.ovf.un", InlineNone},
	0xda: {"sub.ovf", InlineNone},
	0xdb: {"sub.ovf.un", InlineNone},
	0xdc: {"endfinally", InlineNone},
	0xdd: {"leave", InlineBrTarget},
	0xde: {"leave.s", ShortInlineBrTarget},
	0xdf: {"stind.i", InlineNone},
	0xe0: {"conv.u", InlineNone},
}

// twoByte lists the opcodes following the 0xFE prefix.
var twoByte = [256]opInfo{
	0x00: {"arglist", InlineNone},
	0x01: {"ceq", InlineNone},
	0x02: {"cgt", InlineNone},
	0x03: {"cgt.un", InlineNone},
	0x04: {"clt", InlineNone},
	0x05: {"clt.un", InlineNone},
	0x06: {"ldftn", InlineMethod},
	0x07: {"ldvirtftn", InlineMethod},
	0x09: {"ldarg", InlineVar},
	0x0a: {"ldarga", InlineVar},
	0x0b: {"starg", InlineVar},
	0x0c: {"ldloc", InlineVar},
	0x0d: {"ldloca", InlineVar},
	0x0e: {"stloc", InlineVar},
	0x0f: {"localloc", InlineNone},
	0x11: {"endfilter", InlineNone},
	0x12: {"unaligned.", ShortInlineI},
	0x13: {"volatile.", InlineNone},
	0x14: {"tail.", InlineNone},
	0x15: {"initobj", InlineType},
	0x16: {"constrained.", InlineType},
	0x17: {"cpblk", InlineNone},
	0x18: {"initblk", InlineNone},
	0x19: {"no.", ShortInlineI},
	0x1a: {"rethrow", InlineNone},
	0x1c: {"sizeof", InlineType},
	0x1d: {"refanytype", InlineNone},
	0x1e: {"readonly.", InlineNone},
}
