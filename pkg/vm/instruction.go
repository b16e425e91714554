// Instruction encoding: opcode composition, wire codec, disassembly.

package vm

import (
	"encoding/binary"
	"fmt"
)

// Instruction class bits (bits 0-2).
const (
	ClassLd   Class = 0x00 // Load into accumulator
	ClassLdx  Class = 0x01 // Load into index register
	ClassSt   Class = 0x02 // Store accumulator to scratch memory
	ClassStx  Class = 0x03 // Store index register to scratch memory
	ClassAlu  Class = 0x04 // Arithmetic/logic on accumulator
	ClassJmp  Class = 0x05 // Zero-test jump
	ClassRet  Class = 0x06 // Terminate with verdict
	ClassMisc Class = 0x07 // Register transfers
)

// Operand size (bits 3-4 for load instructions).
const (
	SizeW = 0x00 // 32-bit word
	SizeH = 0x08 // 16-bit half-word
)

// Addressing mode (bits 5-7 for load instructions).
const (
	ModeImm = 0x00 // Immediate: operand k is the value
	ModeAbs = 0x20 // Absolute: packet offset k
	ModeInd = 0x40 // Indexed: packet offset index + k
	ModeMem = 0x60 // Scratch memory slot k
	ModeLen = 0x80 // Packet length
)

// ALU source (bit 3).
const (
	SrcK = 0x00 // Immediate operand k
	SrcX = 0x08 // Index register
)

// ALU operation codes (bits 4-7).
const (
	AluAdd = 0x00
	AluSub = 0x10
	AluMul = 0x20
	AluDiv = 0x30
	AluOr  = 0x40
	AluAnd = 0x50
	AluLsh = 0x60
	AluRsh = 0x70
	AluNeg = 0x80
)

// Return value source (bit 4).
const (
	RvalK = 0x00 // Verdict from operand k
	RvalA = 0x10 // Verdict from accumulator
)

// Misc operation codes (bit 7).
const (
	MiscTax = 0x00 // index = accumulator
	MiscTxa = 0x80 // accumulator = index
)

// Composed load opcodes.
const (
	OpLdImm  = uint16(ClassLd) | ModeImm | SizeW // 0x00 - accumulator = k
	OpLdAbsW = uint16(ClassLd) | ModeAbs | SizeW // 0x20 - word at packet offset k
	OpLdAbsH = uint16(ClassLd) | ModeAbs | SizeH // 0x28 - half-word at packet offset k
	OpLdIndW = uint16(ClassLd) | ModeInd | SizeW // 0x40 - word at packet offset index+k
	OpLdIndH = uint16(ClassLd) | ModeInd | SizeH // 0x48 - half-word at packet offset index+k
	OpLdMem  = uint16(ClassLd) | ModeMem | SizeW // 0x60 - accumulator = scratch[k]
	OpLdLen  = uint16(ClassLd) | ModeLen | SizeW // 0x80 - accumulator = packet length
)

// Composed index-register load opcodes.
const (
	OpLdxImm = uint16(ClassLdx) | ModeImm | SizeW // 0x01 - index = k
	OpLdxMem = uint16(ClassLdx) | ModeMem | SizeW // 0x61 - index = scratch[k]
)

// Store opcodes.
const (
	OpSt  = uint16(ClassSt)  // 0x02 - scratch[k] = accumulator
	OpStx = uint16(ClassStx) // 0x03 - scratch[k] = index
)

// Composed ALU opcodes with immediate source.
const (
	OpAddK = uint16(ClassAlu) | SrcK | AluAdd // 0x04
	OpSubK = uint16(ClassAlu) | SrcK | AluSub // 0x14
	OpMulK = uint16(ClassAlu) | SrcK | AluMul // 0x24
	OpDivK = uint16(ClassAlu) | SrcK | AluDiv // 0x34
	OpOrK  = uint16(ClassAlu) | SrcK | AluOr  // 0x44
	OpAndK = uint16(ClassAlu) | SrcK | AluAnd // 0x54
	OpLshK = uint16(ClassAlu) | SrcK | AluLsh // 0x64
	OpRshK = uint16(ClassAlu) | SrcK | AluRsh // 0x74
	OpNeg  = uint16(ClassAlu) | AluNeg        // 0x84
)

// Composed ALU opcodes with index-register source.
const (
	OpAddX = uint16(ClassAlu) | SrcX | AluAdd // 0x0c
	OpSubX = uint16(ClassAlu) | SrcX | AluSub // 0x1c
	OpMulX = uint16(ClassAlu) | SrcX | AluMul // 0x2c
	OpDivX = uint16(ClassAlu) | SrcX | AluDiv // 0x3c
	OpOrX  = uint16(ClassAlu) | SrcX | AluOr  // 0x4c
	OpAndX = uint16(ClassAlu) | SrcX | AluAnd // 0x5c
	OpLshX = uint16(ClassAlu) | SrcX | AluLsh // 0x6c
	OpRshX = uint16(ClassAlu) | SrcX | AluRsh // 0x7c
)

// Jump opcode. The verdict of the implicit zero test selects the frame
// displacement: Jt when the accumulator is zero, Jf otherwise.
const (
	OpJmp = uint16(ClassJmp) // 0x05
)

// Return opcodes.
const (
	OpRetK = uint16(ClassRet) | RvalK // 0x06 - verdict = k
	OpRetA = uint16(ClassRet) | RvalA // 0x16 - verdict = accumulator
)

// Misc opcodes.
const (
	OpTax = uint16(ClassMisc) | MiscTax // 0x07 - index = accumulator
	OpTxa = uint16(ClassMisc) | MiscTxa // 0x87 - accumulator = index
)

// InstructionSize is the wire size of one encoded instruction in bytes.
const InstructionSize = 8

// Class is the coarse instruction category derived from an opcode.
// The run loop branches on it only to select the frame-advancement rule.
type Class uint8

// String returns the class mnemonic.
func (c Class) String() string {
	switch c {
	case ClassLd:
		return "ld"
	case ClassLdx:
		return "ldx"
	case ClassSt:
		return "st"
	case ClassStx:
		return "stx"
	case ClassAlu:
		return "alu"
	case ClassJmp:
		return "jmp"
	case ClassRet:
		return "ret"
	case ClassMisc:
		return "misc"
	default:
		return fmt.Sprintf("class(%d)", uint8(c))
	}
}

// Instruction is one fixed-size filter machine instruction.
//
// K is a generic operand: an immediate value, a packet offset, or a scratch
// slot index depending on the opcode. Jt and Jf are frame displacements and
// are meaningful only for jump-class instructions.
type Instruction struct {
	Opcode uint16
	Jt     uint8
	Jf     uint8
	K      uint32
}

// NewInstruction creates an instruction from its components.
func NewInstruction(opcode uint16, jt, jf uint8, k uint32) Instruction {
	return Instruction{Opcode: opcode, Jt: jt, Jf: jf, K: k}
}

// Class returns the instruction class encoded in the opcode's low bits.
func (ins Instruction) Class() Class {
	return Class(ins.Opcode & 0x07)
}

// Encode appends the 8-byte big-endian wire form to dst.
//
// Layout: opcode (u16), jt (u8), jf (u8), k (u32), all big-endian.
func (ins Instruction) Encode(dst []byte) []byte {
	var buf [InstructionSize]byte
	binary.BigEndian.PutUint16(buf[0:2], ins.Opcode)
	buf[2] = ins.Jt
	buf[3] = ins.Jf
	binary.BigEndian.PutUint32(buf[4:8], ins.K)
	return append(dst, buf[:]...)
}

// DecodeInstruction parses one instruction from its 8-byte wire form.
func DecodeInstruction(b []byte) (Instruction, error) {
	if len(b) < InstructionSize {
		return Instruction{}, fmt.Errorf("short instruction: %d bytes", len(b))
	}
	return Instruction{
		Opcode: binary.BigEndian.Uint16(b[0:2]),
		Jt:     b[2],
		Jf:     b[3],
		K:      binary.BigEndian.Uint32(b[4:8]),
	}, nil
}

// String returns a compact disassembly of the instruction.
func (ins Instruction) String() string {
	if ins.Class() == ClassJmp {
		return fmt.Sprintf("%s op=0x%04x jt=%d jf=%d k=0x%x", ins.Class(), ins.Opcode, ins.Jt, ins.Jf, ins.K)
	}
	return fmt.Sprintf("%s op=0x%04x k=0x%x", ins.Class(), ins.Opcode, ins.K)
}
