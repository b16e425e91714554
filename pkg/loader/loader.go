// Package loader parses and statically verifies filter programs.
//
// The wire format is a concatenation of fixed-size 8-byte instructions
// (opcode u16, jt u8, jf u8, k u32, big-endian). Verification happens at
// load time: unknown opcodes, jump displacements that can escape the
// program, fall-through past the last instruction and out-of-range scratch
// slots are all rejected before a program is ever executed. The machine
// still re-checks bounds lazily during execution; the loader exists so a
// malformed program is rejected once, when it is registered, instead of on
// every packet.
package loader

import (
	"errors"
	"fmt"

	"github.com/netgrave/pfvm/internal/types"
	"github.com/netgrave/pfvm/pkg/vm"
)

// Maximum sizes.
const (
	// MaxInstructions is the maximum number of instructions per program.
	MaxInstructions = 4096

	// MaxProgramBytes is the maximum wire size of a program.
	MaxProgramBytes = MaxInstructions * vm.InstructionSize
)

// Loader errors.
var (
	ErrEmptyProgram  = errors.New("empty program")
	ErrTooLarge      = errors.New("program too large")
	ErrMisaligned    = errors.New("program not a multiple of instruction size")
	ErrUnknownOpcode = errors.New("unknown opcode")
	ErrBadJump       = errors.New("invalid jump displacement")
	ErrFallthrough   = errors.New("program can fall through past the last instruction")
	ErrBadScratch    = errors.New("scratch slot out of range")
	ErrBadOperand    = errors.New("invalid operand")
)

// Program is a parsed, verified filter program.
type Program struct {
	// Instructions is the executable instruction sequence.
	Instructions []vm.Instruction

	// ID is the BLAKE3 content hash of the wire bytes.
	ID types.FilterID
}

// Load parses a program from its wire bytes and verifies it.
func Load(data []byte) (*Program, error) {
	if len(data) == 0 {
		return nil, ErrEmptyProgram
	}
	if len(data) > MaxProgramBytes {
		return nil, fmt.Errorf("%w: %d bytes, max %d", ErrTooLarge, len(data), MaxProgramBytes)
	}
	if len(data)%vm.InstructionSize != 0 {
		return nil, fmt.Errorf("%w: %d bytes", ErrMisaligned, len(data))
	}

	n := len(data) / vm.InstructionSize
	instructions := make([]vm.Instruction, n)
	for i := 0; i < n; i++ {
		ins, err := vm.DecodeInstruction(data[i*vm.InstructionSize:])
		if err != nil {
			return nil, err
		}
		instructions[i] = ins
	}

	if err := Verify(instructions); err != nil {
		return nil, err
	}

	return &Program{
		Instructions: instructions,
		ID:           types.ComputeFilterID(data),
	}, nil
}

// EncodeProgram serializes instructions to the wire format.
func EncodeProgram(instructions []vm.Instruction) []byte {
	buf := make([]byte, 0, len(instructions)*vm.InstructionSize)
	for _, ins := range instructions {
		buf = ins.Encode(buf)
	}
	return buf
}

// Verify statically checks an instruction sequence.
//
// Jump displacements must be strictly positive and land inside the program,
// which rules out both runaway jumps and jump cycles: the frame pointer
// strictly increases on every path, so every verified program terminates.
// An instruction whose fall-through successor would be past the end must be
// a return, so a verified run can only end with a verdict.
func Verify(instructions []vm.Instruction) error {
	n := len(instructions)
	if n == 0 {
		return ErrEmptyProgram
	}
	if n > MaxInstructions {
		return fmt.Errorf("%w: %d instructions, max %d", ErrTooLarge, n, MaxInstructions)
	}

	for i, ins := range instructions {
		if !knownOpcode(ins.Opcode) {
			return fmt.Errorf("%w: 0x%04x at instruction %d", ErrUnknownOpcode, ins.Opcode, i)
		}

		switch ins.Class() {
		case vm.ClassJmp:
			if ins.Jt == 0 || ins.Jf == 0 {
				return fmt.Errorf("%w: zero displacement at instruction %d", ErrBadJump, i)
			}
			if i+int(ins.Jt) >= n || i+int(ins.Jf) >= n {
				return fmt.Errorf("%w: target past program end at instruction %d", ErrBadJump, i)
			}
		case vm.ClassRet:
			// Terminal, no successor required.
		default:
			if i+1 >= n {
				return fmt.Errorf("%w: instruction %d", ErrFallthrough, i)
			}
		}

		switch ins.Opcode {
		case vm.OpSt, vm.OpStx, vm.OpLdMem, vm.OpLdxMem:
			if ins.K >= vm.ScratchSlots {
				return fmt.Errorf("%w: slot %d at instruction %d", ErrBadScratch, ins.K, i)
			}
		case vm.OpDivK:
			if ins.K == 0 {
				return fmt.Errorf("%w: division by constant zero at instruction %d", ErrBadOperand, i)
			}
		}
	}

	return nil
}

// knownOpcode reports whether the machine implements the opcode.
func knownOpcode(op uint16) bool {
	switch op {
	case vm.OpLdImm, vm.OpLdAbsW, vm.OpLdAbsH, vm.OpLdIndW, vm.OpLdIndH,
		vm.OpLdMem, vm.OpLdLen,
		vm.OpLdxImm, vm.OpLdxMem,
		vm.OpSt, vm.OpStx,
		vm.OpAddK, vm.OpSubK, vm.OpMulK, vm.OpDivK, vm.OpOrK, vm.OpAndK,
		vm.OpLshK, vm.OpRshK, vm.OpNeg,
		vm.OpAddX, vm.OpSubX, vm.OpMulX, vm.OpDivX, vm.OpOrX, vm.OpAndX,
		vm.OpLshX, vm.OpRshX,
		vm.OpJmp,
		vm.OpRetK, vm.OpRetA,
		vm.OpTax, vm.OpTxa:
		return true
	}
	return false
}
