// Package vm implements the pfvm register machine.
//
// The machine evaluates a filter program against an immutable packet buffer
// and produces a numeric verdict. It is a BPF-style classifier core with
// four pieces of state:
//   - frame: the program counter, an index into the instruction sequence
//   - accumulator: destination of loads and the implicit zero-test comparand
//     for jump-class instructions
//   - index: auxiliary register for indexed addressing
//   - scratch: 16 bounds-checked auxiliary slots
//
// A Machine is exclusively owned by one execution. Programs and packets are
// read-only during a run and may be shared across machines evaluating
// different packets concurrently. Reuse a machine serially with Reset.
package vm

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// ScratchSlots is the number of scratch memory slots.
const ScratchSlots = 16

// DefaultMaxSteps is the step budget applied by New. A well-formed filter
// terminates in far fewer steps; the budget exists so a program with a jump
// cycle cannot hang the evaluator.
const DefaultMaxSteps = uint64(65536)

// Errors.
var (
	ErrUnknownOpcode = errors.New("unknown opcode")
	ErrPacketBounds  = errors.New("packet read out of bounds")
	ErrProgramBounds = errors.New("program fetch out of bounds")
	ErrScratchBounds = errors.New("scratch memory access out of bounds")
	ErrDivideByZero  = errors.New("division by zero")
	ErrStepLimit     = errors.New("step budget exceeded")
)

// StepMeter tracks the remaining instruction budget for one run.
type StepMeter struct {
	remaining uint64
	limit     uint64
}

// NewStepMeter creates a meter with the given budget.
func NewStepMeter(limit uint64) *StepMeter {
	return &StepMeter{
		remaining: limit,
		limit:     limit,
	}
}

// Consume attempts to consume steps from the budget.
func (sm *StepMeter) Consume(steps uint64) error {
	if sm.remaining < steps {
		sm.remaining = 0
		return ErrStepLimit
	}
	sm.remaining -= steps
	return nil
}

// Remaining returns the remaining step budget.
func (sm *StepMeter) Remaining() uint64 {
	return sm.remaining
}

// reset refills the meter to its configured limit.
func (sm *StepMeter) reset() {
	sm.remaining = sm.limit
}

// Machine is the filter virtual machine register file.
type Machine struct {
	frame   uint32
	acc     uint32
	index   uint32
	scratch [ScratchSlots]uint32

	steps *StepMeter
}

// New returns a zero-initialized machine with the default step budget.
func New() *Machine {
	return NewWithLimit(DefaultMaxSteps)
}

// NewWithLimit returns a zero-initialized machine with a custom step budget.
func NewWithLimit(maxSteps uint64) *Machine {
	return &Machine{
		steps: NewStepMeter(maxSteps),
	}
}

// Reset restores all registers and scratch memory to the zero state and
// refills the step budget. It allows reusing one machine across independent
// runs without reallocating; no state leaks between runs.
func (m *Machine) Reset() {
	m.frame = 0
	m.acc = 0
	m.index = 0
	m.scratch = [ScratchSlots]uint32{}
	m.steps.reset()
}

// Frame returns the frame pointer (program counter).
func (m *Machine) Frame() uint32 {
	return m.frame
}

// Accumulator returns the accumulator register.
func (m *Machine) Accumulator() uint32 {
	return m.acc
}

// Index returns the index register.
func (m *Machine) Index() uint32 {
	return m.index
}

// Scratch returns the value in scratch slot n.
func (m *Machine) Scratch(n uint32) (uint32, error) {
	return m.scratchLoad(n)
}

// StepMeter returns the machine's step meter.
func (m *Machine) StepMeter() *StepMeter {
	return m.steps
}

// Register setters, exposed for tests and single-step drivers. They are not
// part of the execution hot path.

// SetFrame sets the frame pointer.
func (m *Machine) SetFrame(frame uint32) {
	m.frame = frame
}

// SetAccumulator sets the accumulator register.
func (m *Machine) SetAccumulator(acc uint32) {
	m.acc = acc
}

// SetIndex sets the index register.
func (m *Machine) SetIndex(index uint32) {
	m.index = index
}

// SetScratch sets scratch slot n.
func (m *Machine) SetScratch(n, val uint32) error {
	return m.scratchStore(n, val)
}

// loadWord reads a big-endian word from the packet into the accumulator.
// The accumulator is untouched on failure.
func (m *Machine) loadWord(off uint32, pkt []byte) error {
	if uint64(off)+4 > uint64(len(pkt)) {
		return fmt.Errorf("%w: word read at offset %d, packet length %d", ErrPacketBounds, off, len(pkt))
	}
	m.acc = binary.BigEndian.Uint32(pkt[off:])
	return nil
}

// loadHalf reads a big-endian half-word from the packet into the
// accumulator, zero-extended.
func (m *Machine) loadHalf(off uint32, pkt []byte) error {
	if uint64(off)+2 > uint64(len(pkt)) {
		return fmt.Errorf("%w: half-word read at offset %d, packet length %d", ErrPacketBounds, off, len(pkt))
	}
	m.acc = uint32(binary.BigEndian.Uint16(pkt[off:]))
	return nil
}

// indexedOffset computes index + k for indexed addressing. An addition that
// overflows the 32-bit address space is an out-of-bounds access, never a
// silent wrap into a valid offset.
func (m *Machine) indexedOffset(k uint32) (uint32, error) {
	off := uint64(m.index) + uint64(k)
	if off > math.MaxUint32 {
		return 0, fmt.Errorf("%w: indexed offset overflow (index %d + k %d)", ErrPacketBounds, m.index, k)
	}
	return uint32(off), nil
}

// scratchLoad returns scratch slot n with bounds checking.
func (m *Machine) scratchLoad(n uint32) (uint32, error) {
	if n >= ScratchSlots {
		return 0, fmt.Errorf("%w: slot %d", ErrScratchBounds, n)
	}
	return m.scratch[n], nil
}

// scratchStore writes scratch slot n with bounds checking.
func (m *Machine) scratchStore(n, val uint32) error {
	if n >= ScratchSlots {
		return fmt.Errorf("%w: slot %d", ErrScratchBounds, n)
	}
	m.scratch[n] = val
	return nil
}

// Execute executes one instruction against the packet and advances the frame
// pointer on success.
//
// Dispatch is two-level: the exact opcode selects the register-mutating
// action, then the coarse class selects the frame-advancement rule. Jump-
// class instructions advance the frame by Jt when the accumulator is zero
// and by Jf otherwise; every other class advances by one.
//
// On any error the machine state is unchanged: loads are all-or-nothing and
// the frame is never advanced past a failed instruction. done is true only
// for return-class instructions, with the verdict in the first return value.
func (m *Machine) Execute(ins Instruction, pkt []byte) (verdict uint32, done bool, err error) {
	k := ins.K

	switch ins.Opcode {
	// Loads into the accumulator.
	case OpLdImm:
		m.acc = k
	case OpLdAbsW:
		if err := m.loadWord(k, pkt); err != nil {
			return 0, false, err
		}
	case OpLdAbsH:
		if err := m.loadHalf(k, pkt); err != nil {
			return 0, false, err
		}
	case OpLdIndW:
		off, err := m.indexedOffset(k)
		if err != nil {
			return 0, false, err
		}
		if err := m.loadWord(off, pkt); err != nil {
			return 0, false, err
		}
	case OpLdIndH:
		off, err := m.indexedOffset(k)
		if err != nil {
			return 0, false, err
		}
		if err := m.loadHalf(off, pkt); err != nil {
			return 0, false, err
		}
	case OpLdMem:
		v, err := m.scratchLoad(k)
		if err != nil {
			return 0, false, err
		}
		m.acc = v
	case OpLdLen:
		m.acc = uint32(len(pkt))

	// Loads into the index register.
	case OpLdxImm:
		m.index = k
	case OpLdxMem:
		v, err := m.scratchLoad(k)
		if err != nil {
			return 0, false, err
		}
		m.index = v

	// Stores to scratch memory.
	case OpSt:
		if err := m.scratchStore(k, m.acc); err != nil {
			return 0, false, err
		}
	case OpStx:
		if err := m.scratchStore(k, m.index); err != nil {
			return 0, false, err
		}

	// ALU, immediate source.
	case OpAddK:
		m.acc += k
	case OpSubK:
		m.acc -= k
	case OpMulK:
		m.acc *= k
	case OpDivK:
		if k == 0 {
			return 0, false, ErrDivideByZero
		}
		m.acc /= k
	case OpOrK:
		m.acc |= k
	case OpAndK:
		m.acc &= k
	case OpLshK:
		m.acc <<= k & 31
	case OpRshK:
		m.acc >>= k & 31
	case OpNeg:
		m.acc = -m.acc

	// ALU, index-register source.
	case OpAddX:
		m.acc += m.index
	case OpSubX:
		m.acc -= m.index
	case OpMulX:
		m.acc *= m.index
	case OpDivX:
		if m.index == 0 {
			return 0, false, ErrDivideByZero
		}
		m.acc /= m.index
	case OpOrX:
		m.acc |= m.index
	case OpAndX:
		m.acc &= m.index
	case OpLshX:
		m.acc <<= m.index & 31
	case OpRshX:
		m.acc >>= m.index & 31

	// Jump: the action is empty. The displacement is applied by the
	// class-based advancement below, which is what keeps new opcodes in a
	// class from touching jump handling.
	case OpJmp:

	// Return: terminate the run with a verdict.
	case OpRetK:
		verdict, done = k, true
	case OpRetA:
		verdict, done = m.acc, true

	// Misc register transfers.
	case OpTax:
		m.index = m.acc
	case OpTxa:
		m.acc = m.index

	default:
		return 0, false, fmt.Errorf("%w: 0x%04x", ErrUnknownOpcode, ins.Opcode)
	}

	switch ins.Class() {
	case ClassJmp:
		if m.acc == 0 {
			m.frame += uint32(ins.Jt)
		} else {
			m.frame += uint32(ins.Jf)
		}
	default:
		m.frame++
	}

	return verdict, done, nil
}

// Run evaluates a program against a packet until a return-class instruction
// produces a verdict or an error terminates the run.
//
// Every fetch is bounds-checked: a runaway jump or falling off the end of
// the program fails with ErrProgramBounds rather than faulting. Each
// executed instruction consumes one unit of the step budget; a program that
// cycles without returning fails with ErrStepLimit.
func (m *Machine) Run(prog []Instruction, pkt []byte) (uint32, error) {
	for {
		if err := m.steps.Consume(1); err != nil {
			return 0, err
		}
		if uint64(m.frame) >= uint64(len(prog)) {
			return 0, fmt.Errorf("%w: frame %d, program length %d", ErrProgramBounds, m.frame, len(prog))
		}
		verdict, done, err := m.Execute(prog[m.frame], pkt)
		if err != nil {
			return 0, err
		}
		if done {
			return verdict, nil
		}
	}
}
