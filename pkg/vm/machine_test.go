package vm

import (
	"errors"
	"testing"
)

// testPacket returns a 64-byte packet with the bytes DE AD BE EF at the
// given offset.
func testPacket(off int) []byte {
	pkt := make([]byte, 64)
	copy(pkt[off:], []byte{0xDE, 0xAD, 0xBE, 0xEF})
	return pkt
}

// TestStepMeter tests the step meter.
func TestStepMeter(t *testing.T) {
	sm := NewStepMeter(1000)

	if sm.Remaining() != 1000 {
		t.Errorf("Remaining() = %d, want 1000", sm.Remaining())
	}

	if err := sm.Consume(100); err != nil {
		t.Errorf("Consume(100) failed: %v", err)
	}

	if sm.Remaining() != 900 {
		t.Errorf("Remaining() = %d, want 900", sm.Remaining())
	}

	if err := sm.Consume(900); err != nil {
		t.Errorf("Consume(900) failed: %v", err)
	}

	// Should fail on next consume
	if err := sm.Consume(1); err != ErrStepLimit {
		t.Errorf("Consume(1) = %v, want ErrStepLimit", err)
	}
}

// TestLoadImmediate tests the immediate load addressing mode.
func TestLoadImmediate(t *testing.T) {
	m := New()
	pkt := make([]byte, 64)

	_, done, err := m.Execute(NewInstruction(OpLdImm, 0, 0, 0xDEADBEEF), pkt)
	if err != nil {
		t.Fatalf("Execute() failed: %v", err)
	}
	if done {
		t.Error("Execute() signaled termination for a load")
	}
	if m.Accumulator() != 0xDEADBEEF {
		t.Errorf("accumulator = 0x%x, want 0xDEADBEEF", m.Accumulator())
	}
	if m.Frame() != 1 {
		t.Errorf("frame = %d, want 1", m.Frame())
	}
}

// TestLoadAddressing tests the packet-reading addressing modes.
func TestLoadAddressing(t *testing.T) {
	tests := []struct {
		name   string
		ins    Instruction
		index  uint32
		pktOff int
		want   uint32
	}{
		{
			name:   "absolute word",
			ins:    NewInstruction(OpLdAbsW, 0, 0, 3),
			pktOff: 3,
			want:   0xDEADBEEF,
		},
		{
			name:   "absolute half-word zero-extends",
			ins:    NewInstruction(OpLdAbsH, 0, 0, 3),
			pktOff: 3,
			want:   0x0000DEAD,
		},
		{
			name:   "indexed word",
			ins:    NewInstruction(OpLdIndW, 0, 0, 3),
			index:  1,
			pktOff: 4,
			want:   0xDEADBEEF,
		},
		{
			name:   "indexed half-word",
			ins:    NewInstruction(OpLdIndH, 0, 0, 3),
			index:  1,
			pktOff: 4,
			want:   0x0000DEAD,
		},
		{
			name:   "packet length",
			ins:    NewInstruction(OpLdLen, 0, 0, 0),
			pktOff: 0,
			want:   64,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := New()
			m.SetIndex(tt.index)

			_, _, err := m.Execute(tt.ins, testPacket(tt.pktOff))
			if err != nil {
				t.Fatalf("Execute() failed: %v", err)
			}
			if m.Accumulator() != tt.want {
				t.Errorf("accumulator = 0x%x, want 0x%x", m.Accumulator(), tt.want)
			}
			if m.Frame() != 1 {
				t.Errorf("frame = %d, want 1", m.Frame())
			}
		})
	}
}

// TestLoadBounds tests that every packet addressing mode is independently
// bounds-checked and leaves the accumulator untouched on failure.
func TestLoadBounds(t *testing.T) {
	tests := []struct {
		name  string
		ins   Instruction
		index uint32
	}{
		{name: "word offset past end", ins: NewInstruction(OpLdAbsW, 0, 0, 64)},
		{name: "word partial at tail", ins: NewInstruction(OpLdAbsW, 0, 0, 61)},
		{name: "half-word offset past end", ins: NewInstruction(OpLdAbsH, 0, 0, 64)},
		{name: "half-word partial at tail", ins: NewInstruction(OpLdAbsH, 0, 0, 63)},
		{name: "indexed word past end", ins: NewInstruction(OpLdIndW, 0, 0, 62), index: 2},
		{name: "indexed half-word past end", ins: NewInstruction(OpLdIndH, 0, 0, 63), index: 2},
		{name: "indexed offset overflow", ins: NewInstruction(OpLdIndW, 0, 0, 10), index: 0xFFFFFFFF},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := New()
			m.SetAccumulator(0x12345678)
			m.SetIndex(tt.index)
			pkt := make([]byte, 64)

			_, _, err := m.Execute(tt.ins, pkt)
			if !errors.Is(err, ErrPacketBounds) {
				t.Fatalf("Execute() = %v, want ErrPacketBounds", err)
			}
			if m.Accumulator() != 0x12345678 {
				t.Errorf("accumulator = 0x%x, want unchanged 0x12345678", m.Accumulator())
			}
			if m.Frame() != 0 {
				t.Errorf("frame = %d, want 0 (no advance on failure)", m.Frame())
			}
		})
	}
}

// TestJumpAdvancement tests the zero-test frame advancement rule.
func TestJumpAdvancement(t *testing.T) {
	tests := []struct {
		name      string
		acc       uint32
		wantFrame uint32
	}{
		{name: "accumulator zero takes jt", acc: 0, wantFrame: 3},
		{name: "accumulator nonzero takes jf", acc: 7, wantFrame: 5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := New()
			m.SetAccumulator(tt.acc)

			_, done, err := m.Execute(NewInstruction(OpJmp, 3, 5, 0), nil)
			if err != nil {
				t.Fatalf("Execute() failed: %v", err)
			}
			if done {
				t.Error("Execute() signaled termination for a jump")
			}
			if m.Frame() != tt.wantFrame {
				t.Errorf("frame = %d, want %d", m.Frame(), tt.wantFrame)
			}
		})
	}
}

// TestUnknownOpcode tests that an unrecognized opcode fails without any
// register mutation or frame advancement.
func TestUnknownOpcode(t *testing.T) {
	m := New()
	m.SetAccumulator(42)
	m.SetIndex(7)

	_, _, err := m.Execute(NewInstruction(0x0FF8, 0, 0, 99), make([]byte, 8))
	if !errors.Is(err, ErrUnknownOpcode) {
		t.Fatalf("Execute() = %v, want ErrUnknownOpcode", err)
	}
	if m.Frame() != 0 || m.Accumulator() != 42 || m.Index() != 7 {
		t.Errorf("machine state mutated: frame=%d acc=%d index=%d", m.Frame(), m.Accumulator(), m.Index())
	}
}

// TestScratchMemory tests stores, loads and bounds checking on scratch slots.
func TestScratchMemory(t *testing.T) {
	m := New()
	m.SetAccumulator(0xAABB)

	if _, _, err := m.Execute(NewInstruction(OpSt, 0, 0, 5), nil); err != nil {
		t.Fatalf("st failed: %v", err)
	}
	if v, _ := m.Scratch(5); v != 0xAABB {
		t.Errorf("scratch[5] = 0x%x, want 0xAABB", v)
	}

	m.SetAccumulator(0)
	if _, _, err := m.Execute(NewInstruction(OpLdMem, 0, 0, 5), nil); err != nil {
		t.Fatalf("ld mem failed: %v", err)
	}
	if m.Accumulator() != 0xAABB {
		t.Errorf("accumulator = 0x%x, want 0xAABB", m.Accumulator())
	}

	if _, _, err := m.Execute(NewInstruction(OpLdxMem, 0, 0, 5), nil); err != nil {
		t.Fatalf("ldx mem failed: %v", err)
	}
	if m.Index() != 0xAABB {
		t.Errorf("index = 0x%x, want 0xAABB", m.Index())
	}

	// Out-of-range slot
	frame := m.Frame()
	_, _, err := m.Execute(NewInstruction(OpSt, 0, 0, ScratchSlots), nil)
	if !errors.Is(err, ErrScratchBounds) {
		t.Fatalf("st out of range = %v, want ErrScratchBounds", err)
	}
	if m.Frame() != frame {
		t.Errorf("frame advanced on failed store")
	}
}

// TestALU tests arithmetic and logic operations.
func TestALU(t *testing.T) {
	tests := []struct {
		name  string
		acc   uint32
		index uint32
		ins   Instruction
		want  uint32
	}{
		{name: "add k", acc: 10, ins: NewInstruction(OpAddK, 0, 0, 5), want: 15},
		{name: "sub k", acc: 10, ins: NewInstruction(OpSubK, 0, 0, 3), want: 7},
		{name: "mul k", acc: 6, ins: NewInstruction(OpMulK, 0, 0, 7), want: 42},
		{name: "div k", acc: 100, ins: NewInstruction(OpDivK, 0, 0, 10), want: 10},
		{name: "or k", acc: 0x0F, ins: NewInstruction(OpOrK, 0, 0, 0xF0), want: 0xFF},
		{name: "and k", acc: 0xFF, ins: NewInstruction(OpAndK, 0, 0, 0x0F), want: 0x0F},
		{name: "lsh k", acc: 1, ins: NewInstruction(OpLshK, 0, 0, 4), want: 16},
		{name: "rsh k", acc: 32, ins: NewInstruction(OpRshK, 0, 0, 3), want: 4},
		{name: "neg", acc: 5, ins: NewInstruction(OpNeg, 0, 0, 0), want: ^uint32(5) + 1},
		{name: "add x", acc: 10, index: 5, ins: NewInstruction(OpAddX, 0, 0, 0), want: 15},
		{name: "sub x", acc: 10, index: 3, ins: NewInstruction(OpSubX, 0, 0, 0), want: 7},
		{name: "div x", acc: 42, index: 6, ins: NewInstruction(OpDivX, 0, 0, 0), want: 7},
		{name: "and x", acc: 0xFF, index: 0xF0, ins: NewInstruction(OpAndX, 0, 0, 0), want: 0xF0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := New()
			m.SetAccumulator(tt.acc)
			m.SetIndex(tt.index)

			_, _, err := m.Execute(tt.ins, nil)
			if err != nil {
				t.Fatalf("Execute() failed: %v", err)
			}
			if m.Accumulator() != tt.want {
				t.Errorf("accumulator = %d, want %d", m.Accumulator(), tt.want)
			}
			if m.Frame() != 1 {
				t.Errorf("frame = %d, want 1", m.Frame())
			}
		})
	}
}

// TestDivisionByZero tests division by zero for both operand sources.
func TestDivisionByZero(t *testing.T) {
	m := New()
	m.SetAccumulator(10)

	if _, _, err := m.Execute(NewInstruction(OpDivK, 0, 0, 0), nil); !errors.Is(err, ErrDivideByZero) {
		t.Errorf("div k=0 = %v, want ErrDivideByZero", err)
	}
	if _, _, err := m.Execute(NewInstruction(OpDivX, 0, 0, 0), nil); !errors.Is(err, ErrDivideByZero) {
		t.Errorf("div x=0 = %v, want ErrDivideByZero", err)
	}
	if m.Frame() != 0 {
		t.Errorf("frame = %d, want 0", m.Frame())
	}
}

// TestRegisterTransfers tests the misc-class transfers.
func TestRegisterTransfers(t *testing.T) {
	m := New()
	m.SetAccumulator(99)

	if _, _, err := m.Execute(NewInstruction(OpTax, 0, 0, 0), nil); err != nil {
		t.Fatalf("tax failed: %v", err)
	}
	if m.Index() != 99 {
		t.Errorf("index = %d, want 99", m.Index())
	}

	m.SetAccumulator(0)
	if _, _, err := m.Execute(NewInstruction(OpTxa, 0, 0, 0), nil); err != nil {
		t.Fatalf("txa failed: %v", err)
	}
	if m.Accumulator() != 99 {
		t.Errorf("accumulator = %d, want 99", m.Accumulator())
	}
	if m.Frame() != 2 {
		t.Errorf("frame = %d, want 2", m.Frame())
	}
}

// TestReturn tests the terminal instructions.
func TestReturn(t *testing.T) {
	m := New()

	verdict, done, err := m.Execute(NewInstruction(OpRetK, 0, 0, 1500), nil)
	if err != nil {
		t.Fatalf("ret k failed: %v", err)
	}
	if !done {
		t.Fatal("ret k did not signal termination")
	}
	if verdict != 1500 {
		t.Errorf("verdict = %d, want 1500", verdict)
	}

	m.Reset()
	m.SetAccumulator(0xBEEF)
	verdict, done, err = m.Execute(NewInstruction(OpRetA, 0, 0, 0), nil)
	if err != nil {
		t.Fatalf("ret a failed: %v", err)
	}
	if !done || verdict != 0xBEEF {
		t.Errorf("verdict = %d done = %v, want 0xBEEF true", verdict, done)
	}
}

// TestReset tests that Reset restores the freshly constructed state.
func TestReset(t *testing.T) {
	m := New()
	m.SetFrame(12)
	m.SetAccumulator(34)
	m.SetIndex(56)
	if err := m.SetScratch(7, 78); err != nil {
		t.Fatalf("SetScratch failed: %v", err)
	}
	if err := m.StepMeter().Consume(100); err != nil {
		t.Fatalf("Consume failed: %v", err)
	}

	m.Reset()

	if m.Frame() != 0 || m.Accumulator() != 0 || m.Index() != 0 {
		t.Errorf("registers not zeroed: frame=%d acc=%d index=%d", m.Frame(), m.Accumulator(), m.Index())
	}
	for n := uint32(0); n < ScratchSlots; n++ {
		if v, _ := m.Scratch(n); v != 0 {
			t.Errorf("scratch[%d] = %d, want 0", n, v)
		}
	}
	if m.StepMeter().Remaining() != DefaultMaxSteps {
		t.Errorf("step budget = %d, want %d", m.StepMeter().Remaining(), DefaultMaxSteps)
	}
}

// TestRunPrograms tests full program evaluation.
func TestRunPrograms(t *testing.T) {
	tests := []struct {
		name    string
		program []Instruction
		packet  []byte
		want    uint32
	}{
		{
			name: "return constant",
			program: []Instruction{
				NewInstruction(OpRetK, 0, 0, 42),
			},
			packet: nil,
			want:   42,
		},
		{
			name: "return loaded word",
			program: []Instruction{
				NewInstruction(OpLdAbsW, 0, 0, 3),
				NewInstruction(OpRetA, 0, 0, 0),
			},
			packet: testPacket(3),
			want:   0xDEADBEEF,
		},
		{
			name: "accept packets for port 443",
			program: []Instruction{
				NewInstruction(OpLdAbsH, 0, 0, 2),  // destination port
				NewInstruction(OpSubK, 0, 0, 443),  // zero iff port == 443
				NewInstruction(OpJmp, 1, 2, 0),     // match: +1, miss: +2
				NewInstruction(OpRetK, 0, 0, 1500), // accept
				NewInstruction(OpRetK, 0, 0, 0),    // drop
			},
			packet: []byte{0x00, 0x00, 0x01, 0xBB, 0x00, 0x00},
			want:   1500,
		},
		{
			name: "reject packets for other ports",
			program: []Instruction{
				NewInstruction(OpLdAbsH, 0, 0, 2),
				NewInstruction(OpSubK, 0, 0, 443),
				NewInstruction(OpJmp, 1, 2, 0),
				NewInstruction(OpRetK, 0, 0, 1500),
				NewInstruction(OpRetK, 0, 0, 0),
			},
			packet: []byte{0x00, 0x00, 0x00, 0x50, 0x00, 0x00},
			want:   0,
		},
		{
			name: "indexed load through scratch",
			program: []Instruction{
				NewInstruction(OpLdxImm, 0, 0, 1), // index = 1
				NewInstruction(OpLdIndW, 0, 0, 3), // word at 1+3
				NewInstruction(OpRetA, 0, 0, 0),
			},
			packet: testPacket(4),
			want:   0xDEADBEEF,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := New()
			verdict, err := m.Run(tt.program, tt.packet)
			if err != nil {
				t.Fatalf("Run() failed: %v", err)
			}
			if verdict != tt.want {
				t.Errorf("verdict = %d, want %d", verdict, tt.want)
			}
		})
	}
}

// TestRunErrors tests that runs terminate with tagged errors instead of
// faulting.
func TestRunErrors(t *testing.T) {
	tests := []struct {
		name    string
		machine *Machine
		program []Instruction
		packet  []byte
		want    error
	}{
		{
			name:    "jump past program end",
			machine: New(),
			program: []Instruction{
				NewInstruction(OpJmp, 5, 5, 0),
			},
			want: ErrProgramBounds,
		},
		{
			name:    "fall off program end",
			machine: New(),
			program: []Instruction{
				NewInstruction(OpLdImm, 0, 0, 1),
			},
			want: ErrProgramBounds,
		},
		{
			name:    "empty program",
			machine: New(),
			program: nil,
			want:    ErrProgramBounds,
		},
		{
			name:    "jump cycle exhausts step budget",
			machine: NewWithLimit(64),
			program: []Instruction{
				NewInstruction(OpLdImm, 0, 0, 1), // accumulator nonzero
				NewInstruction(OpJmp, 0, 0, 0),   // jf=0 loops on itself
			},
			want: ErrStepLimit,
		},
		{
			name:    "packet bounds abort run",
			machine: New(),
			program: []Instruction{
				NewInstruction(OpLdAbsW, 0, 0, 1000),
				NewInstruction(OpRetA, 0, 0, 0),
			},
			packet: make([]byte, 8),
			want:   ErrPacketBounds,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.machine.Run(tt.program, tt.packet)
			if !errors.Is(err, tt.want) {
				t.Errorf("Run() = %v, want %v", err, tt.want)
			}
		})
	}
}

// TestMachineReuse tests serial reuse of one machine across runs.
func TestMachineReuse(t *testing.T) {
	m := New()
	prog := []Instruction{
		NewInstruction(OpLdAbsW, 0, 0, 3),
		NewInstruction(OpRetA, 0, 0, 0),
	}

	for i := 0; i < 3; i++ {
		m.Reset()
		verdict, err := m.Run(prog, testPacket(3))
		if err != nil {
			t.Fatalf("run %d failed: %v", i, err)
		}
		if verdict != 0xDEADBEEF {
			t.Errorf("run %d verdict = 0x%x, want 0xDEADBEEF", i, verdict)
		}
	}
}
