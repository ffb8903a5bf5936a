// Package emu wraps the Unicorn CPU emulator. It initializes a 64-bit
// x86 emulator with a sparsely-mapped image view, a stack, and fault
// hooks, and exposes single-shot and bounded-run execution to the
// dispatcher recovery pass (internal/dispatch).
//
// The emulator is treated as an opaque capability behind a narrow
// interface (map, set regs, run, read regs/mem, reset) so that a
// different backend could be substituted without touching recovery
// logic, mirroring the role EmulateIntel64 plays over Unicorn in
// original_source/helpers/emu64.py.
package emu

import (
	"fmt"

	"github.com/sirupsen/logrus"
	uc "github.com/unicorn-engine/unicorn/bindings/go/unicorn"
)

const (
	pageSize = 0x1000

	// defaultStackBase/Size mirror emu64.py's STACK_ADDR/STACK_SIZE:
	// a small, fixed, page-aligned region far from the mapped image so
	// stack references never alias it.
	defaultStackBase = 0x0000700000000000
	defaultStackSize = 0x4000
)

// RegState is the x86-64 general-purpose register file the emulator can
// be seeded with or read back from. Dispatcher recovery uses a fixed,
// constant initial RegState for every site so that two runs over the
// same input produce identical results.
type RegState struct {
	RAX, RBX, RCX, RDX    uint64
	RSI, RDI, RBP, RSP    uint64
	R8, R9, R10, R11      uint64
	R12, R13, R14, R15    uint64
	RIP                   uint64
	EFLAGS                uint64
}

// Outcome classifies how RunUntil terminated.
type Outcome int

const (
	Halted Outcome = iota
	StopPredicateFired
	StepBudgetExceeded
	Fault
)

func (o Outcome) String() string {
	switch o {
	case Halted:
		return "halted-normally"
	case StopPredicateFired:
		return "stop-predicate-fired"
	case StepBudgetExceeded:
		return "step-budget-exceeded"
	case Fault:
		return "fault"
	default:
		return "unknown"
	}
}

// FaultKind distinguishes the memory faults the obfuscator's dispatcher
// code can trigger while touching memory outside the mapped image.
type FaultKind int

const (
	FaultNone FaultKind = iota
	FaultUnmappedRead
	FaultUnmappedWrite
	FaultUnmappedFetch
	FaultInvalidInstruction
)

// RunResult reports the outcome of a bounded run. Faults are data, not
// errors: the obfuscator frequently emits instructions that touch
// memory the emulator never mapped, and that is a signal to dispatcher
// recovery, not a pipeline failure.
type RunResult struct {
	Outcome   Outcome
	FinalPC   uint64
	Steps     int
	FaultAddr uint64
	FaultKind FaultKind
}

// StopPredicate decides, given the instruction pointer about to
// execute, whether RunUntil should stop before executing it.
type StopPredicate func(pc uint64) bool

// Emulator owns one Unicorn instance plus the bookkeeping needed to
// reproducibly map an image and run bounded emulations over it.
type Emulator struct {
	mu  uc.Unicorn
	log *logrus.Logger

	imageMapped bool
	imageBase   uint64
	imageSize   uint64

	stackBase uint64
	stackSize uint64
}

// New opens a fresh 64-bit x86 Unicorn instance with a mapped stack
// region, ready for MapImage.
func New(log *logrus.Logger) (*Emulator, error) {
	mu, err := uc.NewUnicorn(uc.ARCH_X86, uc.MODE_64)
	if err != nil {
		return nil, fmt.Errorf("emu: open unicorn: %w", err)
	}
	e := &Emulator{
		mu:        mu,
		log:       log,
		stackBase: defaultStackBase,
		stackSize: defaultStackSize,
	}
	if err := e.mu.MemMap(e.stackBase, e.stackSize); err != nil {
		return nil, fmt.Errorf("emu: map stack: %w", err)
	}
	return e, nil
}

// Close releases the underlying Unicorn handle.
func (e *Emulator) Close() error {
	return e.mu.Close()
}

func alignUp(n, align uint64) uint64 {
	return (n + align - 1) &^ (align - 1)
}

// MapImage maps a read-write view of the image bytes at `base` (the
// caller-chosen absolute virtual address corresponding to RVA 0),
// rounding the mapping up to a page boundary the way
// EmulateIntel64.map_shellcode does. Mapping the whole image (rather
// than only the dispatcher's containing section) keeps the emulator's
// configuration identical across every dispatcher site, which the
// determinism requirement for dispatcher resolution depends on.
func (e *Emulator) MapImage(base uint64, data []byte) error {
	size := alignUp(uint64(len(data)), pageSize)
	if size == 0 {
		size = pageSize
	}
	if err := e.mu.MemMap(base, size); err != nil {
		return fmt.Errorf("emu: map image at %#x (%#x bytes): %w", base, size, err)
	}
	if err := e.mu.MemWrite(base, data); err != nil {
		return fmt.Errorf("emu: write image bytes: %w", err)
	}
	e.imageMapped = true
	e.imageBase = base
	e.imageSize = size
	return nil
}

// WriteRegs seeds the full register file. Dispatcher recovery calls
// this with the pipeline's one constant initial state before every
// site.
func (e *Emulator) WriteRegs(s RegState) error {
	regs := map[int]uint64{
		uc.X86_REG_RAX: s.RAX, uc.X86_REG_RBX: s.RBX,
		uc.X86_REG_RCX: s.RCX, uc.X86_REG_RDX: s.RDX,
		uc.X86_REG_RSI: s.RSI, uc.X86_REG_RDI: s.RDI,
		uc.X86_REG_RBP: s.RBP, uc.X86_REG_RSP: s.RSP,
		uc.X86_REG_R8: s.R8, uc.X86_REG_R9: s.R9,
		uc.X86_REG_R10: s.R10, uc.X86_REG_R11: s.R11,
		uc.X86_REG_R12: s.R12, uc.X86_REG_R13: s.R13,
		uc.X86_REG_R14: s.R14, uc.X86_REG_R15: s.R15,
		uc.X86_REG_RIP:    s.RIP,
		uc.X86_REG_EFLAGS: s.EFLAGS,
	}
	for reg, val := range regs {
		if err := e.mu.RegWrite(reg, val); err != nil {
			return fmt.Errorf("emu: write reg %d: %w", reg, err)
		}
	}
	return nil
}

// ReadRegs reads back the full register file, used to classify a
// resolved dispatcher (condition-code snapshot, carry flag) once
// emulation has stopped at the dispatch target.
func (e *Emulator) ReadRegs() (RegState, error) {
	read := func(reg int) uint64 {
		v, _ := e.mu.RegRead(reg)
		return v
	}
	return RegState{
		RAX: read(uc.X86_REG_RAX), RBX: read(uc.X86_REG_RBX),
		RCX: read(uc.X86_REG_RCX), RDX: read(uc.X86_REG_RDX),
		RSI: read(uc.X86_REG_RSI), RDI: read(uc.X86_REG_RDI),
		RBP: read(uc.X86_REG_RBP), RSP: read(uc.X86_REG_RSP),
		R8: read(uc.X86_REG_R8), R9: read(uc.X86_REG_R9),
		R10: read(uc.X86_REG_R10), R11: read(uc.X86_REG_R11),
		R12: read(uc.X86_REG_R12), R13: read(uc.X86_REG_R13),
		R14: read(uc.X86_REG_R14), R15: read(uc.X86_REG_R15),
		RIP:    read(uc.X86_REG_RIP),
		EFLAGS: read(uc.X86_REG_EFLAGS),
	}, nil
}

// ReadReg reads a single named register ("rip", "rax", "eflags", ...).
func (e *Emulator) ReadReg(name string) (uint64, error) {
	reg, ok := regByName[name]
	if !ok {
		return 0, fmt.Errorf("emu: unknown register %q", name)
	}
	return e.mu.RegRead(reg)
}

// ReadMem reads n bytes from absolute address addr.
func (e *Emulator) ReadMem(addr uint64, n int) ([]byte, error) {
	return e.mu.MemRead(addr, uint64(n))
}

// Reset clears the mapped image and stack so the emulator can be
// reused for the next dispatcher site with a guaranteed-clean state,
// matching emu64.py's approach of snapshot/restore per dispatch.
func (e *Emulator) Reset() error {
	if e.imageMapped {
		if err := e.mu.MemUnmap(e.imageBase, e.imageSize); err != nil {
			return fmt.Errorf("emu: unmap image: %w", err)
		}
		e.imageMapped = false
	}
	zero := make([]byte, e.stackSize)
	if err := e.mu.MemWrite(e.stackBase, zero); err != nil {
		return fmt.Errorf("emu: clear stack: %w", err)
	}
	return nil
}

// StackTop returns an address suitable for seeding RSP: near the top
// of the mapped stack region, leaving headroom for pushes.
func (e *Emulator) StackTop() uint64 {
	return e.stackBase + e.stackSize - 0x100
}

// RunUntil runs from `start` until the stop predicate fires for the
// next instruction, emulation ends on its own, the step budget is
// exceeded, or a fault occurs; a `ret` gets no special treatment. Faults and budget exhaustion are
// reported via RunResult.Outcome, never as a Go error.
func (e *Emulator) RunUntil(start uint64, stop StopPredicate, maxSteps int) (*RunResult, error) {
	result := &RunResult{Outcome: Halted, FinalPC: start}
	steps := 0

	codeHook, err := e.mu.HookAdd(uc.HOOK_CODE, func(mu uc.Unicorn, addr uint64, size uint32) {
		steps++
		result.Steps = steps
		result.FinalPC = addr
		if steps > maxSteps {
			result.Outcome = StepBudgetExceeded
			_ = mu.Stop()
			return
		}
		if stop != nil && stop(addr) {
			result.Outcome = StopPredicateFired
			_ = mu.Stop()
		}
	}, start, ^uint64(0))
	if err != nil {
		return nil, fmt.Errorf("emu: add code hook: %w", err)
	}
	defer func() { _ = e.mu.HookDel(codeHook) }()

	faultHook, err := e.mu.HookAdd(uc.HOOK_MEM_INVALID, func(mu uc.Unicorn, access int, addr uint64, size int, value int64) bool {
		result.Outcome = Fault
		result.FaultAddr = addr
		switch access {
		case uc.MEM_READ_UNMAPPED, uc.MEM_READ_PROT:
			result.FaultKind = FaultUnmappedRead
		case uc.MEM_WRITE_UNMAPPED, uc.MEM_WRITE_PROT:
			result.FaultKind = FaultUnmappedWrite
		case uc.MEM_FETCH_UNMAPPED, uc.MEM_FETCH_PROT:
			result.FaultKind = FaultUnmappedFetch
		default:
			result.FaultKind = FaultInvalidInstruction
		}
		return false
	}, 1, 0)
	if err != nil {
		return nil, fmt.Errorf("emu: add fault hook: %w", err)
	}
	defer func() { _ = e.mu.HookDel(faultHook) }()

	if err := e.mu.Start(start, ^uint64(0)); err != nil {
		// A non-fault Start() error (e.g. invalid instruction decode
		// inside Unicorn itself) is still reported as a fault rather
		// than propagated, consistent with the failure policy dispatcher
		// resolution uses for every other emulation stop condition.
		if result.Outcome == Halted {
			result.Outcome = Fault
			result.FaultKind = FaultInvalidInstruction
			result.FaultAddr = result.FinalPC
		}
		if e.log != nil {
			e.log.WithError(err).WithField("pc", fmt.Sprintf("%#x", result.FinalPC)).Debug("emu: run stopped")
		}
	}
	return result, nil
}

var regByName = map[string]int{
	"rax": uc.X86_REG_RAX, "rbx": uc.X86_REG_RBX,
	"rcx": uc.X86_REG_RCX, "rdx": uc.X86_REG_RDX,
	"rsi": uc.X86_REG_RSI, "rdi": uc.X86_REG_RDI,
	"rbp": uc.X86_REG_RBP, "rsp": uc.X86_REG_RSP,
	"r8": uc.X86_REG_R8, "r9": uc.X86_REG_R9,
	"r10": uc.X86_REG_R10, "r11": uc.X86_REG_R11,
	"r12": uc.X86_REG_R12, "r13": uc.X86_REG_R13,
	"r14": uc.X86_REG_R14, "r15": uc.X86_REG_R15,
	"rip": uc.X86_REG_RIP, "eflags": uc.X86_REG_EFLAGS,
}
