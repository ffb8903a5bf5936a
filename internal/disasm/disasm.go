// Package disasm wraps the Capstone x86 disassembler (via gapstone),
// grounded on original_source/helpers/x86disasm.py: a thin engine plus
// an extended instruction type exposing the classification predicates
// internal/cfg and internal/output need.
package disasm

import (
	"fmt"

	"github.com/knightsc/gapstone"
)

// Instruction is a decoded x86-64 instruction at a given RVA, extended
// with the classification helpers the recovery passes need. Mirrors
// x86disasm.py's x86Instr.
type Instruction struct {
	RVA     uint32
	Size    uint32
	Mnemonic string
	OpStr    string
	Bytes    []byte

	id  uint
	raw gapstone.Instruction
}

// Engine decodes instructions out of a fixed underlying image buffer,
// the same role x86Decoder plays in x86disasm.py.
type Engine struct {
	cs   gapstone.Engine
	data []byte
}

// New creates a 64-bit Intel disassembly engine over the given image
// buffer, with detail mode on for operand access.
func New(data []byte) (*Engine, error) {
	cs, err := gapstone.New(gapstone.CS_ARCH_X86, gapstone.CS_MODE_64)
	if err != nil {
		return nil, fmt.Errorf("disasm: open capstone engine: %w", err)
	}
	if err := cs.SetOption(gapstone.CS_OPT_DETAIL, gapstone.CS_OPT_ON); err != nil {
		return nil, fmt.Errorf("disasm: enable detail mode: %w", err)
	}
	return &Engine{cs: cs, data: data}, nil
}

// Close releases the underlying Capstone handle.
func (e *Engine) Close() error {
	return e.cs.Close()
}

// DecodeAt decodes a single instruction at the given RVA. Capstone
// needs at most 15 bytes of lookahead for any x86-64 instruction.
func (e *Engine) DecodeAt(rva uint32) (*Instruction, error) {
	end := int(rva) + 15
	if end > len(e.data) {
		end = len(e.data)
	}
	if int(rva) >= len(e.data) {
		return nil, fmt.Errorf("disasm: rva %#x outside image (len=%#x)", rva, len(e.data))
	}
	insns, err := e.cs.Disasm(e.data[rva:end], uint64(rva), 1)
	if err != nil || len(insns) == 0 {
		return nil, fmt.Errorf("disasm: decode failed at %#x: %w", rva, err)
	}
	return wrap(insns[0]), nil
}

// DecodeBuffer decodes a single instruction out of an arbitrary byte
// slice as if located at rva. Used to re-decode bytes internal/asm just
// assembled, matching d.mdp.decode_buffer(...) in the original.
func (e *Engine) DecodeBuffer(buf []byte, rva uint32) (*Instruction, error) {
	insns, err := e.cs.Disasm(buf, uint64(rva), 1)
	if err != nil || len(insns) == 0 {
		return nil, fmt.Errorf("disasm: decode buffer failed at %#x: %w", rva, err)
	}
	return wrap(insns[0]), nil
}

func wrap(ins gapstone.Instruction) *Instruction {
	return &Instruction{
		RVA:      uint32(ins.Address),
		Size:     uint32(len(ins.Bytes)),
		Mnemonic: ins.Mnemonic,
		OpStr:    ins.OpStr,
		Bytes:    append([]byte(nil), ins.Bytes...),
		id:       uint(ins.Id),
		raw:      ins,
	}
}

// EndRVA is the address immediately following this instruction.
func (i *Instruction) EndRVA() uint32 { return i.RVA + i.Size }

// --- Classification (mirrors x86Instr in x86disasm.py) ---

func (i *Instruction) IsCall() bool { return i.id == x86InsCall }
func (i *Instruction) IsJmp() bool  { return i.id == x86InsJmp }
func (i *Instruction) IsRet() bool  { return i.id == x86InsRet }
func (i *Instruction) IsInt3() bool { return i.id == x86InsInt3 }
func (i *Instruction) IsNop() bool  { return i.id == x86InsNop }

// IsJcc reports whether the instruction is a conditional branch.
func (i *Instruction) IsJcc() bool {
	_, ok := jccMnemonics[i.id]
	return ok
}

// IsIndirectCallOrJmp reports a call/jmp through a register or memory
// operand, the shape a dispatcher-call pattern takes.
func (i *Instruction) IsIndirectCallOrJmp() bool {
	if !i.IsCall() && !i.IsJmp() {
		return false
	}
	if len(i.raw.X86.Operands) == 0 {
		return false
	}
	op := i.raw.X86.Operands[0]
	return op.Type == gapstone.X86_OP_REG || op.Type == gapstone.X86_OP_MEM
}

// IsDirectBranchOrCall reports call/jmp/jcc with an immediate (direct)
// target operand.
func (i *Instruction) IsDirectBranchOrCall() bool {
	if !i.IsCall() && !i.IsJmp() && !i.IsJcc() {
		return false
	}
	if len(i.raw.X86.Operands) == 0 {
		return false
	}
	return i.raw.X86.Operands[0].Type == gapstone.X86_OP_IMM
}

// BranchTarget returns the absolute branch target for a direct
// call/jmp/jcc, i.e. the decoded immediate operand.
func (i *Instruction) BranchTarget() (uint64, bool) {
	if len(i.raw.X86.Operands) == 0 {
		return 0, false
	}
	op := i.raw.X86.Operands[0]
	if op.Type != gapstone.X86_OP_IMM {
		return 0, false
	}
	return uint64(op.Imm), true
}

// IsRipRelative reports whether any memory operand uses RIP-relative
// addressing, the mode nearly all x86-64 data references and
// control-flow instructions use (recover_output64.py
// apply_all_fixups_to_rfn).
func (i *Instruction) IsRipRelative() bool {
	for _, op := range i.raw.X86.Operands {
		if op.Type == gapstone.X86_OP_MEM && op.Mem.Base == x86RegRIP {
			return true
		}
	}
	return false
}

// DispOffset returns the byte offset within Bytes where the
// displacement field begins, and its size in bytes. Needed to patch a
// RIP-relative fixup in place (recover_output64.py
// resolve_disp_fixup_and_apply).
func (i *Instruction) DispOffset() (offset, size int) {
	return int(i.raw.X86.Encoding.DispOffset), int(i.raw.X86.Encoding.DispSize)
}

// Disp returns the raw signed displacement value baked into the
// instruction at decode time.
func (i *Instruction) Disp() int64 {
	for _, op := range i.raw.X86.Operands {
		if op.Type == gapstone.X86_OP_MEM && op.Mem.Disp != 0 {
			return op.Mem.Disp
		}
	}
	return 0
}

// DispDest computes the absolute RVA a RIP-relative displacement
// refers to: ea + size + disp (recover_output64.py `disp_dest`).
func (i *Instruction) DispDest() uint32 {
	d := i.Disp()
	if d == 0 {
		return 0
	}
	return uint32(int64(i.RVA)+int64(i.Size)) + uint32(d)
}

// String renders the instruction the way the original tooling's
// x86Instr.__repr__ does.
func (i *Instruction) String() string {
	return fmt.Sprintf("%#08x (%x) %s %s", i.RVA, i.Bytes, i.Mnemonic, i.OpStr)
}

var jccMnemonics = map[uint]struct{}{
	x86InsJa: {}, x86InsJae: {}, x86InsJb: {}, x86InsJbe: {},
	x86InsJe: {}, x86InsJne: {}, x86InsJg: {}, x86InsJge: {},
	x86InsJl: {}, x86InsJle: {}, x86InsJo: {}, x86InsJno: {},
	x86InsJs: {}, x86InsJns: {}, x86InsJp: {}, x86InsJnp: {},
	x86InsJcxz: {}, x86InsJecxz: {}, x86InsJrcxz: {},
}

// x86* constants alias the gapstone/capstone instruction and register
// ids used by the classification predicates above, kept as a small
// indirection layer so the rest of the package reads by mnemonic name
// instead of raw capstone ids.
const (
	x86InsCall = uint(gapstone.X86_INS_CALL)
	x86InsJmp  = uint(gapstone.X86_INS_JMP)
	x86InsRet  = uint(gapstone.X86_INS_RET)
	x86InsInt3 = uint(gapstone.X86_INS_INT3)
	x86InsNop  = uint(gapstone.X86_INS_NOP)

	x86InsJa    = uint(gapstone.X86_INS_JA)
	x86InsJae   = uint(gapstone.X86_INS_JAE)
	x86InsJb    = uint(gapstone.X86_INS_JB)
	x86InsJbe   = uint(gapstone.X86_INS_JBE)
	x86InsJe    = uint(gapstone.X86_INS_JE)
	x86InsJne   = uint(gapstone.X86_INS_JNE)
	x86InsJg    = uint(gapstone.X86_INS_JG)
	x86InsJge   = uint(gapstone.X86_INS_JGE)
	x86InsJl    = uint(gapstone.X86_INS_JL)
	x86InsJle   = uint(gapstone.X86_INS_JLE)
	x86InsJo    = uint(gapstone.X86_INS_JO)
	x86InsJno   = uint(gapstone.X86_INS_JNO)
	x86InsJs    = uint(gapstone.X86_INS_JS)
	x86InsJns   = uint(gapstone.X86_INS_JNS)
	x86InsJp    = uint(gapstone.X86_INS_JP)
	x86InsJnp   = uint(gapstone.X86_INS_JNP)
	x86InsJcxz  = uint(gapstone.X86_INS_JCXZ)
	x86InsJecxz = uint(gapstone.X86_INS_JECXZ)
	x86InsJrcxz = uint(gapstone.X86_INS_JRCXZ)

	x86RegRIP = uint(gapstone.X86_REG_RIP)
)
