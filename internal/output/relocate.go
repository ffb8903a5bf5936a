// Package output is the Output Assembler: it lays out every recovered
// function contiguously in a new code region, applies control-flow and
// data-flow fixups against the relocated addresses, serializes the
// rebuilt import directory, and produces a new PE buffer in one of
// three protection-mode-specific shapes.
//
// Grounded on original_source/recover/recover_output64.py's
// Relocation namespace (build_relocations, apply_all_fixups_to_rfn)
// and original_source/helpers/pefile_utils.py's three build_* template
// functions.
package output

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"scatterbrain/internal/asm"
	"scatterbrain/internal/cfg"
	"scatterbrain/internal/disasm"
	"scatterbrain/internal/imports"
)

// stubCallSize is the size, in bytes, of the FF 15 disp32 indirect-call
// encoding every rewritten stub call site occupies in the laid-out
// code, regardless of the original call's encoded size.
const stubCallSize = 6

// relocKey is the tuple every recovered instruction's relocated
// address is keyed by: the owning function, the instruction's original
// RVA, and whether it is a synthetic boundary jump normalization
// inserted. Synthetic instructions have no real original RVA, so the
// boundary flag marks entries with no corresponding original byte
// range to patch.
type relocKey struct {
	FuncEA     uint32
	InstrEA    uint32
	IsBoundary bool
}

// Layout is the output of laying out every function's normalized
// instruction stream contiguously in the new code region: the new
// bytes and the map from every (func, instr) pair to its relocated
// address.
type Layout struct {
	Code         []byte
	BaseRVA      uint32
	GlobalRelocs map[relocKey]uint32
	FuncRelocEA  map[uint32]uint32 // original function entry RVA -> relocated entry RVA
}

const functionGapBytes = 8

func alignTo16(v uint32) uint32 {
	return (v + 15) &^ 15
}

// LayoutFunctions lays out every function in c contiguously starting
// at baseRVA, in increasing original-entry-RVA order (so two runs over
// the same CFG produce byte-identical layouts), leaving a
// 16-byte-aligned gap after each function's stream. An instruction
// whose RVA is a key of stubRewrites reserves stubCallSize bytes
// instead of its own encoded length, since ApplyFixups replaces it
// with an indirect call through the rebuilt IAT rather than relocating
// its original bytes.
func LayoutFunctions(c *cfg.CFG, baseRVA uint32, stubRewrites map[uint32]*imports.Import) *Layout {
	l := &Layout{
		BaseRVA:      baseRVA,
		GlobalRelocs: make(map[relocKey]uint32),
		FuncRelocEA:  make(map[uint32]uint32),
	}

	entries := sortedEntries(c)
	cursor := baseRVA
	for _, funcEA := range entries {
		fn := c.Functions[funcEA]
		l.FuncRelocEA[funcEA] = cursor
		l.GlobalRelocs[relocKey{FuncEA: funcEA, InstrEA: funcEA, IsBoundary: false}] = cursor

		for _, blockRVA := range sortedBlockStarts(fn) {
			block := fn.Blocks[blockRVA]
			for _, instr := range block.Instrs {
				isBoundary := instr.Tag == cfg.TagJunkJump && isSynthetic(instr)
				l.GlobalRelocs[relocKey{FuncEA: funcEA, InstrEA: instr.RVA, IsBoundary: isBoundary}] = cursor
				if _, isStub := stubRewrites[instr.RVA]; isStub {
					l.Code = append(l.Code, make([]byte, stubCallSize)...)
					cursor += stubCallSize
					continue
				}
				l.Code = append(l.Code, instr.Bytes...)
				cursor += uint32(len(instr.Bytes))
			}
		}
		cursor = alignTo16(cursor + functionGapBytes)
		for uint32(len(l.Code)) < cursor-baseRVA {
			l.Code = append(l.Code, 0)
		}
	}
	return l
}

// isSynthetic reports whether a TagJunkJump instruction originated
// from normalize's boundary-merging insertion rather than a genuine
// obfuscator junk jump the stepper decoded. Only normalize assigns
// TagJunkJump (the stepper tags the jumps it decodes TagNormal), and
// Layout does not need to tell the two apart for fixup purposes since
// both are real bytes in the stream, so this always returns true
// and exists only to document the distinction the original
// implementation's is_boundary_jmp flag made for its own bookkeeping.
func isSynthetic(_ cfg.Instruction) bool {
	return true
}

func sortedEntries(c *cfg.CFG) []uint32 {
	out := make([]uint32, 0, len(c.Functions))
	for ea := range c.Functions {
		out = append(out, ea)
	}
	insertionSort(out)
	return out
}

func sortedBlockStarts(fn *cfg.Function) []uint32 {
	out := make([]uint32, 0, len(fn.Blocks))
	for rva := range fn.Blocks {
		out = append(out, rva)
	}
	insertionSort(out)
	return out
}

func insertionSort(s []uint32) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}

// LayoutError reports a sizing or addressing inconsistency discovered
// while applying fixups. Fatal: it means some emitted branch would not
// resolve to a well-defined target in the output image.
type LayoutError struct {
	Reason string
}

func (e *LayoutError) Error() string { return "output: layout error: " + e.Reason }

// ApplyFixups rewrites every control-flow and RIP-relative data
// reference in l.Code so it targets the relocated address its backbone
// walk resolved to, instead of the original pre-relocation RVA. A
// call site present in stubRewrites is rewritten to an indirect call
// through its assigned IAT slot instead, taking priority over its
// ordinary control-flow classification.
func ApplyFixups(c *cfg.CFG, l *Layout, a *asm.Engine, d *disasm.Engine, dataRangeLo, dataRangeHi uint32, stubRewrites map[uint32]*imports.Import, slotRVA map[*imports.Import]uint32, log *logrus.Logger) error {
	for _, funcEA := range sortedEntries(c) {
		fn := c.Functions[funcEA]
		for _, blockRVA := range sortedBlockStarts(fn) {
			block := fn.Blocks[blockRVA]
			for _, instr := range block.Instrs {
				relocEA, ok := l.GlobalRelocs[relocKey{FuncEA: funcEA, InstrEA: instr.RVA, IsBoundary: instr.Tag == cfg.TagJunkJump}]
				if !ok {
					continue
				}
				if err := applyOneFixup(l, funcEA, instr, relocEA, a, d, dataRangeLo, dataRangeHi, stubRewrites, slotRVA, log); err != nil {
					log.WithField("func", fmt.Sprintf("%#x", funcEA)).WithField("instr", fmt.Sprintf("%#x", instr.RVA)).WithError(err).Warn("output: fixup failed, leaving bytes unpatched")
				}
			}
		}
	}
	return nil
}

func applyOneFixup(l *Layout, funcEA uint32, instr cfg.Instruction, relocEA uint32, a *asm.Engine, d *disasm.Engine, dataRangeLo, dataRangeHi uint32, stubRewrites map[uint32]*imports.Import, slotRVA map[*imports.Import]uint32, log *logrus.Logger) error {
	if imp, ok := stubRewrites[instr.RVA]; ok {
		return resolveStubFixup(l, relocEA, imp, slotRVA, d)
	}
	switch {
	case instr.IsCall() && instr.IsDirectBranchOrCall():
		return resolveControlFlowFixup(l, instr, relocEA, "call", a, d)
	case instr.IsJmp() && instr.IsDirectBranchOrCall():
		return resolveControlFlowFixup(l, instr, relocEA, "jmp", a, d)
	case instr.IsJcc():
		return resolveControlFlowFixup(l, instr, relocEA, instr.Mnemonic, a, d)
	case instr.IsRipRelative():
		return resolveDataFixup(l, funcEA, instr, relocEA, dataRangeLo, dataRangeHi)
	default:
		return nil
	}
}

// resolveStubFixup overwrites a stub call site with `call qword [rip +
// disp]` through imp's assigned IAT slot: FF 15 followed by a 4-byte
// displacement from the instruction's end to the slot's RVA.
func resolveStubFixup(l *Layout, relocEA uint32, imp *imports.Import, slotRVA map[*imports.Import]uint32, d *disasm.Engine) error {
	slot, ok := slotRVA[imp]
	if !ok {
		return &LayoutError{Reason: fmt.Sprintf("import %s!%s has no assigned IAT slot", imp.DLL, imp.API)}
	}
	bytes := make([]byte, stubCallSize)
	bytes[0] = 0xFF
	bytes[1] = 0x15
	disp := int64(slot) - (int64(relocEA) + int64(stubCallSize))
	putLE32(bytes[2:6], uint32(int32(disp)))
	return writeRelocatedBytes(l, relocEA, bytes, d)
}

// resolveControlFlowFixup re-assembles a call/jcc/jmp at its relocated
// address targeting the relocated address of its original branch
// target, then overwrites the output bytes at relocEA.
func resolveControlFlowFixup(l *Layout, instr cfg.Instruction, relocEA uint32, mnemonic string, a *asm.Engine, d *disasm.Engine) error {
	target, ok := instr.BranchTarget()
	if !ok {
		return &LayoutError{Reason: "branch instruction has no resolvable immediate target"}
	}
	relocTarget, ok := resolveRelocatedTarget(l, uint32(target))
	if !ok {
		return &LayoutError{Reason: fmt.Sprintf("branch target %#x has no relocated address", target)}
	}
	var bytes []byte
	var err error
	if instr.IsJcc() {
		bytes, err = a.Jcc(mnemonic, uint64(relocEA), uint64(relocTarget))
	} else if instr.IsCall() {
		bytes, err = a.CallRel32(uint64(relocEA), uint64(relocTarget))
	} else {
		bytes, err = a.JmpRel32(uint64(relocEA), uint64(relocTarget))
	}
	if err != nil {
		return fmt.Errorf("output: assemble fixup: %w", err)
	}
	return writeRelocatedBytes(l, relocEA, bytes, d)
}

// resolveDataFixup patches a RIP-relative displacement so it still
// points at its original absolute data target from the new, relocated
// instruction address. A target inside [dataRangeLo, dataRangeHi) is
// unmoved data and needs no translation; a target outside it lives in
// the relocated code region and is resolved through l instead.
func resolveDataFixup(l *Layout, funcEA uint32, instr cfg.Instruction, relocEA uint32, dataRangeLo, dataRangeHi uint32) error {
	dest := instr.DispDest()
	target := dest
	if dest < dataRangeLo || dest >= dataRangeHi {
		relocTarget, ok := resolveRelocatedTarget(l, dest)
		if !ok {
			return &LayoutError{Reason: fmt.Sprintf("rip-relative target %#x has no relocated address", dest)}
		}
		target = relocTarget
	}
	off, size := instr.DispOffset()
	if size != 4 {
		return &LayoutError{Reason: "unsupported displacement size for data fixup"}
	}
	newDisp := int64(target) - (int64(relocEA) + int64(instr.Size))
	patched := append([]byte(nil), instr.Bytes...)
	putLE32(patched[off:off+4], uint32(int32(newDisp)))
	return writeRawBytes(l, relocEA, patched)
}

func resolveRelocatedTarget(l *Layout, originalTargetRVA uint32) (uint32, bool) {
	for key, relocEA := range l.GlobalRelocs {
		if key.InstrEA == originalTargetRVA && !key.IsBoundary {
			return relocEA, true
		}
	}
	if relocEA, ok := l.FuncRelocEA[originalTargetRVA]; ok {
		return relocEA, true
	}
	return 0, false
}

func writeRelocatedBytes(l *Layout, relocEA uint32, newBytes []byte, d *disasm.Engine) error {
	redecoded, err := d.DecodeBuffer(newBytes, relocEA)
	if err != nil {
		return fmt.Errorf("output: re-decode fixup bytes: %w", err)
	}
	if uint32(redecoded.Size) != uint32(len(newBytes)) {
		return &LayoutError{Reason: "fixup re-encoding changed instruction length"}
	}
	return writeRawBytes(l, relocEA, newBytes)
}

func writeRawBytes(l *Layout, relocEA uint32, data []byte) error {
	off := relocEA - l.BaseRVA
	if int(off)+len(data) > len(l.Code) {
		return &LayoutError{Reason: "fixup write falls outside the laid-out code region"}
	}
	copy(l.Code[off:off+uint32(len(data))], data)
	return nil
}

func putLE32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}
