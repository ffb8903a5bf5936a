package cfg

import (
	"github.com/sirupsen/logrus"

	"scatterbrain/internal/asm"
	"scatterbrain/internal/disasm"
)

// normalize turns the raw, decode-order recovered stream into the
// function's basic-block graph: it walks the junk-jump/dispatcher
// backbone so every branch target lands on a real recovered
// instruction, splices in a synthetic unconditional jump wherever the
// next recovered instruction in decode order isn't actually the fall
// through target, and finally groups the result into blocks split at
// every terminator. Grounded on
// original_source/recover/recover_cfg.py's normalize_raw_recovery.
func normalize(fn *Function, st *stepState, a *asm.Engine, d *disasm.Engine, log *logrus.Logger) {
	if len(st.recovered) == 0 {
		return
	}

	walkBackbone := func(ea uint32) uint32 {
		curr := ea
		for {
			next, ok := st.backbone[curr]
			if !ok {
				return curr
			}
			curr = next
		}
	}

	linear := make([]Instruction, 0, len(st.recovered))

	for i, r := range st.recovered {
		linear = append(linear, r)

		if isBoundaryInstr(r) {
			continue
		}

		fallThrough := walkBackbone(r.EndRVA())
		_, knownRecovered := st.eaToIndex[fallThrough]
		if !knownRecovered {
			// The obfuscator's backbone walked us somewhere the stepper
			// never actually recovered (e.g. it was cut short by the
			// instruction budget). No jump is synthesized; the block is
			// left open rather than jumping to nowhere.
			log.WithField("rva", r.RVA).Debug("cfg: fallthrough target was never recovered, leaving block open")
			continue
		}

		isLast := i == len(st.recovered)-1
		nextIsFallThrough := !isLast && st.recovered[i+1].RVA == fallThrough

		if !nextIsFallThrough {
			bytes, err := a.JmpRel32(uint64(r.RVA), uint64(fallThrough))
			if err != nil {
				log.WithField("rva", r.RVA).WithError(err).Debug("cfg: failed to synthesize boundary jmp")
				continue
			}
			synthetic, err := d.DecodeBuffer(bytes, r.RVA)
			if err != nil {
				continue
			}
			linear = append(linear, Instruction{Instruction: synthetic, Tag: TagJunkJump})
		}
	}

	updateBranchTargets(linear, walkBackbone, a, d, log)
	buildBlocks(fn, linear)
}

func isBoundaryInstr(r Instruction) bool {
	return r.IsRet() || r.IsJmp() || r.IsInt3()
}

// updateBranchTargets rewrites every jcc/direct-jmp's immediate operand
// so it points at the real recovered instruction a backbone walk
// resolves to, instead of whatever junk-jump or dispatcher site it
// originally targeted.
func updateBranchTargets(linear []Instruction, walkBackbone func(uint32) uint32, a *asm.Engine, d *disasm.Engine, log *logrus.Logger) {
	for i, r := range linear {
		if !r.IsJcc() && !(r.IsJmp() && r.IsDirectBranchOrCall()) {
			continue
		}
		target, ok := r.BranchTarget()
		if !ok {
			continue
		}
		resolved := walkBackbone(uint32(target))
		if uint32(target) == resolved {
			continue
		}
		var bytes []byte
		var err error
		if r.IsJcc() {
			bytes, err = a.Jcc(r.Mnemonic, uint64(r.RVA), uint64(resolved))
		} else {
			bytes, err = a.JmpRel32(uint64(r.RVA), uint64(resolved))
		}
		if err != nil {
			log.WithField("rva", r.RVA).WithError(err).Debug("cfg: failed to re-target branch through backbone")
			continue
		}
		rewritten, err := d.DecodeBuffer(bytes, r.RVA)
		if err != nil {
			continue
		}
		linear[i] = Instruction{Instruction: rewritten, Tag: r.Tag}
	}
}

// buildBlocks splits the normalized linear stream into basic blocks at
// every terminator (jcc, jmp, ret, indirect call/jmp without a
// dispatcher resolution).
func buildBlocks(fn *Function, linear []Instruction) {
	if len(linear) == 0 {
		return
	}
	start := linear[0].RVA
	var curr []Instruction

	flush := func(term TerminatorKind, succs []uint32, unresolved bool) {
		if len(curr) == 0 {
			return
		}
		fn.Blocks[start] = &BasicBlock{
			StartRVA:   start,
			Instrs:     curr,
			Terminator: term,
			Successors: succs,
			Unresolved: unresolved,
		}
	}

	for i, r := range linear {
		curr = append(curr, r)
		term, succs, closes, unresolved := classifyTerminator(r)
		if !closes {
			continue
		}
		flush(term, succs, unresolved)
		curr = nil
		if i+1 < len(linear) {
			start = linear[i+1].RVA
		}
	}
	// Trailing non-terminated run (budget exhaustion cut it short):
	// still record it, as an unresolved indirect block, so the caller
	// retains whatever the stepper managed to recover.
	if len(curr) > 0 {
		flush(TermIndirect, nil, true)
	}
}

func classifyTerminator(r Instruction) (kind TerminatorKind, succs []uint32, closes bool, unresolved bool) {
	switch {
	case r.IsRet():
		return TermReturn, nil, true, false
	case r.IsJcc():
		target, _ := r.BranchTarget()
		return TermConditionalBranch, []uint32{uint32(target), r.EndRVA()}, true, false
	case r.IsJmp() && r.IsDirectBranchOrCall():
		target, _ := r.BranchTarget()
		return TermUnconditionalBranch, []uint32{uint32(target)}, true, false
	case r.IsJmp() && r.IsIndirectCallOrJmp():
		return TermIndirect, nil, true, true
	default:
		return TermFallthrough, nil, false, false
	}
}
