package cfg

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"scatterbrain/internal/asm"
	"scatterbrain/internal/disasm"
)

// UnresolvedBlock reports a block the stepper could not finish: either
// a decode failure or a dispatcher call D could not resolve.
type UnresolvedBlock struct {
	RVA    uint32
	Reason string
}

func (e *UnresolvedBlock) Error() string {
	return fmt.Sprintf("cfg: block at %#x unresolved: %s", e.RVA, e.Reason)
}

// Stepper walks one function at a time, applying rules and emitting
// basic blocks, per function.
type Stepper struct {
	disasm   *disasm.Engine
	asm      *asm.Engine
	rules    RuleSet
	resolver DispatcherResolver
	log      *logrus.Logger

	maxInstrs int
}

func NewStepper(d *disasm.Engine, a *asm.Engine, rules RuleSet, resolver DispatcherResolver, maxInstrs int, log *logrus.Logger) *Stepper {
	return &Stepper{disasm: d, asm: a, rules: rules, resolver: resolver, maxInstrs: maxInstrs, log: log}
}

// stepState is the per-function bookkeeping recover_cfg_step's
// CFGStepState plays: a worklist of RVAs still to explore, the set
// already visited, and the raw (pre-normalization) recovered stream.
type stepState struct {
	toExplore []uint32
	visited   map[uint32]bool
	recovered []Instruction
	eaToIndex map[uint32]int
	backbone  map[uint32]uint32 // obfuscator junk-jump ea -> real destination ea
}

// Walk builds fn's CFG starting at fn.EntryRVA. It mutates fn in place
// and never removes a function once it exists; cross-function join
// detection (a call target that turns out to already be a known
// function entry) is internal/funcs's responsibility, since it is the
// only pass that sees the whole discovered function set.
func (s *Stepper) Walk(fn *Function) {
	fn.State = StateWalking
	st := &stepState{
		toExplore: []uint32{fn.EntryRVA},
		visited:   make(map[uint32]bool),
		eaToIndex: make(map[uint32]int),
		backbone:  make(map[uint32]uint32),
	}

	for len(st.toExplore) > 0 {
		if len(st.recovered) >= s.maxInstrs {
			fn.State = StateUnresolved
			break
		}
		curr := st.toExplore[len(st.toExplore)-1]
		st.toExplore = st.toExplore[:len(st.toExplore)-1]
		if st.visited[curr] {
			continue
		}
		st.visited[curr] = true

		if !s.stepOne(fn, st, curr) {
			fn.State = StateUnresolved
		}
	}

	if fn.State == StateWalking {
		fn.State = StateComplete
	}
	normalize(fn, st, s.asm, s.disasm, s.log)
}

// stepOne decodes one instruction, runs it through the rule set, and
// either rewrites/drops it or appends it to the raw recovered stream
// and queues its successor. It returns false when the function should
// be left unresolved from this point (decode failure or an
// irresolvable dispatcher call).
func (s *Stepper) stepOne(fn *Function, st *stepState, rva uint32) bool {
	instr, err := s.disasm.DecodeAt(rva)
	if err != nil {
		s.log.WithField("rva", fmt.Sprintf("%#x", rva)).WithError(err).Debug("cfg: decode failed, terminating block as indirect")
		return false
	}

	window := s.lookaheadWindow(instr, st)
	for _, rule := range s.rules.Rules {
		res := evaluateRule(rule, window, s.resolver)
		switch res.Outcome {
		case NoMatch:
			continue
		case Dead:
			// Re-enter stepping at the instruction following the whole
			// matched window without emitting anything from it.
			next := rva
			for i := 0; i < res.ConsumedInstrs && i < len(window); i++ {
				next = window[i].EndRVA()
			}
			st.toExplore = append(st.toExplore, next)
			return true
		case Rewritten:
			return s.applyRewrite(st, window, res)
		case Redirected:
			s.emit(st, instr, TagDispatcherCall)
			st.backbone[instr.RVA] = res.Target
			st.toExplore = append(st.toExplore, res.Target)
			return true
		case RedirectUnresolved:
			return false
		}
	}

	return s.classifyAndAdvance(fn, st, instr)
}

// lookaheadWindow decodes up to 3 additional instructions after instr
// so multi-instruction rules (push/pop, opaque-predicate) have
// something to match against; failures just shorten the window.
func (s *Stepper) lookaheadWindow(instr *disasm.Instruction, st *stepState) []*disasm.Instruction {
	window := []*disasm.Instruction{instr}
	cursor := instr.EndRVA()
	for i := 0; i < 3; i++ {
		next, err := s.disasm.DecodeAt(cursor)
		if err != nil {
			break
		}
		window = append(window, next)
		cursor = next.EndRVA()
	}
	return window
}

func (s *Stepper) applyRewrite(st *stepState, window []*disasm.Instruction, res Result) bool {
	// An opaque-predicate "always taken" rewrite: drop the compare, keep
	// the branch but re-assemble it unconditional at the same address.
	if len(window) < 2 {
		return false
	}
	jcc := window[1]
	target, ok := jcc.BranchTarget()
	if !ok {
		return false
	}
	bytes, err := s.asm.JmpRel32(uint64(window[0].RVA), target)
	if err != nil {
		s.log.WithError(err).Debug("cfg: failed to re-assemble collapsed opaque predicate")
		return false
	}
	rewritten, err := s.disasm.DecodeBuffer(bytes, window[0].RVA)
	if err != nil {
		return false
	}
	s.emit(st, rewritten, TagOpaquePredicate)
	st.toExplore = append(st.toExplore, uint32(target))
	return true
}

func (s *Stepper) classifyAndAdvance(fn *Function, st *stepState, instr *disasm.Instruction) bool {
	switch {
	case instr.IsIndirectCallOrJmp():
		// An indirect call/jmp no rule recognized as a dispatcher site:
		// D never saw it, so it cannot be resolved. Returning false makes
		// Walk mark the whole function unresolved; the blocks recovered so
		// far and the rest of the worklist are still kept and walked.
		s.emit(st, instr, TagDispatcherCall)
		return false

	case instr.IsJcc():
		s.emit(st, instr, TagNormal)
		if target, ok := instr.BranchTarget(); ok {
			st.toExplore = append(st.toExplore, target)
		}
		st.toExplore = append(st.toExplore, instr.EndRVA())
		return true

	case instr.IsJmp() && instr.IsDirectBranchOrCall():
		s.emit(st, instr, TagNormal)
		if target, ok := instr.BranchTarget(); ok {
			st.toExplore = append(st.toExplore, target)
		}
		return true

	case instr.IsRet():
		s.emit(st, instr, TagNormal)
		return true

	case instr.IsCall() && instr.IsDirectBranchOrCall():
		s.emit(st, instr, TagNormal)
		st.toExplore = append(st.toExplore, instr.EndRVA())
		return true

	default:
		s.emit(st, instr, TagNormal)
		st.toExplore = append(st.toExplore, instr.EndRVA())
		return true
	}
}

func (s *Stepper) emit(st *stepState, instr *disasm.Instruction, tag Tag) {
	ri := Instruction{Instruction: instr, Tag: tag}
	st.eaToIndex[instr.RVA] = len(st.recovered)
	st.recovered = append(st.recovered, ri)
}
