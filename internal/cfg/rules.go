package cfg

import "scatterbrain/internal/disasm"

// RuleKind is the closed set of rule families a mutation rule can
// belong to. Rules are data (a Kind plus a few parameters), evaluated
// by the single dispatch function evaluateRule below, rather than
// separate types behind an interface, keeping the rule set closed and
// auditable instead of an open-ended vtable/plugin surface.
type RuleKind int

const (
	// KindPushPopCollapse matches `push r; pop r` over the same register
	// with nothing of consequence between, a semantics-preserving no-op
	// pair ScatterBrain inserts as padding.
	KindPushPopCollapse RuleKind = iota
	// KindNopCollapse matches a run of instructions that are all
	// semantically nop (explicit nop, or xchg reg,reg over the same
	// register) and marks the whole run dead. lea r,[r+0] and other
	// no-op forms are not matched.
	KindNopCollapse
	// KindOpaquePredicateCollapse matches a compare-then-branch pair
	// whose outcome is forced by an immediately preceding instruction
	// that sets the relevant flag to a constant value, and collapses the
	// pair to either nothing (never taken) or an unconditional branch
	// (always taken).
	KindOpaquePredicateCollapse
	// KindDispatcherRedirect matches a call or jmp, direct or indirect,
	// whose target is a known dispatcher prologue site, and redirects it
	// to D's resolved target.
	KindDispatcherRedirect
)

// Rule is one entry of a rule set: a kind plus the parameters that
// kind's evaluator needs. WindowLen bounds how many already-decoded
// instructions the rule inspects starting at the current position.
type Rule struct {
	Kind      RuleKind
	Name      string
	WindowLen int
}

// Outcome classifies what a fired rule did to the stepper's position.
type Outcome int

const (
	NoMatch Outcome = iota
	// Dead marks the matched window as dead code; the stepper advances
	// past it without emitting anything.
	Dead
	// Rewritten replaces the matched window with a shorter
	// semantically-equivalent sequence, re-decoded and emitted in its
	// place.
	Rewritten
	// Redirected closes the current block with a direct branch to a
	// resolved dispatcher target.
	Redirected
	// RedirectUnresolved makes the stepper mark the function unresolved
	// and stop stepping the current path. No rule evaluator in this
	// package returns it: evalDispatcherRedirect reports an unresolved
	// dispatcher site as NoMatch.
	RedirectUnresolved
)

// Result is what evaluating one rule against the current window
// produced.
type Result struct {
	Outcome      Outcome
	ConsumedInstrs int      // for Dead: how many window instructions to skip
	NewBytes     []byte      // for Rewritten: replacement machine code
	Target       uint32      // for Redirected: the resolved branch target
	Tag          Tag
}

// DispatcherResolver is the narrow view of Dispatcher Recovery the CFG
// stepper consults. Implemented by internal/dispatch.Table.
type DispatcherResolver interface {
	Resolve(siteRVA uint32) (targetRVA uint32, isConditional bool, ok bool)
}

// evaluateRule is the single shared dispatch function every rule kind
// goes through; it is the "evaluate mutation rules in order against
// the current window" step of the per-instruction loop.
func evaluateRule(rule Rule, window []*disasm.Instruction, resolver DispatcherResolver) Result {
	switch rule.Kind {
	case KindPushPopCollapse:
		return evalPushPopCollapse(window)
	case KindNopCollapse:
		return evalNopCollapse(window)
	case KindOpaquePredicateCollapse:
		return evalOpaquePredicateCollapse(window)
	case KindDispatcherRedirect:
		return evalDispatcherRedirect(window, resolver)
	default:
		return Result{Outcome: NoMatch}
	}
}

func evalPushPopCollapse(window []*disasm.Instruction) Result {
	if len(window) < 2 {
		return Result{Outcome: NoMatch}
	}
	a, b := window[0], window[1]
	if a.Mnemonic == "push" && b.Mnemonic == "pop" && a.OpStr == b.OpStr {
		return Result{Outcome: Dead, ConsumedInstrs: 2, Tag: TagObfuscatorGarbage}
	}
	return Result{Outcome: NoMatch}
}

func isSemanticNop(i *disasm.Instruction) bool {
	if i.IsNop() {
		return true
	}
	if i.Mnemonic == "xchg" {
		// xchg reg, reg with identical operands on both sides.
		parts := splitOperands(i.OpStr)
		return len(parts) == 2 && parts[0] == parts[1]
	}
	return false
}

func evalNopCollapse(window []*disasm.Instruction) Result {
	n := 0
	for n < len(window) && isSemanticNop(window[n]) {
		n++
	}
	if n == 0 {
		return Result{Outcome: NoMatch}
	}
	return Result{Outcome: Dead, ConsumedInstrs: n, Tag: TagObfuscatorGarbage}
}

// evalOpaquePredicateCollapse looks for `test r,r` (or `cmp r,r`)
// immediately followed by a Jcc: the comparison operand is the same
// register against itself, so the zero flag outcome is fixed at
// assembly time regardless of runtime state. `test/cmp r,r` always
// sets ZF=1, so `je`/`jz`-family branches are always taken and
// `jne`/`jnz`-family branches are never taken.
func evalOpaquePredicateCollapse(window []*disasm.Instruction) Result {
	if len(window) < 2 {
		return Result{Outcome: NoMatch}
	}
	cmp, jcc := window[0], window[1]
	if (cmp.Mnemonic != "test" && cmp.Mnemonic != "cmp") || !jcc.IsJcc() {
		return Result{Outcome: NoMatch}
	}
	parts := splitOperands(cmp.OpStr)
	if len(parts) != 2 || parts[0] != parts[1] {
		return Result{Outcome: NoMatch}
	}
	alwaysTaken := jcc.Mnemonic == "je" || jcc.Mnemonic == "jz"
	neverTaken := jcc.Mnemonic == "jne" || jcc.Mnemonic == "jnz"
	if !alwaysTaken && !neverTaken {
		return Result{Outcome: NoMatch}
	}
	if neverTaken {
		// Whole window (compare + branch) is dead; fall through.
		return Result{Outcome: Dead, ConsumedInstrs: 2, Tag: TagOpaquePredicate}
	}
	// Always taken: the compare is dead and the jcc becomes unconditional
	// at rewrite time. The caller re-assembles it via internal/asm; this
	// rule only reports intent and the target instruction to keep.
	return Result{Outcome: Rewritten, ConsumedInstrs: 1, Tag: TagOpaquePredicate}
}

func evalDispatcherRedirect(window []*disasm.Instruction, resolver DispatcherResolver) Result {
	if len(window) < 1 || resolver == nil {
		return Result{Outcome: NoMatch}
	}
	i := window[0]
	if !i.IsCall() && !i.IsJmp() {
		return Result{Outcome: NoMatch}
	}
	target, cond, ok := resolver.Resolve(i.RVA)
	if !ok {
		// Either not a dispatcher site at all, or a site the resolver
		// recorded as unresolved; the two are not told apart. Both are
		// left to the normal call/jmp/indirect handling downstream.
		return Result{Outcome: NoMatch}
	}
	_ = cond
	return Result{Outcome: Redirected, Target: target, Tag: TagDispatcherCall}
}

// splitOperands splits a capstone-style "op1, op2" operand string.
func splitOperands(s string) []string {
	out := make([]string, 0, 2)
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == ',' {
			out = append(out, trimSpace(s[start:i]))
			start = i + 1
		}
	}
	out = append(out, trimSpace(s[start:]))
	return out
}

func trimSpace(s string) string {
	for len(s) > 0 && s[0] == ' ' {
		s = s[1:]
	}
	for len(s) > 0 && s[len(s)-1] == ' ' {
		s = s[:len(s)-1]
	}
	return s
}
