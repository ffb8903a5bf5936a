// Package funcs implements Function Recovery: recursive-descent
// discovery of every reachable function starting from a root RVA,
// delegating each function's own control-flow recovery to the CFG
// stepper and enqueueing call targets the stepper's block graph
// reveals.
//
// Grounded on original_source/recover/recover_output64.py's worklist
// driver, generalized into an explicit FIFO so discovery order is
// deterministic.
package funcs

import (
	"sort"

	"github.com/sirupsen/logrus"

	"scatterbrain/internal/cfg"
)

// Discover runs recursive-descent function discovery from root,
// mutating c in place. The worklist is a FIFO seeded from root, so
// function-entry discovery order is deterministic across runs.
func Discover(c *cfg.CFG, stepper *cfg.Stepper, root uint32, log *logrus.Logger) {
	worklist := []uint32{root}
	queued := map[uint32]bool{root: true}

	for len(worklist) > 0 {
		entry := worklist[0]
		worklist = worklist[1:]

		fn := c.EnsureFunction(entry)
		if fn.State != cfg.StatePending {
			continue
		}

		stepper.Walk(fn)
		log.WithField("entry", entry).WithField("blocks", len(fn.Blocks)).WithField("state", fn.State.String()).Debug("funcs: function recovered")

		for _, target := range callTargets(fn) {
			if c.Has(target) {
				continue
			}
			if queued[target] {
				continue
			}
			queued[target] = true
			worklist = append(worklist, target)
		}
	}
}

// callTargets collects every call instruction's branch target across
// fn's blocks, visited in RVA order for deterministic output.
func callTargets(fn *cfg.Function) []uint32 {
	starts := make([]uint32, 0, len(fn.Blocks))
	for start := range fn.Blocks {
		starts = append(starts, start)
	}
	sort.Slice(starts, func(i, j int) bool { return starts[i] < starts[j] })

	var out []uint32
	for _, start := range starts {
		b := fn.Blocks[start]
		for _, instr := range b.Instrs {
			if !instr.IsCall() {
				continue
			}
			if target, ok := instr.BranchTarget(); ok {
				out = append(out, uint32(target))
			}
		}
	}
	return out
}
