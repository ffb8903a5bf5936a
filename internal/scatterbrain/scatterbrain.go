package scatterbrain

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"

	"scatterbrain/internal/asm"
	"scatterbrain/internal/cfg"
	"scatterbrain/internal/config"
	"scatterbrain/internal/disasm"
	"scatterbrain/internal/dispatch"
	"scatterbrain/internal/funcs"
	"scatterbrain/internal/image"
	"scatterbrain/internal/imports"
	"scatterbrain/internal/output"
)

// ProtectedInput is the recovery run's state, constructed once and
// threaded through every pass. Its exported fields (DispatcherLocs,
// Imports, CFG, NewImageBuffer) are the observable state a caller
// inspects between or after passes, mirroring perw's
// Config-plus-result-struct convention of plain, inspectable state
// rather than opaque handles.
type ProtectedInput struct {
	Cfg config.Config
	Log *logrus.Logger

	Image *image.Image

	disasm *disasm.Engine
	asm    *asm.Engine
	rules  cfg.RuleSet

	// DispatcherLocs is populated by RecoverInstructionDispatchers.
	DispatcherLocs *dispatch.Table

	// Imports is populated by RecoverImportsMerge: every recovered
	// (DLL, API) pair, in first-discovered order.
	Imports []*imports.Import

	// StubRewrites maps each stub's original call-site RVA to the
	// Import it was merged into, for the output assembler's indirect-
	// call rewrite pass.
	StubRewrites map[uint32]*imports.Import

	// CFG is populated by RecoverRecursiveInFull.
	CFG *cfg.CFG

	// NewImageBuffer is populated by RebuildOutput.
	NewImageBuffer []byte

	result *output.Result
}

// New constructs a ProtectedInput from raw bytes and a run
// configuration, parsing the image per its protection mode. Per the
// propagation policy, a malformed input fails here with a ParseError
// before any recovery pass does work.
func New(raw []byte, runCfg config.Config, log *logrus.Logger) (*ProtectedInput, error) {
	img, err := image.Load(raw, runCfg.Mode, runCfg.HeaderlessSectionLayout)
	if err != nil {
		return nil, &ParseError{Reason: err.Error()}
	}

	d, err := disasm.New(img.Raw)
	if err != nil {
		return nil, fmt.Errorf("scatterbrain: %w", err)
	}
	a, err := asm.New()
	if err != nil {
		return nil, fmt.Errorf("scatterbrain: %w", err)
	}
	rs, ok := cfg.LookupRuleSet(runCfg.RuleSet)
	if !ok {
		return nil, fmt.Errorf("scatterbrain: unknown rule set %q", runCfg.RuleSet)
	}

	return &ProtectedInput{
		Cfg:    runCfg,
		Log:    log,
		Image:  img,
		disasm: d,
		asm:    a,
		rules:  rs,
	}, nil
}

// Close releases the disassembler and assembler handles this input
// opened. Safe to call once, after every pass that needs them has run.
func (pi *ProtectedInput) Close() error {
	if err := pi.disasm.Close(); err != nil {
		return err
	}
	return pi.asm.Close()
}

// RecoverInstructionDispatchers runs Dispatcher Recovery (component D)
// and populates pi.DispatcherLocs. Parallelized across
// pi.Cfg.Workers when > 1.
func RecoverInstructionDispatchers(pi *ProtectedInput) error {
	dcfg := dispatch.DefaultConfig(pi.Cfg.MaxDispatcherSteps)
	dcfg.ImageBase = pi.Image.ImageBase
	if dcfg.ImageBase == 0 {
		dcfg.ImageBase = 0x0000000140000000
	}

	var table *dispatch.Table
	var err error
	if pi.Cfg.Workers > 1 {
		table, err = dispatch.RecoverConcurrent(pi.Image, dcfg, pi.Cfg.Workers, pi.Log)
	} else {
		table, err = dispatch.Recover(pi.Image, dcfg, pi.Log)
	}
	if err != nil {
		return fmt.Errorf("scatterbrain: dispatcher recovery: %w", err)
	}
	pi.DispatcherLocs = table
	pi.Log.WithField("count", table.Len()).Info("scatterbrain: dispatcher recovery complete")
	return nil
}

// dispatcherTargets collects the set of resolved, return-shaped
// dispatcher targets, the shared name-resolver stub call sites target
// per ScanStubs's grounding.
func (pi *ProtectedInput) dispatcherTargets() map[uint32]bool {
	out := make(map[uint32]bool)
	if pi.DispatcherLocs == nil {
		return out
	}
	for _, r := range pi.DispatcherLocs.All() {
		if !r.Unresolved && r.Kind == dispatch.KindReturnShaped {
			out[r.TargetRVA] = true
		}
	}
	return out
}

// RecoverImportsMerge runs Import Recovery (component F): scans for
// candidate stubs, decrypts their embedded names, merges duplicates,
// and populates pi.Imports and pi.StubRewrites. Requires
// RecoverInstructionDispatchers to have already run, since stub
// detection keys off the resolved dispatcher target set.
func RecoverImportsMerge(pi *ProtectedInput) error {
	if pi.DispatcherLocs == nil {
		return fmt.Errorf("scatterbrain: RecoverImportsMerge requires RecoverInstructionDispatchers to have run first")
	}
	stubs := imports.ScanStubs(pi.Image, pi.disasm, pi.dispatcherTargets(), pi.Log)

	set := imports.NewSet()
	rewrites, err := imports.Recover(pi.Image, stubs, pi.Cfg.ImpDecryptConst, set, pi.Log)
	if err != nil {
		return &ImportDecryptError{Reason: err.Error()}
	}

	pi.Imports = set.Finalize()
	pi.StubRewrites = rewrites
	pi.Log.WithField("count", len(pi.Imports)).WithField("stubs_scanned", len(stubs)).Info("scatterbrain: import recovery complete")
	return nil
}

// RecoverRecursiveInFull runs Function Recovery (component E), driving
// the CFG Stepper (component C) from rootRVA, and populates pi.CFG.
// Requires RecoverInstructionDispatchers to have already run, since
// the stepper consults pi.DispatcherLocs to resolve dispatcher-call
// redirects.
func RecoverRecursiveInFull(pi *ProtectedInput, rootRVA uint32) (*cfg.CFG, error) {
	if pi.DispatcherLocs == nil {
		return nil, fmt.Errorf("scatterbrain: RecoverRecursiveInFull requires RecoverInstructionDispatchers to have run first")
	}
	stepper := cfg.NewStepper(pi.disasm, pi.asm, pi.rules, pi.DispatcherLocs, pi.Cfg.MaxFunctionInstrs, pi.Log)
	c := cfg.NewCFG()
	funcs.Discover(c, stepper, rootRVA, pi.Log)

	pi.CFG = c
	pi.Log.WithField("count", len(c.Functions)).Info("scatterbrain: function recovery complete")
	return c, nil
}

// RebuildOutput runs the Output Assembler (component G) over
// everything the earlier passes recovered, and populates
// pi.NewImageBuffer. Requires pi.CFG to already be populated; pi.Imports
// is not checked, and when it is empty no imports are emitted.
func RebuildOutput(pi *ProtectedInput, entryFuncRVA uint32) error {
	if pi.CFG == nil {
		return fmt.Errorf("scatterbrain: RebuildOutput requires RecoverRecursiveInFull to have run first")
	}
	result, err := output.Assemble(pi.Image, pi.CFG, pi.Imports, pi.StubRewrites, entryFuncRVA, pi.asm, pi.disasm, pi.Log)
	if err != nil {
		return &LayoutError{Reason: err.Error()}
	}
	pi.result = result
	pi.NewImageBuffer = result.Buffer
	pi.Log.WithField("size", len(result.Buffer)).WithField("entry", result.EntryRVA).Info("scatterbrain: output assembly complete")
	return nil
}

// DumpNewImageBufferToDisk writes pi.NewImageBuffer to the given path.
// Requires RebuildOutput to have already run.
func DumpNewImageBufferToDisk(pi *ProtectedInput, path string) error {
	if pi.NewImageBuffer == nil {
		return fmt.Errorf("scatterbrain: DumpNewImageBufferToDisk requires RebuildOutput to have run first")
	}
	return os.WriteFile(path, pi.NewImageBuffer, 0o644)
}
