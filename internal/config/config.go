// Package config holds the parameters that fully parameterize a
// recovery run: the protection mode, the import-name decryption
// constant, the mutation rule set, and the input path.
package config

import "fmt"

// ProtectionMode is a tagged enumeration governing how the Protected
// Input Model parses its input and which recovery subroutines are
// enabled. Immutable for the lifetime of an Image.
type ProtectionMode int

const (
	// ModeFull is a standard PE image protected end to end.
	ModeFull ProtectionMode = iota
	// ModeHeaderless is a raw blob with no PE header; the caller must
	// supply a section layout or accept the default single-region
	// assumption.
	ModeHeaderless
	// ModeSelective protects a single function inside an otherwise
	// ordinary PE image.
	ModeSelective
)

func (m ProtectionMode) String() string {
	switch m {
	case ModeFull:
		return "FULL"
	case ModeHeaderless:
		return "HEADERLESS"
	case ModeSelective:
		return "SELECTIVE"
	default:
		return fmt.Sprintf("ProtectionMode(%d)", int(m))
	}
}

// ParseProtectionMode parses the --mode flag value.
func ParseProtectionMode(s string) (ProtectionMode, error) {
	switch s {
	case "full", "FULL":
		return ModeFull, nil
	case "headerless", "HEADERLESS":
		return ModeHeaderless, nil
	case "selective", "SELECTIVE":
		return ModeSelective, nil
	default:
		return 0, fmt.Errorf("unknown protection mode %q", s)
	}
}

// RuleSetName names a totally-ordered mutation rule set bound to a
// ProtectionMode. Distinct sets exist because ScatterBrain variants
// emit overlapping but distinguishable garbage patterns.
type RuleSetName string

const (
	RuleSet1 RuleSetName = "RULE_SET_1"
)

// Config is the full set of inputs to a recovery run.
type Config struct {
	InputPath       string
	Mode            ProtectionMode
	ImpDecryptConst uint32
	RuleSet         RuleSetName

	// RootRVA is the address recursive-descent function discovery
	// starts from (often the original entry point; may be any address
	// for headerless blobs).
	RootRVA uint32

	// SelectiveFuncRVA is required when Mode == ModeSelective: the
	// caller-supplied address of the single protected function.
	SelectiveFuncRVA uint32

	// HeaderlessSectionLayout is the caller-supplied section layout for
	// ModeHeaderless, when the default single-RX+RW-region inference is
	// not appropriate.
	HeaderlessSectionLayout []SectionSpec

	// Verbose enables debug-level logging.
	Verbose bool

	// Workers bounds how many dispatcher sites are emulated concurrently.
	Workers int

	// MaxDispatcherSteps bounds the step budget for a single dispatcher
	// emulation.
	MaxDispatcherSteps int

	// MaxFunctionInstrs bounds the per-function instruction budget used
	// by the CFG stepper to guard against pathological rewrite loops.
	MaxFunctionInstrs int
}

// SectionSpec describes one section of a headerless blob's inferred
// layout: a virtual-address range and its permissions.
type SectionSpec struct {
	Name       string
	RVA        uint32
	Size       uint32
	Executable bool
	Readable   bool
	Writable   bool
}

// Default returns a Config with the pipeline's default resource
// budgets filled in; callers still must set InputPath, Mode,
// ImpDecryptConst, and RootRVA.
func Default() Config {
	return Config{
		RuleSet:            RuleSet1,
		Workers:            4,
		MaxDispatcherSteps: 4096,
		MaxFunctionInstrs:  30000,
	}
}
