// Package scatterbrain is the control surface tying every recovery
// pass together: it owns the ProtectedInput that each pass reads from
// and writes into, and exposes the five top-level operations a caller
// drives a recovery run with.
//
// Grounded on perw/wrapper.go's thin, sequential
// wrapper-function-per-operation shape around state a caller
// constructs once and passes through every step, rather than a single
// do-everything entry point.
package scatterbrain

import "fmt"

// ParseError signals malformed input (corrupt headers, truncated
// buffers) discovered before any recovery pass runs. Fatal.
type ParseError struct {
	Reason string
}

func (e *ParseError) Error() string { return "scatterbrain: parse error: " + e.Reason }

// OutOfRange signals an RVA outside every mapped section. Fatal when it
// escapes a recovery pass uncaught; most occurrences are caught and
// folded into an UnresolvedBlock or UnresolvedDispatcher instead.
type OutOfRange struct {
	RVA uint32
}

func (e *OutOfRange) Error() string { return fmt.Sprintf("scatterbrain: rva %#x out of range", e.RVA) }

// DecodeError signals the disassembler rejected a byte sequence.
// Recorded into the affected block's Unresolved state, never fatal.
type DecodeError struct {
	RVA    uint32
	Reason string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("scatterbrain: decode failed at %#x: %s", e.RVA, e.Reason)
}

// EmulationTimeout signals a dispatcher-site emulation exceeded its
// step budget. Recorded as an unresolved dispatcher, never fatal.
type EmulationTimeout struct {
	SiteRVA  uint32
	MaxSteps int
}

func (e *EmulationTimeout) Error() string {
	return fmt.Sprintf("scatterbrain: site %#x exceeded %d-step budget", e.SiteRVA, e.MaxSteps)
}

// EmulationFault signals a mapping or instruction fault during
// dispatcher-site emulation. Recorded as an unresolved dispatcher,
// never fatal: the obfuscator routinely emits code that faults inside
// a sparse emulated mapping.
type EmulationFault struct {
	SiteRVA uint32
	Addr    uint64
	Kind    string
}

func (e *EmulationFault) Error() string {
	return fmt.Sprintf("scatterbrain: site %#x faulted at %#x (%s)", e.SiteRVA, e.Addr, e.Kind)
}

// UnresolvedDispatcher signals a scanned dispatcher site whose target
// could not be resolved by emulation. Recorded, never fatal.
type UnresolvedDispatcher struct {
	SiteRVA uint32
}

func (e *UnresolvedDispatcher) Error() string {
	return fmt.Sprintf("scatterbrain: dispatcher at %#x unresolved", e.SiteRVA)
}

// UnresolvedBlock signals a basic block the CFG stepper could not
// finish walking. Recorded onto the block itself, never fatal.
type UnresolvedBlock struct {
	RVA    uint32
	Reason string
}

func (e *UnresolvedBlock) Error() string {
	return fmt.Sprintf("scatterbrain: block at %#x unresolved: %s", e.RVA, e.Reason)
}

// ImportDecryptError is returned by RecoverImportsMerge when import
// recovery as a whole fails. A single stub whose ciphertext never
// decodes to a terminated name does not produce it: imports.Recover
// logs that stub and skips it.
type ImportDecryptError struct {
	StubRVA uint32
	Reason  string
}

func (e *ImportDecryptError) Error() string {
	return fmt.Sprintf("scatterbrain: import decrypt failed for stub at %#x: %s", e.StubRVA, e.Reason)
}

// LayoutError signals an output-sizing or addressing inconsistency
// discovered while assembling the final image. Fatal.
type LayoutError struct {
	Reason string
}

func (e *LayoutError) Error() string { return "scatterbrain: layout error: " + e.Reason }
