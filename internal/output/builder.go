package output

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"scatterbrain/internal/asm"
	"scatterbrain/internal/cfg"
	"scatterbrain/internal/config"
	"scatterbrain/internal/disasm"
	"scatterbrain/internal/image"
	"scatterbrain/internal/imports"
)

// Result is the finished output image plus the bookkeeping the caller
// needs to report what moved where.
type Result struct {
	Buffer      []byte
	CodeRVA     uint32
	CodeSize    uint32
	EntryRVA    uint32
	ImportTable importTableLayout
	FuncRelocEA map[uint32]uint32
}

// sectionAlign mirrors a typical linked PE's SectionAlignment.
const sectionAlign = 0x1000

func alignUp(v, align uint32) uint32 {
	if align == 0 {
		return v
	}
	rem := v % align
	if rem == 0 {
		return v
	}
	return v + (align - rem)
}

// Assemble lays out the recovered CFG, applies fixups, serializes the
// rebuilt import table, and produces a new image buffer shaped for
// img's protection mode. It dispatches to the three mode-specific
// builders below the way rebuild_output's match on d.protection_type
// does in original_source/recover/recover_output64.py.
func Assemble(img *image.Image, c *cfg.CFG, imps []*imports.Import, stubRewrites map[uint32]*imports.Import, entryFuncRVA uint32, a *asm.Engine, d *disasm.Engine, log *logrus.Logger) (*Result, error) {
	switch img.Mode {
	case config.ModeHeaderless:
		return buildHeaderless(img, c, imps, stubRewrites, entryFuncRVA, a, d, log)
	case config.ModeSelective:
		return buildSelective(img, c, imps, stubRewrites, entryFuncRVA, a, d, log)
	case config.ModeFull:
		return buildFull(img, c, imps, stubRewrites, entryFuncRVA, a, d, log)
	default:
		return nil, fmt.Errorf("output: unknown protection mode %v", img.Mode)
	}
}

// layoutAndFixup is the shared core every protection-mode builder
// drives: lay out the CFG's functions contiguously starting at
// codeRVA, serialize the import table, then apply every control-flow,
// data, and stub fixup against the laid-out code.
func layoutAndFixup(img *image.Image, c *cfg.CFG, imps []*imports.Import, stubRewrites map[uint32]*imports.Import, codeRVA uint32, a *asm.Engine, d *disasm.Engine, log *logrus.Logger) (*Layout, importTableLayout, uint32) {
	layout := LayoutFunctions(c, codeRVA, stubRewrites)

	importsRVA := alignUp(codeRVA+uint32(len(layout.Code)), sectionAlign)
	table := BuildImportTable(imps, importsRVA)

	dataLo, dataHi := dataRegionBounds(img)
	if err := ApplyFixups(c, layout, a, d, dataLo, dataHi, stubRewrites, table.SlotRVA, log); err != nil {
		log.WithError(err).Warn("output: fixup pass reported an error")
	}

	return layout, table, importsRVA
}

// dataRegionBounds reports the RVA span of every non-executable,
// readable section, the range resolveDataFixup treats as unmoved data.
func dataRegionBounds(img *image.Image) (lo, hi uint32) {
	lo, hi = 0xFFFFFFFF, 0
	for _, s := range img.Sections {
		if s.Executable || !s.Readable {
			continue
		}
		if s.RVA < lo {
			lo = s.RVA
		}
		if end := s.RVA + s.Size; end > hi {
			hi = end
		}
	}
	if lo > hi {
		return 0, 0
	}
	return lo, hi
}

// buildHeaderless produces a bare code+import blob with no PE headers
// at all, matching pefile_utils.py's build_headerless_pe.
func buildHeaderless(img *image.Image, c *cfg.CFG, imps []*imports.Import, stubRewrites map[uint32]*imports.Import, entryFuncRVA uint32, a *asm.Engine, d *disasm.Engine, log *logrus.Logger) (*Result, error) {
	codeRVA := uint32(0)
	layout, table, importsRVA := layoutAndFixup(img, c, imps, stubRewrites, codeRVA, a, d, log)

	buf := append([]byte(nil), layout.Code...)
	buf = appendSection(buf, importsRVA, append(append(append([]byte(nil), table.Descriptors...), table.IAT...), table.Names...))

	entryRVA, ok := layout.FuncRelocEA[entryFuncRVA]
	if !ok {
		return nil, fmt.Errorf("output: entry function %#x not present in recovered CFG", entryFuncRVA)
	}
	buf, err := writeEntryTrampoline(buf, img.EntryRVA, entryRVA, a)
	if err != nil {
		return nil, err
	}

	return &Result{
		Buffer:      buf,
		CodeRVA:     codeRVA,
		CodeSize:    uint32(len(layout.Code)),
		EntryRVA:    entryRVA,
		ImportTable: table,
		FuncRelocEA: layout.FuncRelocEA,
	}, nil
}

// buildSelective keeps img's original raw bytes and appends the
// recovered code at codeRVA and the rebuilt import table at the next
// section-aligned RVA after it, in the manner of pefile_utils.py's
// build_selective_pe. The PE headers are left untouched: no section
// table entry or data directory is written for either appended region.
// Only the selectively protected function was ever obfuscated, so
// everything else in the original image is emitted unchanged.
func buildSelective(img *image.Image, c *cfg.CFG, imps []*imports.Import, stubRewrites map[uint32]*imports.Import, entryFuncRVA uint32, a *asm.Engine, d *disasm.Engine, log *logrus.Logger) (*Result, error) {
	codeRVA := alignUp(img.SizeOfImage, sectionAlign)
	layout, table, importsRVA := layoutAndFixup(img, c, imps, stubRewrites, codeRVA, a, d, log)

	buf := append([]byte(nil), img.Raw...)
	buf = appendSection(buf, codeRVA, layout.Code)
	buf = appendSection(buf, importsRVA, append(append(append([]byte(nil), table.Descriptors...), table.IAT...), table.Names...))

	entryRVA, ok := layout.FuncRelocEA[entryFuncRVA]
	if !ok {
		return nil, fmt.Errorf("output: entry function %#x not present in recovered CFG", entryFuncRVA)
	}
	buf, err := writeEntryTrampoline(buf, img.EntryRVA, entryRVA, a)
	if err != nil {
		return nil, err
	}

	return &Result{
		Buffer:      buf,
		CodeRVA:     codeRVA,
		CodeSize:    uint32(len(layout.Code)),
		EntryRVA:    entryRVA,
		ImportTable: table,
		FuncRelocEA: layout.FuncRelocEA,
	}, nil
}

// buildFull rebuilds every function in the image from scratch, matching
// pefile_utils.py's build_full_pe. The new code region replaces the
// original code section's RVA range outright; headers and data
// sections carry over unchanged.
func buildFull(img *image.Image, c *cfg.CFG, imps []*imports.Import, stubRewrites map[uint32]*imports.Import, entryFuncRVA uint32, a *asm.Engine, d *disasm.Engine, log *logrus.Logger) (*Result, error) {
	codeSection, ok := firstExecutableSection(img)
	if !ok {
		return nil, fmt.Errorf("output: image has no executable section to replace")
	}
	codeRVA := codeSection.RVA
	layout, table, importsRVA := layoutAndFixup(img, c, imps, stubRewrites, codeRVA, a, d, log)

	buf := append([]byte(nil), img.Raw...)
	buf = overwriteRegion(buf, codeRVA, layout.Code)
	buf = appendSection(buf, importsRVA, append(append(append([]byte(nil), table.Descriptors...), table.IAT...), table.Names...))

	entryRVA, ok2 := layout.FuncRelocEA[entryFuncRVA]
	if !ok2 {
		return nil, fmt.Errorf("output: entry function %#x not present in recovered CFG", entryFuncRVA)
	}
	buf, err := writeEntryTrampoline(buf, img.EntryRVA, entryRVA, a)
	if err != nil {
		return nil, err
	}

	return &Result{
		Buffer:      buf,
		CodeRVA:     codeRVA,
		CodeSize:    uint32(len(layout.Code)),
		EntryRVA:    entryRVA,
		ImportTable: table,
		FuncRelocEA: layout.FuncRelocEA,
	}, nil
}

// writeEntryTrampoline patches a 5-byte relative jmp at the image's
// original entry RVA targeting the recovered entry function's
// relocated address. A no-op when the entry function relocated to its
// own original RVA.
func writeEntryTrampoline(buf []byte, originalEntryRVA, relocatedEntryRVA uint32, a *asm.Engine) ([]byte, error) {
	if originalEntryRVA == relocatedEntryRVA {
		return buf, nil
	}
	trampoline, err := a.JmpRel32(uint64(originalEntryRVA), uint64(relocatedEntryRVA))
	if err != nil {
		return nil, fmt.Errorf("output: assemble entry trampoline: %w", err)
	}
	return overwriteRegion(buf, originalEntryRVA, trampoline), nil
}

func firstExecutableSection(img *image.Image) (image.Section, bool) {
	for _, s := range img.Sections {
		if s.Executable {
			return s, true
		}
	}
	return image.Section{}, false
}

// appendSection pads buf out to rva and appends data. Assumes rva
// equals the intended file offset, true for every region this
// assembler synthesizes itself.
func appendSection(buf []byte, rva uint32, data []byte) []byte {
	for uint32(len(buf)) < rva {
		buf = append(buf, 0)
	}
	return append(buf, data...)
}

// overwriteRegion writes data into buf starting at rva, growing buf if
// the region runs past its current length, and returns the (possibly
// reallocated) buffer.
func overwriteRegion(buf []byte, rva uint32, data []byte) []byte {
	end := rva + uint32(len(data))
	for uint32(len(buf)) < end {
		buf = append(buf, 0)
	}
	copy(buf[rva:end], data)
	return buf
}
