// Package image is the Protected Input Model: parses a candidate
// ScatterBrain-protected artifact (a standard PE, or a headerless blob
// with a caller-supplied section layout) into a flat, RVA-addressable
// byte image, and stages byte-level edits without mutating the
// original buffer in place.
//
// Adapts perw/read.go and perw/types.go's section inventory into an
// RVA<->offset mapping service; headerless section-layout inference is
// grounded on pefile_utils.py's x64_HEADERLESS_TEMPLATE handling.
package image

import (
	"bytes"
	"debug/pe"
	"fmt"
	"sort"

	"scatterbrain/internal/config"
)

// Section is one mapped region of the image: a contiguous RVA range
// backed by a contiguous byte range, with the permissions the loader
// would apply to it.
type Section struct {
	Name       string
	RVA        uint32
	Size       uint32
	FileOffset uint32
	FileSize   uint32
	Executable bool
	Readable   bool
	Writable   bool
}

func (s Section) containsRVA(rva uint32) bool {
	return rva >= s.RVA && rva < s.RVA+s.Size
}

// patch is a staged byte-level edit: bytes that should land at RVA once
// committed. Patches are never applied to Raw until Commit runs, so an
// earlier pass's failure never leaves the image half-mutated.
type patch struct {
	rva   uint32
	bytes []byte
}

// Image is the flat, RVA-addressable view every recovery pass operates
// over. Mode is fixed for its lifetime.
type Image struct {
	Mode ProtectionMode

	Raw         []byte
	Sections    []Section
	EntryRVA    uint32
	ImageBase   uint64
	PE          *pe.File // nil in HEADERLESS mode
	SizeOfImage uint32

	patches []patch
}

// ProtectionMode is an alias of config.ProtectionMode, re-exported so
// this package does not force every caller to import internal/config
// just to hold an Image.
type ProtectionMode = config.ProtectionMode

const (
	ModeFull       = config.ModeFull
	ModeHeaderless = config.ModeHeaderless
	ModeSelective  = config.ModeSelective
)

// OutOfRange is returned whenever an RVA falls outside every mapped
// section.
type OutOfRange struct {
	RVA uint32
}

func (e *OutOfRange) Error() string {
	return fmt.Sprintf("image: rva %#x not mapped in any section", e.RVA)
}

// Load parses raw bytes into an Image according to mode. For
// ModeHeaderless, layout supplies the section map (or a single inferred
// RX+RW region is used if layout is empty, per the caller-supplied
// fallback policy).
func Load(raw []byte, mode ProtectionMode, layout []config.SectionSpec) (*Image, error) {
	switch mode {
	case ModeHeaderless:
		return loadHeaderless(raw, layout)
	case ModeFull, ModeSelective:
		return loadPE(raw, mode)
	default:
		return nil, fmt.Errorf("image: unknown protection mode %v", mode)
	}
}

func loadPE(raw []byte, mode ProtectionMode) (*Image, error) {
	if len(raw) < 64 {
		return nil, fmt.Errorf("image: %w", &ParseError{Reason: "file too small to contain a DOS header"})
	}
	pf, err := pe.NewFile(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("image: %w", &ParseError{Reason: err.Error()})
	}
	oh64, ok := pf.OptionalHeader.(*pe.OptionalHeader64)
	if !ok {
		return nil, fmt.Errorf("image: %w", &ParseError{Reason: "only PE32+ (x86-64) images are supported"})
	}

	img := &Image{
		Mode:        mode,
		Raw:         append([]byte(nil), raw...),
		PE:          pf,
		EntryRVA:    oh64.AddressOfEntryPoint,
		ImageBase:   oh64.ImageBase,
		SizeOfImage: oh64.SizeOfImage,
	}
	for _, s := range pf.Sections {
		img.Sections = append(img.Sections, Section{
			Name:       s.Name,
			RVA:        s.VirtualAddress,
			Size:       s.VirtualSize,
			FileOffset: s.Offset,
			FileSize:   s.Size,
			Executable: s.Characteristics&pe.IMAGE_SCN_MEM_EXECUTE != 0,
			Readable:   s.Characteristics&pe.IMAGE_SCN_MEM_READ != 0,
			Writable:   s.Characteristics&pe.IMAGE_SCN_MEM_WRITE != 0,
		})
	}
	sort.Slice(img.Sections, func(i, j int) bool { return img.Sections[i].RVA < img.Sections[j].RVA })
	return img, nil
}

func loadHeaderless(raw []byte, layout []config.SectionSpec) (*Image, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("image: %w", &ParseError{Reason: "empty headerless buffer"})
	}
	img := &Image{
		Mode:        ModeHeaderless,
		Raw:         append([]byte(nil), raw...),
		EntryRVA:    0,
		SizeOfImage: uint32(len(raw)),
	}
	if len(layout) == 0 {
		// Default single-region assumption: the whole blob is one RWX
		// region, per the documented fallback for headerless inputs
		// whose caller did not supply an explicit layout.
		img.Sections = []Section{{
			Name: ".blob", RVA: 0, Size: uint32(len(raw)),
			FileOffset: 0, FileSize: uint32(len(raw)),
			Executable: true, Readable: true, Writable: true,
		}}
		return img, nil
	}
	for _, s := range layout {
		img.Sections = append(img.Sections, Section{
			Name: s.Name, RVA: s.RVA, Size: s.Size,
			FileOffset: s.RVA, FileSize: s.Size,
			Executable: s.Executable, Readable: s.Readable, Writable: s.Writable,
		})
	}
	sort.Slice(img.Sections, func(i, j int) bool { return img.Sections[i].RVA < img.Sections[j].RVA })
	return img, nil
}

func (img *Image) sectionFor(rva uint32) (*Section, bool) {
	for i := range img.Sections {
		if img.Sections[i].containsRVA(rva) {
			return &img.Sections[i], true
		}
	}
	return nil, false
}

// RVAToOffset maps a virtual address to its file offset.
func (img *Image) RVAToOffset(rva uint32) (uint32, error) {
	s, ok := img.sectionFor(rva)
	if !ok {
		return 0, &OutOfRange{RVA: rva}
	}
	delta := rva - s.RVA
	if delta >= s.FileSize {
		// Inside the section's virtual range but past its raw data
		// (e.g. the zero-padded tail of .bss-like sections).
		return 0, &OutOfRange{RVA: rva}
	}
	return s.FileOffset + delta, nil
}

// OffsetToRVA maps a file offset back to a virtual address.
func (img *Image) OffsetToRVA(offset uint32) (uint32, error) {
	for _, s := range img.Sections {
		if offset >= s.FileOffset && offset < s.FileOffset+s.FileSize {
			return s.RVA + (offset - s.FileOffset), nil
		}
	}
	return 0, fmt.Errorf("image: file offset %#x not mapped in any section", offset)
}

// IsExecutable reports whether rva lies in a section marked executable.
func (img *Image) IsExecutable(rva uint32) bool {
	s, ok := img.sectionFor(rva)
	return ok && s.Executable
}

// BytesAt returns a read-only view of n bytes at rva, applying any
// staged patches that fall within the requested window so later stages
// in the same pass can read their own and earlier writes back. It never
// touches img.Raw.
func (img *Image) BytesAt(rva uint32, n uint32) ([]byte, error) {
	if n == 0 {
		return nil, nil
	}
	if _, ok := img.sectionFor(rva); !ok {
		return nil, &OutOfRange{RVA: rva}
	}
	off, err := img.RVAToOffset(rva)
	if err != nil {
		return nil, err
	}
	if int(off)+int(n) > len(img.Raw) {
		return nil, &OutOfRange{RVA: rva}
	}
	out := append([]byte(nil), img.Raw[off:off+n]...)
	img.applyOverlay(rva, out)
	return out, nil
}

func (img *Image) applyOverlay(rva uint32, buf []byte) {
	end := rva + uint32(len(buf))
	for _, p := range img.patches {
		pend := p.rva + uint32(len(p.bytes))
		if p.rva >= end || pend <= rva {
			continue
		}
		lo := p.rva
		if lo < rva {
			lo = rva
		}
		hi := pend
		if hi > end {
			hi = end
		}
		copy(buf[lo-rva:hi-rva], p.bytes[lo-p.rva:hi-p.rva])
	}
}

// Patch stages a byte-level edit at rva. Not applied to Raw until
// Commit runs; use BytesAt to observe pending patches before that.
func (img *Image) Patch(rva uint32, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if _, ok := img.sectionFor(rva); !ok {
		return &OutOfRange{RVA: rva}
	}
	for _, p := range img.patches {
		if overlaps(p.rva, uint32(len(p.bytes)), rva, uint32(len(data))) {
			return fmt.Errorf("image: patch at %#x overlaps existing patch at %#x", rva, p.rva)
		}
	}
	img.patches = append(img.patches, patch{rva: rva, bytes: append([]byte(nil), data...)})
	return nil
}

func overlaps(aRVA, aLen, bRVA, bLen uint32) bool {
	return aRVA < bRVA+bLen && bRVA < aRVA+aLen
}

// Commit applies every staged patch to Raw exactly once and clears the
// staging list. Intended to be called once, by the output assembler,
// per the staged-mutation design: all byte-level edits are staged and
// committed exactly once so an earlier pass's failure never leaves the
// image half-mutated.
func (img *Image) Commit() error {
	for _, p := range img.patches {
		off, err := img.RVAToOffset(p.rva)
		if err != nil {
			return err
		}
		if int(off)+len(p.bytes) > len(img.Raw) {
			return &OutOfRange{RVA: p.rva}
		}
		copy(img.Raw[off:off+uint32(len(p.bytes))], p.bytes)
	}
	img.patches = img.patches[:0]
	return nil
}

// ParseError signals malformed input detected while constructing the
// Image; surfaced to the caller before any recovery pass runs.
type ParseError struct {
	Reason string
}

func (e *ParseError) Error() string { return "parse error: " + e.Reason }
