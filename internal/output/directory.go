package output

import (
	"scatterbrain/internal/imports"
)

// importTableLayout is the serialized form of a rebuilt import
// directory: one IMAGE_IMPORT_DESCRIPTOR per DLL, each pointing at its
// own name-table and IAT regions, grounded on
// original_source/helpers/pefile_utils.py's build_import_table.
type importTableLayout struct {
	Descriptors []byte // IMAGE_IMPORT_DESCRIPTOR array, null-terminated
	Names       []byte // DLL name strings + IMAGE_IMPORT_BY_NAME hint/name entries
	IAT         []byte // import address table, one uint64 slot per import plus a null slot ending each DLL's run
	IATRVA      uint32
	Size        uint32

	// SlotRVA maps each import to the RVA of its own IAT slot, for
	// patching stub call sites into indirect calls through it.
	SlotRVA map[*imports.Import]uint32
}

const (
	importDescriptorSize = 20 // sizeof(IMAGE_IMPORT_DESCRIPTOR)
	iatSlotSize           = 8  // 64-bit thunk
)

// byDLL groups a finalized import set by DLL name, preserving each
// DLL's first-seen order and each API's first-seen order within it.
// The descriptor array and IAT slot order must be deterministic across
// runs over the same input.
func byDLL(all []*imports.Import) ([]string, map[string][]*imports.Import) {
	var order []string
	seen := map[string]bool{}
	grouped := map[string][]*imports.Import{}
	for _, imp := range all {
		if !seen[imp.DLL] {
			seen[imp.DLL] = true
			order = append(order, imp.DLL)
		}
		grouped[imp.DLL] = append(grouped[imp.DLL], imp)
	}
	return order, grouped
}

// BuildImportTable serializes a finalized import set into a fresh
// import directory laid out starting at baseRVA: descriptors first,
// then the IAT, then the DLL-name and import-by-name string table.
// Every IAT slot holds the RVA of its IMAGE_IMPORT_BY_NAME entry,
// unbound, same as an unbound original thunk array; the loader
// resolves each slot to the real function address at load time.
func BuildImportTable(all []*imports.Import, baseRVA uint32) importTableLayout {
	order, grouped := byDLL(all)

	descriptors := make([]byte, 0, (len(order)+1)*importDescriptorSize)
	var iat []byte
	var names []byte
	slotRVA := make(map[*imports.Import]uint32, len(all))

	iatRVA := baseRVA + uint32((len(order)+1)*importDescriptorSize)
	namesRVA := iatRVA

	// First pass: compute names-region start once the IAT's total size
	// is known, since the descriptor entries need both RVAs up front.
	totalIATSlots := 0
	for _, dll := range order {
		totalIATSlots += len(grouped[dll]) + 1 // +1 null-terminator slot per DLL's thunk array
	}
	namesRVA = iatRVA + uint32(totalIATSlots*iatSlotSize)

	nameCursor := namesRVA
	iatCursor := iatRVA

	for _, dll := range order {
		apis := grouped[dll]
		dllNameRVA := nameCursor
		names = append(names, []byte(dll)...)
		names = append(names, 0)
		nameCursor += uint32(len(dll) + 1)

		thunkRVA := iatCursor
		for _, imp := range apis {
			importByNameRVA := nameCursor
			names = append(names, 0, 0) // hint field
			names = append(names, []byte(imp.API)...)
			names = append(names, 0)
			nameCursor += uint32(2 + len(imp.API) + 1)

			slotRVA[imp] = iatCursor
			iat = append(iat, le64(uint64(importByNameRVA))...)
			iatCursor += iatSlotSize
		}
		iat = append(iat, le64(0)...) // null-terminate this DLL's thunk array
		iatCursor += iatSlotSize

		descriptors = append(descriptors, encodeDescriptor(dllNameRVA, thunkRVA)...)
	}
	descriptors = append(descriptors, make([]byte, importDescriptorSize)...) // null descriptor

	return importTableLayout{
		Descriptors: descriptors,
		Names:       names,
		IAT:         iat,
		IATRVA:      iatRVA,
		Size:        uint32(len(descriptors)) + uint32(len(iat)) + uint32(len(names)),
		SlotRVA:     slotRVA,
	}
}

// encodeDescriptor writes one IMAGE_IMPORT_DESCRIPTOR: OriginalFirstThunk
// and FirstThunk both point at the same IAT region (no bound-import
// optimization, matching the original tool's rebuilt output), Name
// points at the DLL name string, TimeDateStamp and ForwarderChain are
// left zero.
func encodeDescriptor(nameRVA, thunkRVA uint32) []byte {
	b := make([]byte, importDescriptorSize)
	putLE32(b[0:4], thunkRVA)  // OriginalFirstThunk
	putLE32(b[4:8], 0)         // TimeDateStamp
	putLE32(b[8:12], 0)        // ForwarderChain
	putLE32(b[12:16], nameRVA) // Name
	putLE32(b[16:20], thunkRVA)// FirstThunk
	return b
}

func le64(v uint64) []byte {
	b := make([]byte, 8)
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
	return b
}
