package image

import "debug/pe"

// ImportDescriptor is one entry of the original image's import
// directory, read before any recovery has touched the control flow
// that referenced it. No recovery pass currently calls
// OriginalImports; import recovery works from the stubs alone.
type ImportDescriptor struct {
	DLLName   string
	ImportRVA uint32 // ILT/INT entry RVA
	IATRVA    uint32
}

// OriginalImports returns the import directory descriptors present in
// the input PE, or nil for a headerless image (which by definition has
// no PE directories) or a fully-protected image whose import directory
// ScatterBrain has already stripped. Only DLLName is filled in;
// ImportRVA and IATRVA are left zero.
func (img *Image) OriginalImports() []ImportDescriptor {
	if img.PE == nil {
		return nil
	}
	libs, err := img.PE.ImportedLibraries()
	if err != nil || len(libs) == 0 {
		return nil
	}
	var out []ImportDescriptor
	for _, lib := range libs {
		out = append(out, ImportDescriptor{DLLName: lib})
	}
	return out
}

// BaseRelocation is one fixup entry from the original relocation
// directory. The output assembler does not call Relocations; it
// relies only on the fixups it discovers itself while rewriting
// RIP-relative operands.
type BaseRelocation struct {
	RVA  uint32
	Type uint16
}

// Relocations returns the original image's base relocation entries.
// debug/pe does not parse IMAGE_DIRECTORY_ENTRY_BASERELOC itself, so
// this walks the directory by hand the way perw's manual fallback
// parsing walks the DOS/NT headers when the stdlib parser declines.
func (img *Image) Relocations() []BaseRelocation {
	if img.PE == nil {
		return nil
	}
	oh, ok := img.PE.OptionalHeader.(*pe.OptionalHeader64)
	if !ok {
		return nil
	}
	const imageDirectoryEntryBaseReloc = 5
	if int(imageDirectoryEntryBaseReloc) >= len(oh.DataDirectory) {
		return nil
	}
	dir := oh.DataDirectory[imageDirectoryEntryBaseReloc]
	if dir.VirtualAddress == 0 || dir.Size == 0 {
		return nil
	}

	var out []BaseRelocation
	remaining := dir.Size
	rva := dir.VirtualAddress
	for remaining > 8 {
		hdr, err := img.BytesAt(rva, 8)
		if err != nil || len(hdr) < 8 {
			break
		}
		pageRVA := le32(hdr[0:4])
		blockSize := le32(hdr[4:8])
		if blockSize < 8 {
			break
		}
		entries, err := img.BytesAt(rva+8, blockSize-8)
		if err == nil {
			for i := 0; i+2 <= len(entries); i += 2 {
				entry := uint16(entries[i]) | uint16(entries[i+1])<<8
				typ := entry >> 12
				offset := entry & 0x0FFF
				if typ == 0 {
					continue
				}
				out = append(out, BaseRelocation{RVA: pageRVA + uint32(offset), Type: typ})
			}
		}
		rva += blockSize
		if blockSize > remaining {
			break
		}
		remaining -= blockSize
	}
	return out
}

func le32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}
