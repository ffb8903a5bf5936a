package imports

import (
	"github.com/sirupsen/logrus"

	"scatterbrain/internal/disasm"
	"scatterbrain/internal/image"
)

// stubMetadataSize is the size, in bytes, of the inline metadata block
// an import stub carries immediately after its call into the shared
// name-resolver dispatcher: four little-endian uint32 fields (DLL blob
// RVA, DLL blob length, API blob RVA, API blob length) laid out back
// to back.
const stubMetadataSize = 16

// ScanStubs performs the "direct scan" path for import-stub discovery:
// it walks every executable section decoding instructions, and treats
// any direct call whose target is one of dispatcherTargets as an import
// stub call site, reading its trailing metadata block to locate the
// stub's encrypted DLL/API name blobs. dispatcherTargets is the set of
// resolved dispatcher RVAs internal/dispatch classified as
// return-shaped, the shape the shared name-resolver routine itself
// takes since it always returns to its caller rather than tail-jumping
// onward.
func ScanStubs(img *image.Image, d *disasm.Engine, dispatcherTargets map[uint32]bool, log *logrus.Logger) []Stub {
	var stubs []Stub
	for _, s := range img.Sections {
		if !s.Executable {
			continue
		}
		rva := s.RVA
		end := s.RVA + s.Size
		for rva < end {
			instr, err := d.DecodeAt(rva)
			if err != nil {
				rva++
				continue
			}
			if instr.IsCall() && instr.IsDirectBranchOrCall() {
				if target, ok := instr.BranchTarget(); ok && dispatcherTargets[uint32(target)] {
					if stub, ok := readStubMetadata(img, instr.EndRVA(), rva); ok {
						stubs = append(stubs, stub)
					} else {
						log.WithField("call_site", rva).Debug("imports: stub metadata unreadable, skipping")
					}
				}
			}
			rva = instr.EndRVA()
		}
	}
	return stubs
}

func readStubMetadata(img *image.Image, metaRVA, callSiteRVA uint32) (Stub, bool) {
	buf, err := img.BytesAt(metaRVA, stubMetadataSize)
	if err != nil || len(buf) < stubMetadataSize {
		return Stub{}, false
	}
	return Stub{
		CallSiteRVA: callSiteRVA,
		DLLBlobRVA:  le32(buf[0:4]),
		DLLBlobLen:  le32(buf[4:8]),
		APIBlobRVA:  le32(buf[8:12]),
		APIBlobLen:  le32(buf[12:16]),
	}, true
}
