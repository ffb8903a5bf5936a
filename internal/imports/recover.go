package imports

import (
	"github.com/sirupsen/logrus"

	"scatterbrain/internal/image"
)

// Stub is one candidate import stub, identified either by the CFG
// stepper's classifier while it walks a function (the usual path) or
// by a direct scan over executable sections when no function reaches
// it. DLLBlobRVA/APIBlobRVA point at the stub's embedded encrypted
// name bytes; CallSiteRVA is the instruction that must be rewritten to
// an indirect call through the assigned IAT slot once recovery
// finishes.
type Stub struct {
	CallSiteRVA uint32
	DLLBlobRVA  uint32
	DLLBlobLen  uint32
	APIBlobRVA  uint32
	APIBlobLen  uint32
}

// Recover decrypts every candidate stub's (DLL, API) pair, merges them
// into set, and returns the call-site rewrites the output assembler
// must apply (CallSiteRVA -> the Import now backing it). A stub whose
// ciphertext never resolves to a printable, terminated name is skipped
// and logged; it never aborts recovery of the remaining stubs.
func Recover(img *image.Image, stubs []Stub, decryptConst uint32, set *ImportSet, log *logrus.Logger) (map[uint32]*Import, error) {
	rewrites := make(map[uint32]*Import, len(stubs))
	for _, stub := range stubs {
		dllCipher, err := img.BytesAt(stub.DLLBlobRVA, stub.DLLBlobLen)
		if err != nil {
			log.WithField("stub", stub.CallSiteRVA).WithError(err).Warn("imports: unreadable DLL name blob, skipping stub")
			continue
		}
		apiCipher, err := img.BytesAt(stub.APIBlobRVA, stub.APIBlobLen)
		if err != nil {
			log.WithField("stub", stub.CallSiteRVA).WithError(err).Warn("imports: unreadable API name blob, skipping stub")
			continue
		}

		dll, err := DecryptName(dllCipher, decryptConst)
		if err != nil {
			log.WithField("stub", stub.CallSiteRVA).WithError(err).Warn("imports: failed to decrypt DLL name, skipping stub")
			continue
		}
		api, err := DecryptName(apiCipher, decryptConst)
		if err != nil {
			log.WithField("stub", stub.CallSiteRVA).WithError(err).Warn("imports: failed to decrypt API name, skipping stub")
			continue
		}

		imp := set.Add(dll, api, stub.CallSiteRVA)
		rewrites[stub.CallSiteRVA] = imp
	}
	return rewrites, nil
}
