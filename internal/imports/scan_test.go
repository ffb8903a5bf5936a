package imports

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"scatterbrain/internal/config"
	"scatterbrain/internal/disasm"
	"scatterbrain/internal/image"
	"scatterbrain/internal/logging"
)

// buildStubFixture assembles:
//
//	0x00: call 0x20        ; E8 1B 00 00 00  (stub call site)
//	0x05: <16-byte metadata block: dllRVA=0x40 dllLen=4 apiRVA=0x50 apiLen=3>
//	0x20: ret               ; the shared resolver "dispatcher" target
func buildStubFixture() []byte {
	buf := make([]byte, 0x60)
	buf[0] = 0xE8
	binary.LittleEndian.PutUint32(buf[1:5], 0x1B) // target = 0x05 (E8 end) + 0x1B = 0x20
	binary.LittleEndian.PutUint32(buf[5:9], 0x40)
	binary.LittleEndian.PutUint32(buf[9:13], 4)
	binary.LittleEndian.PutUint32(buf[13:17], 0x50)
	binary.LittleEndian.PutUint32(buf[17:21], 3)
	buf[0x20] = 0xC3
	return buf
}

func TestScanStubsFindsCallSiteAndReadsMetadata(t *testing.T) {
	raw := buildStubFixture()
	img, err := image.Load(raw, config.ModeHeaderless, nil)
	require.NoError(t, err)

	d, err := disasm.New(img.Raw)
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })

	targets := map[uint32]bool{0x20: true}
	stubs := ScanStubs(img, d, targets, logging.Nop())

	require.Len(t, stubs, 1)
	require.EqualValues(t, 0, stubs[0].CallSiteRVA)
	require.EqualValues(t, 0x40, stubs[0].DLLBlobRVA)
	require.EqualValues(t, 4, stubs[0].DLLBlobLen)
	require.EqualValues(t, 0x50, stubs[0].APIBlobRVA)
	require.EqualValues(t, 3, stubs[0].APIBlobLen)
}

func TestScanStubsIgnoresCallsToUnknownTargets(t *testing.T) {
	raw := buildStubFixture()
	img, err := image.Load(raw, config.ModeHeaderless, nil)
	require.NoError(t, err)

	d, err := disasm.New(img.Raw)
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })

	stubs := ScanStubs(img, d, map[uint32]bool{}, logging.Nop())
	require.Empty(t, stubs)
}
