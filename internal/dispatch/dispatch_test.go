package dispatch

import (
	"testing"

	"github.com/stretchr/testify/require"

	"scatterbrain/internal/config"
	"scatterbrain/internal/image"
)

func encodeSignature(v0 uint32) []byte {
	buf := make([]byte, 16)
	putLE32(buf[0:4], v0)
	putLE32(buf[4:8], v0^sigMagic1)
	putLE32(buf[8:12], v0^sigMagic2)
	putLE32(buf[12:16], v0^sigMagic3)
	return buf
}

func putLE32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

func TestScanSignatureFindsEmbeddedPattern(t *testing.T) {
	raw := make([]byte, 0x100)
	sig := encodeSignature(0xAABBCCDD)
	copy(raw[0x40:], sig)

	img, err := image.Load(raw, config.ModeHeaderless, nil)
	require.NoError(t, err)

	hits := ScanSignature(img)
	require.Contains(t, hits, uint32(0x40))
}

func TestScanSignatureNoFalsePositiveOnRandomBytes(t *testing.T) {
	raw := make([]byte, 0x40)
	for i := range raw {
		raw[i] = byte(i * 7)
	}
	img, err := image.Load(raw, config.ModeHeaderless, nil)
	require.NoError(t, err)

	hits := ScanSignature(img)
	require.Empty(t, hits)
}

func TestTableResolveUnknownSite(t *testing.T) {
	table := NewTable()
	_, _, ok := table.Resolve(0x1000)
	require.False(t, ok)
}

func TestTableResolveRecordedSite(t *testing.T) {
	table := NewTable()
	table.set(&Record{SiteRVA: 0x10, TargetRVA: 0x20, Kind: KindDirect})

	target, cond, ok := table.Resolve(0x10)
	require.True(t, ok)
	require.False(t, cond)
	require.EqualValues(t, 0x20, target)
}

func TestTableResolveUnresolvedSiteReportsNotOK(t *testing.T) {
	table := NewTable()
	table.set(&Record{SiteRVA: 0x10, Unresolved: true})

	_, _, ok := table.Resolve(0x10)
	require.False(t, ok)
}

func TestTableSetIsFirstWriteWins(t *testing.T) {
	table := NewTable()
	table.set(&Record{SiteRVA: 0x10, TargetRVA: 0x20})
	table.set(&Record{SiteRVA: 0x10, TargetRVA: 0x30})

	target, _, ok := table.Resolve(0x10)
	require.True(t, ok)
	require.EqualValues(t, 0x20, target)
	require.Equal(t, 1, table.Len())
}
