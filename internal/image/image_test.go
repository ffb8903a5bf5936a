package image_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"scatterbrain/internal/config"
	"scatterbrain/internal/image"
)

func headerlessBlob(n int) []byte {
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = byte(i)
	}
	return buf
}

func TestLoadHeaderlessDefaultRegion(t *testing.T) {
	raw := headerlessBlob(0x200)
	img, err := image.Load(raw, config.ModeHeaderless, nil)
	require.NoError(t, err)
	require.Len(t, img.Sections, 1)
	require.True(t, img.IsExecutable(0))
	require.True(t, img.IsExecutable(0x1FF))
}

func TestLoadHeaderlessExplicitLayout(t *testing.T) {
	raw := headerlessBlob(0x2000)
	layout := []config.SectionSpec{
		{Name: ".text", RVA: 0, Size: 0x1000, Executable: true, Readable: true},
		{Name: ".data", RVA: 0x1000, Size: 0x1000, Readable: true, Writable: true},
	}
	img, err := image.Load(raw, config.ModeHeaderless, layout)
	require.NoError(t, err)
	require.True(t, img.IsExecutable(0x10))
	require.False(t, img.IsExecutable(0x1010))
}

func TestRVAOffsetRoundTrip(t *testing.T) {
	raw := headerlessBlob(0x1000)
	img, err := image.Load(raw, config.ModeHeaderless, nil)
	require.NoError(t, err)

	off, err := img.RVAToOffset(0x123)
	require.NoError(t, err)
	require.EqualValues(t, 0x123, off)

	rva, err := img.OffsetToRVA(off)
	require.NoError(t, err)
	require.EqualValues(t, 0x123, rva)
}

func TestOutOfRange(t *testing.T) {
	raw := headerlessBlob(0x100)
	img, err := image.Load(raw, config.ModeHeaderless, nil)
	require.NoError(t, err)

	_, err = img.BytesAt(0x200, 4)
	require.Error(t, err)
	var oor *image.OutOfRange
	require.ErrorAs(t, err, &oor)
}

func TestPatchOverlayAndCommit(t *testing.T) {
	raw := headerlessBlob(0x100)
	img, err := image.Load(raw, config.ModeHeaderless, nil)
	require.NoError(t, err)

	require.NoError(t, img.Patch(0x10, []byte{0xAA, 0xBB}))

	// Read before Commit sees the staged patch overlaid.
	b, err := img.BytesAt(0x10, 2)
	require.NoError(t, err)
	require.Equal(t, []byte{0xAA, 0xBB}, b)

	// Raw bytes are untouched until Commit.
	require.NotEqual(t, byte(0xAA), img.Raw[0x10])

	require.NoError(t, img.Commit())
	require.Equal(t, byte(0xAA), img.Raw[0x10])
	require.Equal(t, byte(0xBB), img.Raw[0x11])
}

func TestPatchRejectsOverlap(t *testing.T) {
	raw := headerlessBlob(0x100)
	img, err := image.Load(raw, config.ModeHeaderless, nil)
	require.NoError(t, err)

	require.NoError(t, img.Patch(0x10, []byte{0x01, 0x02, 0x03}))
	err = img.Patch(0x11, []byte{0x04})
	require.Error(t, err)
}

func TestLoadPERejectsTruncatedInput(t *testing.T) {
	_, err := image.Load([]byte{0x4D, 0x5A}, config.ModeFull, nil)
	require.Error(t, err)
	var parseErr *image.ParseError
	require.ErrorAs(t, err, &parseErr)
}
