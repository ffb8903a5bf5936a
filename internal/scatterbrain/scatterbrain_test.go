package scatterbrain

import (
	"testing"

	"github.com/stretchr/testify/require"

	"scatterbrain/internal/config"
	"scatterbrain/internal/logging"
)

// buildFixtureImage assembles a tiny headerless blob:
//
//	0x00: call 0x10 ; ret
//	0x10: ret
func buildFixtureImage() []byte {
	code := make([]byte, 0x11)
	code[0] = 0xE8
	code[1] = 0x0B
	code[5] = 0xC3
	code[0x10] = 0xC3
	return code
}

func newFixtureRunConfig() config.Config {
	c := config.Default()
	c.Mode = config.ModeHeaderless
	c.ImpDecryptConst = 0x6817FD83
	c.RootRVA = 0
	c.Workers = 1
	return c
}

func TestNewRejectsTruncatedInput(t *testing.T) {
	_, err := New([]byte{}, newFixtureRunConfig(), logging.Nop())
	require.Error(t, err)
	var parseErr *ParseError
	require.ErrorAs(t, err, &parseErr)
}

func TestFullPipelineOnFixture(t *testing.T) {
	pi, err := New(buildFixtureImage(), newFixtureRunConfig(), logging.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = pi.Close() })

	require.NoError(t, RecoverInstructionDispatchers(pi))
	require.NotNil(t, pi.DispatcherLocs)

	require.NoError(t, RecoverImportsMerge(pi))
	require.NotNil(t, pi.Imports)

	c, err := RecoverRecursiveInFull(pi, 0)
	require.NoError(t, err)
	require.True(t, c.Has(0))
	require.True(t, c.Has(0x10))

	require.NoError(t, RebuildOutput(pi, 0))
	require.NotEmpty(t, pi.NewImageBuffer)
}

func TestRecoverImportsMergeRequiresDispatchersFirst(t *testing.T) {
	pi, err := New(buildFixtureImage(), newFixtureRunConfig(), logging.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = pi.Close() })

	err = RecoverImportsMerge(pi)
	require.Error(t, err)
}

func TestDumpNewImageBufferToDiskRequiresRebuildFirst(t *testing.T) {
	pi, err := New(buildFixtureImage(), newFixtureRunConfig(), logging.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = pi.Close() })

	err = DumpNewImageBufferToDisk(pi, t.TempDir()+"/out.bin")
	require.Error(t, err)
}
