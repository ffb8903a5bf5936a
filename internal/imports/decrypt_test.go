package imports

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/require"
)

// fixtureKernel32 is "KERNEL32.dll" encrypted with seed 0x12345678 under
// the 0x6817FD83 constant named in the reference implementation's
// sample fixtures, built by running the reference algorithm forward.
const fixtureKernel32Hex = "7856341228e9d08cb4532e3aa1fe348b6a"

func TestDecryptNameKnownFixture(t *testing.T) {
	raw, err := hex.DecodeString(fixtureKernel32Hex)
	require.NoError(t, err)

	name, err := DecryptName(raw, 0x6817FD83)
	require.NoError(t, err)
	require.Equal(t, "KERNEL32.dll", name)
}

func TestDecryptNameTooShort(t *testing.T) {
	_, err := DecryptName([]byte{1, 2, 3}, 0x6817FD83)
	require.Error(t, err)
}

func TestDecryptNameWrongConstProducesError(t *testing.T) {
	raw, err := hex.DecodeString(fixtureKernel32Hex)
	require.NoError(t, err)

	// A different constant sends the mixing sequence off into bytes
	// that are very unlikely to re-form a clean ASCII string before the
	// bounded window runs out.
	_, err = DecryptName(raw, 0xDEADBEEF)
	require.Error(t, err)
}
