package funcs

import (
	"testing"

	"github.com/stretchr/testify/require"

	"scatterbrain/internal/asm"
	"scatterbrain/internal/cfg"
	"scatterbrain/internal/config"
	"scatterbrain/internal/disasm"
	"scatterbrain/internal/logging"
)

// buildFixture assembles:
//
//	0x00: call 0x10      ; E8 0B 00 00 00
//	0x05: ret             ; C3
//	0x06..0x0F: nop * 10
//	0x10: ret             ; C3
func buildFixture() []byte {
	code := make([]byte, 0x11)
	code[0] = 0xE8
	code[1] = 0x0B
	code[5] = 0xC3
	for i := 6; i < 0x10; i++ {
		code[i] = 0x90
	}
	code[0x10] = 0xC3
	return code
}

func TestDiscoverFollowsCallTargetsWithoutRevisiting(t *testing.T) {
	code := buildFixture()

	d, err := disasm.New(code)
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })

	a, err := asm.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	rs, ok := cfg.LookupRuleSet(config.RuleSet1)
	require.True(t, ok)

	stepper := cfg.NewStepper(d, a, rs, nil, 30000, logging.Nop())
	c := cfg.NewCFG()

	Discover(c, stepper, 0, logging.Nop())

	require.True(t, c.Has(0))
	require.True(t, c.Has(0x10))
	require.Len(t, c.Functions, 2)

	entry := c.Functions[0]
	require.Equal(t, cfg.StateComplete, entry.State)

	callee := c.Functions[0x10]
	require.Equal(t, cfg.StateComplete, callee.State)
}
