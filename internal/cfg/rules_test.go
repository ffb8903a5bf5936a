package cfg

import (
	"testing"

	"github.com/stretchr/testify/require"

	"scatterbrain/internal/disasm"
)

func decodeAll(t *testing.T, code []byte) []*disasm.Instruction {
	t.Helper()
	eng, err := disasm.New(code)
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Close() })

	var out []*disasm.Instruction
	rva := uint32(0)
	for int(rva) < len(code) {
		ins, err := eng.DecodeAt(rva)
		require.NoError(t, err)
		out = append(out, ins)
		rva = ins.EndRVA()
	}
	return out
}

func TestEvalPushPopCollapse(t *testing.T) {
	// push rax; pop rax; ret
	code := []byte{0x50, 0x58, 0xC3}
	window := decodeAll(t, code)

	res := evalPushPopCollapse(window[:2])
	require.Equal(t, Dead, res.Outcome)
	require.Equal(t, 2, res.ConsumedInstrs)
}

func TestEvalPushPopCollapseDifferentRegsNoMatch(t *testing.T) {
	// push rax; pop rcx
	code := []byte{0x50, 0x59}
	window := decodeAll(t, code)

	res := evalPushPopCollapse(window)
	require.Equal(t, NoMatch, res.Outcome)
}

func TestEvalNopCollapse(t *testing.T) {
	// nop; nop; nop; ret
	code := []byte{0x90, 0x90, 0x90, 0xC3}
	window := decodeAll(t, code)

	res := evalNopCollapse(window)
	require.Equal(t, Dead, res.Outcome)
	require.Equal(t, 3, res.ConsumedInstrs)
}

func TestEvalOpaquePredicateNeverTaken(t *testing.T) {
	// test eax,eax; jne +0x10
	code := []byte{0x85, 0xC0, 0x0F, 0x85, 0x10, 0x00, 0x00, 0x00}
	window := decodeAll(t, code)
	require.Len(t, window, 2)

	res := evalOpaquePredicateCollapse(window)
	require.Equal(t, Dead, res.Outcome)
}

func TestEvalDispatcherRedirectNoResolver(t *testing.T) {
	// call rax
	code := []byte{0xFF, 0xD0}
	window := decodeAll(t, code)

	res := evalDispatcherRedirect(window, nil)
	require.Equal(t, NoMatch, res.Outcome)
}

type fakeResolver struct {
	target uint32
	ok     bool
}

func (f fakeResolver) Resolve(siteRVA uint32) (uint32, bool, bool) {
	return f.target, false, f.ok
}

func TestEvalDispatcherRedirectResolved(t *testing.T) {
	// jmp rax
	code := []byte{0xFF, 0xE0}
	window := decodeAll(t, code)

	res := evalDispatcherRedirect(window, fakeResolver{target: 0x1234, ok: true})
	require.Equal(t, Redirected, res.Outcome)
	require.EqualValues(t, 0x1234, res.Target)
}
