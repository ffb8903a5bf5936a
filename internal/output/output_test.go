package output

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"scatterbrain/internal/asm"
	"scatterbrain/internal/cfg"
	"scatterbrain/internal/config"
	"scatterbrain/internal/disasm"
	"scatterbrain/internal/image"
	"scatterbrain/internal/imports"
	"scatterbrain/internal/logging"
)

// buildTwoFuncFixture assembles:
//
//	func at 0x00: call 0x10 ; ret        (E8 0B 00 00 00, C3)
//	func at 0x10: ret                    (C3)
func buildTwoFuncFixture() []byte {
	code := make([]byte, 0x11)
	code[0] = 0xE8
	code[1] = 0x0B
	code[5] = 0xC3
	code[0x10] = 0xC3
	return code
}

func recoverFixtureCFG(t *testing.T) (*image.Image, *cfg.CFG, *disasm.Engine, *asm.Engine) {
	t.Helper()
	raw := buildTwoFuncFixture()

	img, err := image.Load(raw, config.ModeHeaderless, nil)
	require.NoError(t, err)

	d, err := disasm.New(img.Raw)
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })

	a, err := asm.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	rs, ok := cfg.LookupRuleSet(config.RuleSet1)
	require.True(t, ok)
	stepper := cfg.NewStepper(d, a, rs, nil, 1000, logging.Nop())

	c := cfg.NewCFG()
	entry := c.EnsureFunction(0)
	stepper.Walk(entry)
	callee := c.EnsureFunction(0x10)
	stepper.Walk(callee)

	return img, c, d, a
}

func TestLayoutFunctionsProducesDeterministicOrder(t *testing.T) {
	_, c, _, _ := recoverFixtureCFG(t)

	l1 := LayoutFunctions(c, 0, nil)
	l2 := LayoutFunctions(c, 0, nil)

	require.Equal(t, l1.Code, l2.Code)
	require.Equal(t, l1.FuncRelocEA, l2.FuncRelocEA)
	require.Contains(t, l1.FuncRelocEA, uint32(0))
	require.Contains(t, l1.FuncRelocEA, uint32(0x10))
	require.Equal(t, uint32(0), l1.FuncRelocEA[0])
}

func TestLayoutFunctionsAlignsFunctionGaps(t *testing.T) {
	_, c, _, _ := recoverFixtureCFG(t)

	l := LayoutFunctions(c, 0, nil)
	second := l.FuncRelocEA[0x10]
	require.Equal(t, uint32(0), second%16)
}

func TestLayoutFunctionsReservesStubCallSize(t *testing.T) {
	_, c, _, _ := recoverFixtureCFG(t)

	imp := &imports.Import{DLL: "kernel32.dll", API: "ExitProcess"}
	stubRewrites := map[uint32]*imports.Import{0: imp}

	l := LayoutFunctions(c, 0, stubRewrites)
	retRelocEA, ok := l.GlobalRelocs[relocKey{FuncEA: 0, InstrEA: 5, IsBoundary: false}]
	require.True(t, ok)
	require.Equal(t, uint32(stubCallSize), retRelocEA)
}

func TestApplyFixupsRewritesStubCallToIndirectIATCall(t *testing.T) {
	_, c, d, a := recoverFixtureCFG(t)

	imp := &imports.Import{DLL: "kernel32.dll", API: "ExitProcess"}
	stubRewrites := map[uint32]*imports.Import{0: imp}

	layout := LayoutFunctions(c, 0, stubRewrites)
	table := BuildImportTable([]*imports.Import{imp}, 0x2000)
	slotRVA, ok := table.SlotRVA[imp]
	require.True(t, ok)

	err := ApplyFixups(c, layout, a, d, 0, 0, stubRewrites, table.SlotRVA, logging.Nop())
	require.NoError(t, err)

	require.Equal(t, byte(0xFF), layout.Code[0])
	require.Equal(t, byte(0x15), layout.Code[1])
	disp := int32(binary.LittleEndian.Uint32(layout.Code[2:6]))
	require.EqualValues(t, int64(slotRVA)-int64(stubCallSize), int64(disp))
}

func TestAssembleHeaderlessProducesEntryAndImportTable(t *testing.T) {
	img, c, d, a := recoverFixtureCFG(t)

	imps := []*imports.Import{{DLL: "kernel32.dll", API: "ExitProcess", Thunks: []uint32{0x500}}}

	result, err := Assemble(img, c, imps, nil, 0, a, d, logging.Nop())
	require.NoError(t, err)
	require.NotNil(t, result)
	require.Greater(t, len(result.Buffer), 0)
	require.Equal(t, uint32(0), result.EntryRVA)
	require.NotEmpty(t, result.ImportTable.Descriptors)
}

func TestAssembleHeaderlessRewritesStubCallSite(t *testing.T) {
	img, c, d, a := recoverFixtureCFG(t)

	imp := &imports.Import{DLL: "kernel32.dll", API: "ExitProcess", Thunks: []uint32{0}}
	imps := []*imports.Import{imp}
	stubRewrites := map[uint32]*imports.Import{0: imp}

	result, err := Assemble(img, c, imps, stubRewrites, 0, a, d, logging.Nop())
	require.NoError(t, err)
	require.Equal(t, byte(0xFF), result.Buffer[0])
	require.Equal(t, byte(0x15), result.Buffer[1])
}

func TestBuildImportTableOneDLLTwoAPIs(t *testing.T) {
	set := imports.NewSet()
	set.Add("kernel32.dll", "ExitProcess", 0x10)
	set.Add("kernel32.dll", "GetProcAddress", 0x20)
	finalized := set.Finalize()

	table := BuildImportTable(finalized, 0x1000)
	require.NotEmpty(t, table.Descriptors)
	require.Equal(t, importDescriptorSize*2, len(table.Descriptors)) // one DLL + null terminator
	require.NotEmpty(t, table.IAT)
	require.NotEmpty(t, table.Names)
	require.Len(t, table.SlotRVA, 2)
}

func TestBuildImportTableEmptySet(t *testing.T) {
	set := imports.NewSet()
	table := BuildImportTable(set.Finalize(), 0x1000)
	require.Equal(t, importDescriptorSize, len(table.Descriptors)) // just the null terminator
	require.Empty(t, table.IAT)
	require.Empty(t, table.Names)
}
