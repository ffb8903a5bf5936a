// Package asm wraps the Keystone assembler, used to re-encode a
// mnemonic plus a resolved target address into raw bytes whenever the
// CFG stepper or output assembler redirects a branch to a recovered
// target (mirrors `d.ks.asm(...)` throughout
// original_source/recover/recover_cfg.go and recover_output64.py).
package asm

import (
	"fmt"

	"github.com/keystone-engine/keystone/bindings/go/keystone"
)

// Engine assembles x86-64 instruction text into machine code at a given
// address.
type Engine struct {
	ks *keystone.Keystone
}

// New opens a 64-bit Intel-syntax Keystone engine.
func New() (*Engine, error) {
	ks, err := keystone.New(keystone.ARCH_X86, keystone.MODE_64)
	if err != nil {
		return nil, fmt.Errorf("asm: open keystone engine: %w", err)
	}
	if err := ks.Option(keystone.OPT_SYNTAX, keystone.OPT_SYNTAX_INTEL); err != nil {
		return nil, fmt.Errorf("asm: set intel syntax: %w", err)
	}
	return &Engine{ks: ks}, nil
}

// Close releases the underlying Keystone handle.
func (e *Engine) Close() error {
	return e.ks.Close()
}

// Assemble encodes a single instruction's assembly text at `addr` and
// returns its machine code bytes.
func (e *Engine) Assemble(text string, addr uint64) ([]byte, error) {
	insn, _, ok := e.ks.Assemble(text, addr)
	if !ok {
		return nil, fmt.Errorf("asm: failed to assemble %q at %#x", text, addr)
	}
	return insn, nil
}

// JmpRel32 encodes an unconditional relative jump from `at` to `dest`
// as a 5-byte `E9 <rel32>` sequence, the shape a boundary-merging
// synthetic jump or a relocated jmp fixup placeholder takes.
func (e *Engine) JmpRel32(at, dest uint64) ([]byte, error) {
	rel := int64(dest) - int64(at+5)
	if rel != int64(int32(rel)) {
		return nil, fmt.Errorf("asm: jmp from %#x to %#x out of rel32 range", at, dest)
	}
	r := uint32(int32(rel))
	return []byte{0xE9, byte(r), byte(r >> 8), byte(r >> 16), byte(r >> 24)}, nil
}

// CallRel32 encodes a relative call from `at` to `dest`.
func (e *Engine) CallRel32(at, dest uint64) ([]byte, error) {
	return e.Assemble(fmt.Sprintf("call %#x", dest), at)
}

// Jcc encodes a conditional branch of the given mnemonic (e.g. "je",
// "jge") from `at` to `dest`.
func (e *Engine) Jcc(mnemonic string, at, dest uint64) ([]byte, error) {
	return e.Assemble(fmt.Sprintf("%s %#x", mnemonic, dest), at)
}
