// Package dispatch implements Dispatcher Recovery: it scans an image
// for ScatterBrain's dispatcher prologue signature, resolves each
// candidate site by emulating it in a clean, deterministic sandbox
// until control leaves the dispatcher region, and records the
// resolved target.
//
// The signature constants below are recovered from the commented-out
// sub_140001510/find_imptbl_metadata scanner left in
// original_source/helpers/config_parsing.py: three XOR-compare checks
// against fixed magic values applied to bytes at fixed offsets from a
// candidate site.
package dispatch

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"scatterbrain/internal/emu"
	"scatterbrain/internal/image"
)

const (
	sigMagic1 = 0x97E8027D
	sigMagic2 = 0xF3A300F6
	sigMagic3 = 0x858AF28D
)

// Kind classifies a resolved dispatcher by the control-flow shape its
// emulated run settled into.
type Kind int

const (
	KindDirect Kind = iota
	KindConditional
	KindReturnShaped
)

func (k Kind) String() string {
	switch k {
	case KindDirect:
		return "direct"
	case KindConditional:
		return "conditional"
	case KindReturnShaped:
		return "return-shaped"
	default:
		return "unknown"
	}
}

// Record is one resolved dispatcher site. Created exactly once per
// site by Recover; immutable thereafter.
type Record struct {
	SiteRVA     uint32
	TargetRVA   uint32
	Kind        Kind
	CarryFlag   bool
	Unresolved  bool
}

// Table is the serialized-write set of dispatcher records, keyed by
// site RVA. It implements cfg.DispatcherResolver.
type Table struct {
	mu      sync.Mutex
	records map[uint32]*Record
}

func NewTable() *Table {
	return &Table{records: make(map[uint32]*Record)}
}

// Resolve implements cfg.DispatcherResolver.
func (t *Table) Resolve(siteRVA uint32) (targetRVA uint32, isConditional bool, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, found := t.records[siteRVA]
	if !found || r.Unresolved {
		return 0, false, false
	}
	return r.TargetRVA, r.Kind == KindConditional, true
}

func (t *Table) set(r *Record) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.records[r.SiteRVA]; exists {
		return
	}
	t.records[r.SiteRVA] = r
}

// Len reports the number of sites recorded so far, resolved or not.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.records)
}

// All returns every recorded site, in increasing RVA order.
func (t *Table) All() []*Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Record, 0, len(t.records))
	for _, r := range t.records {
		out = append(out, r)
	}
	sortRecords(out)
	return out
}

func sortRecords(r []*Record) {
	for i := 1; i < len(r); i++ {
		for j := i; j > 0 && r[j-1].SiteRVA > r[j].SiteRVA; j-- {
			r[j-1], r[j] = r[j], r[j-1]
		}
	}
}

// ScanSignature returns every RVA in img's executable regions whose
// byte window satisfies the three magic-constant XOR checks recovered
// from the reference scanner.
func ScanSignature(img *image.Image) []uint32 {
	var hits []uint32
	for _, s := range img.Sections {
		if !s.Executable {
			continue
		}
		window := int(s.Size)
		if window < 16 {
			continue
		}
		for off := 0; off <= window-16; off++ {
			rva := s.RVA + uint32(off)
			buf, err := img.BytesAt(rva, 16)
			if err != nil || len(buf) < 16 {
				continue
			}
			if matchesSignature(buf) {
				hits = append(hits, rva)
			}
		}
	}
	return hits
}

func matchesSignature(buf []byte) bool {
	v0 := le32(buf[0:4])
	v1 := le32(buf[4:8])
	v2 := le32(buf[8:12])
	v3 := le32(buf[12:16])
	return v0 == (v1^sigMagic1) && v0 == (v2^sigMagic2) && v0 == (v3^sigMagic3)
}

func le32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

// Config bounds a single dispatcher-site resolution.
type Config struct {
	ImageBase   uint64
	MaxSteps    int
	InitialRegs emu.RegState
}

// DefaultConfig returns the pipeline's one constant initial state, per
// the determinism requirement: two runs over the same input must
// produce identical dispatcher records, so neither ImageBase nor
// InitialRegs may vary run to run.
func DefaultConfig(maxSteps int) Config {
	return Config{
		ImageBase: 0x0000000140000000,
		MaxSteps:  maxSteps,
		InitialRegs: emu.RegState{
			RAX: 0, RBX: 0, RCX: 0, RDX: 0,
			RSI: 0, RDI: 0, RBP: 0,
			R8: 0, R9: 0, R10: 0, R11: 0,
			R12: 0, R13: 0, R14: 0, R15: 0,
			EFLAGS: 0x202, // IF set, the reset-state default real CPUs boot with
		},
	}
}

// Recover resolves every signature-scan hit in img and returns the
// resulting table. Each site gets its own Emulator instance (Recover
// itself stays single-threaded; see RecoverConcurrent for the parallel
// variant) so a fault in one never corrupts another's state.
func Recover(img *image.Image, cfg Config, log *logrus.Logger) (*Table, error) {
	table := NewTable()
	for _, site := range ScanSignature(img) {
		rec, err := resolveSite(img, site, cfg, log)
		if err != nil {
			return nil, err
		}
		table.set(rec)
	}
	return table, nil
}

// RecoverConcurrent is the parallelized variant: each worker owns a
// distinct Emulator and a read-only view of img, and every write to
// the shared table is serialized and keyed by site RVA, which the
// concurrency model guarantees never conflicts.
func RecoverConcurrent(img *image.Image, cfg Config, workers int, log *logrus.Logger) (*Table, error) {
	sites := ScanSignature(img)
	table := NewTable()
	if workers < 1 {
		workers = 1
	}

	jobs := make(chan uint32)
	errs := make(chan error, workers)
	var wg sync.WaitGroup

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for site := range jobs {
				rec, err := resolveSite(img, site, cfg, log)
				if err != nil {
					errs <- err
					continue
				}
				table.set(rec)
			}
		}()
	}
	for _, site := range sites {
		jobs <- site
	}
	close(jobs)
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			return table, err
		}
	}
	return table, nil
}

func resolveSite(img *image.Image, site uint32, cfg Config, log *logrus.Logger) (*Record, error) {
	e, err := emu.New(log)
	if err != nil {
		return nil, fmt.Errorf("dispatch: open emulator for site %#x: %w", site, err)
	}
	defer func() { _ = e.Close() }()

	if err := e.MapImage(cfg.ImageBase, img.Raw); err != nil {
		return nil, fmt.Errorf("dispatch: map image for site %#x: %w", site, err)
	}

	regs := cfg.InitialRegs
	regs.RSP = e.StackTop()
	regs.RIP = cfg.ImageBase + uint64(site)
	if err := e.WriteRegs(regs); err != nil {
		return nil, fmt.Errorf("dispatch: seed registers for site %#x: %w", site, err)
	}

	result, err := e.RunUntil(regs.RIP, stopOutsideRegion(img, cfg.ImageBase, site), cfg.MaxSteps)
	if err != nil {
		return nil, fmt.Errorf("dispatch: run site %#x: %w", site, err)
	}

	rec := &Record{SiteRVA: site}
	switch result.Outcome {
	case emu.StopPredicateFired, emu.Halted:
		targetRVA := uint32(result.FinalPC - cfg.ImageBase)
		rec.TargetRVA = targetRVA
		rec.Kind, rec.CarryFlag = classify(e)
		if b, err := img.BytesAt(targetRVA, 1); err == nil && len(b) == 1 && b[0] == 0xC3 {
			rec.Kind = KindReturnShaped
		}
		if rec.TargetRVA == site {
			// Never record an identity dispatch; treat it as unresolved
			// rather than violate the no-self-target invariant.
			rec.Unresolved = true
		}
	case emu.StepBudgetExceeded, emu.Fault:
		rec.Unresolved = true
		log.WithField("site", fmt.Sprintf("%#x", site)).WithField("outcome", result.Outcome.String()).Debug("dispatch: site unresolved")
	}
	return rec, nil
}

// stopOutsideRegion treats the next address outside the 16-byte
// signature window as the dispatcher's boundary: any executable byte
// not part of the scanned prologue pattern itself.
func stopOutsideRegion(img *image.Image, imageBase uint64, site uint32) emu.StopPredicate {
	regionEnd := site + 16
	return func(pc uint64) bool {
		if pc < imageBase {
			return true
		}
		rva := uint32(pc - imageBase)
		if rva < site || rva >= regionEnd {
			return true
		}
		return false
	}
}

// classify inspects EFLAGS after emulation stops to decide whether the
// resolved dispatch is unconditional ("direct") or carries a live
// condition code a conditional dispatcher variant would need
// preserved when C rewrites the calling block.
func classify(e *emu.Emulator) (Kind, bool) {
	regs, _ := e.ReadRegs()
	const carryFlagBit = 1 << 0
	const zeroFlagBit = 1 << 6
	carry := regs.EFLAGS&carryFlagBit != 0
	zero := regs.EFLAGS&zeroFlagBit != 0
	if carry || zero {
		return KindConditional, carry
	}
	return KindDirect, false
}
