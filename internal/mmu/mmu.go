// Package mmu models the VMSAv6 short-descriptor translation-table builder
// and fault dispatch path, grounded on Processor/VMSAv6/mmu.c. The reference
// packs three kinds of level-1 entry (invalid/fault-handler, page-table
// pointer, section) into one 32-bit word via C bitfields, and distinguishes
// an invalid entry from a valid one purely by its low two type bits — which
// lets it reuse the rest of the word to stash a `memory_fault_handler`
// function pointer. Go cannot alias a function value into spare bits of a
// uint32, so this port uses a tagged union of three struct kinds for that
// one case; every valid section/page entry still carries the real VMSAv6
// attribute bits (type, AP, TEX/C/B, nG, S, domain, supersection, AF) in a
// descriptorBits value, and can be packed back into the hardware word via
// sectionWord/pageWord, matching l1tt_section_entry/l2tt_entry bit-for-bit.
package mmu

import (
	"fmt"
	"sync"

	"github.com/ostask/substrate/internal/arch"
)

// Kind classifies CK_Memory's access/executability, matching CK_MemoryRWX
// through CK_Device.
type Kind int

const (
	RWX Kind = iota
	RW
	RX
	R
	Device
)

// sectionSize/pageSize mirror mmu_section_size (1 MiB) and mmu_page_size
// (4 KiB, matching rawmem.PageSize). A supersection groups 16 consecutive,
// identically-based sections into one 16 MiB entry, matching
// create_default_translation_tables' 16-section write loop.
const (
	sectionSize          = 1 << 20
	pageSize             = 1 << 12
	pagesPerSec          = sectionSize / pageSize
	numSections          = 1 << 12 // a 32-bit VA space has 4096 1 MiB sections
	sectionsPerSuper     = 16
	supersectionSize     = sectionsPerSuper * sectionSize
	pagesPerSupersection = sectionsPerSuper * pagesPerSec
)

// FaultHandler mirrors memory_fault_handler: given the faulting VA and a
// fault-type code, it either resolves the fault (by calling Map/MapPage
// itself) and returns true, or returns false to let the fault escalate.
type FaultHandler func(va uint32, fault uint32) bool

// entryKind distinguishes the three forms an entryKind invalid/table/section
// union can take, replacing the reference's type:2 bitfield test.
type entryKind int

const (
	invalidEntry entryKind = iota
	tableEntry
	sectionEntry
)

// descriptorBits carries the VMSAv6 attribute bits that sit alongside the
// type/base fields in a real l1tt_section_entry or l2tt_entry word:
// bufferable/cacheable/execute-never memory attributes, the TEX-remap
// class, the domain, access permissions, and the shared/not-global/
// supersection/not-secure flags. Domain and NotSecure are never set away
// from their zero
// value anywhere in this port (the reference's own map_memory call sites
// never pass a non-zero domain either), so they exist for bit-exactness of
// the packed word rather than being exposed on Mapping.
type descriptorBits struct {
	XN                 bool
	C                  bool
	B                  bool
	Domain             uint8
	AF                 bool
	UnprivilegedAccess bool
	TEX                uint8
	ReadOnly           bool
	Shared             bool
	NotGlobal          bool
	Supersection       bool
	NotSecure          bool
}

// presetFor mirrors the reference's cached_section/cached_page combined with
// rwx_section/rw_section/rx_section/r_section/dev_section/dev_page preset
// constants (mmu.c:340-354): every Kind but Device gets the TEX=5,C=0,B=1
// cached-memory attribute ORed with its XN/read_only pair; Device gets the
// pure, all-zero-attribute dev_section/dev_page encoding (Strongly-Ordered,
// execute-never).
func presetFor(k Kind) descriptorBits {
	if k == Device {
		return descriptorBits{XN: true, AF: true}
	}
	b := descriptorBits{TEX: 5, C: false, B: true, AF: true}
	switch k {
	case RWX:
		b.XN, b.ReadOnly = false, false
	case RW:
		b.XN, b.ReadOnly = true, false
	case RX:
		b.XN, b.ReadOnly = false, true
	case R:
		b.XN, b.ReadOnly = true, true
	}
	return b
}

// sectionWord packs bits and basePage into the real l1tt_section_entry
// layout: type2[1:0]=0b10, B[2], C[3], XN[4], Domain[8:5], AF[10],
// unprivileged_access[11], TEX[14:12], read_only[15], S[16], nG[17],
// supersection[18], not_secure[19], base[31:20].
func (b descriptorBits) sectionWord(basePage uint32) uint32 {
	w := uint32(0b10)
	if b.B {
		w |= 1 << 2
	}
	if b.C {
		w |= 1 << 3
	}
	if b.XN {
		w |= 1 << 4
	}
	w |= uint32(b.Domain&0xf) << 5
	if b.AF {
		w |= 1 << 10
	}
	if b.UnprivilegedAccess {
		w |= 1 << 11
	}
	w |= uint32(b.TEX&0x7) << 12
	if b.ReadOnly {
		w |= 1 << 15
	}
	if b.Shared {
		w |= 1 << 16
	}
	if b.NotGlobal {
		w |= 1 << 17
	}
	if b.Supersection {
		w |= 1 << 18
	}
	if b.NotSecure {
		w |= 1 << 19
	}
	w |= basePage << 20
	return w
}

// pageWord packs bits and basePage into the real l2tt_entry small-page
// layout: XN[0], small_page[1]=1, B[2], C[3], AF[4], unprivileged_access[5],
// TEX[8:6], read_only[9], S[10], nG[11], page_base[31:12].
func (b descriptorBits) pageWord(basePage uint32) uint32 {
	w := uint32(0b10)
	if b.XN {
		w |= 1 << 0
	}
	if b.B {
		w |= 1 << 2
	}
	if b.C {
		w |= 1 << 3
	}
	if b.AF {
		w |= 1 << 4
	}
	if b.UnprivilegedAccess {
		w |= 1 << 5
	}
	w |= uint32(b.TEX&0x7) << 6
	if b.ReadOnly {
		w |= 1 << 9
	}
	if b.Shared {
		w |= 1 << 10
	}
	if b.NotGlobal {
		w |= 1 << 11
	}
	w |= basePage << 12
	return w
}

type l1entry struct {
	kind     entryKind
	handler  FaultHandler // invalidEntry
	table    *l2table     // tableEntry
	basePage uint32       // sectionEntry: physical page number of section start
	k        Kind
	bits     descriptorBits
}

// l2table is one second-level table of 256 page entries, matching union
// l2tt's entry[256]; pageEntry reuses the same invalid/handler-or-mapped
// duality as l1entry.
type l2table struct {
	entries [pagesPerSec]l2entry
}

type l2entry struct {
	mapped   bool
	handler  FaultHandler
	basePage uint32
	k        Kind
	bits     descriptorBits
}

// Mapping describes one region to install, matching memory_mapping.
type Mapping struct {
	BasePage          uint32
	Pages             uint32
	VA                uint32
	Kind              Kind
	Global            bool
	Shared            bool
	ApplicationMemory bool
}

// bitsFor derives the section/page descriptorBits for m, combining the
// Kind-derived preset with the per-mapping S/nG/AP[unprivileged] flags, the
// way map_memory ORs the caller's mapping->shared/map_specific/usr32_access
// onto the preset attribute bits.
func bitsFor(m Mapping) descriptorBits {
	b := presetFor(m.Kind)
	b.Shared = m.Shared
	b.NotGlobal = !m.Global
	b.UnprivilegedAccess = m.ApplicationMemory
	return b
}

// Table is one core's view of the address space: a full 4096-entry level-1
// table plus its level-2 tables, matching translation_table /
// local_kernel_page_table. A Global table additionally backs entries every
// core's local table aliases, matching global_translation_table.
type Table struct {
	mu      sync.Mutex
	entries [numSections]l1entry
	global  bool
}

// New creates an empty table (every section invalid, with no handler —
// equivalent to the all-zero boot-time translation_table before
// create_default_translation_tables runs).
func New(global bool) *Table {
	return &Table{global: global}
}

func sectionOf(va uint32) uint32 { return va >> 20 }

// barrier issues the post-table-write sequence required after any
// translation-table mutation: DSB (so the write is visible), TLB
// invalidate by-all and branch-predictor invalidate (neither is guaranteed
// ASID-private here, so a full invalidate is the safe bound matching
// create_default_translation_tables' own full-invalidate-after-build
// behaviour), then DSB; ISB so the next fetched instruction sees the new
// mapping.
func barrier() {
	arch.DataSyncBarrier()
	arch.TLBInvalidateAll()
	arch.BranchPredictorInvalidateAll()
	arch.DataSyncBarrier()
	arch.InstructionSyncBarrier()
}

// ClearRegion implements clear_memory_region: install handler as the fault
// handler for every page in [vaBase, vaBase+vaPages*pageSize), demoting any
// section entry it overlaps into a page table first so the handler can be
// recorded per-page, exactly as the reference splits a section before
// clearing part of it.
func (t *Table) ClearRegion(vaBase, vaPages uint32, handler FaultHandler) {
	if vaPages == 0 {
		panic("mmu: ClearRegion with zero pages")
	}
	t.mu.Lock()
	defer func() {
		t.mu.Unlock()
		barrier()
	}()

	for p := uint32(0); p < vaPages; p++ {
		va := vaBase + p*pageSize
		sec := sectionOf(va)
		e := &t.entries[sec]
		switch e.kind {
		case sectionEntry:
			t.splitLocked(sec)
		case invalidEntry:
			if e.table == nil {
				e.kind = tableEntry
				e.table = &l2table{}
				for i := range e.table.entries {
					e.table.entries[i].handler = e.handler
				}
			}
		}
		idx := (va % sectionSize) / pageSize
		pe := &e.table.entries[idx]
		pe.mapped = false
		pe.handler = handler
	}
}

// splitLocked demotes a mapped section entry into a freshly populated page
// table with one entry per page carrying the section's own mapping,
// matching the reference's get_free_table + per-page copy-down when a
// clear/map operation needs finer granularity than the existing section.
// A supersection splits the same way, one section's worth of pages at a
// time, since the caller only ever needs to shrink one 1 MiB slot here.
func (t *Table) splitLocked(sec uint32) {
	e := &t.entries[sec]
	old := *e
	e.kind = tableEntry
	e.table = &l2table{}
	e.handler = nil
	pageBits := old.bits
	pageBits.Supersection = false
	for i := range e.table.entries {
		e.table.entries[i] = l2entry{
			mapped:   true,
			basePage: old.basePage + uint32(i),
			k:        old.k,
			bits:     pageBits,
		}
	}
}

// Map implements map_memory: install mapping, using supersection-granularity
// entries where VA, base page, and page count all meet a 16 MiB supersection
// boundary (matching create_default_translation_tables' 16-section grouping),
// section-granularity entries where only the 1 MiB boundary is met, and
// page-granularity entries (splitting first if necessary) otherwise.
func (t *Table) Map(m Mapping) {
	t.mu.Lock()
	defer func() {
		t.mu.Unlock()
		barrier()
	}()

	bits := bitsFor(m)

	superAligned := m.VA%supersectionSize == 0 && m.BasePage%pagesPerSupersection == 0 && m.Pages%pagesPerSupersection == 0
	if superAligned {
		superBits := bits
		superBits.Supersection = true
		for g := uint32(0); g < m.Pages/pagesPerSupersection; g++ {
			groupBase := m.BasePage + g*pagesPerSupersection
			for s := uint32(0); s < sectionsPerSuper; s++ {
				sec := sectionOf(m.VA) + g*sectionsPerSuper + s
				t.entries[sec] = l1entry{
					kind:     sectionEntry,
					basePage: groupBase + s*pagesPerSec,
					k:        m.Kind,
					bits:     superBits,
				}
			}
		}
		return
	}

	sectionAligned := m.VA%sectionSize == 0 && m.BasePage%pagesPerSec == 0 && m.Pages%pagesPerSec == 0
	if sectionAligned {
		for s := uint32(0); s < m.Pages/pagesPerSec; s++ {
			sec := sectionOf(m.VA) + s
			t.entries[sec] = l1entry{
				kind:     sectionEntry,
				basePage: m.BasePage + s*pagesPerSec,
				k:        m.Kind,
				bits:     bits,
			}
		}
		return
	}

	for p := uint32(0); p < m.Pages; p++ {
		va := m.VA + p*pageSize
		sec := sectionOf(va)
		e := &t.entries[sec]
		if e.kind == sectionEntry {
			t.splitLocked(sec)
		} else if e.kind == invalidEntry {
			e.kind = tableEntry
			e.table = &l2table{}
			for i := range e.table.entries {
				e.table.entries[i].handler = e.handler
			}
		}
		idx := (va % sectionSize) / pageSize
		e.table.entries[idx] = l2entry{
			mapped:   true,
			basePage: m.BasePage + p,
			k:        m.Kind,
			bits:     bits,
		}
	}
}

// Translate resolves va to its physical page number and Kind, reporting ok
// = false if the page is unmapped (the caller should then consult the
// installed FaultHandler via HandleFault).
func (t *Table) Translate(va uint32) (physPage uint32, k Kind, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	sec := sectionOf(va)
	e := &t.entries[sec]
	switch e.kind {
	case sectionEntry:
		return e.basePage + (va%sectionSize)/pageSize, e.k, true
	case tableEntry:
		pe := &e.table.entries[(va%sectionSize)/pageSize]
		if pe.mapped {
			return pe.basePage, pe.k, true
		}
	}
	return 0, 0, false
}

// DescriptorWord packs the hardware-format l1tt_section_entry or l2tt_entry
// word that currently backs va, for inclusion in an unresolved-fault report
// (matching strange_handler's raw table-entry-word dump); it returns 0 for
// an unmapped or page-table-pointer entry, which never holds a translation
// word of this form.
func (t *Table) DescriptorWord(va uint32) uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()

	sec := sectionOf(va)
	e := &t.entries[sec]
	switch e.kind {
	case sectionEntry:
		return e.bits.sectionWord(e.basePage)
	case tableEntry:
		pe := &e.table.entries[(va%sectionSize)/pageSize]
		if pe.mapped {
			return pe.bits.pageWord(pe.basePage)
		}
	}
	return 0
}

// HandleFault implements find_handler + handle_data_abort's resolution
// step: look up the handler recorded for va's page (or section, if never
// split) and invoke it. It reports false if there is no handler at all,
// matching the reference's "PANIC, nothing we can do" path, softened here
// to a plain bool so callers (the abort dispatcher) can decide how to
// escalate.
func (t *Table) HandleFault(va, fault uint32) bool {
	t.mu.Lock()
	e := &t.entries[sectionOf(va)]
	var h FaultHandler
	switch e.kind {
	case invalidEntry:
		h = e.handler
	case tableEntry:
		h = e.table.entries[(va%sectionSize)/pageSize].handler
	}
	t.mu.Unlock()

	if h == nil {
		return false
	}
	return h(va, fault)
}

// SlotFaultHandler builds the slot-backed default FaultHandler: on a miss,
// ask lookup for the
// application-memory-block record covering va; if one covers it, install it
// into table via Map and report the fault resolved, matching
// find_handler's slot-backed case (the global-table check_global_table
// sentinel's sibling for task-owned app memory) rather than escalating.
// lookup is supplied by the caller rather than this package reaching into
// ostask directly, keeping mmu decoupled from the task/slot data model.
func SlotFaultHandler(table *Table, lookup func(va uint32) (basePage, pages, regionVA uint32, ok bool)) FaultHandler {
	return func(va, fault uint32) bool {
		basePage, pages, regionVA, ok := lookup(va)
		if !ok {
			return false
		}
		table.Map(Mapping{
			BasePage:          basePage,
			Pages:             pages,
			VA:                regionVA,
			Kind:              RW,
			ApplicationMemory: true,
		})
		return true
	}
}

// Manager owns one Table per mapped address space (one per OSTaskSlot,
// identified by the same Slot.MMUMap id ostask hands out) plus the single
// global table shared by every core, and records which table each core has
// current, matching mmu_switch_map/forget_current_map's bookkeeping.
type Manager struct {
	mu     sync.Mutex
	global *Table
	tables map[uint32]*Table
	active []uint32 // per-core currently mapped table id
}

// NewManager creates a Manager for numCores cores with a fresh global table.
func NewManager(numCores uint32) *Manager {
	return &Manager{
		global: New(true),
		tables: make(map[uint32]*Table),
		active: make([]uint32, numCores),
	}
}

// Global returns the table shared by every core (kernel-only mappings).
func (m *Manager) Global() *Table { return m.global }

// Table returns (creating if necessary) the per-slot table identified by id.
func (m *Manager) Table(id uint32) *Table {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.tables[id]
	if t == nil {
		t = New(false)
		m.tables[id] = t
	}
	return t
}

// SwitchMap implements mmu_switch_map: record that core now has table id
// current. A real core would reload TTBR0 here and would rely on the TLB
// already having been invalidated by the Map/ClearRegion call that changed
// the table's contents; SwitchMap itself only updates this per-core
// bookkeeping; it performs no table write of its own, so it issues no
// barrier sequence.
func (m *Manager) SwitchMap(core, id uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.active[core] = id
}

// CurrentMap reports which table id core has active.
func (m *Manager) CurrentMap(core uint32) uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active[core]
}

func (k Kind) String() string {
	switch k {
	case RWX:
		return "RWX"
	case RW:
		return "RW"
	case RX:
		return "RX"
	case R:
		return "R"
	case Device:
		return "Device"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}
