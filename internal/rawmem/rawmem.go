// Package rawmem implements the lowest layer of the memory subsystem: a
// pool of physical pages tracked as a bitmap of 1 MiB sections plus a small
// table of sub-section free-page-run fragments. It is grounded directly on
// RawMemory/raw_memory_manager.c; every other memory-owning component
// (the MMU driver's page tables, the simple heap's backing store, task and
// slot pools, pipe rings) claims its physical pages from here.
package rawmem

import (
	"math/bits"
	"sync"

	"github.com/sirupsen/logrus"
)

// PageShift/PageSize mirror the reference's 4 KiB ARM page.
const (
	PageShift    = 12
	PageSize     = 1 << PageShift
	SectionPages = 0x100 // 1 MiB of 4 KiB pages
)

// Unavailable is the sentinel returned when no contiguous run satisfies a
// claim, matching contiguous_memory_unavailable (0xffffffff) in the
// reference.
const Unavailable uint32 = 0xffffffff

// fragment is one entry of shared.rawmemory.early_released_pages: a
// sub-section run of free pages salvaged from a split section.
type fragment struct {
	base  uint32
	count uint32
}

// maxFragments bounds the fragment table exactly as the reference's fixed
// array does; exhausting it without an empty slot available forces a PANIC
// in claim/free paths that would otherwise need to split another section,
// per DESIGN.md Open Question (b).
const maxFragments = 16

// Pool is the physical page allocator for one memory domain (normally all
// of RAM visible to the kernel). All mutation happens under a single lock,
// matching shared.rawmemory.lock; callers already holding a core-claim lock
// pass that fact through by simply not recursing (the reference's
// core_claim_lock reentrancy check has no equivalent need here because Go's
// sync.Mutex is not re-entrant and callers never recurse across the lock).
type Pool struct {
	mu        sync.Mutex
	sections  []uint32 // one bit per section; 1 = free
	fragments [maxFragments]fragment
	log       *logrus.Entry
}

// New creates a pool covering totalPages pages, all initially free. totalPages
// must be a multiple of 32*SectionPages (one bitmap word) for the bitmap to
// exactly cover it; callers size the pool from the boot memory map.
func New(totalPages uint32, log *logrus.Entry) *Pool {
	if totalPages%(32*SectionPages) != 0 {
		panic("rawmem: totalPages must be a whole number of bitmap words")
	}
	words := totalPages / SectionPages / 32
	p := &Pool{
		sections: make([]uint32, words),
		log:      log.WithField("subsystem", "rawmem"),
	}
	for i := range p.sections {
		p.sections[i] = 0xffffffff
	}
	return p
}

func sectionAligned(pages uint32) bool { return pages&0xff == 0 }

// Claim finds and removes a contiguous run of pages pages from the pool,
// returning its base page number, or Unavailable if no run suffices.
// Section-aligned requests search the section bitmap using leading-zero and
// leading-one counts; sub-section requests are satisfied from the fragment
// table, splitting a fresh section when it is empty.
func (p *Pool) Claim(pages uint32) uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.claimLocked(pages)
}

func (p *Pool) claimLocked(pages uint32) uint32 {
	if sectionAligned(pages) {
		required := pages >> 8
		if required >= 32 {
			panic("rawmem: cannot claim 32 or more sections at once")
		}
		for i := range p.sections {
			section := p.sections[i]
			l0 := bits.LeadingZeros32(section)
			for l0 < 32 {
				l1 := bits.LeadingZeros32(^(section << uint(l0)))
				if uint32(l1) >= required {
					base := uint32(i*32+l0) << 8
					mask := uint32(0xffffffff) << (32 - required)
					mask = mask >> uint(l0)
					p.sections[i] &^= mask
					p.log.WithFields(logrus.Fields{"pages": pages, "base": base}).Debug("claimed sections")
					return base
				}
				l0 += l1 + bits.LeadingZeros32(section << uint(l0+l1))
				if l0 >= 32 {
					break
				}
			}
		}
		return Unavailable
	}

	if pages >= 0x100 {
		panic("rawmem: sub-section claim must be smaller than one section")
	}
	empty := -1
	for i := 0; i < maxFragments; i++ {
		f := &p.fragments[i]
		if f.count == 0 {
			if empty == -1 {
				empty = i
			}
			continue
		}
		if f.count >= pages {
			result := f.base
			f.base += pages
			f.count -= pages
			p.log.WithFields(logrus.Fields{"pages": pages, "base": result}).Debug("claimed fragment")
			return result
		}
	}
	if empty == -1 {
		panic("rawmem: fragment table exhausted (TODO: split a section)")
	}
	section := p.claimLocked(0x100)
	if section == Unavailable {
		return Unavailable
	}
	p.fragments[empty] = fragment{base: section + pages, count: 0x100 - pages}
	p.log.WithFields(logrus.Fields{"pages": pages, "base": section}).Debug("claimed from new section")
	return section
}

// Free returns base..base+pages to the pool. It panics if any whole section
// of the range is already free in the section bitmap (double-free);
// sub-section pieces go into the fragment table without that check. The
// panic matches the DEBUG__CYNICAL_RAW_MEMORY
// assertions in the reference, which this port always enables: a kernel
// memory-safety bug is exactly the kind of invariant violation section 7
// says should halt the core rather than be silently tolerated.
func (p *Pool) Free(base, pages uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.freeLocked(base, pages)
}

func (p *Pool) freeLocked(base, pages uint32) {
	if !sectionAligned(base) || !sectionAligned(pages) {
		if (base >> 8) != ((base + pages) >> 8) {
			if base&0xff != 0 {
				inFirst := 0x100 - (base & 0xff)
				p.freeLocked(base, inFirst)
				base += inFirst
				pages -= inFirst
			}
			if base&0xff != 0 {
				panic("rawmem: free alignment invariant violated")
			}
			if pages > 0xff {
				sections := pages >> 8
				whole := sections << 8
				p.freeLocked(base, whole)
				base += whole
				pages -= whole
			}
			if pages > 0xff {
				panic("rawmem: free alignment invariant violated")
			}
		}
		if pages != 0 {
			for i := 0; i < maxFragments; i++ {
				if p.fragments[i].count == 0 {
					p.fragments[i] = fragment{base: base, count: pages}
					p.log.WithFields(logrus.Fields{"pages": pages, "base": base}).Debug("freed into fragment table")
					return
				}
			}
			panic("rawmem: fragment table exhausted on free (TODO: split a section)")
		}
		return
	}

	section := base >> 8
	count := pages >> 8
	firstIdx := section / 32
	lastIdx := (section + count) / 32
	inFirstWord := section & 31
	inLastWord := (section + count) & 31
	firstBits := uint32(0xffffffff) >> inFirstWord
	lastBits := ^(uint32(0xffffffff) >> inLastWord)

	if firstIdx == lastIdx {
		if p.sections[firstIdx]&(firstBits&lastBits) != 0 {
			panic("rawmem: double free detected")
		}
		p.sections[firstIdx] |= firstBits & lastBits
	} else {
		if p.sections[firstIdx]&firstBits != 0 {
			panic("rawmem: double free detected")
		}
		p.sections[firstIdx] |= firstBits
		firstIdx++
		if lastBits != 0 {
			if p.sections[lastIdx]&lastBits != 0 {
				panic("rawmem: double free detected")
			}
			p.sections[lastIdx] |= lastBits
		}
		for firstIdx < lastIdx {
			if p.sections[firstIdx] != 0 {
				panic("rawmem: double free detected")
			}
			p.sections[firstIdx] = 0xffffffff
			firstIdx++
		}
	}
	p.log.WithFields(logrus.Fields{"pages": pages, "base": base}).Debug("freed sections")
}

// FreePages reports the current number of free pages, for conservation
// tests: bitmap free sections plus fragment-table pages.
func (p *Pool) FreePages() uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	var total uint32
	for _, w := range p.sections {
		total += uint32(bits.OnesCount32(w)) * SectionPages
	}
	for _, f := range p.fragments {
		total += f.count
	}
	return total
}
