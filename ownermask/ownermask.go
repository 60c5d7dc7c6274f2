// Package ownermask implements a paged, growable bitmap over 32-bit owner
// IDs. Capacity grows by allocating new pages; existing pages are never
// moved, so a pointer into a page stays valid across growth — the "paged
// arrays" redesign from the specification's design notes, applied here as
// the bitmap's own storage strategy.
package ownermask

import (
	"math/bits"
	"sync/atomic"
)

const (
	wordBits  = 64
	pageWords = 64          // 64 words * 64 bits = 4096 owner IDs per page
	pageBits  = pageWords * wordBits
)

// page is one fixed-size block of the bitmap, allocated lazily.
type page struct {
	words [pageWords]atomic.Uint64
}

// Mask is a dynamic owner-id bitmap. Build one with New; the zero value has
// no lock channel and no pages.
type Mask struct {
	mu    chan struct{} // 1-buffered channel used as a mutex; created by New
	pages atomic.Pointer[[]*page]
}

// New returns a ready-to-use Mask.
func New() *Mask {
	m := &Mask{mu: make(chan struct{}, 1)}
	empty := make([]*page, 0)
	m.pages.Store(&empty)
	return m
}

func (m *Mask) lock()   { m.mu <- struct{}{} }
func (m *Mask) unlock() { <-m.mu }

// ensurePage grows the page table (under lock) so pageIdx is valid, and
// returns the page.
func (m *Mask) ensurePage(pageIdx int) *page {
	if p := m.pageAt(pageIdx); p != nil {
		return p
	}

	m.lock()
	defer m.unlock()

	pages := *m.pages.Load()
	if pageIdx < len(pages) && pages[pageIdx] != nil {
		return pages[pageIdx]
	}

	if pageIdx >= len(pages) {
		grown := make([]*page, pageIdx+1)
		copy(grown, pages)
		pages = grown
	}
	if pages[pageIdx] == nil {
		pages[pageIdx] = &page{}
	}
	m.pages.Store(&pages)
	return pages[pageIdx]
}

func (m *Mask) pageAt(pageIdx int) *page {
	pages := *m.pages.Load()
	if pageIdx < 0 || pageIdx >= len(pages) {
		return nil
	}
	return pages[pageIdx]
}

func locate(owner uint32) (pageIdx, word, bit int) {
	pageIdx = int(owner) / pageBits
	rem := int(owner) % pageBits
	word = rem / wordBits
	bit = rem % wordBits
	return
}

// Set marks owner as present, extending the mask if owner is beyond current
// capacity rather than failing (per the specification's boundary behavior).
func (m *Mask) Set(owner uint32) {
	pageIdx, word, bit := locate(owner)
	p := m.ensurePage(pageIdx)
	for {
		old := p.words[word].Load()
		next := old | (uint64(1) << uint(bit))
		if old == next || p.words[word].CompareAndSwap(old, next) {
			return
		}
	}
}

// Clear unmarks owner. A no-op if owner was never set or is beyond
// allocated capacity.
func (m *Mask) Clear(owner uint32) {
	pageIdx, word, bit := locate(owner)
	p := m.pageAt(pageIdx)
	if p == nil {
		return
	}
	for {
		old := p.words[word].Load()
		next := old &^ (uint64(1) << uint(bit))
		if old == next || p.words[word].CompareAndSwap(old, next) {
			return
		}
	}
}

// Test reports whether owner is currently marked.
func (m *Mask) Test(owner uint32) bool {
	pageIdx, word, bit := locate(owner)
	p := m.pageAt(pageIdx)
	if p == nil {
		return false
	}
	return p.words[word].Load()&(uint64(1)<<uint(bit)) != 0
}

// Count returns the number of currently-set owner IDs. O(capacity/64).
func (m *Mask) Count() int {
	pages := *m.pages.Load()
	n := 0
	for _, p := range pages {
		if p == nil {
			continue
		}
		for i := range p.words {
			n += bits.OnesCount64(p.words[i].Load())
		}
	}
	return n
}
