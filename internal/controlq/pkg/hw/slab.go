/*
 * Copyright 2024 Hewlett Packard Enterprise Development LP
 * Other additional copyright holders may be indicated within.
 *
 * The entirety of this work is licensed under the Apache License,
 * Version 2.0 (the "License"); you may not use this file except
 * in compliance with the License.
 *
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package hw

import (
	"fmt"
	"sync"
)

const chunkSize = 4096

// slabPage is a physically contiguous region carved into chunkSize pieces.
type slabPage struct {
	bytes []byte
	phys  uint64
	used  []bool
}

func newSlabPage(bytes []byte, phys uint64) *slabPage {
	return &slabPage{bytes: bytes, phys: phys, used: make([]bool, len(bytes)/chunkSize)}
}

// take finds n free contiguous chunks, marks them used, and returns the index
// of the first one.
func (p *slabPage) take(n int) (int, bool) {
	run := 0
	for i := range p.used {
		if p.used[i] {
			run = 0
			continue
		}
		run++
		if run == n {
			first := i - n + 1
			for j := first; j <= i; j++ {
				p.used[j] = true
			}
			return first, true
		}
	}
	return 0, false
}

type allocation struct {
	page  *slabPage
	first int
	count int
}

// slab hands out chunk-aligned DMA buffers from pages supplied by grow. An
// allocation never spans two pages, so every buffer is physically contiguous.
type slab struct {
	mu    sync.Mutex
	pages []*slabPage
	grow  func() (*slabPage, error)
	owned map[uint64]allocation
}

func newSlab(grow func() (*slabPage, error)) *slab {
	return &slab{grow: grow, owned: make(map[uint64]allocation)}
}

func (s *slab) Alloc(size int) (*DMABuffer, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrBadAllocation, size)
	}
	n := (size + chunkSize - 1) / chunkSize

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range s.pages {
		if first, ok := p.take(n); ok {
			return s.record(p, first, n, size), nil
		}
	}

	p, err := s.grow()
	if err != nil {
		return nil, err
	}
	first, ok := p.take(n)
	if !ok {
		return nil, fmt.Errorf("%w: %d bytes exceeds page size %d", ErrBadAllocation, size, len(p.bytes))
	}
	s.pages = append(s.pages, p)

	return s.record(p, first, n, size), nil
}

func (s *slab) record(p *slabPage, first, n, size int) *DMABuffer {
	offset := first * chunkSize
	buf := &DMABuffer{
		Addr:  p.phys + uint64(offset),
		Bytes: p.bytes[offset : offset+size : offset+n*chunkSize],
	}
	clear(buf.Bytes)
	s.owned[buf.Addr] = allocation{page: p, first: first, count: n}
	return buf
}

func (s *slab) Free(buf *DMABuffer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.owned[buf.Addr]
	if !ok {
		return fmt.Errorf("%w: %#x", ErrNotAllocated, buf.Addr)
	}
	for i := a.first; i < a.first+a.count; i++ {
		a.page.used[i] = false
	}
	delete(s.owned, buf.Addr)
	return nil
}
