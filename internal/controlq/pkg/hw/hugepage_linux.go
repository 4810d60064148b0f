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
	"encoding/binary"
	"fmt"
	"os"
	"unsafe"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

const (
	hugepageSize = 2 << 20

	pagemapPath       = "/proc/self/pagemap"
	pagemapEntrySize  = 8
	pagemapPresent    = uint64(1) << 63
	pagemapFrameMask  = (uint64(1) << 55) - 1
	pagemapFrameShift = 12
)

// HugepageMemory allocates DMA buffers out of locked 2 MiB hugepages, which
// stay physically contiguous and resident for the life of the process.
type HugepageMemory struct {
	*slab
	mappings [][]byte
}

func NewHugepageMemory() (*HugepageMemory, error) {
	m := &HugepageMemory{}
	m.slab = newSlab(m.mapPage)
	return m, nil
}

func (m *HugepageMemory) mapPage() (*slabPage, error) {
	b, err := unix.Mmap(-1, 0, hugepageSize,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_HUGETLB|unix.MAP_LOCKED|unix.MAP_POPULATE)
	if err != nil {
		return nil, fmt.Errorf("mmap hugepage: %w", err)
	}

	phys, err := physicalAddress(uintptr(unsafe.Pointer(&b[0])))
	if err != nil {
		unix.Munmap(b)
		return nil, err
	}

	log.WithFields(log.Fields{"phys": fmt.Sprintf("%#x", phys)}).Debug("Mapped hugepage")

	m.mappings = append(m.mappings, b)
	return newSlabPage(b, phys), nil
}

func (m *HugepageMemory) Close() {
	for _, b := range m.mappings {
		unix.Munmap(b)
	}
	m.mappings = nil
}

func physicalAddress(virt uintptr) (uint64, error) {
	f, err := os.Open(pagemapPath)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	pageSize := uintptr(os.Getpagesize())

	entry := make([]byte, pagemapEntrySize)
	if _, err := f.ReadAt(entry, int64(virt/pageSize)*pagemapEntrySize); err != nil {
		return 0, fmt.Errorf("read %s: %w", pagemapPath, err)
	}

	v := binary.LittleEndian.Uint64(entry)
	if v&pagemapPresent == 0 {
		return 0, fmt.Errorf("page at %#x not present", virt)
	}
	frame := v & pagemapFrameMask
	if frame == 0 {
		return 0, fmt.Errorf("page frame hidden; CAP_SYS_ADMIN is required")
	}

	return frame<<pagemapFrameShift | uint64(virt%pageSize), nil
}
