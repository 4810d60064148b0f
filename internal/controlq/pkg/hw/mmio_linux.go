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
	"os"
	"path/filepath"
	"sync/atomic"
	"unsafe"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

const pciDevicesPath = "/sys/bus/pci/devices"

// PCIFunction drives one physical function through its BAR0 mapping and
// allocates DMA memory from hugepages.
type PCIFunction struct {
	Address string

	bar []byte
	*HugepageMemory
}

// OpenPCIFunction maps BAR0 of the function at the PCI address (for example
// "0000:3b:00.0"). The function must be bound to a driver that permits user
// space resource mapping, such as vfio-pci or uio_pci_generic.
func OpenPCIFunction(address string) (*PCIFunction, error) {
	path := filepath.Join(pciDevicesPath, address, "resource0")

	f, err := os.OpenFile(path, os.O_RDWR|os.O_SYNC, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, err
	}

	bar, err := unix.Mmap(int(f.Fd()), 0, int(fi.Size()), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap %s: %w", path, err)
	}

	mem, err := NewHugepageMemory()
	if err != nil {
		unix.Munmap(bar)
		return nil, err
	}

	log.WithFields(log.Fields{"address": address, "size": len(bar)}).Info("Mapped function registers")

	return &PCIFunction{Address: address, bar: bar, HugepageMemory: mem}, nil
}

func (f *PCIFunction) Close() error {
	f.HugepageMemory.Close()
	return unix.Munmap(f.bar)
}

func (f *PCIFunction) read32(offset uint32) (uint32, error) {
	if int(offset)+4 > len(f.bar) {
		return 0, fmt.Errorf("register offset %#08x outside BAR0", offset)
	}
	return atomic.LoadUint32((*uint32)(unsafe.Pointer(&f.bar[offset]))), nil
}

func (f *PCIFunction) write32(offset uint32, value uint32) error {
	if int(offset)+4 > len(f.bar) {
		return fmt.Errorf("register offset %#08x outside BAR0", offset)
	}
	atomic.StoreUint32((*uint32)(unsafe.Pointer(&f.bar[offset])), value)
	return nil
}

func (f *PCIFunction) ConfigureRing(r Ring, base uint64, count uint16) error {
	regs, ok := registerMap[r]
	if !ok {
		return fmt.Errorf("%w: %s", ErrRingNotConfigured, r)
	}
	if int(count) > MaxRingEntries {
		return fmt.Errorf("ring %s: %d entries exceeds %d", r, count, MaxRingEntries)
	}

	for _, w := range []struct {
		offset uint32
		value  uint32
	}{
		{regs.head, 0},
		{regs.tail, 0},
		{regs.baseLow, uint32(base)},
		{regs.baseHigh, uint32(base >> 32)},
		{regs.length, uint32(count)&ringLengthMask | ringLengthEnable},
	} {
		if err := f.write32(w.offset, w.value); err != nil {
			return err
		}
	}

	// Read back the low base to make sure the writes landed
	got, err := f.read32(regs.baseLow)
	if err != nil {
		return err
	}
	if got != uint32(base) {
		return fmt.Errorf("ring %s: base address readback %#08x, expected %#08x", r, got, uint32(base))
	}

	return nil
}

func (f *PCIFunction) DisableRing(r Ring) error {
	regs, ok := registerMap[r]
	if !ok {
		return fmt.Errorf("%w: %s", ErrRingNotConfigured, r)
	}
	for _, offset := range []uint32{regs.head, regs.tail, regs.length, regs.baseLow, regs.baseHigh} {
		if err := f.write32(offset, 0); err != nil {
			return err
		}
	}
	return nil
}

func (f *PCIFunction) Head(r Ring) (uint16, error) {
	regs, ok := registerMap[r]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrRingNotConfigured, r)
	}
	v, err := f.read32(regs.head)
	return uint16(v & ringHeadMask), err
}

func (f *PCIFunction) SetTail(r Ring, tail uint16) error {
	regs, ok := registerMap[r]
	if !ok {
		return fmt.Errorf("%w: %s", ErrRingNotConfigured, r)
	}
	return f.write32(regs.tail, uint32(tail)&ringTailMask)
}
