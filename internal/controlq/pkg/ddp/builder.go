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

package ddp

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	ErrNoSpace         = errors.New("no space left in buffer")
	ErrNoSectionSlot   = errors.New("every reserved section entry is in use")
	ErrAlreadyReserved = errors.New("section entries already reserved")
	ErrInvalidSize     = errors.New("invalid size")
)

// Builder assembles one outbound buffer: a section table reserved up front,
// followed by section payloads carved from what remains.
type Builder struct {
	buf      [BufferSize]byte
	reserved int
	sections int
	dataEnd  int
}

func NewBuilder() *Builder {
	return &Builder{dataEnd: bufferHeaderSize}
}

// Reserve sets aside n section table entries. It may only be called once,
// before any Alloc.
func (b *Builder) Reserve(n int) error {
	if b.reserved != 0 {
		return ErrAlreadyReserved
	}
	if n < 1 || n > MaxSections {
		return fmt.Errorf("%w: %d section entries", ErrInvalidSize, n)
	}
	b.reserved = n
	b.dataEnd = bufferHeaderSize + n*sectionEntrySize
	return nil
}

// Alloc appends a section of the given type and size, 4-byte aligned, and
// returns its payload for the caller to fill.
func (b *Builder) Alloc(typ uint32, size int) ([]byte, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: section of %d bytes", ErrInvalidSize, size)
	}
	if b.sections >= b.reserved {
		return nil, fmt.Errorf("%w: %d reserved", ErrNoSectionSlot, b.reserved)
	}

	offset := (b.dataEnd + 3) &^ 3
	if offset+size > MaxDataEnd {
		return nil, fmt.Errorf("%w: %d bytes requested, %d free", ErrNoSpace, size, MaxDataEnd-offset)
	}

	entry := b.buf[bufferHeaderSize+b.sections*sectionEntrySize:]
	binary.LittleEndian.PutUint32(entry[0:], typ)
	binary.LittleEndian.PutUint16(entry[4:], uint16(offset))
	binary.LittleEndian.PutUint16(entry[6:], uint16(size))

	b.sections++
	b.dataEnd = offset + size
	return b.buf[offset:b.dataEnd:b.dataEnd], nil
}

// FreeSpace is the number of payload bytes still available.
func (b *Builder) FreeSpace() int { return BufferSize - b.dataEnd }

// ActiveSections is the number of sections allocated so far.
func (b *Builder) ActiveSections() int { return b.sections }

// Bytes finalizes the header and returns the whole buffer. Only allocated
// sections are counted in the header.
func (b *Builder) Bytes() []byte {
	binary.LittleEndian.PutUint16(b.buf[0:], uint16(b.sections))
	binary.LittleEndian.PutUint16(b.buf[2:], uint16(b.dataEnd))
	return b.buf[:]
}
