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

package adminq

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"reflect"

	"github.com/HewlettPackard/structex"
)

// DescriptorSize is the size of a descriptor on either ring.
const DescriptorSize = 32

// Descriptor is the fixed 32-byte little-endian record exchanged with the
// firmware.
type Descriptor struct {
	Flags      uint16
	Opcode     uint16
	DataLen    uint16
	RetVal     uint16
	CookieHigh uint32
	CookieLow  uint32
	Params     [ParamsSize]uint8
}

// Message is the decoded form of a Descriptor.
type Message struct {
	Opcode  Opcode
	Flags   Flags
	DataLen uint16
	Status  Status
	Cookie  uint64
	Params  Params

	// Addr is the bus address of the out-of-band buffer. It is only
	// meaningful when Flags has FlagBUF set and the opcode is indirect.
	Addr uint64
}

var (
	ErrUnknownOpcode   = errors.New("unknown opcode")
	ErrShapeMismatch   = errors.New("parameter shape does not match opcode")
	ErrReservedNonZero = errors.New("reserved field is not zero")
	ErrBufferTooLarge  = errors.New("buffer too large for channel")
	ErrNotIndirect     = errors.New("opcode does not take a buffer")
	ErrShortDescriptor = errors.New("short descriptor")
)

// Encode validates m against the opcode registry and the channel limits and
// produces the wire descriptor. A nil Params encodes the opcode's zero shape.
func Encode(ch Channel, m Message) (*Descriptor, error) {
	info, ok := registry[m.Opcode]
	if !ok {
		return nil, fmt.Errorf("%w: %#04x", ErrUnknownOpcode, m.Opcode.Wire())
	}

	p := m.Params
	if p == nil {
		p, _ = Shape(m.Opcode)
	}
	if reflect.TypeOf(p) != info.shape {
		return nil, fmt.Errorf("%w: %s takes %s, not %T", ErrShapeMismatch, m.Opcode, info.shape.Name(), p)
	}
	if name := checkReserved(p); name != "" {
		return nil, fmt.Errorf("%w: %s.%s", ErrReservedNonZero, info.shape.Name(), name)
	}

	if m.Flags.Has(FlagBUF) {
		if !info.indirect {
			return nil, fmt.Errorf("%w: %s", ErrNotIndirect, m.Opcode)
		}
		if int(m.DataLen) > ch.MaxBufferSize() {
			return nil, fmt.Errorf("%w: %d bytes exceeds %s channel limit of %d", ErrBufferTooLarge, m.DataLen, ch, ch.MaxBufferSize())
		}
	}

	raw := structex.NewBuffer(p)
	if err := structex.Encode(raw, p); err != nil {
		return nil, err
	}

	d := &Descriptor{
		Flags:      uint16(m.Flags),
		Opcode:     m.Opcode.Wire(),
		DataLen:    m.DataLen,
		RetVal:     uint16(m.Status),
		CookieHigh: uint32(m.Cookie >> 32),
		CookieLow:  uint32(m.Cookie),
	}
	copy(d.Params[:], raw.Bytes())

	if m.Flags.Has(FlagBUF) {
		binary.LittleEndian.PutUint32(d.Params[8:], uint32(m.Addr>>32))
		binary.LittleEndian.PutUint32(d.Params[12:], uint32(m.Addr))
	}

	return d, nil
}

// Decode interprets d, using dir to resolve opcodes the firmware reuses for
// unrelated events.
func Decode(d *Descriptor, dir Direction) (Message, error) {
	op, ok := LookupOpcode(d.Opcode, dir)
	if !ok {
		return Message{}, fmt.Errorf("%w: %#04x", ErrUnknownOpcode, d.Opcode)
	}
	info := registry[op]

	m := Message{
		Opcode:  op,
		Flags:   Flags(d.Flags),
		DataLen: d.DataLen,
		Status:  Status(d.RetVal),
		Cookie:  uint64(d.CookieHigh)<<32 | uint64(d.CookieLow),
	}

	raw := d.Params
	if info.indirect && m.Flags.Has(FlagBUF) {
		m.Addr = d.BufferAddress()
		clear(raw[8:])
	}

	p := reflect.New(info.shape)
	if err := structex.DecodeByteBuffer(bytes.NewBuffer(raw[:]), p.Interface()); err != nil {
		return Message{}, err
	}
	m.Params = p.Elem().Interface().(Params)

	return m, nil
}

// PostedBuffer is the descriptor the host places in a receive slot to lend the
// firmware a buffer for its next event.
func PostedBuffer(size int, addr uint64) *Descriptor {
	flags := FlagBUF
	if size > LargeBufferThreshold {
		flags |= FlagLB
	}
	d := &Descriptor{Flags: uint16(flags), DataLen: uint16(size)}
	binary.LittleEndian.PutUint32(d.Params[8:], uint32(addr>>32))
	binary.LittleEndian.PutUint32(d.Params[12:], uint32(addr))
	return d
}

// BufferAddress returns the buffer address carried in d's parameter area.
func (d *Descriptor) BufferAddress() uint64 {
	return uint64(binary.LittleEndian.Uint32(d.Params[8:]))<<32 | uint64(binary.LittleEndian.Uint32(d.Params[12:]))
}

// Marshal encodes m and returns the 32 wire bytes.
func Marshal(ch Channel, m Message) ([]byte, error) {
	d, err := Encode(ch, m)
	if err != nil {
		return nil, err
	}
	return d.Bytes()
}

// Unmarshal decodes 32 wire bytes.
func Unmarshal(b []byte, dir Direction) (Message, error) {
	d, err := ParseDescriptor(b)
	if err != nil {
		return Message{}, err
	}
	return Decode(d, dir)
}

// Bytes returns the wire form of d.
func (d *Descriptor) Bytes() ([]byte, error) {
	buf := structex.NewBuffer(d)
	if err := structex.Encode(buf, d); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// ParseDescriptor reads a descriptor from the first DescriptorSize bytes of b.
func ParseDescriptor(b []byte) (*Descriptor, error) {
	if len(b) < DescriptorSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrShortDescriptor, len(b))
	}
	d := new(Descriptor)
	if err := structex.DecodeByteBuffer(bytes.NewBuffer(b[:DescriptorSize]), d); err != nil {
		return nil, err
	}
	return d, nil
}

func (m Message) String() string {
	return fmt.Sprintf("%s flags=%s len=%d status=%s cookie=%#x", m.Opcode, m.Flags, m.DataLen, m.Status, m.Cookie)
}
