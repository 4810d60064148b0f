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

package sim

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/NearNodeFlash/nnf-nic/internal/controlq/pkg/adminq"
	"github.com/NearNodeFlash/nnf-nic/internal/controlq/pkg/hw"
)

type ringKey = hw.Ring

type simRing struct {
	base  uint64
	count uint16
	head  uint16
	tail  uint16
}

// wait holds back a send ring until a delayed command is due.
type wait struct {
	until time.Time
	fault *Fault
}

type event struct {
	m    adminq.Message
	data []byte
}

// Function is one physical function of the card. It implements hw.Backend.
type Function struct {
	card  *Card
	Index int

	rings map[ringKey]*simRing
	mem   map[uint64][]byte

	faults  []*Fault
	waits   map[adminq.Channel]wait
	backlog map[adminq.Channel][]event

	driver string
	closed bool
}

var _ hw.Backend = (*Function)(nil)

func (f *Function) String() string { return fmt.Sprintf("pf%d", f.Index) }

func (f *Function) log() *logrus.Entry { return f.card.log.WithField("function", f.Index) }

// Driver is the driver version string the host last reported.
func (f *Function) Driver() string {
	f.card.mu.Lock()
	defer f.card.mu.Unlock()
	return f.driver
}

func (f *Function) ConfigureRing(r hw.Ring, base uint64, count uint16) error {
	f.card.mu.Lock()
	defer f.card.mu.Unlock()

	if count == 0 || int(count) > hw.MaxRingEntries {
		return fmt.Errorf("ring %s: %d entries", r, count)
	}
	arena, ok := f.mem[base]
	if !ok || len(arena) < int(count)*adminq.DescriptorSize {
		return fmt.Errorf("ring %s: base %#x is not an arena of %d entries", r, base, count)
	}

	f.rings[r] = &simRing{base: base, count: count}
	return nil
}

func (f *Function) DisableRing(r hw.Ring) error {
	f.card.mu.Lock()
	defer f.card.mu.Unlock()
	delete(f.rings, r)
	if r.Side == hw.SendSide {
		delete(f.waits, r.Channel)
	}
	return nil
}

// Head services any doorbell work that became ready with the passage of time
// before reporting the ring's head.
func (f *Function) Head(r hw.Ring) (uint16, error) {
	f.card.mu.Lock()
	defer f.card.mu.Unlock()

	sr, ok := f.rings[r]
	if !ok {
		return 0, hw.ErrRingNotConfigured
	}
	if r.Side == hw.SendSide {
		f.run(r.Channel)
	}
	return sr.head, nil
}

func (f *Function) SetTail(r hw.Ring, tail uint16) error {
	f.card.mu.Lock()
	defer f.card.mu.Unlock()

	sr, ok := f.rings[r]
	if !ok {
		return hw.ErrRingNotConfigured
	}
	if tail >= sr.count {
		return fmt.Errorf("ring %s: tail %d outside ring of %d", r, tail, sr.count)
	}
	sr.tail = tail

	if r.Side == hw.SendSide {
		f.run(r.Channel)
	} else {
		f.deliver(r.Channel)
	}
	return nil
}

func (f *Function) Alloc(size int) (*hw.DMABuffer, error) {
	if size <= 0 {
		return nil, hw.ErrBadAllocation
	}

	f.card.mu.Lock()
	defer f.card.mu.Unlock()

	addr := f.card.alloc(size)
	f.mem[addr] = make([]byte, size)
	return &hw.DMABuffer{Addr: addr, Bytes: f.mem[addr]}, nil
}

func (f *Function) Free(buf *hw.DMABuffer) error {
	f.card.mu.Lock()
	defer f.card.mu.Unlock()

	if _, ok := f.mem[buf.Addr]; !ok {
		return hw.ErrNotAllocated
	}
	delete(f.mem, buf.Addr)
	return nil
}

// Close detaches the function: its rings stop, its memory is dropped and
// anything it held is released.
func (f *Function) Close() error {
	f.card.mu.Lock()
	defer f.card.mu.Unlock()

	f.card.releaseAll(f)
	clear(f.rings)
	clear(f.mem)
	clear(f.backlog)
	f.closed = true
	return nil
}

// Allocations is the number of live DMA buffers.
func (f *Function) Allocations() int {
	f.card.mu.Lock()
	defer f.card.mu.Unlock()
	return len(f.mem)
}

func (f *Function) slot(r *simRing, i uint16) []byte {
	return f.mem[r.base][int(i)*adminq.DescriptorSize:][:adminq.DescriptorSize]
}

// run services the send ring of ch from head to tail. A command that fails
// flushes every command after it in the same pass.
func (f *Function) run(ch adminq.Channel) {
	r, ok := f.rings[hw.Ring{Channel: ch, Side: hw.SendSide}]
	if !ok {
		return
	}

	failed := false
	for r.head != r.tail {
		var fault *Fault
		if w, waiting := f.waits[ch]; waiting {
			if f.card.clock.Now().Before(w.until) {
				return
			}
			delete(f.waits, ch)
			fault = w.fault
		} else {
			fault = f.takeFault(r)
			if fault != nil && fault.Delay > 0 {
				f.waits[ch] = wait{until: f.card.clock.Now().Add(fault.Delay), fault: fault}
				continue
			}
		}

		switch {
		case fault != nil && fault.Drop:
		case fault != nil && fault.Status != adminq.StatusOK:
			failed = f.complete(ch, r, fault.reply, failed) || failed
		default:
			failed = f.complete(ch, r, nil, failed) || failed
		}
		r.head = (r.head + 1) % r.count
	}
}

// complete executes the command in the head slot, or answers it with forced
// when set, and writes the descriptor back. It reports whether the command
// failed.
func (f *Function) complete(ch adminq.Channel, r *simRing, forced func(*Request) Reply, flushing bool) bool {
	raw := f.slot(r, r.head)

	m, err := adminq.Unmarshal(raw, adminq.CommandDirection)
	if err != nil {
		f.log().WithError(err).Warn("Rejecting undecodable command")
		writeStatus(raw, adminq.StatusESRCH)
		return true
	}

	var buf []byte
	if m.Flags.Has(adminq.FlagBUF) {
		b, ok := f.mem[m.Addr]
		if !ok || int(m.DataLen) > len(b) {
			writeStatus(raw, adminq.StatusBADADDR)
			return true
		}
		buf = b[:m.DataLen]
	}

	var rep Reply
	switch {
	case flushing:
		rep = Reply{Status: adminq.StatusEFLUSHED}
	case forced != nil:
		rep = forced(&Request{Function: f, Channel: ch, Message: m, Buffer: buf})
	default:
		rep = f.card.dispatch(&Request{Function: f, Channel: ch, Message: m, Buffer: buf})
	}

	f.log().WithFields(logrus.Fields{"opcode": m.Opcode.String(), "status": rep.Status.String()}).Trace("Command")

	out := m
	out.Status = rep.Status
	out.Flags |= adminq.FlagDD | adminq.FlagCMP
	if rep.Status != adminq.StatusOK {
		out.Flags |= adminq.FlagERR
	}
	if rep.Params != nil {
		out.Params = rep.Params
	}
	if rep.Data != nil && buf != nil {
		out.DataLen = uint16(copy(buf, rep.Data))
	}

	b, err := adminq.Marshal(ch, out)
	if err != nil {
		f.log().WithError(err).Error("Failed to write back completion")
		writeStatus(raw, adminq.StatusEIO)
		return true
	}
	copy(raw, b)

	return rep.Status != adminq.StatusOK
}

// writeStatus completes a slot in place without re-encoding it.
func writeStatus(raw []byte, status adminq.Status) {
	flags := adminq.Flags(binary.LittleEndian.Uint16(raw[0:])) | adminq.FlagDD | adminq.FlagCMP | adminq.FlagERR
	binary.LittleEndian.PutUint16(raw[0:], uint16(flags))
	binary.LittleEndian.PutUint16(raw[6:], uint16(status))
}

// post queues an event for the receive ring of ch.
func (f *Function) post(ch adminq.Channel, m adminq.Message, data []byte) {
	if f.closed {
		return
	}
	f.backlog[ch] = append(f.backlog[ch], event{m: m, data: append([]byte(nil), data...)})
	f.deliver(ch)
}

// deliver writes backlogged events into the receive ring while the host has
// slots posted.
func (f *Function) deliver(ch adminq.Channel) {
	r, ok := f.rings[hw.Ring{Channel: ch, Side: hw.ReceiveSide}]
	if !ok {
		return
	}

	for len(f.backlog[ch]) != 0 && r.head != r.tail {
		ev := f.backlog[ch][0]
		raw := f.slot(r, r.head)

		posted, err := adminq.ParseDescriptor(raw)
		if err != nil {
			f.log().WithError(err).Error("Receive slot not posted")
			return
		}

		m := ev.m
		m.Flags |= adminq.FlagDD | adminq.FlagCMP
		if m.Status != adminq.StatusOK {
			m.Flags |= adminq.FlagERR
		}
		m.Flags &^= adminq.FlagBUF | adminq.FlagLB
		m.DataLen, m.Addr = 0, 0
		if buf, ok := f.mem[posted.BufferAddress()]; ok && len(ev.data) != 0 {
			n := copy(buf, ev.data)
			m.Flags |= adminq.FlagBUF
			m.DataLen = uint16(n)
			m.Addr = posted.BufferAddress()
		}

		b, err := adminq.Marshal(ch, m)
		if err != nil {
			f.log().WithError(err).Error("Dropping unencodable event")
			f.backlog[ch] = f.backlog[ch][1:]
			continue
		}
		copy(raw, b)

		f.backlog[ch] = f.backlog[ch][1:]
		r.head = (r.head + 1) % r.count
	}
}
