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

// Package ring manages the pair of descriptor rings that make up one control
// queue channel: the send queue the host fills with commands and the receive
// queue the firmware fills with events.
package ring

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/NearNodeFlash/nnf-nic/internal/controlq/pkg/adminq"
	"github.com/NearNodeFlash/nnf-nic/internal/controlq/pkg/hw"
)

type State int32

const (
	Uninitialized State = iota
	Configured
	Active
	Draining
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "Uninitialized"
	case Configured:
		return "Configured"
	case Active:
		return "Active"
	case Draining:
		return "Draining"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

var (
	ErrQueueFull      = errors.New("queue full")
	ErrQueueNotActive = errors.New("queue not active")
	ErrBadState       = errors.New("invalid queue state transition")
	ErrBufferTooLarge = errors.New("buffer too large for channel")
	ErrSlotNotPending = errors.New("slot is not pending")
	ErrUndecodable    = errors.New("undecodable event")
)

// Config sizes the two rings of a channel.
type Config struct {
	SendEntries    int
	ReceiveEntries int
}

// DefaultConfig matches the ring sizes the host driver uses for every
// channel.
var DefaultConfig = Config{SendEntries: 64, ReceiveEntries: 64}

func (c Config) validate() error {
	for _, n := range []int{c.SendEntries, c.ReceiveEntries} {
		if n < 2 || n > hw.MaxRingEntries {
			return fmt.Errorf("ring entries %d outside [2, %d]", n, hw.MaxRingEntries)
		}
	}
	return nil
}

// QueuePair is one channel's send and receive rings. Submission and drain are
// serialized by independent locks so a drain never blocks a submitter.
type QueuePair struct {
	Channel adminq.Channel

	regs   hw.Registers
	mem    hw.Memory
	config Config
	log    *logrus.Entry

	state atomic.Int32

	sq sendQueue
	rq receiveQueue
}

// New creates an uninitialized queue pair for ch.
func New(ch adminq.Channel, backend interface {
	hw.Registers
	hw.Memory
}, config Config, logger *logrus.Entry) *QueuePair {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}

	qp := &QueuePair{
		Channel: ch,
		regs:    backend,
		mem:     backend,
		config:  config,
		log:     logger.WithField("channel", ch.String()),
	}

	qp.sq.qp, qp.rq.qp = qp, qp
	qp.sq.id = hw.Ring{Channel: ch, Side: hw.SendSide}
	qp.rq.id = hw.Ring{Channel: ch, Side: hw.ReceiveSide}

	return qp
}

func (qp *QueuePair) State() State { return State(qp.state.Load()) }

func (qp *QueuePair) transition(from, to State) error {
	if !qp.state.CompareAndSwap(int32(from), int32(to)) {
		return fmt.Errorf("%w: %s to %s from %s", ErrBadState, from, to, qp.State())
	}
	qp.log.Debugf("Queue %s -> %s", from, to)
	return nil
}

// Init allocates both rings and their buffers and zeroes the cursors.
func (qp *QueuePair) Init() error {
	if err := qp.config.validate(); err != nil {
		return err
	}

	qp.sq.mu.Lock()
	defer qp.sq.mu.Unlock()
	qp.rq.mu.Lock()
	defer qp.rq.mu.Unlock()

	if qp.State() != Uninitialized {
		return fmt.Errorf("%w: init from %s", ErrBadState, qp.State())
	}

	if err := qp.sq.alloc(qp.config.SendEntries); err != nil {
		return err
	}
	if err := qp.rq.alloc(qp.config.ReceiveEntries); err != nil {
		qp.sq.free()
		return err
	}

	return qp.transition(Uninitialized, Configured)
}

// Start programs the rings into the hardware and hands every receive slot to
// the firmware.
func (qp *QueuePair) Start() error {
	qp.sq.mu.Lock()
	defer qp.sq.mu.Unlock()
	qp.rq.mu.Lock()
	defer qp.rq.mu.Unlock()

	if qp.State() != Configured {
		return fmt.Errorf("%w: start from %s", ErrBadState, qp.State())
	}

	if err := qp.regs.ConfigureRing(qp.sq.id, qp.sq.arena.Addr, qp.sq.count); err != nil {
		return err
	}
	if err := qp.regs.ConfigureRing(qp.rq.id, qp.rq.arena.Addr, qp.rq.count); err != nil {
		qp.regs.DisableRing(qp.sq.id)
		return err
	}
	if err := qp.rq.post(); err != nil {
		qp.regs.DisableRing(qp.sq.id)
		qp.regs.DisableRing(qp.rq.id)
		return err
	}

	return qp.transition(Configured, Active)
}

// Shutdown stops new submissions, waits for any holder of either lock, and
// releases the rings. A queue that was never started is simply freed.
func (qp *QueuePair) Shutdown() error {
	from := qp.State()
	switch from {
	case Uninitialized:
		return nil
	case Configured, Active:
		if err := qp.transition(from, Draining); err != nil {
			return err
		}
	default:
		return fmt.Errorf("%w: shutdown from %s", ErrBadState, from)
	}

	qp.sq.mu.Lock()
	defer qp.sq.mu.Unlock()
	qp.rq.mu.Lock()
	defer qp.rq.mu.Unlock()

	var errs []error
	if from == Active {
		errs = append(errs, qp.regs.DisableRing(qp.sq.id), qp.regs.DisableRing(qp.rq.id))
	}
	errs = append(errs, qp.sq.free(), qp.rq.free())

	qp.state.Store(int32(Uninitialized))
	qp.log.Debugf("Queue %s -> %s", Draining, Uninitialized)

	return errors.Join(errs...)
}

// ring is the state shared by both directions: the descriptor arena, one DMA
// buffer per slot and the two cursors.
type ring struct {
	qp *QueuePair
	id hw.Ring
	mu sync.Mutex

	arena *hw.DMABuffer
	bufs  []*hw.DMABuffer
	count uint16
	ntu   uint16
	ntc   uint16
}

func (r *ring) alloc(entries int) error {
	arena, err := r.qp.mem.Alloc(entries * adminq.DescriptorSize)
	if err != nil {
		return fmt.Errorf("ring %s: %w", r.id, err)
	}

	r.arena = arena
	r.count = uint16(entries)
	r.ntu, r.ntc = 0, 0
	r.bufs = make([]*hw.DMABuffer, entries)

	for i := range r.bufs {
		buf, err := r.qp.mem.Alloc(r.qp.Channel.MaxBufferSize())
		if err != nil {
			r.free()
			return fmt.Errorf("ring %s buffer %d: %w", r.id, i, err)
		}
		r.bufs[i] = buf
	}

	return nil
}

func (r *ring) free() error {
	var errs []error
	for _, buf := range r.bufs {
		if buf != nil {
			errs = append(errs, r.qp.mem.Free(buf))
		}
	}
	if r.arena != nil {
		errs = append(errs, r.qp.mem.Free(r.arena))
	}
	r.arena, r.bufs, r.count, r.ntu, r.ntc = nil, nil, 0, 0, 0
	return errors.Join(errs...)
}

func (r *ring) slot(i uint16) []byte {
	offset := int(i) * adminq.DescriptorSize
	return r.arena.Bytes[offset : offset+adminq.DescriptorSize]
}

func (r *ring) next(i uint16) uint16 {
	if i+1 == r.count {
		return 0
	}
	return i + 1
}

// distance is the number of slots from a forward to b.
func (r *ring) distance(a, b uint16) uint16 {
	if b >= a {
		return b - a
	}
	return r.count - a + b
}

// Cursors reports next_to_use and next_to_clean of the send queue.
func (qp *QueuePair) Cursors() (ntu, ntc uint16) {
	qp.sq.mu.Lock()
	defer qp.sq.mu.Unlock()
	return qp.sq.ntu, qp.sq.ntc
}
