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

package ring

import (
	"encoding/binary"
	"fmt"

	"github.com/NearNodeFlash/nnf-nic/internal/controlq/pkg/adminq"
)

// Slot is the index of a send queue entry.
type Slot uint16

// Request is one command to place on the send queue. Data, when non-nil, is
// copied into the slot's buffer; its length is the buffer length the
// descriptor advertises, so a caller expecting a response of n bytes passes a
// zeroed slice of length n.
type Request struct {
	Message adminq.Message
	Data    []byte
}

type sendQueue struct {
	ring
}

// unused is the number of slots that can be filled before the producer would
// catch the consumer.
func (q *sendQueue) unused() uint16 {
	var n uint16
	if q.ntc <= q.ntu {
		n = q.count
	}
	return n + q.ntc - q.ntu - 1
}

// clean reclaims every slot the hardware head has passed.
func (q *sendQueue) clean() (int, error) {
	head, err := q.qp.regs.Head(q.id)
	if err != nil {
		return 0, err
	}
	if head >= q.count || q.distance(q.ntc, head) > q.distance(q.ntc, q.ntu) {
		return 0, fmt.Errorf("ring %s: head %d outside pending range [%d, %d]", q.id, head, q.ntc, q.ntu)
	}

	n := 0
	for q.ntc != head {
		clear(q.slot(q.ntc))
		q.ntc = q.next(q.ntc)
		n++
	}
	return n, nil
}

func (q *sendQueue) place(req Request) (Slot, error) {
	m := req.Message

	if req.Data != nil {
		if len(req.Data) > q.qp.Channel.MaxBufferSize() {
			return 0, fmt.Errorf("%w: %d bytes on %s channel", ErrBufferTooLarge, len(req.Data), q.qp.Channel)
		}

		buf := q.bufs[q.ntu]
		n := copy(buf.Bytes, req.Data)
		clear(buf.Bytes[n:])

		m.Flags |= adminq.FlagBUF
		if len(req.Data) > adminq.LargeBufferThreshold {
			m.Flags |= adminq.FlagLB
		}
		m.DataLen = uint16(len(req.Data))
		m.Addr = buf.Addr
	}

	b, err := adminq.Marshal(q.qp.Channel, m)
	if err != nil {
		return 0, err
	}

	slot := Slot(q.ntu)
	copy(q.slot(q.ntu), b)
	q.ntu = q.next(q.ntu)

	return slot, nil
}

// Tx is exclusive access to a channel's send queue. It is only valid inside
// the function passed to Transact.
type Tx struct {
	q *sendQueue
}

// Transact runs fn holding the submission lock, so a dispatcher can submit and
// poll for a completion without another submitter interleaving.
func (qp *QueuePair) Transact(fn func(tx *Tx) error) error {
	qp.sq.mu.Lock()
	defer qp.sq.mu.Unlock()

	if qp.State() != Active {
		return fmt.Errorf("%w: %s channel is %s", ErrQueueNotActive, qp.Channel, qp.State())
	}

	return fn(&Tx{q: &qp.sq})
}

// Submit places one command and rings the doorbell.
func (qp *QueuePair) Submit(m adminq.Message, data []byte) (slot Slot, err error) {
	err = qp.Transact(func(tx *Tx) error {
		slot, err = tx.Submit(m, data)
		return err
	})
	return slot, err
}

// Submit places one command and rings the doorbell.
func (tx *Tx) Submit(m adminq.Message, data []byte) (Slot, error) {
	slots, err := tx.SubmitBatch([]Request{{Message: m, Data: data}})
	if err != nil {
		return 0, err
	}
	return slots[0], nil
}

// SubmitBatch places every request before ringing the doorbell once, so the
// firmware sees the whole batch together. Either every request is placed or
// none is.
func (tx *Tx) SubmitBatch(reqs []Request) ([]Slot, error) {
	q := tx.q

	if _, err := q.clean(); err != nil {
		return nil, err
	}
	if int(q.unused()) < len(reqs) {
		return nil, fmt.Errorf("%w: %s channel has %d free slots, need %d", ErrQueueFull, q.qp.Channel, q.unused(), len(reqs))
	}

	start := q.ntu
	slots := make([]Slot, 0, len(reqs))
	for _, req := range reqs {
		slot, err := q.place(req)
		if err != nil {
			for q.ntu != start {
				if q.ntu == 0 {
					q.ntu = q.count
				}
				q.ntu--
				clear(q.slot(q.ntu))
			}
			return nil, err
		}
		slots = append(slots, slot)
	}

	if err := q.qp.regs.SetTail(q.id, q.ntu); err != nil {
		return nil, err
	}

	q.qp.log.WithField("ring", q.id.Side.String()).Tracef("Submitted %d descriptors, ntu %d", len(reqs), q.ntu)

	return slots, nil
}

// Done reports whether the firmware has both consumed slot and written it
// back with the done flag set.
func (tx *Tx) Done(slot Slot) (bool, error) {
	q := tx.q
	s := uint16(slot)

	if s >= q.count || q.distance(q.ntc, s) >= q.distance(q.ntc, q.ntu) {
		return false, fmt.Errorf("%w: slot %d, ntc %d, ntu %d", ErrSlotNotPending, s, q.ntc, q.ntu)
	}

	head, err := q.qp.regs.Head(q.id)
	if err != nil {
		return false, err
	}
	if q.distance(q.ntc, head) <= q.distance(q.ntc, s) {
		return false, nil
	}

	flags := adminq.Flags(binary.LittleEndian.Uint16(q.slot(s)))
	return flags.Has(adminq.FlagDD), nil
}

// Complete decodes the written-back descriptor of a done slot and copies its
// response buffer into dst, returning the number of bytes copied.
func (tx *Tx) Complete(slot Slot, dst []byte) (adminq.Message, int, error) {
	q := tx.q
	s := uint16(slot)

	m, err := adminq.Unmarshal(q.slot(s), adminq.CommandDirection)
	if err != nil {
		return m, 0, err
	}

	n := 0
	if dst != nil && m.Flags.Has(adminq.FlagBUF) {
		n = copy(dst, q.bufs[s].Bytes[:min(int(m.DataLen), len(q.bufs[s].Bytes))])
	}

	return m, n, nil
}

// Clean reclaims every slot the firmware has moved past and returns how many
// were reclaimed.
func (tx *Tx) Clean() (int, error) { return tx.q.clean() }

// Pending is the number of submitted slots not yet reclaimed.
func (tx *Tx) Pending() int { return int(tx.q.distance(tx.q.ntc, tx.q.ntu)) }
