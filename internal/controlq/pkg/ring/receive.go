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
	"fmt"
	"iter"

	"github.com/NearNodeFlash/nnf-nic/internal/controlq/pkg/adminq"
)

// EventKind classifies a descriptor taken from the receive queue.
type EventKind int

const (
	// Completion is the deferred outcome of a command whose opcode completes
	// asynchronously, such as an NVM write.
	Completion EventKind = iota

	// Unsolicited is a notification the firmware raised on its own: a link
	// change, a mailbox message, a log record.
	Unsolicited
)

func (k EventKind) String() string {
	if k == Completion {
		return "completion"
	}
	return "unsolicited"
}

// Event is one drained receive slot.
type Event struct {
	Kind    EventKind
	Channel adminq.Channel
	Message adminq.Message
	Data    []byte
}

type receiveQueue struct {
	ring
}

func (q *receiveQueue) arm(i uint16) error {
	buf := q.bufs[i]
	b, err := adminq.PostedBuffer(len(buf.Bytes), buf.Addr).Bytes()
	if err != nil {
		return err
	}
	copy(q.slot(i), b)
	return nil
}

// post arms every slot and hands all but one to the firmware.
func (q *receiveQueue) post() error {
	for i := uint16(0); i < q.count; i++ {
		if err := q.arm(i); err != nil {
			return err
		}
	}
	q.ntc, q.ntu = 0, 0
	return q.qp.regs.SetTail(q.id, q.count-1)
}

func (q *receiveQueue) take(i uint16) (Event, error) {
	ev := Event{Channel: q.qp.Channel}

	m, err := adminq.Unmarshal(q.slot(i), adminq.EventDirection)
	if err != nil {
		return ev, fmt.Errorf("%w: slot %d: %w", ErrUndecodable, i, err)
	}

	ev.Message = m
	ev.Kind = Unsolicited
	if m.Opcode.Async() {
		ev.Kind = Completion
	}

	if m.DataLen != 0 {
		n := min(int(m.DataLen), len(q.bufs[i].Bytes))
		ev.Data = make([]byte, n)
		copy(ev.Data, q.bufs[i].Bytes[:n])
	}

	return ev, nil
}

// Receive drains the receive queue. The sequence holds the drain lock while
// it is being iterated, covers only the slots the firmware had filled when
// iteration began, and never blocks waiting for more. Each yielded slot is
// re-armed and returned to the firmware before the next one is read. A slot
// that fails to decode is still consumed and yields an ErrUndecodable error;
// any other error ends the sequence.
func (qp *QueuePair) Receive() iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		q := &qp.rq

		q.mu.Lock()
		defer q.mu.Unlock()

		if qp.State() != Active {
			yield(Event{}, fmt.Errorf("%w: %s channel is %s", ErrQueueNotActive, qp.Channel, qp.State()))
			return
		}

		head, err := qp.regs.Head(q.id)
		if err != nil {
			yield(Event{}, err)
			return
		}
		if head >= q.count {
			yield(Event{}, fmt.Errorf("ring %s: head %d outside ring of %d", q.id, head, q.count))
			return
		}

		for q.ntc != head {
			i := q.ntc
			ev, err := q.take(i)

			if armErr := q.arm(i); armErr != nil {
				yield(Event{}, armErr)
				return
			}
			q.ntc = q.next(i)
			if err := qp.regs.SetTail(q.id, i); err != nil {
				yield(Event{}, err)
				return
			}

			if err != nil {
				qp.log.WithError(err).WithField("slot", i).Warn("Dropped undecodable event")
			}
			if !yield(ev, err) {
				return
			}
		}
	}
}
