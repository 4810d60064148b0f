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

package dispatch

import (
	"errors"
	"fmt"
	"time"

	"github.com/NearNodeFlash/nnf-nic/internal/controlq/pkg/adminq"
	"github.com/NearNodeFlash/nnf-nic/internal/controlq/pkg/ring"
)

// WaitForEvent drains the receive queue until an event with opcode op
// arrives, or the timeout elapses. Events for anything else are handed to
// Options.Unmatched. The returned error is ErrTimeout or, when the matching
// event reports a failure, an *Error.
func (d *Dispatcher) WaitForEvent(op adminq.Opcode, timeout time.Duration) (ring.Event, error) {
	for i := d.iterations(timeout); ; i-- {
		ev, found, err := d.drainUntil(op)
		if err != nil {
			return ev, err
		}
		if found {
			d.last.Store(uint32(ev.Message.Status))
			if ev.Message.Status != adminq.StatusOK || ev.Message.Flags.Has(adminq.FlagERR) {
				return ev, newError(op, ev.Message.Status)
			}
			return ev, nil
		}
		if i == 0 {
			return ring.Event{}, fmt.Errorf("%w: no %s event after %s", ErrTimeout, op, timeout)
		}
		d.opts.Delay(d.opts.PollDelay)
	}
}

func (d *Dispatcher) drainUntil(op adminq.Opcode) (ring.Event, bool, error) {
	for ev, err := range d.qp.Receive() {
		if err != nil {
			if errors.Is(err, ring.ErrUndecodable) {
				d.log.WithError(err).Warn("Skipping undecodable event")
				continue
			}
			return ev, false, err
		}
		if ev.Message.Opcode == op {
			return ev, true, nil
		}
		if d.opts.Unmatched != nil {
			d.opts.Unmatched(ev)
		}
	}
	return ring.Event{}, false, nil
}

// Drain hands every event waiting on the receive queue to fn, returning the
// number delivered.
func (d *Dispatcher) Drain(fn func(ring.Event)) (int, error) {
	n := 0
	for ev, err := range d.qp.Receive() {
		if err != nil {
			if errors.Is(err, ring.ErrUndecodable) {
				d.log.WithError(err).Warn("Skipping undecodable event")
				continue
			}
			return n, err
		}
		fn(ev)
		n++
	}
	return n, nil
}
