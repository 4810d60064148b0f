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

package device

import (
	"sync"

	"github.com/NearNodeFlash/nnf-nic/internal/controlq/pkg/adminq"
	"github.com/NearNodeFlash/nnf-nic/internal/controlq/pkg/ring"
)

// EventHandlerFunc receives an event raised by the firmware.
type EventHandlerFunc func(ring.Event, interface{})

// EventSubscriber is called for every event whose opcode matches Opcode, or
// for every event when Opcode is zero.
type EventSubscriber struct {
	Opcode      adminq.Opcode
	HandlerFunc EventHandlerFunc
	Data        interface{}
}

type eventManager struct {
	mu          sync.Mutex
	subscribers []EventSubscriber
}

func (mgr *eventManager) subscribe(s EventSubscriber) {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	mgr.subscribers = append(mgr.subscribers, s)
}

func (mgr *eventManager) publish(event ring.Event) {
	mgr.mu.Lock()
	subscribers := mgr.subscribers
	mgr.mu.Unlock()

	for _, s := range subscribers {
		if s.Opcode == 0 || s.Opcode == event.Message.Opcode {
			s.HandlerFunc(event, s.Data)
		}
	}
}

// Subscribe registers s for events from every channel. Events are delivered
// from PollEvents, and from any command wait that drains an event it was not
// looking for.
func (d *Device) Subscribe(s EventSubscriber) {
	d.events.subscribe(s)
}

// PollEvents drains the receive queue of every channel, publishing each
// event, and returns how many were delivered.
func (d *Device) PollEvents() (int, error) {
	if d.dispatchers == nil {
		return 0, ErrNotOpen
	}

	total := 0
	for _, ch := range adminq.Channels {
		n, err := d.dispatchers[ch].Drain(d.events.publish)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
