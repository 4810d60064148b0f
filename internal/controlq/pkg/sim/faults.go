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
	"slices"
	"time"

	"github.com/NearNodeFlash/nnf-nic/internal/controlq/pkg/adminq"
)

// Fault alters how the firmware treats matching commands.
type Fault struct {
	// Opcode selects the commands affected. Zero matches any command.
	Opcode adminq.Opcode

	// Skip lets this many matching commands through before the fault fires.
	Skip int

	// Count is how many matching commands the fault affects; zero means one.
	Count int

	// Drop consumes the command without writing back a completion.
	Drop bool

	// Delay holds the command, and everything behind it, until the card's
	// clock has moved on by this much.
	Delay time.Duration

	// Status answers the command with this status instead of executing it.
	Status adminq.Status

	// BufferOffset and BufferInfo are written into the first eight bytes of
	// the command's buffer with a non-OK Status, the way the firmware reports
	// a rejected package buffer.
	BufferOffset uint32
	BufferInfo   uint32
}

func (ft *Fault) reply(req *Request) Reply {
	if len(req.Buffer) >= 8 {
		binary.LittleEndian.PutUint32(req.Buffer[0:], ft.BufferOffset)
		binary.LittleEndian.PutUint32(req.Buffer[4:], ft.BufferInfo)
	}
	return Reply{Status: ft.Status}
}

// Inject arms a fault on this function's commands. Faults are matched in the
// order they were injected.
func (f *Function) Inject(ft Fault) {
	f.card.mu.Lock()
	defer f.card.mu.Unlock()
	if ft.Count <= 0 {
		ft.Count = 1
	}
	f.faults = append(f.faults, &ft)
}

// ClearFaults disarms every fault.
func (f *Function) ClearFaults() {
	f.card.mu.Lock()
	defer f.card.mu.Unlock()
	f.faults = nil
}

// RejectBuffer is a fault rejecting the index-th buffer of the next package
// download with status, reporting offset and info back to the host.
func RejectBuffer(index int, status adminq.Status, offset, info uint32) Fault {
	return Fault{
		Opcode:       adminq.DownloadPackageOpcode,
		Skip:         index,
		Status:       status,
		BufferOffset: offset,
		BufferInfo:   info,
	}
}

// takeFault returns the fault that applies to the command in the head slot of
// r, consuming one use of it.
func (f *Function) takeFault(r *simRing) *Fault {
	if len(f.faults) == 0 {
		return nil
	}

	op := adminq.Opcode(binary.LittleEndian.Uint16(f.slot(r, r.head)[2:]))

	for i, ft := range f.faults {
		if ft.Opcode != 0 && ft.Opcode != op {
			continue
		}
		if ft.Skip > 0 {
			ft.Skip--
			return nil
		}
		ft.Count--
		if ft.Count == 0 {
			f.faults = slices.Delete(f.faults, i, i+1)
		}
		f.log().WithField("opcode", op.String()).Debug("Injecting fault")
		return ft
	}
	return nil
}
