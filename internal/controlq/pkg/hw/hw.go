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

// Package hw describes the two hardware capabilities a control queue needs:
// a register file to program rings and ring doorbells, and memory the device
// can reach by bus address.
package hw

import (
	"errors"
	"fmt"

	"github.com/NearNodeFlash/nnf-nic/internal/controlq/pkg/adminq"
)

// Side selects the send (host to firmware) or receive (firmware to host)
// ring of a channel.
type Side int

const (
	SendSide Side = iota
	ReceiveSide
)

func (s Side) String() string {
	if s == ReceiveSide {
		return "arq"
	}
	return "atq"
}

// Ring names one ring of one channel.
type Ring struct {
	Channel adminq.Channel
	Side    Side
}

func (r Ring) String() string { return fmt.Sprintf("%s/%s", r.Channel, r.Side) }

// Registers is the register file of a single function.
type Registers interface {
	// ConfigureRing programs a ring's base address and length and enables it.
	ConfigureRing(r Ring, base uint64, count uint16) error

	// DisableRing clears a ring's base, length and cursors.
	DisableRing(r Ring) error

	// Head returns the consumer index the hardware has published. For the send
	// ring this is the next slot the firmware will process; for the receive
	// ring it is the next slot the firmware will fill.
	Head(r Ring) (uint16, error)

	// SetTail writes the producer index. On the send ring this is the
	// doorbell; on the receive ring it returns slots to the firmware.
	SetTail(r Ring, tail uint16) error
}

// DMABuffer is memory visible both to the host through Bytes and to the
// device through Addr.
type DMABuffer struct {
	Addr  uint64
	Bytes []byte
}

// Size returns the usable length of the buffer.
func (b *DMABuffer) Size() int { return len(b.Bytes) }

// Memory allocates device-reachable buffers.
type Memory interface {
	Alloc(size int) (*DMABuffer, error)
	Free(buf *DMABuffer) error
}

// Backend is everything a function's control queues need from hardware.
type Backend interface {
	Registers
	Memory
	Close() error
}

var (
	ErrRingNotConfigured = errors.New("ring not configured")
	ErrBadAllocation     = errors.New("invalid allocation size")
	ErrNotAllocated      = errors.New("buffer not allocated by this memory")
)
