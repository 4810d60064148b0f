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

package hw

import "github.com/NearNodeFlash/nnf-nic/internal/controlq/pkg/adminq"

// ringRegisters holds the BAR0 offsets of the five registers that describe a
// ring.
type ringRegisters struct {
	baseLow  uint32
	baseHigh uint32
	length   uint32
	head     uint32
	tail     uint32
}

const (
	ringLengthEnable uint32 = 1 << 31
	ringLengthMask   uint32 = 0x3FF
	ringHeadMask     uint32 = 0x3FF
	ringTailMask     uint32 = 0x3FF

	// MaxRingEntries is the largest ring the length register can describe.
	MaxRingEntries = int(ringLengthMask)
)

var registerMap = map[Ring]ringRegisters{
	{adminq.AdminChannel, SendSide}:       {0x00080000, 0x00080100, 0x00080200, 0x00080300, 0x00080400},
	{adminq.AdminChannel, ReceiveSide}:    {0x00080080, 0x00080180, 0x00080280, 0x00080380, 0x00080480},
	{adminq.MailboxChannel, SendSide}:     {0x0022E100, 0x0022E180, 0x0022E200, 0x0022E280, 0x0022E300},
	{adminq.MailboxChannel, ReceiveSide}:  {0x0022E380, 0x0022E400, 0x0022E480, 0x0022E500, 0x0022E580},
	{adminq.SidebandChannel, SendSide}:    {0x0022FC00, 0x0022FC80, 0x0022FD00, 0x0022FD80, 0x0022FE00},
	{adminq.SidebandChannel, ReceiveSide}: {0x0022F400, 0x0022F480, 0x0022F500, 0x0022F580, 0x0022F600},
}
