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

// Channel identifies one of the logical control queues between the host and
// the firmware.
type Channel int

const (
	AdminChannel Channel = iota
	MailboxChannel
	SidebandChannel
)

// Channels lists every logical channel in initialization order.
var Channels = []Channel{AdminChannel, MailboxChannel, SidebandChannel}

const (
	MaxBufferSize         = 4096
	MaxSidebandBufferSize = 512
)

// MaxBufferSize is the largest out-of-band buffer a descriptor on this channel
// may reference.
func (ch Channel) MaxBufferSize() int {
	if ch == SidebandChannel {
		return MaxSidebandBufferSize
	}
	return MaxBufferSize
}

func (ch Channel) String() string {
	switch ch {
	case AdminChannel:
		return "admin"
	case MailboxChannel:
		return "mailbox"
	case SidebandChannel:
		return "sideband"
	default:
		return "unknown"
	}
}

// Direction tells the decoder whether a descriptor is the write-back of a
// command the host submitted or an event the firmware posted on its own.
type Direction int

const (
	CommandDirection Direction = iota
	EventDirection
)

func (d Direction) String() string {
	if d == EventDirection {
		return "event"
	}
	return "command"
}
