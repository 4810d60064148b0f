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

import "strings"

// Flags is the 16-bit flag word at the start of every descriptor. Each bit
// carries its own meaning.
type Flags uint16

const (
	FlagDD  Flags = 1 << 0  // Done: firmware has written the descriptor back
	FlagCMP Flags = 1 << 1  // Completed
	FlagERR Flags = 1 << 2  // Error reported in RetVal
	FlagVFE Flags = 1 << 3  // VF event
	FlagLB  Flags = 1 << 9  // Large buffer (> 512 bytes)
	FlagRD  Flags = 1 << 10 // Buffer is read by the device (host to device)
	FlagVFC Flags = 1 << 11 // VF command
	FlagBUF Flags = 1 << 12 // Out-of-band buffer present
	FlagSI  Flags = 1 << 13 // Solicited; do not raise an interrupt on completion
	FlagEI  Flags = 1 << 14 // Enable interrupt on completion
	FlagFE  Flags = 1 << 15 // Function context: command executes on behalf of a function
)

// LargeBufferThreshold is the buffer size above which FlagLB must be set.
const LargeBufferThreshold = 512

var flagNames = []struct {
	f    Flags
	name string
}{
	{FlagDD, "DD"},
	{FlagCMP, "CMP"},
	{FlagERR, "ERR"},
	{FlagVFE, "VFE"},
	{FlagLB, "LB"},
	{FlagRD, "RD"},
	{FlagVFC, "VFC"},
	{FlagBUF, "BUF"},
	{FlagSI, "SI"},
	{FlagEI, "EI"},
	{FlagFE, "FE"},
}

// Has reports whether all bits of f2 are set.
func (f Flags) Has(f2 Flags) bool { return f&f2 == f2 }

func (f Flags) String() string {
	names := make([]string, 0, len(flagNames))
	for _, n := range flagNames {
		if f.Has(n.f) {
			names = append(names, n.name)
		}
	}
	if len(names) == 0 {
		return "-"
	}
	return strings.Join(names, "|")
}
