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

import "fmt"

// An Opcode selects a command's semantics and the shape of its parameter
// area. The low 16 bits are the value carried on the wire. A few wire values
// are reused by the firmware for an unrelated asynchronous event; those events
// get their own logical Opcode with eventOpcode set so the two never collide.
type Opcode uint32

const eventOpcode Opcode = 1 << 16

// The supported opcode set, grouped by function.
const (
	// Version and reset
	GetVersionOpcode    Opcode = 0x0001
	DriverVersionOpcode Opcode = 0x0002
	QueueShutdownOpcode Opcode = 0x0003

	// Resource ownership
	RequestResourceOpcode Opcode = 0x0008
	ReleaseResourceOpcode Opcode = 0x0009

	// Capability discovery
	ListFunctionCapsOpcode Opcode = 0x000A
	ListDeviceCapsOpcode   Opcode = 0x000B

	// MAC address management
	ManageMACReadOpcode  Opcode = 0x0107
	ManageMACWriteOpcode Opcode = 0x0108
	ClearPXEModeOpcode   Opcode = 0x0110

	// Switch and VSI configuration
	GetSwitchConfigOpcode   Opcode = 0x0200
	AddVSIOpcode            Opcode = 0x0210
	UpdateVSIOpcode         Opcode = 0x0211
	FreeVSIOpcode           Opcode = 0x0213
	AddSwitchRulesOpcode    Opcode = 0x02A0
	UpdateSwitchRulesOpcode Opcode = 0x02A1
	RemoveSwitchRulesOpcode Opcode = 0x02A2
	ClearPFConfigOpcode     Opcode = 0x02A4

	// Tx scheduler
	GetDefaultTopologyOpcode   Opcode = 0x0400
	AddSchedElementsOpcode     Opcode = 0x0401
	ConfigSchedElementsOpcode  Opcode = 0x0403
	GetSchedElementsOpcode     Opcode = 0x0404
	SuspendSchedElementsOpcode Opcode = 0x0409
	ResumeSchedElementsOpcode  Opcode = 0x040A
	AddRLProfilesOpcode        Opcode = 0x0410
	QuerySchedResourcesOpcode  Opcode = 0x0412
	RemoveRLProfilesOpcode     Opcode = 0x0415

	// PHY and link management
	GetPhyCapsOpcode     Opcode = 0x0600
	SetPhyConfigOpcode   Opcode = 0x0601
	SetMACConfigOpcode   Opcode = 0x0603
	RestartANOpcode      Opcode = 0x0605
	GetLinkStatusOpcode  Opcode = 0x0607
	SetEventMaskOpcode   Opcode = 0x0613
	SetMACLoopbackOpcode Opcode = 0x0620
	SetPortIDLEDOpcode   Opcode = 0x06E9
	SetGPIOOpcode        Opcode = 0x06EC
	GetGPIOOpcode        Opcode = 0x06ED

	// NVM
	NVMReadOpcode          Opcode = 0x0701
	NVMEraseOpcode         Opcode = 0x0702
	NVMWriteOpcode         Opcode = 0x0703
	NVMChecksumOpcode      Opcode = 0x0706
	NVMWriteActivateOpcode Opcode = 0x0707
	NVMSanitizeOpcode      Opcode = 0x070C

	// Inter-function mailbox
	SendMsgToPFOpcode Opcode = 0x0801
	SendMsgToVFOpcode Opcode = 0x0802

	// LLDP
	LLDPGetMIBOpcode        Opcode = 0x0A00
	LLDPSetMIBChangeOpcode  Opcode = 0x0A01
	LLDPStopOpcode          Opcode = 0x0A05
	LLDPStartOpcode         Opcode = 0x0A06
	LLDPFilterControlOpcode Opcode = 0x0A0A

	// RSS
	SetRSSKeyOpcode Opcode = 0x0B02
	SetRSSLUTOpcode Opcode = 0x0B03
	GetRSSKeyOpcode Opcode = 0x0B04
	GetRSSLUTOpcode Opcode = 0x0B05

	// Tx queue lifecycle
	AddTxQueuesOpcode       Opcode = 0x0C30
	DisableTxQueuesOpcode   Opcode = 0x0C31
	ConfigTxQueuesOpcode    Opcode = 0x0C32
	TxQueuesCleanedUpOpcode Opcode = eventOpcode | 0x0C31

	// DDP package
	DownloadPackageOpcode    Opcode = 0x0C40
	UploadSectionOpcode      Opcode = 0x0C41
	UpdatePackageOpcode      Opcode = 0x0C42
	GetPackageInfoListOpcode Opcode = 0x0C43

	// Health and diagnostics
	SetHealthConfigOpcode         Opcode = 0xFF20
	GetSupportedHealthCodesOpcode Opcode = 0xFF21
	GetHealthStatusOpcode         Opcode = 0xFF22
	ClearHealthStatusOpcode       Opcode = 0xFF23

	// Firmware logging
	FWLogsConfigOpcode   Opcode = 0xFF30
	FWLogsRegisterOpcode Opcode = 0xFF31
	FWLogsQueryOpcode    Opcode = 0xFF32
	FWLogsEventOpcode    Opcode = eventOpcode | 0xFF33
)

// Wire returns the 16-bit value carried in the descriptor.
func (op Opcode) Wire() uint16 { return uint16(op) }

// IsEvent reports whether op only ever arrives from the firmware as an
// unsolicited event and can never be submitted.
func (op Opcode) IsEvent() bool { return op&eventOpcode != 0 }

// Valid reports whether op is a member of the closed opcode set.
func (op Opcode) Valid() bool {
	_, ok := registry[op]
	return ok
}

func (op Opcode) String() string {
	if info, ok := registry[op]; ok {
		return info.name
	}
	return fmt.Sprintf("Opcode(%#04x)", op.Wire())
}

// Opcodes returns every opcode in the closed set.
func Opcodes() []Opcode {
	ops := make([]Opcode, 0, len(registry))
	for op := range registry {
		ops = append(ops, op)
	}
	return ops
}

// LookupOpcode maps a wire value to its logical opcode for the given
// direction. Events prefer the event-only opcode sharing the wire value;
// everything else resolves to the command opcode, since the firmware posts
// asynchronous completions and several notifications using the command's own
// opcode.
func LookupOpcode(wire uint16, dir Direction) (Opcode, bool) {
	if dir == EventDirection {
		if op := eventOpcode | Opcode(wire); op.Valid() {
			return op, true
		}
	}
	op := Opcode(wire)
	return op, op.Valid()
}
