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

// Params is the 16-byte, opcode-specific parameter area of a descriptor. The
// set of shapes is closed; each opcode is registered against exactly one of
// the types below and the codec refuses any other combination.
//
// Shapes whose final field is Addr describe indirect commands. On the wire
// those eight bytes hold the {high, low} address of the out-of-band buffer;
// the codec owns them and callers leave them zero.
type Params interface {
	isParams()
}

// ParamsSize is the size, in bytes, of every parameter shape.
const ParamsSize = 16

// Empty is used by commands that carry no parameters.
type Empty struct {
	Reserved [16]uint8
}

// Generic carries two opaque parameter words and an optional buffer.
type Generic struct {
	Param0 uint32
	Param1 uint32
	Addr   [8]uint8
}

// GetVersion is the response to GetVersionOpcode.
type GetVersion struct {
	RomVersion uint32
	FWBuild    uint32
	FWBranch   uint8
	FWMajor    uint8
	FWMinor    uint8
	FWPatch    uint8
	APIBranch  uint8
	APIMajor   uint8
	APIMinor   uint8
	APIPatch   uint8
}

// DriverVersion reports the host driver version; the driver string travels
// in the buffer.
type DriverVersion struct {
	Major    uint8
	Minor    uint8
	Build    uint8
	SubBuild uint8
	Reserved [4]uint8
	Addr     [8]uint8
}

// QueueShutdown tells the firmware the host is tearing down its queues.
type QueueShutdown struct {
	DriverUnloading uint8
	Reserved        [15]uint8
}

const QueueShutdownDriverUnloading uint8 = 0x01

// ResourceRequest is shared by RequestResourceOpcode and
// ReleaseResourceOpcode.
type ResourceRequest struct {
	ResourceID     uint16
	AccessType     uint16
	Timeout        uint32 // milliseconds; the firmware answers with the granted or remaining time
	ResourceNumber uint32
	Status         uint16 // global config lock only, see GlobalLock*
	Reserved       [2]uint8
}

// Global configuration lock states reported in ResourceRequest.Status.
const (
	GlobalLockGranted    uint16 = 0
	GlobalLockInProgress uint16 = 1
	GlobalLockDone       uint16 = 2
)

// ListCaps requests function or device capability records.
type ListCaps struct {
	CmdFlags uint8
	PFIndex  uint8
	Reserved [2]uint8
	Count    uint32
	Addr     [8]uint8
}

type ManageMACRead struct {
	Flags     uint16
	Reserved  [2]uint8
	NumAddr   uint8
	Reserved1 [3]uint8
	Addr      [8]uint8
}

type ManageMACWrite struct {
	Reserved  uint8
	Flags     uint8
	MACHigh   uint16
	MACLow    uint32
	Reserved1 [8]uint8
}

type ClearPXEMode struct {
	RxCount  uint8
	Reserved [15]uint8
}

type GetSwitchConfig struct {
	Flags       uint16
	Element     uint16
	NumElements uint16
	Reserved    uint16
	Addr        [8]uint8
}

// VSICommand is shared by the add, update and free VSI opcodes.
type VSICommand struct {
	VSINum    uint16
	CmdFlags  uint16
	VFID      uint8
	Reserved  uint8
	VSIFlags  uint8
	Reserved2 uint8
	Addr      [8]uint8
}

// SwitchRules is shared by the add, update and remove switch rule opcodes.
type SwitchRules struct {
	Reserved  [4]uint8
	NumRules  uint16
	Reserved2 [2]uint8
	Addr      [8]uint8
}

type Topology struct {
	PortNum     uint8
	NumBranches uint8
	Reserved    [6]uint8
	Addr        [8]uint8
}

// SchedElements is shared by the scheduler element opcodes.
type SchedElements struct {
	NumRequested uint16
	NumResponded uint16
	Reserved     [4]uint8
	Addr         [8]uint8
}

type RLProfiles struct {
	NumProfiles  uint16
	NumProcessed uint16
	Reserved     [4]uint8
	Addr         [8]uint8
}

type GetPhyCaps struct {
	LPort      uint8
	Reserved   uint8
	ReportMode uint16
	Reserved1  [4]uint8
	Addr       [8]uint8
}

type SetPhyConfig struct {
	LPort    uint8
	Reserved [7]uint8
	Addr     [8]uint8
}

type SetMACConfig struct {
	MaxFrameSize       uint16
	Params             uint8
	TxTimerPriority    uint8
	TxTimerValue       uint16
	FCRefreshThreshold uint16
	DropOpts           uint8
	Reserved           [7]uint8
}

type RestartAN struct {
	LPort     uint8
	Reserved  uint8
	CmdFlags  uint8
	Reserved2 [13]uint8
}

const (
	RestartANRestart uint8 = 0x02
	RestartANEnable  uint8 = 0x04
)

// LinkStatus is used both to query link status and, on the receive queue, as
// the link status change event.
type LinkStatus struct {
	LPort     uint8
	Reserved  uint8
	CmdFlags  uint16
	Reserved2 [4]uint8
	Addr      [8]uint8
}

const (
	LinkStatusEventDisable uint16 = 0x2
	LinkStatusEventEnable  uint16 = 0x3
)

type SetEventMask struct {
	LPort     uint8
	Reserved  [7]uint8
	EventMask uint16
	Reserved1 [6]uint8
}

type MACLoopback struct {
	Mode     uint8
	Reserved [15]uint8
}

type PortIDLED struct {
	LPort      uint8
	LPortValid uint8
	Reserved   uint8
	IdentCmd   uint8
	Reserved2  [12]uint8
}

// GPIO drives or samples a shared software-defined pin.
type GPIO struct {
	CtrlHandle uint16
	Pin        uint8
	Value      uint8
	Reserved   [12]uint8
}

// NVM is shared by the NVM read, erase, write and write-activate opcodes.
type NVM struct {
	OffsetLow    uint16
	OffsetHigh   uint8
	CmdFlags     uint8
	ModuleTypeID uint16
	Length       uint16
	Addr         [8]uint8
}

const (
	NVMLastCommand uint8 = 0x01
	NVMFlashOnly   uint8 = 0x80
)

// Offset returns the 24-bit NVM offset.
func (p NVM) Offset() uint32 { return uint32(p.OffsetHigh)<<16 | uint32(p.OffsetLow) }

// SetOffset stores a 24-bit NVM offset.
func (p *NVM) SetOffset(offset uint32) {
	p.OffsetLow = uint16(offset)
	p.OffsetHigh = uint8(offset >> 16)
}

type NVMChecksum struct {
	Flags     uint8
	Reserved  uint8
	Checksum  uint16
	Reserved2 [12]uint8
}

const (
	NVMChecksumVerify  uint8  = 0x01
	NVMChecksumRecalc  uint8  = 0x02
	NVMChecksumCorrect uint16 = 0xBABA
)

type NVMSanitize struct {
	CmdFlags uint8
	Values   uint8
	Reserved [14]uint8
}

// FunctionMessage carries a message between a physical function and its
// virtual functions over the mailbox channel.
type FunctionMessage struct {
	ID       uint32
	Reserved [4]uint8
	Addr     [8]uint8
}

type LLDPGetMIB struct {
	Type      uint8
	State     uint8
	LocalLen  uint16
	RemoteLen uint16
	Reserved  [2]uint8
	Addr      [8]uint8
}

type LLDPSetMIBChange struct {
	EnableUpdate uint8
	Reserved     [15]uint8
}

// LLDPAgentControl is shared by the LLDP stop and start opcodes.
type LLDPAgentControl struct {
	Command  uint8
	Reserved [15]uint8
}

type LLDPFilterControl struct {
	Cmd       uint8
	Reserved  uint8
	VSINum    uint16
	Reserved2 [12]uint8
}

type RSSKey struct {
	VSIID    uint16
	Reserved [6]uint8
	Addr     [8]uint8
}

type RSSLUT struct {
	VSIID    uint16
	Flags    uint16
	Reserved [4]uint8
	Addr     [8]uint8
}

type AddTxQueues struct {
	NumGroups uint8
	Reserved  [7]uint8
	Addr      [8]uint8
}

type DisableTxQueues struct {
	CmdType        uint8
	NumEntries     uint8
	VMVFAndTimeout uint16
	BlockedCGDs    uint32
	Addr           [8]uint8
}

// TxQueuesCleanedUp is posted by the firmware once queues disabled with
// DisableTxQueuesOpcode have drained.
type TxQueuesCleanedUp struct {
	NumQueues uint16
	Reserved  [6]uint8
	Addr      [8]uint8
}

type ConfigTxQueues struct {
	CmdType       uint8
	NumQueues     uint8
	PortNumChange uint8
	Timeout       uint8
	BlockedCGDs   uint32
	Addr          [8]uint8
}

// PackageBuffer is shared by the download, upload and update package opcodes.
type PackageBuffer struct {
	Flags     uint8
	Reserved  [3]uint8
	Reserved1 [4]uint8
	Addr      [8]uint8
}

const PackageLastBuffer uint8 = 0x01

type HealthConfig struct {
	EventSource uint8
	Reserved    [15]uint8
}

type FWLogs struct {
	CmdFlags   uint8
	RespFlags  uint8
	Resolution uint16
	Reserved   [4]uint8
	Addr       [8]uint8
}

func (Empty) isParams()             {}
func (Generic) isParams()           {}
func (GetVersion) isParams()        {}
func (DriverVersion) isParams()     {}
func (QueueShutdown) isParams()     {}
func (ResourceRequest) isParams()   {}
func (ListCaps) isParams()          {}
func (ManageMACRead) isParams()     {}
func (ManageMACWrite) isParams()    {}
func (ClearPXEMode) isParams()      {}
func (GetSwitchConfig) isParams()   {}
func (VSICommand) isParams()        {}
func (SwitchRules) isParams()       {}
func (Topology) isParams()          {}
func (SchedElements) isParams()     {}
func (RLProfiles) isParams()        {}
func (GetPhyCaps) isParams()        {}
func (SetPhyConfig) isParams()      {}
func (SetMACConfig) isParams()      {}
func (RestartAN) isParams()         {}
func (LinkStatus) isParams()        {}
func (SetEventMask) isParams()      {}
func (MACLoopback) isParams()       {}
func (PortIDLED) isParams()         {}
func (GPIO) isParams()              {}
func (NVM) isParams()               {}
func (NVMChecksum) isParams()       {}
func (NVMSanitize) isParams()       {}
func (FunctionMessage) isParams()   {}
func (LLDPGetMIB) isParams()        {}
func (LLDPSetMIBChange) isParams()  {}
func (LLDPAgentControl) isParams()  {}
func (LLDPFilterControl) isParams() {}
func (RSSKey) isParams()            {}
func (RSSLUT) isParams()            {}
func (AddTxQueues) isParams()       {}
func (DisableTxQueues) isParams()   {}
func (TxQueuesCleanedUp) isParams() {}
func (ConfigTxQueues) isParams()    {}
func (PackageBuffer) isParams()     {}
func (HealthConfig) isParams()      {}
func (FWLogs) isParams()            {}
