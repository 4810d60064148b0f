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

import (
	"reflect"
	"strings"
)

type opcodeInfo struct {
	name     string
	shape    reflect.Type
	indirect bool
	async    bool
}

type opcodeEntry struct {
	op    Opcode
	name  string
	shape Params
	async bool
}

var registry = buildRegistry([]opcodeEntry{
	{GetVersionOpcode, "Get Version", GetVersion{}, false},
	{DriverVersionOpcode, "Driver Version", DriverVersion{}, false},
	{QueueShutdownOpcode, "Queue Shutdown", QueueShutdown{}, false},

	{RequestResourceOpcode, "Request Resource", ResourceRequest{}, false},
	{ReleaseResourceOpcode, "Release Resource", ResourceRequest{}, false},

	{ListFunctionCapsOpcode, "List Function Capabilities", ListCaps{}, false},
	{ListDeviceCapsOpcode, "List Device Capabilities", ListCaps{}, false},

	{ManageMACReadOpcode, "Manage MAC Read", ManageMACRead{}, false},
	{ManageMACWriteOpcode, "Manage MAC Write", ManageMACWrite{}, false},
	{ClearPXEModeOpcode, "Clear PXE Mode", ClearPXEMode{}, false},

	{GetSwitchConfigOpcode, "Get Switch Config", GetSwitchConfig{}, false},
	{AddVSIOpcode, "Add VSI", VSICommand{}, false},
	{UpdateVSIOpcode, "Update VSI", VSICommand{}, false},
	{FreeVSIOpcode, "Free VSI", VSICommand{}, false},
	{AddSwitchRulesOpcode, "Add Switch Rules", SwitchRules{}, false},
	{UpdateSwitchRulesOpcode, "Update Switch Rules", SwitchRules{}, false},
	{RemoveSwitchRulesOpcode, "Remove Switch Rules", SwitchRules{}, false},
	{ClearPFConfigOpcode, "Clear PF Config", Empty{}, false},

	{GetDefaultTopologyOpcode, "Get Default Topology", Topology{}, false},
	{AddSchedElementsOpcode, "Add Scheduler Elements", SchedElements{}, false},
	{ConfigSchedElementsOpcode, "Configure Scheduler Elements", SchedElements{}, false},
	{GetSchedElementsOpcode, "Get Scheduler Elements", SchedElements{}, false},
	{SuspendSchedElementsOpcode, "Suspend Scheduler Elements", SchedElements{}, false},
	{ResumeSchedElementsOpcode, "Resume Scheduler Elements", SchedElements{}, false},
	{AddRLProfilesOpcode, "Add RL Profiles", RLProfiles{}, false},
	{QuerySchedResourcesOpcode, "Query Scheduler Resources", Generic{}, false},
	{RemoveRLProfilesOpcode, "Remove RL Profiles", RLProfiles{}, false},

	{GetPhyCapsOpcode, "Get PHY Capabilities", GetPhyCaps{}, false},
	{SetPhyConfigOpcode, "Set PHY Config", SetPhyConfig{}, false},
	{SetMACConfigOpcode, "Set MAC Config", SetMACConfig{}, false},
	{RestartANOpcode, "Restart Auto-Negotiation", RestartAN{}, false},
	{GetLinkStatusOpcode, "Get Link Status", LinkStatus{}, false},
	{SetEventMaskOpcode, "Set Event Mask", SetEventMask{}, false},
	{SetMACLoopbackOpcode, "Set MAC Loopback", MACLoopback{}, false},
	{SetPortIDLEDOpcode, "Set Port ID LED", PortIDLED{}, false},
	{SetGPIOOpcode, "Set GPIO", GPIO{}, false},
	{GetGPIOOpcode, "Get GPIO", GPIO{}, false},

	{NVMReadOpcode, "NVM Read", NVM{}, false},
	{NVMEraseOpcode, "NVM Erase", NVM{}, true},
	{NVMWriteOpcode, "NVM Write", NVM{}, true},
	{NVMChecksumOpcode, "NVM Checksum", NVMChecksum{}, false},
	{NVMWriteActivateOpcode, "NVM Write Activate", NVM{}, true},
	{NVMSanitizeOpcode, "NVM Sanitize", NVMSanitize{}, false},

	{SendMsgToPFOpcode, "Send Message To PF", FunctionMessage{}, false},
	{SendMsgToVFOpcode, "Send Message To VF", FunctionMessage{}, false},

	{LLDPGetMIBOpcode, "LLDP Get MIB", LLDPGetMIB{}, false},
	{LLDPSetMIBChangeOpcode, "LLDP Set MIB Change", LLDPSetMIBChange{}, false},
	{LLDPStopOpcode, "LLDP Stop", LLDPAgentControl{}, false},
	{LLDPStartOpcode, "LLDP Start", LLDPAgentControl{}, false},
	{LLDPFilterControlOpcode, "LLDP Filter Control", LLDPFilterControl{}, false},

	{SetRSSKeyOpcode, "Set RSS Key", RSSKey{}, false},
	{SetRSSLUTOpcode, "Set RSS LUT", RSSLUT{}, false},
	{GetRSSKeyOpcode, "Get RSS Key", RSSKey{}, false},
	{GetRSSLUTOpcode, "Get RSS LUT", RSSLUT{}, false},

	{AddTxQueuesOpcode, "Add Tx Queues", AddTxQueues{}, false},
	{DisableTxQueuesOpcode, "Disable Tx Queues", DisableTxQueues{}, false},
	{ConfigTxQueuesOpcode, "Configure Tx Queues", ConfigTxQueues{}, false},
	{TxQueuesCleanedUpOpcode, "Tx Queues Cleaned Up", TxQueuesCleanedUp{}, false},

	{DownloadPackageOpcode, "Download Package", PackageBuffer{}, false},
	{UploadSectionOpcode, "Upload Section", PackageBuffer{}, false},
	{UpdatePackageOpcode, "Update Package", PackageBuffer{}, false},
	{GetPackageInfoListOpcode, "Get Package Info List", Generic{}, false},

	{SetHealthConfigOpcode, "Set Health Config", HealthConfig{}, false},
	{GetSupportedHealthCodesOpcode, "Get Supported Health Codes", Generic{}, false},
	{GetHealthStatusOpcode, "Get Health Status", Generic{}, false},
	{ClearHealthStatusOpcode, "Clear Health Status", Empty{}, false},

	{FWLogsConfigOpcode, "FW Logs Config", FWLogs{}, false},
	{FWLogsRegisterOpcode, "FW Logs Register", FWLogs{}, false},
	{FWLogsQueryOpcode, "FW Logs Query", FWLogs{}, false},
	{FWLogsEventOpcode, "FW Logs Event", Generic{}, false},
})

func buildRegistry(entries []opcodeEntry) map[Opcode]opcodeInfo {
	m := make(map[Opcode]opcodeInfo, len(entries))
	for _, e := range entries {
		t := reflect.TypeOf(e.shape)
		_, indirect := t.FieldByName(addrField)
		m[e.op] = opcodeInfo{name: e.name, shape: t, indirect: indirect, async: e.async}
	}
	return m
}

const addrField = "Addr"

// Shape returns the zero value of the parameter shape registered for op.
func Shape(op Opcode) (Params, bool) {
	info, ok := registry[op]
	if !ok {
		return nil, false
	}
	return reflect.New(info.shape).Elem().Interface().(Params), true
}

// Indirect reports whether op's parameter shape can reference an out-of-band
// buffer.
func (op Opcode) Indirect() bool { return registry[op].indirect }

// Async reports whether the firmware acknowledges op on the send queue but
// reports its outcome later through an event on the receive queue carrying
// the same opcode.
func (op Opcode) Async() bool { return registry[op].async }

// checkReserved returns the name of the first reserved field in p that is not
// zero, or the empty string.
func checkReserved(p Params) string {
	v := reflect.ValueOf(p)
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		name := t.Field(i).Name
		if !strings.HasPrefix(name, "Reserved") && name != addrField {
			continue
		}
		if !v.Field(i).IsZero() {
			return name
		}
	}
	return ""
}
