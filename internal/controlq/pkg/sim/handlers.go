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
	"bytes"
	"encoding/binary"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/NearNodeFlash/nnf-nic/internal/controlq/pkg/adminq"
	"github.com/NearNodeFlash/nnf-nic/internal/controlq/pkg/ddp"
	"github.com/NearNodeFlash/nnf-nic/internal/controlq/pkg/resource"
)

// Request is a command as the firmware sees it. Buffer aliases the command's
// DMA buffer, so a handler may answer in place.
type Request struct {
	Function *Function
	Channel  adminq.Channel
	Message  adminq.Message
	Buffer   []byte
}

// Reply is the firmware's answer. Params, when set, must be the opcode's
// parameter shape. Data, when set, is copied into the command's buffer and
// becomes the completion's data length.
type Reply struct {
	Status adminq.Status
	Params adminq.Params
	Data   []byte
}

// Handler implements one opcode. It runs with the card locked.
type Handler func(req *Request) Reply

func (c *Card) dispatch(req *Request) Reply {
	if h, ok := c.handlers[req.Message.Opcode]; ok {
		return h(req)
	}

	switch req.Message.Opcode {
	case adminq.GetVersionOpcode:
		return Reply{Params: c.config.Firmware}
	case adminq.DriverVersionOpcode:
		req.Function.driver = string(bytes.TrimRight(req.Buffer, "\x00"))
		return Reply{}
	case adminq.QueueShutdownOpcode:
		c.releaseAll(req.Function)
		return Reply{}

	case adminq.RequestResourceOpcode:
		return c.requestResource(req)
	case adminq.ReleaseResourceOpcode:
		return c.releaseResource(req)

	case adminq.RestartANOpcode:
		return c.restartAN(req)
	case adminq.GetLinkStatusOpcode:
		return Reply{Params: req.Message.Params, Data: []byte{1}}

	case adminq.NVMReadOpcode:
		return c.nvmRead(req)
	case adminq.NVMWriteOpcode, adminq.NVMEraseOpcode, adminq.NVMWriteActivateOpcode:
		return c.nvmModify(req)
	case adminq.NVMChecksumOpcode:
		return c.nvmChecksum(req)

	case adminq.SendMsgToPFOpcode, adminq.SendMsgToVFOpcode:
		return c.relay(req)

	case adminq.DisableTxQueuesOpcode:
		req.Function.post(adminq.AdminChannel, adminq.Message{
			Opcode: adminq.TxQueuesCleanedUpOpcode,
			Params: adminq.TxQueuesCleanedUp{},
		}, nil)
		return Reply{}

	case adminq.DownloadPackageOpcode:
		return c.download(req)
	case adminq.UpdatePackageOpcode:
		return c.update(req)
	case adminq.GetPackageInfoListOpcode:
		return c.packageInfoList()

	case adminq.FWLogsRegisterOpcode:
		req.Function.post(adminq.AdminChannel, adminq.Message{
			Opcode: adminq.FWLogsEventOpcode,
			Params: adminq.Generic{},
		}, []byte("firmware log registered"))
		return Reply{}
	}

	// Everything else is configuration the model accepts without effect.
	return Reply{}
}

func (c *Card) requestResource(req *Request) Reply {
	p := req.Message.Params.(adminq.ResourceRequest)
	id, access := resource.ID(p.ResourceID), resource.Access(p.AccessType)

	switch id {
	case resource.NVM, resource.SharedPin, resource.ChangeLock, resource.GlobalConfigLock:
	default:
		return Reply{Status: adminq.StatusENXIO}
	}
	if access != resource.Read && access != resource.Write {
		return Reply{Status: adminq.StatusEINVAL}
	}

	log := c.log.WithFields(logrus.Fields{"function": req.Function.Index, "resource": id.String()})
	now := c.clock.Now()

	if h, held := c.holder(id); held && h.fn != req.Function {
		if id == resource.GlobalConfigLock {
			p.Status = adminq.GlobalLockInProgress
			p.Timeout = 0
			return Reply{Params: p}
		}
		p.Timeout = uint32(h.expires.Sub(now) / time.Millisecond)
		log.Debug("Resource busy")
		return Reply{Status: adminq.StatusEBUSY, Params: p}
	}

	if id == resource.GlobalConfigLock && c.globalDone && c.loadedBy != req.Function {
		p.Status = adminq.GlobalLockDone
		p.Timeout = 0
		return Reply{Params: p}
	}

	timeout := time.Duration(p.Timeout) * time.Millisecond
	if timeout == 0 {
		timeout = resource.DefaultTimeouts.For(id, access)
	}
	c.holders[id] = holder{fn: req.Function, access: access, expires: now.Add(timeout)}
	log.WithField("timeout", timeout).Debug("Resource granted")

	p.Status = adminq.GlobalLockGranted
	p.Timeout = uint32(timeout / time.Millisecond)
	return Reply{Params: p}
}

func (c *Card) releaseResource(req *Request) Reply {
	p := req.Message.Params.(adminq.ResourceRequest)
	id := resource.ID(p.ResourceID)

	h, held := c.holder(id)
	if !held || h.fn != req.Function {
		return Reply{Status: adminq.StatusEPERM}
	}
	c.dropHolder(id)
	return Reply{}
}

func (c *Card) restartAN(req *Request) Reply {
	p := req.Message.Params.(adminq.RestartAN)
	if p.CmdFlags&adminq.RestartANRestart != 0 {
		req.Function.post(adminq.AdminChannel, adminq.Message{
			Opcode: adminq.GetLinkStatusOpcode,
			Params: adminq.LinkStatus{LPort: p.LPort},
		}, []byte{1})
	}
	return Reply{}
}

func (c *Card) nvmRange(p adminq.NVM, length int) (int, int, bool) {
	start := int(p.Offset())
	end := start + length
	return start, end, end <= len(c.nvm)
}

func (c *Card) nvmRead(req *Request) Reply {
	if !c.holds(req.Function, resource.NVM, resource.Read) {
		return Reply{Status: adminq.StatusEACCES}
	}
	p := req.Message.Params.(adminq.NVM)
	start, end, ok := c.nvmRange(p, int(p.Length))
	if !ok || int(p.Length) > len(req.Buffer) {
		return Reply{Status: adminq.StatusEINVAL}
	}
	return Reply{Data: c.nvm[start:end]}
}

// nvmModify applies a write, erase or activate and announces completion on
// the receive queue, as the firmware does for slow flash operations.
func (c *Card) nvmModify(req *Request) Reply {
	if !c.holds(req.Function, resource.NVM, resource.Write) {
		return Reply{Status: adminq.StatusEACCES}
	}
	p := req.Message.Params.(adminq.NVM)

	switch req.Message.Opcode {
	case adminq.NVMWriteOpcode:
		start, end, ok := c.nvmRange(p, len(req.Buffer))
		if !ok {
			return Reply{Status: adminq.StatusEINVAL}
		}
		copy(c.nvm[start:end], req.Buffer)
		c.dirty = true
	case adminq.NVMEraseOpcode:
		start, end, ok := c.nvmRange(p, int(p.Length))
		if !ok {
			return Reply{Status: adminq.StatusEINVAL}
		}
		for i := start; i < end; i++ {
			c.nvm[i] = 0xFF
		}
		c.dirty = true
	}

	done := p
	done.Addr = [8]uint8{}
	req.Function.post(adminq.AdminChannel, adminq.Message{Opcode: req.Message.Opcode, Params: done}, nil)
	return Reply{}
}

func (c *Card) nvmChecksum(req *Request) Reply {
	if !c.holds(req.Function, resource.NVM, resource.Read) {
		return Reply{Status: adminq.StatusEACCES}
	}
	p := req.Message.Params.(adminq.NVMChecksum)

	if p.Flags&adminq.NVMChecksumRecalc != 0 {
		if !c.holds(req.Function, resource.NVM, resource.Write) {
			return Reply{Status: adminq.StatusEACCES}
		}
		c.dirty = false
	}
	if p.Flags&adminq.NVMChecksumVerify != 0 {
		p.Checksum = 0
		if !c.dirty {
			p.Checksum = adminq.NVMChecksumCorrect
		}
	}
	return Reply{Params: p}
}

// relay delivers a mailbox message to the function named in the parameters,
// which sees it as coming from the sender.
func (c *Card) relay(req *Request) Reply {
	p := req.Message.Params.(adminq.FunctionMessage)
	if int(p.ID) >= len(c.functions) {
		return Reply{Status: adminq.StatusENXIO}
	}
	to := c.functions[p.ID]

	to.post(adminq.MailboxChannel, adminq.Message{
		Opcode: req.Message.Opcode,
		Params: adminq.FunctionMessage{ID: uint32(req.Function.Index)},
	}, req.Buffer)
	return Reply{}
}

// bufferError answers a rejected package buffer, reporting where it went
// wrong in the buffer itself.
func bufferError(req *Request, status adminq.Status, err error) Reply {
	var offset uint32
	var ve *ddp.ValidationError
	if errors.As(err, &ve) {
		offset = uint32(ve.Offset)
	}
	if len(req.Buffer) >= 8 {
		binary.LittleEndian.PutUint32(req.Buffer[0:], offset)
		binary.LittleEndian.PutUint32(req.Buffer[4:], 1)
	}
	return Reply{Status: status}
}

func (c *Card) download(req *Request) Reply {
	f := req.Function
	log := c.log.WithField("function", f.Index)

	if !c.holds(f, resource.GlobalConfigLock, resource.Write) {
		return Reply{Status: adminq.StatusEACCES}
	}
	if c.active != nil && len(c.staging[f]) == 0 {
		return Reply{Status: adminq.StatusEEXIST}
	}

	if err := ddp.ValidateBuffer(req.Buffer); err != nil {
		log.WithError(err).Warn("Rejecting package buffer")
		delete(c.staging, f)
		return bufferError(req, adminq.StatusEINVAL, err)
	}
	c.staging[f] = append(c.staging[f], bytes.Clone(req.Buffer))

	p := req.Message.Params.(adminq.PackageBuffer)
	if p.Flags&adminq.PackageLastBuffer == 0 {
		return Reply{}
	}

	info := ddp.NewPackageInfo("unnamed", ddp.Version{})
	for _, buf := range c.staging[f] {
		_, sections, _ := ddp.ParseBuffer(buf)
		for _, s := range sections {
			if s.Type&^ddp.SectionMetadataFlag != ddp.SectionPackageInfo {
				continue
			}
			if parsed, err := ddp.ParsePackageInfo(buf[s.Offset : int(s.Offset)+int(s.Size)]); err == nil {
				info = parsed
			}
		}
	}

	c.active = &info
	c.loadedBy = f
	c.packages = []ddp.PackageInfoEntry{{Info: info, InNVM: 1, Active: 1, ActiveAtBoot: 1}}
	delete(c.staging, f)

	log.WithField("package", info.String()).Info("Package activated")
	return Reply{}
}

func (c *Card) update(req *Request) Reply {
	if !c.holds(req.Function, resource.ChangeLock, resource.Write) {
		return Reply{Status: adminq.StatusEACCES}
	}
	if err := ddp.ValidateBuffer(req.Buffer); err != nil {
		return bufferError(req, adminq.StatusEINVAL, err)
	}

	p := req.Message.Params.(adminq.PackageBuffer)
	if p.Flags&adminq.PackageLastBuffer != 0 {
		c.updates++
	}
	return Reply{}
}

func (c *Card) packageInfoList() Reply {
	b, err := ddp.EncodePackageInfoList(c.packages)
	if err != nil {
		return Reply{Status: adminq.StatusEIO}
	}
	return Reply{Data: b}
}
