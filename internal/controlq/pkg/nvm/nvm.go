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

// Package nvm reads and modifies the card's flash through the admin queue.
// Every operation holds the firmware's NVM resource for its duration.
package nvm

import (
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/NearNodeFlash/nnf-nic/internal/controlq/pkg/adminq"
	"github.com/NearNodeFlash/nnf-nic/internal/controlq/pkg/dispatch"
	"github.com/NearNodeFlash/nnf-nic/internal/controlq/pkg/resource"
)

const (
	// SectorSize is the flash sector size. No single request crosses a
	// sector boundary.
	SectorSize = 4096

	// MaxOffset is the largest offset the 24-bit offset field can carry.
	MaxOffset = 1<<24 - 1

	// DefaultCompletionTimeout bounds the wait for the firmware to announce
	// that a write or erase has reached the flash.
	DefaultCompletionTimeout = 3 * time.Second
)

var (
	ErrChecksum = errors.New("nvm checksum mismatch")
	ErrRange    = errors.New("nvm range out of bounds")
)

// Flash is the NVM accessor of one function.
type Flash struct {
	disp    *dispatch.Dispatcher
	locks   *resource.Client
	timeout time.Duration
	log     *logrus.Entry
}

func New(disp *dispatch.Dispatcher, locks *resource.Client, completionTimeout time.Duration, logger *logrus.Entry) *Flash {
	if completionTimeout <= 0 {
		completionTimeout = DefaultCompletionTimeout
	}
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Flash{
		disp:    disp,
		locks:   locks,
		timeout: completionTimeout,
		log:     logger.WithField("component", "nvm"),
	}
}

// chunks splits [offset, offset+length) at sector boundaries.
func chunks(offset uint32, length int, fn func(offset uint32, start, n int, last bool) error) error {
	if length < 0 {
		return fmt.Errorf("%w: length %d", ErrRange, length)
	}
	if length == 0 {
		return nil
	}
	if int(offset)+length-1 > MaxOffset {
		return fmt.Errorf("%w: %#x+%d", ErrRange, offset, length)
	}

	for done := 0; done < length; {
		at := offset + uint32(done)
		n := min(SectorSize-int(at%SectorSize), length-done)
		if err := fn(at, done, n, done+n == length); err != nil {
			return err
		}
		done += n
	}
	return nil
}

func params(module uint16, offset uint32, n int, last bool) adminq.NVM {
	p := adminq.NVM{ModuleTypeID: module, Length: uint16(n)}
	p.SetOffset(offset)
	if last {
		p.CmdFlags |= adminq.NVMLastCommand
	}
	return p
}

// Read returns length bytes of module starting at offset.
func (f *Flash) Read(module uint16, offset uint32, length int) ([]byte, error) {
	if length < 0 {
		return nil, fmt.Errorf("%w: length %d", ErrRange, length)
	}
	out := make([]byte, length)

	err := f.locks.With(resource.NVM, resource.Read, func(*resource.Grant) error {
		return chunks(offset, length, func(at uint32, start, n int, last bool) error {
			rsp, err := f.disp.Execute(dispatch.Command{
				Opcode: adminq.NVMReadOpcode,
				Params: params(module, at, n, last),
				Buffer: make([]byte, n),
			})
			if err != nil {
				return fmt.Errorf("nvm read at %#x: %w", at, err)
			}
			copy(out[start:start+n], rsp.Buffer)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Write stores data in module at offset. Each chunk is acknowledged
// immediately and completed later by an event on the receive queue; Write
// waits for every completion before moving on.
func (f *Flash) Write(module uint16, offset uint32, data []byte) error {
	return f.locks.With(resource.NVM, resource.Write, func(*resource.Grant) error {
		return chunks(offset, len(data), func(at uint32, start, n int, last bool) error {
			return f.modify(adminq.NVMWriteOpcode, params(module, at, n, last), data[start:start+n])
		})
	})
}

// Erase clears length bytes of module starting at offset.
func (f *Flash) Erase(module uint16, offset uint32, length int) error {
	return f.locks.With(resource.NVM, resource.Write, func(*resource.Grant) error {
		return chunks(offset, length, func(at uint32, _, n int, last bool) error {
			return f.modify(adminq.NVMEraseOpcode, params(module, at, n, last), nil)
		})
	})
}

func (f *Flash) modify(op adminq.Opcode, p adminq.NVM, data []byte) error {
	cmd := dispatch.Command{Opcode: op, Params: p}
	if data != nil {
		cmd.Buffer, cmd.ToDevice = data, true
	}

	if _, err := f.disp.Execute(cmd); err != nil {
		return fmt.Errorf("%s at %#x: %w", op, p.Offset(), err)
	}
	if _, err := f.disp.WaitForEvent(op, f.timeout); err != nil {
		return fmt.Errorf("%s at %#x completion: %w", op, p.Offset(), err)
	}

	f.log.WithFields(logrus.Fields{"opcode": op.String(), "offset": p.Offset(), "length": p.Length}).Debug("NVM modified")
	return nil
}

// VerifyChecksum asks the firmware to verify the flash checksum.
func (f *Flash) VerifyChecksum() error {
	return f.locks.With(resource.NVM, resource.Read, func(*resource.Grant) error {
		rsp, err := f.disp.Execute(dispatch.Command{
			Opcode: adminq.NVMChecksumOpcode,
			Params: adminq.NVMChecksum{Flags: adminq.NVMChecksumVerify},
		})
		if err != nil {
			return err
		}
		if sum := rsp.Params.(adminq.NVMChecksum).Checksum; sum != adminq.NVMChecksumCorrect {
			return fmt.Errorf("%w: firmware reports %#04x", ErrChecksum, sum)
		}
		return nil
	})
}

// RecalculateChecksum has the firmware rewrite the checksum after a
// modification.
func (f *Flash) RecalculateChecksum() error {
	return f.locks.With(resource.NVM, resource.Write, func(*resource.Grant) error {
		_, err := f.disp.Execute(dispatch.Command{
			Opcode: adminq.NVMChecksumOpcode,
			Params: adminq.NVMChecksum{Flags: adminq.NVMChecksumRecalc},
		})
		return err
	})
}
