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

// Package sim simulates the firmware of a card shared by several physical
// functions. Each Function is a complete control queue backend: a register
// file and DMA memory whose doorbells are serviced synchronously by the
// card's firmware model.
package sim

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/NearNodeFlash/nnf-nic/internal/controlq/pkg/adminq"
	"github.com/NearNodeFlash/nnf-nic/internal/controlq/pkg/ddp"
	"github.com/NearNodeFlash/nnf-nic/internal/controlq/pkg/resource"
)

// Config describes the simulated card.
type Config struct {
	Device   ddp.DeviceID
	NVMSize  int
	Firmware adminq.GetVersion
}

var DefaultConfig = Config{
	Device:  ddp.DeviceID{VendorID: 0x1590, DeviceID: 0x0299},
	NVMSize: 64 << 10,
	Firmware: adminq.GetVersion{
		RomVersion: 0x0102,
		FWBuild:    0x00DD0001,
		FWMajor:    4,
		FWMinor:    40,
		FWPatch:    1,
		APIBranch:  0,
		APIMajor:   1,
		APIMinor:   7,
		APIPatch:   0,
	},
}

// Clock is the card's time source.
type Clock interface {
	Now() time.Time
}

type holder struct {
	fn      *Function
	access  resource.Access
	expires time.Time
}

// Card is the firmware shared by every function.
type Card struct {
	mu     sync.Mutex
	config Config
	clock  Clock
	log    *logrus.Entry

	functions []*Function
	nextAddr  uint64

	holders map[resource.ID]holder

	// globalDone is set once a function activated a package and released
	// the global configuration lock; later requesters are told the work is
	// already done.
	globalDone bool
	loadedBy   *Function

	active   *ddp.PackageInfo
	packages []ddp.PackageInfoEntry
	staging  map[*Function][][]byte
	updates  int

	nvm   []byte
	dirty bool

	handlers map[adminq.Opcode]Handler
}

// NewCard returns a card with no functions. A nil clock uses the wall clock.
func NewCard(config Config, clock Clock, logger *logrus.Entry) *Card {
	if clock == nil {
		clock = resource.SystemClock
	}
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	if config.NVMSize <= 0 {
		config.NVMSize = DefaultConfig.NVMSize
	}

	c := &Card{
		config:   config,
		clock:    clock,
		log:      logger.WithField("component", "sim"),
		nextAddr: 0x100000,
		holders:  map[resource.ID]holder{},
		staging:  map[*Function][][]byte{},
		nvm:      make([]byte, config.NVMSize),
		handlers: map[adminq.Opcode]Handler{},
	}
	for i := range c.nvm {
		c.nvm[i] = 0xFF
	}
	return c
}

// NewFunction adds a physical function to the card.
func (c *Card) NewFunction() *Function {
	c.mu.Lock()
	defer c.mu.Unlock()

	f := &Function{
		card:    c,
		Index:   len(c.functions),
		rings:   map[ringKey]*simRing{},
		mem:     map[uint64][]byte{},
		waits:   map[adminq.Channel]wait{},
		backlog: map[adminq.Channel][]event{},
	}
	c.functions = append(c.functions, f)
	return f
}

// Function returns the function with the given index, or nil.
func (c *Card) Function(index int) *Function {
	c.mu.Lock()
	defer c.mu.Unlock()
	if index < 0 || index >= len(c.functions) {
		return nil
	}
	return c.functions[index]
}

// Handle replaces the firmware's behavior for op. A nil handler restores the
// built in one.
func (c *Card) Handle(op adminq.Opcode, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if h == nil {
		delete(c.handlers, op)
		return
	}
	c.handlers[op] = h
}

// Active returns the active package.
func (c *Card) Active() (ddp.PackageInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == nil {
		return ddp.PackageInfo{}, false
	}
	return *c.active, true
}

// Updates is the number of update sequences the firmware has accepted.
func (c *Card) Updates() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.updates
}

// Holder returns the function holding a resource, or nil.
func (c *Card) Holder(id resource.ID) *Function {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.holder(id)
	if !ok {
		return nil
	}
	return h.fn
}

// NVM returns a copy of the NVM contents.
func (c *Card) NVM() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]byte(nil), c.nvm...)
}

// Reset returns the firmware to its power-on state: no package, no holders.
// Function rings and memory are untouched.
func (c *Card) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.holders)
	clear(c.staging)
	c.globalDone, c.loadedBy = false, nil
	c.active, c.packages = nil, nil
	c.dirty = false
}

// PostEvent raises an unsolicited event on a function's receive queue.
func (c *Card) PostEvent(f *Function, ch adminq.Channel, m adminq.Message, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f.post(ch, m, data)
}

func (c *Card) alloc(size int) uint64 {
	addr := c.nextAddr
	c.nextAddr += uint64(size+0xFFF) &^ 0xFFF
	return addr
}

// holder returns the live holder of a resource, expiring a stale one.
func (c *Card) holder(id resource.ID) (holder, bool) {
	h, ok := c.holders[id]
	if !ok {
		return h, false
	}
	if !c.clock.Now().Before(h.expires) {
		c.log.WithFields(logrus.Fields{"resource": id.String(), "function": h.fn.Index}).Info("Resource hold expired")
		c.dropHolder(id)
		return h, false
	}
	return h, true
}

func (c *Card) holds(f *Function, id resource.ID, access resource.Access) bool {
	h, ok := c.holder(id)
	return ok && h.fn == f && h.access >= access
}

func (c *Card) dropHolder(id resource.ID) {
	h := c.holders[id]
	delete(c.holders, id)
	if id == resource.GlobalConfigLock && c.loadedBy == h.fn && c.active != nil {
		c.globalDone = true
	}
	if id == resource.GlobalConfigLock {
		delete(c.staging, h.fn)
	}
}

func (c *Card) releaseAll(f *Function) {
	for id, h := range c.holders {
		if h.fn == f {
			c.dropHolder(id)
		}
	}
}
