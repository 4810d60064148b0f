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

// Package device owns everything one physical function needs to talk to its
// firmware: a queue pair and dispatcher per channel, the resource client and
// the package and flash helpers built on them.
package device

import (
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/NearNodeFlash/nnf-nic/internal/controlq/pkg/adminq"
	"github.com/NearNodeFlash/nnf-nic/internal/controlq/pkg/ddp"
	"github.com/NearNodeFlash/nnf-nic/internal/controlq/pkg/dispatch"
	"github.com/NearNodeFlash/nnf-nic/internal/controlq/pkg/hw"
	"github.com/NearNodeFlash/nnf-nic/internal/controlq/pkg/nvm"
	"github.com/NearNodeFlash/nnf-nic/internal/controlq/pkg/resource"
	"github.com/NearNodeFlash/nnf-nic/internal/controlq/pkg/ring"
)

// The firmware API this driver was written against. A firmware reporting a
// newer major version is refused; minor drift only warns.
const (
	SupportedAPIMajor = 1
	SupportedAPIMinor = 7
)

var (
	ErrAPIVersion = errors.New("unsupported firmware API version")
	ErrNotOpen    = errors.New("device not initialized")
)

// DriverVersion is reported to the firmware during Init.
type DriverVersion struct {
	Major, Minor, Build, SubBuild uint8
	Name                          string
}

func (v DriverVersion) String() string {
	return fmt.Sprintf("%s %d.%d.%d.%d", v.Name, v.Major, v.Minor, v.Build, v.SubBuild)
}

type Config struct {
	// Rings sizes the queue pair of each channel. Channels left out use
	// ring.DefaultConfig.
	Rings map[adminq.Channel]ring.Config

	Dispatch dispatch.Options
	Timeouts resource.Timeouts
	Package  ddp.Options

	// NVMCompletionTimeout bounds the wait for a flash write to complete.
	NVMCompletionTimeout time.Duration

	Driver DriverVersion
}

var DefaultConfig = Config{
	Driver: DriverVersion{Major: 1, Name: "nnf-nic"},
}

// Device is an explicitly owned control context for one function.
type Device struct {
	backend hw.Backend
	config  Config
	clock   resource.Clock
	log     *logrus.Entry

	queues      []*ring.QueuePair
	dispatchers map[adminq.Channel]*dispatch.Dispatcher

	firmware adminq.GetVersion
	locks    *resource.Client
	packages *ddp.Engine
	flash    *nvm.Flash

	events eventManager
}

// Open prepares a device on backend without touching the hardware. The device
// takes ownership of backend and closes it in Close.
func Open(backend hw.Backend, config Config, clock resource.Clock, logger *logrus.Entry) *Device {
	if clock == nil {
		clock = resource.SystemClock
	}
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	if config.Dispatch.Delay == nil {
		config.Dispatch.Delay = clock.Sleep
	}
	return &Device{
		backend: backend,
		config:  config,
		clock:   clock,
		log:     logger.WithField("component", "device"),
	}
}

// Init brings every channel up, checks the firmware API version and
// introduces the driver. On failure every queue already started is shut
// down again.
func (d *Device) Init() (err error) {
	if d.dispatchers != nil {
		return nil
	}
	d.dispatchers = map[adminq.Channel]*dispatch.Dispatcher{}

	defer func() {
		if err != nil {
			d.shutdownQueues()
		}
	}()

	for _, ch := range adminq.Channels {
		config, ok := d.config.Rings[ch]
		if !ok {
			config = ring.DefaultConfig
		}

		qp := ring.New(ch, d.backend, config, d.log)
		if err := qp.Init(); err != nil {
			return fmt.Errorf("%s init: %w", ch, err)
		}
		d.queues = append(d.queues, qp)
		if err := qp.Start(); err != nil {
			return fmt.Errorf("%s start: %w", ch, err)
		}

		opts := d.config.Dispatch
		opts.Unmatched = d.events.publish
		d.dispatchers[ch] = dispatch.New(qp, opts, d.log)
	}

	admin := d.dispatchers[adminq.AdminChannel]

	rsp, err := admin.Execute(dispatch.Command{Opcode: adminq.GetVersionOpcode, Params: adminq.GetVersion{}})
	if err != nil {
		return fmt.Errorf("get version: %w", err)
	}
	d.firmware = rsp.Params.(adminq.GetVersion)

	log := d.log.WithFields(logrus.Fields{
		"firmware": fmt.Sprintf("%d.%d.%d", d.firmware.FWMajor, d.firmware.FWMinor, d.firmware.FWPatch),
		"api":      fmt.Sprintf("%d.%d.%d", d.firmware.APIMajor, d.firmware.APIMinor, d.firmware.APIPatch),
	})
	switch {
	case d.firmware.APIMajor > SupportedAPIMajor:
		return fmt.Errorf("%w: %d.%d, driver supports %d.%d", ErrAPIVersion,
			d.firmware.APIMajor, d.firmware.APIMinor, SupportedAPIMajor, SupportedAPIMinor)
	case d.firmware.APIMajor < SupportedAPIMajor || d.firmware.APIMinor < SupportedAPIMinor-2:
		log.Warn("Firmware API is older than expected; update the firmware")
	case d.firmware.APIMinor > SupportedAPIMinor:
		log.Warn("Firmware API is newer than expected; update the driver")
	}

	driver := d.config.Driver
	_, err = admin.Execute(dispatch.Command{
		Opcode: adminq.DriverVersionOpcode,
		Params: adminq.DriverVersion{
			Major:    driver.Major,
			Minor:    driver.Minor,
			Build:    driver.Build,
			SubBuild: driver.SubBuild,
		},
		Buffer:   []byte(driver.Name),
		ToDevice: true,
	})
	if err != nil {
		return fmt.Errorf("driver version: %w", err)
	}

	d.locks = resource.New(admin, d.config.Timeouts, d.clock, d.log)
	d.packages = ddp.NewEngine(admin, d.locks, d.clock, d.config.Package, d.log)
	d.flash = nvm.New(admin, d.locks, d.config.NVMCompletionTimeout, d.log)

	log.Info("Device initialized")
	return nil
}

// Close tells the firmware the driver is going away, shuts every queue down
// and closes the backend.
func (d *Device) Close() error {
	var errs []error

	if d.locks != nil {
		if err := d.locks.ReleaseAll(); err != nil {
			errs = append(errs, fmt.Errorf("release resources: %w", err))
		}
	}

	if admin, ok := d.dispatchers[adminq.AdminChannel]; ok {
		_, err := admin.Execute(dispatch.Command{
			Opcode: adminq.QueueShutdownOpcode,
			Params: adminq.QueueShutdown{DriverUnloading: adminq.QueueShutdownDriverUnloading},
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("queue shutdown: %w", err))
		}
	}

	errs = append(errs, d.shutdownQueues(), d.backend.Close())

	d.log.Info("Device closed")
	return errors.Join(errs...)
}

func (d *Device) shutdownQueues() error {
	var errs []error
	for i := len(d.queues) - 1; i >= 0; i-- {
		errs = append(errs, d.queues[i].Shutdown())
	}
	d.queues, d.dispatchers = nil, nil
	d.locks, d.packages, d.flash = nil, nil, nil
	return errors.Join(errs...)
}

// Firmware is the version reported during Init.
func (d *Device) Firmware() adminq.GetVersion { return d.firmware }

// Dispatcher returns the dispatcher of a channel.
func (d *Device) Dispatcher(ch adminq.Channel) (*dispatch.Dispatcher, error) {
	disp, ok := d.dispatchers[ch]
	if !ok {
		return nil, ErrNotOpen
	}
	return disp, nil
}

// Execute runs cmd on the admin channel.
func (d *Device) Execute(cmd dispatch.Command) (*dispatch.Response, error) {
	disp, err := d.Dispatcher(adminq.AdminChannel)
	if err != nil {
		return nil, err
	}
	return disp.Execute(cmd)
}

func (d *Device) Locks() *resource.Client { return d.locks }

func (d *Device) Packages() *ddp.Engine { return d.packages }

func (d *Device) Flash() *nvm.Flash { return d.flash }
