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

package cmd

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/NearNodeFlash/nnf-nic/internal/controlq/pkg/device"
	"github.com/NearNodeFlash/nnf-nic/internal/controlq/pkg/hw"
	"github.com/NearNodeFlash/nnf-nic/internal/controlq/pkg/sim"
	"github.com/NearNodeFlash/nnf-nic/internal/history"
	"github.com/NearNodeFlash/nnf-nic/internal/kvstore"
	"github.com/NearNodeFlash/nnf-nic/internal/logging"
	"github.com/NearNodeFlash/nnf-nic/internal/nicctl/cmd/config"
)

// Context provides the CLI context global to all commands
type Context struct {
	Config config.ConfigFile
	Log    *logrus.Logger

	// Card backs the simulated device. It is created on first use so that
	// every device a command opens shares one card.
	Card *sim.Card
}

// NewContext loads the configuration at path, or the defaults when path is
// empty, and applies the command line overrides.
func NewContext(path, address, level string) (*Context, error) {
	conf := config.Default()
	if path != "" {
		var err error
		if conf, err = config.Load(path); err != nil {
			return nil, err
		}
	}

	if address != "" {
		conf.Device.Address = address
	}
	if level != "" {
		conf.Log.Level = level
	}

	return &Context{Config: conf, Log: logging.FromEnv(conf.Log.Level)}, nil
}

func (ctx *Context) backend() (hw.Backend, error) {
	if ctx.Config.Device.Address == config.SimulatedDevice {
		if ctx.Card == nil {
			ctx.Card = sim.NewCard(sim.DefaultConfig, nil, logrus.NewEntry(ctx.Log))
		}
		return ctx.Card.NewFunction(), nil
	}
	return openPCIFunction(ctx.Config.Device.Address)
}

// OpenDevice opens and initializes the configured device. The caller closes
// it.
func (ctx *Context) OpenDevice(recorder *history.Recorder) (*device.Device, error) {
	c, err := ctx.Config.DeviceConfig()
	if err != nil {
		return nil, err
	}
	if recorder != nil {
		c.Package.OnLoad = recorder.OnLoad
	}

	backend, err := ctx.backend()
	if err != nil {
		return nil, err
	}

	dev := device.Open(backend, c, nil, logrus.NewEntry(ctx.Log).WithField("device", ctx.Config.Device.Address))
	if err := dev.Init(); err != nil {
		backend.Close()
		return nil, fmt.Errorf("device %s: %w", ctx.Config.Device.Address, err)
	}
	return dev, nil
}

// OpenHistory opens the package load ledger, or returns nil when none is
// configured.
func (ctx *Context) OpenHistory(readOnly bool) (*history.Recorder, func() error, error) {
	if ctx.Config.History == "" {
		return nil, func() error { return nil }, nil
	}

	store, err := kvstore.Open(ctx.Config.History, readOnly)
	if err != nil {
		return nil, nil, err
	}

	recorder, err := history.New(store, logrus.NewEntry(ctx.Log))
	if err != nil {
		store.Close()
		return nil, nil, err
	}
	return recorder, store.Close, nil
}
