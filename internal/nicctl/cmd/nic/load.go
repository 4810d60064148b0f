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

package nic

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/NearNodeFlash/nnf-nic/internal/controlq/pkg/ddp"
	"github.com/NearNodeFlash/nnf-nic/internal/nicctl/cmd"
)

// LoadCmd defines the Load CLI command and parameters
type LoadCmd struct {
	Path   string `arg:"" help:"The DDP package file." type:"existingfile"`
	DryRun bool   `optional:"" help:"Validate the package without sending it to the device."`
}

// Run will run the Load command
func (c *LoadCmd) Run(ctx *cmd.Context) error {
	image, err := os.ReadFile(c.Path)
	if err != nil {
		return err
	}

	devConfig, err := ctx.Config.DeviceConfig()
	if err != nil {
		return err
	}
	versions := devConfig.Package.Versions
	if versions == (ddp.VersionRange{}) {
		versions = ddp.DefaultVersionRange
	}

	pkg, err := ddp.Parse(image, versions)
	if err != nil {
		return err
	}

	fmt.Printf("Package: %s %s\n", pkg.Name, pkg.Version)
	fmt.Printf("  Format: %s\n", pkg.FormatVersion)
	fmt.Printf("  Devices: %d\n", len(pkg.Devices))
	for _, d := range pkg.Devices {
		fmt.Printf("    %04x:%04x\n", d.VendorID, d.DeviceID)
	}
	fmt.Printf("  Buffers: %d (%d to transfer, %d bytes)\n", len(pkg.Buffers), len(pkg.TransferBuffers()), pkg.TransferSize())

	if c.DryRun {
		return nil
	}

	recorder, closeHistory, err := ctx.OpenHistory(false)
	if err != nil {
		return err
	}
	defer closeHistory()

	dev, err := ctx.OpenDevice(recorder)
	if err != nil {
		return err
	}
	defer dev.Close()

	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	fmt.Printf("Loading %s...\n", pkg.Name)
	state, err := dev.Packages().Load(sigCtx, image)
	fmt.Printf("Load State: %s\n", state)
	return err
}
