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
	"fmt"

	"github.com/NearNodeFlash/nnf-nic/internal/controlq/pkg/ddp"
	"github.com/NearNodeFlash/nnf-nic/internal/nicctl/cmd"
)

// InfoCmd defines the Info CLI command and parameters
type InfoCmd struct{}

// Run will run the Info command
func (*InfoCmd) Run(ctx *cmd.Context) error {
	dev, err := ctx.OpenDevice(nil)
	if err != nil {
		return err
	}
	defer dev.Close()

	fw := dev.Firmware()
	fmt.Printf("Firmware: %d.%d.%d Build: %#08x Branch: %d\n", fw.FWMajor, fw.FWMinor, fw.FWPatch, fw.FWBuild, fw.FWBranch)
	fmt.Printf("API:      %d.%d.%d\n", fw.APIMajor, fw.APIMinor, fw.APIPatch)
	fmt.Printf("ROM:      %#x\n", fw.RomVersion)
	if c, err := ctx.Config.DeviceConfig(); err == nil {
		fmt.Printf("Driver:   %s\n", c.Driver)
	}

	return printPackages(dev.Packages())
}

// PackagesCmd defines the Packages CLI command and parameters
type PackagesCmd struct{}

// Run will run the Packages command
func (*PackagesCmd) Run(ctx *cmd.Context) error {
	dev, err := ctx.OpenDevice(nil)
	if err != nil {
		return err
	}
	defer dev.Close()

	return printPackages(dev.Packages())
}

func printPackages(engine *ddp.Engine) error {
	entries, err := engine.ActivePackages()
	if err != nil {
		return err
	}

	fmt.Printf("Packages: %d\n", len(entries))
	for i, e := range entries {
		flags := ""
		if e.Active != 0 {
			flags += " active"
		}
		if e.ActiveAtBoot != 0 {
			flags += " boot"
		}
		if e.InNVM != 0 {
			flags += " nvm"
		}
		if e.Modified != 0 {
			flags += " modified"
		}
		fmt.Printf("  %d: %-32s %s%s\n", i, ddp.NameString(e.Info.Name), e.Info.Version, flags)
	}
	return nil
}
