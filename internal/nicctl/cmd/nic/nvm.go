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
	"encoding/hex"
	"fmt"
	"os"
	"strconv"

	"github.com/NearNodeFlash/nnf-nic/internal/nicctl/cmd"
)

// NvmCmd defines the NVM CLI command and sub-commands
type NvmCmd struct {
	Read     NvmReadCmd     `kong:"cmd,help='Read a region of a flash module.'"`
	Checksum NvmChecksumCmd `kong:"cmd,help='Verify or recalculate the flash checksum.'"`
}

// NvmReadCmd defines the NVM Read CLI command and parameters
type NvmReadCmd struct {
	Module uint16 `arg:"" help:"The flash module type id."`
	Offset string `arg:"" help:"The byte offset within the module. Accepts 0x prefixed hex."`
	Length uint16 `arg:"" help:"The number of bytes to read."`
}

// Run will run the NVM Read command
func (c *NvmReadCmd) Run(ctx *cmd.Context) error {
	offset, err := strconv.ParseUint(c.Offset, 0, 32)
	if err != nil {
		return fmt.Errorf("offset %q: %w", c.Offset, err)
	}

	dev, err := ctx.OpenDevice(nil)
	if err != nil {
		return err
	}
	defer dev.Close()

	data, err := dev.Flash().Read(c.Module, uint32(offset), int(c.Length))
	if err != nil {
		return err
	}

	dumper := hex.Dumper(os.Stdout)
	defer dumper.Close()
	_, err = dumper.Write(data)
	return err
}

// NvmChecksumCmd defines the NVM Checksum CLI command and parameters
type NvmChecksumCmd struct {
	Recalculate bool `optional:"" help:"Have the firmware rewrite the checksum instead of verifying it."`
}

// Run will run the NVM Checksum command
func (c *NvmChecksumCmd) Run(ctx *cmd.Context) error {
	dev, err := ctx.OpenDevice(nil)
	if err != nil {
		return err
	}
	defer dev.Close()

	if c.Recalculate {
		if err := dev.Flash().RecalculateChecksum(); err != nil {
			return err
		}
		fmt.Printf("Checksum Recalculated\n")
		return nil
	}

	if err := dev.Flash().VerifyChecksum(); err != nil {
		return err
	}
	fmt.Printf("Checksum Valid\n")
	return nil
}
