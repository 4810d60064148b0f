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

package main

import (
	"github.com/alecthomas/kong"

	ctx "github.com/NearNodeFlash/nnf-nic/internal/nicctl/cmd"
	cfg "github.com/NearNodeFlash/nnf-nic/internal/nicctl/cmd/config"
	nic "github.com/NearNodeFlash/nnf-nic/internal/nicctl/cmd/nic"
)

var cli struct {
	Config   string `kong:"optional,type='path',env='NIC_CONFIG',help='Configuration file.'"`
	Device   string `kong:"optional,env='NIC_DEV',help='PCI address of the function, or sim. Overrides the configuration file.'"`
	LogLevel string `kong:"optional,help='Log level. LOG_LEVEL overrides it.'"`
	Debug    bool   `kong:"optional,help='Enable debug'"`

	Info     nic.InfoCmd     `kong:"cmd,help='Report firmware, API and package versions.'"`
	Packages nic.PackagesCmd `kong:"cmd,help='List the packages the firmware knows about.'"`
	Load     nic.LoadCmd     `kong:"cmd,help='Validate and download a DDP package.'"`
	Nvm      nic.NvmCmd      `kong:"cmd,help='Flash access commands.'"`
	History  nic.HistoryCmd  `kong:"cmd,help='Show recorded package loads.'"`
	Events   nic.EventsCmd   `kong:"cmd,help='Poll and print firmware events.'"`
	Serve    nic.ServeCmd    `kong:"cmd,help='Serve the NIC REST interface.'"`

	Validate cfg.ConfigCmd `kong:"cmd,help='Validate a configuration file.'"`
}

func main() {
	c := kong.Parse(&cli)

	level := cli.LogLevel
	if level == "" && cli.Debug {
		level = "debug"
	}

	nicCtx, err := ctx.NewContext(cli.Config, cli.Device, level)
	c.FatalIfErrorf(err)

	err = c.Run(nicCtx)
	c.FatalIfErrorf(err)
}
