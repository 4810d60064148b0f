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
	"os"
	"os/signal"
	"syscall"

	"github.com/NearNodeFlash/nnf-nic/internal/nicctl/cmd"
	"github.com/NearNodeFlash/nnf-nic/internal/server"
)

// ServeCmd defines the Serve CLI command and parameters
type ServeCmd struct {
	Address string `optional:"" help:"Listen address. Overrides the configuration file."`
}

// Run will run the Serve command
func (c *ServeCmd) Run(ctx *cmd.Context) error {
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

	address := ctx.Config.Server.Address
	if c.Address != "" {
		address = c.Address
	}

	controller := &server.Controller{
		Name:    ctx.Config.Metadata.Name,
		Address: address,
		Routers: server.Routers{server.NewNICRouter(dev, recorder)},
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return controller.ListenAndServe(sigCtx)
}
