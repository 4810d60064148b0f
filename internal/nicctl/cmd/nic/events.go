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
	"time"

	"github.com/NearNodeFlash/nnf-nic/internal/controlq/pkg/adminq"
	"github.com/NearNodeFlash/nnf-nic/internal/controlq/pkg/device"
	"github.com/NearNodeFlash/nnf-nic/internal/controlq/pkg/ring"
	"github.com/NearNodeFlash/nnf-nic/internal/nicctl/cmd"
)

// EventsCmd defines the Events CLI command and parameters
type EventsCmd struct {
	Count    int           `optional:"" default:"0" help:"Stop after this many events. Zero runs until interrupted."`
	Interval time.Duration `optional:"" default:"1s" help:"Delay between polls of the receive queues."`
	Opcode   uint16        `optional:"" default:"0" help:"Only show events with this opcode."`
}

// Run will run the Events command
func (c *EventsCmd) Run(ctx *cmd.Context) error {
	dev, err := ctx.OpenDevice(nil)
	if err != nil {
		return err
	}
	defer dev.Close()

	seen := 0
	dev.Subscribe(device.EventSubscriber{
		Opcode: adminq.Opcode(c.Opcode),
		HandlerFunc: func(event ring.Event, _ interface{}) {
			seen++
			fmt.Printf("%s %s %s %s len %d\n", time.Now().Format(time.RFC3339Nano), event.Channel, event.Kind, event.Message.Opcode, len(event.Data))
		},
	})

	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	ticker := time.NewTicker(c.Interval)
	defer ticker.Stop()

	for c.Count == 0 || seen < c.Count {
		if _, err := dev.PollEvents(); err != nil {
			return err
		}
		select {
		case <-sigCtx.Done():
			return nil
		case <-ticker.C:
		}
	}
	return nil
}
