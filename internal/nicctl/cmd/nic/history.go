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
	"os"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"

	"github.com/NearNodeFlash/nnf-nic/internal/history"
	"github.com/NearNodeFlash/nnf-nic/internal/nicctl/cmd"
)

// HistoryCmd defines the History CLI command and parameters
type HistoryCmd struct {
	ID string `arg:"" optional:"" help:"Show the buffers of one load session."`
}

// Run will run the History command
func (c *HistoryCmd) Run(ctx *cmd.Context) error {
	recorder, closeHistory, err := ctx.OpenHistory(true)
	if err != nil {
		return err
	}
	defer closeHistory()

	if recorder == nil {
		return fmt.Errorf("no history directory configured")
	}

	if c.ID != "" {
		id, err := uuid.Parse(c.ID)
		if err != nil {
			return err
		}
		s, ok := recorder.Get(id)
		if !ok {
			return fmt.Errorf("session %s not found", id)
		}
		printSession(s)
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTARTED\tPACKAGE\tVERSION\tBUFFERS\tSTATE")
	for _, s := range recorder.Sessions() {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n", s.ID, s.Started.Format(time.RFC3339), s.Package, s.Version, len(s.Buffers), s.State)
	}
	return w.Flush()
}

func printSession(s history.Session) {
	fmt.Printf("Session: %s\n", s.ID)
	fmt.Printf("  Package: %s %s\n", s.Package, s.Version)
	fmt.Printf("  Started: %s\n", s.Started.Format(time.RFC3339Nano))
	fmt.Printf("  Finished: %s (%s)\n", s.Finished.Format(time.RFC3339Nano), s.Finished.Sub(s.Started))
	fmt.Printf("  State: %s\n", s.State)
	if s.Error != "" {
		fmt.Printf("  Error: %s\n", s.Error)
	}
	for _, b := range s.Buffers {
		fmt.Printf("  Buffer %3d CRC8 %#02x\n", b.Index, b.CRC)
	}
}
