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

package dispatch

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/NearNodeFlash/nnf-nic/internal/controlq/pkg/adminq"
	"github.com/NearNodeFlash/nnf-nic/internal/controlq/pkg/ring"
)

// Result is the outcome of one command of a batch.
type Result struct {
	Response *Response
	Err      error
}

// ExecuteBatch places every command on the queue before ringing the doorbell
// once and then collects the completions in order. When the firmware fails a
// command it skips the rest of the batch; those results carry an *Error of
// kind Flushed so they are not mistaken for independent failures.
//
// The returned error is a transport failure affecting the whole batch. Per
// command firmware failures are only reported in the results.
func (d *Dispatcher) ExecuteBatch(cmds []Command) ([]Result, error) {
	if len(cmds) == 0 {
		return nil, nil
	}

	reqs := make([]ring.Request, len(cmds))
	sent := make([]adminq.Message, len(cmds))
	budget := d.Budget(cmds[0])
	for i, cmd := range cmds {
		m, err := d.message(cmd)
		if err != nil {
			return nil, err
		}
		sent[i] = m
		reqs[i] = ring.Request{Message: m, Data: cmd.Buffer}
		budget = max(budget, d.Budget(cmd))
	}

	log := d.log.WithFields(logrus.Fields{"batch": len(cmds), "first": sent[0].Cookie})

	results := make([]Result, len(cmds))
	err := d.qp.Transact(func(tx *ring.Tx) error {
		slots, err := tx.SubmitBatch(reqs)
		if err != nil {
			return err
		}

		// The budget covers the whole batch: each slot gets whatever is left
		// after waiting on the ones before it.
		remaining := budget
		for i, slot := range slots {
			start := d.iterations(remaining)
			used, err := d.pollCounting(tx, slot, start)
			if err != nil {
				log.WithError(err).Warnf("Batch command %d did not complete", i)
				return err
			}
			remaining -= d.opts.PollDelay * time.Duration(used)

			rsp, err := d.complete(tx, slot, sent[i], cmds[i])
			results[i] = Result{Response: rsp, Err: err}
			if err == nil && (rsp.Status != adminq.StatusOK || rsp.Flags.Has(adminq.FlagERR)) {
				results[i].Err = newError(cmds[i].Opcode, rsp.Status)
			}
		}

		if _, err := tx.Clean(); err != nil {
			log.WithError(err).Warn("Failed to clean send queue")
		}
		return nil
	})

	return results, err
}
