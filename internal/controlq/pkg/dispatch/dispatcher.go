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

// Package dispatch is the synchronous command layer over a control queue:
// submit one descriptor, busy-poll its slot for the done flag within a
// bounded budget, and translate the firmware's answer.
package dispatch

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/NearNodeFlash/nnf-nic/internal/controlq/pkg/adminq"
	"github.com/NearNodeFlash/nnf-nic/internal/controlq/pkg/ring"
)

const (
	DefaultPollDelay      = 100 * time.Microsecond
	DefaultPollIterations = 10000
)

// DefaultOverrides lengthens the completion budget of commands the firmware
// is known to take longer than a second over.
var DefaultOverrides = map[adminq.Opcode]time.Duration{
	adminq.DownloadPackageOpcode: 3 * time.Second,
	adminq.UpdatePackageOpcode:   3 * time.Second,
	adminq.NVMChecksumOpcode:     3 * time.Second,
	adminq.NVMSanitizeOpcode:     10 * time.Second,
}

// Options tune how a Dispatcher waits.
type Options struct {
	PollDelay      time.Duration
	PollIterations int

	// Overrides replaces the PollDelay × PollIterations budget for particular
	// opcodes. A nil map uses DefaultOverrides.
	Overrides map[adminq.Opcode]time.Duration

	// Delay is called between polls. It defaults to time.Sleep; tests
	// substitute a function that advances a simulated clock.
	Delay func(time.Duration)

	// Unmatched receives every receive queue event WaitForEvent drains while
	// looking for something else.
	Unmatched func(ring.Event)
}

func (o Options) withDefaults() Options {
	if o.PollDelay <= 0 {
		o.PollDelay = DefaultPollDelay
	}
	if o.PollIterations <= 0 {
		o.PollIterations = DefaultPollIterations
	}
	if o.Overrides == nil {
		o.Overrides = DefaultOverrides
	}
	if o.Delay == nil {
		o.Delay = time.Sleep
	}
	return o
}

// Command is one request to the firmware.
type Command struct {
	Opcode adminq.Opcode
	Params adminq.Params

	// Buffer is the out-of-band data. When ToDevice is set its contents are
	// sent to the firmware; otherwise it receives the response and its length
	// is the size offered to the firmware.
	Buffer   []byte
	ToDevice bool

	// Timeout overrides the dispatcher's budget for this call.
	Timeout time.Duration
}

// Response is the firmware's write-back of a completed command.
type Response struct {
	Status adminq.Status
	Flags  adminq.Flags
	Params adminq.Params
	Cookie uint64

	// Buffer is Command.Buffer trimmed to the length the firmware wrote back.
	// Indirect commands share one buffer in both directions, so a command
	// sent with ToDevice may still carry a response here.
	Buffer []byte
}

// Dispatcher issues commands on one channel. It is safe for concurrent use;
// calls are serialized by the queue's submission lock.
type Dispatcher struct {
	qp   *ring.QueuePair
	opts Options
	log  *logrus.Entry

	cookie atomic.Uint64
	last   atomic.Uint32
}

func New(qp *ring.QueuePair, opts Options, logger *logrus.Entry) *Dispatcher {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Dispatcher{
		qp:   qp,
		opts: opts.withDefaults(),
		log:  logger.WithField("channel", qp.Channel.String()),
	}
}

func (d *Dispatcher) Channel() adminq.Channel { return d.qp.Channel }

// QueuePair returns the queue the dispatcher drives.
func (d *Dispatcher) QueuePair() *ring.QueuePair { return d.qp }

// LastStatus is the firmware status of the most recently completed command.
func (d *Dispatcher) LastStatus() adminq.Status { return adminq.Status(d.last.Load()) }

// Budget returns the completion budget that applies to cmd.
func (d *Dispatcher) Budget(cmd Command) time.Duration {
	if cmd.Timeout > 0 {
		return cmd.Timeout
	}
	if t, ok := d.opts.Overrides[cmd.Opcode]; ok {
		return t
	}
	return time.Duration(d.opts.PollIterations) * d.opts.PollDelay
}

func (d *Dispatcher) iterations(budget time.Duration) int {
	n := int(budget / d.opts.PollDelay)
	if n < 1 {
		n = 1
	}
	return n
}

func (d *Dispatcher) message(cmd Command) (adminq.Message, error) {
	if cmd.Opcode.IsEvent() {
		return adminq.Message{}, fmt.Errorf("%w: %s", ErrNotCommand, cmd.Opcode)
	}

	m := adminq.Message{
		Opcode: cmd.Opcode,
		Flags:  adminq.FlagSI,
		Params: cmd.Params,
		Cookie: d.cookie.Add(1),
	}
	if cmd.Buffer != nil && cmd.ToDevice {
		m.Flags |= adminq.FlagRD
	}
	return m, nil
}

// Execute submits cmd and waits for its completion. A timeout leaves the queue
// usable: the abandoned slot is reclaimed once the firmware moves past it.
func (d *Dispatcher) Execute(cmd Command) (*Response, error) {
	m, err := d.message(cmd)
	if err != nil {
		return nil, err
	}

	log := d.log.WithFields(logrus.Fields{"opcode": cmd.Opcode.String(), "cookie": m.Cookie})

	var rsp *Response
	err = d.qp.Transact(func(tx *ring.Tx) error {
		slot, err := tx.Submit(m, cmd.Buffer)
		if err != nil {
			return err
		}

		if err := d.poll(tx, slot, d.Budget(cmd)); err != nil {
			log.WithError(err).Warnf("Command did not complete in %s", d.Budget(cmd))
			return err
		}

		rsp, err = d.complete(tx, slot, m, cmd)
		if _, cleanErr := tx.Clean(); cleanErr != nil {
			log.WithError(cleanErr).Warn("Failed to clean send queue")
		}
		return err
	})
	if err != nil {
		return rsp, err
	}

	log.Tracef("Completed with status %s", rsp.Status)

	if rsp.Status != adminq.StatusOK || rsp.Flags.Has(adminq.FlagERR) {
		return rsp, newError(cmd.Opcode, rsp.Status)
	}

	return rsp, nil
}

// poll waits for slot to be done, delaying between reads of the ring.
func (d *Dispatcher) poll(tx *ring.Tx, slot ring.Slot, budget time.Duration) error {
	_, err := d.pollCounting(tx, slot, d.iterations(budget))
	return err
}

// pollCounting reads the slot up to iterations+1 times with a delay between
// reads and returns the number of delays taken.
func (d *Dispatcher) pollCounting(tx *ring.Tx, slot ring.Slot, iterations int) (int, error) {
	for i := 0; ; i++ {
		done, err := tx.Done(slot)
		if err != nil {
			return i, err
		}
		if done {
			return i, nil
		}
		if i == iterations {
			return i, fmt.Errorf("%w: slot %d after %s", ErrTimeout, slot, time.Duration(iterations)*d.opts.PollDelay)
		}
		d.opts.Delay(d.opts.PollDelay)
	}
}

func (d *Dispatcher) complete(tx *ring.Tx, slot ring.Slot, sent adminq.Message, cmd Command) (*Response, error) {
	dst := cmd.Buffer

	m, n, err := tx.Complete(slot, dst)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecodeMismatch, err)
	}
	if m.Opcode != sent.Opcode || m.Cookie != sent.Cookie {
		return nil, fmt.Errorf("%w: sent %s cookie %#x, completed %s cookie %#x",
			ErrDecodeMismatch, sent.Opcode, sent.Cookie, m.Opcode, m.Cookie)
	}

	d.last.Store(uint32(m.Status))

	rsp := &Response{
		Status: m.Status,
		Flags:  m.Flags,
		Params: m.Params,
		Cookie: m.Cookie,
	}
	if dst != nil {
		rsp.Buffer = dst[:n]
	}
	return rsp, nil
}
