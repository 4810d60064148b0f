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

// Package resource arbitrates device resources shared by every physical
// function on the card. The firmware is the arbiter; this client only asks,
// and remembers what it holds so it can give everything back.
package resource

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/NearNodeFlash/nnf-nic/internal/controlq/pkg/adminq"
	"github.com/NearNodeFlash/nnf-nic/internal/controlq/pkg/dispatch"
)

type ID uint16

const (
	NVM              ID = 1
	SharedPin        ID = 2
	ChangeLock       ID = 3
	GlobalConfigLock ID = 4
)

func (id ID) String() string {
	switch id {
	case NVM:
		return "nvm"
	case SharedPin:
		return "shared-pin"
	case ChangeLock:
		return "change-lock"
	case GlobalConfigLock:
		return "global-config-lock"
	}
	return fmt.Sprintf("resource(%d)", uint16(id))
}

type Access uint16

const (
	Read  Access = 1
	Write Access = 2
)

func (a Access) String() string {
	if a == Write {
		return "write"
	}
	return "read"
}

// Outcome is the firmware's answer to a request.
type Outcome int

const (
	Granted Outcome = iota

	// Busy means another function holds the resource.
	Busy

	// InProgress means another function holds the global configuration lock
	// and is changing the configuration; keep polling.
	InProgress

	// AlreadyDone means another function held the global configuration lock
	// and finished; whatever it was doing need not be repeated.
	AlreadyDone
)

func (o Outcome) String() string {
	switch o {
	case Granted:
		return "granted"
	case Busy:
		return "busy"
	case InProgress:
		return "in-progress"
	case AlreadyDone:
		return "already-done"
	}
	return fmt.Sprintf("Outcome(%d)", int(o))
}

// Timeouts is how long the firmware lets this function hold each resource.
type Timeouts struct {
	NVMRead          time.Duration
	NVMWrite         time.Duration
	ChangeLock       time.Duration
	GlobalConfigLock time.Duration
	SharedPin        time.Duration
}

var DefaultTimeouts = Timeouts{
	NVMRead:          3 * time.Second,
	NVMWrite:         180 * time.Second,
	ChangeLock:       1 * time.Second,
	GlobalConfigLock: 3 * time.Second,
	SharedPin:        1 * time.Second,
}

// For returns the hold timeout of a resource and access.
func (t Timeouts) For(id ID, access Access) time.Duration {
	switch id {
	case NVM:
		if access == Write {
			return t.NVMWrite
		}
		return t.NVMRead
	case ChangeLock:
		return t.ChangeLock
	case GlobalConfigLock:
		return t.GlobalConfigLock
	case SharedPin:
		return t.SharedPin
	}
	return t.NVMRead
}

func (t Timeouts) withDefaults() Timeouts {
	fill := func(v *time.Duration, d time.Duration) {
		if *v <= 0 {
			*v = d
		}
	}
	fill(&t.NVMRead, DefaultTimeouts.NVMRead)
	fill(&t.NVMWrite, DefaultTimeouts.NVMWrite)
	fill(&t.ChangeLock, DefaultTimeouts.ChangeLock)
	fill(&t.GlobalConfigLock, DefaultTimeouts.GlobalConfigLock)
	fill(&t.SharedPin, DefaultTimeouts.SharedPin)
	return t
}

// Grant is a held resource.
type Grant struct {
	ID     ID
	Access Access
	Number uint32

	// Timeout is the hold time the firmware granted, after which it may hand
	// the resource to someone else.
	Timeout time.Duration
	Expires time.Time
}

var (
	ErrNotHeld     = errors.New("resource not held")
	ErrWaitTimeout = errors.New("timed out waiting for resource")
)

// Unavailable is returned by With and Poll when the resource was not granted.
type Unavailable struct {
	ID      ID
	Outcome Outcome
}

func (e *Unavailable) Error() string {
	return fmt.Sprintf("%s unavailable: %s", e.ID, e.Outcome)
}

// Temporary reports whether asking again later may succeed.
func (e *Unavailable) Temporary() bool {
	return e.Outcome == Busy || e.Outcome == InProgress
}

// Clock is the source of time for polling loops.
type Clock interface {
	Now() time.Time
	Sleep(time.Duration)
}

type systemClock struct{}

func (systemClock) Now() time.Time        { return time.Now() }
func (systemClock) Sleep(d time.Duration) { time.Sleep(d) }

var SystemClock Clock = systemClock{}

// Client requests and releases resources on behalf of one function.
type Client struct {
	disp     *dispatch.Dispatcher
	timeouts Timeouts
	clock    Clock
	log      *logrus.Entry

	mu   sync.Mutex
	held map[ID]Grant
}

func New(disp *dispatch.Dispatcher, timeouts Timeouts, clock Clock, logger *logrus.Entry) *Client {
	if clock == nil {
		clock = SystemClock
	}
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Client{
		disp:     disp,
		timeouts: timeouts.withDefaults(),
		clock:    clock,
		log:      logger.WithField("component", "resource"),
		held:     map[ID]Grant{},
	}
}

func (c *Client) Timeouts() Timeouts { return c.timeouts }

// Acquire asks the firmware for a resource once. Busy, InProgress and
// AlreadyDone are answers, not errors; the error is reserved for requests
// the firmware could not answer or refused for another reason. A zero
// timeout uses the resource's default.
func (c *Client) Acquire(id ID, access Access, timeout time.Duration) (Outcome, *Grant, error) {
	if timeout <= 0 {
		timeout = c.timeouts.For(id, access)
	}

	log := c.log.WithFields(logrus.Fields{"resource": id.String(), "access": access.String()})

	req := adminq.ResourceRequest{
		ResourceID: uint16(id),
		AccessType: uint16(access),
		Timeout:    uint32(timeout / time.Millisecond),
	}
	rsp, err := c.disp.Execute(dispatch.Command{Opcode: adminq.RequestResourceOpcode, Params: req})
	if err != nil {
		if errors.Is(err, adminq.StatusEBUSY) {
			log.Debug("Resource busy")
			return Busy, nil, nil
		}
		return Busy, nil, fmt.Errorf("request %s: %w", id, err)
	}

	answer, _ := rsp.Params.(adminq.ResourceRequest)

	if id == GlobalConfigLock {
		switch answer.Status {
		case adminq.GlobalLockInProgress:
			log.Debug("Global configuration in progress elsewhere")
			return InProgress, nil, nil
		case adminq.GlobalLockDone:
			log.Debug("Global configuration already done elsewhere")
			return AlreadyDone, nil, nil
		}
	}

	g := Grant{
		ID:      id,
		Access:  access,
		Number:  answer.ResourceNumber,
		Timeout: time.Duration(answer.Timeout) * time.Millisecond,
	}
	if g.Timeout == 0 {
		g.Timeout = timeout
	}
	g.Expires = c.clock.Now().Add(g.Timeout)

	c.mu.Lock()
	c.held[id] = g
	c.mu.Unlock()

	log.WithField("timeout", g.Timeout).Debug("Resource granted")
	return Granted, &g, nil
}

// Release gives a resource back. Releasing something this client does not
// hold is an error but still asks the firmware, which decides.
func (c *Client) Release(id ID) error {
	c.mu.Lock()
	g, ok := c.held[id]
	delete(c.held, id)
	c.mu.Unlock()

	req := adminq.ResourceRequest{ResourceID: uint16(id), ResourceNumber: g.Number}
	if _, err := c.disp.Execute(dispatch.Command{Opcode: adminq.ReleaseResourceOpcode, Params: req}); err != nil {
		return fmt.Errorf("release %s: %w", id, err)
	}

	c.log.WithField("resource", id.String()).Debug("Resource released")
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotHeld, id)
	}
	return nil
}

// Held returns the grants this client believes it holds.
func (c *Client) Held() []Grant {
	c.mu.Lock()
	defer c.mu.Unlock()
	grants := make([]Grant, 0, len(c.held))
	for _, g := range c.held {
		grants = append(grants, g)
	}
	return grants
}

// ReleaseAll releases every held resource, returning the joined errors.
func (c *Client) ReleaseAll() error {
	var errs []error
	for _, g := range c.Held() {
		if err := c.Release(g.ID); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Poll asks for a resource until it is granted, the global configuration
// lock reports AlreadyDone, ctx ends, or timeout elapses, sleeping backoff
// between attempts.
func (c *Client) Poll(ctx context.Context, id ID, access Access, backoff, timeout time.Duration) (Outcome, *Grant, error) {
	deadline := c.clock.Now().Add(timeout)
	for {
		outcome, g, err := c.Acquire(id, access, 0)
		if err != nil || outcome == Granted || outcome == AlreadyDone {
			return outcome, g, err
		}

		if err := ctx.Err(); err != nil {
			return outcome, nil, err
		}
		if !c.clock.Now().Add(backoff).Before(deadline) {
			return outcome, nil, fmt.Errorf("%w: %s after %s: %w", ErrWaitTimeout, id, timeout, &Unavailable{ID: id, Outcome: outcome})
		}
		c.clock.Sleep(backoff)
	}
}

// PollGlobalConfigLock is the polling loop the global configuration lock
// requires: the firmware does not announce that a holder finished.
func (c *Client) PollGlobalConfigLock(ctx context.Context, backoff, timeout time.Duration) (Outcome, *Grant, error) {
	return c.Poll(ctx, GlobalConfigLock, Write, backoff, timeout)
}

// With acquires a resource, runs fn, and releases it whatever fn returns.
// A resource that is not granted yields an *Unavailable.
func (c *Client) With(id ID, access Access, fn func(*Grant) error) (err error) {
	outcome, g, err := c.Acquire(id, access, 0)
	if err != nil {
		return err
	}
	if outcome != Granted {
		return &Unavailable{ID: id, Outcome: outcome}
	}

	defer func() {
		if releaseErr := c.Release(id); releaseErr != nil {
			err = errors.Join(err, releaseErr)
		}
	}()

	return fn(g)
}
