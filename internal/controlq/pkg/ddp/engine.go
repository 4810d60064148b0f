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

package ddp

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/NearNodeFlash/nnf-nic/internal/controlq/pkg/adminq"
	"github.com/NearNodeFlash/nnf-nic/internal/controlq/pkg/dispatch"
	"github.com/NearNodeFlash/nnf-nic/internal/controlq/pkg/resource"
)

const DefaultLockBackoff = 100 * time.Millisecond

// Options configure an Engine.
type Options struct {
	// Device is this function's PCI vendor and device id, checked against
	// the package device table.
	Device DeviceID

	Versions VersionRange

	// LockBackoff is the delay between global configuration lock attempts
	// while another function is loading.
	LockBackoff time.Duration

	// LockWait bounds the whole wait for the global configuration lock. It
	// defaults to the lock's hold timeout.
	LockWait time.Duration

	// OnLoad, when set, receives a report of every load attempt.
	OnLoad func(Report)
}

// Report describes one load attempt.
type Report struct {
	Package  *Package
	State    LoadState
	Buffers  int
	Started  time.Time
	Finished time.Time
	Err      error
}

// Engine validates packages and transfers them to the firmware.
type Engine struct {
	disp  *dispatch.Dispatcher
	locks *resource.Client
	clock resource.Clock
	opts  Options
	log   *logrus.Entry

	mu     sync.Mutex
	state  State
	active *PackageInfo
}

func NewEngine(disp *dispatch.Dispatcher, locks *resource.Client, clock resource.Clock, opts Options, logger *logrus.Entry) *Engine {
	if clock == nil {
		clock = resource.SystemClock
	}
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	if opts.Versions == (VersionRange{}) {
		opts.Versions = DefaultVersionRange
	}
	if opts.LockBackoff <= 0 {
		opts.LockBackoff = DefaultLockBackoff
	}
	if opts.LockWait <= 0 {
		opts.LockWait = locks.Timeouts().GlobalConfigLock
	}
	return &Engine{
		disp:  disp,
		locks: locks,
		clock: clock,
		opts:  opts,
		log:   logger.WithField("component", "ddp"),
	}
}

// State is where the engine is in the load sequence.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Active is the package the engine last saw active, if any.
func (e *Engine) Active() (PackageInfo, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active == nil {
		return PackageInfo{}, false
	}
	return *e.active, true
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

// settle returns the engine to Active when a package is known to be running
// and NotLoaded otherwise.
func (e *Engine) settle(info *PackageInfo) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if info != nil {
		e.active = info
	}
	e.state = NotLoaded
	if e.active != nil {
		e.state = Active
	}
}

// Load validates image and downloads it under the global configuration lock.
// The returned state is always set. The error is nil exactly when the state
// Succeeded; otherwise it is a *LoadFailure wrapping the cause. A failed
// load leaves the previously active package in place.
func (e *Engine) Load(ctx context.Context, image []byte) (LoadState, error) {
	report := Report{Started: e.clock.Now()}
	state, err := e.load(ctx, image, &report)
	report.State, report.Err, report.Finished = state, err, e.clock.Now()

	log := e.log.WithField("state", state.String())
	if report.Package != nil {
		log = log.WithFields(logrus.Fields{"package": report.Package.Name, "version": report.Package.Version.String()})
	}
	switch {
	case state == CompatibleAlreadyLoaded:
		log.Warn("A compatible package of a different version is already loaded")
	case state.Succeeded():
		log.Info("Package loaded")
	default:
		log.WithError(err).Error("Package load failed")
	}

	if e.opts.OnLoad != nil {
		e.opts.OnLoad(report)
	}
	return state, err
}

func (e *Engine) fail(state LoadState, err error) (LoadState, error) {
	return state, &LoadFailure{State: state, Err: err}
}

func (e *Engine) load(ctx context.Context, image []byte, report *Report) (LoadState, error) {
	e.setState(Validating)

	pkg, err := Parse(image, e.opts.Versions)
	if err != nil {
		e.settle(nil)
		return e.fail(stateForError(err), err)
	}
	report.Package = pkg

	if !pkg.Supports(e.opts.Device) {
		e.settle(nil)
		return e.fail(FirmwareMismatch, fmt.Errorf("device %04x:%04x not in package device table",
			e.opts.Device.VendorID, e.opts.Device.DeviceID))
	}

	outcome, _, err := e.locks.Acquire(resource.GlobalConfigLock, resource.Write, 0)
	if err == nil && (outcome == resource.InProgress || outcome == resource.Busy) {
		e.log.WithField("outcome", outcome.String()).Info("Global configuration lock not granted, waiting")
		outcome, _, err = e.locks.PollGlobalConfigLock(ctx, e.opts.LockBackoff, e.opts.LockWait)
	}
	if err != nil {
		e.settle(nil)
		return e.fail(stateForError(err), err)
	}
	if outcome == resource.AlreadyDone {
		return e.alreadyLoaded(pkg)
	}
	if outcome != resource.Granted {
		e.settle(nil)
		return e.fail(Error, &resource.Unavailable{ID: resource.GlobalConfigLock, Outcome: outcome})
	}

	e.setState(Downloading)
	n, err := e.transfer(pkg)
	report.Buffers = n

	if releaseErr := e.locks.Release(resource.GlobalConfigLock); releaseErr != nil {
		e.log.WithError(releaseErr).Warn("Failed to release global configuration lock")
	}

	if errors.Is(err, adminq.StatusEEXIST) {
		return e.alreadyLoaded(pkg)
	}
	if err != nil {
		e.settle(nil)
		return e.fail(stateForError(err), err)
	}

	info := pkg.Info()
	e.settle(&info)
	return Success, nil
}

// transfer pushes every transfer buffer through the download opcode and
// returns how many the firmware accepted.
func (e *Engine) transfer(pkg *Package) (int, error) {
	bufs := pkg.TransferBuffers()
	if len(bufs) == 0 {
		return 0, &ValidationError{Err: ErrBadBuffer, Buffer: -1, Detail: "no buffers to transfer"}
	}

	for i, b := range bufs {
		if err := e.send(adminq.DownloadPackageOpcode, b.Index, b.Data, i == len(bufs)-1); err != nil {
			return i, err
		}
	}
	return len(bufs), nil
}

// send pushes one buffer. The firmware reports a rejected buffer's error
// offset and reason in the first eight bytes of the buffer it hands back.
func (e *Engine) send(op adminq.Opcode, index int, data []byte, last bool) error {
	params := adminq.PackageBuffer{}
	if last {
		params.Flags = adminq.PackageLastBuffer
	}

	buf := make([]byte, BufferSize)
	copy(buf, data)

	rsp, err := e.disp.Execute(dispatch.Command{
		Opcode:   op,
		Params:   params,
		Buffer:   buf,
		ToDevice: true,
	})

	var fwErr *dispatch.Error
	if !errors.As(err, &fwErr) || fwErr.Status == adminq.StatusEEXIST {
		return err
	}

	bufErr := &BufferError{Index: index, Status: fwErr.Status}
	if rsp != nil && len(rsp.Buffer) >= 8 {
		bufErr.Offset = binary.LittleEndian.Uint32(rsp.Buffer[0:])
		bufErr.Info = binary.LittleEndian.Uint32(rsp.Buffer[4:])
	}
	e.log.WithFields(logrus.Fields{"buffer": index, "offset": bufErr.Offset, "info": bufErr.Info}).
		Warnf("Firmware rejected buffer: %s", fwErr.Status)
	return bufErr
}

// alreadyLoaded classifies a load that found a package already active.
func (e *Engine) alreadyLoaded(pkg *Package) (LoadState, error) {
	entries, err := e.ActivePackages()
	if err != nil {
		e.settle(nil)
		return e.fail(Error, err)
	}

	for _, entry := range entries {
		if entry.Active == 0 {
			continue
		}
		info := entry.Info
		e.settle(&info)

		state := compare(info, pkg.Info())
		if state.Succeeded() {
			return state, nil
		}
		return e.fail(state, fmt.Errorf("active package %s, loading %s", info, pkg.Info()))
	}

	e.settle(nil)
	return e.fail(Error, errors.New("firmware reports a package loaded but none active"))
}

// ActivePackages asks the firmware for its package info list.
func (e *Engine) ActivePackages() ([]PackageInfoEntry, error) {
	rsp, err := e.disp.Execute(dispatch.Command{
		Opcode: adminq.GetPackageInfoListOpcode,
		Params: adminq.Generic{},
		Buffer: make([]byte, BufferSize),
	})
	if err != nil {
		return nil, err
	}
	return ParsePackageInfoList(rsp.Buffer)
}

// Update pushes builder output through the update opcode under the change
// lock, flagging the final buffer.
func (e *Engine) Update(builders ...*Builder) error {
	if len(builders) == 0 {
		return nil
	}

	return e.locks.With(resource.ChangeLock, resource.Write, func(*resource.Grant) error {
		for i, b := range builders {
			data := b.Bytes()
			if err := ValidateBuffer(data); err != nil {
				return fmt.Errorf("update buffer %d: %w", i, err)
			}
			if err := e.send(adminq.UpdatePackageOpcode, i, data, i == len(builders)-1); err != nil {
				return err
			}
		}
		return nil
	})
}
