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
	"errors"
	"fmt"

	"github.com/NearNodeFlash/nnf-nic/internal/controlq/pkg/adminq"
	"github.com/NearNodeFlash/nnf-nic/internal/controlq/pkg/ring"
)

// Transport errors never reach the firmware, or never hear back from it.
var (
	ErrTimeout        = errors.New("command timeout")
	ErrDecodeMismatch = errors.New("completion does not match command")
	ErrNotCommand     = errors.New("opcode is an event and cannot be submitted")

	ErrQueueFull      = ring.ErrQueueFull
	ErrQueueNotActive = ring.ErrQueueNotActive
	ErrBufferTooLarge = ring.ErrBufferTooLarge

	// ErrFlushed matches an *Error whose command the firmware skipped because
	// an earlier command in the same batch failed.
	ErrFlushed = errors.New("command flushed")
)

// Kind separates a command that failed on its own from one that was never
// attempted.
type Kind int

const (
	Failed Kind = iota
	Flushed
)

func (k Kind) String() string {
	if k == Flushed {
		return "flushed"
	}
	return "failed"
}

// Error is a firmware-reported failure.
type Error struct {
	Kind   Kind
	Op     adminq.Opcode
	Status adminq.Status
}

func (e *Error) Error() string {
	if e.Kind == Flushed {
		return fmt.Sprintf("%s: flushed after an earlier command failed", e.Op)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Status.Error())
}

// Unwrap exposes the firmware status, so errors.Is(err, adminq.StatusEEXIST)
// works on any dispatcher error.
func (e *Error) Unwrap() error { return e.Status }

func (e *Error) Is(target error) bool {
	return target == ErrFlushed && e.Kind == Flushed
}

func newError(op adminq.Opcode, status adminq.Status) *Error {
	if status == adminq.StatusEFLUSHED {
		return &Error{Kind: Flushed, Op: op, Status: status}
	}
	return &Error{Kind: Failed, Op: op, Status: status}
}

// IsRetryable reports whether err is worth retrying after a delay: a shared
// resource that was busy or being changed elsewhere, or a transient I/O
// failure. Nothing in this package retries on its own.
func IsRetryable(err error) bool {
	var temp interface{ Temporary() bool }
	if errors.As(err, &temp) && temp.Temporary() {
		return true
	}

	var fwErr *Error
	if !errors.As(err, &fwErr) || fwErr.Kind != Failed {
		return false
	}
	switch fwErr.Status {
	case adminq.StatusEBUSY, adminq.StatusEAGAIN, adminq.StatusEIO:
		return true
	}
	return false
}
