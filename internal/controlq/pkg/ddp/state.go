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
	"errors"
	"fmt"

	"github.com/NearNodeFlash/nnf-nic/internal/controlq/pkg/adminq"
	"github.com/NearNodeFlash/nnf-nic/internal/controlq/pkg/dispatch"
)

// State is the engine's position in the load sequence.
type State int

const (
	NotLoaded State = iota
	Validating
	Downloading
	Active
)

func (s State) String() string {
	switch s {
	case NotLoaded:
		return "NotLoaded"
	case Validating:
		return "Validating"
	case Downloading:
		return "Downloading"
	case Active:
		return "Active"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// LoadState is the outcome of a package load.
type LoadState int

const (
	Success LoadState = iota
	SameVersionAlreadyLoaded
	AlreadyLoadedNotSupported
	CompatibleAlreadyLoaded
	FirmwareMismatch
	InvalidFile
	FileVersionTooHigh
	FileVersionTooLow
	FileSignatureInvalid
	FileRevisionTooLow
	LoadError
	NoSecureManifest
	ManifestInvalid
	BufferInvalid
	Error
)

var loadStateNames = [...]string{
	Success:                   "Success",
	SameVersionAlreadyLoaded:  "SameVersionAlreadyLoaded",
	AlreadyLoadedNotSupported: "AlreadyLoadedNotSupported",
	CompatibleAlreadyLoaded:   "CompatibleAlreadyLoaded",
	FirmwareMismatch:          "FirmwareMismatch",
	InvalidFile:               "InvalidFile",
	FileVersionTooHigh:        "FileVersionTooHigh",
	FileVersionTooLow:         "FileVersionTooLow",
	FileSignatureInvalid:      "FileSignatureInvalid",
	FileRevisionTooLow:        "FileRevisionTooLow",
	LoadError:                 "LoadError",
	NoSecureManifest:          "NoSecureManifest",
	ManifestInvalid:           "ManifestInvalid",
	BufferInvalid:             "BufferInvalid",
	Error:                     "Error",
}

func (s LoadState) String() string {
	if s < 0 || int(s) >= len(loadStateNames) {
		return fmt.Sprintf("LoadState(%d)", int(s))
	}
	return loadStateNames[s]
}

// Succeeded reports whether the device ends up running a usable package.
func (s LoadState) Succeeded() bool {
	return s == Success || s == SameVersionAlreadyLoaded || s == CompatibleAlreadyLoaded
}

// ParseLoadState is the inverse of LoadState.String.
func ParseLoadState(s string) (LoadState, bool) {
	for i, name := range loadStateNames {
		if name == s {
			return LoadState(i), true
		}
	}
	return Error, false
}

// BufferError is a firmware rejection of one buffer of a transfer.
type BufferError struct {
	// Index is the position of the buffer in the package's buffer table.
	Index int

	// Offset and Info are the byte offset and reason code the firmware wrote
	// back into the rejected buffer.
	Offset uint32
	Info   uint32
	Status adminq.Status
}

func (e *BufferError) Error() string {
	return fmt.Sprintf("buffer %d rejected with %s at offset %#x (info %#x)", e.Index, e.Status, e.Offset, e.Info)
}

func (e *BufferError) Unwrap() error { return e.Status }

// LoadFailure is returned by a load that did not leave a usable package.
type LoadFailure struct {
	State LoadState
	Err   error
}

func (e *LoadFailure) Error() string {
	if e.Err == nil {
		return "package load: " + e.State.String()
	}
	return fmt.Sprintf("package load: %s: %s", e.State, e.Err)
}

func (e *LoadFailure) Unwrap() error { return e.Err }

// stateForStatus maps a firmware status of a rejected download to the load
// outcome it stands for.
func stateForStatus(status adminq.Status) LoadState {
	switch status {
	case adminq.StatusENOSEC:
		return NoSecureManifest
	case adminq.StatusEBADSIG:
		return FileSignatureInvalid
	case adminq.StatusESVN:
		return FileRevisionTooLow
	case adminq.StatusEBADMAN:
		return ManifestInvalid
	case adminq.StatusEBADBUF:
		return BufferInvalid
	}
	return LoadError
}

// stateForError classifies any error a load step returned.
func stateForError(err error) LoadState {
	var ve *ValidationError
	if errors.As(err, &ve) {
		switch {
		case errors.Is(err, ErrVersionTooHigh):
			return FileVersionTooHigh
		case errors.Is(err, ErrVersionTooLow):
			return FileVersionTooLow
		}
		return InvalidFile
	}

	var bufErr *BufferError
	if errors.As(err, &bufErr) {
		return stateForStatus(bufErr.Status)
	}

	var fwErr *dispatch.Error
	if errors.As(err, &fwErr) {
		return stateForStatus(fwErr.Status)
	}

	return Error
}

// compare decides how an already loaded package relates to the one being
// loaded.
func compare(active, candidate PackageInfo) LoadState {
	switch {
	case active.Version == candidate.Version && active.Name == candidate.Name:
		return SameVersionAlreadyLoaded
	case active.Version.CompareMajorMinor(candidate.Version) == 0:
		return CompatibleAlreadyLoaded
	}
	return AlreadyLoadedNotSupported
}
