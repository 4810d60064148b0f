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

package adminq

import "fmt"

// Status is the firmware return code written back into a descriptor's RetVal
// field. A Status other than StatusOK is also an error value, so callers may
// use errors.Is(err, adminq.StatusEBUSY).
type Status uint16

const (
	StatusOK       Status = 0
	StatusEPERM    Status = 1  // Operation not permitted
	StatusENOENT   Status = 2  // No such element
	StatusESRCH    Status = 3  // Bad opcode
	StatusEIO      Status = 5  // I/O error
	StatusENXIO    Status = 6  // No such resource
	StatusE2BIG    Status = 7  // Argument too long
	StatusEAGAIN   Status = 8  // Try again
	StatusENOMEM   Status = 9  // Out of memory
	StatusEACCES   Status = 10 // Permission denied
	StatusEFAULT   Status = 11 // Bad address
	StatusEBUSY    Status = 12 // Device or resource busy
	StatusEEXIST   Status = 13 // Object already exists
	StatusEINVAL   Status = 14 // Invalid argument
	StatusENOTTY   Status = 15 // Not a valid operation
	StatusENOSPC   Status = 16 // No space left or allocation failure
	StatusENOSYS   Status = 17 // Function not implemented
	StatusERANGE   Status = 18 // Parameter out of range
	StatusEFLUSHED Status = 19 // Command flushed because a prior command failed
	StatusBADADDR  Status = 20 // Descriptor contains a bad pointer
	StatusEMODE    Status = 21 // Operation not allowed in current device mode
	StatusENOSEC   Status = 24 // Missing security manifest
	StatusEBADSIG  Status = 25 // Bad RSA signature
	StatusESVN     Status = 26 // SVN number prohibits this package
	StatusEBADMAN  Status = 27 // Manifest hash mismatch
	StatusEBADBUF  Status = 28 // Buffer hash mismatches manifest
)

var statusNames = map[Status]string{
	StatusOK:       "OK",
	StatusEPERM:    "EPERM",
	StatusENOENT:   "ENOENT",
	StatusESRCH:    "ESRCH",
	StatusEIO:      "EIO",
	StatusENXIO:    "ENXIO",
	StatusE2BIG:    "E2BIG",
	StatusEAGAIN:   "EAGAIN",
	StatusENOMEM:   "ENOMEM",
	StatusEACCES:   "EACCES",
	StatusEFAULT:   "EFAULT",
	StatusEBUSY:    "EBUSY",
	StatusEEXIST:   "EEXIST",
	StatusEINVAL:   "EINVAL",
	StatusENOTTY:   "ENOTTY",
	StatusENOSPC:   "ENOSPC",
	StatusENOSYS:   "ENOSYS",
	StatusERANGE:   "ERANGE",
	StatusEFLUSHED: "EFLUSHED",
	StatusBADADDR:  "BAD_ADDR",
	StatusEMODE:    "EMODE",
	StatusENOSEC:   "ENOSEC",
	StatusEBADSIG:  "EBADSIG",
	StatusESVN:     "ESVN",
	StatusEBADMAN:  "EBADMAN",
	StatusEBADBUF:  "EBADBUF",
}

// Known reports whether s is part of the firmware status enumeration.
func (s Status) Known() bool {
	_, ok := statusNames[s]
	return ok
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("Status(%d)", uint16(s))
}

func (s Status) Error() string {
	return fmt.Sprintf("firmware status %s", s.String())
}
