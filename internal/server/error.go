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

package server

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/NearNodeFlash/nnf-nic/internal/controlq/pkg/ddp"
	"github.com/NearNodeFlash/nnf-nic/internal/controlq/pkg/device"
	"github.com/NearNodeFlash/nnf-nic/internal/controlq/pkg/dispatch"
	"github.com/NearNodeFlash/nnf-nic/internal/controlq/pkg/nvm"
	"github.com/NearNodeFlash/nnf-nic/internal/controlq/pkg/resource"
)

type ControllerError struct {
	StatusCode  int
	ErrorString string
	Cause       error
}

func NewControllerError(sc int, es string) *ControllerError {
	return &ControllerError{StatusCode: sc, ErrorString: es}
}

func (err *ControllerError) Error() string {
	if err.Cause != nil {
		return fmt.Sprintf("Error %d: %s: %s", err.StatusCode, err.ErrorString, err.Cause)
	}
	return fmt.Sprintf("Error %d: %s", err.StatusCode, err.ErrorString)
}

func (err *ControllerError) Unwrap() error { return err.Cause }

// WithCause returns a copy of err carrying cause.
func (err *ControllerError) WithCause(cause error) *ControllerError {
	e := *err
	e.Cause = cause
	return &e
}

var (
	ErrNotFound           = NewControllerError(http.StatusNotFound, "Not Found")
	ErrBadRequest         = NewControllerError(http.StatusBadRequest, "Bad Request")
	ErrConflict           = NewControllerError(http.StatusConflict, "Conflict")
	ErrServiceUnavailable = NewControllerError(http.StatusServiceUnavailable, "Service Unavailable")
	ErrGatewayTimeout     = NewControllerError(http.StatusGatewayTimeout, "Gateway Timeout")
)

// controllerError classifies a device error for the HTTP response.
func controllerError(err error) error {
	var ce *ControllerError
	var ve *ddp.ValidationError
	var unavailable *resource.Unavailable

	switch {
	case err == nil:
		return nil
	case errors.As(err, &ce):
		return err
	case errors.As(err, &ve), errors.Is(err, nvm.ErrRange):
		return ErrBadRequest.WithCause(err)
	case errors.As(err, &unavailable), errors.Is(err, resource.ErrWaitTimeout):
		return ErrServiceUnavailable.WithCause(err)
	case errors.Is(err, dispatch.ErrTimeout):
		return ErrGatewayTimeout.WithCause(err)
	case errors.Is(err, device.ErrNotOpen):
		return ErrServiceUnavailable.WithCause(err)
	}

	var failure *ddp.LoadFailure
	if errors.As(err, &failure) {
		return ErrConflict.WithCause(err)
	}
	return err
}
