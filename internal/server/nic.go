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
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/NearNodeFlash/nnf-nic/internal/controlq/pkg/ddp"
	"github.com/NearNodeFlash/nnf-nic/internal/controlq/pkg/device"
	"github.com/NearNodeFlash/nnf-nic/internal/controlq/pkg/nvm"
	"github.com/NearNodeFlash/nnf-nic/internal/history"
)

// MaxPackageSize bounds the image a client may upload.
const MaxPackageSize = 64 << 20

// Firmware is the body of the firmware endpoint.
type Firmware struct {
	Firmware string `json:"firmware"`
	API      string `json:"api"`
	Build    uint32 `json:"build"`
}

// Package is one entry of the firmware's package list.
type Package struct {
	Name         string `json:"name"`
	Version      string `json:"version"`
	Active       bool   `json:"active"`
	ActiveAtBoot bool   `json:"activeAtBoot"`
	InNVM        bool   `json:"inNvm"`
}

// LoadResult is the body answering a package upload.
type LoadResult struct {
	State string `json:"state"`
	Error string `json:"error,omitempty"`
}

type EngineState struct {
	State  string `json:"state"`
	Active string `json:"active,omitempty"`
}

type Grant struct {
	Resource string `json:"resource"`
	Access   int    `json:"access"`
	Expires  string `json:"expires"`
}

type Checksum struct {
	Valid bool   `json:"valid"`
	Error string `json:"error,omitempty"`
}

type NVMData struct {
	Module uint16 `json:"module"`
	Offset uint32 `json:"offset"`
	Data   []byte `json:"data"`
}

type EventCount struct {
	Count int `json:"count"`
}

// NICRouter serves one device. Requests are served one at a time.
type NICRouter struct {
	dev     *device.Device
	history *history.Recorder

	mu sync.Mutex
}

// NewNICRouter returns a router for dev. recorder may be nil.
func NewNICRouter(dev *device.Device, recorder *history.Recorder) *NICRouter {
	return &NICRouter{dev: dev, history: recorder}
}

func (*NICRouter) Name() string { return "NIC Controller" }

func (*NICRouter) Init() error { return nil }

func (*NICRouter) Start() error { return nil }

func (r *NICRouter) Routes() Routes {
	return Routes{
		{Name: "NICGetFirmware", Method: GET_METHOD, Path: "/nic/v1/firmware", HandlerFunc: r.serialize(r.getFirmware)},
		{Name: "NICGetPackages", Method: GET_METHOD, Path: "/nic/v1/packages", HandlerFunc: r.serialize(r.getPackages)},
		{Name: "NICLoadPackage", Method: POST_METHOD, Path: "/nic/v1/packages", HandlerFunc: r.serialize(r.loadPackage)},
		{Name: "NICGetEngine", Method: GET_METHOD, Path: "/nic/v1/packages/engine", HandlerFunc: r.serialize(r.getEngine)},
		{Name: "NICGetHistory", Method: GET_METHOD, Path: "/nic/v1/history", HandlerFunc: r.serialize(r.getHistory)},
		{Name: "NICGetSession", Method: GET_METHOD, Path: "/nic/v1/history/{id}", HandlerFunc: r.serialize(r.getSession)},
		{Name: "NICGetResources", Method: GET_METHOD, Path: "/nic/v1/resources", HandlerFunc: r.serialize(r.getResources)},
		{Name: "NICGetChecksum", Method: GET_METHOD, Path: "/nic/v1/nvm/checksum", HandlerFunc: r.serialize(r.getChecksum)},
		{Name: "NICReadNVM", Method: GET_METHOD, Path: "/nic/v1/nvm/{module}/{offset}/{length}", HandlerFunc: r.serialize(r.readNVM)},
		{Name: "NICPollEvents", Method: POST_METHOD, Path: "/nic/v1/events/poll", HandlerFunc: r.serialize(r.pollEvents)},
	}
}

func (r *NICRouter) serialize(fn http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		r.mu.Lock()
		defer r.mu.Unlock()
		fn(w, req)
	}
}

func (r *NICRouter) getFirmware(w http.ResponseWriter, _ *http.Request) {
	fw := r.dev.Firmware()
	EncodeResponse(Firmware{
		Firmware: fmt.Sprintf("%d.%d.%d", fw.FWMajor, fw.FWMinor, fw.FWPatch),
		API:      fmt.Sprintf("%d.%d.%d", fw.APIMajor, fw.APIMinor, fw.APIPatch),
		Build:    fw.FWBuild,
	}, nil, w)
}

func (r *NICRouter) getPackages(w http.ResponseWriter, _ *http.Request) {
	engine := r.dev.Packages()
	if engine == nil {
		EncodeResponse(nil, device.ErrNotOpen, w)
		return
	}

	entries, err := engine.ActivePackages()
	if err != nil {
		EncodeResponse(nil, err, w)
		return
	}

	packages := make([]Package, 0, len(entries))
	for _, e := range entries {
		packages = append(packages, Package{
			Name:         ddp.NameString(e.Info.Name),
			Version:      e.Info.Version.String(),
			Active:       e.Active != 0,
			ActiveAtBoot: e.ActiveAtBoot != 0,
			InNVM:        e.InNVM != 0,
		})
	}
	EncodeResponse(packages, nil, w)
}

func (r *NICRouter) loadPackage(w http.ResponseWriter, req *http.Request) {
	engine := r.dev.Packages()
	if engine == nil {
		EncodeResponse(nil, device.ErrNotOpen, w)
		return
	}

	image, err := io.ReadAll(io.LimitReader(req.Body, MaxPackageSize+1))
	if err != nil {
		EncodeResponse(nil, err, w)
		return
	}
	if len(image) > MaxPackageSize {
		EncodeResponse(nil, ErrBadRequest.WithCause(fmt.Errorf("package larger than %d bytes", MaxPackageSize)), w)
		return
	}

	state, err := engine.Load(req.Context(), image)
	result := LoadResult{State: state.String()}
	if err != nil {
		result.Error = err.Error()
	}
	EncodeResponse(result, err, w)
}

func (r *NICRouter) getEngine(w http.ResponseWriter, _ *http.Request) {
	engine := r.dev.Packages()
	if engine == nil {
		EncodeResponse(nil, device.ErrNotOpen, w)
		return
	}

	s := EngineState{State: engine.State().String()}
	if info, ok := engine.Active(); ok {
		s.Active = info.String()
	}
	EncodeResponse(s, nil, w)
}

func (r *NICRouter) getHistory(w http.ResponseWriter, _ *http.Request) {
	if r.history == nil {
		EncodeResponse([]history.Session{}, nil, w)
		return
	}
	EncodeResponse(r.history.Sessions(), nil, w)
}

func (r *NICRouter) getSession(w http.ResponseWriter, req *http.Request) {
	id, err := uuid.Parse(Params(req)["id"])
	if err != nil {
		EncodeResponse(nil, ErrBadRequest.WithCause(err), w)
		return
	}
	if r.history == nil {
		EncodeResponse(nil, ErrNotFound, w)
		return
	}

	s, ok := r.history.Get(id)
	if !ok {
		EncodeResponse(nil, ErrNotFound, w)
		return
	}
	EncodeResponse(s, nil, w)
}

func (r *NICRouter) getResources(w http.ResponseWriter, _ *http.Request) {
	locks := r.dev.Locks()
	if locks == nil {
		EncodeResponse(nil, device.ErrNotOpen, w)
		return
	}

	grants := []Grant{}
	for _, g := range locks.Held() {
		grants = append(grants, Grant{Resource: g.ID.String(), Access: int(g.Access), Expires: g.Expires.UTC().Format(time.RFC3339Nano)})
	}
	EncodeResponse(grants, nil, w)
}

func (r *NICRouter) getChecksum(w http.ResponseWriter, _ *http.Request) {
	flash := r.dev.Flash()
	if flash == nil {
		EncodeResponse(nil, device.ErrNotOpen, w)
		return
	}

	err := flash.VerifyChecksum()
	if err != nil && !errors.Is(err, nvm.ErrChecksum) {
		EncodeResponse(nil, err, w)
		return
	}

	c := Checksum{Valid: err == nil}
	if err != nil {
		c.Error = err.Error()
	}
	EncodeResponse(c, nil, w)
}

func (r *NICRouter) readNVM(w http.ResponseWriter, req *http.Request) {
	flash := r.dev.Flash()
	if flash == nil {
		EncodeResponse(nil, device.ErrNotOpen, w)
		return
	}

	params := Params(req)
	module, err1 := strconv.ParseUint(params["module"], 0, 16)
	offset, err2 := strconv.ParseUint(params["offset"], 0, 32)
	length, err3 := strconv.ParseUint(params["length"], 0, 16)
	for _, err := range []error{err1, err2, err3} {
		if err != nil {
			EncodeResponse(nil, ErrBadRequest.WithCause(err), w)
			return
		}
	}

	data, err := flash.Read(uint16(module), uint32(offset), int(length))
	if err != nil {
		EncodeResponse(nil, err, w)
		return
	}
	EncodeResponse(NVMData{Module: uint16(module), Offset: uint32(offset), Data: data}, nil, w)
}

func (r *NICRouter) pollEvents(w http.ResponseWriter, _ *http.Request) {
	n, err := r.dev.PollEvents()
	if err != nil {
		EncodeResponse(nil, err, w)
		return
	}
	EncodeResponse(EventCount{Count: n}, nil, w)
}
