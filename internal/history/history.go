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

// Package history keeps a persistent record of every package load attempt,
// including a CRC-8 digest of each buffer the firmware accepted.
package history

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sigurn/crc8"
	"github.com/sirupsen/logrus"

	"github.com/NearNodeFlash/nnf-nic/internal/controlq/pkg/ddp"
	"github.com/NearNodeFlash/nnf-nic/internal/kvstore"
)

const registryPrefix = "LD"

const (
	bufferEntryType uint32 = 1
	resultEntryType uint32 = 2
)

var crcTable = crc8.MakeTable(crc8.CRC8)

// Buffer is the digest of one transferred buffer.
type Buffer struct {
	Index int   `json:"index"`
	CRC   uint8 `json:"crc"`
}

// Session is one load attempt.
type Session struct {
	ID       uuid.UUID `json:"id"`
	Package  string    `json:"package,omitempty"`
	Version  string    `json:"version,omitempty"`
	Started  time.Time `json:"started"`
	Buffers  []Buffer  `json:"buffers"`
	State    string    `json:"state,omitempty"`
	Error    string    `json:"error,omitempty"`
	Finished time.Time `json:"finished"`
}

type sessionMetadata struct {
	Package string    `json:"package,omitempty"`
	Version string    `json:"version,omitempty"`
	Started time.Time `json:"started"`
}

type sessionResult struct {
	State    string    `json:"state"`
	Error    string    `json:"error,omitempty"`
	Finished time.Time `json:"finished"`
}

// Recorder writes sessions to a store and serves the ones it has seen.
type Recorder struct {
	store *kvstore.Store
	log   *logrus.Entry

	mu       sync.Mutex
	sessions []Session
}

// New registers a recorder with store and replays the sessions already in
// it.
func New(store *kvstore.Store, logger *logrus.Entry) (*Recorder, error) {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	r := &Recorder{store: store, log: logger.WithField("component", "history")}

	store.Register([]kvstore.Registry{r})
	if err := store.Replay(); err != nil {
		return nil, err
	}
	slices.SortFunc(r.sessions, func(a, b Session) int { return a.Started.Compare(b.Started) })
	return r, nil
}

// Record stores report as a new session.
func (r *Recorder) Record(report ddp.Report) (Session, error) {
	s := Session{ID: uuid.New(), Started: report.Started, Finished: report.Finished, State: report.State.String(), Buffers: []Buffer{}}
	if report.Err != nil {
		s.Error = report.Err.Error()
	}
	if pkg := report.Package; pkg != nil {
		s.Package, s.Version = pkg.Name, pkg.Version.String()
		for _, b := range pkg.TransferBuffers()[:report.Buffers] {
			s.Buffers = append(s.Buffers, Buffer{Index: b.Index, CRC: crc8.Checksum(b.Data, crcTable)})
		}
	}

	metadata, err := json.Marshal(sessionMetadata{Package: s.Package, Version: s.Version, Started: s.Started})
	if err != nil {
		return s, err
	}
	ledger, err := r.store.NewKey(r.store.MakeKey(r, s.ID.String()), metadata)
	if err != nil {
		return s, err
	}
	defer ledger.Close()

	for _, b := range s.Buffers {
		entry := binary.LittleEndian.AppendUint32(nil, uint32(b.Index))
		if err := ledger.Log(bufferEntryType, append(entry, b.CRC)); err != nil {
			return s, err
		}
	}

	result, err := json.Marshal(sessionResult{State: s.State, Error: s.Error, Finished: s.Finished})
	if err != nil {
		return s, err
	}
	if err := ledger.Log(resultEntryType, result); err != nil {
		return s, err
	}

	r.mu.Lock()
	r.sessions = append(r.sessions, s)
	r.mu.Unlock()

	r.log.WithFields(logrus.Fields{"session": s.ID, "state": s.State}).Debug("Recorded load")
	return s, nil
}

// OnLoad records report, logging rather than returning a failure. It fits
// ddp.Options.OnLoad.
func (r *Recorder) OnLoad(report ddp.Report) {
	if _, err := r.Record(report); err != nil {
		r.log.WithError(err).Error("Failed to record package load")
	}
}

// Sessions returns every recorded session, oldest first.
func (r *Recorder) Sessions() []Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.sessions)
}

// Get returns the session with the given id.
func (r *Recorder) Get(id uuid.UUID) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.sessions {
		if s.ID == id {
			return s, true
		}
	}
	return Session{}, false
}

func (*Recorder) Prefix() string { return registryPrefix }

func (r *Recorder) NewReplay(id string) kvstore.ReplayHandler {
	return &sessionReplay{recorder: r, id: id}
}

type sessionReplay struct {
	recorder *Recorder
	id       string
	session  Session
}

func (rh *sessionReplay) Metadata(data []byte) error {
	id, err := uuid.Parse(rh.id)
	if err != nil {
		return err
	}

	var m sessionMetadata
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	rh.session = Session{ID: id, Package: m.Package, Version: m.Version, Started: m.Started, Buffers: []Buffer{}}
	return nil
}

func (rh *sessionReplay) Entry(t uint32, data []byte) error {
	switch t {
	case bufferEntryType:
		if len(data) != 5 {
			return fmt.Errorf("buffer entry of %d bytes", len(data))
		}
		rh.session.Buffers = append(rh.session.Buffers, Buffer{Index: int(binary.LittleEndian.Uint32(data)), CRC: data[4]})
	case resultEntryType:
		var res sessionResult
		if err := json.Unmarshal(data, &res); err != nil {
			return err
		}
		rh.session.State, rh.session.Error, rh.session.Finished = res.State, res.Error, res.Finished
	default:
		return fmt.Errorf("unknown entry type %d", t)
	}
	return nil
}

func (rh *sessionReplay) Done() error {
	rh.recorder.mu.Lock()
	defer rh.recorder.mu.Unlock()
	rh.recorder.sessions = append(rh.recorder.sessions, rh.session)
	return nil
}
