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

// Package kvstore keeps append-only ledgers in a badger database. Each key
// holds the metadata it was created with followed by the entries logged to
// it; Replay walks every key and hands its contents to the registry that
// owns the key's prefix.
package kvstore

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/dgraph-io/badger/v3"
	log "github.com/sirupsen/logrus"
)

var (
	ErrKeyExists   = errors.New("key already exists")
	ErrKeyNotFound = errors.New("key not found")
	ErrReadOnly    = errors.New("store is read only")
	ErrCorrupt     = errors.New("ledger corrupt")
)

// Registry owns every key beginning with its prefix.
type Registry interface {
	Prefix() string
	NewReplay(id string) ReplayHandler
}

// ReplayHandler receives one key's contents during Replay.
type ReplayHandler interface {
	Metadata(data []byte) error
	Entry(t uint32, data []byte) error
	Done() error
}

type Store struct {
	db       *badger.DB
	readOnly bool

	mu         sync.Mutex
	registries []Registry
}

// Open opens or creates the database at path.
func Open(path string, readOnly bool) (*Store, error) {
	return open(badger.DefaultOptions(path).WithReadOnly(readOnly), readOnly)
}

// OpenInMemory opens a database that lives only as long as the Store.
func OpenInMemory() (*Store, error) {
	return open(badger.DefaultOptions("").WithInMemory(true), false)
}

func open(opts badger.Options, readOnly bool) (*Store, error) {
	db, err := badger.Open(opts.WithLogger(log.WithField("component", "kvstore")).WithLoggingLevel(badger.WARNING))
	if err != nil {
		return nil, err
	}
	return &Store{db: db, readOnly: readOnly}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Register(registries []Registry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.registries = append(s.registries, registries...)
}

func (s *Store) MakeKey(registry Registry, id string) string {
	return registry.Prefix() + id
}

// Ledger appends entries to one key.
type Ledger struct {
	store *Store
	key   []byte
}

// NewKey creates key holding metadata and returns its ledger.
func (s *Store) NewKey(key string, metadata []byte) (*Ledger, error) {
	if s.readOnly {
		return nil, ErrReadOnly
	}

	err := s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get([]byte(key)); err == nil {
			return fmt.Errorf("%w: %s", ErrKeyExists, key)
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return txn.Set([]byte(key), appendRecord(nil, 0, metadata))
	})
	if err != nil {
		return nil, err
	}

	return &Ledger{store: s, key: []byte(key)}, nil
}

// OpenKey returns the ledger of an existing key.
func (s *Store) OpenKey(key string, readOnly bool) (*Ledger, error) {
	if !readOnly && s.readOnly {
		return nil, ErrReadOnly
	}

	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get([]byte(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("%w: %s", ErrKeyNotFound, key)
		}
		return err
	})
	if err != nil {
		return nil, err
	}

	return &Ledger{store: s, key: []byte(key)}, nil
}

// DeleteKey removes a key and everything logged to it.
func (s *Store) DeleteKey(key string) error {
	if s.readOnly {
		return ErrReadOnly
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
}

// Log appends one entry of type t.
func (l *Ledger) Log(t uint32, data []byte) error {
	if l.store.readOnly {
		return ErrReadOnly
	}

	return l.store.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(l.key)
		if err != nil {
			return err
		}
		value, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		return txn.Set(l.key, appendRecord(value, t, data))
	})
}

func (l *Ledger) Close() error { return nil }

// Each record is a type, a length and the data, all lengths little endian.
// The first record of a key is its metadata.
func appendRecord(b []byte, t uint32, data []byte) []byte {
	b = binary.LittleEndian.AppendUint32(b, t)
	b = binary.LittleEndian.AppendUint32(b, uint32(len(data)))
	return append(b, data...)
}

func records(b []byte, fn func(t uint32, data []byte) error) error {
	for len(b) != 0 {
		if len(b) < 8 {
			return fmt.Errorf("%w: %d trailing bytes", ErrCorrupt, len(b))
		}
		t, n := binary.LittleEndian.Uint32(b), int(binary.LittleEndian.Uint32(b[4:]))
		if 8+n > len(b) {
			return fmt.Errorf("%w: record of %d bytes, %d remain", ErrCorrupt, n, len(b)-8)
		}
		if err := fn(t, b[8:8+n]); err != nil {
			return err
		}
		b = b[8+n:]
	}
	return nil
}

// Replay hands every key to the registry owning its prefix. Keys no
// registry owns are skipped.
func (s *Store) Replay() error {
	s.mu.Lock()
	registries := s.registries
	s.mu.Unlock()

	return s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			key := string(item.KeyCopy(nil))

			registry := owner(registries, key)
			if registry == nil {
				log.WithField("key", key).Debug("No registry for key")
				continue
			}

			value, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}

			if err := replay(registry.NewReplay(strings.TrimPrefix(key, registry.Prefix())), value); err != nil {
				return fmt.Errorf("replay %s: %w", key, err)
			}
		}
		return nil
	})
}

// owner picks the registry with the longest prefix of key.
func owner(registries []Registry, key string) Registry {
	var best Registry
	for _, r := range registries {
		if strings.HasPrefix(key, r.Prefix()) && (best == nil || len(r.Prefix()) > len(best.Prefix())) {
			best = r
		}
	}
	return best
}

func replay(h ReplayHandler, value []byte) error {
	first := true
	err := records(value, func(t uint32, data []byte) error {
		if first {
			first = false
			return h.Metadata(data)
		}
		return h.Entry(t, data)
	})
	if err != nil {
		return err
	}
	return h.Done()
}
