// Copyright 2019 The klaytn Authors
// This file is part of the klaytn library.
//
// The klaytn library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The klaytn library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the klaytn library. If not, see <http://www.gnu.org/licenses/>.

package p2p

import (
	"bytes"
	"encoding/gob"

	"github.com/pkg/errors"
	"github.com/syndtr/goleveldb/leveldb"
)

// levelDBBanStore is the reference BanStore implementation: hard bans are
// small and append-mostly, so a single leveldb table keyed by BanId.key()
// is enough. This mirrors the wider codebase's use of goleveldb as its
// embedded key/value store (storage/database/leveldb_database.go), reused
// here for the one piece of the networking core spec.md requires to
// persist (§6, "Hard bans are persisted via a collaborator BanStore").
type levelDBBanStore struct {
	db *leveldb.DB
}

// NewLevelDBBanStore opens (or creates) a ban store at path.
func NewLevelDBBanStore(path string) (BanStore, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, errors.Wrap(err, "opening ban store")
	}
	return &levelDBBanStore{db: db}, nil
}

type gobBanId struct {
	Kind BanKind
	Id   NodeId
	IP   []byte
	Port uint16
}

func toGob(b BanId) gobBanId {
	return gobBanId{Kind: b.Kind, Id: b.Id, IP: []byte(b.IP), Port: b.Port}
}

func fromGob(g gobBanId) BanId {
	return BanId{Kind: g.Kind, Id: g.Id, IP: g.IP, Port: g.Port}
}

func (s *levelDBBanStore) Load() ([]BanId, error) {
	iter := s.db.NewIterator(nil, nil)
	defer iter.Release()

	var out []BanId
	for iter.Next() {
		var g gobBanId
		dec := gob.NewDecoder(bytes.NewReader(iter.Value()))
		if err := dec.Decode(&g); err != nil {
			return nil, errors.Wrap(err, "decoding persisted ban")
		}
		out = append(out, fromGob(g))
	}
	return out, iter.Error()
}

func (s *levelDBBanStore) Insert(b BanId) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(toGob(b)); err != nil {
		return errors.Wrap(err, "encoding ban")
	}
	return s.db.Put([]byte(b.key()), buf.Bytes(), nil)
}

func (s *levelDBBanStore) Delete(b BanId) error {
	return s.db.Delete([]byte(b.key()), nil)
}

// memoryBanStore is an in-process BanStore used by tests and by nodes run
// without a persistence path configured.
type memoryBanStore struct {
	bans map[string]BanId
}

func NewMemoryBanStore() BanStore {
	return &memoryBanStore{bans: make(map[string]BanId)}
}

func (s *memoryBanStore) Load() ([]BanId, error) {
	out := make([]BanId, 0, len(s.bans))
	for _, b := range s.bans {
		out = append(out, b)
	}
	return out, nil
}

func (s *memoryBanStore) Insert(b BanId) error {
	s.bans[b.key()] = b
	return nil
}

func (s *memoryBanStore) Delete(b BanId) error {
	delete(s.bans, b.key())
	return nil
}
