// Copyright 2024 The Fmem Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package nodedb

import (
	"errors"
	"fmt"
	"io"
	"time"

	bolt "go.etcd.io/bbolt"
)

// nodesBucket holds all node records, keyed by node path.
var nodesBucket = []byte("nodes")

// ErrNoBucket indicates a database file without the nodes bucket.
var ErrNoBucket = errors.New("no nodes bucket")

// Store is a node database file.
type Store struct {
	db *bolt.DB
}

// Create opens the database at path read-write, creating it and the nodes
// bucket as needed.
func Create(path string) (*Store, error) {
	db, err := bolt.Open(path, 0644, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(nodesBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating nodes bucket in %s: %w", path, err)
	}
	return &Store{db: db}, nil
}

// Open opens the database at path read-only.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0644, &bolt.Options{ReadOnly: true, Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	return &Store{db: db}, nil
}

// Close releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Put stores the record under key.
func (s *Store) Put(key string, r *Record) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(nodesBucket)
		if b == nil {
			return ErrNoBucket
		}
		return b.Put([]byte(key), EncodeRecord(r))
	})
}

// Get returns the decoded record stored under key.
func (s *Store) Get(key string) (*Record, error) {
	var r *Record
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(nodesBucket)
		if b == nil {
			return ErrNoBucket
		}
		v := b.Get([]byte(key))
		if v == nil {
			return fmt.Errorf("no record for %q", key)
		}
		var err error
		r, err = DecodeRecord(v)
		return err
	})
	return r, err
}

// Walk calls fn for every raw record in key order. Decoding is left to the
// caller so damaged records can still be reported.
func (s *Store) Walk(fn func(key string, value []byte) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(nodesBucket)
		if b == nil {
			return ErrNoBucket
		}
		return b.ForEach(func(k, v []byte) error {
			return fn(string(k), v)
		})
	})
}

// Dump walks the database at path and prints every record to w, one
// `key: perms data` line per node followed by a `-> child` line per
// child. Records that fail to decode are reported to errw as BAD and do
// not stop the walk.
func Dump(w, errw io.Writer, path string) error {
	s, err := Open(path)
	if err != nil {
		return err
	}
	defer s.Close()
	return s.Walk(func(key string, value []byte) error {
		r, err := DecodeRecord(value)
		if err != nil {
			fmt.Fprintf(errw, "%s: BAD %v\n", key, err)
			return nil
		}
		fmt.Fprintf(w, "%s: ", key)
		for i, p := range r.Perms {
			if i > 0 {
				fmt.Fprint(w, ",")
			}
			fmt.Fprintf(w, "%c%d", p.Perm.Rune(), p.ID)
		}
		fmt.Fprintf(w, " %s\n", r.Data)
		for _, c := range r.Children {
			fmt.Fprintf(w, "\t-> %s\n", c)
		}
		return nil
	})
}
