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

// Package nodedb reads and writes the node database: a key/value store
// whose values are node records carrying per-domain permissions, a data
// payload, and the names of child nodes.
//
// The record layout is a {num_perms, data_length, child_length} header of
// little-endian uint32s, followed by the permission entries, the data
// bytes, and the NUL-terminated child names.
package nodedb

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
)

// Perm is a node permission for one domain.
type Perm uint32

const (
	// PermNone grants nothing.
	PermNone Perm = 0

	// PermRead grants read access.
	PermRead Perm = 1 << 0

	// PermWrite grants write access.
	PermWrite Perm = 1 << 1
)

// Rune returns the single-character rendering of p: 'r', 'w', 'b' for
// read+write, '-' for none, and '?' for anything unrecognized.
func (p Perm) Rune() byte {
	switch p {
	case PermRead:
		return 'r'
	case PermWrite:
		return 'w'
	case PermNone:
		return '-'
	case PermRead | PermWrite:
		return 'b'
	default:
		return '?'
	}
}

// PermEntry grants Perm to the domain identified by ID.
type PermEntry struct {
	ID   uint32
	Perm Perm
}

// Record is one decoded node record.
type Record struct {
	Perms    []PermEntry
	Data     []byte
	Children []string
}

// recordHdrLen is the encoded header size: three uint32s.
const recordHdrLen = 12

// permEntryLen is the encoded size of one PermEntry: id then perm.
const permEntryLen = 8

var (
	// ErrTruncated indicates a value too short to hold its own header.
	ErrTruncated = errors.New("truncated")

	// ErrBadLength indicates a value whose length disagrees with the
	// total its header implies.
	ErrBadLength = errors.New("length")
)

// EncodeRecord encodes r into the on-disk layout.
func EncodeRecord(r *Record) []byte {
	childLen := 0
	for _, c := range r.Children {
		childLen += len(c) + 1
	}
	b := make([]byte, 0, recordHdrLen+permEntryLen*len(r.Perms)+len(r.Data)+childLen)
	b = binary.LittleEndian.AppendUint32(b, uint32(len(r.Perms)))
	b = binary.LittleEndian.AppendUint32(b, uint32(len(r.Data)))
	b = binary.LittleEndian.AppendUint32(b, uint32(childLen))
	for _, p := range r.Perms {
		b = binary.LittleEndian.AppendUint32(b, p.ID)
		b = binary.LittleEndian.AppendUint32(b, uint32(p.Perm))
	}
	b = append(b, r.Data...)
	for _, c := range r.Children {
		b = append(b, c...)
		b = append(b, 0)
	}
	return b
}

// DecodeRecord decodes one value. It fails with ErrTruncated when the
// value cannot hold a header and with ErrBadLength when the header's
// totals disagree with the value length.
func DecodeRecord(b []byte) (*Record, error) {
	if len(b) < recordHdrLen {
		return nil, fmt.Errorf("%w (%d bytes)", ErrTruncated, len(b))
	}
	numPerms := binary.LittleEndian.Uint32(b[0:4])
	dataLen := binary.LittleEndian.Uint32(b[4:8])
	childLen := binary.LittleEndian.Uint32(b[8:12])
	total := uint64(recordHdrLen) + uint64(numPerms)*permEntryLen + uint64(dataLen) + uint64(childLen)
	if uint64(len(b)) != total {
		return nil, fmt.Errorf("%w %d for %d/%d/%d (%d)", ErrBadLength, len(b), numPerms, dataLen, childLen, total)
	}

	r := &Record{}
	off := uint64(recordHdrLen)
	for i := uint32(0); i < numPerms; i++ {
		r.Perms = append(r.Perms, PermEntry{
			ID:   binary.LittleEndian.Uint32(b[off : off+4]),
			Perm: Perm(binary.LittleEndian.Uint32(b[off+4 : off+8])),
		})
		off += permEntryLen
	}
	r.Data = append([]byte(nil), b[off:off+uint64(dataLen)]...)
	off += uint64(dataLen)
	for _, name := range strings.Split(string(b[off:off+uint64(childLen)]), "\x00") {
		if name != "" {
			r.Children = append(r.Children, name)
		}
	}
	return r, nil
}
