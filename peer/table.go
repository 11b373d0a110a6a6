/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package peer

import "net/netip"

// MaxAssociations caps the association table (NMAX in the reference);
// the engine's single goroutine walks the live set on every selection
// pass, so this also bounds that pass's cost.
const MaxAssociations = 50

// Table owns the association slots. It is not safe for concurrent use;
// the engine that owns it serializes all access on its own goroutine,
// per the single-writer design.
type Table struct {
	slots []slot
}

type slot struct {
	assoc      Association
	generation uint64
	occupied   bool
}

// NewTable returns an empty association table.
func NewTable() *Table {
	return &Table{slots: make([]slot, 0, MaxAssociations)}
}

// Mobilize creates a new association (persistent or ephemeral, per
// flags), matching mobilize() in the reference. It returns the new
// association's handle, or an error if the table is full.
func (t *Table) Mobilize(src netip.AddrPort, dst netip.Addr, version int, hostMode Mode, keyID uint32, flags Flag) (Handle, error) {
	for i := range t.slots {
		if !t.slots[i].occupied {
			return t.reuse(i, src, dst, version, hostMode, keyID, flags), nil
		}
	}
	if len(t.slots) >= MaxAssociations {
		return Handle{}, ErrTableFull
	}
	t.slots = append(t.slots, slot{})
	return t.reuse(len(t.slots)-1, src, dst, version, hostMode, keyID, flags), nil
}

func (t *Table) reuse(i int, src netip.AddrPort, dst netip.Addr, version int, hostMode Mode, keyID uint32, flags Flag) Handle {
	s := &t.slots[i]
	s.generation++
	s.occupied = true
	s.assoc = Association{}
	s.assoc.Handle = Handle{Index: i, Generation: s.generation}
	s.assoc.SrcAddr = src
	s.assoc.DstAddr = dst
	s.assoc.Version = version
	s.assoc.HostMode = hostMode
	s.assoc.KeyID = keyID
	s.assoc.Flags = flags
	s.assoc.Clear(0)
	return s.assoc.Handle
}

// Get dereferences a handle, returning ok=false if the slot is empty or
// the handle's generation is stale (its association has since been
// cleared and the slot recycled).
func (t *Table) Get(h Handle) (*Association, bool) {
	if h.Index < 0 || h.Index >= len(t.slots) {
		return nil, false
	}
	s := &t.slots[h.Index]
	if !s.occupied || s.generation != h.Generation {
		return nil, false
	}
	return &s.assoc, true
}

// Demobilize vacates the slot behind an ephemeral handle, matching
// clear()'s free(p) path. Persistent associations are reset in place by
// calling Association.Clear directly and must not be demobilized.
func (t *Table) Demobilize(h Handle) {
	if a, ok := t.Get(h); ok {
		t.slots[h.Index].occupied = false
		_ = a
	}
}

// FindAssociation implements find_assoc(): it looks for an existing
// association whose configured source address and port match the
// packet's sender. dst is not compared, for any mode: associations are
// matched by source alone. It returns ok=false ("no match", i.e. hmode assumed none) rather
// than ever returning an uninitialized or zero-value association as a
// false match, which the reference's C left ambiguous.
func (t *Table) FindAssociation(src netip.AddrPort, dst netip.Addr) (Handle, bool) {
	for i := range t.slots {
		s := &t.slots[i]
		if !s.occupied {
			continue
		}
		if s.assoc.SrcAddr == src {
			return s.assoc.Handle, true
		}
	}
	return Handle{}, false
}

// All returns the handles of every occupied slot, in table order. Used by
// the selection algorithm's chime-list construction and by the poll
// scheduler's per-tick sweep.
func (t *Table) All() []Handle {
	out := make([]Handle, 0, len(t.slots))
	for i := range t.slots {
		if t.slots[i].occupied {
			out = append(out, t.slots[i].assoc.Handle)
		}
	}
	return out
}

// ErrTableFull is returned by Mobilize when the table has reached
// MaxAssociations and no slot could be recycled.
var ErrTableFull = tableFullError{}

type tableFullError struct{}

func (tableFullError) Error() string { return "peer: association table full" }
