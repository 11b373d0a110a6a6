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

// Package peer implements the NTP association: the per-server state an
// engine keeps between polls, the packet processing pipeline that turns a
// received packet into a clock sample, and the eight-stage shift-register
// clock filter that turns a stream of samples into an offset/delay/
// dispersion/jitter estimate.
package peer

import (
	"net/netip"

	"github.com/ntpsync/ntpd/protocol/ntp"
)

// Tuning constants carried over from the reference algorithm (global.c).
const (
	MinDispersion  = 0.01    // MINDISP: minimum dispersion growth per stage, seconds
	MaxDispersion  = 16.0    // MAXDISP: dispersion ceiling, seconds
	MaxDistance    = 1.0     // MAXDIST: root distance a candidate must clear, seconds
	PhiPPM         = 15e-6   // PHI: frequency tolerance, 15ppm
	StageCount     = 8       // NSTAGE: clock filter shift register depth
	SpikeGate      = 3       // SGATE: popcorn spike suppressor threshold
	MinPoll        = 6       // MINPOLL: log2 seconds, 64s
	MaxPoll        = 17      // MAXPOLL: log2 seconds, ~36.4h
	BroadcastDelay = 4e-3    // BDELAY: assumed broadcast path delay, seconds
	UnreachLimit   = 12      // UNREACH: unreach count after which poll interval is backed off
	BurstCount     = 8       // BCOUNT: packets sent per burst
	MaxBeaconPoll  = 15      // BEACON: max interval between manycast beacons
	MaxTTL         = 8       // TTLMAX: max ttl for manycast expanding-ring search
	BurstInterval  = 2.0     // BTIME: seconds between burst packets
)

// Flag holds the per-association option bits carried in P_FLAGS.
type Flag uint32

// Association option flags, grounded on global.c's P_* constants.
const (
	FlagEphemeral Flag = 1 << iota // P_EPHEM: created by an incoming packet, not configured
	FlagBurst                     // P_BURST: burst on every poll
	FlagInitialBurst              // P_IBURST: burst once, at mobilization
	FlagNoTrust                    // P_NOTRUST: requires authenticated access
	FlagNoPeer                     // P_NOPEER: requires authenticated mobilization
	FlagManycast                   // P_MANY: manycast client
)

// Has reports whether f includes all bits of want.
func (f Flag) Has(want Flag) bool { return f&want == want }

// Leap, Mode and Stratum reuse the wire-format vocabulary directly; there
// is no separate internal enum, since the association's view of these
// fields is exactly what the last packet (or configuration, for the host
// side) said.
type (
	Leap    = ntp.Leap
	Mode    = ntp.Mode
	Stratum = uint8
)

// Leap indicator values, re-exported from protocol/ntp for convenience
// since every association field of this type is compared against them.
const (
	LeapNone    = ntp.LeapNone
	LeapAddSec  = ntp.LeapAddSec
	LeapDelSec  = ntp.LeapDelSec
	LeapNotSync = ntp.LeapNotSync
)

// HostModeBroadcastClient is a host's own association mode when it has
// mobilized as a broadcast client (M_BCLN in the reference). It is never
// sent on the wire — a broadcast client sends nothing — so it reuses a
// wire Mode value purely as an internal bookkeeping tag, the same way the
// dispatch matrix's row index does.
const HostModeBroadcastClient = Mode(6)

// FilterStage is one slot of the eight-stage clock filter shift register
// (struct f in the reference).
type FilterStage struct {
	Epoch   float64 // process-time this sample was taken
	Offset  float64 // clock offset estimate, seconds
	Delay   float64 // round-trip delay estimate, seconds
	Disp    float64 // dispersion, seconds
	Valid   bool
}

// Handle is a generation-counted weak reference into an association
// table. It never aliases a raw pointer, so a stale handle (one whose
// association was cleared and the slot reused) is detected instead of
// silently resolving to the wrong peer.
type Handle struct {
	Index      int
	Generation uint64
}

// IsZero reports whether h is the zero handle (no association).
func (h Handle) IsZero() bool { return h == Handle{} }

// Association is the per-server state record (struct p in the
// reference), grouped exactly as the reference groups it: identity
// (configuration-time), last-packet-derived, filter-derived, and
// scheduler state.
type Association struct {
	Handle Handle

	// Identity: set at mobilization time and never changed by a packet.
	SrcAddr netip.AddrPort
	DstAddr netip.Addr
	Version int
	HostMode Mode
	KeyID   uint32
	Flags   Flag

	// Last-packet-derived: overwritten by every accepted packet.
	PeerLeap    Leap
	PeerMode    Mode
	PeerStratum Stratum
	PeerPoll    int8
	RootDelay   float64
	RootDisp    float64
	RefID       uint32
	RefTime     ntp.Time64
	Org         ntp.Time64
	Rec         ntp.Time64
	Xmt         ntp.Time64

	// Filter-derived: produced by clock_filter from the shift register.
	// UpdateTime is the time of the last *accepted* sample (p.t in the
	// reference), committed by AcceptSample, not by UpdateFilter itself;
	// FilterTime is the time of the last shift-register update, committed
	// on every call to UpdateFilter regardless of acceptance, and exists
	// solely to age the register's per-stage dispersion correctly between
	// calls.
	UpdateTime float64
	FilterTime float64
	Filter     [StageCount]FilterStage
	Offset     float64
	Delay      float64
	Disp       float64
	Jitter     float64

	// Scheduler (poll process) state.
	HostPoll  int8
	Burst     int
	Reach     uint8
	TTL       int
	Unreach   int
	OutDate   float64
	NextDate  float64

	// Selection outcome of the most recent clock_select pass; owned by
	// the selection package but stored here so stats/cmd can read it off
	// the association without a second lookup table.
	SelectionStatus int
}

// Reachable reports whether the low bit of the reach register is set,
// i.e. the most recent poll got a reply.
func (a *Association) Reachable() bool { return a.Reach&0x01 != 0 }

// ReachCount returns the number of set bits in the reach register, used
// by fit() as the minimum-reachability test.
func (a *Association) ReachCount() int {
	n := 0
	for r := a.Reach; r != 0; r >>= 1 {
		if r&1 != 0 {
			n++
		}
	}
	return n
}

// ShiftReach shifts a new reachability bit into the register: 1 if a
// reply arrived since the last poll, 0 on timeout.
func (a *Association) ShiftReach(reached bool) {
	a.Reach <<= 1
	if reached {
		a.Reach |= 1
	}
}
