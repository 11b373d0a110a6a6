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

import (
	"math"
	"sort"
)

// UpdateFilter shifts a new (offset, delay, disp) sample into the
// eight-stage clock filter and recomputes the association's offset,
// delay, dispersion, and jitter from the sorted contents of the
// register. It returns the offset and accepted-sample time the
// association held immediately before this call, so the caller can run
// AcceptSample's staleness/popcorn checks against pre-update state:
// UpdateFilter always commits the new filter contents, but a.UpdateTime
// itself is only advanced by AcceptSample once it decides to accept the
// result, matching the reference's clock_filter() where p->t isn't
// written until after both checks pass.
//
// The shift direction is the inverse of the naive reading of the
// reference's "for i := 1; i < NSTAGE; i++ { f[i] = f[i-1] }" loop: that
// loop, run with i increasing, first copies f[0] into f[1] and then copies
// that same value on into f[2], f[3] and so on, so a literal top-down
// translation would propagate the newest sample into every slot in one
// call. The loop must run so each slot picks up the
// value its *predecessor held before this update*, i.e. walk the register
// from the oldest slot toward the newest so every write happens before
// its source is overwritten.
func (a *Association) UpdateFilter(now, offset, delay, disp float64) (prevOffset, prevUpdateTime float64) {
	prevOffset = a.Offset
	prevUpdateTime = a.UpdateTime

	for i := StageCount - 1; i > 0; i-- {
		a.Filter[i] = a.Filter[i-1]
		a.Filter[i].Disp += PhiPPM * (now - a.FilterTime)
	}
	a.Filter[0] = FilterStage{
		Epoch:  now,
		Offset: offset,
		Delay:  delay,
		Disp:   disp,
		Valid:  true,
	}

	sorted := a.Filter
	sort.SliceStable(sorted[:], func(i, j int) bool {
		if sorted[i].Valid != sorted[j].Valid {
			return sorted[i].Valid // empty stages sort after every real sample
		}
		return sorted[i].Delay < sorted[j].Delay
	})

	a.Offset = sorted[0].Offset
	a.Delay = sorted[0].Delay

	disp = 0
	jitter := 0.0
	for i, stage := range sorted {
		// disp/(2^(i+1)): a true power of two, not the exponent-looking
		// but bitwise-XOR "^" the reference's source uses by mistake.
		disp += stage.Disp / math.Pow(2, float64(i+1))
		jitter += (stage.Offset - sorted[0].Offset) * (stage.Offset - sorted[0].Offset)
	}
	a.Disp = disp
	a.Jitter = math.Max(math.Sqrt(jitter), minJitterFloor)

	a.FilterTime = now

	return prevOffset, prevUpdateTime
}

// minJitterFloor stands in for LOG2D(s.precision): the system precision
// sets a jitter floor so a quiet, low-noise path never reports implausibly
// tiny jitter. The engine overwrites this via SetJitterFloor once the
// system precision is known; it defaults to a millisecond, matching a
// typical software clock's precision exponent of about -10.
var minJitterFloor = 1.0 / 1024

// SetJitterFloor lets the engine propagate its measured system precision
// (LOG2D(s.precision)) into the filter's jitter floor.
func SetJitterFloor(seconds float64) { minJitterFloor = seconds }

// AcceptSample applies the "use a sample only once, never one older than
// the last" rule and the popcorn spike suppressor, deciding whether the
// just-filtered sample should propagate to the association's t and
// trigger a new selection round. prevOffset and prevUpdateTime are the
// values UpdateFilter returned, i.e. the association's state immediately
// before the filter update being evaluated; both checks must run against
// that pre-update state, not against a.Offset/a.UpdateTime, which
// UpdateFilter has already overwritten by the time this is called. synced
// reports whether the system has ever been synchronized (leap !=
// NOSYNC); sysPollSeconds is the system poll interval in seconds.
//
// a.UpdateTime itself is only ever advanced here, on acceptance — never
// by UpdateFilter — so a rejected sample leaves the staleness baseline
// unchanged for the next call.
func (a *Association) AcceptSample(prevOffset, prevUpdateTime, sysPollSeconds float64, synced bool) (accept bool) {
	if a.Filter[0].Epoch-prevUpdateTime <= 0 && synced {
		return false
	}
	if math.Abs(a.Offset-prevOffset) > SpikeGate*a.Jitter && (a.Filter[0].Epoch-prevUpdateTime) < 2*sysPollSeconds {
		return false
	}
	a.UpdateTime = a.Filter[0].Epoch
	return true
}

// RootDistance is the root synchronization distance: half the total
// delay plus total dispersion plus peer jitter, per root_dist() in the
// reference.
func (a *Association) RootDistance(now float64) float64 {
	return math.Max(MinDispersion, a.RootDelay+a.Delay)/2 +
		a.RootDisp + a.Disp + PhiPPM*(now-a.UpdateTime) + a.Jitter
}

// Fit reports whether the association currently passes the sanity tests
// required before it may enter the selection algorithm: has been
// synchronized at least once, has a sane stratum, is within the distance
// threshold, and is reachable.
func (a *Association) Fit(now, sysPollSeconds float64) bool {
	if a.PeerLeap == leapNoSync || a.PeerStratum >= maxStratumValue {
		return false
	}
	if a.RootDistance(now) > MaxDistance+PhiPPM*sysPollSeconds {
		return false
	}
	if a.Reach == 0 {
		return false
	}
	return true
}

const (
	leapNoSync      = Leap(3) // NOSYNC
	maxStratumValue = 16      // MAXSTRAT
)

// Clear reinitializes a persistent association (or fully vacates an
// ephemeral one, which the table handles by recycling the slot) after a
// kiss code such as a step, stale timeout, or crypto failure. refID
// records the reason in the association's RefID field, matching the
// reference's use of the kiss code as the interim reference ID.
func (a *Association) Clear(refID uint32) {
	handle := a.Handle
	srcAddr, dstAddr, version, hostMode, keyID, flags := a.SrcAddr, a.DstAddr, a.Version, a.HostMode, a.KeyID, a.Flags

	*a = Association{
		Handle:   handle,
		SrcAddr:  srcAddr,
		DstAddr:  dstAddr,
		Version:  version,
		HostMode: hostMode,
		KeyID:    keyID,
		Flags:    flags,
	}

	a.PeerLeap = leapNoSync
	a.PeerStratum = maxStratumValue
	a.PeerPoll = MaxPoll
	a.HostPoll = MinPoll
	a.Disp = MaxDispersion
	a.Jitter = minJitterFloor
	a.RefID = refID
	for i := range a.Filter {
		a.Filter[i].Disp = MaxDispersion
	}
}
