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

// Package system ties the peer, selection and discipline packages
// together into the running daemon: the system record (struct s in the
// reference), clock_update's stale-sample guard and SLEW/STEP/IGNORE
// fan-out, and the single-goroutine engine that serializes receive,
// the one-second tick, and monitoring queries over that state.
package system

import (
	"math"

	"github.com/ntpsync/ntpd/discipline"
	"github.com/ntpsync/ntpd/peer"
	"github.com/ntpsync/ntpd/protocol/ntp"
	"github.com/ntpsync/ntpd/selection"
)

// Flag holds system-wide option bits (S_* in the reference).
type Flag uint32

// System-wide option flags.
const (
	FlagBroadcastEnabled Flag = 1 << iota // S_BCSTENAB: accept new broadcast-client associations
	FlagPanicWaived                       // operator override: never return ErrPanic, step instead
)

// Has reports whether f includes all bits of want.
func (f Flag) Has(want Flag) bool { return f&want == want }

// System is the system record (struct s in the reference): the daemon's
// own synchronization status, independent of any one association.
type System struct {
	Leap       ntp.Leap
	Stratum    uint8
	Poll       int8 // log2 seconds
	Precision  int8 // log2 seconds
	RootDelay  float64
	RootDisp   float64
	RefID      uint32
	RefTime    float64 // process time of the last clock_update
	Offset     float64 // combined system offset
	Jitter     float64
	SysPeer    peer.Handle
	HasPeer    bool
	Flags      Flag
	ManycastTTL int

	Clock *discipline.Clock
}

// New returns a system record in the unsynchronized start state
// (NOSYNC, stratum MAXSTRAT), with a fresh discipline clock.
func New(precision int8) *System {
	return &System{
		Leap:      ntp.LeapNotSync,
		Stratum:   maxStratum,
		Poll:      peer.MinPoll,
		Precision: precision,
		RootDisp:  peer.MaxDispersion,
		Clock:     discipline.NewClock(),
	}
}

// NewWithClock returns a system record whose discipline clock was primed
// from a persisted frequency file (StateFileSet), used at startup when a
// drift file was successfully read.
func NewWithClock(precision int8, freqPPM float64) *System {
	s := New(precision)
	s.Clock = discipline.NewClockWithFrequency(discipline.PPMToFreq(freqPPM))
	return s
}

const maxStratum = 16

// Unsynchronized reports whether the system has never successfully
// disciplined the clock (leap == NOSYNC).
func (s *System) Unsynchronized() bool { return s.Leap == ntp.LeapNotSync }

// Combine computes the combined system offset and jitter from the
// selection survivors, matching clock_combine(): a jitter-weighted
// average of survivor offsets (weight ∝ 1/root-distance), and jitter as
// the root-sum-square of each survivor's own jitter plus its offset
// deviation from the weighted mean.
func Combine(survivors []selection.Candidate) (offset, jitter float64) {
	if len(survivors) == 0 {
		return 0, 0
	}
	if len(survivors) == 1 {
		return survivors[0].Offset, survivors[0].Jitter
	}
	var weightSum, offsetSum float64
	for _, s := range survivors {
		w := 1.0 / math.Max(s.RootDist, peer.MinDispersion)
		weightSum += w
		offsetSum += w * s.Offset
	}
	offset = offsetSum / weightSum

	var jitterSq float64
	for _, s := range survivors {
		w := 1.0 / math.Max(s.RootDist, peer.MinDispersion)
		d := s.Offset - offset
		jitterSq += w * (s.Jitter*s.Jitter + d*d)
	}
	jitter = math.Sqrt(jitterSq / weightSum)
	return offset, jitter
}

// ClockUpdate implements clock_update(): given the system peer's
// association (post clock_filter, post clock_select/combine) and the
// combined offset/jitter, it refuses stale samples and otherwise invokes
// the discipline state machine. s.RefTime advances on every outcome, but
// leap/stratum/refid/rootdelay/rootdisp are only refreshed from the
// system peer on a SLEW outcome.
//
// now is the discipline clock's current process time (c.t); sysPollSeconds
// and sysPrecisionSeconds are LOG2D(s.poll) and LOG2D(s.precision).
func (s *System) ClockUpdate(a *peer.Association, combinedOffset, combinedJitter, now, sysPollSeconds, sysPrecisionSeconds float64) (discipline.Outcome, error) {
	if now <= s.RefTime {
		return discipline.OutcomeIgnore, nil
	}

	outcome, err := s.Clock.Update(combinedOffset, now, s.RefTime, sysPollSeconds, sysPrecisionSeconds)
	if err != nil {
		if s.Flags.Has(FlagPanicWaived) {
			outcome = discipline.OutcomeStep
		} else {
			return outcome, err
		}
	}

	// s.RefTime advances on every outcome, not just SLEW: it is the
	// baseline the discipline's own stepout timers measure against (c.t -
	// s.t), so IGNORE/STEP transitions must move it forward too, the same
	// way rstclock() does in the reference.
	s.RefTime = now

	switch outcome {
	case discipline.OutcomeStep:
		s.Stratum = maxStratum
		s.Poll = peer.MinPoll
	case discipline.OutcomeSlew:
		s.Leap = a.PeerLeap
		s.Stratum = a.PeerStratum + 1
		s.RefID = a.RefID
		s.RootDelay = a.RootDelay + a.Delay
		dispersion := math.Max(a.Disp+peer.PhiPPM*(now-a.UpdateTime)+math.Abs(a.Offset), peer.MinDispersion)
		s.RootDisp = a.RootDisp + dispersion + math.Sqrt(a.Jitter*a.Jitter+combinedJitter*combinedJitter)
		s.Offset = combinedOffset
		s.Jitter = combinedJitter
	case discipline.OutcomeIgnore:
		// sample consumed silently, e.g. during frequency measurement.
	}

	return outcome, nil
}
