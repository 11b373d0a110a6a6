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

// Package discipline implements the local clock discipline: the
// five-state machine that merges frequency-lock-loop and phase-lock-loop
// corrections into a single frequency adjustment, with step/slew/ignore/
// panic outcomes, plus the one-second adjustment tick.
package discipline

import (
	"errors"
	"fmt"
	"math"
)

// Tuning constants, grounded on global.c's clock discipline parameters.
const (
	StepThreshold  = 0.128  // STEPT, seconds
	StepoutSeconds = 900.0  // WATCH, seconds
	PanicThreshold = 1000.0 // PANICT, seconds
	PLLGain        = 65536.0
	AvgConstant    = 4.0
	AllanIntercept = 1500.0 // seconds
	PollAdjustLimit = 30.0  // LIMIT
	MaxFreqPPM     = 500e-6 // MAXFREQ
	PollAdjustGate = 4.0    // PGATE
)

// fllGain mirrors FLL = MAXPOLL + 1, kept local to avoid an import cycle
// with the peer package's poll-interval constants.
const fllGain = 18.0

// State is the clock discipline's state, matching the reference's five
// named states (NSET/FSET/SPIK/FREQ/SYNC).
type State int

// Clock discipline states.
const (
	StateNeverSet State = iota // NSET: never been set
	StateFileSet               // FSET: frequency loaded from the frequency file
	StateSpike                 // SPIK: an outlier was seen, watching for stepout or a confirming inlier
	StateFreq                  // FREQ: measuring frequency directly
	StateSync                  // SYNC: steady-state PLL/FLL tracking
)

func (s State) String() string {
	switch s {
	case StateNeverSet:
		return "never-set"
	case StateFileSet:
		return "file-set"
	case StateSpike:
		return "spike"
	case StateFreq:
		return "freq"
	case StateSync:
		return "sync"
	default:
		return "unknown"
	}
}

// Outcome is the disposition local_clock() (here Clock.Update) hands back
// after a sample: whether the caller must step the kernel clock, slew it,
// ignore the sample, or panic.
type Outcome int

// Clock discipline outcomes.
const (
	OutcomeIgnore Outcome = iota
	OutcomeSlew
	OutcomeStep
	OutcomePanic
)

// ErrPanic is returned by Update when the offset exceeds PanicThreshold:
// the reference's "exit(0) and make the operator fix the clock by hand"
// case. The engine surfaces this operationally; it is never recovered
// from automatically.
var ErrPanic = errors.New("discipline: offset exceeds panic threshold, refusing to adjust automatically")

// Clock is the local clock discipline record (struct c in the
// reference): the state machine's own view of time, independent of any
// one association.
type Clock struct {
	ProcessTime float64 // c.t, seconds, incremented once per adjust tick
	State       State
	Offset      float64 // current combined offset
	Last        float64 // previous offset, for jitter estimation
	Count       float64 // c.count, poll-adjust hysteresis counter
	Freq        float64 // current frequency correction, as a fraction (not ppm)
	Jitter      float64
	Wander      float64
}

// NewClock returns a clock in StateNeverSet, matching a freshly started
// daemon with no frequency file.
func NewClock() *Clock {
	return &Clock{State: StateNeverSet}
}

// NewClockWithFrequency returns a clock primed from a persisted frequency
// (see LoadFrequency), entering StateFileSet so the first large offset is
// stepped immediately rather than waiting out the stepout interval.
func NewClockWithFrequency(freq float64) *Clock {
	return &Clock{State: StateFileSet, Freq: freq}
}

// Update runs one pass of local_clock(): given the combined offset from
// the selection/combine stage, the time of the sample (peerTime) and the
// system's own view of the last update time (sysTime), the system poll
// interval and precision (both in seconds), it decides the outcome and
// updates the discipline state accordingly.
//
// The reference calls rstclock with its state-transition arguments in an
// order that does not match rstclock's own parameter declaration (the
// prototype reads rstclock(state, offset, t) but every call site passes
// rstclock(state, peerTime, offset)); this implementation uses the call
// sites' order, since that is what every invocation actually does: new
// state, the process time of the sample, and the new offset.
func (c *Clock) Update(offset, peerTime, sysTime, sysPollSeconds, sysPrecisionSeconds float64) (Outcome, error) {
	if math.Abs(offset) > PanicThreshold {
		return OutcomePanic, fmt.Errorf("%w: offset=%.3fs", ErrPanic, offset)
	}

	mu := peerTime - sysTime
	var freqAdj float64
	outcome := OutcomeSlew

	if math.Abs(offset) > StepThreshold {
		switch c.State {
		case StateSync:
			c.State = StateSpike
			return OutcomeSlew, nil

		case StateFreq:
			if mu < StepoutSeconds {
				return OutcomeIgnore, nil
			}
			freqAdj = (offset - c.Offset) / mu
			outcome = OutcomeStep
			c.Count = 0

		case StateSpike:
			if mu < StepoutSeconds {
				return OutcomeIgnore, nil
			}
			outcome = OutcomeStep
			c.Count = 0

		default: // StateNeverSet, StateFileSet
			wasNeverSet := c.State == StateNeverSet
			outcome = OutcomeStep
			c.Count = 0
			if wasNeverSet {
				c.reset(StateFreq, peerTime, 0)
				return outcome, nil
			}
		}
		c.reset(StateSync, peerTime, 0)
	} else {
		prevJitter2 := c.Jitter * c.Jitter
		diff := math.Max(math.Abs(offset-c.Last), sysPrecisionSeconds)
		c.Jitter = math.Sqrt(prevJitter2 + (diff*diff-prevJitter2)/AvgConstant)

		switch c.State {
		case StateNeverSet:
			c.reset(StateFreq, peerTime, offset)
			return OutcomeIgnore, nil

		case StateFileSet:
			c.reset(StateSync, peerTime, offset)

		case StateFreq:
			if c.ProcessTime-sysTime < StepoutSeconds {
				return OutcomeIgnore, nil
			}
			freqAdj = (offset - c.Offset) / mu
			fallthrough

		default: // StateSync, StateSpike
			if sysPollSeconds > AllanIntercept/2 {
				gain := fllGain - sysPollSeconds
				if gain < AvgConstant {
					gain = AvgConstant
				}
				freqAdj += (offset - c.Offset) / (math.Max(mu, AllanIntercept) * gain)
			}
			integration := math.Min(mu, sysPollSeconds)
			denom := 4 * PLLGain * sysPollSeconds
			freqAdj += offset * integration / (denom * denom)
			c.reset(StateSync, peerTime, offset)
		}
	}

	freqAdj += c.Freq
	c.Freq = clamp(freqAdj, -MaxFreqPPM, MaxFreqPPM)
	prevWander2 := c.Wander * c.Wander
	c.Wander = math.Sqrt(prevWander2 + (freqAdj*freqAdj-prevWander2)/AvgConstant)

	return outcome, nil
}

// reset enters a new discipline state. t is the process time of the
// sample that caused the transition; the caller is responsible for
// propagating it to the system record's own update time (s.t in the
// reference), since that field belongs to the system package, not this
// one.
func (c *Clock) reset(state State, t, offset float64) {
	c.State = state
	c.Last = offset
	c.Offset = offset
	_ = t
}

// AdjustPoll implements the poll-interval hysteresis at the tail of
// local_clock(): if the system offset is small relative to the clock
// jitter, the averaging interval (poll exponent) is allowed to grow;
// otherwise it shrinks. minPoll/maxPoll/currentPoll are log2-seconds poll
// exponents (peer.MinPoll/peer.MaxPoll); it returns the new poll
// exponent.
func (c *Clock) AdjustPoll(currentPoll, minPoll, maxPoll int8) int8 {
	if math.Abs(c.Offset) < PollAdjustGate*c.Jitter {
		c.Count += float64(currentPoll)
		if c.Count > PollAdjustLimit {
			c.Count = PollAdjustLimit
			if currentPoll < maxPoll {
				c.Count = 0
				currentPoll++
			}
		}
	} else {
		c.Count -= float64(currentPoll) * 2
		if c.Count < -PollAdjustLimit {
			c.Count = -PollAdjustLimit
			if currentPoll > minPoll {
				c.Count = 0
				currentPoll--
			}
		}
	}
	return currentPoll
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Tick implements clock_adjust(): the once-per-second kernel adjustment.
// It advances the discipline's process time, computes the PLL residual
// correction, and returns the frequency (in seconds/second, i.e. a unit
// ratio) the caller should hand to the kernel clock adapter's Adjust.
func (c *Clock) Tick(sysPollSeconds float64) float64 {
	c.ProcessTime++
	residual := c.Offset / (PLLGain * math.Min(sysPollSeconds, AllanIntercept))
	c.Offset -= residual
	return c.Freq + residual
}
