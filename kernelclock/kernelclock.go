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

// Package kernelclock adapts the three kernel clock operations the
// discipline state machine needs (read the time, step it, and slew its
// frequency) to a small interface so the discipline and engine code can
// be driven by a fake in tests instead of touching the real system
// clock.
package kernelclock

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"

	"github.com/ntpsync/ntpd/clock"
)

// Clock is the kernel collaborator contract: read the current time, step
// it by an arbitrary offset, and slew its frequency by a PPM correction.
type Clock interface {
	Now() time.Time
	Step(offset time.Duration) error
	Adjust(freqPPM float64) error
	MaxFreqPPB() (float64, error)
}

// System is a Clock backed by CLOCK_REALTIME via clock_adjtime(2),
// grounded on the teacher's clock.Adjtime/clock.Step/clock.AdjFreqPPB.
type System struct {
	clockID int32
}

// NewSystem returns a Clock driving CLOCK_REALTIME.
func NewSystem() *System {
	return &System{clockID: unix.CLOCK_REALTIME}
}

// Now returns the current wall-clock time.
func (s *System) Now() time.Time { return time.Now() }

// Step steps the system clock by offset, matching step_time() in the
// reference.
func (s *System) Step(offset time.Duration) error {
	_, err := clock.Step(s.clockID, offset)
	if err != nil {
		return fmt.Errorf("stepping system clock: %w", err)
	}
	return nil
}

// Adjust slews the system clock's frequency by freqPPM, matching
// adjust_time() in the reference.
func (s *System) Adjust(freqPPM float64) error {
	_, err := clock.AdjFreqPPB(s.clockID, freqPPM*1000)
	if err != nil {
		return fmt.Errorf("adjusting system clock frequency: %w", err)
	}
	return nil
}

// MaxFreqPPB returns the maximum frequency adjustment the kernel will
// accept for this clock.
func (s *System) MaxFreqPPB() (float64, error) {
	ppb, _, err := clock.MaxFreqPPB(s.clockID)
	if err != nil {
		return 0, fmt.Errorf("reading max frequency: %w", err)
	}
	return ppb, nil
}
