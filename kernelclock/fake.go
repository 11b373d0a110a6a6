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

package kernelclock

import "time"

// Fake is an in-memory Clock for tests, grounded on the teacher's
// FreeRunningClock test double pattern.
type Fake struct {
	now      time.Time
	freqPPM  float64
	maxFreq  float64
	StepLog  []time.Duration
	AdjustLog []float64
}

// NewFake returns a Fake clock starting at now.
func NewFake(now time.Time) *Fake {
	return &Fake{now: now, maxFreq: 500}
}

// Now returns the fake's current time.
func (f *Fake) Now() time.Time { return f.now }

// Advance moves the fake clock forward by d, applying the currently set
// frequency correction the way a real oscillator would drift.
func (f *Fake) Advance(d time.Duration) {
	drift := time.Duration(float64(d) * f.freqPPM / 1e6)
	f.now = f.now.Add(d + drift)
}

// Step steps the fake clock by offset and records the call.
func (f *Fake) Step(offset time.Duration) error {
	f.StepLog = append(f.StepLog, offset)
	f.now = f.now.Add(offset)
	return nil
}

// Adjust records the requested frequency correction.
func (f *Fake) Adjust(freqPPM float64) error {
	f.AdjustLog = append(f.AdjustLog, freqPPM)
	f.freqPPM = freqPPM
	return nil
}

// MaxFreqPPB returns the fake's configured tolerance.
func (f *Fake) MaxFreqPPB() (float64, error) { return f.maxFreq, nil }
