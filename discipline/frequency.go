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

package discipline

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// LoadFrequency reads a persisted frequency correction, in PPM, written
// by SaveFrequency. A missing file is not an error: it means the daemon
// has never completed a stepout interval before, and the caller should
// start a fresh Clock in StateNeverSet instead.
func LoadFrequency(path string) (ppm float64, found bool, err error) {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("reading frequency file %s: %w", path, err)
	}
	ppm, err = strconv.ParseFloat(strings.TrimSpace(string(raw)), 64)
	if err != nil {
		return 0, false, fmt.Errorf("parsing frequency file %s: %w", path, err)
	}
	return ppm, true, nil
}

// SaveFrequency persists the clock's current frequency correction, in
// PPM, to path. The engine calls this once an hour (c.t % 3600 == 3599 in
// the reference, left as a comment there and implemented here).
func SaveFrequency(path string, ppm float64) error {
	if err := os.WriteFile(path, []byte(fmt.Sprintf("%.3f\n", ppm)), 0o644); err != nil {
		return fmt.Errorf("writing frequency file %s: %w", path, err)
	}
	return nil
}

// FreqToPPM converts a Clock.Freq unit-ratio correction to parts per
// million for persistence and display.
func FreqToPPM(freq float64) float64 { return freq * 1e6 }

// PPMToFreq converts a PPM value (as loaded from the frequency file) back
// to the unit-ratio Clock.Freq uses internally.
func PPMToFreq(ppm float64) float64 { return ppm / 1e6 }
