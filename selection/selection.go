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

// Package selection implements server selection: the Marzullo-style
// correctness-interval intersection algorithm that culls falsetickers,
// followed by a cluster reduction by selection jitter that narrows the
// survivors down to the best system peer candidate.
package selection

import (
	"math"
	"sort"

	"github.com/ntpsync/ntpd/peer"
)

// Tuning constants, grounded on global.c.
const (
	MinIntersectionSurvivors = 1 // NSANE
	MinClusterSurvivors      = 3 // NMIN
	MaxCandidates            = peer.MaxAssociations
)

// Status reports where an association landed in the most recent selection
// pass, using the same vocabulary ntpq/ntpcheck report for interop.
type Status int

// Selection outcomes.
const (
	StatusReject    Status = iota // never passed Fit(): unsynchronized, unreachable, or out of distance
	StatusFalseTick               // excluded by the intersection algorithm
	StatusExcess                  // beyond the survivor cap, never considered
	StatusOutlier                 // cut during cluster reduction
	StatusCandidate               // survivor, not chosen as system peer
	StatusBackup                  // survivor held in reserve (lowest-ranked candidates)
	StatusSysPeer                 // chosen system peer
	StatusPPSPeer                 // system peer sourced from a PPS/reference clock (unused: no refclock driver in this repo)
)

func (s Status) String() string {
	switch s {
	case StatusReject:
		return "reject"
	case StatusFalseTick:
		return "falsetick"
	case StatusExcess:
		return "excess"
	case StatusOutlier:
		return "outlier"
	case StatusCandidate:
		return "candidate"
	case StatusBackup:
		return "backup"
	case StatusSysPeer:
		return "sys.peer"
	case StatusPPSPeer:
		return "pps.peer"
	default:
		return "unknown"
	}
}

// Candidate is the subset of an association's state the selection
// algorithm needs; the caller (the engine) builds one per association
// that has already passed peer.Association.Fit.
type Candidate struct {
	Handle   peer.Handle
	Offset   float64
	RootDist float64
	Stratum  uint8
	Jitter   float64
}

// Result is the outcome of a selection pass.
type Result struct {
	SysPeer  peer.Handle
	HasPeer  bool
	Statuses map[peer.Handle]Status
}

type edge struct {
	handle peer.Handle
	kind   int // +1 high, 0 mid, -1 low
	value  float64
}

// Select runs the intersection algorithm followed by cluster reduction
// over candidates, matching clock_select() in the reference. prevPeer and
// prevStratum describe the current system peer (if any), used for the
// clock-hop-avoidance rule: a tie at the same stratum keeps the incumbent
// rather than switching to a new first-ranked survivor every poll.
func Select(candidates []Candidate, prevPeer peer.Handle, prevStratum uint8, hasPrevPeer bool) Result {
	statuses := make(map[peer.Handle]Status, len(candidates))

	if len(candidates) > MaxCandidates {
		for _, c := range candidates[MaxCandidates:] {
			statuses[c.Handle] = StatusExcess
		}
		candidates = candidates[:MaxCandidates]
	}

	edges := buildChimeList(candidates)
	low, high, ok := intersect(edges)
	if !ok {
		for _, c := range candidates {
			statuses[c.Handle] = StatusFalseTick
		}
		return Result{Statuses: statuses}
	}

	type survivor struct {
		Candidate
		metric float64
	}
	var survivors []survivor
	inInterval := make(map[peer.Handle]bool, len(candidates))
	for _, c := range candidates {
		if c.Offset < low || c.Offset > high {
			statuses[c.Handle] = StatusFalseTick
			continue
		}
		inInterval[c.Handle] = true
		survivors = append(survivors, survivor{
			Candidate: c,
			metric:    peer.MaxDistance*float64(c.Stratum) + c.RootDist,
		})
	}

	if len(survivors) < MinIntersectionSurvivors {
		return Result{Statuses: statuses}
	}

	sort.SliceStable(survivors, func(i, j int) bool { return survivors[i].metric < survivors[j].metric })

	// Cluster reduction: repeatedly discard the survivor with the
	// largest selection jitter (root-sum-square of offset distance to
	// every other current survivor) as long as doing so could still
	// lower the minimum peer jitter, stopping once MinClusterSurvivors
	// remain. The reference's C terminates this loop by comparing
	// against the original chime-list length `n`, which never shrinks
	// as survivors are discarded and so can let the loop discard below
	// three servers; this instead checks the current, shrinking
	// survivor count on every iteration.
	for len(survivors) > MinClusterSurvivors {
		minJitter := math.MaxFloat64
		maxDist := -1.0
		maxIdx := -1
		for i, s := range survivors {
			if s.Jitter < minJitter {
				minJitter = s.Jitter
			}
			dist := 0.0
			for _, q := range survivors {
				d := s.Offset - q.Offset
				dist += d * d
			}
			dist = math.Sqrt(dist)
			if dist > maxDist {
				maxDist = dist
				maxIdx = i
			}
		}
		if maxDist < minJitter {
			break
		}
		statuses[survivors[maxIdx].Handle] = StatusOutlier
		survivors = append(survivors[:maxIdx], survivors[maxIdx+1:]...)
	}

	if len(survivors) == 0 {
		return Result{Statuses: statuses}
	}

	sysIdx := 0
	if hasPrevPeer {
		for i, s := range survivors {
			if s.Handle == prevPeer && s.Stratum == survivors[0].Stratum {
				sysIdx = i
				break
			}
		}
	}

	for i, s := range survivors {
		switch {
		case i == sysIdx:
			statuses[s.Handle] = StatusSysPeer
		case i < MinClusterSurvivors:
			statuses[s.Handle] = StatusCandidate
		default:
			statuses[s.Handle] = StatusBackup
		}
	}

	return Result{
		SysPeer:  survivors[sysIdx].Handle,
		HasPeer:  true,
		Statuses: statuses,
	}
}

func buildChimeList(candidates []Candidate) []edge {
	edges := make([]edge, 0, 3*len(candidates))
	for _, c := range candidates {
		edges = append(edges,
			edge{handle: c.Handle, kind: +1, value: c.Offset + c.RootDist},
			edge{handle: c.Handle, kind: 0, value: c.Offset},
			edge{handle: c.Handle, kind: -1, value: c.Offset - c.RootDist},
		)
	}
	sort.SliceStable(edges, func(i, j int) bool { return edges[i].value < edges[j].value })
	return edges
}

// intersect finds the widest correctness-interval intersection tolerating
// an increasing number of falsetickers, matching the allow/found/chime
// loop in clock_select(). ok is false if no non-empty interval exists
// even allowing every candidate but one to be a falseticker.
func intersect(edges []edge) (low, high float64, ok bool) {
	n := len(edges) / 3 // three edges per candidate
	if n == 0 {
		return 0, 0, false
	}
	for allow := 0; 2*allow < n; allow++ {
		found := 0
		chime := 0
		foundLow := false
		for _, e := range edges {
			chime -= e.kind
			if chime >= n-allow {
				low = e.value
				foundLow = true
				break
			}
			if e.kind == 0 {
				found++
			}
		}
		if !foundLow {
			continue
		}

		chime = 0
		for i := len(edges) - 1; i >= 0; i-- {
			chime += edges[i].kind
			if chime >= n-allow {
				high = edges[i].value
				break
			}
			if edges[i].kind == 0 {
				found++
			}
		}

		if found > allow {
			continue
		}
		if high > low {
			return low, high, true
		}
	}
	return 0, 0, false
}
