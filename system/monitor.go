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

package system

import (
	"encoding/json"
	"fmt"
	"net/http"

	log "github.com/sirupsen/logrus"

	"github.com/ntpsync/ntpd/peer"
	"github.com/ntpsync/ntpd/selection"
)

// PeerView is the read-only snapshot of one association served to the
// monitoring client (ntpqgo's "peers" table), taken through Query so it
// never races the engine's own goroutine.
type PeerView struct {
	Address  string  `json:"address"`
	HostMode string  `json:"host_mode"`
	PeerMode string  `json:"peer_mode"`
	Stratum  uint8   `json:"stratum"`
	Reach    uint8   `json:"reach"`
	Offset   float64 `json:"offset"`
	Delay    float64 `json:"delay"`
	Jitter   float64 `json:"jitter"`
	Status   string  `json:"status"`
	SysPeer  bool    `json:"sys_peer"`
}

// SystemView is the read-only snapshot of the system record served
// alongside the association table.
type SystemView struct {
	Leap      string  `json:"leap"`
	Stratum   uint8   `json:"stratum"`
	Offset    float64 `json:"offset"`
	Jitter    float64 `json:"jitter"`
	RootDelay float64 `json:"root_delay"`
	RootDisp  float64 `json:"root_dispersion"`
}

// MonitorSnapshot is the payload served at the /peers endpoint.
type MonitorSnapshot struct {
	System SystemView `json:"system"`
	Peers  []PeerView `json:"peers"`
}

// Snapshot takes a consistent read of the system record and association
// table through the engine's query channel.
func (e *Engine) Snapshot() MonitorSnapshot {
	var snap MonitorSnapshot
	e.Query(func(sys *System, table *peer.Table) {
		snap.System = SystemView{
			Leap:      sys.Leap.String(),
			Stratum:   sys.Stratum,
			Offset:    sys.Offset,
			Jitter:    sys.Jitter,
			RootDelay: sys.RootDelay,
			RootDisp:  sys.RootDisp,
		}
		for _, h := range table.All() {
			a, ok := table.Get(h)
			if !ok {
				continue
			}
			snap.Peers = append(snap.Peers, PeerView{
				Address:  a.SrcAddr.String(),
				HostMode: a.HostMode.String(),
				PeerMode: a.PeerMode.String(),
				Stratum:  uint8(a.PeerStratum),
				Reach:    a.Reach,
				Offset:   a.Offset,
				Delay:    a.Delay,
				Jitter:   a.Jitter,
				Status:   selection.Status(a.SelectionStatus).String(),
				SysPeer:  sys.HasPeer && h == sys.SysPeer,
			})
		}
	})
	return snap
}

// ServeMonitor serves the JSON snapshot endpoint ntpqgo polls, modeled on
// the responder's plain net/http JSON stats handler.
func (e *Engine) ServeMonitor(port int) {
	mux := http.NewServeMux()
	mux.HandleFunc("/peers", func(w http.ResponseWriter, _ *http.Request) {
		js, err := json.Marshal(e.Snapshot())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if _, err := w.Write(js); err != nil {
			log.WithError(err).Error("failed to write monitoring reply")
		}
	})
	addr := fmt.Sprintf(":%d", port)
	log.Debugf("starting monitoring http server on %s", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.WithError(err).Error("monitoring http server stopped")
	}
}
