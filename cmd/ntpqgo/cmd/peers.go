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

package cmd

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

var peersServerFlag string

func init() {
	RootCmd.AddCommand(peersCmd)
	peersCmd.Flags().StringVarP(&peersServerFlag, "server", "s", "127.0.0.1:4270", "address of the daemon's monitoring endpoint")
}

var peersCmd = &cobra.Command{
	Use:   "peers",
	Short: "show the association table of a running daemon",
	RunE: func(_ *cobra.Command, _ []string) error {
		ConfigureVerbosity()
		return runPeers()
	},
}

// peerView and systemView mirror system.PeerView/system.SystemView; kept
// as a local copy so this binary has no compile-time dependency on the
// daemon's internal packages, only on the wire JSON they emit.
type peerView struct {
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

type systemView struct {
	Leap      string  `json:"leap"`
	Stratum   uint8   `json:"stratum"`
	Offset    float64 `json:"offset"`
	Jitter    float64 `json:"jitter"`
	RootDelay float64 `json:"root_delay"`
	RootDisp  float64 `json:"root_dispersion"`
}

type monitorSnapshot struct {
	System systemView `json:"system"`
	Peers  []peerView `json:"peers"`
}

func fetchSnapshot(server string) (*monitorSnapshot, error) {
	client := http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(fmt.Sprintf("http://%s/peers", server))
	if err != nil {
		return nil, fmt.Errorf("querying %s: %w", server, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("querying %s: unexpected status %s", server, resp.Status)
	}
	var snap monitorSnapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return nil, fmt.Errorf("decoding reply from %s: %w", server, err)
	}
	return &snap, nil
}

func runPeers() error {
	snap, err := fetchSnapshot(peersServerFlag)
	if err != nil {
		return err
	}

	fmt.Printf("system: leap=%s stratum=%d offset=%.6fs jitter=%.6fs\n",
		snap.System.Leap, snap.System.Stratum, snap.System.Offset, snap.System.Jitter)

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"", "address", "mode", "st", "reach", "offset", "delay", "jitter", "status"})

	sysPeer := color.New(color.FgGreen, color.Bold)
	for _, p := range snap.Peers {
		marker := " "
		if p.SysPeer {
			marker = "*"
		}
		row := []string{
			marker,
			p.Address,
			p.PeerMode,
			fmt.Sprintf("%d", p.Stratum),
			fmt.Sprintf("%08b", p.Reach),
			fmt.Sprintf("%.6f", p.Offset),
			fmt.Sprintf("%.6f", p.Delay),
			fmt.Sprintf("%.6f", p.Jitter),
			p.Status,
		}
		if p.SysPeer {
			for i, cell := range row {
				row[i] = sysPeer.Sprint(cell)
			}
		}
		table.Append(row)
	}
	table.Render()
	return nil
}
