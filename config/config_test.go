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

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultConfigValidates(t *testing.T) {
	c := DefaultConfig()
	require.NoError(t, c.Validate())
}

func TestPeerConfigRejectsBadPollRange(t *testing.T) {
	p := PeerConfig{Address: "time.example.com", Minpoll: 4, Maxpoll: 10}
	require.Error(t, p.Validate())
}

func TestPeerConfigRejectsUnknownMode(t *testing.T) {
	p := PeerConfig{Address: "time.example.com", Minpoll: 6, Maxpoll: 10, Mode: "bogus"}
	require.Error(t, p.Validate())
}

func TestReadConfigRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ntpd.yaml")
	body := `
iface: eth1
port: 123
peers:
  - address: time1.example.com
    minpoll: 6
    maxpoll: 10
    iburst: true
  - address: time2.example.com
    minpoll: 6
    maxpoll: 10
    mode: peer
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	c, err := ReadConfig(path)
	require.NoError(t, err)
	require.Equal(t, "eth1", c.Iface)
	require.Len(t, c.Peers, 2)
	require.True(t, c.Peers[0].IBurst)
	require.Equal(t, "peer", c.Peers[1].Mode)
}

func TestReadConfigRejectsInvalidPeer(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ntpd.yaml")
	body := `
peers:
  - address: ""
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	_, err := ReadConfig(path)
	require.Error(t, err)
}
