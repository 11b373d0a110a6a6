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

// Package config is the YAML-driven run configuration for the daemon:
// which peers/servers to associate with, which interface to listen on,
// and the tuning knobs that peer, selection and discipline expose as
// constants.
package config

import (
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"
	yaml "gopkg.in/yaml.v2"

	"github.com/ntpsync/ntpd/peer"
)

// PeerConfig describes one configured association.
type PeerConfig struct {
	Address   string     `yaml:"address"`
	Minpoll   int8       `yaml:"minpoll"`
	Maxpoll   int8       `yaml:"maxpoll"`
	Burst     bool       `yaml:"burst"`
	IBurst    bool       `yaml:"iburst"`
	Key       uint32     `yaml:"key"`
	Mode      string     `yaml:"mode"` // "server", "peer" or "broadcast"
}

// Validate checks a single peer entry is sane.
func (p *PeerConfig) Validate() error {
	if p.Address == "" {
		return fmt.Errorf("address must be specified")
	}
	if p.Minpoll < peer.MinPoll || p.Minpoll > peer.MaxPoll {
		return fmt.Errorf("minpoll %d out of range [%d,%d]", p.Minpoll, peer.MinPoll, peer.MaxPoll)
	}
	if p.Maxpoll < p.Minpoll || p.Maxpoll > peer.MaxPoll {
		return fmt.Errorf("maxpoll %d out of range [%d,%d]", p.Maxpoll, p.Minpoll, peer.MaxPoll)
	}
	switch p.Mode {
	case "", "server", "peer", "broadcast":
	default:
		return fmt.Errorf("mode must be one of %q, %q, %q", "server", "peer", "broadcast")
	}
	return nil
}

// Config is the full on-disk configuration for the daemon.
type Config struct {
	Iface          string        `yaml:"iface"`
	ListenAddress  string        `yaml:"listen_address"`
	Port           int           `yaml:"port"`
	DSCP           int           `yaml:"dscp"`
	Peers          []PeerConfig  `yaml:"peers"`
	DriftFile      string        `yaml:"drift_file"`
	Stratum        uint8         `yaml:"stratum"`
	KeysFile       string        `yaml:"keys_file"`
	MonitoringPort int           `yaml:"monitoring_port"`
	PanicThreshold float64       `yaml:"panic_threshold"`
}

// DefaultConfig returns Config initialized with default values, matching
// the tuning constants the peer/discipline packages already default to.
func DefaultConfig() *Config {
	return &Config{
		Iface:          "eth0",
		ListenAddress:  "::",
		Port:           123,
		DSCP:           0,
		DriftFile:      "/var/lib/ntpd/drift",
		Stratum:        0,
		MonitoringPort: 4269,
		PanicThreshold: 1000.0,
	}
}

// Validate checks the config is internally consistent.
func (c *Config) Validate() error {
	if c.Port <= 0 {
		return fmt.Errorf("port must be positive")
	}
	if c.DSCP < 0 {
		return fmt.Errorf("dscp must be 0 or positive")
	}
	if c.Stratum > 15 {
		return fmt.Errorf("stratum must be 0-15")
	}
	if c.MonitoringPort < 0 {
		return fmt.Errorf("monitoringport must be 0 or positive")
	}
	if c.PanicThreshold <= 0 {
		return fmt.Errorf("panic_threshold must be positive")
	}
	if len(c.Peers) == 0 {
		log.Warning("no peers configured, this node will only serve as a free-running stratum source")
	}
	for i := range c.Peers {
		if err := c.Peers[i].Validate(); err != nil {
			return fmt.Errorf("peer %d (%s): %w", i, c.Peers[i].Address, err)
		}
	}
	return nil
}

// ReadConfig reads and validates config from a YAML file on disk.
func ReadConfig(path string) (*Config, error) {
	c := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("parsing config file %q: %w", path, err)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return c, nil
}
