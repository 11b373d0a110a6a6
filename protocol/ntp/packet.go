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

package ntp

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// HeaderSizeBytes is the size of the fixed NTPv4 header, before any MAC
// trailer.
const HeaderSizeBytes = 48

// MACSizeBytes is the size of a key-id + MD5 digest MAC trailer.
const MACSizeBytes = 4 + 16

// Version is the NTP version this package speaks and generates.
const Version = 4

// Leap carries the two-bit leap indicator.
type Leap uint8

// Leap indicator values, per RFC 5905 Figure 9.
const (
	LeapNone    Leap = 0 // no warning
	LeapAddSec  Leap = 1 // last minute of the day has 61 seconds
	LeapDelSec  Leap = 2 // last minute of the day has 59 seconds
	LeapNotSync Leap = 3 // unsynchronized
)

func (l Leap) String() string {
	switch l {
	case LeapNone:
		return "none"
	case LeapAddSec:
		return "add-second"
	case LeapDelSec:
		return "del-second"
	case LeapNotSync:
		return "not-sync"
	default:
		return "unknown"
	}
}

// Mode carries the three-bit association mode.
type Mode uint8

// Association modes, per RFC 5905 Figure 10.
const (
	ModeReserved Mode = iota
	ModeSymmetricActive
	ModeSymmetricPassive
	ModeClient
	ModeServer
	ModeBroadcast
	ModeControl
	ModePrivate
)

func (m Mode) String() string {
	switch m {
	case ModeSymmetricActive:
		return "sym-active"
	case ModeSymmetricPassive:
		return "sym-passive"
	case ModeClient:
		return "client"
	case ModeServer:
		return "server"
	case ModeBroadcast:
		return "broadcast"
	case ModeControl:
		return "control"
	case ModePrivate:
		return "private"
	default:
		return "reserved"
	}
}

// NoStratum is the stratum value a kiss-o'-death / unsynchronized packet
// carries.
const NoStratum = 0

// MaxStratum is the largest stratum value a server may advertise; 16 means
// "unsynchronized" in the wire format even though the leap bits also say so.
const MaxStratum = 15

// Packet is the fixed 48-byte NTPv4 header. Field layout and size mirror
// the wire format exactly so the struct can be read/written directly with
// encoding/binary; Settings packs LI|VN|Mode the way the wire does.
//
//	 0                   1                   2                   3
//	 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|LI | VN  |Mode |    Stratum    |     Poll      |  Precision    |
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|                         Root Delay                           |
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|                         Root Dispersion                      |
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|                          Reference ID                        |
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|                     Reference Timestamp (64)                 |
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|                      Origin Timestamp (64)                   |
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|                      Receive Timestamp (64)                  |
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|                     Transmit Timestamp (64)                  |
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
type Packet struct {
	Settings       uint8 // leap indicator, version, mode
	Stratum        uint8
	Poll           int8
	Precision      int8
	RootDelay      uint32
	RootDispersion uint32
	ReferenceID    uint32
	RefTime        Time64
	OrigTime       Time64
	RxTime         Time64
	TxTime         Time64
}

// Leap unpacks the leap indicator from Settings.
func (p *Packet) Leap() Leap { return Leap(p.Settings >> 6) }

// VersionNumber unpacks the version from Settings.
func (p *Packet) VersionNumber() int { return int((p.Settings >> 3) & 0x07) }

// ModeField unpacks the mode from Settings.
func (p *Packet) ModeField() Mode { return Mode(p.Settings & 0x07) }

// SetSettings packs LI|VN|Mode into Settings.
func (p *Packet) SetSettings(l Leap, version int, m Mode) {
	p.Settings = uint8(l)<<6 | uint8(version&0x07)<<3 | uint8(m)&0x07
}

// ValidHeader reports whether the leap/version/mode fields are each within
// their legal ranges. It does not validate the mode against the receiver's
// own state; that is the dispatcher's job (see the dispatch matrix).
func (p *Packet) ValidHeader() bool {
	l := p.Leap()
	if l != LeapNone && l != LeapAddSec && l != LeapDelSec && l != LeapNotSync {
		return false
	}
	v := p.VersionNumber()
	return v >= 1 && v <= 4
}

// Bytes marshals the fixed header to its 48-byte wire form.
func (p *Packet) Bytes() ([]byte, error) {
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.BigEndian, p); err != nil {
		return nil, fmt.Errorf("marshaling ntp packet: %w", err)
	}
	return buf.Bytes(), nil
}

// BytesToPacket unmarshals a 48-byte wire header. Any trailing bytes
// (extension fields or a MAC) are left for the caller to parse separately
// with ParseMAC.
func BytesToPacket(raw []byte) (*Packet, error) {
	if len(raw) < HeaderSizeBytes {
		return nil, fmt.Errorf("ntp packet too short: %d bytes", len(raw))
	}
	p := &Packet{}
	if err := binary.Read(bytes.NewReader(raw[:HeaderSizeBytes]), binary.BigEndian, p); err != nil {
		return nil, fmt.Errorf("unmarshaling ntp packet: %w", err)
	}
	return p, nil
}

// MAC is the symmetric-key authentication trailer: a four-octet key
// identifier followed by a message digest. A zero KeyID with an all-zero
// Digest is the "crypto-NAK" sentinel used to tell a client its
// authentication attempt failed without the server itself needing a valid
// key for that association.
type MAC struct {
	KeyID  uint32
	Digest [16]byte
}

// IsCryptoNAK reports whether m is the crypto-NAK sentinel.
func (m MAC) IsCryptoNAK() bool {
	return m.KeyID == 0 && m.Digest == [16]byte{}
}

// Bytes marshals the MAC trailer to wire form.
func (m MAC) Bytes() []byte {
	out := make([]byte, MACSizeBytes)
	binary.BigEndian.PutUint32(out[:4], m.KeyID)
	copy(out[4:], m.Digest[:])
	return out
}

// ParseMAC parses a trailing MAC from the bytes following the fixed
// header. It returns ok=false if no trailer is present (a plain,
// unauthenticated packet). A bare four-octet trailer (key id, no digest)
// parses with a zero Digest; with key id 0 that is the crypto-NAK.
func ParseMAC(trailer []byte) (m MAC, ok bool, err error) {
	switch len(trailer) {
	case 0:
		return MAC{}, false, nil
	case 4:
		m.KeyID = binary.BigEndian.Uint32(trailer)
		return m, true, nil
	case MACSizeBytes:
		m.KeyID = binary.BigEndian.Uint32(trailer[:4])
		copy(m.Digest[:], trailer[4:])
		return m, true, nil
	default:
		return MAC{}, false, fmt.Errorf("unexpected trailer length: %d bytes", len(trailer))
	}
}
