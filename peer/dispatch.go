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

package peer

import (
	"math"

	"github.com/ntpsync/ntpd/protocol/ntp"
)

// Action is the outcome of a dispatch-matrix lookup: what the engine
// should do with a received packet given the host mode of the matching
// (or absent) association.
type Action int

// Dispatch actions, grounded on peer.c's dispatch codes.
const (
	ActionError  Action = iota - 1 // ERR: reject, symmetric passive collision
	ActionDiscard                  // DSCRD: silently drop
	ActionProcess                  // PROC: run the packet through the filter pipeline
	ActionBroadcast                // BCST: accept as a broadcast client update
	ActionFastXmit                 // FXMIT: stateless server reply, no association
	ActionManycast                  // MANY: manycast server reply
	ActionNewPassive                 // NEWPS: mobilize new symmetric-passive association
	ActionNewBroadcast               // NEWBC: mobilize new broadcast-client association
)

func (a Action) String() string {
	switch a {
	case ActionError:
		return "error"
	case ActionDiscard:
		return "discard"
	case ActionProcess:
		return "process"
	case ActionBroadcast:
		return "broadcast"
	case ActionFastXmit:
		return "fast-xmit"
	case ActionManycast:
		return "manycast"
	case ActionNewPassive:
		return "new-passive"
	case ActionNewBroadcast:
		return "new-broadcast"
	default:
		return "unknown"
	}
}

// dispatch is the 7x5 host-mode x packet-mode matrix. Row 0 (hostModeNone)
// stands in for "no matching association"; rows 1-6 are the association's
// HostMode (ntp.Mode values 1..6). Columns are the incoming packet's Mode
// 1..5 (symmetric-active .. broadcast); a broadcast-client packet (mode 6)
// never appears on the wire, so it has no column.
var dispatch = [7][5]Action{
	/* none     */ {ActionNewPassive, ActionDiscard, ActionFastXmit, ActionManycast, ActionNewBroadcast},
	/* active   */ {ActionProcess, ActionProcess, ActionDiscard, ActionDiscard, ActionDiscard},
	/* passive  */ {ActionProcess, ActionError, ActionDiscard, ActionDiscard, ActionDiscard},
	/* client   */ {ActionDiscard, ActionDiscard, ActionDiscard, ActionProcess, ActionDiscard},
	/* server   */ {ActionDiscard, ActionDiscard, ActionDiscard, ActionDiscard, ActionDiscard},
	/* bcast    */ {ActionDiscard, ActionDiscard, ActionDiscard, ActionDiscard, ActionDiscard},
	/* bclient  */ {ActionDiscard, ActionDiscard, ActionDiscard, ActionDiscard, ActionProcess},
}

const hostModeNone = ntp.Mode(0)

// Dispatch looks up the matrix entry for a host of the given mode (or
// hostModeNone if there is no matching association) receiving a packet
// of packetMode.
func Dispatch(hostMode, packetMode ntp.Mode) Action {
	col := int(packetMode) - 1
	if col < 0 || col > 4 {
		return ActionDiscard
	}
	row := int(hostMode)
	if row < 0 || row > 6 {
		return ActionDiscard
	}
	return dispatch[row][col]
}

// AuthCode mirrors the reference's A_* authentication outcome codes.
type AuthCode int

// Authentication outcomes.
const (
	AuthNone  AuthCode = iota // A_NONE: packet carried no MAC
	AuthOK                    // A_OK: MAC present and verified
	AuthError                 // A_ERROR: MAC present but did not verify
	AuthCrypto                // A_CRYPTO: crypto-NAK received
)

// AuthRequired implements the reference's AUTH(x, y) macro: when required
// is true the only acceptable code is AuthOK; otherwise AuthOK or AuthNone
// both pass.
func AuthRequired(required bool, code AuthCode) bool {
	if required {
		return code == AuthOK
	}
	return code == AuthOK || code == AuthNone
}

// Received is the information the dispatcher needs from a decoded packet
// plus its arrival metadata; it is the Go-side analogue of struct r, minus
// the fields (key id, MAC, src/dst socket addresses) that the transport
// and auth packages already carry on their own envelope types.
type Received struct {
	Packet      ntp.Packet
	DstTime     ntp.Time64 // kernel/software receive timestamp
	Precision   int8       // the *sender's* precision, from the packet
}

// ProcessPacket implements packet(): validates header sanity, updates the
// last-packet-derived fields, computes a sample, and feeds it to the
// clock filter. It returns ok=false if the packet failed validation and
// was ignored (no sample produced). On success it also returns the
// offset and accepted-sample time the association held immediately
// before this call (UpdateFilter's own return values, passed through
// unchanged) so the caller can run AcceptSample against that pre-update
// state rather than against the fields ProcessPacket has just
// overwritten.
//
// sysPrecision is LOG2D(s.precision), supplied by the caller since it
// lives on the system record, not the association.
func (a *Association) ProcessPacket(r Received, now, sysPrecision float64) (ok bool, prevOffset, prevUpdateTime float64) {
	pkt := r.Packet

	a.PeerLeap = pkt.Leap()
	if pkt.Stratum == 0 {
		a.PeerStratum = maxStratumValue
	} else {
		a.PeerStratum = pkt.Stratum
	}
	a.PeerMode = pkt.ModeField()
	a.PeerPoll = pkt.Poll
	a.RootDelay = pkt.RootDelay
	a.RootDisp = pkt.RootDispersion
	a.RefID = pkt.ReferenceID
	a.RefTime = pkt.RefTime
	a.Org = pkt.OrigTime
	a.Rec = pkt.RxTime
	a.Xmt = pkt.TxTime

	if a.PeerLeap == leapNoSync || a.PeerStratum >= maxStratumValue {
		return false, 0, 0
	}

	rootDelaySeconds := ntp.FP2D(pkt.RootDelay)
	rootDispSeconds := ntp.FP2D(pkt.RootDispersion)
	if rootDelaySeconds/2+rootDispSeconds >= MaxDispersion || a.RefTime.Sub(pkt.TxTime) > 0 {
		return false, 0, 0
	}

	a.Reach |= 1

	var offset, delay, disp float64
	if a.PeerMode == ntp.ModeBroadcast {
		offset = pkt.TxTime.Sub(r.DstTime)
		delay = BroadcastDelay
		disp = ntp.Log2Seconds(r.Precision) + sysPrecision + PhiPPM*2*BroadcastDelay
	} else {
		offset = (pkt.RxTime.Sub(pkt.OrigTime) + r.DstTime.Sub(pkt.TxTime)) / 2
		delay = math.Max(r.DstTime.Sub(pkt.OrigTime)-pkt.RxTime.Sub(pkt.TxTime), sysPrecision)
		disp = ntp.Log2Seconds(r.Precision) + sysPrecision + PhiPPM*r.DstTime.Sub(pkt.OrigTime)
	}

	prevOffset, prevUpdateTime = a.UpdateFilter(now, offset, delay, disp)
	return true, prevOffset, prevUpdateTime
}
