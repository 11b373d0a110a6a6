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
	"math"
	"net/netip"

	log "github.com/sirupsen/logrus"

	"github.com/ntpsync/ntpd/peer"
	"github.com/ntpsync/ntpd/protocol/ntp"
	"github.com/ntpsync/ntpd/selection"
	"github.com/ntpsync/ntpd/transport"
)

// poll implements the per-association poll scheduler (poll() in the
// reference): it is invoked once c.t reaches a.NextDate.
func (e *Engine) poll(a *peer.Association) {
	now := e.Sys.Clock.ProcessTime

	if a.HostMode == ntp.ModeBroadcast {
		if e.Sys.HasPeer {
			e.transmit(a)
		}
		e.pollUpdate(a, a.HostPoll, false)
		return
	}

	if a.HostMode == ntp.ModeClient && a.Flags.Has(peer.FlagManycast) {
		if a.Unreach > peer.MaxBeaconPoll {
			a.Unreach = 0
			a.TTL = 1
			e.transmit(a)
		} else if e.survivorCount() < selection.MinClusterSurvivors {
			if a.TTL < peer.MaxTTL {
				a.TTL++
			}
			e.transmit(a)
		}
		a.Unreach++
		e.pollUpdate(a, a.HostPoll, false)
		return
	}

	hpoll := a.HostPoll
	if a.Burst == 0 {
		oldReach := a.Reach
		a.ShiftReach(false)
		if a.Reach&0x7 == 0 && oldReach != 0 {
			// Three consecutive misses: feed a MAXDISP dead sample through
			// the same filter/accept/select pipeline a real sample takes,
			// per the reference's single clock_filter() path.
			prevOffset, prevUpdateTime := a.UpdateFilter(now, 0, 0, peer.MaxDispersion)
			if a.AcceptSample(prevOffset, prevUpdateTime, e.sysPollSeconds(), !e.Sys.Unsynchronized()) {
				e.runSelection(now)
			}
		}

		if a.Reach == 0 {
			switch {
			case a.Flags.Has(peer.FlagInitialBurst) && a.Unreach == 0:
				a.Burst = peer.BurstCount
			case a.Unreach < peer.UnreachLimit:
				a.Unreach++
			default:
				hpoll++
			}
			a.Unreach++
		} else {
			a.Unreach = 0
			hpoll = e.Sys.Poll
			if a.Flags.Has(peer.FlagBurst) && a.Fit(now, e.sysPollSeconds()) {
				a.Burst = peer.BurstCount
			}
		}
	} else {
		a.Burst--
	}

	if a.HostMode != peer.HostModeBroadcastClient {
		e.transmit(a)
	}
	e.pollUpdate(a, hpoll, a.Burst > 0)
}

// survivorCount reports how many currently-fit associations exist, used
// by the manycast client's expanding-ring search.
func (e *Engine) survivorCount() int {
	now := e.Sys.Clock.ProcessTime
	n := 0
	for _, h := range e.Table.All() {
		if a, ok := e.Table.Get(h); ok && a.Fit(now, e.sysPollSeconds()) {
			n++
		}
	}
	return n
}

// pollUpdate implements poll_update(): clamps the host poll exponent and
// reschedules NextDate, matching the reference's burst-vs-steady-state
// branching.
func (e *Engine) pollUpdate(a *peer.Association, hpoll int8, bursting bool) {
	now := e.Sys.Clock.ProcessTime

	if hpoll < peer.MinPoll {
		hpoll = peer.MinPoll
	}
	if hpoll > peer.MaxPoll {
		hpoll = peer.MaxPoll
	}
	a.HostPoll = hpoll

	a.OutDate = now
	if bursting {
		a.NextDate = now + peer.BurstInterval
	} else {
		ppoll := hpoll
		if a.PeerPoll < ppoll {
			ppoll = a.PeerPoll
		}
		if ppoll < peer.MinPoll {
			ppoll = peer.MinPoll
		}
		if ppoll > peer.MaxPoll {
			ppoll = peer.MaxPoll
		}
		a.NextDate = a.OutDate + math.Pow(2, float64(ppoll))
	}
	if a.NextDate <= now {
		a.NextDate = now + 1
	}
}

// transmit implements peer_xmit(): fills a packet from the association
// and system state, signs it if a key is configured, and sends it.
func (e *Engine) transmit(a *peer.Association) {
	pkt := e.buildPacket(a)

	var trailer []byte
	if a.KeyID != 0 && e.Keys != nil {
		mac, err := e.Keys.Sign(&pkt, a.KeyID)
		if err != nil {
			log.WithError(err).Warn("clearing association: no usable key for transmit")
			a.Clear(0)
			return
		}
		trailer = mac.Bytes()
	}

	a.Xmt = pkt.TxTime
	e.send(&pkt, trailer, a.SrcAddr)
}

// buildPacket fills the fixed header transmit() sends (fastXmit() builds
// its own reply header): srcaddr/dstaddr are handled by the caller via the
// destination address passed to send, since the wire packet carries no
// address fields of its own.
func (e *Engine) buildPacket(a *peer.Association) ntp.Packet {
	var pkt ntp.Packet
	stratum := e.Sys.Stratum
	if stratum >= maxStratum {
		stratum = 0 // MAXSTRAT maps to 0 (unspecified) on the wire
	}
	pkt.SetSettings(e.Sys.Leap, ntp.Version, a.HostMode)
	pkt.Stratum = stratum
	pkt.Poll = a.HostPoll
	pkt.Precision = e.Sys.Precision
	pkt.RootDelay = ntp.D2FP(e.Sys.RootDelay)
	pkt.RootDispersion = ntp.D2FP(e.Sys.RootDisp)
	pkt.ReferenceID = e.Sys.RefID
	pkt.RefTime = ntp.NewTime64(e.Clock.Now())
	pkt.OrigTime = a.Org
	pkt.RxTime = a.Rec
	pkt.TxTime = ntp.NewTime64(e.Clock.Now())
	return pkt
}

// fastXmit implements the stateless fast_xmit() reply path used for
// client requests with no matching association and for manycast server
// replies: it mirrors the request's timestamps back without touching the
// association table.
func (e *Engine) fastXmit(r transport.Received) {
	var pkt ntp.Packet
	stratum := e.Sys.Stratum
	if stratum >= maxStratum {
		stratum = 0
	}
	replyMode := ntp.ModeServer
	if r.Packet.ModeField() == ntp.ModeSymmetricActive {
		replyMode = ntp.ModeSymmetricPassive
	}
	pkt.SetSettings(e.Sys.Leap, ntp.Version, replyMode)
	pkt.Stratum = stratum
	pkt.Poll = r.Packet.Poll
	pkt.Precision = e.Sys.Precision
	pkt.RootDelay = ntp.D2FP(e.Sys.RootDelay)
	pkt.RootDispersion = ntp.D2FP(e.Sys.RootDisp)
	pkt.ReferenceID = e.Sys.RefID
	pkt.RefTime = ntp.NewTime64(e.Clock.Now())
	pkt.OrigTime = r.Packet.TxTime
	pkt.RxTime = r.RxTime
	pkt.TxTime = ntp.NewTime64(e.Clock.Now())

	var trailer []byte
	if len(r.Trailer) > 0 && e.verifyAuth(r) != peer.AuthOK {
		// the request carried a MAC we could not verify: reply with a
		// crypto-NAK, a four-octet keyid-only trailer with keyid 0.
		trailer = ntp.MAC{KeyID: 0}.Bytes()[:4]
	}

	e.send(&pkt, trailer, r.From)
}

func (e *Engine) send(pkt *ntp.Packet, trailer []byte, addr netip.AddrPort) {
	if e.Sender == nil {
		return
	}
	if err := e.Sender.Send(pkt, trailer, addr); err != nil {
		log.WithError(err).Warn("failed to send packet")
		return
	}
	if e.Stats != nil {
		e.Stats.IncPacketsSent()
	}
}
