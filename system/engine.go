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
	"context"
	"fmt"
	"net/netip"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/ntpsync/ntpd/auth"
	"github.com/ntpsync/ntpd/discipline"
	"github.com/ntpsync/ntpd/kernelclock"
	"github.com/ntpsync/ntpd/peer"
	"github.com/ntpsync/ntpd/protocol/ntp"
	"github.com/ntpsync/ntpd/selection"
	"github.com/ntpsync/ntpd/stats"
	"github.com/ntpsync/ntpd/transport"
)

// Sender is the subset of transport.Listener the engine needs, so tests
// can substitute a recording fake instead of a bound UDP socket.
type Sender interface {
	Send(pkt *ntp.Packet, trailer []byte, addr netip.AddrPort) error
}

// Query is a monitoring request served by the engine's own goroutine,
// matching the "monitoring-query channel" named in the concurrency model:
// a read-only snapshot function run with the association table and system
// record held consistent, its result delivered back on Reply.
type Query struct {
	Run   func(sys *System, table *peer.Table)
	Reply chan struct{}
}

// Engine is the single goroutine that owns the association table and
// system record, servicing receive, the one-second tick, and monitoring
// queries from one select loop so no two ever observe inconsistent
// state, per the concurrency model.
type Engine struct {
	Table  *peer.Table
	Sys    *System
	Clock  kernelclock.Clock
	Keys   *auth.KeyStore
	Stats  stats.Reporter
	Sender Sender

	DriftFile string

	recv    <-chan transport.Received
	queries chan Query

	lastDriftSaveProcessTime float64
}

// NewEngine wires an engine from its collaborators. recv is the channel a
// transport.Listener's Serve loop feeds; sender is typically the same
// Listener, accepted as the narrower Sender interface.
func NewEngine(table *peer.Table, sys *System, clk kernelclock.Clock, keys *auth.KeyStore, reporter stats.Reporter, sender Sender, recv <-chan transport.Received) *Engine {
	if sys != nil {
		peer.SetJitterFloor(ntp.Log2Seconds(sys.Precision))
	}
	return &Engine{
		Table:   table,
		Sys:     sys,
		Clock:   clk,
		Keys:    keys,
		Stats:   reporter,
		Sender:  sender,
		recv:    recv,
		queries: make(chan Query),
	}
}

// Query enqueues a monitoring request and blocks until the engine has run
// it with state held consistent.
func (e *Engine) Query(run func(sys *System, table *peer.Table)) {
	q := Query{Run: run, Reply: make(chan struct{})}
	e.queries <- q
	<-q.Reply
}

// Run is the engine's select loop: it services transport receives, the
// one-second adjust tick, and monitoring queries until ctx is canceled.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case r, ok := <-e.recv:
			if !ok {
				return fmt.Errorf("system: receive channel closed")
			}
			e.handleReceive(r)

		case <-ticker.C:
			if err := e.tick(); err != nil {
				return err
			}

		case q := <-e.queries:
			q.Run(e.Sys, e.Table)
			close(q.Reply)
		}
	}
}

// sysPollSeconds/sysPrecisionSeconds are the LOG2D conversions of the
// system record's poll and precision exponents, used throughout the
// packet/filter/discipline pipeline.
func (e *Engine) sysPollSeconds() float64      { return ntp.Log2Seconds(e.Sys.Poll) }
func (e *Engine) sysPrecisionSeconds() float64 { return ntp.Log2Seconds(e.Sys.Precision) }

// handleReceive implements the receive → dispatch → packet → filter →
// select → update → discipline chain for one datagram.
func (e *Engine) handleReceive(r transport.Received) {
	if e.Stats != nil {
		e.Stats.IncPacketsReceived()
	}

	packetMode := r.Packet.ModeField()
	handle, found := e.Table.FindAssociation(r.From, netip.Addr{})
	var hostMode ntp.Mode
	var assoc *peer.Association
	if found {
		assoc, found = e.Table.Get(handle)
	}
	if found {
		hostMode = assoc.HostMode
	} else {
		hostMode = ntp.Mode(0)
	}

	action := peer.Dispatch(hostMode, packetMode)

	authCode := e.verifyAuth(r)
	required := found && assoc.Flags.Has(peer.FlagNoTrust)
	if !peer.AuthRequired(required, authCode) {
		if e.Stats != nil {
			e.Stats.IncPacketsDropped("auth")
		}
		if action == peer.ActionFastXmit || action == peer.ActionManycast {
			e.fastXmit(r) // still send a stateless crypto-NAK reply
		}
		return
	}

	switch action {
	case peer.ActionError, peer.ActionDiscard:
		if e.Stats != nil {
			e.Stats.IncPacketsDropped(action.String())
		}
		return

	case peer.ActionFastXmit:
		e.fastXmit(r)

	case peer.ActionManycast:
		// Manycast server replies use the same stateless path as a
		// client request; no association is created on this side.
		e.fastXmit(r)

	case peer.ActionNewPassive:
		newHandle, err := e.Table.Mobilize(r.From, netip.Addr{}, int(r.Packet.VersionNumber()), ntp.ModeSymmetricPassive, 0, peer.FlagEphemeral)
		if err != nil {
			log.WithError(err).Debug("dropping new symmetric-passive association, table full")
			return
		}
		assoc, _ = e.Table.Get(newHandle)
		e.processAndAdvance(assoc, r)

	case peer.ActionNewBroadcast:
		if e.Sys.Flags.Has(FlagBroadcastEnabled) {
			newHandle, err := e.Table.Mobilize(r.From, netip.Addr{}, int(r.Packet.VersionNumber()), peer.HostModeBroadcastClient, 0, peer.FlagEphemeral)
			if err != nil {
				log.WithError(err).Debug("dropping new broadcast-client association, table full")
				return
			}
			assoc, _ = e.Table.Get(newHandle)
			e.processAndAdvance(assoc, r)
		}

	case peer.ActionBroadcast, peer.ActionProcess:
		if assoc == nil {
			return
		}
		e.processAndAdvance(assoc, r)
	}
}

// verifyAuth implements the A_NONE/A_OK/A_ERROR/A_CRYPTO classification
// packet() applies ahead of dispatch: no trailer is A_NONE, a crypto-NAK
// (all-zero digest) is A_CRYPTO, and anything else is A_OK or A_ERROR
// depending on whether the key store can verify it.
func (e *Engine) verifyAuth(r transport.Received) peer.AuthCode {
	if len(r.Trailer) == 0 {
		return peer.AuthNone
	}
	mac, ok, err := ntp.ParseMAC(r.Trailer)
	if err != nil || !ok {
		return peer.AuthError
	}
	if mac.IsCryptoNAK() {
		return peer.AuthCrypto
	}
	if e.Keys == nil {
		return peer.AuthError
	}
	verified, _ := e.Keys.Verify(&r.Packet, mac)
	if verified {
		return peer.AuthOK
	}
	return peer.AuthError
}

// processAndAdvance implements the replay/bogus-origin guard ahead of
// packet(), then feeds an accepted sample through selection and
// clock_update.
func (e *Engine) processAndAdvance(a *peer.Association, r transport.Received) {
	pkt := r.Packet

	if pkt.TxTime == 0 || pkt.TxTime == a.Xmt {
		return // replay: association state, including Xmt, is unchanged
	}
	if a.PeerMode != ntp.ModeBroadcast && pkt.OrigTime != a.Xmt && pkt.OrigTime != 0 {
		a.Org = pkt.TxTime
		a.Rec = r.RxTime
		return // bogus origin timestamp: timestamps updated, no sample delivered
	}

	now := e.Sys.Clock.ProcessTime
	ok, prevOffset, prevUpdateTime := a.ProcessPacket(peer.Received{
		Packet:    pkt,
		DstTime:   r.RxTime,
		Precision: pkt.Precision,
	}, now, e.sysPrecisionSeconds())
	if !ok {
		return
	}

	if !a.AcceptSample(prevOffset, prevUpdateTime, e.sysPollSeconds(), !e.Sys.Unsynchronized()) {
		return
	}

	e.runSelection(now)
}

// runSelection builds the candidate list from every fit association,
// runs the intersection/cluster algorithm, combines the survivors, and
// feeds the result to clock_update.
func (e *Engine) runSelection(now float64) {
	handles := e.Table.All()
	candidates := make([]selection.Candidate, 0, len(handles))
	byHandle := make(map[peer.Handle]*peer.Association, len(handles))

	for _, h := range handles {
		a, ok := e.Table.Get(h)
		if !ok || !a.Fit(now, e.sysPollSeconds()) {
			continue
		}
		byHandle[h] = a
		candidates = append(candidates, selection.Candidate{
			Handle:   h,
			Offset:   a.Offset,
			RootDist: a.RootDistance(now),
			Stratum:  a.PeerStratum,
			Jitter:   a.Jitter,
		})
	}

	prevStratum := uint8(0)
	if e.Sys.HasPeer {
		if prev, ok := e.Table.Get(e.Sys.SysPeer); ok {
			prevStratum = prev.PeerStratum
		}
	}

	result := selection.Select(candidates, e.Sys.SysPeer, prevStratum, e.Sys.HasPeer)

	if e.Stats != nil {
		for h, st := range result.Statuses {
			if a, ok := byHandle[h]; ok {
				a.SelectionStatus = int(st)
			}
		}
	}

	if !result.HasPeer {
		return
	}

	sysPeerAssoc, ok := e.Table.Get(result.SysPeer)
	if !ok {
		return
	}

	survivors := make([]selection.Candidate, 0, len(candidates))
	for _, c := range candidates {
		if st, ok2 := result.Statuses[c.Handle]; ok2 && (st == selection.StatusSysPeer || st == selection.StatusCandidate) {
			survivors = append(survivors, c)
		}
	}
	combinedOffset, combinedJitter := Combine(survivors)

	e.Sys.SysPeer = result.SysPeer
	e.Sys.HasPeer = true

	outcome, err := e.Sys.ClockUpdate(sysPeerAssoc, combinedOffset, combinedJitter, now, e.sysPollSeconds(), e.sysPrecisionSeconds())
	if err != nil {
		log.WithError(err).Fatal("clock offset exceeds panic threshold")
		return
	}

	switch outcome {
	case discipline.OutcomeStep:
		e.stepClock(combinedOffset)
	case discipline.OutcomeSlew, discipline.OutcomeIgnore:
		// slew is applied continuously by the adjust tick; nothing to do here.
	}
}

// stepClock implements the STEP fan-out: step the kernel clock and clear
// every association, since a phase discontinuity invalidates every
// outstanding sample.
func (e *Engine) stepClock(offset float64) {
	if e.Clock != nil {
		if err := e.Clock.Step(time.Duration(offset * float64(time.Second))); err != nil {
			log.WithError(err).Error("failed to step system clock")
		}
	}
	for _, h := range e.Table.All() {
		if a, ok := e.Table.Get(h); ok {
			a.Clear(0)
		}
	}
	e.Sys.HasPeer = false
}

// tick implements the one-second adjust loop (clock_adjust), then walks
// the association table invoking poll() for every association whose
// next scheduled transmit has arrived.
func (e *Engine) tick() error {
	freq := e.Sys.Clock.Tick(e.sysPollSeconds())
	e.Sys.RootDisp += peer.PhiPPM

	if e.Clock != nil {
		if err := e.Clock.Adjust(discipline.FreqToPPM(freq)); err != nil {
			log.WithError(err).Error("failed to adjust system clock frequency")
		}
	}

	now := e.Sys.Clock.ProcessTime
	for _, h := range e.Table.All() {
		a, ok := e.Table.Get(h)
		if !ok {
			continue
		}
		if now >= a.NextDate {
			e.poll(a)
		}
	}

	if now-e.lastDriftSaveProcessTime >= 3600 && e.DriftFile != "" {
		if err := discipline.SaveFrequency(e.DriftFile, discipline.FreqToPPM(e.Sys.Clock.Freq)); err != nil {
			log.WithError(err).Warn("failed to persist frequency file")
		}
		e.lastDriftSaveProcessTime = now
	}

	return nil
}
