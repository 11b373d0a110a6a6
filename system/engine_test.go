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
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ntpsync/ntpd/kernelclock"
	"github.com/ntpsync/ntpd/peer"
	"github.com/ntpsync/ntpd/protocol/ntp"
	"github.com/ntpsync/ntpd/transport"
)

type recordingSender struct {
	sent []ntp.Packet
}

func (r *recordingSender) Send(pkt *ntp.Packet, trailer []byte, addr netip.AddrPort) error {
	r.sent = append(r.sent, *pkt)
	return nil
}

func newTestEngine() (*Engine, *peer.Table, *recordingSender) {
	table := peer.NewTable()
	sys := New(-10)
	fake := kernelclock.NewFake(time.Unix(0, 0))
	sender := &recordingSender{}
	e := NewEngine(table, sys, fake, nil, nil, sender, nil)
	return e, table, sender
}

func TestReachShiftAfterMiss(t *testing.T) {
	e, table, _ := newTestEngine()
	h, err := table.Mobilize(netip.MustParseAddrPort("192.0.2.1:123"), netip.Addr{}, 4, ntp.ModeClient, 0, 0)
	require.NoError(t, err)
	a, _ := table.Get(h)
	a.Reach = 0b11111111
	a.NextDate = 0

	e.poll(a)
	require.EqualValues(t, 0b11111110, a.Reach)

	e.poll(a)
	require.EqualValues(t, 0b11111100, a.Reach)

	e.poll(a)
	require.EqualValues(t, 0b11111000, a.Reach)
}

func TestPollUnreachableAssociationBacksOffInterval(t *testing.T) {
	e, table, _ := newTestEngine()
	h, err := table.Mobilize(netip.MustParseAddrPort("192.0.2.1:123"), netip.Addr{}, 4, ntp.ModeClient, 0, 0)
	require.NoError(t, err)
	a, _ := table.Get(h)
	a.Reach = 0
	a.Unreach = peer.UnreachLimit + 1
	a.HostPoll = peer.MinPoll
	a.NextDate = 0

	e.poll(a)
	require.Greater(t, a.HostPoll, int8(peer.MinPoll))
}

func TestPollReachableAssociationTransmits(t *testing.T) {
	e, table, sender := newTestEngine()
	h, err := table.Mobilize(netip.MustParseAddrPort("192.0.2.1:123"), netip.Addr{}, 4, ntp.ModeClient, 0, 0)
	require.NoError(t, err)
	a, _ := table.Get(h)
	a.Reach = 1
	a.NextDate = 0

	e.poll(a)
	require.Len(t, sender.sent, 1)
	require.Equal(t, ntp.ModeClient, sender.sent[0].ModeField())
}

func TestHandleReceiveNoAssociationClientRequestFastXmits(t *testing.T) {
	e, _, sender := newTestEngine()

	var req ntp.Packet
	req.SetSettings(ntp.LeapNone, ntp.Version, ntp.ModeClient)
	req.TxTime = ntp.NewTime64(time.Unix(100, 0))

	e.handleReceive(transport.Received{
		Packet: req,
		From:   netip.MustParseAddrPort("198.51.100.1:123"),
		RxTime: ntp.NewTime64(time.Unix(100, 0)),
	})

	require.Len(t, sender.sent, 1)
	require.Equal(t, ntp.ModeServer, sender.sent[0].ModeField())
	require.Equal(t, req.TxTime, sender.sent[0].OrigTime)
}

// TestProcessAndAdvanceKeepsAcceptingAcrossManySamples drives
// processAndAdvance with a steady run of distinct replies and checks that
// runSelection keeps firing on every one of them: if AcceptSample ever
// compared against the association's own (already-mutated) state instead
// of the pre-update values ProcessPacket/UpdateFilter hand back,
// synchronization would freeze solid after the very first accepted
// sample and the system offset would never move again.
func TestProcessAndAdvanceKeepsAcceptingAcrossManySamples(t *testing.T) {
	e, table, _ := newTestEngine()
	h, err := table.Mobilize(netip.MustParseAddrPort("192.0.2.1:123"), netip.Addr{}, 4, ntp.ModeClient, 0, 0)
	require.NoError(t, err)
	a, _ := table.Get(h)
	a.Reach = 1

	for i := 0; i < 20; i++ {
		now := float64(64 * (i + 1))
		e.Sys.Clock.ProcessTime = now

		var reply ntp.Packet
		reply.SetSettings(ntp.LeapNone, ntp.Version, ntp.ModeServer)
		reply.Stratum = 1
		reply.RefTime = ntp.NewTime64(time.Unix(int64(now)-1, 0))
		reply.TxTime = ntp.NewTime64(time.Unix(int64(now), 0))
		reply.RxTime = ntp.NewTime64(time.Unix(int64(now), 0))

		e.processAndAdvance(a, transport.Received{
			Packet: reply,
			From:   netip.MustParseAddrPort("192.0.2.1:123"),
			RxTime: ntp.NewTime64(time.Unix(int64(now), 0)),
		})

		require.Equal(t, now, a.UpdateTime, "sample %d must be accepted, not frozen out by a stale pre-update baseline", i)
	}
}

func TestHandleReceiveReplayIsIgnored(t *testing.T) {
	e, table, _ := newTestEngine()
	h, err := table.Mobilize(netip.MustParseAddrPort("192.0.2.1:123"), netip.Addr{}, 4, ntp.ModeSymmetricActive, 0, 0)
	require.NoError(t, err)
	a, _ := table.Get(h)
	a.Xmt = ntp.NewTime64(time.Unix(50, 0))
	savedOrg := a.Org

	var reply ntp.Packet
	reply.SetSettings(ntp.LeapNone, ntp.Version, ntp.ModeSymmetricPassive)
	reply.TxTime = a.Xmt // replay of a timestamp already seen

	e.handleReceive(transport.Received{
		Packet: reply,
		From:   netip.MustParseAddrPort("192.0.2.1:123"),
		RxTime: ntp.NewTime64(time.Unix(51, 0)),
	})

	require.Equal(t, savedOrg, a.Org)
}
