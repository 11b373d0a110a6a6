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

// Package transport wraps a UDP socket the way the teacher's responder
// server wraps one: a receive loop goroutine decodes datagrams and
// timestamps them, handing them to the engine over a channel so all
// shared state stays owned by a single goroutine.
package transport

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ntpsync/ntpd/dscp"
	"github.com/ntpsync/ntpd/protocol/ntp"
	"github.com/ntpsync/ntpd/timestamp"
)

// Received is a decoded packet plus its arrival metadata, pushed onto the
// engine's receive channel.
type Received struct {
	Packet  ntp.Packet
	Trailer []byte // bytes following the fixed header: extension fields and/or a MAC
	From    netip.AddrPort
	RxTime  ntp.Time64
}

// Listener owns a UDP socket and a goroutine that decodes datagrams from
// it onto a channel.
type Listener struct {
	conn    *net.UDPConn
	recv    chan Received
	log     *logrus.Entry
}

// Listen binds addr and applies DSCP marking, grounded on the teacher's
// dscp.Enable and timestamp.ConnFd.
func Listen(addr string, dscpValue int) (*Listener, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolving listen address %q: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("listening on %q: %w", addr, err)
	}

	fd, err := timestamp.ConnFd(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("getting socket fd: %w", err)
	}
	if dscpValue > 0 {
		if err := dscp.Enable(fd, udpAddr.IP, dscpValue); err != nil {
			conn.Close()
			return nil, fmt.Errorf("enabling dscp marking: %w", err)
		}
	}

	return &Listener{
		conn: conn,
		recv: make(chan Received, 64),
		log:  logrus.WithField("component", "transport"),
	}, nil
}

// Recv returns the channel the engine reads decoded packets from.
func (l *Listener) Recv() <-chan Received { return l.recv }

// Close shuts down the listening socket.
func (l *Listener) Close() error { return l.conn.Close() }

// Serve runs the receive loop until ctx is canceled or the socket
// errors. It never touches shared engine state; it only decodes and
// enqueues, matching the single-writer design.
func (l *Listener) Serve(ctx context.Context) error {
	buf := make([]byte, 1024)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		l.conn.SetReadDeadline(time.Now().Add(time.Second))
		n, from, err := l.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return fmt.Errorf("reading udp packet: %w", err)
		}
		rxTime := ntp.NewTime64(time.Now())

		r, perr := DecodePacket(buf[:n], from, rxTime)
		if perr != nil {
			l.log.WithError(perr).Debug("dropping malformed packet")
			continue
		}

		select {
		case l.recv <- r:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// DecodePacket parses a raw datagram into a Received, the pure function
// behind Serve's receive loop so the decode path can be exercised without
// binding a real UDP socket.
func DecodePacket(raw []byte, from netip.AddrPort, rxTime ntp.Time64) (Received, error) {
	pkt, err := ntp.BytesToPacket(raw)
	if err != nil {
		return Received{}, err
	}
	var trailer []byte
	if len(raw) > ntp.HeaderSizeBytes {
		trailer = append([]byte(nil), raw[ntp.HeaderSizeBytes:]...)
	}
	return Received{Packet: *pkt, Trailer: trailer, From: from, RxTime: rxTime}, nil
}

// Send transmits a packet (with an optional trailer: extension fields
// and/or a MAC) to addr.
func (l *Listener) Send(pkt *ntp.Packet, trailer []byte, addr netip.AddrPort) error {
	raw, err := pkt.Bytes()
	if err != nil {
		return fmt.Errorf("marshaling packet: %w", err)
	}
	raw = append(raw, trailer...)
	_, err = l.conn.WriteToUDPAddrPort(raw, addr)
	if err != nil {
		return fmt.Errorf("sending packet to %s: %w", addr, err)
	}
	return nil
}
