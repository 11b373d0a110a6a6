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

// Package dscp marks outgoing packets with a DiffServ code point so
// network gear can prioritize time-protocol traffic ahead of best-effort
// traffic.
package dscp

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// dscpShift is the number of low bits the TOS/traffic-class octet
// reserves for ECN, below the six-bit DSCP field.
const dscpShift = 2

// Enable sets the DSCP code point on fd for subsequent sends, choosing
// IP_TOS or IPV6_TCLASS depending on whether ip is an IPv4 or IPv6
// address.
func Enable(fd int, ip net.IP, dscpValue int) error {
	tos := dscpValue << dscpShift
	if ip.To4() != nil {
		if err := unix.SetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_TOS, tos); err != nil {
			return fmt.Errorf("setting IP_TOS: %w", err)
		}
		return nil
	}
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_TCLASS, tos); err != nil {
		return fmt.Errorf("setting IPV6_TCLASS: %w", err)
	}
	return nil
}
