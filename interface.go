// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 The Noisy Sockets Authors.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package router

import (
	"fmt"
	"net/netip"

	"github.com/noisysockets/netstack/pkg/tcpip"
)

// Interface is a router-attached network interface.
type Interface struct {
	// Name is the interface name, eg. "eth0".
	Name string
	// HardwareAddr is the MAC address of the interface.
	HardwareAddr tcpip.LinkAddress
	// Addr is the IPv4 address assigned to the interface.
	Addr netip.Addr
}

// interfaceTable is the ordered set of interfaces attached to the
// router, with lookup by name and by owned address. Interfaces are
// registered at startup and never removed.
type interfaceTable struct {
	ordered []*Interface
	byName  map[string]*Interface
	byAddr  map[netip.Addr]*Interface
}

func newInterfaceTable(interfaces []Interface) (*interfaceTable, error) {
	t := &interfaceTable{
		byName: make(map[string]*Interface, len(interfaces)),
		byAddr: make(map[netip.Addr]*Interface, len(interfaces)),
	}

	for i := range interfaces {
		iface := interfaces[i]

		if iface.Name == "" {
			return nil, fmt.Errorf("interface %d has no name", i)
		}
		if len(iface.HardwareAddr) != 6 {
			return nil, fmt.Errorf("interface %q has an invalid hardware address", iface.Name)
		}
		if !iface.Addr.Is4() {
			return nil, fmt.Errorf("interface %q has a non IPv4 address", iface.Name)
		}
		if _, ok := t.byName[iface.Name]; ok {
			return nil, fmt.Errorf("duplicate interface name %q", iface.Name)
		}
		if _, ok := t.byAddr[iface.Addr]; ok {
			return nil, fmt.Errorf("duplicate interface address %s", iface.Addr)
		}

		t.ordered = append(t.ordered, &iface)
		t.byName[iface.Name] = &iface
		t.byAddr[iface.Addr] = &iface
	}

	return t, nil
}

func (t *interfaceTable) lookupName(name string) (*Interface, bool) {
	iface, ok := t.byName[name]
	return iface, ok
}

func (t *interfaceTable) lookupAddr(addr netip.Addr) (*Interface, bool) {
	iface, ok := t.byAddr[addr]
	return iface, ok
}

// hasAddr reports whether addr is assigned to any of the router's
// interfaces.
func (t *interfaceTable) hasAddr(addr netip.Addr) bool {
	_, ok := t.byAddr[addr]
	return ok
}
