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

	"github.com/noisysockets/netutil/triemap"
)

// Route is a static routing table entry.
type Route struct {
	// Destination is the network matched by this route.
	Destination netip.Prefix
	// Gateway is the next hop for matching packets. When unset the
	// destination network is directly attached and packets are sent
	// to their final destination address.
	Gateway netip.Addr
	// Interface is the name of the egress interface.
	Interface string
}

// NextHop returns the address the egress frame must be resolved to for
// a packet destined to dst.
func (r *Route) NextHop(dst netip.Addr) netip.Addr {
	if r.Gateway.IsValid() && !r.Gateway.IsUnspecified() {
		return r.Gateway
	}
	return dst
}

// RouteTable answers longest prefix match lookups over a static set of
// routes. The table is immutable after construction; lookups are safe
// for concurrent use. Duplicate prefixes keep the first route given.
type RouteTable struct {
	routes []Route
	trie   *triemap.TrieMap[*Route]
}

// NewRouteTable builds a routing table from the given routes.
func NewRouteTable(routes []Route) (*RouteTable, error) {
	t := &RouteTable{
		routes: make([]Route, 0, len(routes)),
		trie:   triemap.New[*Route](),
	}

	seen := make(map[netip.Prefix]bool, len(routes))
	for i := range routes {
		route := routes[i]

		if !route.Destination.IsValid() || !route.Destination.Addr().Is4() {
			return nil, fmt.Errorf("route %d has a non IPv4 destination", i)
		}
		if route.Interface == "" {
			return nil, fmt.Errorf("route for %s has no egress interface", route.Destination)
		}

		t.routes = append(t.routes, route)

		if seen[route.Destination] {
			continue
		}
		seen[route.Destination] = true

		t.trie.Insert(route.Destination, &t.routes[len(t.routes)-1])
	}

	return t, nil
}

// Lookup returns the most specific route for dst, if any.
func (t *RouteTable) Lookup(dst netip.Addr) (*Route, bool) {
	return t.trie.Get(dst)
}
