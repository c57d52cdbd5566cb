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
	"os"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// packetCapture appends every frame entering or leaving the router to
// a pcapng file.
type packetCapture struct {
	f *os.File

	mu sync.Mutex
	w  *pcapgo.NgWriter
}

func newPacketCapture(path string) (*packetCapture, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open packet capture file: %w", err)
	}

	w, err := pcapgo.NewNgWriter(f, layers.LinkTypeEthernet)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("failed to create packet capture writer: %w", err)
	}

	return &packetCapture{f: f, w: w}, nil
}

func (c *packetCapture) writeFrame(frame []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	_ = c.w.WritePacket(gopacket.CaptureInfo{
		Timestamp:     time.Now(),
		CaptureLength: len(frame),
		Length:        len(frame),
	}, frame)
}

func (c *packetCapture) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.w.Flush(); err != nil {
		return fmt.Errorf("failed to flush packet capture: %w", err)
	}

	return c.f.Close()
}
