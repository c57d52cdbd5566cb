// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 The Noisy Sockets Authors.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package router

import "errors"

var (
	// ErrRouterClosed is returned when a frame is handed to a router
	// that has been closed.
	ErrRouterClosed = errors.New("router is closed")
	// ErrUnknownInterface is returned when a frame arrives on an
	// interface the router does not terminate, or when the translation
	// configuration names such an interface as the internal one.
	ErrUnknownInterface = errors.New("unknown interface")
)
