/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package signaling

import "github.com/tejzpr/huddle-go-sdk/huddlesdk"

var (
	// ErrSocketNotReady is returned by Send when the connection is not open,
	// or when a non-handshake message is sent before identification.
	ErrSocketNotReady = huddlesdk.NewError(huddlesdk.CategoryTransportUnready, "signaling.send", "socket not ready")

	// ErrRequestTimeout is returned when no response arrives before the request deadline.
	ErrRequestTimeout = huddlesdk.NewError(huddlesdk.CategoryTimeout, "signaling.request", "no response before deadline")

	// ErrDisconnected is returned to every request still pending when the connection closes.
	ErrDisconnected = huddlesdk.NewError(huddlesdk.CategoryDisconnected, "signaling.request", "disconnected before response")

	// ErrAlreadyConnected is returned by Connect and Attach when a connection already exists.
	ErrAlreadyConnected = huddlesdk.NewError(huddlesdk.CategoryInvalidArgument, "signaling.connect", "connection already open")
)
