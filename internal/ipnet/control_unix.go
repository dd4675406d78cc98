// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

//go:build unix

package ipnet

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// ReuseAddrControl is a net.ListenConfig Control function that sets
// SO_REUSEADDR on the socket before bind. It is meant for listening
// sockets only; relay sockets must never share a port.
func ReuseAddrControl(_, _ string, c syscall.RawConn) error {
	var sockErr error
	if err := c.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	}); err != nil {
		return err
	}

	return sockErr
}
