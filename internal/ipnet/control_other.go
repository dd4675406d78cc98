// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

//go:build !unix

package ipnet

import "syscall"

// ReuseAddrControl is a no-op on platforms without SO_REUSEADDR semantics.
func ReuseAddrControl(string, string, syscall.RawConn) error {
	return nil
}
