// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package allocation

import (
	"net"
	"time"
)

// DefaultPermissionTimeout is the lifetime of a permission.
// https://tools.ietf.org/html/rfc5766#section-8
const DefaultPermissionTimeout = time.Duration(5) * time.Minute

// Permission represents a TURN permission. TURN permissions mimic the address-restricted
// filtering mechanism of NATs that comply with [RFC4787].
// https://tools.ietf.org/html/rfc5766#section-2.3
//
// Only the IP of Addr is significant: a permission covers every port of the peer.
type Permission struct {
	Addr      net.Addr
	expiresAt time.Time
}

// NewPermission create a new Permission
func NewPermission(addr net.Addr) *Permission {
	return &Permission{Addr: addr}
}

// ExpiresAt returns the moment after which the permission no longer applies.
func (p *Permission) ExpiresAt() time.Time {
	return p.expiresAt
}

func (p *Permission) expired(now time.Time) bool {
	return now.After(p.expiresAt)
}
