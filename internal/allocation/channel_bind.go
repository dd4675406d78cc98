// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package allocation

import (
	"net"
	"time"

	"github.com/pion/turnrelay/internal/proto"
)

// ChannelBind represents a TURN Channel
// https://tools.ietf.org/html/rfc5766#section-2.5
type ChannelBind struct {
	Peer   net.Addr
	Number proto.ChannelNumber

	lifetime  time.Duration
	expiresAt time.Time
}

// NewChannelBind creates a new ChannelBind
func NewChannelBind(number proto.ChannelNumber, peer net.Addr) *ChannelBind {
	return &ChannelBind{
		Number: number,
		Peer:   peer,
	}
}

// ExpiresAt returns the moment after which the binding no longer applies.
func (c *ChannelBind) ExpiresAt() time.Time {
	return c.expiresAt
}

func (c *ChannelBind) expired(now time.Time) bool {
	return now.After(c.expiresAt)
}
