// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package allocation

import (
	"net"
)

// EventContext identifies the allocation an event is reported for: the
// client and server side of its 5-tuple plus the credentials the
// allocation was authenticated with.
type EventContext struct {
	SrcAddr, DstAddr net.Addr
	Username, Realm  string
}

// EventHandler is a set of callbacks that the server will call at certain hook points during an
// allocation's lifecycle. It is OK to handle only a subset of the callbacks.
type EventHandler struct {
	// OnAuth is called after an authentication request has been processed with the TURN method
	// triggering the authentication request (either "Allocate", "Refresh", "CreatePermission"
	// or "ChannelBind"), and the verdict is the authentication result.
	OnAuth func(srcAddr, dstAddr net.Addr, username, realm, method string, verdict bool)
	// OnAllocationCreated is called after a new allocation has been made.
	OnAllocationCreated func(ctx EventContext, relayAddr net.Addr)
	// OnAllocationDeleted is called after an allocation has been removed. Reason is one of
	// "expired", "refresh", "admin", "shutdown" or "error".
	OnAllocationDeleted func(ctx EventContext, reason string)
	// OnAllocationError is called when the relay loop of an allocation exits on a socket error.
	OnAllocationError func(ctx EventContext, message string)
	// OnPermissionCreated is called after a new permission has been made to an IP address.
	OnPermissionCreated func(ctx EventContext, relayAddr net.Addr, peer net.IP)
	// OnPermissionDeleted is called after a permission for a given IP address has been
	// removed.
	OnPermissionDeleted func(ctx EventContext, relayAddr net.Addr, peer net.IP)
	// OnChannelCreated is called after a new channel has been made.
	OnChannelCreated func(ctx EventContext, relayAddr, peer net.Addr, channelNumber uint16)
	// OnChannelDeleted is called after a channel has been removed from the allocation.
	OnChannelDeleted func(ctx EventContext, relayAddr, peer net.Addr, channelNumber uint16)
}
