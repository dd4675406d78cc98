// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package server

import "errors"

var (
	errFailedToGenerateNonce        = errors.New("failed to generate nonce")
	errFailedToSendError            = errors.New("failed to send error message")
	errDuplicatedNonce              = errors.New("duplicated Nonce generated, discarding request")
	errInvalidNonce                 = errors.New("invalid nonce")
	errNoSuchUser                   = errors.New("no such user exists")
	errFailedToHandle               = errors.New("failed to handle")
	errUnhandledSTUNPacket          = errors.New("unhandled STUN packet")
	errUnableToHandleChannelData    = errors.New("unable to handle ChannelData")
	errFailedToCreateSTUNPacket     = errors.New("failed to create stun message from packet")
	errFailedToCreateChannelData    = errors.New("failed to create channel data from packet")
	errRelayAlreadyAllocated        = errors.New("relay already allocated for 5-TUPLE")
	errUnsupportedTransportProtocol = errors.New("RequestedTransport must be UDP")
	errNoDontFragmentSupport        = errors.New("no support for DONT-FRAGMENT")
	errNoPeerAddress                = errors.New("request has no XOR-PEER-ADDRESS")
	errAuthHandlerNotSet            = errors.New("no AuthHandler, server is running in STUN only mode")
)
