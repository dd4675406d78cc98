// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package turn

import (
	"net"

	"github.com/pion/transport/v3"
)

// RelayAddressGeneratorNone hands out relay sockets bound on Address and
// advertises their local address unchanged. It suits servers that are not
// behind a NAT.
type RelayAddressGeneratorNone struct {
	// Address is the local IP relay sockets are bound on.
	Address string

	// Net defaults to the operating system network.
	Net transport.Net
}

// Validate implements RelayAddressGenerator.
func (r *RelayAddressGeneratorNone) Validate() error {
	if err := useStdNet(&r.Net); err != nil {
		return err
	}
	if r.Address == "" {
		return errListeningAddressInvalid
	}

	return nil
}

// AllocatePacketConn implements RelayAddressGenerator.
func (r *RelayAddressGeneratorNone) AllocatePacketConn(network string, requestedPort int) (
	net.PacketConn,
	net.Addr,
	error,
) {
	return listenRelay(r.Net, network, r.Address, requestedPort, nil)
}
