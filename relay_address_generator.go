// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package turn

import (
	"fmt"
	"net"
	"strconv"

	"github.com/pion/transport/v3"
	"github.com/pion/transport/v3/stdnet"
)

// useStdNet sets *n to the operating system network when it is unset.
func useStdNet(n *transport.Net) error {
	if *n != nil {
		return nil
	}

	stdNet, err := stdnet.NewNet()
	if err != nil {
		return fmt.Errorf("failed to create network: %w", err)
	}
	*n = stdNet

	return nil
}

// listenRelay binds a relay socket on address:port. The returned relay
// address is the local address of the socket, or relayIP with the bound port
// when relayIP is set.
func listenRelay(n transport.Net, network, address string, port int, relayIP net.IP) (
	net.PacketConn,
	net.Addr,
	error,
) {
	conn, err := n.ListenPacket(network, net.JoinHostPort(address, strconv.Itoa(port))) // nolint: noctx
	if err != nil {
		return nil, nil, err
	}

	if relayIP == nil {
		return conn, conn.LocalAddr(), nil
	}

	localAddr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		_ = conn.Close()

		return nil, nil, errNilConn
	}

	return conn, &net.UDPAddr{IP: relayIP, Port: localAddr.Port}, nil
}
