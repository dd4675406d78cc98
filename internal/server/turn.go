// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package server

import (
	"errors"
	"fmt"
	"net"

	"github.com/pion/stun/v2"
	"github.com/pion/turnrelay/internal/allocation"
	"github.com/pion/turnrelay/internal/ipnet"
	"github.com/pion/turnrelay/internal/proto"
)

// https://tools.ietf.org/html/rfc5766#section-6.2
func handleAllocateRequest(r Request, m *stun.Message) error { //nolint:cyclop
	r.Log.Debugf("Received AllocateRequest from %s", r.SrcAddr)

	// 1. The server MUST require that the request be authenticated.  This
	//    authentication MUST be done using the long-term credential
	//    mechanism of [https://tools.ietf.org/html/rfc5389#section-10.2.2]
	//    unless the client and server agree to use another mechanism through
	//    some procedure outside the scope of this document.
	creds, hasAuth, err := authenticateRequest(r, m, stun.MethodAllocate)
	if !hasAuth {
		return err
	}

	fiveTuple := r.fiveTuple()
	badRequestMsg := buildErrMsg(m.TransactionID, stun.MethodAllocate, stun.CodeBadRequest)

	// 2. The server checks if the 5-tuple is currently in use by an
	//    existing allocation.  A retransmission of the request that created
	//    it gets the same success response again.
	if alloc := r.AllocationManager.GetAllocation(fiveTuple); alloc != nil {
		id, attrs := alloc.GetResponseCache()
		if id != m.TransactionID {
			msg := buildErrMsg(m.TransactionID, stun.MethodAllocate, errorCode(allocation.ErrAllocationExists))

			return buildAndSendErr(r, errRelayAlreadyAllocated, msg...)
		}

		msg := buildMsg(m.TransactionID, stun.NewType(stun.MethodAllocate, stun.ClassSuccessResponse),
			append(attrs, creds.integrity)...)

		return buildAndSend(r, msg...)
	}

	// 3. The server checks if the request contains a REQUESTED-TRANSPORT
	//    attribute.  If the REQUESTED-TRANSPORT attribute is not included
	//    or is malformed, the server rejects the request with a 400 (Bad
	//    Request) error.  Otherwise, if the attribute is included but
	//    specifies a protocol other that UDP, the server rejects the
	//    request with a 442 (Unsupported Transport Protocol) error.
	var requestedTransport proto.RequestedTransport
	if err = requestedTransport.GetFrom(m); err != nil {
		return buildAndSendErr(r, err, badRequestMsg...)
	} else if requestedTransport.Protocol != proto.ProtoUDP {
		msg := buildErrMsg(m.TransactionID, stun.MethodAllocate, stun.CodeUnsupportedTransProto)

		return buildAndSendErr(r, errUnsupportedTransportProtocol, msg...)
	}

	// 4. The request may contain a DONT-FRAGMENT attribute.  If it does,
	//    but the server does not support sending UDP datagrams with the DF
	//    bit set to 1 (see Section 12), then the server treats the DONT-
	//    FRAGMENT attribute in the Allocate request as an unknown
	//    comprehension-required attribute.
	if (proto.DontFragmentAttr{}).IsSet(m) {
		msg := buildErrMsg(m.TransactionID, stun.MethodAllocate, stun.CodeUnknownAttribute,
			&stun.UnknownAttributes{stun.AttrDontFragment})

		return buildAndSendErr(r, errNoDontFragmentSupport, msg...)
	}

	lifetime, _ := requestedLifetime(m)
	if lifetime == 0 {
		lifetime = proto.DefaultLifetime
	}
	lifetime = r.AllocationManager.ClampLifetime(lifetime)

	a, err := r.AllocationManager.CreateAllocation(fiveTuple, r.Conn, 0, lifetime, creds.username, creds.realm)
	if err != nil {
		msg := buildErrMsg(m.TransactionID, stun.MethodAllocate, errorCode(err))

		return buildAndSendErr(r, err, msg...)
	}

	// Once the allocation is created, the server replies with a success
	// response.
	// The success response contains:
	//   * An XOR-RELAYED-ADDRESS attribute containing the relayed transport
	//     address.
	//   * A LIFETIME attribute containing the current value of the time-to-
	//     expiry timer.
	//   * An XOR-MAPPED-ADDRESS attribute containing the client's IP address
	//     and port (from the 5-tuple).
	srcIP, srcPort, err := ipnet.AddrIPPort(r.SrcAddr)
	if err != nil {
		return buildAndSendErr(r, err, badRequestMsg...)
	}

	relayIP, relayPort, err := ipnet.AddrIPPort(a.RelayAddr)
	if err != nil {
		return buildAndSendErr(r, err, badRequestMsg...)
	}

	responseAttrs := []stun.Setter{
		&proto.RelayedAddress{
			IP:   relayIP,
			Port: relayPort,
		},
		&proto.Lifetime{
			Duration: lifetime,
		},
		&stun.XORMappedAddress{
			IP:   srcIP,
			Port: srcPort,
		},
	}

	msg := buildMsg(m.TransactionID, stun.NewType(stun.MethodAllocate, stun.ClassSuccessResponse),
		append(responseAttrs, creds.integrity)...)
	a.SetResponseCache(m.TransactionID, responseAttrs)

	return buildAndSend(r, msg...)
}

func handleRefreshRequest(r Request, m *stun.Message) error {
	r.Log.Debugf("Received RefreshRequest from %s", r.SrcAddr)

	creds, hasAuth, err := authenticateRequest(r, m, stun.MethodRefresh)
	if !hasAuth {
		return err
	}

	lifetime, _ := requestedLifetime(m)
	granted, err := r.AllocationManager.RefreshAllocation(r.fiveTuple(), lifetime)
	if err != nil {
		msg := buildErrMsg(m.TransactionID, stun.MethodRefresh, errorCode(err))

		return buildAndSendErr(r, fmt.Errorf("%w %v:%v", err, r.SrcAddr, r.Conn.LocalAddr()), msg...)
	}

	return buildAndSend(r, buildMsg(m.TransactionID, stun.NewType(stun.MethodRefresh, stun.ClassSuccessResponse),
		&proto.Lifetime{
			Duration: granted,
		},
		creds.integrity,
	)...)
}

func handleCreatePermissionRequest(r Request, m *stun.Message) error {
	r.Log.Debugf("Received CreatePermission from %s", r.SrcAddr)

	creds, hasAuth, err := authenticateRequest(r, m, stun.MethodCreatePermission)
	if !hasAuth {
		return err
	}

	fiveTuple := r.fiveTuple()
	if r.AllocationManager.GetAllocation(fiveTuple) == nil {
		msg := buildErrMsg(m.TransactionID, stun.MethodCreatePermission, errorCode(allocation.ErrNoAllocation))

		return buildAndSendErr(r, fmt.Errorf("%w %v:%v", allocation.ErrNoAllocation, r.SrcAddr, r.Conn.LocalAddr()),
			msg...)
	}

	// Every XOR-PEER-ADDRESS is checked before any permission is installed,
	// so a rejected request leaves the allocation untouched.
	var peers []net.IP
	if err = m.ForEach(stun.AttrXORPeerAddress, func(m *stun.Message) error {
		var peerAddress proto.PeerAddress
		if err := peerAddress.GetFrom(m); err != nil {
			return err
		}
		peers = append(peers, peerAddress.IP)

		return nil
	}); err != nil {
		return buildAndSendErr(r, err, buildErrMsg(m.TransactionID, stun.MethodCreatePermission, stun.CodeBadRequest)...)
	}
	if len(peers) == 0 {
		return buildAndSendErr(r, errNoPeerAddress,
			buildErrMsg(m.TransactionID, stun.MethodCreatePermission, stun.CodeBadRequest)...)
	}

	for _, peer := range peers {
		if err = r.AllocationManager.GrantPermission(r.SrcAddr, peer); err != nil {
			r.Log.Infof("Permission denied for client %s to peer %s", r.SrcAddr, peer)

			return buildAndSendErr(r, err, buildErrMsg(m.TransactionID, stun.MethodCreatePermission, errorCode(err))...)
		}
	}

	for _, peer := range peers {
		r.Log.Debugf("Adding permission for %s", peer)

		if err = r.AllocationManager.CreatePermission(fiveTuple, peer, r.AllocationManager.PermissionTimeout()); err != nil {
			return buildAndSendErr(r, err, buildErrMsg(m.TransactionID, stun.MethodCreatePermission, errorCode(err))...)
		}
	}

	return buildAndSend(r, buildMsg(m.TransactionID,
		stun.NewType(stun.MethodCreatePermission, stun.ClassSuccessResponse), creds.integrity)...)
}

// Send indications are not authenticated, only the allocation they travel on is.
func handleSendIndication(r Request, m *stun.Message) error {
	r.Log.Debugf("Received SendIndication from %s", r.SrcAddr)

	dataAttr := proto.Data{}
	if err := dataAttr.GetFrom(m); err != nil {
		return err
	}

	peerAddress := proto.PeerAddress{}
	if err := peerAddress.GetFrom(m); err != nil {
		return err
	}

	msgDst := &net.UDPAddr{IP: peerAddress.IP, Port: peerAddress.Port}

	return r.AllocationManager.RelaySend(r.fiveTuple(), msgDst, dataAttr)
}

func handleChannelBindRequest(r Request, m *stun.Message) error {
	r.Log.Debugf("Received ChannelBindRequest from %s", r.SrcAddr)

	creds, hasAuth, err := authenticateRequest(r, m, stun.MethodChannelBind)
	if !hasAuth {
		return err
	}

	badRequestMsg := buildErrMsg(m.TransactionID, stun.MethodChannelBind, stun.CodeBadRequest)

	var channel proto.ChannelNumber
	if err = channel.GetFrom(m); err != nil {
		return buildAndSendErr(r, err, badRequestMsg...)
	}

	peerAddr := proto.PeerAddress{}
	if err = peerAddr.GetFrom(m); err != nil {
		return buildAndSendErr(r, err, badRequestMsg...)
	}

	if !channel.Valid() {
		return buildAndSendErr(r, allocation.ErrInvalidChannelNumber,
			buildErrMsg(m.TransactionID, stun.MethodChannelBind, errorCode(allocation.ErrInvalidChannelNumber))...)
	}

	r.Log.Debugf("Binding channel %d to %s", channel, peerAddr)
	err = r.AllocationManager.ChannelBind(
		r.fiveTuple(),
		channel,
		&net.UDPAddr{IP: peerAddr.IP, Port: peerAddr.Port},
		r.ChannelBindTimeout,
	)
	if err != nil {
		if errors.Is(err, allocation.ErrPermissionDenied) {
			r.Log.Infof("Permission denied for client %s to peer %s", r.SrcAddr, peerAddr.IP)
		}

		return buildAndSendErr(r, err, buildErrMsg(m.TransactionID, stun.MethodChannelBind, errorCode(err))...)
	}

	return buildAndSend(r, buildMsg(m.TransactionID,
		stun.NewType(stun.MethodChannelBind, stun.ClassSuccessResponse), creds.integrity)...)
}

func handleChannelData(r Request, c *proto.ChannelData) error {
	r.Log.Debugf("Received ChannelData from %s", r.SrcAddr)

	return r.AllocationManager.RelayChannelData(r.fiveTuple(), c.Number, c.Data)
}
