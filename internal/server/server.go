// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

// Package server implements the private API to implement a TURN server
package server

import (
	"fmt"
	"net"
	"time"

	"github.com/pion/logging"
	"github.com/pion/stun/v2"
	"github.com/pion/turnrelay/internal/allocation"
	"github.com/pion/turnrelay/internal/metrics"
	"github.com/pion/turnrelay/internal/proto"
)

// Request contains all the state needed to process a single incoming datagram.
type Request struct {
	// Current Request State
	Conn    net.PacketConn
	SrcAddr net.Addr
	Buff    []byte

	// Server State
	AllocationManager *allocation.Manager
	Nonces            *NonceStore
	Metrics           *metrics.Metrics

	// User Configuration
	AuthHandler        func(username string, realm string, srcAddr net.Addr) (key []byte, ok bool)
	OnAuth             func(srcAddr, dstAddr net.Addr, username, realm, method string, verdict bool)
	Log                logging.LeveledLogger
	Realm              string
	ChannelBindTimeout time.Duration
}

type handlerFunc func(r Request, m *stun.Message) error

// handlers maps every STUN message type the server answers to its handler.
var handlers = map[stun.MessageType]handlerFunc{ //nolint:gochecknoglobals
	stun.NewType(stun.MethodBinding, stun.ClassRequest):          handleBindingRequest,
	stun.NewType(stun.MethodAllocate, stun.ClassRequest):         handleAllocateRequest,
	stun.NewType(stun.MethodRefresh, stun.ClassRequest):          handleRefreshRequest,
	stun.NewType(stun.MethodCreatePermission, stun.ClassRequest): handleCreatePermissionRequest,
	stun.NewType(stun.MethodChannelBind, stun.ClassRequest):      handleChannelBindRequest,
	stun.NewType(stun.MethodSend, stun.ClassIndication):          handleSendIndication,
}

// HandleRequest processes one datagram read from r.Conn. ChannelData is
// relayed and never answered, a STUN message goes to the handler of its type.
func HandleRequest(r Request) error {
	r.Log.Tracef("Read %d bytes from %s on %s", len(r.Buff), r.SrcAddr, r.Conn.LocalAddr())

	if !proto.IsChannelData(r.Buff) {
		return r.dispatchSTUN()
	}

	c := proto.ChannelData{Raw: r.Buff}
	if err := c.Decode(); err != nil {
		return fmt.Errorf("%w: %w", errFailedToCreateChannelData, err)
	}
	if err := handleChannelData(r, &c); err != nil {
		return fmt.Errorf("%w %d from %v: %w", errUnableToHandleChannelData, c.Number, r.SrcAddr, err)
	}

	return nil
}

func (r Request) dispatchSTUN() error {
	m := &stun.Message{Raw: append([]byte{}, r.Buff...)}
	if err := m.Decode(); err != nil {
		return fmt.Errorf("%w: %w", errFailedToCreateSTUNPacket, err)
	}

	handle, ok := handlers[m.Type]
	if !ok {
		return fmt.Errorf("%w %s from %v", errUnhandledSTUNPacket, m.Type, r.SrcAddr)
	}

	if err := handle(r, m); err != nil {
		return fmt.Errorf("%w %s from %v: %w", errFailedToHandle, m.Type, r.SrcAddr, err)
	}

	return nil
}

func (r Request) fiveTuple() *allocation.FiveTuple {
	return &allocation.FiveTuple{
		SrcAddr:  r.SrcAddr,
		DstAddr:  r.Conn.LocalAddr(),
		Protocol: allocation.UDP,
	}
}
