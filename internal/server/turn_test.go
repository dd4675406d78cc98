// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

//go:build !js
// +build !js

package server

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/pion/logging"
	"github.com/pion/stun/v2"
	"github.com/pion/turnrelay/internal/allocation"
	"github.com/pion/turnrelay/internal/proto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testUsername = "alice"
	testPassword = "secret"
	testRealm    = "pion.ly"
)

type capturePacketConn struct {
	mu        sync.Mutex
	localAddr net.Addr
	lastWrite []byte
	closed    bool
}

func newCapturePacketConn(localAddr net.Addr) *capturePacketConn {
	return &capturePacketConn{localAddr: localAddr}
}

func (c *capturePacketConn) ReadFrom([]byte) (int, net.Addr, error) {
	return 0, nil, net.ErrClosed
}

func (c *capturePacketConn) WriteTo(p []byte, _ net.Addr) (n int, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, net.ErrClosed
	}
	c.lastWrite = append([]byte(nil), p...)

	return len(p), nil
}

func (c *capturePacketConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true

	return nil
}

func (c *capturePacketConn) LocalAddr() net.Addr {
	return c.localAddr
}

func (c *capturePacketConn) SetDeadline(time.Time) error {
	return nil
}

func (c *capturePacketConn) SetReadDeadline(time.Time) error {
	return nil
}

func (c *capturePacketConn) SetWriteDeadline(time.Time) error {
	return nil
}

func (c *capturePacketConn) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastWrite = nil
}

func (c *capturePacketConn) LastWrite() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()

	return append([]byte(nil), c.lastWrite...)
}

type testHarness struct {
	t       *testing.T
	conn    *capturePacketConn
	manager *allocation.Manager
	nonces  *NonceStore
	req     Request
}

func newTestHarness(t *testing.T, modify func(*allocation.ManagerConfig)) *testHarness {
	t.Helper()

	logger := logging.NewDefaultLoggerFactory().NewLogger("turn")

	config := allocation.ManagerConfig{
		LeveledLogger: logger,
		AllocatePacketConn: func(network string, _ int) (net.PacketConn, net.Addr, error) {
			conn, err := net.ListenPacket(network, "127.0.0.1:0") // nolint: noctx
			if err != nil {
				return nil, nil, err
			}

			return conn, conn.LocalAddr(), nil
		},
	}
	if modify != nil {
		modify(&config)
	}

	manager, err := allocation.NewManager(config)
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, manager.Close())
	})

	conn := newCapturePacketConn(&net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 3478})
	nonces := NewNonceStore(0, nil)
	key := stun.NewLongTermIntegrity(testUsername, testRealm, testPassword)

	return &testHarness{
		t:       t,
		conn:    conn,
		manager: manager,
		nonces:  nonces,
		req: Request{
			Conn:              conn,
			SrcAddr:           &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 5000},
			AllocationManager: manager,
			Nonces:            nonces,
			AuthHandler: func(username, _ string, _ net.Addr) ([]byte, bool) {
				if username != testUsername {
					return nil, false
				}

				return key, true
			},
			Log:                logger,
			Realm:              testRealm,
			ChannelBindTimeout: 10 * time.Minute,
		},
	}
}

func (h *testHarness) fiveTuple() *allocation.FiveTuple {
	return h.req.fiveTuple()
}

// authAttrs returns the long-term credential attributes, integrity last.
func (h *testHarness) authAttrs() []stun.Setter {
	h.t.Helper()

	nonce, err := h.nonces.Generate()
	require.NoError(h.t, err)

	return []stun.Setter{
		stun.NewUsername(testUsername),
		stun.NewRealm(testRealm),
		stun.NewNonce(nonce),
		stun.NewLongTermIntegrity(testUsername, testRealm, testPassword),
	}
}

func (h *testHarness) build(msgType stun.MessageType, attrs ...stun.Setter) *stun.Message {
	h.t.Helper()

	msg, err := stun.Build(append([]stun.Setter{stun.TransactionID, msgType}, attrs...)...)
	require.NoError(h.t, err)

	return msg
}

func (h *testHarness) buildAuthenticated(msgType stun.MessageType, attrs ...stun.Setter) *stun.Message {
	h.t.Helper()

	return h.build(msgType, append(attrs, h.authAttrs()...)...)
}

// handle dispatches raw and returns the response sent back, or nil.
func (h *testHarness) handle(raw []byte) (*stun.Message, error) {
	h.t.Helper()

	h.conn.Reset()
	req := h.req
	req.Buff = raw
	err := HandleRequest(req)

	written := h.conn.LastWrite()
	if len(written) == 0 {
		return nil, err
	}

	resp := &stun.Message{Raw: written}
	require.NoError(h.t, resp.Decode())

	return resp, err
}

func (h *testHarness) allocate(attrs ...stun.Setter) *stun.Message {
	h.t.Helper()

	attrs = append([]stun.Setter{proto.RequestedTransport{Protocol: proto.ProtoUDP}}, attrs...)
	resp, err := h.handle(h.buildAuthenticated(proto.AllocateRequest, attrs...).Raw)
	require.NoError(h.t, err)
	require.NotNil(h.t, resp)
	require.Equal(h.t, stun.ClassSuccessResponse, resp.Type.Class, "allocate failed: %v", resp)

	return resp
}

func errorCodeOf(t *testing.T, m *stun.Message) stun.ErrorCode {
	t.Helper()

	require.NotNil(t, m)
	require.Equal(t, stun.ClassErrorResponse, m.Type.Class)

	var code stun.ErrorCodeAttribute
	require.NoError(t, code.GetFrom(m))

	return code.Code
}

func TestHandleAllocateRequest(t *testing.T) {
	t.Run("Success", func(t *testing.T) {
		h := newTestHarness(t, nil)

		resp := h.allocate()
		assert.NoError(t, stun.NewLongTermIntegrity(testUsername, testRealm, testPassword).Check(resp))

		var relayed proto.RelayedAddress
		require.NoError(t, relayed.GetFrom(resp))
		assert.True(t, relayed.IP.Equal(net.ParseIP("127.0.0.1")))
		assert.NotZero(t, relayed.Port)

		var lifetime proto.Lifetime
		require.NoError(t, lifetime.GetFrom(resp))
		assert.Equal(t, proto.DefaultLifetime, lifetime.Duration)

		var mapped stun.XORMappedAddress
		require.NoError(t, mapped.GetFrom(resp))
		assert.Equal(t, 5000, mapped.Port)

		a := h.manager.GetAllocation(h.fiveTuple())
		require.NotNil(t, a)
		assert.Equal(t, testUsername, a.Username())
	})

	t.Run("LifetimeClamped", func(t *testing.T) {
		h := newTestHarness(t, func(c *allocation.ManagerConfig) {
			c.MaxLifetime = time.Hour
		})

		resp := h.allocate(proto.Lifetime{Duration: 2 * time.Hour})

		var lifetime proto.Lifetime
		require.NoError(t, lifetime.GetFrom(resp))
		assert.Equal(t, time.Hour, lifetime.Duration)
	})

	t.Run("Retransmission", func(t *testing.T) {
		h := newTestHarness(t, nil)

		msg := h.buildAuthenticated(proto.AllocateRequest, proto.RequestedTransport{Protocol: proto.ProtoUDP})
		first, err := h.handle(msg.Raw)
		require.NoError(t, err)
		require.Equal(t, stun.ClassSuccessResponse, first.Type.Class)

		second, err := h.handle(msg.Raw)
		require.NoError(t, err)
		require.Equal(t, stun.ClassSuccessResponse, second.Type.Class)
		assert.Equal(t, msg.TransactionID, second.TransactionID)

		var relayed1, relayed2 proto.RelayedAddress
		require.NoError(t, relayed1.GetFrom(first))
		require.NoError(t, relayed2.GetFrom(second))
		assert.Equal(t, relayed1.Port, relayed2.Port)
	})

	t.Run("AllocationExists", func(t *testing.T) {
		h := newTestHarness(t, nil)
		h.allocate()

		resp, err := h.handle(h.buildAuthenticated(proto.AllocateRequest,
			proto.RequestedTransport{Protocol: proto.ProtoUDP}).Raw)
		assert.ErrorIs(t, err, errRelayAlreadyAllocated)
		assert.Equal(t, stun.CodeAllocQuotaReached, errorCodeOf(t, resp))
	})

	t.Run("MissingRequestedTransport", func(t *testing.T) {
		h := newTestHarness(t, nil)

		resp, err := h.handle(h.buildAuthenticated(proto.AllocateRequest).Raw)
		assert.Error(t, err)
		assert.Equal(t, stun.CodeBadRequest, errorCodeOf(t, resp))
	})

	t.Run("UnsupportedTransport", func(t *testing.T) {
		h := newTestHarness(t, nil)

		resp, err := h.handle(h.buildAuthenticated(proto.AllocateRequest,
			proto.RequestedTransport{Protocol: proto.ProtoTCP}).Raw)
		assert.ErrorIs(t, err, errUnsupportedTransportProtocol)
		assert.Equal(t, stun.CodeUnsupportedTransProto, errorCodeOf(t, resp))
	})

	t.Run("DontFragment", func(t *testing.T) {
		h := newTestHarness(t, nil)

		resp, err := h.handle(h.buildAuthenticated(proto.AllocateRequest,
			proto.RequestedTransport{Protocol: proto.ProtoUDP}, proto.DontFragmentAttr{}).Raw)
		assert.ErrorIs(t, err, errNoDontFragmentSupport)
		assert.Equal(t, stun.CodeUnknownAttribute, errorCodeOf(t, resp))
	})

	t.Run("QuotaReached", func(t *testing.T) {
		h := newTestHarness(t, func(c *allocation.ManagerConfig) {
			c.AllocationQuota = 1
		})
		h.allocate()

		h.req.SrcAddr = &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 5001}
		resp, err := h.handle(h.buildAuthenticated(proto.AllocateRequest,
			proto.RequestedTransport{Protocol: proto.ProtoUDP}).Raw)
		assert.ErrorIs(t, err, allocation.ErrAllocationQuotaExceeded)
		assert.Equal(t, stun.CodeAllocQuotaReached, errorCodeOf(t, resp))
	})

	t.Run("RelayBindFailed", func(t *testing.T) {
		h := newTestHarness(t, func(c *allocation.ManagerConfig) {
			c.AllocatePacketConn = func(string, int) (net.PacketConn, net.Addr, error) {
				return nil, nil, errFailedToHandle
			}
		})

		resp, err := h.handle(h.buildAuthenticated(proto.AllocateRequest,
			proto.RequestedTransport{Protocol: proto.ProtoUDP}).Raw)
		assert.ErrorIs(t, err, allocation.ErrRelayBindFailed)
		assert.Equal(t, stun.CodeInsufficientCapacity, errorCodeOf(t, resp))
	})
}

func TestHandleRefreshRequest(t *testing.T) {
	h := newTestHarness(t, nil)

	resp, err := h.handle(h.buildAuthenticated(proto.RefreshRequest, proto.Lifetime{Duration: time.Minute}).Raw)
	assert.ErrorIs(t, err, allocation.ErrNoAllocation)
	assert.Equal(t, stun.CodeAllocMismatch, errorCodeOf(t, resp))

	h.allocate()

	resp, err = h.handle(h.buildAuthenticated(proto.RefreshRequest, proto.Lifetime{Duration: 5 * time.Minute}).Raw)
	require.NoError(t, err)
	require.Equal(t, stun.ClassSuccessResponse, resp.Type.Class)

	var lifetime proto.Lifetime
	require.NoError(t, lifetime.GetFrom(resp))
	assert.Equal(t, 5*time.Minute, lifetime.Duration)

	resp, err = h.handle(h.buildAuthenticated(proto.RefreshRequest, proto.Lifetime{}).Raw)
	require.NoError(t, err)
	require.Equal(t, stun.ClassSuccessResponse, resp.Type.Class)
	require.NoError(t, lifetime.GetFrom(resp))
	assert.Zero(t, lifetime.Duration)
	assert.Nil(t, h.manager.GetAllocation(h.fiveTuple()), "refresh with 0 lifetime should delete the allocation")

	resp, err = h.handle(h.buildAuthenticated(proto.RefreshRequest, proto.Lifetime{Duration: time.Minute}).Raw)
	assert.ErrorIs(t, err, allocation.ErrNoAllocation)
	assert.Equal(t, stun.CodeAllocMismatch, errorCodeOf(t, resp))
}

func TestHandleCreatePermissionRequest(t *testing.T) {
	denied := net.ParseIP("10.0.0.1")
	h := newTestHarness(t, func(c *allocation.ManagerConfig) {
		c.PermissionHandler = func(_ net.Addr, peerIP net.IP) bool {
			return !peerIP.Equal(denied)
		}
	})
	allowed := proto.PeerAddress{IP: net.ParseIP("127.0.0.1"), Port: 6000}

	resp, err := h.handle(h.buildAuthenticated(proto.CreatePermissionRequest, allowed).Raw)
	assert.ErrorIs(t, err, allocation.ErrNoAllocation)
	assert.Equal(t, stun.CodeAllocMismatch, errorCodeOf(t, resp))

	h.allocate()
	a := h.manager.GetAllocation(h.fiveTuple())
	require.NotNil(t, a)

	resp, err = h.handle(h.buildAuthenticated(proto.CreatePermissionRequest, allowed).Raw)
	require.NoError(t, err)
	assert.Equal(t, stun.ClassSuccessResponse, resp.Type.Class)
	assert.NotNil(t, a.GetPermission(&net.UDPAddr{IP: allowed.IP, Port: 7000}))

	other := proto.PeerAddress{IP: net.ParseIP("127.0.0.2"), Port: 6000}
	resp, err = h.handle(h.buildAuthenticated(proto.CreatePermissionRequest,
		other, proto.PeerAddress{IP: denied, Port: 6000}).Raw)
	assert.ErrorIs(t, err, allocation.ErrPermissionDenied)
	assert.Equal(t, stun.CodeForbidden, errorCodeOf(t, resp))
	assert.Nil(t, a.GetPermission(&net.UDPAddr{IP: other.IP, Port: 6000}),
		"a rejected request must not install any permission")

	resp, err = h.handle(h.buildAuthenticated(proto.CreatePermissionRequest).Raw)
	assert.ErrorIs(t, err, errNoPeerAddress)
	assert.Equal(t, stun.CodeBadRequest, errorCodeOf(t, resp))
}

func TestHandleChannelBindRequest(t *testing.T) {
	h := newTestHarness(t, nil)
	peer := proto.PeerAddress{IP: net.ParseIP("127.0.0.1"), Port: 6000}
	otherPeer := proto.PeerAddress{IP: net.ParseIP("127.0.0.1"), Port: 6001}

	resp, err := h.handle(h.buildAuthenticated(proto.ChannelBindRequest,
		proto.ChannelNumber(proto.MinChannelNumber), peer).Raw)
	assert.ErrorIs(t, err, allocation.ErrNoAllocation)
	assert.Equal(t, stun.CodeAllocMismatch, errorCodeOf(t, resp))

	h.allocate()

	t.Run("Success", func(t *testing.T) {
		resp, err := h.handle(h.buildAuthenticated(proto.ChannelBindRequest,
			proto.ChannelNumber(proto.MinChannelNumber), peer).Raw)
		require.NoError(t, err)
		assert.Equal(t, stun.ClassSuccessResponse, resp.Type.Class)
	})

	t.Run("Rebind", func(t *testing.T) {
		resp, err := h.handle(h.buildAuthenticated(proto.ChannelBindRequest,
			proto.ChannelNumber(proto.MinChannelNumber), peer).Raw)
		require.NoError(t, err)
		assert.Equal(t, stun.ClassSuccessResponse, resp.Type.Class)
	})

	t.Run("NumberConflict", func(t *testing.T) {
		resp, err := h.handle(h.buildAuthenticated(proto.ChannelBindRequest,
			proto.ChannelNumber(proto.MinChannelNumber), otherPeer).Raw)
		assert.ErrorIs(t, err, allocation.ErrChannelConflict)
		assert.Equal(t, stun.CodeBadRequest, errorCodeOf(t, resp))
	})

	t.Run("PeerConflict", func(t *testing.T) {
		resp, err := h.handle(h.buildAuthenticated(proto.ChannelBindRequest,
			proto.ChannelNumber(proto.MinChannelNumber+1), peer).Raw)
		assert.ErrorIs(t, err, allocation.ErrChannelConflict)
		assert.Equal(t, stun.CodeBadRequest, errorCodeOf(t, resp))
	})

	t.Run("InvalidNumber", func(t *testing.T) {
		resp, err := h.handle(h.buildAuthenticated(proto.ChannelBindRequest,
			proto.ChannelNumber(0x3FFF), otherPeer).Raw)
		assert.ErrorIs(t, err, allocation.ErrInvalidChannelNumber)
		assert.Equal(t, codeUnsupportedChannelNumber, errorCodeOf(t, resp))
	})

	t.Run("MissingPeer", func(t *testing.T) {
		resp, err := h.handle(h.buildAuthenticated(proto.ChannelBindRequest,
			proto.ChannelNumber(proto.MinChannelNumber+2)).Raw)
		assert.Error(t, err)
		assert.Equal(t, stun.CodeBadRequest, errorCodeOf(t, resp))
	})
}

func TestHandleSendAndChannelData(t *testing.T) {
	h := newTestHarness(t, nil)

	peerConn, err := net.ListenPacket("udp4", "127.0.0.1:0") // nolint: noctx
	require.NoError(t, err)
	defer peerConn.Close() //nolint:errcheck

	peerUDP, ok := peerConn.LocalAddr().(*net.UDPAddr)
	require.True(t, ok)
	peer := proto.PeerAddress{IP: peerUDP.IP, Port: peerUDP.Port}

	send := h.build(proto.SendIndication, peer, proto.Data("no allocation"))
	resp, err := h.handle(send.Raw)
	assert.ErrorIs(t, err, allocation.ErrNoAllocation)
	assert.Nil(t, resp, "indications are never answered")

	h.allocate()

	send = h.build(proto.SendIndication, peer, proto.Data("no permission"))
	resp, err = h.handle(send.Raw)
	assert.ErrorIs(t, err, allocation.ErrPermissionDenied)
	assert.Nil(t, resp)

	resp, err = h.handle(h.buildAuthenticated(proto.ChannelBindRequest,
		proto.ChannelNumber(proto.MinChannelNumber), peer).Raw)
	require.NoError(t, err)
	require.Equal(t, stun.ClassSuccessResponse, resp.Type.Class)

	send = h.build(proto.SendIndication, peer, proto.Data("via send"))
	resp, err = h.handle(send.Raw)
	require.NoError(t, err)
	assert.Nil(t, resp)

	channelData := &proto.ChannelData{Number: proto.MinChannelNumber, Data: []byte("via channel")}
	channelData.Encode()
	resp, err = h.handle(channelData.Raw)
	require.NoError(t, err)
	assert.Nil(t, resp)

	unbound := &proto.ChannelData{Number: proto.MinChannelNumber + 1, Data: []byte("unbound")}
	unbound.Encode()
	_, err = h.handle(unbound.Raw)
	assert.ErrorIs(t, err, errUnableToHandleChannelData)
	assert.ErrorIs(t, err, allocation.ErrNoSuchChannelBind)

	buf := make([]byte, 1500)
	require.NoError(t, peerConn.SetReadDeadline(time.Now().Add(5*time.Second)))
	n, _, err := peerConn.ReadFrom(buf)
	require.NoError(t, err)
	assert.Equal(t, "via send", string(buf[:n]))
	n, _, err = peerConn.ReadFrom(buf)
	require.NoError(t, err)
	assert.Equal(t, "via channel", string(buf[:n]))
}

func TestHandleBindingRequest(t *testing.T) {
	h := newTestHarness(t, nil)

	resp, err := h.handle(h.build(stun.BindingRequest).Raw)
	require.NoError(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, stun.BindingSuccess, resp.Type)

	var mapped stun.XORMappedAddress
	require.NoError(t, mapped.GetFrom(resp))
	assert.True(t, mapped.IP.Equal(net.ParseIP("127.0.0.1")))
	assert.Equal(t, 5000, mapped.Port)
	assert.NoError(t, stun.Fingerprint.Check(resp))
	assert.Equal(t, 0, h.manager.AllocationCount(), "binding must not touch allocation state")
}

func TestHandleMalformed(t *testing.T) {
	h := newTestHarness(t, nil)

	resp, err := h.handle([]byte{0x00, 0x01, 0x02})
	assert.ErrorIs(t, err, errFailedToCreateSTUNPacket)
	assert.Nil(t, resp)

	// A ChannelData header claiming more bytes than were received is not ChannelData.
	resp, err = h.handle([]byte{0x40, 0x00, 0x00, 0x10, 0x01})
	assert.ErrorIs(t, err, errFailedToCreateSTUNPacket)
	assert.Nil(t, resp)

	resp, err = h.handle(h.build(stun.NewType(stun.MethodData, stun.ClassRequest)).Raw)
	assert.ErrorIs(t, err, errUnhandledSTUNPacket)
	assert.Nil(t, resp)
}
