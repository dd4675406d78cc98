// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

// Package allocation contains all CRUD operations for allocations
package allocation

import (
	"errors"
	"net"
	"sync"
	"time"

	"github.com/pion/logging"
	"github.com/pion/stun/v2"
	"github.com/pion/turnrelay/internal/ipnet"
	"github.com/pion/turnrelay/internal/metrics"
	"github.com/pion/turnrelay/internal/proto"
)

const rtpMTU = 1600

// Allocation is tied to a FiveTuple and relays traffic
// use CreateAllocation and GetAllocation to operate
type Allocation struct {
	RelayAddr   net.Addr
	Protocol    Protocol
	TurnSocket  net.PacketConn
	RelaySocket net.PacketConn

	username string
	realm    string

	fiveTuple *FiveTuple

	// lock guards expiresAt, permissions, channelBindings and the response cache.
	// It is shared by the request path and the relay loop.
	lock            sync.RWMutex
	expiresAt       time.Time
	permissions     map[string]*Permission
	channelBindings map[proto.ChannelNumber]*ChannelBind

	responseTransactionID [stun.TransactionIDSize]byte
	responseAttrs         []stun.Setter

	closeOnce sync.Once
	closed    chan struct{}
	// done is closed by the relay loop on exit; nil until the loop is started.
	done chan struct{}

	now          func() time.Time
	eventHandler EventHandler
	metrics      *metrics.Metrics
	log          logging.LeveledLogger
}

// NewAllocation creates a new instance of NewAllocation.
func NewAllocation(turnSocket net.PacketConn, fiveTuple *FiveTuple, log logging.LeveledLogger) *Allocation {
	return &Allocation{
		TurnSocket:      turnSocket,
		fiveTuple:       fiveTuple,
		permissions:     make(map[string]*Permission, 64),
		channelBindings: make(map[proto.ChannelNumber]*ChannelBind),
		closed:          make(chan struct{}),
		now:             time.Now,
		log:             log,
	}
}

// FiveTuple returns the identity of the client owning the allocation.
func (a *Allocation) FiveTuple() *FiveTuple {
	return a.fiveTuple
}

// Username returns the user the allocation was authenticated as.
func (a *Allocation) Username() string {
	return a.username
}

func (a *Allocation) eventContext() EventContext {
	ctx := EventContext{Username: a.username, Realm: a.realm}
	if a.fiveTuple != nil {
		ctx.SrcAddr = a.fiveTuple.SrcAddr
		ctx.DstAddr = a.fiveTuple.DstAddr
	}

	return ctx
}

// ExpiresAt returns the moment after which the allocation is gone.
func (a *Allocation) ExpiresAt() time.Time {
	a.lock.RLock()
	defer a.lock.RUnlock()

	return a.expiresAt
}

// Expired reports whether the allocation lifetime has passed.
func (a *Allocation) Expired() bool {
	return a.expiredAt(a.now())
}

func (a *Allocation) expiredAt(now time.Time) bool {
	a.lock.RLock()
	defer a.lock.RUnlock()

	return now.After(a.expiresAt)
}

// Refresh updates the allocations lifetime
func (a *Allocation) Refresh(lifetime time.Duration) {
	a.lock.Lock()
	defer a.lock.Unlock()

	a.expiresAt = a.now().Add(lifetime)
}

// SetResponseCache cache allocation response for retransmit allocation request
func (a *Allocation) SetResponseCache(transactionID [stun.TransactionIDSize]byte, attrs []stun.Setter) {
	a.lock.Lock()
	defer a.lock.Unlock()

	a.responseTransactionID = transactionID
	a.responseAttrs = attrs
}

// GetResponseCache return response cache for retransmit allocation request
func (a *Allocation) GetResponseCache() (id [stun.TransactionIDSize]byte, attrs []stun.Setter) {
	a.lock.RLock()
	defer a.lock.RUnlock()

	return a.responseTransactionID, a.responseAttrs
}

// AddPermission adds a new permission to the allocation, or refreshes the
// expiry of the live permission installed for the same IP.
func (a *Allocation) AddPermission(perms *Permission, lifetime time.Duration) {
	ip, _, err := ipnet.AddrIPPort(perms.Addr)
	if err != nil {
		a.log.Warnf("Failed to add permission for %v: %v", perms.Addr, err)

		return
	}
	key := ipnet.IPKey(ip)

	a.lock.Lock()
	now := a.now()
	existing, ok := a.permissions[key]
	if ok && !existing.expired(now) {
		existing.expiresAt = now.Add(lifetime)
		a.lock.Unlock()

		return
	}
	perms.expiresAt = now.Add(lifetime)
	a.permissions[key] = perms
	a.lock.Unlock()

	if ok {
		a.permissionDeleted(existing)
	}
	a.metrics.RecordPermissionCreated()
	if f := a.eventHandler.OnPermissionCreated; f != nil {
		f(a.eventContext(), a.RelayAddr, ip)
	}
}

// RemovePermission removes the net.Addr's fingerprint from the allocation's permissions
func (a *Allocation) RemovePermission(addr net.Addr) bool {
	ip, _, err := ipnet.AddrIPPort(addr)
	if err != nil {
		return false
	}

	a.lock.Lock()
	p, ok := a.permissions[ipnet.IPKey(ip)]
	if ok {
		delete(a.permissions, ipnet.IPKey(ip))
	}
	a.lock.Unlock()

	if ok {
		a.permissionDeleted(p)
	}

	return ok
}

// GetPermission gets the live Permission covering the IP of addr.
// An expired permission that has not been swept yet is reported as absent.
func (a *Allocation) GetPermission(addr net.Addr) *Permission {
	ip, _, err := ipnet.AddrIPPort(addr)
	if err != nil {
		return nil
	}

	a.lock.RLock()
	defer a.lock.RUnlock()

	p, ok := a.permissions[ipnet.IPKey(ip)]
	if !ok || p.expired(a.now()) {
		return nil
	}

	return p
}

// refreshPermission pushes the expiry of the live permission for addr.
func (a *Allocation) refreshPermission(addr net.Addr, lifetime time.Duration) {
	ip, _, err := ipnet.AddrIPPort(addr)
	if err != nil {
		return
	}

	a.lock.Lock()
	defer a.lock.Unlock()

	now := a.now()
	if p, ok := a.permissions[ipnet.IPKey(ip)]; ok && !p.expired(now) {
		p.expiresAt = now.Add(lifetime)
	}
}

func (a *Allocation) permissionDeleted(p *Permission) {
	if f := a.eventHandler.OnPermissionDeleted; f != nil {
		ip, _, err := ipnet.AddrIPPort(p.Addr)
		if err != nil {
			return
		}
		f(a.eventContext(), a.RelayAddr, ip)
	}
}

// AddChannelBind adds a new ChannelBind to the allocation, it also updates the
// permissions needed for this ChannelBind.
//
// A channel number and a peer address are each bound at most once: binding a
// live number to another peer, or a live peer to another number, fails with
// ErrChannelConflict. Rebinding the same pair refreshes it.
func (a *Allocation) AddChannelBind(chanBind *ChannelBind, lifetime, permissionLifetime time.Duration) error {
	if !chanBind.Number.Valid() {
		return ErrInvalidChannelNumber
	}

	a.lock.Lock()
	now := a.now()
	channelByNumber := a.liveChannelByNumber(chanBind.Number, now)
	channelByPeer := a.liveChannelByAddr(chanBind.Peer, now)
	if channelByNumber != channelByPeer {
		a.lock.Unlock()

		return ErrChannelConflict
	}

	if channelByNumber != nil {
		channelByNumber.lifetime = lifetime
		channelByNumber.expiresAt = now.Add(lifetime)
		a.lock.Unlock()

		// Channel binds also refresh permissions.
		a.AddPermission(NewPermission(channelByNumber.Peer), permissionLifetime)

		return nil
	}

	stale := a.removeStaleChannels(chanBind, now)
	chanBind.lifetime = lifetime
	chanBind.expiresAt = now.Add(lifetime)
	a.channelBindings[chanBind.Number] = chanBind
	a.lock.Unlock()

	for _, c := range stale {
		a.channelDeleted(c)
	}
	a.metrics.RecordChannelBindCreated()
	if f := a.eventHandler.OnChannelCreated; f != nil {
		f(a.eventContext(), a.RelayAddr, chanBind.Peer, uint16(chanBind.Number))
	}

	// Channel binds also refresh permissions.
	a.AddPermission(NewPermission(chanBind.Peer), permissionLifetime)

	return nil
}

// removeStaleChannels drops expired bindings that still hold the number or
// the peer of c. Caller must hold the lock.
func (a *Allocation) removeStaleChannels(c *ChannelBind, now time.Time) []*ChannelBind {
	var stale []*ChannelBind
	for number, existing := range a.channelBindings {
		if !existing.expired(now) {
			continue
		}
		if number == c.Number || ipnet.AddrEqual(existing.Peer, c.Peer) {
			stale = append(stale, existing)
			delete(a.channelBindings, number)
		}
	}

	return stale
}

// RemoveChannelBind removes the ChannelBind from this allocation by id
func (a *Allocation) RemoveChannelBind(number proto.ChannelNumber) bool {
	a.lock.Lock()
	c, ok := a.channelBindings[number]
	if ok {
		delete(a.channelBindings, number)
	}
	a.lock.Unlock()

	if ok {
		a.channelDeleted(c)
	}

	return ok
}

// GetChannelByNumber gets the live ChannelBind from this allocation by id
func (a *Allocation) GetChannelByNumber(number proto.ChannelNumber) *ChannelBind {
	a.lock.RLock()
	defer a.lock.RUnlock()

	return a.liveChannelByNumber(number, a.now())
}

// GetChannelByAddr gets the live ChannelBind from this allocation by net.Addr
func (a *Allocation) GetChannelByAddr(addr net.Addr) *ChannelBind {
	a.lock.RLock()
	defer a.lock.RUnlock()

	return a.liveChannelByAddr(addr, a.now())
}

func (a *Allocation) liveChannelByNumber(number proto.ChannelNumber, now time.Time) *ChannelBind {
	if c, ok := a.channelBindings[number]; ok && !c.expired(now) {
		return c
	}

	return nil
}

func (a *Allocation) liveChannelByAddr(addr net.Addr, now time.Time) *ChannelBind {
	for _, c := range a.channelBindings {
		if ipnet.AddrEqual(c.Peer, addr) && !c.expired(now) {
			return c
		}
	}

	return nil
}

// refreshChannel pushes the expiry of a live binding by its own lifetime.
func (a *Allocation) refreshChannel(c *ChannelBind) {
	a.lock.Lock()
	defer a.lock.Unlock()

	now := a.now()
	if !c.expired(now) {
		c.expiresAt = now.Add(c.lifetime)
	}
}

func (a *Allocation) channelDeleted(c *ChannelBind) {
	if f := a.eventHandler.OnChannelDeleted; f != nil {
		f(a.eventContext(), a.RelayAddr, c.Peer, uint16(c.Number))
	}
}

// sweep prunes expired permissions and channel bindings.
func (a *Allocation) sweep(now time.Time) {
	var (
		expiredPermissions []*Permission
		expiredChannels    []*ChannelBind
	)

	a.lock.Lock()
	for key, p := range a.permissions {
		if p.expired(now) {
			expiredPermissions = append(expiredPermissions, p)
			delete(a.permissions, key)
		}
	}
	for number, c := range a.channelBindings {
		if c.expired(now) {
			expiredChannels = append(expiredChannels, c)
			delete(a.channelBindings, number)
		}
	}
	a.lock.Unlock()

	for _, p := range expiredPermissions {
		a.permissionDeleted(p)
	}
	for _, c := range expiredChannels {
		a.channelDeleted(c)
	}
}

// start launches the relay loop that owns the receive path of RelaySocket.
func (a *Allocation) start(m *Manager) {
	a.done = make(chan struct{})
	go a.packetHandler(m)
}

// Close closes the allocation. The relay loop is told to stop and is waited
// for before the relay socket is released, so no read is in flight on a
// closed socket. Permissions and channel bindings are dropped with it.
func (a *Allocation) Close() error {
	var err error
	a.closeOnce.Do(func() {
		close(a.closed)

		if a.RelaySocket != nil && a.done != nil {
			// Unblocks the pending ReadFrom, the loop then observes closed.
			_ = a.RelaySocket.SetReadDeadline(time.Now())
			<-a.done
		}

		a.lock.Lock()
		permissions := a.permissions
		channels := a.channelBindings
		a.permissions = make(map[string]*Permission)
		a.channelBindings = make(map[proto.ChannelNumber]*ChannelBind)
		a.lock.Unlock()

		for _, p := range permissions {
			a.permissionDeleted(p)
		}
		for _, c := range channels {
			a.channelDeleted(c)
		}

		if a.RelaySocket != nil {
			err = a.RelaySocket.Close()
		}
	})

	return err
}

//  https://tools.ietf.org/html/rfc5766#section-10.3
//  When the server receives a UDP datagram at a currently allocated
//  relayed transport address, the server looks up the allocation
//  associated with the relayed transport address.  The server then
//  checks to see whether the set of permissions for the allocation allow
//  the relaying of the UDP datagram as described in Section 8.
//
//  If relaying is permitted, then the server checks if there is a
//  channel bound to the peer that sent the UDP datagram (see
//  Section 11).  If a channel is bound, then processing proceeds as
//  described in Section 11.7.
//
//  If relaying is permitted but no channel is bound to the peer, then
//  the server forms and sends a Data indication.  The Data indication
//  MUST contain both an XOR-PEER-ADDRESS and a DATA attribute.  The DATA
//  attribute is set to the value of the 'data octets' field from the
//  datagram, and the XOR-PEER-ADDRESS attribute is set to the source
//  transport address of the received UDP datagram.  The Data indication
//  is then sent on the 5-tuple associated with the allocation.

func (a *Allocation) packetHandler(m *Manager) {
	defer close(a.done)

	buffer := make([]byte, rtpMTU)
	for {
		n, srcAddr, err := a.RelaySocket.ReadFrom(buffer)
		if err != nil {
			select {
			case <-a.closed:
			default:
				a.log.Errorf("Relay socket of %v failed: %v", a.fiveTuple, err)
				if f := a.eventHandler.OnAllocationError; f != nil {
					f(a.eventContext(), err.Error())
				}
				// Close waits for this loop, so the delete must not run on it.
				go m.deleteAllocationIf(a, reasonError)
			}

			return
		}

		a.log.Debugf("Relay socket %s received %d bytes from %s",
			a.RelaySocket.LocalAddr(), n, srcAddr)

		m.routeInboundRelayData(a, srcAddr, buffer[:n])
	}
}

// writeToClient sends b to the client over the TURN socket.
func (a *Allocation) writeToClient(b []byte) error {
	_, err := a.TurnSocket.WriteTo(b, a.fiveTuple.SrcAddr)
	if errors.Is(err, net.ErrClosed) {
		return nil
	}

	return err
}
