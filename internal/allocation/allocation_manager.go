// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package allocation

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/pion/logging"
	"github.com/pion/stun/v2"
	"github.com/pion/turnrelay/internal/ipnet"
	"github.com/pion/turnrelay/internal/metrics"
	"github.com/pion/turnrelay/internal/proto"
)

const (
	defaultSweepInterval      = 10 * time.Second
	defaultMaxLifetime        = time.Hour
	defaultChannelBindTimeout = 10 * time.Minute

	reasonExpired  = metrics.ReasonExpired
	reasonRefresh  = metrics.ReasonRefresh
	reasonAdmin    = metrics.ReasonAdmin
	reasonShutdown = metrics.ReasonShutdown
	reasonError    = metrics.ReasonError
)

// ManagerConfig a bag of config params for Manager.
type ManagerConfig struct {
	LeveledLogger      logging.LeveledLogger
	AllocatePacketConn func(network string, requestedPort int) (net.PacketConn, net.Addr, error)
	PermissionHandler  func(clientAddr net.Addr, peerIP net.IP) bool
	EventHandler       EventHandler
	Metrics            *metrics.Metrics

	// AllocationQuota caps the number of live allocations, 0 means unlimited.
	AllocationQuota int
	// MinLifetime and MaxLifetime bound the lifetime granted to an allocation.
	// A zero MaxLifetime defaults to one hour.
	MinLifetime, MaxLifetime time.Duration
	// PermissionTimeout defaults to DefaultPermissionTimeout.
	PermissionTimeout time.Duration
	// SweepInterval is the period of the expiry sweep, defaults to 10 seconds.
	SweepInterval time.Duration
	// Now is the clock used for every expiry decision, defaults to time.Now.
	Now func() time.Time
}

// Manager is used to hold active allocations.
type Manager struct {
	lock        sync.RWMutex
	log         logging.LeveledLogger
	allocations map[FiveTupleFingerprint]*Allocation
	closed      bool

	allocatePacketConn func(network string, requestedPort int) (net.PacketConn, net.Addr, error)
	permissionHandler  func(clientAddr net.Addr, peerIP net.IP) bool
	eventHandler       EventHandler
	metrics            *metrics.Metrics

	quota                    int
	minLifetime, maxLifetime time.Duration
	permissionTimeout        time.Duration
	now                      func() time.Time

	closeOnce   sync.Once
	stopSweep   chan struct{}
	sweeperDone chan struct{}
}

// NewManager creates a new instance of Manager.
func NewManager(config ManagerConfig) (*Manager, error) {
	switch {
	case config.AllocatePacketConn == nil:
		return nil, errAllocatePacketConnMustBeSet
	case config.LeveledLogger == nil:
		return nil, errLeveledLoggerMustBeSet
	}

	m := &Manager{
		log:                config.LeveledLogger,
		allocations:        make(map[FiveTupleFingerprint]*Allocation, 64),
		allocatePacketConn: config.AllocatePacketConn,
		permissionHandler:  config.PermissionHandler,
		eventHandler:       config.EventHandler,
		metrics:            config.Metrics,
		quota:              config.AllocationQuota,
		minLifetime:        config.MinLifetime,
		maxLifetime:        config.MaxLifetime,
		permissionTimeout:  config.PermissionTimeout,
		now:                config.Now,
		stopSweep:          make(chan struct{}),
		sweeperDone:        make(chan struct{}),
	}

	if m.maxLifetime == 0 {
		m.maxLifetime = defaultMaxLifetime
	}
	if m.minLifetime > m.maxLifetime {
		m.minLifetime = m.maxLifetime
	}
	if m.permissionTimeout == 0 {
		m.permissionTimeout = DefaultPermissionTimeout
	}
	if m.now == nil {
		m.now = time.Now
	}

	sweepInterval := config.SweepInterval
	if sweepInterval <= 0 {
		sweepInterval = defaultSweepInterval
	}
	go m.sweepLoop(sweepInterval)

	return m, nil
}

// GetAllocation fetches the live allocation matching the passed FiveTuple.
// An allocation found past its lifetime is deleted and reported as absent.
func (m *Manager) GetAllocation(fiveTuple *FiveTuple) *Allocation {
	m.lock.RLock()
	a, ok := m.allocations[fiveTuple.Fingerprint()]
	m.lock.RUnlock()

	if !ok {
		return nil
	}
	if a.Expired() {
		m.deleteAllocationIf(a, reasonExpired)

		return nil
	}

	return a
}

// AllocationCount returns the number of live allocations held by the manager.
// Allocations past their lifetime that the sweep has not removed yet are not
// counted.
func (m *Manager) AllocationCount() int {
	m.lock.RLock()
	defer m.lock.RUnlock()

	return m.liveCountLocked(m.now())
}

func (m *Manager) liveCountLocked(now time.Time) int {
	n := 0
	for _, a := range m.allocations {
		if !a.expiredAt(now) {
			n++
		}
	}

	return n
}

// ClampLifetime bounds a requested allocation lifetime to the configured range.
func (m *Manager) ClampLifetime(lifetime time.Duration) time.Duration {
	switch {
	case lifetime < m.minLifetime:
		return m.minLifetime
	case lifetime > m.maxLifetime:
		return m.maxLifetime
	default:
		return lifetime
	}
}

// PermissionTimeout returns the lifetime given to permissions.
func (m *Manager) PermissionTimeout() time.Duration {
	return m.permissionTimeout
}

// Close closes the manager and closes all allocations it manages.
func (m *Manager) Close() error {
	var allocations []*Allocation
	m.closeOnce.Do(func() {
		close(m.stopSweep)
		<-m.sweeperDone

		m.lock.Lock()
		m.closed = true
		for fp, a := range m.allocations {
			allocations = append(allocations, a)
			delete(m.allocations, fp)
		}
		m.lock.Unlock()
	})

	var firstErr error
	for _, a := range allocations {
		if err := m.closeAllocation(a, reasonShutdown); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}

// CreateAllocation creates a new allocation and starts relaying.
func (m *Manager) CreateAllocation(
	fiveTuple *FiveTuple,
	turnSocket net.PacketConn,
	requestedPort int,
	lifetime time.Duration,
	username, realm string,
) (*Allocation, error) {
	switch {
	case fiveTuple == nil:
		return nil, errNilFiveTuple
	case fiveTuple.SrcAddr == nil:
		return nil, errNilFiveTupleSrcAddr
	case fiveTuple.DstAddr == nil:
		return nil, errNilFiveTupleDstAddr
	case turnSocket == nil:
		return nil, errNilTurnSocket
	case lifetime == 0:
		return nil, errLifetimeZero
	}

	if a := m.GetAllocation(fiveTuple); a != nil {
		return nil, fmt.Errorf("%w: %v", ErrAllocationExists, fiveTuple)
	}

	m.lock.RLock()
	closed, count := m.closed, m.liveCountLocked(m.now())
	m.lock.RUnlock()
	if closed {
		return nil, errManagerClosed
	}
	if m.quota > 0 && count >= m.quota {
		return nil, fmt.Errorf("%w: %d allocations", ErrAllocationQuotaExceeded, count)
	}

	conn, relayAddr, err := m.allocatePacketConn("udp4", requestedPort)
	switch {
	case errors.Is(err, ErrAllocationQuotaExceeded):
		return nil, err
	case err != nil:
		return nil, fmt.Errorf("%w: %v", ErrRelayBindFailed, err)
	}

	alloc := NewAllocation(turnSocket, fiveTuple, m.log)
	alloc.RelaySocket = conn
	alloc.RelayAddr = relayAddr
	alloc.Protocol = UDP
	alloc.username = username
	alloc.realm = realm
	alloc.now = m.now
	alloc.eventHandler = m.eventHandler
	alloc.metrics = m.metrics
	alloc.expiresAt = m.now().Add(m.ClampLifetime(lifetime))

	m.lock.Lock()
	fp := fiveTuple.Fingerprint()
	_, exists := m.allocations[fp]
	switch {
	case m.closed:
		m.lock.Unlock()
		_ = conn.Close()

		return nil, errManagerClosed
	case exists:
		m.lock.Unlock()
		_ = conn.Close()

		return nil, fmt.Errorf("%w: %v", ErrAllocationExists, fiveTuple)
	}
	m.allocations[fp] = alloc
	alloc.start(m)
	m.lock.Unlock()

	m.log.Debugf("Created allocation %v relaying on %v", fiveTuple, relayAddr)
	m.metrics.RecordAllocationCreated()
	if f := m.eventHandler.OnAllocationCreated; f != nil {
		f(alloc.eventContext(), relayAddr)
	}

	return alloc, nil
}

// RefreshAllocation updates the lifetime of the allocation of fiveTuple and
// returns the granted lifetime. A lifetime of 0 deletes the allocation.
func (m *Manager) RefreshAllocation(fiveTuple *FiveTuple, lifetime time.Duration) (time.Duration, error) {
	a := m.GetAllocation(fiveTuple)
	if a == nil {
		return 0, ErrNoAllocation
	}

	if lifetime == 0 {
		m.deleteAllocationIf(a, reasonRefresh)

		return 0, nil
	}

	granted := m.ClampLifetime(lifetime)
	a.Refresh(granted)

	return granted, nil
}

// DeleteAllocation removes an allocation.
func (m *Manager) DeleteAllocation(fiveTuple *FiveTuple) bool {
	return m.deleteAllocation(fiveTuple, reasonAdmin)
}

// DeleteAllocationsByUsername removes every allocation authenticated as
// username and returns how many were removed.
func (m *Manager) DeleteAllocationsByUsername(username string) int {
	var doomed []*Allocation

	m.lock.Lock()
	for fp, a := range m.allocations {
		if a.username == username {
			doomed = append(doomed, a)
			delete(m.allocations, fp)
		}
	}
	m.lock.Unlock()

	for _, a := range doomed {
		if err := m.closeAllocation(a, reasonAdmin); err != nil {
			m.log.Errorf("Failed to close allocation %v: %v", a.fiveTuple, err)
		}
	}

	return len(doomed)
}

// CreatePermission installs or refreshes the permission for peerIP on the
// allocation of fiveTuple.
func (m *Manager) CreatePermission(fiveTuple *FiveTuple, peerIP net.IP, lifetime time.Duration) error {
	a := m.GetAllocation(fiveTuple)
	if a == nil {
		return ErrNoAllocation
	}
	if err := m.GrantPermission(fiveTuple.SrcAddr, peerIP); err != nil {
		return err
	}

	a.AddPermission(NewPermission(&net.UDPAddr{IP: peerIP}), lifetime)

	return nil
}

// ChannelBind binds number to peer on the allocation of fiveTuple, or
// refreshes the binding when the same pair is already bound.
func (m *Manager) ChannelBind(
	fiveTuple *FiveTuple,
	number proto.ChannelNumber,
	peer net.Addr,
	lifetime time.Duration,
) error {
	a := m.GetAllocation(fiveTuple)
	if a == nil {
		return ErrNoAllocation
	}

	peerIP, _, err := ipnet.AddrIPPort(peer)
	if err != nil {
		return err
	}
	if err := m.GrantPermission(fiveTuple.SrcAddr, peerIP); err != nil {
		return err
	}

	if lifetime == 0 {
		lifetime = defaultChannelBindTimeout
	}

	return a.AddChannelBind(NewChannelBind(number, peer), lifetime, m.permissionTimeout)
}

// RelaySend writes data from the client to peer through the relay socket of
// the allocation of fiveTuple. A live permission for the IP of peer is required.
func (m *Manager) RelaySend(fiveTuple *FiveTuple, peer net.Addr, data []byte) error {
	a := m.GetAllocation(fiveTuple)
	if a == nil {
		return ErrNoAllocation
	}

	return m.relayToPeer(a, peer, data)
}

// RelayChannelData writes data from the client to the peer bound to number.
// Traffic on a binding refreshes it.
func (m *Manager) RelayChannelData(fiveTuple *FiveTuple, number proto.ChannelNumber, data []byte) error {
	a := m.GetAllocation(fiveTuple)
	if a == nil {
		return ErrNoAllocation
	}

	channel := a.GetChannelByNumber(number)
	if channel == nil {
		return fmt.Errorf("%w: %x", ErrNoSuchChannelBind, uint16(number))
	}

	if err := m.relayToPeer(a, channel.Peer, data); err != nil {
		return err
	}
	a.refreshChannel(channel)

	return nil
}

func (m *Manager) relayToPeer(a *Allocation, peer net.Addr, data []byte) error {
	if a.GetPermission(peer) == nil {
		return fmt.Errorf("%w: %v", ErrPermissionDenied, peer)
	}

	n, err := a.RelaySocket.WriteTo(data, peer)
	if err != nil {
		return fmt.Errorf("failed to relay to %v: %w", peer, err)
	}
	if n != len(data) {
		return errShortWrite
	}

	a.refreshPermission(peer, m.permissionTimeout)
	m.metrics.RecordRelayed(metrics.DirectionToPeer, n)

	return nil
}

// routeInboundRelayData forwards a datagram received on the relay socket of a
// to the client: as ChannelData when the sender has a channel bound, as a Data
// indication otherwise. Senders without a permission are dropped.
func (m *Manager) routeInboundRelayData(a *Allocation, from net.Addr, data []byte) bool {
	if a.Expired() {
		return false
	}

	if a.GetPermission(from) == nil {
		m.log.Infof("No Permission or Channel exists for %v on allocation %v", from, a.RelayAddr)
		m.metrics.RecordInboundDropped()

		return false
	}

	var raw []byte
	if channel := a.GetChannelByAddr(from); channel != nil {
		channelData := &proto.ChannelData{
			Data:   data,
			Number: channel.Number,
		}
		channelData.Encode()
		raw = channelData.Raw
	} else {
		udpAddr, ok := from.(*net.UDPAddr)
		if !ok {
			m.log.Errorf("Failed to send DataIndication from allocation %v %v", from, errFailedToCastUDPAddr)

			return false
		}

		msg, err := stun.Build(
			stun.TransactionID,
			stun.NewType(stun.MethodData, stun.ClassIndication),
			proto.PeerAddress{IP: udpAddr.IP, Port: udpAddr.Port},
			proto.Data(data),
		)
		if err != nil {
			m.log.Errorf("Failed to send DataIndication from allocation %v %v", from, err)

			return false
		}
		raw = msg.Raw
	}

	if err := a.writeToClient(raw); err != nil {
		m.log.Errorf("Failed to send data to client %v from allocation %v: %v", a.fiveTuple.SrcAddr, a.RelayAddr, err)

		return false
	}
	m.metrics.RecordRelayed(metrics.DirectionToClient, len(data))

	return true
}

// SweepExpired deletes allocations past their lifetime and prunes expired
// permissions and channel bindings of the remaining ones.
func (m *Manager) SweepExpired() {
	now := m.now()

	var expired, live []*Allocation
	m.lock.Lock()
	for fp, a := range m.allocations {
		if a.expiredAt(now) {
			expired = append(expired, a)
			delete(m.allocations, fp)
		} else {
			live = append(live, a)
		}
	}
	m.lock.Unlock()

	for _, a := range expired {
		m.log.Debugf("Allocation %v expired", a.fiveTuple)
		if err := m.closeAllocation(a, reasonExpired); err != nil {
			m.log.Errorf("Failed to close allocation %v: %v", a.fiveTuple, err)
		}
	}
	for _, a := range live {
		a.sweep(now)
	}
}

func (m *Manager) sweepLoop(interval time.Duration) {
	defer close(m.sweeperDone)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopSweep:
			return
		case <-ticker.C:
			m.SweepExpired()
		}
	}
}

// GrantPermission asks the permission handler whether clientAddr may relay
// to peerIP, and returns ErrPermissionDenied if not.
func (m *Manager) GrantPermission(clientAddr net.Addr, peerIP net.IP) error {
	if m.permissionHandler == nil || m.permissionHandler(clientAddr, peerIP) {
		return nil
	}

	return fmt.Errorf("%w: %s", ErrPermissionDenied, peerIP)
}

func (m *Manager) deleteAllocation(fiveTuple *FiveTuple, reason string) bool {
	m.lock.Lock()
	fp := fiveTuple.Fingerprint()
	a, ok := m.allocations[fp]
	if ok {
		delete(m.allocations, fp)
	}
	m.lock.Unlock()

	if !ok {
		return false
	}

	if err := m.closeAllocation(a, reason); err != nil {
		m.log.Errorf("Failed to close allocation %v: %v", fiveTuple, err)
	}

	return true
}

// deleteAllocationIf removes a only if it is still the allocation stored for
// its 5-tuple.
func (m *Manager) deleteAllocationIf(a *Allocation, reason string) {
	m.lock.Lock()
	fp := a.fiveTuple.Fingerprint()
	current, ok := m.allocations[fp]
	if ok && current == a {
		delete(m.allocations, fp)
	}
	m.lock.Unlock()

	if !ok || current != a {
		return
	}

	if err := m.closeAllocation(a, reason); err != nil {
		m.log.Errorf("Failed to close allocation %v: %v", a.fiveTuple, err)
	}
}

// closeAllocation releases a, which must already be removed from the map.
func (m *Manager) closeAllocation(a *Allocation, reason string) error {
	err := a.Close()

	m.metrics.RecordAllocationDeleted(reason)
	if f := m.eventHandler.OnAllocationDeleted; f != nil {
		f(a.eventContext(), reason)
	}

	return err
}
