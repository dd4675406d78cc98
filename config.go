// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package turn

import (
	"crypto/md5" //nolint:gosec,gci
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/pion/logging"
	"github.com/pion/turnrelay/internal/allocation"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	// DefaultChannelBindTimeout is the lifetime of a channel binding when
	// ServerConfig.ChannelBindTimeout is zero.
	DefaultChannelBindTimeout = 10 * time.Minute

	// DefaultPermissionTimeout is the lifetime of a permission.
	DefaultPermissionTimeout = 5 * time.Minute

	// DefaultMaxAllocationLifetime caps the LIFETIME a client may request.
	DefaultMaxAllocationLifetime = time.Hour

	// DefaultInboundMTU is the size of the receive buffer of every listener.
	DefaultInboundMTU = 1600

	// DefaultSweepInterval is how often expired allocations, permissions,
	// channel bindings and nonces are pruned.
	DefaultSweepInterval = 10 * time.Second
)

// RelayAddressGenerator is used to generate a RelayAddress when creating an allocation.
// You can use one of the provided ones or provide your own.
type RelayAddressGenerator interface {
	// Validate confirms that the RelayAddressGenerator is properly initialized
	Validate() error

	// AllocatePacketConn allocates a PacketConn (UDP) RelayAddress
	AllocatePacketConn(network string, requestedPort int) (net.PacketConn, net.Addr, error)
}

// PermissionHandler is a callback to filter incoming CreatePermission and ChannelBindRequest
// requests based on the client IP address and port and the peer IP address the client intends to
// connect to. If the client is behind a NAT then the filter acts on the server reflexive
// ("mapped") address instead of the real client IP address and port. Note that TURN permissions
// are per-allocation and per-peer-IP-address, to mimic the address-restricted filtering mechanism
// of NATs that comply with [RFC4787], see https://tools.ietf.org/html/rfc5766#section-2.3.
type PermissionHandler func(clientAddr net.Addr, peerIP net.IP) (ok bool)

// DefaultPermissionHandler is convince function that grants permission to all peers
func DefaultPermissionHandler(net.Addr, net.IP) (ok bool) {
	return true
}

// AuthHandler is a callback used to handle incoming auth requests, allowing users to customize Pion TURN with custom behavior
type AuthHandler func(username, realm string, srcAddr net.Addr) (key []byte, ok bool)

// EventHandler is a set of callbacks invoked at the hook points of an
// allocation's lifecycle.
type EventHandler = allocation.EventHandler

// EventContext identifies the allocation an EventHandler callback reports on.
type EventContext = allocation.EventContext

// GenerateAuthKey is a convenience function to easily generate keys in the format used by AuthHandler
func GenerateAuthKey(username, realm, password string) []byte {
	// #nosec
	h := md5.New()
	fmt.Fprint(h, strings.Join([]string{username, realm, password}, ":")) // nolint: errcheck

	return h.Sum(nil)
}

// PacketConnConfig is a single net.PacketConn to listen/write on. This will be used for UDP listeners
type PacketConnConfig struct {
	PacketConn net.PacketConn

	// When an allocation is generated the RelayAddressGenerator
	// creates the net.PacketConn and returns the IP/Port it is available at
	RelayAddressGenerator RelayAddressGenerator

	// PermissionHandler is a callback to filter peer addresses. Can be set as nil, in which
	// case the DefaultPermissionHandler is automatically instantiated to admit all peer
	// connections
	PermissionHandler PermissionHandler
}

func (c *PacketConnConfig) validate() error {
	if c.PacketConn == nil {
		return errConnUnset
	}

	if c.RelayAddressGenerator == nil {
		return errRelayAddressGeneratorUnset
	}

	return c.RelayAddressGenerator.Validate()
}

// ServerConfig configures the Pion TURN Server
type ServerConfig struct {
	// PacketConnConfigs are a list of all the turn listeners
	// Each listener can have custom behavior around the creation of Relays
	PacketConnConfigs []PacketConnConfig

	// LoggerFactory must be set for logging from this server.
	LoggerFactory logging.LoggerFactory

	// Realm sets the realm for this server
	Realm string

	// AuthHandler is a callback used to handle incoming auth requests, allowing users to customize Pion TURN with custom behavior
	AuthHandler AuthHandler

	// EventHandler is handler called on allocation lifecycle events.
	EventHandler EventHandler

	// ChannelBindTimeout sets the lifetime of channel binding. Defaults to 10 minutes.
	ChannelBindTimeout time.Duration

	// PermissionTimeout sets the lifetime of a permission. Defaults to 5 minutes.
	PermissionTimeout time.Duration

	// NonceLifetime sets how long an issued nonce is accepted. Defaults to 1 hour.
	NonceLifetime time.Duration

	// MinAllocationLifetime and MaxAllocationLifetime bound the lifetime a client
	// may request. MaxAllocationLifetime defaults to 1 hour.
	MinAllocationLifetime time.Duration
	MaxAllocationLifetime time.Duration

	// AllocationQuota limits the number of allocations per listener, 0 is unlimited.
	AllocationQuota int

	// SweepInterval sets how often expired state is pruned. Defaults to 10 seconds.
	SweepInterval time.Duration

	// Sets the server inbound MTU(Maximum transmition unit). Defaults to 1600 bytes.
	InboundMTU int

	// MetricsRegisterer, when set, receives the Prometheus collectors of the server.
	MetricsRegisterer prometheus.Registerer
}

func (s *ServerConfig) validate() error {
	if len(s.PacketConnConfigs) == 0 {
		return errNoAvailableConns
	}

	for _, d := range []time.Duration{
		s.ChannelBindTimeout, s.PermissionTimeout, s.NonceLifetime,
		s.MinAllocationLifetime, s.MaxAllocationLifetime, s.SweepInterval,
	} {
		if d < 0 {
			return errNegativeDuration
		}
	}

	if s.MaxAllocationLifetime != 0 && s.MinAllocationLifetime > s.MaxAllocationLifetime {
		return errInvalidAllocationLifetimes
	}

	if s.InboundMTU < 0 {
		return errNegativeInboundMTU
	}

	if s.AllocationQuota < 0 {
		return errNegativeAllocationQuota
	}

	seen := map[string]struct{}{}
	for i := range s.PacketConnConfigs {
		if err := s.PacketConnConfigs[i].validate(); err != nil {
			return err
		}

		addr := s.PacketConnConfigs[i].PacketConn.LocalAddr().String()
		if _, ok := seen[addr]; ok {
			return fmt.Errorf("%w: %s", errDuplicateListener, addr)
		}
		seen[addr] = struct{}{}
	}

	return nil
}

func (s *ServerConfig) applyDefaults() {
	if s.LoggerFactory == nil {
		s.LoggerFactory = logging.NewDefaultLoggerFactory()
	}

	if s.ChannelBindTimeout == 0 {
		s.ChannelBindTimeout = DefaultChannelBindTimeout
	}

	if s.PermissionTimeout == 0 {
		s.PermissionTimeout = DefaultPermissionTimeout
	}

	if s.MaxAllocationLifetime == 0 {
		s.MaxAllocationLifetime = DefaultMaxAllocationLifetime
		if s.MinAllocationLifetime > s.MaxAllocationLifetime {
			s.MaxAllocationLifetime = s.MinAllocationLifetime
		}
	}

	if s.SweepInterval == 0 {
		s.SweepInterval = DefaultSweepInterval
	}

	if s.InboundMTU == 0 {
		s.InboundMTU = DefaultInboundMTU
	}
}
