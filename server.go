// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

// Package turn contains the public API for a TURN (RFC 5766) relay server.
package turn

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/pion/logging"
	"github.com/pion/turnrelay/internal/allocation"
	"github.com/pion/turnrelay/internal/metrics"
	"github.com/pion/turnrelay/internal/server"
)

// Server is an instance of the Pion TURN Server
type Server struct {
	log                logging.LeveledLogger
	authHandler        AuthHandler
	realm              string
	channelBindTimeout time.Duration
	nonces             *server.NonceStore

	listeners map[string]*listener

	shutdown  chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

type listener struct {
	conn     net.PacketConn
	manager  *allocation.Manager
	commands *server.CommandQueue
}

// NewServer creates the Pion TURN server
//
//nolint:gocognit,cyclop
func NewServer(config ServerConfig) (*Server, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}
	config.applyDefaults()

	log := config.LoggerFactory.NewLogger("turn")

	var m *metrics.Metrics
	if config.MetricsRegisterer != nil {
		m = metrics.NewMetricsWithRegistry(config.MetricsRegisterer)
	}

	s := &Server{
		log:                log,
		authHandler:        config.AuthHandler,
		realm:              config.Realm,
		channelBindTimeout: config.ChannelBindTimeout,
		nonces:             server.NewNonceStore(config.NonceLifetime, nil),
		listeners:          make(map[string]*listener, len(config.PacketConnConfigs)),
		shutdown:           make(chan struct{}),
	}

	for _, cfg := range config.PacketConnConfigs {
		permissionHandler := cfg.PermissionHandler
		if permissionHandler == nil {
			permissionHandler = DefaultPermissionHandler
		}

		am, err := allocation.NewManager(allocation.ManagerConfig{
			LeveledLogger:      log,
			AllocatePacketConn: cfg.RelayAddressGenerator.AllocatePacketConn,
			PermissionHandler:  permissionHandler,
			EventHandler:       config.EventHandler,
			Metrics:            m,
			AllocationQuota:    config.AllocationQuota,
			MinLifetime:        config.MinAllocationLifetime,
			MaxLifetime:        config.MaxAllocationLifetime,
			PermissionTimeout:  config.PermissionTimeout,
			SweepInterval:      config.SweepInterval,
		})
		if err != nil {
			for _, l := range s.listeners {
				_ = l.manager.Close()
			}

			return nil, err
		}

		s.listeners[cfg.PacketConn.LocalAddr().String()] = &listener{
			conn:     cfg.PacketConn,
			manager:  am,
			commands: server.NewCommandQueue(),
		}
	}

	for _, l := range s.listeners {
		s.wg.Add(1)
		go func(l *listener) {
			defer s.wg.Done()

			server.ReadLoop(server.State{
				Conn:               l.conn,
				Commands:           l.commands,
				Shutdown:           s.shutdown,
				AllocationManager:  l.manager,
				Nonces:             s.nonces,
				Metrics:            m,
				InboundMTU:         config.InboundMTU,
				Log:                log,
				AuthHandler:        s.authHandler,
				OnAuth:             config.EventHandler.OnAuth,
				Realm:              s.realm,
				ChannelBindTimeout: s.channelBindTimeout,
			})
		}(l)
	}

	s.wg.Add(1)
	go s.sweepNonces(config.SweepInterval)

	return s, nil
}

func (s *Server) sweepNonces(interval time.Duration) {
	defer s.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.shutdown:
			return
		case <-ticker.C:
			if n := s.nonces.Sweep(); n > 0 {
				s.log.Tracef("Swept %d expired nonce(s)", n)
			}
		}
	}
}

// AllocationCount returns the number of active allocations across every
// listener. It can be used to impose further limits on the server.
func (s *Server) AllocationCount() int {
	allocs := 0
	for _, l := range s.listeners {
		allocs += l.manager.AllocationCount()
	}

	return allocs
}

// DeleteAllocation asks the listener bound to localAddr to delete every
// allocation authenticated as username. The deletion runs on the read loop
// of that listener before it dispatches its next datagram. Allocations on
// other listeners are left untouched.
func (s *Server) DeleteAllocation(localAddr net.Addr, username string) error {
	select {
	case <-s.shutdown:
		return errServerClosed
	default:
	}

	if localAddr == nil {
		return errNoListenerForAddr
	}

	l, ok := s.listeners[localAddr.String()]
	if !ok {
		return fmt.Errorf("%w %s", errNoListenerForAddr, localAddr)
	}

	l.commands.Push(server.DeleteAllocationCommand{Username: username})

	return nil
}

// Close stops the TURN Server. It cleans up any associated state and closes all connections it is managing.
// It blocks until every read loop has exited and every relay socket is closed. Calling it again is a no-op.
func (s *Server) Close() error {
	s.closeOnce.Do(func() {
		close(s.shutdown)
		s.wg.Wait()
	})

	return nil
}
