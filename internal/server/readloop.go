// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package server

import (
	"errors"
	"net"
	"sync"
	"time"

	"github.com/pion/logging"
	"github.com/pion/stun/v2"
	"github.com/pion/turnrelay/internal/allocation"
	"github.com/pion/turnrelay/internal/metrics"
)

// Command is an administrative action run by a read loop against its
// allocation manager.
type Command interface {
	Apply(m *allocation.Manager, log logging.LeveledLogger)
}

// DeleteAllocationCommand removes every allocation owned by Username.
type DeleteAllocationCommand struct {
	Username string
}

// Apply implements Command.
func (c DeleteAllocationCommand) Apply(m *allocation.Manager, log logging.LeveledLogger) {
	n := m.DeleteAllocationsByUsername(c.Username)
	log.Infof("Deleted %d allocation(s) of user %q", n, c.Username)
}

// CommandQueue carries commands from the public API to one read loop.
type CommandQueue struct {
	lock     sync.Mutex
	commands []Command
}

// NewCommandQueue creates an empty CommandQueue.
func NewCommandQueue() *CommandQueue {
	return &CommandQueue{}
}

// Push enqueues c. It never blocks on the read loop.
func (q *CommandQueue) Push(c Command) {
	q.lock.Lock()
	defer q.lock.Unlock()

	q.commands = append(q.commands, c)
}

// Drain removes and returns every queued command in push order. A nil queue
// is always empty.
func (q *CommandQueue) Drain() []Command {
	if q == nil {
		return nil
	}

	q.lock.Lock()
	defer q.lock.Unlock()

	commands := q.commands
	q.commands = nil

	return commands
}

// State is the state shared by every datagram a read loop processes.
type State struct {
	// Connection State
	Conn     net.PacketConn
	Commands *CommandQueue
	Shutdown <-chan struct{}

	// Server State
	AllocationManager *allocation.Manager
	Nonces            *NonceStore
	Metrics           *metrics.Metrics
	InboundMTU        int
	Log               logging.LeveledLogger

	// User Configuration
	AuthHandler        func(username string, realm string, srcAddr net.Addr) (key []byte, ok bool)
	OnAuth             func(srcAddr, dstAddr net.Addr, username, realm, method string, verdict bool)
	Realm              string
	ChannelBindTimeout time.Duration
}

// ReadLoop reads datagrams from Conn and dispatches them until Shutdown is
// closed or the socket fails. Commands queued before a datagram is read are
// applied before that datagram is dispatched. On exit the allocation manager
// and then Conn are closed.
func ReadLoop(r State) {
	exited := make(chan struct{})
	watcherDone := make(chan struct{})
	defer func() {
		close(exited)
		<-watcherDone

		if err := r.AllocationManager.Close(); err != nil {
			r.Log.Errorf("Failed to close AllocationManager: %s", err)
		}
		if err := r.Conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			r.Log.Errorf("Failed to close listener %s: %s", r.Conn.LocalAddr(), err)
		}
	}()

	// Unblocks the pending ReadFrom once shutdown is signaled.
	go func() {
		defer close(watcherDone)

		select {
		case <-r.Shutdown:
			_ = r.Conn.SetReadDeadline(time.Now())
		case <-exited:
		}
	}()

	buf := make([]byte, r.InboundMTU)
	for {
		n, addr, err := r.Conn.ReadFrom(buf)
		if r.shuttingDown() {
			r.Log.Debugf("Exit read loop on %s: shutdown", r.Conn.LocalAddr())

			return
		}

		switch {
		case errors.Is(err, net.ErrClosed):
			r.Log.Debugf("Exit read loop on %s: %s", r.Conn.LocalAddr(), err)

			return
		case err != nil:
			r.Log.Errorf("Exit read loop on error: %s", err)

			return
		case n >= r.InboundMTU:
			r.Log.Debugf("Read bytes exceeded MTU, packet is possibly truncated")
		}

		for _, c := range r.Commands.Drain() {
			c.Apply(r.AllocationManager, r.Log)
		}

		if err := HandleRequest(Request{
			Conn:               r.Conn,
			SrcAddr:            addr,
			Buff:               buf[:n],
			AllocationManager:  r.AllocationManager,
			Nonces:             r.Nonces,
			Metrics:            r.Metrics,
			AuthHandler:        r.AuthHandler,
			OnAuth:             r.OnAuth,
			Log:                r.Log,
			Realm:              r.Realm,
			ChannelBindTimeout: r.ChannelBindTimeout,
		}); err != nil {
			logHandleError(r.Log, err)
		}
	}
}

// logHandleError logs a dispatcher error by its kind: client state and
// authentication failures at Debug, relay exhaustion at Warn, anything else
// at Error.
func logHandleError(log logging.LeveledLogger, err error) {
	switch {
	case errors.Is(err, allocation.ErrRelayBindFailed),
		errors.Is(err, allocation.ErrAllocationQuotaExceeded):
		log.Warnf("Relay capacity exhausted: %v", err)
	case isClientError(err):
		log.Debugf("Rejected datagram: %v", err)
	default:
		log.Errorf("Error when handling datagram: %v", err)
	}
}

func isClientError(err error) bool {
	for _, target := range []error{
		allocation.ErrNoAllocation,
		allocation.ErrAllocationExists,
		allocation.ErrPermissionDenied,
		allocation.ErrChannelConflict,
		allocation.ErrInvalidChannelNumber,
		allocation.ErrNoSuchChannelBind,
		errRelayAlreadyAllocated,
		errInvalidNonce,
		errNoSuchUser,
		errAuthHandlerNotSet,
		stun.ErrIntegrityMismatch,
	} {
		if errors.Is(err, target) {
			return true
		}
	}

	return false
}

func (r State) shuttingDown() bool {
	select {
	case <-r.Shutdown:
		return true
	default:
		return false
	}
}
