// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package allocation

import "errors"

// Errors returned by Manager operations. The request handlers map each of
// them to a STUN error code.
var (
	ErrAllocationExists        = errors.New("allocation already exists for 5-tuple")
	ErrNoAllocation            = errors.New("no allocation found")
	ErrPermissionDenied        = errors.New("permission denied for peer")
	ErrAllocationQuotaExceeded = errors.New("allocation quota exceeded")
	ErrRelayBindFailed         = errors.New("failed to bind relay address")
	ErrChannelConflict         = errors.New("you cannot use the same channel number with different peer")
	ErrInvalidChannelNumber    = errors.New("channel number out of range")
	ErrNoSuchChannelBind       = errors.New("no such channel bind")
)

var (
	errAllocatePacketConnMustBeSet = errors.New("AllocatePacketConn must be set")
	errLeveledLoggerMustBeSet      = errors.New("LeveledLogger must be set")
	errNilFiveTuple                = errors.New("allocations must not be created with nil FivTuple")
	errNilFiveTupleSrcAddr         = errors.New("allocations must not be created with nil FiveTuple.SrcAddr")
	errNilFiveTupleDstAddr         = errors.New("allocations must not be created with nil FiveTuple.DstAddr")
	errNilTurnSocket               = errors.New("allocations must not be created with nil turnSocket")
	errLifetimeZero                = errors.New("allocations must not be created with a lifetime of 0")
	errFailedToCastUDPAddr         = errors.New("failed to cast net.Addr to *net.UDPAddr")
	errShortWrite                  = errors.New("packet write smaller than packet")
	errManagerClosed               = errors.New("allocation manager is closed")
)
