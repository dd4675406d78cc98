// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package turn

import "errors"

var (
	errRelayAddressInvalid         = errors.New("turn: RelayAddress must be valid IP to use RelayAddressGeneratorStatic")
	errNoAvailableConns            = errors.New("turn: PacketConnConfigs must be set")
	errConnUnset                   = errors.New("turn: PacketConnConfig must have a non-nil Conn")
	errListeningAddressInvalid     = errors.New("turn: RelayAddressGenerator has invalid ListeningAddress")
	errRelayAddressGeneratorUnset  = errors.New("turn: RelayAddressGenerator in RelayConfig is unset")
	errMaxRetriesExceeded          = errors.New("turn: max retries exceeded")
	errMaxPortNotZero              = errors.New("turn: MaxPort must be not 0")
	errMinPortNotZero              = errors.New("turn: MinPort must be not 0")
	errMinPortAboveMaxPort         = errors.New("turn: MinPort must not be above MaxPort")
	errNilConn                     = errors.New("turn: conn is nil")
	errDuplicateListener           = errors.New("turn: two PacketConnConfigs share a local address")
	errInvalidAllocationLifetimes  = errors.New("turn: MinAllocationLifetime must not exceed MaxAllocationLifetime")
	errNegativeDuration            = errors.New("turn: timeouts and lifetimes must not be negative")
	errNegativeInboundMTU          = errors.New("turn: InboundMTU must not be negative")
	errNegativeAllocationQuota     = errors.New("turn: AllocationQuota must not be negative")
	errNoListenerForAddr           = errors.New("turn: no listener is registered at address")
	errServerClosed                = errors.New("turn: server is closed")
	errInvalidTimeWindowedUsername = errors.New("turn: username is not a unix timestamp")
	errExpiredTimeWindowedUsername = errors.New("turn: time-windowed username has expired")
)
