// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package server

import (
	"fmt"
	"sync"
	"time"

	"github.com/pion/randutil"
)

const (
	// DefaultNonceLifetime is how long an issued nonce is accepted.
	// See: https://tools.ietf.org/html/rfc5766#section-4
	DefaultNonceLifetime = time.Hour

	nonceLength = 32
	nonceRunes  = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

// NonceStore issues nonces and remembers when each one was handed out.
// It is shared by every read loop of a server.
type NonceStore struct {
	lock     sync.Mutex
	nonces   map[string]time.Time
	lifetime time.Duration
	now      func() time.Time
}

// NewNonceStore creates a NonceStore. A zero lifetime uses DefaultNonceLifetime
// and a nil now uses time.Now.
func NewNonceStore(lifetime time.Duration, now func() time.Time) *NonceStore {
	if lifetime == 0 {
		lifetime = DefaultNonceLifetime
	}
	if now == nil {
		now = time.Now
	}

	return &NonceStore{
		nonces:   make(map[string]time.Time),
		lifetime: lifetime,
		now:      now,
	}
}

// Generate issues a new nonce.
func (n *NonceStore) Generate() (string, error) {
	nonce, err := randutil.GenerateCryptoRandomString(nonceLength, nonceRunes)
	if err != nil {
		return "", fmt.Errorf("%w: %v", errFailedToGenerateNonce, err) //nolint:errorlint
	}

	n.lock.Lock()
	defer n.lock.Unlock()

	if _, ok := n.nonces[nonce]; ok {
		return "", errDuplicatedNonce
	}
	n.nonces[nonce] = n.now()

	return nonce, nil
}

// Validate checks that nonce was issued by this store and has not expired.
// An expired nonce is forgotten.
func (n *NonceStore) Validate(nonce string) error {
	n.lock.Lock()
	defer n.lock.Unlock()

	issuedAt, ok := n.nonces[nonce]
	if !ok {
		return errInvalidNonce
	}

	if n.now().Sub(issuedAt) > n.lifetime {
		delete(n.nonces, nonce)

		return errInvalidNonce
	}

	return nil
}

// Sweep forgets every expired nonce and returns how many were dropped.
func (n *NonceStore) Sweep() int {
	n.lock.Lock()
	defer n.lock.Unlock()

	now := n.now()
	dropped := 0
	for nonce, issuedAt := range n.nonces {
		if now.Sub(issuedAt) > n.lifetime {
			delete(n.nonces, nonce)
			dropped++
		}
	}

	return dropped
}

// Len returns the number of remembered nonces.
func (n *NonceStore) Len() int {
	n.lock.Lock()
	defer n.lock.Unlock()

	return len(n.nonces)
}
