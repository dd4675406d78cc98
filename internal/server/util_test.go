// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

//go:build !js
// +build !js

package server

import (
	"net"
	"testing"
	"time"

	"github.com/pion/stun/v2"
	"github.com/pion/turnrelay/internal/allocation"
	"github.com/pion/turnrelay/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type authVerdict struct {
	username string
	method   string
	verdict  bool
}

func TestAuthenticateRequest(t *testing.T) {
	newHarness := func(t *testing.T) (*testHarness, *[]authVerdict) {
		t.Helper()

		h := newTestHarness(t, nil)
		verdicts := &[]authVerdict{}
		h.req.OnAuth = func(_, _ net.Addr, username, _, method string, verdict bool) {
			*verdicts = append(*verdicts, authVerdict{username, method, verdict})
		}

		return h, verdicts
	}

	// authenticate runs authenticateRequest on a request built from attrs and
	// returns the response that was sent, if any.
	authenticate := func(t *testing.T, h *testHarness, attrs ...stun.Setter) (credentials, bool, *stun.Message, error) {
		t.Helper()

		msg := h.build(stun.NewType(stun.MethodAllocate, stun.ClassRequest), attrs...)
		h.conn.Reset()
		creds, ok, err := authenticateRequest(h.req, msg, stun.MethodAllocate)

		var resp *stun.Message
		if raw := h.conn.LastWrite(); len(raw) > 0 {
			resp = &stun.Message{Raw: raw}
			require.NoError(t, resp.Decode())
		}

		return creds, ok, resp, err
	}

	assertChallenge := func(t *testing.T, h *testHarness, resp *stun.Message) {
		t.Helper()

		assert.Equal(t, stun.CodeUnauthorized, errorCodeOf(t, resp))

		var nonce stun.Nonce
		require.NoError(t, nonce.GetFrom(resp))
		assert.NoError(t, h.nonces.Validate(nonce.String()), "challenge must carry a nonce we issued")

		var realm stun.Realm
		require.NoError(t, realm.GetFrom(resp))
		assert.Equal(t, testRealm, realm.String())
	}

	t.Run("NoIntegrity", func(t *testing.T) {
		h, verdicts := newHarness(t)

		_, ok, resp, err := authenticate(t, h)
		assert.False(t, ok)
		assert.NoError(t, err, "the first challenge is not an error")
		assertChallenge(t, h, resp)
		assert.Empty(t, *verdicts)
	})

	t.Run("Valid", func(t *testing.T) {
		h, verdicts := newHarness(t)

		creds, ok, resp, err := authenticate(t, h, h.authAttrs()...)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Nil(t, resp, "nothing is sent for an authenticated request")
		assert.Equal(t, testUsername, creds.username)
		assert.Equal(t, testRealm, creds.realm)
		assert.Equal(t, []authVerdict{{testUsername, "Allocate", true}}, *verdicts)
	})

	t.Run("WrongPassword", func(t *testing.T) {
		h, verdicts := newHarness(t)
		nonce, err := h.nonces.Generate()
		require.NoError(t, err)

		_, ok, resp, err := authenticate(t, h,
			stun.NewUsername(testUsername),
			stun.NewRealm(testRealm),
			stun.NewNonce(nonce),
			stun.NewLongTermIntegrity(testUsername, testRealm, "wrong"),
		)
		assert.False(t, ok)
		assert.ErrorIs(t, err, stun.ErrIntegrityMismatch)
		assertChallenge(t, h, resp)
		assert.Equal(t, []authVerdict{{testUsername, "Allocate", false}}, *verdicts)
	})

	t.Run("UnknownUser", func(t *testing.T) {
		h, _ := newHarness(t)
		nonce, err := h.nonces.Generate()
		require.NoError(t, err)

		_, ok, resp, err := authenticate(t, h,
			stun.NewUsername("mallory"),
			stun.NewRealm(testRealm),
			stun.NewNonce(nonce),
			stun.NewLongTermIntegrity("mallory", testRealm, testPassword),
		)
		assert.False(t, ok)
		assert.ErrorIs(t, err, errNoSuchUser)
		assertChallenge(t, h, resp)
	})

	t.Run("UnknownNonce", func(t *testing.T) {
		h, _ := newHarness(t)

		_, ok, resp, err := authenticate(t, h,
			stun.NewUsername(testUsername),
			stun.NewRealm(testRealm),
			stun.NewNonce("not-issued-by-us"),
			stun.NewLongTermIntegrity(testUsername, testRealm, testPassword),
		)
		assert.False(t, ok)
		assert.ErrorIs(t, err, errInvalidNonce)
		assertChallenge(t, h, resp)
	})

	t.Run("StaleNonce", func(t *testing.T) {
		h, _ := newHarness(t)
		clock := newTestClock()
		h.nonces = NewNonceStore(time.Minute, clock.Now)
		h.req.Nonces = h.nonces

		attrs := h.authAttrs()
		clock.Advance(2 * time.Minute)

		_, ok, resp, err := authenticate(t, h, attrs...)
		assert.False(t, ok)
		assert.ErrorIs(t, err, errInvalidNonce)
		assertChallenge(t, h, resp)
	})

	t.Run("MissingUsername", func(t *testing.T) {
		h, _ := newHarness(t)
		nonce, err := h.nonces.Generate()
		require.NoError(t, err)

		_, ok, resp, err := authenticate(t, h,
			stun.NewRealm(testRealm),
			stun.NewNonce(nonce),
			stun.NewLongTermIntegrity(testUsername, testRealm, testPassword),
		)
		assert.False(t, ok)
		assert.ErrorIs(t, err, stun.ErrAttributeNotFound)
		assertChallenge(t, h, resp)
	})

	t.Run("NoAuthHandler", func(t *testing.T) {
		h, _ := newHarness(t)
		h.req.AuthHandler = nil

		_, ok, resp, err := authenticate(t, h, h.authAttrs()...)
		assert.False(t, ok)
		assert.ErrorIs(t, err, errAuthHandlerNotSet)
		assert.Equal(t, stun.CodeBadRequest, errorCodeOf(t, resp))
	})

	t.Run("FailuresAreCounted", func(t *testing.T) {
		h, _ := newHarness(t)
		m := metrics.NewMetricsWithRegistry(prometheus.NewRegistry())
		h.req.Metrics = m

		_, _, _, _ = authenticate(t, h)
		_, _, _, _ = authenticate(t, h, h.authAttrs()...)
		assert.Equal(t, float64(0), testutil.ToFloat64(m.AuthFailures), "challenges are not failures")

		_, _, _, _ = authenticate(t, h,
			stun.NewUsername(testUsername),
			stun.NewRealm(testRealm),
			stun.NewNonce("not-issued-by-us"),
			stun.NewLongTermIntegrity(testUsername, testRealm, testPassword),
		)
		assert.Equal(t, float64(1), testutil.ToFloat64(m.AuthFailures))
	})
}

func TestErrorCode(t *testing.T) {
	for err, code := range map[error]stun.ErrorCode{
		allocation.ErrNoAllocation:            stun.CodeAllocMismatch,
		allocation.ErrAllocationExists:        stun.CodeAllocQuotaReached,
		allocation.ErrAllocationQuotaExceeded: stun.CodeAllocQuotaReached,
		allocation.ErrRelayBindFailed:         stun.CodeInsufficientCapacity,
		allocation.ErrPermissionDenied:        stun.CodeForbidden,
		allocation.ErrInvalidChannelNumber:    codeUnsupportedChannelNumber,
		allocation.ErrChannelConflict:         stun.CodeBadRequest,
		errFailedToHandle:                     stun.CodeServerError,
	} {
		assert.Equal(t, code, errorCode(err), err.Error())
	}
}

func TestRequestedLifetime(t *testing.T) {
	m, err := stun.Build(stun.TransactionID, stun.BindingRequest)
	require.NoError(t, err)

	lifetime, present := requestedLifetime(m)
	assert.False(t, present)
	assert.Equal(t, 10*time.Minute, lifetime)
}
