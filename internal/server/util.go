// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package server

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/pion/stun/v2"
	"github.com/pion/turnrelay/internal/allocation"
	"github.com/pion/turnrelay/internal/proto"
)

// codeUnsupportedChannelNumber answers a CHANNEL-NUMBER outside [0x4000, 0x7FFF].
const codeUnsupportedChannelNumber stun.ErrorCode = 440

func buildAndSend(req Request, attrs ...stun.Setter) error {
	msg, err := stun.Build(attrs...)
	if err != nil {
		return err
	}

	req.Metrics.RecordRequest(msg.Type.Method.String(), msg.Type.Class.String())

	_, err = req.Conn.WriteTo(msg.Raw, req.SrcAddr)
	if errors.Is(err, net.ErrClosed) {
		return nil
	}

	return err
}

// Send a STUN packet and return the original error to the caller.
func buildAndSendErr(req Request, err error, attrs ...stun.Setter) error {
	if sendErr := buildAndSend(req, attrs...); sendErr != nil {
		err = fmt.Errorf("%w %v %v", errFailedToSendError, sendErr, err) //nolint:errorlint
	}

	return err
}

func buildMsg(
	transactionID [stun.TransactionIDSize]byte,
	msgType stun.MessageType,
	additional ...stun.Setter,
) []stun.Setter {
	return append([]stun.Setter{&stun.Message{TransactionID: transactionID}, msgType}, additional...)
}

func buildErrMsg(
	transactionID [stun.TransactionIDSize]byte,
	method stun.Method,
	code stun.ErrorCode,
	additional ...stun.Setter,
) []stun.Setter {
	return buildMsg(transactionID, stun.NewType(method, stun.ClassErrorResponse),
		append([]stun.Setter{&stun.ErrorCodeAttribute{Code: code}}, additional...)...)
}

// errorCode maps an allocation error to the STUN error code sent to the client.
func errorCode(err error) stun.ErrorCode {
	switch {
	case errors.Is(err, allocation.ErrNoAllocation):
		return stun.CodeAllocMismatch
	case errors.Is(err, allocation.ErrAllocationExists),
		errors.Is(err, allocation.ErrAllocationQuotaExceeded):
		return stun.CodeAllocQuotaReached
	case errors.Is(err, allocation.ErrRelayBindFailed):
		return stun.CodeInsufficientCapacity
	case errors.Is(err, allocation.ErrPermissionDenied):
		return stun.CodeForbidden
	case errors.Is(err, allocation.ErrInvalidChannelNumber):
		return codeUnsupportedChannelNumber
	case errors.Is(err, allocation.ErrChannelConflict):
		return stun.CodeBadRequest
	default:
		return stun.CodeServerError
	}
}

// credentials are what a request was authenticated with.
type credentials struct {
	integrity stun.MessageIntegrity
	username  string
	realm     string
}

// authenticateRequest checks the long-term credentials of stunMsg. Every
// failure is answered with 401 and a fresh nonce, without telling which check
// failed. ok is false when the request must not be processed further.
func authenticateRequest(req Request, stunMsg *stun.Message, callingMethod stun.Method) (
	creds credentials,
	ok bool,
	err error,
) {
	// No Auth handler is set, server is running in STUN only mode
	// Respond with 400 so clients don't retry.
	if req.AuthHandler == nil {
		return creds, false, buildAndSendErr(req, errAuthHandlerNotSet,
			buildErrMsg(stunMsg.TransactionID, callingMethod, stun.CodeBadRequest)...)
	}

	respondWithNonce := func(cause error) (credentials, bool, error) {
		if cause != nil {
			req.Metrics.RecordAuthFailure()
		}

		nonce, genErr := req.Nonces.Generate()
		if genErr != nil {
			return creds, false, genErr
		}

		sendErr := buildAndSend(req, buildErrMsg(stunMsg.TransactionID, callingMethod, stun.CodeUnauthorized,
			stun.NewNonce(nonce),
			stun.NewRealm(req.Realm),
		)...)
		if sendErr != nil {
			return creds, false, sendErr
		}

		return creds, false, cause
	}

	if !stunMsg.Contains(stun.AttrMessageIntegrity) {
		// The first request of a client carries no credentials, this is the challenge.
		return respondWithNonce(nil)
	}

	nonceAttr := &stun.Nonce{}
	usernameAttr := &stun.Username{}
	realmAttr := &stun.Realm{}

	if err = nonceAttr.GetFrom(stunMsg); err != nil {
		return respondWithNonce(err)
	}
	if err = realmAttr.GetFrom(stunMsg); err != nil {
		return respondWithNonce(err)
	}
	if err = usernameAttr.GetFrom(stunMsg); err != nil {
		return respondWithNonce(err)
	}

	onAuth := func(verdict bool) {
		if req.OnAuth != nil {
			req.OnAuth(req.SrcAddr, req.Conn.LocalAddr(), usernameAttr.String(), realmAttr.String(),
				callingMethod.String(), verdict)
		}
	}

	// Assert Nonce was issued by us and is not expired.
	if err = req.Nonces.Validate(nonceAttr.String()); err != nil {
		onAuth(false)

		return respondWithNonce(err)
	}

	ourKey, found := req.AuthHandler(usernameAttr.String(), realmAttr.String(), req.SrcAddr)
	if !found {
		onAuth(false)

		return respondWithNonce(fmt.Errorf("%w %s", errNoSuchUser, usernameAttr.String()))
	}

	if err = stun.MessageIntegrity(ourKey).Check(stunMsg); err != nil {
		onAuth(false)

		return respondWithNonce(err)
	}

	onAuth(true)

	return credentials{
		integrity: stun.MessageIntegrity(ourKey),
		username:  usernameAttr.String(),
		realm:     realmAttr.String(),
	}, true, nil
}

// requestedLifetime returns the LIFETIME of m, or the default lifetime when m
// carries none. present reports whether the attribute was there.
func requestedLifetime(m *stun.Message) (lifetime time.Duration, present bool) {
	var attr proto.Lifetime
	if err := attr.GetFrom(m); err != nil {
		return proto.DefaultLifetime, false
	}

	return attr.Duration, true
}
