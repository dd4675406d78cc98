// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package turn

import (
	"crypto/hmac"
	"crypto/sha1" //nolint:gosec,gci
	"encoding/base64"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/pion/logging"
)

// GenerateLongTermCredentials can be used to create credentials valid for [duration] time.
func GenerateLongTermCredentials(sharedSecret string, duration time.Duration) (string, string, error) {
	t := time.Now().Add(duration).Unix()
	username := strconv.FormatInt(t, 10)
	password, err := longTermCredentials(username, sharedSecret)

	return username, password, err
}

// GenerateLongTermTURNRESTCredentials can be used to create credentials valid for [duration] time.
// The username has the "timestamp:userid" form of the TURN REST API.
func GenerateLongTermTURNRESTCredentials(sharedSecret string, user string, duration time.Duration) (
	string,
	string,
	error,
) {
	t := time.Now().Add(duration).Unix()
	username := strconv.FormatInt(t, 10) + ":" + user
	password, err := longTermCredentials(username, sharedSecret)

	return username, password, err
}

func longTermCredentials(username string, sharedSecret string) (string, error) {
	mac := hmac.New(sha1.New, []byte(sharedSecret))
	_, err := mac.Write([]byte(username))
	if err != nil {
		return "", err // Not sure if this will ever happen
	}
	password := mac.Sum(nil)

	return base64.StdEncoding.EncodeToString(password), nil
}

// NewLongTermAuthHandler returns a turn.AuthAuthHandler used with Long Term (or Time Windowed) Credentials.
// See: https://datatracker.ietf.org/doc/html/rfc8489#section-9.2
func NewLongTermAuthHandler(sharedSecret string, l logging.LeveledLogger) AuthHandler {
	if l == nil {
		l = logging.NewDefaultLoggerFactory().NewLogger("turn")
	}

	return func(username, realm string, srcAddr net.Addr) (key []byte, ok bool) {
		l.Tracef("Authentication username=%q realm=%q srcAddr=%v", username, realm, srcAddr)

		return timeWindowedKey(username, username, realm, sharedSecret, l)
	}
}

// LongTermTURNRESTAuthHandler returns a turn.AuthAuthHandler that can be used to authenticate
// time-windowed ephemeral credentials generated by the TURN REST API as described in
// https://datatracker.ietf.org/doc/html/draft-uberti-behave-turn-rest-00
func LongTermTURNRESTAuthHandler(sharedSecret string, l logging.LeveledLogger) AuthHandler {
	if l == nil {
		l = logging.NewDefaultLoggerFactory().NewLogger("turn")
	}

	return func(username, realm string, srcAddr net.Addr) (key []byte, ok bool) {
		l.Tracef("Authentication username=%q realm=%q srcAddr=%v", username, realm, srcAddr)
		timestamp, _, _ := strings.Cut(username, ":")

		return timeWindowedKey(username, timestamp, realm, sharedSecret, l)
	}
}

func timeWindowedKey(username, timestamp, realm, sharedSecret string, l logging.LeveledLogger) ([]byte, bool) {
	if err := checkTimeWindow(timestamp, time.Now()); err != nil {
		l.Warnf("%v %q", err, username)

		return nil, false
	}

	password, err := longTermCredentials(username, sharedSecret)
	if err != nil {
		l.Error(err.Error())

		return nil, false
	}

	return GenerateAuthKey(username, realm, password), true
}

func checkTimeWindow(timestamp string, now time.Time) error {
	t, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: %v", errInvalidTimeWindowedUsername, err) //nolint:errorlint
	}
	if t < now.Unix() {
		return errExpiredTimeWindowedUsername
	}

	return nil
}
