// Package stream maintains the authenticated gateway connection: dial,
// auth, subscribe, reconnect with backoff, health checks, and shutdown
// draining. Events flow from here into the ingest handler.
package stream

import (
	"fmt"
	"time"

	"github.com/sawpanic/callstream/internal/domain"
)

// Frame ops spoken by the gateway. Every frame in either direction is a
// single JSON object carrying an op plus the fields that op uses.
const (
	opAuth       = "auth"
	opAuthOK     = "auth_ok"
	opSubscribe  = "subscribe"
	opSubscribed = "subscribed"
	opMessage    = "message"
	opError      = "error"
)

type frame struct {
	Op string `json:"op"`

	// auth
	APIID       int    `json:"api_id,omitempty"`
	APIHash     string `json:"api_hash,omitempty"`
	Session     string `json:"session,omitempty"`
	SessionBlob string `json:"session_blob,omitempty"`

	// subscribe
	ChannelIDs []int64 `json:"channel_ids,omitempty"`

	// message
	Message *domain.Event `json:"message,omitempty"`

	// error
	Code        string `json:"code,omitempty"`
	Reason      string `json:"reason,omitempty"`
	RetryAfterS int    `json:"retry_after_s,omitempty"`
}

// Error codes that mean the credential itself is bad. Retrying cannot
// help; the operator has to refresh the session.
var terminalAuthCodes = map[string]bool{
	"AUTH_KEY_INVALID":      true,
	"AUTH_KEY_UNREGISTERED": true,
	"SESSION_REVOKED":       true,
	"UNAUTHORIZED":          true,
}

const codeFloodWait = "FLOOD_WAIT"

// AuthError is a terminal credential rejection from the gateway.
type AuthError struct {
	Code   string
	Reason string
}

func (e *AuthError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("gateway rejected credentials: %s", e.Code)
	}
	return fmt.Sprintf("gateway rejected credentials: %s (%s)", e.Code, e.Reason)
}

// FloodWaitError is the gateway's flow-control push-back. RetryAfter is
// honored verbatim before the next attempt.
type FloodWaitError struct {
	RetryAfter time.Duration
}

func (e *FloodWaitError) Error() string {
	return fmt.Sprintf("gateway flood wait: retry after %s", e.RetryAfter)
}

// errorFromFrame maps an op=error frame onto the typed errors the
// supervisor branches on.
func errorFromFrame(f frame) error {
	switch {
	case terminalAuthCodes[f.Code]:
		return &AuthError{Code: f.Code, Reason: f.Reason}
	case f.Code == codeFloodWait:
		return &FloodWaitError{RetryAfter: time.Duration(f.RetryAfterS) * time.Second}
	default:
		return fmt.Errorf("gateway error %s: %s", f.Code, f.Reason)
	}
}
