package models

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound = errors.New("not found")
)

// Identity store keys shared with the rest of the field app.
const (
	KeyToken      = "token"
	KeyUserName   = "usuario_nombre"
	KeyUserID     = "usuario_id"
	KeyUserEntity = "usuario_entidad"
)

// ZoneLogKeyPrefix prefixes the persisted chat log of a zone.
const ZoneLogKeyPrefix = "chat_messages_"

// ZoneLogKey returns the persisted store key for a zone's chat log.
func ZoneLogKey(zone string) string {
	return ZoneLogKeyPrefix + zone
}

// ChatMessage represents a single chat message of a zone.
// JSON keys match the local cache format of the mobile app.
type ChatMessage struct {
	SenderName   string     `json:"nombre"`
	SenderEntity *string    `json:"entidad,omitempty"`
	Body         string     `json:"texto"`
	SentAt       *time.Time `json:"timestamp,omitempty"`
	SenderID     *string    `json:"user_id,omitempty"`
}

// ZoneChatLog is the ordered message history of one zone.
type ZoneChatLog []ChatMessage

// SessionCredentials are read from the identity store once per connection attempt.
type SessionCredentials struct {
	Token    string `json:"token"`
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
	Entity   string `json:"entity"`
}

// CanConnect reports whether the user is logged in at all.
func (c SessionCredentials) CanConnect() bool {
	return c.Token != ""
}

// CanAuthenticate reports whether the authenticate command can be built.
func (c SessionCredentials) CanAuthenticate() bool {
	return c.UserID != "" && c.UserName != ""
}

// DisplayName is the name shown in the chat header.
func (c SessionCredentials) DisplayName() string {
	if c.Entity != "" {
		return fmt.Sprintf("%s (%s)", c.UserName, c.Entity)
	}
	return c.UserName
}

type Phase string

const (
	PhaseDisconnected  Phase = "disconnected"
	PhaseConnecting    Phase = "connecting"
	PhaseConnected     Phase = "connected"
	PhaseAuthenticated Phase = "authenticated"
	PhaseReconnecting  Phase = "reconnecting"
	PhaseGaveUp        Phase = "gave_up"
)

// ConnectionState is the connection status of a zone session.
// Attempt is only meaningful while reconnecting.
type ConnectionState struct {
	Phase   Phase `json:"phase"`
	Attempt int   `json:"attempt,omitempty"`
}

func Disconnected() ConnectionState  { return ConnectionState{Phase: PhaseDisconnected} }
func Connecting() ConnectionState    { return ConnectionState{Phase: PhaseConnecting} }
func Connected() ConnectionState     { return ConnectionState{Phase: PhaseConnected} }
func Authenticated() ConnectionState { return ConnectionState{Phase: PhaseAuthenticated} }
func GaveUp() ConnectionState        { return ConnectionState{Phase: PhaseGaveUp} }

func Reconnecting(attempt int) ConnectionState {
	return ConnectionState{Phase: PhaseReconnecting, Attempt: attempt}
}

// IsOpen reports whether the transport is open.
func (s ConnectionState) IsOpen() bool {
	return s.Phase == PhaseConnected || s.Phase == PhaseAuthenticated
}

func (s ConnectionState) String() string {
	if s.Phase == PhaseReconnecting {
		return fmt.Sprintf("%s(%d)", s.Phase, s.Attempt)
	}
	return string(s.Phase)
}

// SessionSnapshot is what the view layer renders.
type SessionSnapshot struct {
	Zone          string          `json:"zone"`
	State         ConnectionState `json:"state"`
	Authenticated bool            `json:"authenticated"`
	Status        string          `json:"status"`
	UserName      string          `json:"userName,omitempty"`
	CanSend       bool            `json:"canSend"`
	CanRetry      bool            `json:"canRetry"`
	Messages      ZoneChatLog     `json:"messages"`
}
