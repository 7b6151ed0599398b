// Package protocol is the wire model of the zone chat: JSON text frames
// exchanged between the field client and the relay.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"alaschat/internal/models"
)

var (
	ErrMalformedFrame = errors.New("malformed frame")
)

// TimestampLayout is used for every timestamp this package writes.
const TimestampLayout = "2006-01-02T15:04:05.000Z07:00"

// Zone-less ISO-8601 is what the original relay stamps messages with.
var timestampLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
}

type CommandType string

const (
	CommandPing         CommandType = "ping"
	CommandAuthenticate CommandType = "authenticate"
	CommandChatMessage  CommandType = "chat_message"
)

type EventType string

const (
	EventConnectionEstablished EventType = "connection_established"
	EventAuthResponse          EventType = "auth_response"
	EventChatHistory           EventType = "chat_history"
	EventChatMessage           EventType = "chat_message"
	EventPong                  EventType = "pong"
	EventError                 EventType = "error"
)

// Ping is the liveness probe.
type Ping struct {
	Type      CommandType `json:"type"`
	Timestamp string      `json:"timestamp"`
}

type Authenticate struct {
	Type     CommandType `json:"type"`
	UserID   string      `json:"user_id"`
	UserName string      `json:"user_name"`
	Entity   string      `json:"entity"`
}

type SendMessage struct {
	Type     CommandType `json:"type"`
	Message  string      `json:"message"`
	UserName string      `json:"user_name"`
	Entity   string      `json:"entity"`
	UserID   string      `json:"user_id"`
	Zone     string      `json:"zone"`
}

func NewPing(now time.Time) Ping {
	return Ping{Type: CommandPing, Timestamp: FormatTimestamp(now)}
}

func NewAuthenticate(creds models.SessionCredentials) Authenticate {
	return Authenticate{
		Type:     CommandAuthenticate,
		UserID:   creds.UserID,
		UserName: creds.UserName,
		Entity:   creds.Entity,
	}
}

func NewSendMessage(creds models.SessionCredentials, zone, text string) SendMessage {
	return SendMessage{
		Type:     CommandChatMessage,
		Message:  text,
		UserName: creds.UserName,
		Entity:   creds.Entity,
		UserID:   creds.UserID,
		Zone:     zone,
	}
}

// Encode serializes a command or relay frame.
func Encode(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode frame: %w", err)
	}
	return data, nil
}

// Command is the union of all client command fields, as read by the relay.
type Command struct {
	Type      CommandType `json:"type"`
	Timestamp string      `json:"timestamp,omitempty"`
	UserID    string      `json:"user_id,omitempty"`
	UserName  string      `json:"user_name,omitempty"`
	Entity    string      `json:"entity,omitempty"`
	Message   string      `json:"message,omitempty"`
	Zone      string      `json:"zone,omitempty"`
}

func DecodeCommand(frame []byte) (Command, error) {
	var cmd Command
	if err := json.Unmarshal(frame, &cmd); err != nil {
		return Command{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return cmd, nil
}

// WireMessage is a chat message as the relay broadcasts and replays it.
type WireMessage struct {
	Type      EventType `json:"type,omitempty"`
	UserID    *string   `json:"user_id"`
	UserName  string    `json:"user_name"`
	Entity    *string   `json:"entity"`
	Message   string    `json:"message"`
	Timestamp string    `json:"timestamp,omitempty"`
}

func (m WireMessage) ChatMessage() models.ChatMessage {
	return models.ChatMessage{
		SenderName:   m.UserName,
		SenderEntity: m.Entity,
		Body:         m.Message,
		SentAt:       ParseTimestamp(m.Timestamp),
		SenderID:     m.UserID,
	}
}

type ConnectionEstablishedFrame struct {
	Type     EventType `json:"type"`
	ClientID string    `json:"client_id"`
	Message  string    `json:"message"`
}

type AuthResponseFrame struct {
	Type    EventType `json:"type"`
	Success bool      `json:"success"`
	Message string    `json:"message,omitempty"`
}

type ChatHistoryFrame struct {
	Type     EventType     `json:"type"`
	Zone     string        `json:"zone"`
	Messages []WireMessage `json:"messages"`
}

type PongFrame struct {
	Type      EventType `json:"type"`
	Timestamp string    `json:"timestamp"`
}

type ErrorFrame struct {
	Type    EventType `json:"type"`
	Message string    `json:"message"`
}

func NewConnectionEstablished(clientID string) ConnectionEstablishedFrame {
	return ConnectionEstablishedFrame{
		Type:     EventConnectionEstablished,
		ClientID: clientID,
		Message:  "Connected to WebSocket server",
	}
}

func NewAuthResponse(success bool) AuthResponseFrame {
	msg := "Authentication failed"
	if success {
		msg = "Authentication successful"
	}
	return AuthResponseFrame{Type: EventAuthResponse, Success: success, Message: msg}
}

func NewChatHistory(zone string, messages []WireMessage) ChatHistoryFrame {
	if messages == nil {
		messages = []WireMessage{}
	}
	return ChatHistoryFrame{Type: EventChatHistory, Zone: zone, Messages: messages}
}

func NewPong(now time.Time) PongFrame {
	return PongFrame{Type: EventPong, Timestamp: FormatTimestamp(now)}
}

func NewError(message string) ErrorFrame {
	return ErrorFrame{Type: EventError, Message: message}
}

// inboundFrame holds the fields of every frame the client understands.
type inboundFrame struct {
	Type      EventType     `json:"type"`
	ClientID  string        `json:"client_id"`
	Success   bool          `json:"success"`
	Message   string        `json:"message"`
	Zone      string        `json:"zone"`
	Messages  []WireMessage `json:"messages"`
	UserID    *string       `json:"user_id"`
	UserName  string        `json:"user_name"`
	Entity    *string       `json:"entity"`
	Timestamp string        `json:"timestamp"`
}

// Event is an inbound frame classified by type.
type Event interface {
	EventType() EventType
}

type ConnectionEstablished struct {
	ClientID string
	Message  string
}

type AuthResult struct {
	Success bool
	Reason  string
}

type HistoryReceived struct {
	Zone     string
	Messages models.ZoneChatLog
}

type MessageReceived struct {
	Message models.ChatMessage
}

type Heartbeat struct {
	At *time.Time
}

type ServerError struct {
	Message string
}

// Unknown is any frame with a type this client does not handle.
type Unknown struct {
	Type EventType
}

func (ConnectionEstablished) EventType() EventType { return EventConnectionEstablished }
func (AuthResult) EventType() EventType            { return EventAuthResponse }
func (HistoryReceived) EventType() EventType       { return EventChatHistory }
func (MessageReceived) EventType() EventType       { return EventChatMessage }
func (Heartbeat) EventType() EventType             { return EventPong }
func (ServerError) EventType() EventType           { return EventError }
func (u Unknown) EventType() EventType             { return u.Type }

// Decode classifies an inbound frame. Parse failures wrap ErrMalformedFrame.
func Decode(frame []byte) (Event, error) {
	var f inboundFrame
	if err := json.Unmarshal(frame, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	switch f.Type {
	case EventConnectionEstablished:
		return ConnectionEstablished{ClientID: f.ClientID, Message: f.Message}, nil
	case EventAuthResponse:
		return AuthResult{Success: f.Success, Reason: f.Message}, nil
	case EventChatHistory:
		messages := make(models.ZoneChatLog, 0, len(f.Messages))
		for _, m := range f.Messages {
			messages = append(messages, m.ChatMessage())
		}
		return HistoryReceived{Zone: f.Zone, Messages: messages}, nil
	case EventChatMessage:
		msg := WireMessage{
			UserID:    f.UserID,
			UserName:  f.UserName,
			Entity:    f.Entity,
			Message:   f.Message,
			Timestamp: f.Timestamp,
		}
		return MessageReceived{Message: msg.ChatMessage()}, nil
	case EventPong:
		return Heartbeat{At: ParseTimestamp(f.Timestamp)}, nil
	case EventError:
		return ServerError{Message: f.Message}, nil
	default:
		return Unknown{Type: f.Type}, nil
	}
}

func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// ParseTimestamp returns nil for empty or unparseable input.
func ParseTimestamp(s string) *time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return &t
		}
	}
	return nil
}
