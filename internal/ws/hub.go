package ws

import (
	"errors"
	"sort"
	"sync"
	"time"

	"alaschat/internal/chat"
	"alaschat/internal/protocol"

	"github.com/rs/zerolog"
)

// DefaultZone receives messages sent without a zone.
const DefaultZone = "default"

const clientQueueSize = 100

var (
	ErrNotAuthenticated = errors.New("not authenticated")
)

type relayClient struct {
	ch            chan any
	userID        string
	userName      string
	entity        string
	authenticated bool
}

// Hub is the relay state: connected clients and the history of every zone.
type Hub struct {
	zones       map[string]*chat.Chat
	historySize int
	zonesMu     sync.RWMutex

	clients   map[string]*relayClient
	clientsMu sync.RWMutex

	now    func() time.Time
	logger zerolog.Logger
}

func NewHub(historySize int, logger zerolog.Logger) *Hub {
	if historySize <= 0 {
		historySize = chat.DefaultMaxRecords
	}
	return &Hub{
		zones:       make(map[string]*chat.Chat),
		historySize: historySize,
		clients:     make(map[string]*relayClient),
		now:         time.Now,
		logger:      logger.With().Str("component", "hub").Logger(),
	}
}

// Join registers a connection and returns its outbound queue.
func (h *Hub) Join(clientID string) chan any {
	h.clientsMu.Lock()
	defer h.clientsMu.Unlock()

	ch := make(chan any, clientQueueSize)
	h.clients[clientID] = &relayClient{ch: ch}
	h.logger.Info().Str("client_id", clientID).Msg("client registered")
	return ch
}

func (h *Hub) Leave(clientID string) {
	h.clientsMu.Lock()
	c, ok := h.clients[clientID]
	if ok {
		close(c.ch)
		delete(h.clients, clientID)
	}
	h.clientsMu.Unlock()

	if !ok {
		return
	}

	for _, z := range h.chats() {
		z.Leave(clientID)
	}
	h.logger.Info().Str("client_id", clientID).Msg("client unregistered")
}

// Authenticate binds an identity to the client. On success it returns the
// history of every zone, to be delivered before the auth response.
func (h *Hub) Authenticate(clientID string, cmd protocol.Command) ([]protocol.ChatHistoryFrame, bool) {
	if cmd.UserID == "" || cmd.UserName == "" {
		return nil, false
	}

	h.clientsMu.Lock()
	c, ok := h.clients[clientID]
	if ok {
		c.userID = cmd.UserID
		c.userName = cmd.UserName
		c.entity = cmd.Entity
		c.authenticated = true
	}
	h.clientsMu.Unlock()

	if !ok {
		return nil, false
	}

	chats := h.chats()
	history := make([]protocol.ChatHistoryFrame, 0, len(chats))
	for _, z := range chats {
		z.Join(clientID)
		history = append(history, protocol.NewChatHistory(z.Zone, toWire(z.History())))
	}

	h.logger.Info().
		Str("client_id", clientID).
		Str("user_id", cmd.UserID).
		Str("user_name", cmd.UserName).
		Msg("user authenticated")
	return history, true
}

// Dispatch stores a chat message in its zone and broadcasts it to every
// authenticated client, the sender included.
func (h *Hub) Dispatch(clientID string, cmd protocol.Command) error {
	h.clientsMu.RLock()
	c, ok := h.clients[clientID]
	var sender relayClient
	if ok {
		sender = *c
	}
	h.clientsMu.RUnlock()

	if !ok || !sender.authenticated {
		return ErrNotAuthenticated
	}

	zone := cmd.Zone
	if zone == "" {
		zone = DefaultZone
	}

	h.zone(zone).AddRecord(chat.ChatRecord{
		Timestamp: h.now(),
		UserID:    sender.userID,
		UserName:  sender.userName,
		Entity:    sender.entity,
		Content:   cmd.Message,
	})
	h.logger.Debug().Str("zone", zone).Str("user_name", sender.userName).Msg("broadcasting message")
	return nil
}

// Zones lists the zones that have history.
func (h *Hub) Zones() []string {
	chats := h.chats()
	zones := make([]string, 0, len(chats))
	for _, z := range chats {
		zones = append(zones, z.Zone)
	}
	return zones
}

// Close drops every client. Their connections notice the closed queue.
func (h *Hub) Close() {
	h.clientsMu.Lock()
	ids := make([]string, 0, len(h.clients))
	for id := range h.clients {
		ids = append(ids, id)
	}
	h.clientsMu.Unlock()

	for _, id := range ids {
		h.Leave(id)
	}
}

func (h *Hub) zone(name string) *chat.Chat {
	h.zonesMu.RLock()
	z, ok := h.zones[name]
	h.zonesMu.RUnlock()
	if ok {
		return z
	}

	h.zonesMu.Lock()
	defer h.zonesMu.Unlock()
	if z, ok := h.zones[name]; ok {
		return z
	}

	z = chat.New(chat.Config{
		Zone:           name,
		MaxRecords:     h.historySize,
		RecordCallback: h.handleRecordCallback,
	})

	h.clientsMu.RLock()
	for id, c := range h.clients {
		if c.authenticated {
			z.Join(id)
		}
	}
	h.clientsMu.RUnlock()

	h.zones[name] = z
	return z
}

// chats returns the zones sorted by name.
func (h *Hub) chats() []*chat.Chat {
	h.zonesMu.RLock()
	defer h.zonesMu.RUnlock()

	out := make([]*chat.Chat, 0, len(h.zones))
	for _, z := range h.zones {
		out = append(out, z)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Zone < out[j].Zone })
	return out
}

func (h *Hub) handleRecordCallback(receiverID string, _ string, record chat.ChatRecord) {
	// The read lock keeps Leave from closing the queue under us.
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()

	c, ok := h.clients[receiverID]
	if !ok {
		return
	}

	select {
	case c.ch <- toWireMessage(record):
	default:
		h.logger.Warn().Str("client_id", receiverID).Msg("client queue full, dropping message")
	}
}

func toWireMessage(r chat.ChatRecord) protocol.WireMessage {
	userID := r.UserID
	entity := r.Entity
	return protocol.WireMessage{
		Type:      protocol.EventChatMessage,
		UserID:    &userID,
		UserName:  r.UserName,
		Entity:    &entity,
		Message:   r.Content,
		Timestamp: protocol.FormatTimestamp(r.Timestamp),
	}
}

func toWire(records []chat.ChatRecord) []protocol.WireMessage {
	out := make([]protocol.WireMessage, 0, len(records))
	for _, r := range records {
		out = append(out, toWireMessage(r))
	}
	return out
}
