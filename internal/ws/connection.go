package ws

import (
	"context"
	"errors"
	"sync"
	"time"

	"alaschat/internal/protocol"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

type wsConnection interface {
	Close() error
	WriteJSON(v any) error
	ReadMessage() (messageType int, p []byte, err error)
}

type messageHub interface {
	Join(clientID string) chan any
	Leave(clientID string)
	Authenticate(clientID string, cmd protocol.Command) ([]protocol.ChatHistoryFrame, bool)
	Dispatch(clientID string, cmd protocol.Command) error
}

// Connection serves one relay client.
type Connection struct {
	ws         wsConnection
	hub        messageHub
	clientID   string
	fromClient chan []byte
	fromServer chan any
	errorCh    chan error
	now        func() time.Time
	logger     zerolog.Logger
}

func NewConnection(
	hub messageHub,
	ws wsConnection,
	clientID string,
	logger zerolog.Logger,
) *Connection {
	return &Connection{
		ws:         ws,
		hub:        hub,
		clientID:   clientID,
		fromClient: make(chan []byte),
		fromServer: hub.Join(clientID),
		errorCh:    make(chan error, 2),
		now:        time.Now,
		logger:     logger.With().Str("client_id", clientID).Logger(),
	}
}

func (c *Connection) Handle(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		close(c.fromClient)
		close(c.errorCh)
		c.hub.Leave(c.clientID)
	}()

	var wg sync.WaitGroup
	wg.Go(func() {
		c.errorCh <- c.pumpMessages(ctx)
		cancel()
	})

	wg.Go(func() {
		c.errorCh <- c.mainLoop(ctx)
		cancel()
	})

	var err error
	select {
	case err = <-c.errorCh:
	case <-ctx.Done():
	}
	_ = c.ws.Close()
	wg.Wait()

	if err != nil && !errors.Is(err, context.Canceled) && !isNormalClose(err) {
		return err
	}

	return nil
}

func (c *Connection) pumpMessages(ctx context.Context) error {
	for {
		_, frame, err := c.ws.ReadMessage()
		if err != nil {
			return err
		}
		select {
		case c.fromClient <- frame:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Connection) mainLoop(ctx context.Context) error {
	if err := c.ws.WriteJSON(protocol.NewConnectionEstablished(c.clientID)); err != nil {
		return err
	}

	for {
		select {
		case frame := <-c.fromClient:
			if err := c.processClientMessage(frame); err != nil {
				return err
			}
		case msg, ok := <-c.fromServer:
			if !ok {
				return nil
			}
			if err := c.ws.WriteJSON(msg); err != nil {
				return err
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func (c *Connection) processClientMessage(frame []byte) error {
	cmd, err := protocol.DecodeCommand(frame)
	if err != nil {
		c.logger.Warn().Err(err).Msg("invalid frame")
		return c.ws.WriteJSON(protocol.NewError("Invalid JSON format"))
	}

	switch cmd.Type {
	case protocol.CommandAuthenticate:
		history, ok := c.hub.Authenticate(c.clientID, cmd)
		for _, h := range history {
			if err := c.ws.WriteJSON(h); err != nil {
				return err
			}
		}
		return c.ws.WriteJSON(protocol.NewAuthResponse(ok))
	case protocol.CommandChatMessage:
		if err := c.hub.Dispatch(c.clientID, cmd); err != nil {
			return c.ws.WriteJSON(protocol.NewError("Not authenticated"))
		}
	case protocol.CommandPing:
		return c.ws.WriteJSON(protocol.NewPong(c.now()))
	default:
		c.logger.Warn().Str("type", string(cmd.Type)).Msg("unknown message type")
	}

	return nil
}

func isNormalClose(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
}
