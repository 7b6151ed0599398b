package ws

import (
	"context"
	"errors"
	"sync"
	"time"

	"alaschat/internal/session"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	DefaultWriteWait   = 10 * time.Second
	DefaultDialTimeout = 15 * time.Second

	sendQueueSize = 32
)

var (
	ErrTransportClosed = errors.New("transport closed")
	ErrSendQueueFull   = errors.New("send queue full")
)

type ClientConfig struct {
	WriteWait   time.Duration
	DialTimeout time.Duration
}

// Dialer opens client connections to the relay.
type Dialer struct {
	cfg    ClientConfig
	dialer *websocket.Dialer
	logger zerolog.Logger
}

var _ session.Dialer = (*Dialer)(nil)

func NewDialer(cfg ClientConfig, logger zerolog.Logger) *Dialer {
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = DefaultWriteWait
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	return &Dialer{
		cfg: cfg,
		dialer: &websocket.Dialer{
			Proxy:            websocket.DefaultDialer.Proxy,
			HandshakeTimeout: cfg.DialTimeout,
		},
		logger: logger.With().Str("component", "transport").Logger(),
	}
}

// Dial returns immediately. The connection is established in the background
// and reported through emit.
func (d *Dialer) Dial(ctx context.Context, url string, emit func(session.TransportEvent)) session.Transport {
	t := &clientTransport{
		cfg:    d.cfg,
		send:   make(chan []byte, sendQueueSize),
		done:   make(chan struct{}),
		emit:   emit,
		logger: d.logger,
	}
	go t.run(ctx, d.dialer, url)
	return t
}

type clientTransport struct {
	cfg    ClientConfig
	send   chan []byte
	done   chan struct{}
	once   sync.Once
	emit   func(session.TransportEvent)
	logger zerolog.Logger
}

func (t *clientTransport) Send(frame []byte) error {
	select {
	case <-t.done:
		return ErrTransportClosed
	default:
	}

	select {
	case t.send <- frame:
		return nil
	case <-t.done:
		return ErrTransportClosed
	default:
		return ErrSendQueueFull
	}
}

func (t *clientTransport) Close() error {
	t.once.Do(func() { close(t.done) })
	return nil
}

func (t *clientTransport) closed() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

func (t *clientTransport) run(ctx context.Context, dialer *websocket.Dialer, url string) {
	dialCtx, cancel := context.WithTimeout(ctx, t.cfg.DialTimeout)
	conn, _, err := dialer.DialContext(dialCtx, url, nil)
	cancel()
	if err != nil {
		t.logger.Debug().Err(err).Str("url", url).Msg("dial failed")
		t.emit(session.TransportEvent{Kind: session.TransportError, Err: err})
		t.emit(session.TransportEvent{Kind: session.TransportClosed, Err: err})
		return
	}

	if t.closed() {
		_ = conn.Close()
		t.emit(session.TransportEvent{Kind: session.TransportClosed, Err: ErrTransportClosed})
		return
	}

	t.emit(session.TransportEvent{Kind: session.TransportOpened})

	var wg sync.WaitGroup
	wg.Go(func() {
		t.writePump(ctx, conn)
	})

	err = t.readPump(conn)
	_ = t.Close()
	wg.Wait()

	t.emit(session.TransportEvent{Kind: session.TransportClosed, Err: err})
}

func (t *clientTransport) readPump(conn *websocket.Conn) error {
	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			if t.closed() {
				return ErrTransportClosed
			}
			return err
		}
		t.emit(session.TransportEvent{Kind: session.TransportFrame, Frame: frame})
	}
}

// writePump owns all writes to conn and closes it on exit, which unblocks
// the reader.
func (t *clientTransport) writePump(ctx context.Context, conn *websocket.Conn) {
	defer func() { _ = conn.Close() }()

	for {
		select {
		case frame := <-t.send:
			_ = conn.SetWriteDeadline(time.Now().Add(t.cfg.WriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				t.logger.Debug().Err(err).Msg("write failed")
				return
			}
		case <-t.done:
			_ = conn.SetWriteDeadline(time.Now().Add(t.cfg.WriteWait))
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case <-ctx.Done():
			return
		}
	}
}
