package session

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"alaschat/internal/models"
	"alaschat/internal/protocol"
	"alaschat/internal/storage"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

var validCreds = models.SessionCredentials{Token: "tok", UserID: "u1", UserName: "Ana", Entity: "Bomberos"}

type harness struct {
	s        *Session
	clock    *fakeClock
	dialer   *fakeDialer
	chat     storage.KV
	logs     *storage.ZoneLogs
	identity *storage.Identity
}

func newHarness(t *testing.T, creds models.SessionCredentials, opts ...func(*Config)) *harness {
	t.Helper()
	h := &harness{
		clock:    newFakeClock(),
		dialer:   &fakeDialer{},
		chat:     storage.NewMemoryStorage(),
		identity: storage.NewIdentity(storage.NewMemoryStorage()),
	}
	h.logs = storage.NewZoneLogs(h.chat)
	require.NoError(t, h.identity.Store(creds))

	cfg := Config{
		Manager: ManagerConfig{
			URL:          "ws://relay.test/",
			PingInterval: 30 * time.Second,
			PongWait:     -1,
			Backoff:      Backoff{Base: time.Second, Cap: 30 * time.Second, MaxAttempts: 5},
		},
		Dialer:   h.dialer,
		Logs:     h.logs,
		Identity: h.identity,
		Clock:    h.clock,
		Logger:   zerolog.Nop(),
	}
	for _, o := range opts {
		o(&cfg)
	}
	h.s = New(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = h.s.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return h
}

func (h *harness) snap(t *testing.T) models.SessionSnapshot {
	t.Helper()
	snap, err := h.s.Snapshot(context.Background())
	require.NoError(t, err)
	return snap
}

// connect opens zone and completes the handshake.
func (h *harness) connect(t *testing.T, zone string) *fakeConn {
	t.Helper()
	require.NoError(t, h.s.OpenZone(context.Background(), zone))
	conn := h.dialer.last(t)
	conn.open()
	conn.recv(t, protocol.NewConnectionEstablished("c1"))
	conn.recv(t, protocol.NewAuthResponse(true))
	require.Equal(t, models.Authenticated(), h.snap(t).State)
	return conn
}

func wireMessage(name, text string) protocol.WireMessage {
	return protocol.WireMessage{
		Type:      protocol.EventChatMessage,
		UserName:  name,
		Message:   text,
		Timestamp: "2024-08-01T10:00:00",
	}
}

func bodies(log models.ZoneChatLog) []string {
	out := make([]string, 0, len(log))
	for _, m := range log {
		out = append(out, m.Body)
	}
	return out
}

func TestSession_SendIsEchoedByRelay(t *testing.T) {
	h := newHarness(t, validCreds)
	ctx := context.Background()

	require.NoError(t, h.s.OpenZone(ctx, "Zona A"))
	snap := h.snap(t)
	require.Equal(t, models.Connecting(), snap.State)
	require.Equal(t, StatusConnecting, snap.Status)
	require.Equal(t, "ws://relay.test/", h.dialer.last(t).url)

	conn := h.dialer.last(t)
	conn.open()
	snap = h.snap(t)
	require.Equal(t, models.Connected(), snap.State)
	require.False(t, snap.CanSend)

	auth := conn.commandsOf(t, protocol.CommandAuthenticate)
	require.Len(t, auth, 1)
	require.Equal(t, "u1", auth[0].UserID)
	require.Equal(t, "Ana", auth[0].UserName)
	require.Equal(t, "Bomberos", auth[0].Entity)

	conn.recv(t, protocol.NewAuthResponse(true))
	snap = h.snap(t)
	require.Equal(t, models.Authenticated(), snap.State)
	require.True(t, snap.Authenticated)
	require.True(t, snap.CanSend)
	require.Equal(t, StatusAuthenticated, snap.Status)
	require.Equal(t, "Ana (Bomberos)", snap.UserName)

	require.NoError(t, h.s.SubmitMessage(ctx, "  Hay fuego "))
	sent := conn.commandsOf(t, protocol.CommandChatMessage)
	require.Len(t, sent, 1)
	require.Equal(t, "Hay fuego", sent[0].Message)
	require.Equal(t, "Zona A", sent[0].Zone)
	require.Equal(t, "u1", sent[0].UserID)

	// No local echo.
	require.Empty(t, h.snap(t).Messages)

	conn.recv(t, wireMessage("Ana", "Hay fuego"))
	snap = h.snap(t)
	require.Equal(t, []string{"Hay fuego"}, bodies(snap.Messages))

	persisted, err := h.logs.Load("Zona A")
	require.NoError(t, err)
	require.Equal(t, snap.Messages, persisted)
}

func TestSession_HistoryThenAppend(t *testing.T) {
	h := newHarness(t, validCreds)
	require.NoError(t, h.logs.Save("Zona A", models.ZoneChatLog{{SenderName: "Luis", Body: "cache"}}))

	conn := h.connect(t, "Zona A")
	require.Equal(t, []string{"cache"}, bodies(h.snap(t).Messages))

	conn.recv(t, wireMessage("Luis", "antes"))
	conn.recv(t, protocol.NewChatHistory("Zona A", []protocol.WireMessage{
		wireMessage("Ana", "uno"),
		wireMessage("Luis", "dos"),
	}))
	conn.recv(t, wireMessage("Ana", "tres"))
	conn.recv(t, wireMessage("Luis", "cuatro"))

	want := []string{"uno", "dos", "tres", "cuatro"}
	require.Equal(t, want, bodies(h.snap(t).Messages))

	persisted, err := h.logs.Load("Zona A")
	require.NoError(t, err)
	require.Equal(t, want, bodies(persisted))

	zones, err := h.s.Zones(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"Zona A"}, zones)
}

func TestSession_StaleHistoryIgnored(t *testing.T) {
	h := newHarness(t, validCreds)
	conn := h.connect(t, "Zona A")

	conn.recv(t, protocol.NewChatHistory("Zona A", []protocol.WireMessage{wireMessage("Ana", "uno")}))
	before := h.snap(t)

	conn.recv(t, protocol.NewChatHistory("Zona B", []protocol.WireMessage{wireMessage("Luis", "otra zona")}))
	require.Equal(t, before, h.snap(t))

	other, err := h.logs.Load("Zona B")
	require.NoError(t, err)
	require.Empty(t, other)
}

func TestSession_SubmitRejected(t *testing.T) {
	ctx := context.Background()

	t.Run("Empty", func(t *testing.T) {
		h := newHarness(t, validCreds)
		conn := h.connect(t, "Zona A")
		before := h.snap(t)

		require.ErrorIs(t, h.s.SubmitMessage(ctx, ""), ErrEmptyMessage)
		require.ErrorIs(t, h.s.SubmitMessage(ctx, "   "), ErrEmptyMessage)

		require.Empty(t, conn.commandsOf(t, protocol.CommandChatMessage))
		require.Equal(t, before, h.snap(t))
	})

	t.Run("NotAuthenticated", func(t *testing.T) {
		h := newHarness(t, validCreds)
		require.NoError(t, h.s.OpenZone(ctx, "Zona A"))
		conn := h.dialer.last(t)
		conn.open()
		conn.recv(t, protocol.NewAuthResponse(false))

		snap := h.snap(t)
		require.Equal(t, models.Connected(), snap.State)
		require.Equal(t, StatusAuthFailed, snap.Status)
		require.False(t, snap.CanSend)

		require.ErrorIs(t, h.s.SubmitMessage(ctx, "hello"), ErrNotAuthenticated)
		require.Empty(t, conn.commandsOf(t, protocol.CommandChatMessage))
		require.Equal(t, snap, h.snap(t))
	})

	t.Run("NotConnected", func(t *testing.T) {
		h := newHarness(t, validCreds)
		require.NoError(t, h.s.OpenZone(ctx, "Zona A"))

		require.ErrorIs(t, h.s.SubmitMessage(ctx, "hello"), ErrNotConnected)
		require.Empty(t, h.dialer.last(t).commands(t))
	})

	t.Run("NoZone", func(t *testing.T) {
		h := newHarness(t, validCreds)
		require.ErrorIs(t, h.s.SubmitMessage(ctx, "hello"), ErrNoZone)
	})
}

func TestSession_BackoffThenGiveUp(t *testing.T) {
	h := newHarness(t, validCreds)
	require.NoError(t, h.s.OpenZone(context.Background(), "Zona A"))

	delays := []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second}
	for i, d := range delays {
		attempt := i + 1
		h.dialer.last(t).drop()

		snap := h.snap(t)
		require.Equal(t, models.Reconnecting(attempt), snap.State)
		require.Equal(t, fmt.Sprintf("Reconectando... (%d/5)", attempt), snap.Status)
		require.Equal(t, []time.Duration{d}, h.clock.Pending(), "attempt %d", attempt)

		h.clock.Advance(d)
		require.Equal(t, models.Connecting(), h.snap(t).State)
		require.Equal(t, attempt+1, h.dialer.count())
	}
	h.dialer.last(t).drop()
	snap := h.snap(t)
	require.Equal(t, models.GaveUp(), snap.State)
	require.Equal(t, StatusGaveUp, snap.Status)
	require.True(t, snap.CanRetry)
	require.Empty(t, h.clock.Pending())

	h.clock.Advance(time.Hour)
	require.Equal(t, 6, h.dialer.count())

	require.NoError(t, h.s.Retry(context.Background()))
	require.Equal(t, models.Connecting(), h.snap(t).State)
	require.Equal(t, 7, h.dialer.count())

	// The counter starts over after a manual retry.
	h.dialer.last(t).drop()
	require.Equal(t, models.Reconnecting(1), h.snap(t).State)
}

func TestSession_ReconnectReauthenticates(t *testing.T) {
	h := newHarness(t, validCreds)
	first := h.connect(t, "Zona A")

	first.drop()
	snap := h.snap(t)
	require.Equal(t, models.Reconnecting(1), snap.State)
	require.Equal(t, "Reconectando... (1/5)", snap.Status)
	require.False(t, snap.CanSend)
	// The ping was canceled before the reconnect was scheduled.
	require.Equal(t, []time.Duration{time.Second}, h.clock.Pending())

	h.clock.Advance(time.Second)
	require.Equal(t, models.Connecting(), h.snap(t).State)

	second := h.dialer.last(t)
	require.NotSame(t, first, second)
	second.open()
	h.snap(t)
	require.Len(t, second.commandsOf(t, protocol.CommandAuthenticate), 1)

	second.recv(t, protocol.NewAuthResponse(true))
	require.Equal(t, models.Authenticated(), h.snap(t).State)

	// A successful open resets the attempt counter.
	second.drop()
	require.Equal(t, models.Reconnecting(1), h.snap(t).State)
}

func TestSession_CloseCancelsTimers(t *testing.T) {
	ctx := context.Background()

	t.Run("WhileReconnecting", func(t *testing.T) {
		h := newHarness(t, validCreds)
		conn := h.connect(t, "Zona A")
		conn.drop()
		require.Equal(t, models.Reconnecting(1), h.snap(t).State)

		require.NoError(t, h.s.CloseZone(ctx))
		require.Empty(t, h.clock.Pending())

		h.clock.Advance(time.Minute)
		snap := h.snap(t)
		require.Equal(t, models.Disconnected(), snap.State)
		require.Equal(t, StatusDisconnected, snap.Status)
		require.Equal(t, 1, h.dialer.count())
	})

	t.Run("WhileAuthenticated", func(t *testing.T) {
		h := newHarness(t, validCreds)
		conn := h.connect(t, "Zona A")
		conn.recv(t, wireMessage("Ana", "uno"))

		require.NoError(t, h.s.CloseZone(ctx))
		require.True(t, conn.isClosed())
		require.Empty(t, h.clock.Pending())

		// Late callbacks of the closed connection are no-ops.
		conn.recv(t, wireMessage("Luis", "tarde"))
		conn.drop()
		h.clock.Advance(time.Hour)

		snap := h.snap(t)
		require.Equal(t, models.Disconnected(), snap.State)
		require.Empty(t, snap.Messages)
		require.Equal(t, 1, h.dialer.count())

		persisted, err := h.logs.Load("Zona A")
		require.NoError(t, err)
		require.Equal(t, []string{"uno"}, bodies(persisted))
	})
}

func TestSession_ZoneSwitch(t *testing.T) {
	h := newHarness(t, validCreds)
	first := h.connect(t, "Zona A")

	require.NoError(t, h.s.OpenZone(context.Background(), "Zona B"))
	require.True(t, first.isClosed())
	require.Equal(t, 2, h.dialer.count())

	first.recv(t, wireMessage("Ana", "vieja"))
	first.drop()

	snap := h.snap(t)
	require.Equal(t, "Zona B", snap.Zone)
	require.Equal(t, models.Connecting(), snap.State)
	require.Empty(t, snap.Messages)
}

func TestSession_Ping(t *testing.T) {
	h := newHarness(t, validCreds)
	conn := h.connect(t, "Zona A")

	h.clock.Advance(30 * time.Second)
	h.snap(t)
	h.clock.Advance(30 * time.Second)
	h.snap(t)

	pings := conn.commandsOf(t, protocol.CommandPing)
	require.Len(t, pings, 2)
	require.NotNil(t, protocol.ParseTimestamp(pings[0].Timestamp))

	conn.recv(t, protocol.NewPong(h.clock.Now()))
	require.Equal(t, models.Authenticated(), h.snap(t).State)
}

func TestSession_DeadPeer(t *testing.T) {
	withPongWait := func(c *Config) { c.Manager.PongWait = 45 * time.Second }

	t.Run("Silent", func(t *testing.T) {
		h := newHarness(t, validCreds, withPongWait)
		conn := h.connect(t, "Zona A")

		h.clock.Advance(30 * time.Second)
		h.snap(t)
		h.clock.Advance(15 * time.Second)

		require.Equal(t, models.Reconnecting(1), h.snap(t).State)
		require.True(t, conn.isClosed())
		require.Equal(t, []time.Duration{time.Second}, h.clock.Pending())

		// The dropped transport reporting its own close must not count twice.
		conn.drop()
		require.Equal(t, models.Reconnecting(1), h.snap(t).State)
	})

	t.Run("DefaultsToTwicePing", func(t *testing.T) {
		h := newHarness(t, validCreds, func(c *Config) { c.Manager.PongWait = 0 })
		conn := h.connect(t, "Zona A")
		require.ElementsMatch(t, []time.Duration{30 * time.Second, 60 * time.Second}, h.clock.Pending())

		h.clock.Advance(30 * time.Second)
		h.snap(t)
		h.clock.Advance(30 * time.Second)

		require.Equal(t, models.Reconnecting(1), h.snap(t).State)
		require.True(t, conn.isClosed())
	})

	t.Run("Disabled", func(t *testing.T) {
		h := newHarness(t, validCreds)
		conn := h.connect(t, "Zona A")
		require.Equal(t, []time.Duration{30 * time.Second}, h.clock.Pending())

		h.clock.Advance(30 * time.Second)
		h.snap(t)
		h.clock.Advance(90 * time.Second)

		require.Equal(t, models.Authenticated(), h.snap(t).State)
		require.False(t, conn.isClosed())
	})

	t.Run("PongKeepsAlive", func(t *testing.T) {
		h := newHarness(t, validCreds, withPongWait)
		conn := h.connect(t, "Zona A")

		h.clock.Advance(30 * time.Second)
		conn.recv(t, protocol.NewPong(h.clock.Now()))
		h.snap(t)
		h.clock.Advance(15 * time.Second)

		require.Equal(t, models.Authenticated(), h.snap(t).State)
		require.False(t, conn.isClosed())
	})
}

func TestSession_ReadOnly(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, models.SessionCredentials{})
	require.NoError(t, h.logs.Save("Zona A", models.ZoneChatLog{{SenderName: "Luis", Body: "guardado"}}))

	require.NoError(t, h.s.OpenZone(ctx, "Zona A"))
	snap := h.snap(t)
	require.Equal(t, models.Disconnected(), snap.State)
	require.Equal(t, StatusReadOnly, snap.Status)
	require.Equal(t, []string{"guardado"}, bodies(snap.Messages))
	require.False(t, snap.CanRetry)
	require.Equal(t, 0, h.dialer.count())

	require.ErrorIs(t, h.s.Retry(ctx), ErrRetryUnavailable)

	require.NoError(t, h.identity.Store(validCreds))
	require.NoError(t, h.s.Retry(ctx))
	require.Equal(t, models.Connecting(), h.snap(t).State)
	require.Equal(t, 1, h.dialer.count())

	require.ErrorIs(t, h.s.Retry(ctx), ErrRetryUnavailable)
}

func TestSession_IncompleteCredentials(t *testing.T) {
	h := newHarness(t, models.SessionCredentials{Token: "tok"})
	require.NoError(t, h.s.OpenZone(context.Background(), "Zona A"))

	conn := h.dialer.last(t)
	conn.open()

	snap := h.snap(t)
	require.Equal(t, models.Connected(), snap.State)
	require.Equal(t, StatusReadOnly, snap.Status)
	require.Empty(t, conn.commands(t))
}

func TestSession_FramesWithoutStateChange(t *testing.T) {
	h := newHarness(t, validCreds)
	conn := h.connect(t, "Zona A")
	conn.recv(t, wireMessage("Ana", "uno"))

	conn.recvRaw("not json")
	conn.recvRaw(`{"type":"presence","online":3}`)
	snap := h.snap(t)
	require.Equal(t, models.Authenticated(), snap.State)
	require.Equal(t, []string{"uno"}, bodies(snap.Messages))

	conn.recv(t, protocol.NewError("Not authenticated"))
	snap = h.snap(t)
	require.Equal(t, "Error: Not authenticated", snap.Status)
	require.Equal(t, models.Authenticated(), snap.State)

	conn.emit(TransportEvent{Kind: TransportError, Err: errors.New("broken pipe")})
	require.Equal(t, StatusTransportErr, h.snap(t).Status)
}

type failingKV struct {
	storage.KV
}

func (failingKV) Set(string, string) error {
	return errors.New("disk full")
}

func TestSession_PersistFailureKeepsLog(t *testing.T) {
	h := newHarness(t, validCreds, func(c *Config) {
		c.Logs = storage.NewZoneLogs(failingKV{KV: storage.NewMemoryStorage()})
	})
	conn := h.connect(t, "Zona A")

	conn.recv(t, wireMessage("Ana", "uno"))
	require.Equal(t, []string{"uno"}, bodies(h.snap(t).Messages))
}

func TestSession_Subscribe(t *testing.T) {
	h := newHarness(t, validCreds)
	feed, cancel := h.s.Subscribe()
	defer cancel()

	conn := h.connect(t, "Zona A")
	conn.recv(t, wireMessage("Ana", "uno"))
	h.snap(t)

	require.Eventually(t, func() bool {
		select {
		case snap := <-feed:
			return len(snap.Messages) == 1
		default:
			return false
		}
	}, time.Second, 10*time.Millisecond)
}

func TestSession_Closed(t *testing.T) {
	s := New(Config{Dialer: &fakeDialer{}, Logs: storage.NewZoneLogs(storage.NewMemoryStorage()),
		Identity: storage.NewIdentity(storage.NewMemoryStorage()), Clock: newFakeClock(), Logger: zerolog.Nop()})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = s.Run(ctx)
		close(done)
	}()
	cancel()
	<-done

	_, err := s.Snapshot(context.Background())
	require.ErrorIs(t, err, ErrSessionClosed)
}
