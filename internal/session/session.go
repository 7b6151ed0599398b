// Package session implements the zone chat session: one actor goroutine
// that owns the connection state, the message log of the open zone and
// the status line the view renders.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"alaschat/internal/models"
	"alaschat/internal/protocol"
	"alaschat/internal/storage"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	ErrEmptyMessage     = errors.New("empty message")
	ErrNotAuthenticated = errors.New("not authenticated")
	ErrRetryUnavailable = errors.New("retry not available")
	ErrSessionClosed    = errors.New("session closed")
	ErrNoZone           = errors.New("no zone open")
)

const inboxSize = 64

const (
	StatusDisconnected  = "Desconectado"
	StatusConnecting    = "Conectando..."
	StatusConnected     = "Conectado"
	StatusAuthenticated = "Conectado y autenticado"
	StatusAuthFailed    = "Error de autenticación"
	StatusGaveUp        = "Sin conexión"
	StatusTransportErr  = "Error de conexión"
	StatusReadOnly      = "Solo lectura"
)

// CredentialSource is the identity collaborator.
type CredentialSource interface {
	Credentials() (models.SessionCredentials, error)
}

type Config struct {
	Manager  ManagerConfig
	Dialer   Dialer
	Logs     *storage.ZoneLogs
	Identity CredentialSource
	Clock    Clock
	Logger   zerolog.Logger
}

type call struct {
	fn     func() error
	result chan error
}

// Session serializes intents, transport events and timers onto Run.
type Session struct {
	id       string
	logger   zerolog.Logger
	clock    Clock
	logs     *storage.ZoneLogs
	identity CredentialSource
	manager  *Manager

	inbox chan any
	done  chan struct{}

	// Owned by the Run goroutine.
	zone   string
	creds  models.SessionCredentials
	status string
	log    models.ZoneChatLog

	subsMu sync.Mutex
	subs   map[chan models.SessionSnapshot]struct{}
}

func New(cfg Config) *Session {
	clock := cfg.Clock
	if clock == nil {
		clock = realClock{}
	}
	id := uuid.NewString()
	s := &Session{
		id:       id,
		logger:   cfg.Logger.With().Str("component", "session").Str("session_id", id).Logger(),
		clock:    clock,
		logs:     cfg.Logs,
		identity: cfg.Identity,
		inbox:    make(chan any, inboxSize),
		done:     make(chan struct{}),
		status:   StatusDisconnected,
		log:      models.ZoneChatLog{},
		subs:     make(map[chan models.SessionSnapshot]struct{}),
	}
	s.manager = NewManager(cfg.Manager, cfg.Dialer, clock, s.logger, s.post)
	return s
}

func (s *Session) ID() string {
	return s.id
}

// Run processes the inbox until ctx is canceled. The open zone, if any,
// is closed before Run returns.
func (s *Session) Run(ctx context.Context) error {
	defer close(s.done)
	for {
		select {
		case <-ctx.Done():
			s.closeZone()
			return nil
		case env := <-s.inbox:
			s.handle(env)
			s.publish()
		}
	}
}

func (s *Session) post(env any) {
	select {
	case s.inbox <- env:
	case <-s.done:
	}
}

func (s *Session) do(ctx context.Context, fn func() error) error {
	c := call{fn: fn, result: make(chan error, 1)}
	select {
	case s.inbox <- c:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrSessionClosed
	}

	select {
	case err := <-c.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		select {
		case err := <-c.result:
			return err
		default:
			return ErrSessionClosed
		}
	}
}

func (s *Session) handle(env any) {
	switch env := env.(type) {
	case call:
		env.result <- env.fn()
	case transportEnvelope:
		if !s.manager.current(env.gen) {
			s.logger.Debug().Stringer("kind", env.event.Kind).Msg("dropping event of stale connection")
			return
		}
		s.handleTransport(env.event)
	case timerEnvelope:
		if !s.manager.current(env.gen) {
			return
		}
		if s.manager.fired(env.kind) {
			s.sendPing()
		}
		s.status = s.statusFor(s.manager.State())
	}
}

func (s *Session) handleTransport(ev TransportEvent) {
	switch ev.Kind {
	case TransportOpened:
		s.manager.opened()
		s.status = StatusConnected
		s.logger.Info().Msg("connection opened")
		s.authenticate()
	case TransportFrame:
		s.manager.touch()
		event, err := protocol.Decode(ev.Frame)
		if err != nil {
			s.logger.Warn().Err(err).Msg("dropping frame")
			return
		}
		s.apply(event)
	case TransportError:
		s.logger.Warn().Err(ev.Err).Msg("transport error")
		s.status = StatusTransportErr
	case TransportClosed:
		if ev.Err != nil {
			s.logger.Info().Err(ev.Err).Msg("connection closed")
		}
		s.manager.closed()
		s.status = s.statusFor(s.manager.State())
	}
}

// authenticate re-reads the credentials for this connection attempt.
func (s *Session) authenticate() {
	creds, err := s.identity.Credentials()
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to read credentials")
		return
	}
	s.creds = creds
	if !creds.CanAuthenticate() {
		s.logger.Warn().Msg("credentials incomplete, staying read-only")
		s.status = StatusReadOnly
		return
	}
	if err := s.manager.Send(protocol.NewAuthenticate(creds)); err != nil {
		s.logger.Error().Err(err).Msg("failed to send authenticate")
	}
}

func (s *Session) sendPing() {
	if err := s.manager.Send(protocol.NewPing(s.clock.Now())); err != nil {
		s.logger.Debug().Err(err).Msg("failed to send ping")
	}
}

func (s *Session) apply(event protocol.Event) {
	switch ev := event.(type) {
	case protocol.ConnectionEstablished:
		s.logger.Debug().Str("client_id", ev.ClientID).Msg("connection established")
		if s.manager.State().Phase == models.PhaseConnected {
			s.status = StatusConnected
		}
	case protocol.AuthResult:
		if !ev.Success {
			s.logger.Warn().Str("reason", ev.Reason).Msg("authentication failed")
			s.status = StatusAuthFailed
			return
		}
		if s.manager.MarkAuthenticated() {
			s.status = StatusAuthenticated
		}
	case protocol.HistoryReceived:
		if ev.Zone != s.zone {
			s.logger.Debug().Str("history_zone", ev.Zone).Msg("ignoring history of another zone")
			return
		}
		s.log = append(models.ZoneChatLog{}, ev.Messages...)
		s.persist()
	case protocol.MessageReceived:
		s.log = append(s.log, ev.Message)
		s.persist()
	case protocol.Heartbeat:
	case protocol.ServerError:
		s.logger.Warn().Str("message", ev.Message).Msg("server error")
		s.status = "Error: " + ev.Message
	case protocol.Unknown:
		s.logger.Debug().Str("type", string(ev.Type)).Msg("unknown frame type")
	}
}

func (s *Session) persist() {
	if err := s.logs.Save(s.zone, s.log); err != nil {
		s.logger.Error().Err(err).Str("zone", s.zone).Msg("failed to persist chat log")
	}
}

func (s *Session) statusFor(state models.ConnectionState) string {
	switch state.Phase {
	case models.PhaseConnecting:
		return StatusConnecting
	case models.PhaseReconnecting:
		return fmt.Sprintf("Reconectando... (%d/%d)", state.Attempt, s.manager.MaxAttempts())
	case models.PhaseGaveUp:
		return StatusGaveUp
	case models.PhaseDisconnected:
		if s.zone != "" && !s.creds.CanConnect() {
			return StatusReadOnly
		}
		return StatusDisconnected
	default:
		return s.status
	}
}

func (s *Session) openZone(zone string) error {
	if s.zone != "" {
		s.closeZone()
	}

	s.zone = zone
	log, err := s.logs.Load(zone)
	if err != nil {
		s.logger.Error().Err(err).Str("zone", zone).Msg("failed to load chat log")
		log = models.ZoneChatLog{}
	}
	s.log = log

	creds, err := s.identity.Credentials()
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to read credentials")
	}
	s.creds = creds

	if creds.CanConnect() {
		s.logger.Info().Str("zone", zone).Msg("opening zone")
		s.manager.Open()
	} else {
		s.logger.Info().Str("zone", zone).Msg("opening zone read-only")
	}
	s.status = s.statusFor(s.manager.State())
	return nil
}

func (s *Session) closeZone() {
	s.manager.Close()
	if s.zone != "" {
		s.logger.Info().Str("zone", s.zone).Msg("zone closed")
	}
	s.zone = ""
	s.log = models.ZoneChatLog{}
	s.status = StatusDisconnected
}

// OpenZone switches the session to zone. A connection is opened only when
// a token is present.
func (s *Session) OpenZone(ctx context.Context, zone string) error {
	zone = strings.TrimSpace(zone)
	if zone == "" {
		return ErrNoZone
	}
	return s.do(ctx, func() error {
		return s.openZone(zone)
	})
}

// CloseZone closes the connection. The persisted log is kept.
func (s *Session) CloseZone(ctx context.Context) error {
	return s.do(ctx, func() error {
		s.closeZone()
		return nil
	})
}

// SubmitMessage sends text to the open zone. Nothing is appended locally:
// the message shows up when the relay broadcasts it back.
func (s *Session) SubmitMessage(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyMessage
	}
	return s.do(ctx, func() error {
		if s.zone == "" {
			return ErrNoZone
		}
		state := s.manager.State()
		if state.Phase != models.PhaseAuthenticated {
			if !state.IsOpen() {
				return ErrNotConnected
			}
			return ErrNotAuthenticated
		}
		if err := s.manager.Send(protocol.NewSendMessage(s.creds, s.zone, text)); err != nil {
			s.logger.Warn().Err(err).Msg("failed to send message")
			return ErrNotConnected
		}
		return nil
	})
}

// Retry reconnects after GaveUp, or from Disconnected when credentials are
// now present.
func (s *Session) Retry(ctx context.Context) error {
	return s.do(ctx, func() error {
		if s.zone == "" {
			return ErrNoZone
		}
		switch s.manager.State().Phase {
		case models.PhaseGaveUp:
		case models.PhaseDisconnected:
			creds, err := s.identity.Credentials()
			if err != nil {
				return fmt.Errorf("failed to read credentials: %w", err)
			}
			s.creds = creds
			if !creds.CanConnect() {
				return ErrRetryUnavailable
			}
		default:
			return ErrRetryUnavailable
		}
		s.logger.Info().Str("zone", s.zone).Msg("retrying connection")
		s.manager.Open()
		s.status = s.statusFor(s.manager.State())
		return nil
	})
}

// Zones lists the zones with a cached log on this device.
func (s *Session) Zones(ctx context.Context) ([]string, error) {
	var zones []string
	err := s.do(ctx, func() error {
		var err error
		zones, err = s.logs.Zones()
		return err
	})
	return zones, err
}

func (s *Session) Snapshot(ctx context.Context) (models.SessionSnapshot, error) {
	var snap models.SessionSnapshot
	err := s.do(ctx, func() error {
		snap = s.snapshot()
		return nil
	})
	return snap, err
}

func (s *Session) snapshot() models.SessionSnapshot {
	state := s.manager.State()
	authenticated := state.Phase == models.PhaseAuthenticated
	canRetry := s.zone != "" && (state.Phase == models.PhaseGaveUp ||
		(state.Phase == models.PhaseDisconnected && s.creds.CanConnect()))

	messages := make(models.ZoneChatLog, len(s.log))
	copy(messages, s.log)

	return models.SessionSnapshot{
		Zone:          s.zone,
		State:         state,
		Authenticated: authenticated,
		Status:        s.status,
		UserName:      s.creds.DisplayName(),
		CanSend:       authenticated,
		CanRetry:      canRetry,
		Messages:      messages,
	}
}

// Subscribe returns a feed of snapshots taken after every processed event.
// A slow reader only sees the latest one. cancel must be called to release
// the feed.
func (s *Session) Subscribe() (<-chan models.SessionSnapshot, func()) {
	ch := make(chan models.SessionSnapshot, 1)
	s.subsMu.Lock()
	s.subs[ch] = struct{}{}
	s.subsMu.Unlock()

	return ch, func() {
		s.subsMu.Lock()
		delete(s.subs, ch)
		s.subsMu.Unlock()
	}
}

func (s *Session) publish() {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	if len(s.subs) == 0 {
		return
	}

	snap := s.snapshot()
	for ch := range s.subs {
		select {
		case ch <- snap:
			continue
		default:
		}
		// Replace the stale snapshot.
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- snap:
		default:
		}
	}
}
