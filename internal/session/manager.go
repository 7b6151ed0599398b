package session

import (
	"context"
	"errors"
	"time"

	"alaschat/internal/models"
	"alaschat/internal/protocol"

	"github.com/rs/zerolog"
)

// DefaultPingInterval is used when ManagerConfig.PingInterval is not set.
const DefaultPingInterval = 30 * time.Second

// ErrNotConnected is returned when a frame is sent without an open transport.
var ErrNotConnected = errors.New("not connected")

// ManagerConfig configures the connection lifecycle of a session.
type ManagerConfig struct {
	URL          string
	PingInterval time.Duration
	// PongWait is how long the connection may stay silent before it is
	// considered dead. Zero means twice the ping interval; a negative
	// value disables dead-peer detection.
	PongWait time.Duration
	Backoff  Backoff
}

type timerKind int

const (
	timerReconnect timerKind = iota
	timerPing
	timerDeadline
)

func (k timerKind) String() string {
	switch k {
	case timerReconnect:
		return "reconnect"
	case timerPing:
		return "ping"
	case timerDeadline:
		return "deadline"
	default:
		return "unknown"
	}
}

type transportEnvelope struct {
	gen   uint64
	event TransportEvent
}

type timerEnvelope struct {
	gen  uint64
	kind timerKind
}

// Manager owns the transport of one session. It is not safe for concurrent
// use: every method runs on the session actor, and asynchronous callbacks
// come back through post tagged with the generation they belong to.
type Manager struct {
	cfg    ManagerConfig
	dialer Dialer
	clock  Clock
	logger zerolog.Logger
	post   func(any)

	state   models.ConnectionState
	attempt int
	gen     uint64

	transport  Transport
	cancelDial context.CancelFunc

	reconnectTimer Timer
	pingTimer      Timer
	deadlineTimer  Timer
}

func NewManager(cfg ManagerConfig, dialer Dialer, clock Clock, logger zerolog.Logger, post func(any)) *Manager {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = DefaultPingInterval
	}
	switch {
	case cfg.PongWait == 0:
		cfg.PongWait = 2 * cfg.PingInterval
	case cfg.PongWait < 0:
		cfg.PongWait = 0
	}
	cfg.Backoff = cfg.Backoff.withDefaults()
	if clock == nil {
		clock = realClock{}
	}
	return &Manager{
		cfg:    cfg,
		dialer: dialer,
		clock:  clock,
		logger: logger,
		post:   post,
		state:  models.Disconnected(),
	}
}

func (m *Manager) State() models.ConnectionState {
	return m.state
}

func (m *Manager) MaxAttempts() int {
	return m.cfg.Backoff.MaxAttempts
}

// current reports whether gen belongs to the live connection attempt.
func (m *Manager) current(gen uint64) bool {
	return gen == m.gen
}

// Open starts a fresh connection attempt with the attempt counter reset.
func (m *Manager) Open() {
	m.attempt = 0
	m.connect()
}

// Close tears the connection down. No callback of an earlier generation
// has any effect afterwards.
func (m *Manager) Close() {
	m.gen++
	m.stopTimer(&m.reconnectTimer)
	m.stopLiveness()
	m.release()
	m.attempt = 0
	m.state = models.Disconnected()
}

// Send encodes v and hands it to the transport.
func (m *Manager) Send(v any) error {
	if m.transport == nil || !m.state.IsOpen() {
		return ErrNotConnected
	}
	frame, err := protocol.Encode(v)
	if err != nil {
		return err
	}
	return m.transport.Send(frame)
}

// MarkAuthenticated moves Connected to Authenticated.
func (m *Manager) MarkAuthenticated() bool {
	if m.state.Phase != models.PhaseConnected {
		return false
	}
	m.state = models.Authenticated()
	return true
}

func (m *Manager) connect() {
	m.stopTimer(&m.reconnectTimer)
	m.stopLiveness()
	m.release()

	m.gen++
	gen := m.gen
	m.state = models.Connecting()

	ctx, cancel := context.WithCancel(context.Background())
	m.cancelDial = cancel

	m.logger.Debug().Str("url", m.cfg.URL).Uint64("gen", gen).Msg("connecting")
	m.transport = m.dialer.Dial(ctx, m.cfg.URL, func(ev TransportEvent) {
		m.post(transportEnvelope{gen: gen, event: ev})
	})
}

// opened handles the transport open of the current generation.
func (m *Manager) opened() {
	if m.state.Phase != models.PhaseConnecting {
		return
	}
	m.attempt = 0
	m.state = models.Connected()
	m.pingTimer = m.schedule(m.cfg.PingInterval, timerPing)
	m.touch()
}

// touch resets dead-peer detection after any inbound frame.
func (m *Manager) touch() {
	if m.cfg.PongWait == 0 || !m.state.IsOpen() {
		return
	}
	m.stopTimer(&m.deadlineTimer)
	m.deadlineTimer = m.schedule(m.cfg.PongWait, timerDeadline)
}

// closed handles loss of the transport and either schedules a reconnect
// or gives up.
func (m *Manager) closed() {
	switch m.state.Phase {
	case models.PhaseConnecting, models.PhaseConnected, models.PhaseAuthenticated:
	default:
		return
	}

	m.stopLiveness()
	m.release()

	if m.attempt >= m.cfg.Backoff.MaxAttempts {
		m.state = models.GaveUp()
		m.logger.Warn().Int("attempts", m.attempt).Msg("giving up reconnecting")
		return
	}

	m.attempt++
	delay := m.cfg.Backoff.Delay(m.attempt)
	m.state = models.Reconnecting(m.attempt)
	m.reconnectTimer = m.schedule(delay, timerReconnect)
	m.logger.Info().Int("attempt", m.attempt).Dur("delay", delay).Msg("reconnect scheduled")
}

// fired handles a timer of the current generation. ping reports whether a
// ping is due.
func (m *Manager) fired(kind timerKind) (ping bool) {
	switch kind {
	case timerReconnect:
		m.reconnectTimer = nil
		if m.state.Phase == models.PhaseReconnecting {
			m.connect()
		}
	case timerPing:
		m.pingTimer = nil
		if m.state.IsOpen() {
			m.pingTimer = m.schedule(m.cfg.PingInterval, timerPing)
			return true
		}
	case timerDeadline:
		m.deadlineTimer = nil
		if m.state.IsOpen() {
			m.logger.Warn().Dur("pong_wait", m.cfg.PongWait).Msg("peer silent, dropping connection")
			// Callbacks of the dropped transport must not count twice.
			m.gen++
			m.closed()
		}
	}
	return false
}

func (m *Manager) schedule(d time.Duration, kind timerKind) Timer {
	gen := m.gen
	return m.clock.AfterFunc(d, func() {
		m.post(timerEnvelope{gen: gen, kind: kind})
	})
}

func (m *Manager) stopLiveness() {
	m.stopTimer(&m.pingTimer)
	m.stopTimer(&m.deadlineTimer)
}

func (m *Manager) stopTimer(t *Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}

func (m *Manager) release() {
	if m.cancelDial != nil {
		m.cancelDial()
		m.cancelDial = nil
	}
	if m.transport != nil {
		if err := m.transport.Close(); err != nil {
			m.logger.Debug().Err(err).Msg("closing transport")
		}
		m.transport = nil
	}
}
