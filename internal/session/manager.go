// Package session orchestrates the relay client and the local timer:
// it decides when to broadcast state, applies received state, and
// tracks this participant's host role.
package session

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/treepo1/pomodoro-tui/internal/code"
	"github.com/treepo1/pomodoro-tui/internal/model"
	relayclient "github.com/treepo1/pomodoro-tui/internal/relay/client"
)

const defaultBroadcastInterval = time.Second

// TimerCore is the local timer the manager drives. In participant mode
// it is put into driven state and only moves through SetState.
type TimerCore interface {
	State() model.TimerState
	SetState(model.TimerState)
	Start()
	Pause()
	Reset()
	Skip()
	SetDriven(bool)
}

type Config struct {
	Logger *zerolog.Logger
	Clock  clockwork.Clock
	Timer  TimerCore

	ServerOrigin      string
	BroadcastInterval time.Duration
	BackoffBase       time.Duration
	MaxAttempts       int

	// Dialer overrides the relay client's websocket dialer (tests).
	Dialer *websocket.Dialer
}

// Manager is the group-session orchestrator. All methods are safe for
// concurrent use and none of them returns an error to the UI layer;
// failures surface through the connection-state callback.
type Manager struct {
	logger zerolog.Logger
	clock  clockwork.Clock
	timer  TimerCore

	serverOrigin string
	interval     time.Duration
	backoffBase  time.Duration
	maxAttempts  int
	dialer       *websocket.Dialer

	mu           sync.Mutex
	client       *relayclient.Client
	active       bool
	selfID       string
	sessionCode  string
	isHost       bool
	participants []model.Participant
	stopTick     chan struct{}

	onConnection   func(model.ConnState)
	onParticipants func([]model.Participant)
	onHostChange   func(bool)
	onStateChange  func()
}

func New(cfg Config) *Manager {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.BroadcastInterval <= 0 {
		cfg.BroadcastInterval = defaultBroadcastInterval
	}
	return &Manager{
		logger:       cfg.Logger.With().Str("component", "session-manager").Logger(),
		clock:        cfg.Clock,
		timer:        cfg.Timer,
		serverOrigin: cfg.ServerOrigin,
		interval:     cfg.BroadcastInterval,
		backoffBase:  cfg.BackoffBase,
		maxAttempts:  cfg.MaxAttempts,
		dialer:       cfg.Dialer,
	}
}

// Callback registration. Set before starting or joining a session.

func (m *Manager) OnConnection(fn func(model.ConnState)) { m.onConnection = fn }

func (m *Manager) OnParticipants(fn func([]model.Participant)) { m.onParticipants = fn }

func (m *Manager) OnHostChange(fn func(bool)) { m.onHostChange = fn }

func (m *Manager) OnStateChange(fn func()) { m.onStateChange = fn }

// StartHosting opens a new session and returns its code. The local
// role is host immediately: the code is fresh, so no contention exists
// yet. No-op if a session is already active.
func (m *Manager) StartHosting(name string) (string, bool) {
	m.mu.Lock()
	if m.active {
		m.mu.Unlock()
		return "", false
	}
	sessionCode := code.Generate()
	m.startLocked(sessionCode, name, true)
	m.mu.Unlock()

	m.logger.Info().Str("code", sessionCode).Msg("hosting session")
	return sessionCode, true
}

// JoinSession connects to an existing session as a participant. The
// code is normalized before use; a malformed code rejects the join
// without any connection attempt. No-op if a session is already active.
func (m *Manager) JoinSession(rawCode, name string) bool {
	if !code.Validate(rawCode) {
		m.logger.Warn().Str("code", rawCode).Msg("invalid session code")
		return false
	}
	sessionCode := code.Normalize(rawCode)

	m.mu.Lock()
	if m.active {
		m.mu.Unlock()
		return false
	}
	// Participant clocks never free-run; state arrives from the host.
	m.timer.SetDriven(true)
	m.startLocked(sessionCode, name, false)
	m.mu.Unlock()

	m.logger.Info().Str("code", sessionCode).Msg("joined session")
	return true
}

func (m *Manager) startLocked(sessionCode, name string, host bool) {
	m.active = true
	m.sessionCode = sessionCode
	m.selfID = uuid.NewString()
	m.isHost = host
	m.participants = nil
	m.stopTick = make(chan struct{})

	c := relayclient.New(relayclient.Config{
		Logger:        &m.logger,
		Clock:         m.clock,
		ServerOrigin:  m.serverOrigin,
		Code:          sessionCode,
		ParticipantID: m.selfID,
		Name:          name,
		HostIntent:    host,
		BackoffBase:   m.backoffBase,
		MaxAttempts:   m.maxAttempts,
		Dialer:        m.dialer,
	})
	c.OnState(m.handleConnState)
	c.OnMessage(m.handleMessage)
	m.client = c
	c.Connect()

	go m.broadcastLoop(m.stopTick)
}

// broadcastLoop pushes the full timer snapshot on a fixed interval.
// The role is checked at send time, so a demotion that lands between
// ticks stops the stream without racing the ticker.
func (m *Manager) broadcastLoop(stop chan struct{}) {
	ticker := m.clock.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.Chan():
			m.mu.Lock()
			host := m.isHost && m.active
			c := m.client
			m.mu.Unlock()
			if !host || c == nil {
				continue
			}
			state := m.timer.State()
			c.Send(model.Message{
				Type:  model.MsgStateSync,
				State: &state,
			})
		}
	}
}

func (m *Manager) handleConnState(s model.ConnState) {
	m.logger.Debug().Stringer("state", s).Msg("connection state changed")
	if m.onConnection != nil {
		m.onConnection(s)
	}
}

func (m *Manager) handleMessage(msg model.Message) {
	switch msg.Type {
	case model.MsgStateSync:
		m.mu.Lock()
		apply := msg.SenderID != m.selfID && !m.isHost && msg.State != nil
		m.mu.Unlock()
		if apply {
			m.timer.SetState(*msg.State)
			m.notifyState()
		}
	case model.MsgControl:
		// Refresh hint only; the authoritative effect arrives with the
		// paired state-sync.
		m.notifyState()
	case model.MsgParticipantUpdate:
		m.applyRoster(msg.Participants)
	case model.MsgError:
		m.logger.Warn().Str("message", msg.Error).Msg("relay reported error")
	}
}

// applyRoster replaces the local roster view and reconciles this
// participant's role with what the relay says it is.
func (m *Manager) applyRoster(roster []model.Participant) {
	m.mu.Lock()
	m.participants = roster
	wasHost := m.isHost
	nowHost := wasHost
	for _, p := range roster {
		if p.ID == m.selfID {
			nowHost = p.IsHost
			break
		}
	}
	if nowHost != wasHost {
		m.isHost = nowHost
	}
	m.mu.Unlock()

	if nowHost != wasHost {
		if nowHost {
			m.logger.Info().Msg("promoted to host")
			m.timer.SetDriven(false)
		} else {
			// Should only happen through an explicit transfer, but a
			// confused relay must not leave two clocks running.
			m.logger.Info().Msg("demoted to participant")
			m.timer.SetDriven(true)
		}
		if m.onHostChange != nil {
			m.onHostChange(nowHost)
		}
	}
	if m.onParticipants != nil {
		m.onParticipants(roster)
	}
}

// SendControl applies a timer action locally and relays it to the
// room. Host-only; silently ignored otherwise — the relay would drop
// it anyway.
func (m *Manager) SendControl(action string) {
	m.mu.Lock()
	host := m.isHost && m.active
	c := m.client
	m.mu.Unlock()
	if !host || c == nil {
		return
	}

	switch action {
	case model.ActionStart:
		m.timer.Start()
	case model.ActionPause:
		m.timer.Pause()
	case model.ActionReset:
		m.timer.Reset()
	case model.ActionSkip:
		m.timer.Skip()
	default:
		m.logger.Warn().Str("action", action).Msg("unknown control action")
		return
	}
	c.Send(model.Message{
		Type:   model.MsgControl,
		Action: action,
	})
	m.notifyState()
}

// TransferHost asks the relay to hand the host role to targetID. The
// local role flips only once the relay's roster broadcast confirms
// the transfer.
func (m *Manager) TransferHost(targetID string) {
	m.mu.Lock()
	host := m.isHost && m.active
	c := m.client
	self := m.selfID
	known := false
	for _, p := range m.participants {
		if p.ID == targetID {
			known = true
			break
		}
	}
	m.mu.Unlock()
	if !host || c == nil || targetID == self || !known {
		return
	}
	c.Send(model.Message{
		Type:      model.MsgTransferHost,
		NewHostID: targetID,
	})
}

// Disconnect leaves the session: stops the broadcast loop, tears down
// the relay connection and returns the timer to autonomous mode.
// Idempotent.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	if !m.active {
		m.mu.Unlock()
		return
	}
	m.active = false
	close(m.stopTick)
	c := m.client
	m.client = nil
	m.isHost = false
	m.participants = nil
	m.sessionCode = ""
	m.mu.Unlock()

	if c != nil {
		c.Disconnect()
	}
	m.timer.SetDriven(false)
	m.logger.Info().Msg("left session")
}

func (m *Manager) notifyState() {
	if m.onStateChange != nil {
		m.onStateChange()
	}
}

// Active reports whether a session is currently established or being
// established.
func (m *Manager) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// IsHost reports the local role.
func (m *Manager) IsHost() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.isHost
}

// SelfID returns this client's participant id, empty when no session
// is active.
func (m *Manager) SelfID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.selfID
}

// Code returns the active session code.
func (m *Manager) Code() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessionCode
}

// Participants returns the last roster received from the relay.
func (m *Manager) Participants() []model.Participant {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.Participant, len(m.participants))
	copy(out, m.participants)
	return out
}
