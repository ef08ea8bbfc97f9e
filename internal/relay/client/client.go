// Package client maintains one logical connection to a group-session
// room on the relay, reconnecting with bounded exponential backoff
// after transient transport failure.
package client

import (
	"encoding/json"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/treepo1/pomodoro-tui/internal/model"
)

const (
	// DefaultServerOrigin is the built-in public relay.
	DefaultServerOrigin = "wss://relay.pomodoro-tui.dev"

	defaultBackoffBase = time.Second
	defaultMaxAttempts = 5

	defaultHandshakeTimeout = 3 * time.Second
	defaultWriteDeadline    = 5 * time.Second
)

type Config struct {
	Logger *zerolog.Logger
	Clock  clockwork.Clock

	ServerOrigin  string
	Code          string
	ParticipantID string
	Name          string
	HostIntent    bool

	BackoffBase time.Duration
	MaxAttempts int

	// Dialer overrides the websocket dialer (tests).
	Dialer *websocket.Dialer
}

// Client is the persistent relay connection for one participant in one
// room. All transport failure is surfaced through the state callback,
// never as an error return.
type Client struct {
	logger zerolog.Logger
	clock  clockwork.Clock
	url    string

	id         string
	name       string
	hostIntent bool

	backoffBase time.Duration
	maxAttempts int

	dial func() (*websocket.Conn, error)

	mu         sync.Mutex
	state      model.ConnState
	conn       *websocket.Conn
	attempts   int
	closed     bool
	cancel     chan struct{}
	retryTimer clockwork.Timer

	writeMu sync.Mutex

	onState   func(model.ConnState)
	onMessage func(model.Message)
}

func New(cfg Config) *Client {
	if cfg.ServerOrigin == "" {
		cfg.ServerOrigin = DefaultServerOrigin
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = defaultBackoffBase
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{HandshakeTimeout: defaultHandshakeTimeout}
	}
	addr := RoomURL(cfg.ServerOrigin, cfg.Code, cfg.ParticipantID, cfg.Name, cfg.HostIntent)
	c := &Client{
		logger: cfg.Logger.With().
			Str("component", "relay-client").
			Str("code", cfg.Code).
			Logger(),
		clock:       cfg.Clock,
		url:         addr,
		id:          cfg.ParticipantID,
		name:        cfg.Name,
		hostIntent:  cfg.HostIntent,
		backoffBase: cfg.BackoffBase,
		maxAttempts: cfg.MaxAttempts,
		state:       model.StateDisconnected,
	}
	c.dial = func() (*websocket.Conn, error) {
		conn, resp, err := dialer.Dial(c.url, nil)
		if resp != nil && resp.StatusCode != http.StatusSwitchingProtocols {
			_ = resp.Body.Close()
		}
		return conn, err
	}
	return c
}

// RoomURL builds the room address from a server origin and session
// code, attaching the join parameters as a query string.
func RoomURL(origin, code, id, name string, hostIntent bool) string {
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		// A bare host or host:port parses without error but leaves Host
		// empty; treat the whole origin as the host.
		u = &url.URL{Scheme: "wss", Host: origin}
	}
	if u.Scheme == "" {
		u.Scheme = "wss"
	}
	u.Path = "/party/" + code
	q := url.Values{}
	q.Set("_pk", id)
	q.Set("name", name)
	if hostIntent {
		q.Set("isHost", "true")
	} else {
		q.Set("isHost", "false")
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// OnState registers the connection-state callback. Set before Connect.
func (c *Client) OnState(fn func(model.ConnState)) { c.onState = fn }

// OnMessage registers the inbound message callback. Set before Connect.
func (c *Client) OnMessage(fn func(model.Message)) { c.onMessage = fn }

// State returns the current connection state.
func (c *Client) State() model.ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect starts (or restarts) the connection. Resets the backoff
// attempt counter, so calling Connect after the client has reached the
// error state begins a fresh retry cycle.
func (c *Client) Connect() {
	c.mu.Lock()
	c.closed = false
	c.attempts = 0
	c.cancel = make(chan struct{})
	changed := c.setStateLocked(model.StateConnecting)
	c.mu.Unlock()
	c.notifyState(changed, model.StateConnecting)
	go c.attempt()
}

func (c *Client) attempt() {
	conn, err := c.dial()
	if err != nil {
		c.logger.Warn().Err(err).Msg("dial failed")
		c.scheduleReconnect()
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = conn.Close()
		return
	}
	c.conn = conn
	c.attempts = 0
	changed := c.setStateLocked(model.StateConnected)
	c.mu.Unlock()
	c.notifyState(changed, model.StateConnected)

	c.Send(model.Message{
		Type:   model.MsgJoin,
		Name:   c.name,
		IsHost: c.hostIntent,
	})
	c.readLoop(conn)
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		var msg model.Message
		if jErr := json.Unmarshal(data, &msg); jErr != nil {
			// Noisy relay, drop the frame.
			c.logger.Debug().Err(jErr).Msg("dropping malformed frame")
			continue
		}
		if c.onMessage != nil {
			c.onMessage(msg)
		}
	}

	_ = conn.Close()
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	closed := c.closed
	c.mu.Unlock()
	if !closed {
		c.scheduleReconnect()
	}
}

func (c *Client) scheduleReconnect() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.attempts++
	if c.attempts > c.maxAttempts {
		changed := c.setStateLocked(model.StateError)
		c.mu.Unlock()
		c.logger.Error().Int("attempts", c.maxAttempts).Msg("reconnect attempts exhausted")
		c.notifyState(changed, model.StateError)
		return
	}
	attempt := c.attempts
	delay := c.backoffBase << (attempt - 1)
	t := c.clock.NewTimer(delay)
	c.retryTimer = t
	cancel := c.cancel
	changed := c.setStateLocked(model.StateConnecting)
	c.mu.Unlock()

	c.notifyState(changed, model.StateConnecting)
	c.logger.Info().
		Int("attempt", attempt).
		Dur("delay", delay).
		Msg("reconnect scheduled")

	go func() {
		select {
		case <-t.Chan():
		case <-cancel:
			return
		}
		c.mu.Lock()
		closed := c.closed
		c.mu.Unlock()
		if !closed {
			c.attempt()
		}
	}()
}

// Send marshals and writes msg, filling in sender id and timestamp.
// No-op unless connected; dropped state-sync ticks are expected and
// self-correct on the next interval.
func (c *Client) Send(msg model.Message) {
	c.mu.Lock()
	conn := c.conn
	ok := c.state == model.StateConnected && conn != nil
	c.mu.Unlock()
	if !ok {
		return
	}

	msg.SenderID = c.id
	msg.Timestamp = c.clock.Now().UnixMilli()
	b, err := json.Marshal(&msg)
	if err != nil {
		c.logger.Error().Err(err).Msg("failed to marshal outgoing message")
		return
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if wErr := conn.SetWriteDeadline(time.Now().Add(defaultWriteDeadline)); wErr != nil {
		c.logger.Error().Err(wErr).Msg("failed to set write deadline")
		return
	}
	if wErr := conn.WriteMessage(websocket.TextMessage, b); wErr != nil {
		c.logger.Warn().Err(wErr).Str("type", msg.Type).Msg("send failed")
	}
}

// Disconnect tears the connection down intentionally: suppresses any
// further auto-reconnect, cancels a pending backoff timer, best-effort
// announces leave, then closes the transport. Idempotent.
func (c *Client) Disconnect() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	if c.cancel != nil {
		close(c.cancel)
		c.cancel = nil
	}
	if c.retryTimer != nil {
		stopAndDrainTimer(c.retryTimer)
		c.retryTimer = nil
	}
	conn := c.conn
	c.conn = nil
	wasConnected := c.state == model.StateConnected
	changed := c.setStateLocked(model.StateDisconnected)
	c.mu.Unlock()

	if conn != nil && wasConnected {
		b, _ := json.Marshal(&model.Message{
			Type:      model.MsgLeave,
			SenderID:  c.id,
			Timestamp: c.clock.Now().UnixMilli(),
		})
		c.writeMu.Lock()
		_ = conn.SetWriteDeadline(time.Now().Add(defaultWriteDeadline))
		_ = conn.WriteMessage(websocket.TextMessage, b)
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
	}
	if conn != nil {
		_ = conn.Close()
	}
	c.notifyState(changed, model.StateDisconnected)
}

// setStateLocked mutates the state under the caller's lock so the
// transition cannot race an interleaving Disconnect. Reports whether
// the state actually changed; the callback is fired by notifyState
// after the lock is released.
func (c *Client) setStateLocked(s model.ConnState) bool {
	if c.state == s {
		return false
	}
	// A user-initiated disconnect wins over any in-flight transition.
	if c.closed && s != model.StateDisconnected {
		return false
	}
	c.state = s
	return true
}

func (c *Client) notifyState(changed bool, s model.ConnState) {
	if changed && c.onState != nil {
		c.onState(s)
	}
}

// stopAndDrainTimer stops a timer and drains its channel so the waiting
// goroutine never fires a stale reconnect.
func stopAndDrainTimer(t clockwork.Timer) {
	if !t.Stop() {
		select {
		case <-t.Chan():
		default:
		}
	}
}
