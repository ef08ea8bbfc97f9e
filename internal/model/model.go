package model

// Message types exchanged within a group session. Clients send join,
// leave, state-sync, control and transfer-host; the relay emits
// participant-update and error.
const (
	MsgJoin              = "join"
	MsgLeave             = "leave"
	MsgStateSync         = "state-sync"
	MsgControl           = "control"
	MsgParticipantUpdate = "participant-update"
	MsgTransferHost      = "transfer-host"
	MsgError             = "error"
)

// Control actions a host may relay.
const (
	ActionStart = "start"
	ActionPause = "pause"
	ActionReset = "reset"
	ActionSkip  = "skip"
)

// Session kinds of the pomodoro cycle.
const (
	KindWork       = "work"
	KindShortBreak = "short-break"
	KindLongBreak  = "long-break"
)

type Participant struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	IsHost   bool   `json:"isHost"`
	JoinedAt int64  `json:"joinedAt"` // ms since epoch, strictly monotonic per room
}

// TimerState is the full timer snapshot carried by state-sync messages.
type TimerState struct {
	Kind               string `json:"kind"`
	SecondsLeft        int    `json:"secondsLeft"`
	Running            bool   `json:"running"`
	CompletedPomodoros int    `json:"completedPomodoros"`
}

// Message is the wire envelope for all group-session traffic. Type
// discriminates which of the optional fields are meaningful; unknown
// types are forwarded by the relay as-is.
type Message struct {
	Type      string `json:"type"`
	SenderID  string `json:"senderId"` // relay re-assigns this from the connection
	Timestamp int64  `json:"timestamp"`

	Name         string        `json:"name,omitempty"`         // join
	IsHost       bool          `json:"isHost,omitempty"`       // join (host intent)
	State        *TimerState   `json:"state,omitempty"`        // state-sync
	Action       string        `json:"action,omitempty"`       // control
	Participants []Participant `json:"participants,omitempty"` // participant-update
	NewHostID    string        `json:"newHostId,omitempty"`    // transfer-host
	Error        string        `json:"message,omitempty"`      // error
}

// ConnState is the client-observed connection lifecycle.
type ConnState int

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
	StateError
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	}
	return "unknown"
}

// Wire is the per-connection outbound channel pair used by the relay
// server between the room arena and the websocket sender.
type Wire struct {
	TX chan Message
}

func NewWire() Wire {
	return Wire{
		TX: make(chan Message, 32),
	}
}
