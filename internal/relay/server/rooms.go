package server

import (
	"sort"
	"sync"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/treepo1/pomodoro-tui/internal/model"
)

// Rooms is the arena of active rooms, keyed by session code. Each room
// is created on first join and disposed when its last participant
// leaves. The arena is the single writer of every room's roster and
// host pointer; clients only observe them through roster broadcasts.
type Rooms struct {
	logger zerolog.Logger
	clock  clockwork.Clock

	mu      sync.Mutex
	rooms   map[string]*room
	lastGen uint64
}

type room struct {
	code     string
	hostID   string
	members  map[string]*member
	lastJoin int64 // last issued joinedAt stamp, ms
}

type member struct {
	participant model.Participant
	tx          chan<- model.Message
	gen         uint64
}

func NewRooms(logger *zerolog.Logger, clock clockwork.Clock) *Rooms {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Rooms{
		logger: logger.With().Str("component", "rooms").Logger(),
		clock:  clock,
		rooms:  make(map[string]*room),
	}
}

// Join admits a participant into the room for code, creating the room
// if needed. Host intent is advisory: it is granted only when the room
// has no host yet. Every join triggers a roster broadcast to the whole
// room, the newcomer included.
//
// The returned generation token identifies this connection; pass it to
// Leave so a lingering old connection of the same participant cannot
// tear down its successor.
func (rs *Rooms) Join(code, id, name string, hostIntent bool, tx chan<- model.Message) uint64 {
	rs.mu.Lock()
	r, ok := rs.rooms[code]
	if !ok {
		r = &room{
			code:    code,
			members: make(map[string]*member),
		}
		rs.rooms[code] = r
	}

	rs.lastGen++
	gen := rs.lastGen

	if prev, ok := r.members[id]; ok {
		// Same id means a reconnect: the new connection supersedes the
		// old one. Role and join stamp survive, only the transport and
		// the display name are refreshed.
		prev.tx = tx
		prev.gen = gen
		prev.participant.Name = name
		rs.broadcastRosterLocked(r)
		rs.mu.Unlock()

		rs.logger.Debug().
			Str("code", code).
			Str("id", id).
			Msg("participant reconnected")
		return gen
	}

	joinedAt := rs.clock.Now().UnixMilli()
	if joinedAt <= r.lastJoin {
		joinedAt = r.lastJoin + 1
	}
	r.lastJoin = joinedAt

	isHost := false
	if hostIntent && r.hostID == "" {
		isHost = true
		r.hostID = id
	}
	r.members[id] = &member{
		participant: model.Participant{
			ID:       id,
			Name:     name,
			IsHost:   isHost,
			JoinedAt: joinedAt,
		},
		tx:  tx,
		gen: gen,
	}
	rs.broadcastRosterLocked(r)
	rs.mu.Unlock()

	rs.logger.Debug().
		Str("code", code).
		Str("id", id).
		Bool("isHost", isHost).
		Msg("participant joined")
	return gen
}

// Leave removes a participant. If it was the host, the earliest-joined
// remaining participant is promoted; the room is disposed when empty.
// The updated roster is broadcast either way. gen must be the token
// issued by the matching Join; a teardown racing a fresh reconnect of
// the same participant carries a stale token and is ignored.
func (rs *Rooms) Leave(code, id string, gen uint64) {
	rs.mu.Lock()
	r, ok := rs.rooms[code]
	if !ok {
		rs.mu.Unlock()
		return
	}
	m, ok := r.members[id]
	if !ok || m.gen != gen {
		rs.mu.Unlock()
		return
	}
	delete(r.members, id)

	if len(r.members) == 0 {
		delete(rs.rooms, code)
		rs.mu.Unlock()
		rs.logger.Debug().Str("code", code).Msg("room disposed")
		return
	}

	if r.hostID == id {
		r.hostID = ""
		var next *member
		for _, m := range r.members {
			if next == nil || m.participant.JoinedAt < next.participant.JoinedAt {
				next = m
			}
		}
		if next != nil {
			next.participant.IsHost = true
			r.hostID = next.participant.ID
			rs.logger.Info().
				Str("code", code).
				Str("newHost", r.hostID).
				Msg("host failover")
		}
	}
	rs.broadcastRosterLocked(r)
	rs.mu.Unlock()

	rs.logger.Debug().Str("code", code).Str("id", id).Msg("participant left")
}

// Dispatch routes an inbound message from a connected participant.
// SenderID is trusted because the websocket layer re-assigns it from
// the connection before calling here.
func (rs *Rooms) Dispatch(code string, msg model.Message) {
	rs.mu.Lock()
	r, ok := rs.rooms[code]
	if !ok {
		rs.mu.Unlock()
		return
	}

	switch msg.Type {
	case model.MsgStateSync, model.MsgControl:
		// Host-only authority. Non-host senders are dropped silently.
		if msg.SenderID != r.hostID {
			rs.mu.Unlock()
			rs.logger.Debug().
				Str("code", code).
				Str("sender", msg.SenderID).
				Str("type", msg.Type).
				Msg("dropping message from non-host")
			return
		}
		rs.relayLocked(r, msg)
	case model.MsgJoin:
		// Re-announce; idempotent with the connect-time broadcast.
		rs.broadcastRosterLocked(r)
	case model.MsgLeave:
		// Informational. Cleanup happens on transport close.
	case model.MsgTransferHost:
		rs.transferHostLocked(r, msg)
	case model.MsgParticipantUpdate, model.MsgError:
		// Server-originated kinds; ignore if a client tries to spoof.
	default:
		// Forward-compatible escape hatch: unknown types are relayed
		// verbatim.
		rs.relayLocked(r, msg)
	}
	rs.mu.Unlock()
}

func (rs *Rooms) transferHostLocked(r *room, msg model.Message) {
	if msg.SenderID != r.hostID {
		rs.sendToLocked(r, msg.SenderID, model.Message{
			Type:      model.MsgError,
			Timestamp: rs.clock.Now().UnixMilli(),
			Error:     "only the host may transfer host",
		})
		return
	}
	target, ok := r.members[msg.NewHostID]
	if !ok {
		rs.sendToLocked(r, msg.SenderID, model.Message{
			Type:      model.MsgError,
			Timestamp: rs.clock.Now().UnixMilli(),
			Error:     "unknown transfer target",
		})
		return
	}
	if prev, ok := r.members[r.hostID]; ok {
		prev.participant.IsHost = false
	}
	target.participant.IsHost = true
	r.hostID = target.participant.ID
	rs.logger.Info().
		Str("code", r.code).
		Str("from", msg.SenderID).
		Str("to", r.hostID).
		Msg("host transferred")
	rs.broadcastRosterLocked(r)
}

// relayLocked fans a message out to every member except the sender.
func (rs *Rooms) relayLocked(r *room, msg model.Message) {
	for id, m := range r.members {
		if id == msg.SenderID {
			continue
		}
		rs.pushLocked(r, m, msg)
	}
}

func (rs *Rooms) sendToLocked(r *room, id string, msg model.Message) {
	if m, ok := r.members[id]; ok {
		rs.pushLocked(r, m, msg)
	}
}

// pushLocked is non-blocking: a member whose send buffer is full simply
// misses the message and catches up on the next state-sync tick.
func (rs *Rooms) pushLocked(r *room, m *member, msg model.Message) {
	select {
	case m.tx <- msg:
	default:
		rs.logger.Warn().
			Str("code", r.code).
			Str("dst", m.participant.ID).
			Str("type", msg.Type).
			Msg("send buffer full, dropping message")
	}
}

func (rs *Rooms) broadcastRosterLocked(r *room) {
	roster := make([]model.Participant, 0, len(r.members))
	for _, m := range r.members {
		roster = append(roster, m.participant)
	}
	sort.Slice(roster, func(i, j int) bool {
		return roster[i].JoinedAt < roster[j].JoinedAt
	})
	msg := model.Message{
		Type:         model.MsgParticipantUpdate,
		Timestamp:    rs.clock.Now().UnixMilli(),
		Participants: roster,
	}
	for _, m := range r.members {
		rs.pushLocked(r, m, msg)
	}
}

// Roster returns the current participant list for a room, or nil if the
// room does not exist. Sorted by join time.
func (rs *Rooms) Roster(code string) []model.Participant {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	r, ok := rs.rooms[code]
	if !ok {
		return nil
	}
	roster := make([]model.Participant, 0, len(r.members))
	for _, m := range r.members {
		roster = append(roster, m.participant)
	}
	sort.Slice(roster, func(i, j int) bool {
		return roster[i].JoinedAt < roster[j].JoinedAt
	})
	return roster
}
