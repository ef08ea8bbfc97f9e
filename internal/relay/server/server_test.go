package server

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/treepo1/pomodoro-tui/internal/model"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	logger := zerolog.Nop()
	rooms := NewRooms(&logger, clockwork.NewRealClock())
	srv := NewServer(Config{Logger: &logger, Rooms: rooms, ListenAddr: ":0"})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

// wsClient is a raw websocket participant used to exercise the relay
// from the outside.
type wsClient struct {
	conn *websocket.Conn

	mu       sync.Mutex
	received []model.Message
}

func dialParticipant(t *testing.T, ts *httptest.Server, roomCode, id, name string, hostIntent bool) *wsClient {
	t.Helper()
	origin := strings.Replace(ts.URL, "http://", "ws://", 1)
	u := origin + "/party/" + roomCode + "?_pk=" + id + "&name=" + name
	if hostIntent {
		u += "&isHost=true"
	} else {
		u += "&isHost=false"
	}
	conn, resp, err := websocket.DefaultDialer.Dial(u, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", u, err)
	}
	_ = resp.Body.Close()

	c := &wsClient{conn: conn}
	t.Cleanup(func() { _ = conn.Close() })
	go func() {
		for {
			var msg model.Message
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			c.mu.Lock()
			c.received = append(c.received, msg)
			c.mu.Unlock()
		}
	}()
	return c
}

func (c *wsClient) send(t *testing.T, msg model.Message) {
	t.Helper()
	if err := c.conn.WriteJSON(&msg); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func (c *wsClient) lastRoster() []model.Participant {
	c.mu.Lock()
	defer c.mu.Unlock()
	var roster []model.Participant
	for _, m := range c.received {
		if m.Type == model.MsgParticipantUpdate {
			roster = m.Participants
		}
	}
	return roster
}

func (c *wsClient) countType(msgType string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, m := range c.received {
		if m.Type == msgType {
			n++
		}
	}
	return n
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestRejectsInvalidCode(t *testing.T) {
	ts := newTestServer(t)
	origin := strings.Replace(ts.URL, "http://", "ws://", 1)

	for _, bad := range []string{"nope", "ABC123", "KTX23"} {
		_, resp, err := websocket.DefaultDialer.Dial(origin+"/party/"+bad, nil)
		if err == nil {
			t.Fatalf("dial with code %q succeeded, want rejection", bad)
		}
		if resp == nil || resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("code %q: response %s", bad, spew.Sdump(resp))
		}
		_ = resp.Body.Close()
	}
}

func TestJoinBroadcastsRoster(t *testing.T) {
	ts := newTestServer(t)
	alice := dialParticipant(t, ts, "KTX234", "a", "alice", true)

	waitFor(t, "alice roster", func() bool { return len(alice.lastRoster()) == 1 })

	bob := dialParticipant(t, ts, "KTX234", "b", "bob", false)
	waitFor(t, "both rosters", func() bool {
		return len(alice.lastRoster()) == 2 && len(bob.lastRoster()) == 2
	})

	roster := bob.lastRoster()
	hosts := 0
	for _, p := range roster {
		if p.IsHost {
			hosts++
			if p.Name != "alice" {
				t.Fatalf("host is %q, want alice:\n%s", p.Name, spew.Sdump(roster))
			}
		}
	}
	if hosts != 1 {
		t.Fatalf("host count = %d, want 1:\n%s", hosts, spew.Sdump(roster))
	}
}

func TestLowercaseCodeNormalized(t *testing.T) {
	ts := newTestServer(t)
	alice := dialParticipant(t, ts, "KTX234", "a", "alice", true)
	bob := dialParticipant(t, ts, "ktx234", "b", "bob", false)

	waitFor(t, "shared room", func() bool {
		return len(alice.lastRoster()) == 2 && len(bob.lastRoster()) == 2
	})
}

func TestHostAuthorityEndToEnd(t *testing.T) {
	ts := newTestServer(t)
	alice := dialParticipant(t, ts, "KTX234", "a", "alice", true)
	bob := dialParticipant(t, ts, "KTX234", "b", "bob", false)
	waitFor(t, "rosters", func() bool {
		return len(alice.lastRoster()) == 2 && len(bob.lastRoster()) == 2
	})

	// Host's state-sync reaches the participant.
	alice.send(t, model.Message{
		Type:  model.MsgStateSync,
		State: &model.TimerState{Kind: model.KindWork, SecondsLeft: 900, Running: true},
	})
	waitFor(t, "bob state-sync", func() bool { return bob.countType(model.MsgStateSync) == 1 })

	// Participant's state-sync and control are never relayed.
	bob.send(t, model.Message{
		Type:  model.MsgStateSync,
		State: &model.TimerState{Kind: model.KindWork, SecondsLeft: 1},
	})
	bob.send(t, model.Message{Type: model.MsgControl, Action: model.ActionStart})
	time.Sleep(100 * time.Millisecond)
	if got := alice.countType(model.MsgStateSync) + alice.countType(model.MsgControl); got != 0 {
		t.Fatalf("host received %d messages from a non-host", got)
	}
}

func TestHostFailoverOnDisconnect(t *testing.T) {
	ts := newTestServer(t)
	alice := dialParticipant(t, ts, "KTX234", "a", "alice", true)
	bob := dialParticipant(t, ts, "KTX234", "b", "bob", false)
	carol := dialParticipant(t, ts, "KTX234", "c", "carol", false)
	waitFor(t, "full roster", func() bool { return len(carol.lastRoster()) == 3 })

	_ = alice.conn.Close()

	waitFor(t, "failover roster", func() bool {
		roster := carol.lastRoster()
		if len(roster) != 2 {
			return false
		}
		for _, p := range roster {
			if p.ID == "b" && p.IsHost {
				return true
			}
		}
		return false
	})

	// The promoted participant can now relay state.
	bob.send(t, model.Message{
		Type:  model.MsgStateSync,
		State: &model.TimerState{Kind: model.KindShortBreak, SecondsLeft: 300},
	})
	waitFor(t, "carol state-sync", func() bool { return carol.countType(model.MsgStateSync) == 1 })
}

func TestHostRejoinSurvivesStaleTeardown(t *testing.T) {
	ts := newTestServer(t)
	alice := dialParticipant(t, ts, "KTX234", "a", "alice", true)
	bob := dialParticipant(t, ts, "KTX234", "b", "bob", false)
	waitFor(t, "rosters", func() bool {
		return len(alice.lastRoster()) == 2 && len(bob.lastRoster()) == 2
	})

	// The host reconnects with the same id while its first connection
	// is still registered.
	alice2 := dialParticipant(t, ts, "KTX234", "a", "alice", true)
	waitFor(t, "rejoin roster", func() bool { return len(alice2.lastRoster()) == 2 })

	// The first connection is finally reaped; that must not evict the
	// rejoined host.
	_ = alice.conn.Close()
	time.Sleep(100 * time.Millisecond)

	roster := bob.lastRoster()
	if len(roster) != 2 {
		t.Fatalf("stale teardown shrank the roster:\n%s", spew.Sdump(roster))
	}
	hosts := 0
	for _, p := range roster {
		if p.IsHost {
			hosts++
			if p.ID != "a" {
				t.Fatalf("host moved away from the rejoined member:\n%s", spew.Sdump(roster))
			}
		}
	}
	if hosts != 1 {
		t.Fatalf("host count = %d, want 1:\n%s", hosts, spew.Sdump(roster))
	}

	// The rejoined connection still carries host authority.
	alice2.send(t, model.Message{
		Type:  model.MsgStateSync,
		State: &model.TimerState{Kind: model.KindWork, SecondsLeft: 600, Running: true},
	})
	waitFor(t, "bob state-sync", func() bool { return bob.countType(model.MsgStateSync) == 1 })
}

func TestTransferHostEndToEnd(t *testing.T) {
	ts := newTestServer(t)
	alice := dialParticipant(t, ts, "KTX234", "a", "alice", true)
	bob := dialParticipant(t, ts, "KTX234", "b", "bob", false)
	waitFor(t, "rosters", func() bool {
		return len(alice.lastRoster()) == 2 && len(bob.lastRoster()) == 2
	})

	alice.send(t, model.Message{Type: model.MsgTransferHost, NewHostID: "b"})

	waitFor(t, "transferred roster", func() bool {
		for _, p := range bob.lastRoster() {
			if p.ID == "b" && p.IsHost {
				return true
			}
		}
		return false
	})

	// Old host's control no longer reaches anyone.
	alice.send(t, model.Message{Type: model.MsgControl, Action: model.ActionPause})
	time.Sleep(100 * time.Millisecond)
	if got := bob.countType(model.MsgControl); got != 0 {
		t.Fatalf("demoted host relayed %d control messages", got)
	}

	// New host's control does.
	bob.send(t, model.Message{Type: model.MsgControl, Action: model.ActionStart})
	waitFor(t, "alice control", func() bool { return alice.countType(model.MsgControl) == 1 })
}
