// Package timer implements the pomodoro cycle: work sessions
// alternating with short breaks, a long break after every fourth
// completed work session.
package timer

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/treepo1/pomodoro-tui/internal/model"
)

const (
	defaultWorkDuration      = 25 * time.Minute
	defaultShortBreak        = 5 * time.Minute
	defaultLongBreak         = 15 * time.Minute
	defaultPomodorosPerCycle = 4
)

type Config struct {
	Logger *zerolog.Logger
	Clock  clockwork.Clock

	WorkDuration      time.Duration
	ShortBreak        time.Duration
	LongBreak         time.Duration
	PomodorosPerCycle int
}

// Timer owns the local timer state. While driven (participant mode) the
// autonomous countdown is suppressed and state moves only through
// SetState.
type Timer struct {
	logger zerolog.Logger
	clock  clockwork.Clock

	mu        sync.Mutex
	kind      string
	seconds   int
	running   bool
	completed int
	driven    bool

	workSec  int
	shortSec int
	longSec  int
	perCycle int

	onChange   func()
	onComplete func(kind string)

	stop     chan struct{}
	stopOnce sync.Once
}

func New(cfg Config) *Timer {
	if cfg.WorkDuration <= 0 {
		cfg.WorkDuration = defaultWorkDuration
	}
	if cfg.ShortBreak <= 0 {
		cfg.ShortBreak = defaultShortBreak
	}
	if cfg.LongBreak <= 0 {
		cfg.LongBreak = defaultLongBreak
	}
	if cfg.PomodorosPerCycle <= 0 {
		cfg.PomodorosPerCycle = defaultPomodorosPerCycle
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	t := &Timer{
		logger:   cfg.Logger.With().Str("component", "timer").Logger(),
		clock:    cfg.Clock,
		kind:     model.KindWork,
		seconds:  int(cfg.WorkDuration / time.Second),
		workSec:  int(cfg.WorkDuration / time.Second),
		shortSec: int(cfg.ShortBreak / time.Second),
		longSec:  int(cfg.LongBreak / time.Second),
		perCycle: cfg.PomodorosPerCycle,
		stop:     make(chan struct{}),
	}
	go t.run()
	return t
}

// OnChange registers a callback fired after every observable state
// change. Must be set before the timer is shared across goroutines.
func (t *Timer) OnChange(fn func()) { t.onChange = fn }

// OnComplete registers a callback fired when a session runs out
// naturally, with the kind that just finished.
func (t *Timer) OnComplete(fn func(kind string)) { t.onComplete = fn }

func (t *Timer) run() {
	ticker := t.clock.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-t.stop:
			return
		case <-ticker.Chan():
			t.tick()
		}
	}
}

func (t *Timer) tick() {
	t.mu.Lock()
	if !t.running || t.driven {
		t.mu.Unlock()
		return
	}
	t.seconds--
	var finished string
	if t.seconds <= 0 {
		finished = t.kind
		t.advanceLocked(true)
	}
	t.mu.Unlock()

	if finished != "" && t.onComplete != nil {
		t.onComplete(finished)
	}
	t.notify()
}

// advanceLocked moves to the next session in the cycle. natural is true
// when the current session ran out on its own; only natural work
// completions count toward the long break.
func (t *Timer) advanceLocked(natural bool) {
	if t.kind == model.KindWork {
		if natural {
			t.completed++
		}
		if t.completed > 0 && t.completed%t.perCycle == 0 && natural {
			t.kind = model.KindLongBreak
			t.seconds = t.longSec
		} else {
			t.kind = model.KindShortBreak
			t.seconds = t.shortSec
		}
	} else {
		t.kind = model.KindWork
		t.seconds = t.workSec
	}
	t.logger.Debug().Str("kind", t.kind).Int("seconds", t.seconds).Msg("session advanced")
}

func (t *Timer) notify() {
	if t.onChange != nil {
		t.onChange()
	}
}

func (t *Timer) Start() {
	t.mu.Lock()
	t.running = true
	t.mu.Unlock()
	t.notify()
}

func (t *Timer) Pause() {
	t.mu.Lock()
	t.running = false
	t.mu.Unlock()
	t.notify()
}

// Reset restores the current session to its full duration and pauses.
func (t *Timer) Reset() {
	t.mu.Lock()
	t.running = false
	t.seconds = t.durationLocked(t.kind)
	t.mu.Unlock()
	t.notify()
}

// Skip abandons the current session and moves to the next one without
// counting it as completed.
func (t *Timer) Skip() {
	t.mu.Lock()
	t.advanceLocked(false)
	t.mu.Unlock()
	t.notify()
}

func (t *Timer) durationLocked(kind string) int {
	switch kind {
	case model.KindShortBreak:
		return t.shortSec
	case model.KindLongBreak:
		return t.longSec
	}
	return t.workSec
}

// State returns the full snapshot.
func (t *Timer) State() model.TimerState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return model.TimerState{
		Kind:               t.kind,
		SecondsLeft:        t.seconds,
		Running:            t.running,
		CompletedPomodoros: t.completed,
	}
}

// SetState overwrites the snapshot wholesale. Used in participant mode
// to apply authoritative updates from the host.
func (t *Timer) SetState(s model.TimerState) {
	t.mu.Lock()
	t.kind = s.Kind
	t.seconds = s.SecondsLeft
	t.running = s.Running
	t.completed = s.CompletedPomodoros
	t.mu.Unlock()
	t.notify()
}

// SetDriven toggles participant mode: while driven the timer never
// advances on its own tick.
func (t *Timer) SetDriven(driven bool) {
	t.mu.Lock()
	t.driven = driven
	t.mu.Unlock()
}

// Close stops the tick loop. Idempotent.
func (t *Timer) Close() {
	t.stopOnce.Do(func() { close(t.stop) })
}
