package main

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/treepo1/pomodoro-tui/internal/config"
	"github.com/treepo1/pomodoro-tui/internal/model"
	"github.com/treepo1/pomodoro-tui/internal/session"
	"github.com/treepo1/pomodoro-tui/internal/timer"
)

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "pomodoro.yaml"
	}
	return filepath.Join(home, ".config", "pomodoro-tui", "config.yaml")
}

func main() {
	logger := zerolog.New(os.Stderr).With().Timestamp().Logger()

	fs := pflag.NewFlagSet("pomodoro", pflag.ContinueOnError)
	var (
		configPath = fs.StringP("config", "c", defaultConfigPath(), "config file path")
		server     = fs.StringP("server", "s", "", "relay server origin override")
		name       = fs.StringP("name", "n", "", "display name in group sessions")
		host       = fs.Bool("host", false, "host a new group session")
		join       = fs.StringP("join", "j", "", "join a group session by code")
		logLevel   = fs.StringP("log-level", "l", "warn", "log level")
	)
	if err := fs.Parse(os.Args[1:]); err != nil {
		logger.Fatal().Err(err).Msg("failed to parse command line arguments")
	}

	lvl, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to parse loglevel")
	}
	logger = logger.Level(lvl)

	cfg, err := config.LoadClient(*configPath, fs.Changed("config"))
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if *server != "" {
		cfg.Server = *server
	}
	if *name != "" {
		cfg.Name = *name
	}
	if cfg.Name == "" {
		cfg.Name = "anonymous"
	}

	clock := clockwork.NewRealClock()
	core := timer.New(timer.Config{
		Logger:            &logger,
		Clock:             clock,
		WorkDuration:      time.Duration(cfg.Timer.WorkMinutes) * time.Minute,
		ShortBreak:        time.Duration(cfg.Timer.ShortBreakMinutes) * time.Minute,
		LongBreak:         time.Duration(cfg.Timer.LongBreakMinutes) * time.Minute,
		PomodorosPerCycle: cfg.Timer.PomodorosPerCycle,
	})
	defer core.Close()

	mgr := session.New(session.Config{
		Logger:       &logger,
		Clock:        clock,
		Timer:        core,
		ServerOrigin: cfg.Server,
	})

	ui := &console{core: core, mgr: mgr, name: cfg.Name}
	core.OnChange(ui.render)
	core.OnComplete(func(kind string) {
		fmt.Printf("\n%s finished\n", kind)
	})
	mgr.OnConnection(func(s model.ConnState) {
		fmt.Printf("\n[%s]\n", s)
	})
	mgr.OnParticipants(func(ps []model.Participant) {
		ui.roster(ps)
	})
	mgr.OnHostChange(func(isHost bool) {
		if isHost {
			fmt.Println("\nyou are now the host")
		} else {
			fmt.Println("\nyou are now a participant")
		}
	})
	mgr.OnStateChange(ui.render)

	switch {
	case *host:
		if sessionCode, ok := mgr.StartHosting(cfg.Name); ok {
			fmt.Printf("session code: %s\n", sessionCode)
		}
	case *join != "":
		if !mgr.JoinSession(*join, cfg.Name) {
			logger.Fatal().Str("code", *join).Msg("invalid session code")
		}
	}

	ui.loop()
	mgr.Disconnect()
}

// console is the minimal line-oriented front; the full-screen TUI lives
// elsewhere.
type console struct {
	core *timer.Timer
	mgr  *session.Manager
	name string
}

func (c *console) render() {
	s := c.core.State()
	status := "paused"
	if s.Running {
		status = "running"
	}
	fmt.Printf("\r%-12s %02d:%02d  %s  (%d done) > ",
		s.Kind, s.SecondsLeft/60, s.SecondsLeft%60, status, s.CompletedPomodoros)
}

func (c *console) roster(ps []model.Participant) {
	fmt.Println("\nparticipants:")
	for _, p := range ps {
		marker := " "
		if p.IsHost {
			marker = "*"
		}
		self := ""
		if p.ID == c.mgr.SelfID() {
			self = " (you)"
		}
		fmt.Printf("  %s %s%s\n", marker, p.Name, self)
	}
}

func (c *console) loop() {
	fmt.Println("commands: start pause reset skip host join CODE transfer ID participants status quit")
	sc := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !sc.Scan() {
			return
		}
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 {
			continue
		}
		cmd, arg := fields[0], ""
		if len(fields) > 1 {
			arg = fields[1]
		}

		switch cmd {
		case "start", "pause", "reset", "skip":
			if c.mgr.Active() {
				c.mgr.SendControl(cmd)
			} else {
				c.applyLocal(cmd)
			}
		case "host":
			if sessionCode, ok := c.mgr.StartHosting(c.name); ok {
				fmt.Printf("session code: %s\n", sessionCode)
			} else {
				fmt.Println("already in a session")
			}
		case "join":
			if arg == "" {
				fmt.Println("usage: join CODE")
			} else if !c.mgr.JoinSession(arg, c.name) {
				fmt.Println("cannot join: invalid code or already in a session")
			}
		case "transfer":
			if arg == "" {
				fmt.Println("usage: transfer PARTICIPANT-ID")
			} else {
				c.mgr.TransferHost(arg)
			}
		case "leave":
			c.mgr.Disconnect()
		case "participants":
			c.roster(c.mgr.Participants())
		case "status":
			c.render()
			fmt.Println()
			if c.mgr.Active() {
				role := "participant"
				if c.mgr.IsHost() {
					role = "host"
				}
				fmt.Printf("session %s (%s)\n", c.mgr.Code(), role)
			}
		case "quit", "exit":
			return
		default:
			fmt.Printf("unknown command %q\n", cmd)
		}
	}
}

func (c *console) applyLocal(cmd string) {
	switch cmd {
	case "start":
		c.core.Start()
	case "pause":
		c.core.Pause()
	case "reset":
		c.core.Reset()
	case "skip":
		c.core.Skip()
	}
}
