// app.go
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	logging "github.com/ipfs/go-log/v2"

	"github.com/trezcool/masomo-live/internal/api"
	"github.com/trezcool/masomo-live/internal/call"
	"github.com/trezcool/masomo-live/internal/chat"
	"github.com/trezcool/masomo-live/internal/config"
	"github.com/trezcool/masomo-live/internal/proto"
	"github.com/trezcool/masomo-live/internal/session"
	"github.com/trezcool/masomo-live/internal/store"
)

var log = logging.Logger("masomo")

// App wires config, credentials, the media engine and one Session for a
// CLI run.
type App struct {
	ctx    context.Context
	cancel context.CancelFunc

	cfgPath  string
	cfg      config.Config
	env      config.Env
	logLevel string

	api     *api.Client
	engine  *call.PionEngine
	sess    *session.Session
	watcher *config.Watcher

	out   io.Writer
	outMu sync.Mutex
}

// NewApp creates an App. logLevel is the --log-level flag; it wins over
// the environment and the config file, including on reload.
func NewApp(cfgPath string, cfg config.Config, env config.Env, logLevel string) *App {
	return &App{cfgPath: cfgPath, cfg: cfg, env: env, logLevel: logLevel, out: os.Stdout}
}

// applyOverrides layers the environment, then the flag, onto cfg.
func applyOverrides(cfg *config.Config, env config.Env, logLevel string) {
	env.Apply(cfg)
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
}

// startup authenticates and builds the session. The token comes from the
// environment, refreshed when the server allows it, or from a login with
// the environment's credentials.
func (a *App) startup(ctx context.Context) error {
	a.ctx, a.cancel = context.WithCancel(ctx)

	a.api = api.NewClient(a.cfg.Server.APIBase)
	switch {
	case a.env.Token != "":
		a.api.SetToken(a.env.Token)
		if _, err := a.api.RefreshToken(a.ctx); err != nil {
			if errors.Is(err, api.ErrUnauthorized) {
				return fmt.Errorf("%s_TOKEN rejected: %w", config.EnvPrefix, err)
			}
			log.Warnf("[masomo] keeping the supplied token: %v", err)
		}
	case a.env.HasCredentials():
		if _, err := a.api.Login(a.ctx, a.env.Username, a.env.Password); err != nil {
			return err
		}
	default:
		return fmt.Errorf("set %s_TOKEN or %s_USERNAME and %s_PASSWORD", config.EnvPrefix, config.EnvPrefix, config.EnvPrefix)
	}

	engine, err := call.NewPionEngine(engineConfig(a.cfg))
	if err != nil {
		return fmt.Errorf("media engine: %w", err)
	}
	a.engine = engine

	sess, err := session.New(session.Options{
		Config: a.cfg,
		Tokens: a.api,
		Reads:  a.api,
		Rooms:  a.api,
		Media:  engine,
		Peers:  engine,
	})
	if err != nil {
		return err
	}
	a.sess = sess

	if a.cfgPath != "" {
		w, err := config.Watch(a.cfgPath, a.onConfigChange)
		if err != nil {
			log.Warnf("[masomo] config reload disabled: %v", err)
		} else {
			a.watcher = w
		}
	}
	return nil
}

func (a *App) shutdown() {
	if a.watcher != nil {
		a.watcher.Close()
	}
	if a.sess != nil {
		a.sess.Close()
	}
	if a.cancel != nil {
		a.cancel()
	}
}

// onConfigChange applies the parts of a reloaded config that can change
// without reconnecting: ICE servers for the next call and the log level.
func (a *App) onConfigChange(cfg config.Config) {
	if a.engine != nil {
		a.engine.UpdateICEServers(cfg.Call.WebRTCICEServers())
	}
	applyOverrides(&cfg, a.env, a.logLevel)
	a.cfg = cfg
	if err := setLogLevel(cfg.Log.Level); err != nil {
		log.Warnf("[masomo] %v", err)
	}
}

func engineConfig(cfg config.Config) call.EngineConfig {
	ec := call.DefaultEngineConfig()
	ec.ICEServers = cfg.Call.WebRTCICEServers()
	ec.DisconnectedTimeout = secs(cfg.Call.ICEDisconnectedSec)
	ec.FailedTimeout = secs(cfg.Call.ICEFailedSec)
	ec.KeepAliveInterval = secs(cfg.Call.ICEKeepAliveSec)
	ec.VideoWidth = cfg.Call.VideoWidth
	ec.VideoHeight = cfg.Call.VideoHeight
	ec.VideoBitrate = cfg.Call.VideoBitrate
	return ec
}

func (a *App) printf(format string, args ...any) {
	a.outMu.Lock()
	fmt.Fprintf(a.out, format, args...)
	a.outMu.Unlock()
}

// scanLines feeds the lines of in to the returned channel, closing it at
// EOF.
func scanLines(in io.Reader) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()
	return lines
}

// runNotify streams notifications for userID until interrupted. A stdin
// line marks that notification id read, or every one with "all".
func (a *App) runNotify(userID string, in io.Reader) error {
	st := a.sess.Store()
	changes, cancel := st.Subscribe()
	defer cancel()

	if err := a.sess.Start(userID); err != nil {
		return err
	}
	lines := scanLines(in)
	seen := map[string]bool{}
	for {
		select {
		case <-a.ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				lines = nil
				continue
			}
			if err := a.markRead(strings.TrimSpace(line)); err != nil {
				a.printf("! %v\n", err)
			}
		case c, ok := <-changes:
			if !ok {
				return nil
			}
			if err := a.checkAuth(c); err != nil {
				return err
			}
			if c.Kind != store.ChangeNotifications {
				continue
			}
			for _, n := range st.Notifications() {
				if seen[n.ID] {
					continue
				}
				seen[n.ID] = true
				a.printf("[%s] %s (%d unread)\n", fmtMillis(n.CreatedAt), n.Message, st.UnreadCount())
			}
		}
	}
}

func (a *App) markRead(id string) error {
	switch id {
	case "":
		return nil
	case "all":
		return a.sess.MarkAllNotificationsRead(a.ctx)
	default:
		return a.sess.MarkNotificationRead(a.ctx, id)
	}
}

// runChat joins roomID, prints the room and sends every stdin line.
// "/from <user-id>" lists what that participant said instead.
func (a *App) runChat(roomID string, in io.Reader) error {
	st := a.sess.Store()
	changes, cancel := st.Subscribe()
	defer cancel()

	if err := a.sess.EnterRoom(a.ctx, roomID); err != nil {
		return err
	}
	defer a.sess.LeaveRoom()
	if info, ok := a.sess.RoomInfo(); ok && info.Name != "" {
		a.printf("-- %s (%s)\n", info.Name, strings.ToLower(string(info.Type)))
	}

	lines := scanLines(in)

	printed := 0
	for {
		select {
		case <-a.ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if sender, ok := strings.CutPrefix(line, "/from "); ok {
				for _, m := range st.MessagesFrom(roomID, strings.TrimSpace(sender)) {
					a.printf("  [%s] %s: %s\n", fmtMillis(m.Timestamp), m.SenderName, m.Body)
				}
				continue
			}
			if err := a.sess.SendChat(line); err != nil && !errors.Is(err, chat.ErrEmptyMessage) {
				a.printf("! %v\n", err)
			}
		case c, ok := <-changes:
			if !ok {
				return nil
			}
			if err := a.checkAuth(c); err != nil {
				return err
			}
			switch c.Kind {
			case store.ChangeMessages:
				msgs := st.Messages(roomID)
				for _, m := range msgs[min(printed, len(msgs)):] {
					a.printf("[%s] %s: %s\n", fmtMillis(m.Timestamp), m.SenderName, m.Body)
				}
				printed = len(msgs)
			case store.ChangeConnection:
				if c.Purpose == proto.PurposeChat {
					a.printf("-- chat %s\n", st.Connection(proto.PurposeChat, roomID))
				}
			case store.ChangeTyping:
				if t := st.Typists(roomID); len(t) > 0 {
					names := make([]string, len(t))
					for i, p := range t {
						names[i] = p.Name
					}
					a.printf("-- %s typing\n", strings.Join(names, ", "))
				}
			}
		}
	}
}

// runCall calls callee in roomID, or with callee empty waits for an
// incoming call and answers it. It returns when the call ends.
func (a *App) runCall(roomID string, callee proto.ID) error {
	st := a.sess.Store()
	changes, cancel := st.Subscribe()
	defer cancel()

	if err := a.sess.EnterRoom(a.ctx, roomID); err != nil {
		return err
	}
	defer a.sess.LeaveRoom()

	if callee != "" {
		if err := a.sess.StartCall(a.ctx, callee); err != nil {
			return err
		}
	} else {
		a.printf("-- waiting for a call in room %s\n", roomID)
	}

	started := callee != ""
	for {
		select {
		case <-a.ctx.Done():
			a.sess.EndCall()
			return nil
		case c, ok := <-changes:
			if !ok {
				return nil
			}
			if err := a.checkAuth(c); err != nil {
				return err
			}
			switch c.Kind {
			case store.ChangeCallError:
				return errors.New(st.CallError())
			case store.ChangeCall:
				v := st.Call()
				switch v.Phase {
				case call.PhaseIncomingRinging:
					if started {
						continue
					}
					a.printf("-- %s is calling, answering\n", v.PeerName)
					started = true
					if err := a.sess.AnswerCall(a.ctx); err != nil {
						return err
					}
				case call.PhaseEnded:
					a.printf("-- call ended after %s: %s\n", v.Duration, v.Reason)
				case call.PhaseIdle:
					if started {
						return nil
					}
				default:
					a.printf("-- %s %s (%s, %d packets in)\n", v.Phase, v.PeerID, v.Duration, v.Remote.Packets)
				}
			}
		}
	}
}

func (a *App) checkAuth(c store.Change) error {
	if c.Kind == store.ChangeAuth {
		return fmt.Errorf("%s connection rejected: token invalid or expired", c.Purpose)
	}
	return nil
}
