// Package agent wires every subsystem into the single-threaded main loop:
// lobby session, battle room, moderation, voting, balancing, game launch
// and post-mortem reporting.
package agent

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/akoven/autohost/internal/archive"
	"github.com/akoven/autohost/internal/balance"
	"github.com/akoven/autohost/internal/battle"
	"github.com/akoven/autohost/internal/command"
	"github.com/akoven/autohost/internal/config"
	"github.com/akoven/autohost/internal/lobby"
	"github.com/akoven/autohost/internal/plugin"
	"github.com/akoven/autohost/internal/prefs"
	"github.com/akoven/autohost/internal/protocol"
	"github.com/akoven/autohost/internal/quit"
	"github.com/akoven/autohost/internal/skill"
	"github.com/akoven/autohost/internal/spring"
	"github.com/akoven/autohost/internal/store"
	"github.com/akoven/autohost/internal/users"
	"github.com/akoven/autohost/internal/vote"
)

// Stable process exit codes.
const (
	ExitOK         = 0
	ExitFailure    = 1
	ExitUsage      = 2
	ExitConfig     = 3
	ExitDependency = 4
	ExitConflict   = 16
	ExitInputData  = 17
	ExitSystem     = 32
	ExitBug        = 33
	ExitDenied     = 48
	ExitCert       = 49
	ExitLogin      = 50
)

const tickInterval = 500 * time.Millisecond

// Agent is the autonomous host. All fields are owned by the main loop.
type Agent struct {
	log  *logrus.Logger
	cfg  config.Config
	tree *config.Tree

	client *lobby.Client
	room   *battle.Room

	users  *users.Store
	bans   *users.BanStore
	prefs  *prefs.Store
	flood  *prefs.FloodGuard
	skills *skill.Bridge

	// userSkills caches the effective skill per online player.
	userSkills map[string]*skill.UserSkill

	votes   *vote.Engine
	disp    *command.Dispatcher
	rpc     *command.RPCFacade
	plugins *plugin.Registry

	launcher *spring.Launcher
	sock     *spring.AutohostSocket
	tracker  *spring.Tracker

	loader *archive.Loader
	maps   map[string]*archive.MapInfo
	mod    *archive.ModInfo
	ghosts *archive.GhostMaps

	db    *store.DB
	queue *store.ReportQueue

	intent quit.Intent

	// tasks is the completion queue for forked work; each function runs on
	// the main loop in FIFO order.
	tasks chan func()

	balanceTarget map[string]balance.Assignment
	colorTarget   map[int]balance.Color
	needRebalance bool
	launchPending bool

	// notifyOnEnd lists users who asked for a ping when the game ends.
	notifyOnEnd []string

	loginAttempts int
	lastPurge     time.Time

	exitCode int
	restart  bool
	stopped  bool
}

// New assembles an agent from the loaded configuration. External backends
// (Postgres, redis) are optional and connected best-effort.
func New(ctx context.Context, log *logrus.Logger, cfg config.Config) (*Agent, error) {
	tree, err := cfg.SeedTree()
	if err != nil {
		return nil, err
	}

	a := &Agent{
		log:        log,
		cfg:        cfg,
		tree:       tree,
		userSkills: make(map[string]*skill.UserSkill),
		maps:       make(map[string]*archive.MapInfo),
		tasks:      make(chan func(), 64),
		lastPurge:  time.Now(),
	}

	a.users = users.NewStore(log,
		tree.GetInt(config.ScopeGlobal, "accountRetentionDays", 30),
		tree.GetInt(config.ScopeGlobal, "ipRetentionDays", 30))
	a.bans = users.NewBanStore()
	a.prefs = prefs.NewStore(a.prefDefault)
	a.flood = prefs.NewFloodGuard(a.floodLimits())
	a.plugins = plugin.NewRegistry(log)

	queues := lobby.NewQueues(cfg.Lobby.MaxBytesSent, cfg.Lobby.MaxLowPrioBytesSent,
		time.Duration(cfg.Lobby.SendRecordPeriod)*time.Second)
	trustPath := filepath.Join(cfg.VarDir, config.TrustStoreName)
	a.client = lobby.NewClient(log, lobby.Config{
		Host:           cfg.Lobby.Host,
		Port:           cfg.Lobby.Port,
		TLS:            cfg.Lobby.TLS,
		ReconnectDelay: cfg.Lobby.ReconnectDelay,
		FollowRedirect: cfg.Lobby.FollowRedirect,
		TrustedCerts:   cfg.Lobby.TrustedCerts,
		TrustOnConnect: cfg.Lobby.TrustOnConnect,
		PersistTrust: func(host, hash string) {
			if err := config.AddTrustedCert(trustPath, host, hash); err != nil {
				log.WithError(err).Warn("trusted certificate not persisted")
			}
		},
	}, queues)

	a.room = battle.NewRoom(log, a.client.Send, cfg.Lobby.Login)

	a.db, err = store.Connect(ctx, log)
	if err != nil {
		log.WithError(err).Warn("database unavailable, continuing without persistence")
	}
	a.queue, err = store.ConnectReportQueue(ctx, log, cfg.Hosting.ReportQueue)
	if err != nil {
		log.WithError(err).Warn("report queue unavailable, continuing without reporting")
	}

	var cache *skill.Cache
	if a.queue != nil {
		cache = skill.NewCache(log, a.queue.Client(), 6*time.Hour)
	}
	a.skills = skill.NewBridge(log, cfg.Hosting.SkillBot, func(to, msg string) {
		a.client.SendLow("SAYPRIVATE", to, msg)
	}, cache)
	a.skills.OnResult = a.onSkillResult

	a.votes = vote.NewEngine(log, a.voteCallbacks())
	a.loader = archive.NewLoader(log, cfg.Spring.DataDirs, cfg.InstanceDir)
	a.launcher = spring.NewLauncher(log, cfg.Spring.Binary, cfg.InstanceDir,
		filepath.Join(cfg.LogDir, "spring.log"))
	a.launcher.Broadcast = a.SayBattle
	a.launcher.CancelVote = a.votes.Cancel
	a.launcher.SetOnExit(func(st spring.ExitStatus) {
		a.tasks <- func() { a.onGameExit(st) }
	})

	ghostPath := filepath.Join(cfg.VarDir, "ghostMaps.json")
	a.ghosts, err = archive.LoadGhostMaps(ghostPath)
	if err != nil {
		log.WithError(err).Warn("ghost map table unreadable, starting empty")
		a.ghosts, _ = archive.LoadGhostMaps(filepath.Join(os.TempDir(), "ghostMaps.json"))
	}

	a.setupDispatcher()
	a.setupRPC()
	a.registerLobbyHandlers()
	a.loadPersisted(ctx)
	return a, nil
}

// Plugins exposes the registry for embedders to register extensions before
// Run.
func (a *Agent) Plugins() *plugin.Registry { return a.plugins }

// loadPersisted restores accounts, prefs and bans from the database.
func (a *Agent) loadPersisted(ctx context.Context) {
	if a.db == nil {
		return
	}
	if err := a.db.LoadAccounts(ctx, func(key string, names, ips map[string]time.Time) {
		a.users.ImportAccount(&users.Account{Key: key, Names: names, IPs: ips})
	}); err != nil {
		a.log.WithError(err).Warn("account restore failed")
	}
	if err := a.db.LoadPrefs(ctx, func(key string, values map[string]string) {
		a.prefs.Import(key, values)
	}); err != nil {
		a.log.WithError(err).Warn("preference restore failed")
	}
	var global, specific, dynamic []*users.Ban
	if err := a.db.LoadBans(ctx, func(list string, ban *users.Ban) {
		switch list {
		case "global":
			global = append(global, ban)
		case "specific":
			specific = append(specific, ban)
		default:
			dynamic = append(dynamic, ban)
		}
	}); err != nil {
		a.log.WithError(err).Warn("ban restore failed")
	}
	a.bans.SetGlobal(global)
	a.bans.SetSpecific(specific)
	for _, b := range dynamic {
		a.bans.Add(b)
	}
}

// Run drives the main loop until shutdown. The returned values are the
// process exit code and whether a re-exec restart was requested.
func (a *Agent) Run(ctx context.Context) (int, bool) {
	if err := a.client.Connect(); err != nil {
		a.log.WithError(err).Error("initial lobby connection failed")
		if err == lobby.ErrCertificate {
			return ExitCert, false
		}
	}
	a.startArchiveLoad(archive.ModeFull)

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for !a.stopped {
		select {
		case <-ctx.Done():
			a.shutdown(ExitOK)
		case line, ok := <-a.client.Lines:
			if ok {
				a.client.Dispatch(line)
			}
		case err := <-a.client.ReadErrs:
			a.onLobbyLost(err)
		case res := <-a.loader.Done:
			a.loader.Finish()
			a.onArchiveLoaded(res)
		case task := <-a.tasks:
			task()
		case ev, ok := <-a.autohostEvents():
			if ok && a.tracker != nil {
				a.tracker.Handle(ev)
			}
		case <-ticker.C:
			a.tick()
		}
	}
	a.cleanup()
	return a.exitCode, a.restart
}

// autohostEvents returns the live event channel or a nil channel (blocks
// forever) when no game is running.
func (a *Agent) autohostEvents() chan protocol.AutohostEvent {
	if a.sock == nil {
		return nil
	}
	return a.sock.Events
}

// tick is the 500ms housekeeping pass.
func (a *Agent) tick() {
	now := time.Now()

	if a.client.State() == lobby.Disconnected {
		due, err := a.client.ReconnectDue()
		if err != nil {
			a.shutdown(ExitDenied)
			return
		}
		if due {
			if err := a.client.Connect(); err == lobby.ErrCertificate {
				a.shutdown(ExitCert)
				return
			}
		}
	}
	if err := a.client.Tick(); err != nil {
		a.onLobbyLost(err)
	}

	a.votes.Tick(a.gameRunning())

	if a.room.Opened {
		a.room.Tick(a.policyConfig(), a.policyHooks())
		a.autoApplyBalance()
	}

	if a.tracker != nil {
		a.tracker.Tick()
	}
	a.skills.Tick(a.room.GameTypeNow(), a.rankOf)

	if now.Sub(a.lastPurge) >= time.Hour {
		a.flood.Purge()
		a.users.Purge()
		a.bans.PruneExpired()
		a.lastPurge = now
	}

	a.evaluateQuit()
}

// shutdown records the exit disposition and stops the loop at the end of
// the current iteration.
func (a *Agent) shutdown(code int) {
	if a.exitCode == 0 {
		a.exitCode = code
	}
	a.stopped = true
}

func (a *Agent) cleanup() {
	if a.room.Opened {
		a.room.Close()
	}
	if a.client.State() != lobby.Disconnected {
		a.client.Send("EXIT")
		a.client.Disconnect()
	}
	if a.sock != nil {
		a.sock.Close()
	}
	a.queue.Close()
	a.db.Close()
}

// evaluateQuit executes a pending quit/restart intent once its condition
// holds and no blocking work is in flight.
func (a *Agent) evaluateQuit() {
	if !a.intent.Pending() || a.loader.Busy() || a.launchPending {
		return
	}
	if !a.intent.ShouldExecute(a.gameRunning(), len(a.room.Players()), a.room.ClientCount()) {
		return
	}
	a.restart = a.intent.Action == quit.ActionRestart
	a.shutdown(a.intent.ExitCode)
}

// gameRunning is true from spawn to reaped exit.
func (a *Agent) gameRunning() bool { return a.launcher.Running() }

// Say answers a user where they asked: private for pv sources, battle room
// otherwise.
func (a *Agent) Say(source, user, msg string) {
	if source == vote.SourcePrivate || source == "" {
		a.client.SendLow("SAYPRIVATE", user, msg)
		return
	}
	a.SayBattle(msg)
}

// SayBattle broadcasts to the battle room.
func (a *Agent) SayBattle(msg string) {
	if a.room.Opened {
		a.client.Send("SAYBATTLEEX", msg)
	}
}

// accessLevel resolves the static level rules, first match wins.
// Auth-gated rules only apply after a successful !auth.
func (a *Agent) accessLevel(name string) int {
	acct := ""
	if u, online := a.users.Get(name); online {
		acct = strconv.Itoa(u.AccountID)
	}
	return config.ResolveLevel(a.cfg.Levels, name, acct, a.prefs.Authenticated(name))
}

// effectiveLevel folds in plugin overrides.
func (a *Agent) effectiveLevel(name string) int {
	lvl := a.accessLevel(name)
	if p := a.plugins.AccessLevel(name); p > lvl {
		lvl = p
	}
	return lvl
}

// prefDefault supplies settings-tree fallbacks for unset preferences.
func (a *Agent) prefDefault(key string) string {
	switch key {
	case "ringDelay":
		return a.tree.Get(config.ScopeGlobal, "ringDelay")
	case "spoofProtection":
		return a.tree.Get(config.ScopeGlobal, "spoofProtection")
	case "skillMode":
		return a.tree.Get(config.ScopeGlobal, "skillMode")
	case "rankMode":
		return a.tree.Get(config.ScopeGlobal, "rankMode")
	case "voteMode":
		return a.tree.Get(config.ScopeGlobal, "voteMode")
	case "autoSetVoteMode":
		return a.tree.Get(config.ScopeGlobal, "autoSetVoteMode")
	case "ircColors":
		return a.tree.Get(config.ScopeGlobal, "ircColors")
	}
	return ""
}

func (a *Agent) floodLimits() prefs.FloodLimits {
	lim := prefs.FloodLimits{
		MsgThreshold: 8, MsgWindow: 2 * time.Second,
		StatusThreshold: 8, StatusWindow: 20 * time.Second,
		KickThreshold: 3, KickWindow: 120 * time.Second,
		CmdThreshold: 8, CmdWindow: 30 * time.Second,
		RPCThreshold: 10, RPCWindow: 10 * time.Second,
	}
	parse2 := func(name string, count *int, span *time.Duration) {
		v := a.tree.Get(config.ScopeGlobal, name)
		parts := strings.Split(v, ";")
		if len(parts) >= 2 {
			if c, err := strconv.Atoi(parts[0]); err == nil {
				*count = c
			}
			if s, err := strconv.Atoi(parts[1]); err == nil {
				*span = time.Duration(s) * time.Second
			}
		}
	}
	parse2("msgFloodLimit", &lim.MsgThreshold, &lim.MsgWindow)
	parse2("statusFloodLimit", &lim.StatusThreshold, &lim.StatusWindow)
	parse2("kickFloodLimit", &lim.KickThreshold, &lim.KickWindow)
	parse2("cmdFloodLimit", &lim.CmdThreshold, &lim.CmdWindow)
	parse2("rpcFloodLimit", &lim.RPCThreshold, &lim.RPCWindow)
	if m := a.tree.GetInt(config.ScopeGlobal, "autoBanMinutes", 5); m > 0 {
		lim.AutoBan = time.Duration(m) * time.Minute
	}
	if m := a.tree.GetInt(config.ScopeGlobal, "ignoreMinutes", 5); m > 0 {
		lim.Ignore = time.Duration(m) * time.Minute
	}
	return lim
}

// rankOf is the degraded-skill input for the skill bridge.
func (a *Agent) rankOf(name string) int {
	if u, ok := a.users.Get(name); ok {
		return u.Status.Rank
	}
	return 0
}

// startArchiveLoad kicks a loader run unless one is in flight.
func (a *Agent) startArchiveLoad(mode string) {
	if a.loader.Busy() {
		return
	}
	if err := a.loader.Start(mode, a.cfg.Hosting.ModName, a.maps); err != nil {
		a.log.WithError(err).Warn("archive load not started")
	}
}

// onArchiveLoaded is the loader's completion callback on the main loop.
func (a *Agent) onArchiveLoaded(res archive.Result) {
	if res.Err != nil {
		a.log.WithError(res.Err).Error("archive load failed")
		if a.mod == nil {
			// no mod resolved yet: the battle cannot open
			a.SayBattle(fmt.Sprintf("Archive load failed: %v", res.Err))
		}
		return
	}
	if res.Maps != nil {
		a.maps = res.Maps
		a.maps = applyGhosts(a.maps, a.ghosts, a.tree.GetBool(config.ScopeGlobal, "ghostMaps"), a.cfg.Hosting.Map)
	}
	a.mod = res.Mod
	a.log.WithFields(logrus.Fields{"mod": a.mod.Name, "maps": len(a.maps)}).Info("archives ready")

	if a.client.State() == lobby.Synchronized && !a.room.Opened {
		a.openBattle()
	}
}

// applyGhosts adds ghost entries for configured maps that are not local.
func applyGhosts(maps map[string]*archive.MapInfo, ghosts *archive.GhostMaps, enabled bool, configured string) map[string]*archive.MapInfo {
	if !enabled || configured == "" {
		return maps
	}
	if _, ok := maps[configured]; !ok {
		if entry, ok := ghosts.Entry(configured); ok {
			maps[configured] = entry
		}
	}
	return maps
}

// onLobbyLost handles a dropped connection: clear session state, keep the
// battle description for the rehost after reconnect.
func (a *Agent) onLobbyLost(err error) {
	if a.client.State() == lobby.Disconnected {
		return
	}
	a.log.WithError(err).Warn("lobby connection lost")
	a.client.Disconnect()
	a.votes.Cancel("lobby connection lost")
	a.room.Opened = false
	a.plugins.OnLobbyDisconnected()
}
