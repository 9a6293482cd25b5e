package spring

import (
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/akoven/autohost/internal/protocol"
)

// Engine server phases derived from autohost events.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseWaitingForReady
	PhasePlaying
	PhaseOver
)

// GamePlayer is one frozen participant of a RunningGame.
type GamePlayer struct {
	Name      string
	AccountID int
	LobbyIP   string
	GameIP    string
	Number    int // in-game player number, learned from PLAYER_JOINED
	Team      int // script team, -1 for spectators
	AllyTeam  int
	Connected bool
	Ready     bool
	Left      bool
}

// GameBot is one frozen AI participant.
type GameBot struct {
	Name     string
	Owner    string
	Team     int
	AllyTeam int
}

// RunningGame is the immutable snapshot frozen at launch. Post-launch room
// changes never touch it.
type RunningGame struct {
	ID        uuid.UUID
	Engine    string
	GameName  string
	Map       string
	Type      string
	Structure string // e.g. "2x5"
	StartedAt time.Time

	Players map[string]*GamePlayer
	Bots    []GameBot
	// TeamAlly maps script team number to allyteam number.
	TeamAlly map[int]int
}

// NewRunningGame freezes a snapshot.
func NewRunningGame(engine, gameName, mapName, gameType, structure string) *RunningGame {
	return &RunningGame{
		ID:        uuid.New(),
		Engine:    engine,
		GameName:  gameName,
		Map:       mapName,
		Type:      gameType,
		Structure: structure,
		StartedAt: time.Now(),
		Players:   make(map[string]*GamePlayer),
		TeamAlly:  make(map[int]int),
	}
}

func (g *RunningGame) byNumber(n int) *GamePlayer {
	for _, p := range g.Players {
		if p.Number == n {
			return p
		}
	}
	return nil
}

// TrackerHooks connect in-game events back to the agent.
type TrackerHooks struct {
	Broadcast  func(msg string)
	SayBattle  func(name, msg string)
	Command    func(name, line string) // !cmd from in-game chat, source=game
	SpoofCheck func(name, gameIP string)
	RecheckBan func(name, gameIP string)
	// ForceStartVotePending reports a pending forcestart vote; CancelVote
	// cancels it before the automatic /forcestart fires.
	ForceStartVotePending func() bool
	CancelVote            func(reason string)
	OnFinished            func(report GameDataReport)
	OnCrash               func(status ExitStatus)
}

// Tracker consumes autohost events for one RunningGame. Main loop only.
type Tracker struct {
	log   *logrus.Logger
	game  *RunningGame
	hooks TrackerHooks

	// SendLine writes a chat/command line to the engine's autohost port.
	SendLine func(line string) error

	phase        Phase
	startPosType int
	hasAI        bool
	autoForceAt  time.Time // zero until armed
	forceStarted bool
	cheating     bool

	teamStats   map[int]*protocol.TeamStats // latest frame per team
	overReports map[int][]int               // reporter player number -> winners
	endedAt     time.Time

	// premature exit: process died while the game looked active
	prematureAt time.Time

	// lastConnIP holds the address of the latest "Connection attempt from"
	// message until the matching connection-established line arrives.
	lastConnIP string

	now func() time.Time
}

// NewTracker starts tracking a freshly launched game.
func NewTracker(log *logrus.Logger, game *RunningGame, startPosType int, hasAI bool, hooks TrackerHooks) *Tracker {
	return &Tracker{
		log:          log,
		game:         game,
		hooks:        hooks,
		startPosType: startPosType,
		hasAI:        hasAI,
		phase:        PhaseIdle,
		teamStats:    make(map[int]*protocol.TeamStats),
		overReports:  make(map[int][]int),
		now:          time.Now,
	}
}

// Game returns the frozen snapshot.
func (t *Tracker) Game() *RunningGame { return t.game }

// Phase returns the current engine phase.
func (t *Tracker) Phase() Phase { return t.phase }

// Handle translates one decoded autohost event.
func (t *Tracker) Handle(ev protocol.AutohostEvent) {
	switch ev.Code {
	case protocol.EvServerStarted:
		t.phase = PhaseWaitingForReady
	case protocol.EvServerStartPlaying:
		t.phase = PhasePlaying
	case protocol.EvServerGameOver:
		t.phase = PhaseOver
		t.overReports[ev.Player] = ev.Winners
	case protocol.EvServerQuit:
		t.finish()
	case protocol.EvServerMessage:
		t.serverMessage(ev.Text)
	case protocol.EvServerWarning:
		t.log.WithField("warning", ev.Text).Warn("engine warning")
	case protocol.EvPlayerJoined:
		t.playerJoined(ev.Player, ev.Text)
	case protocol.EvPlayerLeft:
		if p := t.game.byNumber(ev.Player); p != nil {
			p.Left = true
			p.Connected = false
		}
	case protocol.EvPlayerReady:
		if p := t.game.byNumber(ev.Player); p != nil {
			p.Ready = ev.Text != "0"
			t.maybeArmForceStart()
		}
	case protocol.EvPlayerDefeated:
		// informational; team elimination is derived from GAME_TEAMSTAT
	case protocol.EvPlayerChat:
		t.playerChat(ev)
	case protocol.EvGameTeamStat:
		if ev.Stats != nil {
			t.teamStats[ev.Stats.Team] = ev.Stats
		}
	}
}

func (t *Tracker) playerJoined(num int, name string) {
	p, ok := t.game.Players[name]
	if !ok {
		return
	}
	p.Number = num
	p.Connected = true
	t.maybeArmForceStart()
}

// maybeArmForceStart arms the automatic /forcestart timer once every
// expected player is connected and ready; only with startpostype 2 and no
// AI, since otherwise the engine handles placement itself.
func (t *Tracker) maybeArmForceStart() {
	if !t.autoForceAt.IsZero() || t.startPosType != 2 || t.hasAI {
		return
	}
	for _, p := range t.game.Players {
		if p.Team >= 0 && !p.Left && (!p.Connected || !p.Ready) {
			return
		}
	}
	t.autoForceAt = t.now()
}

// Tick drives the timers: the 5s auto-forcestart delay and the premature
// exit grace period.
func (t *Tracker) Tick() {
	if !t.autoForceAt.IsZero() && !t.forceStarted &&
		t.phase == PhaseWaitingForReady && t.now().Sub(t.autoForceAt) >= 5*time.Second {
		if t.hooks.ForceStartVotePending != nil && t.hooks.ForceStartVotePending() {
			if t.hooks.CancelVote != nil {
				t.hooks.CancelVote("game is starting")
			}
		}
		t.forceStarted = true
		if t.SendLine != nil {
			if err := t.SendLine("/forcestart"); err != nil {
				t.log.WithError(err).Warn("forcestart send failed")
			}
		}
		if t.hooks.Broadcast != nil {
			t.hooks.Broadcast("Forcing game start (all players ready)")
		}
	}
	if !t.prematureAt.IsZero() && t.now().Sub(t.prematureAt) >= 5*time.Second {
		t.prematureAt = time.Time{}
		t.finish()
	}
}

// ProcessExited records the child's death. A clean exit after SERVER_QUIT
// needs no action; a death while the game still looked active starts the
// 5s grace window before the crash path cleans up.
func (t *Tracker) ProcessExited(status ExitStatus) {
	if status.Class() == ExitCrash {
		if t.hooks.OnCrash != nil {
			t.hooks.OnCrash(status)
		}
		if t.hooks.Broadcast != nil {
			t.hooks.Broadcast("Spring crashed ! (running time: " + formatDuration(t.now().Sub(t.game.StartedAt)) + ")")
		}
		t.finish()
		return
	}
	if status.Class() == ExitSyncErrors {
		t.log.Warn("game exited with sync errors")
	}
	if t.phase != PhaseOver && t.endedAt.IsZero() {
		t.prematureAt = t.now()
		return
	}
	if t.endedAt.IsZero() {
		t.finish()
	}
}

const (
	connAttemptPrefix     = "Connection attempt from "
	connEstablishedPrefix = " -> Connection established (given id "
)

func (t *Tracker) serverMessage(msg string) {
	// The engine announces a connecting address first, then confirms with
	// "<name> -> Connection established (given id N)". The learned in-game
	// IP feeds spoof protection and the in-game ban recheck.
	if rest, ok := strings.CutPrefix(msg, connAttemptPrefix); ok {
		t.lastConnIP = parseAddr(rest)
		return
	}
	if i := strings.Index(msg, connEstablishedPrefix); i > 0 {
		name := strings.TrimSpace(msg[:i])
		p, ok := t.game.Players[name]
		if !ok {
			t.lastConnIP = ""
			return
		}
		rest := msg[i+len(connEstablishedPrefix):]
		if j := strings.IndexByte(rest, ')'); j > 0 {
			if n, err := strconv.Atoi(rest[:j]); err == nil {
				p.Number = n
			}
			// some engine builds append the address to this line instead
			if tail, ok := strings.CutPrefix(rest[j+1:], " from "); ok {
				if ip := parseAddr(tail); ip != "" {
					p.GameIP = ip
				}
			}
		}
		if p.GameIP == "" {
			p.GameIP = t.lastConnIP
		}
		t.lastConnIP = ""
		if t.hooks.SpoofCheck != nil {
			t.hooks.SpoofCheck(name, p.GameIP)
		}
		if t.hooks.RecheckBan != nil {
			t.hooks.RecheckBan(name, p.GameIP)
		}
		return
	}
	if strings.Contains(msg, "Cheating is enabled") || strings.Contains(msg, "Cheating!") {
		t.cheating = true
	}
}

// parseAddr extracts the bare IP out of "ip" or "ip:port"; anything else
// (some engines log the player name here) yields "".
func parseAddr(s string) string {
	s = strings.TrimSpace(s)
	if host, _, err := net.SplitHostPort(s); err == nil {
		s = host
	}
	if net.ParseIP(s) == nil {
		return ""
	}
	return s
}

func (t *Tracker) playerChat(ev protocol.AutohostEvent) {
	p := t.game.byNumber(ev.Player)
	if p == nil {
		return
	}
	if ev.Dest == protocol.ChatToHost || strings.HasPrefix(ev.Text, "!") {
		if strings.HasPrefix(ev.Text, "!") && t.hooks.Command != nil {
			t.hooks.Command(p.Name, ev.Text)
		}
		return
	}
	// public chat is relayed to the lobby battle room
	if ev.Dest == protocol.ChatToAll && t.hooks.SayBattle != nil {
		t.hooks.SayBattle(p.Name, ev.Text)
	}
}

// winners computes the winning allyteams by >50% consensus over reporting
// clients; disagreement is logged as inconsistent.
func (t *Tracker) winners() []int {
	if len(t.overReports) == 0 {
		return nil
	}
	counts := make(map[int]int)
	distinct := make(map[string]bool)
	for _, winners := range t.overReports {
		sorted := append([]int(nil), winners...)
		sort.Ints(sorted)
		key := fmt.Sprint(sorted)
		distinct[key] = true
		for _, w := range winners {
			counts[w]++
		}
	}
	if len(distinct) > 1 {
		t.log.WithField("reports", len(t.overReports)).Warn("inconsistent game-over reports")
	}
	var out []int
	for ally, n := range counts {
		if 2*n > len(t.overReports) {
			out = append(out, ally)
		}
	}
	sort.Ints(out)
	return out
}

func (t *Tracker) finish() {
	if !t.endedAt.IsZero() {
		return
	}
	t.endedAt = t.now()
	report := t.buildReport()
	if t.hooks.OnFinished != nil {
		t.hooks.OnFinished(report)
	}
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	if h > 0 {
		return fmt.Sprintf("%dh%02dm%02ds", h, m, s)
	}
	return fmt.Sprintf("%dm%02ds", m, s)
}
