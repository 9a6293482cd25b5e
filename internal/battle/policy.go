package battle

import (
	"fmt"

	"github.com/akoven/autohost/internal/balance"
)

// Game types.
const (
	TypeDuel    = "Duel"
	TypeFFA     = "FFA"
	TypeTeam    = "Team"
	TypeTeamFFA = "TeamFFA"
)

// PolicyConfig is the settings snapshot a policy tick runs against.
// Negative limits mean unlimited.
type PolicyConfig struct {
	NbTeams      int
	TeamSize     int
	NbPlayerByID int
	MinTeamSize  int
	MinPlayers   int

	MaxSpecs      int
	MaxBots       int
	MaxLocalBots  int
	MaxRemoteBots int

	AutoSpecExtraPlayers  bool
	AutoLock              string // off | on | advanced | whenEmpty | whenTeamSizeEven
	AutoLockClients       int
	AutoLockRunningBattle bool
	SpecImmunityLevel     int
	AutoStart             string // off | on | advanced
}

// PolicyHooks connect the policy loop to the rest of the agent.
type PolicyHooks struct {
	AccessLevel   func(name string) int
	InGame        func(name string) bool
	HostInGame    func() bool
	GameRunning   func() bool
	VotePending   func() bool
	LaunchPending func() bool
	RequestLaunch func()
	// OnGameTypeChange is fired when the room's classified game type
	// changes; the agent recomputes per-player skill under the new type.
	OnGameTypeChange func(newType string)
	// OnKickFlood is notified for every policy kick so flood counters and
	// auto-bans stay accurate.
	OnKickFlood func(name string)
}

// GameType classifies the target structure.
func GameType(nbTeams, teamSize int) string {
	switch {
	case nbTeams <= 2 && teamSize <= 1:
		return TypeDuel
	case nbTeams > 2 && teamSize <= 1:
		return TypeFFA
	case nbTeams <= 2:
		return TypeTeam
	default:
		return TypeTeamFFA
	}
}

// Tick runs the ≥2s membership enforcement loop. All room mutations caused
// by one tick happen before the single UPDATEBATTLEINFO is sent.
func (r *Room) Tick(cfg PolicyConfig, hooks PolicyHooks) {
	if !r.Opened {
		return
	}
	players := r.Players()

	// autoSpecExtraPlayers: shed the newest local bots first, then force
	// spec the newest players above the target capacity.
	if cfg.AutoSpecExtraPlayers {
		capacity := cfg.NbTeams * cfg.TeamSize * cfg.NbPlayerByID
		over := len(players) + len(r.playingBots()) - capacity
		if over > 0 {
			bots := r.Bots()
			for i := len(bots) - 1; i >= 0 && over > 0; i-- {
				if bots[i].Local {
					r.send("REMOVEBOT", bots[i].Name)
					over--
				}
			}
			for i := len(players) - 1; i >= 0 && over > 0; i-- {
				r.ForceSpec(players[i].Name)
				over--
			}
		}
	}

	// maxSpecs: kick newest spectators below the immunity level.
	if cfg.MaxSpecs >= 0 {
		specs := r.Specs()
		for i := len(specs) - 1; i >= 0 && r.countSpecs() > cfg.MaxSpecs; i-- {
			name := specs[i].Name
			if hooks.AccessLevel != nil && hooks.AccessLevel(name) >= cfg.SpecImmunityLevel {
				continue
			}
			r.Kick(name)
			if hooks.OnKickFlood != nil {
				hooks.OnKickFlood(name)
			}
			delete(r.members, name)
			r.touch()
		}
	}

	// Bot class limits: newest first within the violating class.
	r.enforceBotLimit(cfg.MaxBots, func(*Bot) bool { return true })
	r.enforceBotLimit(cfg.MaxLocalBots, func(b *Bot) bool { return b.Local })
	r.enforceBotLimit(cfg.MaxRemoteBots, func(b *Bot) bool { return !b.Local })

	// autoLock evaluation.
	players = r.Players()
	target := r.targetLocked(cfg, hooks, len(players))

	// Game type classification; a change retriggers skill resolution.
	nbTeams, teamSize, _ := balance.TargetStructure(max(len(players), 1), cfg.NbTeams, cfg.TeamSize, cfg.NbPlayerByID, cfg.MinTeamSize)
	gt := GameType(nbTeams, teamSize)
	if gt != r.gameType {
		r.gameType = gt
		if hooks.OnGameTypeChange != nil {
			hooks.OnGameTypeChange(gt)
		}
	}

	// Single batched UPDATEBATTLEINFO per tick, only on change.
	r.Locked = target
	locked := "0"
	if target {
		locked = "1"
	}
	info := fmt.Sprintf("%d %s %d %s", r.countSpecs(), locked, r.MapHash, r.Map)
	if info != r.lastInfo {
		r.send("UPDATEBATTLEINFO", fmt.Sprint(r.countSpecs()), locked, fmt.Sprint(r.MapHash), r.Map)
		r.lastInfo = info
	}

	r.checkAutoStart(cfg, hooks, len(players))
}

func (r *Room) enforceBotLimit(limit int, class func(*Bot) bool) {
	if limit < 0 {
		return
	}
	bots := r.Bots()
	count := 0
	for _, b := range bots {
		if class(b) {
			count++
		}
	}
	for i := len(bots) - 1; i >= 0 && count > limit; i-- {
		if !class(bots[i]) {
			continue
		}
		r.send("REMOVEBOT", bots[i].Name)
		delete(r.bots, bots[i].Name)
		count--
		r.touch()
	}
}

func (r *Room) playingBots() []*Bot { return r.Bots() }

func (r *Room) countSpecs() int {
	n := 0
	for _, m := range r.members {
		if m.Status.Mode == ModeSpectator && m.Name != r.Founder {
			n++
		}
	}
	return n
}

// ClientCount is the number of members, founder excluded.
func (r *Room) ClientCount() int {
	n := len(r.members)
	if _, ok := r.members[r.Founder]; ok {
		n--
	}
	return n
}

func (r *Room) targetLocked(cfg PolicyConfig, hooks PolicyHooks, nbPlayers int) bool {
	if nbPlayers < cfg.MinPlayers {
		return false
	}
	if cfg.AutoLockClients > 0 && r.ClientCount() >= cfg.AutoLockClients {
		return true
	}
	if cfg.AutoLockRunningBattle && hooks.HostInGame != nil && hooks.HostInGame() {
		return true
	}
	slots := cfg.NbTeams * cfg.TeamSize * cfg.NbPlayerByID
	switch cfg.AutoLock {
	case "on", "advanced":
		return nbPlayers >= slots
	case "whenEmpty":
		return nbPlayers == 0
	case "whenTeamSizeEven":
		return cfg.NbTeams > 0 && nbPlayers > 0 && nbPlayers%cfg.NbTeams == 0 && nbPlayers >= slots
	}
	return false
}

// checkAutoStart requests a launch when the room is balanced-ready:
// (minTeamSize == 1 and players divides evenly into teams) or players is a
// multiple of minTeamSize, players >= minPlayers, and at least one
// non-host participant is in player mode.
func (r *Room) checkAutoStart(cfg PolicyConfig, hooks PolicyHooks, nbPlayers int) {
	if cfg.AutoStart == "off" || nbPlayers == 0 {
		return
	}
	if nbPlayers < cfg.MinPlayers {
		return
	}
	even := false
	if cfg.MinTeamSize == 1 && cfg.NbTeams > 0 && nbPlayers%cfg.NbTeams == 0 {
		even = true
	}
	if cfg.MinTeamSize > 0 && nbPlayers%cfg.MinTeamSize == 0 {
		even = true
	}
	if !even {
		return
	}
	if hooks.GameRunning != nil && hooks.GameRunning() {
		return
	}
	if hooks.VotePending != nil && hooks.VotePending() {
		return
	}
	if hooks.LaunchPending != nil && hooks.LaunchPending() {
		return
	}
	if hooks.RequestLaunch != nil {
		hooks.RequestLaunch()
	}
}

// Preflight battle states.
const (
	StateInconsistent  = -5
	StateTooMany       = -4
	StateUnsynced      = -3
	StateAlreadyInGame = -2
	StateUnready       = -1
	StateUneven        = 0
	StateReady         = 1
)

// engineMemberCap is the engine's hard player+spec limit.
const engineMemberCap = 251

// PreflightState computes the launch readiness code in -5..1.
func (r *Room) PreflightState(cfg PolicyConfig, startposType int, inGame func(name string) bool) int {
	if !r.CheckTeamIDConsistency() {
		return StateInconsistent
	}
	if len(r.members)+len(r.bots) > engineMemberCap {
		return StateTooMany
	}
	players := r.Players()
	for _, m := range players {
		if m.Status.Sync == 2 {
			return StateUnsynced
		}
	}
	if inGame != nil {
		for _, m := range players {
			if inGame(m.Name) {
				return StateAlreadyInGame
			}
		}
	}
	if startposType == 2 {
		for _, m := range players {
			if !m.Status.Ready {
				return StateUnready
			}
		}
	}
	n := len(players)
	if n < cfg.MinPlayers {
		return StateUneven
	}
	evenByTeams := cfg.MinTeamSize == 1 && cfg.NbTeams > 0 && n%cfg.NbTeams == 0
	evenBySize := cfg.MinTeamSize > 0 && n%cfg.MinTeamSize == 0
	if !evenByTeams && !evenBySize {
		return StateUneven
	}
	return StateReady
}

// gameType is cached between policy ticks.
func (r *Room) GameTypeNow() string {
	if r.gameType == "" {
		return TypeDuel
	}
	return r.gameType
}
