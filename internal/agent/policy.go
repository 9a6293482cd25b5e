package agent

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/akoven/autohost/internal/balance"
	"github.com/akoven/autohost/internal/battle"
	"github.com/akoven/autohost/internal/config"
	"github.com/akoven/autohost/internal/vote"
)

// policyConfig snapshots the settings the room policy tick needs.
func (a *Agent) policyConfig() battle.PolicyConfig {
	g := func(name string, def int) int { return a.tree.GetInt(config.ScopeGlobal, name, def) }
	limit := func(name string) int {
		v := a.tree.Get(config.ScopeGlobal, name)
		if v == "" {
			return -1
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return -1
		}
		return n
	}
	return battle.PolicyConfig{
		NbTeams:      g("nbTeams", 2),
		TeamSize:     g("teamSize", 1),
		NbPlayerByID: g("nbPlayerById", 1),
		MinTeamSize:  g("minTeamSize", 1),
		MinPlayers:   g("minPlayers", 2),

		MaxSpecs:      limit("maxSpecs"),
		MaxBots:       limit("maxBots"),
		MaxLocalBots:  limit("maxLocalBots"),
		MaxRemoteBots: limit("maxRemoteBots"),

		AutoSpecExtraPlayers:  a.tree.GetBool(config.ScopeGlobal, "autoSpecExtraPlayers"),
		AutoLock:              a.tree.Get(config.ScopeGlobal, "autoLock"),
		AutoLockClients:       g("autoLockClients", 0),
		AutoLockRunningBattle: a.tree.GetBool(config.ScopeGlobal, "autoLockRunningBattle"),
		SpecImmunityLevel:     g("specImmunityLevel", 100),
		AutoStart:             a.tree.Get(config.ScopeGlobal, "autoStart"),
	}
}

func (a *Agent) policyHooks() battle.PolicyHooks {
	return battle.PolicyHooks{
		AccessLevel: a.effectiveLevel,
		InGame: func(name string) bool {
			u, ok := a.users.Get(name)
			return ok && u.Status.InGame
		},
		HostInGame:    a.gameRunning,
		GameRunning:   a.gameRunning,
		VotePending:   func() bool { return a.votes.Current() != nil },
		LaunchPending: func() bool { return a.launchPending },
		RequestLaunch: func() {
			if a.tree.Get(config.ScopeGlobal, "autoStart") != "off" {
				a.tryLaunch("", true)
			}
		},
		OnGameTypeChange: a.onGameTypeChange,
		OnKickFlood:      a.onKickFlood,
	}
}

// onGameTypeChange re-derives every player's effective skill for the new
// game type.
func (a *Agent) onGameTypeChange(newType string) {
	for name, us := range a.userSkills {
		us.ForType(newType)
		a.pushSkillTags(name, *us)
	}
	a.needRebalance = true
}

// balanceInput builds the balancer request from the room and prefs.
func (a *Agent) balanceInput() balance.Input {
	cfg := a.policyConfig()
	in := balance.Input{
		NbTeams:      cfg.NbTeams,
		TeamSize:     cfg.TeamSize,
		NbPlayerByID: cfg.NbPlayerByID,
		MinTeamSize:  cfg.MinTeamSize,
		BalanceMode:  a.tree.Get(config.ScopeGlobal, "balanceMode"),
		ClanMode:     a.tree.Get(config.ScopeGlobal, "clanMode"),
		IDShareMode:  a.tree.Get(config.ScopeGlobal, "idShareMode"),
		Seed:         int64(a.tree.GetInt(config.ScopeGlobal, "balRandSeed", 0)),
	}
	for _, m := range a.room.Players() {
		e := balance.Entity{
			Name:    m.Name,
			Clan:    a.prefs.Get(m.Name, "clan"),
			Pref:    a.prefs.Get(m.Name, "clan"),
			ShareID: a.prefs.Get(m.Name, "shareId"),
		}
		if us, ok := a.userSkills[m.Name]; ok {
			e.Skill = us.Skill
			if u, online := a.users.Get(m.Name); online {
				e.Smurf = us.Skill > float64((u.Status.Rank+1))*10
			}
		}
		in.Players = append(in.Players, e)
	}
	botsRank := a.tree.GetInt(config.ScopeGlobal, "botsRank", 3)
	for _, b := range a.room.Bots() {
		in.Bots = append(in.Bots, balance.Entity{
			Name:  b.Name,
			Bot:   true,
			Skill: float64(botsRank+1) * 10,
		})
	}
	return in
}

// computeBalance runs the balancer (plugins first) and stores the target.
func (a *Agent) computeBalance() balance.Result {
	in := a.balanceInput()
	if res := a.plugins.Balance(in); res != nil {
		a.balanceTarget = res.Assignments
		return *res
	}
	res := balance.Compute(in)
	a.balanceTarget = res.Assignments
	return res
}

// autoApplyBalance applies balance/colors when the corresponding auto
// settings ask for it and something changed.
func (a *Agent) autoApplyBalance() {
	if a.gameRunning() || a.launchPending {
		return
	}
	if a.needRebalance && a.tree.Get(config.ScopeGlobal, "autoBalance") != "off" {
		a.applyBalance()
	}
	if a.tree.Get(config.ScopeGlobal, "autoFixColors") != "off" {
		a.applyColors()
	}
}

// applyBalance recomputes and pushes the target assignment, delta only.
func (a *Agent) applyBalance() int {
	res := a.computeBalance()
	n := a.room.ApplyAssignments(res.Assignments)
	a.needRebalance = false
	if n > 0 {
		a.log.WithFields(map[string]interface{}{
			"changes": n, "unbalance": fmt.Sprintf("%.1f", res.Unbalance),
		}).Debug("balance applied")
	}
	return n
}

// applyColors assigns colors to the current ids and pushes the deltas.
func (a *Agent) applyColors() int {
	current := a.room.CurrentAssignments()
	idSet := make(map[int]bool)
	var ids []int
	for _, asg := range current {
		if !idSet[asg.ID] {
			idSet[asg.ID] = true
			ids = append(ids, asg.ID)
		}
	}
	if len(ids) == 0 {
		return 0
	}
	sensitivity := a.tree.GetInt(config.ScopeGlobal, "colorSensitivity", 0)
	seed := int64(a.tree.GetInt(config.ScopeGlobal, "balRandSeed", 0))
	a.colorTarget = balance.AssignColors(ids, a.room.GameTypeNow(), sensitivity, seed)
	return a.room.ApplyColors(a.colorTarget)
}

// balanceApplied reports whether the last computed target matches the room.
func (a *Agent) balanceApplied() bool {
	if a.balanceTarget == nil {
		return false
	}
	return balance.Applied(a.balanceTarget, a.room.CurrentAssignments())
}

// voteCallbacks wires the vote engine into the agent.
func (a *Agent) voteCallbacks() vote.Callbacks {
	return vote.Callbacks{
		Exec: func(cmd []string) {
			a.disp.Dispatch(vote.SourceBattle, a.cfg.Lobby.Login, cmd)
		},
		OnStop: a.plugins.OnVoteStop,
		Say:    a.SayBattle,
		Ring:   func(name string) { a.client.Send("RING", name) },
		Notify: func(name, msg string) { a.client.SendLow("SAYPRIVATE", name, msg) },
		VoteMode: func(name string) string {
			return a.prefs.Get(name, "voteMode")
		},
		AutoSetAway: func(name string) bool {
			return a.prefs.Get(name, "autoSetVoteMode") == "1"
		},
		SetAway: func(name string) {
			if err := a.prefs.Set(name, "voteMode", "away"); err == nil {
				a.client.SendLow("SAYPRIVATE", name,
					"Your voteMode has been set to away (you did not vote in time).")
			}
		},
		RingDelay: func(name string) time.Duration {
			d, err := strconv.Atoi(a.prefs.Get(name, "ringDelay"))
			if err != nil {
				d = 40
			}
			return time.Duration(d) * time.Second
		},
		Available: func(name string) bool {
			u, ok := a.users.Get(name)
			return ok && !u.Status.InGame
		},
	}
}

// voteSettings resolves the current vote parameters from the tree.
func (a *Agent) voteSettings() vote.Settings {
	return vote.Settings{
		VoteTime:         time.Duration(a.tree.GetInt(config.ScopeGlobal, "voteTime", 40)) * time.Second,
		AwayVoteDelay:    a.tree.Get(config.ScopeGlobal, "awayVoteDelay"),
		MinParticipation: a.tree.Get(config.ScopeGlobal, "minVoteParticipation"),
		MajorityMargin:   a.tree.GetInt(config.ScopeGlobal, "majorityVoteMargin", 0),
	}
}

// startVote opens a vote on a parsed command for everyone in the battle.
func (a *Agent) startVote(source, user string, cmdTokens []string) error {
	var eligible []string
	for _, m := range a.room.Members() {
		if m.Name != a.cfg.Lobby.Login {
			eligible = append(eligible, m.Name)
		}
	}
	if err := a.votes.Start(user, source, cmdTokens, eligible, a.cfg.Lobby.Login, a.voteSettings()); err != nil {
		return err
	}
	a.SayBattle(fmt.Sprintf("%s called a vote for command \"%s\" [!vote y, !vote n, !vote b]",
		user, strings.Join(cmdTokens, " ")))
	return nil
}

// spoofCheck compares the in-game IP with the lobby IP per the player's
// spoofProtection pref.
func (a *Agent) spoofCheck(name, gameIP string) {
	mode := a.prefs.Get(name, "spoofProtection")
	if mode == "off" || gameIP == "" {
		return
	}
	u, ok := a.users.Get(name)
	if !ok || u.IP == "" || u.IP == gameIP {
		return
	}
	switch mode {
	case "warn":
		a.SayBattle(fmt.Sprintf("Warning: %s joined the game from an unexpected address", name))
	case "kick":
		a.SayBattle(fmt.Sprintf("Kicking %s (address mismatch, possible spoof)", name))
		if a.tracker != nil {
			if err := a.tracker.SendLine("/kick " + name); err != nil {
				a.log.WithError(err).Warn("in-game kick failed")
			}
		}
		a.room.Kick(name)
	}
}
