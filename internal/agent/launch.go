package agent

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/akoven/autohost/internal/balance"
	"github.com/akoven/autohost/internal/battle"
	"github.com/akoven/autohost/internal/config"
	"github.com/akoven/autohost/internal/spring"
	"github.com/akoven/autohost/internal/users"
)

// preflight verifies everything short of spawning the process. It returns
// "" when the game may start, otherwise the human-readable refusal.
func (a *Agent) preflight() string {
	if a.gameRunning() {
		return "a game is already running"
	}
	if a.launchPending {
		return "a game launch is already in progress"
	}
	cfg := a.policyConfig()
	startPos := a.tree.GetInt(config.ScopeBattle, "startpostype", 2)
	state := a.room.PreflightState(cfg, startPos, func(name string) bool {
		u, ok := a.users.Get(name)
		return ok && u.Status.InGame
	})
	switch state {
	case battle.StateInconsistent:
		return "inconsistent team/id configuration, please rebalance first"
	case battle.StateTooMany:
		return "too many participants for the engine (max 251)"
	case battle.StateUnsynced:
		return "at least one player has not downloaded the map/mod yet"
	case battle.StateAlreadyInGame:
		return "at least one player is already in a game"
	case battle.StateUnready:
		return "at least one player is not ready"
	case battle.StateUneven:
		return "teams are uneven or below minPlayers"
	}

	if startPos == 2 {
		if len(a.room.StartRects()) == 0 && !a.tree.GetBool(config.ScopeGlobal, "forceStart") {
			return "no start boxes set (use !split, or set forceStart)"
		}
	} else {
		info, ok := a.maps[a.room.Map]
		if !ok || len(info.StartPos) == 0 {
			return "map start positions unknown, choose boxes mode or another map"
		}
		needed := cfg.NbTeams * cfg.TeamSize
		if len(info.StartPos) < needed {
			return fmt.Sprintf("map has only %d start positions (%d needed)", len(info.StartPos), needed)
		}
	}

	if a.tree.Get(config.ScopeGlobal, "autoBalance") != "off" && !a.balanceApplied() {
		return "teams are not balanced yet"
	}
	if a.tree.Get(config.ScopeGlobal, "autoFixColors") != "off" && a.colorTarget == nil {
		return "colors are not fixed yet"
	}
	if a.mod == nil {
		return "mod archive not resolved"
	}
	return ""
}

// tryLaunch runs the preflight and, on success, starts the game. The
// refusal (if any) is reported to requestedBy or broadcast for automatic
// starts.
func (a *Agent) tryLaunch(requestedBy string, auto bool) string {
	if refusal := a.preflight(); refusal != "" {
		if !auto {
			a.SayBattle(fmt.Sprintf("Unable to start game: %s", refusal))
		}
		return refusal
	}
	a.launchPending = true

	sock, err := spring.OpenAutohostSocket(a.log, a.cfg.Spring.AutohostPort)
	if err != nil {
		a.launchPending = false
		a.SayBattle("Unable to start game: autohost socket unavailable")
		a.log.WithError(err).Error("autohost socket bind failed")
		return "autohost socket unavailable"
	}
	a.sock = sock

	game, script := a.buildScript(sock.Port())
	pid, err := a.launcher.Start(script, nil)
	if err != nil {
		a.launchPending = false
		sock.Close()
		a.sock = nil
		a.SayBattle(fmt.Sprintf("Unable to start game: %v", err))
		return err.Error()
	}
	a.launchPending = false

	startPos := a.tree.GetInt(config.ScopeBattle, "startpostype", 2)
	a.tracker = spring.NewTracker(a.log, game, startPos, len(a.room.Bots()) > 0, spring.TrackerHooks{
		Broadcast: a.SayBattle,
		SayBattle: func(name, msg string) { a.SayBattle(fmt.Sprintf("<%s> %s", name, msg)) },
		Command: func(name, line string) {
			a.handleChatCommand("game", name, line)
		},
		SpoofCheck: a.spoofCheck,
		RecheckBan: a.recheckBan,
		ForceStartVotePending: func() bool {
			return a.votes.Matches([]string{"forcestart"})
		},
		CancelVote: a.votes.Cancel,
		OnFinished: func(report spring.GameDataReport) {
			a.tasks <- func() { a.onGameFinished(report) }
		},
		OnCrash: func(st spring.ExitStatus) {
			a.log.WithFields(map[string]interface{}{
				"code": st.Code, "signaled": st.Signaled, "core": st.CoreDump,
			}).Error("SPR-001: game process crashed")
		},
	})
	a.tracker.SendLine = sock.SendLine

	// started games consume remainingGames on matching bans
	var subjects []users.Subject
	for _, m := range a.room.Players() {
		subjects = append(subjects, a.banSubject(m.Name, ""))
	}
	a.bans.ConsumeGame(subjects)

	a.plugins.OnSpringStart(pid)
	a.SayBattle(fmt.Sprintf("Game starting (pid %d)", pid))
	return ""
}

// buildScript freezes the RunningGame snapshot and serializes the start
// script from the current room state.
func (a *Agent) buildScript(autohostPort int) (*spring.RunningGame, string) {
	cfg := a.policyConfig()
	nbTeams, teamSize, _ := balance.TargetStructure(max(len(a.room.Players()), 1),
		cfg.NbTeams, cfg.TeamSize, cfg.NbPlayerByID, cfg.MinTeamSize)
	structure := fmt.Sprintf("%dx%d", nbTeams, teamSize)
	game := spring.NewRunningGame(a.room.Engine, a.room.ModName, a.room.Map,
		a.room.GameTypeNow(), structure)

	in := spring.ScriptInput{
		GameName:     a.room.ModName,
		MapName:      a.room.Map,
		StartPosType: a.tree.GetInt(config.ScopeBattle, "startpostype", 2),
		HostIP:       "",
		HostPort:     a.cfg.Spring.SpringPort,
		AutohostPort: autohostPort,
		IsHost:       true,
		Teams:        make(map[int]*spring.ScriptTeam),
		StartRects:   make(map[int]spring.StartRect),
		ModOptions:   map[string]string{},
		Tags:         map[string]string{},
	}

	maxAlly := 0
	playerNum := 0
	for _, m := range a.room.Members() {
		if m.Name == a.cfg.Lobby.Login {
			continue
		}
		p := spring.ScriptPlayer{
			Name:      m.Name,
			Password:  m.ScriptPassword,
			Spectator: m.Status.Mode == battle.ModeSpectator,
		}
		if u, ok := a.users.Get(m.Name); ok {
			p.AccountID = u.AccountID
			p.CountryCode = u.Country
			p.Rank = u.Status.Rank
		}
		if us, ok := a.userSkills[m.Name]; ok {
			p.Skill = strconv.FormatFloat(us.Skill, 'f', 2, 64)
			p.SkillUncert = strconv.FormatFloat(us.Sigma, 'f', 2, 64)
		}
		gp := &spring.GamePlayer{Name: m.Name, AccountID: p.AccountID, Team: -1}
		if u, ok := a.users.Get(m.Name); ok {
			gp.LobbyIP = u.IP
		}
		if !p.Spectator {
			p.Team = m.Status.ID
			gp.Team = m.Status.ID
			gp.AllyTeam = m.Status.Team
			if _, ok := in.Teams[m.Status.ID]; !ok {
				in.Teams[m.Status.ID] = &spring.ScriptTeam{
					Leader:   playerNum,
					AllyTeam: m.Status.Team,
					ID:       m.Status.ID,
					RGBColor: rgb(m.Color),
					Side:     strconv.Itoa(m.Status.Side),
					Handicap: m.Status.Bonus,
				}
			}
			game.TeamAlly[m.Status.ID] = m.Status.Team
			if m.Status.Team > maxAlly {
				maxAlly = m.Status.Team
			}
		}
		game.Players[m.Name] = gp
		in.Players = append(in.Players, p)
		playerNum++
	}
	for _, b := range a.room.Bots() {
		short, version := splitAISpec(b.AISpec)
		in.Bots = append(in.Bots, spring.ScriptBot{
			Name:      b.Name,
			Owner:     b.Owner,
			ShortName: short,
			Version:   version,
			Team:      b.Status.ID,
		})
		if _, ok := in.Teams[b.Status.ID]; !ok {
			in.Teams[b.Status.ID] = &spring.ScriptTeam{
				AllyTeam: b.Status.Team,
				ID:       b.Status.ID,
				RGBColor: rgb(b.Color),
			}
		}
		game.Bots = append(game.Bots, spring.GameBot{
			Name: b.Name, Owner: b.Owner, Team: b.Status.ID, AllyTeam: b.Status.Team,
		})
		game.TeamAlly[b.Status.ID] = b.Status.Team
		if b.Status.Team > maxAlly {
			maxAlly = b.Status.Team
		}
	}
	in.NbAllyTeams = maxAlly + 1

	for ally, r := range a.room.StartRects() {
		in.StartRects[ally] = spring.StartRect{Left: r.Left, Top: r.Top, Right: r.Right, Bottom: r.Bottom}
		if ally > maxAlly {
			in.NbAllyTeams = ally + 1
		}
	}
	for k, v := range a.room.ScriptTags() {
		if strings.HasPrefix(k, "game/modoptions/") {
			in.ModOptions[strings.TrimPrefix(k, "game/modoptions/")] = v
		} else if k != "game/startpostype" {
			in.Tags[k] = v
		}
	}

	return game, spring.Serialize(in)
}

func rgb(c balance.Color) [3]float64 {
	return [3]float64{float64(c.R) / 255, float64(c.G) / 255, float64(c.B) / 255}
}

func splitAISpec(spec string) (short, version string) {
	if i := strings.IndexByte(spec, '|'); i >= 0 {
		return spec[:i], spec[i+1:]
	}
	return spec, ""
}

// onGameExit is the reaper completion callback on the main loop.
func (a *Agent) onGameExit(st spring.ExitStatus) {
	a.log.WithFields(map[string]interface{}{
		"code": st.Code, "class": int(st.Class()),
	}).Info("game process exited")
	if a.tracker != nil {
		a.tracker.ProcessExited(st)
	}
	a.launcher.Release()
	a.plugins.OnSpringStop(st.Code)
}

// onGameFinished handles the tracker's post-mortem: summary, awards,
// report queueing and archival, then room reset.
func (a *Agent) onGameFinished(report spring.GameDataReport) {
	a.SayBattle(report.Summary(nil))

	for _, name := range a.notifyOnEnd {
		if _, online := a.users.Get(name); online {
			a.client.SendLow("SAYPRIVATE", name, "The game you were waiting for just ended.")
		}
	}
	a.notifyOnEnd = nil

	endGameAwards := a.tree.GetInt(config.ScopeGlobal, "endGameAwards", 1)
	if endGameAwards > 0 {
		teamOwner := make(map[int]string)
		for _, p := range report.Players {
			teamOwner[p.Team] = p.Name
		}
		if awards, ok := spring.ComputeAwards(report.TeamTotals, teamOwner, endGameAwards); ok {
			a.SayBattle(fmt.Sprintf("Awards - damage: %s, eco: %s, micro: %s",
				awards.Damage, awards.Eco, awards.Micro))
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.queue.Publish(ctx, report); err != nil {
		a.log.WithError(err).Warn("game data report not queued")
	}
	if err := a.db.ArchiveReport(ctx, report); err != nil {
		a.log.WithError(err).Warn("game data report not archived")
	}

	if a.sock != nil {
		a.sock.Close()
		a.sock = nil
	}
	a.tracker = nil
	a.needRebalance = true
}
