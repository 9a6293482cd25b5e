package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/akoven/autohost/internal/archive"
	"github.com/akoven/autohost/internal/battle"
	"github.com/akoven/autohost/internal/command"
	"github.com/akoven/autohost/internal/config"
	"github.com/akoven/autohost/internal/prefs"
	"github.com/akoven/autohost/internal/quit"
	"github.com/akoven/autohost/internal/users"
)

// Default access levels for the rights matrix.
const (
	levelEveryone  = 0
	levelVoter     = 0
	levelTrusted   = 10
	levelModerator = 100
)

// setupDispatcher declares the rights matrix and registers every command.
func (a *Agent) setupDispatcher() {
	rights := command.NewRightsTable()
	a.disp = command.NewDispatcher(a.log, command.Env{
		AccessLevel:  a.accessLevel,
		PluginLevel:  a.plugins.AccessLevel,
		PlayerStatus: a.playerStatus,
		GameState:    a.gameState,
		Say:          a.Say,
		StartVote:    a.startVote,
		MatchingVote: a.votes.Matches,
		CastYes: func(user string) {
			if err := a.votes.Cast(user, "y", a.gameRunning()); err != nil {
				a.log.WithError(err).Debug("implicit yes rejected")
			}
		},
		CancelVote: a.votes.Cancel,
		VoteInitiator: func() (string, bool) {
			if v := a.votes.Current(); v != nil {
				return v.Initiator, true
			}
			return "", false
		},
	}, rights)

	// informational commands: direct for everyone, never voted
	info := command.Rights{DirectLevel: levelEveryone, VoteLevel: -1}
	for _, cmd := range []string{"help", "status", "version", "list", "vote", "ring", "notify", "searchuser", "smurfs"} {
		rights.Declare(cmd, "*", "*", "*", info)
	}
	// state-changing commands: trusted users run directly, players vote
	votable := command.Rights{DirectLevel: levelTrusted, VoteLevel: levelVoter}
	for _, cmd := range []string{"balance", "fixcolors", "forcestart", "start", "stop", "map", "split", "lock", "unlock", "rehost", "specafk"} {
		rights.Declare(cmd, "*", "*", "*", votable)
	}
	// spectators may not call votes on game-affecting commands mid-game
	rights.Declare("stop", "*", command.StatusSpec, command.GameRunning,
		command.Rights{DirectLevel: levelModerator, VoteLevel: levelVoter})
	// moderation: direct only
	modOnly := command.Rights{DirectLevel: levelModerator, VoteLevel: -1}
	for _, cmd := range []string{"ban", "unban", "banlist", "boss", "hset", "reloadarchives", "quit", "restart"} {
		rights.Declare(cmd, "*", "*", "*", modOnly)
	}
	// settings are votable so the room can tune itself
	for _, cmd := range []string{"set", "bset"} {
		rights.Declare(cmd, "*", "*", "*", votable)
	}
	// kick is votable by players, direct for mods
	rights.Declare("kick", "*", "*", "*", command.Rights{DirectLevel: levelModerator, VoteLevel: levelVoter})
	// endvote is open to everyone; the handler enforces initiator-or-mod
	rights.Declare("endvote", "*", "*", "*", info)
	rights.Declare("callvote", "*", "*", "*", info)
	rights.Declare("pset", "*", "*", "*", info)
	// auth is open to everyone and never votable; the handler checks the
	// stored password itself
	rights.Declare("auth", "*", "*", "*", info)

	a.registerCommands()

	// settings shortcuts: non-hidden global settings resolve to !set
	for _, s := range a.tree.List(config.ScopeGlobal) {
		a.disp.Shortcut(s.Name, "set")
	}
	for _, s := range a.tree.List(config.ScopeBattle) {
		a.disp.Shortcut(s.Name, "bset")
	}

	a.disp.Alias("b", []string{"vote", "b"})
	a.disp.Alias("y", []string{"vote", "y"})
	a.disp.Alias("n", []string{"vote", "n"})
	a.disp.Alias("cv", []string{"callvote", "%1%"})
}

func (a *Agent) playerStatus(user string) string {
	m, ok := a.room.Member(user)
	if !ok {
		return command.StatusOutside
	}
	if m.Status.Mode == battle.ModeSpectator {
		return command.StatusSpec
	}
	if u, online := a.users.Get(user); online && u.Status.InGame {
		return command.StatusPlaying
	}
	return command.StatusPlayer
}

func (a *Agent) gameState() string {
	switch {
	case a.votes.Current() != nil:
		return command.GameVoting
	case a.gameRunning():
		return command.GameRunning
	default:
		return command.GameStopped
	}
}

func (a *Agent) registerCommands() {
	reg := a.disp.Register

	reg("help", false, func(source, user string, params []string, checkOnly bool) (string, error) {
		if checkOnly {
			return "", nil
		}
		a.Say(source, user, "Commands: !status !vote !balance !fixcolors !start !stop !map !split !kick !ban !set !pset !auth !boss !searchuser !smurfs !ring !notify !quit")
		return "", nil
	})

	reg("version", false, func(source, user string, params []string, checkOnly bool) (string, error) {
		if checkOnly {
			return "", nil
		}
		a.Say(source, user, "autohost "+a.cfg.Lobby.LobbyClient)
		return "", nil
	})

	reg("status", false, a.cmdStatus)
	reg("vote", false, a.cmdVote)
	reg("endvote", false, a.cmdEndVote)
	reg("boss", false, a.cmdBoss)
	reg("balance", false, a.cmdBalance)
	reg("fixcolors", false, a.cmdFixColors)
	reg("forcestart", false, a.cmdForceStart)
	reg("start", false, a.cmdStart)
	reg("stop", false, a.cmdStop)
	reg("map", false, a.cmdMap)
	reg("split", false, a.cmdSplit)
	reg("kick", false, a.cmdKick)
	reg("specafk", false, a.cmdSpecAFK)
	reg("lock", false, a.cmdLock(true))
	reg("unlock", false, a.cmdLock(false))
	reg("ring", false, a.cmdRing)
	reg("notify", false, a.cmdNotify)
	reg("searchuser", false, a.cmdSearchUser)
	reg("smurfs", false, a.cmdSmurfs)
	reg("ban", true, a.cmdBan)
	reg("unban", false, a.cmdUnban)
	reg("banlist", false, a.cmdBanList)
	reg("set", true, a.cmdSet(config.ScopeGlobal))
	reg("hset", true, a.cmdSet(config.ScopeHosting))
	reg("bset", true, a.cmdSet(config.ScopeBattle))
	reg("pset", true, a.cmdPSet)
	reg("auth", false, a.cmdAuth)
	reg("list", false, a.cmdList)
	reg("reloadarchives", false, a.cmdReloadArchives)
	reg("quit", false, a.cmdQuit(quit.ActionShutdown))
	reg("restart", false, a.cmdQuit(quit.ActionRestart))
	reg("rehost", false, a.cmdRehost)
	reg("callvote", false, a.cmdCallVote)
}

func (a *Agent) cmdStatus(source, user string, params []string, checkOnly bool) (string, error) {
	if checkOnly {
		return "", nil
	}
	players := len(a.room.Players())
	specs := len(a.room.Specs())
	state := "idle"
	if a.gameRunning() {
		state = fmt.Sprintf("game running for %s", a.launcher.Uptime().Round(time.Second))
	}
	a.Say(source, user, fmt.Sprintf("Battle \"%s\" on %s: %d player(s), %d spec(s), %d bot(s); %s; %s",
		a.cfg.Hosting.BattleName, a.room.Map, players, specs, len(a.room.Bots()), state, a.votes.Status()))
	return "", nil
}

func (a *Agent) cmdVote(source, user string, params []string, checkOnly bool) (string, error) {
	if len(params) != 1 {
		return "usage: !vote y|n|b", nil
	}
	if checkOnly {
		return "", nil
	}
	if err := a.votes.Cast(user, strings.ToLower(params[0]), a.gameRunning()); err != nil {
		return err.Error(), nil
	}
	return "", nil
}

func (a *Agent) cmdEndVote(source, user string, params []string, checkOnly bool) (string, error) {
	v := a.votes.Current()
	if v == nil {
		return "no vote in progress", nil
	}
	if v.Initiator != user && a.effectiveLevel(user) < levelModerator {
		return "only the vote initiator may end the vote", nil
	}
	if checkOnly {
		return "", nil
	}
	a.votes.Cancel(fmt.Sprintf("cancelled by %s", user))
	return "", nil
}

func (a *Agent) cmdBoss(source, user string, params []string, checkOnly bool) (string, error) {
	if len(params) == 0 {
		if a.disp.BossMode() {
			a.Say(source, user, "Boss mode enabled for: "+strings.Join(a.room.Bosses(), ", "))
		} else {
			a.Say(source, user, "Boss mode disabled")
		}
		return "", nil
	}
	target := params[0]
	if target != "" {
		if _, ok := a.room.Member(target); !ok && target != "off" {
			return fmt.Sprintf("%s is not in the battle", target), nil
		}
	}
	if checkOnly {
		return "", nil
	}
	if target == "off" {
		a.disp.ClearBosses()
		a.room.ClearBosses()
		a.SayBattle("Boss mode disabled")
		return "", nil
	}
	a.disp.SetBoss(target, true)
	a.room.SetBoss(target)
	a.SayBattle(fmt.Sprintf("Boss mode enabled for %s", target))
	return "", nil
}

func (a *Agent) cmdBalance(source, user string, params []string, checkOnly bool) (string, error) {
	if len(a.room.Players()) == 0 {
		return "nothing to balance", nil
	}
	if checkOnly {
		return "", nil
	}
	res := a.computeBalance()
	n := a.room.ApplyAssignments(res.Assignments)
	a.needRebalance = false
	a.SayBattle(fmt.Sprintf("Balancing teams (%d change(s), unbalance %.0f%%, %d smurf(s))",
		n, res.Unbalance, res.NbSmurfs))
	return "", nil
}

func (a *Agent) cmdFixColors(source, user string, params []string, checkOnly bool) (string, error) {
	if checkOnly {
		return "", nil
	}
	n := a.applyColors()
	a.SayBattle(fmt.Sprintf("Fixing colors (%d change(s))", n))
	return "", nil
}

func (a *Agent) cmdForceStart(source, user string, params []string, checkOnly bool) (string, error) {
	if a.gameRunning() {
		if checkOnly {
			return "", nil
		}
		if a.tracker != nil {
			if err := a.tracker.SendLine("/forcestart"); err != nil {
				return "", err
			}
			a.SayBattle(fmt.Sprintf("Game start forced by %s", user))
		}
		return "", nil
	}
	return a.cmdStart(source, user, params, checkOnly)
}

func (a *Agent) cmdStart(source, user string, params []string, checkOnly bool) (string, error) {
	if refusal := a.preflight(); refusal != "" {
		return "Unable to start game: " + refusal, nil
	}
	if checkOnly {
		return "", nil
	}
	a.tryLaunch(user, false)
	return "", nil
}

func (a *Agent) cmdStop(source, user string, params []string, checkOnly bool) (string, error) {
	if !a.gameRunning() {
		return "no game is running", nil
	}
	if checkOnly {
		return "", nil
	}
	if err := a.launcher.Kill(); err != nil {
		return "", err
	}
	a.SayBattle(fmt.Sprintf("Game stopped by %s", user))
	return "", nil
}

func (a *Agent) cmdMap(source, user string, params []string, checkOnly bool) (string, error) {
	if len(params) == 0 {
		return "usage: !map <name or pattern>", nil
	}
	want := strings.Join(params, " ")
	name := a.findMap(want)
	if name == "" {
		return fmt.Sprintf("no map matching %q", want), nil
	}
	if checkOnly {
		return "", nil
	}
	a.room.ChangeMap(name, int(a.maps[name].Hash))
	a.SayBattle(fmt.Sprintf("Map changed to %s (by %s)", name, user))
	return "", nil
}

// findMap resolves an exact name first, then a case-insensitive substring
// with the lexically greatest candidate winning.
func (a *Agent) findMap(want string) string {
	if _, ok := a.maps[want]; ok {
		return want
	}
	lower := strings.ToLower(want)
	best := ""
	for name := range a.maps {
		if strings.Contains(strings.ToLower(name), lower) && name > best {
			best = name
		}
	}
	return best
}

func (a *Agent) cmdSplit(source, user string, params []string, checkOnly bool) (string, error) {
	if len(params) != 2 {
		return "usage: !split h|v|c1|c2|c|s <size>", nil
	}
	size, err := strconv.Atoi(params[1])
	if err != nil {
		return "invalid size", nil
	}
	rects, err := battle.ExpandSplit(params[0], size)
	if err != nil {
		return err.Error(), nil
	}
	if checkOnly {
		return "", nil
	}
	a.room.ClearStartRects()
	for ally, r := range rects {
		a.room.SetStartRect(ally, r)
	}
	return "", nil
}

func (a *Agent) cmdKick(source, user string, params []string, checkOnly bool) (string, error) {
	if len(params) != 1 {
		return "usage: !kick <user>", nil
	}
	target := params[0]
	if _, ok := a.room.Member(target); !ok {
		return fmt.Sprintf("%s is not in the battle", target), nil
	}
	if a.effectiveLevel(target) >= a.effectiveLevel(user) && user != a.cfg.Lobby.Login {
		return "you cannot kick this user", nil
	}
	if checkOnly {
		return "", nil
	}
	a.SayBattle(fmt.Sprintf("Kicking %s (requested by %s)", target, user))
	a.room.Kick(target)
	return "", nil
}

func (a *Agent) cmdSpecAFK(source, user string, params []string, checkOnly bool) (string, error) {
	if checkOnly {
		return "", nil
	}
	n := 0
	for _, m := range a.room.Players() {
		if u, ok := a.users.Get(m.Name); ok && u.Status.Away {
			a.room.ForceSpec(m.Name)
			n++
		}
	}
	a.SayBattle(fmt.Sprintf("Moved %d away player(s) to spectators", n))
	return "", nil
}

func (a *Agent) cmdLock(lock bool) command.Handler {
	return func(source, user string, params []string, checkOnly bool) (string, error) {
		if checkOnly {
			return "", nil
		}
		a.room.Locked = lock
		word := "unlocked"
		if lock {
			word = "locked"
		}
		a.SayBattle(fmt.Sprintf("Battle %s by %s", word, user))
		return "", nil
	}
}

func (a *Agent) cmdRing(source, user string, params []string, checkOnly bool) (string, error) {
	target := user
	if len(params) == 1 {
		target = params[0]
	}
	if _, ok := a.users.Get(target); !ok {
		return fmt.Sprintf("%s is not online", target), nil
	}
	if checkOnly {
		return "", nil
	}
	a.client.Send("RING", target)
	return "", nil
}

func (a *Agent) cmdNotify(source, user string, params []string, checkOnly bool) (string, error) {
	if !a.gameRunning() {
		return "no game is running", nil
	}
	if checkOnly {
		return "", nil
	}
	for _, n := range a.notifyOnEnd {
		if n == user {
			return "you will already be notified", nil
		}
	}
	a.notifyOnEnd = append(a.notifyOnEnd, user)
	a.Say(source, user, "You will be notified when the current game ends.")
	return "", nil
}

func (a *Agent) cmdSearchUser(source, user string, params []string, checkOnly bool) (string, error) {
	if len(params) != 1 {
		return "usage: !searchuser <substring>", nil
	}
	if checkOnly {
		return "", nil
	}
	results := a.users.Search(params[0])
	if len(results) == 0 {
		a.Say(source, user, "no matching account")
		return "", nil
	}
	for _, r := range results {
		what := r.Name
		if what == "" {
			what = r.IP
		}
		state := "last seen " + r.LastSeen.Format("2006-01-02 15:04")
		if r.Online {
			state = "online"
		}
		a.client.SendLow("SAYPRIVATE", user, fmt.Sprintf("%s: %s (%s)", r.Key, what, state))
	}
	return "", nil
}

func (a *Agent) cmdSmurfs(source, user string, params []string, checkOnly bool) (string, error) {
	if len(params) != 1 {
		return "usage: !smurfs <user>", nil
	}
	target := params[0]
	u, ok := a.users.Get(target)
	if !ok {
		return fmt.Sprintf("%s is not online", target), nil
	}
	if checkOnly {
		return "", nil
	}
	groups := a.users.Smurfs(users.AccountKey(u.AccountID, target))
	if len(groups) == 0 {
		a.Say(source, user, fmt.Sprintf("no smurf candidate for %s", target))
		return "", nil
	}
	for _, g := range groups {
		a.client.SendLow("SAYPRIVATE", user,
			fmt.Sprintf("%d%%: %s", g.Confidence, strings.Join(g.Keys, ", ")))
	}
	return "", nil
}

// cmdBan accepts "!ban <name or filter> [duration] [reason...]" with shell
// quoting for multi-word filters.
func (a *Agent) cmdBan(source, user string, params []string, checkOnly bool) (string, error) {
	if len(params) == 0 {
		return "usage: !ban <user|field=value[,field=value...]> [minutes|Ngames] [reason]", nil
	}
	filter, err := parseBanFilter(params[0])
	if err != nil {
		return err.Error(), nil
	}
	action := users.BanAction{Type: users.BanBattle, StartDate: time.Now(), Reason: "banned by " + user}
	if len(params) > 1 {
		if strings.HasSuffix(params[1], "games") {
			n, err := strconv.Atoi(strings.TrimSuffix(params[1], "games"))
			if err != nil || n < 1 {
				return "invalid game count", nil
			}
			action.RemainingGames = n
		} else if mins, err := strconv.Atoi(params[1]); err == nil && mins > 0 {
			end := time.Now().Add(time.Duration(mins) * time.Minute)
			action.EndDate = &end
		} else {
			return "invalid duration", nil
		}
	}
	if len(params) > 2 {
		action.Reason = strings.Join(params[2:], " ")
	}
	if checkOnly {
		return "", nil
	}
	ban := &users.Ban{Filter: filter, Action: action}
	hash := a.bans.Add(ban)
	a.persistBan("dynamic", ban)
	a.Say(source, user, fmt.Sprintf("Ban %s added", hash))
	if _, ok := a.room.Member(filter.Name); ok && filter.Name != "" {
		a.recheckBan(filter.Name, "")
	}
	return "", nil
}

// parseBanFilter accepts a bare user name or "field=value,..." form.
func parseBanFilter(s string) (users.BanFilter, error) {
	var f users.BanFilter
	if !strings.Contains(s, "=") {
		f.Name = s
		return f, nil
	}
	for _, kv := range strings.Split(s, ",") {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			return f, fmt.Errorf("bad ban filter element %q", kv)
		}
		switch strings.ToLower(strings.TrimSpace(k)) {
		case "name":
			f.Name = v
		case "accountid":
			f.AccountID = v
		case "ip":
			f.IP = v
		case "country":
			f.Country = v
		case "rank":
			f.Rank = v
		case "skill":
			f.Skill = v
		case "level":
			f.Level = v
		default:
			return f, fmt.Errorf("unknown ban filter field %q", k)
		}
	}
	return f, nil
}

func (a *Agent) cmdUnban(source, user string, params []string, checkOnly bool) (string, error) {
	if len(params) != 1 {
		return "usage: !unban <hash>", nil
	}
	if checkOnly {
		return "", nil
	}
	if !a.bans.Remove(params[0]) {
		return fmt.Sprintf("no dynamic ban %s", params[0]), nil
	}
	a.deleteBan(params[0])
	a.Say(source, user, fmt.Sprintf("Ban %s removed", params[0]))
	return "", nil
}

func (a *Agent) cmdBanList(source, user string, params []string, checkOnly bool) (string, error) {
	if checkOnly {
		return "", nil
	}
	bans := a.bans.Dynamic()
	if len(bans) == 0 {
		a.Say(source, user, "no dynamic ban")
		return "", nil
	}
	for _, b := range bans {
		a.client.SendLow("SAYPRIVATE", user, fmt.Sprintf("%s: %s", b.Hash(), b.Describe()))
	}
	return "", nil
}

// findSetting resolves a setting name case-insensitively within a scope
// (shortcut invocations arrive with the user's casing).
func (a *Agent) findSetting(scope, name string) *config.Setting {
	for _, s := range a.tree.List(scope) {
		if strings.EqualFold(s.Name, name) {
			return s
		}
	}
	return nil
}

// cmdSet changes one setting in a scope; with no value it shows the
// current one.
func (a *Agent) cmdSet(scope string) command.Handler {
	return func(source, user string, params []string, checkOnly bool) (string, error) {
		if len(params) == 0 {
			return "usage: !set <name> [value]", nil
		}
		s := a.findSetting(scope, params[0])
		if s == nil {
			return fmt.Sprintf("unknown setting %q", params[0]), nil
		}
		if len(params) == 1 {
			a.Say(source, user, fmt.Sprintf("%s=%s", s.Name, s.Value()))
			return "", nil
		}
		value := strings.Join(params[1:], " ")
		if !config.CheckValue(s.Allowed, value) {
			return fmt.Sprintf("invalid value %q for setting %s", value, s.Name), nil
		}
		if checkOnly {
			return "", nil
		}
		old := s.Value()
		if err := a.tree.Set(scope, s.Name, value); err != nil {
			return err.Error(), nil
		}
		if old != value {
			a.SayBattle(fmt.Sprintf("%s changed by %s (%s => %s)", s.Name, user, old, value))
			a.onSettingChanged(s.Name)
		}
		return "", nil
	}
}

// onSettingChanged reacts to tunables that need immediate effect.
func (a *Agent) onSettingChanged(name string) {
	switch name {
	case "nbTeams", "teamSize", "nbPlayerById", "minTeamSize", "balanceMode", "clanMode", "idShareMode", "balRandSeed":
		a.needRebalance = true
	case "msgFloodLimit", "statusFloodLimit", "kickFloodLimit", "cmdFloodLimit", "rpcFloodLimit", "autoBanMinutes", "ignoreMinutes":
		a.flood = prefs.NewFloodGuard(a.floodLimits())
	}
}

func (a *Agent) cmdPSet(source, user string, params []string, checkOnly bool) (string, error) {
	if len(params) == 0 {
		return "usage: !pset <pref> [value]", nil
	}
	name := params[0]
	if len(params) == 1 {
		a.Say(source, user, fmt.Sprintf("%s=%s", name, a.prefs.Get(user, name)))
		return "", nil
	}
	value := strings.Join(params[1:], " ")
	if checkOnly {
		return "", nil
	}
	if name == "password" {
		if err := a.prefs.SetPassword(user, value); err != nil {
			return err.Error(), nil
		}
	} else if err := a.prefs.Set(user, name, value); err != nil {
		return err.Error(), nil
	}
	a.persistPrefs(user)
	a.Say(source, user, fmt.Sprintf("%s set to %s", name, value))
	return "", nil
}

// cmdAuth checks a cleartext password against the stored preference; a
// success unlocks the auth-gated level rules and reports the delta.
func (a *Agent) cmdAuth(source, user string, params []string, checkOnly bool) (string, error) {
	if len(params) != 1 {
		return "usage: !auth <password>", nil
	}
	if checkOnly {
		return "", nil
	}
	before := a.effectiveLevel(user)
	if !a.prefs.Auth(user, params[0]) {
		return "authentication failed", nil
	}
	after := a.effectiveLevel(user)
	if after != before {
		a.Say(source, user, fmt.Sprintf("Authentication succeeded (access level %d => %d)", before, after))
	} else {
		a.Say(source, user, "Authentication succeeded")
	}
	return "", nil
}

func (a *Agent) cmdList(source, user string, params []string, checkOnly bool) (string, error) {
	if checkOnly {
		return "", nil
	}
	scope := config.ScopeGlobal
	if len(params) > 0 {
		scope = params[0]
	}
	settings := a.tree.List(scope)
	names := make([]string, 0, len(settings))
	for _, s := range settings {
		names = append(names, s.Name+"="+s.Value())
	}
	sort.Strings(names)
	for _, chunk := range chunkLines(names, 10) {
		a.client.SendLow("SAYPRIVATE", user, strings.Join(chunk, ", "))
	}
	return "", nil
}

func chunkLines(items []string, per int) [][]string {
	var out [][]string
	for len(items) > per {
		out = append(out, items[:per])
		items = items[per:]
	}
	if len(items) > 0 {
		out = append(out, items)
	}
	return out
}

func (a *Agent) cmdReloadArchives(source, user string, params []string, checkOnly bool) (string, error) {
	if a.gameRunning() {
		return "cannot reload archives while a game is running", nil
	}
	if checkOnly {
		return "", nil
	}
	mode := archive.ModeFull
	if len(params) > 0 && params[0] == "game" {
		mode = archive.ModeGameOnly
	}
	a.startArchiveLoad(mode)
	a.Say(source, user, "archive reload started")
	return "", nil
}

// cmdQuit handles !quit and !restart with an optional condition parameter.
func (a *Agent) cmdQuit(action quit.Action) command.Handler {
	return func(source, user string, params []string, checkOnly bool) (string, error) {
		cond := quit.CondNow
		if len(params) > 0 {
			switch params[0] {
			case "game", "now", "":
				cond = quit.CondNow
			case "onlyspec", "whenonlyspec":
				cond = quit.CondOnlySpec
			case "empty", "whenempty":
				cond = quit.CondEmpty
			default:
				return "usage: !quit [game|onlySpec|empty]", nil
			}
		}
		if checkOnly {
			return "", nil
		}
		a.intent.Merge(action, cond, 0)
		word := "shut down"
		if action == quit.ActionRestart {
			word = "restart"
		}
		a.Say(source, user, fmt.Sprintf("autohost will %s (%s)", word, condWord(cond)))
		return "", nil
	}
}

func condWord(c quit.Condition) string {
	switch c {
	case quit.CondOnlySpec:
		return "when no player remains"
	case quit.CondEmpty:
		return "when the battle is empty"
	default:
		return "after the current game"
	}
}

func (a *Agent) cmdRehost(source, user string, params []string, checkOnly bool) (string, error) {
	if a.gameRunning() {
		return "cannot rehost while a game is running", nil
	}
	if checkOnly {
		return "", nil
	}
	a.SayBattle(fmt.Sprintf("Rehosting battle (requested by %s)", user))
	a.room.Close()
	a.intent.Clear()
	a.openBattle()
	return "", nil
}

// cmdCallVote forces the vote path even for callers who could run the
// command directly.
func (a *Agent) cmdCallVote(source, user string, params []string, checkOnly bool) (string, error) {
	if len(params) == 0 {
		return "usage: !callvote <command...>", nil
	}
	if checkOnly {
		return "", nil
	}
	if a.votes.Matches(params) {
		if err := a.votes.Cast(user, "y", a.gameRunning()); err != nil {
			return err.Error(), nil
		}
		return "", nil
	}
	if err := a.startVote(source, user, params); err != nil {
		return err.Error(), nil
	}
	return "", nil
}

// persistence helpers; no-ops when the database is disabled.

func (a *Agent) persistBan(list string, ban *users.Ban) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.db.SaveBan(ctx, list, ban); err != nil {
		a.log.WithError(err).Warn("ban not persisted")
	}
}

func (a *Agent) deleteBan(hash string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.db.DeleteBan(ctx, hash); err != nil {
		a.log.WithError(err).Warn("ban deletion not persisted")
	}
}

func (a *Agent) persistPrefs(user string) {
	key := a.prefs.KeyFor(user)
	if key == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.db.SavePrefs(ctx, key, a.prefs.List(user)); err != nil {
		a.log.WithError(err).Warn("preferences not persisted")
	}
}

// setupRPC registers the JSON-RPC facade and its method set.
func (a *Agent) setupRPC() {
	a.rpc = command.NewRPCFacade(a.log)
	a.rpc.Send = func(user, line string) { a.client.SendLow("SAYPRIVATE", user, line) }
	a.rpc.RateOK = func(user string) bool { return a.flood.RecordRPC(user) }
	a.rpc.Allowed = func(user, method string) bool { return a.effectiveLevel(user) >= levelEveryone }

	a.rpc.RegisterMethod("getPreferences", func(user string, _ json.RawMessage) (any, *command.RPCError) {
		return a.prefs.List(user), nil
	})
	a.rpc.RegisterMethod("getSettings", func(user string, params json.RawMessage) (any, *command.RPCError) {
		scope := config.ScopeGlobal
		if len(params) > 0 {
			var p struct {
				Scope string `json:"scope"`
			}
			if err := json.Unmarshal(params, &p); err == nil && p.Scope != "" {
				scope = p.Scope
			}
		}
		out := make(map[string]string)
		for _, s := range a.tree.List(scope) {
			out[s.Name] = s.Value()
		}
		if len(out) == 0 {
			return nil, &command.RPCError{Code: command.RPCUnknown, Message: "unknown scope"}
		}
		return out, nil
	})
	a.rpc.RegisterMethod("getVoteSettings", func(user string, _ json.RawMessage) (any, *command.RPCError) {
		st := a.voteSettings()
		return map[string]any{
			"voteTime":             int(st.VoteTime.Seconds()),
			"awayVoteDelay":        st.AwayVoteDelay,
			"minVoteParticipation": st.MinParticipation,
			"majorityVoteMargin":   st.MajorityMargin,
		}, nil
	})
	a.rpc.RegisterMethod("status", func(user string, _ json.RawMessage) (any, *command.RPCError) {
		return map[string]any{
			"battle":      a.cfg.Hosting.BattleName,
			"map":         a.room.Map,
			"players":     len(a.room.Players()),
			"spectators":  len(a.room.Specs()),
			"bots":        len(a.room.Bots()),
			"gameRunning": a.gameRunning(),
			"lobbyState":  a.client.State().String(),
		}, nil
	})
}
