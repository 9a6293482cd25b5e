package agent

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/akoven/autohost/internal/battle"
	"github.com/akoven/autohost/internal/command"
	"github.com/akoven/autohost/internal/config"
	"github.com/akoven/autohost/internal/lobby"
	"github.com/akoven/autohost/internal/prefs"
	"github.com/akoven/autohost/internal/protocol"
	"github.com/akoven/autohost/internal/skill"
	"github.com/akoven/autohost/internal/users"
	"github.com/akoven/autohost/internal/vote"
)

// registerLobbyHandlers binds every consumed lobby command.
func (a *Agent) registerLobbyHandlers() {
	c := a.client

	c.On("TASSERVER", a.onServerHello)
	c.On("ACCEPTED", func(protocol.Message) {
		a.loginAttempts = 0
		a.client.SetState(lobby.LoggedIn)
	})
	c.On("DENIED", a.onLoginDenied)
	c.On("AGREEMENTEND", func(protocol.Message) { a.client.Send("CONFIRMAGREEMENT") })
	c.On("REDIRECT", a.onRedirect)
	c.On("LOGININFOEND", a.onLoginInfoEnd)

	c.On("ADDUSER", a.onAddUser)
	c.On("REMOVEUSER", a.onRemoveUser)
	c.On("CLIENTSTATUS", a.onClientStatus)
	c.On("CLIENTIPPORT", a.onClientIPPort)

	c.On("BATTLEOPENED", a.onBattleOpened)
	c.On("BATTLECLOSED", a.onBattleClosed)
	c.On("OPENBATTLEFAILED", func(m protocol.Message) {
		a.log.WithField("reason", m.Sentence(0)).Error("battle open refused")
		a.client.SetState(lobby.Synchronized)
	})
	c.On("JOINBATTLEREQUEST", a.onJoinBattleRequest)
	c.On("JOINEDBATTLE", a.onJoinedBattle)
	c.On("LEFTBATTLE", a.onLeftBattle)
	c.On("CLIENTBATTLESTATUS", a.onClientBattleStatus)
	c.On("ADDBOT", a.onAddBot)
	c.On("REMOVEBOT", a.onRemoveBot)
	c.On("UPDATEBOT", a.onUpdateBot)
	c.On("KICKFROMBATTLE", a.onKickFromBattle)

	c.On("SAIDBATTLE", func(m protocol.Message) { a.onBattleChat(m.Arg(1), m.Sentence(2), false) })
	c.On("SAIDBATTLEEX", func(m protocol.Message) { a.onBattleChat(m.Arg(1), m.Sentence(2), true) })
	c.On("SAIDPRIVATE", a.onPrivate)
	c.On("SAIDPRIVATEEX", func(protocol.Message) {})
	c.On("SAID", func(m protocol.Message) { a.onChannelChat(m.Arg(1), m.Sentence(2)) })
	c.On("SAIDEX", func(protocol.Message) {})

	c.On("SERVERMSG", func(m protocol.Message) {
		a.log.WithField("msg", m.Sentence(0)).Info("server message")
	})
	c.On("BROADCAST", func(m protocol.Message) {
		a.log.WithField("msg", m.Sentence(0)).Warn("server broadcast")
	})
	c.On("CHANNELTOPIC", func(protocol.Message) {})
	c.On("CHANNELMESSAGE", func(protocol.Message) {})
	c.On("JOIN", func(protocol.Message) {})
	c.On("JOINED", func(protocol.Message) {})
	c.On("LEFT", func(protocol.Message) {})
	c.On("JOINFAILED", func(m protocol.Message) {
		a.log.WithField("reason", m.Sentence(1)).Warn("channel join failed")
	})
	c.On("UPDATEBATTLEINFO", func(protocol.Message) {})
}

func (a *Agent) onServerHello(m protocol.Message) {
	a.client.Send("LOGIN", a.cfg.Lobby.Login, prefs.HashPassword(a.cfg.Lobby.Password),
		"0", "*", a.cfg.Lobby.LobbyClient+"\t0\ta b sp")
}

// onLoginDenied retries up to three times when the previous session is
// still registered server-side, otherwise gives up with the login exit
// code.
func (a *Agent) onLoginDenied(m protocol.Message) {
	reason := m.Sentence(0)
	if strings.Contains(strings.ToLower(reason), "already logged in") && a.loginAttempts < 3 {
		a.loginAttempts++
		a.log.WithField("attempt", a.loginAttempts).Warn("ghost session, retrying login")
		delay := time.Duration(a.loginAttempts*5) * time.Second
		go func() {
			time.Sleep(delay)
			a.tasks <- func() { a.onServerHello(protocol.Message{}) }
		}()
		return
	}
	a.log.WithField("reason", reason).Error("login denied")
	a.shutdown(ExitLogin)
}

func (a *Agent) onRedirect(m protocol.Message) {
	port, _ := strconv.Atoi(m.Arg(1))
	if !a.client.Redirect(m.Arg(0), port) {
		a.log.Warn("ignoring lobby redirect")
	}
}

func (a *Agent) onLoginInfoEnd(protocol.Message) {
	a.client.SetState(lobby.Synchronized)
	a.client.Send("MYSTATUS", strconv.Itoa(encodeClientStatus(users.Status{Bot: true})))
	a.plugins.OnLobbyConnected()
	if a.mod != nil && !a.room.Opened {
		a.openBattle()
	}
}

// openBattle opens the configured battle once archives are resolved.
func (a *Agent) openBattle() {
	mapName := a.cfg.Hosting.Map
	info, ok := a.maps[mapName]
	if !ok {
		a.log.WithField("map", mapName).Error("configured map unavailable, battle not opened")
		return
	}
	if a.mod == nil {
		a.log.Error("mod not resolved, battle not opened")
		return
	}
	a.client.SetState(lobby.OpeningBattle)
	a.room.Open(a.cfg.Hosting.BattleName, a.cfg.Hosting.Password,
		a.cfg.Spring.SpringPort, a.cfg.Hosting.MaxPlayers, a.cfg.Hosting.NatType,
		a.cfg.Hosting.RankLimit, int(info.Hash), engineVersion(a.cfg.Spring.Binary),
		a.mod.Name, mapName,
		a.tree.Get(config.ScopeBattle, "startpostype"), nil,
		splitUnits(a.tree.Get(config.ScopeGlobal, "disabledUnits")))
}

func splitUnits(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Fields(s)
}

// engineVersion derives the advertised engine version from the binary
// name; a full probe would exec the binary, which is deferred to launch.
func engineVersion(binary string) string {
	base := binary
	if i := strings.LastIndexByte(base, '/'); i >= 0 {
		base = base[i+1:]
	}
	if i := strings.IndexByte(base, '-'); i > 0 && strings.ContainsAny(base[i+1:], "0123456789") {
		return base[i+1:]
	}
	return "105.0"
}

func (a *Agent) onAddUser(m protocol.Message) {
	accountID, _ := strconv.Atoi(m.Arg(2))
	u := a.users.AddUser(m.Arg(0), m.Arg(1), accountID, m.Arg(3))
	a.prefs.Identify(u.Name, users.AccountKey(accountID, u.Name))
}

func (a *Agent) onRemoveUser(m protocol.Message) {
	name := m.Arg(0)
	a.users.RemoveUser(name)
	a.prefs.Forget(name)
	a.votes.RemoveVoter(name, a.gameRunning())
	delete(a.userSkills, name)
}

// Client status bits: 0 in-game, 1 away, 2-4 rank, 5 moderator, 6 bot.
func decodeClientStatus(v int) users.Status {
	return users.Status{
		InGame: v&1 != 0,
		Away:   v&2 != 0,
		Rank:   (v >> 2) & 7,
		Bot:    v&64 != 0,
	}
}

func encodeClientStatus(st users.Status) int {
	v := 0
	if st.InGame {
		v |= 1
	}
	if st.Away {
		v |= 2
	}
	v |= (st.Rank & 7) << 2
	if st.Bot {
		v |= 64
	}
	return v
}

func (a *Agent) onClientStatus(m protocol.Message) {
	name := m.Arg(0)
	v, err := strconv.Atoi(m.Arg(1))
	if err != nil {
		return
	}
	st := decodeClientStatus(v)
	prev, _ := a.users.Get(name)
	wasInGame := prev != nil && prev.Status.InGame
	a.users.SetStatus(name, st)
	if wasInGame != st.InGame {
		a.room.Tick(a.policyConfig(), a.policyHooks())
	}
}

func (a *Agent) onClientIPPort(m protocol.Message) {
	name, ip := m.Arg(0), m.Arg(1)
	a.users.LearnIP(name, ip)
	a.recheckBan(name, ip)
}

// recheckBan re-evaluates bans for a member once a better IP is known.
func (a *Agent) recheckBan(name, ip string) {
	if _, inBattle := a.room.Member(name); !inBattle {
		return
	}
	subject := a.banSubject(name, ip)
	if b := a.bans.Find(subject); b != nil {
		switch b.Action.Type {
		case users.BanFull, users.BanBattle:
			a.SayBattle(fmt.Sprintf("Kicking %s (%s)", name, b.Describe()))
			a.room.Kick(name)
		case users.BanSpec:
			a.room.ForceSpec(name)
		}
	}
}

func (a *Agent) banSubject(name, ip string) users.Subject {
	s := users.Subject{Name: name, IP: ip, Level: a.accessLevel(name)}
	if u, ok := a.users.Get(name); ok {
		s.AccountID = u.AccountID
		s.Country = u.Country
		s.Rank = u.Status.Rank
		s.Bot = u.Status.Bot
		if ip == "" {
			s.IP = u.IP
		}
	}
	if us, ok := a.userSkills[name]; ok {
		s.Skill = us.Skill
	}
	return s
}

func (a *Agent) onBattleOpened(m protocol.Message) {
	founder := m.Arg(3)
	if founder == a.cfg.Lobby.Login {
		id, _ := strconv.Atoi(m.Arg(0))
		a.room.BattleID = id
		a.client.SetState(lobby.BattleOpened)
		a.log.WithField("battleId", id).Info("battle opened")
		return
	}
	// learn ghost map hashes from other hosts
	if a.tree.GetBool(config.ScopeGlobal, "ghostMaps") {
		if hash, err := strconv.Atoi(m.Arg(7)); err == nil {
			if mapName := m.Sentence(1); mapName != "" {
				if err := a.ghosts.Learn(mapName, int32(hash)); err != nil {
					a.log.WithError(err).Debug("ghost map save failed")
				}
			}
		}
	}
}

func (a *Agent) onBattleClosed(m protocol.Message) {
	id, _ := strconv.Atoi(m.Arg(0))
	if id == a.room.BattleID && a.room.Opened {
		a.log.Warn("server closed our battle")
		a.room.Opened = false
		a.client.SetState(lobby.Synchronized)
	}
}

// onJoinBattleRequest applies the deny chain: dynamic/static bans first,
// then plugin vetoes, then accept.
func (a *Agent) onJoinBattleRequest(m protocol.Message) {
	name, ip := m.Arg(0), m.Arg(1)
	a.users.LearnIP(name, ip)
	if b := a.bans.Find(a.banSubject(name, ip)); b != nil && b.Action.Type != users.BanSpec {
		a.client.Send("JOINBATTLEDENY", name, b.Describe())
		return
	}
	if reason := a.plugins.VetoJoin(name, ip); reason != "" {
		a.client.Send("JOINBATTLEDENY", name, reason)
		return
	}
	a.client.Send("JOINBATTLEACCEPT", name)
}

func (a *Agent) onJoinedBattle(m protocol.Message) {
	id, _ := strconv.Atoi(m.Arg(0))
	if id != a.room.BattleID {
		return
	}
	name := m.Arg(1)
	a.room.AddMember(name, m.Arg(2))
	if u, ok := a.users.Get(name); ok {
		a.prefs.Identify(name, users.AccountKey(u.AccountID, name))
	}
	// spec-bans demote instead of excluding
	if b := a.bans.Find(a.banSubject(name, "")); b != nil && b.Action.Type == users.BanSpec {
		a.room.ForceSpec(name)
	}
	a.resolveSkill(name)
	a.greet(name)
}

func (a *Agent) greet(name string) {
	a.client.SendLow("SAYPRIVATE", name,
		fmt.Sprintf("Hi %s, welcome! Say !help for the command list.", name))
}

// resolveSkill computes the player's effective skill for the current game
// type, through the rating bot when their skillMode pref asks for it.
func (a *Agent) resolveSkill(name string) {
	u, ok := a.users.Get(name)
	if !ok {
		return
	}
	if a.prefs.Get(name, "skillMode") == "TrueSkill" {
		a.skills.Request(u.AccountID, u.IP, name, a.room.GameTypeNow(), u.Status.Rank)
		return
	}
	a.onSkillResult(name, rankSkill(u.Status.Rank, a.prefs.Get(name, "rankMode")))
}

func (a *Agent) onLeftBattle(m protocol.Message) {
	id, _ := strconv.Atoi(m.Arg(0))
	if id != a.room.BattleID {
		return
	}
	name := m.Arg(1)
	a.room.RemoveMember(name)
	a.votes.RemoveVoter(name, a.gameRunning())
	if u, ok := a.users.Get(name); ok {
		a.skills.Cancel(u.AccountID)
	}
	a.needRebalance = true
}

func (a *Agent) onClientBattleStatus(m protocol.Message) {
	name := m.Arg(0)
	if a.flood.RecordStatus(name) {
		a.SayBattle(fmt.Sprintf("Kicking %s (battle status flood)", name))
		a.room.Kick(name)
		a.onKickFlood(name)
		return
	}
	v, err := strconv.Atoi(m.Arg(1))
	if err != nil {
		return
	}
	colorInt, _ := strconv.Atoi(m.Arg(2))
	st := battle.DecodeBattleStatus(v)
	prev, _ := a.room.Member(name)
	wasPlayer := prev != nil && prev.Status.Mode == battle.ModePlayer
	a.room.SetMemberStatus(name, st, battle.DecodeColor(colorInt))
	if (st.Mode == battle.ModePlayer) != wasPlayer {
		a.needRebalance = true
	}
}

func (a *Agent) onAddBot(m protocol.Message) {
	id, _ := strconv.Atoi(m.Arg(0))
	if id != a.room.BattleID {
		return
	}
	v, _ := strconv.Atoi(m.Arg(3))
	colorInt, _ := strconv.Atoi(m.Arg(4))
	a.room.AddBot(m.Arg(1), m.Arg(2), m.Sentence(5), battle.DecodeBattleStatus(v), battle.DecodeColor(colorInt))
	a.needRebalance = true
}

func (a *Agent) onRemoveBot(m protocol.Message) {
	id, _ := strconv.Atoi(m.Arg(0))
	if id == a.room.BattleID {
		a.room.RemoveBot(m.Arg(1))
		a.needRebalance = true
	}
}

func (a *Agent) onUpdateBot(m protocol.Message) {
	id, _ := strconv.Atoi(m.Arg(0))
	if id != a.room.BattleID {
		return
	}
	name := m.Arg(1)
	if b, ok := findBot(a.room.Bots(), name); ok {
		v, _ := strconv.Atoi(m.Arg(2))
		colorInt, _ := strconv.Atoi(m.Arg(3))
		b.Status = battle.DecodeBattleStatus(v)
		b.Color = battle.DecodeColor(colorInt)
	}
}

func findBot(bots []*battle.Bot, name string) (*battle.Bot, bool) {
	for _, b := range bots {
		if b.Name == name {
			return b, true
		}
	}
	return nil, false
}

func (a *Agent) onKickFromBattle(m protocol.Message) {
	// we were kicked from our own battle (moderator action)
	a.log.Warn("kicked from battle by the server")
	a.room.Opened = false
	a.client.SetState(lobby.Synchronized)
}

func (a *Agent) onBattleChat(user, msg string, _ bool) {
	if user == a.cfg.Lobby.Login {
		return
	}
	if a.flood.RecordMsg(user) {
		a.SayBattle(fmt.Sprintf("Kicking %s (message flood)", user))
		a.room.Kick(user)
		a.onKickFlood(user)
		return
	}
	a.handleChatCommand(vote.SourceBattle, user, msg)
}

func (a *Agent) onChannelChat(user, msg string) {
	if user != a.cfg.Lobby.Login {
		a.handleChatCommand(vote.SourceChannel, user, msg)
	}
}

func (a *Agent) onPrivate(m protocol.Message) {
	user, msg := m.Arg(0), m.Sentence(1)
	if user == a.cfg.Lobby.Login {
		return
	}
	if user == a.skills.BotName() && a.skills.HandleReply(msg, a.room.GameTypeNow(), a.rankOf) {
		return
	}
	if command.IsRPCRequest(msg) {
		a.rpc.HandleLine(user, msg)
		return
	}
	a.handleChatCommand(vote.SourcePrivate, user, msg)
}

// handleChatCommand routes "!..." lines through the dispatcher with flood
// accounting.
func (a *Agent) handleChatCommand(source, user, msg string) {
	if !strings.HasPrefix(msg, "!") {
		return
	}
	if a.flood.Ignored(user) {
		return
	}
	if a.flood.RecordCmd(user) {
		a.Say(source, user, "You are flooding commands; ignored for a while.")
		return
	}
	tokens := a.disp.Parse(msg)
	if tokens == nil {
		return
	}
	a.disp.Dispatch(source, user, tokens)
}

// onKickFlood feeds kick-flood accounting and applies the auto-ban.
func (a *Agent) onKickFlood(name string) {
	if !a.flood.RecordKick(name) {
		return
	}
	until := time.Now().Add(a.flood.BanDuration())
	hash := a.bans.Add(&users.Ban{
		Filter: users.BanFilter{Name: name},
		Action: users.BanAction{Type: users.BanBattle, StartDate: time.Now(), EndDate: &until,
			Reason: "kick flood"},
	})
	a.log.WithFields(map[string]interface{}{"user": name, "ban": hash}).Info("auto-ban for kick flood")
}

// onSkillResult is the bridge's delivery callback.
func (a *Agent) onSkillResult(name string, us skill.UserSkill) {
	prev, had := a.userSkills[name]
	a.userSkills[name] = &us
	a.pushSkillTags(name, us)
	if m, ok := a.room.Member(name); ok && m.Status.Mode == battle.ModePlayer {
		if !had || prev.Skill != us.Skill {
			a.needRebalance = true
		}
	}
}

// pushSkillTags re-sends the per-player skill scripttags.
func (a *Agent) pushSkillTags(name string, us skill.UserSkill) {
	if !a.room.Opened {
		return
	}
	lc := strings.ToLower(name)
	a.room.SetScriptTags(map[string]string{
		"game/players/" + lc + "/skill":            formatSkill(us),
		"game/players/" + lc + "/skilluncertainty": strconv.FormatFloat(us.Sigma, 'f', 2, 64),
	})
}

func formatSkill(us skill.UserSkill) string {
	s := strconv.FormatFloat(us.Skill, 'f', 2, 64)
	switch us.SkillOrigin {
	case skill.OriginTrueSkillDegraded, skill.OriginPluginDegraded:
		return "(" + s + ")"
	case skill.OriginRank:
		return "#" + s + "#"
	}
	return s
}

// rankSkill maps a lobby rank to an effective skill per the rank tables.
func rankSkill(rank int, rankMode string) skill.UserSkill {
	return skill.UserSkill{
		Skill:       skill.FromRank(rank),
		Sigma:       skill.DefaultSigma,
		Rank:        rank,
		SkillOrigin: skill.OriginRank,
		RankOrigin:  rankMode,
	}
}
