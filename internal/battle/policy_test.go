package battle

import (
	"fmt"
	"testing"

	"github.com/sirupsen/logrus"
)

func testRoom() *Room {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	r := NewRoom(log, func(cmd string, args ...string) {}, "Host")
	r.Opened = true
	return r
}

func addPlayer(r *Room, name string, team, id int, ready bool) {
	r.AddMember(name, "")
	r.SetMemberStatus(name, BattleStatus{Mode: ModePlayer, Team: team, ID: id, Ready: ready, Sync: 1}, DecodeColor(0))
}

func TestGameType(t *testing.T) {
	cases := []struct {
		teams, size int
		want        string
	}{
		{2, 1, TypeDuel},
		{1, 1, TypeDuel},
		{4, 1, TypeFFA},
		{2, 4, TypeTeam},
		{3, 2, TypeTeamFFA},
	}
	for _, c := range cases {
		if got := GameType(c.teams, c.size); got != c.want {
			t.Errorf("GameType(%d,%d) = %s, want %s", c.teams, c.size, got, c.want)
		}
	}
}

func TestPreflightStateReady(t *testing.T) {
	r := testRoom()
	addPlayer(r, "a", 0, 0, true)
	addPlayer(r, "b", 1, 1, true)
	cfg := PolicyConfig{NbTeams: 2, TeamSize: 1, NbPlayerByID: 1, MinTeamSize: 1, MinPlayers: 2}
	if got := r.PreflightState(cfg, 2, nil); got != StateReady {
		t.Errorf("state = %d, want %d", got, StateReady)
	}
}

func TestPreflightStateUnready(t *testing.T) {
	r := testRoom()
	addPlayer(r, "a", 0, 0, true)
	addPlayer(r, "b", 1, 1, false)
	cfg := PolicyConfig{NbTeams: 2, TeamSize: 1, NbPlayerByID: 1, MinTeamSize: 1, MinPlayers: 2}
	if got := r.PreflightState(cfg, 2, nil); got != StateUnready {
		t.Errorf("state = %d, want %d", got, StateUnready)
	}
	// fixed start positions do not require the ready flag
	if got := r.PreflightState(cfg, 1, nil); got != StateReady {
		t.Errorf("state with startpostype 1 = %d, want %d", got, StateReady)
	}
}

func TestPreflightStateUnsynced(t *testing.T) {
	r := testRoom()
	addPlayer(r, "a", 0, 0, true)
	r.AddMember("b", "")
	r.SetMemberStatus("b", BattleStatus{Mode: ModePlayer, Team: 1, ID: 1, Ready: true, Sync: 2}, DecodeColor(0))
	cfg := PolicyConfig{NbTeams: 2, TeamSize: 1, NbPlayerByID: 1, MinTeamSize: 1, MinPlayers: 2}
	if got := r.PreflightState(cfg, 2, nil); got != StateUnsynced {
		t.Errorf("state = %d, want %d", got, StateUnsynced)
	}
}

func TestPreflightStateAlreadyInGame(t *testing.T) {
	r := testRoom()
	addPlayer(r, "a", 0, 0, true)
	addPlayer(r, "b", 1, 1, true)
	cfg := PolicyConfig{NbTeams: 2, TeamSize: 1, NbPlayerByID: 1, MinTeamSize: 1, MinPlayers: 2}
	inGame := func(name string) bool { return name == "b" }
	if got := r.PreflightState(cfg, 2, inGame); got != StateAlreadyInGame {
		t.Errorf("state = %d, want %d", got, StateAlreadyInGame)
	}
}

func TestPreflightStateInconsistent(t *testing.T) {
	r := testRoom()
	// same id on two different allyteams
	addPlayer(r, "a", 0, 3, true)
	addPlayer(r, "b", 1, 3, true)
	cfg := PolicyConfig{NbTeams: 2, TeamSize: 1, NbPlayerByID: 1, MinTeamSize: 1, MinPlayers: 2}
	if got := r.PreflightState(cfg, 2, nil); got != StateInconsistent {
		t.Errorf("state = %d, want %d", got, StateInconsistent)
	}
}

func TestPreflightStateTooMany(t *testing.T) {
	r := testRoom()
	for i := 0; i < 252; i++ {
		r.AddMember(fmt.Sprintf("u%03d", i), "")
	}
	cfg := PolicyConfig{NbTeams: 2, TeamSize: 1, NbPlayerByID: 1, MinTeamSize: 1, MinPlayers: 2}
	if got := r.PreflightState(cfg, 2, nil); got != StateTooMany {
		t.Errorf("state = %d, want %d", got, StateTooMany)
	}
}

func TestPreflightStateUneven(t *testing.T) {
	r := testRoom()
	addPlayer(r, "a", 0, 0, true)
	addPlayer(r, "b", 1, 1, true)
	addPlayer(r, "c", 0, 2, true)
	cfg := PolicyConfig{NbTeams: 2, TeamSize: 2, NbPlayerByID: 1, MinTeamSize: 2, MinPlayers: 2}
	if got := r.PreflightState(cfg, 2, nil); got != StateUneven {
		t.Errorf("state = %d, want %d", got, StateUneven)
	}
}

func TestStatusRoundTrip(t *testing.T) {
	st := BattleStatus{Mode: ModePlayer, Team: 3, ID: 7, Ready: true, Sync: 1, Side: 2}
	if got := DecodeBattleStatus(EncodeBattleStatus(st)); got != st {
		t.Errorf("round trip changed status: %+v -> %+v", st, got)
	}
}

func TestAutoLock(t *testing.T) {
	r := testRoom()
	for i := 0; i < 4; i++ {
		addPlayer(r, fmt.Sprintf("p%d", i), i%2, i, true)
	}
	cfg := PolicyConfig{
		NbTeams: 2, TeamSize: 2, NbPlayerByID: 1, MinTeamSize: 1, MinPlayers: 1,
		MaxSpecs: -1, MaxBots: -1, MaxLocalBots: -1, MaxRemoteBots: -1,
		AutoLock: "on", AutoStart: "off",
	}
	r.Tick(cfg, PolicyHooks{})
	if !r.Locked {
		t.Error("room should lock once every slot is filled")
	}

	r.RemoveMember("p3")
	r.Tick(cfg, PolicyHooks{})
	if r.Locked {
		t.Error("room should unlock when a slot frees up")
	}
}

func TestAutoStartRequestsLaunch(t *testing.T) {
	r := testRoom()
	addPlayer(r, "a", 0, 0, true)
	addPlayer(r, "b", 1, 1, true)
	cfg := PolicyConfig{
		NbTeams: 2, TeamSize: 1, NbPlayerByID: 1, MinTeamSize: 1, MinPlayers: 2,
		MaxSpecs: -1, MaxBots: -1, MaxLocalBots: -1, MaxRemoteBots: -1,
		AutoStart: "on",
	}
	requested := false
	r.Tick(cfg, PolicyHooks{RequestLaunch: func() { requested = true }})
	if !requested {
		t.Error("balanced-ready room with autoStart on should request a launch")
	}

	requested = false
	r.Tick(cfg, PolicyHooks{
		RequestLaunch: func() { requested = true },
		VotePending:   func() bool { return true },
	})
	if requested {
		t.Error("a pending vote must hold the auto start")
	}
}
