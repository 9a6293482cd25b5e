package spring

import (
	"strings"
	"testing"
	"time"
)

func sampleInput() ScriptInput {
	teams := map[int]*ScriptTeam{
		1: {Leader: 1, AllyTeam: 1, RGBColor: [3]float64{0, 0.31, 1}},
		0: {Leader: 0, AllyTeam: 0, RGBColor: [3]float64{1, 0.12, 0}, Side: "ARM"},
	}
	return ScriptInput{
		GameName:     "Balanced Annihilation V12.1",
		MapName:      "Comet Catcher Redux",
		ModHash:      "123456",
		MapHash:      "654321",
		StartPosType: 2,
		HostIP:       "0.0.0.0",
		HostPort:     8452,
		AutohostPort: 8453,
		IsHost:       true,
		Players: []ScriptPlayer{
			{Name: "Toto", AccountID: 1234, Rank: 3, Team: 0, Skill: "25.0"},
			{Name: "Tata", AccountID: 5678, Rank: 1, Team: 1},
			{Name: "Watcher", Rank: 0, Spectator: true},
		},
		Teams:       teams,
		NbAllyTeams: 2,
		StartRects:  map[int]StartRect{0: {0, 0, 40, 200}, 1: {160, 0, 200, 200}},
		ModOptions:  map[string]string{"maxunits": "500", "deathmode": "com"},
		Tags:        map[string]string{"game/mutator": "none"},
	}
}

func TestSerializeDeterministic(t *testing.T) {
	a := Serialize(sampleInput())
	b := Serialize(sampleInput())
	if a != b {
		t.Fatal("identical inputs must produce identical scripts")
	}
}

func TestSerializeStructure(t *testing.T) {
	s := Serialize(sampleInput())

	for _, want := range []string{
		"GameType=Balanced Annihilation V12.1;",
		"MapName=Comet Catcher Redux;",
		"NumPlayers=3;",
		"NumTeams=2;",
		"NumAllyTeams=2;",
		"[PLAYER0]",
		"[PLAYER2]",
		"Spectator=1;",
		"[TEAM0]",
		"[TEAM1]",
		"Side=ARM;",
		"[ALLYTEAM1]",
		"StartRectRight=0.2000;",
		"[MODOPTIONS]",
		"mutator=none;",
	} {
		if !strings.Contains(s, want) {
			t.Errorf("script missing %q", want)
		}
	}

	// sections appear in a fixed order
	if strings.Index(s, "[PLAYER0]") > strings.Index(s, "[TEAM0]") {
		t.Error("players must precede teams")
	}
	if strings.Index(s, "[TEAM0]") > strings.Index(s, "[TEAM1]") {
		t.Error("teams must be sorted by number")
	}
	// mod options are sorted by key
	if strings.Index(s, "deathmode=com;") > strings.Index(s, "maxunits=500;") {
		t.Error("mod options must be sorted")
	}
	// spectators never carry a Team key
	spec := s[strings.Index(s, "[PLAYER2]"):]
	spec = spec[:strings.Index(spec, "}")]
	if strings.Contains(spec, "Team=") {
		t.Error("spectator entry must not assign a team")
	}
}

func TestSerializeStartPos(t *testing.T) {
	in := sampleInput()
	in.StartPosType = 3
	in.Teams[0].SetStartPos(512, 1024)
	s := Serialize(in)
	if !strings.Contains(s, "StartPosX=512;") || !strings.Contains(s, "StartPosY=1024;") {
		t.Error("fixed start positions missing")
	}
}

func TestFormatDuration(t *testing.T) {
	cases := []struct {
		secs int
		want string
	}{
		{59, "0m59s"},
		{60, "1m00s"},
		{3600, "1h00m00s"},
		{3725, "1h02m05s"},
	}
	for _, c := range cases {
		if got := formatDuration(time.Duration(c.secs) * time.Second); got != c.want {
			t.Errorf("formatDuration(%ds) = %q, want %q", c.secs, got, c.want)
		}
	}
}
