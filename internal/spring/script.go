// Package spring launches the game engine, feeds it a start script, listens
// on the autohost channel and produces the end-of-game report.
package spring

import (
	"fmt"
	"sort"
	"strings"
)

// ScriptPlayer is one human participant of the start script.
type ScriptPlayer struct {
	Name        string
	AccountID   int
	CountryCode string
	Rank        int
	Password    string
	Spectator   bool
	Team        int // script team number, players only
	Skill       string
	SkillUncert string
}

// ScriptBot is one AI participant.
type ScriptBot struct {
	Name      string
	Owner     string
	ShortName string
	Version   string
	Team      int
	Options   map[string]string
}

// ScriptTeam is a controllable team entry.
type ScriptTeam struct {
	Leader      int // player number of the controlling player
	AllyTeam    int
	ID          int // team color/control slot
	RGBColor    [3]float64
	Side        string
	Handicap    int
	StartPosX   int
	StartPosY   int
	hasStartPos bool
}

// SetStartPos fixes the team's start position (startpostype 3).
func (t *ScriptTeam) SetStartPos(x, y int) {
	t.StartPosX, t.StartPosY = x, y
	t.hasStartPos = true
}

// StartRect is an allyteam start box in 0..200 coordinates.
type StartRect struct {
	Left, Top, Right, Bottom int
}

// ScriptInput is everything the start script serializer needs.
type ScriptInput struct {
	GameName       string
	MapName        string
	ModHash        string
	MapHash        string
	StartPosType   int
	GameStartDelay int

	HostIP       string
	HostPort     int
	AutohostPort int
	IsHost       bool

	Players     []ScriptPlayer
	Bots        []ScriptBot
	Teams       map[int]*ScriptTeam
	StartRects  map[int]StartRect // by allyteam
	NbAllyTeams int

	ModOptions map[string]string
	MapOptions map[string]string
	// Extra script tags already namespaced (e.g. "game/mutator").
	Tags map[string]string
}

// Serialize renders the start script in the engine's TDF syntax. Section
// order and key order are stable so identical inputs produce identical
// scripts.
func Serialize(in ScriptInput) string {
	var b strings.Builder
	b.WriteString("[GAME]\n{\n")

	w := func(indent int, k, v string) {
		b.WriteString(strings.Repeat("\t", indent))
		fmt.Fprintf(&b, "%s=%s;\n", k, v)
	}

	w(1, "GameType", in.GameName)
	w(1, "MapName", in.MapName)
	if in.ModHash != "" {
		w(1, "ModHash", in.ModHash)
	}
	if in.MapHash != "" {
		w(1, "MapHash", in.MapHash)
	}
	w(1, "StartPosType", fmt.Sprint(in.StartPosType))
	if in.GameStartDelay > 0 {
		w(1, "GameStartDelay", fmt.Sprint(in.GameStartDelay))
	}
	w(1, "HostIP", in.HostIP)
	w(1, "HostPort", fmt.Sprint(in.HostPort))
	if in.AutohostPort > 0 {
		w(1, "AutohostPort", fmt.Sprint(in.AutohostPort))
	}
	if in.IsHost {
		w(1, "IsHost", "1")
	}
	w(1, "NumPlayers", fmt.Sprint(len(in.Players)))
	w(1, "NumTeams", fmt.Sprint(len(in.Teams)))
	w(1, "NumAllyTeams", fmt.Sprint(in.NbAllyTeams))

	for i, p := range in.Players {
		fmt.Fprintf(&b, "\t[PLAYER%d]\n\t{\n", i)
		w(2, "Name", p.Name)
		if p.Password != "" {
			w(2, "Password", p.Password)
		}
		if p.AccountID != 0 {
			w(2, "AccountID", fmt.Sprint(p.AccountID))
		}
		if p.CountryCode != "" {
			w(2, "CountryCode", p.CountryCode)
		}
		w(2, "Rank", fmt.Sprint(p.Rank))
		if p.Spectator {
			w(2, "Spectator", "1")
		} else {
			w(2, "Team", fmt.Sprint(p.Team))
		}
		if p.Skill != "" {
			w(2, "Skill", p.Skill)
		}
		if p.SkillUncert != "" {
			w(2, "SkillUncertainty", p.SkillUncert)
		}
		b.WriteString("\t}\n")
	}

	for i, bot := range in.Bots {
		fmt.Fprintf(&b, "\t[AI%d]\n\t{\n", i)
		w(2, "Name", bot.Name)
		w(2, "Host", bot.Owner)
		w(2, "ShortName", bot.ShortName)
		if bot.Version != "" {
			w(2, "Version", bot.Version)
		}
		w(2, "Team", fmt.Sprint(bot.Team))
		if len(bot.Options) > 0 {
			b.WriteString("\t\t[OPTIONS]\n\t\t{\n")
			for _, k := range sortedKeys(bot.Options) {
				w(3, k, bot.Options[k])
			}
			b.WriteString("\t\t}\n")
		}
		b.WriteString("\t}\n")
	}

	teamNums := make([]int, 0, len(in.Teams))
	for n := range in.Teams {
		teamNums = append(teamNums, n)
	}
	sort.Ints(teamNums)
	for _, n := range teamNums {
		t := in.Teams[n]
		fmt.Fprintf(&b, "\t[TEAM%d]\n\t{\n", n)
		w(2, "TeamLeader", fmt.Sprint(t.Leader))
		w(2, "AllyTeam", fmt.Sprint(t.AllyTeam))
		w(2, "RGBColor", fmt.Sprintf("%.5f %.5f %.5f", t.RGBColor[0], t.RGBColor[1], t.RGBColor[2]))
		if t.Side != "" {
			w(2, "Side", t.Side)
		}
		if t.Handicap != 0 {
			w(2, "Handicap", fmt.Sprint(t.Handicap))
		}
		if t.hasStartPos {
			w(2, "StartPosX", fmt.Sprint(t.StartPosX))
			w(2, "StartPosY", fmt.Sprint(t.StartPosY))
		}
		b.WriteString("\t}\n")
	}

	for a := 0; a < in.NbAllyTeams; a++ {
		fmt.Fprintf(&b, "\t[ALLYTEAM%d]\n\t{\n", a)
		w(2, "NumAllies", "0")
		if r, ok := in.StartRects[a]; ok {
			w(2, "StartRectLeft", fmt.Sprintf("%.4f", float64(r.Left)/200))
			w(2, "StartRectTop", fmt.Sprintf("%.4f", float64(r.Top)/200))
			w(2, "StartRectRight", fmt.Sprintf("%.4f", float64(r.Right)/200))
			w(2, "StartRectBottom", fmt.Sprintf("%.4f", float64(r.Bottom)/200))
		}
		b.WriteString("\t}\n")
	}

	if len(in.ModOptions) > 0 {
		b.WriteString("\t[MODOPTIONS]\n\t{\n")
		for _, k := range sortedKeys(in.ModOptions) {
			w(2, k, in.ModOptions[k])
		}
		b.WriteString("\t}\n")
	}
	if len(in.MapOptions) > 0 {
		b.WriteString("\t[MAPOPTIONS]\n\t{\n")
		for _, k := range sortedKeys(in.MapOptions) {
			w(2, k, in.MapOptions[k])
		}
		b.WriteString("\t}\n")
	}
	for _, k := range sortedKeys(in.Tags) {
		w(1, strings.TrimPrefix(k, "game/"), in.Tags[k])
	}

	b.WriteString("}\n")
	return b.String()
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
