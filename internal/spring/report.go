package spring

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Game results.
const (
	ResultWin       = "gameOver"
	ResultDraw      = "draw"
	ResultUndecided = "undecided"
)

// ReportPlayer is one participant entry of a Game Data Report.
type ReportPlayer struct {
	Name      string `json:"name"`
	AccountID int    `json:"accountId"`
	IP        string `json:"ip,omitempty"`
	Team      int    `json:"team"`
	AllyTeam  int    `json:"allyTeam"`
	Win       int    `json:"win"` // 1 won, 0 lost, 2 undecided
}

// ReportBot is one AI entry.
type ReportBot struct {
	Name     string `json:"name"`
	Owner    string `json:"owner"`
	AllyTeam int    `json:"allyTeam"`
	Win      int    `json:"win"`
}

// TeamTotals are the accumulated end-of-game statistics for one team.
type TeamTotals struct {
	DamageDealt    float64 `json:"damageDealt"`
	DamageReceived float64 `json:"damageReceived"`
	MetalProduced  float64 `json:"metalProduced"`
	EnergyProduced float64 `json:"energyProduced"`
	UnitsProduced  uint32  `json:"unitsProduced"`
	UnitsKilled    uint32  `json:"unitsKilled"`
	UnitsDied      uint32  `json:"unitsDied"`
}

// GameDataReport is the post-mortem record queued for the reporting bot
// and archived in the database.
type GameDataReport struct {
	ID         string             `json:"gameId"`
	Engine     string             `json:"engine"`
	Type       string             `json:"type"`
	Structure  string             `json:"structure"`
	Map        string             `json:"map"`
	GameName   string             `json:"game"`
	StartedAt  time.Time          `json:"startTs"`
	Duration   time.Duration      `json:"duration"`
	Result     string             `json:"result"`
	Winners    []int              `json:"winningAllyTeams"`
	Cheating   bool               `json:"cheating"`
	Players    []ReportPlayer     `json:"players"`
	Bots       []ReportBot        `json:"bots"`
	TeamTotals map[int]TeamTotals `json:"teamStats,omitempty"`
}

// buildReport assembles the report from the frozen snapshot and the
// accumulated in-game state.
func (t *Tracker) buildReport() GameDataReport {
	g := t.game
	winners := t.winners()
	winSet := make(map[int]bool, len(winners))
	for _, w := range winners {
		winSet[w] = true
	}

	result := ResultUndecided
	if len(t.overReports) > 0 {
		if len(winners) == 0 {
			result = ResultDraw
		} else {
			result = ResultWin
		}
	}
	winOf := func(ally int) int {
		if result == ResultUndecided {
			return 2
		}
		if winSet[ally] {
			return 1
		}
		return 0
	}

	r := GameDataReport{
		ID:        g.ID.String(),
		Engine:    g.Engine,
		Type:      g.Type,
		Structure: g.Structure,
		Map:       g.Map,
		GameName:  g.GameName,
		StartedAt: g.StartedAt,
		Duration:  t.endedAt.Sub(g.StartedAt),
		Result:    result,
		Winners:   winners,
		Cheating:  t.cheating,
	}

	names := make([]string, 0, len(g.Players))
	for name := range g.Players {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		p := g.Players[name]
		if p.Team < 0 {
			continue
		}
		ip := p.GameIP
		if ip == "" {
			ip = p.LobbyIP
		}
		r.Players = append(r.Players, ReportPlayer{
			Name:      p.Name,
			AccountID: p.AccountID,
			IP:        ip,
			Team:      p.Team,
			AllyTeam:  p.AllyTeam,
			Win:       winOf(p.AllyTeam),
		})
	}
	for _, b := range g.Bots {
		r.Bots = append(r.Bots, ReportBot{Name: b.Name, Owner: b.Owner, AllyTeam: b.AllyTeam, Win: winOf(b.AllyTeam)})
	}

	if len(t.teamStats) > 0 {
		r.TeamTotals = make(map[int]TeamTotals, len(t.teamStats))
		for team, st := range t.teamStats {
			r.TeamTotals[team] = TeamTotals{
				DamageDealt:    float64(st.DamageDealt),
				DamageReceived: float64(st.DamageReceived),
				MetalProduced:  float64(st.MetalProduced),
				EnergyProduced: float64(st.EnergyProduced),
				UnitsProduced:  st.UnitsProduced,
				UnitsKilled:    st.UnitsKilled,
				UnitsDied:      st.UnitsDied,
			}
		}
	}
	return r
}

// Awards are the optional end-game honors. Eligibility: at least 3 teams,
// or exactly 2 with endGameAwards >= 2.
type Awards struct {
	Damage string // most damage dealt
	Eco    string // best resource production
	Micro  string // best damage efficiency
}

// ComputeAwards derives the award winners from team totals. teamOwner maps
// a team number to its display name (player or bot).
func ComputeAwards(totals map[int]TeamTotals, teamOwner map[int]string, endGameAwards int) (Awards, bool) {
	if len(totals) < 3 && !(len(totals) == 2 && endGameAwards >= 2) {
		return Awards{}, false
	}
	var a Awards
	bestDamage, bestEco, bestMicro := -1.0, -1.0, -1.0
	teams := make([]int, 0, len(totals))
	for team := range totals {
		teams = append(teams, team)
	}
	sort.Ints(teams)
	for _, team := range teams {
		st := totals[team]
		owner := teamOwner[team]
		if owner == "" {
			owner = fmt.Sprintf("team %d", team)
		}
		if st.DamageDealt > bestDamage {
			bestDamage = st.DamageDealt
			a.Damage = owner
		}
		// energy weighs 1/60 of metal, the engine's usual conversion
		if eco := st.MetalProduced + st.EnergyProduced/60; eco > bestEco {
			bestEco = eco
			a.Eco = owner
		}
		if micro := st.DamageDealt / max(st.DamageReceived, 1); micro > bestMicro {
			bestMicro = micro
			a.Micro = owner
		}
	}
	return a, true
}

// Summary renders the one-line end-of-game broadcast.
func (r GameDataReport) Summary(allyNames map[int]string) string {
	dur := formatDuration(r.Duration)
	switch r.Result {
	case ResultDraw:
		return fmt.Sprintf("Game ended after %s: draw", dur)
	case ResultUndecided:
		return fmt.Sprintf("Game ended after %s (undecided)", dur)
	}
	parts := make([]string, 0, len(r.Winners))
	for _, w := range r.Winners {
		if n, ok := allyNames[w]; ok {
			parts = append(parts, n)
		} else {
			parts = append(parts, fmt.Sprintf("Team %d", w+1))
		}
	}
	return fmt.Sprintf("Game ended after %s: %s won", dur, strings.Join(parts, ", "))
}
