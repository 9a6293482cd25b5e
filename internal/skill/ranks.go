// Package skill resolves per-player skill values: live TrueSkill from the
// rating bot when available, rank-derived tables otherwise.
package skill

// Game types used to key per-type skill values.
const (
	TypeDuel    = "Duel"
	TypeFFA     = "FFA"
	TypeTeam    = "Team"
	TypeTeamFFA = "TeamFFA"
)

// GameTypes lists the four types in wire order of the rating bot replies.
var GameTypes = []string{TypeDuel, TypeFFA, TypeTeam, TypeTeamFFA}

// Origins of a skill value.
const (
	OriginRank              = "rank"
	OriginTrueSkill         = "TrueSkill"
	OriginTrueSkillDegraded = "TrueSkillDegraded"
	OriginPlugin            = "Plugin"
	OriginPluginDegraded    = "PluginDegraded"
)

// Origins of a rank value.
const (
	RankOriginAccount  = "account"
	RankOriginIP       = "ip"
	RankOriginIPManual = "ipManual"
	RankOriginManual   = "manual"
)

// RankSkill maps a lobby rank (0..7) to the skill used when balanceMode
// does not include live skill.
var RankSkill = [8]float64{10, 20, 30, 40, 50, 60, 70, 80}

// RankTrueSkill maps a lobby rank to the TrueSkill estimate used when the
// rating bot is unavailable (TrueSkillDegraded).
var RankTrueSkill = [8]float64{20, 22, 24, 26, 28, 30, 33, 36}

// DefaultSigma is the uncertainty assumed for degraded values.
const DefaultSigma = 8.333

func clampRank(rank int) int {
	if rank < 0 {
		return 0
	}
	if rank > 7 {
		return 7
	}
	return rank
}

// FromRank returns the rank-table skill for a lobby rank.
func FromRank(rank int) float64 { return RankSkill[clampRank(rank)] }

// TrueSkillFromRank returns the degraded TrueSkill for a lobby rank.
func TrueSkillFromRank(rank int) float64 { return RankTrueSkill[clampRank(rank)] }
