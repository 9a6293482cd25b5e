// Package balance computes team/id assignments and color palettes for the
// hosted battle. All functions are pure and deterministic for a given seed,
// so callers can diff the target against the current room state and only
// send the commands that change something.
package balance

import (
	"math"
	"math/rand"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// Entity is one participant to place: a player or an AI bot.
type Entity struct {
	Name    string
	Bot     bool
	Skill   float64
	Clan    string // clan tag ("" = none)
	Pref    string // preferred-teammates group from the clan pref setting
	ShareID string // manual shareId preference
	Smurf   bool   // effective rank exceeds lobby rank
}

// Input is a balancing request.
type Input struct {
	Players []Entity
	Bots    []Entity

	NbTeams      int
	TeamSize     int
	NbPlayerByID int
	MinTeamSize  int

	BalanceMode string // random | clan | skill | clan;skill
	ClanMode    string // e.g. "tag(10);pref(20)"
	IDShareMode string // off | auto | all | manual | clan
	Seed        int64
}

// Assignment is the computed (allyteam, id) pair for one entity.
type Assignment struct {
	Team int // allyteam number
	ID   int // team number within the game
}

// Result is the balancer output.
type Result struct {
	Assignments map[string]Assignment
	NbTeams     int
	TeamSize    int
	// Unbalance is 100 * stddev(group skill) / mean(group skill).
	Unbalance float64
	NbSmurfs  int
}

// TargetStructure computes (nbTeams, teamSize, nbPlayerById) for a player
// count, inflating the configured structure to fit: id-share slots are
// filled before team size grows, and team size grows before the structure
// is considered even.
func TargetStructure(nbPlayers, nbTeams, teamSize, nbPlayerByID, minTeamSize int) (teams, size, perID int) {
	if nbTeams < 1 {
		nbTeams = 1
	}
	if teamSize < 1 {
		teamSize = 1
	}
	if nbPlayerByID < 1 {
		nbPlayerByID = 1
	}
	size = teamSize
	for nbPlayers > nbTeams*size*nbPlayerByID {
		size++
	}
	// Shrink oversized targets for small rooms so the structure reflects
	// what will actually be played.
	for size > 1 && nbPlayers <= nbTeams*(size-1)*nbPlayerByID {
		size--
	}
	if minTeamSize > 0 && size < minTeamSize && nbPlayers >= nbTeams*minTeamSize {
		size = minTeamSize
	}
	return nbTeams, size, nbPlayerByID
}

type group struct {
	capacity int
	skill    float64
	members  []*Entity
}

func (g *group) free() int { return g.capacity - len(g.members) }

// Compute runs the balancing algorithm.
func Compute(in Input) Result {
	entities := make([]*Entity, 0, len(in.Players)+len(in.Bots))
	for i := range in.Players {
		entities = append(entities, &in.Players[i])
	}
	for i := range in.Bots {
		entities = append(entities, &in.Bots[i])
	}
	n := len(entities)
	res := Result{Assignments: make(map[string]Assignment)}
	if n == 0 {
		return res
	}
	nbTeams, teamSize, _ := TargetStructure(n, in.NbTeams, in.TeamSize, in.NbPlayerByID, in.MinTeamSize)
	if nbTeams > n {
		nbTeams = n
	}
	res.NbTeams, res.TeamSize = nbTeams, teamSize

	for _, e := range entities {
		if e.Smurf {
			res.NbSmurfs++
		}
	}

	// Group sizes: nbPlayers mod nbTeams groups are larger by one.
	groups := make([]*group, nbTeams)
	base, extra := n/nbTeams, n%nbTeams
	for i := range groups {
		c := base
		if i < extra {
			c++
		}
		groups[i] = &group{capacity: c}
	}

	rng := rand.New(rand.NewSource(in.Seed))
	if in.BalanceMode == "random" {
		shuffled := append([]*Entity(nil), entities...)
		sortEntities(shuffled)
		rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
		gi := 0
		for _, e := range shuffled {
			for groups[gi].free() == 0 {
				gi = (gi + 1) % nbTeams
			}
			place(groups[gi], e)
			gi = (gi + 1) % nbTeams
		}
	} else {
		useClans := strings.Contains(in.BalanceMode, "clan")
		clanOf := func(*Entity) string { return "" }
		if useClans {
			clanOf = acceptedClanRule(entities, groups, in)
		}
		assignBySkill(entities, groups, clanOf)
	}

	res.Unbalance = unbalance(groups)
	assignIDs(groups, teamSize, in.IDShareMode, res.Assignments)
	return res
}

// acceptedClanRule walks the clanMode tokens left to right and returns the
// clan-key function of the last token whose candidate assignment keeps the
// RMS skill deviation within the token's threshold of the reference value
// captured before the decision chain starts.
func acceptedClanRule(entities []*Entity, groups []*group, in Input) func(*Entity) string {
	none := func(*Entity) string { return "" }
	ref := trialUnbalance(entities, groups, none)
	accepted := none
	for _, tok := range parseClanMode(in.ClanMode) {
		var keyFn func(*Entity) string
		switch tok.kind {
		case "tag":
			prev := accepted
			keyFn = func(e *Entity) string {
				if e.Clan != "" {
					return "tag:" + e.Clan
				}
				return prev(e)
			}
		case "pref":
			prev := accepted
			keyFn = func(e *Entity) string {
				if e.Pref != "" {
					return "pref:" + e.Pref
				}
				return prev(e)
			}
		default:
			continue
		}
		cand := trialUnbalance(entities, groups, keyFn)
		if cand-ref <= tok.maxPercent {
			accepted = keyFn
		}
	}
	return accepted
}

type clanToken struct {
	kind       string // tag | pref
	maxPercent float64
}

var clanTokRe = regexp.MustCompile(`^(tag|pref)(?:\((\d+(?:\.\d+)?)%?\))?$`)

func parseClanMode(mode string) []clanToken {
	var out []clanToken
	for _, raw := range strings.Split(mode, ";") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		m := clanTokRe.FindStringSubmatch(raw)
		if m == nil {
			continue
		}
		tok := clanToken{kind: m[1], maxPercent: math.Inf(1)}
		if m[2] != "" {
			tok.maxPercent, _ = strconv.ParseFloat(m[2], 64)
		}
		out = append(out, tok)
	}
	return out
}

// trialUnbalance runs the placement on scratch groups and returns the
// resulting unbalance indicator without mutating the real groups.
func trialUnbalance(entities []*Entity, groups []*group, clanOf func(*Entity) string) float64 {
	scratch := make([]*group, len(groups))
	for i, g := range groups {
		scratch[i] = &group{capacity: g.capacity}
	}
	assignBySkill(entities, scratch, clanOf)
	return unbalance(scratch)
}

// assignBySkill places clans largest-first, then fills with the remaining
// entities highest-skill-first into the group maximising
// (avgSkill - currentSkill) / freeSlots.
func assignBySkill(entities []*Entity, groups []*group, clanOf func(*Entity) string) {
	for _, g := range groups {
		g.members, g.skill = nil, 0
	}
	var total float64
	for _, e := range entities {
		total += e.Skill
	}
	avgGroup := total / float64(len(groups))

	clans := map[string][]*Entity{}
	var rest []*Entity
	for _, e := range entities {
		if key := clanOf(e); key != "" {
			clans[key] = append(clans[key], e)
		} else {
			rest = append(rest, e)
		}
	}

	// Largest clans first; stable by key for determinism.
	keys := make([]string, 0, len(clans))
	for k := range clans {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if len(clans[keys[i]]) != len(clans[keys[j]]) {
			return len(clans[keys[i]]) > len(clans[keys[j]])
		}
		return keys[i] < keys[j]
	})
	for _, k := range keys {
		members := clans[k]
		sortEntities(members)
		for len(members) > 0 {
			g := mostFree(groups)
			if g == nil {
				break
			}
			take := len(members)
			if take > g.free() {
				take = g.free() // clan split across groups
			}
			for _, e := range members[:take] {
				place(g, e)
			}
			members = members[take:]
		}
	}

	sort.Slice(rest, func(i, j int) bool {
		if rest[i].Skill != rest[j].Skill {
			return rest[i].Skill > rest[j].Skill
		}
		return rest[i].Name < rest[j].Name
	})
	for i := 0; i < len(rest); i++ {
		g := bestGroup(groups, avgGroup)
		if g == nil {
			break
		}
		// 3v3 final-pair lookahead: when two slots remain in two different
		// groups, check whether swapping the next two entities lowers the
		// deviation before locking the choice in.
		if remaining := len(rest) - i; remaining == 2 {
			if g2 := otherFree(groups, g); g2 != nil {
				a, b := rest[i], rest[i+1]
				d1 := pairDeviation(g, a, g2, b, avgGroup)
				d2 := pairDeviation(g, b, g2, a, avgGroup)
				if d2 < d1 {
					a, b = b, a
				}
				place(g, a)
				place(g2, b)
				return
			}
		}
		place(g, rest[i])
	}
}

func place(g *group, e *Entity) {
	g.members = append(g.members, e)
	g.skill += e.Skill
}

func mostFree(groups []*group) *group {
	var best *group
	for _, g := range groups {
		if g.free() == 0 {
			continue
		}
		if best == nil || g.free() > best.free() {
			best = g
		}
	}
	return best
}

func bestGroup(groups []*group, avg float64) *group {
	var best *group
	var bestScore float64
	for _, g := range groups {
		if g.free() == 0 {
			continue
		}
		score := (avg - g.skill) / float64(g.free())
		if best == nil || score > bestScore {
			best, bestScore = g, score
		}
	}
	return best
}

func otherFree(groups []*group, not *group) *group {
	for _, g := range groups {
		if g != not && g.free() > 0 {
			return g
		}
	}
	return nil
}

func pairDeviation(g1 *group, e1 *Entity, g2 *group, e2 *Entity, avg float64) float64 {
	d1 := g1.skill + e1.Skill - avg
	d2 := g2.skill + e2.Skill - avg
	return d1*d1 + d2*d2
}

func unbalance(groups []*group) float64 {
	if len(groups) == 0 {
		return 0
	}
	var sum float64
	for _, g := range groups {
		sum += g.skill
	}
	mean := sum / float64(len(groups))
	if mean == 0 {
		return 0
	}
	var varsum float64
	for _, g := range groups {
		d := g.skill - mean
		varsum += d * d
	}
	return 100 * math.Sqrt(varsum/float64(len(groups))) / mean
}

// assignIDs numbers allyteams and ids. Ids are globally unique across
// allyteams so no id is shared between adversaries.
func assignIDs(groups []*group, teamSize int, shareMode string, out map[string]Assignment) {
	nextID := 0
	for teamNb, g := range groups {
		sortEntities(g.members)
		switch shareMode {
		case "all":
			id := nextID
			nextID++
			for _, e := range g.members {
				out[e.Name] = Assignment{Team: teamNb, ID: id}
			}
		case "manual", "clan":
			ids := map[string]int{}
			for _, e := range g.members {
				key := e.ShareID
				if shareMode == "clan" {
					key = e.Clan
				}
				if key == "" {
					out[e.Name] = Assignment{Team: teamNb, ID: nextID}
					nextID++
					continue
				}
				id, ok := ids[key]
				if !ok {
					id = nextID
					nextID++
					ids[key] = id
				}
				out[e.Name] = Assignment{Team: teamNb, ID: id}
			}
		case "off":
			for _, e := range g.members {
				out[e.Name] = Assignment{Team: teamNb, ID: nextID}
				nextID++
			}
		default: // auto: subdivide by teamSize
			if teamSize < 1 {
				teamSize = 1
			}
			nbIDs := (len(g.members) + teamSize - 1) / teamSize
			if nbIDs < 1 {
				nbIDs = 1
			}
			ids := make([]int, nbIDs)
			for i := range ids {
				ids[i] = nextID
				nextID++
			}
			for i, e := range g.members {
				out[e.Name] = Assignment{Team: teamNb, ID: ids[i/teamSize]}
			}
		}
	}
}

func sortEntities(es []*Entity) {
	sort.Slice(es, func(i, j int) bool {
		if es[i].Skill != es[j].Skill {
			return es[i].Skill > es[j].Skill
		}
		return es[i].Name < es[j].Name
	})
}

// Applied reports whether current assignments already match the target:
// every entity has the same team and id.
func Applied(target map[string]Assignment, current map[string]Assignment) bool {
	if len(target) != len(current) {
		return false
	}
	for name, want := range target {
		got, ok := current[name]
		if !ok || got != want {
			return false
		}
	}
	return true
}
