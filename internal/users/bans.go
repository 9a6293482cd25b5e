package users

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

// BanType severities; smaller is more restrictive.
type BanType int

const (
	BanFull   BanType = 0 // may not join the lobby host at all
	BanBattle BanType = 1 // may not join the battle
	BanSpec   BanType = 2 // may only spectate
)

func (b BanType) String() string {
	switch b {
	case BanFull:
		return "full"
	case BanBattle:
		return "battle"
	default:
		return "spec"
	}
}

// BanFilter selects users. A user matches iff every present field matches.
// String fields accept "~regex"; numeric fields accept comparators such as
// "<5" or ">=3".
type BanFilter struct {
	AccountID string `json:"accountId,omitempty"`
	Name      string `json:"name,omitempty"`
	IP        string `json:"ip,omitempty"`
	Country   string `json:"country,omitempty"`
	Rank      string `json:"rank,omitempty"`
	Access    string `json:"access,omitempty"`
	Bot       string `json:"bot,omitempty"`
	Level     string `json:"level,omitempty"`
	Skill     string `json:"skill,omitempty"`
}

// BanAction describes the ban consequence and duration. A ban with neither
// EndDate nor RemainingGames is permanent.
type BanAction struct {
	Type           BanType    `json:"banType"`
	StartDate      time.Time  `json:"startDate"`
	EndDate        *time.Time `json:"endDate,omitempty"`
	RemainingGames int        `json:"remainingGames,omitempty"`
	Reason         string     `json:"reason,omitempty"`
}

// Ban couples a filter with an action; its identity is a short stable hash
// over both.
type Ban struct {
	Filter BanFilter
	Action BanAction
}

// Hash returns the 8-hex-char identifier of the ban.
func (b *Ban) Hash() string {
	sum := md5.Sum([]byte(b.canonical()))
	return hex.EncodeToString(sum[:])[:8]
}

// canonical covers only the immutable parts of the ban: RemainingGames is
// decremented per started game and must not change the hash.
func (b *Ban) canonical() string {
	f := b.Filter
	end := ""
	if b.Action.EndDate != nil {
		end = b.Action.EndDate.UTC().Format(time.RFC3339)
	}
	return strings.Join([]string{
		f.AccountID, f.Name, f.IP, f.Country, f.Rank, f.Access, f.Bot, f.Level, f.Skill,
		strconv.Itoa(int(b.Action.Type)), end, b.Action.Reason,
	}, "\x1f")
}

// Expired reports whether the ban's end conditions have passed.
func (b *Ban) Expired(now time.Time) bool {
	if b.Action.EndDate != nil && now.After(*b.Action.EndDate) {
		return true
	}
	return false
}

// Subject is the view of a user the ban filters are evaluated against.
type Subject struct {
	AccountID int
	Name      string
	IP        string
	Country   string
	Rank      int
	Access    int
	Bot       bool
	Level     int
	Skill     float64
}

// Matches evaluates the filter against a subject.
func (f *BanFilter) Matches(s Subject) bool {
	if !matchString(f.AccountID, strconv.Itoa(s.AccountID)) {
		return false
	}
	if !matchString(f.Name, s.Name) {
		return false
	}
	if !matchString(f.IP, s.IP) {
		return false
	}
	if !matchString(f.Country, s.Country) {
		return false
	}
	if !matchNumber(f.Rank, float64(s.Rank)) {
		return false
	}
	if !matchNumber(f.Access, float64(s.Access)) {
		return false
	}
	if f.Bot != "" {
		want := f.Bot == "1" || strings.EqualFold(f.Bot, "true")
		if s.Bot != want {
			return false
		}
	}
	if !matchNumber(f.Level, float64(s.Level)) {
		return false
	}
	if !matchNumber(f.Skill, s.Skill) {
		return false
	}
	return true
}

func matchString(filter, val string) bool {
	if filter == "" {
		return true
	}
	if strings.HasPrefix(filter, "~") {
		re, err := regexp.Compile("^(?:" + filter[1:] + ")$")
		if err != nil {
			return false
		}
		return re.MatchString(val)
	}
	return filter == val
}

var cmpRe = regexp.MustCompile(`^(<=|>=|<|>)\s*(-?\d+(?:\.\d+)?)$`)

func matchNumber(filter string, val float64) bool {
	if filter == "" {
		return true
	}
	if m := cmpRe.FindStringSubmatch(filter); m != nil {
		bound, _ := strconv.ParseFloat(m[2], 64)
		switch m[1] {
		case "<":
			return val < bound
		case "<=":
			return val <= bound
		case ">":
			return val > bound
		case ">=":
			return val >= bound
		}
	}
	n, err := strconv.ParseFloat(filter, 64)
	if err != nil {
		return false
	}
	return val == n
}

// BanStore holds the three ordered ban lists. Matching is first-hit per
// list, with the most restrictive type winning across lists.
type BanStore struct {
	global   []*Ban // from configuration, not mutable at runtime
	specific []*Ban // current battle-preset specific bans
	dynamic  []*Ban // runtime bans, indexed by hash
	byHash   map[string]*Ban

	now func() time.Time
}

// NewBanStore creates an empty ban store.
func NewBanStore() *BanStore {
	return &BanStore{byHash: make(map[string]*Ban), now: time.Now}
}

// SetGlobal replaces the configured global list.
func (bs *BanStore) SetGlobal(bans []*Ban) { bs.global = bans }

// SetSpecific replaces the battle-specific list.
func (bs *BanStore) SetSpecific(bans []*Ban) { bs.specific = bans }

// Add inserts a dynamic ban and returns its hash. Adding an identical ban
// is idempotent.
func (bs *BanStore) Add(b *Ban) string {
	h := b.Hash()
	if _, dup := bs.byHash[h]; !dup {
		bs.dynamic = append(bs.dynamic, b)
		bs.byHash[h] = b
	}
	return h
}

// Remove deletes a dynamic ban by hash. Returns false when unknown.
func (bs *BanStore) Remove(hash string) bool {
	b, ok := bs.byHash[hash]
	if !ok {
		return false
	}
	delete(bs.byHash, hash)
	for i, d := range bs.dynamic {
		if d == b {
			bs.dynamic = append(bs.dynamic[:i], bs.dynamic[i+1:]...)
			break
		}
	}
	return true
}

// Dynamic lists the active dynamic bans sorted by hash for stable output.
func (bs *BanStore) Dynamic() []*Ban {
	out := append([]*Ban(nil), bs.dynamic...)
	sort.Slice(out, func(i, j int) bool { return out[i].Hash() < out[j].Hash() })
	return out
}

// Find returns the effective ban for a subject, or nil. Expired bans are
// skipped (and pruned from the dynamic list lazily).
func (bs *BanStore) Find(s Subject) *Ban {
	now := bs.now()
	var hit *Ban
	consider := func(b *Ban) {
		if hit == nil || b.Action.Type < hit.Action.Type {
			hit = b
		}
	}
	firstHit := func(list []*Ban) *Ban {
		for _, b := range list {
			if b.Expired(now) {
				continue
			}
			if b.Action.RemainingGames < 0 {
				continue // consumed
			}
			if b.Filter.Matches(s) {
				return b
			}
		}
		return nil
	}
	if b := firstHit(bs.global); b != nil {
		consider(b)
	}
	if b := firstHit(bs.specific); b != nil {
		consider(b)
	}
	if b := firstHit(bs.dynamic); b != nil {
		consider(b)
	}
	return hit
}

// ConsumeGame decrements remainingGames for every dynamic ban matching one
// of the subjects, once per subject. Bans that reach zero are removed.
// Called once per started game.
func (bs *BanStore) ConsumeGame(subjects []Subject) {
	now := bs.now()
	var remove []string
	for _, b := range bs.dynamic {
		if b.Action.RemainingGames <= 0 || b.Expired(now) {
			continue
		}
		for _, s := range subjects {
			if b.Filter.Matches(s) {
				b.Action.RemainingGames--
				break
			}
		}
		if b.Action.RemainingGames == 0 {
			remove = append(remove, b.Hash())
		}
	}
	for _, h := range remove {
		bs.Remove(h)
	}
}

// PruneExpired removes dynamic bans past their end date.
func (bs *BanStore) PruneExpired() {
	now := bs.now()
	var remove []string
	for _, b := range bs.dynamic {
		if b.Expired(now) {
			remove = append(remove, b.Hash())
		}
	}
	for _, h := range remove {
		bs.Remove(h)
	}
}

// Describe renders a ban for chat output.
func (b *Ban) Describe() string {
	var parts []string
	f := b.Filter
	add := func(k, v string) {
		if v != "" {
			parts = append(parts, k+"="+v)
		}
	}
	add("accountId", f.AccountID)
	add("name", f.Name)
	add("ip", f.IP)
	add("country", f.Country)
	add("rank", f.Rank)
	add("bot", f.Bot)
	add("skill", f.Skill)
	desc := fmt.Sprintf("[%s] %s (%s", b.Hash(), strings.Join(parts, ","), b.Action.Type)
	if b.Action.EndDate != nil {
		desc += " until " + b.Action.EndDate.Format("2006-01-02 15:04")
	}
	if b.Action.RemainingGames > 0 {
		desc += fmt.Sprintf(" for %d game(s)", b.Action.RemainingGames)
	}
	desc += ")"
	if b.Action.Reason != "" {
		desc += " reason: " + b.Action.Reason
	}
	return desc
}
