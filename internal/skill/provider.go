package skill

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// Values is one per-game-type skill tuple from the rating bot.
type Values struct {
	Skill float64 `json:"skill"`
	Sigma float64 `json:"sigma"`
	Class int     `json:"class"`
}

// UserSkill is the effective skill of one player for the current game type.
type UserSkill struct {
	Skill       float64
	Sigma       float64
	Rank        int
	SkillOrigin string
	RankOrigin  string
	Privacy     int
	PerType     map[string]Values
}

// ForType updates Skill/Sigma from the cached per-type tuples, keeping the
// degraded value when no tuple is known for the type.
func (u *UserSkill) ForType(gameType string) {
	if v, ok := u.PerType[gameType]; ok {
		u.Skill, u.Sigma = v.Skill, v.Sigma
	}
}

// requestTimeout is how long a rating-bot query may stay unanswered before
// the player is degraded to the rank table.
const requestTimeout = 5 * time.Second

type pending struct {
	name  string
	since time.Time
}

// Bridge manages the asynchronous exchange with the rating bot over lobby
// private messages.
type Bridge struct {
	log     *logrus.Logger
	botName string
	send    func(to, msg string) // low-priority private message
	cache   *Cache               // optional, may be nil

	pending map[int]*pending // accountID -> request
	now     func() time.Time

	// OnResult is invoked on the main loop whenever a player's skill is
	// resolved (live or degraded).
	OnResult func(name string, us UserSkill)
}

// NewBridge creates a bridge talking to botName through send.
func NewBridge(log *logrus.Logger, botName string, send func(to, msg string), cache *Cache) *Bridge {
	return &Bridge{
		log:     log,
		botName: botName,
		send:    send,
		cache:   cache,
		pending: make(map[int]*pending),
		now:     time.Now,
	}
}

// BotName returns the lobby name of the rating bot.
func (b *Bridge) BotName() string { return b.botName }

// Request asks the rating bot for a player's skill. When a cached value is
// fresh the result is delivered synchronously without a round trip.
func (b *Bridge) Request(accountID int, ip, name, gameType string, rank int) {
	if b.cache != nil {
		if perType, privacy, ok := b.cache.Get(accountID); ok {
			b.deliver(name, perType, privacy, gameType, rank)
			return
		}
	}
	if b.botName == "" {
		b.degrade(name, gameType, rank)
		return
	}
	msg := fmt.Sprintf("!#getSkill 3 %d", accountID)
	if ip != "" {
		msg += "|" + ip
	}
	b.pending[accountID] = &pending{name: name, since: b.now()}
	b.send(b.botName, msg)
}

// HandleReply parses a rating bot reply line:
//
//	<accountId>|<status>[|<privacy>|<duel>|<ffa>|<team>|<teamffa>]
//
// with each game-type field being "skill,sigma,class". Returns false when
// the line is not a reply to a pending request.
func (b *Bridge) HandleReply(line, gameType string, rankOf func(name string) int) bool {
	fields := strings.Split(line, "|")
	if len(fields) < 2 {
		return false
	}
	accountID, err := strconv.Atoi(fields[0])
	if err != nil {
		return false
	}
	req, ok := b.pending[accountID]
	if !ok {
		return false
	}
	delete(b.pending, accountID)
	rank := rankOf(req.name)
	if fields[1] != "0" || len(fields) < 7 {
		b.log.WithFields(logrus.Fields{"account": accountID, "status": fields[1]}).
			Warn("rating bot returned an error status, using degraded skill")
		b.degrade(req.name, gameType, rank)
		return true
	}
	privacy, _ := strconv.Atoi(fields[2])
	perType := make(map[string]Values, 4)
	for i, gt := range GameTypes {
		v, err := parseTuple(fields[3+i])
		if err != nil {
			b.log.WithFields(logrus.Fields{"account": accountID, "field": fields[3+i]}).
				Warn("unparsable skill tuple, using degraded skill")
			b.degrade(req.name, gameType, rank)
			return true
		}
		perType[gt] = v
	}
	if b.cache != nil {
		b.cache.Put(accountID, perType, privacy)
	}
	b.deliver(req.name, perType, privacy, gameType, rank)
	return true
}

func parseTuple(s string) (Values, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 3 {
		return Values{}, fmt.Errorf("want skill,sigma,class, got %q", s)
	}
	sk, err := strconv.ParseFloat(parts[0], 64)
	if err != nil {
		return Values{}, err
	}
	sg, err := strconv.ParseFloat(parts[1], 64)
	if err != nil {
		return Values{}, err
	}
	cl, err := strconv.Atoi(parts[2])
	if err != nil {
		return Values{}, err
	}
	return Values{Skill: sk, Sigma: sg, Class: cl}, nil
}

func (b *Bridge) deliver(name string, perType map[string]Values, privacy int, gameType string, rank int) {
	us := UserSkill{
		Rank:        rank,
		SkillOrigin: OriginTrueSkill,
		RankOrigin:  RankOriginAccount,
		Privacy:     privacy,
		PerType:     perType,
	}
	us.Skill, us.Sigma = TrueSkillFromRank(rank), DefaultSigma
	us.ForType(gameType)
	if b.OnResult != nil {
		b.OnResult(name, us)
	}
}

func (b *Bridge) degrade(name, gameType string, rank int) {
	us := UserSkill{
		Skill:       TrueSkillFromRank(rank),
		Sigma:       DefaultSigma,
		Rank:        rank,
		SkillOrigin: OriginTrueSkillDegraded,
		RankOrigin:  RankOriginAccount,
	}
	_ = gameType
	if b.OnResult != nil {
		b.OnResult(name, us)
	}
}

// Tick expires pending requests past the timeout, degrading each affected
// player to the rank table.
func (b *Bridge) Tick(gameType string, rankOf func(name string) int) {
	now := b.now()
	for accountID, req := range b.pending {
		if now.Sub(req.since) < requestTimeout {
			continue
		}
		delete(b.pending, accountID)
		b.log.WithFields(logrus.Fields{"account": accountID, "user": req.name}).
			Info("rating bot request timed out, degrading to rank skill")
		b.degrade(req.name, gameType, rankOf(req.name))
	}
}

// Cancel drops a pending request, e.g. when the player leaves.
func (b *Bridge) Cancel(accountID int) {
	delete(b.pending, accountID)
}

// PendingCount reports in-flight request count (status output).
func (b *Bridge) PendingCount() int { return len(b.pending) }
