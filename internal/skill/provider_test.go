package skill

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

type skillHarness struct {
	b       *Bridge
	now     time.Time
	sent    []string
	results map[string]UserSkill
}

func newSkillHarness(botName string) *skillHarness {
	h := &skillHarness{now: time.Now(), results: make(map[string]UserSkill)}
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	h.b = NewBridge(log, botName, func(to, msg string) { h.sent = append(h.sent, to+" "+msg) }, nil)
	h.b.now = func() time.Time { return h.now }
	h.b.OnResult = func(name string, us UserSkill) { h.results[name] = us }
	return h
}

func rankThree(string) int { return 3 }

func TestRequestAndReply(t *testing.T) {
	h := newSkillHarness("SLDB")
	h.b.Request(1234, "10.0.0.7", "Toto", TypeTeam, 3)
	if len(h.sent) != 1 || h.sent[0] != "SLDB !#getSkill 3 1234|10.0.0.7" {
		t.Fatalf("sent = %v", h.sent)
	}
	if h.b.PendingCount() != 1 {
		t.Fatal("request should be pending")
	}

	ok := h.b.HandleReply("1234|0|1|30,3,1|28,4,1|25.5,2.5,2|27,3,1", TypeTeam, rankThree)
	if !ok {
		t.Fatal("reply not consumed")
	}
	us, found := h.results["Toto"]
	if !found {
		t.Fatal("no result delivered")
	}
	if us.Skill != 25.5 || us.Sigma != 2.5 {
		t.Errorf("Team tuple not selected: %+v", us)
	}
	if us.SkillOrigin != OriginTrueSkill || us.Privacy != 1 {
		t.Errorf("origin/privacy: %+v", us)
	}
	if us.PerType[TypeDuel].Skill != 30 {
		t.Errorf("per-type tuples: %+v", us.PerType)
	}
	if h.b.PendingCount() != 0 {
		t.Error("pending entry must be cleared")
	}
}

func TestReplyIgnoredWithoutRequest(t *testing.T) {
	h := newSkillHarness("SLDB")
	if h.b.HandleReply("1234|0|1|30,3,1|28,4,1|25,2,2|27,3,1", TypeTeam, rankThree) {
		t.Error("unsolicited reply must be ignored")
	}
	if h.b.HandleReply("not a reply", TypeTeam, rankThree) {
		t.Error("junk line must be ignored")
	}
}

func TestReplyErrorStatusDegrades(t *testing.T) {
	h := newSkillHarness("SLDB")
	h.b.Request(1234, "", "Toto", TypeTeam, 3)
	if !h.b.HandleReply("1234|2", TypeTeam, rankThree) {
		t.Fatal("error reply still belongs to the request")
	}
	us := h.results["Toto"]
	if us.SkillOrigin != OriginTrueSkillDegraded {
		t.Errorf("origin = %q", us.SkillOrigin)
	}
	if us.Skill != TrueSkillFromRank(3) || us.Sigma != DefaultSigma {
		t.Errorf("degraded values: %+v", us)
	}
}

func TestReplyBadTupleDegrades(t *testing.T) {
	h := newSkillHarness("SLDB")
	h.b.Request(1234, "", "Toto", TypeTeam, 3)
	h.b.HandleReply("1234|0|1|30,3|28,4,1|25,2,2|27,3,1", TypeTeam, rankThree)
	if h.results["Toto"].SkillOrigin != OriginTrueSkillDegraded {
		t.Error("malformed tuple must degrade")
	}
}

func TestNoBotDegradesImmediately(t *testing.T) {
	h := newSkillHarness("")
	h.b.Request(1234, "", "Toto", TypeTeam, 5)
	if len(h.sent) != 0 {
		t.Fatal("no bot configured: nothing to send")
	}
	us := h.results["Toto"]
	if us.SkillOrigin != OriginTrueSkillDegraded || us.Skill != TrueSkillFromRank(5) {
		t.Errorf("got %+v", us)
	}
}

func TestTimeoutDegrades(t *testing.T) {
	h := newSkillHarness("SLDB")
	h.b.Request(1234, "", "Toto", TypeTeam, 3)
	h.b.Tick(TypeTeam, rankThree)
	if len(h.results) != 0 {
		t.Fatal("fresh request must not time out")
	}
	h.now = h.now.Add(6 * time.Second)
	h.b.Tick(TypeTeam, rankThree)
	if h.results["Toto"].SkillOrigin != OriginTrueSkillDegraded {
		t.Error("timed-out request must degrade")
	}
	if h.b.PendingCount() != 0 {
		t.Error("timed-out request must be dropped")
	}
}

func TestCancelDropsPending(t *testing.T) {
	h := newSkillHarness("SLDB")
	h.b.Request(1234, "", "Toto", TypeTeam, 3)
	h.b.Cancel(1234)
	if h.b.HandleReply("1234|0|1|30,3,1|28,4,1|25,2,2|27,3,1", TypeTeam, rankThree) {
		t.Error("cancelled request must not accept a reply")
	}
}

func TestRankTables(t *testing.T) {
	if FromRank(-5) != RankSkill[0] || FromRank(99) != RankSkill[7] {
		t.Error("rank clamping broken")
	}
	if TrueSkillFromRank(3) != 26 {
		t.Errorf("got %v", TrueSkillFromRank(3))
	}
}
