package command

import (
	"reflect"
	"testing"

	"github.com/sirupsen/logrus"
)

func testLog() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return log
}

func TestRightsLookupFallback(t *testing.T) {
	rt := NewRightsTable()
	rt.Declare("stop", "*", "*", "*", Rights{DirectLevel: 10, VoteLevel: 0})
	rt.Declare("stop", "*", StatusSpec, GameRunning, Rights{DirectLevel: 100, VoteLevel: 0})
	rt.Declare("stop", "battle", "*", "*", Rights{DirectLevel: 5, VoteLevel: 0})

	// exact beats every wildcard
	if got := rt.Lookup("stop", "pv", StatusSpec, GameRunning); got.DirectLevel != 100 {
		t.Errorf("specific rule: %+v", got)
	}
	// source-specific wildcard beats full wildcard
	if got := rt.Lookup("stop", "battle", StatusPlayer, GameStopped); got.DirectLevel != 5 {
		t.Errorf("source rule: %+v", got)
	}
	if got := rt.Lookup("stop", "pv", StatusPlayer, GameStopped); got.DirectLevel != 10 {
		t.Errorf("wildcard rule: %+v", got)
	}
	// unknown command denies both paths
	if got := rt.Lookup("nosuch", "battle", StatusPlayer, GameStopped); got.DirectLevel != -1 || got.VoteLevel != -1 {
		t.Errorf("unknown command: %+v", got)
	}
}

func newTestDispatcher(rt *RightsTable, env Env) *Dispatcher {
	return NewDispatcher(testLog(), env, rt)
}

func TestParseAliasesAndShortcuts(t *testing.T) {
	d := newTestDispatcher(NewRightsTable(), Env{})
	d.Alias("cv", []string{"callvote", "%1%"})
	d.Alias("y", []string{"vote", "y"})
	d.Shortcut("teamSize", "set")

	cases := []struct {
		raw  string
		want []string
	}{
		{"!status", []string{"status"}},
		{"!cv stop", []string{"callvote", "stop"}},
		{"!cv stop now", []string{"callvote", "stop", "now"}}, // extra params appended
		{"!y", []string{"vote", "y"}},
		{"!teamsize 4", []string{"set", "teamsize", "4"}},
		{"not a command", nil},
		{"!", nil},
	}
	for _, c := range cases {
		if got := d.Parse(c.raw); !reflect.DeepEqual(got, c.want) {
			t.Errorf("Parse(%q) = %v, want %v", c.raw, got, c.want)
		}
	}
}

func TestParseCustomQuoting(t *testing.T) {
	d := newTestDispatcher(NewRightsTable(), Env{})
	d.Register("ban", true, func(string, string, []string, bool) (string, error) { return "", nil })

	got := d.Parse(`!ban "Toto Tata" 'it''s' plain`)
	want := []string{"ban", "Toto Tata", "its", "plain"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}

	// unterminated quote falls back to whitespace tokens
	got = d.Parse(`!ban "broken`)
	want = []string{"ban", `"broken`}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("fallback: got %v, want %v", got, want)
	}
}

func TestSplitQuotedEscapes(t *testing.T) {
	got, err := splitQuoted(`a "b \"c\" d" e`)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"a", `b "c" d`, "e"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %v", got)
	}
	if _, err := splitQuoted("'open"); err == nil {
		t.Error("unterminated single quote must error")
	}
}

type dispatchRecorder struct {
	said    []string
	execs   int
	checks  int
	refusal string
}

func (r *dispatchRecorder) handler(source, user string, params []string, checkOnly bool) (string, error) {
	if checkOnly {
		r.checks++
		return r.refusal, nil
	}
	r.execs++
	return r.refusal, nil
}

func TestDispatchDirectVsVote(t *testing.T) {
	rt := NewRightsTable()
	rt.Declare("stop", "*", "*", "*", Rights{DirectLevel: 10, VoteLevel: 0})

	rec := &dispatchRecorder{}
	level := 0
	votesStarted := 0
	env := Env{
		AccessLevel: func(string) int { return level },
		Say:         func(source, user, msg string) { rec.said = append(rec.said, msg) },
		StartVote:   func(source, user string, tokens []string) error { votesStarted++; return nil },
	}
	d := newTestDispatcher(rt, env)
	d.Register("stop", false, rec.handler)

	// level 0 only reaches the vote path; feasibility is checked first
	d.Dispatch("battle", "Toto", []string{"stop"})
	if rec.execs != 0 || rec.checks != 1 || votesStarted != 1 {
		t.Fatalf("vote path: execs=%d checks=%d votes=%d", rec.execs, rec.checks, votesStarted)
	}

	// level 10 executes directly
	level = 10
	d.Dispatch("battle", "Toto", []string{"stop"})
	if rec.execs != 1 {
		t.Fatalf("direct path: execs=%d", rec.execs)
	}

	// infeasible command refuses instead of starting a vote
	level = 0
	rec.refusal = "game is not running"
	d.Dispatch("battle", "Toto", []string{"stop"})
	if votesStarted != 1 || len(rec.said) == 0 || rec.said[len(rec.said)-1] != "game is not running" {
		t.Errorf("refusal path: votes=%d said=%v", votesStarted, rec.said)
	}
}

func TestDispatchDeniesUnknownAndUnderLeveled(t *testing.T) {
	rt := NewRightsTable()
	rt.Declare("quit", "*", "*", "*", Rights{DirectLevel: 100, VoteLevel: -1})

	var said []string
	d := newTestDispatcher(rt, Env{
		AccessLevel: func(string) int { return 0 },
		Say:         func(source, user, msg string) { said = append(said, msg) },
	})
	rec := &dispatchRecorder{}
	d.Register("quit", false, rec.handler)

	d.Dispatch("battle", "Toto", []string{"quit"})
	if rec.execs != 0 || len(said) != 1 {
		t.Errorf("under-leveled call must be denied: %v", said)
	}
	d.Dispatch("battle", "Toto", []string{"frobnicate"})
	if len(said) != 2 {
		t.Error("unknown command must produce a message")
	}
}

func TestDispatchDuplicateVoteCountsAsYes(t *testing.T) {
	rt := NewRightsTable()
	rt.Declare("stop", "*", "*", "*", Rights{DirectLevel: 10, VoteLevel: 0})

	rec := &dispatchRecorder{}
	yes := 0
	votesStarted := 0
	d := newTestDispatcher(rt, Env{
		AccessLevel:  func(string) int { return 0 },
		MatchingVote: func(tokens []string) bool { return true },
		CastYes:      func(user string) { yes++ },
		StartVote:    func(source, user string, tokens []string) error { votesStarted++; return nil },
	})
	d.Register("stop", false, rec.handler)

	d.Dispatch("battle", "Toto", []string{"stop"})
	if yes != 1 || votesStarted != 0 || rec.checks != 0 {
		t.Errorf("duplicate callvote: yes=%d votes=%d checks=%d", yes, votesStarted, rec.checks)
	}
}

func TestDispatchDirectExecutionCancelsMatchingVote(t *testing.T) {
	rt := NewRightsTable()
	rt.Declare("stop", "*", "*", "*", Rights{DirectLevel: 10, VoteLevel: 0})

	rec := &dispatchRecorder{}
	cancelled := 0
	d := newTestDispatcher(rt, Env{
		AccessLevel:  func(string) int { return 10 },
		MatchingVote: func(tokens []string) bool { return true },
		CancelVote:   func(reason string) { cancelled++ },
	})
	d.Register("stop", false, rec.handler)

	d.Dispatch("battle", "Mod", []string{"stop"})
	if rec.execs != 1 || cancelled != 1 {
		t.Errorf("execs=%d cancelled=%d", rec.execs, cancelled)
	}
}

func TestBossModeOverlay(t *testing.T) {
	rt := NewRightsTable()
	for _, cmd := range []string{"stop", "vote", "endvote", "boss"} {
		rt.Declare(cmd, "*", "*", "*", Rights{DirectLevel: 10, VoteLevel: -1})
	}

	rec := &dispatchRecorder{}
	var said []string
	d := newTestDispatcher(rt, Env{
		AccessLevel:   func(string) int { return 10 },
		Say:           func(source, user, msg string) { said = append(said, msg) },
		VoteInitiator: func() (string, bool) { return "Toto", true },
	})
	for _, cmd := range []string{"stop", "vote", "endvote", "boss"} {
		d.Register(cmd, false, rec.handler)
	}

	d.SetBoss("Boss", true)
	if !d.BossMode() || !d.IsBoss("Boss") {
		t.Fatal("boss state not tracked")
	}

	// non-boss drops to level 0 and is denied
	d.Dispatch("battle", "Toto", []string{"stop"})
	if rec.execs != 0 {
		t.Fatal("boss mode must drop non-boss rights")
	}
	// but keeps voting, ending their own vote, and querying boss state
	d.Dispatch("battle", "Toto", []string{"vote", "y"})
	d.Dispatch("battle", "Toto", []string{"endvote"})
	d.Dispatch("battle", "Toto", []string{"boss"})
	if rec.execs != 3 {
		t.Errorf("override commands: execs=%d said=%v", rec.execs, said)
	}
	// a non-boss may not grab boss with params
	d.Dispatch("battle", "Toto", []string{"boss", "Toto"})
	if rec.execs != 3 {
		t.Error("boss with params must stay denied for non-bosses")
	}
	// the initiator override does not extend to other users
	d.Dispatch("battle", "Tata", []string{"endvote"})
	if rec.execs != 3 {
		t.Error("endvote override is initiator-only")
	}

	// bosses keep their rights
	d.Dispatch("battle", "Boss", []string{"stop"})
	if rec.execs != 4 {
		t.Error("boss must keep full rights")
	}

	d.ClearBosses()
	if d.BossMode() {
		t.Error("ClearBosses must leave boss mode")
	}
}
