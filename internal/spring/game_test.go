package spring

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/akoven/autohost/internal/protocol"
)

func testGame() *RunningGame {
	g := NewRunningGame("105.0", "BA V12.1", "Comet Catcher Redux", "Duel", "1x2")
	g.Players["Toto"] = &GamePlayer{Name: "Toto", AccountID: 1, Team: 0, AllyTeam: 0}
	g.Players["Tata"] = &GamePlayer{Name: "Tata", AccountID: 2, Team: 1, AllyTeam: 1}
	g.Players["Watcher"] = &GamePlayer{Name: "Watcher", AccountID: 3, Team: -1}
	return g
}

func testTracker(game *RunningGame, hooks TrackerHooks) (*Tracker, *time.Time) {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	tr := NewTracker(log, game, 2, false, hooks)
	now := time.Now()
	tr.now = func() time.Time { return now }
	return tr, &now
}

func TestWinnersConsensus(t *testing.T) {
	tr, _ := testTracker(testGame(), TrackerHooks{})
	tr.Handle(protocol.AutohostEvent{Code: protocol.EvServerGameOver, Player: 0, Winners: []int{1}})
	tr.Handle(protocol.AutohostEvent{Code: protocol.EvServerGameOver, Player: 1, Winners: []int{1}})
	tr.Handle(protocol.AutohostEvent{Code: protocol.EvServerGameOver, Player: 2, Winners: []int{0}})

	got := tr.winners()
	if len(got) != 1 || got[0] != 1 {
		t.Errorf("winners = %v, want [1] (2 of 3 reports)", got)
	}
}

func TestWinnersNoMajority(t *testing.T) {
	tr, _ := testTracker(testGame(), TrackerHooks{})
	tr.Handle(protocol.AutohostEvent{Code: protocol.EvServerGameOver, Player: 0, Winners: []int{0}})
	tr.Handle(protocol.AutohostEvent{Code: protocol.EvServerGameOver, Player: 1, Winners: []int{1}})
	if got := tr.winners(); got != nil {
		t.Errorf("a 1-1 split has no winner: %v", got)
	}
}

func TestReportOnQuit(t *testing.T) {
	var report *GameDataReport
	game := testGame()
	tr, now := testTracker(game, TrackerHooks{
		OnFinished: func(r GameDataReport) { report = &r },
	})
	tr.Handle(protocol.AutohostEvent{Code: protocol.EvServerStarted})
	tr.Handle(protocol.AutohostEvent{Code: protocol.EvServerStartPlaying})
	*now = now.Add(10 * time.Minute)
	tr.Handle(protocol.AutohostEvent{Code: protocol.EvServerGameOver, Player: 0, Winners: []int{0}})
	tr.Handle(protocol.AutohostEvent{Code: protocol.EvServerQuit})

	if report == nil {
		t.Fatal("OnFinished not delivered")
	}
	if report.Result != ResultWin || len(report.Winners) != 1 || report.Winners[0] != 0 {
		t.Errorf("result: %s %v", report.Result, report.Winners)
	}
	if report.Duration < 10*time.Minute {
		t.Errorf("duration = %v", report.Duration)
	}
	// players sorted by name, spectators excluded
	if len(report.Players) != 2 || report.Players[0].Name != "Tata" {
		t.Errorf("players = %+v", report.Players)
	}
	if report.Players[1].Win != 1 || report.Players[0].Win != 0 {
		t.Errorf("win flags: %+v", report.Players)
	}

	// a duplicate quit must not re-deliver
	tr.Handle(protocol.AutohostEvent{Code: protocol.EvServerQuit})
}

func TestReportDrawAndUndecided(t *testing.T) {
	var report *GameDataReport
	tr, _ := testTracker(testGame(), TrackerHooks{
		OnFinished: func(r GameDataReport) { report = &r },
	})
	tr.Handle(protocol.AutohostEvent{Code: protocol.EvServerGameOver, Player: 0, Winners: nil})
	tr.Handle(protocol.AutohostEvent{Code: protocol.EvServerQuit})
	if report.Result != ResultDraw {
		t.Errorf("empty winner list means draw: %s", report.Result)
	}

	report = nil
	tr2, _ := testTracker(testGame(), TrackerHooks{
		OnFinished: func(r GameDataReport) { report = &r },
	})
	tr2.Handle(protocol.AutohostEvent{Code: protocol.EvServerQuit})
	if report.Result != ResultUndecided {
		t.Errorf("quit without game-over is undecided: %s", report.Result)
	}
	if report.Players[0].Win != 2 {
		t.Errorf("undecided win flag: %+v", report.Players)
	}
}

func TestAutoForceStart(t *testing.T) {
	var sent []string
	var broadcast []string
	game := testGame()
	tr, now := testTracker(game, TrackerHooks{
		Broadcast: func(msg string) { broadcast = append(broadcast, msg) },
	})
	tr.SendLine = func(line string) error { sent = append(sent, line); return nil }

	tr.Handle(protocol.AutohostEvent{Code: protocol.EvServerStarted})
	tr.Handle(protocol.AutohostEvent{Code: protocol.EvPlayerJoined, Player: 0, Text: "Toto"})
	tr.Handle(protocol.AutohostEvent{Code: protocol.EvPlayerJoined, Player: 1, Text: "Tata"})
	tr.Handle(protocol.AutohostEvent{Code: protocol.EvPlayerReady, Player: 0, Text: "1"})
	tr.Tick()
	if len(sent) != 0 {
		t.Fatal("forcestart must wait for every player")
	}
	tr.Handle(protocol.AutohostEvent{Code: protocol.EvPlayerReady, Player: 1, Text: "1"})

	tr.Tick()
	if len(sent) != 0 {
		t.Fatal("forcestart waits out the 5s grace delay")
	}
	*now = now.Add(6 * time.Second)
	tr.Tick()
	if len(sent) != 1 || sent[0] != "/forcestart" {
		t.Fatalf("sent = %v", sent)
	}
	if len(broadcast) == 0 {
		t.Error("forcestart should be announced")
	}
	tr.Tick()
	if len(sent) != 1 {
		t.Error("forcestart fires once")
	}
}

func TestPrematureExitGrace(t *testing.T) {
	var report *GameDataReport
	tr, now := testTracker(testGame(), TrackerHooks{
		OnFinished: func(r GameDataReport) { report = &r },
	})
	tr.Handle(protocol.AutohostEvent{Code: protocol.EvServerStarted})
	tr.Handle(protocol.AutohostEvent{Code: protocol.EvServerStartPlaying})

	tr.ProcessExited(ExitStatus{Code: 0})
	if report != nil {
		t.Fatal("clean exit mid-game starts a grace window, not an immediate finish")
	}
	*now = now.Add(6 * time.Second)
	tr.Tick()
	if report == nil {
		t.Fatal("grace window expiry must finish the game")
	}
	if report.Result != ResultUndecided {
		t.Errorf("result = %s", report.Result)
	}
}

func TestCrashFinishesImmediately(t *testing.T) {
	var crashed bool
	var report *GameDataReport
	tr, _ := testTracker(testGame(), TrackerHooks{
		OnCrash:    func(ExitStatus) { crashed = true },
		OnFinished: func(r GameDataReport) { report = &r },
	})
	tr.Handle(protocol.AutohostEvent{Code: protocol.EvServerStartPlaying})
	tr.ProcessExited(ExitStatus{Signaled: true, Signal: 11})
	if !crashed || report == nil {
		t.Errorf("crashed=%v report=%v", crashed, report != nil)
	}
}

func TestExitStatusClass(t *testing.T) {
	cases := []struct {
		st   ExitStatus
		want ExitClass
	}{
		{ExitStatus{Code: 0}, ExitClean},
		{ExitStatus{Code: 255}, ExitSyncErrors},
		{ExitStatus{Code: 1}, ExitCrash},
		{ExitStatus{Signaled: true}, ExitCrash},
		{ExitStatus{CoreDump: true}, ExitCrash},
	}
	for _, c := range cases {
		if got := c.st.Class(); got != c.want {
			t.Errorf("%+v: class %d, want %d", c.st, got, c.want)
		}
	}
}

func TestConnectionEstablishedLearnsGameIP(t *testing.T) {
	var spoofed, rechecked []string
	game := testGame()
	game.Players["Toto"].LobbyIP = "10.0.0.1"
	tr, _ := testTracker(game, TrackerHooks{
		SpoofCheck: func(name, ip string) { spoofed = append(spoofed, name+" "+ip) },
		RecheckBan: func(name, ip string) { rechecked = append(rechecked, name+" "+ip) },
	})

	tr.Handle(protocol.AutohostEvent{Code: protocol.EvServerMessage, Text: "Connection attempt from 10.9.9.9:51234"})
	tr.Handle(protocol.AutohostEvent{Code: protocol.EvServerMessage, Text: "Toto -> Connection established (given id 1)"})

	p := game.Players["Toto"]
	if p.GameIP != "10.9.9.9" {
		t.Errorf("GameIP = %q, want the connecting address", p.GameIP)
	}
	if p.Number != 1 {
		t.Errorf("Number = %d", p.Number)
	}
	if len(spoofed) != 1 || spoofed[0] != "Toto 10.9.9.9" {
		t.Errorf("spoof check: %v", spoofed)
	}
	if len(rechecked) != 1 || rechecked[0] != "Toto 10.9.9.9" {
		t.Errorf("ban recheck: %v", rechecked)
	}

	// engines that append the address to the established line itself
	tr.Handle(protocol.AutohostEvent{Code: protocol.EvServerMessage, Text: "Tata -> Connection established (given id 0) from 10.8.8.8"})
	if game.Players["Tata"].GameIP != "10.8.8.8" {
		t.Errorf("trailing-address form: %q", game.Players["Tata"].GameIP)
	}

	// a name in the attempt line (older engines) must not become an IP
	tr.Handle(protocol.AutohostEvent{Code: protocol.EvServerMessage, Text: "Connection attempt from Watcher"})
	tr.Handle(protocol.AutohostEvent{Code: protocol.EvServerMessage, Text: "Watcher -> Connection established (given id 2)"})
	if game.Players["Watcher"].GameIP != "" {
		t.Errorf("non-address attempt line: %q", game.Players["Watcher"].GameIP)
	}
}

func TestInGameChatRouting(t *testing.T) {
	var cmds, battle []string
	game := testGame()
	tr, _ := testTracker(game, TrackerHooks{
		Command:   func(name, line string) { cmds = append(cmds, name+" "+line) },
		SayBattle: func(name, msg string) { battle = append(battle, name+" "+msg) },
	})
	tr.Handle(protocol.AutohostEvent{Code: protocol.EvPlayerJoined, Player: 0, Text: "Toto"})

	tr.Handle(protocol.AutohostEvent{Code: protocol.EvPlayerChat, Player: 0, Dest: protocol.ChatToHost, Text: "!stop"})
	tr.Handle(protocol.AutohostEvent{Code: protocol.EvPlayerChat, Player: 0, Dest: protocol.ChatToAll, Text: "gg"})
	tr.Handle(protocol.AutohostEvent{Code: protocol.EvPlayerChat, Player: 0, Dest: protocol.ChatToAllies, Text: "secret plan"})

	if len(cmds) != 1 || cmds[0] != "Toto !stop" {
		t.Errorf("cmds = %v", cmds)
	}
	if len(battle) != 1 || battle[0] != "Toto gg" {
		t.Errorf("public chat relay: %v", battle)
	}
}
