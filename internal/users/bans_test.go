package users

import (
	"testing"
	"time"
)

func TestBanFilterMatching(t *testing.T) {
	subj := Subject{
		AccountID: 1234,
		Name:      "Toto",
		IP:        "10.0.0.7",
		Country:   "FR",
		Rank:      3,
		Skill:     22.5,
	}
	cases := []struct {
		filter BanFilter
		want   bool
	}{
		{BanFilter{}, true}, // empty filter matches everyone
		{BanFilter{Name: "Toto"}, true},
		{BanFilter{Name: "toto"}, false}, // literal match is case sensitive
		{BanFilter{Name: "~Tot.*"}, true},
		{BanFilter{Name: "~tot.*"}, false},
		{BanFilter{Name: "~Tot"}, false}, // regex is anchored
		{BanFilter{IP: "10.0.0.7"}, true},
		{BanFilter{IP: "~10\\.0\\..*"}, true},
		{BanFilter{Rank: "3"}, true},
		{BanFilter{Rank: "<3"}, false},
		{BanFilter{Rank: "<=3"}, true},
		{BanFilter{Skill: ">20"}, true},
		{BanFilter{Skill: ">25"}, false},
		{BanFilter{Name: "Toto", Country: "DE"}, false}, // all fields must match
	}
	for _, c := range cases {
		if got := c.filter.Matches(subj); got != c.want {
			t.Errorf("filter %+v: got %v, want %v", c.filter, got, c.want)
		}
	}
}

func TestBanStoreFirstHitMostRestrictive(t *testing.T) {
	bs := NewBanStore()
	bs.SetGlobal([]*Ban{
		{Filter: BanFilter{Name: "Toto"}, Action: BanAction{Type: BanSpec}},
	})
	bs.Add(&Ban{Filter: BanFilter{IP: "10.0.0.7"}, Action: BanAction{Type: BanBattle}})

	// both lists hit; battle (1) is more restrictive than spec (2)
	b := bs.Find(Subject{Name: "Toto", IP: "10.0.0.7"})
	if b == nil || b.Action.Type != BanBattle {
		t.Fatalf("expected the battle ban to win, got %+v", b)
	}

	// only the global list hits
	b = bs.Find(Subject{Name: "Toto", IP: "10.9.9.9"})
	if b == nil || b.Action.Type != BanSpec {
		t.Fatalf("expected the spec ban, got %+v", b)
	}

	if bs.Find(Subject{Name: "Other", IP: "10.9.9.9"}) != nil {
		t.Error("no list hits: expected nil")
	}
}

func TestBanStoreExpiry(t *testing.T) {
	bs := NewBanStore()
	now := time.Now()
	bs.now = func() time.Time { return now }

	end := now.Add(time.Hour)
	hash := bs.Add(&Ban{Filter: BanFilter{Name: "Toto"}, Action: BanAction{Type: BanBattle, EndDate: &end}})

	if bs.Find(Subject{Name: "Toto"}) == nil {
		t.Fatal("ban should be active before its end date")
	}
	now = now.Add(2 * time.Hour)
	if bs.Find(Subject{Name: "Toto"}) != nil {
		t.Error("expired ban must not match")
	}
	bs.PruneExpired()
	if bs.Remove(hash) {
		t.Error("pruned ban should already be gone")
	}
}

func TestConsumeGameRemovesExhaustedBans(t *testing.T) {
	bs := NewBanStore()
	bs.Add(&Ban{
		Filter: BanFilter{Name: "Toto"},
		Action: BanAction{Type: BanBattle, RemainingGames: 2},
	})

	players := []Subject{{Name: "Toto"}, {Name: "Other"}}
	bs.ConsumeGame(players)
	if bs.Find(Subject{Name: "Toto"}) == nil {
		t.Fatal("one game remaining: ban still active")
	}
	bs.ConsumeGame(players)
	if bs.Find(Subject{Name: "Toto"}) != nil {
		t.Error("ban should be consumed after two games")
	}

	// a game without the target does not consume
	bs.Add(&Ban{Filter: BanFilter{Name: "Tata"}, Action: BanAction{Type: BanBattle, RemainingGames: 1}})
	bs.ConsumeGame(players)
	if bs.Find(Subject{Name: "Tata"}) == nil {
		t.Error("ban on an absent player must not be consumed")
	}
}

func TestConsumeGameKeepsHashStable(t *testing.T) {
	bs := NewBanStore()
	hash := bs.Add(&Ban{
		Filter: BanFilter{Name: "griefer"},
		Action: BanAction{Type: BanBattle, RemainingGames: 1},
	})

	bs.ConsumeGame([]Subject{{Name: "griefer"}})
	if bs.Find(Subject{Name: "griefer"}) != nil {
		t.Error("one-game ban must be gone after the game it covered")
	}
	if got := len(bs.Dynamic()); got != 0 {
		t.Errorf("consumed ban still listed (%d entries)", got)
	}
	if bs.Remove(hash) {
		t.Error("consumed ban should already be removed under its original hash")
	}
}

func TestBanStoreAddIdempotent(t *testing.T) {
	bs := NewBanStore()
	b := func() *Ban {
		return &Ban{Filter: BanFilter{Name: "Toto"}, Action: BanAction{Type: BanBattle, Reason: "x"}}
	}
	h1 := bs.Add(b())
	h2 := bs.Add(b())
	if h1 != h2 {
		t.Fatalf("identical bans hashed differently: %s vs %s", h1, h2)
	}
	if got := len(bs.Dynamic()); got != 1 {
		t.Errorf("duplicate add created %d entries", got)
	}
	if !bs.Remove(h1) {
		t.Error("remove by hash failed")
	}
	if bs.Remove(h1) {
		t.Error("second remove should report unknown")
	}
}
