package users

import (
	"fmt"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func testStore(acctDays, ipDays int) (*Store, *time.Time) {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	s := NewStore(log, acctDays, ipDays)
	now := time.Now()
	s.now = func() time.Time { return now }
	return s, &now
}

func TestAccountKey(t *testing.T) {
	if got := AccountKey(1234, "Toto"); got != "1234" {
		t.Errorf("got %q", got)
	}
	if got := AccountKey(0, "Toto"); got != "0(Toto)" {
		t.Errorf("anonymous key: got %q", got)
	}
}

func TestStoreLearnsAccountData(t *testing.T) {
	s, _ := testStore(0, 0)
	s.AddUser("Toto", "FR", 1234, "FLOBBY 1.0")
	s.SetStatus("Toto", Status{Rank: 4})
	s.LearnIP("Toto", "10.0.0.7")

	a, ok := s.Account("1234")
	if !ok {
		t.Fatal("account not created")
	}
	if _, ok := a.Names["Toto"]; !ok {
		t.Error("name not recorded")
	}
	if _, ok := a.IPs["10.0.0.7"]; !ok {
		t.Error("IP not recorded")
	}
	if a.LastRank != 4 || a.LastCountry != "FR" {
		t.Errorf("metadata not mirrored: %+v", a)
	}

	s.RemoveUser("Toto")
	if _, on := s.Get("Toto"); on {
		t.Error("user still online after removal")
	}
	if _, ok := s.Account("1234"); !ok {
		t.Error("account record must survive disconnect")
	}
}

func TestSearchOnlineFlagAndCap(t *testing.T) {
	s, now := testStore(0, 0)
	for i := 0; i < 50; i++ {
		*now = now.Add(time.Minute)
		s.AddUser(fmt.Sprintf("Player%02d", i), "FR", 1000+i, "")
	}
	s.RemoveUser("Player00")

	got := s.Search("player")
	if len(got) != maxSearchResults {
		t.Fatalf("got %d results, want cap %d", len(got), maxSearchResults)
	}
	// most recently seen first
	if got[0].Name != "Player49" {
		t.Errorf("first result = %q, want Player49", got[0].Name)
	}
	if !got[0].Online {
		t.Error("Player49 should be flagged online")
	}

	got = s.Search("Player00")
	if len(got) != 1 || got[0].Online {
		t.Errorf("offline player search: %+v", got)
	}
}

func TestSearchByIP(t *testing.T) {
	s, _ := testStore(0, 0)
	s.AddUser("Toto", "FR", 1, "")
	s.LearnIP("Toto", "10.0.0.7")
	got := s.Search("10.0.0")
	if len(got) != 1 || got[0].IP != "10.0.0.7" || got[0].Key != "1" {
		t.Errorf("IP search: %+v", got)
	}
}

func TestPurgeRetention(t *testing.T) {
	s, now := testStore(10, 2)
	s.AddUser("Old", "FR", 1, "")
	s.LearnIP("Old", "10.0.0.1")

	*now = now.Add(3 * 24 * time.Hour)
	s.AddUser("Fresh", "DE", 2, "")
	s.Purge()

	a, ok := s.Account("1")
	if !ok {
		t.Fatal("account inside retention must survive")
	}
	if len(a.IPs) != 0 {
		t.Error("IP past its retention must be purged")
	}

	*now = now.Add(8 * 24 * time.Hour)
	s.Purge()
	if _, ok := s.Account("1"); ok {
		t.Error("account past retention must be purged")
	}
	if _, ok := s.Account("2"); !ok {
		t.Error("unexpired account purged")
	}
}

func TestSmurfTiers(t *testing.T) {
	s, now := testStore(0, 0)
	learn := func(name string, id int, ips ...string) {
		s.AddUser(name, "", id, "")
		for _, ip := range ips {
			*now = now.Add(time.Minute)
			s.LearnIP(name, ip)
		}
	}
	learn("Target", 1, "1.1.1.1", "2.2.2.2") // latest 2.2.2.2
	learn("Same", 2, "2.2.2.2")              // latest == target latest -> 100
	learn("HadIt", 3, "2.2.2.2", "9.9.9.9")  // history has target latest -> 90
	learn("Known", 4, "1.1.1.1")             // target history has its latest -> 80
	learn("Stranger", 5, "8.8.8.8")

	groups := s.Smurfs("1")
	want := map[int][]string{100: {"2"}, 90: {"3"}, 80: {"4"}}
	if len(groups) != len(want) {
		t.Fatalf("got %d groups: %+v", len(groups), groups)
	}
	for _, g := range groups {
		keys, ok := want[g.Confidence]
		if !ok {
			t.Errorf("unexpected tier %d", g.Confidence)
			continue
		}
		if len(g.Keys) != len(keys) || g.Keys[0] != keys[0] {
			t.Errorf("tier %d keys = %v, want %v", g.Confidence, g.Keys, keys)
		}
	}
	if s.Smurfs("5") != nil {
		t.Error("account without shared IPs has no smurfs")
	}
}
