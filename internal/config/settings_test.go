package config

import "testing"

func TestCheckValue(t *testing.T) {
	cases := []struct {
		allowed []string
		val     string
		want    bool
	}{
		{nil, "anything", true},
		{[]string{"on", "off"}, "on", true},
		{[]string{"on", "off"}, "On", false},
		{[]string{"on", "off"}, "auto", false},
		{[]string{"0-16"}, "8", true},
		{[]string{"0-16"}, "16", true},
		{[]string{"0-16"}, "17", false},
		{[]string{"0-16"}, "-1", false},
		{[]string{"0-16"}, "abc", false},
		{[]string{"0-100%5"}, "25", true},
		{[]string{"0-100%5"}, "26", false},
		{[]string{"0.5-2.5"}, "1.75", true},
		{[]string{"~[A-Z]{2,4}"}, "ABC", true},
		{[]string{"~[A-Z]{2,4}"}, "abc", false},
		{[]string{"~[A-Z]{2,4}"}, "ABCDE", false},
		{[]string{"off", "1-32"}, "off", true}, // mixed constraints
		{[]string{"off", "1-32"}, "16", true},
		{[]string{"off", "1-32"}, "33", false},
	}
	for _, c := range cases {
		if got := CheckValue(c.allowed, c.val); got != c.want {
			t.Errorf("CheckValue(%v, %q) = %v, want %v", c.allowed, c.val, got, c.want)
		}
	}
}

func TestSettingDefault(t *testing.T) {
	cases := []struct {
		allowed []string
		want    string
	}{
		{[]string{"normal", "away"}, "normal"},
		{[]string{"0-16"}, "0"},
		{[]string{"2-16"}, "2"},
		{[]string{"~.*"}, ""},
		{nil, ""},
	}
	for _, c := range cases {
		s := &Setting{Name: "x", Allowed: c.allowed}
		if got := s.Value(); got != c.want {
			t.Errorf("default for %v = %q, want %q", c.allowed, got, c.want)
		}
	}
}

func TestTreeSetAndGet(t *testing.T) {
	tr := NewTree()
	tr.Declare(ScopeGlobal, "voteTime", []string{"0-300"}, false)

	if err := tr.Set(ScopeGlobal, "voteTime", "60"); err != nil {
		t.Fatal(err)
	}
	if got := tr.Get(ScopeGlobal, "voteTime"); got != "60" {
		t.Errorf("Get = %q", got)
	}
	if err := tr.Set(ScopeGlobal, "voteTime", "999"); err == nil {
		t.Error("out-of-range value accepted")
	}
	if err := tr.Set(ScopeGlobal, "nosuch", "1"); err == nil {
		t.Error("unknown setting accepted")
	}
	if got := tr.GetInt(ScopeGlobal, "voteTime", -1); got != 60 {
		t.Errorf("GetInt = %d", got)
	}
	if got := tr.GetInt(ScopeGlobal, "missing", -1); got != -1 {
		t.Errorf("GetInt default = %d", got)
	}
}

func TestTreeGetBool(t *testing.T) {
	tr := NewTree()
	tr.Declare(ScopeBattle, "autoLock", []string{"off", "on", "advanced"}, false)
	if tr.GetBool(ScopeBattle, "autoLock") {
		t.Error("default off must read false")
	}
	tr.Set(ScopeBattle, "autoLock", "on")
	if !tr.GetBool(ScopeBattle, "autoLock") {
		t.Error("on must read true")
	}
}

func TestTreeLookupSkipsHidden(t *testing.T) {
	tr := NewTree()
	tr.Declare(ScopeGlobal, "secret", []string{"~.*"}, true)
	tr.Declare(ScopeBattle, "teamSize", []string{"1-16"}, false)

	if _, ok := tr.Lookup("secret"); ok {
		t.Error("hidden setting must not resolve")
	}
	scope, ok := tr.Lookup("teamSize")
	if !ok || scope != ScopeBattle {
		t.Errorf("Lookup(teamSize) = %q, %v", scope, ok)
	}
}

func TestTreeListOrderAndVisibility(t *testing.T) {
	tr := NewTree()
	tr.Declare(ScopeGlobal, "b", nil, false)
	tr.Declare(ScopeGlobal, "a", nil, false)
	tr.Declare(ScopeGlobal, "h", nil, true)

	got := tr.List(ScopeGlobal)
	if len(got) != 2 || got[0].Name != "b" || got[1].Name != "a" {
		t.Errorf("List order/visibility wrong: %+v", got)
	}
}

func TestDeclareKeepsCompatibleValue(t *testing.T) {
	tr := NewTree()
	tr.Declare(ScopeGlobal, "teamSize", []string{"1-16"}, false)
	tr.Set(ScopeGlobal, "teamSize", "8")

	// re-declare with a constraint the value still satisfies
	tr.Declare(ScopeGlobal, "teamSize", []string{"1-32"}, false)
	if got := tr.Get(ScopeGlobal, "teamSize"); got != "8" {
		t.Errorf("compatible value lost: %q", got)
	}

	// re-declare with a constraint it violates: back to the default
	tr.Declare(ScopeGlobal, "teamSize", []string{"1-4"}, false)
	if got := tr.Get(ScopeGlobal, "teamSize"); got != "1" {
		t.Errorf("incompatible value kept: %q", got)
	}
}

func TestApplyPresetResetsValues(t *testing.T) {
	tr := NewTree()
	tr.Declare(ScopeBattle, "teamSize", []string{"1-16"}, false)
	tr.Set(ScopeBattle, "teamSize", "8")

	if err := tr.ApplyPreset(ScopeBattle, map[string][]string{
		"teamSize": {"2-8"},
		"nbTeams":  {"2-16"},
	}); err != nil {
		t.Fatal(err)
	}
	if got := tr.Get(ScopeBattle, "teamSize"); got != "2" {
		t.Errorf("preset application must reset to the new default: %q", got)
	}
	if got := tr.Get(ScopeBattle, "nbTeams"); got != "2" {
		t.Errorf("preset may declare new settings: %q", got)
	}
}
