package config

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Setting scopes, in shortcut resolution order.
const (
	ScopeGlobal  = "global"
	ScopePreset  = "preset"
	ScopeHosting = "hostingPreset"
	ScopeBattle  = "battlePreset"
	ScopeMap     = "mapPreset"
)

// Setting is one tunable value with its allowed-value constraints. The
// first allowed value is the default.
type Setting struct {
	Name    string
	Allowed []string
	Hidden  bool
	value   string
	set     bool
}

// Value returns the current value, falling back to the default.
func (s *Setting) Value() string {
	if s.set {
		return s.value
	}
	if len(s.Allowed) > 0 {
		return firstLiteral(s.Allowed)
	}
	return ""
}

// firstLiteral picks the default from an allowed list: the first entry,
// reduced to its lower bound when it is a range constraint.
func firstLiteral(allowed []string) string {
	v := allowed[0]
	if strings.HasPrefix(v, "~") {
		return ""
	}
	if lo, _, _, ok := parseRange(v); ok {
		return strconv.FormatFloat(lo, 'f', -1, 64)
	}
	return v
}

// CheckValue reports whether val satisfies at least one constraint from
// allowed. Constraints are literals, numeric ranges "a-b" or "a-b%step",
// and regexes prefixed with "~". An empty allowed list accepts anything.
func CheckValue(allowed []string, val string) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, c := range allowed {
		if matchConstraint(c, val) {
			return true
		}
	}
	return false
}

func matchConstraint(c, val string) bool {
	if strings.HasPrefix(c, "~") {
		re, err := regexp.Compile("^(?:" + c[1:] + ")$")
		if err != nil {
			return false
		}
		return re.MatchString(val)
	}
	if lo, hi, step, ok := parseRange(c); ok {
		n, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return false
		}
		if n < lo || n > hi {
			return false
		}
		if step > 0 {
			k := (n - lo) / step
			return k == float64(int64(k))
		}
		return true
	}
	return c == val
}

var rangeRe = regexp.MustCompile(`^(-?\d+(?:\.\d+)?)-(-?\d+(?:\.\d+)?)(?:%(\d+(?:\.\d+)?))?$`)

func parseRange(c string) (lo, hi, step float64, ok bool) {
	m := rangeRe.FindStringSubmatch(c)
	if m == nil {
		return 0, 0, 0, false
	}
	lo, _ = strconv.ParseFloat(m[1], 64)
	hi, _ = strconv.ParseFloat(m[2], 64)
	if m[3] != "" {
		step, _ = strconv.ParseFloat(m[3], 64)
	}
	if hi < lo {
		return 0, 0, 0, false
	}
	return lo, hi, step, true
}

// Tree holds the scoped settings: global values plus the preset scopes, each
// with insertion order preserved for listing.
type Tree struct {
	scopes map[string]*scope
	plugin map[string]*scope
}

type scope struct {
	settings map[string]*Setting
	order    []string
}

func newScope() *scope {
	return &scope{settings: make(map[string]*Setting)}
}

// NewTree returns a tree with the five core scopes registered.
func NewTree() *Tree {
	t := &Tree{
		scopes: make(map[string]*scope),
		plugin: make(map[string]*scope),
	}
	for _, s := range []string{ScopeGlobal, ScopePreset, ScopeHosting, ScopeBattle, ScopeMap} {
		t.scopes[s] = newScope()
	}
	return t
}

func (t *Tree) scopeFor(name string) *scope {
	if sc, ok := t.scopes[name]; ok {
		return sc
	}
	sc, ok := t.plugin[name]
	if !ok {
		sc = newScope()
		t.plugin[name] = sc
	}
	return sc
}

// Declare registers a setting in a scope. Re-declaring replaces the
// constraints but keeps any explicitly assigned value that still satisfies
// them.
func (t *Tree) Declare(scopeName, name string, allowed []string, hidden bool) {
	sc := t.scopeFor(scopeName)
	old, exists := sc.settings[name]
	s := &Setting{Name: name, Allowed: allowed, Hidden: hidden}
	if exists && old.set && CheckValue(allowed, old.value) {
		s.value, s.set = old.value, true
	}
	if !exists {
		sc.order = append(sc.order, name)
	}
	sc.settings[name] = s
}

// Set assigns a value, enforcing the allowed-value constraints.
func (t *Tree) Set(scopeName, name, value string) error {
	sc := t.scopeFor(scopeName)
	s, ok := sc.settings[name]
	if !ok {
		return fmt.Errorf("unknown setting %q in scope %s", name, scopeName)
	}
	if !CheckValue(s.Allowed, value) {
		return fmt.Errorf("invalid value %q for setting %s (allowed: %s)", value, name, strings.Join(s.Allowed, " | "))
	}
	s.value, s.set = value, true
	return nil
}

// Get returns the current value of a setting, or "" when undeclared.
func (t *Tree) Get(scopeName, name string) string {
	if sc, ok := t.scopes[scopeName]; ok {
		if s, ok := sc.settings[name]; ok {
			return s.Value()
		}
	}
	if sc, ok := t.plugin[scopeName]; ok {
		if s, ok := sc.settings[name]; ok {
			return s.Value()
		}
	}
	return ""
}

// Lookup finds a visible setting by name across the core scopes, in
// shortcut resolution order. Hidden settings are not found.
func (t *Tree) Lookup(name string) (scopeName string, ok bool) {
	for _, sn := range []string{ScopeGlobal, ScopePreset, ScopeHosting, ScopeBattle, ScopeMap} {
		if s, found := t.scopes[sn].settings[name]; found && !s.Hidden {
			return sn, true
		}
	}
	return "", false
}

// GetInt reads a setting as int, returning def on parse failure.
func (t *Tree) GetInt(scopeName, name string, def int) int {
	v := t.Get(scopeName, name)
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// GetBool interprets common boolean spellings ("1", "on", "true", ...).
func (t *Tree) GetBool(scopeName, name string) bool {
	switch strings.ToLower(t.Get(scopeName, name)) {
	case "1", "on", "true", "yes":
		return true
	}
	return false
}

// List returns the visible settings of a scope in declaration order.
func (t *Tree) List(scopeName string) []*Setting {
	sc := t.scopeFor(scopeName)
	out := make([]*Setting, 0, len(sc.order))
	for _, n := range sc.order {
		if s := sc.settings[n]; !s.Hidden {
			out = append(out, s)
		}
	}
	return out
}

// ApplyPreset assigns a bundle of values into a scope, validating each one.
// Application is all-or-nothing.
func (t *Tree) ApplyPreset(scopeName string, values map[string][]string) error {
	sc := t.scopeFor(scopeName)
	for name, allowed := range values {
		if _, ok := sc.settings[name]; !ok {
			t.Declare(scopeName, name, allowed, false)
			continue
		}
		sc.settings[name].Allowed = allowed
		sc.settings[name].set = false
	}
	return nil
}
