// Package prefs stores per-user preferences and the sliding-window flood
// counters protecting the host.
package prefs

import (
	"crypto/md5"
	"encoding/base64"
	"fmt"
	"sort"
)

// Known preference keys and their allowed values (empty list = free-form).
var knownPrefs = map[string][]string{
	"password":        nil,
	"voteMode":        {"normal", "away"},
	"autoSetVoteMode": {"0", "1"},
	"ringDelay":       nil, // seconds, numeric
	"spoofProtection": {"", "off", "warn", "kick"},
	"clan":            nil,
	"shareId":         nil,
	"rankMode":        {"", "account", "ip", "ipManual", "manual"},
	"skillMode":       {"", "rank", "TrueSkill"},
	"ircColors":       {"0", "1"},
}

// Store keeps (account, key) -> value preferences. Preference identity is
// the latest observed account key for a name; the mapping is maintained by
// the caller through Identify.
type Store struct {
	values map[string]map[string]string // account key -> pref key -> value
	names  map[string]string            // online name -> account key

	// authenticated holds names that passed !auth this process lifetime.
	authenticated map[string]bool

	// globalDefault resolves a pref key to the matching global setting.
	globalDefault func(key string) string
}

// NewStore creates a preference store. defaultFn may be nil.
func NewStore(defaultFn func(key string) string) *Store {
	if defaultFn == nil {
		defaultFn = func(string) string { return "" }
	}
	return &Store{
		values:        make(map[string]map[string]string),
		names:         make(map[string]string),
		authenticated: make(map[string]bool),
		globalDefault: defaultFn,
	}
}

// Identify binds an online name to its account key. Called on ADDUSER.
func (s *Store) Identify(name, accountKey string) {
	s.names[name] = accountKey
}

// Forget drops the name binding (REMOVEUSER). Stored values survive.
func (s *Store) Forget(name string) {
	delete(s.names, name)
	delete(s.authenticated, name)
}

// KeyFor resolves a name to its account key; falls back to the name itself
// for users never identified (should not happen in practice).
func (s *Store) KeyFor(name string) string {
	if k, ok := s.names[name]; ok {
		return k
	}
	return name
}

// Set validates and stores a preference. An empty value clears it back to
// the default.
func (s *Store) Set(name, key, value string) error {
	allowed, known := knownPrefs[key]
	if !known {
		return fmt.Errorf("unknown preference %q", key)
	}
	acct := s.KeyFor(name)
	if value == "" {
		if m := s.values[acct]; m != nil {
			delete(m, key)
		}
		return nil
	}
	if len(allowed) > 0 && !contains(allowed, value) {
		return fmt.Errorf("invalid value %q for preference %s", value, key)
	}
	m := s.values[acct]
	if m == nil {
		m = make(map[string]string)
		s.values[acct] = m
	}
	m[key] = value
	return nil
}

// Get returns the effective preference: stored value, else the global
// setting of the same name, else "".
func (s *Store) Get(name, key string) string {
	if m := s.values[s.KeyFor(name)]; m != nil {
		if v, ok := m[key]; ok {
			return v
		}
	}
	return s.globalDefault(key)
}

// List returns the stored (non-default) preferences of a user, sorted.
func (s *Store) List(name string) map[string]string {
	out := make(map[string]string)
	if m := s.values[s.KeyFor(name)]; m != nil {
		for k, v := range m {
			if k == "password" {
				v = "***"
			}
			out[k] = v
		}
	}
	return out
}

// Keys returns all known preference keys, sorted, for help output.
func Keys() []string {
	out := make([]string, 0, len(knownPrefs))
	for k := range knownPrefs {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// HashPassword computes the stored form of a password preference:
// base64 of the raw MD5 digest, as the lobby ecosystem expects.
func HashPassword(clear string) string {
	sum := md5.Sum([]byte(clear))
	return base64.StdEncoding.EncodeToString(sum[:])
}

// SetPassword stores the hash of a cleartext password.
func (s *Store) SetPassword(name, clear string) error {
	return s.Set(name, "password", HashPassword(clear))
}

// Auth checks a cleartext password against the stored preference and, on
// success, marks the name authenticated for the process lifetime.
func (s *Store) Auth(name, clear string) bool {
	stored := ""
	if m := s.values[s.KeyFor(name)]; m != nil {
		stored = m["password"]
	}
	if stored == "" || stored != HashPassword(clear) {
		return false
	}
	s.authenticated[name] = true
	return true
}

// Authenticated reports whether the name passed !auth.
func (s *Store) Authenticated(name string) bool {
	return s.authenticated[name]
}

// Import seeds stored values for an account key (startup restore).
func (s *Store) Import(accountKey string, values map[string]string) {
	if len(values) == 0 {
		return
	}
	m := make(map[string]string, len(values))
	for k, v := range values {
		m[k] = v
	}
	s.values[accountKey] = m
}

// Export returns all stored preference maps keyed by account.
func (s *Store) Export() map[string]map[string]string {
	out := make(map[string]map[string]string, len(s.values))
	for acct, m := range s.values {
		cp := make(map[string]string, len(m))
		for k, v := range m {
			cp[k] = v
		}
		out[acct] = cp
	}
	return out
}

func contains(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}
