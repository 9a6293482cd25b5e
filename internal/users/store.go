// Package users tracks online lobby users, historical account data and the
// dynamic ban list.
package users

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// Status mirrors the lobby CLIENTSTATUS bitfield.
type Status struct {
	InGame bool
	Away   bool
	Rank   int
	Bot    bool
}

// User is one online lobby user. Owned by the Store; callers must not
// retain mutable references across events.
type User struct {
	Name        string
	AccountID   int
	Country     string
	LobbyClient string
	IP          string
	Status      Status
}

// AccountKey identifies an account: the numeric id, or "0(<name>)" for
// anonymous/LAN accounts.
func AccountKey(accountID int, name string) string {
	if accountID == 0 {
		return fmt.Sprintf("0(%s)", name)
	}
	return fmt.Sprintf("%d", accountID)
}

// Account is the persistent record kept per account key.
type Account struct {
	Key         string
	Names       map[string]time.Time // name -> last seen
	IPs         map[string]time.Time // ip -> last seen
	LastRank    int
	LastCountry string
	LastClient  string
	LastSeen    time.Time
}

// Store is the user/account store. All methods are main-loop only; no
// internal locking.
type Store struct {
	log    *logrus.Logger
	online map[string]*User    // by name
	accts  map[string]*Account // by account key

	accountRetention time.Duration
	ipRetention      time.Duration

	now func() time.Time
}

// NewStore creates a store with the given retention windows (zero keeps
// records forever).
func NewStore(log *logrus.Logger, accountRetentionDays, ipRetentionDays int) *Store {
	return &Store{
		log:              log,
		online:           make(map[string]*User),
		accts:            make(map[string]*Account),
		accountRetention: time.Duration(accountRetentionDays) * 24 * time.Hour,
		ipRetention:      time.Duration(ipRetentionDays) * 24 * time.Hour,
		now:              time.Now,
	}
}

// AddUser records an ADDUSER event and learns account metadata.
func (s *Store) AddUser(name, country string, accountID int, lobbyClient string) *User {
	u := &User{Name: name, AccountID: accountID, Country: country, LobbyClient: lobbyClient}
	s.online[name] = u
	a := s.account(AccountKey(accountID, name))
	a.Names[name] = s.now()
	a.LastCountry = country
	a.LastClient = lobbyClient
	a.LastSeen = s.now()
	return u
}

// RemoveUser handles REMOVEUSER.
func (s *Store) RemoveUser(name string) {
	delete(s.online, name)
}

// Get returns the online user by name.
func (s *Store) Get(name string) (*User, bool) {
	u, ok := s.online[name]
	return u, ok
}

// Online returns all online users, unordered.
func (s *Store) Online() []*User {
	out := make([]*User, 0, len(s.online))
	for _, u := range s.online {
		out = append(out, u)
	}
	return out
}

// SetStatus applies a CLIENTSTATUS update and mirrors the rank into the
// account record.
func (s *Store) SetStatus(name string, st Status) {
	u, ok := s.online[name]
	if !ok {
		return
	}
	u.Status = st
	a := s.account(AccountKey(u.AccountID, u.Name))
	a.LastRank = st.Rank
	a.LastSeen = s.now()
}

// LearnIP records an IP observed for an online user, from CLIENTIPPORT or
// an in-game connection.
func (s *Store) LearnIP(name, ip string) {
	u, ok := s.online[name]
	if !ok {
		return
	}
	u.IP = ip
	a := s.account(AccountKey(u.AccountID, u.Name))
	a.IPs[ip] = s.now()
	a.LastSeen = s.now()
}

func (s *Store) account(key string) *Account {
	a, ok := s.accts[key]
	if !ok {
		a = &Account{
			Key:   key,
			Names: make(map[string]time.Time),
			IPs:   make(map[string]time.Time),
		}
		s.accts[key] = a
	}
	return a
}

// Account returns the persistent record for a key, if known.
func (s *Store) Account(key string) (*Account, bool) {
	a, ok := s.accts[key]
	return a, ok
}

// ImportAccount seeds an account record, used when restoring persisted
// state at startup.
func (s *Store) ImportAccount(a *Account) {
	if a.Names == nil {
		a.Names = make(map[string]time.Time)
	}
	if a.IPs == nil {
		a.IPs = make(map[string]time.Time)
	}
	s.accts[a.Key] = a
}

// Accounts returns every retained account record.
func (s *Store) Accounts() []*Account {
	out := make([]*Account, 0, len(s.accts))
	for _, a := range s.accts {
		out = append(out, a)
	}
	return out
}

// Purge drops names, IPs and whole accounts past their retention windows.
// Called periodically by the main loop.
func (s *Store) Purge() {
	now := s.now()
	for key, a := range s.accts {
		if s.ipRetention > 0 {
			for ip, seen := range a.IPs {
				if now.Sub(seen) > s.ipRetention {
					delete(a.IPs, ip)
				}
			}
		}
		if s.accountRetention > 0 && now.Sub(a.LastSeen) > s.accountRetention {
			delete(s.accts, key)
		}
	}
}

const maxSearchResults = 40

// SearchResult is one match of a user search.
type SearchResult struct {
	Key      string
	Name     string
	IP       string
	LastSeen time.Time
	Online   bool
}

// Search finds accounts whose retained names or IPs contain the given
// substring (case-insensitive for names). At most 40 results are returned,
// most recently seen first.
func (s *Store) Search(sub string) []SearchResult {
	lsub := strings.ToLower(sub)
	var out []SearchResult
	for key, a := range s.accts {
		for name, seen := range a.Names {
			if strings.Contains(strings.ToLower(name), lsub) {
				_, on := s.online[name]
				out = append(out, SearchResult{Key: key, Name: name, LastSeen: seen, Online: on})
			}
		}
		for ip, seen := range a.IPs {
			if strings.Contains(ip, sub) {
				out = append(out, SearchResult{Key: key, IP: ip, LastSeen: seen})
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastSeen.After(out[j].LastSeen) })
	if len(out) > maxSearchResults {
		out = out[:maxSearchResults]
	}
	return out
}

// SmurfGroup is a confidence tier of likely alternate accounts.
type SmurfGroup struct {
	Confidence int // 100, 90, 80 or 60
	Keys       []string
}

// Smurfs returns likely alternate accounts of the target, grouped by
// confidence derived from shared IP history:
//
//	100  candidate's latest IP equals the target's latest IP
//	 90  candidate history contains the target's latest IP
//	 80  target history contains the candidate's latest IP
//	 60  any other shared IP
func (s *Store) Smurfs(key string) []SmurfGroup {
	target, ok := s.accts[key]
	if !ok || len(target.IPs) == 0 {
		return nil
	}
	targetLatest := latestIP(target)
	tiers := map[int][]string{}
	for k, a := range s.accts {
		if k == key || len(a.IPs) == 0 {
			continue
		}
		conf := 0
		candLatest := latestIP(a)
		switch {
		case candLatest == targetLatest:
			conf = 100
		case hasIP(a, targetLatest):
			conf = 90
		case hasIP(target, candLatest):
			conf = 80
		case sharesIP(target, a):
			conf = 60
		}
		if conf > 0 {
			tiers[conf] = append(tiers[conf], k)
		}
	}
	var out []SmurfGroup
	for _, conf := range []int{100, 90, 80, 60} {
		if keys := tiers[conf]; len(keys) > 0 {
			sort.Strings(keys)
			out = append(out, SmurfGroup{Confidence: conf, Keys: keys})
		}
	}
	return out
}

func latestIP(a *Account) string {
	var best string
	var bestT time.Time
	for ip, t := range a.IPs {
		if t.After(bestT) || best == "" {
			best, bestT = ip, t
		}
	}
	return best
}

func hasIP(a *Account, ip string) bool {
	_, ok := a.IPs[ip]
	return ok && ip != ""
}

func sharesIP(a, b *Account) bool {
	for ip := range a.IPs {
		if _, ok := b.IPs[ip]; ok {
			return true
		}
	}
	return false
}
