// Package command parses !commands, resolves the caller's rights and
// dispatches to handlers, with vote-level gating and a JSON-RPC facade for
// relayed clients.
package command

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
)

// Player statuses for rights lookup.
const (
	StatusOutside = "outside"
	StatusSpec    = "spec"
	StatusPlayer  = "player"
	StatusPlaying = "playing"
)

// Game states for rights lookup.
const (
	GameStopped = "stopped"
	GameRunning = "running"
	GameVoting  = "voting"
)

// Rights is the pair of thresholds gating a command: DirectLevel allows
// immediate execution, VoteLevel allows starting a vote. -1 disables the
// path entirely.
type Rights struct {
	DirectLevel int
	VoteLevel   int
}

type rightsKey struct {
	cmd          string
	source       string
	playerStatus string
	gameState    string
}

// RightsTable resolves (cmd, source, playerStatus, gameState) to Rights.
// Lookups fall back over wildcards, most specific first.
type RightsTable struct {
	rules map[rightsKey]Rights
}

// NewRightsTable creates an empty table.
func NewRightsTable() *RightsTable {
	return &RightsTable{rules: make(map[rightsKey]Rights)}
}

// Declare registers a rule; "*" in any dimension matches everything.
func (t *RightsTable) Declare(cmd, source, playerStatus, gameState string, r Rights) {
	t.rules[rightsKey{cmd, source, playerStatus, gameState}] = r
}

// Lookup resolves the rights for a call, wildcarding gameState, then
// playerStatus, then source, in that order. A command with no rule at all
// is denied on both paths.
func (t *RightsTable) Lookup(cmd, source, playerStatus, gameState string) Rights {
	for _, k := range []rightsKey{
		{cmd, source, playerStatus, gameState},
		{cmd, source, playerStatus, "*"},
		{cmd, source, "*", gameState},
		{cmd, source, "*", "*"},
		{cmd, "*", playerStatus, gameState},
		{cmd, "*", playerStatus, "*"},
		{cmd, "*", "*", gameState},
		{cmd, "*", "*", "*"},
	} {
		if r, ok := t.rules[k]; ok {
			return r
		}
	}
	return Rights{DirectLevel: -1, VoteLevel: -1}
}

// Handler executes a command. When checkOnly is set it must only report
// feasibility (empty string = feasible, otherwise the refusal reason) and
// cause no side effects.
type Handler func(source, user string, params []string, checkOnly bool) (refusal string, err error)

// Env supplies the dispatcher's view of the surrounding agent state.
type Env struct {
	AccessLevel   func(user string) int
	PluginLevel   func(user string) int // -1 = no opinion
	PlayerStatus  func(user string) string
	GameState     func() string
	Say           func(source, user, msg string)
	StartVote     func(source, user string, cmdTokens []string) error
	MatchingVote  func(cmdTokens []string) bool
	CastYes       func(user string)
	CancelVote    func(reason string)
	VoteInitiator func() (string, bool)
}

// Dispatcher owns the command registry, aliases, rights and boss state.
type Dispatcher struct {
	log *logrus.Logger
	env Env

	handlers      map[string]Handler
	customParsing map[string]bool
	aliases       map[string][]string
	rights        *RightsTable

	// settings shortcuts: lowercase setting name -> set command
	shortcuts map[string]string

	bosses map[string]bool
}

// NewDispatcher creates a dispatcher with empty registries.
func NewDispatcher(log *logrus.Logger, env Env, rights *RightsTable) *Dispatcher {
	return &Dispatcher{
		log:           log,
		env:           env,
		handlers:      make(map[string]Handler),
		customParsing: make(map[string]bool),
		aliases:       make(map[string][]string),
		rights:        rights,
		shortcuts:     make(map[string]string),
		bosses:        make(map[string]bool),
	}
}

// Register binds a handler. customParsing selects shell-like tokenisation
// for the command's parameters.
func (d *Dispatcher) Register(cmd string, customParsing bool, h Handler) {
	d.handlers[strings.ToLower(cmd)] = h
	if customParsing {
		d.customParsing[strings.ToLower(cmd)] = true
	}
}

// Alias maps token to an expansion; "%1%".."%9%" in the expansion are
// replaced by the invocation's positional parameters, remaining params are
// appended.
func (d *Dispatcher) Alias(token string, expansion []string) {
	d.aliases[strings.ToLower(token)] = expansion
}

// Shortcut registers a settings shortcut: "!<name> v" becomes
// "!<setCmd> <name> v". Hidden settings must not be registered.
func (d *Dispatcher) Shortcut(settingName, setCmd string) {
	d.shortcuts[strings.ToLower(settingName)] = setCmd
}

// Boss management.

// SetBoss adds or removes a user from the boss set.
func (d *Dispatcher) SetBoss(user string, on bool) {
	if on {
		d.bosses[user] = true
	} else {
		delete(d.bosses, user)
	}
}

// ClearBosses empties the boss set.
func (d *Dispatcher) ClearBosses() { d.bosses = make(map[string]bool) }

// BossMode reports whether the boss set is non-empty.
func (d *Dispatcher) BossMode() bool { return len(d.bosses) > 0 }

// IsBoss reports boss membership.
func (d *Dispatcher) IsBoss(user string) bool { return d.bosses[user] }

// effectiveLevel computes the caller's level: max of static rules and
// plugin overrides, then the boss-mode overlay.
func (d *Dispatcher) effectiveLevel(user, cmd string, params []string) int {
	lvl := 0
	if d.env.AccessLevel != nil {
		lvl = d.env.AccessLevel(user)
	}
	if d.env.PluginLevel != nil {
		if p := d.env.PluginLevel(user); p > lvl {
			lvl = p
		}
	}
	if d.BossMode() && !d.bosses[user] && !d.bossOverride(user, cmd, params) {
		return 0
	}
	return lvl
}

// bossOverride whitelists the commands a non-boss keeps during boss mode:
// the vote initiator may end their own vote, and the sole active boss is
// managed through "boss" itself (a non-boss may never grab it, but "boss"
// with no params shows state and stays allowed).
func (d *Dispatcher) bossOverride(user, cmd string, params []string) bool {
	switch cmd {
	case "endvote":
		if d.env.VoteInitiator != nil {
			if init, ok := d.env.VoteInitiator(); ok && init == user {
				return true
			}
		}
	case "vote":
		return true
	case "boss":
		return len(params) == 0
	}
	return false
}

// Parse splits a raw "!cmd params" line after alias expansion and shortcut
// resolution, returning the final token list. Returns nil when the line is
// not a command.
func (d *Dispatcher) Parse(raw string) []string {
	raw = strings.TrimSpace(raw)
	if !strings.HasPrefix(raw, "!") || len(raw) < 2 {
		return nil
	}
	head := strings.Fields(raw[1:])
	if len(head) == 0 {
		return nil
	}
	cmd := strings.ToLower(head[0])

	if exp, ok := d.aliases[cmd]; ok {
		return d.expandAlias(exp, head[1:])
	}
	if setCmd, ok := d.shortcuts[cmd]; ok {
		return append([]string{setCmd, head[0]}, head[1:]...)
	}

	if d.customParsing[cmd] {
		params, err := splitQuoted(strings.TrimSpace(raw[1+len(head[0]):]))
		if err != nil {
			// unterminated quote: fall back to whitespace split
			return head
		}
		return append([]string{head[0]}, params...)
	}
	return head
}

func (d *Dispatcher) expandAlias(expansion, params []string) []string {
	out := make([]string, 0, len(expansion)+len(params))
	used := make(map[int]bool)
	for _, tok := range expansion {
		if len(tok) >= 3 && tok[0] == '%' && tok[len(tok)-1] == '%' {
			if n, err := strconv.Atoi(tok[1 : len(tok)-1]); err == nil && n >= 1 {
				if n <= len(params) {
					out = append(out, params[n-1])
					used[n-1] = true
				}
				continue
			}
		}
		out = append(out, tok)
	}
	for i, p := range params {
		if !used[i] {
			out = append(out, p)
		}
	}
	return out
}

// splitQuoted tokenises with shell-like quoting: single quotes take the
// content literally, double quotes allow \" and \\ escapes.
func splitQuoted(s string) ([]string, error) {
	var out []string
	var cur strings.Builder
	inTok := false
	i := 0
	for i < len(s) {
		c := s[i]
		switch {
		case c == ' ' || c == '\t':
			if inTok {
				out = append(out, cur.String())
				cur.Reset()
				inTok = false
			}
			i++
		case c == '\'':
			inTok = true
			j := strings.IndexByte(s[i+1:], '\'')
			if j < 0 {
				return nil, fmt.Errorf("unterminated single quote")
			}
			cur.WriteString(s[i+1 : i+1+j])
			i += j + 2
		case c == '"':
			inTok = true
			i++
			for i < len(s) && s[i] != '"' {
				if s[i] == '\\' && i+1 < len(s) && (s[i+1] == '"' || s[i+1] == '\\') {
					i++
				}
				cur.WriteByte(s[i])
				i++
			}
			if i >= len(s) {
				return nil, fmt.Errorf("unterminated double quote")
			}
			i++
		default:
			inTok = true
			cur.WriteByte(c)
			i++
		}
	}
	if inTok {
		out = append(out, cur.String())
	}
	return out, nil
}

// Dispatch runs a parsed command line for user from source. It applies the
// rights gates: direct execution when the caller reaches DirectLevel, a
// vote when they only reach VoteLevel, denial otherwise.
func (d *Dispatcher) Dispatch(source, user string, tokens []string) {
	if len(tokens) == 0 {
		return
	}
	cmd := strings.ToLower(tokens[0])
	params := tokens[1:]

	h, ok := d.handlers[cmd]
	if !ok {
		d.say(source, user, fmt.Sprintf("Invalid command \"%s\"", tokens[0]))
		return
	}

	status := StatusOutside
	if d.env.PlayerStatus != nil {
		status = d.env.PlayerStatus(user)
	}
	state := GameStopped
	if d.env.GameState != nil {
		state = d.env.GameState()
	}
	rights := d.rights.Lookup(cmd, source, status, state)
	lvl := d.effectiveLevel(user, cmd, params)

	switch {
	case rights.DirectLevel >= 0 && lvl >= rights.DirectLevel:
		d.execDirect(source, user, cmd, tokens, h)
	case rights.VoteLevel >= 0 && lvl >= rights.VoteLevel:
		d.execViaVote(source, user, tokens, h)
	default:
		d.say(source, user, fmt.Sprintf("%s: you are not allowed to call this command from here", tokens[0]))
	}
}

func (d *Dispatcher) execDirect(source, user, cmd string, tokens []string, h Handler) {
	refusal, err := h(source, user, tokens[1:], false)
	if err != nil {
		d.log.WithFields(logrus.Fields{"cmd": cmd, "user": user}).WithError(err).Error("command failed")
		d.say(source, user, fmt.Sprintf("%s: internal error", cmd))
		return
	}
	if refusal != "" {
		d.say(source, user, refusal)
		return
	}
	// a successful direct execution of a command under vote ends the vote
	if d.env.MatchingVote != nil && d.env.MatchingVote(tokens) && d.env.CancelVote != nil {
		d.env.CancelVote(fmt.Sprintf("command executed directly by %s", user))
	}
}

func (d *Dispatcher) execViaVote(source, user string, tokens []string, h Handler) {
	if d.env.MatchingVote != nil && d.env.MatchingVote(tokens) {
		// same command already being voted: count the request as a yes
		if d.env.CastYes != nil {
			d.env.CastYes(user)
		}
		return
	}
	if refusal, err := h(source, user, tokens[1:], true); err != nil || refusal != "" {
		if refusal == "" {
			refusal = fmt.Sprintf("%s: internal error", tokens[0])
		}
		d.say(source, user, refusal)
		return
	}
	if d.env.StartVote != nil {
		if err := d.env.StartVote(source, user, tokens); err != nil {
			d.say(source, user, err.Error())
		}
	}
}

func (d *Dispatcher) say(source, user, msg string) {
	if d.env.Say != nil {
		d.env.Say(source, user, msg)
	}
}
