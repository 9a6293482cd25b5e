// Package vote implements the time-bounded voting state machine: one vote
// at a time, away-mode auto-voting, weighted quorum and majority math, and
// ring/notify reminders.
package vote

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// Vote sources.
const (
	SourcePrivate = "pv"
	SourceChannel = "chan"
	SourceBattle  = "battle"
	SourceGame    = "game"
)

// Settings are resolved per vote at call time from the settings tree.
type Settings struct {
	VoteTime      time.Duration
	AwayVoteDelay string // absolute seconds, "X%" of voteTime, or "" to disable
	// MinParticipation is a percentage, optionally "a;b" split by
	// game-running state (a stopped, b running).
	MinParticipation string
	MajorityMargin   int // percentage points above 50; 0 = simple majority
}

type voterTimers struct {
	ringTime   time.Time
	notifyTime time.Time
	rung       bool
	notified   bool
}

// Vote is the current vote. At most one exists at a time.
type Vote struct {
	Initiator string
	Source    string
	Command   []string

	ExpireTime   time.Time
	AwayVoteTime time.Time // zero when away-voting is disabled

	Remaining map[string]*voterTimers
	Away      map[string]bool
	Manual    map[string]string // name -> y|n|b

	Yes, No, Blank int

	settings Settings
}

// Callbacks connect the engine to the rest of the agent. All are invoked on
// the main loop.
type Callbacks struct {
	// Exec runs the voted command after a pass.
	Exec func(cmd []string)
	// OnStop notifies plugins: +1 passed, -1 failed, 0 cancelled.
	OnStop func(result int)
	// Say broadcasts vote status to the vote's source.
	Say func(msg string)
	// Ring rings a lobby user; Notify sends a private reminder.
	Ring   func(name string)
	Notify func(name, msg string)

	// VoteMode returns the user's voteMode pref (normal|away).
	VoteMode func(name string) string
	// AutoSetAway reports whether expiry should flip the user to away mode,
	// and SetAway applies it.
	AutoSetAway func(name string) bool
	SetAway     func(name string)
	// RingDelay is the per-user minimum re-ring delay.
	RingDelay func(name string) time.Duration
	// Available reports whether the user is online and not in game
	// (reminders are suppressed otherwise).
	Available func(name string) bool
}

// Engine drives votes. Main-loop only.
type Engine struct {
	log      *logrus.Logger
	cb       Callbacks
	current  *Vote
	lastRing map[string]time.Time
	now      func() time.Time
}

// NewEngine creates an idle engine.
func NewEngine(log *logrus.Logger, cb Callbacks) *Engine {
	return &Engine{log: log, cb: cb, lastRing: make(map[string]time.Time), now: time.Now}
}

// Current returns the in-flight vote, or nil.
func (e *Engine) Current() *Vote { return e.current }

// Start opens a vote. eligible must exclude nobody; the initiator and the
// host are removed here. Fails when a vote is already running.
func (e *Engine) Start(initiator, source string, command []string, eligible []string, host string, st Settings) error {
	if e.current == nil && len(command) == 0 {
		return fmt.Errorf("empty vote command")
	}
	if e.current != nil {
		return fmt.Errorf("a vote is already in progress (%s)", strings.Join(e.current.Command, " "))
	}
	now := e.now()
	v := &Vote{
		Initiator:  initiator,
		Source:     source,
		Command:    command,
		ExpireTime: now.Add(st.VoteTime),
		Remaining:  make(map[string]*voterTimers),
		Away:       make(map[string]bool),
		Manual:     make(map[string]string),
		settings:   st,
	}
	if d, ok := parseAwayDelay(st.AwayVoteDelay, st.VoteTime); ok {
		v.AwayVoteTime = now.Add(d)
		if v.AwayVoteTime.After(v.ExpireTime) {
			v.AwayVoteTime = v.ExpireTime
		}
	}
	reminderAt := now.Add(st.VoteTime / 2)
	for _, name := range eligible {
		if name == initiator || name == host {
			continue
		}
		v.Remaining[name] = &voterTimers{ringTime: reminderAt, notifyTime: reminderAt}
	}
	if len(v.Remaining) == 0 {
		return fmt.Errorf("no eligible voter")
	}
	// The initiator's yes is implicit.
	v.Manual[initiator] = "y"
	v.Yes = 1
	e.current = v
	e.log.WithFields(logrus.Fields{"initiator": initiator, "cmd": strings.Join(command, " ")}).Info("vote started")
	return nil
}

func parseAwayDelay(s string, voteTime time.Duration) (time.Duration, bool) {
	if s == "" {
		return 0, false
	}
	if strings.HasSuffix(s, "%") {
		pct, err := strconv.Atoi(strings.TrimSuffix(s, "%"))
		if err != nil {
			return 0, false
		}
		return voteTime * time.Duration(pct) / 100, true
	}
	secs, err := strconv.Atoi(s)
	if err != nil {
		return 0, false
	}
	return time.Duration(secs) * time.Second, true
}

// Cast records a manual vote: y, n or b. Unknown voters and re-votes of the
// same value are ignored; changing a vote is allowed while remaining.
func (e *Engine) Cast(name, value string, gameRunning bool) error {
	v := e.current
	if v == nil {
		return fmt.Errorf("no vote in progress")
	}
	if _, eligible := v.Remaining[name]; !eligible {
		if _, voted := v.Manual[name]; !voted {
			return fmt.Errorf("you are not allowed to vote for this command")
		}
	}
	switch value {
	case "y", "n", "b":
	default:
		return fmt.Errorf("invalid vote %q", value)
	}
	if prev, voted := v.Manual[name]; voted {
		if prev == value {
			return nil
		}
		v.uncount(prev)
	}
	delete(v.Remaining, name)
	v.Manual[name] = value
	v.count(value)
	e.resolve(gameRunning, false)
	return nil
}

func (v *Vote) count(val string) {
	switch val {
	case "y":
		v.Yes++
	case "n":
		v.No++
	default:
		v.Blank++
	}
}

func (v *Vote) uncount(val string) {
	switch val {
	case "y":
		v.Yes--
	case "n":
		v.No--
	default:
		v.Blank--
	}
}

// Tick advances timers: away-mode auto-votes, reminders, expiry.
func (e *Engine) Tick(gameRunning bool) {
	v := e.current
	if v == nil {
		return
	}
	now := e.now()
	if !v.AwayVoteTime.IsZero() && !now.Before(v.AwayVoteTime) {
		for name := range v.Remaining {
			if e.cb.VoteMode != nil && e.cb.VoteMode(name) == "away" {
				delete(v.Remaining, name)
				v.Away[name] = true
				v.Blank++
			}
		}
		v.AwayVoteTime = time.Time{}
	}
	for name, t := range v.Remaining {
		if e.cb.Available != nil && !e.cb.Available(name) {
			continue
		}
		if !t.rung && !now.Before(t.ringTime) {
			if last, ok := e.lastRing[name]; !ok || now.Sub(last) >= e.ringDelay(name) {
				if e.cb.Ring != nil {
					e.cb.Ring(name)
				}
				e.lastRing[name] = now
			}
			t.rung = true
		}
		if !t.notified && !now.Before(t.notifyTime) {
			if e.cb.Notify != nil {
				e.cb.Notify(name, fmt.Sprintf("Vote in progress: \"%s\" (say !vote y, !vote n or !vote b)", strings.Join(v.Command, " ")))
			}
			t.notified = true
		}
	}
	if !now.Before(v.ExpireTime) {
		e.expire(gameRunning)
		return
	}
	e.resolve(gameRunning, false)
}

func (e *Engine) ringDelay(name string) time.Duration {
	if e.cb.RingDelay != nil {
		return e.cb.RingDelay(name)
	}
	return 40 * time.Second
}

// totalEligible counts everyone who could still express or has expressed a
// vote, the initiator included.
func (v *Vote) totalEligible() int {
	return v.Yes + v.No + v.Blank + len(v.Remaining)
}

// votePart is the participation ratio checked against
// minVoteParticipation. Without a majority margin the numerator favours
// the leading side (2*max(yes,no)-1 + blank - away); with a margin it is
// the expressed-vote count weighted the same way on both sides.
func (v *Vote) votePart() float64 {
	totalVotes := v.Yes + v.No + len(v.Remaining)
	den := float64(totalVotes + v.Blank)
	if den == 0 {
		return 1
	}
	var num float64
	if v.settings.MajorityMargin == 0 {
		m := v.Yes
		if v.No > m {
			m = v.No
		}
		num = float64(2*m - 1 + v.Blank - len(v.Away))
	} else {
		num = float64(v.Yes + v.No + v.Blank - len(v.Away))
	}
	if num < 0 {
		num = 0
	}
	return num / den
}

func (v *Vote) minParticipation(gameRunning bool) float64 {
	s := v.settings.MinParticipation
	if s == "" {
		return 0
	}
	parts := strings.Split(s, ";")
	sel := parts[0]
	if gameRunning && len(parts) > 1 {
		sel = parts[1]
	}
	pct, err := strconv.ParseFloat(sel, 64)
	if err != nil {
		return 0
	}
	return pct / 100
}

// requiredYes/No per the margin rules; ceil and floor are explicit.
func (v *Vote) requiredYes() int {
	total := v.totalEligible()
	if m := v.settings.MajorityMargin; m > 0 {
		return ceilDiv(total*(50+m), 100)
	}
	return total/2 + 1
}

func (v *Vote) requiredNo() int {
	total := v.totalEligible()
	if m := v.settings.MajorityMargin; m > 0 {
		return ceilDiv(total*(50+m), 100)
	}
	return total/2 + 1
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}

// resolve terminates the vote early when the outcome is already decided.
func (e *Engine) resolve(gameRunning, atExpiry bool) {
	v := e.current
	if v == nil {
		return
	}
	quorum := v.votePart() >= v.minParticipation(gameRunning)
	switch {
	case v.Yes >= v.requiredYes() && quorum:
		e.finish(true)
	case v.No >= v.requiredNo():
		e.finish(false)
	case len(v.Remaining) == 0 && !atExpiry:
		// Everyone has spoken and the yes bar was not reached: the vote
		// fails. A yes plurality only wins at expiry.
		e.finish(false)
	}
}

func (e *Engine) expire(gameRunning bool) {
	v := e.current
	if v == nil {
		return
	}
	if !v.AwayVoteTime.IsZero() || v.settings.AwayVoteDelay != "" {
		for name := range v.Remaining {
			if e.cb.AutoSetAway != nil && e.cb.AutoSetAway(name) && e.cb.SetAway != nil {
				e.cb.SetAway(name)
			}
		}
	}
	quorum := v.votePart() >= v.minParticipation(gameRunning)
	e.finish(v.Yes > v.No && quorum)
}

func (e *Engine) finish(passed bool) {
	v := e.current
	e.current = nil
	cmd := strings.Join(v.Command, " ")
	if passed {
		if e.cb.Say != nil {
			e.cb.Say(fmt.Sprintf("Vote for command \"%s\" passed (y:%d, n:%d, b:%d)", cmd, v.Yes, v.No, v.Blank))
		}
		if e.cb.Exec != nil {
			e.cb.Exec(v.Command)
		}
		if e.cb.OnStop != nil {
			e.cb.OnStop(1)
		}
		return
	}
	if e.cb.Say != nil {
		e.cb.Say(fmt.Sprintf("Vote for command \"%s\" failed (y:%d, n:%d, b:%d)", cmd, v.Yes, v.No, v.Blank))
	}
	if e.cb.OnStop != nil {
		e.cb.OnStop(-1)
	}
}

// Cancel aborts the running vote with a reason (no Exec).
func (e *Engine) Cancel(reason string) {
	v := e.current
	if v == nil {
		return
	}
	e.current = nil
	if e.cb.Say != nil {
		e.cb.Say(fmt.Sprintf("Vote cancelled (%s)", reason))
	}
	if e.cb.OnStop != nil {
		e.cb.OnStop(0)
	}
}

// CancelIfMatches cancels the vote when cmd is the same parsed command,
// because someone executed it directly.
func (e *Engine) CancelIfMatches(cmd []string, byUser string) bool {
	v := e.current
	if v == nil || !sameCommand(v.Command, cmd) {
		return false
	}
	e.Cancel(fmt.Sprintf("command executed directly by %s", byUser))
	return true
}

// Matches reports whether cmd is the command currently being voted.
func (e *Engine) Matches(cmd []string) bool {
	return e.current != nil && sameCommand(e.current.Command, cmd)
}

func sameCommand(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !strings.EqualFold(a[i], b[i]) {
			return false
		}
	}
	return true
}

// RemoveVoter drops a user from the vote (left the battle or lobby).
func (e *Engine) RemoveVoter(name string, gameRunning bool) {
	v := e.current
	if v == nil {
		return
	}
	delete(v.Remaining, name)
	e.resolve(gameRunning, false)
}

// Status renders a one-line progress summary.
func (e *Engine) Status() string {
	v := e.current
	if v == nil {
		return "no vote in progress"
	}
	return fmt.Sprintf("vote \"%s\": y:%d n:%d b:%d, %d voter(s) remaining, %ds left",
		strings.Join(v.Command, " "), v.Yes, v.No, v.Blank, len(v.Remaining),
		int(time.Until(v.ExpireTime).Seconds()))
}
