package prefs

import (
	"time"
)

// FloodLimits configures the per-user sliding windows. A zero threshold
// disables the corresponding counter.
type FloodLimits struct {
	MsgThreshold int
	MsgWindow    time.Duration

	StatusThreshold int
	StatusWindow    time.Duration

	KickThreshold int
	KickWindow    time.Duration
	AutoBan       time.Duration // battle ban applied on kick flood

	CmdThreshold int
	CmdWindow    time.Duration
	Ignore       time.Duration // command-ignore applied on cmd flood

	RPCThreshold int
	RPCWindow    time.Duration
}

type window struct {
	events []time.Time
}

func (w *window) record(now time.Time, span time.Duration) int {
	w.purge(now, span)
	w.events = append(w.events, now)
	return len(w.events)
}

func (w *window) purge(now time.Time, span time.Duration) {
	cut := 0
	for cut < len(w.events) && now.Sub(w.events[cut]) > span {
		cut++
	}
	if cut > 0 {
		w.events = append(w.events[:0], w.events[cut:]...)
	}
}

type floodState struct {
	msg    window
	status window
	kicks  window
	cmd    window
	rpc    window

	ignoredUntil    time.Time
	rpcIgnoredUntil time.Time
}

// FloodGuard tracks the four flood counters plus the JSON-RPC one-shot
// limiter per user name. Main-loop only.
type FloodGuard struct {
	limits FloodLimits
	state  map[string]*floodState
	now    func() time.Time
}

// NewFloodGuard creates a guard with the given limits.
func NewFloodGuard(limits FloodLimits) *FloodGuard {
	return &FloodGuard{limits: limits, state: make(map[string]*floodState), now: time.Now}
}

func (g *FloodGuard) user(name string) *floodState {
	st, ok := g.state[name]
	if !ok {
		st = &floodState{}
		g.state[name] = st
	}
	return st
}

// RecordMsg counts a battle chat message; true means the threshold was
// exceeded and the user should be kicked from the battle.
func (g *FloodGuard) RecordMsg(name string) bool {
	if g.limits.MsgThreshold <= 0 {
		return false
	}
	return g.user(name).msg.record(g.now(), g.limits.MsgWindow) > g.limits.MsgThreshold
}

// RecordStatus counts a battle-status change; true means kick.
func (g *FloodGuard) RecordStatus(name string) bool {
	if g.limits.StatusThreshold <= 0 {
		return false
	}
	return g.user(name).status.record(g.now(), g.limits.StatusWindow) > g.limits.StatusThreshold
}

// RecordKick counts a kick applied to the user; true means the consecutive
// kick threshold was crossed and a timed battle ban is due. BanDuration
// gives the length.
func (g *FloodGuard) RecordKick(name string) bool {
	if g.limits.KickThreshold <= 0 {
		return false
	}
	return g.user(name).kicks.record(g.now(), g.limits.KickWindow) >= g.limits.KickThreshold
}

// BanDuration is the battle ban applied on kick floods.
func (g *FloodGuard) BanDuration() time.Duration { return g.limits.AutoBan }

// RecordCmd counts a command invocation; true means the user is now
// ignored for the configured period.
func (g *FloodGuard) RecordCmd(name string) bool {
	if g.limits.CmdThreshold <= 0 {
		return false
	}
	st := g.user(name)
	if st.cmd.record(g.now(), g.limits.CmdWindow) > g.limits.CmdThreshold {
		st.ignoredUntil = g.now().Add(g.limits.Ignore)
		return true
	}
	return false
}

// Ignored reports whether the user's commands are currently dropped.
func (g *FloodGuard) Ignored(name string) bool {
	st, ok := g.state[name]
	return ok && g.now().Before(st.ignoredUntil)
}

// RecordRPC applies the JSON-RPC one-shot limiter: once the threshold is
// crossed within the window the user is ignored for the full window and
// further calls return false without executing.
func (g *FloodGuard) RecordRPC(name string) bool {
	if g.limits.RPCThreshold <= 0 {
		return true
	}
	st := g.user(name)
	now := g.now()
	if now.Before(st.rpcIgnoredUntil) {
		return false
	}
	if st.rpc.record(now, g.limits.RPCWindow) > g.limits.RPCThreshold {
		st.rpcIgnoredUntil = now.Add(g.limits.RPCWindow)
		return false
	}
	return true
}

// Purge drops stale windows; scheduled hourly by the main loop.
func (g *FloodGuard) Purge() {
	now := g.now()
	for name, st := range g.state {
		st.msg.purge(now, g.limits.MsgWindow)
		st.status.purge(now, g.limits.StatusWindow)
		st.kicks.purge(now, g.limits.KickWindow)
		st.cmd.purge(now, g.limits.CmdWindow)
		st.rpc.purge(now, g.limits.RPCWindow)
		if len(st.msg.events)+len(st.status.events)+len(st.kicks.events)+len(st.cmd.events)+len(st.rpc.events) == 0 &&
			now.After(st.ignoredUntil) && now.After(st.rpcIgnoredUntil) {
			delete(g.state, name)
		}
	}
}
