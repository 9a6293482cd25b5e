// Package plugin defines the capability interfaces through which in-process
// extensions observe and influence the agent, and the registry holding them
// in deterministic registration order.
package plugin

import (
	"github.com/sirupsen/logrus"

	"github.com/akoven/autohost/internal/balance"
)

// Plugin is the base capability: identification only. Additional behavior
// is opted into by implementing the narrower interfaces below.
type Plugin interface {
	Name() string
}

// LobbyObserver is notified of lobby session milestones.
type LobbyObserver interface {
	OnLobbyConnected()
	OnLobbyDisconnected()
}

// JoinVetoer may refuse a join request after the ban checks passed.
type JoinVetoer interface {
	// OnJoinBattleRequest returns a non-empty reason to deny the join.
	OnJoinBattleRequest(userName, ip string) (denyReason string)
}

// Balancer may replace the built-in balance algorithm entirely.
type Balancer interface {
	// BalanceBattle returns nil to fall through to the built-in balancer.
	BalanceBattle(in balance.Input) *balance.Result
}

// VoteObserver sees vote terminations: +1 passed, -1 failed, 0 cancelled.
type VoteObserver interface {
	OnVoteStop(result int)
}

// GameObserver sees game lifecycle events.
type GameObserver interface {
	OnSpringStart(pid int)
	OnSpringStop(exitCode int)
}

// MapFilter may restrict the rotation map list.
type MapFilter interface {
	FilterRotationMaps(maps []string) []string
}

// CommandOverrider may raise a user's effective access level.
type CommandOverrider interface {
	// AccessLevel returns <0 to express no opinion.
	AccessLevel(userName string) int
}

// Registry holds plugins in registration order; every dispatch walks the
// list in that order, which is the documented contract.
type Registry struct {
	log     *logrus.Logger
	plugins []Plugin
}

// NewRegistry creates an empty registry.
func NewRegistry(log *logrus.Logger) *Registry {
	return &Registry{log: log}
}

// Register appends a plugin. Duplicate names are rejected.
func (r *Registry) Register(p Plugin) bool {
	for _, existing := range r.plugins {
		if existing.Name() == p.Name() {
			r.log.WithField("plugin", p.Name()).Warn("duplicate plugin registration ignored")
			return false
		}
	}
	r.plugins = append(r.plugins, p)
	return true
}

// Names lists registered plugins in order.
func (r *Registry) Names() []string {
	out := make([]string, len(r.plugins))
	for i, p := range r.plugins {
		out[i] = p.Name()
	}
	return out
}

// guard runs f and recovers panics: plugin errors are logged, the core
// continues.
func (r *Registry) guard(name, hook string, f func()) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.WithFields(logrus.Fields{"plugin": name, "hook": hook, "panic": rec}).
				Error("plugin hook failed")
		}
	}()
	f()
}

// OnLobbyConnected fans out to all LobbyObservers.
func (r *Registry) OnLobbyConnected() {
	for _, p := range r.plugins {
		if o, ok := p.(LobbyObserver); ok {
			r.guard(p.Name(), "onLobbyConnected", o.OnLobbyConnected)
		}
	}
}

// OnLobbyDisconnected fans out to all LobbyObservers.
func (r *Registry) OnLobbyDisconnected() {
	for _, p := range r.plugins {
		if o, ok := p.(LobbyObserver); ok {
			r.guard(p.Name(), "onLobbyDisconnected", o.OnLobbyDisconnected)
		}
	}
}

// VetoJoin returns the first non-empty deny reason.
func (r *Registry) VetoJoin(userName, ip string) string {
	reason := ""
	for _, p := range r.plugins {
		if v, ok := p.(JoinVetoer); ok && reason == "" {
			r.guard(p.Name(), "onJoinBattleRequest", func() {
				reason = v.OnJoinBattleRequest(userName, ip)
			})
			if reason != "" {
				return reason
			}
		}
	}
	return ""
}

// Balance gives each Balancer a chance to take over; first non-nil result
// wins.
func (r *Registry) Balance(in balance.Input) *balance.Result {
	for _, p := range r.plugins {
		if b, ok := p.(Balancer); ok {
			var res *balance.Result
			r.guard(p.Name(), "balanceBattle", func() { res = b.BalanceBattle(in) })
			if res != nil {
				return res
			}
		}
	}
	return nil
}

// OnVoteStop notifies all VoteObservers in registration order.
func (r *Registry) OnVoteStop(result int) {
	for _, p := range r.plugins {
		if o, ok := p.(VoteObserver); ok {
			r.guard(p.Name(), "onVoteStop", func() { o.OnVoteStop(result) })
		}
	}
}

// OnSpringStart notifies game observers.
func (r *Registry) OnSpringStart(pid int) {
	for _, p := range r.plugins {
		if o, ok := p.(GameObserver); ok {
			r.guard(p.Name(), "onSpringStart", func() { o.OnSpringStart(pid) })
		}
	}
}

// OnSpringStop notifies game observers.
func (r *Registry) OnSpringStop(exitCode int) {
	for _, p := range r.plugins {
		if o, ok := p.(GameObserver); ok {
			r.guard(p.Name(), "onSpringStop", func() { o.OnSpringStop(exitCode) })
		}
	}
}

// FilterRotationMaps applies every MapFilter in order.
func (r *Registry) FilterRotationMaps(maps []string) []string {
	for _, p := range r.plugins {
		if f, ok := p.(MapFilter); ok {
			r.guard(p.Name(), "filterRotationMaps", func() { maps = f.FilterRotationMaps(maps) })
		}
	}
	return maps
}

// AccessLevel returns the maximum plugin-granted level, or -1.
func (r *Registry) AccessLevel(userName string) int {
	best := -1
	for _, p := range r.plugins {
		if o, ok := p.(CommandOverrider); ok {
			r.guard(p.Name(), "accessLevel", func() {
				if lvl := o.AccessLevel(userName); lvl > best {
					best = lvl
				}
			})
		}
	}
	return best
}
