// Package quit reduces pending shutdown/restart requests into a single
// intent evaluated by the main loop.
package quit

// Actions, ordered: the smaller value wins when intents are merged.
type Action int

const (
	ActionNone Action = iota
	ActionShutdown
	ActionRestart
)

// Conditions, ordered: the smaller (earlier) value wins when merged.
type Condition int

const (
	CondNone     Condition = iota
	CondNow                // "game": right after the current game, or now if idle
	CondOnlySpec           // once no player remains
	CondEmpty              // once the battle is empty
)

// Intent is the reduced pending quit/restart request. The zero value means
// no intent.
type Intent struct {
	Action    Action
	Condition Condition
	ExitCode  int
	codeSet   bool
}

// Merge folds a new request into the intent: shutdown trumps restart and
// earlier conditions trump later ones, so a plain quit issued during a
// pending "restart when empty" becomes "quit after this game". The first
// non-success exit code sticks.
func (i *Intent) Merge(action Action, cond Condition, exitCode int) {
	if i.Action == ActionNone || action < i.Action {
		i.Action = action
	}
	if i.Condition == CondNone || cond < i.Condition {
		i.Condition = cond
	}
	if exitCode != 0 && !i.codeSet {
		i.ExitCode = exitCode
		i.codeSet = true
	}
}

// Pending reports whether any intent is set.
func (i *Intent) Pending() bool { return i.Action != ActionNone }

// Clear resets the intent (used when a rehost supersedes it).
func (i *Intent) Clear() { *i = Intent{} }

// ShouldExecute evaluates the condition against the current room state.
// The caller must additionally verify that no blocking work is in flight.
func (i *Intent) ShouldExecute(gameRunning bool, nbPlayers, nbMembers int) bool {
	if !i.Pending() || gameRunning {
		return false
	}
	switch i.Condition {
	case CondNow, CondNone:
		return true
	case CondOnlySpec:
		return nbPlayers == 0
	case CondEmpty:
		return nbMembers == 0
	}
	return false
}
