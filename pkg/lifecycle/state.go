// Package lifecycle drives a cache version through install and activation.
//
// The lifecycle is an explicit state machine. Transition is a pure function
// over (State, Event); Manager runs the install and activate phases against a
// cache store and applies the matching events. Both phases may be replayed:
// an aborted phase returns to its start state and can simply run again.
package lifecycle

import (
	"errors"
	"fmt"
)

// ErrInvalidTransition is returned for an event that is not legal in the current state.
var ErrInvalidTransition = errors.New("invalid lifecycle transition")

// State is a lifecycle state of one cache version.
type State string

const (
	// StateParsed is the initial state: the version is known, nothing is cached yet.
	StateParsed State = "parsed"

	// StateInstalling means the precache list is being fetched.
	StateInstalling State = "installing"

	// StateInstalled means the static namespace is complete; the worker waits for activation.
	StateInstalled State = "installed"

	// StateActivating means stale namespaces are being deleted.
	StateActivating State = "activating"

	// StateActivated means the worker intercepts requests.
	StateActivated State = "activated"

	// StateRedundant means this version failed to install or was replaced.
	StateRedundant State = "redundant"
)

// States lists every state in lifecycle order.
var States = []State{
	StateParsed,
	StateInstalling,
	StateInstalled,
	StateActivating,
	StateActivated,
	StateRedundant,
}

// Event triggers a state change.
type Event string

const (
	EventInstall         Event = "install"
	EventInstallOK       Event = "install_ok"
	EventInstallFailed   Event = "install_failed"
	EventInstallAborted  Event = "install_aborted"
	EventActivate        Event = "activate"
	EventActivateOK      Event = "activate_ok"
	EventActivateAborted Event = "activate_aborted"
	EventSuperseded      Event = "superseded"
)

type edge struct {
	from State
	ev   Event
}

var transitions = map[edge]State{
	{StateParsed, EventInstall}:     StateInstalling,
	{StateInstalling, EventInstall}: StateInstalling,
	{StateInstalled, EventInstall}:  StateInstalling,

	{StateInstalling, EventInstallOK}:      StateInstalled,
	{StateInstalling, EventInstallFailed}:  StateRedundant,
	{StateInstalling, EventInstallAborted}: StateParsed,

	{StateInstalled, EventActivate}:  StateActivating,
	{StateActivating, EventActivate}: StateActivating,
	{StateActivated, EventActivate}:  StateActivated,

	{StateActivating, EventActivateOK}:      StateActivated,
	{StateActivating, EventActivateAborted}: StateInstalled,
}

// Transition returns the state reached from `from` on ev.
func Transition(from State, ev Event) (State, error) {
	if ev == EventSuperseded {
		// Any version can be replaced, whatever it was doing.
		return StateRedundant, nil
	}

	to, ok := transitions[edge{from, ev}]
	if !ok {
		return from, fmt.Errorf("%w: %s on %s", ErrInvalidTransition, from, ev)
	}
	return to, nil
}

// Intercepting reports whether requests are served by the worker in state s.
func (s State) Intercepting() bool {
	return s == StateActivated
}
