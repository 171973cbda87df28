package server

import (
	"errors"

	"github.com/DoyleJ11/gnomella-netplay/internal/protocol"
)

var ErrUnsupportedCommand = errors.New("unsupported command")
var ErrTransitionInFlight = errors.New("start/stop transition already in flight")

type State string

const (
	StateIdle     State = "idle"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateErrored  State = "errored"
)

var AllStates = []string{
	string(StateIdle), string(StateStarting), string(StateRunning),
	string(StateStopping), string(StateErrored),
}

type Action string

const (
	ActNone          Action = "none"
	ActStart         Action = "start"
	ActAnnounce      Action = "announce" // re-emit the current Started
	ActStop          Action = "stop"
	ActSetVisibility Action = "set-visibility"
)

/*
	Idle     + StartServer        -> Starting, ActStart
	Running  + StartServer        -> Running,  ActAnnounce
	Running  + StopServer         -> Stopping, ActStop
	Idle     + StopServer         -> Idle,     ActNone
	Running  + SetLobbyVisibility -> Running,  ActSetVisibility
	Idle     + SetLobbyVisibility -> Idle,     ActNone
	Starting/Stopping + Start/Stop -> ErrTransitionInFlight
	Errored  + StartServer        -> ErrTransitionInFlight

	Settle finishes a transition: Starting -> Running | Errored,
	Stopping -> Idle, Errored -> Idle once the failure is reported.
*/

// Apply decides what a command does in a state. It never has side effects;
// the supervisor executes the returned action.
func Apply(s State, cmd protocol.ClientCommand) (Action, State, error) {
	switch cmd.(type) {
	case protocol.StartServer:
		switch s {
		case StateIdle:
			return ActStart, StateStarting, nil
		case StateRunning:
			return ActAnnounce, StateRunning, nil
		case StateStarting, StateStopping, StateErrored:
			return ActNone, s, ErrTransitionInFlight
		}

	case protocol.StopServer:
		switch s {
		case StateRunning:
			return ActStop, StateStopping, nil
		case StateIdle, StateErrored:
			return ActNone, s, nil
		case StateStarting, StateStopping:
			return ActNone, s, ErrTransitionInFlight
		}

	case protocol.SetLobbyVisibility:
		if s == StateRunning {
			return ActSetVisibility, s, nil
		}
		return ActNone, s, nil
	}
	return ActNone, s, ErrUnsupportedCommand
}

// Settle returns the state that follows a finished transition.
func Settle(s State, err error) State {
	switch s {
	case StateStarting:
		if err != nil {
			return StateErrored
		}
		return StateRunning
	case StateRunning:
		if err != nil {
			return StateErrored
		}
		return StateRunning
	case StateStopping, StateErrored:
		return StateIdle
	}
	return s
}
