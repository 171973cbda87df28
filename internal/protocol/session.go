package protocol

import (
	"fmt"
	"net"
	"strconv"
)

// SessionDescriptor is the client's join target.
type SessionDescriptor interface{ isSessionDescriptor() }

// Local targets the process's own background server.
type Local struct{}

func (Local) isSessionDescriptor() {}

func (Local) String() string { return "local" }

type DirectAddress struct {
	Host string
	Port uint16
}

func (DirectAddress) isSessionDescriptor() {}

func (d DirectAddress) String() string {
	return net.JoinHostPort(d.Host, strconv.Itoa(int(d.Port)))
}

type FriendLobby struct {
	FriendID FriendID
	LobbyID  LobbyID
}

func (FriendLobby) isSessionDescriptor() {}

func (f FriendLobby) String() string {
	return fmt.Sprintf("friend %d lobby %d", f.FriendID, f.LobbyID)
}

// DescribeTarget renders a descriptor for logs.
func DescribeTarget(d SessionDescriptor) string {
	if s, ok := d.(fmt.Stringer); ok {
		return s.String()
	}
	return "none"
}

type ConnectionPhase int

const (
	Disconnected ConnectionPhase = iota
	Connecting
	Connected
	Failed
)

func (p ConnectionPhase) String() string {
	switch p {
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	case Failed:
		return "Failed"
	default:
		return "Disconnected"
	}
}

// ConnectionState is owned by the client connection supervisor.
type ConnectionState struct {
	Phase     ConnectionPhase
	Target    SessionDescriptor // Connecting, Connected
	SessionID SessionID         // Connected
	Cause     error             // Failed
}

func (s ConnectionState) String() string {
	switch s.Phase {
	case Connecting:
		return fmt.Sprintf("Connecting(%s)", DescribeTarget(s.Target))
	case Connected:
		return fmt.Sprintf("Connected(%s)", s.SessionID)
	case Failed:
		return fmt.Sprintf("Failed(%v)", s.Cause)
	default:
		return Disconnected.String()
	}
}

// CanJoin reports whether the UI should offer a join action.
func (s ConnectionState) CanJoin() bool {
	return s.Phase != Connecting
}
