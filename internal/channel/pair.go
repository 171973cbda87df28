package channel

import (
	"github.com/DoyleJ11/gnomella-netplay/internal/protocol"
)

const DefaultCapacity = 64

// Pair is the only path between the two roles: commands flow client to
// server, events flow server to client.
type Pair struct {
	Commands *Channel[protocol.ClientCommand]
	Events   *Channel[protocol.ServerEvent]
}

func NewPair(capacity int) (*Pair, error) {
	cmds, err := New[protocol.ClientCommand](capacity)
	if err != nil {
		return nil, err
	}
	events, err := New[protocol.ServerEvent](capacity)
	if err != nil {
		return nil, err
	}
	return &Pair{Commands: cmds, Events: events}, nil
}

func (p *Pair) ClientEnd() ClientEnd { return ClientEnd{p: p} }
func (p *Pair) ServerEnd() ServerEnd { return ServerEnd{p: p} }

// Close tears down both directions.
func (p *Pair) Close() {
	p.Commands.Close()
	p.Events.Close()
}

// ClientEnd is the client role's view of the pair.
type ClientEnd struct{ p *Pair }

func (e ClientEnd) Valid() bool { return e.p != nil }

func (e ClientEnd) Send(cmd protocol.ClientCommand) error {
	if e.p == nil {
		return protocol.ErrChannelClosed
	}
	return e.p.Commands.Send(cmd)
}

func (e ClientEnd) TryReceive() (protocol.ServerEvent, bool, error) {
	if e.p == nil {
		return nil, false, protocol.ErrChannelClosed
	}
	return e.p.Events.TryReceive()
}

// Close signals the server role that no more commands will arrive.
func (e ClientEnd) Close() {
	if e.p != nil {
		e.p.Commands.Close()
	}
}

// ServerEnd is the server role's view of the pair.
type ServerEnd struct{ p *Pair }

func (e ServerEnd) Valid() bool { return e.p != nil }

func (e ServerEnd) Commands() <-chan protocol.ClientCommand {
	if e.p == nil {
		return nil
	}
	return e.p.Commands.C()
}

func (e ServerEnd) TryReceive() (protocol.ClientCommand, bool, error) {
	if e.p == nil {
		return nil, false, protocol.ErrChannelClosed
	}
	return e.p.Commands.TryReceive()
}

func (e ServerEnd) Send(ev protocol.ServerEvent) error {
	if e.p == nil {
		return protocol.ErrChannelClosed
	}
	return e.p.Events.Send(ev)
}

// Close signals the client role that the server role is gone.
func (e ServerEnd) Close() {
	if e.p != nil {
		e.p.Events.Close()
	}
}
