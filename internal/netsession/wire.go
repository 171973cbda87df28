package netsession

import (
	"github.com/goccy/go-json"

	"github.com/DoyleJ11/gnomella-netplay/internal/protocol"
)

const (
	msgHello   = "hello"
	msgWelcome = "welcome"
	msgDenied  = "denied"
	msgBye     = "bye"
	msgGoodbye = "goodbye"
	msgPing    = "ping"
	msgPong    = "pong"
)

const maxDatagram = 1200

type datagram struct {
	Type    string             `json:"type"`
	Version string             `json:"version,omitempty"`
	Session protocol.SessionID `json:"session,omitempty"`
	Reason  string             `json:"reason,omitempty"`
}

func encode(d datagram) []byte {
	raw, _ := json.Marshal(d)
	return raw
}

func decode(raw []byte) (datagram, bool) {
	var d datagram
	if err := json.Unmarshal(raw, &d); err != nil || d.Type == "" {
		return datagram{}, false
	}
	return d, true
}
