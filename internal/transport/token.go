package transport

import (
	"encoding/base64"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/DoyleJ11/gnomella-netplay/internal/protocol"
)

// Token is the connect token a P2P joiner presents to the relay.
type Token struct {
	Version     string            `cbor:"1,keyasint"`
	AppID       protocol.AppID    `cbor:"2,keyasint"`
	HostID      protocol.FriendID `cbor:"3,keyasint"`
	LobbyID     protocol.LobbyID  `cbor:"4,keyasint"`
	VirtualPort uint16            `cbor:"5,keyasint"`
}

// Core Deterministic Encoding: identical tokens produce identical bytes.
var tokenEnc cbor.EncMode

var tokenDec cbor.DecMode

func init() {
	var err error
	tokenEnc, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("transport: CBOR encoder initialization failed: " + err.Error())
	}
	tokenDec, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("transport: CBOR decoder initialization failed: " + err.Error())
	}
}

func EncodeToken(t Token) (string, error) {
	raw, err := tokenEnc.Marshal(t)
	if err != nil {
		return "", fmt.Errorf("encode connect token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

func DecodeToken(s string) (Token, error) {
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return Token{}, fmt.Errorf("decode connect token: %w", err)
	}
	var t Token
	if err := tokenDec.Unmarshal(raw, &t); err != nil {
		return Token{}, fmt.Errorf("decode connect token: %w", err)
	}
	return t, nil
}
