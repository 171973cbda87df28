package protocol

import (
	"crypto/rand"
	"strconv"
	"time"

	"github.com/oklog/ulid/v2"
)

// AppID identifies the game on the presence service. 480 is the shared
// test app id.
type AppID uint32

const DefaultAppID AppID = 480

// FriendID is a presence-service user id. It doubles as the peer identity
// a P2P host listens under.
type FriendID uint64

// LobbyID is a presence-service lobby id. Zero means "no lobby".
type LobbyID uint64

func (id LobbyID) String() string { return strconv.FormatUint(uint64(id), 10) }

type SessionID string

// NewSessionID mints a fresh, time-ordered session id.
func NewSessionID(now time.Time) SessionID {
	return SessionID(ulid.MustNew(ulid.Timestamp(now), rand.Reader).String())
}

func (id SessionID) String() string { return string(id) }
