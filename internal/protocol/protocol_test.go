package protocol

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestKindOf_MatchesWrappedSentinels(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"nil", nil, KindNone},
		{"closed", fmt.Errorf("send: %w", ErrChannelClosed), KindChannelClosed},
		{"full", ErrChannelFull, KindChannelFull},
		{"transport", fmt.Errorf("bind: %w", ErrTransportUnavailable), KindTransportUnavailable},
		{"lobby", fmt.Errorf("create: %w", ErrLobbyServiceUnavailable), KindLobbyServiceUnavailable},
		{"timeout", ErrTimeout, KindTimeout},
		{"other", errors.New("boom"), KindOther},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, KindOf(tc.err))
		})
	}
}

func TestFriendEntry_Joinable(t *testing.T) {
	assert.True(t, FriendEntry{AppID: 480, LobbyID: 9}.Joinable(480))
	assert.False(t, FriendEntry{AppID: 480, LobbyID: 0}.Joinable(480))
	assert.False(t, FriendEntry{AppID: 730, LobbyID: 9}.Joinable(480))
}

func TestServerConfig_Validate(t *testing.T) {
	cfg := DefaultServerConfig()
	assert.NoError(t, cfg.Validate())

	cfg.MaxPlayers = 0
	assert.Error(t, cfg.Validate())

	cfg = DefaultServerConfig()
	cfg.Transport = TransportPeerToPeer
	assert.Error(t, cfg.Validate(), "p2p without a host id")
	cfg.HostID = 76561198000000000
	assert.NoError(t, cfg.Validate())
}

func TestNewSessionID_Unique(t *testing.T) {
	now := time.Now()
	a, b := NewSessionID(now), NewSessionID(now)
	assert.NotEqual(t, a, b)
	assert.Len(t, a.String(), 26)
}

func TestConnectionState_ZeroIsDisconnected(t *testing.T) {
	var s ConnectionState
	assert.Equal(t, Disconnected, s.Phase)
	assert.True(t, s.CanJoin())
	assert.False(t, ConnectionState{Phase: Connecting, Target: Local{}}.CanJoin())
	assert.Equal(t, "Connecting(local)", ConnectionState{Phase: Connecting, Target: Local{}}.String())
}

func TestError_FailedStart(t *testing.T) {
	assert.True(t, Error{Cause: ErrTransportUnavailable, Command: CommandName(StartServer{})}.FailedStart())
	assert.False(t, Error{Cause: ErrLobbyServiceUnavailable, Command: CommandName(SetLobbyVisibility{})}.FailedStart())
	assert.False(t, Error{Cause: ErrTransportUnavailable}.FailedStart())
}
