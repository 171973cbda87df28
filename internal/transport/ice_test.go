package transport

import (
	"testing"

	"github.com/pion/stun/v3"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestICEServersFromURLs(t *testing.T) {
	assert.Nil(t, ICEServersFromURLs(nil, "u", "p"))

	servers := ICEServersFromURLs([]string{"turn:turn.example.org:3478"}, "u", "p")
	require.Len(t, servers, 1)
	assert.Equal(t, "u", servers[0].Username)
	assert.Equal(t, "p", servers[0].Credential)
	assert.NoError(t, ValidateICEServers(servers))
}

func TestValidateICEServers(t *testing.T) {
	assert.NoError(t, ValidateICEServers(nil))
	assert.NoError(t, ValidateICEServers(ICEServersFromURLs(
		[]string{"stun:stun.l.google.com:19302", "stun:stun.example.org"}, "", "")))

	err := ValidateICEServers(ICEServersFromURLs([]string{"http://stun.example.org"}, "", ""))
	assert.ErrorIs(t, err, stun.ErrSchemeType)

	err = ValidateICEServers(ICEServersFromURLs([]string{"turn:turn.example.org:3478"}, "", ""))
	assert.ErrorIs(t, err, webrtc.ErrNoTurnCredentials)
}
