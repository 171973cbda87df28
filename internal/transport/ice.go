package transport

import (
	"fmt"
	"slices"

	"github.com/pion/stun/v3"
	"github.com/pion/webrtc/v4"
)

// ICEServersFromURLs builds pion ICE server entries from STUN/TURN URLs.
func ICEServersFromURLs(urls []string, username, credential string) []webrtc.ICEServer {
	if len(urls) == 0 {
		return nil
	}
	server := webrtc.ICEServer{URLs: slices.Clone(urls)}
	if username != "" {
		server.Username = username
		server.Credential = credential
		server.CredentialType = webrtc.ICECredentialTypePassword
	}
	return []webrtc.ICEServer{server}
}

// ValidateICEServers checks servers the way a peer connection does when it
// is configured: every URL must parse as a STUN or TURN URI and TURN
// servers need credentials.
func ValidateICEServers(servers []webrtc.ICEServer) error {
	for _, s := range servers {
		for _, raw := range s.URLs {
			uri, err := stun.ParseURI(raw)
			if err != nil {
				return fmt.Errorf("ice url %q: %w", raw, err)
			}
			turn := uri.Scheme == stun.SchemeTypeTURN || uri.Scheme == stun.SchemeTypeTURNS
			if turn && (s.Username == "" || s.Credential == nil) {
				return fmt.Errorf("ice url %q: %w", raw, webrtc.ErrNoTurnCredentials)
			}
		}
	}
	return nil
}
