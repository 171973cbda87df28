package protocol

// LobbyState is owned by the server supervisor while a server runs.
type LobbyState struct {
	ID      LobbyID
	Visible bool
	Players int
	AppID   AppID
}

func (l LobbyState) Hosting() bool { return l.ID != 0 }

// FriendEntry is a read-only snapshot row from the presence service.
type FriendEntry struct {
	ID      FriendID
	Name    string
	AppID   AppID
	LobbyID LobbyID
}

// Joinable reports whether the friend is hosting an open session of app.
func (f FriendEntry) Joinable(app AppID) bool {
	return f.AppID == app && f.LobbyID != 0
}
