package protocol

// ClientCommand travels from the client role to the server role.
type ClientCommand interface{ isClientCommand() }

type StartServer struct {
	Config ServerConfig
}

func (StartServer) isClientCommand() {}

type StopServer struct{}

func (StopServer) isClientCommand() {}

type SetLobbyVisibility struct {
	Visible bool
}

func (SetLobbyVisibility) isClientCommand() {}

// CommandName is the variant name of cmd, as used in logs.
func CommandName(cmd ClientCommand) string {
	switch cmd.(type) {
	case StartServer:
		return "StartServer"
	case StopServer:
		return "StopServer"
	case SetLobbyVisibility:
		return "SetLobbyVisibility"
	default:
		return "Unknown"
	}
}
