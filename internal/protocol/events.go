package protocol

// ServerEvent travels from the server role back to the client role.
type ServerEvent interface{ isServerEvent() }

type Started struct {
	SessionID SessionID
	Transport TransportInfo
	LobbyID   LobbyID
}

func (Started) isServerEvent() {}

const (
	StopReasonRequested        = "requested"
	StopReasonTransportFailure = "transport failure"
	StopReasonShutdown         = "shutdown"
)

type Stopped struct {
	Reason string
}

func (Stopped) isServerEvent() {}

// Error reports a server-side failure. Command names the command that
// failed; it is empty for failures of a running server.
type Error struct {
	Cause   error
	Command string
}

func (Error) isServerEvent() {}

func (e Error) Kind() ErrorKind { return KindOf(e.Cause) }

// FailedStart reports whether the error answers a StartServer.
func (e Error) FailedStart() bool { return e.Command == CommandName(StartServer{}) }

type LobbyUpdated struct {
	LobbyID LobbyID
	Visible bool
	Players int
}

func (LobbyUpdated) isServerEvent() {}

// EventName is the variant name of ev, as used in logs and metrics.
func EventName(ev ServerEvent) string {
	switch ev.(type) {
	case Started:
		return "Started"
	case Stopped:
		return "Stopped"
	case Error:
		return "Error"
	case LobbyUpdated:
		return "LobbyUpdated"
	default:
		return "Unknown"
	}
}
