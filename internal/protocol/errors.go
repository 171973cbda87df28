package protocol

import "errors"

var ErrChannelClosed = errors.New("channel closed")
var ErrChannelFull = errors.New("channel full")
var ErrTransportUnavailable = errors.New("transport unavailable")
var ErrLobbyServiceUnavailable = errors.New("lobby service unavailable")
var ErrTimeout = errors.New("timed out")
var ErrJoinInProgress = errors.New("join already in progress")

type ErrorKind string

const (
	KindNone                    ErrorKind = ""
	KindChannelClosed           ErrorKind = "ChannelClosed"
	KindChannelFull             ErrorKind = "ChannelFull"
	KindTransportUnavailable    ErrorKind = "TransportUnavailable"
	KindLobbyServiceUnavailable ErrorKind = "LobbyServiceUnavailable"
	KindTimeout                 ErrorKind = "Timeout"
	KindOther                   ErrorKind = "Other"
)

// KindOf classifies err into the error taxonomy. Wrapped errors are
// matched with errors.Is.
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrChannelClosed):
		return KindChannelClosed
	case errors.Is(err, ErrChannelFull):
		return KindChannelFull
	case errors.Is(err, ErrTransportUnavailable):
		return KindTransportUnavailable
	case errors.Is(err, ErrLobbyServiceUnavailable):
		return KindLobbyServiceUnavailable
	case errors.Is(err, ErrTimeout):
		return KindTimeout
	default:
		return KindOther
	}
}
