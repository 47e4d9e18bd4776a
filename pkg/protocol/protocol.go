package protocol

import "github.com/polbro/pollsync/pkg/poll"

// Wire message types. Client-emitted: room:join, room:submit.
// Server-emitted: room:update, room:exception.
const (
	TypeJoin      = "room:join"
	TypeSubmit    = "room:submit"
	TypeUpdate    = "room:update"
	TypeException = "room:exception"
)

type ClientMessage struct {
	Type     string `json:"type"`
	Room     string `json:"room,omitempty"`
	OptionID int64  `json:"optionId,omitempty"`
}

type ServerMessage struct {
	Type string `json:"type"`
	// Options is a full replacement snapshot of the room's options, not a
	// delta. Only set on room:update.
	Options []poll.Option `json:"options,omitempty"`
	// Message is only set on room:exception.
	Message string `json:"message,omitempty"`
}

func Join(code string) ClientMessage {
	return ClientMessage{Type: TypeJoin, Room: code}
}

func Submit(code string, optionID int64) ClientMessage {
	return ClientMessage{Type: TypeSubmit, Room: code, OptionID: optionID}
}

func Update(opts []poll.Option) ServerMessage {
	return ServerMessage{Type: TypeUpdate, Options: opts}
}

func Exception(msg string) ServerMessage {
	return ServerMessage{Type: TypeException, Message: msg}
}
