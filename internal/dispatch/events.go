package dispatch

import (
	"github.com/KevinKickass/OpenPrintCore/internal/transport"
	"github.com/KevinKickass/OpenPrintCore/internal/types"
	"github.com/google/uuid"
)

// Every stimulus a device worker reacts to is an event routed through
// its sequential loop: device messages, presence transitions, timer
// firings and user commands all take the same path, so there is a
// single total order of decisions per device.
type eventKind int

const (
	eventPresence eventKind = iota
	eventResult
	eventJobSubmitted
	eventUserCommand
)

type commandAction string

const (
	actionCancel commandAction = "cancel"
	actionRetry  commandAction = "retry"
)

type event struct {
	kind     eventKind
	presence types.Presence
	result   transport.ResultMessage
	command  *userCommand
}

type userCommand struct {
	action commandAction
	jobID  uuid.UUID
	reply  chan commandReply
}

type commandReply struct {
	job *types.Job
	err error
}
