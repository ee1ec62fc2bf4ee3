package session

import "github.com/manpreetbhatti/lattice/internal/protocol"

// State is the collaboration state of a room.
type State int

const (
	StateActive State = iota
	StateStopped
)

func (s State) String() string {
	if s == StateStopped {
		return "stopped"
	}
	return "active"
}

// Decision is what the session does with an inbound frame.
type Decision int

const (
	// Malformed, empty or unrecognised; ignored without a reply
	DecisionDrop Decision = iota

	// Delta handed to the document engine and relayed to peers
	DecisionApply

	// Delta refused because the room is read-only
	DecisionBlock

	// State query answered to the sender
	DecisionAnswerState

	// Active to Stopped transition
	DecisionStop

	// Stop request on a room that is already stopped
	DecisionAlreadyStopped
)

func (d Decision) String() string {
	switch d {
	case DecisionApply:
		return "apply"
	case DecisionBlock:
		return "blocked"
	case DecisionAnswerState:
		return "answer_state"
	case DecisionStop:
		return "stop"
	case DecisionAlreadyStopped:
		return "already_stopped"
	default:
		return "dropped"
	}
}

// Admit classifies a frame against the room state. It runs before the
// document engine sees any bytes: the engine itself has no notion of a
// read-only document.
func Admit(state State, frame protocol.Frame) Decision {
	switch frame.Kind {
	case protocol.KindBinary:
		if len(frame.Payload) == 0 {
			return DecisionDrop
		}
		if state == StateStopped {
			return DecisionBlock
		}
		return DecisionApply

	case protocol.KindText:
		msgType, ok := protocol.ParseControl(frame.Payload)
		if !ok {
			return DecisionDrop
		}
		switch msgType {
		case protocol.TypeGetRoomState:
			return DecisionAnswerState
		case protocol.TypeStopCollaboration:
			if state == StateStopped {
				return DecisionAlreadyStopped
			}
			return DecisionStop
		}
	}
	return DecisionDrop
}
