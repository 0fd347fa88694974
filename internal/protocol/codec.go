package protocol

import "encoding/json"

// DecodeClientMessage parses one inbound frame into its typed payload.
// Failures are reported as *WireError values so the gateway can answer with
// an Error reply instead of dropping the connection.
func DecodeClientMessage(raw []byte) (ClientMessage, *WireError) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, &WireError{Code: CodeInvalidJSON, Message: "malformed message"}
	}
	// A missing type tag is treated like a version mismatch: the frame is
	// not something this protocol revision can interpret.
	if env.V != Version || env.Type == "" {
		return nil, &WireError{Code: CodeBadVersion, Message: "unsupported protocol version"}
	}

	payload := env.Payload
	if payload == nil {
		payload = json.RawMessage("{}")
	}

	switch env.Type {
	case TypeCreateSession:
		return decodePayload[CreateSession](payload)
	case TypeJoinSession:
		return decodePayload[JoinSession](payload)
	case TypeLeaveSession:
		return decodePayload[LeaveSession](payload)
	case TypeSetReady:
		return decodePayload[SetReady](payload)
	case TypeSetSelectedMedia:
		return decodePayload[SetSelectedMedia](payload)
	case TypeMediaAccess:
		return decodePayload[MediaAccess](payload)
	case TypeStartPlayback:
		return decodePayload[StartPlayback](payload)
	case TypeStopPlayback:
		return decodePayload[StopPlayback](payload)
	case TypePlayerEvent:
		return decodePayload[PlayerEvent](payload)
	case TypePing:
		return decodePayload[Ping](payload)
	default:
		return nil, &WireError{Code: CodeUnknownType, Message: "unknown message type"}
	}
}

// DecodeServerMessage parses one server frame on the device side.
func DecodeServerMessage(raw []byte) (ServerMessage, *WireError) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, &WireError{Code: CodeInvalidJSON, Message: "malformed message"}
	}
	if env.V != Version || env.Type == "" {
		return nil, &WireError{Code: CodeBadVersion, Message: "unsupported protocol version"}
	}

	payload := env.Payload
	if payload == nil {
		payload = json.RawMessage("{}")
	}

	switch env.Type {
	case TypeCreated:
		return decodePayload[Created](payload)
	case TypeJoined:
		return decodePayload[Joined](payload)
	case TypeLobbySnapshot:
		return decodePayload[LobbySnapshot](payload)
	case TypeParticipantUpdate:
		return decodePayload[ParticipantUpdate](payload)
	case TypeSessionEnded:
		return decodePayload[SessionEnded](payload)
	case TypeError:
		return decodePayload[Error](payload)
	case TypePong:
		return decodePayload[Pong](payload)
	case TypeStartPlayback:
		return decodePayload[PlaybackStart](payload)
	case TypePlaybackStopped:
		return decodePayload[PlaybackStopped](payload)
	case TypePlayerEvent:
		return decodePayload[RelayedPlayerEvent](payload)
	default:
		return nil, &WireError{Code: CodeUnknownType, Message: "unknown message type"}
	}
}

func decodePayload[T any](raw json.RawMessage) (T, *WireError) {
	var msg T
	if err := json.Unmarshal(raw, &msg); err != nil {
		var zero T
		return zero, &WireError{Code: CodeInvalidJSON, Message: "malformed payload"}
	}
	return msg, nil
}

// Encode wraps a typed payload in the versioned envelope. msg must be one of
// the ClientMessage or ServerMessage structs; its tag supplies the type.
func Encode(msg interface{ MessageType() MessageType }) ([]byte, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{V: Version, Type: msg.MessageType(), Payload: payload})
}
