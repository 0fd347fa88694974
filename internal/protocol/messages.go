package protocol

import (
	"encoding/json"
	"fmt"
)

// Version is the only wire protocol version this build speaks.
const Version = 1

// MessageType identifies envelope payload variants in both directions.
type MessageType string

// Client to server.
const (
	TypeCreateSession    MessageType = "createSession"
	TypeJoinSession      MessageType = "joinSession"
	TypeLeaveSession     MessageType = "leaveSession"
	TypeSetReady         MessageType = "setReady"
	TypeSetSelectedMedia MessageType = "setSelectedMedia"
	TypeMediaAccess      MessageType = "mediaAccess"
	TypeStartPlayback    MessageType = "startPlayback"
	TypeStopPlayback     MessageType = "stopPlayback"
	TypePlayerEvent      MessageType = "playerEvent"
	TypePing             MessageType = "ping"
)

// Server to client. TypeStartPlayback and TypePlayerEvent carry the same tag
// in both directions; the payload shapes differ.
const (
	TypeCreated           MessageType = "created"
	TypeJoined            MessageType = "joined"
	TypeLobbySnapshot     MessageType = "lobbySnapshot"
	TypeParticipantUpdate MessageType = "participantUpdate"
	TypeSessionEnded      MessageType = "sessionEnded"
	TypeError             MessageType = "error"
	TypePong              MessageType = "pong"
	TypePlaybackStopped   MessageType = "playbackStopped"
)

// Error codes carried in Error payloads.
const (
	CodeBadVersion      = "bad_version"
	CodeUnknownType     = "unknown_type"
	CodeInvalidJSON     = "invalid_json"
	CodeMissingIdentity = "missing_identity"
	CodeNotFound        = "not_found"
	CodeServerMismatch  = "server_mismatch"
	CodeForbidden       = "forbidden"
)

// WireError is a protocol-level rejection. It never tears down the
// connection; the gateway turns it into an Error reply to the sender.
type WireError struct {
	Code    string
	Message string
}

func (e *WireError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Envelope frames every message in both directions.
type Envelope struct {
	V       int             `json:"v"`
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// MediaReference names a piece of media on the shared backing server. The id
// is opaque to this subsystem; the media catalog collaborator owns it.
type MediaReference struct {
	ID    string `json:"id"`
	Type  string `json:"type"`
	Title string `json:"title"`
	Thumb string `json:"thumb,omitempty"`
}

// ClientMessage is the tagged union of all client-to-server payloads.
type ClientMessage interface {
	clientMessage()
	MessageType() MessageType
}

// CreateSession opens a new party. The client asserts its user identity in
// the participantId field; the server derives the per-device participant id.
type CreateSession struct {
	PlexServerID string `json:"plexServerId"`
	UserID       string `json:"participantId"`
	DisplayName  string `json:"displayName"`
}

type JoinSession struct {
	Code         string `json:"code"`
	PlexServerID string `json:"plexServerId"`
	UserID       string `json:"participantId"`
	DisplayName  string `json:"displayName"`
}

type LeaveSession struct {
	EndForAll bool `json:"endForAll,omitempty"`
}

type SetReady struct {
	IsReady bool `json:"isReady"`
}

type SetSelectedMedia struct {
	Media *MediaReference `json:"media,omitempty"`
}

type MediaAccess struct {
	HasAccess bool `json:"hasAccess"`
}

type StartPlayback struct {
	RatingKey string `json:"ratingKey"`
	MediaType string `json:"type"`
}

type StopPlayback struct {
	Reason string `json:"reason,omitempty"`
}

// PlayerEvent relays a playback control action. The event body is opaque to
// the server; it is stamped and rebroadcast verbatim.
type PlayerEvent struct {
	Event json.RawMessage `json:"event"`
}

type Ping struct {
	SentAtMs int64 `json:"sentAtMs"`
}

func (CreateSession) clientMessage()    {}
func (JoinSession) clientMessage()      {}
func (LeaveSession) clientMessage()     {}
func (SetReady) clientMessage()         {}
func (SetSelectedMedia) clientMessage() {}
func (MediaAccess) clientMessage()      {}
func (StartPlayback) clientMessage()    {}
func (StopPlayback) clientMessage()     {}
func (PlayerEvent) clientMessage()      {}
func (Ping) clientMessage()             {}

func (CreateSession) MessageType() MessageType    { return TypeCreateSession }
func (JoinSession) MessageType() MessageType      { return TypeJoinSession }
func (LeaveSession) MessageType() MessageType     { return TypeLeaveSession }
func (SetReady) MessageType() MessageType         { return TypeSetReady }
func (SetSelectedMedia) MessageType() MessageType { return TypeSetSelectedMedia }
func (MediaAccess) MessageType() MessageType      { return TypeMediaAccess }
func (StartPlayback) MessageType() MessageType    { return TypeStartPlayback }
func (StopPlayback) MessageType() MessageType     { return TypeStopPlayback }
func (PlayerEvent) MessageType() MessageType      { return TypePlayerEvent }
func (Ping) MessageType() MessageType             { return TypePing }

// ServerMessage is the tagged union of all server-to-client payloads.
type ServerMessage interface {
	serverMessage()
	MessageType() MessageType
}

type Created struct {
	Code          string `json:"code"`
	HostID        string `json:"hostId"`
	ParticipantID string `json:"participantId"`
}

type Joined struct {
	Code          string `json:"code"`
	HostID        string `json:"hostId"`
	ParticipantID string `json:"participantId"`
}

// ParticipantInfo is the per-participant slice of a lobby snapshot. The
// readiness and media-access flags live on the session as maps; snapshots
// fold them into each entry.
type ParticipantInfo struct {
	ID             string `json:"id"`
	UserID         string `json:"userId"`
	DisplayName    string `json:"displayName"`
	IsHost         bool   `json:"isHost"`
	IsReady        bool   `json:"isReady"`
	HasMediaAccess bool   `json:"hasMediaAccess"`
}

type LobbySnapshot struct {
	Code           string            `json:"code"`
	HostID         string            `json:"hostId"`
	Participants   []ParticipantInfo `json:"participants"`
	SelectedMedia  *MediaReference   `json:"selectedMedia,omitempty"`
	Started        bool              `json:"started"`
	StartAtEpochMs int64             `json:"startAtEpochMs,omitempty"`
}

type ParticipantUpdate struct {
	Participant ParticipantInfo `json:"participant"`
}

type SessionEnded struct {
	Reason string `json:"reason,omitempty"`
}

type Error struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}

type Pong struct {
	SentAtMs     int64 `json:"sentAtMs"`
	ReceivedAtMs int64 `json:"receivedAtMs"`
}

// PlaybackStart tells every client when to begin playing. Clients must react
// to it exactly once, which is why it is not folded into the snapshot.
type PlaybackStart struct {
	RatingKey      string `json:"ratingKey"`
	MediaType      string `json:"type"`
	StartAtEpochMs int64  `json:"startAtEpochMs"`
}

type PlaybackStopped struct {
	Reason string `json:"reason,omitempty"`
}

// RelayedPlayerEvent is a PlayerEvent stamped with its sender and the server
// receive time, rebroadcast to every participant including the sender.
type RelayedPlayerEvent struct {
	Event              json.RawMessage `json:"event"`
	SenderID           string          `json:"senderId"`
	ServerReceivedAtMs int64           `json:"serverReceivedAtMs"`
}

func (Created) serverMessage()            {}
func (Joined) serverMessage()             {}
func (LobbySnapshot) serverMessage()      {}
func (ParticipantUpdate) serverMessage()  {}
func (SessionEnded) serverMessage()       {}
func (Error) serverMessage()              {}
func (Pong) serverMessage()               {}
func (PlaybackStart) serverMessage()      {}
func (PlaybackStopped) serverMessage()    {}
func (RelayedPlayerEvent) serverMessage() {}

func (Created) MessageType() MessageType            { return TypeCreated }
func (Joined) MessageType() MessageType             { return TypeJoined }
func (LobbySnapshot) MessageType() MessageType      { return TypeLobbySnapshot }
func (ParticipantUpdate) MessageType() MessageType  { return TypeParticipantUpdate }
func (SessionEnded) MessageType() MessageType       { return TypeSessionEnded }
func (Error) MessageType() MessageType              { return TypeError }
func (Pong) MessageType() MessageType               { return TypePong }
func (PlaybackStart) MessageType() MessageType      { return TypeStartPlayback }
func (PlaybackStopped) MessageType() MessageType    { return TypePlaybackStopped }
func (RelayedPlayerEvent) MessageType() MessageType { return TypePlayerEvent }
