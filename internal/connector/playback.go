package connector

import (
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tbellini/watchparty/internal/protocol"
)

// PlaybackLauncher is the capability the media player hands this subsystem:
// start playing a reference at a local wall-clock instant. Nothing about how
// media is fetched or rendered leaks in here.
type PlaybackLauncher interface {
	Play(media protocol.MediaReference, startAt time.Time) error
}

// ControlEvent is the shape this client uses for player events. The server
// relays it opaquely; only peers interpret it.
type ControlEvent struct {
	Action     string  `json:"action"`
	PositionMs int64   `json:"positionMs,omitempty"`
	Rate       float64 `json:"rate,omitempty"`
	AtMs       int64   `json:"atMs"`
}

const (
	ActionPlay  = "play"
	ActionPause = "pause"
	ActionSeek  = "seek"
	ActionRate  = "rate"
)

// SyncBridge turns local player actions into protocol messages and remote
// player events into local commands. It is armed only while the session's
// started flag, mirrored from the last snapshot, is true; outside that
// window both directions drop silently.
type SyncBridge struct {
	launcher PlaybackLauncher
	apply    func(ControlEvent)
	send     func(protocol.ClientMessage) error
	log      *zap.Logger

	mu       sync.Mutex
	selfID   string
	armed    bool
	selected *protocol.MediaReference
}

func NewSyncBridge(launcher PlaybackLauncher, apply func(ControlEvent), send func(protocol.ClientMessage) error, log *zap.Logger) *SyncBridge {
	return &SyncBridge{launcher: launcher, apply: apply, send: send, log: log}
}

// Armed reports whether playback-sync bridging is currently active.
func (b *SyncBridge) Armed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.armed
}

// HandleServer feeds every decoded server message through the bridge. Wire
// it into the connector's message handler.
func (b *SyncBridge) HandleServer(msg protocol.ServerMessage) {
	switch m := msg.(type) {
	case protocol.Created:
		b.mu.Lock()
		b.selfID = m.ParticipantID
		b.mu.Unlock()
	case protocol.Joined:
		b.mu.Lock()
		b.selfID = m.ParticipantID
		b.mu.Unlock()
	case protocol.LobbySnapshot:
		b.mu.Lock()
		b.selected = m.SelectedMedia
		b.armed = m.Started
		b.mu.Unlock()
	case protocol.PlaybackStart:
		b.handleStart(m)
	case protocol.PlaybackStopped:
		b.disarm()
	case protocol.SessionEnded:
		b.mu.Lock()
		b.armed = false
		b.selected = nil
		b.mu.Unlock()
	case protocol.RelayedPlayerEvent:
		b.handleRemote(m)
	}
}

func (b *SyncBridge) handleStart(m protocol.PlaybackStart) {
	b.mu.Lock()
	b.armed = true
	media := protocol.MediaReference{ID: m.RatingKey, Type: m.MediaType}
	if b.selected != nil && b.selected.ID == m.RatingKey {
		media = *b.selected
	}
	b.mu.Unlock()

	if b.launcher == nil {
		return
	}
	startAt := time.UnixMilli(m.StartAtEpochMs)
	if err := b.launcher.Play(media, startAt); err != nil {
		b.log.Warn("playback launch failed",
			zap.String("ratingKey", m.RatingKey),
			zap.Error(err))
	}
}

func (b *SyncBridge) handleRemote(m protocol.RelayedPlayerEvent) {
	b.mu.Lock()
	ok := b.armed && m.SenderID != b.selfID
	b.mu.Unlock()
	// Self-originated events echo back from the relay; the sender already
	// applied them locally.
	if !ok || b.apply == nil {
		return
	}
	var ev ControlEvent
	if err := json.Unmarshal(m.Event, &ev); err != nil {
		b.log.Debug("undecodable player event", zap.Error(err))
		return
	}
	b.apply(ev)
}

func (b *SyncBridge) disarm() {
	b.mu.Lock()
	b.armed = false
	b.mu.Unlock()
}

// Local user actions. Each one is dropped unless the bridge is armed.

func (b *SyncBridge) LocalPlay(positionMs int64) error {
	return b.localEvent(ControlEvent{Action: ActionPlay, PositionMs: positionMs})
}

func (b *SyncBridge) LocalPause(positionMs int64) error {
	return b.localEvent(ControlEvent{Action: ActionPause, PositionMs: positionMs})
}

func (b *SyncBridge) LocalSeek(positionMs int64) error {
	return b.localEvent(ControlEvent{Action: ActionSeek, PositionMs: positionMs})
}

func (b *SyncBridge) LocalRate(rate float64) error {
	return b.localEvent(ControlEvent{Action: ActionRate, Rate: rate})
}

func (b *SyncBridge) localEvent(ev ControlEvent) error {
	b.mu.Lock()
	armed := b.armed
	b.mu.Unlock()
	if !armed {
		return nil
	}
	ev.AtMs = time.Now().UnixMilli()
	raw, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return b.send(protocol.PlayerEvent{Event: raw})
}
