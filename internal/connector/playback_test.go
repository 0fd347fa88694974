package connector

import (
	"encoding/json"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/tbellini/watchparty/internal/protocol"
)

type fakeLauncher struct {
	media   []protocol.MediaReference
	startAt []time.Time
}

func (l *fakeLauncher) Play(media protocol.MediaReference, startAt time.Time) error {
	l.media = append(l.media, media)
	l.startAt = append(l.startAt, startAt)
	return nil
}

type bridgeHarness struct {
	bridge   *SyncBridge
	launcher *fakeLauncher
	applied  []ControlEvent
	sent     []protocol.ClientMessage
}

func newBridgeHarness(t *testing.T) *bridgeHarness {
	t.Helper()
	h := &bridgeHarness{launcher: &fakeLauncher{}}
	h.bridge = NewSyncBridge(
		h.launcher,
		func(ev ControlEvent) { h.applied = append(h.applied, ev) },
		func(msg protocol.ClientMessage) error {
			h.sent = append(h.sent, msg)
			return nil
		},
		zap.NewNop(),
	)
	return h
}

func relayed(t *testing.T, sender string, ev ControlEvent) protocol.RelayedPlayerEvent {
	t.Helper()
	raw, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	return protocol.RelayedPlayerEvent{
		Event:              raw,
		SenderID:           sender,
		ServerReceivedAtMs: time.Now().UnixMilli(),
	}
}

func TestBridgeArmsOnPlaybackStartAndLaunches(t *testing.T) {
	h := newBridgeHarness(t)
	sel := &protocol.MediaReference{ID: "rk42", Type: "movie", Title: "Arrival"}
	h.bridge.HandleServer(protocol.LobbySnapshot{Code: "ABC234", SelectedMedia: sel})
	if h.bridge.Armed() {
		t.Fatalf("bridge must stay disarmed until playback starts")
	}

	startAt := time.Now().Add(2 * time.Second).UnixMilli()
	h.bridge.HandleServer(protocol.PlaybackStart{
		RatingKey:      "rk42",
		MediaType:      "movie",
		StartAtEpochMs: startAt,
	})
	if !h.bridge.Armed() {
		t.Fatalf("bridge must arm on playback start")
	}
	if len(h.launcher.media) != 1 {
		t.Fatalf("launched %d times, want 1", len(h.launcher.media))
	}
	if h.launcher.media[0].Title != "Arrival" {
		t.Fatalf("launch must use the snapshot's selected media, got %+v", h.launcher.media[0])
	}
	if got := h.launcher.startAt[0].UnixMilli(); got != startAt {
		t.Fatalf("startAt = %d, want %d", got, startAt)
	}
}

func TestBridgeLaunchesBareReferenceWhenSelectionDiffers(t *testing.T) {
	h := newBridgeHarness(t)
	h.bridge.HandleServer(protocol.LobbySnapshot{
		SelectedMedia: &protocol.MediaReference{ID: "other", Type: "episode"},
	})
	h.bridge.HandleServer(protocol.PlaybackStart{RatingKey: "rk7", MediaType: "movie", StartAtEpochMs: 1})

	if got := h.launcher.media[0]; got.ID != "rk7" || got.Title != "" {
		t.Fatalf("mismatched selection must launch the start frame's reference, got %+v", got)
	}
}

func TestBridgeMirrorsStartedFlagFromSnapshots(t *testing.T) {
	h := newBridgeHarness(t)
	h.bridge.HandleServer(protocol.LobbySnapshot{Started: true})
	if !h.bridge.Armed() {
		t.Fatalf("snapshot with started=true must arm the bridge")
	}
	h.bridge.HandleServer(protocol.LobbySnapshot{Started: false})
	if h.bridge.Armed() {
		t.Fatalf("snapshot with started=false must disarm the bridge")
	}
}

func TestBridgeFiltersOwnRelayedEvents(t *testing.T) {
	h := newBridgeHarness(t)
	h.bridge.HandleServer(protocol.Joined{Code: "ABC234", ParticipantID: "bob-1a2b"})
	h.bridge.HandleServer(protocol.PlaybackStart{RatingKey: "rk1", StartAtEpochMs: 1})

	h.bridge.HandleServer(relayed(t, "bob-1a2b", ControlEvent{Action: ActionPause}))
	if len(h.applied) != 0 {
		t.Fatalf("self-originated echo must not be applied")
	}

	h.bridge.HandleServer(relayed(t, "alice-9f", ControlEvent{Action: ActionPause, PositionMs: 5000}))
	if len(h.applied) != 1 || h.applied[0].Action != ActionPause || h.applied[0].PositionMs != 5000 {
		t.Fatalf("peer event not applied: %+v", h.applied)
	}
}

func TestBridgeDropsRemoteEventsWhileDisarmed(t *testing.T) {
	h := newBridgeHarness(t)
	h.bridge.HandleServer(relayed(t, "alice-9f", ControlEvent{Action: ActionSeek, PositionMs: 100}))
	if len(h.applied) != 0 {
		t.Fatalf("events before playback starts must be dropped")
	}

	h.bridge.HandleServer(protocol.PlaybackStart{RatingKey: "rk1", StartAtEpochMs: 1})
	h.bridge.HandleServer(protocol.PlaybackStopped{})
	h.bridge.HandleServer(relayed(t, "alice-9f", ControlEvent{Action: ActionSeek, PositionMs: 100}))
	if len(h.applied) != 0 {
		t.Fatalf("events after stop must be dropped")
	}
}

func TestBridgeLocalActionsGatedByArming(t *testing.T) {
	h := newBridgeHarness(t)
	if err := h.bridge.LocalPause(1000); err != nil {
		t.Fatalf("LocalPause() error = %v", err)
	}
	if len(h.sent) != 0 {
		t.Fatalf("local action while disarmed must send nothing")
	}

	h.bridge.HandleServer(protocol.PlaybackStart{RatingKey: "rk1", StartAtEpochMs: 1})
	if err := h.bridge.LocalSeek(42000); err != nil {
		t.Fatalf("LocalSeek() error = %v", err)
	}
	if len(h.sent) != 1 {
		t.Fatalf("sent %d frames, want 1", len(h.sent))
	}
	pe, ok := h.sent[0].(protocol.PlayerEvent)
	if !ok {
		t.Fatalf("sent %T, want PlayerEvent", h.sent[0])
	}
	var ev ControlEvent
	if err := json.Unmarshal(pe.Event, &ev); err != nil {
		t.Fatalf("unmarshal sent event: %v", err)
	}
	if ev.Action != ActionSeek || ev.PositionMs != 42000 || ev.AtMs == 0 {
		t.Fatalf("sent event = %+v, want stamped seek", ev)
	}
}

func TestBridgeSessionEndClearsSelection(t *testing.T) {
	h := newBridgeHarness(t)
	h.bridge.HandleServer(protocol.LobbySnapshot{
		Started:       true,
		SelectedMedia: &protocol.MediaReference{ID: "rk1"},
	})
	h.bridge.HandleServer(protocol.SessionEnded{Reason: "session ended by host"})
	if h.bridge.Armed() {
		t.Fatalf("session end must disarm the bridge")
	}

	h.bridge.HandleServer(protocol.PlaybackStart{RatingKey: "rk1", StartAtEpochMs: 1})
	if got := h.launcher.media[0]; got.Title != "" {
		t.Fatalf("cleared selection must not leak into later launches: %+v", got)
	}
}
