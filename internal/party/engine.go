package party

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/tbellini/watchparty/internal/observability"
	"github.com/tbellini/watchparty/internal/protocol"
)

// Engine applies protocol messages to sessions. All session and registry
// mutation happens on the single goroutine running Run; the gateway and the
// TTL sweep only ever enqueue work. That serialization is what lets the
// Registry and Session stay lock-free.
type Engine struct {
	reg     *Registry
	metrics *observability.Metrics
	log     *zap.Logger

	startLead  time.Duration
	sessionTTL time.Duration

	work chan func()
	now  func() time.Time
}

func NewEngine(reg *Registry, metrics *observability.Metrics, log *zap.Logger, startLead, sessionTTL time.Duration) *Engine {
	if startLead <= 0 {
		startLead = 2 * time.Second
	}
	if sessionTTL <= 0 {
		sessionTTL = 6 * time.Hour
	}
	return &Engine{
		reg:        reg,
		metrics:    metrics,
		log:        log,
		startLead:  startLead,
		sessionTTL: sessionTTL,
		work:       make(chan func(), 256),
		now:        time.Now,
	}
}

// Run processes enqueued work until ctx is cancelled. Exactly one Run loop
// may be active per engine.
func (e *Engine) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case fn := <-e.work:
			fn()
		}
	}
}

// HandleFrame enqueues one inbound frame from a connected peer.
func (e *Engine) HandleFrame(p Peer, raw []byte) {
	e.work <- func() { e.dispatch(p, raw) }
}

// HandleDisconnect enqueues the teardown for a dropped peer. The gateway
// guarantees it is called at most once per connection.
func (e *Engine) HandleDisconnect(p Peer) {
	e.work <- func() { e.disconnect(p) }
}

// StartTTLSweep periodically ends sessions older than the configured
// lifetime. The sweep itself runs on the dispatch goroutine, so it never
// races message handling.
func (e *Engine) StartTTLSweep(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				select {
				case e.work <- e.sweepExpired:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
}

func (e *Engine) dispatch(p Peer, raw []byte) {
	started := time.Now()
	defer func() {
		e.metrics.Latency.Observe(observability.StageDispatch, time.Since(started))
	}()

	msg, werr := protocol.DecodeClientMessage(raw)
	if werr != nil {
		e.sendError(p, werr)
		return
	}
	e.metrics.WSMessages.WithLabelValues("inbound", string(msg.MessageType())).Inc()

	switch m := msg.(type) {
	case protocol.CreateSession:
		e.handleCreate(p, m)
	case protocol.JoinSession:
		e.handleJoin(p, m)
	case protocol.LeaveSession:
		e.handleLeave(p, m)
	case protocol.SetReady:
		e.handleSetReady(p, m)
	case protocol.SetSelectedMedia:
		e.handleSetSelectedMedia(p, m)
	case protocol.MediaAccess:
		e.handleMediaAccess(p, m)
	case protocol.StartPlayback:
		e.handleStartPlayback(p, m)
	case protocol.StopPlayback:
		e.handleStopPlayback(p, m)
	case protocol.PlayerEvent:
		e.handlePlayerEvent(p, m)
	case protocol.Ping:
		e.handlePing(p, m)
	}
}

func (e *Engine) handleCreate(p Peer, m protocol.CreateSession) {
	if !hasIdentity(m.PlexServerID, m.UserID, m.DisplayName) {
		e.sendError(p, &protocol.WireError{Code: protocol.CodeMissingIdentity, Message: "server, user id and display name are required"})
		return
	}

	// A live connection holds one seat at a time; creating a new party
	// vacates the old one so no ghost participant lingers there.
	e.detachPeer(p)

	sess := e.reg.Create(m.PlexServerID, e.now())
	host := sess.AddParticipant(m.UserID, m.DisplayName, p, true)
	sess.HostID = host.ID
	sess.HostUserID = host.UserID
	p.Bind(sess.Code, host.ID)

	e.metrics.SessionEvents.WithLabelValues("created").Inc()
	e.metrics.ActiveSessions.Set(float64(e.reg.Len()))
	e.log.Info("session created",
		zap.String("code", sess.Code),
		zap.String("host", host.ID))

	e.send(p, protocol.Created{Code: sess.Code, HostID: sess.HostID, ParticipantID: host.ID})
	e.broadcast(sess, sess.Snapshot())
}

func (e *Engine) handleJoin(p Peer, m protocol.JoinSession) {
	if m.Code == "" || !hasIdentity(m.PlexServerID, m.UserID, m.DisplayName) {
		e.sendError(p, &protocol.WireError{Code: protocol.CodeMissingIdentity, Message: "code, server, user id and display name are required"})
		return
	}
	sess := e.reg.Get(m.Code)
	if sess == nil {
		e.sendError(p, &protocol.WireError{Code: protocol.CodeNotFound, Message: "session not found"})
		return
	}
	if sess.PlexServerID != m.PlexServerID {
		e.sendError(p, &protocol.WireError{Code: protocol.CodeServerMismatch, Message: "check you're on the right server"})
		return
	}

	e.detachPeer(p)
	if e.reg.Get(m.Code) == nil {
		// The peer held the only seat of the room it asked to rejoin;
		// vacating it deleted the room.
		e.sendError(p, &protocol.WireError{Code: protocol.CodeNotFound, Message: "session not found"})
		return
	}

	// Reconnect-as-host: a returning host user reclaims the host seat only
	// while nobody else holds it.
	promote := m.UserID == sess.HostUserID && !sess.HasHost()
	part := sess.AddParticipant(m.UserID, m.DisplayName, p, promote)
	if promote {
		sess.HostID = part.ID
		e.log.Info("host rejoined", zap.String("code", sess.Code), zap.String("host", part.ID))
	}
	p.Bind(sess.Code, part.ID)

	e.metrics.SessionEvents.WithLabelValues("joined").Inc()
	e.send(p, protocol.Joined{Code: sess.Code, HostID: sess.HostID, ParticipantID: part.ID})
	e.broadcast(sess, sess.Snapshot())
}

func (e *Engine) handleLeave(p Peer, m protocol.LeaveSession) {
	sess, part := e.caller(p)
	if sess == nil {
		return
	}
	if m.EndForAll {
		// Honored for any participant, not just the host: clients inside a
		// private party are trusted to only expose the control to the host.
		e.endSession(sess, "session ended by host")
		return
	}
	e.removeParticipant(sess, part.ID)
	p.ClearBinding()
}

func (e *Engine) handleSetReady(p Peer, m protocol.SetReady) {
	sess, part := e.caller(p)
	if sess == nil {
		return
	}
	sess.Readiness[part.ID] = m.IsReady
	// Flag flips go out as a single-participant delta, then the snapshot
	// that follows stays authoritative.
	e.broadcast(sess, protocol.ParticipantUpdate{Participant: sess.participantInfo(part)})
	e.broadcast(sess, sess.Snapshot())
}

func (e *Engine) handleSetSelectedMedia(p Peer, m protocol.SetSelectedMedia) {
	sess, part := e.caller(p)
	if sess == nil {
		return
	}
	if part.ID != sess.HostID {
		e.sendError(p, &protocol.WireError{Code: protocol.CodeForbidden, Message: "only the host can select media"})
		return
	}
	if m.Media == nil {
		return
	}

	// New media invalidates every prior access confirmation and any pending
	// start instant.
	sess.SelectedMedia = m.Media
	sess.Started = false
	sess.StartAtEpochMs = 0
	for _, other := range sess.Participants {
		sess.MediaAccess[other.ID] = false
	}
	e.broadcast(sess, sess.Snapshot())
}

func (e *Engine) handleMediaAccess(p Peer, m protocol.MediaAccess) {
	sess, part := e.caller(p)
	if sess == nil {
		return
	}
	sess.MediaAccess[part.ID] = m.HasAccess
	e.broadcast(sess, protocol.ParticipantUpdate{Participant: sess.participantInfo(part)})
	e.broadcast(sess, sess.Snapshot())
}

func (e *Engine) handleStartPlayback(p Peer, m protocol.StartPlayback) {
	sess, part := e.caller(p)
	if sess == nil {
		return
	}
	if part.ID != sess.HostID {
		e.sendError(p, &protocol.WireError{Code: protocol.CodeForbidden, Message: "only the host can start playback"})
		return
	}
	if m.RatingKey == "" || m.MediaType == "" {
		return
	}

	sess.Started = true
	sess.StartAtEpochMs = e.now().Add(e.startLead).UnixMilli()
	e.metrics.SessionEvents.WithLabelValues("playback_started").Inc()
	e.log.Info("playback scheduled",
		zap.String("code", sess.Code),
		zap.Int64("start_at_ms", sess.StartAtEpochMs))

	// The start event goes out before the snapshot so clients schedule the
	// launch exactly once, then reconcile lobby state.
	e.broadcast(sess, protocol.PlaybackStart{
		RatingKey:      m.RatingKey,
		MediaType:      m.MediaType,
		StartAtEpochMs: sess.StartAtEpochMs,
	})
	e.broadcast(sess, sess.Snapshot())
}

func (e *Engine) handleStopPlayback(p Peer, m protocol.StopPlayback) {
	sess, part := e.caller(p)
	if sess == nil {
		return
	}
	if part.ID != sess.HostID {
		e.sendError(p, &protocol.WireError{Code: protocol.CodeForbidden, Message: "only the host can stop playback"})
		return
	}

	sess.Started = false
	sess.StartAtEpochMs = 0
	e.metrics.SessionEvents.WithLabelValues("playback_stopped").Inc()
	e.broadcast(sess, protocol.PlaybackStopped{Reason: m.Reason})
	e.broadcast(sess, sess.Snapshot())
}

func (e *Engine) handlePlayerEvent(p Peer, m protocol.PlayerEvent) {
	sess, part := e.caller(p)
	if sess == nil {
		return
	}
	// Stray control events outside a playback window are dropped, not queued.
	if !sess.Started {
		return
	}
	e.broadcast(sess, protocol.RelayedPlayerEvent{
		Event:              m.Event,
		SenderID:           part.ID,
		ServerReceivedAtMs: e.now().UnixMilli(),
	})
}

func (e *Engine) handlePing(p Peer, m protocol.Ping) {
	e.send(p, protocol.Pong{SentAtMs: m.SentAtMs, ReceivedAtMs: e.now().UnixMilli()})
}

// disconnect is the transport-driven twin of handleLeave: same removal path,
// keyed off the peer's binding instead of a payload.
func (e *Engine) disconnect(p Peer) {
	sess, part := e.caller(p)
	if sess == nil {
		return
	}
	e.log.Info("participant disconnected",
		zap.String("code", sess.Code),
		zap.String("participant", part.ID))
	e.removeParticipant(sess, part.ID)
	p.ClearBinding()
}

func (e *Engine) sweepExpired() {
	started := time.Now()
	defer func() {
		e.metrics.Latency.Observe(observability.StageSweep, time.Since(started))
	}()

	now := e.now()
	var expired []*Session
	e.reg.Range(func(s *Session) bool {
		if now.Sub(s.CreatedAt) >= e.sessionTTL {
			expired = append(expired, s)
		}
		return true
	})
	for _, s := range expired {
		e.metrics.SessionEvents.WithLabelValues("expired").Inc()
		e.endSession(s, "session expired")
	}
}

// detachPeer vacates whatever seat the peer currently holds, settling the
// old room through the usual removal path (host reassignment, empty-room
// deletion, snapshot to the rest).
func (e *Engine) detachPeer(p Peer) {
	if sess, part := e.caller(p); sess != nil {
		e.removeParticipant(sess, part.ID)
	}
	p.ClearBinding()
}

// caller resolves a peer's binding to its live session and participant.
// Returns nils when the peer is unbound or the binding is stale.
func (e *Engine) caller(p Peer) (*Session, *Participant) {
	code, pid := p.Binding()
	if code == "" || pid == "" {
		return nil, nil
	}
	sess := e.reg.Get(code)
	if sess == nil {
		return nil, nil
	}
	part := sess.Participant(pid)
	if part == nil {
		return nil, nil
	}
	return sess, part
}

// removeParticipant drops one participant and settles the room: delete it
// when empty, reassign the host when the leaver held it, otherwise just
// rebroadcast.
func (e *Engine) removeParticipant(sess *Session, participantID string) {
	part := sess.RemoveParticipant(participantID)
	if part == nil {
		return
	}
	e.metrics.SessionEvents.WithLabelValues("left").Inc()

	if len(sess.Participants) == 0 {
		e.reg.Delete(sess.Code)
		e.metrics.ActiveSessions.Set(float64(e.reg.Len()))
		e.log.Info("session emptied", zap.String("code", sess.Code))
		return
	}
	if part.IsHost {
		next := sess.ReassignHost()
		e.log.Info("host reassigned",
			zap.String("code", sess.Code),
			zap.String("host", next.ID))
	}
	e.broadcast(sess, sess.Snapshot())
}

// endSession notifies every participant, clears their bindings and discards
// the session.
func (e *Engine) endSession(sess *Session, reason string) {
	e.broadcast(sess, protocol.SessionEnded{Reason: reason})
	for _, p := range sess.Participants {
		if p.Peer != nil {
			p.Peer.ClearBinding()
		}
	}
	e.reg.Delete(sess.Code)
	e.metrics.SessionEvents.WithLabelValues("ended").Inc()
	e.metrics.ActiveSessions.Set(float64(e.reg.Len()))
	e.log.Info("session ended", zap.String("code", sess.Code), zap.String("reason", reason))
}

// broadcast fans a message out to every participant sequentially, so all
// peers observe snapshots in emission order. A failing connection is logged
// and skipped, never allowed to starve the rest.
func (e *Engine) broadcast(sess *Session, msg interface{ MessageType() protocol.MessageType }) {
	frame, err := protocol.Encode(msg)
	if err != nil {
		e.log.Error("encode broadcast", zap.Error(err))
		return
	}
	started := time.Now()
	defer func() {
		e.metrics.Latency.Observe(observability.StageBroadcast, time.Since(started))
	}()
	for _, part := range sess.Participants {
		if part.Peer == nil {
			continue
		}
		if err := part.Peer.Send(frame); err != nil {
			e.metrics.BroadcastErrors.Inc()
			e.log.Warn("broadcast send failed",
				zap.String("code", sess.Code),
				zap.String("participant", part.ID),
				zap.Error(err))
			continue
		}
		e.metrics.WSMessages.WithLabelValues("outbound", string(msg.MessageType())).Inc()
	}
}

func (e *Engine) send(p Peer, msg interface{ MessageType() protocol.MessageType }) {
	frame, err := protocol.Encode(msg)
	if err != nil {
		e.log.Error("encode message", zap.Error(err))
		return
	}
	if err := p.Send(frame); err != nil {
		e.log.Warn("send failed", zap.Error(err))
		return
	}
	e.metrics.WSMessages.WithLabelValues("outbound", string(msg.MessageType())).Inc()
}

func (e *Engine) sendError(p Peer, werr *protocol.WireError) {
	e.send(p, protocol.Error{Message: werr.Message, Code: werr.Code})
}

func hasIdentity(plexServerID, userID, displayName string) bool {
	return strings.TrimSpace(plexServerID) != "" &&
		strings.TrimSpace(userID) != "" &&
		strings.TrimSpace(displayName) != ""
}
