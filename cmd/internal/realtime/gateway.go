package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"chemchat/cmd/internal/chat"
	"chemchat/cmd/internal/ids"
	v1 "chemchat/shared/contracts/realtime/v1"
)

const (
	wsSubprotocolV1 = "chemchat.realtime.v1"

	wsDefaultSendQueueSize = 256
	wsMinSendQueueSize     = 32

	wsDefaultWriteTimeout = 5 * time.Second
	wsDefaultReadIdle     = 2 * time.Minute
	wsCloseGrace          = 1 * time.Second

	wsMaxPingFailures = 3

	// Security defaults:
	// - Origin is required by default.
	// - Only localhost is allowed by default (secure-by-default for dev).
	wsDefaultOriginRequired = true
	wsDefaultAllowedOrigins = "http://localhost,http://127.0.0.1"
)

// ChatService is the slice of the chat service the gateway needs.
type ChatService interface {
	Send(ctx context.Context, in chat.SendInput) (chat.SendResult, error)
	Edit(ctx context.Context, in chat.EditInput) (chat.Message, error)
	Delete(ctx context.Context, in chat.DeleteInput) (chat.Message, error)
	History(ctx context.Context, req chat.HistoryRequest) (chat.HistoryResult, error)
	IsMember(ctx context.Context, conversationID, userID string) (bool, error)
}

// Gateway is the WebSocket entrypoint for chemchat realtime.
//
// It enforces origin policy, subprotocol selection, the hello handshake,
// rate limits, heartbeats, and routes validated envelopes to the chat
// service and room registry.
type Gateway struct {
	log      *slog.Logger
	rooms    *Rooms
	sessions *Sessions
	svc      ChatService
	auth     Authenticator

	devInsecure    bool
	originRequired bool
	allowedOrigins []string

	// Derived for websocket.Accept origin checks.
	// Accept() authorizes same-host origins by default, but for cross-origin it requires OriginPatterns.
	originPatterns []string

	writeTimeout    time.Duration
	readIdleTimeout time.Duration
	sendQueueSize   int

	heartbeatEvery   time.Duration
	heartbeatTimeout time.Duration

	rateEvents int
	rateWindow time.Duration
}

// NewGateway constructs a gateway with secure defaults.
func NewGateway(log *slog.Logger, rooms *Rooms, sessions *Sessions, svc ChatService, auth Authenticator) (*Gateway, error) {
	if log == nil {
		log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	if svc == nil {
		return nil, errors.New("realtime: nil chat service")
	}
	if auth == nil {
		return nil, errors.New("realtime: nil authenticator")
	}
	if rooms == nil {
		rooms = NewRooms(log)
	}
	if sessions == nil {
		sessions = NewSessions()
	}

	g := &Gateway{log: log, rooms: rooms, sessions: sessions, svc: svc, auth: auth}

	// NOTE: InsecureSkipVerify is a dev-only knob (TLS verification). It is not an origin policy.
	g.devInsecure = envBoolWS("CHEMCHAT_WS_DEV_INSECURE", false)

	g.originRequired = envBoolWS("CHEMCHAT_WS_ORIGIN_REQUIRED", wsDefaultOriginRequired)
	g.allowedOrigins = envCSVWS("CHEMCHAT_WS_ALLOWED_ORIGINS", wsDefaultAllowedOrigins)

	// websocket.Accept enforces its own origin policy:
	// - same-host is ok
	// - cross-origin requires OriginPatterns (host patterns)
	// We derive these patterns from allowed origins so the two layers agree.
	g.originPatterns = deriveOriginPatternsFromAllowedOrigins(g.allowedOrigins)

	g.writeTimeout = envDurationWS("CHEMCHAT_WS_WRITE_TIMEOUT", wsDefaultWriteTimeout)
	g.readIdleTimeout = envDurationWS("CHEMCHAT_WS_READ_IDLE_TIMEOUT", wsDefaultReadIdle)

	g.sendQueueSize = envIntWS("CHEMCHAT_WS_SEND_QUEUE", wsDefaultSendQueueSize)
	if g.sendQueueSize < wsMinSendQueueSize {
		g.sendQueueSize = wsMinSendQueueSize
	}

	g.heartbeatEvery = envDurationWS("CHEMCHAT_WS_HEARTBEAT_INTERVAL", heartbeatInterval)
	g.heartbeatTimeout = envDurationWS("CHEMCHAT_WS_HEARTBEAT_TIMEOUT", heartbeatTimeout)

	g.rateEvents = envIntWS("CHEMCHAT_WS_RATE_EVENTS", rateLimitEvents)
	g.rateWindow = envDurationWS("CHEMCHAT_WS_RATE_WINDOW", rateLimitWindow)

	return g, nil
}

// Rooms exposes the room registry (wired into the chat service broadcaster).
func (g *Gateway) Rooms() *Rooms { return g.rooms }

// ServeHTTP adapter so it can be mounted as http.Handler.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// session is the per-connection mutable state. The read loop performs most
// mutations, but shutdown can fire from the writer or heartbeat goroutine on
// failure, so the maps are guarded.
type session struct {
	client *Client

	mu     sync.Mutex
	joined map[string]*Room
	typing map[string]struct{} // conversations with an unstopped typing_start
}

func (s *session) trackRoom(convID string, room *Room) {
	s.mu.Lock()
	s.joined[convID] = room
	s.mu.Unlock()
}

// untrackRoom forgets the room and any typing indicator for convID, returning
// the room so the caller can leave it outside the lock.
func (s *session) untrackRoom(convID string) (*Room, bool) {
	s.mu.Lock()
	room, ok := s.joined[convID]
	delete(s.joined, convID)
	delete(s.typing, convID)
	s.mu.Unlock()
	return room, ok
}

func (s *session) inRoom(convID string) bool {
	s.mu.Lock()
	_, ok := s.joined[convID]
	s.mu.Unlock()
	return ok
}

func (s *session) setTyping(convID string, on bool) {
	s.mu.Lock()
	if on {
		s.typing[convID] = struct{}{}
	} else {
		delete(s.typing, convID)
	}
	s.mu.Unlock()
}

// drainState empties the session bookkeeping in one critical section and
// hands back a snapshot, so concurrent drains each tear down disjoint state.
func (s *session) drainState() (typing []string, joined []*Room) {
	s.mu.Lock()
	defer s.mu.Unlock()

	typing = make([]string, 0, len(s.typing))
	for convID := range s.typing {
		typing = append(typing, convID)
	}
	joined = make([]*Room, 0, len(s.joined))
	for _, room := range s.joined {
		joined = append(joined, room)
	}
	s.joined = make(map[string]*Room)
	s.typing = make(map[string]struct{})
	return typing, joined
}

// HandleWS upgrades an HTTP request to a WebSocket session and runs the realtime loop.
func (g *Gateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{wsSubprotocolV1},
		OriginPatterns:     g.originPatterns,
		InsecureSkipVerify: g.devInsecure, // dev-only escape hatch
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != wsSubprotocolV1 {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", wsSubprotocolV1)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	conn.SetReadLimit(maxFrameBytes)

	sessionID := ids.MustULID(time.Now().UTC())
	sess := &session{
		client: NewClient(sessionID, g.sendQueueSize),
		joined: make(map[string]*Room),
		typing: make(map[string]struct{}),
	}

	connectionsGauge.Inc()
	defer connectionsGauge.Dec()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var closeOnce sync.Once

	// shutdown is idempotent. It does NOT close client.Send.
	// Teardown steps are independent: a missing room or an unregistered
	// session must not prevent the remaining steps from running.
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			g.teardown(sess)
			sess.client.Close()
			_ = conn.Close(code, reason)
			cancel()
		})
	}

	rl := NewRateLimiter(g.rateEvents, g.rateWindow)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)

		for {
			select {
			case <-ctx.Done():
				return
			case <-sess.client.Done():
				return
			case env := <-sess.client.Send:
				if err := writeEnvelope(ctx, conn, env, g.writeTimeout); err != nil {
					g.log.Info("ws.write.fail", "session_id", sessionID, "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)

		t := time.NewTicker(g.heartbeatEvery)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-sess.client.Done():
				return
			case <-t.C:
				hbCtx, hbCancel := context.WithTimeout(ctx, g.heartbeatTimeout)
				err := conn.Ping(hbCtx)
				hbCancel()

				if err != nil {
					failures++
					g.log.Info("ws.ping.fail", "session_id", sessionID, "failures", failures, "err", err)
					if failures >= wsMaxPingFailures {
						shutdown(websocket.StatusGoingAway, "heartbeat failed")
						return
					}
					continue
				}
				failures = 0
			}
		}
	}()

	authed := false
	authDeadline := time.Now().Add(helloTimeout)

readLoop:
	for {
		idle := g.readIdleTimeout
		if !authed {
			idle = time.Until(authDeadline)
			if idle <= 0 {
				shutdown(websocket.StatusPolicyViolation, "hello timeout")
				break readLoop
			}
		}

		readCtx, readCancel := context.WithTimeout(ctx, idle)
		env, err := readEnvelope(readCtx, conn)
		readCancel()

		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
				break readLoop
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
				break readLoop
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
				break readLoop
			case readErrBadJSON:
				g.trySendError(ctx, sess.client, "bad_json", "invalid JSON")
				continue readLoop
			default:
				g.log.Info("ws.read.fail", "session_id", sessionID, "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
				break readLoop
			}
		}

		now := time.Now().UTC()
		if !rl.Allow(now) {
			g.trySendError(ctx, sess.client, "rate_limited", "too many events")
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}

		if err := env.Validate(); err != nil {
			g.trySendError(ctx, sess.client, "bad_envelope", err.Error())
			continue readLoop
		}

		if !authed && env.Type != v1.TypeHello {
			g.trySendError(ctx, sess.client, "unauthorized", "hello first")
			continue readLoop
		}

		switch env.Type {
		case v1.TypeHello:
			if authed {
				g.trySendError(ctx, sess.client, "already_authed", "session already established")
				continue readLoop
			}
			if err := g.onHello(ctx, sess, env); err != nil {
				g.countEvent(env.Type, err)
				g.trySendError(ctx, sess.client, "unauthorized", "authentication failed")
				shutdown(websocket.StatusPolicyViolation, "hello failed")
				break readLoop
			}
			g.countEvent(env.Type, nil)
			authed = true

		case v1.TypeRoomJoin:
			err := g.onJoin(ctx, sess, env)
			g.countEvent(env.Type, err)
			if err != nil {
				g.sendServiceError(ctx, sess.client, err)
			}

		case v1.TypeRoomLeave:
			err := g.onLeave(ctx, sess, env)
			g.countEvent(env.Type, err)
			if err != nil {
				g.sendServiceError(ctx, sess.client, err)
			}

		case v1.TypeMessageSend:
			err := g.onSend(ctx, sess, env)
			g.countEvent(env.Type, err)
			if err != nil {
				g.sendServiceError(ctx, sess.client, err)
			}

		case v1.TypeMessageEdit:
			err := g.onEdit(ctx, sess, env)
			g.countEvent(env.Type, err)
			if err != nil {
				g.sendServiceError(ctx, sess.client, err)
			}

		case v1.TypeMessageDelete:
			err := g.onDelete(ctx, sess, env)
			g.countEvent(env.Type, err)
			if err != nil {
				g.sendServiceError(ctx, sess.client, err)
			}

		case v1.TypeTypingStart, v1.TypeTypingStop:
			err := g.onTyping(ctx, sess, env)
			g.countEvent(env.Type, err)
			if err != nil {
				g.sendServiceError(ctx, sess.client, err)
			}

		case v1.TypeHistoryFetch:
			err := g.onHistory(ctx, sess, env)
			g.countEvent(env.Type, err)
			if err != nil {
				g.sendServiceError(ctx, sess.client, err)
			}

		default:
			g.trySendError(ctx, sess.client, "unsupported", fmt.Sprintf("unsupported type: %s", env.Type))
		}
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}
}

// teardown runs the disconnect steps. Each step is independent so a failure
// or absence in one never skips the rest.
func (g *Gateway) teardown(sess *session) {
	now := time.Now().UTC()
	typing, joined := sess.drainState()

	// 1. Stop dangling typing indicators.
	for _, convID := range typing {
		g.relayTyping(v1.TypeTypingStop, convID, sess, now)
	}

	// 2. Leave every joined room (including rooms joined through a path that
	//    bypassed sess.joined bookkeeping).
	for _, room := range joined {
		room.Leave(sess.client.SessionID)
	}
	g.rooms.RemoveSession(sess.client.SessionID)

	// 3. Unregister the session.
	g.sessions.Remove(sess.client.SessionID)
}

// ---- handlers ----

func (g *Gateway) onHello(ctx context.Context, sess *session, env v1.Envelope) error {
	var p v1.HelloPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}

	identity, err := g.auth.Authenticate(ctx, p.Token)
	if err != nil {
		g.log.Info("ws.hello.reject", "session_id", sess.client.SessionID, "err", err)
		return err
	}
	identity.DeviceID = strings.TrimSpace(p.DeviceID)

	sess.client.Identity = identity
	g.sessions.Add(sess.client)

	ackPayload, _ := json.Marshal(v1.HelloAckPayload{
		ConnectionID: sess.client.SessionID,
		UserID:       identity.UserID,
		TenantID:     identity.TenantID,
	})
	if !g.enqueue(ctx, sess.client, newEnvelope(v1.TypeHelloAck, ackPayload, time.Now().UTC())) {
		return errors.New("backpressure: hello_ack")
	}

	g.log.Info("ws.session.open",
		"session_id", sess.client.SessionID,
		"user_id", identity.UserID,
		"tenant_id", identity.TenantID)
	return nil
}

func (g *Gateway) onJoin(ctx context.Context, sess *session, env v1.Envelope) error {
	var p v1.RoomJoinPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}

	convID := strings.TrimSpace(p.ConversationID)
	if convID == "" {
		return &chat.OpError{Op: "ws.join", Kind: chat.ErrValidation, Msg: "missing conversation_id"}
	}

	member, err := g.svc.IsMember(ctx, convID, sess.client.Identity.UserID)
	if err != nil {
		return err
	}
	if !member {
		return &chat.OpError{Op: "ws.join", Kind: chat.ErrForbidden, Msg: "not a conversation member"}
	}

	room := g.rooms.GetOrCreate(convID)
	room.Join(sess.client)
	sess.trackRoom(convID, room)

	echoPayload, _ := json.Marshal(v1.RoomEventPayload{
		ConversationID: convID,
		UserID:         sess.client.Identity.UserID,
	})
	if !g.enqueue(ctx, sess.client, newEnvelope(v1.TypeRoomJoined, echoPayload, time.Now().UTC())) {
		room.Leave(sess.client.SessionID)
		sess.untrackRoom(convID)
		return errors.New("backpressure: room_joined")
	}
	return nil
}

func (g *Gateway) onLeave(ctx context.Context, sess *session, env v1.Envelope) error {
	var p v1.RoomLeavePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}

	convID := strings.TrimSpace(p.ConversationID)
	if convID == "" {
		return &chat.OpError{Op: "ws.leave", Kind: chat.ErrValidation, Msg: "missing conversation_id"}
	}

	if room, ok := sess.untrackRoom(convID); ok {
		room.Leave(sess.client.SessionID)
	}

	leftPayload, _ := json.Marshal(v1.RoomEventPayload{
		ConversationID: convID,
		UserID:         sess.client.Identity.UserID,
	})
	if !g.enqueue(ctx, sess.client, newEnvelope(v1.TypeRoomLeft, leftPayload, time.Now().UTC())) {
		return errors.New("backpressure: room_left")
	}
	return nil
}

func (g *Gateway) onSend(ctx context.Context, sess *session, env v1.Envelope) error {
	var p v1.MessageSendPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}

	text := strings.TrimSpace(p.Text)
	if len([]rune(text)) > maxMessageChars {
		return &chat.OpError{Op: "ws.send", Kind: chat.ErrValidation, Msg: fmt.Sprintf("message too long: max=%d chars", maxMessageChars)}
	}

	kind := chat.MessageType(p.Kind)
	if p.Kind == "" {
		kind = chat.MessageText
	}

	content := chat.Content{Text: text, Metadata: p.Metadata}
	for _, a := range p.Attachments {
		content.Attachments = append(content.Attachments, chat.Attachment(a))
	}

	res, err := g.svc.Send(ctx, chat.SendInput{
		TenantID:       sess.client.Identity.TenantID,
		ConversationID: strings.TrimSpace(p.ConversationID),
		SenderID:       sess.client.Identity.UserID,
		SubmissionID:   strings.TrimSpace(p.ClientMsgID),
		Type:           kind,
		Content:        content,
		ReplyToID:      p.ReplyToID,
	})
	if err != nil {
		return err
	}

	// The broadcast to room members is the chat service's concern; the
	// gateway only acknowledges the submission. Duplicates ack with the
	// previously assigned ids.
	ackPayload, _ := json.Marshal(v1.MessageAckPayload{
		ConversationID: res.Message.ConversationID,
		ClientMsgID:    p.ClientMsgID,
		MessageID:      res.Message.ID,
		Seq:            res.Message.Seq,
	})
	if !g.enqueue(ctx, sess.client, newEnvelope(v1.TypeMessageAck, ackPayload, time.Now().UTC())) {
		return errors.New("backpressure: message_ack")
	}
	return nil
}

func (g *Gateway) onEdit(ctx context.Context, sess *session, env v1.Envelope) error {
	var p v1.MessageEditPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}

	text := strings.TrimSpace(p.Text)
	if len([]rune(text)) > maxMessageChars {
		return &chat.OpError{Op: "ws.edit", Kind: chat.ErrValidation, Msg: fmt.Sprintf("message too long: max=%d chars", maxMessageChars)}
	}

	_, err := g.svc.Edit(ctx, chat.EditInput{
		MessageID: strings.TrimSpace(p.MessageID),
		EditorID:  sess.client.Identity.UserID,
		Text:      text,
	})
	return err
}

func (g *Gateway) onDelete(ctx context.Context, sess *session, env v1.Envelope) error {
	var p v1.MessageDeletePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}

	_, err := g.svc.Delete(ctx, chat.DeleteInput{
		MessageID:   strings.TrimSpace(p.MessageID),
		RequesterID: sess.client.Identity.UserID,
	})
	return err
}

func (g *Gateway) onTyping(_ context.Context, sess *session, env v1.Envelope) error {
	var p v1.TypingPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}

	convID := strings.TrimSpace(p.ConversationID)
	if !sess.inRoom(convID) {
		return &chat.OpError{Op: "ws.typing", Kind: chat.ErrForbidden, Msg: "join the room first"}
	}

	now := time.Now().UTC()
	g.relayTyping(env.Type, convID, sess, now)

	sess.setTyping(convID, env.Type == v1.TypeTypingStart)
	return nil
}

// relayTyping broadcasts a typing indicator to the other room members.
// Advisory only: never persisted, drops are fine.
func (g *Gateway) relayTyping(envType, convID string, sess *session, now time.Time) {
	room := g.rooms.Get(convID)
	if room == nil {
		return
	}
	payload, _ := json.Marshal(v1.TypingPayload{
		ConversationID: convID,
		UserID:         sess.client.Identity.UserID,
	})
	room.BroadcastExcept(newEnvelope(envType, payload, now), sess.client.SessionID)
}

func (g *Gateway) onHistory(ctx context.Context, sess *session, env v1.Envelope) error {
	var p v1.HistoryFetchPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}

	out, err := g.svc.History(ctx, chat.HistoryRequest{
		ConversationID: strings.TrimSpace(p.ConversationID),
		UserID:         sess.client.Identity.UserID,
		AfterSeq:       p.AfterSeq,
		Limit:          p.Limit,
	})
	if err != nil {
		return err
	}

	msgs := make([]v1.MessagePayload, 0, len(out.Messages))
	for _, m := range out.Messages {
		msgs = append(msgs, chat.WirePayload(m))
	}

	chunkPayload, _ := json.Marshal(v1.HistoryChunkPayload{
		ConversationID: p.ConversationID,
		Messages:       msgs,
		HasMore:        out.HasMore,
	})
	if !g.enqueue(ctx, sess.client, newEnvelope(v1.TypeHistoryChunk, chunkPayload, time.Now().UTC())) {
		return errors.New("backpressure: history_chunk")
	}
	return nil
}

// ---- send helpers ----

func (g *Gateway) countEvent(envType string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "fail"
	}
	eventsTotal.WithLabelValues(envType, outcome).Inc()
}

// sendServiceError maps a chat error kind onto a wire error code.
func (g *Gateway) sendServiceError(ctx context.Context, client *Client, err error) {
	code := "internal"
	switch {
	case errors.Is(err, chat.ErrValidation):
		code = "validation"
	case errors.Is(err, chat.ErrNotFound):
		code = "not_found"
	case errors.Is(err, chat.ErrForbidden):
		code = "forbidden"
	case errors.Is(err, chat.ErrConflict):
		code = "conflict"
	case errors.Is(err, chat.ErrTransient):
		code = "unavailable"
	}
	g.trySendError(ctx, client, code, err.Error())
}

func (g *Gateway) trySendError(ctx context.Context, client *Client, code, msg string) {
	p, _ := json.Marshal(v1.ErrorPayload{Code: code, Message: msg})
	env := newEnvelope(v1.TypeError, p, time.Now().UTC())
	_ = g.enqueue(ctx, client, env)
}

func (g *Gateway) enqueue(ctx context.Context, client *Client, env v1.Envelope) bool {
	select {
	case <-ctx.Done():
		return false
	case <-client.Done():
		return false
	case client.Send <- env:
		return true
	default:
		return false
	}
}

// ---- envelope IO ----

func newEnvelope(typ string, payload json.RawMessage, ts time.Time) v1.Envelope {
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      ids.MustULID(ts),
		TS:      ts,
		Payload: payload,
	}
}

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, err
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}

	// JSON decode errors are typically returned by json.Unmarshal, not conn.Read.
	// This fallback exists for robustness when error strings are propagated.
	s := err.Error()
	if strings.Contains(s, "unexpected end of JSON input") || strings.Contains(s, "invalid character") {
		return readErrBadJSON
	}
	return readErrUnknown
}

// ---- origin policy ----

func (g *Gateway) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if g.originRequired {
			return errors.New("missing origin")
		}
		return nil
	}

	if len(g.allowedOrigins) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	originHost := originHostOnly(origin)

	for _, a := range g.allowedOrigins {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if a == "*" {
			// Strongly discouraged, but honored if explicitly configured.
			return nil
		}

		// Full origin match (scheme + host + optional port).
		if origin == a {
			return nil
		}

		// Host match fallback (ignores port/scheme).
		if originHost != "" && originHost == originHostOnly(a) {
			return nil
		}
	}

	return fmt.Errorf("origin not allowed: %s", origin)
}

func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	// URL form.
	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		h := strings.TrimSpace(u.Host)
		if h == "" {
			return ""
		}
		if host, _, err := net.SplitHostPort(h); err == nil {
			return strings.ToLower(host)
		}
		return strings.ToLower(h)
	}

	// host[:port] form.
	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

func deriveOriginPatternsFromAllowedOrigins(allowed []string) []string {
	// websocket.Accept matches OriginPatterns against the origin host using filepath.Match patterns.
	// We keep this strict: only hosts extracted from the allowlist are accepted.
	seen := make(map[string]struct{}, len(allowed))

	for _, a := range allowed {
		h := originHostOnly(a)
		if h == "" || h == "*" {
			continue
		}
		seen[h] = struct{}{}
	}

	out := make([]string, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}

	// Stable in-file sort (avoid importing sort just for this).
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if out[j] < out[i] {
				out[i], out[j] = out[j], out[i]
			}
		}
	}

	return out
}

// ---- env helpers ----

func envBoolWS(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envIntWS(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func envDurationWS(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func envCSVWS(key string, def string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		raw = def
	}
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		s := strings.TrimSpace(p)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
