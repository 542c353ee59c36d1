package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"chemchat/cmd/internal/chat"
	"chemchat/cmd/internal/dedup"
	"chemchat/cmd/internal/sequence"
	v1 "chemchat/shared/contracts/realtime/v1"
)

type gwFixture struct {
	gw   *Gateway
	svc  *chat.Service
	conv chat.Conversation
}

func newGWFixture(t *testing.T) *gwFixture {
	t.Helper()

	rooms := NewRooms(nil)
	store := chat.NewMemoryStore(nil)
	svc, err := chat.NewService(store, sequence.NewMemorySequencer(), dedup.NewMemoryStore(),
		chat.WithBroadcaster(rooms))
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}

	auth := NewStaticAuthenticator()
	auth.Grant("tok-alice", Identity{UserID: "alice", TenantID: "t1"})
	auth.Grant("tok-bob", Identity{UserID: "bob", TenantID: "t1"})

	gw, err := NewGateway(nil, rooms, NewSessions(), svc, auth)
	if err != nil {
		t.Fatalf("NewGateway: %v", err)
	}

	conv, err := svc.CreateConversation(context.Background(), chat.CreateConversationInput{
		TenantID: "t1",
		Type:     chat.ConversationDirect,
		Members:  []chat.Member{{UserID: "alice"}, {UserID: "bob"}},
	})
	if err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}
	return &gwFixture{gw: gw, svc: svc, conv: conv}
}

func (f *gwFixture) openSession(t *testing.T, token string) *session {
	t.Helper()

	sess := &session{
		client: NewClient("sess-"+token, 32),
		joined: make(map[string]*Room),
		typing: make(map[string]struct{}),
	}
	payload, _ := json.Marshal(v1.HelloPayload{Token: token})
	env := v1.Envelope{V: v1.Version, Type: v1.TypeHello, Payload: payload}
	if err := f.gw.onHello(context.Background(), sess, env); err != nil {
		t.Fatalf("onHello(%s): %v", token, err)
	}
	// Consume the hello_ack.
	if acks := drain(sess.client); len(acks) != 1 || acks[0].Type != v1.TypeHelloAck {
		t.Fatalf("hello acks = %v, want one hello_ack", acks)
	}
	return sess
}

func (f *gwFixture) join(t *testing.T, sess *session, convID string) {
	t.Helper()
	payload, _ := json.Marshal(v1.RoomJoinPayload{ConversationID: convID})
	env := v1.Envelope{V: v1.Version, Type: v1.TypeRoomJoin, Payload: payload}
	if err := f.gw.onJoin(context.Background(), sess, env); err != nil {
		t.Fatalf("onJoin: %v", err)
	}
	drain(sess.client)
}

func TestGatewayHelloRejectsBadToken(t *testing.T) {
	t.Parallel()

	f := newGWFixture(t)
	sess := &session{
		client: NewClient("sess-x", 8),
		joined: make(map[string]*Room),
		typing: make(map[string]struct{}),
	}
	payload, _ := json.Marshal(v1.HelloPayload{Token: "nope"})
	env := v1.Envelope{V: v1.Version, Type: v1.TypeHello, Payload: payload}

	if err := f.gw.onHello(context.Background(), sess, env); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("onHello error = %v, want ErrUnauthorized", err)
	}
	if f.gw.sessions.Len() != 0 {
		t.Fatal("rejected session was registered")
	}
}

func TestGatewayJoinRequiresMembership(t *testing.T) {
	t.Parallel()

	f := newGWFixture(t)
	auth := f.gw.auth.(*StaticAuthenticator)
	auth.Grant("tok-eve", Identity{UserID: "eve", TenantID: "t1"})
	sess := f.openSession(t, "tok-eve")

	payload, _ := json.Marshal(v1.RoomJoinPayload{ConversationID: f.conv.ID})
	env := v1.Envelope{V: v1.Version, Type: v1.TypeRoomJoin, Payload: payload}

	err := f.gw.onJoin(context.Background(), sess, env)
	if !errors.Is(err, chat.ErrForbidden) {
		t.Fatalf("onJoin error = %v, want kind %v", err, chat.ErrForbidden)
	}
	if room := f.gw.rooms.Get(f.conv.ID); room != nil && room.Has(sess.client.SessionID) {
		t.Fatal("forbidden join still added the session to the room")
	}
}

func TestGatewaySendBroadcastsToRoomMembers(t *testing.T) {
	t.Parallel()

	f := newGWFixture(t)
	alice := f.openSession(t, "tok-alice")
	bob := f.openSession(t, "tok-bob")
	f.join(t, alice, f.conv.ID)
	f.join(t, bob, f.conv.ID)

	payload, _ := json.Marshal(v1.MessageSendPayload{
		ConversationID: f.conv.ID,
		ClientMsgID:    "c-1",
		Text:           "hello",
	})
	env := v1.Envelope{V: v1.Version, Type: v1.TypeMessageSend, Payload: payload}
	if err := f.gw.onSend(context.Background(), alice, env); err != nil {
		t.Fatalf("onSend: %v", err)
	}

	// Sender gets the ack plus the room broadcast; the peer gets the broadcast.
	aliceEnvs := drain(alice.client)
	var sawAck, sawNew bool
	for _, e := range aliceEnvs {
		switch e.Type {
		case v1.TypeMessageAck:
			sawAck = true
			var ack v1.MessageAckPayload
			if err := json.Unmarshal(e.Payload, &ack); err != nil {
				t.Fatalf("unmarshal ack: %v", err)
			}
			if ack.ClientMsgID != "c-1" || ack.Seq != 0 {
				t.Fatalf("ack = %+v, want client id echo and seq 0", ack)
			}
		case v1.TypeMessageNew:
			sawNew = true
		}
	}
	if !sawAck || !sawNew {
		t.Fatalf("sender envelopes = %v, want ack and broadcast", aliceEnvs)
	}

	bobEnvs := drain(bob.client)
	if len(bobEnvs) != 1 || bobEnvs[0].Type != v1.TypeMessageNew {
		t.Fatalf("peer envelopes = %v, want one message_new", bobEnvs)
	}
}

func TestGatewayDuplicateSendAcksWithoutRebroadcast(t *testing.T) {
	t.Parallel()

	f := newGWFixture(t)
	alice := f.openSession(t, "tok-alice")
	bob := f.openSession(t, "tok-bob")
	f.join(t, alice, f.conv.ID)
	f.join(t, bob, f.conv.ID)

	payload, _ := json.Marshal(v1.MessageSendPayload{
		ConversationID: f.conv.ID,
		ClientMsgID:    "c-dup",
		Text:           "once",
	})
	env := v1.Envelope{V: v1.Version, Type: v1.TypeMessageSend, Payload: payload}

	if err := f.gw.onSend(context.Background(), alice, env); err != nil {
		t.Fatalf("first onSend: %v", err)
	}
	drain(alice.client)
	drain(bob.client)

	if err := f.gw.onSend(context.Background(), alice, env); err != nil {
		t.Fatalf("retry onSend: %v", err)
	}

	aliceEnvs := drain(alice.client)
	if len(aliceEnvs) != 1 || aliceEnvs[0].Type != v1.TypeMessageAck {
		t.Fatalf("retry sender envelopes = %v, want ack only", aliceEnvs)
	}
	if bobEnvs := drain(bob.client); len(bobEnvs) != 0 {
		t.Fatalf("retry peer envelopes = %v, want none", bobEnvs)
	}
}

func TestGatewayTypingRelay(t *testing.T) {
	t.Parallel()

	f := newGWFixture(t)
	alice := f.openSession(t, "tok-alice")
	bob := f.openSession(t, "tok-bob")
	f.join(t, alice, f.conv.ID)
	f.join(t, bob, f.conv.ID)

	payload, _ := json.Marshal(v1.TypingPayload{ConversationID: f.conv.ID})
	env := v1.Envelope{V: v1.Version, Type: v1.TypeTypingStart, Payload: payload}
	if err := f.gw.onTyping(context.Background(), alice, env); err != nil {
		t.Fatalf("onTyping: %v", err)
	}

	// The sender does not get its own indicator back.
	if got := drain(alice.client); len(got) != 0 {
		t.Fatalf("sender envelopes = %v, want none", got)
	}
	bobEnvs := drain(bob.client)
	if len(bobEnvs) != 1 || bobEnvs[0].Type != v1.TypeTypingStart {
		t.Fatalf("peer envelopes = %v, want one typing_start", bobEnvs)
	}
	var p v1.TypingPayload
	if err := json.Unmarshal(bobEnvs[0].Payload, &p); err != nil {
		t.Fatalf("unmarshal typing: %v", err)
	}
	if p.UserID != "alice" {
		t.Fatalf("typing UserID = %q, want the authenticated user", p.UserID)
	}
}

func TestGatewayTypingRequiresJoin(t *testing.T) {
	t.Parallel()

	f := newGWFixture(t)
	alice := f.openSession(t, "tok-alice")

	payload, _ := json.Marshal(v1.TypingPayload{ConversationID: f.conv.ID})
	env := v1.Envelope{V: v1.Version, Type: v1.TypeTypingStart, Payload: payload}
	if err := f.gw.onTyping(context.Background(), alice, env); !errors.Is(err, chat.ErrForbidden) {
		t.Fatalf("onTyping error = %v, want kind %v", err, chat.ErrForbidden)
	}
}

func TestGatewayHistory(t *testing.T) {
	t.Parallel()

	f := newGWFixture(t)
	alice := f.openSession(t, "tok-alice")
	f.join(t, alice, f.conv.ID)

	for i := 0; i < 3; i++ {
		sendPayload, _ := json.Marshal(v1.MessageSendPayload{ConversationID: f.conv.ID, Text: "m"})
		env := v1.Envelope{V: v1.Version, Type: v1.TypeMessageSend, Payload: sendPayload}
		if err := f.gw.onSend(context.Background(), alice, env); err != nil {
			t.Fatalf("onSend: %v", err)
		}
	}
	drain(alice.client)

	histPayload, _ := json.Marshal(v1.HistoryFetchPayload{ConversationID: f.conv.ID})
	env := v1.Envelope{V: v1.Version, Type: v1.TypeHistoryFetch, Payload: histPayload}
	if err := f.gw.onHistory(context.Background(), alice, env); err != nil {
		t.Fatalf("onHistory: %v", err)
	}

	envs := drain(alice.client)
	if len(envs) != 1 || envs[0].Type != v1.TypeHistoryChunk {
		t.Fatalf("envelopes = %v, want one history_chunk", envs)
	}
	var chunk v1.HistoryChunkPayload
	if err := json.Unmarshal(envs[0].Payload, &chunk); err != nil {
		t.Fatalf("unmarshal chunk: %v", err)
	}
	if len(chunk.Messages) != 3 || chunk.HasMore {
		t.Fatalf("chunk = %d messages (hasMore=%v), want 3 without more", len(chunk.Messages), chunk.HasMore)
	}
	for i, m := range chunk.Messages {
		if m.Seq != uint64(i) {
			t.Fatalf("chunk[%d].Seq = %d, want %d", i, m.Seq, i)
		}
	}
}

func TestGatewayDisconnectTeardown(t *testing.T) {
	t.Parallel()

	f := newGWFixture(t)
	alice := f.openSession(t, "tok-alice")
	bob := f.openSession(t, "tok-bob")
	f.join(t, alice, f.conv.ID)
	f.join(t, bob, f.conv.ID)

	// Alice starts typing and then drops without a typing_stop.
	payload, _ := json.Marshal(v1.TypingPayload{ConversationID: f.conv.ID})
	env := v1.Envelope{V: v1.Version, Type: v1.TypeTypingStart, Payload: payload}
	if err := f.gw.onTyping(context.Background(), alice, env); err != nil {
		t.Fatalf("onTyping: %v", err)
	}
	drain(bob.client)

	f.gw.teardown(alice)

	// Bob sees the synthetic typing_stop.
	bobEnvs := drain(bob.client)
	if len(bobEnvs) != 1 || bobEnvs[0].Type != v1.TypeTypingStop {
		t.Fatalf("peer envelopes = %v, want one typing_stop", bobEnvs)
	}

	// Room membership and session registration are gone.
	if f.gw.rooms.Get(f.conv.ID).Has(alice.client.SessionID) {
		t.Fatal("session still a room member after teardown")
	}
	if _, ok := f.gw.sessions.Get(alice.client.SessionID); ok {
		t.Fatal("session still registered after teardown")
	}

	// Bob is unaffected.
	if !f.gw.rooms.Get(f.conv.ID).Has(bob.client.SessionID) {
		t.Fatal("teardown removed an unrelated session")
	}

	// Teardown is safe to repeat.
	f.gw.teardown(alice)
}

func TestGatewayTeardownConcurrentWithSessionState(t *testing.T) {
	t.Parallel()

	f := newGWFixture(t)
	alice := f.openSession(t, "tok-alice")
	f.join(t, alice, f.conv.ID)

	// The mutators stand in for the read loop; teardown fires from the
	// writer or heartbeat goroutine when a connection dies mid-traffic.
	var wg sync.WaitGroup
	start := make(chan struct{})

	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			<-start
			for j := 0; j < 200; j++ {
				convID := fmt.Sprintf("conv-%d-%d", n, j)
				alice.trackRoom(convID, f.gw.rooms.GetOrCreate(convID))
				alice.setTyping(convID, true)
				alice.inRoom(convID)
				alice.untrackRoom(convID)
			}
		}(i)
	}
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			for j := 0; j < 200; j++ {
				f.gw.teardown(alice)
			}
		}()
	}

	close(start)
	wg.Wait()

	f.gw.teardown(alice)
	if _, ok := f.gw.sessions.Get(alice.client.SessionID); ok {
		t.Fatal("session still registered after teardown")
	}
}

func TestGatewayEditAndDeleteFlowThroughService(t *testing.T) {
	t.Parallel()

	f := newGWFixture(t)
	alice := f.openSession(t, "tok-alice")
	bob := f.openSession(t, "tok-bob")
	f.join(t, alice, f.conv.ID)
	f.join(t, bob, f.conv.ID)

	sendPayload, _ := json.Marshal(v1.MessageSendPayload{ConversationID: f.conv.ID, Text: "draft"})
	if err := f.gw.onSend(context.Background(), alice, v1.Envelope{V: v1.Version, Type: v1.TypeMessageSend, Payload: sendPayload}); err != nil {
		t.Fatalf("onSend: %v", err)
	}
	var msgID string
	for _, e := range drain(alice.client) {
		if e.Type == v1.TypeMessageAck {
			var ack v1.MessageAckPayload
			if err := json.Unmarshal(e.Payload, &ack); err != nil {
				t.Fatalf("unmarshal ack: %v", err)
			}
			msgID = ack.MessageID
		}
	}
	drain(bob.client)

	editPayload, _ := json.Marshal(v1.MessageEditPayload{MessageID: msgID, Text: "final"})
	if err := f.gw.onEdit(context.Background(), alice, v1.Envelope{V: v1.Version, Type: v1.TypeMessageEdit, Payload: editPayload}); err != nil {
		t.Fatalf("onEdit: %v", err)
	}
	bobEnvs := drain(bob.client)
	if len(bobEnvs) != 1 || bobEnvs[0].Type != v1.TypeMessageEdited {
		t.Fatalf("peer envelopes after edit = %v, want one message_edited", bobEnvs)
	}

	// Bob cannot edit Alice's message.
	if err := f.gw.onEdit(context.Background(), bob, v1.Envelope{V: v1.Version, Type: v1.TypeMessageEdit, Payload: editPayload}); !errors.Is(err, chat.ErrForbidden) {
		t.Fatalf("peer edit error = %v, want kind %v", err, chat.ErrForbidden)
	}

	delPayload, _ := json.Marshal(v1.MessageDeletePayload{MessageID: msgID})
	if err := f.gw.onDelete(context.Background(), alice, v1.Envelope{V: v1.Version, Type: v1.TypeMessageDelete, Payload: delPayload}); err != nil {
		t.Fatalf("onDelete: %v", err)
	}
	bobEnvs = drain(bob.client)
	if len(bobEnvs) != 1 || bobEnvs[0].Type != v1.TypeMessageDeleted {
		t.Fatalf("peer envelopes after delete = %v, want one message_deleted", bobEnvs)
	}
	var p v1.MessagePayload
	if err := json.Unmarshal(bobEnvs[0].Payload, &p); err != nil {
		t.Fatalf("unmarshal deleted broadcast: %v", err)
	}
	if p.Text != "" || p.DeletedAt == nil {
		t.Fatalf("deleted broadcast still carries content: %+v", p)
	}
}
