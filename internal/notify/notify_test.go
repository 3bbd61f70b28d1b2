package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"judgeflow/internal/common/auth"
	"judgeflow/internal/common/mq"
	"judgeflow/internal/submission/event"
	"judgeflow/internal/submission/model"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

type wsServer struct {
	url   string
	hub   *Hub
	authn *auth.Authenticator
}

func newWSServer(t *testing.T) *wsServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	hub := NewHub()
	authn := auth.NewAuthenticator(auth.Config{Secret: "s3cret"})
	router := gin.New()
	NewHandler(hub, authn, HandlerConfig{}).RegisterRoutes(router)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return &wsServer{url: "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws", hub: hub, authn: authn}
}

func (s *wsServer) dial(t *testing.T, userID string) *websocket.Conn {
	t.Helper()
	tok, err := s.authn.Issue(auth.Identity{UserID: userID}, time.Minute)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	conn, _, err := websocket.DefaultDialer.Dial(s.url+"?token="+tok, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	greeting := readEnvelope(t, conn, time.Second)
	if greeting.Event != "connected" {
		t.Fatalf("expected connected greeting, got %q", greeting.Event)
	}
	waitFor(t, func() bool { return s.hub.Count(userID) > 0 })
	return conn
}

type received struct {
	Event string               `json:"event"`
	Data  model.LifecycleEvent `json:"data"`
}

func readEnvelope(t *testing.T, conn *websocket.Conn, wait time.Duration) received {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(wait))
	var env received
	if err := conn.ReadJSON(&env); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return env
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met in time")
}

func eventMessage(t *testing.T, ev model.LifecycleEvent) *mq.Message {
	t.Helper()
	q := mq.NewMemoryQueue()
	if err := event.NewPublisher(q, "").Publish(context.Background(), ev); err != nil {
		t.Fatalf("publish: %v", err)
	}
	msgs := q.Messages(event.DefaultTopic)
	if len(msgs) != 1 {
		t.Fatalf("expected one message, got %d", len(msgs))
	}
	return msgs[0]
}

func TestUnauthenticatedUpgradeRejected(t *testing.T) {
	s := newWSServer(t)
	_, resp, err := websocket.DefaultDialer.Dial(s.url+"?token=bogus", nil)
	if err == nil {
		t.Fatalf("expected dial to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %+v", resp)
	}
}

func TestFanoutDeliversOnlyToOwner(t *testing.T) {
	s := newWSServer(t)
	owner := s.dial(t, "u1")
	other := s.dial(t, "u2")
	fanout := NewFanout(s.hub)

	finished := model.LifecycleEvent{Type: model.EventFinished, SubmissionID: "s1", UserID: "u1", ProblemID: "p1", Status: model.StatusAccepted, Score: 100}
	if err := fanout.HandleEvent(context.Background(), eventMessage(t, finished)); err != nil {
		t.Fatalf("handle event: %v", err)
	}

	got := readEnvelope(t, owner, time.Second)
	if got.Event != "submission:finished" || got.Data.SubmissionID != "s1" || got.Data.Status != model.StatusAccepted {
		t.Fatalf("unexpected frame: %+v", got)
	}

	_ = other.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	if _, _, err := other.ReadMessage(); err == nil {
		t.Fatalf("other user must not receive the event")
	}
}

func TestFanoutEveryOwnerSession(t *testing.T) {
	s := newWSServer(t)
	first := s.dial(t, "u1")
	second := s.dial(t, "u1")
	waitFor(t, func() bool { return s.hub.Count("u1") == 2 })

	created := model.LifecycleEvent{Type: model.EventCreated, SubmissionID: "s9", UserID: "u1"}
	if err := NewFanout(s.hub).HandleEvent(context.Background(), eventMessage(t, created)); err != nil {
		t.Fatalf("handle event: %v", err)
	}
	for _, conn := range []*websocket.Conn{first, second} {
		if got := readEnvelope(t, conn, time.Second); got.Event != "submission:created" {
			t.Fatalf("expected created event, got %q", got.Event)
		}
	}
}

func TestDisconnectUnregisters(t *testing.T) {
	s := newWSServer(t)
	conn := s.dial(t, "u1")
	_ = conn.Close()
	waitFor(t, func() bool { return s.hub.Count("u1") == 0 })
}

func TestHandleEventDropsUndecodable(t *testing.T) {
	fanout := NewFanout(NewHub())
	if err := fanout.HandleEvent(context.Background(), mq.NewMessage("x", []byte("{"))); err != nil {
		t.Fatalf("undecodable events must be acknowledged, got %v", err)
	}
}

func TestHubSendNeverBlocks(t *testing.T) {
	hub := NewHub()
	slow := &Client{hub: hub, userID: "u1", send: make(chan []byte, 1)}
	hub.Register(slow)

	if n := hub.Send("u1", []byte("a")); n != 1 {
		t.Fatalf("expected first send delivered, got %d", n)
	}
	done := make(chan int)
	go func() { done <- hub.Send("u1", []byte("b")) }()
	select {
	case n := <-done:
		if n != 0 {
			t.Fatalf("full buffer must drop, got %d deliveries", n)
		}
	case <-time.After(time.Second):
		t.Fatalf("send blocked on a full client")
	}

	hub.Unregister(slow)
	hub.Unregister(slow)
	if hub.Count("u1") != 0 {
		t.Fatalf("client not removed")
	}
}

func TestRegisterUsesPerInstanceGroup(t *testing.T) {
	q := mq.NewMemoryQueue()
	fanout := NewFanout(NewHub())
	a, err := fanout.Register(context.Background(), q, "", "api")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	b, err := fanout.Register(context.Background(), q, "", "api")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if a == b || !strings.HasPrefix(a, "api-") {
		t.Fatalf("groups must be unique per instance: %q %q", a, b)
	}
}

func TestEnvelopeShape(t *testing.T) {
	raw, err := json.Marshal(Envelope{Event: EventName(model.EventCreated), Data: map[string]string{"k": "v"}})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(raw) != `{"event":"submission:created","data":{"k":"v"}}` {
		t.Fatalf("unexpected envelope: %s", raw)
	}
}
