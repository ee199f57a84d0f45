package session

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	gorilla "github.com/gorilla/websocket"

	"github.com/meshcompute/host-node/pkg/aead"
	"github.com/meshcompute/host-node/pkg/ledger"
)

// waitForSession polls the manager's session map for the single
// session registered by a just-dialed connection.
func waitForSession(t *testing.T, m *Manager) *Session {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		m.mu.RLock()
		for _, s := range m.sessions {
			m.mu.RUnlock()
			return s
		}
		m.mu.RUnlock()
		time.Sleep(time.Millisecond)
	}
	t.Fatal("timed out waiting for session registration")
	return nil
}

func dial(t *testing.T, srv *httptest.Server) *gorilla.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := gorilla.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	return conn
}

func sendEncrypted(t *testing.T, conn *gorilla.Conn, key [aead.KeySize]byte, action string, data interface{}) {
	t.Helper()
	payload, err := json.Marshal(InnerRequest{Action: action, Data: mustMarshal(t, data)})
	if err != nil {
		t.Fatalf("marshal inner request: %v", err)
	}
	env, err := aead.Seal(key, payload, nil)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	frame := InboundFrame{Type: TypeEncryptedMessage, ID: "req-1", Payload: env}
	b, err := json.Marshal(frame)
	if err != nil {
		t.Fatalf("marshal frame: %v", err)
	}
	if err := conn.WriteMessage(gorilla.TextMessage, b); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func mustMarshal(t *testing.T, v interface{}) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}

func readDecrypted(t *testing.T, conn *gorilla.Conn, key [aead.KeySize]byte) (OutboundFrame, []byte) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var frame OutboundFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		t.Fatalf("unmarshal frame: %v", err)
	}
	plaintext, err := aead.Open(key, frame.Payload)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	return frame, plaintext
}

func TestUpgrade_RoundTripsThroughRegisteredHandler(t *testing.T) {
	handlers := map[string]Handler{
		"echo": func(ctx context.Context, s *Session, req InnerRequest) (json.RawMessage, *WireError) {
			return req.Data, nil
		},
	}
	mgr := NewManager(nil, handlers)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mgr.Upgrade(w, r, "job-1", "0xOwner")
	}))
	defer srv.Close()

	conn := dial(t, srv)
	defer conn.Close()

	sess := waitForSession(t, mgr)
	if sess.JobID != "job-1" || sess.Owner != "0xOwner" {
		t.Fatalf("unexpected session fields: %+v", sess)
	}

	sendEncrypted(t, conn, sess.key, "echo", map[string]string{"hello": "world"})

	frame, plaintext := readDecrypted(t, conn, sess.key)
	if frame.Type != TypeEncryptedResponse {
		t.Fatalf("expected encrypted_response frame, got %s", frame.Type)
	}
	var body map[string]string
	if err := json.Unmarshal(plaintext, &body); err != nil {
		t.Fatalf("unmarshal body: %v", err)
	}
	if body["hello"] != "world" {
		t.Fatalf("expected echoed body, got %v", body)
	}
}

func TestHandleFrame_UnknownActionReturnsWireError(t *testing.T) {
	mgr := NewManager(nil, map[string]Handler{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mgr.Upgrade(w, r, "", "")
	}))
	defer srv.Close()

	conn := dial(t, srv)
	defer conn.Close()

	sess := waitForSession(t, mgr)
	sendEncrypted(t, conn, sess.key, "does_not_exist", map[string]string{})

	_, plaintext := readDecrypted(t, conn, sess.key)
	var wireErr WireError
	if err := json.Unmarshal(plaintext, &wireErr); err != nil {
		t.Fatalf("unmarshal wire error: %v", err)
	}
	if wireErr.Code == "" {
		t.Fatal("expected a populated wire error code")
	}
}

func TestHandleFrame_RateLimitEnforced(t *testing.T) {
	store := ledger.NewStore(newMemKV())
	rl := NewRateLimiter(store, time.Minute, 1)
	handlers := map[string]Handler{
		"noop": func(ctx context.Context, s *Session, req InnerRequest) (json.RawMessage, *WireError) {
			return json.RawMessage(`{}`), nil
		},
	}
	mgr := NewManager(rl, handlers)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mgr.Upgrade(w, r, "", "")
	}))
	defer srv.Close()

	conn := dial(t, srv)
	defer conn.Close()

	sess := waitForSession(t, mgr)

	sendEncrypted(t, conn, sess.key, "noop", map[string]string{})
	readDecrypted(t, conn, sess.key) // first call succeeds

	sendEncrypted(t, conn, sess.key, "noop", map[string]string{})
	_, plaintext := readDecrypted(t, conn, sess.key)
	var wireErr WireError
	if err := json.Unmarshal(plaintext, &wireErr); err != nil {
		t.Fatalf("unmarshal wire error: %v", err)
	}
	if wireErr.Code == "" {
		t.Fatal("expected rate-limit wire error")
	}
}

func TestClose_ZeroesKeyAndClearsVectors(t *testing.T) {
	mgr := NewManager(nil, map[string]Handler{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mgr.Upgrade(w, r, "", "")
	}))
	defer srv.Close()

	conn := dial(t, srv)
	sess := waitForSession(t, mgr)
	sess.Vectors().Add("v1", make([]float32, 384), nil)

	conn.Close() // triggers a read error on the server side, closing the session

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		sess.mu.Lock()
		closed := sess.closed
		sess.mu.Unlock()
		if closed {
			break
		}
		time.Sleep(time.Millisecond)
	}

	var zero [aead.KeySize]byte
	if sess.key != zero {
		t.Fatal("expected session key to be zeroed on close")
	}
	if sess.vectors.Count() != 0 {
		t.Fatal("expected vector store cleared on close")
	}
}
