// Package session implements the WebSocket session lifecycle of
// upgrade, per-session encrypted envelopes, per-message-kind
// rate limits, and cancellation-on-close. Message framing follows
// gorilla/websocket's read/write pump idiom; go.mod
// already carries gorilla/websocket as a dependency.
package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/meshcompute/host-node/pkg/aead"
	"github.com/meshcompute/host-node/pkg/errs"
	"github.com/meshcompute/host-node/pkg/vectorstore"
)

// Envelope wire types.
const (
	TypeEncryptedMessage  = "encrypted_message"
	TypeEncryptedResponse = "encrypted_response"
	TypeStreamEnd          = "stream_end"
)

// InboundFrame is the outer JSON frame received on the socket.
type InboundFrame struct {
	Type      string         `json:"type"`
	SessionID string         `json:"session_id"`
	ID        string         `json:"id,omitempty"`
	Payload   aead.Envelope  `json:"payload"`
}

// OutboundFrame is the outer JSON frame sent to the client.
type OutboundFrame struct {
	Type      string        `json:"type"`
	SessionID string        `json:"session_id"`
	ID        string        `json:"id,omitempty"`
	Payload   aead.Envelope `json:"payload"`
}

// InnerRequest is the decrypted request body.
type InnerRequest struct {
	Action string          `json:"action"`
	Data   json.RawMessage `json:"data"`
}

// WireError is the decrypted error body.
type WireError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Session holds all per-connection state. The session key exists only
// in memory for the socket's lifetime.
type Session struct {
	ID        string
	JobID     string // empty for anonymous free-tier sessions
	Owner     string
	key       [aead.KeySize]byte
	conn      *websocket.Conn
	connectedAt time.Time

	vectors *vectorstore.Store

	cumulativeTokens     int64
	lastCheckpointTokens int64

	cancel context.CancelFunc
	ctx    context.Context

	writeMu sync.Mutex
	mu      sync.Mutex
	closed  bool
}

// Handler processes one decrypted inner request and returns the
// response body to encrypt back to the client, or a WireError.
type Handler func(ctx context.Context, s *Session, req InnerRequest) (json.RawMessage, *WireError)

// Manager owns the keyed map of live sessions ("arena + IDs +
// cancellation tokens" pattern) and dispatches inbound frames to a
// registered Handler per action.
type Manager struct {
	upgrader websocket.Upgrader
	limiter  *RateLimiter
	handlers map[string]Handler

	mu       sync.RWMutex
	sessions map[string]*Session

	logger *log.Logger
}

// SetHandlers replaces the action -> Handler map. Used when the
// handler set (e.g. an orchestrator.Router) itself needs a reference
// to this Manager, making NewManager's handlers argument unavailable
// until after the Manager exists: construct with a nil map, build the
// router against the Manager pointer, then call SetHandlers once.
func (m *Manager) SetHandlers(handlers map[string]Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = handlers
}

// NewManager constructs a Manager. limiter enforces per-message-kind
// rate limits; handlers maps action names to their implementation.
func NewManager(limiter *RateLimiter, handlers map[string]Handler) *Manager {
	return &Manager{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		limiter:  limiter,
		handlers: handlers,
		sessions: make(map[string]*Session),
		logger:   log.New(log.Writer(), "[Session] ", log.LstdFlags),
	}
}

func newSessionID() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// Upgrade handles an HTTP upgrade request, creating a Session bound to
// jobID (may be empty) and owner, then runs its read pump until close.
func (m *Manager) Upgrade(w http.ResponseWriter, r *http.Request, jobID, owner string) error {
	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return fmt.Errorf("websocket upgrade failed: %w", err)
	}

	key, err := aead.GenerateKey()
	if err != nil {
		conn.Close()
		return fmt.Errorf("generate session key: %w", err)
	}

	ctx, cancel := context.WithCancel(r.Context())
	sess := &Session{
		ID:          newSessionID(),
		JobID:       jobID,
		Owner:       owner,
		key:         key,
		conn:        conn,
		connectedAt: time.Now(),
		vectors:     vectorstore.NewStore(vectorstore.DefaultMaxVectors),
		cancel:      cancel,
		ctx:         ctx,
	}

	m.mu.Lock()
	m.sessions[sess.ID] = sess
	m.mu.Unlock()

	m.runReadPump(sess)
	return nil
}

// Get returns the live session for id, if any.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Close tears a session down: fire cancellation, zero the key, drop
// the vector store, release rate-limiter state.
func (m *Manager) Close(sess *Session) {
	sess.mu.Lock()
	if sess.closed {
		sess.mu.Unlock()
		return
	}
	sess.closed = true
	sess.mu.Unlock()

	sess.cancel()
	sess.conn.Close()
	aead.Zero(&sess.key)
	sess.vectors.Clear()

	m.mu.Lock()
	delete(m.sessions, sess.ID)
	m.mu.Unlock()

	if m.limiter != nil {
		for kind := range m.handlers {
			m.limiter.Release(sess.ID + ":" + kind)
		}
	}
}

func (m *Manager) runReadPump(sess *Session) {
	defer m.Close(sess)

	for {
		_, raw, err := sess.conn.ReadMessage()
		if err != nil {
			return
		}

		var frame InboundFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			m.sendError(sess, "", &WireError{Code: errs.CodeValidationFailed, Message: "malformed frame"})
			continue
		}
		if frame.Type != TypeEncryptedMessage {
			continue
		}

		// Per-session message ordering is preserved: handled inline on
		// this goroutine, never dispatched to a worker pool.
		m.handleFrame(sess, frame)
	}
}

func (m *Manager) handleFrame(sess *Session, frame InboundFrame) {
	plaintext, err := aead.Open(sess.key, frame.Payload)
	if err != nil {
		m.sendError(sess, frame.ID, &WireError{Code: errs.CodeEncryptionFailed, Message: "decryption failed"})
		return
	}

	var req InnerRequest
	if err := json.Unmarshal(plaintext, &req); err != nil {
		m.sendError(sess, frame.ID, &WireError{Code: errs.CodeValidationFailed, Message: "malformed request"})
		return
	}

	handler, ok := m.handlers[req.Action]
	if !ok {
		m.sendError(sess, frame.ID, &WireError{Code: errs.CodeValidationFailed, Message: "unknown action: " + req.Action})
		return
	}

	if m.limiter != nil {
		if err := m.limiter.Allow(sess.ID + ":" + req.Action); err != nil {
			m.sendError(sess, frame.ID, &WireError{Code: errs.CodeRateLimitExceeded, Message: "rate limit exceeded"})
			return
		}
	}

	resp, wireErr := handler(sess.ctx, sess, req)
	if wireErr != nil {
		m.sendError(sess, frame.ID, wireErr)
		return
	}
	m.sendResponse(sess, frame.ID, resp)
}

func (m *Manager) sendResponse(sess *Session, id string, body json.RawMessage) {
	env, err := aead.Seal(sess.key, body, []byte("encrypted_response"))
	if err != nil {
		return
	}
	m.writeFrame(sess, OutboundFrame{Type: TypeEncryptedResponse, SessionID: sess.ID, ID: id, Payload: env})
}

func (m *Manager) sendError(sess *Session, id string, wireErr *WireError) {
	body, _ := json.Marshal(wireErr)
	env, err := aead.Seal(sess.key, body, []byte("encrypted_response"))
	if err != nil {
		return
	}
	m.writeFrame(sess, OutboundFrame{Type: TypeEncryptedResponse, SessionID: sess.ID, ID: id, Payload: env})
}

// SendStreamChunk encrypts and sends one streamed token chunk to the
// client.
func (m *Manager) SendStreamChunk(sess *Session, id string, chunk []byte) error {
	env, err := aead.Seal(sess.key, chunk, []byte("stream_chunk"))
	if err != nil {
		return fmt.Errorf("seal stream chunk: %w", err)
	}
	return m.writeFrame(sess, OutboundFrame{Type: TypeEncryptedResponse, SessionID: sess.ID, ID: id, Payload: env})
}

// SendStreamEnd sends the terminal stream_end frame.
func (m *Manager) SendStreamEnd(sess *Session, id string, finishReason string) error {
	body, _ := json.Marshal(map[string]string{"finish_reason": finishReason})
	env, err := aead.Seal(sess.key, body, []byte("stream_end"))
	if err != nil {
		return fmt.Errorf("seal stream end: %w", err)
	}
	return m.writeFrame(sess, OutboundFrame{Type: TypeStreamEnd, SessionID: sess.ID, ID: id, Payload: env})
}

func (m *Manager) writeFrame(sess *Session, frame OutboundFrame) error {
	b, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	sess.writeMu.Lock()
	defer sess.writeMu.Unlock()
	return sess.conn.WriteMessage(websocket.TextMessage, b)
}

// AddTokens records generated tokens against the session's running
// total, read by the Token Tracker.
func (s *Session) AddTokens(delta int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cumulativeTokens += delta
}

// Tokens returns (generated, last_checkpoint) for the Token Tracker.
func (s *Session) Tokens() (generated, lastCheckpoint int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cumulativeTokens, s.lastCheckpointTokens
}

// SetLastCheckpointTokens records the token count as of the most
// recent successful checkpoint submission.
func (s *Session) SetLastCheckpointTokens(tokens int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastCheckpointTokens = tokens
}

// Vectors returns the session's vector store handle.
func (s *Session) Vectors() *vectorstore.Store { return s.vectors }

// Key returns the session's AEAD key, so handlers that load
// session-encrypted resources (e.g. a stored vector database manifest)
// can decrypt them without the Session Manager needing to know about
// every resource kind.
func (s *Session) Key() [aead.KeySize]byte { return s.key }

// Context returns the session's cancellation context.
func (s *Session) Context() context.Context { return s.ctx }
