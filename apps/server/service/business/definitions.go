package business

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rvbiljouw/awsum-backend/apps/server/service/models"
)

const (
	// dispatchChannelSize bounds the per-session push queue. A full queue
	// means a slow consumer; further envelopes are dropped (best-effort,
	// at-most-once delivery).
	dispatchChannelSize = 32
)

// Pre-allocated error types for fast equality checks.
// These are sentinel errors that can be checked with errors.Is().
var (
	ErrDuplicateSession = errors.New("session already registered for connection id")
	ErrRegistryFull     = errors.New("session registry full")
	ErrSessionNotFound  = errors.New("session not found")
	ErrGroupNotFound    = errors.New("group not found")
	ErrDispatchFull     = errors.New("session dispatch queue full")
	ErrSessionStale     = errors.New("session reaped as stale")
	ErrShuttingDown     = errors.New("session manager is shutting down")
)

// GroupStore resolves listening groups owned by the account management layer.
type GroupStore interface {
	GetByID(ctx context.Context, id int64) (*models.UserGroup, error)
}

// TokenStore resolves bearer credentials to token records.
type TokenStore interface {
	GetByToken(ctx context.Context, token string) (*models.AuthToken, error)
}

// SessionStream abstracts the duplex transport for one client connection.
// Close must unblock a pending Receive; server-side teardown depends on it
// because Receive itself is not context-aware.
type SessionStream interface {
	Receive() (*ClientRequest, error)
	Send(*Envelope) error
	Close() error
}

// ClientRequest is a named operation sent by a connected client.
type ClientRequest struct {
	Type string          `json:"type"`
	Body json.RawMessage `json:"body"`
}

// SubscribeToGroupRequest is the payload of the subscribeToGroup operation.
type SubscribeToGroupRequest struct {
	GroupID int64 `json:"groupId"`
}

// SubscribeToGroupResponse acknowledges a subscribeToGroup operation.
type SubscribeToGroupResponse struct {
	Success bool `json:"success"`
}

// Session is the in-memory record of one live duplex connection: its
// transport-assigned connection id, its authenticated account (nil when the
// connection is anonymous) and its current group tag.
//
// The account is immutable after creation. The group tag is mutable and read
// concurrently by broadcasts, so it is held in an atomic; zero means no group.
type Session struct {
	connectionID string
	account      *models.UserAccount

	groupID     atomic.Int64
	lastActive  atomic.Int64 // Unix timestamp
	connectedAt time.Time

	dispatchCh chan *Envelope

	evictCh   chan struct{}
	evictOnce sync.Once
}

// NewSession creates a session for a freshly established connection.
func NewSession(connectionID string, account *models.UserAccount) *Session {
	s := &Session{
		connectionID: connectionID,
		account:      account,
		connectedAt:  time.Now(),
		dispatchCh:   make(chan *Envelope, dispatchChannelSize),
		evictCh:      make(chan struct{}),
	}
	s.lastActive.Store(time.Now().Unix())
	return s
}

// ConnectionID returns the transport-assigned connection id.
func (s *Session) ConnectionID() string {
	return s.connectionID
}

// Account returns the authenticated account, or nil for anonymous sessions.
func (s *Session) Account() *models.UserAccount {
	return s.account
}

// Anonymous reports whether the session carries no authenticated identity.
func (s *Session) Anonymous() bool {
	return s.account == nil
}

// ConnectedAt returns when the session was established.
func (s *Session) ConnectedAt() time.Time {
	return s.connectedAt
}

// GroupID returns the current group tag and whether one is set.
func (s *Session) GroupID() (int64, bool) {
	id := s.groupID.Load()
	return id, id != 0
}

// SetGroup tags the session with a group. Last write wins; a session belongs
// to at most one group at a time.
func (s *Session) SetGroup(groupID int64) {
	s.groupID.Store(groupID)
}

// IdentityKey returns the stable external representation used to address
// pushes. Authenticated sessions are addressed by account id so a future
// multi-device model can map one identity to several connections; anonymous
// sessions fall back to their connection id.
func (s *Session) IdentityKey() string {
	if s.account == nil {
		return "anon:" + s.connectionID
	}
	return strconv.FormatInt(s.account.ID, 10)
}

// Touch records activity on the session.
func (s *Session) Touch() {
	s.lastActive.Store(time.Now().Unix())
}

// LastActive returns the Unix timestamp of the last observed activity.
func (s *Session) LastActive() int64 {
	return s.lastActive.Load()
}

// Evict marks the session for forced teardown. The lifecycle owner observes
// Evicted and closes the underlying connection, so a reaped client sees a
// dropped socket and can reconnect. Safe to call more than once.
func (s *Session) Evict() {
	s.evictOnce.Do(func() { close(s.evictCh) })
}

// Evicted is closed once the session has been marked for forced teardown.
func (s *Session) Evicted() <-chan struct{} {
	return s.evictCh
}

// Dispatch queues an envelope for delivery to this session's client.
// Returns false if the queue is full; the caller decides whether to drop.
func (s *Session) Dispatch(env *Envelope) bool {
	select {
	case s.dispatchCh <- env:
		return true
	default:
		return false
	}
}

// ConsumeDispatch blocks until an envelope is queued or the context ends.
// Returns nil when the context is done.
func (s *Session) ConsumeDispatch(ctx context.Context) *Envelope {
	select {
	case <-ctx.Done():
		return nil
	case env := <-s.dispatchCh:
		return env
	}
}
