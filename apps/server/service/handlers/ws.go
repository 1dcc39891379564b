// Package handlers exposes the realtime session endpoint over HTTP.
package handlers

import (
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pitabwire/frame"

	"github.com/rvbiljouw/awsum-backend/apps/server/service/business"
	"github.com/rvbiljouw/awsum-backend/internal"
)

//nolint:gochecknoglobals // shared upgrader, safe for concurrent use
var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Clients connect from arbitrary web origins.
	CheckOrigin: func(_ *http.Request) bool { return true },
}

// SessionServer handles WebSocket session connections.
type SessionServer struct {
	svc          *frame.Service
	manager      *business.SessionManager
	writeTimeout time.Duration
}

// NewSessionServer creates a new session server instance.
func NewSessionServer(
	service *frame.Service,
	manager *business.SessionManager,
	writeTimeout time.Duration,
) *SessionServer {
	return &SessionServer{
		svc:          service,
		manager:      manager,
		writeTimeout: writeTimeout,
	}
}

// Connect upgrades the request to a WebSocket and runs the session until the
// client disconnects. The bearer credential, when present, rides in on the
// Authorization header of the upgrade request.
func (ss *SessionServer) Connect(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	authHeader := r.Header.Get(internal.HeaderAuthorization)

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response.
		ss.svc.Log(ctx).WithError(err).Warn("WebSocket upgrade failed")
		return
	}
	defer func() { _ = conn.Close() }()

	connectionID := uuid.NewString()

	ss.svc.Log(ctx).WithField("connection_id", connectionID).Info("New session connection request")

	err = ss.manager.HandleSession(ctx, connectionID, authHeader, newSocketStream(conn, ss.writeTimeout))
	if err != nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		ss.svc.Log(ctx).WithError(err).
			WithField("connection_id", connectionID).
			Debug("Session ended with error")
	}
}

// socketStream adapts a gorilla WebSocket connection to business.SessionStream.
// Gorilla permits one concurrent writer, so Send serializes on a mutex.
type socketStream struct {
	conn         *websocket.Conn
	writeMu      sync.Mutex
	writeTimeout time.Duration
}

func newSocketStream(conn *websocket.Conn, writeTimeout time.Duration) *socketStream {
	return &socketStream{
		conn:         conn,
		writeTimeout: writeTimeout,
	}
}

// Receive blocks until the client sends a request frame.
func (s *socketStream) Receive() (*business.ClientRequest, error) {
	var req business.ClientRequest
	if err := s.conn.ReadJSON(&req); err != nil {
		return nil, err
	}
	return &req, nil
}

// Close tears the connection down, unblocking a pending Receive.
func (s *socketStream) Close() error {
	return s.conn.Close()
}

// Send pushes one envelope to the client, bounded by the write timeout.
func (s *socketStream) Send(env *business.Envelope) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout)); err != nil {
		return err
	}
	return s.conn.WriteJSON(env)
}
