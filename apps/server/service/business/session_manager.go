package business

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pitabwire/frame/telemetry"
	"github.com/pitabwire/util"
)

const (
	errorChannelBufferSize = 2

	staleCheckInterval    = 30 * time.Second
	metricsReportInterval = 10 * time.Second

	shutdownTimeout = 30 * time.Second
)

// Client operation names. These are the values of the "type" field clients
// put on requests.
const (
	OpSubscribeToGroup = "subscribeToGroup"
)

//nolint:gochecknoglobals // OpenTelemetry metrics must be global for instrumentation
var (
	sessionsActiveGauge = telemetry.DimensionlessMeasure(
		"",
		"session.connections.active",
		"Current number of active sessions",
	)
	sessionsTotalCounter = telemetry.DimensionlessMeasure(
		"",
		"session.connections.total",
		"Total session attempts",
	)
	sessionsFailedCounter = telemetry.DimensionlessMeasure(
		"",
		"session.connections.failed",
		"Failed session attempts",
	)
	sessionsDisconnectedCounter = telemetry.DimensionlessMeasure(
		"",
		"session.connections.disconnected",
		"Total disconnections",
	)
	sessionsCleanedCounter = telemetry.DimensionlessMeasure(
		"",
		"session.connections.cleaned",
		"Stale sessions cleaned",
	)
)

// SessionManager owns the lifecycle of every client session: authentication
// at connect time, registration, the inbound/outbound message pumps, and
// cleanup on disconnect.
//
// Concurrency Model:
// - Each session spawns 2 goroutines: inbound and outbound pumps
// - Error propagation via a buffered channel per session
// - Graceful shutdown via closing shutdownCh
// - Background tasks coordinate via WaitGroup
//
// Background Tasks (started in NewSessionManager):
// - Stale cleanup: removes sessions with no activity past the stale threshold
// - Metrics reporting: logs session statistics every 10 seconds.
type SessionManager struct {
	registry      *SessionRegistry
	gate          *AuthenticationGate
	subscriptions *SubscriptionManager

	// Unique ID for this server instance (format: "server-<nano-timestamp>")
	serverID string

	staleAfterSec int

	shutdownCh   chan struct{}
	shutdownOnce sync.Once
	wg           sync.WaitGroup

	// Metrics tracking (atomic access for lock-free reads)
	activeSessions       int32
	totalSessions        uint64
	failedSessions       uint64
	disconnectedSessions uint64
}

// NewSessionManager creates a session manager and starts its background
// maintenance tasks. Callers must eventually call Shutdown.
func NewSessionManager(
	ctx context.Context,
	registry *SessionRegistry,
	gate *AuthenticationGate,
	subscriptions *SubscriptionManager,
	staleAfterSec int,
) *SessionManager {
	sm := &SessionManager{
		registry:      registry,
		gate:          gate,
		subscriptions: subscriptions,

		serverID: fmt.Sprintf("server-%d", time.Now().UnixNano()),

		staleAfterSec: staleAfterSec,

		shutdownCh: make(chan struct{}),
	}

	sm.wg.Add(1)
	go sm.cleanupStaleSessions(ctx)

	sm.wg.Add(1)
	go sm.reportMetrics(ctx)

	return sm
}

// ServerID returns the unique id of this server instance.
func (sm *SessionManager) ServerID() string {
	return sm.serverID
}

// ActiveSessions returns the current number of live sessions.
func (sm *SessionManager) ActiveSessions() int32 {
	return atomic.LoadInt32(&sm.activeSessions)
}

// HandleSession manages one client session end to end: authenticate, register,
// pump messages in both directions, deregister. It blocks until the session
// ends through client disconnect, context cancellation, a stream error, stale
// eviction or server shutdown. Every teardown path closes the stream, which
// unblocks the inbound pump's pending Receive.
//
// Authentication failure does not end the session; it proceeds anonymously.
//
// Thread Safety:
// Safe to call concurrently. Each session is independent with its own
// goroutines and channels.
func (sm *SessionManager) HandleSession(
	ctx context.Context,
	connectionID string,
	authHeader string,
	stream SessionStream,
) error {
	// Check shutdown state - non-blocking select
	select {
	case <-sm.shutdownCh:
		return ErrShuttingDown
	default:
	}

	atomic.AddUint64(&sm.totalSessions, 1)
	atomic.AddInt32(&sm.activeSessions, 1)
	defer atomic.AddInt32(&sm.activeSessions, -1)

	sessionsTotalCounter.Add(ctx, 1)
	sessionsActiveGauge.Add(ctx, 1)
	defer sessionsActiveGauge.Add(ctx, -1)

	account := sm.gate.Authenticate(ctx, authHeader)

	sess := NewSession(connectionID, account)
	if err := sm.registry.Register(sess); err != nil {
		atomic.AddUint64(&sm.failedSessions, 1)
		sessionsFailedCounter.Add(ctx, 1)
		// Connection ids are server generated, so a duplicate means an id
		// was reused while its session is still live.
		util.Log(ctx).WithError(err).
			WithField("connection_id", connectionID).
			Error("Session registration failed")
		return err
	}

	util.Log(ctx).WithFields(map[string]any{
		"connection_id": connectionID,
		"identity":      sess.IdentityKey(),
		"server_id":     sm.serverID,
		"registry_size": sm.registry.Len(),
	}).Debug("Client connected")

	defer func() {
		sm.registry.Deregister(connectionID)

		atomic.AddUint64(&sm.disconnectedSessions, 1)
		sessionsDisconnectedCounter.Add(ctx, 1)

		util.Log(ctx).WithFields(map[string]any{
			"connection_id": connectionID,
			"identity":      sess.IdentityKey(),
			"duration":      time.Since(sess.ConnectedAt()).String(),
		}).Debug("Client disconnected")
	}()

	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errChan := make(chan error, errorChannelBufferSize)
	doneCh := make(chan struct{})
	var workerWg sync.WaitGroup

	// Inbound pump (client -> server)
	workerWg.Add(1)
	go func() {
		defer workerWg.Done()
		if err := sm.pumpInbound(sessCtx, sess, stream, errChan, doneCh); err != nil {
			util.Log(sessCtx).WithError(err).Debug("Inbound pump ended")
		}
	}()

	// Outbound pump (server -> client)
	workerWg.Add(1)
	go func() {
		defer workerWg.Done()
		if err := sm.pumpOutbound(sessCtx, sess, stream, errChan, doneCh); err != nil {
			util.Log(sessCtx).WithError(err).Debug("Outbound pump ended")
		}
	}()

	// Wait for error, cancellation, stale eviction or shutdown.
	// Closing the stream unblocks a Receive that cannot otherwise observe
	// cancellation.
	teardown := func() {
		cancel()
		_ = stream.Close()
		close(doneCh)
		workerWg.Wait()
	}

	select {
	case err := <-errChan:
		teardown()
		return err
	case <-ctx.Done():
		teardown()
		return ctx.Err()
	case <-sess.Evicted():
		teardown()
		return ErrSessionStale
	case <-sm.shutdownCh:
		teardown()
		return ErrShuttingDown
	}
}

// pumpInbound reads client requests from the stream until the session ends.
// Stream errors are fatal to the session; processing errors are logged and
// the pump continues.
func (sm *SessionManager) pumpInbound(
	ctx context.Context,
	sess *Session,
	stream SessionStream,
	errChan chan error,
	doneCh chan struct{},
) error {
	for {
		select {
		case <-doneCh:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		req, err := stream.Receive()
		if err != nil {
			select {
			case errChan <- err:
			default:
			}
			return err
		}

		sess.Touch()

		if err = sm.handleClientRequest(ctx, sess, req); err != nil {
			// Don't break the session on processing errors, just log
			util.Log(ctx).WithError(err).
				WithField("request_type", req.Type).
				Warn("Client request processing error")
		}
	}
}

// pumpOutbound drains the session's dispatch queue onto the stream.
// Send errors are fatal to the session.
func (sm *SessionManager) pumpOutbound(
	ctx context.Context,
	sess *Session,
	stream SessionStream,
	errChan chan error,
	doneCh chan struct{},
) error {
	for {
		select {
		case <-doneCh:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		default:
			env := sess.ConsumeDispatch(ctx)
			if env == nil {
				continue
			}

			if err := stream.Send(env); err != nil {
				select {
				case errChan <- err:
				default:
				}
				return err
			}

			// A delivered push proves the socket is alive, so
			// listen-only clients are not reaped as stale.
			sess.Touch()
		}
	}
}

// handleClientRequest dispatches one named client operation.
func (sm *SessionManager) handleClientRequest(ctx context.Context, sess *Session, req *ClientRequest) error {
	switch req.Type {
	case OpSubscribeToGroup:
		return sm.handleSubscribeToGroup(ctx, sess, req.Body)
	default:
		return fmt.Errorf("unknown request type %q", req.Type)
	}
}

// handleSubscribeToGroup processes a subscribeToGroup request and pushes the
// acknowledgment back to the requesting session. The acknowledgment reports
// only success or failure; failure detail stays in the server logs.
func (sm *SessionManager) handleSubscribeToGroup(ctx context.Context, sess *Session, body json.RawMessage) error {
	var req SubscribeToGroupRequest
	if err := json.Unmarshal(body, &req); err != nil {
		sess.Dispatch(WrapMessage(SubscribeToGroupResponse{Success: false}))
		return fmt.Errorf("decoding subscribeToGroup body: %w", err)
	}

	err := sm.subscriptions.Subscribe(ctx, sess.ConnectionID(), req.GroupID)
	sess.Dispatch(WrapMessage(SubscribeToGroupResponse{Success: err == nil}))
	if err != nil {
		return fmt.Errorf("subscribing to group %d: %w", req.GroupID, err)
	}
	return nil
}

// cleanupStaleSessions periodically removes sessions with no recent activity.
// Covers clients that vanished without a proper disconnect.
func (sm *SessionManager) cleanupStaleSessions(ctx context.Context) {
	defer sm.wg.Done()

	ticker := time.NewTicker(staleCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-sm.shutdownCh:
			return
		case <-ticker.C:
			sm.performCleanup(ctx)
		}
	}
}

// performCleanup checks and removes stale sessions.
// Called by cleanupStaleSessions background task.
func (sm *SessionManager) performCleanup(ctx context.Context) {
	now := time.Now().Unix()
	staleThreshold := int64(sm.staleAfterSec)

	staleCount := 0
	for _, sess := range sm.registry.Snapshot() {
		age := now - sess.LastActive()
		if age <= staleThreshold {
			continue
		}

		util.Log(ctx).WithFields(map[string]any{
			"connection_id": sess.ConnectionID(),
			"identity":      sess.IdentityKey(),
			"age_seconds":   age,
		}).Warn("Removing stale session")

		sm.registry.Deregister(sess.ConnectionID())
		// Tear the connection down too; a deregistered session would
		// otherwise keep its socket open while receiving nothing.
		sess.Evict()
		staleCount++
	}

	if staleCount > 0 {
		sessionsCleanedCounter.Add(ctx, int64(staleCount))

		util.Log(ctx).WithFields(map[string]any{
			"count":     staleCount,
			"server_id": sm.serverID,
		}).Info("Cleaned stale sessions")
	}
}

// reportMetrics periodically logs session statistics.
func (sm *SessionManager) reportMetrics(ctx context.Context) {
	defer sm.wg.Done()

	ticker := time.NewTicker(metricsReportInterval)
	defer ticker.Stop()

	for {
		select {
		case <-sm.shutdownCh:
			return
		case <-ticker.C:
			util.Log(ctx).WithFields(map[string]any{
				"metric_type":           "session_stats",
				"server_id":             sm.serverID,
				"sessions_active":       atomic.LoadInt32(&sm.activeSessions),
				"sessions_total":        atomic.LoadUint64(&sm.totalSessions),
				"sessions_failed":       atomic.LoadUint64(&sm.failedSessions),
				"sessions_disconnected": atomic.LoadUint64(&sm.disconnectedSessions),
				"registry_size":         sm.registry.Len(),
			}).Debug("Session metrics")
		}
	}
}

// Shutdown signals all sessions and background tasks to stop and waits for
// background tasks to finish, bounded by a timeout. Active sessions unwind
// through their HandleSession select on shutdownCh.
func (sm *SessionManager) Shutdown(ctx context.Context) {
	sm.shutdownOnce.Do(func() {
		util.Log(ctx).WithField("server_id", sm.serverID).Info("Session manager shutting down")

		close(sm.shutdownCh)

		done := make(chan struct{})
		go func() {
			sm.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			util.Log(ctx).Debug("Session manager background tasks stopped")
		case <-time.After(shutdownTimeout):
			util.Log(ctx).Warn("Session manager shutdown timed out waiting for background tasks")
		}
	})
}
