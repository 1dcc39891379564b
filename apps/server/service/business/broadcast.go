package business

import (
	"context"
	"reflect"

	"github.com/pitabwire/frame/telemetry"
	"github.com/pitabwire/util"
)

//nolint:gochecknoglobals // OpenTelemetry metrics must be global for instrumentation
var (
	broadcastsSentCounter = telemetry.DimensionlessMeasure(
		"",
		"session.broadcasts.sent",
		"Envelopes delivered to session dispatch queues",
	)
	broadcastsDroppedCounter = telemetry.DimensionlessMeasure(
		"",
		"session.broadcasts.dropped",
		"Envelopes dropped because a session dispatch queue was full",
	)
)

// Envelope is the unit of delivery pushed to clients. Every push carries a
// type discriminator so clients can route the body without inspecting it.
type Envelope struct {
	Type string `json:"type"`
	Body any    `json:"body"`
}

// WrapMessage wraps a payload in an Envelope, deriving the type discriminator
// from the payload's Go type name when none is given explicitly. Pointers are
// dereferenced first so *TrackChanged and TrackChanged wrap the same way.
func WrapMessage(body any) *Envelope {
	return &Envelope{Type: typeNameOf(body), Body: body}
}

func typeNameOf(body any) string {
	if body == nil {
		return "Message"
	}
	t := reflect.TypeOf(body)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if name := t.Name(); name != "" {
		return name
	}
	return t.Kind().String()
}

// BroadcastDispatcher fans envelopes out to registered sessions. Delivery is
// best-effort: a session with a full dispatch queue is skipped, never blocked
// on, so one slow consumer cannot stall a group broadcast.
type BroadcastDispatcher struct {
	registry *SessionRegistry
}

// NewBroadcastDispatcher creates a dispatcher over the given registry.
func NewBroadcastDispatcher(registry *SessionRegistry) *BroadcastDispatcher {
	return &BroadcastDispatcher{registry: registry}
}

// SendToSession queues an envelope for a single session identified by
// connection id. Returns ErrSessionNotFound if no such session is registered
// and ErrDispatchFull if the session's queue is full.
func (bd *BroadcastDispatcher) SendToSession(ctx context.Context, connectionID string, env *Envelope) error {
	sess, ok := bd.registry.Lookup(connectionID)
	if !ok {
		return ErrSessionNotFound
	}

	if !sess.Dispatch(env) {
		broadcastsDroppedCounter.Add(ctx, 1)
		util.Log(ctx).WithFields(map[string]any{
			"connection_id": connectionID,
			"identity":      sess.IdentityKey(),
			"message_type":  env.Type,
		}).Warn("dropping envelope, session dispatch queue full")
		return ErrDispatchFull
	}

	broadcastsSentCounter.Add(ctx, 1)
	return nil
}

// SendToGroup queues an envelope for every session currently tagged with the
// group. Per-recipient failures are isolated: a full queue on one session does
// not affect delivery to the others. Returns the number of sessions reached.
func (bd *BroadcastDispatcher) SendToGroup(ctx context.Context, groupID int64, env *Envelope) int {
	reached := 0
	dropped := 0

	for _, sess := range bd.registry.Snapshot() {
		id, ok := sess.GroupID()
		if !ok || id != groupID {
			continue
		}

		if sess.Dispatch(env) {
			reached++
		} else {
			dropped++
			util.Log(ctx).WithFields(map[string]any{
				"connection_id": sess.ConnectionID(),
				"identity":      sess.IdentityKey(),
				"group_id":      groupID,
				"message_type":  env.Type,
			}).Warn("dropping group envelope, session dispatch queue full")
		}
	}

	if reached > 0 {
		broadcastsSentCounter.Add(ctx, int64(reached))
	}
	if dropped > 0 {
		broadcastsDroppedCounter.Add(ctx, int64(dropped))
	}

	return reached
}
