// Package queues bridges the external message bus into the live session layer.
package queues

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/pitabwire/frame/telemetry"
	"github.com/pitabwire/util"
	amqp "github.com/rabbitmq/amqp091-go"
	"gocloud.dev/pubsub"
	"gocloud.dev/pubsub/rabbitpubsub"

	// Registers the mem:// scheme used in development and tests.
	_ "gocloud.dev/pubsub/mempubsub"

	"github.com/rvbiljouw/awsum-backend/apps/server/config"
	"github.com/rvbiljouw/awsum-backend/apps/server/service/business"
	"github.com/rvbiljouw/awsum-backend/internal/health"
	"github.com/rvbiljouw/awsum-backend/internal/resilience"
)

//nolint:gochecknoglobals // OpenTelemetry metrics must be global for instrumentation
var (
	busMessagesReceivedCounter = telemetry.DimensionlessMeasure(
		"",
		"bus.messages.received",
		"Messages consumed from the inbound bus",
	)
	busMessagesDiscardedCounter = telemetry.DimensionlessMeasure(
		"",
		"bus.messages.discarded",
		"Inbound bus messages discarded as undecodable or unroutable",
	)
)

// BusEnvelope is the wire format of messages arriving on the inbound bus.
// GroupID selects the broadcast audience; Type and Body pass through to the
// sessions unchanged.
type BusEnvelope struct {
	Type    string `json:"type"`
	GroupID int64  `json:"groupId"`
	Body    any    `json:"body"`
}

// GroupBroadcaster is the slice of the dispatcher the bridge needs.
type GroupBroadcaster interface {
	SendToGroup(ctx context.Context, groupID int64, env *business.Envelope) int
}

// busMessage and busSubscription narrow the Go CDK pubsub types so tests can
// script message flows without a live broker.
type busMessage interface {
	Data() []byte
	Ack()
}

type busSubscription interface {
	Receive(ctx context.Context) (busMessage, error)
	Shutdown(ctx context.Context) error
}

type cdkMessage struct {
	msg *pubsub.Message
}

func (m cdkMessage) Data() []byte { return m.msg.Body }
func (m cdkMessage) Ack()         { m.msg.Ack() }

type cdkSubscription struct {
	sub *pubsub.Subscription
}

func (s cdkSubscription) Receive(ctx context.Context) (busMessage, error) {
	msg, err := s.sub.Receive(ctx)
	if err != nil {
		return nil, err
	}
	return cdkMessage{msg: msg}, nil
}

func (s cdkSubscription) Shutdown(ctx context.Context) error {
	return s.sub.Shutdown(ctx)
}

// openFunc establishes a bus subscription. The returned cleanup releases any
// resources beyond the subscription itself, such as the AMQP connection.
type openFunc func(ctx context.Context) (busSubscription, func(), error)

// InboundBridge consumes broadcast instructions from an external bus and fans
// them out to the matching group. Its consume loop runs under a supervisor
// with bounded exponential backoff, and its state is exposed as a readiness
// check so an exhausted bridge is visible to operators instead of silently
// absent.
type InboundBridge struct {
	uri        string
	dispatcher GroupBroadcaster

	task *resilience.SupervisedTask
	open openFunc

	startOnce sync.Once
	wg        sync.WaitGroup
}

// NewInboundBridge creates a bridge from the service configuration.
func NewInboundBridge(cfg *config.ServerConfig, dispatcher GroupBroadcaster) *InboundBridge {
	settings := resilience.TaskSettings{
		Name:           "inbound_bridge",
		MaxRetries:     cfg.BusMaxRetries,
		InitialBackoff: cfg.RetryBackoff(),
		MaxBackoff:     cfg.RetryBackoffMax(),
		OnStateChange: func(name string, from, to resilience.TaskState) {
			util.Log(context.Background()).WithFields(map[string]any{
				"task": name,
				"from": from.String(),
				"to":   to.String(),
			}).Info("Inbound bridge state change")
		},
	}

	ib := &InboundBridge{
		uri:        cfg.BusURI,
		dispatcher: dispatcher,
		task:       resilience.NewSupervisedTask(settings),
	}
	ib.open = func(ctx context.Context) (busSubscription, func(), error) {
		return openSubscription(ctx, cfg)
	}
	return ib
}

// Start launches the supervised consume loop. Subsequent calls are no-ops.
// The loop stops when ctx is cancelled or the retry budget is exhausted.
func (ib *InboundBridge) Start(ctx context.Context) {
	ib.startOnce.Do(func() {
		ib.wg.Add(1)
		go func() {
			defer ib.wg.Done()
			if err := ib.task.Run(ctx, ib.run); err != nil && ctx.Err() == nil {
				util.Log(ctx).WithError(err).Error("Inbound bridge stopped permanently")
			}
		}()
	})
}

// Wait blocks until the consume loop has fully stopped.
func (ib *InboundBridge) Wait() {
	ib.wg.Wait()
}

// State returns the current supervisor state of the bridge.
func (ib *InboundBridge) State() resilience.TaskState {
	return ib.task.State()
}

// run is one supervised attempt: open the subscription, then consume until
// the context ends or the subscription fails.
func (ib *InboundBridge) run(ctx context.Context, started func()) error {
	sub, cleanup, err := ib.open(ctx)
	if err != nil {
		return fmt.Errorf("opening bus subscription %s: %w", ib.uri, err)
	}
	defer cleanup()
	defer func() {
		shutdownCtx, cancel := context.WithCancel(context.Background())
		defer cancel()
		_ = sub.Shutdown(shutdownCtx)
	}()

	started()
	util.Log(ctx).WithField("bus_uri", ib.uri).Info("Inbound bridge consuming")

	for {
		msg, err := sub.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("receiving from bus: %w", err)
		}

		ib.handleMessage(ctx, msg.Data())

		// Broadcast is fire-and-forget, so the message is acknowledged
		// whether or not anyone was listening.
		msg.Ack()
	}
}

// handleMessage decodes one bus payload and fans it out. Undecodable and
// unroutable payloads are discarded; a bad producer must not take the
// consume loop down.
func (ib *InboundBridge) handleMessage(ctx context.Context, payload []byte) {
	busMessagesReceivedCounter.Add(ctx, 1)

	var env BusEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		busMessagesDiscardedCounter.Add(ctx, 1)
		util.Log(ctx).WithError(err).Warn("Discarding undecodable bus message")
		return
	}

	if env.GroupID == 0 {
		busMessagesDiscardedCounter.Add(ctx, 1)
		util.Log(ctx).WithField("message_type", env.Type).
			Debug("Discarding bus message without group id")
		return
	}

	messageType := env.Type
	if messageType == "" {
		messageType = "Message"
	}

	reached := ib.dispatcher.SendToGroup(ctx, env.GroupID, &business.Envelope{
		Type: messageType,
		Body: env.Body,
	})

	util.Log(ctx).WithFields(map[string]any{
		"group_id":     env.GroupID,
		"message_type": messageType,
		"reached":      reached,
	}).Debug("Bus message fanned out")
}

// Name implements health.Checker.
func (ib *InboundBridge) Name() string {
	return "inbound_bridge"
}

// Check implements health.Checker. A running bridge is healthy, one that is
// connecting or not yet started is degraded, and an exhausted one is
// unhealthy.
func (ib *InboundBridge) Check(_ context.Context) health.CheckResult {
	switch ib.task.State() {
	case resilience.TaskStateRunning:
		return health.CheckResult{Status: health.StatusHealthy}
	case resilience.TaskStateFailed:
		result := health.CheckResult{Status: health.StatusUnhealthy}
		if err := ib.task.LastError(); err != nil {
			result.Error = err.Error()
		}
		return result
	default:
		return health.CheckResult{Status: health.StatusDegraded, Error: "not consuming"}
	}
}

// openSubscription connects to the configured bus.
//
// For amqp:// URIs the broadcast topology is declared explicitly: a durable
// fanout exchange, a broker-named exclusive queue per server instance, and a
// binding between them. Fanout means every server instance sees every
// message, which is what group broadcast across instances requires.
//
// Any other URI is handed to the Go CDK resolver, which covers the mem://
// scheme used in development.
func openSubscription(ctx context.Context, cfg *config.ServerConfig) (busSubscription, func(), error) {
	if !strings.HasPrefix(cfg.BusURI, "amqp://") && !strings.HasPrefix(cfg.BusURI, "amqps://") {
		cleanup := func() {}
		if strings.HasPrefix(cfg.BusURI, "mem://") {
			// The in-memory driver only subscribes to topics that already
			// exist in this process, so anchor one for the lifetime of the
			// subscription.
			topic, err := pubsub.OpenTopic(ctx, cfg.BusURI)
			if err != nil {
				return nil, nil, err
			}
			cleanup = func() { _ = topic.Shutdown(context.Background()) }
		}

		sub, err := pubsub.OpenSubscription(ctx, cfg.BusURI)
		if err != nil {
			cleanup()
			return nil, nil, err
		}
		return cdkSubscription{sub: sub}, cleanup, nil
	}

	conn, err := amqp.Dial(cfg.BusURI)
	if err != nil {
		return nil, nil, fmt.Errorf("dialling broker: %w", err)
	}
	cleanup := func() { _ = conn.Close() }

	ch, err := conn.Channel()
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("opening channel: %w", err)
	}
	defer func() { _ = ch.Close() }()

	err = ch.ExchangeDeclare(cfg.BusExchangeName, "fanout", true, false, false, false, nil)
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("declaring exchange %s: %w", cfg.BusExchangeName, err)
	}

	queue, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("declaring queue: %w", err)
	}

	err = ch.QueueBind(queue.Name, cfg.BusBindingKey, cfg.BusExchangeName, false, nil)
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("binding queue %s: %w", queue.Name, err)
	}

	sub := rabbitpubsub.OpenSubscription(conn, queue.Name, nil)
	return cdkSubscription{sub: sub}, cleanup, nil
}
