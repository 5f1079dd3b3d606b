// Package events implements the fleet messaging plane: a Pub/Sub-backed
// client that publishes Heartbeat and TelemetryEvent messages and
// subscribes to BlockCommands, per section 4.7 of the spec.
package events

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"cloud.google.com/go/pubsub"

	"github.com/secbeat/fleet/internal/fleeterr"
	"github.com/secbeat/fleet/internal/ids"
	"github.com/secbeat/fleet/internal/wire"
)

// CommandHandler is invoked for every BlockCommand received on
// secbeat.commands.block or secbeat.commands.<node_id>.
type CommandHandler func(ctx context.Context, cmd BlockCommand)

// HeartbeatHandler is invoked for every Heartbeat the orchestrator receives
// on the shared secbeat.heartbeat topic.
type HeartbeatHandler func(ctx context.Context, hb Heartbeat)

// TelemetryHandler is invoked for every TelemetryEvent the orchestrator
// receives on the shared secbeat.telemetry topic.
type TelemetryHandler func(ctx context.Context, ev TelemetryEvent)

// Stats exposes counters the management API and tests can inspect.
type Stats struct {
	Published  int64
	Dropped    int64
	Reconnects int64
}

// Client is the node's (or orchestrator's) connection to the fleet bus. It
// degrades gracefully on bus unavailability: publishes queue into a bounded
// channel and are dropped with a counter increment when the channel is full
// or no connection is currently established, per the fleeterr.BusUnavailable
// policy in section 7.
type Client struct {
	nodeID ids.NodeId

	projectID  string
	publishTO  time.Duration
	queueDepth int

	mu        sync.RWMutex
	psClient  *pubsub.Client
	connected bool

	heartbeatTopic *pubsub.Topic
	telemetryTopic *pubsub.Topic

	outbox chan outboxMsg

	published  atomic.Int64
	dropped    atomic.Int64
	reconnects atomic.Int64

	handlers   []CommandHandler
	handlersMu sync.RWMutex

	heartbeatHandlers   []HeartbeatHandler
	heartbeatHandlersMu sync.RWMutex
	telemetryHandlers   []TelemetryHandler
	telemetryHandlersMu sync.RWMutex

	// fanIn marks this client as the orchestrator's aggregate subscriber:
	// when true, connectOnce also subscribes to the shared heartbeat and
	// telemetry topics every node publishes to, instead of only the
	// command topics a mitigation node needs.
	fanIn bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type outboxMsg struct {
	topic string // "heartbeat" or "telemetry"
	body  []byte
}

// Config bundles the dial parameters for NewClient, mirroring the
// EventsConfig section of internal/config.
type Config struct {
	ProjectID         string
	NodeID            ids.NodeId
	PublishTimeout    time.Duration
	QueueDepth        int
	HeartbeatInterval time.Duration

	// FanIn subscribes this client to the shared heartbeat and telemetry
	// topics in addition to the usual block-command topics. Only the
	// orchestrator sets this; a mitigation node only ever publishes on
	// those topics and has no use for the fan-in subscription.
	FanIn bool
}

// NewClient constructs a Client and starts its background reconnect and
// outbox-drain loops. Construction never blocks on the bus being reachable:
// the first connection attempt happens asynchronously, matching the
// degraded-by-default posture required of the data plane.
func NewClient(cfg Config) *Client {
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 1000
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 5 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		nodeID:     cfg.NodeID,
		projectID:  cfg.ProjectID,
		publishTO:  cfg.PublishTimeout,
		queueDepth: cfg.QueueDepth,
		outbox:     make(chan outboxMsg, cfg.QueueDepth),
		fanIn:      cfg.FanIn,
		ctx:        ctx,
		cancel:     cancel,
	}

	c.wg.Add(2)
	go c.connectLoop()
	go c.drainLoop()

	return c
}

// Close tears down the background loops and the underlying Pub/Sub client.
func (c *Client) Close() error {
	c.cancel()
	c.wg.Wait()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.psClient != nil {
		return c.psClient.Close()
	}
	return nil
}

// Stats returns a snapshot of publish/drop/reconnect counters.
func (c *Client) Stats() Stats {
	return Stats{
		Published:  c.published.Load(),
		Dropped:    c.dropped.Load(),
		Reconnects: c.reconnects.Load(),
	}
}

// OnBlockCommand registers a handler invoked for every received
// BlockCommand. Handlers run synchronously on the subscription's receive
// goroutine; slow handlers should hand off work to their own goroutine.
func (c *Client) OnBlockCommand(h CommandHandler) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.handlers = append(c.handlers, h)
}

// OnHeartbeat registers a handler invoked for every Heartbeat received on
// the shared heartbeat topic. Only meaningful on a Client built with
// Config.FanIn set (the orchestrator).
func (c *Client) OnHeartbeat(h HeartbeatHandler) {
	c.heartbeatHandlersMu.Lock()
	defer c.heartbeatHandlersMu.Unlock()
	c.heartbeatHandlers = append(c.heartbeatHandlers, h)
}

// OnTelemetry registers a handler invoked for every TelemetryEvent received
// on the shared telemetry topic. Only meaningful on a Client built with
// Config.FanIn set (the orchestrator).
func (c *Client) OnTelemetry(h TelemetryHandler) {
	c.telemetryHandlersMu.Lock()
	defer c.telemetryHandlersMu.Unlock()
	c.telemetryHandlers = append(c.telemetryHandlers, h)
}

// PublishHeartbeat enqueues a Heartbeat for delivery on the shared
// secbeat.heartbeat topic; the NodeId field in the payload identifies the
// sender. Non-blocking: a full outbox drops the message and increments the
// drop counter.
func (c *Client) PublishHeartbeat(hb Heartbeat) {
	c.enqueue("heartbeat", wire.KindHeartbeat, hb)
}

// PublishTelemetry enqueues a TelemetryEvent for delivery on the shared
// secbeat.telemetry topic.
func (c *Client) PublishTelemetry(ev TelemetryEvent) {
	c.enqueue("telemetry", wire.KindTelemetry, ev)
}

// PublishBlockCommand enqueues a BlockCommand for delivery on
// secbeat.commands.block. Used by the orchestrator's rule publisher.
func (c *Client) PublishBlockCommand(cmd BlockCommand) {
	c.enqueue("commands.block", wire.KindBlockCommand, cmd)
}

func (c *Client) enqueue(topic string, kind wire.Kind, payload any) {
	body, err := wire.Encode(kind, time.Now().UnixNano(), payload)
	if err != nil {
		slog.Error("events: encode failed", "kind", kind, "err", err)
		return
	}
	select {
	case c.outbox <- outboxMsg{topic: topic, body: body}:
	default:
		c.dropped.Add(1)
	}
}

// connectLoop dials Pub/Sub and retries with exponential backoff. Each
// successful connection opens the heartbeat/telemetry topics and starts a
// subscription on secbeat.commands.block and secbeat.commands.<node_id>.
func (c *Client) connectLoop() {
	defer c.wg.Done()

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		if err := c.connectOnce(); err != nil {
			slog.Warn("events: bus unavailable, degrading", "err", fleeterr.Wrap(fleeterr.BusUnavailable, "pubsub connect", err))
			c.mu.Lock()
			c.connected = false
			c.mu.Unlock()

			select {
			case <-c.ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			c.reconnects.Add(1)
			continue
		}

		backoff = time.Second
		// connectOnce started the receive goroutines; this call waits only
		// for the client to be closed. A connection that drops after this
		// point is not re-dialled.
		<-c.ctx.Done()
		return
	}
}

func (c *Client) connectOnce() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := pubsub.NewClient(ctx, c.projectID)
	if err != nil {
		return fmt.Errorf("pubsub.NewClient: %w", err)
	}

	hbTopic := client.Topic("secbeat.heartbeat")
	telTopic := client.Topic("secbeat.telemetry")

	c.mu.Lock()
	c.psClient = client
	c.heartbeatTopic = hbTopic
	c.telemetryTopic = telTopic
	c.connected = true
	c.mu.Unlock()

	c.startCommandSubscription(client, "secbeat.commands.block")
	c.startCommandSubscription(client, fmt.Sprintf("secbeat.commands.%s", c.nodeID.String()))

	if c.fanIn {
		c.startHeartbeatSubscription(client, "secbeat.heartbeat.orchestrator")
		c.startTelemetrySubscription(client, "secbeat.telemetry.orchestrator")
	}

	return nil
}

func (c *Client) startCommandSubscription(client *pubsub.Client, subID string) {
	sub := client.Subscription(subID)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		err := sub.Receive(c.ctx, func(ctx context.Context, msg *pubsub.Message) {
			msg.Ack()
			env, err := wire.Decode(msg.Data)
			if err != nil {
				slog.Warn("events: dropping malformed envelope", "subscription", subID, "err", err)
				return
			}
			if env.Kind != wire.KindBlockCommand {
				return
			}
			var cmd BlockCommand
			if err := wire.DecodePayload(env, &cmd); err != nil {
				slog.Warn("events: dropping malformed block command", "err", err)
				return
			}
			c.handlersMu.RLock()
			handlers := append([]CommandHandler(nil), c.handlers...)
			c.handlersMu.RUnlock()
			for _, h := range handlers {
				h(ctx, cmd)
			}
		})
		if err != nil && c.ctx.Err() == nil {
			slog.Warn("events: subscription receive ended", "subscription", subID, "err", err)
		}
	}()
}

func (c *Client) startHeartbeatSubscription(client *pubsub.Client, subID string) {
	sub := client.Subscription(subID)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		err := sub.Receive(c.ctx, func(ctx context.Context, msg *pubsub.Message) {
			msg.Ack()
			env, err := wire.Decode(msg.Data)
			if err != nil || env.Kind != wire.KindHeartbeat {
				return
			}
			var hb Heartbeat
			if err := wire.DecodePayload(env, &hb); err != nil {
				slog.Warn("events: dropping malformed heartbeat", "err", err)
				return
			}
			c.heartbeatHandlersMu.RLock()
			handlers := append([]HeartbeatHandler(nil), c.heartbeatHandlers...)
			c.heartbeatHandlersMu.RUnlock()
			for _, h := range handlers {
				h(ctx, hb)
			}
		})
		if err != nil && c.ctx.Err() == nil {
			slog.Warn("events: subscription receive ended", "subscription", subID, "err", err)
		}
	}()
}

func (c *Client) startTelemetrySubscription(client *pubsub.Client, subID string) {
	sub := client.Subscription(subID)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		err := sub.Receive(c.ctx, func(ctx context.Context, msg *pubsub.Message) {
			msg.Ack()
			env, err := wire.Decode(msg.Data)
			if err != nil || env.Kind != wire.KindTelemetry {
				return
			}
			var ev TelemetryEvent
			if err := wire.DecodePayload(env, &ev); err != nil {
				slog.Warn("events: dropping malformed telemetry event", "err", err)
				return
			}
			c.telemetryHandlersMu.RLock()
			handlers := append([]TelemetryHandler(nil), c.telemetryHandlers...)
			c.telemetryHandlersMu.RUnlock()
			for _, h := range handlers {
				h(ctx, ev)
			}
		})
		if err != nil && c.ctx.Err() == nil {
			slog.Warn("events: subscription receive ended", "subscription", subID, "err", err)
		}
	}()
}

// drainLoop publishes queued outbox messages to the correct topic, skipping
// silently (and counting a drop) while the bus is disconnected.
func (c *Client) drainLoop() {
	defer c.wg.Done()

	for {
		select {
		case <-c.ctx.Done():
			return
		case m := <-c.outbox:
			c.publish(m)
		}
	}
}

func (c *Client) publish(m outboxMsg) {
	c.mu.RLock()
	connected := c.connected
	hbTopic, telTopic, client := c.heartbeatTopic, c.telemetryTopic, c.psClient
	c.mu.RUnlock()

	if !connected {
		c.dropped.Add(1)
		return
	}

	var topic *pubsub.Topic
	switch m.topic {
	case "heartbeat":
		topic = hbTopic
	case "telemetry":
		topic = telTopic
	case "commands.block":
		topic = client.Topic("secbeat.commands.block")
	default:
		topic = client.Topic(m.topic)
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.publishTO)
	defer cancel()

	result := topic.Publish(ctx, &pubsub.Message{Data: m.body})
	if _, err := result.Get(ctx); err != nil {
		slog.Warn("events: publish failed", "topic", m.topic, "err", err)
		c.dropped.Add(1)
		return
	}
	c.published.Add(1)
}
