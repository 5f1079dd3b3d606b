// Package behavioral implements the orchestrator's Behavioral Expert: it
// aggregates TelemetryEvents into per-client-IP sliding windows and emits
// BlockCommands when a configured threshold rule fires.
package behavioral

import (
	"fmt"
	"sync"
	"time"

	"github.com/secbeat/fleet/internal/events"
)

// Rule is a single threshold rule evaluated against a window's counts.
type Rule struct {
	Name      string
	Kind      events.TelemetryKind
	Threshold int
	TTL       time.Duration
	Reason    string
}

// DefaultRules returns the spec's default rule set: Error4xx count > 50
// within the window, with a 300s BlockCommand TTL.
func DefaultRules() []Rule {
	return []Rule{
		{
			Name:      "error4xx-burst",
			Kind:      events.TelemetryError4xx,
			Threshold: 50,
			TTL:       300 * time.Second,
			Reason:    "excessive 4xx rate",
		},
	}
}

// bucket counts telemetry kinds observed within one bucket-width slice of
// the sliding window.
type bucket struct {
	start  time.Time
	counts map[events.TelemetryKind]int
}

// ipWindow is one client IP's sliding window of buckets.
type ipWindow struct {
	buckets []bucket
}

func (w *ipWindow) record(kind events.TelemetryKind, at time.Time, bucketWidth time.Duration) {
	if len(w.buckets) > 0 {
		last := &w.buckets[len(w.buckets)-1]
		if at.Sub(last.start) < bucketWidth {
			last.counts[kind]++
			return
		}
	}
	w.buckets = append(w.buckets, bucket{start: at, counts: map[events.TelemetryKind]int{kind: 1}})
}

func (w *ipWindow) evict(before time.Time) {
	i := 0
	for i < len(w.buckets) && w.buckets[i].start.Before(before) {
		i++
	}
	w.buckets = w.buckets[i:]
}

func (w *ipWindow) total(kind events.TelemetryKind) int {
	n := 0
	for _, b := range w.buckets {
		n += b.counts[kind]
	}
	return n
}

// BlockCommandEmitter is the sink a firing rule publishes its BlockCommand
// to. internal/orchestrator/rulepublisher.Publisher satisfies this.
type BlockCommandEmitter interface {
	PublishBlockCommand(cmd events.BlockCommand) error
}

// Expert aggregates telemetry into per-IP windows and fires rules.
type Expert struct {
	mu          sync.Mutex
	windowWidth time.Duration
	bucketWidth time.Duration
	rules       []Rule
	windows     map[string]*ipWindow
	fired       map[string]time.Time // "ip|reason" -> fired-until, for dedup
	emitter     BlockCommandEmitter
}

// Config bundles the Behavioral Expert's construction parameters.
type Config struct {
	WindowWidth time.Duration // default 60s
	BucketWidth time.Duration // default 5s
	Rules       []Rule        // default DefaultRules()
}

// New builds an Expert publishing through emitter.
func New(cfg Config, emitter BlockCommandEmitter) *Expert {
	if cfg.WindowWidth <= 0 {
		cfg.WindowWidth = 60 * time.Second
	}
	if cfg.BucketWidth <= 0 {
		cfg.BucketWidth = 5 * time.Second
	}
	if cfg.Rules == nil {
		cfg.Rules = DefaultRules()
	}
	return &Expert{
		windowWidth: cfg.WindowWidth,
		bucketWidth: cfg.BucketWidth,
		rules:       cfg.Rules,
		windows:     make(map[string]*ipWindow),
		fired:       make(map[string]time.Time),
		emitter:     emitter,
	}
}

// Observe folds one TelemetryEvent into its client IP's window and
// evaluates every rule, publishing a BlockCommand for the first newly
// firing one(s). Errors publishing are returned but do not stop evaluation
// of remaining rules.
func (e *Expert) Observe(ev events.TelemetryEvent) error {
	now := timeOf(ev)
	e.mu.Lock()
	w, ok := e.windows[ev.ClientIP]
	if !ok {
		w = &ipWindow{}
		e.windows[ev.ClientIP] = w
	}
	w.record(ev.Kind, now, e.bucketWidth)
	w.evict(now.Add(-e.windowWidth))

	var toPublish []events.BlockCommand
	for _, rule := range e.rules {
		if w.total(rule.Kind) <= rule.Threshold {
			continue
		}
		key := ev.ClientIP + "|" + rule.Reason
		if until, fired := e.fired[key]; fired && now.Before(until) {
			continue
		}
		e.fired[key] = now.Add(rule.TTL)
		toPublish = append(toPublish, events.BlockCommand{
			Target:        ev.ClientIP,
			TTLSeconds:    int64(rule.TTL.Seconds()),
			Reason:        rule.Reason,
			CorrelationId: fmt.Sprintf("%s-%d", ev.ClientIP, now.UnixNano()),
		})
	}
	e.mu.Unlock()

	var firstErr error
	for _, cmd := range toPublish {
		if err := e.emitter.PublishBlockCommand(cmd); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func timeOf(ev events.TelemetryEvent) time.Time {
	if ev.TimestampUnixNano == 0 {
		return time.Now()
	}
	return time.Unix(0, ev.TimestampUnixNano)
}
