// Package dispatch routes decoded messages to handlers by identifier.
package dispatch

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/luciancaetano/lnet"
	"github.com/luciancaetano/lnet/internal/metrics"
	"github.com/luciancaetano/lnet/message"
)

const (
	defaultTracerName = "github.com/luciancaetano/lnet"
	spanName          = "lnet.dispatch"
)

// Config configures a Table.
type Config struct {
	// Transport labels metrics and spans ("tcp", "quic", "ws", "mem").
	Transport string

	// Metrics may be nil.
	Metrics *metrics.Metrics

	// TracerName is the name of the tracer (default: the module path).
	// The tracer is resolved from the global provider.
	TracerName string

	// OnPanic receives recovered handler and observer panics. May be nil.
	OnPanic lnet.OnErrorFn
}

// Table maps identifiers to handlers. Registration is last-write-wins.
// Table is safe for concurrent use; handlers run on the dispatching goroutine.
type Table struct {
	mu       sync.RWMutex
	handlers map[message.Identifier]lnet.HandlerFunc
	observer lnet.ObserverFunc

	transport string
	metrics   *metrics.Metrics
	tracer    trace.Tracer
	onPanic   lnet.OnErrorFn
}

func New(cfg Config) *Table {
	if cfg.TracerName == "" {
		cfg.TracerName = defaultTracerName
	}
	return &Table{
		handlers:  make(map[message.Identifier]lnet.HandlerFunc),
		transport: cfg.Transport,
		metrics:   cfg.Metrics,
		tracer:    otel.Tracer(cfg.TracerName),
		onPanic:   cfg.OnPanic,
	}
}

// Register installs h for id and reports whether it replaced a handler.
// A nil h removes the entry.
func (t *Table) Register(id message.Identifier, h lnet.HandlerFunc) (replaced bool) {
	if h == nil {
		return t.Unregister(id)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	_, replaced = t.handlers[id]
	t.handlers[id] = h
	return replaced
}

// Unregister removes the handler for id and reports whether one existed.
func (t *Table) Unregister(id message.Identifier) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.handlers[id]
	delete(t.handlers, id)
	return ok
}

// SetObserver installs fn as the catch-all observer. nil removes it.
func (t *Table) SetObserver(fn lnet.ObserverFunc) {
	t.mu.Lock()
	t.observer = fn
	t.mu.Unlock()
}

// Len returns the number of registered handlers.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.handlers)
}

// Dispatch hands msg to the observer and then to the handler registered for
// its identifier. It reports whether a handler ran. Messages without a
// handler are dropped.
func (t *Table) Dispatch(ctx context.Context, peer lnet.Peer, msg *message.Message) bool {
	t.mu.RLock()
	observer := t.observer
	h, ok := t.handlers[msg.Identifier()]
	t.mu.RUnlock()

	t.metrics.Received(t.transport, msg.Type())

	ctx, span := t.tracer.Start(ctx, spanName,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("lnet.transport", t.transport),
			attribute.Int("lnet.channel", int(msg.Channel())),
			attribute.Int64("lnet.type", int64(msg.Type())),
			attribute.Int64("lnet.conn_id", int64(peer.ID())),
			attribute.Int("lnet.payload_size", msg.Len()),
		),
	)
	defer span.End()

	if observer != nil {
		t.guard(span, peer, func() { observer(peer, msg) })
		msg.Rewind()
	}

	if !ok {
		span.SetAttributes(attribute.Bool("lnet.handled", false))
		t.metrics.Dropped(t.transport, metrics.ReasonNoHandler)
		return false
	}

	span.SetAttributes(attribute.Bool("lnet.handled", true))
	t.guard(span, peer, func() { h(ctx, peer, msg) })
	return true
}

// guard runs fn and converts a panic into an error for OnPanic.
func (t *Table) guard(span trace.Span, peer lnet.Peer, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("dispatch: handler panic: %v", r)
			span.RecordError(err)
			span.SetStatus(codes.Error, "handler panic")
			t.metrics.Dropped(t.transport, metrics.ReasonHandlerPanic)
			if t.onPanic != nil {
				t.onPanic(peer, err)
			}
		}
	}()
	fn()
}
