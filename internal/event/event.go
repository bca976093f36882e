package event

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"
)

const (
	defaultPoolSize = 10000
	defaultTimeout  = 30 * time.Second
)

type Event interface {
	Name() string
}

type Handler func(ctx context.Context, e Event) error

// Bus is an in-memory event bus. Handlers run asynchronously on a
// bounded worker pool, so publishers never observe handler latency.
type Bus struct {
	pool     chan struct{}
	wg       *sync.WaitGroup
	mu       sync.RWMutex
	handlers map[string][]Handler
}

// NewBus create a new event bus. Caller should call Stop for graceful shutdown the bus.
func NewBus() *Bus {
	return &Bus{
		pool:     make(chan struct{}, defaultPoolSize),
		wg:       new(sync.WaitGroup),
		handlers: make(map[string][]Handler),
	}
}

// Subscribe registers h for events with the given name.
// All subscriptions must happen before the first Publish.
func (b *Bus) Subscribe(name string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.handlers[name] = append(b.handlers[name], h)
}

// Publish fans e out to every subscribed handler. Delivery order
// across handlers is unspecified.
func (b *Bus) Publish(ctx context.Context, e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, h := range b.handlers[e.Name()] {
		b.dispatch(ctx, h, e)
	}
}

func (b *Bus) dispatch(ctx context.Context, h Handler, e Event) {
	b.wg.Add(1)

	b.pool <- struct{}{}

	go func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaultTimeout)
		defer func() {
			if r := recover(); r != nil {
				slog.ErrorContext(ctx, "event: handler panic",
					"event", e.Name(),
					"error", fmt.Errorf("%v, stack: %s", r, debug.Stack()),
				)
			}

			cancel()
			<-b.pool
			b.wg.Done()
		}()

		if err := h(ctx, e); err != nil {
			slog.ErrorContext(ctx, "event: handle event failed",
				"event", e.Name(),
				"error", err,
			)
		}
	}()
}

// Stop waits for all in-flight handlers to finish.
func (b *Bus) Stop() {
	b.wg.Wait()
}
