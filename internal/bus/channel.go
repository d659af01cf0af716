package bus

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
)

var errBusClosed = errors.New("event bus is closed")

// route addresses a set of in-process subscribers.
type route struct {
	tenantID string
	topic    string
}

// ChannelBus delivers messages between goroutines of a single process.
// Each subscriber owns a buffered queue drained by its own goroutine; a
// full queue drops the message instead of blocking the publisher.
type ChannelBus struct {
	mu      sync.RWMutex
	depth   int
	routes  map[route][]*inbox
	stopped bool
}

type inbox struct {
	owner   *ChannelBus
	at      route
	queue   chan *domain.Message
	handler domain.MessageHandler
	ctx     context.Context
	stop    context.CancelFunc
}

// NewChannelBus returns a bus whose subscribers buffer up to depth
// messages each. A non-positive depth means 1000.
func NewChannelBus(depth int) *ChannelBus {
	if depth <= 0 {
		depth = 1000
	}
	return &ChannelBus{depth: depth, routes: make(map[route][]*inbox)}
}

// Publish hands msg to subscribers of the tenant's topic and to AllTenants
// subscribers of the same topic.
func (b *ChannelBus) Publish(ctx context.Context, tenantID, topic string, payload []byte) error {
	if err := checkPublishTenant(tenantID); err != nil {
		return err
	}
	msg := envelope(ctx, tenantID, topic, payload)

	// Holding the read lock keeps Close from cancelling an inbox mid-send.
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.stopped {
		return errBusClosed
	}

	exact := b.routes[route{tenantID, topic}]
	wildcard := b.routes[route{AllTenants, topic}]
	for _, in := range slices.Concat(exact, wildcard) {
		select {
		case in.queue <- msg:
			metrics.BusMessagesTotal.WithLabelValues("channel", topic, "published").Inc()
		default:
			metrics.BusMessagesTotal.WithLabelValues("channel", topic, "dropped").Inc()
			slog.Warn("subscriber queue full, message dropped",
				"tenant_id", tenantID,
				"topic", topic,
				"message_id", msg.ID,
			)
		}
	}
	return nil
}

func (b *ChannelBus) Subscribe(ctx context.Context, tenantID, topic string, handler domain.MessageHandler) (domain.Subscription, error) {
	if tenantID == "" {
		return nil, errors.New("subscribe needs a tenant id or AllTenants")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return nil, errBusClosed
	}

	inCtx, stop := context.WithCancel(ctx)
	in := &inbox{
		owner:   b,
		at:      route{tenantID, topic},
		queue:   make(chan *domain.Message, b.depth),
		handler: handler,
		ctx:     inCtx,
		stop:    stop,
	}
	b.routes[in.at] = append(b.routes[in.at], in)
	go in.drain()

	return in, nil
}

func (in *inbox) drain() {
	for {
		select {
		case <-in.ctx.Done():
			return
		case msg := <-in.queue:
			deliver(in.ctx, "channel", in.handler, msg)
		}
	}
}

func (in *inbox) Unsubscribe() error {
	in.stop()

	b := in.owner
	b.mu.Lock()
	defer b.mu.Unlock()
	rest := slices.DeleteFunc(b.routes[in.at], func(x *inbox) bool { return x == in })
	if len(rest) == 0 {
		delete(b.routes, in.at)
	} else {
		b.routes[in.at] = rest
	}
	return nil
}

func (in *inbox) Topic() string { return in.at.topic }

func (b *ChannelBus) Ping(ctx context.Context) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.stopped {
		return errBusClosed
	}
	return nil
}

// Close cancels every subscriber. Queued messages are discarded. Calling
// Close twice is safe.
func (b *ChannelBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return nil
	}
	b.stopped = true
	for _, inboxes := range b.routes {
		for _, in := range inboxes {
			in.stop()
		}
	}
	clear(b.routes)
	return nil
}
