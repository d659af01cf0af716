package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
)

// NATSBus publishes JSON envelopes on per-tenant NATS subjects so several
// Kestrel nodes and outside consumers can share events.
type NATSBus struct {
	nc *nats.Conn

	mu   sync.Mutex
	subs map[*nats.Subscription]struct{}
}

type natsSub struct {
	owner *NATSBus
	topic string
	sub   *nats.Subscription
}

// NewNATSBus dials cfg.NATSUrl. The initial dial is retried
// NATSMaxReconnects times; after that the client reconnects on its own.
func NewNATSBus(cfg domain.EventBusConfig) (*NATSBus, error) {
	url := cfg.NATSUrl
	if url == "" {
		url = nats.DefaultURL
	}
	attempts := cfg.NATSMaxReconnects
	if attempts <= 0 {
		attempts = 10
	}
	wait := time.Duration(cfg.NATSReconnectWait) * time.Second
	if wait <= 0 {
		wait = 5 * time.Second
	}

	nc, err := dialNATS(url, attempts, wait, natsOptions(cfg.NATSToken, attempts, wait))
	if err != nil {
		return nil, err
	}
	slog.Info("connected to nats", "url", nc.ConnectedUrl(), "server_id", nc.ConnectedServerId())
	return &NATSBus{nc: nc, subs: make(map[*nats.Subscription]struct{})}, nil
}

func natsOptions(token string, attempts int, wait time.Duration) []nats.Option {
	opts := []nats.Option{
		nats.Name("kestrel"),
		nats.MaxReconnects(attempts),
		nats.ReconnectWait(wait),
		nats.ReconnectBufSize(8 << 20),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			slog.Warn("nats disconnected", "error", err, "closed", nc.IsClosed())
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			var subject string
			if sub != nil {
				subject = sub.Subject
			}
			slog.Error("nats async error", "subject", subject, "error", err)
		}),
	}
	if token != "" {
		opts = append(opts, nats.Token(token))
	}
	return opts
}

func dialNATS(url string, attempts int, wait time.Duration, opts []nats.Option) (*nats.Conn, error) {
	var lastErr error
	for i := range attempts {
		nc, err := nats.Connect(url, opts...)
		if err == nil {
			return nc, nil
		}
		lastErr = err
		slog.Warn("nats dial failed", "attempt", i+1, "of", attempts, "error", err)
		if i+1 < attempts {
			time.Sleep(wait)
		}
	}
	return nil, fmt.Errorf("nats %s unreachable after %d attempts: %w", url, attempts, lastErr)
}

func (b *NATSBus) Publish(ctx context.Context, tenantID, topic string, payload []byte) error {
	if err := checkPublishTenant(tenantID); err != nil {
		return err
	}
	data, err := json.Marshal(envelope(ctx, tenantID, topic, payload))
	if err != nil {
		return fmt.Errorf("encode %s envelope: %w", topic, err)
	}
	if err := b.nc.Publish(Subject(tenantID, topic), data); err != nil {
		return err
	}
	metrics.BusMessagesTotal.WithLabelValues("nats", topic, "published").Inc()
	return nil
}

// Subscribe listens on the tenant's subject. AllTenants becomes the "*"
// token, matching every tenant.
func (b *NATSBus) Subscribe(ctx context.Context, tenantID, topic string, handler domain.MessageHandler) (domain.Subscription, error) {
	if tenantID == "" {
		return nil, errors.New("subscribe needs a tenant id or AllTenants")
	}

	subject := Subject(tenantID, topic)
	sub, err := b.nc.Subscribe(subject, func(m *nats.Msg) {
		msg := new(domain.Message)
		if err := json.Unmarshal(m.Data, msg); err != nil {
			metrics.BusMessagesTotal.WithLabelValues("nats", topic, "dropped").Inc()
			slog.Error("undecodable nats message", "subject", m.Subject, "error", err)
			return
		}
		deliver(ctx, "nats", handler, msg)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}

	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return &natsSub{owner: b, topic: topic, sub: sub}, nil
}

func (b *NATSBus) Ping(ctx context.Context) error {
	if !b.nc.IsConnected() {
		return fmt.Errorf("nats not connected (status %s)", b.nc.Status())
	}
	return b.nc.FlushWithContext(ctx)
}

// Close unsubscribes everything and closes the connection.
func (b *NATSBus) Close() error {
	b.mu.Lock()
	for sub := range b.subs {
		_ = sub.Unsubscribe()
	}
	clear(b.subs)
	b.mu.Unlock()

	b.nc.Close()
	return nil
}

// Subject maps a topic to its per-tenant NATS subject, for example
// "kestrel.fraud.alert.tenant-001".
func Subject(tenantID, topic string) string {
	return topic + "." + tenantID
}

func (s *natsSub) Unsubscribe() error {
	s.owner.mu.Lock()
	delete(s.owner.subs, s.sub)
	s.owner.mu.Unlock()
	return s.sub.Unsubscribe()
}

func (s *natsSub) Topic() string { return s.topic }
