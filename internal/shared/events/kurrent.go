package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/EventStore/EventStore-Client-Go/v4/esdb"
	"github.com/google/uuid"

	"github.com/ledgerline/einvoicing/internal/shared/config"
)

// KurrentBus provides event publishing and subscription using KurrentDB.
// Each branch gets its own stream so a branch's history replays in order.
type KurrentBus struct {
	client *esdb.Client
	prefix string
	logger *slog.Logger
}

var _ Bus = (*KurrentBus)(nil)

// NewKurrentBus creates a new event bus connected to KurrentDB
func NewKurrentBus(ctx context.Context, cfg config.KurrentDBConfig, logger *slog.Logger) (*KurrentBus, error) {
	settings, err := esdb.ParseConnectionString(buildConnectionString(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	client, err := esdb.NewClient(settings)
	if err != nil {
		return nil, fmt.Errorf("failed to create KurrentDB client: %w", err)
	}

	bus := &KurrentBus{client: client, prefix: "einvoicing", logger: logger}

	healthCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := bus.health(healthCtx); err != nil {
		client.Close()
		return nil, err
	}
	return bus, nil
}

// buildConnectionString creates the esdb:// connection string
func buildConnectionString(cfg config.KurrentDBConfig) string {
	var auth string
	if cfg.Username != "" && cfg.Password != "" {
		auth = fmt.Sprintf("%s:%s@", cfg.Username, cfg.Password)
	}

	params := ""
	if cfg.Insecure {
		params = "?tls=false&tlsVerifyCert=false"
		// Keep-alive settings for connection stability in container networks.
		params += "&keepAliveInterval=10000&keepAliveTimeout=10000&discoveryInterval=100&maxDiscoverAttempts=3&gossipTimeout=5"
	}

	return fmt.Sprintf("esdb://%s%s:%d%s", auth, cfg.Host, cfg.Port, params)
}

// streamName is einvoicing-<org>-<branch>, or einvoicing-system for
// events not scoped to a branch.
func (b *KurrentBus) streamName(e Event) string {
	if e.OrganizationID.IsZero() {
		return b.prefix + "-system"
	}
	return fmt.Sprintf("%s-%s-%s", b.prefix, e.OrganizationID, e.BranchID)
}

// Publish publishes an event to the bus
func (b *KurrentBus) Publish(ctx context.Context, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	eventID, err := uuid.Parse(event.ID)
	if err != nil {
		eventID = uuid.New()
	}

	_, err = b.client.AppendToStream(ctx, b.streamName(event), esdb.AppendToStreamOptions{
		ExpectedRevision: esdb.Any{},
	}, esdb.EventData{
		EventType:   event.Type,
		ContentType: esdb.ContentTypeJson,
		Data:        data,
		EventID:     eventID,
	})
	if err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// Subscribe starts a catch-up subscription on $all filtered by event type.
func (b *KurrentBus) Subscribe(ctx context.Context, pattern string, consumerName string, handler Handler) error {
	sub, err := b.client.SubscribeToAll(ctx, esdb.SubscribeToAllOptions{
		From: esdb.End{},
		Filter: &esdb.SubscriptionFilter{
			Type:  esdb.EventFilterType,
			Regex: patternToRegex(pattern),
		},
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to pattern: %w", err)
	}

	go b.handleSubscription(ctx, sub, pattern, consumerName, handler)
	return nil
}

// patternToRegex converts a simple wildcard pattern to regex
func patternToRegex(pattern string) string {
	if pattern == "*" || pattern == ">" {
		return "^[^$].*"
	}
	var sb strings.Builder
	sb.WriteByte('^')
	for i := 0; i < len(pattern); i++ {
		switch pattern[i] {
		case '.':
			sb.WriteString(`\.`)
		case '*':
			sb.WriteString(".*")
		default:
			sb.WriteByte(pattern[i])
		}
	}
	return sb.String()
}

func (b *KurrentBus) handleSubscription(ctx context.Context, sub *esdb.Subscription, pattern, consumer string, handler Handler) {
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		subEvent := sub.Recv()
		if subEvent.EventAppeared == nil {
			if subEvent.SubscriptionDropped != nil {
				b.logger.Warn("subscription dropped", "consumer", consumer, "error", subEvent.SubscriptionDropped.Error)
				return
			}
			time.Sleep(10 * time.Millisecond)
			continue
		}

		recorded := subEvent.EventAppeared.Event
		if recorded == nil || strings.HasPrefix(recorded.EventType, "$") {
			continue
		}
		if !matchesPattern(recorded.EventType, pattern) {
			continue
		}

		var event Event
		if err := json.Unmarshal(recorded.Data, &event); err != nil {
			b.logger.Error("failed to decode event", "consumer", consumer, "event_id", recorded.EventID.String(), "error", err)
			continue
		}
		if event.ID == "" {
			event.ID = recorded.EventID.String()
		}

		if err := handler(ctx, event); err != nil {
			b.logger.Error("event handler failed", "consumer", consumer, "event_id", event.ID, "type", event.Type, "error", err)
		}
	}
}

// Close closes the event bus connection
func (b *KurrentBus) Close() {
	if b.client != nil {
		b.client.Close()
	}
}

// Health checks the KurrentDB connection
func (b *KurrentBus) Health() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return b.health(ctx)
}

func (b *KurrentBus) health(ctx context.Context) error {
	stream, err := b.client.ReadStream(ctx, "$streams", esdb.ReadStreamOptions{
		From:      esdb.Start{},
		Direction: esdb.Forwards,
	}, 1)
	if err != nil {
		return fmt.Errorf("KurrentDB health check failed: %w", err)
	}
	stream.Close()
	return nil
}
