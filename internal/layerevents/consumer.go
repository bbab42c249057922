package layerevents

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/IBM/sarama"
	lru "github.com/hashicorp/golang-lru/v2"

	obs "github.com/mohammed-shakir/mapsync/internal/core/observability"
)

// Applier is the session side of a layer event.
type Applier interface {
	ApplyLayerEvent(ctx context.Context, op, layer string) error
}

type Consumer struct {
	cfg    Config
	logger *slog.Logger
	apply  Applier

	mu   sync.Mutex
	seen *lru.Cache[string, int64]
}

func New(cfg Config, logger *slog.Logger, apply Applier) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	size := cfg.DedupeSize
	if size <= 0 {
		size = 1024
	}
	seen, _ := lru.New[string, int64](size)
	return &Consumer{
		cfg:    cfg,
		logger: logger.With("component", "layer_events"),
		apply:  apply,
		seen:   seen,
	}
}

// Start consumes layer events until ctx is canceled.
func (c *Consumer) Start(ctx context.Context) error {
	if c.apply == nil {
		return errors.New("layerevents: missing applier")
	}

	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_1_0_0
	cfg.Consumer.Group.Session.Timeout = c.cfg.SessionTimeout
	cfg.Consumer.Group.Heartbeat.Interval = c.cfg.Heartbeat
	cfg.Consumer.Group.Rebalance.Timeout = c.cfg.RebalanceTimeout
	if c.cfg.InitialOffsetOldest {
		cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	} else {
		cfg.Consumer.Offsets.Initial = sarama.OffsetNewest
	}
	cfg.Consumer.Offsets.AutoCommit.Enable = true

	group, err := sarama.NewConsumerGroup(c.cfg.Brokers, c.cfg.GroupID, cfg)
	if err != nil {
		return fmt.Errorf("create consumer group: %w", err)
	}
	defer func() { _ = group.Close() }()

	handler := &groupHandler{process: c.ProcessOne}
	c.logger.Info("layer event consumer starting",
		"brokers", c.cfg.Brokers, "topic", c.cfg.Topic, "group", c.cfg.GroupID)

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("layer event consumer shutting down")
			return nil
		default:
			if err := group.Consume(ctx, []string{c.cfg.Topic}, handler); err != nil {
				c.logger.Error("consumer error", "err", err, "topic", c.cfg.Topic)
				select {
				case <-ctx.Done():
				case <-time.After(2 * time.Second):
				}
			}
		}
	}
}

// ProcessOne decodes, validates and applies one message. Malformed and
// duplicate events are dropped without error so they do not block the
// partition; a failed apply is returned and the message is not marked.
func (c *Consumer) ProcessOne(ctx context.Context, msg *sarama.ConsumerMessage) error {
	var ev Event
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		obs.IncLayerEvent("unknown", "decode_error")
		c.logger.WarnContext(ctx, "layer event dropped: decode",
			"topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset, "err", err)
		return nil
	}
	if err := ev.Validate(); err != nil {
		obs.IncLayerEvent(ev.Op, "invalid")
		c.logger.WarnContext(ctx, "layer event dropped: invalid",
			"layer", ev.Layer, "offset", msg.Offset, "err", err)
		return nil
	}
	if c.duplicate(ev) {
		obs.IncLayerEvent(ev.Op, "duplicate")
		c.logger.DebugContext(ctx, "layer event already applied", "layer", ev.Layer, "layer_version", ev.LayerVersion)
		return nil
	}

	if err := c.apply.ApplyLayerEvent(ctx, ev.Op, ev.Layer); err != nil {
		obs.IncLayerEvent(ev.Op, "failed")
		return fmt.Errorf("apply %s %q: %w", ev.Op, ev.Layer, err)
	}
	c.remember(ev)
	obs.IncLayerEvent(ev.Op, "applied")
	c.logger.InfoContext(ctx, "layer event applied", "op", ev.Op, "layer", ev.Layer, "layer_version", ev.LayerVersion)
	return nil
}

// duplicate reports an event whose layer version was already applied.
// Events without a layer version are never duplicates.
func (c *Consumer) duplicate(ev Event) bool {
	if ev.LayerVersion == 0 {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	last, ok := c.seen.Get(ev.Layer)
	return ok && ev.LayerVersion <= last
}

func (c *Consumer) remember(ev Event) {
	if ev.LayerVersion == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if last, ok := c.seen.Get(ev.Layer); !ok || ev.LayerVersion > last {
		c.seen.Add(ev.Layer, ev.LayerVersion)
	}
}
