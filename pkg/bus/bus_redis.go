// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBus implements Bus on Redis Streams with consumer groups. A
// message is held in the group's pending-entries list (PEL) until the
// handler acknowledges it with XACK; a background sweep claims entries
// whose idle time exceeds claimIdle and redelivers them, which is what
// gives redelivery-on-consumer-crash its at-least-once guarantee —
// adapted from the project's simpler Redis list queue into the
// stream/consumer-group idiom, since a plain LPUSH/BRPOP queue has no
// processing-set to sweep.
type RedisBus struct {
	client     *redis.Client
	group      string
	claimIdle  time.Duration
	sweepEvery time.Duration

	cancel context.CancelFunc
}

// RedisBusOption configures a RedisBus.
type RedisBusOption func(*RedisBus)

// WithClaimIdle sets how long a pending entry may sit unacknowledged
// before the sweep claims and redelivers it. Default 30s.
func WithClaimIdle(d time.Duration) RedisBusOption {
	return func(b *RedisBus) { b.claimIdle = d }
}

// WithSweepInterval sets how often the sweep runs. Default 10s.
func WithSweepInterval(d time.Duration) RedisBusOption {
	return func(b *RedisBus) { b.sweepEvery = d }
}

// NewRedisBus creates a Bus backed by Redis Streams. group names the
// consumer group every Subscribe call joins (typically one per agent
// role, e.g. "coder", "tester").
func NewRedisBus(client *redis.Client, group string, opts ...RedisBusOption) *RedisBus {
	ctx, cancel := context.WithCancel(context.Background())
	b := &RedisBus{
		client:     client,
		group:      group,
		claimIdle:  30 * time.Second,
		sweepEvery: 10 * time.Second,
		cancel:     cancel,
	}
	for _, opt := range opts {
		opt(b)
	}
	go b.sweepLoop(ctx)
	return b
}

func streamKey(ch Channel) string {
	return fmt.Sprintf("stratforge:bus:%s", ch)
}

func (b *RedisBus) Publish(ctx context.Context, channel Channel, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("bus: marshal event: %w", err)
	}
	err = b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: streamKey(channel),
		Values: map[string]any{"event": data},
	}).Err()
	if err != nil {
		return fmt.Errorf("bus: xadd %s: %w", channel, err)
	}
	return nil
}

func (b *RedisBus) ensureGroup(ctx context.Context, channel Channel) error {
	err := b.client.XGroupCreateMkStream(ctx, streamKey(channel), b.group, "0").Err()
	if err == nil || rediserrAlreadyExists(err) {
		return nil
	}
	return err
}

func rediserrAlreadyExists(err error) bool {
	return err != nil && len(err.Error()) >= 9 && err.Error()[:9] == "BUSYGROUP"
}

func (b *RedisBus) Subscribe(ctx context.Context, channel Channel, consumerName string, handler Handler) error {
	if err := b.ensureGroup(ctx, channel); err != nil {
		return fmt.Errorf("bus: create consumer group for %s: %w", channel, err)
	}

	go b.consumeLoop(ctx, channel, consumerName, handler)
	return nil
}

func (b *RedisBus) consumeLoop(ctx context.Context, channel Channel, consumerName string, handler Handler) {
	stream := streamKey(channel)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		streams, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    b.group,
			Consumer: consumerName,
			Streams:  []string{stream, ">"},
			Count:    10,
			Block:    2 * time.Second,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || errors.Is(err, context.Canceled) {
				continue
			}
			slog.Error("bus xreadgroup failed", "channel", channel, "consumer", consumerName, "error", err)
			time.Sleep(time.Second)
			continue
		}

		for _, s := range streams {
			for _, msg := range s.Messages {
				b.handleMessage(ctx, channel, stream, msg, handler)
			}
		}
	}
}

func (b *RedisBus) handleMessage(ctx context.Context, channel Channel, stream string, msg redis.XMessage, handler Handler) {
	raw, _ := msg.Values["event"].(string)
	var event Event
	if err := json.Unmarshal([]byte(raw), &event); err != nil {
		slog.Error("bus: discarding malformed event", "channel", channel, "id", msg.ID, "error", err)
		b.client.XAck(ctx, stream, b.group, msg.ID)
		return
	}

	if err := handler(ctx, event); err != nil {
		slog.Warn("bus handler failed, leaving entry pending for sweep", "channel", channel, "event_id", event.EventID, "error", err)
		return
	}

	if err := b.client.XAck(ctx, stream, b.group, msg.ID).Err(); err != nil {
		slog.Error("bus: ack failed", "channel", channel, "id", msg.ID, "error", err)
	}
}

// sweepLoop periodically claims pending entries that have sat idle
// past claimIdle across every known channel, redelivering them to
// whichever consumer calls XReadGroup next.
func (b *RedisBus) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(b.sweepEvery)
	defer ticker.Stop()

	channels := []Channel{
		ChannelPlannerRequests, ChannelAgentRequests, ChannelTesterRequests,
		ChannelDebuggerRequests, ChannelTestResults, ChannelTaskResults, ChannelWorkflowEvents,
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, ch := range channels {
				b.sweepChannel(ctx, ch)
			}
		}
	}
}

func (b *RedisBus) sweepChannel(ctx context.Context, channel Channel) {
	stream := streamKey(channel)

	pending, err := b.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: stream,
		Group:  b.group,
		Start:  "-",
		End:    "+",
		Count:  50,
		Idle:   b.claimIdle,
	}).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			slog.Debug("bus sweep: xpending failed", "channel", channel, "error", err)
		}
		return
	}

	if len(pending) == 0 {
		return
	}

	ids := make([]string, 0, len(pending))
	for _, p := range pending {
		ids = append(ids, p.ID)
	}

	claimed, err := b.client.XClaim(ctx, &redis.XClaimArgs{
		Stream:   stream,
		Group:    b.group,
		Consumer: "sweep",
		MinIdle:  b.claimIdle,
		Messages: ids,
	}).Result()
	if err != nil {
		slog.Error("bus sweep: xclaim failed", "channel", channel, "error", err)
		return
	}

	// Requeue each claimed entry as a fresh stream entry so any live
	// consumer's blocking XReadGroup(">") picks it up, then ack the
	// stale one to drop it from the pending list.
	for _, msg := range claimed {
		if _, err := b.client.XAdd(ctx, &redis.XAddArgs{Stream: stream, Values: msg.Values}).Result(); err != nil {
			slog.Error("bus sweep: requeue failed", "channel", channel, "id", msg.ID, "error", err)
			continue
		}
		if err := b.client.XAck(ctx, stream, b.group, msg.ID).Err(); err != nil {
			slog.Error("bus sweep: ack stale entry failed", "channel", channel, "id", msg.ID, "error", err)
		}
		slog.Info("bus sweep requeued stale entry", "channel", channel, "id", msg.ID)
	}
}

func (b *RedisBus) Close() error {
	b.cancel()
	return nil
}

var _ Bus = (*RedisBus)(nil)
