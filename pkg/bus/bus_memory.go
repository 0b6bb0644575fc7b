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
	"log/slog"
	"sync"
)

// MemoryBus is an in-process Bus: one buffered channel per topic, one
// dispatcher goroutine per subscriber. It offers no durability across a
// process crash — redelivery here only covers a handler returning an
// error while the process is alive, by requeuing to the back of the
// channel. Deployments that need crash survival use RedisBus instead.
type MemoryBus struct {
	mu       sync.Mutex
	channels map[Channel]chan Event
	capacity int
	closed   bool
	cancel   context.CancelFunc
	ctx      context.Context
}

// NewMemoryBus creates an in-process Bus with the given per-channel
// buffer capacity.
func NewMemoryBus(capacity int) *MemoryBus {
	if capacity <= 0 {
		capacity = 256
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &MemoryBus{
		channels: make(map[Channel]chan Event),
		capacity: capacity,
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (b *MemoryBus) channelFor(ch Channel) chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.channels[ch]
	if !ok {
		c = make(chan Event, b.capacity)
		b.channels[ch] = c
	}
	return c
}

func (b *MemoryBus) Publish(ctx context.Context, channel Channel, event Event) error {
	select {
	case b.channelFor(channel) <- event:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *MemoryBus) Subscribe(ctx context.Context, channel Channel, consumerName string, handler Handler) error {
	c := b.channelFor(channel)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-b.ctx.Done():
				return
			case event := <-c:
				if err := handler(ctx, event); err != nil {
					slog.Error("bus handler failed, requeuing", "channel", channel, "consumer", consumerName, "event_id", event.EventID, "error", err)
					select {
					case c <- event:
					default:
						slog.Error("bus channel full, dropping requeued event", "channel", channel, "event_id", event.EventID)
					}
				}
			}
		}
	}()
	return nil
}

func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	b.cancel()
	return nil
}

var _ Bus = (*MemoryBus)(nil)
