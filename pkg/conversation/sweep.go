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

package conversation

import (
	"context"
	"log/slog"
	"time"
)

// Sweeper periodically evicts conversations older than a TTL. The TTL is
// the value passed to NewSweeper; no environment variable is read here.
// The interval defaults to a tenth of the TTL so an expired conversation
// is never kept much beyond it.
type Sweeper struct {
	store    Store
	ttl      time.Duration
	interval time.Duration
}

// NewSweeper creates a Sweeper over store with the given ttl. If ttl is
// zero, DefaultTTL is used. If interval is zero, it defaults to ttl/10,
// floored at one minute.
func NewSweeper(store Store, ttl, interval time.Duration) *Sweeper {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if interval <= 0 {
		interval = ttl / 10
		if interval < time.Minute {
			interval = time.Minute
		}
	}
	return &Sweeper{store: store, ttl: ttl, interval: interval}
}

// Run blocks, sweeping expired conversations on interval until ctx is
// canceled.
func (w *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := w.store.DeleteExpired(ctx, w.ttl)
			if err != nil {
				slog.Error("conversation sweep failed", "error", err)
				continue
			}
			if n > 0 {
				slog.Info("conversation sweep evicted expired conversations", "count", n, "ttl", w.ttl)
			}
		}
	}
}
