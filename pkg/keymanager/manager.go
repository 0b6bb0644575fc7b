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

package keymanager

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/stratforge/stratforge/pkg/ratelimit"
	"github.com/stratforge/stratforge/pkg/secrets"
	"github.com/stratforge/stratforge/pkg/stratforgeerr"
)

// Manager is the KeyManager: it owns KeyHealth for every cataloged key
// and implements the key selection algorithm the router uses to obtain a
// key for a call. KeyHealth is exclusively mutated here; callers report
// outcomes through ReportSuccess/ReportError.
type Manager struct {
	secretStore secrets.Store
	reserver    ratelimit.KeyReserver

	mu      sync.RWMutex
	keys    map[string]APIKeyMetadata
	health  map[string]*KeyHealth
	source  CatalogSource
	cancel  context.CancelFunc
}

// New creates a Manager seeded with the given catalog entries.
func New(keys []APIKeyMetadata, secretStore secrets.Store, reserver ratelimit.KeyReserver) *Manager {
	m := &Manager{
		secretStore: secretStore,
		reserver:    reserver,
		keys:        make(map[string]APIKeyMetadata),
		health:      make(map[string]*KeyHealth),
	}
	m.replaceCatalog(keys)
	return m
}

// NewFromSource creates a Manager whose catalog is loaded from source and
// kept in sync via source.Watch. Close stops the watch loop and closes
// source.
func NewFromSource(ctx context.Context, source CatalogSource, secretStore secrets.Store, reserver ratelimit.KeyReserver) (*Manager, error) {
	keys, err := source.Load(ctx)
	if err != nil {
		return nil, err
	}

	watchCtx, cancel := context.WithCancel(ctx)
	m := &Manager{
		secretStore: secretStore,
		reserver:    reserver,
		keys:        make(map[string]APIKeyMetadata),
		health:      make(map[string]*KeyHealth),
		source:      source,
		cancel:      cancel,
	}
	m.replaceCatalog(keys)

	changes, err := source.Watch(watchCtx)
	if err != nil {
		cancel()
		return nil, err
	}
	go m.watchLoop(watchCtx, changes)

	return m, nil
}

func (m *Manager) watchLoop(ctx context.Context, changes <-chan struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-changes:
			if !ok {
				return
			}
			keys, err := m.source.Load(ctx)
			if err != nil {
				slog.Error("key catalog reload failed, keeping previous catalog", "error", err)
				continue
			}
			m.replaceCatalog(keys)
			slog.Info("key catalog reloaded", "key_count", len(keys))
		}
	}
}

// replaceCatalog swaps in a new set of key metadata, preserving health
// records for keys that still exist and dropping health for keys that
// were removed from the catalog.
func (m *Manager) replaceCatalog(keys []APIKeyMetadata) {
	m.mu.Lock()
	defer m.mu.Unlock()

	newKeys := make(map[string]APIKeyMetadata, len(keys))
	for _, k := range keys {
		newKeys[k.KeyID] = k
		if _, ok := m.health[k.KeyID]; !ok {
			m.health[k.KeyID] = &KeyHealth{}
		}
	}
	for id := range m.health {
		if _, ok := newKeys[id]; !ok {
			delete(m.health, id)
		}
	}
	m.keys = newKeys
}

// Close stops the catalog watch loop, if any.
func (m *Manager) Close() error {
	if m.cancel != nil {
		m.cancel()
	}
	if m.source != nil {
		return m.source.Close()
	}
	return nil
}

// Select runs the key selection algorithm: filter by model preference
// (falling back to model family), drop excluded/cooled-down keys,
// attempt an atomic RPM+TPM reservation per remaining candidate, then
// pick among the successful reservations with capacity-weighted random
// shuffle.
func (m *Manager) Select(ctx context.Context, modelPreference string, expectedCompletionTokens int64, excludedKeys map[string]bool, allowFamilyFallback bool) (*Selection, error) {
	candidates := m.candidateKeys(modelPreference, excludedKeys, false)
	if len(candidates) == 0 && allowFamilyFallback {
		candidates = m.candidateKeys(modelPreference, excludedKeys, true)
	}
	if len(candidates) == 0 {
		return nil, stratforgeerr.New(stratforgeerr.KindAllKeysExhausted, "no active, non-excluded key matches model preference")
	}

	type reserved struct {
		meta APIKeyMetadata
		res  *ratelimit.Reservation
	}
	var ok []reserved

	for _, meta := range candidates {
		res, err := m.reserver.Reserve(ctx, meta.KeyID, meta.RPM, meta.TPM, expectedCompletionTokens)
		if err != nil {
			continue
		}
		ok = append(ok, reserved{meta: meta, res: res})
	}

	if len(ok) == 0 {
		return nil, stratforgeerr.New(stratforgeerr.KindAllKeysExhausted, "no candidate key had remaining RPM/TPM capacity")
	}

	// Weighted random shuffle by remaining RPM capacity after this
	// reservation, so a key with more headroom left is more likely to be
	// picked (prevents hot keys) — weight reflects current usage, not
	// just the key's static configured limit.
	var totalWeight int64
	weights := make([]int64, len(ok))
	for i, r := range ok {
		remaining := r.meta.RPM
		if rpmUsage, _, err := m.reserver.Usage(ctx, r.meta.KeyID, r.meta.RPM, r.meta.TPM); err == nil {
			remaining = rpmUsage.Remaining
		}
		if remaining < 1 {
			remaining = 1
		}
		weights[i] = remaining
		totalWeight += remaining
	}

	pick := rand.Int64N(totalWeight)
	var chosenIdx int
	for i, w := range weights {
		if pick < w {
			chosenIdx = i
			break
		}
		pick -= w
	}
	chosen := ok[chosenIdx]

	for i, r := range ok {
		if i != chosenIdx {
			_ = m.reserver.Release(ctx, r.res)
		}
	}

	secret, err := m.secretStore.Fetch(ctx, chosen.meta.KeyID)
	if err != nil {
		_ = m.reserver.Release(ctx, chosen.res)
		return nil, stratforgeerr.Wrap(stratforgeerr.KindInvalidInput, err, "secret lookup failed for selected key")
	}

	return &Selection{KeyID: chosen.meta.KeyID, Secret: secret, ModelName: chosen.meta.ModelName}, nil
}

// candidateKeys returns active, non-excluded, non-cooled-down keys whose
// ModelName equals modelPreference (byFamily=false) or whose ModelFamily
// equals modelPreference (byFamily=true).
func (m *Manager) candidateKeys(modelPreference string, excludedKeys map[string]bool, byFamily bool) []APIKeyMetadata {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := time.Now()
	var out []APIKeyMetadata
	for id, meta := range m.keys {
		if !meta.Active {
			continue
		}
		if excludedKeys != nil && excludedKeys[id] {
			continue
		}
		if byFamily {
			if meta.ModelFamily != modelPreference {
				continue
			}
		} else if meta.ModelName != modelPreference {
			continue
		}
		h := m.health[id]
		if h != nil && h.InCooldown(now) {
			continue
		}
		out = append(out, meta)
	}
	return out
}

// ReportSuccess records a successful call against keyID, clearing any
// cooldown.
func (m *Manager) ReportSuccess(keyID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.health[keyID]
	if !ok {
		h = &KeyHealth{}
		m.health[keyID] = h
	}
	h.LastUsed = time.Now()
	h.SuccessCount++
	h.ErrorCount = 0
	h.CooldownUntil = time.Time{}
}

// ReportError records a retryable failure against keyID and places it
// into exponential-backoff cooldown. reason is logged but does not
// affect the backoff calculation.
func (m *Manager) ReportError(keyID string, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.health[keyID]
	if !ok {
		h = &KeyHealth{}
		m.health[keyID] = h
	}
	h.LastUsed = time.Now()
	h.ErrorCount++
	cooldown := cooldownFor(h.ErrorCount)
	h.CooldownUntil = time.Now().Add(cooldown)
	slog.Warn("key reported error, entering cooldown", "key_id", keyID, "reason", reason, "cooldown", cooldown)
}

// GetHealthStatus returns the current health snapshot for every
// cataloged key.
func (m *Manager) GetHealthStatus() []HealthStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := time.Now()
	out := make([]HealthStatus, 0, len(m.keys))
	for id, meta := range m.keys {
		h := m.health[id]
		if h == nil {
			h = &KeyHealth{}
		}
		out = append(out, HealthStatus{
			KeyID:         id,
			Active:        meta.Active,
			LastUsed:      h.LastUsed,
			SuccessCount:  h.SuccessCount,
			ErrorCount:    h.ErrorCount,
			CooldownUntil: h.CooldownUntil,
			InCooldown:    h.InCooldown(now),
			RPD:           meta.RPD,
		})
	}
	return out
}
