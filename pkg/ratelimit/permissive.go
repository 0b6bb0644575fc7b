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

package ratelimit

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// PermissiveKeyReserver wraps a KeyReserver and treats backend failures
// (the store is unreachable) as an allowed call rather than a denial:
// availability takes precedence over strict limiting during an outage.
// A legitimate capacity denial (ErrKeyRateLimited) is never overridden —
// only errors that are NOT ErrKeyRateLimited trigger the fallback.
type PermissiveKeyReserver struct {
	inner KeyReserver
}

// NewPermissiveKeyReserver wraps inner with outage fallback behavior.
func NewPermissiveKeyReserver(inner KeyReserver) *PermissiveKeyReserver {
	return &PermissiveKeyReserver{inner: inner}
}

func (p *PermissiveKeyReserver) Reserve(ctx context.Context, keyID string, rpmLimit, tpmLimit, tokens int64) (*Reservation, error) {
	res, err := p.inner.Reserve(ctx, keyID, rpmLimit, tpmLimit, tokens)
	if err == nil {
		return res, nil
	}
	if errors.Is(err, ErrKeyRateLimited) {
		return nil, err
	}

	slog.Warn("rate limit backend unreachable, allowing call in permissive mode", "key_id", keyID, "error", err)
	return &Reservation{KeyID: keyID, Tokens: tokens, WindowEnd: time.Now().Add(WindowMinute.Duration()), released: true}, nil
}

func (p *PermissiveKeyReserver) Release(ctx context.Context, res *Reservation) error {
	if res == nil || res.released {
		return nil
	}
	return p.inner.Release(ctx, res)
}

func (p *PermissiveKeyReserver) Usage(ctx context.Context, keyID string, rpmLimit, tpmLimit int64) (Usage, Usage, error) {
	return p.inner.Usage(ctx, keyID, rpmLimit, tpmLimit)
}

var _ KeyReserver = (*PermissiveKeyReserver)(nil)
