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
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryBus_PublishSubscribeRoundTrip(t *testing.T) {
	b := NewMemoryBus(10)
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var received []Event
	done := make(chan struct{}, 1)

	err := b.Subscribe(ctx, ChannelTaskResults, "tester-1", func(ctx context.Context, e Event) error {
		mu.Lock()
		received = append(received, e)
		mu.Unlock()
		done <- struct{}{}
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, ChannelTaskResults, Event{
		EventID: "e1", CorrelationID: "c1", TaskID: "t1", EventType: "test_passed", Timestamp: time.Now(),
	}))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event delivery")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, received, 1)
	assert.Equal(t, "e1", received[0].EventID)
}

func TestMemoryBus_HandlerErrorRequeues(t *testing.T) {
	b := NewMemoryBus(10)
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	attempts := 0
	done := make(chan struct{}, 1)

	err := b.Subscribe(ctx, ChannelTestResults, "tester-1", func(ctx context.Context, e Event) error {
		mu.Lock()
		attempts++
		n := attempts
		mu.Unlock()
		if n < 2 {
			return assertErr
		}
		done <- struct{}{}
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, ChannelTestResults, Event{EventID: "e1", Timestamp: time.Now()}))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for requeued delivery")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.GreaterOrEqual(t, attempts, 2)
}

var assertErr = &testError{"handler failed"}

type testError struct{ msg string }

func (e *testError) Error() string { return e.msg }

func TestEvent_IdempotencyKey(t *testing.T) {
	e := Event{CorrelationID: "c1", TaskID: "t1", EventType: "done"}
	assert.Equal(t, "c1|t1|done", e.IdempotencyKey())
}

func TestDedup_SkipsRepeatedKeyWithinTTL(t *testing.T) {
	var calls int
	handler := Dedup(func(ctx context.Context, e Event) error {
		calls++
		return nil
	}, time.Minute)

	e := Event{CorrelationID: "c1", TaskID: "t1", EventType: "done"}
	require.NoError(t, handler(context.Background(), e))
	require.NoError(t, handler(context.Background(), e))

	assert.Equal(t, 1, calls)
}

func TestDedup_AllowsAfterTTLExpires(t *testing.T) {
	var calls int
	handler := Dedup(func(ctx context.Context, e Event) error {
		calls++
		return nil
	}, time.Millisecond)

	e := Event{CorrelationID: "c1", TaskID: "t1", EventType: "done"}
	require.NoError(t, handler(context.Background(), e))
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, handler(context.Background(), e))

	assert.Equal(t, 2, calls)
}
