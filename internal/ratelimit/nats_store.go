package ratelimit

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

const maxUpdateAttempts = 5

// ErrContention indicates that a window could not be updated within the retry budget.
var ErrContention = errors.New("rate window update contention")

type natsWindow struct {
	Count int   `json:"count"`
	Start int64 `json:"start"`
}

// NATSStore keeps windows in a JetStream key-value bucket shared between replicas.
// Updates are optimistic: each write is conditioned on the revision that was read.
type NATSStore struct {
	kv     jetstream.KeyValue
	bucket string
}

// NewNATSStore creates or binds the bucket. Entries expire after ttl, which
// should be at least the longest window stored in the bucket.
func NewNATSStore(ctx context.Context, js jetstream.JetStream, bucket string, ttl time.Duration) (*NATSStore, error) {
	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      bucket,
		Description: fmt.Sprintf("Rate limit windows for the %s bucket.", bucket),
		TTL:         ttl,
		History:     1,
		Storage:     jetstream.MemoryStorage,
		Replicas:    1,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create rate limit bucket '%s': %w", bucket, err)
	}

	return &NATSStore{kv: kv, bucket: bucket}, nil
}

// Increment counts one request for key.
func (n *NATSStore) Increment(ctx context.Context, key string, now time.Time, window time.Duration) (Window, error) {
	kvKey := base64.RawURLEncoding.EncodeToString([]byte(key))

	var lastErr error

	for range maxUpdateAttempts {
		state, err := n.tryIncrement(ctx, kvKey, now, window)
		if err == nil {
			return state, nil
		}

		if ctx.Err() != nil {
			return Window{}, fmt.Errorf("rate window update for bucket '%s' canceled: %w", n.bucket, ctx.Err())
		}

		lastErr = err
	}

	return Window{}, fmt.Errorf("%w in bucket '%s': %w", ErrContention, n.bucket, lastErr)
}

func (n *NATSStore) tryIncrement(ctx context.Context, kvKey string, now time.Time, window time.Duration) (Window, error) {
	entry, err := n.kv.Get(ctx, kvKey)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		fresh := Window{Count: 1, Start: now}

		_, createErr := n.kv.Create(ctx, kvKey, encodeWindow(fresh))
		if createErr != nil {
			return Window{}, fmt.Errorf("failed to create window: %w", createErr)
		}

		return fresh, nil
	}

	if err != nil {
		return Window{}, fmt.Errorf("failed to read window: %w", err)
	}

	state, err := decodeWindow(entry.Value())
	if err != nil || expired(state, now, window) {
		state = Window{Count: 0, Start: now}
	}

	state.Count++

	_, err = n.kv.Update(ctx, kvKey, encodeWindow(state), entry.Revision())
	if err != nil {
		return Window{}, fmt.Errorf("failed to update window at revision %d: %w", entry.Revision(), err)
	}

	return state, nil
}

func encodeWindow(state Window) []byte {
	// Marshaling a struct of two integers cannot fail.
	data, _ := json.Marshal(natsWindow{Count: state.Count, Start: state.Start.UnixNano()})

	return data
}

func decodeWindow(data []byte) (Window, error) {
	var stored natsWindow

	err := json.Unmarshal(data, &stored)
	if err != nil {
		return Window{}, fmt.Errorf("failed to decode window: %w", err)
	}

	return Window{Count: stored.Count, Start: time.Unix(0, stored.Start)}, nil
}
