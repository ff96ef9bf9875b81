// Package queuetest provides an in-memory queue.Broker for tests.
package queuetest

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/joao-brasil/store-backend/internal/queue"
)

// ErrDown is returned by every operation while the broker is down.
var ErrDown = errors.New("queuetest: broker down")

// Broker mimics Redis list semantics: Push prepends, BlockingPop takes from
// the tail.
type Broker struct {
	mu      sync.Mutex
	lists   map[string][][]byte
	ttls    map[string]time.Duration
	changed chan struct{}
	down    bool
	closed  bool
}

var _ queue.Broker = (*Broker)(nil)

// NewBroker returns an empty broker.
func NewBroker() *Broker {
	return &Broker{
		lists:   make(map[string][][]byte),
		ttls:    make(map[string]time.Duration),
		changed: make(chan struct{}),
	}
}

// SetDown makes every subsequent operation fail with ErrDown.
func (b *Broker) SetDown(down bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.down = down
	b.broadcastLocked()
}

func (b *Broker) broadcastLocked() {
	close(b.changed)
	b.changed = make(chan struct{})
}

func (b *Broker) Push(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.down {
		return ErrDown
	}
	item := append([]byte(nil), value...)
	b.lists[key] = append([][]byte{item}, b.lists[key]...)
	if ttl > 0 {
		b.ttls[key] = ttl
	}
	b.broadcastLocked()
	return nil
}

func (b *Broker) BlockingPop(ctx context.Context, key string, timeout time.Duration) ([]byte, error) {
	timer := time.NewTimer(queue.WholeSeconds(timeout))
	defer timer.Stop()

	for {
		b.mu.Lock()
		if b.down {
			b.mu.Unlock()
			return nil, ErrDown
		}
		if l := b.lists[key]; len(l) > 0 {
			item := l[len(l)-1]
			b.lists[key] = l[:len(l)-1]
			if len(b.lists[key]) == 0 {
				delete(b.lists, key)
				delete(b.ttls, key)
			}
			b.mu.Unlock()
			return item, nil
		}
		changed := b.changed
		b.mu.Unlock()

		select {
		case <-changed:
		case <-timer.C:
			return nil, queue.ErrNoMessage
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (b *Broker) Len(ctx context.Context, key string) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.down {
		return 0, ErrDown
	}
	return int64(len(b.lists[key])), nil
}

func (b *Broker) Ping(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.down {
		return ErrDown
	}
	return nil
}

func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

// Closed reports whether Close was called.
func (b *Broker) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Items returns a copy of the list at key, head first.
func (b *Broker) Items(key string) [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([][]byte, len(b.lists[key]))
	copy(out, b.lists[key])
	return out
}

// TTL returns the expiry last set on key.
func (b *Broker) TTL(key string) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ttls[key]
}
