// Package lock serializes work on shared keys such as piece refs. Keys are
// always acquired in sorted order so overlapping key sets cannot deadlock.
package lock

import (
	"context"
	"errors"
	"slices"
	"sync"
)

var ErrNotObtained = errors.New("lock not obtained")

type Locker interface {
	Lock(ctx context.Context, keys ...string) (Handle, error)
}

type Handle interface {
	Release(ctx context.Context) error
}

// PieceKey and SaleKey name the keys used by sale creation and cancellation.
func PieceKey(pieceRef string) string { return "piece:" + pieceRef }

func SaleKey(saleID string) string { return "sale:" + saleID }

// normalize sorts and dedupes keys.
func normalize(keys []string) []string {
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if k != "" {
			out = append(out, k)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// Local is an in-process keyed lock.
type Local struct {
	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	ch   chan struct{}
	refs int
}

func NewLocal() *Local {
	return &Local{slots: make(map[string]*slot)}
}

func (l *Local) Lock(ctx context.Context, keys ...string) (Handle, error) {
	keys = normalize(keys)
	held := make([]string, 0, len(keys))
	for _, key := range keys {
		if err := l.acquire(ctx, key); err != nil {
			l.release(held)
			return nil, err
		}
		held = append(held, key)
	}
	return &localHandle{owner: l, keys: held}, nil
}

func (l *Local) acquire(ctx context.Context, key string) error {
	l.mu.Lock()
	s, ok := l.slots[key]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		l.slots[key] = s
	}
	s.refs++
	l.mu.Unlock()

	select {
	case s.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		l.unref(key)
		return errors.Join(ErrNotObtained, ctx.Err())
	}
}

func (l *Local) release(keys []string) {
	for i := len(keys) - 1; i >= 0; i-- {
		l.mu.Lock()
		s := l.slots[keys[i]]
		l.mu.Unlock()
		if s != nil {
			<-s.ch
		}
		l.unref(keys[i])
	}
}

func (l *Local) unref(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.slots[key]
	if !ok {
		return
	}
	s.refs--
	if s.refs == 0 {
		delete(l.slots, key)
	}
}

type localHandle struct {
	once  sync.Once
	owner *Local
	keys  []string
}

func (h *localHandle) Release(_ context.Context) error {
	h.once.Do(func() {
		h.owner.release(h.keys)
	})
	return nil
}
