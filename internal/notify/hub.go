package notify

import (
	"context"
	"errors"
	"sync"
)

// Publisher receives a fresh summary after every committed queue mutation.
type Publisher interface {
	Publish(ctx context.Context, s Summary) error
}

// Subscriber streams summaries for one project. Slow consumers only ever see
// the latest summary.
type Subscriber interface {
	Subscribe(ctx context.Context, projectID string) (<-chan Summary, func(), error)
}

// Hub is an in-process Publisher and Subscriber.
type Hub struct {
	mu   sync.Mutex
	subs map[string]map[chan Summary]struct{}
	last map[string]Summary
}

var (
	_ Publisher  = (*Hub)(nil)
	_ Subscriber = (*Hub)(nil)
)

func NewHub() *Hub {
	return &Hub{
		subs: map[string]map[chan Summary]struct{}{},
		last: map[string]Summary{},
	}
}

// Publish drops summaries older than the last one seen for the project, so
// publishers racing after their commits cannot roll subscribers back.
func (h *Hub) Publish(_ context.Context, s Summary) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if prev, ok := h.last[s.ProjectID]; ok && s.Older(prev) {
		return nil
	}
	h.last[s.ProjectID] = s
	for ch := range h.subs[s.ProjectID] {
		offer(ch, s)
	}
	return nil
}

// Subscribe registers a channel that immediately receives the last known
// summary, if any. The returned func unsubscribes; cancelling ctx does too.
func (h *Hub) Subscribe(ctx context.Context, projectID string) (<-chan Summary, func(), error) {
	ch := make(chan Summary, 1)
	h.mu.Lock()
	if h.subs[projectID] == nil {
		h.subs[projectID] = map[chan Summary]struct{}{}
	}
	h.subs[projectID][ch] = struct{}{}
	if s, ok := h.last[projectID]; ok {
		ch <- s
	}
	h.mu.Unlock()

	var once sync.Once
	done := make(chan struct{})
	cancel := func() {
		once.Do(func() {
			close(done)
			h.mu.Lock()
			delete(h.subs[projectID], ch)
			if len(h.subs[projectID]) == 0 {
				delete(h.subs, projectID)
			}
			close(ch)
			h.mu.Unlock()
		})
	}
	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-done:
		}
	}()
	return ch, cancel, nil
}

// offer replaces any unread summary with s.
func offer(ch chan Summary, s Summary) {
	select {
	case ch <- s:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- s:
	default:
	}
}

// Multi publishes to every publisher, collecting errors.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, s Summary) error {
	var errs []error
	for _, p := range m {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, s); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
